package platform

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Kind int

const (
	KindUnexpected Kind = iota
	KindAuth
	KindRateLimited
	KindNetwork
	KindRejected
)

// Error is a failed platform call.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("platform ")
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func classify(op string, status int, message string) *Error {
	lower := strings.ToLower(message)
	kind := KindRejected
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden,
		strings.Contains(lower, "login_required"), strings.Contains(lower, "login"),
		strings.Contains(lower, "checkpoint"):
		kind = KindAuth
	case status == http.StatusTooManyRequests,
		strings.Contains(lower, "rate limit"), strings.Contains(lower, "wait a few minutes"):
		kind = KindRateLimited
	case status >= 500:
		kind = KindUnexpected
	}
	return &Error{Kind: kind, Op: op, Status: status, Message: message}
}

func kindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return KindUnexpected, false
}

func IsAuth(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}

// IsRejected reports a well-formed refusal by the platform, as opposed to a
// transport or server fault.
func IsRejected(err error) bool {
	k, ok := kindOf(err)
	return ok && (k == KindRejected || k == KindAuth || k == KindRateLimited)
}

// OperatorMessage turns an error into text fit for the console.
func OperatorMessage(err error) string {
	k, ok := kindOf(err)
	if !ok {
		return "Platform request failed. Please try again."
	}
	switch k {
	case KindAuth:
		return "Instagram login failed. Please check your cookies."
	case KindRateLimited:
		return "Instagram rate limit reached. Please try again later."
	case KindNetwork:
		return "Network error. Please check your internet connection."
	case KindRejected:
		var pe *Error
		errors.As(err, &pe)
		if pe.Message != "" {
			return "Instagram refused the request: " + pe.Message
		}
		return "Instagram refused the request."
	default:
		return "Platform request failed. Please try again."
	}
}
