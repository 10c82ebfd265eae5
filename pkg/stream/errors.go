package stream

import "errors"

type Kind string

const (
	KindValidation    Kind = "validation"
	KindDuration      Kind = "duration_invalid"
	KindAuth          Kind = "authentication_failed"
	KindAlreadyActive Kind = "already_active"
	KindNotActive     Kind = "not_active"
	KindInfo          Kind = "info_unavailable"
	KindComment       Kind = "comment_rejected"
	KindStartRejected Kind = "start_rejected"
	KindProvider      Kind = "provider_fault"
)

// Sentinels for errors.Is. They compare by Kind only.
var (
	ErrValidation           = &Error{Kind: KindValidation}
	ErrDurationInvalid      = &Error{Kind: KindDuration}
	ErrAuthenticationFailed = &Error{Kind: KindAuth}
	ErrAlreadyActive        = &Error{Kind: KindAlreadyActive}
	ErrNotActive            = &Error{Kind: KindNotActive}
	ErrInfoUnavailable      = &Error{Kind: KindInfo}
	ErrCommentRejected      = &Error{Kind: KindComment}
	ErrStartRejected        = &Error{Kind: KindStartRejected}
	ErrProviderFault        = &Error{Kind: KindProvider}
)

// Error is an operational outcome of a console operation. Message is meant for
// the operator; Err keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of a stream error, or KindProvider for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProvider
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}
