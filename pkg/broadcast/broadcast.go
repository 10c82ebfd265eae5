// Package broadcast defines the capability the console drives: a provider that
// authenticates operator credentials and hands back a Handle for one live
// broadcast on the external platform.
package broadcast

import (
	"context"
	"math"
	"time"
)

// Credentials is the raw cookie string of an authenticated platform session.
type Credentials string

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type StartParams struct {
	VideoPath string
	Title     string
	Hours     int
	Minutes   int
	Seconds   int
}

// Duration is the requested run time. Negative parts count as zero and a
// total beyond what time.Duration holds saturates.
func (p StartParams) Duration() time.Duration {
	parts := []struct {
		n    int
		unit time.Duration
	}{{p.Hours, time.Hour}, {p.Minutes, time.Minute}, {p.Seconds, time.Second}}
	var total time.Duration
	for _, part := range parts {
		if part.n <= 0 {
			continue
		}
		if int64(part.n) > int64(math.MaxInt64-total)/int64(part.unit) {
			return math.MaxInt64
		}
		total += time.Duration(part.n) * part.unit
	}
	return total
}

type Comment struct {
	User string `json:"user"`
	Text string `json:"text"`
	Time string `json:"time"`
}

type Info struct {
	BroadcastID  string    `json:"broadcast_id"`
	ViewerCount  int       `json:"viewer_count"`
	CommentCount int       `json:"comment_count"`
	Comments     []Comment `json:"comments"`
}

// Provider authenticates credentials against the platform.
type Provider interface {
	Authenticate(ctx context.Context, creds Credentials) (Handle, error)
}

// Handle is one authenticated, possibly running broadcast. Stop may fail when
// called twice; callers must not rely on it being idempotent.
type Handle interface {
	// User is nil when the credentials did not resolve to a platform account.
	User() *User
	Start(ctx context.Context, params StartParams) (bool, error)
	Stop(ctx context.Context) error
	// Info returns nil without error when the platform has nothing to report.
	Info(ctx context.Context) (*Info, error)
	Comment(ctx context.Context, text string) (bool, error)
	// BroadcastID is empty until the platform has assigned one.
	BroadcastID() string
	StartedAt() time.Time
}

// Finisher is implemented by handles that can end on their own, for example
// when the requested duration has elapsed.
type Finisher interface {
	Done() <-chan struct{}
}

// MediaResolver turns a platform post URL into a direct media URL.
type MediaResolver interface {
	ResolveMediaURL(ctx context.Context, creds Credentials, postURL string) (string, error)
}
