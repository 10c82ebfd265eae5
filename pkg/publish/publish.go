// Package publish pushes a local video file to a platform RTMP ingest for a
// fixed duration, looping the file as needed.
package publish

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrUnsupportedTarget = errors.New("unsupported ingest url")

// Job describes one publishing run. A zero Duration publishes until the
// context is cancelled.
type Job struct {
	Source   string
	Target   string
	Duration time.Duration
}

type Publisher interface {
	// Publish blocks until the duration elapsed, ctx is done or the ingest
	// failed. Cancellation is not an error.
	Publish(ctx context.Context, job Job) error
}

// Selector routes plain rtmp FLV jobs to the native publisher and everything
// else (rtmps ingest, non-FLV sources) to ffmpeg.
type Selector struct {
	Native Publisher
	FFmpeg Publisher
	Logger logrus.FieldLogger
}

func (s *Selector) Publish(ctx context.Context, job Job) error {
	p := s.pick(job)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedTarget, redactTarget(job.Target))
	}
	return p.Publish(ctx, job)
}

func (s *Selector) pick(job Job) Publisher {
	u, err := url.Parse(job.Target)
	if err != nil {
		return nil
	}
	native := u.Scheme == "rtmp" && strings.EqualFold(filepath.Ext(job.Source), ".flv")
	if native && s.Native != nil {
		return s.Native
	}
	if s.FFmpeg != nil && (u.Scheme == "rtmp" || u.Scheme == "rtmps") {
		return s.FFmpeg
	}
	return nil
}

// Target is an ingest URL split into the connect URL and the stream name the
// RTMP publish command carries.
type Target struct {
	Scheme     string
	Host       string
	App        string
	StreamName string
}

func (t Target) TCURL() string {
	return fmt.Sprintf("%s://%s/%s", t.Scheme, t.Host, t.App)
}

// ParseTarget splits rtmp://host[:port]/app/stream?query. The query is kept
// on the stream name since ingest servers read auth tokens from it.
func ParseTarget(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrUnsupportedTarget, err)
	}
	if u.Scheme != "rtmp" && u.Scheme != "rtmps" {
		return Target{}, fmt.Errorf("%w: scheme %q", ErrUnsupportedTarget, u.Scheme)
	}
	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "rtmps" {
			host += ":443"
		} else {
			host += ":1935"
		}
	}
	path := strings.Trim(u.Path, "/")
	idx := strings.Index(path, "/")
	if idx <= 0 || idx == len(path)-1 {
		return Target{}, fmt.Errorf("%w: missing app or stream name", ErrUnsupportedTarget)
	}
	name := path[idx+1:]
	if u.RawQuery != "" {
		name += "?" + u.RawQuery
	}
	return Target{Scheme: u.Scheme, Host: host, App: path[:idx], StreamName: name}, nil
}

// redactTarget drops the stream name, which is the ingest secret.
func redactTarget(raw string) string {
	t, err := ParseTarget(raw)
	if err != nil {
		return "invalid"
	}
	return t.TCURL()
}
