package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instream-live-server/pkg/config"
	"instream-live-server/pkg/inspect"
)

func newAdmission(t *testing.T, result inspect.Result, err error) (*Admission, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	a := NewAdmission(New(config.DefaultConfig().Policy), logger)
	a.probe = func(context.Context, string) (inspect.Result, error) { return result, err }
	return a, hook
}

func TestAdmitAccepts(t *testing.T) {
	a, _ := newAdmission(t, inspect.Result{Container: "mp4", VideoCodec: "H264", AudioCodec: "AAC", Width: 1280, Height: 720}, nil)
	assert.NoError(t, a.Admit(context.Background(), "clip.mp4"))
}

func TestAdmitDegradedPassesThrough(t *testing.T) {
	a, _ := newAdmission(t, inspect.Result{Container: "avi"}, nil)
	assert.NoError(t, a.Admit(context.Background(), "clip.avi"))
}

func TestAdmitRejects(t *testing.T) {
	a, hook := newAdmission(t, inspect.Result{Container: "mp4", VideoCodec: "H264", Width: 3840, Height: 2160}, nil)

	err := a.Admit(context.Background(), "big.mp4")
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, ReasonResolutionTooBig, rejected.Result.Reason)
	assert.Contains(t, err.Error(), "3840x2160")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "video refused by policy", hook.LastEntry().Message)
}

func TestAdmitUnreadableIsRejection(t *testing.T) {
	a, _ := newAdmission(t, inspect.Result{}, inspect.ErrUnreadable)

	var rejected *RejectedError
	require.ErrorAs(t, a.Admit(context.Background(), "bad.mp4"), &rejected)
	assert.Equal(t, ReasonCodecUnsupported, rejected.Result.Reason)
}

func TestAdmitProbeFailure(t *testing.T) {
	a, _ := newAdmission(t, inspect.Result{}, os.ErrPermission)

	err := a.Admit(context.Background(), "locked.mp4")
	require.Error(t, err)
	var rejected *RejectedError
	assert.False(t, errors.As(err, &rejected))
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestAdmitRealProbe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mkv")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	logger, _ := test.NewNullLogger()
	a := NewAdmission(New(config.DefaultConfig().Policy), logger)
	assert.NoError(t, a.Admit(context.Background(), path))
}
