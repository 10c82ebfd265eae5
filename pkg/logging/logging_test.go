package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instream-live-server/pkg/config"
)

func TestNewWritesRotatingFiles(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := New(config.LogConfig{Level: "INFO", Format: "json", Dir: dir, MaxSizeMB: 1, MaxBackups: 2})
	require.NoError(t, err)

	logger.WithField("file", "clip.mp4").Info("video uploaded")
	logger.Debug("hidden")
	logger.Error("stop failed")
	require.NoError(t, closer.Close())

	app, err := os.ReadFile(filepath.Join(dir, "app.log"))
	require.NoError(t, err)
	assert.Contains(t, string(app), `"msg":"video uploaded"`)
	assert.Contains(t, string(app), `"file":"clip.mp4"`)
	assert.NotContains(t, string(app), "hidden")

	errs, err := os.ReadFile(filepath.Join(dir, "errors.log"))
	require.NoError(t, err)
	assert.Contains(t, string(errs), "stop failed")
	assert.NotContains(t, string(errs), "video uploaded")
}

func TestNewStderrOnly(t *testing.T) {
	logger, closer, err := New(config.LogConfig{Level: "debug", Format: "text"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
	assert.NoError(t, closer.Close())
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
