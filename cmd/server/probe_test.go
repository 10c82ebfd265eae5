package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestProbeUninspectedContainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mkv")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	out, err := runRoot(t, "probe", path)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "degraded", got["decision"])
	assert.Equal(t, "NOT_PROBED", got["reason"])
}

func TestProbeUnreadableMP4(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not an mp4"), 0o644))

	_, err := runRoot(t, "probe", path)
	assert.Error(t, err)
}

func TestProbeMissingFile(t *testing.T) {
	_, err := runRoot(t, "probe", filepath.Join(t.TempDir(), "nope.mp4"))
	assert.Error(t, err)
}

func TestProbeRequiresArgument(t *testing.T) {
	_, err := runRoot(t, "probe")
	assert.Error(t, err)
}
