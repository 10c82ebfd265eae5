package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instream-live-server/pkg/broadcast"
	"instream-live-server/pkg/config"
	"instream-live-server/pkg/validate"
)

func newLibrary(t *testing.T) *Library {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.UploadDir = filepath.Join(t.TempDir(), "upload")
	logger, _ := test.NewNullLogger()
	l := New(cfg.Storage, 1024, validate.New(24, cfg.Storage.AllowedExtensions), logger)
	l.now = func() time.Time { return time.Unix(1700000000, 0) }
	return l
}

func TestSave(t *testing.T) {
	l := newLibrary(t)

	v, err := l.Save("My Clip.MP4", strings.NewReader("video-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "upload_1700000000.mp4", v.Filename)
	assert.Equal(t, int64(11), v.SizeBytes)
	assert.Equal(t, "11.0 B", v.SizeFormatted)

	v2, err := l.Save("other.mp4", strings.NewReader("more"))
	require.NoError(t, err)
	assert.Equal(t, "upload_1700000000_1.mp4", v2.Filename)

	data, err := os.ReadFile(filepath.Join(l.Dir, v.Filename))
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))
}

func TestSaveRejects(t *testing.T) {
	l := newLibrary(t)

	_, err := l.Save("notes.txt", strings.NewReader("x"))
	assert.ErrorContains(t, err, "Invalid file type")

	_, err = l.Save("big.mp4", strings.NewReader(strings.Repeat("x", 1025)))
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(l.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no temp files left behind")
}

func TestPath(t *testing.T) {
	l := newLibrary(t)

	p, err := l.Path("clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.Dir, "clip.mp4"), p)

	for _, bad := range []string{"", "../clip.mp4", "a/clip.mp4", ".hidden.mp4", "clip.txt", "/etc/passwd"} {
		_, err := l.Path(bad)
		assert.ErrorIs(t, err, ErrInvalidName, bad)
	}
}

func TestListNewestFirst(t *testing.T) {
	l := newLibrary(t)
	require.NoError(t, l.EnsureDir())

	old := time.Now().Add(-time.Hour)
	write := func(name string, mod time.Time) {
		path := filepath.Join(l.Dir, name)
		require.NoError(t, os.WriteFile(path, []byte("1234"), 0o644))
		require.NoError(t, os.Chtimes(path, mod, mod))
	}
	write("old.mp4", old)
	write("new.flv", old.Add(30*time.Minute))
	write("readme.txt", old)
	write(".upload_1.mp4.tmp", old)

	videos, err := l.List()
	require.NoError(t, err)
	require.Len(t, videos, 2)
	assert.Equal(t, "new.flv", videos[0].Filename)
	assert.Equal(t, "old.mp4", videos[1].Filename)
	assert.Equal(t, old.Format(dateLayout), videos[1].UploadDate)
}

func TestListMissingDir(t *testing.T) {
	l := newLibrary(t)
	videos, err := l.List()
	require.NoError(t, err)
	assert.Empty(t, videos)
}

func TestRemove(t *testing.T) {
	l := newLibrary(t)
	v, err := l.Save("clip.mp4", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, l.Remove(v.Filename))
	assert.ErrorIs(t, l.Remove(v.Filename), ErrNotFound)
	assert.ErrorIs(t, l.Remove("../"+v.Filename), ErrInvalidName)
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "0 B", FormatSize(0))
	assert.Equal(t, "512.0 B", FormatSize(512))
	assert.Equal(t, "1.5 KB", FormatSize(1536))
	assert.Equal(t, "2.0 MB", FormatSize(2*1024*1024))
}

type fakeResolver struct {
	url   string
	creds broadcast.Credentials
}

func (r *fakeResolver) ResolveMediaURL(_ context.Context, creds broadcast.Credentials, _ string) (string, error) {
	r.creds = creds
	return r.url, nil
}

func TestDownloadDirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/clip.flv":
			w.Header().Set("Content-Type", "video/x-flv")
			_, _ = w.Write([]byte("FLV"))
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>"))
		default:
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write([]byte("bytes"))
		}
	}))
	defer srv.Close()
	l := newLibrary(t)

	v, err := l.Download(context.Background(), srv.URL+"/clip.flv", "")
	require.NoError(t, err)
	assert.Equal(t, "download_1700000000.flv", v.Filename)

	v, err = l.Download(context.Background(), srv.URL+"/blob", "")
	require.NoError(t, err)
	assert.Equal(t, "download_1700000000.mp4", v.Filename)

	_, err = l.Download(context.Background(), srv.URL+"/page", "")
	assert.ErrorIs(t, err, ErrNotVideo)

	for _, bad := range []string{"", "not a url", "ftp://host/x.mp4", "http://"} {
		_, err := l.Download(context.Background(), bad, "")
		assert.ErrorIs(t, err, ErrInvalidURL, bad)
	}
}

func TestDownloadPostURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("mp4"))
	}))
	defer srv.Close()
	l := newLibrary(t)
	res := &fakeResolver{url: srv.URL + "/media.mp4"}
	l.Resolver = res
	l.IsPostURL = func(u string) bool { return strings.Contains(u, "/p/") }

	_, err := l.Download(context.Background(), "https://example.com/p/abc/", "")
	assert.ErrorIs(t, err, ErrCredentialsRequired)

	v, err := l.Download(context.Background(), "https://example.com/p/abc/", "sessionid=s; ds_user_id=1")
	require.NoError(t, err)
	assert.Equal(t, "download_1700000000.mp4", v.Filename)
	assert.Equal(t, broadcast.Credentials("sessionid=s; ds_user_id=1"), res.creds)
}
