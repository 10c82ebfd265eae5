// Package storage manages the operator's video library: uploaded and downloaded
// files kept in a single flat directory.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"instream-live-server/pkg/broadcast"
	"instream-live-server/pkg/config"
	"instream-live-server/pkg/validate"
)

const dateLayout = "2006-01-02 15:04:05"

var (
	ErrInvalidName = errors.New("invalid filename")
	ErrNotFound    = errors.New("video file not found")
	ErrTooLarge    = errors.New("file exceeds upload limit")
	ErrInvalidURL  = errors.New("invalid URL format")
	ErrNotVideo    = errors.New("URL does not point to a video file")
	// ErrCredentialsRequired is returned when a post URL is downloaded without
	// platform credentials.
	ErrCredentialsRequired = errors.New("credentials required for post URLs")
)

type Video struct {
	Filename      string    `json:"filename"`
	SizeBytes     int64     `json:"size_bytes"`
	SizeFormatted string    `json:"size_formatted"`
	UploadDate    string    `json:"upload_date"`
	ModTime       time.Time `json:"-"`
}

type Library struct {
	Dir       string
	MaxBytes  int64
	Validator *validate.Validator
	// Resolver turns post URLs into media URLs; IsPostURL selects them.
	Resolver   broadcast.MediaResolver
	IsPostURL  func(string) bool
	HTTPClient *http.Client
	Logger     logrus.FieldLogger

	now func() time.Time
}

func New(cfg config.StorageConfig, maxBytes int64, v *validate.Validator, logger logrus.FieldLogger) *Library {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Library{
		Dir:        cfg.UploadDir,
		MaxBytes:   maxBytes,
		Validator:  v,
		HTTPClient: &http.Client{Timeout: cfg.DownloadTimeout},
		Logger:     logger,
		now:        time.Now,
	}
}

func (l *Library) EnsureDir() error {
	return os.MkdirAll(l.Dir, 0755)
}

// Path maps a client supplied name to a file inside the library. Names with
// path components or a disallowed extension are refused.
func (l *Library) Path(name string) (string, error) {
	clean := filepath.Base(filepath.Clean("/" + name))
	if name == "" || clean != name || strings.HasPrefix(clean, ".") || !l.Validator.AllowedFile(clean) {
		return "", ErrInvalidName
	}
	return filepath.Join(l.Dir, clean), nil
}

// Save stores r under a generated upload_<unix><ext> name. originalName only
// contributes its extension.
func (l *Library) Save(originalName string, r io.Reader) (Video, error) {
	if err := l.Validator.Filename(originalName); err != nil {
		return Video{}, err
	}
	name, err := l.nextName("upload", strings.ToLower(filepath.Ext(originalName)))
	if err != nil {
		return Video{}, err
	}
	path := filepath.Join(l.Dir, name)
	if err := writeFileAtomic(path, r, l.MaxBytes); err != nil {
		return Video{}, err
	}
	l.Logger.WithField("file", name).Info("video uploaded")
	return l.stat(name)
}

// Download fetches rawURL into the library. Post URLs are resolved through the
// platform using creds first.
func (l *Library) Download(ctx context.Context, rawURL string, creds broadcast.Credentials) (Video, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Video{}, ErrInvalidURL
	}
	mediaURL := u.String()
	if l.IsPostURL != nil && l.IsPostURL(mediaURL) {
		if creds == "" {
			return Video{}, ErrCredentialsRequired
		}
		if l.Resolver == nil {
			return Video{}, fmt.Errorf("resolve post url: no resolver configured")
		}
		mediaURL, err = l.Resolver.ResolveMediaURL(ctx, creds, mediaURL)
		if err != nil {
			return Video{}, fmt.Errorf("resolve post url: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return Video{}, ErrInvalidURL
	}
	resp, err := l.HTTPClient.Do(req)
	if err != nil {
		return Video{}, fmt.Errorf("download video: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Video{}, fmt.Errorf("download video: unexpected status %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !isVideoContent(contentType) {
		return Video{}, fmt.Errorf("%w (Content-Type: %s)", ErrNotVideo, contentType)
	}

	name, err := l.nextName("download", l.downloadExt(mediaURL, contentType))
	if err != nil {
		return Video{}, err
	}
	if err := writeFileAtomic(filepath.Join(l.Dir, name), resp.Body, l.MaxBytes); err != nil {
		return Video{}, err
	}
	l.Logger.WithField("file", name).Info("video downloaded")
	return l.stat(name)
}

// List returns the library's videos, newest first. Files with other
// extensions are ignored.
func (l *Library) List() ([]Video, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Video{}, nil
		}
		return nil, err
	}
	videos := make([]Video, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || !l.Validator.AllowedFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		videos = append(videos, videoFromInfo(info))
	}
	sort.SliceStable(videos, func(i, j int) bool {
		if videos[i].ModTime.Equal(videos[j].ModTime) {
			return videos[i].Filename > videos[j].Filename
		}
		return videos[i].ModTime.After(videos[j].ModTime)
	})
	return videos, nil
}

func (l *Library) Remove(name string) error {
	path, err := l.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	l.Logger.WithField("file", name).Info("video deleted")
	return nil
}

func (l *Library) stat(name string) (Video, error) {
	info, err := os.Stat(filepath.Join(l.Dir, name))
	if err != nil {
		return Video{}, err
	}
	return videoFromInfo(info), nil
}

func (l *Library) nextName(prefix, ext string) (string, error) {
	if err := l.EnsureDir(); err != nil {
		return "", err
	}
	base := fmt.Sprintf("%s_%d", prefix, l.now().Unix())
	name := base + ext
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(l.Dir, name)); os.IsNotExist(err) {
			return name, nil
		}
		name = fmt.Sprintf("%s_%d%s", base, i, ext)
	}
}

func (l *Library) downloadExt(mediaURL, contentType string) string {
	if u, err := url.Parse(mediaURL); err == nil {
		if ext := strings.ToLower(filepath.Ext(u.Path)); ext != "" && l.Validator.AllowedFile("x"+ext) {
			return ext
		}
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mediaType {
		case "video/x-flv":
			return ".flv"
		case "video/quicktime":
			return ".mov"
		case "video/x-matroska":
			return ".mkv"
		}
	}
	return ".mp4"
}

func isVideoContent(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "video") || strings.Contains(ct, "octet-stream")
}

func videoFromInfo(info os.FileInfo) Video {
	return Video{
		Filename:      info.Name(),
		SizeBytes:     info.Size(),
		SizeFormatted: FormatSize(info.Size()),
		UploadDate:    info.ModTime().Format(dateLayout),
		ModTime:       info.ModTime(),
	}
}

// FormatSize renders n bytes as "12.3 MB".
func FormatSize(n int64) string {
	if n == 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(n)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", size, units[i])
}

// writeFileAtomic copies r into path through a hidden temp file. A positive
// limit caps the number of bytes accepted.
func writeFileAtomic(path string, r io.Reader, limit int64) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, "."+filepath.Base(path)+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(tmp)
		return copyErr
	case closeErr != nil:
		_ = os.Remove(tmp)
		return closeErr
	case limit > 0 && n > limit:
		_ = os.Remove(tmp)
		return ErrTooLarge
	}
	return os.Rename(tmp, path)
}
