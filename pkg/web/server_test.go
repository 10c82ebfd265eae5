package web

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instream-live-server/pkg/config"
	"instream-live-server/pkg/health"
	"instream-live-server/pkg/metrics"
	"instream-live-server/pkg/platform"
	"instream-live-server/pkg/policy"
	"instream-live-server/pkg/registry"
	"instream-live-server/pkg/storage"
	"instream-live-server/pkg/stream"
	"instream-live-server/pkg/validate"
)

const testCookies = "csrftoken=c; ds_user_id=42; sessionid=42%3Aabc"

type env struct {
	handler  http.Handler
	ts       *httptest.Server
	client   *http.Client
	registry *registry.Registry
	cfg      config.Config
}

func newEnv(t *testing.T, mutate ...func(*config.Config)) *env {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Provider.DryRun = true
	cfg.Stream.SettleDelay = 0
	cfg.Storage.UploadDir = t.TempDir()
	cfg.HTTP.MaxUploadMB = 1
	cfg.HTTP.LiveInterval = 20 * time.Millisecond
	for _, m := range mutate {
		m(&cfg)
	}

	logger, _ := test.NewNullLogger()
	m := metrics.New()
	reg := registry.New(logger, m, time.Second)
	v := validate.New(cfg.Stream.MaxDurationHours, cfg.Storage.AllowedExtensions)
	provider := platform.New(cfg.Provider, nil, logger)
	svc := stream.New(stream.Options{
		Provider:    provider,
		Registry:    reg,
		Validator:   v,
		Admission:   policy.NewAdmission(policy.New(cfg.Policy), logger),
		Observer:    m,
		Logger:      logger,
		Config:      cfg.Stream,
		IsRejection: platform.IsRejected,
		Describe:    platform.OperatorMessage,
	})
	lib := storage.New(cfg.Storage, cfg.MaxUploadBytes(), v, logger)
	lib.Resolver = provider
	lib.IsPostURL = platform.IsPostURL

	srv, err := New(Options{
		Service: svc,
		Library: lib,
		Health:  health.New(cfg.Storage.UploadDir, AppVersion),
		Metrics: m,
		Store:   NewCookieStore("test-secret", cfg.HTTP.SessionLifetime),
		Config:  cfg,
		Logger:  logger,
	})
	require.NoError(t, err)

	handler := srv.Routes()
	ts := httptest.NewServer(handler)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ts.Close()
		reg.Close()
	})
	return &env{handler: handler, ts: ts, client: &http.Client{Jar: jar}, registry: reg, cfg: cfg}
}

func (e *env) addVideo(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.cfg.Storage.UploadDir, name), []byte("video"), 0o644))
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func (e *env) post(t *testing.T, path string, form url.Values) map[string]any {
	t.Helper()
	resp, err := e.client.PostForm(e.ts.URL+path, form)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode(t, resp)
}

func (e *env) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := e.client.Get(e.ts.URL + path)
	require.NoError(t, err)
	return resp.StatusCode, decode(t, resp)
}

func (e *env) signIn(t *testing.T) {
	t.Helper()
	body := e.post(t, "/api/validate-cookies", url.Values{"cookies": {testCookies}})
	require.Equal(t, true, body["success"], body["message"])
}

func TestLiveLifecycle(t *testing.T) {
	e := newEnv(t)
	e.addVideo(t, "clip.avi")
	e.signIn(t)

	body := e.post(t, "/api/start", url.Values{"filename": {"clip.avi"}, "minutes": {"5"}})
	require.Equal(t, true, body["success"], body["message"])
	assert.Equal(t, "Live stream started successfully", body["message"])
	assert.NotEmpty(t, body["session_id"])
	assert.Contains(t, body["broadcast_id"], "dryrun-")

	_, status := e.get(t, "/status")
	assert.Equal(t, true, status["is_live"])
	assert.Equal(t, body["session_id"], status["session_id"])

	_, info := e.get(t, "/api/info")
	require.Equal(t, true, info["success"], info["message"])
	data := info["data"].(map[string]any)
	assert.Equal(t, float64(0), data["viewer_count"])
	assert.Equal(t, []any{}, data["comments"])
	assert.Equal(t, "LIVE", data["session_info"].(map[string]any)["title"])

	comment := e.post(t, "/api/comment", url.Values{"text": {"hello"}})
	assert.Equal(t, true, comment["success"])
	empty := e.post(t, "/api/comment", url.Values{"text": {"   "}})
	assert.Equal(t, false, empty["success"])
	assert.Equal(t, "validation", empty["error"])

	again := e.post(t, "/api/start", url.Values{"filename": {"clip.avi"}})
	assert.Equal(t, false, again["success"])
	assert.Equal(t, "A live stream is already active", again["message"])
	assert.Equal(t, 1, e.registry.Len())

	req, err := http.NewRequest(http.MethodDelete, e.ts.URL+"/api/delete/clip.avi", nil)
	require.NoError(t, err)
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "Cannot delete video while streaming", decode(t, resp)["message"])

	stop := e.post(t, "/api/stop", nil)
	assert.Equal(t, true, stop["success"])
	assert.Equal(t, 0, e.registry.Len())

	stop = e.post(t, "/api/stop", nil)
	assert.Equal(t, false, stop["success"])
	assert.Equal(t, "No active session found", stop["message"])

	_, status = e.get(t, "/status")
	assert.Equal(t, false, status["is_live"])
	_, info = e.get(t, "/api/info")
	assert.Equal(t, "not_active", info["error"])
}

func TestStartRequiresCookies(t *testing.T) {
	e := newEnv(t)
	e.addVideo(t, "clip.avi")
	body := e.post(t, "/api/start", url.Values{"filename": {"clip.avi"}})
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Instagram session cookies required. Please configure cookies first.", body["message"])
}

func TestStartInputErrors(t *testing.T) {
	e := newEnv(t)
	e.addVideo(t, "clip.avi")
	e.addVideo(t, "broken.mp4")
	e.signIn(t)

	tests := []struct {
		form url.Values
		want string
	}{
		{url.Values{}, "Video filename is required"},
		{url.Values{"filename": {"missing.mp4"}}, "Video file not found"},
		{url.Values{"filename": {"../clip.avi"}}, "Video file not found"},
		{url.Values{"filename": {"clip.avi"}, "hours": {"x"}}, "Invalid input values: hours must be a whole number"},
		{url.Values{"filename": {"clip.avi"}, "minutes": {"60"}}, "Minutes and seconds must be less than 60"},
		{url.Values{"filename": {"clip.avi"}, "hours": {"25"}}, "Maximum stream duration is 24 hours"},
	}
	for _, tt := range tests {
		body := e.post(t, "/api/start", tt.form)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, tt.want, body["message"])
	}

	body := e.post(t, "/api/start", url.Values{"filename": {"broken.mp4"}})
	assert.Equal(t, "start_rejected", body["error"])
	assert.Equal(t, 0, e.registry.Len())
}

func TestValidateCookies(t *testing.T) {
	e := newEnv(t)

	body := e.post(t, "/api/validate-cookies", url.Values{"cookies": {""}})
	assert.Equal(t, "Cookies are required", body["message"])
	body = e.post(t, "/api/validate-cookies", url.Values{"cookies": {"csrftoken=1"}})
	assert.Equal(t, "Missing required cookie fields: sessionid, ds_user_id", body["message"])

	_, status := e.get(t, "/api/cookie-status")
	assert.Equal(t, false, status["has_cookies"])

	e.signIn(t)
	_, status = e.get(t, "/api/cookie-status")
	assert.Equal(t, true, status["has_cookies"])
	assert.Equal(t, "dry-run", status["username"])
	assert.Equal(t, "42", status["userid"])
}

func multipartBody(t *testing.T, name string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("video", name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func upload(t *testing.T, e *env, name string, content []byte) *http.Response {
	t.Helper()
	body, contentType := multipartBody(t, name, content)
	resp, err := e.client.Post(e.ts.URL+"/api/upload", contentType, body)
	require.NoError(t, err)
	return resp
}

func TestUploadListDelete(t *testing.T) {
	e := newEnv(t)

	resp := upload(t, e, "holiday.mp4", []byte("data"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	require.Equal(t, true, body["success"], body["message"])
	name := body["filename"].(string)
	assert.True(t, strings.HasPrefix(name, "upload_"))

	_, list := e.get(t, "/videos")
	assert.Equal(t, float64(1), list["total"])

	body = decode(t, upload(t, e, "notes.txt", []byte("x")))
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["message"], "Invalid file type")

	huge, contentType := multipartBody(t, "huge.mp4", bytes.Repeat([]byte("x"), 2<<20))
	req := httptest.NewRequest(http.MethodPost, "/api/upload", huge)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "File too large. Maximum size is 1MB")

	req, err := http.NewRequest(http.MethodDelete, e.ts.URL+"/api/delete/"+name, nil)
	require.NoError(t, err)
	resp, err = e.client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "Video deleted successfully", decode(t, resp)["message"])

	req, err = http.NewRequest(http.MethodDelete, e.ts.URL+"/api/delete/"+name, nil)
	require.NoError(t, err)
	resp, err = e.client.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "Video file not found or cannot be deleted", decode(t, resp)["message"])
}

func TestDownloadRequiresCookies(t *testing.T) {
	e := newEnv(t)
	body := e.post(t, "/api/download", url.Values{"url": {"https://example.com/a.mp4"}})
	assert.Equal(t, "Instagram session cookies required.", body["message"])

	e.signIn(t)
	body = e.post(t, "/api/download", url.Values{"url": {""}})
	assert.Equal(t, "URL is required", body["message"])
	body = e.post(t, "/api/download", url.Values{"url": {"nonsense"}})
	assert.Equal(t, "Invalid URL format", body["message"])
}

func TestErrorPages(t *testing.T) {
	e := newEnv(t)

	code, body := e.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Resource not found", body["message"])

	code, body = e.get(t, "/debug/sessions")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Debug mode disabled", body["message"])
}

func TestDebugSessionsMasksSecrets(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Debug = true })
	e.signIn(t)

	code, body := e.get(t, "/debug/sessions")
	require.Equal(t, http.StatusOK, code)
	data := body["session_data"].(map[string]any)
	assert.NotContains(t, data["ig_cookies"], "sessionid")
	assert.Equal(t, float64(0), body["active_instances"])
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)

	code, body := e.get(t, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.NotEqual(t, health.StatusUnhealthy, body["status"])
	assert.Equal(t, "false", body["checks"].(map[string]any)["cookies_configured"])

	resp, err := e.client.Get(e.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `instream_http_requests_total{method="GET",route="/health",status_code="200"} 1`)
}

func TestPages(t *testing.T) {
	e := newEnv(t)
	e.addVideo(t, "clip.mp4")

	for _, path := range []string{"/", "/dashboard"} {
		resp, err := e.client.Get(e.ts.URL + path)
		require.NoError(t, err)
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
		assert.Contains(t, string(raw), AppName)
	}
	resp, err := e.client.Get(e.ts.URL + "/dashboard")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(raw), "clip.mp4")
}

func TestLiveSocket(t *testing.T) {
	e := newEnv(t)
	e.addVideo(t, "clip.avi")
	e.signIn(t)
	body := e.post(t, "/api/start", url.Values{"filename": {"clip.avi"}})
	require.Equal(t, true, body["success"], body["message"])

	u, err := url.Parse(e.ts.URL)
	require.NoError(t, err)
	header := http.Header{}
	for _, c := range e.client.Jar.Cookies(u) {
		header.Add("Cookie", c.String())
	}
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.ts.URL, "http")+"/api/live", header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	for i := 0; i < 2; i++ {
		var msg map[string]any
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, true, msg["success"])
		assert.Equal(t, true, msg["is_live"])
	}
}

func TestRecoverJSON(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := &Server{logger: logger}
	h := s.recoverJSON(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"success":false,"message":"An unexpected error occurred"}`, rec.Body.String())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "unhandled panic", hook.LastEntry().Message)
}
