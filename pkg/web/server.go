// Package web is the operator console: HTML pages plus the JSON API that
// drives the stream lifecycle and the video library.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"instream-live-server/pkg/config"
	"instream-live-server/pkg/health"
	"instream-live-server/pkg/metrics"
	"instream-live-server/pkg/storage"
	"instream-live-server/pkg/stream"
)

const (
	AppName    = "Instagram Live Streaming"
	AppVersion = "2.0.0"
)

//go:embed templates/*.html
var templateFS embed.FS

type Options struct {
	Service *stream.Service
	Library *storage.Library
	Health  *health.Checker
	Metrics *metrics.Metrics
	Store   sessions.Store
	Config  config.Config
	Logger  logrus.FieldLogger
}

type Server struct {
	service    *stream.Service
	library    *storage.Library
	health     *health.Checker
	metrics    *metrics.Metrics
	store      sessions.Store
	cfg        config.Config
	cookieName string
	logger     logrus.FieldLogger
	templates  *template.Template
	upgrader   websocket.Upgrader
}

func New(opts Options) (*Server, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"year": func() int { return time.Now().Year() },
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		service:    opts.Service,
		library:    opts.Library,
		health:     opts.Health,
		metrics:    opts.Metrics,
		store:      opts.Store,
		cfg:        opts.Config,
		cookieName: opts.Config.HTTP.CookieName,
		logger:     logger,
		templates:  tmpl,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: sameOrigin}
	return s, nil
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(s.recoverJSON)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.logger.WithField("path", r.URL.Path).Warn("not found")
		failStatus(w, http.StatusNotFound, "Resource not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		failStatus(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	})

	r.Get("/", s.handleIndex)
	r.Get("/dashboard", s.handleDashboard)
	r.Get("/status", s.handleStatus)
	r.Get("/videos", s.handleVideos)
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Get("/debug/sessions", s.handleDebugSessions)

	r.Route("/api", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Post("/download", s.handleDownload)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Get("/info", s.handleInfo)
		r.Post("/comment", s.handleComment)
		r.Delete("/delete/{filename}", s.handleDelete)
		r.Post("/validate-cookies", s.handleValidateCookies)
		r.Get("/cookie-status", s.handleCookieStatus)
		r.Get("/live", s.handleLive)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/static") {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"remote":     r.RemoteAddr,
			"user_agent": r.UserAgent(),
			"status":     ww.Status(),
			"elapsed":    time.Since(start).Round(time.Millisecond),
		}).Info("request")
	})
}

// recoverJSON turns a handler panic into a 500 JSON response.
func (s *Server) recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"panic":      fmt.Sprint(rec),
				"stack":      string(debug.Stack()),
			}).Error("unhandled panic")
			if r.Header.Get("Connection") != "Upgrade" {
				failStatus(w, http.StatusInternalServerError, "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// sameOrigin admits websocket upgrades from pages served by this host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	origin = strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	return strings.EqualFold(origin, r.Host)
}
