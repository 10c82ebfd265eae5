package web

import (
	"bytes"
	"net/http"

	"instream-live-server/pkg/storage"
)

type pageData struct {
	AppName     string
	AppVersion  string
	Username    string
	IsLive      bool
	Videos      []storage.Video
	TotalVideos int
	MaxHours    int
	Extensions  []string
	Error       string
}

func (s *Server) basePage(r *http.Request) pageData {
	sess := s.session(r)
	return pageData{
		AppName:    AppName,
		AppVersion: AppVersion,
		Username:   sess.str(keyUsername),
		IsLive:     s.service.IsActive(sess.liveKey()),
		MaxHours:   s.cfg.Stream.MaxDurationHours,
		Extensions: s.cfg.Storage.AllowedExtensions,
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, "index.html", s.basePage(r))
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := s.basePage(r)
	videos, err := s.library.List()
	if err != nil {
		s.logger.WithError(err).Error("load dashboard videos")
		data.Error = "Failed to load dashboard"
		videos = nil
	}
	data.Videos = videos
	data.TotalVideos = len(videos)
	s.render(w, "dashboard.html", data)
}

// render executes into a buffer so a template error still yields a clean 500.
func (s *Server) render(w http.ResponseWriter, name string, data pageData) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.WithError(err).WithField("template", name).Error("render page")
		failStatus(w, http.StatusInternalServerError, "Internal server error occurred", nil)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}
