package web

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"instream-live-server/pkg/broadcast"
	"instream-live-server/pkg/health"
	"instream-live-server/pkg/registry"
	"instream-live-server/pkg/storage"
	"instream-live-server/pkg/stream"
	"instream-live-server/pkg/validate"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.tooLarge(w, r)
			return
		}
		fail(w, "No video file provided", nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("video")
	if err != nil {
		fail(w, "No video file provided", nil)
		return
	}
	defer file.Close()
	if header.Filename == "" {
		fail(w, "No video file selected", nil)
		return
	}

	video, err := s.library.Save(header.Filename, file)
	if err != nil {
		var verr *validate.Error
		switch {
		case errors.As(err, &verr):
			fail(w, verr.Message, nil)
		case errors.Is(err, storage.ErrTooLarge):
			s.tooLarge(w, r)
		default:
			s.logger.WithError(err).Error("upload failed")
			fail(w, "Upload failed", nil)
		}
		return
	}
	ok(w, "Video uploaded successfully", payload{"filename": video.Filename, "filesize": video.SizeFormatted})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	creds := sess.credentials()
	if creds == "" {
		fail(w, "Instagram session cookies required.", nil)
		return
	}
	rawURL := strings.TrimSpace(r.FormValue("url"))
	if rawURL == "" {
		fail(w, "URL is required", nil)
		return
	}

	video, err := s.library.Download(r.Context(), rawURL, creds)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInvalidURL):
			fail(w, "Invalid URL format", nil)
		case errors.Is(err, storage.ErrNotVideo), errors.Is(err, storage.ErrTooLarge):
			fail(w, err.Error(), nil)
		default:
			s.logger.WithError(err).Warn("download failed")
			fail(w, "Download failed: "+err.Error(), nil)
		}
		return
	}
	ok(w, "File downloaded successfully", payload{"filename": video.Filename, "filesize": video.SizeFormatted})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	creds := sess.credentials()
	if creds == "" {
		fail(w, "Instagram session cookies required. Please configure cookies first.", nil)
		return
	}

	hours, errH := formInt(r, "hours")
	minutes, errM := formInt(r, "minutes")
	seconds, errS := formInt(r, "seconds")
	if err := errors.Join(errH, errM, errS); err != nil {
		fail(w, "Invalid input values: "+err.Error(), nil)
		return
	}
	filename := strings.TrimSpace(r.FormValue("filename"))
	if filename == "" {
		fail(w, "Video filename is required", nil)
		return
	}
	path, err := s.library.Path(filename)
	if err != nil {
		fail(w, "Video file not found", nil)
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	clientID := sess.clientID()
	started, err := s.service.StartStream(r.Context(), stream.StartRequest{
		Owner:       clientID,
		CurrentKey:  sess.liveKey(),
		Credentials: creds,
		VideoPath:   path,
		Title:       title,
		Hours:       hours,
		Minutes:     minutes,
		Seconds:     seconds,
	})
	if err != nil {
		s.save(w, r, sess)
		fail(w, err.Error(), payload{"error": string(stream.KindOf(err))})
		return
	}

	if title == "" {
		title = s.cfg.Stream.DefaultTitle
	}
	sess.Values[keyLive] = started.SessionKey
	sess.Values[keyBroadcastID] = started.BroadcastID
	sess.Values[keyTitle] = title
	sess.Values[keyStartTime] = started.StartedAt.Unix()
	s.save(w, r, sess)
	ok(w, "Live stream started successfully", payload{
		"broadcast_id": started.BroadcastID,
		"session_id":   started.SessionKey,
		"start_time":   started.StartedAt.Unix(),
		"username":     started.Username,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	key := sess.liveKey()
	if key == "" {
		fail(w, "No active session found", nil)
		return
	}
	if err := s.service.StopStream(key); err != nil {
		if errors.Is(err, stream.ErrNotActive) {
			// The broadcast already ended; forget the stale key.
			sess.clearLive()
			s.save(w, r, sess)
		}
		fail(w, err.Error(), payload{"error": string(stream.KindOf(err))})
		return
	}
	sess.clearLive()
	s.save(w, r, sess)
	ok(w, "Live stream stopped successfully", nil)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	info, err := s.service.GetInfo(r.Context(), sess.liveKey())
	if err != nil {
		fail(w, err.Error(), payload{"error": string(stream.KindOf(err))})
		return
	}
	title := sess.str(keyTitle)
	if title == "" {
		title = "N/A"
	}
	startTime, _ := sess.Values[keyStartTime].(int64)
	ok(w, "Stream information retrieved successfully", payload{
		"data": payload{
			"broadcast_id":  info.BroadcastID,
			"viewer_count":  info.ViewerCount,
			"comment_count": info.CommentCount,
			"comments":      info.Comments,
			"session_info": payload{
				"title":      title,
				"start_time": startTime,
			},
		},
	})
}

func (s *Server) handleComment(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	if err := s.service.PostComment(r.Context(), sess.liveKey(), r.FormValue("text")); err != nil {
		fail(w, err.Error(), payload{"error": string(stream.KindOf(err))})
		return
	}
	ok(w, "Comment posted successfully", nil)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	if s.service.IsActive(sess.liveKey()) {
		fail(w, "Cannot delete video while streaming", nil)
		return
	}
	err := s.library.Remove(chi.URLParam(r, "filename"))
	switch {
	case err == nil:
		ok(w, "Video deleted successfully", nil)
	case errors.Is(err, storage.ErrInvalidName):
		fail(w, "Invalid filename", nil)
	case errors.Is(err, storage.ErrNotFound):
		fail(w, "Video file not found or cannot be deleted", nil)
	default:
		s.logger.WithError(err).Error("delete video failed")
		fail(w, "Failed to delete video", nil)
	}
}

func (s *Server) handleValidateCookies(w http.ResponseWriter, r *http.Request) {
	cookies := strings.TrimSpace(r.FormValue("cookies"))
	user, err := s.service.ValidateCredentials(r.Context(), broadcast.Credentials(cookies))
	if err != nil {
		fail(w, err.Error(), payload{"error": string(stream.KindOf(err))})
		return
	}

	sess := s.session(r)
	sess.Values[keyCookies] = cookies
	sess.Values[keyUsername] = user.Username
	sess.Values[keyUserID] = user.ID
	sess.clientID()
	s.save(w, r, sess)
	ok(w, "Instagram cookies validated successfully", payload{
		"username":      user.Username,
		"userid":        user.ID,
		"session_valid": true,
	})
}

func (s *Server) handleCookieStatus(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	username := sess.str(keyUsername)
	if sess.credentials() == "" || username == "" {
		fail(w, "No valid Instagram session found", payload{"has_cookies": false})
		return
	}
	ok(w, "Valid Instagram session found", payload{
		"has_cookies":    true,
		"username":       username,
		"userid":         sess.str(keyUserID),
		"session_active": true,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	key := sess.liveKey()
	st := s.service.Status(key)
	broadcastID := st.BroadcastID
	if broadcastID == "" {
		broadcastID = sess.str(keyBroadcastID)
	}
	writeJSON(w, http.StatusOK, payload{
		"success":        true,
		"is_live":        st.Active,
		"broadcast_id":   broadcastID,
		"session_active": key != "",
		"session_id":     key,
	})
}

func (s *Server) handleVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := s.library.List()
	if err != nil {
		s.logger.WithError(err).Error("list videos failed")
		fail(w, "Failed to list videos", nil)
		return
	}
	writeJSON(w, http.StatusOK, payload{"success": true, "videos": videos, "total": len(videos)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r)
	report := s.health.Check(r.Context())
	report.Checks["session_active"] = strconv.FormatBool(sess.liveKey() != "")
	report.Checks["cookies_configured"] = strconv.FormatBool(sess.credentials() != "")
	report.Checks["live_sessions"] = strconv.Itoa(s.service.Registry().Len())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleDebugSessions(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Debug {
		writeJSON(w, http.StatusForbidden, payload{"message": "Debug mode disabled"})
		return
	}
	sess := s.session(r)
	data := payload{}
	for k, v := range sess.Values {
		name := fmt.Sprint(k)
		if name == keyCookies || name == keyLive {
			v = registry.MaskKey(fmt.Sprint(v))
		}
		data[name] = v
	}
	records := s.service.Registry().Snapshot()
	instances := make(map[string]payload, len(records))
	for _, rec := range records {
		instances[registry.MaskKey(rec.Key)] = payload{
			"active":     rec.Active,
			"stopping":   rec.Stopping,
			"created_at": rec.CreatedAt.Unix(),
			"age":        time.Since(rec.CreatedAt).Round(time.Second).String(),
		}
	}
	writeJSON(w, http.StatusOK, payload{
		"session_data":     data,
		"active_instances": len(records),
		"instances":        instances,
	})
}

func (s *Server) tooLarge(w http.ResponseWriter, r *http.Request) {
	s.logger.WithField("path", r.URL.Path).Warn("file too large")
	failStatus(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("File too large. Maximum size is %dMB", s.cfg.HTTP.MaxUploadMB), nil)
}

// formInt reads an optional integer form field; absent means 0.
func formInt(r *http.Request, name string) (int, error) {
	v := strings.TrimSpace(r.FormValue(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a whole number", name)
	}
	return n, nil
}
