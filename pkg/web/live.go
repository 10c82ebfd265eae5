package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"instream-live-server/pkg/stream"
)

const liveWriteWait = 10 * time.Second

// handleLive pushes the stream info of the caller's broadcast every
// LiveInterval until the client goes away.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	key := s.session(r).liveKey()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("live upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Reads only detect the close; clients send nothing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := s.cfg.HTTP.LiveInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.pushLive(ctx, conn, key); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(liveWriteWait))
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) pushLive(ctx context.Context, conn *websocket.Conn, key string) error {
	var msg payload
	info, err := s.service.GetInfo(ctx, key)
	if err != nil {
		msg = payload{
			"success": false,
			"message": err.Error(),
			"is_live": s.service.IsActive(key),
			"error":   string(stream.KindOf(err)),
		}
	} else {
		msg = payload{"success": true, "is_live": true, "data": info}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
	return conn.WriteJSON(msg)
}
