package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/fabworks/floorsync/internal/engine"
)

// wsProgress is the JSON frame pushed to websocket subscribers.
type wsProgress struct {
	Total       int    `json:"total"`
	Processed   int    `json:"processed"`
	CurrentItem string `json:"currentItem,omitempty"`
	Status      string `json:"status"`
}

// handleProgressWS streams engine progress snapshots over a websocket.
// The current snapshot is sent immediately on connect, then every update
// until the client disconnects.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local operator tooling, any origin
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "feed closed")

	s.logger.Debug("progress feed connected", "remote", r.RemoteAddr)

	// Buffered so a slow client drops intermediate frames instead of
	// blocking the engine's notify path.
	updates := make(chan engine.Progress, 16)
	unsubscribe := s.eng.OnProgress(func(p engine.Progress) {
		select {
		case updates <- p:
		default:
		}
	})
	defer unsubscribe()

	ctx := r.Context()
	send := func(p engine.Progress) error {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return wsjson.Write(writeCtx, conn, wsProgress{
			Total:       p.Total,
			Processed:   p.Processed,
			CurrentItem: p.CurrentItem,
			Status:      string(p.Status),
		})
	}

	if err := send(s.eng.Progress()); err != nil {
		s.logger.Debug("progress feed write failed", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-updates:
			if err := send(p); err != nil {
				s.logger.Debug("progress feed write failed", "error", err)
				return
			}
		}
	}
}
