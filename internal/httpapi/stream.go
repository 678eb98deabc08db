package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/tasksync/internal/engine"
)

const streamWriteTimeout = 10 * time.Second

// handleStream upgrades to a websocket and forwards engine notifications
// until the client goes away. A client that cannot keep up loses
// notifications rather than slowing the engine.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, claims tokenClaims) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.StreamOrigins})
	if err != nil {
		s.logger.Printf("httpapi: stream upgrade for %s failed: %v", claims.Subject, err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	notes := make(chan engine.Notification, s.cfg.StreamBuffer)
	stop := s.deps.Engine.Observe(func(note engine.Notification) {
		select {
		case notes <- note:
		default:
			streamDropped.Inc()
		}
	})
	defer stop()
	streamClients.Inc()
	defer streamClients.Dec()

	// CloseRead handles control frames and cancels ctx once the peer closes.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case note := <-notes:
			if err := writeNote(ctx, conn, note); err != nil {
				if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
					s.logger.Printf("httpapi: stream write to %s failed: %v", claims.Subject, err)
				}
				return
			}
		}
	}
}

func writeNote(ctx context.Context, conn *websocket.Conn, note engine.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, note)
}
