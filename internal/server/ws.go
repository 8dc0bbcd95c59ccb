package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/hive/internal/engine"
	"github.com/nextlevelbuilder/hive/pkg/protocol"
)

// handleChatSocket runs the bidirectional chat stream for one session.
// Clients send {type:"message"} frames; each one becomes a streamed
// turn. A streaming error emits an error frame and closes the socket.
// Reconnecting to the same session id resumes against the persisted
// history.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if _, err := s.st.GetSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "session", sessionID, "error", err)
		return
	}
	defer conn.Close()
	slog.Info("chat socket connected", "session", sessionID)
	defer slog.Info("chat socket closed", "session", sessionID)

	for {
		var msg protocol.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "message" {
			conn.WriteJSON(protocol.Frame{
				Type:      protocol.FrameError,
				SessionID: sessionID,
				Error:     "unsupported frame type: " + msg.Type,
			})
			continue
		}

		if !s.streamTurn(r.Context(), conn, sessionID, msg) {
			return
		}
	}
}

// wsConn is the slice of *websocket.Conn the turn pump needs.
type wsConn interface {
	WriteJSON(v any) error
}

// streamTurn pumps one turn's frames to the socket. It reports whether
// the socket is still usable afterwards.
func (s *Server) streamTurn(ctx context.Context, conn wsConn, sessionID string, msg protocol.ClientMessage) bool {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames, err := s.eng.StreamMessage(turnCtx, sessionID, msg.Content, engine.SendOptions{
		Model:       msg.Model,
		EnableTools: true,
	})
	if err != nil {
		conn.WriteJSON(protocol.Frame{
			Type:      protocol.FrameError,
			SessionID: sessionID,
			Error:     err.Error(),
		})
		return false
	}

	for f := range frames {
		if werr := conn.WriteJSON(f); werr != nil {
			// Client went away mid-stream. Cancel the turn so the engine
			// persists the partial reply, then drain.
			cancel()
			for range frames {
			}
			return false
		}
		if f.Type == protocol.FrameError {
			return false
		}
	}
	return true
}
