package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/threadsync/internal/domain"
	"github.com/ashureev/threadsync/internal/identity"
	"github.com/coder/websocket"
)

const wsWriteTimeout = 5 * time.Second

// wsMessage is the envelope of /ws/stream frames in both directions.
type wsMessage struct {
	Type  string                 `json:"type"`
	State *domain.StreamingState `json:"state,omitempty"`
}

// StreamSocket pushes streaming state snapshots to one view. Views may send
// "ping" and "cancel" frames.
func (h *Handler) StreamSocket(w http.ResponseWriter, r *http.Request) {
	viewID := identity.ViewIDFromContext(r.Context())
	h.logger.Info("WebSocket connection request", "view_id", viewID, "ip", identity.IPFromRequest(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("Failed to accept WebSocket", "error", err, "view_id", viewID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "view closed"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "view_id", viewID)
		}
	}()

	sub := h.hub.Subscribe(viewID)
	defer h.hub.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	current := h.ctrl.StreamState()
	if err := h.writeWS(ctx, ws, wsMessage{Type: "state", State: &current}); err != nil {
		return
	}

	go func() {
		defer cancel()
		h.readLoop(ctx, ws, viewID)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-sub.C():
			if !ok {
				h.logger.Debug("Stream view replaced", "view_id", viewID)
				return
			}
			if err := h.writeWS(ctx, ws, wsMessage{Type: "state", State: &st}); err != nil {
				h.logger.Debug("WebSocket write error", "error", err, "view_id", viewID)
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, viewID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by view", "view_id", viewID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("Ignoring malformed view frame", "view_id", viewID, "error", err)
			continue
		}

		switch msg.Type {
		case "ping":
			if err := h.writeWS(ctx, ws, wsMessage{Type: "pong"}); err != nil {
				h.logger.Debug("Failed to send pong", "error", err)
			}
		case "cancel":
			h.logger.Info("Prompt cancel requested", "view_id", viewID)
			h.ctrl.CancelPrompt()
		}
	}
}

func (h *Handler) writeWS(ctx context.Context, ws *websocket.Conn, msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
