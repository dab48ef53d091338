package api

import (
	"net/http"

	"github.com/ashureev/threadsync/internal/session"
	"github.com/go-chi/chi/v5"
)

// GetSession returns the current session. The token is never echoed.
func (h *Handler) GetSession(w http.ResponseWriter, _ *http.Request) {
	sess := h.ctrl.Session()
	JSON(w, http.StatusOK, map[string]interface{}{
		"session":     sess,
		"initialized": sess.HasIdentity(),
	})
}

// Login stores the identity handed over by an external auth flow.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req session.Identity
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := h.ctrl.Login(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"session": sess, "initialized": true})
}

// Logout clears the session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Logout(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type switchActiveRequest struct {
	ConversationID string `json:"conversation_id"`
}

// SwitchActive changes the active conversation and returns its messages.
func (h *Handler) SwitchActive(w http.ResponseWriter, r *http.Request) {
	var req switchActiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.ConversationID == "" {
		ErrorCode(w, http.StatusBadRequest, "invalid_request", "conversation_id is required")
		return
	}
	msgs, err := h.ctrl.SwitchActiveConversation(r.Context(), req.ConversationID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"active_conversation_id": req.ConversationID,
		"messages":               msgs,
	})
}

// ListConversations returns the scope's conversations, newest first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.ctrl.Conversations(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"conversations": convs})
}

// CreateConversation creates a local conversation and activates it.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.ctrl.CreateConversation(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, conv)
}

// DeleteConversation deletes a conversation locally and remotely.
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.DeleteConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMessages returns a conversation's messages, backfilling if needed.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.ctrl.Messages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

// SendPrompt runs one prompt exchange and responds once it terminates.
// Live progress is available on /ws/stream.
func (h *Handler) SendPrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		ErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := h.ctrl.SendPrompt(r.Context(), req.Prompt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// CancelPrompt aborts the running prompt stream.
func (h *Handler) CancelPrompt(w http.ResponseWriter, _ *http.Request) {
	h.ctrl.CancelPrompt()
	JSON(w, http.StatusOK, h.ctrl.StreamState())
}

// StreamState returns the current streaming state.
func (h *Handler) StreamState(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.ctrl.StreamState())
}

// Sync reconciles the conversation listing with the remote.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	report, err := h.ctrl.Sync(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, report)
}
