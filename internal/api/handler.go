// Package api provides the local HTTP API consumed by views.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashureev/threadsync/internal/domain"
	"github.com/ashureev/threadsync/internal/feed"
	"github.com/ashureev/threadsync/internal/identity"
	"github.com/ashureev/threadsync/internal/remote"
	"github.com/ashureev/threadsync/internal/session"
	"github.com/go-chi/chi/v5"
)

// maxRequestBodySize caps JSON request bodies (1MB).
const maxRequestBodySize = 1 << 20

// Pinger checks storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the local API.
type Handler struct {
	ctrl           *session.Controller
	hub            *feed.Hub
	pinger         Pinger
	originPatterns []string
	logger         *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(ctrl *session.Controller, hub *feed.Hub, pinger Pinger, allowedOrigins []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		ctrl:           ctrl,
		hub:            hub,
		pinger:         pinger,
		originPatterns: originPatterns(allowedOrigins),
		logger:         logger,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/session", h.GetSession)
		r.Post("/session", h.Login)
		r.Delete("/session", h.Logout)

		r.Group(func(r chi.Router) {
			r.Use(identity.Middleware(h.ctrl))

			r.Put("/session/active", h.SwitchActive)

			r.Get("/conversations", h.ListConversations)
			r.Post("/conversations", h.CreateConversation)
			r.Delete("/conversations/{id}", h.DeleteConversation)
			r.Get("/conversations/{id}/messages", h.ListMessages)

			r.Post("/prompts", h.SendPrompt)
			r.Post("/prompts/cancel", h.CancelPrompt)
			r.Get("/stream", h.StreamState)
			r.Post("/sync", h.Sync)
		})
	})

	r.With(identity.ViewMiddleware).Get("/ws/stream", h.StreamSocket)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorCode writes a JSON error response with a machine-readable code.
func ErrorCode(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, map[string]string{"error": code, "message": message})
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var httpErr *remote.HTTPError
	switch {
	case errors.Is(err, domain.ErrSessionNotInitialized):
		ErrorCode(w, http.StatusUnauthorized, "session_not_initialized", err.Error())
	case errors.Is(err, domain.ErrConversationNotFound):
		ErrorCode(w, http.StatusNotFound, "conversation_not_found", err.Error())
	case errors.Is(err, domain.ErrConversationExists):
		ErrorCode(w, http.StatusConflict, "conversation_exists", err.Error())
	case errors.Is(err, domain.ErrEmptyPrompt),
		errors.Is(err, domain.ErrMissingThread),
		errors.Is(err, domain.ErrInvalidRole):
		ErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrStreamAborted):
		ErrorCode(w, http.StatusConflict, "stream_aborted", err.Error())
	case errors.Is(err, domain.ErrSyncFailure):
		ErrorCode(w, http.StatusBadGateway, "sync_failure", err.Error())
	case errors.As(err, &httpErr):
		ErrorCode(w, http.StatusBadGateway, "remote_error", httpErr.Error())
	default:
		sess, _ := identity.SessionFromContext(r.Context())
		h.logger.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"tenant_id", sess.TenantID,
			"user_id", sess.UserID,
			"error", err)
		ErrorCode(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// Health reports storage connectivity.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.pinger.Ping(r.Context()); err != nil {
		h.logger.Warn("Health check failed", "error", err)
		Error(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"views":  h.hub.Len(),
	})
}

// originPatterns converts allowed origins into websocket host patterns.
func originPatterns(allowed []string) []string {
	var out []string
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
