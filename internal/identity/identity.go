// Package identity gates local API requests on an initialized session and
// carries the session and view identity through request contexts.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/threadsync/internal/domain"
	"github.com/google/uuid"
)

const (
	// ViewHeaderName lets a view name itself across reconnects.
	ViewHeaderName = "X-Threadsync-View-ID"
	viewQueryParam = "view_id"
)

type contextKey int

const (
	sessionKey contextKey = iota
	viewIDKey
)

var viewIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// SessionSource reports the current session. *session.Controller satisfies it.
type SessionSource interface {
	Session() domain.UserSession
}

// WithSession returns a context carrying sess.
func WithSession(ctx context.Context, sess domain.UserSession) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

// SessionFromContext extracts the session injected by Middleware.
func SessionFromContext(ctx context.Context) (domain.UserSession, bool) {
	sess, ok := ctx.Value(sessionKey).(domain.UserSession)
	return sess, ok
}

// ViewIDFromContext extracts the view id injected by ViewMiddleware.
func ViewIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(viewIDKey).(string); ok {
		return v
	}
	return ""
}

// Middleware rejects requests with 401 until the session carries a tenant
// and user, and injects the session otherwise.
func Middleware(src SessionSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := src.Session()
			if !sess.HasIdentity() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"session_not_initialized","message":"login required"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}

// ViewMiddleware injects a sanitized view id, generating one when the
// request does not carry a valid id.
func ViewMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := viewIDFromRequest(r)
		ctx := context.WithValue(r.Context(), viewIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func viewIDFromRequest(r *http.Request) string {
	id := r.Header.Get(ViewHeaderName)
	if id == "" {
		id = r.URL.Query().Get(viewQueryParam)
	}
	return sanitizeViewID(id)
}

func sanitizeViewID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !viewIDPattern.MatchString(id) {
		return "view-" + uuid.NewString()
	}
	return id
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
