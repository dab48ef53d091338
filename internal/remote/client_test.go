package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/threadsync/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"
)

var testSession = domain.UserSession{TenantID: "tenant-1", UserID: "user-1", Token: "secret"}

func newTestClient(t *testing.T, r http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", RequestTimeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func requireScope(t *testing.T, r *http.Request) {
	t.Helper()
	if got := r.URL.Query().Get("tenant_id"); got != "tenant-1" {
		t.Errorf("tenant_id = %q", got)
	}
	if got := r.URL.Query().Get("user_id"); got != "user-1" {
		t.Errorf("user_id = %q", got)
	}
	if got := r.Header.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestListConversations(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Get("/conversations", func(w http.ResponseWriter, r *http.Request) {
		requireScope(t, r)
		_, _ = io.WriteString(w, `[
			{"thread_id":"t1","title":"Quote","created_at":"2026-03-01T10:00:00","updated_at":"2026-03-01T11:00:00.250000","message_count":3},
			{"thread_id":"","title":"broken"},
			{"thread_id":"t2","title":"Booking","created_at":1772359200,"updated_at":"2026-03-01T12:00:00Z","message_count":0}
		]`)
	})
	c := newTestClient(t, r)

	got, err := c.ListConversations(context.Background(), testSession)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	want := []domain.RemoteConversation{
		{
			ID: "t1", Title: "Quote", MessageCount: 3,
			CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			UpdatedAt: time.Date(2026, 3, 1, 11, 0, 0, 250_000_000, time.UTC),
		},
		{
			ID: "t2", Title: "Booking",
			CreatedAt: time.Unix(1772359200, 0),
			UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("listing mismatch (-want +got):\n%s", diff)
	}
}

func TestListConversationsWrapped(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Get("/conversations", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"conversations":[{"thread_id":"t1","title":"x"}]}`)
	})
	c := newTestClient(t, r)

	got, err := c.ListConversations(context.Background(), testSession)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "t1" {
		t.Fatalf("unexpected listing: %+v", got)
	}
}

func TestListMessages(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Get("/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		requireScope(t, r)
		if id := chi.URLParam(r, "id"); id != "t1" {
			t.Errorf("id = %q", id)
		}
		_, _ = io.WriteString(w, `[
			{"role":"user","content":"hi","timestamp":"2026-03-01T10:00:00Z"},
			{"role":"tool","content":"ignored"},
			{"role":"assistant","content":"hello","timestamp":"2026-03-01T10:00:01Z",
			 "activity":[{"sender":"Supervisor","receiver":"Rate","message":"delegating","state":"PROCESSING"}]}
		]`)
	})
	c := newTestClient(t, r)

	got, err := c.ListMessages(context.Background(), testSession, "t1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	want := []domain.NewMessage{
		{ConversationID: "t1", Role: domain.RoleUser, Content: "hi", Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		{
			ConversationID: "t1", Role: domain.RoleAssistant, Content: "hello",
			Timestamp: time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC),
			Activity:  []domain.AgentActivityEvent{{Sender: "Supervisor", Receiver: "Rate", Message: "delegating", State: "PROCESSING"}},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestDeleteConversation(t *testing.T) {
	t.Parallel()

	deleted := make(chan string, 1)
	r := chi.NewRouter()
	r.Delete("/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		requireScope(t, r)
		deleted <- chi.URLParam(r, "id")
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, r)

	if err := c.DeleteConversation(context.Background(), testSession, "t1"); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}
	if got := <-deleted; got != "t1" {
		t.Fatalf("deleted %q", got)
	}
}

func TestHTTPErrorIsReturned(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Get("/conversations", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})
	c := newTestClient(t, r)

	_, err := c.ListConversations(context.Background(), testSession)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", httpErr.StatusCode)
	}
	if httpErr.Error() != "HTTP 502: upstream down" {
		t.Fatalf("unexpected message %q", httpErr.Error())
	}
}

func TestOpenPromptStream(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Post("/agent/prompt/stream", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		want := map[string]any{"prompt": "quote", "tenant_id": "tenant-1", "user_id": "user-1", "thread_id": "t1"}
		if diff := cmp.Diff(want, body); diff != "" {
			t.Errorf("body mismatch (-want +got):\n%s", diff)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, "{\"content\":\"ok\"}\n")
	})
	c := newTestClient(t, r)

	resp, err := c.OpenPromptStream(context.Background(), PromptRequest{
		Prompt: "quote", TenantID: "tenant-1", UserID: "user-1", ThreadID: "t1",
	})
	if err != nil {
		t.Fatalf("OpenPromptStream failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	if string(data) != "{\"content\":\"ok\"}\n" {
		t.Fatalf("unexpected body %q", data)
	}
}

func TestNewRejectsEmptyBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want time.Time
	}{
		{in: "2026-03-01T10:00:00Z", want: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		{in: "2026-03-01T10:00:00.5+02:00", want: time.Date(2026, 3, 1, 8, 0, 0, 500_000_000, time.UTC)},
		{in: "2026-03-01T10:00:00.123456", want: time.Date(2026, 3, 1, 10, 0, 0, 123_456_000, time.UTC)},
		{in: "2026-03-01 10:00:00", want: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		{in: "1772359200000", want: time.UnixMilli(1772359200000)},
		{in: "", want: time.Time{}},
	}
	for _, tt := range tests {
		got, err := ParseTimestamp(tt.in)
		if err != nil {
			t.Fatalf("ParseTimestamp(%q) failed: %v", tt.in, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Error("expected error for unrecognized timestamp")
	}
}
