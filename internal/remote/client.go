// Package remote implements the HTTP client for the authoritative
// conversation service and its prompt streaming endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/threadsync/internal/domain"
)

const (
	conversationsPath = "/conversations"
	promptStreamPath  = "/agent/prompt/stream"

	// maxErrorBodySize caps how much of a failed response is kept.
	maxErrorBodySize = 4 << 10
)

var errEmptyBaseURL = errors.New("remote base URL is empty")

// HTTPError is returned for responses outside the 2xx range.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, body)
}

// Config holds configuration for the remote client.
type Config struct {
	BaseURL string
	// RequestTimeout bounds listing and delete calls. Prompt streams are
	// never given a timeout.
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Client talks to the remote conversation service.
type Client struct {
	baseURL        *url.URL
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
}

// New creates a new remote client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errEmptyBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote base URL: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:        base,
		httpClient:     httpClient,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}, nil
}

// conversationDTO is one row of the remote listing.
type conversationDTO struct {
	ThreadID     string    `json:"thread_id"`
	Title        string    `json:"title"`
	CreatedAt    Timestamp `json:"created_at"`
	UpdatedAt    Timestamp `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// messageDTO is one remote message.
type messageDTO struct {
	Role      string                      `json:"role"`
	Content   string                      `json:"content"`
	Timestamp Timestamp                   `json:"timestamp"`
	Activity  []domain.AgentActivityEvent `json:"activity,omitempty"`
}

// PromptRequest is the body of a prompt stream request.
type PromptRequest struct {
	Prompt   string         `json:"prompt"`
	TenantID string         `json:"tenant_id"`
	UserID   string         `json:"user_id"`
	ThreadID string         `json:"thread_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Token    string         `json:"-"`
}

func (c *Client) endpoint(path string, sess domain.UserSession) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	q := u.Query()
	q.Set("tenant_id", sess.TenantID)
	q.Set("user_id", sess.UserID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, target, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

// do sends req and returns the response if its status is 2xx.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer closeBody(resp.Body, c.logger)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, target, token, wrapKey string, out any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, target, token, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp.Body, c.logger)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return decodeList(data, wrapKey, out)
}

// decodeList accepts either a bare JSON array or an object that carries the
// array under wrapKey.
func decodeList(data []byte, wrapKey string, out any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		inner, ok := wrapped[wrapKey]
		if !ok {
			return fmt.Errorf("decode response: missing %q field", wrapKey)
		}
		trimmed = inner
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ListConversations fetches the remote listing for the session's scope.
func (c *Client) ListConversations(ctx context.Context, sess domain.UserSession) ([]domain.RemoteConversation, error) {
	var rows []conversationDTO
	if err := c.getJSON(ctx, c.endpoint(conversationsPath, sess), sess.Token, "conversations", &rows); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	out := make([]domain.RemoteConversation, 0, len(rows))
	for _, r := range rows {
		if r.ThreadID == "" {
			c.logger.Warn("skipping remote conversation without thread_id", "title", r.Title)
			continue
		}
		out = append(out, domain.RemoteConversation{
			ID:           r.ThreadID,
			Title:        r.Title,
			CreatedAt:    r.CreatedAt.Time,
			UpdatedAt:    r.UpdatedAt.Time,
			MessageCount: r.MessageCount,
		})
	}
	return out, nil
}

// ListMessages fetches every message of one conversation.
func (c *Client) ListMessages(ctx context.Context, sess domain.UserSession, threadID string) ([]domain.NewMessage, error) {
	target := c.endpoint(conversationsPath+"/"+url.PathEscape(threadID)+"/messages", sess)
	var rows []messageDTO
	if err := c.getJSON(ctx, target, sess.Token, "messages", &rows); err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", threadID, err)
	}

	out := make([]domain.NewMessage, 0, len(rows))
	for _, r := range rows {
		role, err := domain.ParseRole(r.Role)
		if err != nil {
			c.logger.Warn("skipping remote message", "thread_id", threadID, "error", err)
			continue
		}
		out = append(out, domain.NewMessage{
			ConversationID: threadID,
			Role:           role,
			Content:        r.Content,
			Activity:       r.Activity,
			Timestamp:      r.Timestamp.Time,
		})
	}
	return out, nil
}

// DeleteConversation deletes one conversation remotely.
func (c *Client) DeleteConversation(ctx context.Context, sess domain.UserSession, threadID string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	target := c.endpoint(conversationsPath+"/"+url.PathEscape(threadID), sess)
	req, err := c.newRequest(ctx, http.MethodDelete, target, sess.Token, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", threadID, err)
	}
	closeBody(resp.Body, c.logger)
	return nil
}

// OpenPromptStream posts a prompt and returns the response once its status
// is known to be 2xx. The caller owns the body. Only ctx bounds the request.
func (c *Client) OpenPromptStream(ctx context.Context, p PromptRequest) (*http.Response, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal prompt: %w", err)
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + promptStreamPath
	req, err := c.newRequest(ctx, http.MethodPost, u.String(), p.Token, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/x-ndjson, application/json")

	return c.do(req)
}

func closeBody(body io.Closer, logger *slog.Logger) {
	if err := body.Close(); err != nil {
		logger.Debug("failed to close response body", "error", err)
	}
}
