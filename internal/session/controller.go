// Package session implements the orchestration surface used by views:
// identity, navigation, conversation lifecycle and prompt sending.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/threadsync/internal/domain"
	"github.com/ashureev/threadsync/internal/reconcile"
	"github.com/ashureev/threadsync/internal/store"
	"github.com/ashureev/threadsync/internal/stream"
	"github.com/google/uuid"
)

// Remote is the remote service as seen by the controller.
type Remote interface {
	reconcile.Source
	DeleteConversation(ctx context.Context, sess domain.UserSession, threadID string) error
}

// Identity is supplied by an external authentication flow.
type Identity struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Token    string `json:"token,omitempty"`
}

// PromptResult describes one SendPrompt exchange.
type PromptResult struct {
	Conversation     *domain.Conversation `json:"conversation"`
	UserMessage      *domain.Message      `json:"user_message"`
	AssistantMessage *domain.Message      `json:"assistant_message,omitempty"`
	Events           []domain.AgentEvent  `json:"events"`
	FinalResponse    *string              `json:"final_response"`
}

// Controller owns the single logical session of a running instance.
type Controller struct {
	repo       store.Repository
	remote     Remote
	reconciler *reconcile.Reconciler
	engine     *stream.Engine
	logger     *slog.Logger

	mu      sync.RWMutex
	session domain.UserSession
}

// New creates a controller. Call Init before use.
func New(repo store.Repository, remote Remote, reconciler *reconcile.Reconciler, engine *stream.Engine, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		repo:       repo,
		remote:     remote,
		reconciler: reconciler,
		engine:     engine,
		logger:     logger,
	}
}

// Init restores the persisted session and, when it carries an identity,
// reconciles the conversation listing. Sync failures are logged only.
func (c *Controller) Init(ctx context.Context) (domain.UserSession, error) {
	stored, err := c.repo.GetSession(ctx)
	if err != nil {
		return domain.UserSession{}, fmt.Errorf("load session: %w", err)
	}

	c.mu.Lock()
	c.session = *stored
	c.mu.Unlock()

	if stored.HasIdentity() {
		c.logger.Info("Session restored",
			"tenant_id", stored.TenantID,
			"user_id", stored.UserID,
			"active_conversation_id", stored.ActiveConversationID)
		c.syncQuietly(ctx, *stored)
	}
	return *stored, nil
}

// Login persists a new identity. Switching scope clears the active
// conversation pointer.
func (c *Controller) Login(ctx context.Context, id Identity) (domain.UserSession, error) {
	id.TenantID = strings.TrimSpace(id.TenantID)
	id.UserID = strings.TrimSpace(id.UserID)
	if id.TenantID == "" || id.UserID == "" {
		return domain.UserSession{}, fmt.Errorf("%w: tenant and user are required", domain.ErrSessionNotInitialized)
	}

	c.mu.Lock()
	next := domain.UserSession{
		TenantID: id.TenantID,
		UserID:   id.UserID,
		Email:    id.Email,
		Name:     id.Name,
		Token:    id.Token,
	}
	if c.session.TenantID == next.TenantID && c.session.UserID == next.UserID {
		next.ActiveConversationID = c.session.ActiveConversationID
	}
	if err := c.repo.SaveSession(ctx, &next); err != nil {
		c.mu.Unlock()
		return domain.UserSession{}, fmt.Errorf("save session: %w", err)
	}
	c.session = next
	c.mu.Unlock()

	c.logger.Info("User logged in", "tenant_id", next.TenantID, "user_id", next.UserID)
	c.syncQuietly(ctx, next)
	return next, nil
}

// Logout aborts any running stream and overwrites the session record.
func (c *Controller) Logout(ctx context.Context) error {
	c.engine.Abort()

	c.mu.Lock()
	defer c.mu.Unlock()
	empty := domain.UserSession{}
	if err := c.repo.SaveSession(ctx, &empty); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	c.logger.Info("User logged out", "tenant_id", c.session.TenantID, "user_id", c.session.UserID)
	c.session = empty
	return nil
}

// Session returns a copy of the current session.
func (c *Controller) Session() domain.UserSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Controller) requireSession() (domain.UserSession, error) {
	sess := c.Session()
	if !sess.HasIdentity() {
		return domain.UserSession{}, domain.ErrSessionNotInitialized
	}
	return sess, nil
}

// conversation loads id and checks it belongs to the session's scope.
func (c *Controller) conversation(ctx context.Context, sess domain.UserSession, id string) (*domain.Conversation, error) {
	conv, err := c.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.TenantID != sess.TenantID || conv.UserID != sess.UserID {
		return nil, fmt.Errorf("%w: %s", domain.ErrConversationNotFound, id)
	}
	return conv, nil
}

func (c *Controller) setActive(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.repo.SetActiveConversation(ctx, id); err != nil {
		return fmt.Errorf("save active conversation: %w", err)
	}
	c.session.ActiveConversationID = id
	return nil
}

// SwitchActiveConversation makes id the active conversation and returns its
// messages. The pointer is persisted before messages are loaded. Switching
// to the already active conversation writes nothing.
func (c *Controller) SwitchActiveConversation(ctx context.Context, id string) ([]domain.Message, error) {
	sess, err := c.requireSession()
	if err != nil {
		return nil, err
	}
	conv, err := c.conversation(ctx, sess, id)
	if err != nil {
		return nil, err
	}

	if sess.ActiveConversationID != id {
		if err := c.setActive(ctx, id); err != nil {
			return nil, err
		}
		c.logger.Debug("Active conversation switched", "conversation_id", id)
	}
	return c.messages(ctx, sess, conv)
}

// Messages returns a conversation's messages, backfilling an empty cache.
func (c *Controller) Messages(ctx context.Context, id string) ([]domain.Message, error) {
	sess, err := c.requireSession()
	if err != nil {
		return nil, err
	}
	conv, err := c.conversation(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	return c.messages(ctx, sess, conv)
}

// messages serves stale-but-available data when the backfill fetch fails.
func (c *Controller) messages(ctx context.Context, sess domain.UserSession, conv *domain.Conversation) ([]domain.Message, error) {
	msgs, err := c.reconciler.EnsureMessages(ctx, sess, conv)
	if errors.Is(err, domain.ErrSyncFailure) {
		return msgs, nil
	}
	return msgs, err
}

// Conversations lists the session's conversations, most recent first.
func (c *Controller) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	sess, err := c.requireSession()
	if err != nil {
		return nil, err
	}
	return c.repo.GetConversations(ctx, sess.TenantID, sess.UserID)
}

// CreateConversation creates a conversation locally, without contacting the
// remote, and makes it active.
func (c *Controller) CreateConversation(ctx context.Context) (*domain.Conversation, error) {
	sess, err := c.requireSession()
	if err != nil {
		return nil, err
	}
	conv, err := c.repo.CreateConversation(ctx, sess.TenantID, sess.UserID, uuid.NewString(), "")
	if err != nil {
		return nil, err
	}
	if err := c.setActive(ctx, conv.ID); err != nil {
		return nil, err
	}
	c.logger.Info("Conversation created", "conversation_id", conv.ID)
	return conv, nil
}

// DeleteConversation deletes id remotely and locally. The local row is
// removed even when the remote delete fails.
func (c *Controller) DeleteConversation(ctx context.Context, id string) error {
	sess, err := c.requireSession()
	if err != nil {
		return err
	}
	if _, err := c.conversation(ctx, sess, id); err != nil {
		return err
	}

	if err := c.remote.DeleteConversation(ctx, sess, id); err != nil {
		c.logger.Warn("Remote delete failed, deleting locally", "conversation_id", id, "error", err)
	}
	if err := c.repo.DeleteConversation(ctx, id); err != nil {
		return err
	}

	if c.Session().ActiveConversationID == id {
		if err := c.setActive(ctx, ""); err != nil {
			return err
		}
	}
	c.logger.Info("Conversation deleted", "conversation_id", id)
	return nil
}

// activeConversation returns the active conversation, creating one when
// none is set or the pointer is stale.
func (c *Controller) activeConversation(ctx context.Context, sess domain.UserSession) (*domain.Conversation, error) {
	if sess.ActiveConversationID != "" {
		conv, err := c.conversation(ctx, sess, sess.ActiveConversationID)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, domain.ErrConversationNotFound) {
			return nil, err
		}
	}
	return c.CreateConversation(ctx)
}

// SendPrompt appends the user message to the active conversation, streams
// the answer and appends it as the assistant message. An aborted stream
// returns domain.ErrStreamAborted and stores no assistant message.
func (c *Controller) SendPrompt(ctx context.Context, text string) (*PromptResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.ErrEmptyPrompt
	}
	sess, err := c.requireSession()
	if err != nil {
		return nil, err
	}

	conv, err := c.activeConversation(ctx, sess)
	if err != nil {
		return nil, err
	}
	if conv, err = c.fillBeforeAppend(ctx, sess, conv); err != nil {
		return nil, err
	}
	userMsg, err := c.repo.AddMessage(ctx, domain.NewMessage{
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        text,
	})
	if err != nil {
		return nil, err
	}

	result := &PromptResult{UserMessage: userMsg, Conversation: conv}
	s, err := c.engine.Start(ctx, stream.Request{
		Prompt:   text,
		TenantID: sess.TenantID,
		UserID:   sess.UserID,
		ThreadID: conv.ID,
		Token:    sess.Token,
	})
	if err != nil {
		return result, err
	}

	start := time.Now()
	for range s.Events() {
	}
	res := s.Wait()
	result.Events = res.Events
	result.FinalResponse = res.FinalResponse

	switch res.Status {
	case domain.StatusCompleted:
	case domain.StatusIdle:
		c.logger.Info("Prompt aborted", "conversation_id", conv.ID)
		return result, domain.ErrStreamAborted
	default:
		return result, res.Err
	}

	content := ""
	if res.FinalResponse != nil {
		content = *res.FinalResponse
	}
	assistantMsg, err := c.repo.AddMessage(context.WithoutCancel(ctx), domain.NewMessage{
		ConversationID: conv.ID,
		Role:           domain.RoleAssistant,
		Content:        content,
		Activity:       domain.ActivityFromEvents(res.Events),
	})
	if err != nil {
		return result, err
	}
	result.AssistantMessage = assistantMsg

	if updated, err := c.repo.GetConversation(ctx, conv.ID); err == nil {
		result.Conversation = updated
	}
	c.logger.Info("Prompt answered",
		"conversation_id", conv.ID,
		"events", len(res.Events),
		"duration", time.Since(start))
	return result, nil
}

// fillBeforeAppend backfills a remote-known conversation whose cache is
// still empty. Appending first would mark the cache warm and the remote
// history would never be fetched, so a failed fill refuses the send.
func (c *Controller) fillBeforeAppend(ctx context.Context, sess domain.UserSession, conv *domain.Conversation) (*domain.Conversation, error) {
	if conv.MessageCount > 0 || conv.RemoteMessageCount == 0 {
		return conv, nil
	}
	if _, err := c.reconciler.EnsureMessages(ctx, sess, conv); err != nil {
		c.logger.Warn("Refusing prompt until history is backfilled", "conversation_id", conv.ID, "error", err)
		return nil, err
	}
	return c.repo.GetConversation(ctx, conv.ID)
}

// CancelPrompt aborts the running stream, if any.
func (c *Controller) CancelPrompt() {
	c.engine.Abort()
}

// StreamState returns a snapshot of the streaming state.
func (c *Controller) StreamState() domain.StreamingState {
	return c.engine.State()
}

// Sync reconciles the session's conversation listing.
func (c *Controller) Sync(ctx context.Context) (reconcile.Report, error) {
	sess, err := c.requireSession()
	if err != nil {
		return reconcile.Report{}, err
	}
	return c.reconciler.SyncConversations(ctx, sess)
}

// ActiveScope reports the session to reconcile in the background.
func (c *Controller) ActiveScope() (domain.UserSession, bool) {
	sess := c.Session()
	return sess, sess.HasIdentity()
}

func (c *Controller) syncQuietly(ctx context.Context, sess domain.UserSession) {
	if _, err := c.reconciler.SyncConversations(ctx, sess); err != nil {
		c.logger.Warn("Initial sync failed, serving cached conversations", "error", err)
	}
}
