// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/threadsync/internal/domain"
)

// MergeOutcome reports what MergeRemoteConversation did to the local row.
type MergeOutcome int

const (
	// MergeUnchanged means the local row already matched.
	MergeUnchanged MergeOutcome = iota
	// MergeUpdated means mutable metadata of an existing row was rewritten.
	MergeUpdated
	// MergeInserted means the conversation was new locally.
	MergeInserted
)

func (o MergeOutcome) String() string {
	switch o {
	case MergeUpdated:
		return "updated"
	case MergeInserted:
		return "inserted"
	default:
		return "unchanged"
	}
}

// Repository defines the interface for the local conversation cache.
type Repository interface {
	// CreateConversation inserts an empty conversation.
	// Returns domain.ErrConversationExists if id is taken.
	CreateConversation(ctx context.Context, tenantID, userID, id, title string) (*domain.Conversation, error)

	// GetConversation retrieves one conversation by id.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// GetConversations lists a scope's conversations, most recently updated first.
	GetConversations(ctx context.Context, tenantID, userID string) ([]domain.Conversation, error)

	// DeleteConversation removes a conversation and all of its messages.
	DeleteConversation(ctx context.Context, id string) error

	// AddMessage appends a message and updates the parent conversation in
	// the same transaction.
	AddMessage(ctx context.Context, msg domain.NewMessage) (*domain.Message, error)

	// GetMessages lists a conversation's messages in timestamp order.
	GetMessages(ctx context.Context, conversationID string) ([]domain.Message, error)

	// MergeRemoteConversation applies one row of a remote listing.
	MergeRemoteConversation(ctx context.Context, tenantID, userID string, remote domain.RemoteConversation) (MergeOutcome, error)

	// BackfillMessages fills an empty message cache. It inserts nothing if
	// the conversation already has messages.
	BackfillMessages(ctx context.Context, conversationID string, msgs []domain.NewMessage) (int, error)

	// GetSession returns the persisted session, or an empty one.
	GetSession(ctx context.Context) (*domain.UserSession, error)

	// SaveSession overwrites the session record.
	SaveSession(ctx context.Context, session *domain.UserSession) error

	// SetActiveConversation updates only the active conversation pointer.
	SetActiveConversation(ctx context.Context, conversationID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// now is replaceable in tests.
var now = time.Now
