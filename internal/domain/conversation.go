// Package domain contains core domain types for the threadsync engine.
package domain

import (
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant marks an answer produced by the remote agent.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ParseRole converts a wire role into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// Conversation is a persisted thread scoped to a tenant and user.
type Conversation struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	// RemoteMessageCount is the count last reported by the remote listing.
	RemoteMessageCount int `json:"remote_message_count"`
}

// KnownMessageCount returns the larger of the local and remote counts.
func (c *Conversation) KnownMessageCount() int {
	if c.RemoteMessageCount > c.MessageCount {
		return c.RemoteMessageCount
	}
	return c.MessageCount
}

// AgentActivityEvent is the stored snapshot of one intermediate agent step.
type AgentActivityEvent struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver,omitempty"`
	Message  string `json:"message"`
	State    string `json:"state,omitempty"`
}

// Message is one immutable entry of a conversation.
type Message struct {
	ID             string               `json:"id"`
	ConversationID string               `json:"conversation_id"`
	Role           Role                 `json:"role"`
	Content        string               `json:"content"`
	Timestamp      time.Time            `json:"timestamp"`
	Activity       []AgentActivityEvent `json:"activity,omitempty"`
}

// NewMessage carries the fields needed to append a message.
// A zero Timestamp means "now".
type NewMessage struct {
	ConversationID string
	Role           Role
	Content        string
	Activity       []AgentActivityEvent
	Timestamp      time.Time
}

// RemoteConversation is conversation metadata as reported by the remote listing.
type RemoteConversation struct {
	ID           string
	Title        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
}

// DefaultTitle names a conversation before its first user message.
const DefaultTitle = "New conversation"

const maxTitleRunes = 50

// DeriveTitle builds a title from the first user message: the first 50
// characters, with "..." appended when the content was longer.
func DeriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= maxTitleRunes {
		return content
	}
	return string(runes[:maxTitleRunes]) + "..."
}
