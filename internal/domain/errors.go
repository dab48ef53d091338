package domain

import "errors"

var (
	// ErrSessionNotInitialized is returned when tenant or user identity is missing.
	ErrSessionNotInitialized = errors.New("session not initialized")
	// ErrMissingThread is returned when a stream is started without a thread id.
	ErrMissingThread = errors.New("thread id is required")
	// ErrConversationExists is returned when creating a duplicate conversation id.
	ErrConversationExists = errors.New("conversation already exists")
	// ErrConversationNotFound is returned for unknown conversation ids.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrInvalidRole is returned for roles other than user and assistant.
	ErrInvalidRole = errors.New("invalid message role")
	// ErrSyncFailure wraps remote fetch failures during reconciliation.
	ErrSyncFailure = errors.New("sync failure")
	// ErrStreamAborted is returned when a prompt stream is cancelled before completion.
	ErrStreamAborted = errors.New("stream aborted")
	// ErrEmptyPrompt is returned when a prompt has no text.
	ErrEmptyPrompt = errors.New("prompt is empty")
)
