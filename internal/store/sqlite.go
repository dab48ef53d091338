package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/threadsync/internal/domain"
	"github.com/ashureev/threadsync/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	retry  shared.RetryPolicy
	logger *slog.Logger
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL keeps readers unblocked while the reconciler writes; immediate
	// transactions take the write lock up front so busy_timeout applies.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		remote_message_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_scope
		ON conversations(tenant_id, user_id, updated_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		activity_json TEXT,
		FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(conversation_id, timestamp);

	CREATE TABLE IF NOT EXISTS user_session (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		tenant_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		token TEXT NOT NULL DEFAULT '',
		active_conversation_id TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// withTx runs fn in one transaction, retrying the whole unit on SQLite
// busy/locked errors.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return shared.RetryOnConflict(ctx, s.retry, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s: %w", op, err)
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("rollback failed", "op", op, "error", rbErr)
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", op, err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

const conversationColumns = `id, tenant_id, user_id, title, created_at, updated_at, message_count, remote_message_count`

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var c domain.Conversation
	var createdAt, updatedAt int64
	if err := row.Scan(
		&c.ID, &c.TenantID, &c.UserID, &c.Title,
		&createdAt, &updatedAt, &c.MessageCount, &c.RemoteMessageCount,
	); err != nil {
		return nil, err
	}
	c.CreatedAt = time.UnixMilli(createdAt)
	c.UpdatedAt = time.UnixMilli(updatedAt)
	return &c, nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateConversation inserts an empty conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, tenantID, userID, id, title string) (*domain.Conversation, error) {
	if id == "" {
		return nil, fmt.Errorf("create conversation: empty id")
	}
	if title == "" {
		title = domain.DefaultTitle
	}
	ts := now().UnixMilli()

	err := s.withTx(ctx, "create conversation", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&exists)
		if err == nil {
			return fmt.Errorf("%w: %s", domain.ErrConversationExists, id)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check conversation: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversations (`+conversationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, 0, 0)`,
			id, tenantID, userID, title, ts, ts,
		)
		if shared.IsUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", domain.ErrConversationExists, id)
		}
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &domain.Conversation{
		ID:        id,
		TenantID:  tenantID,
		UserID:    userID,
		Title:     title,
		CreatedAt: time.UnixMilli(ts),
		UpdatedAt: time.UnixMilli(ts),
	}, nil
}

// GetConversation retrieves one conversation by id.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return c, nil
}

// GetConversations lists a scope's conversations, most recently updated first.
func (s *SQLiteStore) GetConversations(ctx context.Context, tenantID, userID string) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE tenant_id = ? AND user_id = ?
		ORDER BY updated_at DESC, created_at DESC, id`,
		tenantID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	conversations := []domain.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		conversations = append(conversations, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return conversations, nil
}

// DeleteConversation removes a conversation and all of its messages.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	return s.withTx(ctx, "delete conversation", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			s.logger.Debug("DeleteConversation affected 0 rows", "conversation_id", id)
		}
		return nil
	})
}

// AddMessage appends a message and, in the same transaction, bumps the
// parent's updated_at and message_count. The first user message of an empty
// conversation also sets its title.
func (s *SQLiteStore) AddMessage(ctx context.Context, in domain.NewMessage) (*domain.Message, error) {
	if !in.Role.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidRole, in.Role)
	}

	msg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		Role:           in.Role,
		Content:        in.Content,
		Timestamp:      in.Timestamp,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now()
	}
	msg.Timestamp = time.UnixMilli(msg.Timestamp.UnixMilli())
	if in.Role == domain.RoleAssistant && len(in.Activity) > 0 {
		msg.Activity = append([]domain.AgentActivityEvent(nil), in.Activity...)
	}

	activityJSON, err := encodeActivity(msg.Activity)
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, "add message", func(tx *sql.Tx) error {
		var count int
		var title string
		err := tx.QueryRowContext(ctx,
			`SELECT message_count, title FROM conversations WHERE id = ?`, in.ConversationID,
		).Scan(&count, &title)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrConversationNotFound, in.ConversationID)
		}
		if err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}

		if in.Role == domain.RoleUser && count == 0 {
			title = domain.DeriveTitle(in.Content)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, timestamp, activity_json)
			VALUES (?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ConversationID, string(msg.Role), msg.Content,
			msg.Timestamp.UnixMilli(), activityJSON,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET message_count = message_count + 1,
				updated_at = MAX(updated_at, ?),
				title = ?
			WHERE id = ?`,
			msg.Timestamp.UnixMilli(), title, in.ConversationID,
		); err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetMessages lists a conversation's messages in timestamp order.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, timestamp, activity_json
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, rowid ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	msgs := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var role string
		var ts int64
		var activityJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &ts, &activityJSON); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = domain.Role(role)
		m.Timestamp = time.UnixMilli(ts)
		if activityJSON.Valid && activityJSON.String != "" {
			if err := json.Unmarshal([]byte(activityJSON.String), &m.Activity); err != nil {
				return nil, fmt.Errorf("decode activity for message %s: %w", m.ID, err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// MergeRemoteConversation inserts a conversation unknown locally, or
// rewrites title, remote message count and updated_at of a known one. Rows
// already matching are left untouched.
func (s *SQLiteStore) MergeRemoteConversation(ctx context.Context, tenantID, userID string, remote domain.RemoteConversation) (MergeOutcome, error) {
	if remote.ID == "" {
		return MergeUnchanged, fmt.Errorf("merge conversation: empty id")
	}

	outcome := MergeUnchanged
	err := s.withTx(ctx, "merge conversation", func(tx *sql.Tx) error {
		outcome = MergeUnchanged

		row := tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, remote.ID)
		local, err := scanConversation(row)
		if errors.Is(err, sql.ErrNoRows) {
			return s.insertRemote(ctx, tx, tenantID, userID, remote, &outcome)
		}
		if err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}

		if local.TenantID != tenantID || local.UserID != userID {
			s.logger.Warn("remote conversation id belongs to another scope, skipping",
				"conversation_id", remote.ID, "tenant_id", tenantID, "user_id", userID)
			return nil
		}

		title := local.Title
		if remote.Title != "" {
			title = remote.Title
		}
		updatedAt := local.UpdatedAt.UnixMilli()
		if !remote.UpdatedAt.IsZero() {
			updatedAt = remote.UpdatedAt.UnixMilli()
		}

		if title == local.Title &&
			updatedAt == local.UpdatedAt.UnixMilli() &&
			remote.MessageCount == local.RemoteMessageCount {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET title = ?, updated_at = ?, remote_message_count = ?
			WHERE id = ?`,
			title, updatedAt, remote.MessageCount, remote.ID,
		); err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		outcome = MergeUpdated
		return nil
	})
	return outcome, err
}

func (s *SQLiteStore) insertRemote(ctx context.Context, tx *sql.Tx, tenantID, userID string, remote domain.RemoteConversation, outcome *MergeOutcome) error {
	title := remote.Title
	if title == "" {
		title = domain.DefaultTitle
	}
	createdAt := remote.CreatedAt
	if createdAt.IsZero() {
		createdAt = now()
	}
	updatedAt := remote.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		remote.ID, tenantID, userID, title,
		createdAt.UnixMilli(), updatedAt.UnixMilli(), remote.MessageCount,
	); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	*outcome = MergeInserted
	return nil
}

// BackfillMessages fills an empty message cache from the remote in one
// transaction. The title and updated_at are left as reported remotely.
func (s *SQLiteStore) BackfillMessages(ctx context.Context, conversationID string, msgs []domain.NewMessage) (int, error) {
	inserted := 0
	err := s.withTx(ctx, "backfill messages", func(tx *sql.Tx) error {
		inserted = 0

		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT message_count FROM conversations WHERE id = ?`, conversationID,
		).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrConversationNotFound, conversationID)
		}
		if err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}
		if count > 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, timestamp, activity_json)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare message insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		base := now()
		for i, in := range msgs {
			if !in.Role.Valid() {
				s.logger.Warn("skipping backfilled message with invalid role",
					"conversation_id", conversationID, "role", in.Role)
				continue
			}
			ts := in.Timestamp
			if ts.IsZero() {
				// Keep the remote order for undated messages.
				ts = base.Add(time.Duration(i) * time.Millisecond)
			}
			var activity []domain.AgentActivityEvent
			if in.Role == domain.RoleAssistant {
				activity = in.Activity
			}
			activityJSON, err := encodeActivity(activity)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				uuid.NewString(), conversationID, string(in.Role), in.Content,
				ts.UnixMilli(), activityJSON,
			); err != nil {
				return fmt.Errorf("insert backfilled message: %w", err)
			}
			inserted++
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET message_count = ? WHERE id = ?`, inserted, conversationID,
		); err != nil {
			return fmt.Errorf("update message count: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetSession returns the persisted session, or an empty one if none exists.
func (s *SQLiteStore) GetSession(ctx context.Context) (*domain.UserSession, error) {
	var sess domain.UserSession
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, user_id, email, name, token, active_conversation_id
		FROM user_session WHERE id = 1`,
	).Scan(&sess.TenantID, &sess.UserID, &sess.Email, &sess.Name, &sess.Token, &sess.ActiveConversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.UserSession{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &sess, nil
}

// SaveSession overwrites the session record.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *domain.UserSession) error {
	return shared.RetryOnConflict(ctx, s.retry, "save session", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO user_session (id, tenant_id, user_id, email, name, token, active_conversation_id, updated_at)
			VALUES (1, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				tenant_id = excluded.tenant_id,
				user_id = excluded.user_id,
				email = excluded.email,
				name = excluded.name,
				token = excluded.token,
				active_conversation_id = excluded.active_conversation_id,
				updated_at = excluded.updated_at`,
			sess.TenantID, sess.UserID, sess.Email, sess.Name, sess.Token,
			sess.ActiveConversationID, now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		return nil
	})
}

// SetActiveConversation updates only the active conversation pointer.
func (s *SQLiteStore) SetActiveConversation(ctx context.Context, conversationID string) error {
	return shared.RetryOnConflict(ctx, s.retry, "set active conversation", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO user_session (id, active_conversation_id, updated_at)
			VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				active_conversation_id = excluded.active_conversation_id,
				updated_at = excluded.updated_at`,
			conversationID, now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("set active conversation: %w", err)
		}
		return nil
	})
}

func encodeActivity(activity []domain.AgentActivityEvent) (any, error) {
	if len(activity) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(activity)
	if err != nil {
		return nil, fmt.Errorf("encode activity: %w", err)
	}
	return string(data), nil
}

// Compile-time check.
var _ Repository = (*SQLiteStore)(nil)
