// Package reconcile merges the remote conversation listing into the local
// store and fills empty message caches on demand.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/threadsync/internal/domain"
	"github.com/ashureev/threadsync/internal/store"
	"golang.org/x/sync/singleflight"
)

// Source is the remote side of reconciliation. *remote.Client satisfies it.
type Source interface {
	ListConversations(ctx context.Context, sess domain.UserSession) ([]domain.RemoteConversation, error)
	ListMessages(ctx context.Context, sess domain.UserSession, threadID string) ([]domain.NewMessage, error)
}

// Report summarizes one reconciliation pass.
type Report struct {
	Fetched   int `json:"fetched"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// Reconciler keeps the local store eventually consistent with the remote.
type Reconciler struct {
	source Source
	repo   store.Repository
	logger *slog.Logger
	group  singleflight.Group
}

// New creates a reconciler.
func New(source Source, repo store.Repository, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{source: source, repo: repo, logger: logger}
}

// SyncConversations fetches the remote listing for the session's scope and
// merges it row by row. Local conversations missing from the listing are
// kept. Concurrent calls for the same scope share one pass.
func (r *Reconciler) SyncConversations(ctx context.Context, sess domain.UserSession) (Report, error) {
	if !sess.HasIdentity() {
		return Report{}, domain.ErrSessionNotInitialized
	}

	key := sess.TenantID + "\x00" + sess.UserID
	v, err, shared := r.group.Do(key, func() (any, error) {
		return r.syncOnce(ctx, sess)
	})
	if shared {
		r.logger.Debug("Joined in-flight sync", "tenant_id", sess.TenantID, "user_id", sess.UserID)
	}
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

func (r *Reconciler) syncOnce(ctx context.Context, sess domain.UserSession) (Report, error) {
	start := time.Now()
	listing, err := r.source.ListConversations(ctx, sess)
	if err != nil {
		r.logger.Warn("Conversation sync failed", "tenant_id", sess.TenantID, "user_id", sess.UserID, "error", err)
		return Report{}, fmt.Errorf("%w: %w", domain.ErrSyncFailure, err)
	}

	report := Report{Fetched: len(listing)}
	for _, rc := range listing {
		outcome, err := r.repo.MergeRemoteConversation(ctx, sess.TenantID, sess.UserID, rc)
		if err != nil {
			return report, fmt.Errorf("merge conversation %s: %w", rc.ID, err)
		}
		switch outcome {
		case store.MergeInserted:
			report.Inserted++
		case store.MergeUpdated:
			report.Updated++
		default:
			report.Unchanged++
		}
	}

	r.logger.Info("Conversation sync complete",
		"tenant_id", sess.TenantID,
		"user_id", sess.UserID,
		"fetched", report.Fetched,
		"inserted", report.Inserted,
		"updated", report.Updated,
		"duration", time.Since(start))
	return report, nil
}

// EnsureMessages returns the conversation's messages, backfilling them from
// the remote when the local cache is empty but messages are known to exist.
// No request is made for a conversation with a known count of zero.
func (r *Reconciler) EnsureMessages(ctx context.Context, sess domain.UserSession, conv *domain.Conversation) ([]domain.Message, error) {
	local, err := r.repo.GetMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if len(local) > 0 || conv.KnownMessageCount() == 0 {
		return local, nil
	}

	msgs, err := r.source.ListMessages(ctx, sess, conv.ID)
	if err != nil {
		r.logger.Warn("Message backfill failed", "conversation_id", conv.ID, "error", err)
		return local, fmt.Errorf("%w: %w", domain.ErrSyncFailure, err)
	}

	inserted, err := r.repo.BackfillMessages(ctx, conv.ID, msgs)
	if err != nil {
		return local, fmt.Errorf("backfill %s: %w", conv.ID, err)
	}
	r.logger.Info("Backfilled messages", "conversation_id", conv.ID, "count", inserted)

	return r.repo.GetMessages(ctx, conv.ID)
}

// Run reconciles on every tick until ctx is done. scope reports the session
// to sync and false when no identity is set. A non-positive interval
// returns immediately.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration, scope func() (domain.UserSession, bool)) error {
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sess, ok := scope()
			if !ok {
				continue
			}
			if _, err := r.SyncConversations(ctx, sess); err != nil && ctx.Err() == nil {
				r.logger.Warn("Periodic sync failed", "error", err)
			}
		}
	}
}
