// Package app assembles the sync engine from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/threadsync/internal/config"
	"github.com/ashureev/threadsync/internal/domain"
	"github.com/ashureev/threadsync/internal/feed"
	"github.com/ashureev/threadsync/internal/reconcile"
	"github.com/ashureev/threadsync/internal/remote"
	"github.com/ashureev/threadsync/internal/session"
	"github.com/ashureev/threadsync/internal/store"
	"github.com/ashureev/threadsync/internal/stream"
)

// App holds the wired components.
type App struct {
	Config     *config.Config
	Repo       *store.SQLiteStore
	Remote     *remote.Client
	Reconciler *reconcile.Reconciler
	Engine     *stream.Engine
	Hub        *feed.Hub
	Controller *session.Controller

	logger *slog.Logger
}

// New opens storage and wires the remote client, reconciler, stream engine
// and controller. The persisted session is restored before New returns.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := remote.New(remote.Config{
		BaseURL:        cfg.RemoteBaseURL,
		RequestTimeout: cfg.RequestTimeout,
	}, logger.With("component", "remote"))
	if err != nil {
		return nil, fmt.Errorf("create remote client: %w", err)
	}

	repo, err := store.NewSQLite(cfg.DBPath, logger.With("component", "store"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	hub := feed.NewHub(cfg.StreamEventBuffer, logger.With("component", "feed"))
	engine := stream.NewEngine(client, stream.Options{
		EventBuffer: cfg.StreamEventBuffer,
		Observer:    func(st domain.StreamingState) { hub.Publish(st) },
		Logger:      logger.With("component", "stream"),
	})
	reconciler := reconcile.New(client, repo, logger.With("component", "reconcile"))
	ctrl := session.New(repo, client, reconciler, engine, logger.With("component", "session"))

	a := &App{
		Config:     cfg,
		Repo:       repo,
		Remote:     client,
		Reconciler: reconciler,
		Engine:     engine,
		Hub:        hub,
		Controller: ctrl,
		logger:     logger,
	}

	if _, err := ctrl.Init(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("restore session: %w", err), a.Close())
	}
	return a, nil
}

// RunSync reconciles the active scope every SyncInterval until ctx ends.
func (a *App) RunSync(ctx context.Context) error {
	return a.Reconciler.Run(ctx, a.Config.SyncInterval, a.Controller.ActiveScope)
}

// Close aborts any running stream, ends view subscriptions and closes
// storage.
func (a *App) Close() error {
	a.Engine.Close()
	a.Hub.CloseAll()
	if err := a.Repo.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
