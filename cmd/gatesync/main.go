package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/davidassist/gatesync/internal/config"
	"github.com/davidassist/gatesync/internal/conflict"
	"github.com/davidassist/gatesync/internal/logging"
	"github.com/davidassist/gatesync/internal/netwatch"
	"github.com/davidassist/gatesync/internal/outbox"
	"github.com/davidassist/gatesync/internal/queue"
	"github.com/davidassist/gatesync/internal/remote"
	"github.com/davidassist/gatesync/internal/store"
	"github.com/davidassist/gatesync/internal/syncer"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("gatesync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.String("device", cfg.DeviceName),
		slog.String("state", cfg.StatePath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	qm := queue.New(st, queue.Config{
		BaseDelay:   cfg.BackoffBase,
		MaxDelay:    cfg.BackoffMax,
		Factor:      2,
		MaxAttempts: cfg.MaxAttempts,
	}, logger)

	api := remote.NewClient(cfg.ServerURL, &http.Client{Timeout: cfg.RequestTimeout})

	registry := conflict.DefaultRegistry()
	detector := conflict.NewDetector(st, logger)
	resolver := conflict.NewResolver(st, registry, api, logger)

	orch := syncer.New(st, qm, api, detector, resolver, syncer.Config{
		BatchSize:     cfg.BatchSize,
		PushBudget:    cfg.PushBudget,
		Interval:      cfg.SyncInterval,
		ErrorCooldown: cfg.ErrorCooldown,
		AutoResolve:   cfg.AutoResolveConflicts,
	}, logger)

	watcher := netwatch.New(cfg.ServerURL, cfg.EventsURL, cfg.ProbeInterval, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return orch.Run(gctx)
	})

	g.Go(func() error {
		return watcher.Run(gctx)
	})

	// Connectivity changes and server change hints become sync runs.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-watcher.Notify():
				orch.Trigger()
			}
		}
	})

	if cfg.OutboxDir != "" {
		spool := outbox.NewWatcher(cfg.OutboxDir, st, qm, logger)
		g.Go(func() error {
			return spool.Run(gctx)
		})
	}

	// First cycle runs immediately rather than waiting for the timer.
	orch.Trigger()

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("gatesync stopped")
		return nil
	}
	return err
}
