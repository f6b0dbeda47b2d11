// Package app owns the application lifecycle: it wires infrastructure
// (Postgres, Redis, S3, notifications), assembles the arbitrage engine for
// the configured mode, and runs everything under one errgroup until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/colemarc/dexarbot/internal/config"
	"github.com/colemarc/dexarbot/internal/domain"
)

// leaderLockTTL bounds how long a crashed instance blocks its successor.
const leaderLockTTL = 10 * time.Minute

// App is the root application object.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies, builds the engine, and blocks until the context is
// cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting engine",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	clock := clockwork.NewRealClock()

	deps, cleanup, err := Wire(ctx, a.cfg, clock, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	// In trade mode, two instances sharing a vault must never run at once.
	if strings.ToLower(a.cfg.Mode) == "trade" && deps.Locks != nil {
		unlock, err := deps.Locks.Acquire(ctx, "vault:"+a.cfg.Vault.Address, leaderLockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return fmt.Errorf("app: another instance is already trading against vault %s: %w",
					a.cfg.Vault.Address, err)
			}
			return fmt.Errorf("app: leader lock: %w", err)
		}
		a.closers = append(a.closers, unlock)
	}

	engine, err := buildEngine(ctx, a.cfg, deps, clock, a.logger)
	if err != nil {
		return fmt.Errorf("app: build engine: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(ctx)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx)
		})
	}

	if a.cfg.Server.Enabled {
		srv := buildServer(a.cfg, deps, engine, a.logger)
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Close tears down all resources in reverse registration order. Safe to call
// multiple times.
func (a *App) Close() {
	a.logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
