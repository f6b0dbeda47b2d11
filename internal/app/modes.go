package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/colemarc/dexarbot/internal/config"
	"github.com/colemarc/dexarbot/internal/crypto"
	"github.com/colemarc/dexarbot/internal/detector"
	"github.com/colemarc/dexarbot/internal/domain"
	"github.com/colemarc/dexarbot/internal/executor"
	"github.com/colemarc/dexarbot/internal/feed"
	"github.com/colemarc/dexarbot/internal/orchestrator"
	"github.com/colemarc/dexarbot/internal/risk"
	"github.com/colemarc/dexarbot/internal/server"
	"github.com/colemarc/dexarbot/internal/server/handler"
	"github.com/colemarc/dexarbot/internal/settlement"
)

// buildEngine assembles the feed, detection, risk, and execution pipeline for
// the configured mode. Monitor mode gets no settlement vault; the
// orchestrator never invokes the executor there.
func buildEngine(ctx context.Context, cfg *config.Config, deps *Dependencies, clock clockwork.Clock, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	feeds := buildFeeds(cfg, clock, logger)

	det := detector.New(detector.Config{
		VenueA:             cfg.Venues.AMM.Name,
		VenueB:             cfg.Venues.CLOB.Name,
		MinProfitThreshold: cfg.Trading.MinProfitThresholdBps / 10_000,
		MaxPositionTicks:   domain.Ticks(cfg.Trading.MaxPositionSize),
	}, detector.DefaultCosts(domain.Ticks(cfg.Trading.GasCostEstimate)), clock, logger)

	gate := risk.NewGate(risk.Config{
		MaxSingleNotionalTicks: domain.Ticks(cfg.Risk.MaxSingleNotional),
		MaxTotalExposureTicks:  domain.Ticks(cfg.Risk.MaxTotalExposure),
		MaxDrawdownTicks:       domain.Ticks(cfg.Risk.MaxDrawdown),
		StopLossTicks:          domain.Ticks(cfg.Risk.StopLossThreshold),
		MaxConsecutiveLosses:   cfg.Risk.MaxConsecutiveLosses,
		MaxErrorRate:           cfg.Risk.MaxErrorRate,
		CooldownPeriod:         cfg.Risk.CooldownPeriod.Duration,
		MaxEventVolumeTicks:    domain.Ticks(cfg.Trading.MaxPositionSize * 10),
		KnownVenues: []string{
			cfg.Venues.AMM.Name,
			cfg.Venues.CLOB.Name,
			cfg.Venues.Oracle.Name,
		},
		GasLimit:             cfg.Vault.GasLimit,
		SlippageToleranceBps: cfg.Trading.MaxSlippageBps,
	}, clock, logger)

	var vault *settlement.Vault
	if strings.ToLower(cfg.Mode) == "trade" {
		var err error
		vault, err = buildVault(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	// Typed nils must not leak into the executor's interface fields.
	var settle executor.Settlement
	var gas executor.GasOracle
	var funds executor.FundsSource
	if vault != nil {
		settle = vault
		gas = vault
		funds = vault
	}
	exec := executor.New(executor.Config{
		MaxGasPriceGwei: cfg.Trading.MaxGasPriceGwei,
	}, settle, gas, funds, nil, clock, logger)

	var opps domain.OpportunityStore
	var execs domain.ExecutionStore
	if deps.Opps != nil {
		opps = deps.Opps
	}
	if deps.Execs != nil {
		execs = deps.Execs
	}
	var prices domain.PriceCache
	var bus domain.SignalBus
	if deps.Prices != nil {
		prices = deps.Prices
	}
	if deps.Bus != nil {
		bus = deps.Bus
	}

	return orchestrator.New(orchestrator.Config{
		Mode:            strings.ToLower(cfg.Mode),
		ResumeAfter:     cfg.Risk.CooldownPeriod.Duration,
		HealthInterval:  cfg.Health.CheckInterval.Duration,
		HealthTimeout:   cfg.Health.CheckTimeout.Duration,
		MetricsInterval: cfg.Health.MetricsInterval.Duration,
	}, feeds, det, gate, exec, opps, execs, prices, bus, deps.Notifier, clock, logger), nil
}

// buildFeeds constructs the two websocket feeds and the oracle poller.
func buildFeeds(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) []feed.Feed {
	dialer := feed.WSDialer{}
	return []feed.Feed{
		feed.NewAMM(cfg.Venues.AMM, dialer, clock, logger),
		feed.NewCLOB(cfg.Venues.CLOB, dialer, clock, logger),
		feed.NewPoller(cfg.Venues.Oracle, &http.Client{}, clock, logger),
	}
}

// buildVault resolves the signing key and dials the settlement chain.
func buildVault(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*settlement.Vault, error) {
	key, err := crypto.LoadKey(crypto.KeySource{
		RawHex:        cfg.Vault.PrivateKey,
		EncryptedPath: cfg.Vault.EncryptedKeyPath,
		Password:      cfg.Vault.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("app: vault key: %w", err)
	}

	vault, err := settlement.New(ctx, cfg.Vault, key, logger)
	if err != nil {
		return nil, fmt.Errorf("app: vault: %w", err)
	}
	return vault, nil
}

// buildServer assembles the HTTP command surface over the engine and the
// wired dependencies. Redis-backed routes appear only when Redis is up.
func buildServer(cfg *config.Config, deps *Dependencies, engine *orchestrator.Orchestrator, logger *slog.Logger) *server.Server {
	checks := map[string]handler.Pinger{}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis
	}
	if deps.Postgres != nil {
		checks["postgres"] = deps.Postgres
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(checks, logger),
		Engine: handler.NewEngineHandler(engine, logger),
	}
	if deps.Bus != nil {
		handlers.Executions = handler.NewExecutionsHandler(deps.Bus, logger)
	}
	if deps.Prices != nil {
		handlers.Quotes = handler.NewQuotesHandler(deps.Prices, logger)
	}

	return server.New(server.Config{
		Port:        cfg.Server.Port,
		APIKey:      cfg.Server.APIKey,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, handlers, logger)
}
