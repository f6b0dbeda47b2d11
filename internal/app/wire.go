package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	s3blob "github.com/colemarc/dexarbot/internal/blob/s3"
	"github.com/colemarc/dexarbot/internal/cache/redis"
	"github.com/colemarc/dexarbot/internal/config"
	"github.com/colemarc/dexarbot/internal/notify"
	"github.com/colemarc/dexarbot/internal/store/postgres"
)

// Dependencies bundles the infrastructure collaborators the engine runs on.
// Every field except Notifier is optional: a nil field means that backing
// service is not configured and the concern is disabled.
type Dependencies struct {
	// Postgres-backed stores.
	Opps  *postgres.OpportunityStore
	Execs *postgres.ExecutionStore

	// Redis-backed collaborators.
	Prices *redis.QuoteCache
	Bus    *redis.SignalBus
	Locks  *redis.LockManager

	// Cold-storage archiver; present only when both S3 and Postgres are
	// configured.
	Archiver *s3blob.Archiver

	Notifier *notify.Notifier

	// Raw clients, kept for health checks.
	Redis    *redis.Client
	Postgres *postgres.Client
}

// Wire constructs all configured infrastructure dependencies and returns
// them with a cleanup function that releases connections in reverse order.
func Wire(ctx context.Context, cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Postgres = pgClient
		deps.Opps = postgres.NewOpportunityStore(pool)
		deps.Execs = postgres.NewExecutionStore(pool)
	}

	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.Prices = redis.NewQuoteCache(redisClient)
		deps.Bus = redis.NewSignalBus(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
	}

	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		// The archiver needs somewhere to drain rows from.
		if deps.Opps != nil && deps.Execs != nil {
			deps.Archiver = s3blob.NewArchiver(
				s3blob.ArchiverConfig{
					Retention: time.Duration(cfg.S3.RetentionDays) * 24 * time.Hour,
					Every:     cfg.S3.ArchiveEvery.Duration,
				},
				s3blob.NewWriter(s3Client),
				deps.Opps,
				deps.Execs,
				clock,
				logger,
			)
		} else {
			logger.Warn("s3 configured without postgres, archiver disabled")
		}
	}

	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.New(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
