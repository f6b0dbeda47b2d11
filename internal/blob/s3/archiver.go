package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/colemarc/dexarbot/internal/domain"
)

// ArchiverConfig controls the cold-storage sweep.
type ArchiverConfig struct {
	// Retention is how long rows stay in Postgres before they are shipped
	// to S3 and pruned.
	Retention time.Duration

	// Every is the interval between sweeps.
	Every time.Duration
}

// Archiver periodically drains aged opportunity and execution rows from the
// primary store into JSONL objects in cold storage, then prunes them.
// Pruning happens only after the upload succeeds, so a storage outage never
// loses rows; the worst case is re-archiving the same window.
type Archiver struct {
	cfg    ArchiverConfig
	writer domain.BlobWriter
	opps   domain.OpportunityStore
	execs  domain.ExecutionStore
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(
	cfg ArchiverConfig,
	writer domain.BlobWriter,
	opps domain.OpportunityStore,
	execs domain.ExecutionStore,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		cfg:    cfg,
		writer: writer,
		opps:   opps,
		execs:  execs,
		clock:  clock,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// Run sweeps on the configured interval until the context is cancelled.
// Sweep failures are logged and retried on the next tick.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := a.clock.NewTicker(a.cfg.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			cutoff := a.clock.Now().Add(-a.cfg.Retention)
			if err := a.Sweep(ctx, cutoff); err != nil {
				a.logger.Error("archive sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep archives and prunes all rows older than the cutoff.
func (a *Archiver) Sweep(ctx context.Context, cutoff time.Time) error {
	oppCount, err := a.archiveOpportunities(ctx, cutoff)
	if err != nil {
		return err
	}
	execCount, err := a.archiveExecutions(ctx, cutoff)
	if err != nil {
		return err
	}

	if oppCount > 0 || execCount > 0 {
		a.logger.Info("archive sweep complete",
			slog.Int64("opportunities", oppCount),
			slog.Int64("executions", execCount),
			slog.Time("cutoff", cutoff),
		)
	}
	return nil
}

func (a *Archiver) archiveOpportunities(ctx context.Context, cutoff time.Time) (int64, error) {
	opps, err := a.opps.ListBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive opportunities query: %w", err)
	}
	if len(opps) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(opps)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive opportunities marshal: %w", err)
	}

	key := archiveKey("opportunities", cutoff)
	if err := a.writer.Write(ctx, key, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive opportunities upload: %w", err)
	}

	deleted, err := a.opps.DeleteBefore(ctx, cutoff)
	if err != nil {
		return int64(len(opps)), fmt.Errorf("s3blob: archive opportunities prune: %w", err)
	}
	return deleted, nil
}

func (a *Archiver) archiveExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	execs, err := a.execs.ListBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions query: %w", err)
	}
	if len(execs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(execs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive executions marshal: %w", err)
	}

	key := archiveKey("executions", cutoff)
	if err := a.writer.Write(ctx, key, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive executions upload: %w", err)
	}

	deleted, err := a.execs.DeleteBefore(ctx, cutoff)
	if err != nil {
		return int64(len(execs)), fmt.Errorf("s3blob: archive executions prune: %w", err)
	}
	return deleted, nil
}

// archiveKey builds the object key for one sweep, partitioned by the cutoff
// date so daily sweeps land in distinct objects.
//
//	archive/opportunities/2026-08-28.jsonl
//	archive/executions/2026-08-28.jsonl
func archiveKey(kind string, cutoff time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, cutoff.UTC().Format("2006-01-02"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
