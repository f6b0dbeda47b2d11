package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colemarc/dexarbot/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newMemWriter() *memWriter {
	return &memWriter{objects: map[string][]byte{}, types: map[string]string{}}
}

func (w *memWriter) Write(_ context.Context, key string, data []byte, contentType string) error {
	if w.err != nil {
		return w.err
	}
	w.objects[key] = append([]byte(nil), data...)
	w.types[key] = contentType
	return nil
}

type memOpps struct {
	rows    []domain.ArbOpportunity
	deleted []time.Time
}

func (s *memOpps) Insert(context.Context, domain.ArbOpportunity) error { return nil }
func (s *memOpps) MarkExecuted(context.Context, string) error          { return nil }

func (s *memOpps) ListBefore(_ context.Context, cutoff time.Time) ([]domain.ArbOpportunity, error) {
	var out []domain.ArbOpportunity
	for _, r := range s.rows {
		if r.CreatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memOpps) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.deleted = append(s.deleted, cutoff)
	var kept []domain.ArbOpportunity
	var n int64
	for _, r := range s.rows {
		if r.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	return n, nil
}

type memExecs struct {
	rows    []domain.ExecutionResult
	deleted []time.Time
}

func (s *memExecs) Insert(context.Context, domain.ExecutionResult) error { return nil }

func (s *memExecs) ListBefore(_ context.Context, cutoff time.Time) ([]domain.ExecutionResult, error) {
	var out []domain.ExecutionResult
	for _, r := range s.rows {
		if r.ExecutedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memExecs) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.deleted = append(s.deleted, cutoff)
	var kept []domain.ExecutionResult
	var n int64
	for _, r := range s.rows {
		if r.ExecutedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	return n, nil
}

func testArchiver(writer *memWriter, opps *memOpps, execs *memExecs, clock clockwork.Clock) *Archiver {
	cfg := ArchiverConfig{
		Retention: 30 * 24 * time.Hour,
		Every:     24 * time.Hour,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewArchiver(cfg, writer, opps, execs, clock, logger)
}

func oppAt(id string, createdAt time.Time) domain.ArbOpportunity {
	return domain.ArbOpportunity{
		ID:        id,
		TokenA:    "WETH",
		TokenB:    "USDC",
		BuyVenue:  "quickswap",
		SellVenue: "standardclob",
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(30 * time.Second),
	}
}

func TestSweepArchivesAndPrunesAgedRows(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now()
	cutoff := now.Add(-30 * 24 * time.Hour)

	writer := newMemWriter()
	opps := &memOpps{rows: []domain.ArbOpportunity{
		oppAt("old-1", cutoff.Add(-time.Hour)),
		oppAt("old-2", cutoff.Add(-2*time.Hour)),
		oppAt("fresh", now.Add(-time.Hour)),
	}}
	execs := &memExecs{rows: []domain.ExecutionResult{
		{OpportunityID: "old-1", Success: true, Submitted: true, ExecutedAt: cutoff.Add(-time.Hour)},
		{OpportunityID: "fresh", Success: true, Submitted: true, ExecutedAt: now.Add(-time.Hour)},
	}}

	arch := testArchiver(writer, opps, execs, clock)
	require.NoError(t, arch.Sweep(context.Background(), cutoff))

	oppKey := archiveKey("opportunities", cutoff)
	execKey := archiveKey("executions", cutoff)
	require.Contains(t, writer.objects, oppKey)
	require.Contains(t, writer.objects, execKey)
	assert.Equal(t, "application/x-ndjson", writer.types[oppKey])

	// Two JSONL lines for the two aged opportunities.
	lines := bytes.Split(bytes.TrimSpace(writer.objects[oppKey]), []byte("\n"))
	require.Len(t, lines, 2)
	var first domain.ArbOpportunity
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "old-1", first.ID)

	// Aged rows are gone, fresh rows survive.
	require.Len(t, opps.rows, 1)
	assert.Equal(t, "fresh", opps.rows[0].ID)
	require.Len(t, execs.rows, 1)
	assert.Equal(t, "fresh", execs.rows[0].OpportunityID)
}

func TestSweepWithNothingAgedUploadsNothing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now()

	writer := newMemWriter()
	opps := &memOpps{rows: []domain.ArbOpportunity{oppAt("fresh", now.Add(-time.Minute))}}
	execs := &memExecs{}

	arch := testArchiver(writer, opps, execs, clock)
	require.NoError(t, arch.Sweep(context.Background(), now.Add(-30*24*time.Hour)))

	assert.Empty(t, writer.objects)
	assert.Empty(t, opps.deleted)
}

func TestSweepKeepsRowsWhenUploadFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cutoff := clock.Now().Add(-30 * 24 * time.Hour)

	writer := newMemWriter()
	writer.err = errors.New("bucket unavailable")
	opps := &memOpps{rows: []domain.ArbOpportunity{oppAt("old", cutoff.Add(-time.Hour))}}
	execs := &memExecs{}

	arch := testArchiver(writer, opps, execs, clock)
	err := arch.Sweep(context.Background(), cutoff)
	require.Error(t, err)

	// Nothing pruned: the rows get another chance on the next sweep.
	assert.Empty(t, opps.deleted)
	require.Len(t, opps.rows, 1)
}

func TestRunSweepsOnTicker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cutoffBase := clock.Now()

	writer := newMemWriter()
	opps := &memOpps{rows: []domain.ArbOpportunity{
		oppAt("old", cutoffBase.Add(-31*24*time.Hour)),
	}}
	execs := &memExecs{}

	arch := testArchiver(writer, opps, execs, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- arch.Run(ctx) }()

	clock.BlockUntil(1)
	clock.Advance(24 * time.Hour)

	require.Eventually(t, func() bool {
		return len(writer.objects) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
