package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/colemarc/dexarbot/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore using PostgreSQL.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates a new OpportunityStore.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

// Insert persists a detected opportunity. Re-inserting the same ID is a
// no-op; the detector can re-emit the same discrepancy on quote refreshes.
func (s *OpportunityStore) Insert(ctx context.Context, opp domain.ArbOpportunity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO opportunities (id, token_a, token_b, buy_venue, sell_venue,
			buy_price_ticks, sell_price_ticks, volume_ticks,
			expected_profit_ticks, est_gas_cost_ticks, slippage_cost_ticks,
			confidence, route, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`,
		opp.ID, opp.TokenA, opp.TokenB, opp.BuyVenue, opp.SellVenue,
		opp.BuyPriceTicks, opp.SellPriceTicks, opp.VolumeTicks,
		opp.ExpectedProfitTicks, opp.EstGasCostTicks, opp.SlippageCostTicks,
		opp.Confidence, opp.Route, opp.CreatedAt, opp.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// MarkExecuted flags an opportunity as consumed by a settlement attempt.
func (s *OpportunityStore) MarkExecuted(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE opportunities SET executed = TRUE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("postgres: mark opportunity %s executed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark opportunity %s executed: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListBefore returns opportunities created before the cutoff, oldest first.
func (s *OpportunityStore) ListBefore(ctx context.Context, cutoff time.Time) ([]domain.ArbOpportunity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, token_a, token_b, buy_venue, sell_venue,
			buy_price_ticks, sell_price_ticks, volume_ticks,
			expected_profit_ticks, est_gas_cost_ticks, slippage_cost_ticks,
			confidence, route, created_at, expires_at
		FROM opportunities WHERE created_at < $1 ORDER BY created_at`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	defer rows.Close()

	var list []domain.ArbOpportunity
	for rows.Next() {
		var opp domain.ArbOpportunity
		if err := rows.Scan(&opp.ID, &opp.TokenA, &opp.TokenB, &opp.BuyVenue, &opp.SellVenue,
			&opp.BuyPriceTicks, &opp.SellPriceTicks, &opp.VolumeTicks,
			&opp.ExpectedProfitTicks, &opp.EstGasCostTicks, &opp.SlippageCostTicks,
			&opp.Confidence, &opp.Route, &opp.CreatedAt, &opp.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		list = append(list, opp)
	}
	return list, rows.Err()
}

// DeleteBefore removes opportunities created before the cutoff and returns
// the number of rows deleted.
func (s *OpportunityStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM opportunities WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete opportunities: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.OpportunityStore = (*OpportunityStore)(nil)
