package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/colemarc/dexarbot/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

// Insert persists an execution result.
func (s *ExecutionStore) Insert(ctx context.Context, res domain.ExecutionResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (opportunity_id, success, submitted, settlement_ref,
			actual_profit_ticks, cost_paid_ticks, duration_ms, error, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		res.OpportunityID, res.Success, res.Submitted, res.SettlementRef,
		res.ActualProfitTicks, res.CostPaidTicks, res.Duration.Milliseconds(),
		res.Error, res.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", res.OpportunityID, err)
	}
	return nil
}

// ListBefore returns execution results recorded before the cutoff, oldest
// first.
func (s *ExecutionStore) ListBefore(ctx context.Context, cutoff time.Time) ([]domain.ExecutionResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT opportunity_id, success, submitted, settlement_ref,
			actual_profit_ticks, cost_paid_ticks, duration_ms, error, executed_at
		FROM executions WHERE executed_at < $1 ORDER BY executed_at`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var list []domain.ExecutionResult
	for rows.Next() {
		var res domain.ExecutionResult
		var durationMs int64
		if err := rows.Scan(&res.OpportunityID, &res.Success, &res.Submitted, &res.SettlementRef,
			&res.ActualProfitTicks, &res.CostPaidTicks, &durationMs, &res.Error, &res.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		res.Duration = time.Duration(durationMs) * time.Millisecond
		list = append(list, res)
	}
	return list, rows.Err()
}

// DeleteBefore removes execution results recorded before the cutoff and
// returns the number of rows deleted.
func (s *ExecutionStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM executions WHERE executed_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.ExecutionStore = (*ExecutionStore)(nil)
