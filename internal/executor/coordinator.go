// Package executor drives approved opportunities through settlement. Every
// failure mode is captured into a failed ExecutionResult at this boundary so
// a single bad trade never aborts the pipeline, and no opportunity is ever
// submitted more than once.
package executor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/colemarc/dexarbot/internal/domain"
)

// Settlement is the external on-chain vault collaborator. The call blocks
// until the settlement is confirmed (or fails) and returns the receipt the
// realized outcome is derived from.
type Settlement interface {
	ExecuteArbitrage(ctx context.Context, tokenA, tokenB string, volumeTicks int64, buyVenue, sellVenue string) (domain.SettlementReceipt, error)
}

// GasOracle reports the current network gas price for the pre-flight ceiling
// check.
type GasOracle interface {
	GasPriceGwei(ctx context.Context) (int64, error)
}

// FundsSource reports the vault's spendable balance.
type FundsSource interface {
	AvailableFundsTicks(ctx context.Context) (int64, error)
}

// ProfitExtractor derives the realized profit of a settled trade.
//
// TODO(settlement): the real implementation must parse the vault's
// ArbitrageExecuted event from the receipt logs; until the event schema is
// finalized EstimatedProfit is wired in.
type ProfitExtractor interface {
	ExtractRealizedProfit(opp domain.ArbOpportunity, receipt domain.SettlementReceipt) (int64, error)
}

// EstimatedProfit is the placeholder ProfitExtractor: the opportunity's
// expected profit less the gas actually paid.
type EstimatedProfit struct{}

func (EstimatedProfit) ExtractRealizedProfit(opp domain.ArbOpportunity, receipt domain.SettlementReceipt) (int64, error) {
	return opp.ExpectedProfitTicks - receipt.CostPaidTicks + opp.EstGasCostTicks, nil
}

// Config holds the coordinator's pre-flight limits.
type Config struct {
	MaxGasPriceGwei int64
	// AttemptTTL bounds how long an opportunity ID is remembered for
	// double-submission protection.
	AttemptTTL time.Duration
}

// Coordinator validates an approved opportunity is still fresh and
// affordable, invokes settlement, and converts the outcome into an
// ExecutionResult. Exactly one execution attempt happens per opportunity;
// there is no internal retry.
type Coordinator struct {
	cfg        Config
	settlement Settlement
	gas        GasOracle
	funds      FundsSource
	profits    ProfitExtractor
	attempts   *attemptLog
	clock      clockwork.Clock
	logger     *slog.Logger

	paused   atomic.Bool
	inFlight atomic.Bool
}

// New creates a Coordinator. gas and funds may be nil, in which case the
// corresponding pre-flight checks are skipped (monitor mode).
func New(cfg Config, settlement Settlement, gas GasOracle, funds FundsSource, profits ProfitExtractor, clock clockwork.Clock, logger *slog.Logger) *Coordinator {
	if cfg.AttemptTTL <= 0 {
		cfg.AttemptTTL = 2 * time.Minute
	}
	if profits == nil {
		profits = EstimatedProfit{}
	}
	return &Coordinator{
		cfg:        cfg,
		settlement: settlement,
		gas:        gas,
		funds:      funds,
		profits:    profits,
		attempts:   newAttemptLog(cfg.AttemptTTL),
		clock:      clock,
		logger:     logger.With(slog.String("component", "executor")),
	}
}

// Pause suspends execution. Opportunities arriving while paused are rejected
// with a failed result and are not queued.
func (c *Coordinator) Pause() {
	c.paused.Store(true)
	c.logger.Warn("execution paused")
}

// Resume lifts a pause.
func (c *Coordinator) Resume() {
	c.paused.Store(false)
	c.logger.Info("execution resumed")
}

// Paused reports the pause flag.
func (c *Coordinator) Paused() bool {
	return c.paused.Load()
}

// Execute runs the full pipeline for one opportunity. It must only be called
// with an opportunity that has already passed the risk gate. The returned
// result is produced regardless of outcome; Execute never panics or returns
// an error.
func (c *Coordinator) Execute(ctx context.Context, opp domain.ArbOpportunity) domain.ExecutionResult {
	log := c.logger.With(
		slog.String("opp_id", opp.ID),
		slog.String("pair", opp.Pair()),
		slog.String("buy_venue", opp.BuyVenue),
		slog.String("sell_venue", opp.SellVenue),
	)

	now := c.clock.Now()
	c.attempts.cleanup(now)

	// One logical execution in flight per engine instance.
	if !c.inFlight.CompareAndSwap(false, true) {
		return c.rejected(opp, now, "execution already in flight", log)
	}
	defer c.inFlight.Store(false)

	// Pre-flight checks, all before any external call.
	if c.paused.Load() {
		return c.rejected(opp, now, "execution paused", log)
	}
	if c.attempts.seenBefore(opp.ID, now) {
		return c.rejected(opp, now, "duplicate opportunity", log)
	}
	if opp.Expired(now) {
		return c.rejected(opp, now, "opportunity expired", log)
	}

	if c.funds != nil {
		available, err := c.funds.AvailableFundsTicks(ctx)
		if err != nil {
			return c.failed(opp, now, 0, false, "funds check failed: "+err.Error(), log)
		}
		if available < opp.NotionalTicks() {
			return c.rejected(opp, now, "insufficient funds", log)
		}
	}

	if c.gas != nil && c.cfg.MaxGasPriceGwei > 0 {
		gasPrice, err := c.gas.GasPriceGwei(ctx)
		if err != nil {
			return c.failed(opp, now, 0, false, "gas price check failed: "+err.Error(), log)
		}
		if gasPrice > c.cfg.MaxGasPriceGwei {
			return c.rejected(opp, now, "gas price above ceiling", log)
		}
	}

	// Settlement. Single attempt: the opportunity is time-boxed and a retry
	// risks double execution.
	start := c.clock.Now()
	receipt, err := c.settlement.ExecuteArbitrage(ctx, opp.TokenA, opp.TokenB, opp.VolumeTicks, opp.BuyVenue, opp.SellVenue)
	elapsed := c.clock.Now().Sub(start)

	if err != nil {
		log.Error("settlement failed",
			slog.String("error", err.Error()),
			slog.Duration("duration", elapsed),
		)
		return c.failed(opp, start, elapsed, true, "settlement: "+err.Error(), log)
	}

	profit, perr := c.profits.ExtractRealizedProfit(opp, receipt)
	if perr != nil {
		log.Warn("realized profit extraction failed, reporting zero",
			slog.String("error", perr.Error()),
		)
		profit = 0
	}

	log.Info("settlement confirmed",
		slog.String("ref", receipt.Ref),
		slog.Float64("actual_profit", domain.Display(profit)),
		slog.Float64("cost_paid", domain.Display(receipt.CostPaidTicks)),
		slog.Duration("duration", elapsed),
	)

	return domain.ExecutionResult{
		OpportunityID:     opp.ID,
		Success:           true,
		Submitted:         true,
		SettlementRef:     receipt.Ref,
		ActualProfitTicks: profit,
		CostPaidTicks:     receipt.CostPaidTicks,
		Duration:          elapsed,
		ExecutedAt:        start,
	}
}

// rejected builds a failed result for a pre-flight rejection. These are
// normal control flow, logged at warn.
func (c *Coordinator) rejected(opp domain.ArbOpportunity, at time.Time, reason string, log *slog.Logger) domain.ExecutionResult {
	log.Warn("execution rejected", slog.String("reason", reason))
	return domain.ExecutionResult{
		OpportunityID: opp.ID,
		Success:       false,
		Error:         reason,
		ExecutedAt:    at,
	}
}

func (c *Coordinator) failed(opp domain.ArbOpportunity, at time.Time, elapsed time.Duration, submitted bool, reason string, log *slog.Logger) domain.ExecutionResult {
	return domain.ExecutionResult{
		OpportunityID: opp.ID,
		Success:       false,
		Submitted:     submitted,
		Duration:      elapsed,
		Error:         reason,
		ExecutedAt:    at,
	}
}
