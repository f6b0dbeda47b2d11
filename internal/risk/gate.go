// Package risk implements the multi-layer risk gate: cheap per-event
// pre-filtering, expensive pre-execution opportunity scoring, rolling trade
// metrics, and the cooldown / emergency-stop state machines.
//
// Risk outcomes are data. Neither entry point ever returns an error for an
// "unsafe" input; callers branch on RiskAssessment.Approved.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/colemarc/dexarbot/internal/domain"
)

// Approval ceilings. Events are cheap to drop, so they get the stricter cut.
const (
	eventApproveBelow = 0.7
	oppApproveBelow   = 0.6
)

// Config holds the risk gate thresholds, all monetary values in ticks.
type Config struct {
	// MaxSingleNotionalTicks caps one trade's buy-side notional.
	MaxSingleNotionalTicks int64
	// MaxTotalExposureTicks caps the summed in-flight notional.
	MaxTotalExposureTicks int64
	// MaxDrawdownTicks rejects new opportunities once exceeded.
	MaxDrawdownTicks int64
	// StopLossTicks triggers the emergency stop once the rolling drawdown
	// exceeds it.
	StopLossTicks int64

	MaxConsecutiveLosses int
	MaxErrorRate         float64
	CooldownPeriod       time.Duration

	// MaxEventVolumeTicks scores oversized events as risky.
	MaxEventVolumeTicks int64
	// KnownVenues whitelists event sources; events from elsewhere score up.
	KnownVenues []string

	// Advisory limits copied into every assessment.
	GasLimit             uint64
	SlippageToleranceBps float64
}

// Gate is the stateful risk scorer and circuit breaker. All state transitions
// happen under one mutex so the gate can be shared between the dispatch loop
// and the control loops.
type Gate struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	signals chan domain.RiskSignal

	mu          sync.Mutex
	trades      []domain.TradeResult
	dailyPnL    int64
	maxDrawdown int64
	consLosses  int
	errRate     float64
	exposure    int64
	day         time.Time

	cooldownEndsAt  time.Time
	emergencyActive bool
	emergencyReason string
	lastEmergencyAt time.Time

	// Edge-trigger latches: a breach signal fires once per excursion, not on
	// every trade while the condition holds.
	lossSignalled  bool
	errorSignalled bool

	knownVenues map[string]struct{}
}

// NewGate creates a Gate with clean metrics and no active breaches.
func NewGate(cfg Config, clock clockwork.Clock, logger *slog.Logger) *Gate {
	known := make(map[string]struct{}, len(cfg.KnownVenues))
	for _, v := range cfg.KnownVenues {
		known[v] = struct{}{}
	}
	return &Gate{
		cfg:         cfg,
		clock:       clock,
		logger:      logger.With(slog.String("component", "risk_gate")),
		signals:     make(chan domain.RiskSignal, 8),
		knownVenues: known,
		day:         clock.Now().Truncate(24 * time.Hour),
	}
}

// Signals returns the channel on which edge-triggered breach notifications
// are delivered.
func (g *Gate) Signals() <-chan domain.RiskSignal {
	return g.signals
}

// AssessEvent is the cheap pre-filter run on every market event.
func (g *Gate) AssessEvent(evt domain.MarketEvent) domain.RiskAssessment {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if g.emergencyActive {
		return g.rejected("emergency stop active", 1.0)
	}
	if now.Before(g.cooldownEndsAt) {
		return g.rejected("cooldown active", 0.8)
	}

	var score float64

	// Staleness.
	age := now.Sub(evt.Timestamp)
	switch {
	case age > 30*time.Second:
		score += 0.4
	case age > 10*time.Second:
		score += 0.2
	}

	// Kind. Derived events carry more model risk than direct quotes.
	switch evt.Kind {
	case domain.EventKindTrade:
		score += 0.05
	case domain.EventKindLiquidity:
		score += 0.1
	}

	// Venue.
	if _, ok := g.knownVenues[evt.Venue]; !ok && len(g.knownVenues) > 0 {
		score += 0.3
	}

	// Volume.
	if g.cfg.MaxEventVolumeTicks > 0 && evt.VolumeTicks > g.cfg.MaxEventVolumeTicks {
		score += 0.25
	}

	score = clampScore(score)
	return domain.RiskAssessment{
		Safe:                 true,
		Approved:             score < eventApproveBelow,
		Reason:               reasonFor(score < eventApproveBelow, "event risk score too high"),
		RiskScore:            score,
		MaxExposureTicks:     g.cfg.MaxTotalExposureTicks - g.exposure,
		GasLimit:             g.cfg.GasLimit,
		SlippageToleranceBps: g.cfg.SlippageToleranceBps,
	}
}

// AssessOpportunity runs the full pre-execution check sequence: position
// limits, drawdown, error rate, then the composite score.
func (g *Gate) AssessOpportunity(opp domain.ArbOpportunity) domain.RiskAssessment {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.emergencyActive {
		return g.rejected("emergency stop active", 1.0)
	}

	now := g.clock.Now()
	notional := opp.NotionalTicks()

	// 1. Position limits. Either cap failing rejects immediately.
	if g.cfg.MaxSingleNotionalTicks > 0 && notional > g.cfg.MaxSingleNotionalTicks {
		return g.rejected("single-trade position limit exceeded", 0.9)
	}
	if g.cfg.MaxTotalExposureTicks > 0 && g.exposure+notional > g.cfg.MaxTotalExposureTicks {
		return g.rejected("total exposure limit exceeded", 0.9)
	}

	// 2. Drawdown ceiling.
	if g.cfg.MaxDrawdownTicks > 0 && g.maxDrawdown > g.cfg.MaxDrawdownTicks {
		return g.rejected("drawdown ceiling exceeded", 0.85)
	}

	// 3. Error rate.
	if g.errRate > g.cfg.MaxErrorRate {
		return g.rejected("recent error rate too high", 0.8)
	}

	// 4. Composite score.
	var score float64

	if notional > 0 {
		margin := float64(opp.ExpectedProfitTicks) / float64(notional)
		// Margins this fat usually mean stale data, not free money.
		if margin > 0.10 {
			score += 0.3
		}
	}

	score += (1 - opp.Confidence) * 0.25

	if opp.ExpiresAt.Sub(now) < 5*time.Second {
		score += 0.15
	}

	if g.cfg.MaxSingleNotionalTicks > 0 {
		score += float64(notional) / float64(g.cfg.MaxSingleNotionalTicks) * 0.1
	}

	if opp.ExpectedProfitTicks > 0 {
		gasRatio := float64(opp.EstGasCostTicks) / float64(opp.ExpectedProfitTicks)
		if gasRatio > 0.5 {
			score += 0.2
		}
	}

	score += g.errRate * 0.2
	losses := g.consLosses
	if losses > 5 {
		losses = 5
	}
	score += float64(losses) * 0.04

	score = clampScore(score)
	return domain.RiskAssessment{
		Safe:                 true,
		Approved:             score < oppApproveBelow,
		Reason:               reasonFor(score < oppApproveBelow, "opportunity risk score too high"),
		RiskScore:            score,
		MaxExposureTicks:     g.cfg.MaxTotalExposureTicks - g.exposure,
		GasLimit:             g.cfg.GasLimit,
		SlippageToleranceBps: g.cfg.SlippageToleranceBps,
	}
}

// RecordTradeResult feeds an execution outcome into the rolling metrics and
// evaluates the breach rules.
func (g *Gate) RecordTradeResult(profitTicks int64, success bool, costTicks int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.maybeResetDaily(now)

	g.trades = appendTrade(g.trades, domain.TradeResult{
		ProfitTicks: profitTicks,
		Success:     success,
		CostTicks:   costTicks,
		RecordedAt:  now,
	})

	g.dailyPnL += profitTicks

	if success && profitTicks > 0 {
		g.consLosses = 0
		g.lossSignalled = false
	} else {
		g.consLosses++
	}

	g.errRate = errorRate(g.trades)
	if g.errRate <= g.cfg.MaxErrorRate {
		g.errorSignalled = false
	}

	// Drawdown is monotonic non-decreasing within the day.
	if dd := recentDrawdown(g.trades, g.day); dd > g.maxDrawdown {
		g.maxDrawdown = dd
	}

	// Breach rules.
	if g.cfg.MaxConsecutiveLosses > 0 && g.consLosses >= g.cfg.MaxConsecutiveLosses && !g.lossSignalled {
		g.lossSignalled = true
		g.startCooldownLocked(now)
		g.raise(domain.SignalThresholdExceeded, "consecutive loss limit reached", now)
	}
	if g.errRate > g.cfg.MaxErrorRate && !g.errorSignalled {
		g.errorSignalled = true
		g.startCooldownLocked(now)
		g.raise(domain.SignalThresholdExceeded, "error rate limit exceeded", now)
	}
	if g.cfg.StopLossTicks > 0 && g.maxDrawdown > g.cfg.StopLossTicks && !g.emergencyActive {
		g.triggerEmergencyLocked("stop-loss drawdown exceeded", now)
	}
}

// ReserveExposure adds a trade's notional to the tracked total while it is
// in flight.
func (g *Gate) ReserveExposure(notionalTicks int64) {
	g.mu.Lock()
	g.exposure += notionalTicks
	g.mu.Unlock()
}

// ReleaseExposure removes a completed trade's notional.
func (g *Gate) ReleaseExposure(notionalTicks int64) {
	g.mu.Lock()
	g.exposure -= notionalTicks
	if g.exposure < 0 {
		g.exposure = 0
	}
	g.mu.Unlock()
}

// StartCooldown opens the time-bounded suspension window. It auto-expires by
// time comparison; no timer is involved.
func (g *Gate) StartCooldown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.startCooldownLocked(g.clock.Now())
}

func (g *Gate) startCooldownLocked(now time.Time) {
	g.cooldownEndsAt = now.Add(g.cfg.CooldownPeriod)
	g.logger.Warn("cooldown started",
		slog.Time("ends_at", g.cooldownEndsAt),
	)
}

// InCooldown reports whether the cooldown window is currently open.
func (g *Gate) InCooldown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clock.Now().Before(g.cooldownEndsAt)
}

// CooldownEndsAt returns the current window end (zero when never started).
func (g *Gate) CooldownEndsAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cooldownEndsAt
}

// TriggerEmergencyStop activates the terminal stop. It never auto-clears.
func (g *Gate) TriggerEmergencyStop(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.emergencyActive {
		return
	}
	g.triggerEmergencyLocked(reason, g.clock.Now())
}

func (g *Gate) triggerEmergencyLocked(reason string, now time.Time) {
	g.emergencyActive = true
	g.emergencyReason = reason
	g.lastEmergencyAt = now
	g.logger.Error("emergency stop triggered", slog.String("reason", reason))
	g.raise(domain.SignalEmergencyStop, reason, now)
}

// ClearEmergencyStop is the manual-only exit from the emergency state.
func (g *Gate) ClearEmergencyStop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.emergencyActive {
		return
	}
	g.emergencyActive = false
	g.emergencyReason = ""
	g.logger.Warn("emergency stop cleared")
}

// EmergencyStopActive reports the terminal-stop flag.
func (g *Gate) EmergencyStopActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emergencyActive
}

// Metrics returns a snapshot of the rolling risk metrics.
func (g *Gate) Metrics() domain.RiskMetrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return domain.RiskMetrics{
		TotalExposureTicks: g.exposure,
		DailyPnLTicks:      g.dailyPnL,
		MaxDrawdownTicks:   g.maxDrawdown,
		ConsecutiveLosses:  g.consLosses,
		ErrorRate:          g.errRate,
		LastEmergencyStop:  g.lastEmergencyAt,
	}
}

// maybeResetDaily zeroes the daily aggregates when the calendar day rolls
// over. The trade log itself is kept; only derived daily values reset.
func (g *Gate) maybeResetDaily(now time.Time) {
	day := now.Truncate(24 * time.Hour)
	if day.Equal(g.day) {
		return
	}
	g.day = day
	g.dailyPnL = 0
	g.maxDrawdown = 0
	g.logger.Info("daily risk metrics reset")
}

// raise delivers a breach signal without ever blocking the caller.
func (g *Gate) raise(kind domain.RiskSignalKind, reason string, now time.Time) {
	sig := domain.RiskSignal{Kind: kind, Reason: reason, RaisedAt: now}
	select {
	case g.signals <- sig:
	default:
		g.logger.Warn("risk signal dropped, channel full",
			slog.String("kind", string(kind)),
			slog.String("reason", reason),
		)
	}
}

func (g *Gate) rejected(reason string, score float64) domain.RiskAssessment {
	return domain.RiskAssessment{
		Safe:      false,
		Approved:  false,
		Reason:    reason,
		RiskScore: clampScore(score),
		GasLimit:  g.cfg.GasLimit,
	}
}

func reasonFor(approved bool, rejection string) string {
	if approved {
		return ""
	}
	return rejection
}
