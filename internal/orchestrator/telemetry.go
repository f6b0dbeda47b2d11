package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/colemarc/dexarbot/internal/domain"
)

// Telemetry channels on the signal bus. Trade results additionally land on
// the durable execution stream for replay.
const (
	chanMarketEvents  = "arbot.market_events"
	chanOpportunities = "arbot.opportunities"
	chanTrades        = "arbot.trades"
	chanMetrics       = "arbot.metrics"
	chanHealth        = "arbot.health"
	chanLifecycle     = "arbot.lifecycle"
	chanCommands      = "arbot.commands"
	chanStatus        = "arbot.status"

	streamExecutions = "arbot.executions"
)

func (o *Orchestrator) publish(ctx context.Context, channel string, v any) {
	if o.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		o.logger.Warn("telemetry marshal failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := o.bus.Publish(ctx, channel, payload); err != nil {
		o.logger.Debug("telemetry publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) publishMarketEvent(ctx context.Context, evt domain.MarketEvent) {
	o.publish(ctx, chanMarketEvents, map[string]any{
		"id":    evt.ID,
		"kind":  evt.Kind,
		"venue": evt.Venue,
		"pair":  evt.Pair(),
		"price": domain.Display(evt.PriceTicks),
		"ts":    evt.Timestamp,
	})
}

func (o *Orchestrator) publishOpportunity(ctx context.Context, opp domain.ArbOpportunity) {
	o.publish(ctx, chanOpportunities, map[string]any{
		"id":              opp.ID,
		"pair":            opp.Pair(),
		"buy_venue":       opp.BuyVenue,
		"sell_venue":      opp.SellVenue,
		"spread_pct":      opp.SpreadPct(),
		"volume":          domain.Display(opp.VolumeTicks),
		"expected_profit": domain.Display(opp.ExpectedProfitTicks),
		"confidence":      opp.Confidence,
		"expires_at":      opp.ExpiresAt,
	})
}

func (o *Orchestrator) publishTrade(ctx context.Context, res domain.ExecutionResult) {
	payload := map[string]any{
		"opportunity_id": res.OpportunityID,
		"success":        res.Success,
		"submitted":      res.Submitted,
		"ref":            res.SettlementRef,
		"profit":         domain.Display(res.ActualProfitTicks),
		"cost":           domain.Display(res.CostPaidTicks),
		"duration_ms":    res.Duration.Milliseconds(),
		"error":          res.Error,
		"executed_at":    res.ExecutedAt,
	}
	o.publish(ctx, chanTrades, payload)

	if o.bus != nil && res.Submitted {
		raw, err := json.Marshal(payload)
		if err == nil {
			if err := o.bus.StreamAppend(ctx, streamExecutions, raw); err != nil {
				o.logger.Debug("execution stream append failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (o *Orchestrator) publishHealth(ctx context.Context, feeds map[string]string) {
	o.publish(ctx, chanHealth, map[string]any{
		"feeds":          feeds,
		"paused":         o.exec.Paused(),
		"emergency_stop": o.gate.EmergencyStopActive(),
	})
}

func (o *Orchestrator) publishLifecycle(ctx context.Context, phase, reason string) {
	o.publish(ctx, chanLifecycle, map[string]any{
		"phase":  phase,
		"reason": reason,
		"at":     o.clock.Now(),
	})
}

// metricsLoop publishes periodic risk-metric snapshots.
func (o *Orchestrator) metricsLoop(ctx context.Context) {
	ticker := o.clock.NewTicker(o.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m := o.gate.Metrics()
			o.publish(ctx, chanMetrics, map[string]any{
				"total_exposure":     domain.Display(m.TotalExposureTicks),
				"daily_pnl":          domain.Display(m.DailyPnLTicks),
				"max_drawdown":       domain.Display(m.MaxDrawdownTicks),
				"consecutive_losses": m.ConsecutiveLosses,
				"error_rate":         m.ErrorRate,
			})
		}
	}
}

// busCommand is the inbound command envelope on the commands channel.
type busCommand struct {
	Command string `json:"command"`
}

// commandLoop serves start/stop/get-status commands arriving on the bus.
// The same commands are also exposed over HTTP.
func (o *Orchestrator) commandLoop(ctx context.Context) {
	msgs, err := o.bus.Subscribe(ctx, chanCommands)
	if err != nil {
		o.logger.Warn("command subscription unavailable", slog.String("error", err.Error()))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			var cmd busCommand
			if err := json.Unmarshal(raw, &cmd); err != nil {
				o.logger.Debug("malformed command dropped", slog.String("error", err.Error()))
				continue
			}
			switch cmd.Command {
			case "start":
				if err := o.Resume(); err != nil {
					o.logger.Warn("start command refused", slog.String("error", err.Error()))
				}
			case "stop":
				o.logger.Info("stop command received")
				o.Stop()
			case "get-status":
				o.publish(ctx, chanStatus, o.Status())
			default:
				o.logger.Debug("unknown command dropped", slog.String("command", cmd.Command))
			}
		}
	}
}
