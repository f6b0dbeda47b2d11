package orchestrator

import (
	"context"
	"log/slog"

	"github.com/colemarc/dexarbot/internal/domain"
)

// healthLoop periodically inspects every feed. A failed feed gets exactly one
// targeted recovery per sweep, bounded by the health timeout; a recovery that
// fails escalates to an emergency stop.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	ticker := o.clock.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			o.checkHealth(ctx)
		}
	}
}

func (o *Orchestrator) checkHealth(ctx context.Context) {
	snapshot := make(map[string]string, len(o.feeds))
	for _, f := range o.feeds {
		state := f.State()
		snapshot[f.Venue()] = state.String()
		if state != domain.ConnFailed {
			continue
		}

		o.logger.Warn("health check found failed feed, attempting recovery",
			slog.String("venue", f.Venue()),
		)
		recoverCtx, cancel := context.WithTimeout(ctx, o.cfg.HealthTimeout)
		err := f.Reconnect(recoverCtx)
		cancel()
		if err != nil {
			o.logger.Error("feed recovery failed, escalating",
				slog.String("venue", f.Venue()),
				slog.String("error", err.Error()),
			)
			o.gate.TriggerEmergencyStop("unrecoverable feed " + f.Venue())
			snapshot[f.Venue()] = f.State().String()
			break
		}
		snapshot[f.Venue()] = f.State().String()
		o.logger.Info("feed recovered by health check", slog.String("venue", f.Venue()))
	}
	o.publishHealth(ctx, snapshot)
}
