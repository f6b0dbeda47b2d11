// Package orchestrator owns the engine's run loop: it merges venue feed
// events into a single dispatch goroutine, drives them through the risk gate,
// detector, and execution coordinator, and applies the routing policy for
// risk signals, feed failures, and health degradation.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/colemarc/dexarbot/internal/detector"
	"github.com/colemarc/dexarbot/internal/domain"
	"github.com/colemarc/dexarbot/internal/executor"
	"github.com/colemarc/dexarbot/internal/feed"
	"github.com/colemarc/dexarbot/internal/risk"
)

// Notifier pushes operator-facing messages. Implementations must not block
// the caller for long; delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, event, message string)
}

// Config tunes the run loop.
type Config struct {
	// Mode is "trade" or "monitor". Monitor mode detects and records
	// opportunities but never executes.
	Mode string
	// ResumeAfter is how long execution stays paused after a
	// threshold-exceeded signal.
	ResumeAfter time.Duration
	// HealthInterval is the health monitor cadence.
	HealthInterval time.Duration
	// HealthTimeout bounds a single recovery attempt.
	HealthTimeout time.Duration
	// MetricsInterval is the metrics-snapshot cadence.
	MetricsInterval time.Duration
}

// Orchestrator wires the engine together. Storage, cache, bus, and notifier
// collaborators are optional; a nil collaborator disables that concern.
type Orchestrator struct {
	cfg      Config
	feeds    []feed.Feed
	det      *detector.Detector
	gate     *risk.Gate
	exec     *executor.Coordinator
	opps     domain.OpportunityStore
	execs    domain.ExecutionStore
	prices   domain.PriceCache
	bus      domain.SignalBus
	notifier Notifier
	clock    clockwork.Clock
	logger   *slog.Logger

	running   atomic.Bool
	startedAt time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds an Orchestrator. feeds, det, gate, exec, and clock are required.
func New(
	cfg Config,
	feeds []feed.Feed,
	det *detector.Detector,
	gate *risk.Gate,
	exec *executor.Coordinator,
	opps domain.OpportunityStore,
	execs domain.ExecutionStore,
	prices domain.PriceCache,
	bus domain.SignalBus,
	notifier Notifier,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 10 * time.Second
	}
	return &Orchestrator{
		cfg:      cfg,
		feeds:    feeds,
		det:      det,
		gate:     gate,
		exec:     exec,
		opps:     opps,
		execs:    execs,
		prices:   prices,
		bus:      bus,
		notifier: notifier,
		clock:    clock,
		logger:   logger.With(slog.String("component", "orchestrator")),
	}
}

// Run starts the feeds and blocks until the context is cancelled, Stop is
// called, or an unrecoverable internal error occurs.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	defer cancel()

	o.startedAt = o.clock.Now()
	o.running.Store(true)
	defer o.running.Store(false)

	o.logger.Info("engine starting",
		slog.String("mode", o.cfg.Mode),
		slog.Int("feeds", len(o.feeds)),
	)
	for _, f := range o.feeds {
		if err := f.Start(ctx); err != nil {
			return fmt.Errorf("orchestrator: start feed %s: %w", f.Venue(), err)
		}
	}
	o.publishLifecycle(ctx, "started", "")

	events := make(chan domain.MarketEvent, 256)
	fatals := make(chan error, len(o.feeds))

	g, ctx := errgroup.WithContext(ctx)

	// One forwarder per feed funnels into the single dispatch channel.
	for _, f := range o.feeds {
		f := f
		g.Go(func() error {
			o.forwardFeed(ctx, f, events, fatals)
			return nil
		})
	}

	g.Go(func() error {
		o.eventLoop(ctx, events)
		return nil
	})
	g.Go(func() error {
		o.riskSignalLoop(ctx)
		return nil
	})
	g.Go(func() error {
		err := o.fatalLoop(ctx, fatals)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return err
	})
	if o.cfg.HealthInterval > 0 {
		g.Go(func() error {
			o.healthLoop(ctx)
			return nil
		})
	}
	if o.cfg.MetricsInterval > 0 && o.bus != nil {
		g.Go(func() error {
			o.metricsLoop(ctx)
			return nil
		})
	}
	if o.bus != nil {
		g.Go(func() error {
			o.commandLoop(ctx)
			return nil
		})
	}

	err := g.Wait()
	for _, f := range o.feeds {
		f.Stop()
	}
	o.publishLifecycle(context.WithoutCancel(ctx), "stopped", "")
	if err != nil {
		o.logger.Error("engine stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("engine stopped cleanly")
	return nil
}

// Stop terminates Run. Safe to call from any goroutine.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Pause suspends execution without stopping ingestion. Used by the start/stop
// command surface; emergency handling goes through the risk gate instead.
func (o *Orchestrator) Pause() {
	o.exec.Pause()
}

// Resume re-enables execution unless an emergency stop is latched.
func (o *Orchestrator) Resume() error {
	if o.gate.EmergencyStopActive() {
		return fmt.Errorf("orchestrator: emergency stop active: %w", domain.ErrExecutionPaused)
	}
	o.exec.Resume()
	return nil
}

// Status summarizes the engine for the get-status command.
func (o *Orchestrator) Status() domain.EngineStatus {
	feeds := make(map[string]string, len(o.feeds))
	for _, f := range o.feeds {
		feeds[f.Venue()] = f.State().String()
	}
	metrics := o.gate.Metrics()

	var uptime int64
	if o.running.Load() {
		uptime = int64(o.clock.Now().Sub(o.startedAt).Seconds())
	}
	return domain.EngineStatus{
		Running:       o.running.Load(),
		Paused:        o.exec.Paused(),
		EmergencyStop: o.gate.EmergencyStopActive(),
		UptimeSeconds: uptime,
		Feeds:         feeds,
		Metrics:       metrics,
		DailyPnL:      domain.Display(metrics.DailyPnLTicks),
		ErrorRate:     metrics.ErrorRate,
	}
}

// forwardFeed copies one feed's events and fatal notification into the
// shared dispatch channels.
func (o *Orchestrator) forwardFeed(ctx context.Context, f feed.Feed, events chan<- domain.MarketEvent, fatals chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-f.Events():
			select {
			case events <- evt:
			case <-ctx.Done():
				return
			}
		case err := <-f.Fatal():
			select {
			case fatals <- err:
			case <-ctx.Done():
				return
			}
		}
	}
}

// eventLoop is the single dispatch goroutine. All detector and gate state is
// touched only from here.
func (o *Orchestrator) eventLoop(ctx context.Context, events <-chan domain.MarketEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			o.handleEvent(ctx, evt)
		}
	}
}

// notify forwards an operator alert when a notifier is configured.
func (o *Orchestrator) notify(ctx context.Context, event, message string) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(ctx, event, message)
}

// mirrorQuote copies the event's price into the external quote cache. The
// mirror is best effort; a cache outage must never stall detection.
func (o *Orchestrator) mirrorQuote(ctx context.Context, evt domain.MarketEvent) {
	if o.prices == nil || !evt.HasPrice() {
		return
	}
	if err := o.prices.SetQuote(ctx, evt.Venue, evt.Pair(), evt.PriceTicks, evt.Timestamp); err != nil {
		o.logger.Debug("quote mirror failed",
			slog.String("venue", evt.Venue),
			slog.String("pair", evt.Pair()),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, evt domain.MarketEvent) {
	o.publishMarketEvent(ctx, evt)
	o.mirrorQuote(ctx, evt)

	assess := o.gate.AssessEvent(evt)
	if !assess.Approved {
		o.logger.Debug("event rejected by risk gate",
			slog.String("venue", evt.Venue),
			slog.String("reason", assess.Reason),
			slog.Float64("score", assess.RiskScore),
		)
		return
	}

	for _, opp := range o.det.OnEvent(evt) {
		o.handleOpportunity(ctx, opp)
	}
}

func (o *Orchestrator) handleOpportunity(ctx context.Context, opp domain.ArbOpportunity) {
	log := o.logger.With(
		slog.String("opportunity_id", opp.ID),
		slog.String("pair", opp.Pair()),
		slog.String("buy_venue", opp.BuyVenue),
		slog.String("sell_venue", opp.SellVenue),
	)
	log.Info("opportunity detected",
		slog.Float64("spread_pct", opp.SpreadPct()),
		slog.Float64("confidence", opp.Confidence),
		slog.Float64("expected_profit", domain.Display(opp.ExpectedProfitTicks)),
	)

	if o.opps != nil {
		if err := o.opps.Insert(ctx, opp); err != nil {
			log.Warn("opportunity persist failed", slog.String("error", err.Error()))
		}
	}
	o.publishOpportunity(ctx, opp)

	assess := o.gate.AssessOpportunity(opp)
	if !assess.Approved {
		log.Info("opportunity rejected by risk gate",
			slog.String("reason", assess.Reason),
			slog.Float64("score", assess.RiskScore),
		)
		return
	}
	if o.cfg.Mode != "trade" {
		log.Info("monitor mode, skipping execution")
		return
	}

	notional := opp.NotionalTicks()
	o.gate.ReserveExposure(notional)
	res := o.exec.Execute(ctx, opp)
	o.gate.ReleaseExposure(notional)

	o.recordResult(ctx, opp, res, log)
}

func (o *Orchestrator) recordResult(ctx context.Context, opp domain.ArbOpportunity, res domain.ExecutionResult, log *slog.Logger) {
	if o.execs != nil {
		if err := o.execs.Insert(ctx, res); err != nil {
			log.Warn("execution persist failed", slog.String("error", err.Error()))
		}
	}
	o.publishTrade(ctx, res)

	if res.Success {
		log.Info("trade succeeded",
			slog.String("ref", res.SettlementRef),
			slog.Float64("profit", domain.Display(res.ActualProfitTicks)),
			slog.Duration("duration", res.Duration),
		)
		if o.opps != nil {
			if err := o.opps.MarkExecuted(ctx, opp.ID); err != nil {
				log.Warn("mark executed failed", slog.String("error", err.Error()))
			}
		}
		o.notify(ctx, "trade_succeeded", fmt.Sprintf(
			"Trade %s %s: profit %.4f (ref %s)",
			opp.Pair(), opp.BuyVenue+"→"+opp.SellVenue,
			domain.Display(res.ActualProfitTicks), res.SettlementRef,
		))
	} else if res.Submitted {
		log.Warn("trade failed",
			slog.String("error", res.Error),
			slog.Float64("cost", domain.Display(res.CostPaidTicks)),
		)
		o.notify(ctx, "trade_failed", fmt.Sprintf(
			"Trade %s failed: %s", opp.Pair(), res.Error,
		))
	}

	// Pre-flight rejections never reach the rolling risk metrics.
	if res.Submitted {
		o.gate.RecordTradeResult(res.ActualProfitTicks, res.Success, res.CostPaidTicks)
	}
}

// riskSignalLoop applies the routing policy for gate signals: a threshold
// breach pauses execution with a timed resume; an emergency stop pauses
// execution and stops ingestion until an operator intervenes.
func (o *Orchestrator) riskSignalLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-o.gate.Signals():
			switch sig.Kind {
			case domain.SignalThresholdExceeded:
				o.logger.Warn("risk threshold exceeded, pausing execution",
					slog.String("reason", sig.Reason),
					slog.Duration("resume_after", o.cfg.ResumeAfter),
				)
				o.exec.Pause()
				o.notify(ctx, "risk_threshold", "Execution paused: "+sig.Reason)
				o.publishLifecycle(ctx, "paused", sig.Reason)
				go o.timedResume(ctx)

			case domain.SignalEmergencyStop:
				o.logger.Error("emergency stop, halting engine",
					slog.String("reason", sig.Reason),
				)
				o.exec.Pause()
				for _, f := range o.feeds {
					f.Stop()
				}
				o.notify(ctx, "emergency_stop", "EMERGENCY STOP: "+sig.Reason)
				o.publishLifecycle(ctx, "emergency_stop", sig.Reason)
			}
		}
	}
}

// timedResume re-enables execution after the pause window unless an
// emergency stop latched in the meantime.
func (o *Orchestrator) timedResume(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-o.clock.After(o.cfg.ResumeAfter):
	}
	if o.gate.EmergencyStopActive() {
		return
	}
	o.exec.Resume()
	o.logger.Info("execution resumed after cooldown")
	o.publishLifecycle(ctx, "resumed", "")
}

// fatalLoop reacts to feed retry-budget exhaustion: one reconnect-all sweep,
// and a returned error (stopping the engine) if any feed stays down.
func (o *Orchestrator) fatalLoop(ctx context.Context, fatals <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-fatals:
			o.logger.Error("feed failed, attempting reconnect-all",
				slog.String("error", err.Error()),
			)
			if rerr := o.reconnectAll(ctx); rerr != nil {
				o.notify(ctx, "engine_stopped", "Engine stopping: "+rerr.Error())
				return fmt.Errorf("orchestrator: %w", rerr)
			}
		}
	}
}

// reconnectAll gives every failed feed one fresh cycle.
func (o *Orchestrator) reconnectAll(ctx context.Context) error {
	for _, f := range o.feeds {
		if f.State() != domain.ConnFailed {
			continue
		}
		if err := f.Reconnect(ctx); err != nil {
			return fmt.Errorf("reconnect %s: %w", f.Venue(), err)
		}
		o.logger.Info("feed recovered", slog.String("venue", f.Venue()))
	}
	return nil
}
