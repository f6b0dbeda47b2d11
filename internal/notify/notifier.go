// Package notify pushes operator alerts to Telegram and Discord. Delivery is
// asynchronous and filtered by event type, so the trading loop never waits on
// a chat API and operators see only the alerts they asked for.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// sendTimeout bounds a single delivery attempt across all senders.
const sendTimeout = 15 * time.Second

// titles maps engine event types to the alert headline shown to operators.
// Unknown events fall back to the raw event name.
var titles = map[string]string{
	"trade_succeeded": "Trade executed",
	"trade_failed":    "Trade failed",
	"risk_threshold":  "Risk threshold breached",
	"emergency_stop":  "EMERGENCY STOP",
	"feed_failed":     "Feed failed",
	"engine_stopped":  "Engine stopped",
}

// Sender is one delivery channel.
type Sender interface {
	// Send delivers an alert with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name identifies the sender in logs (e.g. "telegram").
	Name() string
}

// Notifier fans alerts out to all configured senders. It filters by event
// type when an allow-list is configured; an empty list allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// New creates a Notifier delivering to the given senders. Only events whose
// type appears in events pass the filter; an empty slice allows all.
func New(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify dispatches an alert without blocking the caller. Delivery runs on
// its own goroutine with a detached context so an in-flight alert survives
// engine shutdown; failures are logged, never surfaced.
func (n *Notifier) Notify(ctx context.Context, event, message string) {
	if len(n.senders) == 0 {
		return
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.Debug("event filtered out", slog.String("event", event))
		return
	}

	title, ok := titles[event]
	if !ok {
		title = event
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	go func() {
		defer cancel()
		n.dispatch(sendCtx, title, message)
	}()
}

// dispatch delivers to every sender; one sender failing never blocks the
// rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) {
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.Error("sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		n.logger.Debug("notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
}
