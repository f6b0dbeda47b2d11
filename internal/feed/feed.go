// Package feed implements resilient venue ingestion: one instance per
// upstream source, each normalizing raw messages into domain.MarketEvent and
// reconnecting with a bounded retry budget. Recoverable connection errors are
// handled entirely inside the feed; only retry-budget exhaustion surfaces to
// the orchestrator, exactly once, on the Fatal channel.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/colemarc/dexarbot/internal/domain"
)

// connectTimeout bounds a single connection attempt.
const connectTimeout = 10 * time.Second

// Feed is one upstream market-data source.
type Feed interface {
	// Start establishes the upstream connection (push) or begins polling
	// (pull) and begins emitting events. Connection failures enter the
	// bounded reconnect cycle rather than being returned.
	Start(ctx context.Context) error
	// Stop releases the connection/timer. Safe to call repeatedly.
	Stop()
	// Reconnect restarts the cycle from Disconnected with a fresh retry
	// budget. It is idempotent: a no-op while already connected.
	Reconnect(ctx context.Context) error

	Events() <-chan domain.MarketEvent
	// Fatal delivers the single retry-exhaustion error for a cycle.
	Fatal() <-chan error
	State() domain.ConnectionState
	Venue() string
}

// Conn is the subset of *websocket.Conn the feeds use, extracted so tests
// can run the reconnect state machine without a network.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a Conn to the given URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer is the production Dialer backed by gorilla/websocket.
type WSDialer struct{}

func (WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// subscribeCmd is the venue subscription contract: sent once per channel
// after connect.
type subscribeCmd struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel"`
	Pairs   []string `json:"pairs"`
}

// decodeFunc normalizes one raw upstream payload into zero or more events.
// A nil slice with nil error means "recognized but not interesting"; an
// error means the payload was malformed and is dropped.
type decodeFunc func(raw []byte) ([]domain.MarketEvent, error)

// wsConfig configures the shared websocket runner.
type wsConfig struct {
	Venue          string
	URL            string
	Pairs          []string
	Channels       []string
	ReconnectDelay time.Duration
	MaxReconnects  int
}

// wsFeed is the reconnect state machine shared by both push venues:
//
//	Disconnected → Connecting → Connected ⇄ Reconnecting → {Connected | Failed}
//
// Failed is terminal for the cycle until Reconnect restarts it.
type wsFeed struct {
	cfg    wsConfig
	dial   Dialer
	decode decodeFunc
	clock  clockwork.Clock
	logger *slog.Logger

	events chan domain.MarketEvent
	fatal  chan error

	mu        sync.Mutex
	conn      Conn
	state     domain.ConnectionState
	attempts  int
	fatalSent bool
	stopped   bool
	done      chan struct{}
	stopOnce  sync.Once
}

func newWSFeed(cfg wsConfig, dial Dialer, decode decodeFunc, clock clockwork.Clock, logger *slog.Logger) *wsFeed {
	return &wsFeed{
		cfg:    cfg,
		dial:   dial,
		decode: decode,
		clock:  clock,
		logger: logger.With(slog.String("component", "feed"), slog.String("venue", cfg.Venue)),
		events: make(chan domain.MarketEvent, 64),
		fatal:  make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (f *wsFeed) Venue() string                    { return f.cfg.Venue }
func (f *wsFeed) Events() <-chan domain.MarketEvent { return f.events }
func (f *wsFeed) Fatal() <-chan error              { return f.fatal }

func (f *wsFeed) State() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Start begins the connect cycle. The first failed dial enters the bounded
// retry loop instead of returning an error.
func (f *wsFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return fmt.Errorf("feed %s: %w", f.cfg.Venue, domain.ErrNotConnected)
	}
	if f.state == domain.ConnConnected || f.state == domain.ConnConnecting {
		f.mu.Unlock()
		return nil
	}
	f.state = domain.ConnConnecting
	f.mu.Unlock()

	if err := f.connect(ctx); err != nil {
		f.logger.Warn("initial connect failed, entering retry",
			slog.String("error", err.Error()),
		)
		go f.runRetry(ctx)
	}
	return nil
}

// Reconnect restarts the cycle from Disconnected. A no-op while connected.
func (f *wsFeed) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return fmt.Errorf("feed %s: %w", f.cfg.Venue, domain.ErrNotConnected)
	}
	if f.state == domain.ConnConnected || f.state == domain.ConnReconnecting {
		// Healthy, or the retry loop is already working the problem.
		f.mu.Unlock()
		return nil
	}
	f.state = domain.ConnConnecting
	f.attempts = 0
	f.fatalSent = false
	f.mu.Unlock()

	if err := f.connect(ctx); err != nil {
		f.mu.Lock()
		f.state = domain.ConnFailed
		f.mu.Unlock()
		return fmt.Errorf("feed %s: reconnect: %w", f.cfg.Venue, err)
	}
	return nil
}

// Stop releases the connection. The feed cannot be restarted afterwards.
func (f *wsFeed) Stop() {
	f.stopOnce.Do(func() {
		f.mu.Lock()
		f.stopped = true
		f.state = domain.ConnDisconnected
		conn := f.conn
		f.conn = nil
		f.mu.Unlock()
		close(f.done)
		if conn != nil {
			_ = conn.Close()
		}
		f.logger.Info("feed stopped")
	})
}

// connect dials, subscribes, and spawns the read loop. On success the retry
// budget resets.
func (f *wsFeed) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	conn, err := f.dial.Dial(dialCtx, f.cfg.URL)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.cfg.URL, err)
	}

	for _, ch := range f.cfg.Channels {
		cmd := subscribeCmd{Type: "subscribe", Channel: ch, Pairs: f.cfg.Pairs}
		if err := conn.WriteJSON(cmd); err != nil {
			_ = conn.Close()
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}

	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("feed %s: %w", f.cfg.Venue, domain.ErrNotConnected)
	}
	f.conn = conn
	f.state = domain.ConnConnected
	f.attempts = 0
	f.fatalSent = false
	f.mu.Unlock()

	f.logger.Info("connected", slog.Int("channels", len(f.cfg.Channels)))
	go f.readLoop(ctx, conn)
	return nil
}

// readLoop publishes each normalized message exactly once. Malformed
// payloads are dropped and logged, never propagated as pipeline errors. An
// unexpected close hands control to the retry loop.
func (f *wsFeed) readLoop(ctx context.Context, conn Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if f.isStopped() || ctx.Err() != nil {
				return
			}
			f.logger.Warn("connection lost", slog.String("error", err.Error()))
			f.runRetry(ctx)
			return
		}

		evts, derr := f.decode(raw)
		if derr != nil {
			f.logger.Debug("malformed payload dropped",
				slog.String("error", derr.Error()),
				slog.Int("payload_len", len(raw)),
			)
			continue
		}
		for _, evt := range evts {
			select {
			case f.events <- evt:
			case <-ctx.Done():
				return
			case <-f.done:
				return
			}
		}
	}
}

// runRetry is the bounded reconnect loop: increment the attempt counter, go
// Failed once the budget is spent, otherwise wait the configured delay and
// dial again.
func (f *wsFeed) runRetry(ctx context.Context) {
	for {
		f.mu.Lock()
		if f.stopped {
			f.mu.Unlock()
			return
		}
		f.attempts++
		if f.attempts >= f.cfg.MaxReconnects {
			f.state = domain.ConnFailed
			sendFatal := !f.fatalSent
			f.fatalSent = true
			attempts := f.attempts
			f.mu.Unlock()
			f.logger.Error("reconnect budget exhausted",
				slog.Int("attempts", attempts),
			)
			if sendFatal {
				select {
				case f.fatal <- fmt.Errorf("feed %s: %w after %d attempts", f.cfg.Venue, domain.ErrFeedFailed, attempts):
				default:
				}
			}
			return
		}
		f.state = domain.ConnReconnecting
		attempt := f.attempts
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case <-f.clock.After(f.cfg.ReconnectDelay):
		}

		err := f.connect(ctx)
		if err == nil {
			return
		}
		f.logger.Warn("reconnect attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
}

func (f *wsFeed) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// splitPair canonicalizes "WETH/USDC" or "WETH-USDC" into its two tokens.
func splitPair(pair string) (string, string, error) {
	sep := "/"
	if !strings.Contains(pair, "/") {
		sep = "-"
	}
	parts := strings.SplitN(pair, sep, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed pair %q", pair)
	}
	return parts[0], parts[1], nil
}

// parseTicks parses a decimal string (venue wire format) into ticks.
func parseTicks(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return 0, fmt.Errorf("malformed number %q", s)
	}
	return domain.Ticks(f), nil
}
