package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/colemarc/dexarbot/internal/config"
	"github.com/colemarc/dexarbot/internal/domain"
)

// pollTimeout bounds a single oracle request.
const pollTimeout = 10 * time.Second

// HTTPDoer is the subset of *http.Client the poller uses.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// oracleResponse is the oracle's reply: one entry per requested pair.
type oracleResponse struct {
	Prices []struct {
		Pair     string `json:"pair"`
		Price    string `json:"price"`
		TsMillis int64  `json:"ts"`
	} `json:"prices"`
}

// PollFeed is the pull-based price oracle. It shares the push feeds' failure
// semantics: consecutive failed polls count against the same bounded budget,
// and exhausting it goes Failed with a single fatal notification. A single
// successful poll resets the budget.
type PollFeed struct {
	cfg    config.OracleConfig
	client HTTPDoer
	clock  clockwork.Clock
	logger *slog.Logger

	events chan domain.MarketEvent
	fatal  chan error

	mu        sync.Mutex
	state     domain.ConnectionState
	failures  int
	fatalSent bool
	stopped   bool
	done      chan struct{}
	stopOnce  sync.Once
}

var _ Feed = (*PollFeed)(nil)

// NewPoller builds the oracle polling feed. A nil client uses a default
// http.Client with the poll timeout.
func NewPoller(cfg config.OracleConfig, client HTTPDoer, clock clockwork.Clock, logger *slog.Logger) *PollFeed {
	if client == nil {
		client = &http.Client{Timeout: pollTimeout}
	}
	return &PollFeed{
		cfg:    cfg,
		client: client,
		clock:  clock,
		logger: logger.With(slog.String("component", "feed"), slog.String("venue", cfg.Name)),
		events: make(chan domain.MarketEvent, 64),
		fatal:  make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (f *PollFeed) Venue() string                     { return f.cfg.Name }
func (f *PollFeed) Events() <-chan domain.MarketEvent { return f.events }
func (f *PollFeed) Fatal() <-chan error               { return f.fatal }

func (f *PollFeed) State() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Start begins the poll loop. Unlike the push feeds there is no handshake:
// the first poll decides whether the source is reachable.
func (f *PollFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return fmt.Errorf("feed %s: %w", f.cfg.Name, domain.ErrNotConnected)
	}
	if f.state != domain.ConnDisconnected && f.state != domain.ConnFailed {
		f.mu.Unlock()
		return nil
	}
	f.state = domain.ConnConnecting
	f.mu.Unlock()

	go f.run(ctx)
	return nil
}

// Reconnect resets the failure budget and resumes polling if the feed had
// gone Failed. A no-op while healthy.
func (f *PollFeed) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return fmt.Errorf("feed %s: %w", f.cfg.Name, domain.ErrNotConnected)
	}
	failed := f.state == domain.ConnFailed
	f.failures = 0
	f.fatalSent = false
	if failed {
		f.state = domain.ConnConnecting
	}
	f.mu.Unlock()

	if failed {
		go f.run(ctx)
	}
	return nil
}

// Stop terminates the poll loop. The feed cannot be restarted afterwards.
func (f *PollFeed) Stop() {
	f.stopOnce.Do(func() {
		f.mu.Lock()
		f.stopped = true
		f.state = domain.ConnDisconnected
		f.mu.Unlock()
		close(f.done)
		f.logger.Info("feed stopped")
	})
}

func (f *PollFeed) run(ctx context.Context) {
	ticker := f.clock.NewTicker(f.cfg.PollInterval.Duration)
	defer ticker.Stop()

	// Poll immediately so startup does not wait a full interval.
	if exhausted := f.pollOnce(ctx); exhausted {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case <-ticker.Chan():
			if exhausted := f.pollOnce(ctx); exhausted {
				return
			}
		}
	}
}

// pollOnce performs one request cycle and returns true once the failure
// budget is exhausted and the loop must stop.
func (f *PollFeed) pollOnce(ctx context.Context) (exhausted bool) {
	evts, err := f.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		return f.recordFailure(err)
	}

	f.mu.Lock()
	f.state = domain.ConnConnected
	f.failures = 0
	f.fatalSent = false
	f.mu.Unlock()

	for _, evt := range evts {
		select {
		case f.events <- evt:
		case <-ctx.Done():
			return true
		case <-f.done:
			return true
		}
	}
	return false
}

func (f *PollFeed) fetch(ctx context.Context) ([]domain.MarketEvent, error) {
	reqCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("oracle: read body: %w", err)
	}

	var payload oracleResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("oracle: decode: %w", err)
	}

	evts := make([]domain.MarketEvent, 0, len(payload.Prices))
	for _, p := range payload.Prices {
		tokenA, tokenB, err := splitPair(p.Pair)
		if err != nil {
			f.logger.Debug("malformed oracle pair dropped", slog.String("pair", p.Pair))
			continue
		}
		price, err := parseTicks(p.Price)
		if err != nil || price <= 0 {
			f.logger.Debug("malformed oracle price dropped", slog.String("pair", p.Pair))
			continue
		}
		ts := f.clock.Now()
		if p.TsMillis > 0 {
			ts = time.UnixMilli(p.TsMillis)
		}
		evts = append(evts, domain.MarketEvent{
			ID:         uuid.NewString(),
			Kind:       domain.EventKindPrice,
			Venue:      f.cfg.Name,
			TokenA:     tokenA,
			TokenB:     tokenB,
			PriceTicks: price,
			Timestamp:  ts,
		})
	}
	return evts, nil
}

// recordFailure counts one failed poll against the budget and reports
// whether the loop must stop.
func (f *PollFeed) recordFailure(err error) (exhausted bool) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return true
	}
	f.failures++
	if f.failures >= f.cfg.MaxReconnects {
		f.state = domain.ConnFailed
		sendFatal := !f.fatalSent
		f.fatalSent = true
		failures := f.failures
		f.mu.Unlock()
		f.logger.Error("poll failure budget exhausted",
			slog.Int("failures", failures),
			slog.String("error", err.Error()),
		)
		if sendFatal {
			select {
			case f.fatal <- fmt.Errorf("feed %s: %w after %d failed polls", f.cfg.Name, domain.ErrFeedFailed, failures):
			default:
			}
		}
		return true
	}
	f.state = domain.ConnReconnecting
	failures := f.failures
	f.mu.Unlock()
	f.logger.Warn("poll failed",
		slog.Int("consecutive_failures", failures),
		slog.String("error", err.Error()),
	)
	return false
}
