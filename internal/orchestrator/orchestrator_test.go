package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colemarc/dexarbot/internal/detector"
	"github.com/colemarc/dexarbot/internal/domain"
	"github.com/colemarc/dexarbot/internal/executor"
	"github.com/colemarc/dexarbot/internal/feed"
	"github.com/colemarc/dexarbot/internal/risk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubFeed is a scriptable feed: tests push events and fatals directly.
type stubFeed struct {
	venue  string
	events chan domain.MarketEvent
	fatal  chan error

	mu           sync.Mutex
	state        domain.ConnectionState
	reconnectErr error
	reconnects   int
	stops        int
}

var _ feed.Feed = (*stubFeed)(nil)

func newStubFeed(venue string) *stubFeed {
	return &stubFeed{
		venue:  venue,
		events: make(chan domain.MarketEvent, 16),
		fatal:  make(chan error, 1),
	}
}

func (f *stubFeed) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = domain.ConnConnected
	return nil
}

func (f *stubFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = domain.ConnDisconnected
	f.stops++
}

func (f *stubFeed) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	if f.reconnectErr != nil {
		return f.reconnectErr
	}
	f.state = domain.ConnConnected
	return nil
}

func (f *stubFeed) Events() <-chan domain.MarketEvent { return f.events }
func (f *stubFeed) Fatal() <-chan error               { return f.fatal }
func (f *stubFeed) Venue() string                     { return f.venue }

func (f *stubFeed) State() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *stubFeed) setState(s domain.ConnectionState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *stubFeed) counts() (reconnects, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects, f.stops
}

// stubSettlement succeeds or fails every call.
type stubSettlement struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubSettlement) ExecuteArbitrage(context.Context, string, string, int64, string, string) (domain.SettlementReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return domain.SettlementReceipt{}, s.err
	}
	return domain.SettlementReceipt{Ref: "0xsettled", CostPaidTicks: domain.Ticks(0.01), GasUsed: 180_000}, nil
}

func (s *stubSettlement) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubGas struct{ gwei int64 }

func (s stubGas) GasPriceGwei(context.Context) (int64, error) { return s.gwei, nil }

type stubFunds struct{ ticks int64 }

func (s stubFunds) AvailableFundsTicks(context.Context) (int64, error) { return s.ticks, nil }

// memOppStore and memExecStore are in-memory stand-ins for the Postgres
// stores.
type memOppStore struct {
	mu       sync.Mutex
	inserted []domain.ArbOpportunity
	executed []string
}

func (s *memOppStore) Insert(_ context.Context, opp domain.ArbOpportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, opp)
	return nil
}

func (s *memOppStore) MarkExecuted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, id)
	return nil
}

func (s *memOppStore) ListBefore(context.Context, time.Time) ([]domain.ArbOpportunity, error) {
	return nil, nil
}

func (s *memOppStore) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type memExecStore struct {
	mu       sync.Mutex
	inserted []domain.ExecutionResult
}

func (s *memExecStore) Insert(_ context.Context, res domain.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, res)
	return nil
}

func (s *memExecStore) ListBefore(context.Context, time.Time) ([]domain.ExecutionResult, error) {
	return nil, nil
}

func (s *memExecStore) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (s *memExecStore) results() []domain.ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ExecutionResult, len(s.inserted))
	copy(out, s.inserted)
	return out
}

// memBus is an in-process SignalBus.
type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streams   map[string][][]byte
	commands  chan []byte
}

func newMemBus() *memBus {
	return &memBus{
		published: make(map[string][][]byte),
		streams:   make(map[string][][]byte),
		commands:  make(chan []byte, 8),
	}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.commands, nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *memBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

type harness struct {
	orch       *Orchestrator
	amm        *stubFeed
	clob       *stubFeed
	gate       *risk.Gate
	exec       *executor.Coordinator
	settlement *stubSettlement
	opps       *memOppStore
	execs      *memExecStore
	bus        *memBus
	clock      clockwork.FakeClock
	done       chan error
	finished   atomic.Bool
}

func newHarness(t *testing.T, mode string) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	logger := testLogger()

	amm := newStubFeed("quickswap")
	clob := newStubFeed("standardclob")

	det := detector.New(detector.Config{
		VenueA:             "quickswap",
		VenueB:             "standardclob",
		MinProfitThreshold: 0.005,
		MaxPositionTicks:   domain.Ticks(10),
	}, detector.DefaultCosts(domain.Ticks(1)), clock, logger)

	gate := risk.NewGate(risk.Config{
		MaxSingleNotionalTicks: domain.Ticks(100_000),
		MaxTotalExposureTicks:  domain.Ticks(1_000_000),
		MaxDrawdownTicks:       domain.Ticks(50_000),
		StopLossTicks:          domain.Ticks(80_000),
		MaxConsecutiveLosses:   5,
		MaxErrorRate:           0.5,
		CooldownPeriod:         5 * time.Minute,
		KnownVenues:            []string{"quickswap", "standardclob", "pricefeed"},
	}, clock, logger)

	settlement := &stubSettlement{}
	exec := executor.New(executor.Config{MaxGasPriceGwei: 100}, settlement,
		stubGas{gwei: 30}, stubFunds{ticks: domain.Ticks(1_000_000)}, nil, clock, logger)

	opps := &memOppStore{}
	execs := &memExecStore{}
	bus := newMemBus()

	orch := New(Config{
		Mode:        mode,
		ResumeAfter: 5 * time.Minute,
	}, []feed.Feed{amm, clob}, det, gate, exec, opps, execs, nil, bus, nil, clock, logger)

	return &harness{
		orch: orch, amm: amm, clob: clob, gate: gate, exec: exec,
		settlement: settlement, opps: opps, execs: execs, bus: bus,
		clock: clock, done: make(chan error, 1),
	}
}

func (h *harness) run(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- h.orch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if h.finished.Load() {
			return
		}
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("engine did not shut down")
		}
	})
	return cancel
}

// waitStopped blocks until Run returns and hands back its error.
func (h *harness) waitStopped(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		h.finished.Store(true)
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
		return nil
	}
}

func (h *harness) priceEvent(venue string, price float64) domain.MarketEvent {
	return domain.MarketEvent{
		ID:         uuid.NewString(),
		Kind:       domain.EventKindPrice,
		Venue:      venue,
		TokenA:     "WETH",
		TokenB:     "USDC",
		PriceTicks: domain.Ticks(price),
		Timestamp:  h.clock.Now(),
	}
}

func TestEngineExecutesDetectedSpread(t *testing.T) {
	h := newHarness(t, "trade")
	h.run(t)

	h.amm.events <- h.priceEvent("quickswap", 1000)
	h.clob.events <- h.priceEvent("standardclob", 1050)

	require.Eventually(t, func() bool { return h.settlement.callCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return len(h.execs.results()) == 1 },
		2*time.Second, 5*time.Millisecond)
	res := h.execs.results()[0]
	assert.True(t, res.Success)
	assert.True(t, res.Submitted)
	assert.Equal(t, "0xsettled", res.SettlementRef)

	// Persisted, marked executed, and fed back into the risk metrics.
	h.opps.mu.Lock()
	assert.Len(t, h.opps.inserted, 1)
	assert.Len(t, h.opps.executed, 1)
	h.opps.mu.Unlock()

	require.Eventually(t, func() bool {
		m := h.gate.Metrics()
		return m.DailyPnLTicks > 0 && m.ConsecutiveLosses == 0
	}, 2*time.Second, 5*time.Millisecond)

	// Exposure is released after the trade completes.
	assert.Equal(t, int64(0), h.gate.Metrics().TotalExposureTicks)
	assert.Positive(t, h.bus.count(chanOpportunities))
	assert.Positive(t, h.bus.count(chanTrades))
}

func TestEngineMonitorModeNeverExecutes(t *testing.T) {
	h := newHarness(t, "monitor")
	h.run(t)

	h.amm.events <- h.priceEvent("quickswap", 1000)
	h.clob.events <- h.priceEvent("standardclob", 1050)

	require.Eventually(t, func() bool {
		h.opps.mu.Lock()
		defer h.opps.mu.Unlock()
		return len(h.opps.inserted) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Detection and persistence happen; settlement never does.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.settlement.callCount())
	assert.Empty(t, h.execs.results())
}

func TestThresholdSignalPausesThenResumes(t *testing.T) {
	h := newHarness(t, "trade")
	h.run(t)

	// Five straight losses trip the edge-triggered threshold signal.
	for i := 0; i < 5; i++ {
		h.gate.RecordTradeResult(domain.Ticks(-10), false, domain.Ticks(0.01))
	}

	require.Eventually(t, func() bool { return h.exec.Paused() },
		2*time.Second, 5*time.Millisecond)
	r1, s1 := h.amm.counts()
	assert.Zero(t, s1, "threshold pause must not stop feeds")
	assert.Zero(t, r1)

	// The resume timer plus the gate cooldown both expire after the window.
	h.clock.BlockUntil(1)
	h.clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool { return !h.exec.Paused() },
		2*time.Second, 5*time.Millisecond)
	assert.False(t, h.gate.InCooldown())
}

func TestEmergencyStopHaltsFeedsAndStaysPaused(t *testing.T) {
	h := newHarness(t, "trade")
	h.run(t)

	h.gate.TriggerEmergencyStop("manual halt")

	require.Eventually(t, func() bool {
		_, stopsA := h.amm.counts()
		_, stopsB := h.clob.counts()
		return h.exec.Paused() && stopsA > 0 && stopsB > 0
	}, 2*time.Second, 5*time.Millisecond)

	// The emergency stop never auto-clears, so time passing changes nothing.
	h.clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, h.exec.Paused())
	assert.True(t, h.gate.EmergencyStopActive())
	assert.Error(t, h.orch.Resume())
}

func TestFeedFatalTriggersReconnectAll(t *testing.T) {
	h := newHarness(t, "trade")
	h.run(t)

	// Wait for Run to start the feed before overriding its state, or the
	// stub's Start overwrites ConnFailed with ConnConnected.
	require.Eventually(t, func() bool { return h.amm.State() == domain.ConnConnected },
		2*time.Second, 5*time.Millisecond)
	h.amm.setState(domain.ConnFailed)
	h.amm.fatal <- errors.New("feed quickswap: budget exhausted")

	require.Eventually(t, func() bool {
		reconnects, _ := h.amm.counts()
		return reconnects == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.ConnConnected, h.amm.State())

	// The healthy feed is left alone.
	reconnects, _ := h.clob.counts()
	assert.Zero(t, reconnects)
}

func TestFeedFatalUnrecoverableStopsEngine(t *testing.T) {
	h := newHarness(t, "trade")
	h.run(t)

	// Wait for Run to start the feed before overriding its state, or the
	// stub's Start overwrites ConnFailed with ConnConnected.
	require.Eventually(t, func() bool { return h.amm.State() == domain.ConnConnected },
		2*time.Second, 5*time.Millisecond)
	h.amm.setState(domain.ConnFailed)
	h.amm.reconnectErr = errors.New("still refused")
	h.amm.fatal <- errors.New("feed quickswap: budget exhausted")

	err := h.waitStopped(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconnect quickswap")
}

func TestStopCommandShutsDownEngine(t *testing.T) {
	h := newHarness(t, "trade")
	h.run(t)

	require.Eventually(t, func() bool { return h.orch.Status().Running },
		2*time.Second, 5*time.Millisecond)

	h.bus.commands <- []byte(`{"command":"stop"}`)
	require.NoError(t, h.waitStopped(t))
	assert.False(t, h.orch.Status().Running)
}

func TestStatusReportsFeeds(t *testing.T) {
	h := newHarness(t, "trade")
	h.run(t)

	require.Eventually(t, func() bool { return h.orch.Status().Running },
		2*time.Second, 5*time.Millisecond)
	st := h.orch.Status()
	assert.Equal(t, "connected", st.Feeds["quickswap"])
	assert.Equal(t, "connected", st.Feeds["standardclob"])
	assert.False(t, st.Paused)
	assert.False(t, st.EmergencyStop)
}
