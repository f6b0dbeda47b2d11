package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colemarc/dexarbot/internal/domain"
)

type scriptedSettlement struct {
	mu      sync.Mutex
	calls   int
	receipt domain.SettlementReceipt
	err     error
	block   chan struct{} // when set, ExecuteArbitrage waits on it
}

func (s *scriptedSettlement) ExecuteArbitrage(ctx context.Context, _, _ string, _ int64, _, _ string) (domain.SettlementReceipt, error) {
	s.mu.Lock()
	s.calls++
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return domain.SettlementReceipt{}, ctx.Err()
		}
	}
	if s.err != nil {
		return domain.SettlementReceipt{}, s.err
	}
	return s.receipt, nil
}

func (s *scriptedSettlement) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixedGas struct{ gwei int64 }

func (g fixedGas) GasPriceGwei(context.Context) (int64, error) { return g.gwei, nil }

type errGas struct{}

func (errGas) GasPriceGwei(context.Context) (int64, error) {
	return 0, errors.New("rpc timeout")
}

type fixedFunds struct{ ticks int64 }

func (f fixedFunds) AvailableFundsTicks(context.Context) (int64, error) { return f.ticks, nil }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOpp(clock clockwork.Clock) domain.ArbOpportunity {
	now := clock.Now()
	return domain.ArbOpportunity{
		ID:                  "opp-" + now.Format("150405.000"),
		TokenA:              "WETH",
		TokenB:              "USDC",
		BuyVenue:            "quickswap",
		SellVenue:           "standardclob",
		BuyPriceTicks:       domain.Ticks(1000),
		SellPriceTicks:      domain.Ticks(1050),
		VolumeTicks:         domain.Ticks(2),
		ExpectedProfitTicks: domain.Ticks(95),
		EstGasCostTicks:     domain.Ticks(1),
		Confidence:          0.9,
		CreatedAt:           now,
		ExpiresAt:           now.Add(30 * time.Second),
	}
}

func TestExecuteSuccess(t *testing.T) {
	clock := clockwork.NewFakeClock()
	settlement := &scriptedSettlement{
		receipt: domain.SettlementReceipt{Ref: "0xref", CostPaidTicks: domain.Ticks(0.5), GasUsed: 200_000},
	}
	c := New(Config{MaxGasPriceGwei: 100}, settlement,
		fixedGas{gwei: 30}, fixedFunds{ticks: domain.Ticks(100_000)}, nil, clock, discard())

	res := c.Execute(context.Background(), testOpp(clock))
	assert.True(t, res.Success)
	assert.True(t, res.Submitted)
	assert.Equal(t, "0xref", res.SettlementRef)
	// Estimated realized profit: expected - paid gas + estimated gas.
	assert.Equal(t, domain.Ticks(95)-domain.Ticks(0.5)+domain.Ticks(1), res.ActualProfitTicks)
	assert.Equal(t, domain.Ticks(0.5), res.CostPaidTicks)
	assert.Equal(t, 1, settlement.callCount())
}

func TestExecuteExpiredRejectedBeforeSettlement(t *testing.T) {
	clock := clockwork.NewFakeClock()
	settlement := &scriptedSettlement{}
	c := New(Config{}, settlement, nil, nil, nil, clock, discard())

	opp := testOpp(clock)
	clock.Advance(31 * time.Second)

	res := c.Execute(context.Background(), opp)
	assert.False(t, res.Success)
	assert.False(t, res.Submitted)
	assert.Equal(t, "opportunity expired", res.Error)
	assert.Zero(t, settlement.callCount(), "expired opportunities must never reach settlement")
}

func TestExecutePausedRejects(t *testing.T) {
	clock := clockwork.NewFakeClock()
	settlement := &scriptedSettlement{}
	c := New(Config{}, settlement, nil, nil, nil, clock, discard())

	c.Pause()
	res := c.Execute(context.Background(), testOpp(clock))
	assert.False(t, res.Success)
	assert.Equal(t, "execution paused", res.Error)
	assert.Zero(t, settlement.callCount())

	c.Resume()
	res = c.Execute(context.Background(), testOpp(clock))
	assert.True(t, res.Success)
}

func TestExecuteDuplicateOpportunityRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	settlement := &scriptedSettlement{receipt: domain.SettlementReceipt{Ref: "0xref"}}
	c := New(Config{}, settlement, nil, nil, nil, clock, discard())

	opp := testOpp(clock)
	res := c.Execute(context.Background(), opp)
	require.True(t, res.Success)

	// Same ID again: exactly one attempt ever happens.
	res = c.Execute(context.Background(), opp)
	assert.False(t, res.Success)
	assert.False(t, res.Submitted)
	assert.Equal(t, "duplicate opportunity", res.Error)
	assert.Equal(t, 1, settlement.callCount())
}

func TestExecuteInsufficientFundsRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	settlement := &scriptedSettlement{}
	c := New(Config{}, settlement, nil, fixedFunds{ticks: domain.Ticks(10)}, nil, clock, discard())

	// Notional 2 * 1000 = 2000 against 10 available.
	res := c.Execute(context.Background(), testOpp(clock))
	assert.False(t, res.Success)
	assert.Equal(t, "insufficient funds", res.Error)
	assert.Zero(t, settlement.callCount())
}

func TestExecuteGasCeilingRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	settlement := &scriptedSettlement{}
	c := New(Config{MaxGasPriceGwei: 50}, settlement, fixedGas{gwei: 80}, nil, nil, clock, discard())

	res := c.Execute(context.Background(), testOpp(clock))
	assert.False(t, res.Success)
	assert.False(t, res.Submitted)
	assert.Equal(t, "gas price above ceiling", res.Error)
	assert.Zero(t, settlement.callCount())
}

func TestExecuteGasCheckErrorIsFailedNotSubmitted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	settlement := &scriptedSettlement{}
	c := New(Config{MaxGasPriceGwei: 50}, settlement, errGas{}, nil, nil, clock, discard())

	res := c.Execute(context.Background(), testOpp(clock))
	assert.False(t, res.Success)
	assert.False(t, res.Submitted, "a pre-flight RPC failure never counts as a submission")
	assert.Contains(t, res.Error, "gas price check failed")
}

func TestExecuteSettlementFailureIsResult(t *testing.T) {
	clock := clockwork.NewFakeClock()
	settlement := &scriptedSettlement{err: errors.New("execution reverted")}
	c := New(Config{}, settlement, nil, nil, nil, clock, discard())

	res := c.Execute(context.Background(), testOpp(clock))
	assert.False(t, res.Success)
	assert.True(t, res.Submitted, "the settlement call happened, so it counts")
	assert.Contains(t, res.Error, "execution reverted")
	assert.Equal(t, 1, settlement.callCount())
}

func TestExecuteSingleInFlight(t *testing.T) {
	clock := clockwork.NewFakeClock()
	block := make(chan struct{})
	settlement := &scriptedSettlement{
		receipt: domain.SettlementReceipt{Ref: "0xref"},
		block:   block,
	}
	c := New(Config{}, settlement, nil, nil, nil, clock, discard())

	first := make(chan domain.ExecutionResult, 1)
	go func() { first <- c.Execute(context.Background(), testOpp(clock)) }()

	require.Eventually(t, func() bool { return settlement.callCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	// A second opportunity arriving mid-flight is rejected, not queued.
	second := testOpp(clock)
	second.ID = "opp-second"
	res := c.Execute(context.Background(), second)
	assert.False(t, res.Success)
	assert.Equal(t, "execution already in flight", res.Error)

	close(block)
	select {
	case res := <-first:
		assert.True(t, res.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("first execution never completed")
	}
	assert.Equal(t, 1, settlement.callCount())
}

func TestAttemptLogExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	settlement := &scriptedSettlement{receipt: domain.SettlementReceipt{Ref: "0xref"}}
	c := New(Config{AttemptTTL: time.Minute}, settlement, nil, nil, nil, clock, discard())

	opp := testOpp(clock)
	opp.ExpiresAt = clock.Now().Add(time.Hour)
	require.True(t, c.Execute(context.Background(), opp).Success)

	// Once the attempt record ages out, the ID is no longer remembered.
	clock.Advance(2 * time.Minute)
	res := c.Execute(context.Background(), opp)
	assert.True(t, res.Success)
	assert.Equal(t, 2, settlement.callCount())
}
