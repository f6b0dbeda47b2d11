package detector

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colemarc/dexarbot/internal/domain"
)

func newTestDetector(t *testing.T, maxPosition float64) (*Detector, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	d := New(Config{
		VenueA:             "quickswap",
		VenueB:             "standardclob",
		MinProfitThreshold: 0.005,
		MaxPositionTicks:   domain.Ticks(maxPosition),
	}, DefaultCosts(domain.Ticks(1)), clock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return d, clock
}

func priceEvent(venue string, price float64, ts time.Time) domain.MarketEvent {
	return domain.MarketEvent{
		ID:         venue + "-evt",
		Kind:       domain.EventKindPrice,
		Venue:      venue,
		TokenA:     "WETH",
		TokenB:     "USDC",
		PriceTicks: domain.Ticks(price),
		Timestamp:  ts,
	}
}

func TestSpreadDetectionAcrossVenues(t *testing.T) {
	d, clock := newTestDetector(t, 5)
	now := clock.Now()

	// First venue alone cannot produce an opportunity.
	opps := d.OnEvent(priceEvent("quickswap", 1000, now))
	assert.Empty(t, opps)

	// 1000 vs 1050: spread 50/1025 ≈ 4.88%, well past the 0.5% threshold.
	opps = d.OnEvent(priceEvent("standardclob", 1050, now))
	require.Len(t, opps, 1)

	opp := opps[0]
	assert.Equal(t, "quickswap", opp.BuyVenue)
	assert.Equal(t, "standardclob", opp.SellVenue)
	assert.Equal(t, "WETH/USDC", opp.Pair())
	assert.Equal(t, domain.Ticks(1000), opp.BuyPriceTicks)
	assert.Equal(t, domain.Ticks(1050), opp.SellPriceTicks)
	assert.Equal(t, domain.Ticks(5), opp.VolumeTicks)
	assert.InDelta(t, 50.0/1025.0, opp.SpreadPct(), 1e-9)

	// Gross 250, gas 1, slippage 5000*0.001*5 = 25.
	assert.Equal(t, domain.Ticks(224), opp.ExpectedProfitTicks)

	// Fresh quotes: confidence is spread/5% with no age decay.
	assert.InDelta(t, (50.0/1025.0)/0.05, opp.Confidence, 1e-9)

	assert.Equal(t, now, opp.CreatedAt)
	assert.Equal(t, now.Add(30*time.Second), opp.ExpiresAt)
	assert.Equal(t, []string{"quickswap", "standardclob"}, opp.Route)
}

func TestSpreadBelowThresholdIsIgnored(t *testing.T) {
	d, clock := newTestDetector(t, 5)
	now := clock.Now()

	d.OnEvent(priceEvent("quickswap", 1000, now))
	// 0.2% spread, under the 0.5% floor.
	opps := d.OnEvent(priceEvent("standardclob", 1002, now))
	assert.Empty(t, opps)
}

func TestOracleQuotesUpdateTableButNeverTrade(t *testing.T) {
	d, clock := newTestDetector(t, 5)
	now := clock.Now()

	d.OnEvent(priceEvent("pricefeed", 1000, now))
	opps := d.OnEvent(priceEvent("quickswap", 1100, now))
	assert.Empty(t, opps, "oracle must never be an opportunity leg")
	assert.Len(t, d.Quotes(), 2)
}

func TestConfidenceDecaysWithQuoteAge(t *testing.T) {
	d, clock := newTestDetector(t, 5)

	d.OnEvent(priceEvent("quickswap", 1000, clock.Now()))
	clock.Advance(30 * time.Second)

	opps := d.OnEvent(priceEvent("standardclob", 1050, clock.Now()))
	require.Len(t, opps, 1)

	// The stale leg is 30s old: linear decay over 60s halves the score.
	fresh := (50.0 / 1025.0) / 0.05
	assert.InDelta(t, fresh*0.5, opps[0].Confidence, 1e-9)
}

func TestVolumeClampRescalesProfitProportionally(t *testing.T) {
	d, clock := newTestDetector(t, 5)
	now := clock.Now()

	d.OnEvent(priceEvent("quickswap", 1000, now))

	evt := priceEvent("standardclob", 1050, now)
	evt.Kind = domain.EventKindTrade
	evt.VolumeTicks = domain.Ticks(10) // double the position cap

	opps := d.OnEvent(evt)
	require.Len(t, opps, 1)
	opp := opps[0]

	// At the raw volume of 10: gross 500, gas 1, slippage 100 → profit 399.
	// Clamped to 5, profit and slippage scale by the same 0.5 ratio so the
	// per-unit rate is preserved.
	assert.Equal(t, domain.Ticks(5), opp.VolumeTicks)
	assert.Equal(t, domain.Ticks(199.5), opp.ExpectedProfitTicks)
	assert.Equal(t, domain.Ticks(50), opp.SlippageCostTicks)
}

func TestUnprofitableAfterCostsIsDiscarded(t *testing.T) {
	d, clock := newTestDetector(t, 0.001)
	now := clock.Now()

	// Spread clears the threshold but the flat gas cost eats the tiny
	// position's gross profit.
	d.OnEvent(priceEvent("quickswap", 1000, now))
	opps := d.OnEvent(priceEvent("standardclob", 1050, now))
	assert.Empty(t, opps)
}

func bookEvent(venue string, bid, ask, bidDepth, askDepth float64, ts time.Time) domain.MarketEvent {
	return domain.MarketEvent{
		ID:           venue + "-book",
		Kind:         domain.EventKindOrderbook,
		Venue:        venue,
		TokenA:       "WETH",
		TokenB:       "USDC",
		BestBidTicks: domain.Ticks(bid),
		BestAskTicks: domain.Ticks(ask),
		BidDepth:     domain.Ticks(bidDepth),
		AskDepth:     domain.Ticks(askDepth),
		Timestamp:    ts,
	}
}

func TestOrderbookBidCrossesOtherVenueQuote(t *testing.T) {
	d, clock := newTestDetector(t, 5)
	now := clock.Now()

	d.OnEvent(priceEvent("quickswap", 1000, now))

	// The book's bid is above the AMM quote: buy AMM, sell into the bid.
	opps := d.OnEvent(bookEvent("standardclob", 1050, 1055, 2, 2, now))
	require.Len(t, opps, 1)

	opp := opps[0]
	assert.Equal(t, "quickswap", opp.BuyVenue)
	assert.Equal(t, "standardclob", opp.SellVenue)
	assert.Equal(t, domain.Ticks(1000), opp.BuyPriceTicks)
	assert.Equal(t, domain.Ticks(1050), opp.SellPriceTicks)
	assert.Equal(t, domain.Ticks(2), opp.VolumeTicks, "volume comes from the touched depth")

	// Book opportunities get the short TTL.
	assert.Equal(t, now.Add(15*time.Second), opp.ExpiresAt)
}

func TestOrderbookAskCrossesOtherVenueQuote(t *testing.T) {
	d, clock := newTestDetector(t, 5)
	now := clock.Now()

	d.OnEvent(priceEvent("quickswap", 1000, now))

	// The book's ask is below the AMM quote: buy the ask, sell at the AMM.
	opps := d.OnEvent(bookEvent("standardclob", 940, 945, 2, 3, now))
	require.Len(t, opps, 1)

	opp := opps[0]
	assert.Equal(t, "standardclob", opp.BuyVenue)
	assert.Equal(t, "quickswap", opp.SellVenue)
	assert.Equal(t, domain.Ticks(945), opp.BuyPriceTicks)
	assert.Equal(t, domain.Ticks(1000), opp.SellPriceTicks)
	assert.Equal(t, domain.Ticks(3), opp.VolumeTicks)
	assert.Equal(t, now.Add(15*time.Second), opp.ExpiresAt)
}

func TestOrderbookWithoutOtherVenueQuoteIsQuiet(t *testing.T) {
	d, clock := newTestDetector(t, 5)

	opps := d.OnEvent(bookEvent("standardclob", 1050, 1055, 2, 2, clock.Now()))
	assert.Empty(t, opps)

	// The book's mid still lands in the price table.
	require.Len(t, d.Quotes(), 1)
	assert.Equal(t, (domain.Ticks(1050)+domain.Ticks(1055))/2, d.Quotes()[0].PriceTicks)
}
