// Package detector maintains the cross-venue price table and turns market
// events into time-boxed arbitrage opportunities.
package detector

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/colemarc/dexarbot/internal/domain"
)

// Config holds the tunable parameters for spread detection.
type Config struct {
	// VenueA and VenueB are the two trading venues to cross. Events from
	// other venues (e.g. the polling oracle) update the price table but are
	// never a leg of an opportunity.
	VenueA string
	VenueB string

	// MinProfitThreshold is the minimum relative spread, as a fraction
	// (0.005 == 0.5%).
	MinProfitThreshold float64

	// MaxPositionTicks caps the per-trade volume.
	MaxPositionTicks int64
}

// Detector owns the price table. Nothing outside this type mutates it; all
// access flows through OnEvent and Quotes.
type Detector struct {
	cfg    Config
	costs  CostEstimator
	clock  clockwork.Clock
	logger *slog.Logger

	// quotes is keyed by venue + "|" + pair. Touched only from the
	// orchestrator's single dispatch goroutine, so no lock is needed.
	quotes map[string]domain.PriceQuote
}

// New creates a Detector with an empty price table.
func New(cfg Config, costs CostEstimator, clock clockwork.Clock, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		costs:  costs,
		clock:  clock,
		logger: logger.With(slog.String("component", "detector")),
		quotes: make(map[string]domain.PriceQuote),
	}
}

func quoteKey(venue, pair string) string {
	return venue + "|" + pair
}

// Quotes returns a copy of the current price table.
func (d *Detector) Quotes() []domain.PriceQuote {
	out := make([]domain.PriceQuote, 0, len(d.quotes))
	for _, q := range d.quotes {
		out = append(out, q)
	}
	return out
}

// OnEvent updates the price table from the event and returns any
// opportunities the new state implies. Trade and liquidity events reuse the
// same spread logic as price updates; order-book events cross the touched
// book levels against the other venue's last quote instead.
func (d *Detector) OnEvent(evt domain.MarketEvent) []domain.ArbOpportunity {
	now := d.clock.Now()

	if evt.Kind == domain.EventKindOrderbook {
		if mid := bookMid(evt); mid > 0 {
			d.setQuote(evt.Venue, evt.Pair(), mid, evt.Timestamp)
		}
		return d.detectBook(evt, now)
	}

	if evt.HasPrice() {
		d.setQuote(evt.Venue, evt.Pair(), evt.PriceTicks, evt.Timestamp)
	}
	return d.detectSpread(evt, now)
}

func (d *Detector) setQuote(venue, pair string, priceTicks int64, ts time.Time) {
	d.quotes[quoteKey(venue, pair)] = domain.PriceQuote{
		Venue:      venue,
		Pair:       pair,
		PriceTicks: priceTicks,
		ObservedAt: ts,
	}
}

func bookMid(evt domain.MarketEvent) int64 {
	if evt.BestBidTicks <= 0 || evt.BestAskTicks <= 0 {
		return 0
	}
	return (evt.BestBidTicks + evt.BestAskTicks) / 2
}

// detectSpread compares the two trading venues' latest quotes for the pair
// the event touched.
func (d *Detector) detectSpread(evt domain.MarketEvent, now time.Time) []domain.ArbOpportunity {
	pair := evt.Pair()
	qa, okA := d.quotes[quoteKey(d.cfg.VenueA, pair)]
	qb, okB := d.quotes[quoteKey(d.cfg.VenueB, pair)]
	if !okA || !okB || qa.PriceTicks <= 0 || qb.PriceTicks <= 0 {
		return nil
	}

	spread := spreadPct(qa.PriceTicks, qb.PriceTicks)
	if spread <= d.cfg.MinProfitThreshold {
		return nil
	}

	buy, sell := qa, qb
	if buy.PriceTicks > sell.PriceTicks {
		buy, sell = sell, buy
	}

	volume := d.desiredVolume(evt.VolumeTicks)
	age := olderAge(now, qa, qb)
	opp := d.buildOpportunity(buy.Venue, sell.Venue, evt.TokenA, evt.TokenB,
		buy.PriceTicks, sell.PriceTicks, volume, spread, age, now, domain.OpportunityTTL)

	return d.validate(opp, now)
}

// detectBook crosses the touched venue's best bid/ask against the other
// trading venue's last quote, producing up to one opportunity per crossing
// direction.
func (d *Detector) detectBook(evt domain.MarketEvent, now time.Time) []domain.ArbOpportunity {
	other, ok := d.otherVenue(evt.Venue)
	if !ok {
		return nil
	}
	oq, okQ := d.quotes[quoteKey(other, evt.Pair())]
	if !okQ || oq.PriceTicks <= 0 {
		return nil
	}

	var out []domain.ArbOpportunity
	age := now.Sub(oq.ObservedAt)

	// Direction 1: buy at the other venue, sell into this book's bid.
	if evt.BestBidTicks > oq.PriceTicks {
		spread := spreadPct(evt.BestBidTicks, oq.PriceTicks)
		if spread > d.cfg.MinProfitThreshold {
			volume := d.desiredVolume(evt.BidDepth)
			opp := d.buildOpportunity(other, evt.Venue, evt.TokenA, evt.TokenB,
				oq.PriceTicks, evt.BestBidTicks, volume, spread, age, now, domain.OrderbookOppTTL)
			out = append(out, d.validate(opp, now)...)
		}
	}

	// Direction 2: buy from this book's ask, sell at the other venue.
	if evt.BestAskTicks > 0 && evt.BestAskTicks < oq.PriceTicks {
		spread := spreadPct(evt.BestAskTicks, oq.PriceTicks)
		if spread > d.cfg.MinProfitThreshold {
			volume := d.desiredVolume(evt.AskDepth)
			opp := d.buildOpportunity(evt.Venue, other, evt.TokenA, evt.TokenB,
				evt.BestAskTicks, oq.PriceTicks, volume, spread, age, now, domain.OrderbookOppTTL)
			out = append(out, d.validate(opp, now)...)
		}
	}

	return out
}

func (d *Detector) otherVenue(venue string) (string, bool) {
	switch venue {
	case d.cfg.VenueA:
		return d.cfg.VenueB, true
	case d.cfg.VenueB:
		return d.cfg.VenueA, true
	default:
		return "", false
	}
}

// desiredVolume returns the raw trade volume before the validation clamp.
// When the event carries no size hint, the full position cap is assumed.
func (d *Detector) desiredVolume(hintTicks int64) int64 {
	if hintTicks > 0 {
		return hintTicks
	}
	return d.cfg.MaxPositionTicks
}

func (d *Detector) buildOpportunity(buyVenue, sellVenue, tokenA, tokenB string,
	buyTicks, sellTicks, volumeTicks int64, spread float64, age time.Duration,
	now time.Time, ttl time.Duration) domain.ArbOpportunity {

	notional := int64(float64(volumeTicks) * float64(buyTicks) / domain.TickScale)
	gross := int64(float64(sellTicks-buyTicks) * float64(volumeTicks) / domain.TickScale)
	gas := d.costs.GasCostTicks()
	slip := d.costs.SlippageCostTicks(volumeTicks, notional)

	return domain.ArbOpportunity{
		ID:                  uuid.New().String(),
		TokenA:              tokenA,
		TokenB:              tokenB,
		BuyVenue:            buyVenue,
		SellVenue:           sellVenue,
		BuyPriceTicks:       buyTicks,
		SellPriceTicks:      sellTicks,
		VolumeTicks:         volumeTicks,
		ExpectedProfitTicks: gross - gas - slip,
		EstGasCostTicks:     gas,
		SlippageCostTicks:   slip,
		Confidence:          confidence(spread, age),
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl),
		Route:               []string{buyVenue, sellVenue},
	}
}

// validate is the pre-emit pass: discard expired or unprofitable candidates
// and clamp the volume to the position cap, rescaling profit so the per-unit
// rate is preserved.
func (d *Detector) validate(opp domain.ArbOpportunity, now time.Time) []domain.ArbOpportunity {
	if opp.Expired(now) {
		return nil
	}

	if opp.VolumeTicks > d.cfg.MaxPositionTicks && d.cfg.MaxPositionTicks > 0 {
		ratio := float64(d.cfg.MaxPositionTicks) / float64(opp.VolumeTicks)
		opp.VolumeTicks = d.cfg.MaxPositionTicks
		opp.ExpectedProfitTicks = int64(float64(opp.ExpectedProfitTicks) * ratio)
		opp.SlippageCostTicks = int64(float64(opp.SlippageCostTicks) * ratio)
	}

	if opp.ExpectedProfitTicks <= 0 {
		d.logger.Debug("opportunity discarded, unprofitable after costs",
			slog.String("pair", opp.Pair()),
			slog.Float64("expected_profit", domain.Display(opp.ExpectedProfitTicks)),
		)
		return nil
	}

	d.logger.Debug("opportunity detected",
		slog.String("opp_id", opp.ID),
		slog.String("pair", opp.Pair()),
		slog.String("buy_venue", opp.BuyVenue),
		slog.String("sell_venue", opp.SellVenue),
		slog.Float64("spread_pct", opp.SpreadPct()),
		slog.Float64("confidence", opp.Confidence),
	)
	return []domain.ArbOpportunity{opp}
}

// spreadPct is |p1-p2| / avg(p1,p2).
func spreadPct(p1, p2 int64) float64 {
	avg := float64(p1+p2) / 2
	if avg <= 0 {
		return 0
	}
	diff := float64(p1 - p2)
	if diff < 0 {
		diff = -diff
	}
	return diff / avg
}

// confidence scores a detected spread in [0,1]: full confidence at a 5%
// spread, decaying linearly with quote age over 60 seconds.
func confidence(spread float64, age time.Duration) float64 {
	c := spread / 0.05
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	decay := 1 - age.Seconds()/60
	if decay < 0 {
		decay = 0
	}
	return c * decay
}

// olderAge returns the age of the staler of the two quotes.
func olderAge(now time.Time, a, b domain.PriceQuote) time.Duration {
	ageA, ageB := a.Age(now), b.Age(now)
	if ageA > ageB {
		return ageA
	}
	return ageB
}
