package domain

import "time"

// Opportunity TTLs. Order-book levels move faster than pool prices, so
// book-sourced opportunities get the shorter window.
const (
	OpportunityTTL  = 30 * time.Second
	OrderbookOppTTL = 15 * time.Second
)

// ArbOpportunity is a detected, time-boxed price discrepancy between two
// venues for a token pair. Created by the detector, consumed at most once by
// the execution coordinator, and invalid once ExpiresAt has passed.
type ArbOpportunity struct {
	ID        string
	TokenA    string
	TokenB    string
	BuyVenue  string
	SellVenue string

	BuyPriceTicks  int64
	SellPriceTicks int64
	VolumeTicks    int64

	ExpectedProfitTicks int64
	EstGasCostTicks     int64
	SlippageCostTicks   int64

	// Confidence in [0,1], decaying with quote age.
	Confidence float64

	CreatedAt time.Time
	ExpiresAt time.Time

	// Route is the venue hop sequence, e.g. ["quickswap", "standardclob"].
	Route []string
}

// Pair returns the canonical pair string.
func (o ArbOpportunity) Pair() string {
	return o.TokenA + "/" + o.TokenB
}

// Expired reports whether the opportunity may no longer be executed.
func (o ArbOpportunity) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// NotionalTicks is the buy-side notional (volume priced at the buy venue).
func (o ArbOpportunity) NotionalTicks() int64 {
	return mulTicks(o.VolumeTicks, o.BuyPriceTicks)
}

// SpreadPct is the relative spread between the two venue prices.
func (o ArbOpportunity) SpreadPct() float64 {
	avg := float64(o.BuyPriceTicks+o.SellPriceTicks) / 2
	if avg <= 0 {
		return 0
	}
	return float64(o.SellPriceTicks-o.BuyPriceTicks) / avg
}

// mulTicks multiplies two fixed-point tick values, keeping the result in
// ticks. Intermediate math is done in float64 to avoid int64 overflow on
// large notionals.
func mulTicks(a, b int64) int64 {
	return int64(float64(a) * float64(b) / TickScale)
}
