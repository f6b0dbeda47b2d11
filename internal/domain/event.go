// Package domain defines the core types shared across the arbitrage engine:
// market events, opportunities, risk assessments, execution results, and the
// store/cache interfaces implemented by the infrastructure packages.
package domain

import (
	"encoding/json"
	"time"
)

// TickScale is the fixed-point scale for all prices, volumes, and PnL values.
// 1 unit of the underlying asset == 1e6 ticks.
const TickScale = 1_000_000

// Ticks converts a display value to fixed-point ticks.
func Ticks(v float64) int64 {
	return int64(v * TickScale)
}

// Display converts fixed-point ticks back to a display value.
func Display(ticks int64) float64 {
	return float64(ticks) / TickScale
}

// EventKind classifies a normalized market event.
type EventKind string

const (
	EventKindPrice     EventKind = "price"
	EventKindTrade     EventKind = "trade"
	EventKindLiquidity EventKind = "liquidity"
	EventKindOrderbook EventKind = "orderbook"
)

// MarketEvent is a normalized message from a venue feed. It is ephemeral:
// produced once by a feed, consumed by the risk gate and the detector, and
// never persisted beyond rolling aggregates.
type MarketEvent struct {
	ID     string
	Kind   EventKind
	Venue  string
	TokenA string
	TokenB string

	// PriceTicks is the traded/quoted price; zero when the event carries none.
	PriceTicks     int64
	VolumeTicks    int64
	LiquidityTicks int64

	// Order-book events carry the touched best levels and their depth.
	BestBidTicks int64
	BestAskTicks int64
	BidDepth     int64
	AskDepth     int64

	Timestamp time.Time
	BlockRef  string
	Raw       json.RawMessage
}

// Pair returns the canonical "TOKENA/TOKENB" pair string for the event.
func (e MarketEvent) Pair() string {
	return e.TokenA + "/" + e.TokenB
}

// Price returns the display price from fixed-point ticks.
func (e MarketEvent) Price() float64 {
	return Display(e.PriceTicks)
}

// HasPrice reports whether the event carries a usable last price.
func (e MarketEvent) HasPrice() bool {
	return e.PriceTicks > 0
}

// PriceQuote is the latest observed price for a (venue, pair) cell of the
// detector's price table.
type PriceQuote struct {
	Venue      string
	Pair       string
	PriceTicks int64
	ObservedAt time.Time
}

// Age returns how long ago the quote was observed.
func (q PriceQuote) Age(now time.Time) time.Duration {
	return now.Sub(q.ObservedAt)
}

// ConnectionState is the lifecycle state of a single venue feed.
type ConnectionState int32

const (
	ConnDisconnected ConnectionState = iota
	ConnConnecting
	ConnConnected
	ConnReconnecting
	ConnFailed
)

// String returns the lowercase state name for logs and status payloads.
func (s ConnectionState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnReconnecting:
		return "reconnecting"
	case ConnFailed:
		return "failed"
	default:
		return "unknown"
	}
}
