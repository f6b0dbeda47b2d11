package domain

import (
	"context"
	"time"
)

// OpportunityStore persists detected opportunities.
type OpportunityStore interface {
	Insert(ctx context.Context, opp ArbOpportunity) error
	MarkExecuted(ctx context.Context, id string) error
	ListBefore(ctx context.Context, cutoff time.Time) ([]ArbOpportunity, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ExecutionStore persists execution results.
type ExecutionStore interface {
	Insert(ctx context.Context, res ExecutionResult) error
	ListBefore(ctx context.Context, cutoff time.Time) ([]ExecutionResult, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PriceCache mirrors the detector's latest quotes for external consumers
// (dashboards). The detector remains the sole owner of the authoritative
// in-process price table.
type PriceCache interface {
	SetQuote(ctx context.Context, venue, pair string, priceTicks int64, ts time.Time) error
	GetQuote(ctx context.Context, venue, pair string) (int64, time.Time, error)
}

// SignalBus publishes named telemetry signals for external consumption and
// lets in-process consumers subscribe to inbound channels.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// StreamMessage is a single entry read back from a durable telemetry stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// LockManager hands out distributed advisory locks. The trading engine uses
// one to guarantee a single live instance per vault.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// BlobWriter uploads a named object to cold storage.
type BlobWriter interface {
	Write(ctx context.Context, key string, data []byte, contentType string) error
}
