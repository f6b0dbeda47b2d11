package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/colemarc/dexarbot/internal/domain"
)

// quoteTTL bounds how long a mirrored quote survives without a refresh. A
// stale mirror is worse than an empty one for anything watching it.
const quoteTTL = 5 * time.Minute

// QuoteCache implements domain.PriceCache using Redis hashes, one hash per
// venue/pair with the latest price in ticks and its observation time.
type QuoteCache struct {
	c *Client
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{c: c}
}

func (qc *QuoteCache) quoteKey(venue, pair string) string {
	return qc.c.Key("quote:" + venue + ":" + pair)
}

// SetQuote mirrors the latest quote for a venue/pair.
func (qc *QuoteCache) SetQuote(ctx context.Context, venue, pair string, priceTicks int64, ts time.Time) error {
	key := qc.quoteKey(venue, pair)

	pipe := qc.c.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"price": priceTicks,
		"ts":    ts.UnixMilli(),
	})
	pipe.Expire(ctx, key, quoteTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s/%s: %w", venue, pair, err)
	}
	return nil
}

// GetQuote returns the mirrored quote for a venue/pair. It returns
// domain.ErrNotFound when no quote has been mirrored or it has expired.
func (qc *QuoteCache) GetQuote(ctx context.Context, venue, pair string) (int64, time.Time, error) {
	fields, err := qc.c.rdb.HGetAll(ctx, qc.quoteKey(venue, pair)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get quote %s/%s: %w", venue, pair, err)
	}
	if len(fields) == 0 {
		return 0, time.Time{}, fmt.Errorf("redis: get quote %s/%s: %w", venue, pair, domain.ErrNotFound)
	}

	price, err := strconv.ParseInt(fields["price"], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get quote %s/%s: parse price: %w", venue, pair, err)
	}
	millis, err := strconv.ParseInt(fields["ts"], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get quote %s/%s: parse ts: %w", venue, pair, err)
	}

	return price, time.UnixMilli(millis).UTC(), nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*QuoteCache)(nil)
