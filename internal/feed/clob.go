package feed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/colemarc/dexarbot/internal/config"
	"github.com/colemarc/dexarbot/internal/domain"
)

// clobChannels are the subscriptions issued to the order-book venue.
var clobChannels = []string{"orderbook", "trades"}

// clobMessage is the wire envelope the order-book venue pushes. Book levels
// arrive as [price, size] string pairs, best level first.
type clobMessage struct {
	Type     string      `json:"type"`
	Pair     string      `json:"pair"`
	Bids     [][2]string `json:"bids"`
	Asks     [][2]string `json:"asks"`
	Price    string      `json:"price"`
	Size     string      `json:"size"`
	Sequence int64       `json:"sequence"`
	TsMillis int64       `json:"ts"`
}

// CLOBFeed ingests the central-limit-order-book venue: book snapshots with
// best bid/ask and depth, plus executed trades.
type CLOBFeed struct {
	*wsFeed
	clock clockwork.Clock
}

var _ Feed = (*CLOBFeed)(nil)

// NewCLOB builds the order-book venue feed from its config section.
func NewCLOB(cfg config.VenueConfig, dial Dialer, clock clockwork.Clock, logger *slog.Logger) *CLOBFeed {
	f := &CLOBFeed{clock: clock}
	f.wsFeed = newWSFeed(wsConfig{
		Venue:          cfg.Name,
		URL:            cfg.WsURL,
		Pairs:          cfg.Pairs,
		Channels:       clobChannels,
		ReconnectDelay: cfg.ReconnectDelay.Duration,
		MaxReconnects:  cfg.MaxReconnects,
	}, dial, f.decode, clock, logger)
	return f
}

func (f *CLOBFeed) decode(raw []byte) ([]domain.MarketEvent, error) {
	var msg clobMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("clob: %w", err)
	}

	switch msg.Type {
	case "book":
		return f.decodeBook(msg, raw)
	case "trade":
		return f.decodeTrade(msg, raw)
	case "subscribed", "heartbeat":
		return nil, nil
	default:
		return nil, fmt.Errorf("clob: unknown message type %q", msg.Type)
	}
}

func (f *CLOBFeed) decodeBook(msg clobMessage, raw []byte) ([]domain.MarketEvent, error) {
	tokenA, tokenB, err := splitPair(msg.Pair)
	if err != nil {
		return nil, fmt.Errorf("clob: %w", err)
	}
	if len(msg.Bids) == 0 && len(msg.Asks) == 0 {
		return nil, fmt.Errorf("clob: book snapshot with no levels")
	}

	evt := domain.MarketEvent{
		ID:        uuid.NewString(),
		Kind:      domain.EventKindOrderbook,
		Venue:     f.cfg.Venue,
		TokenA:    tokenA,
		TokenB:    tokenB,
		Timestamp: f.eventTime(msg.TsMillis),
		Raw:       json.RawMessage(raw),
	}

	if len(msg.Bids) > 0 {
		evt.BestBidTicks, evt.BidDepth, err = parseLevel(msg.Bids[0])
		if err != nil {
			return nil, fmt.Errorf("clob: bid: %w", err)
		}
	}
	if len(msg.Asks) > 0 {
		evt.BestAskTicks, evt.AskDepth, err = parseLevel(msg.Asks[0])
		if err != nil {
			return nil, fmt.Errorf("clob: ask: %w", err)
		}
	}
	if evt.BestBidTicks > 0 && evt.BestAskTicks > 0 && evt.BestBidTicks > evt.BestAskTicks {
		return nil, fmt.Errorf("clob: crossed book, bid %d > ask %d", evt.BestBidTicks, evt.BestAskTicks)
	}
	return []domain.MarketEvent{evt}, nil
}

func (f *CLOBFeed) decodeTrade(msg clobMessage, raw []byte) ([]domain.MarketEvent, error) {
	tokenA, tokenB, err := splitPair(msg.Pair)
	if err != nil {
		return nil, fmt.Errorf("clob: %w", err)
	}
	price, err := parseTicks(msg.Price)
	if err != nil {
		return nil, fmt.Errorf("clob: price: %w", err)
	}
	size, err := parseTicks(msg.Size)
	if err != nil {
		return nil, fmt.Errorf("clob: size: %w", err)
	}

	return []domain.MarketEvent{{
		ID:          uuid.NewString(),
		Kind:        domain.EventKindTrade,
		Venue:       f.cfg.Venue,
		TokenA:      tokenA,
		TokenB:      tokenB,
		PriceTicks:  price,
		VolumeTicks: size,
		Timestamp:   f.eventTime(msg.TsMillis),
		Raw:         json.RawMessage(raw),
	}}, nil
}

func (f *CLOBFeed) eventTime(tsMillis int64) time.Time {
	if tsMillis > 0 {
		return time.UnixMilli(tsMillis)
	}
	return f.clock.Now()
}

func parseLevel(level [2]string) (priceTicks, depthTicks int64, err error) {
	priceTicks, err = parseTicks(level[0])
	if err != nil {
		return 0, 0, err
	}
	depthTicks, err = parseTicks(level[1])
	if err != nil {
		return 0, 0, err
	}
	if priceTicks <= 0 {
		return 0, 0, fmt.Errorf("non-positive level price %q", level[0])
	}
	return priceTicks, depthTicks, nil
}
