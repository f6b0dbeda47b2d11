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

// ammChannels are the subscriptions issued to the AMM venue after connect.
var ammChannels = []string{"prices", "trades", "liquidity"}

// ammMessage is the wire envelope the AMM venue pushes on every channel.
type ammMessage struct {
	Type      string `json:"type"`
	Pair      string `json:"pair"`
	Price     string `json:"price"`
	Amount    string `json:"amount"`
	Liquidity string `json:"liquidity"`
	Block     string `json:"block"`
	TsMillis  int64  `json:"ts"`
}

// AMMFeed ingests the AMM venue stream: pool price updates, executed swaps,
// and liquidity changes.
type AMMFeed struct {
	*wsFeed
	clock clockwork.Clock
}

var _ Feed = (*AMMFeed)(nil)

// NewAMM builds the AMM venue feed from its config section.
func NewAMM(cfg config.VenueConfig, dial Dialer, clock clockwork.Clock, logger *slog.Logger) *AMMFeed {
	f := &AMMFeed{clock: clock}
	f.wsFeed = newWSFeed(wsConfig{
		Venue:          cfg.Name,
		URL:            cfg.WsURL,
		Pairs:          cfg.Pairs,
		Channels:       ammChannels,
		ReconnectDelay: cfg.ReconnectDelay.Duration,
		MaxReconnects:  cfg.MaxReconnects,
	}, dial, f.decode, clock, logger)
	return f
}

func (f *AMMFeed) decode(raw []byte) ([]domain.MarketEvent, error) {
	var msg ammMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("amm: %w", err)
	}

	var kind domain.EventKind
	switch msg.Type {
	case "price_update":
		kind = domain.EventKindPrice
	case "swap":
		kind = domain.EventKindTrade
	case "liquidity_update":
		kind = domain.EventKindLiquidity
	case "subscribed", "heartbeat":
		return nil, nil
	default:
		return nil, fmt.Errorf("amm: unknown message type %q", msg.Type)
	}

	tokenA, tokenB, err := splitPair(msg.Pair)
	if err != nil {
		return nil, fmt.Errorf("amm: %w", err)
	}
	price, err := parseTicks(msg.Price)
	if err != nil {
		return nil, fmt.Errorf("amm: price: %w", err)
	}
	volume, err := parseTicks(msg.Amount)
	if err != nil {
		return nil, fmt.Errorf("amm: amount: %w", err)
	}
	liquidity, err := parseTicks(msg.Liquidity)
	if err != nil {
		return nil, fmt.Errorf("amm: liquidity: %w", err)
	}

	ts := f.clock.Now()
	if msg.TsMillis > 0 {
		ts = time.UnixMilli(msg.TsMillis)
	}

	return []domain.MarketEvent{{
		ID:             uuid.NewString(),
		Kind:           kind,
		Venue:          f.cfg.Venue,
		TokenA:         tokenA,
		TokenB:         tokenB,
		PriceTicks:     price,
		VolumeTicks:    volume,
		LiquidityTicks: liquidity,
		Timestamp:      ts,
		BlockRef:       msg.Block,
		Raw:            json.RawMessage(raw),
	}}, nil
}
