package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/colemarc/dexarbot/internal/domain"
)

// QuotesHandler serves the latest mirrored quote per venue and pair.
type QuotesHandler struct {
	cache  domain.PriceCache
	logger *slog.Logger
}

// NewQuotesHandler creates a QuotesHandler over the given cache.
func NewQuotesHandler(cache domain.PriceCache, logger *slog.Logger) *QuotesHandler {
	return &QuotesHandler{cache: cache, logger: logger}
}

// GetQuote returns the latest mirrored quote for a venue and pair. The pair
// uses a dash separator in the path ("WETH-USDC").
// GET /api/quotes/{venue}/{pair}
func (h *QuotesHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	venue := r.PathValue("venue")
	pair := pairFromPath(r.PathValue("pair"))

	priceTicks, ts, err := h.cache.GetQuote(r.Context(), venue, pair)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no quote for "+venue+" "+pair)
			return
		}
		h.logger.Error("quote lookup failed",
			slog.String("venue", venue),
			slog.String("pair", pair),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "quote lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"venue":       venue,
		"pair":        pair,
		"price_ticks": priceTicks,
		"price":       domain.Display(priceTicks),
		"timestamp":   ts.UTC().Format(time.RFC3339),
	})
}

// pairFromPath converts the URL-safe dash form back to the canonical
// slash-separated pair.
func pairFromPath(p string) string {
	for i := 0; i < len(p); i++ {
		if p[i] == '-' {
			return p[:i] + "/" + p[i+1:]
		}
	}
	return p
}
