package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/colemarc/dexarbot/internal/domain"
)

// executionsStream is the durable stream the orchestrator appends submitted
// trade results to.
const executionsStream = "arbot.executions"

// StreamReader reads back entries from a durable telemetry stream.
type StreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// ExecutionsHandler serves the recent execution trail from the telemetry
// stream.
type ExecutionsHandler struct {
	reader StreamReader
	logger *slog.Logger
}

// NewExecutionsHandler creates an ExecutionsHandler over the given reader.
func NewExecutionsHandler(reader StreamReader, logger *slog.Logger) *ExecutionsHandler {
	return &ExecutionsHandler{reader: reader, logger: logger}
}

// ListExecutions returns up to `limit` execution results starting after the
// stream ID in `after` ("0" from the beginning).
// GET /api/executions?after=<id>&limit=<n>
func (h *ExecutionsHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	limit := queryInt(r, "limit", 50, 500)

	msgs, err := h.reader.StreamRead(r.Context(), executionsStream, after, limit)
	if err != nil {
		h.logger.Error("stream read failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "stream read failed")
		return
	}

	type entry struct {
		ID     string          `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	entries := make([]entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, entry{ID: m.ID, Result: json.RawMessage(m.Payload)})
	}

	writeJSON(w, http.StatusOK, map[string]any{"executions": entries})
}
