package handler

import (
	"log/slog"
	"net/http"

	"github.com/colemarc/dexarbot/internal/domain"
)

// Controller is the slice of the engine the command surface drives.
type Controller interface {
	Status() domain.EngineStatus
	Resume() error
	Stop()
}

// EngineHandler serves engine status and the start/stop commands.
type EngineHandler struct {
	ctrl   Controller
	logger *slog.Logger
}

// NewEngineHandler creates an EngineHandler over the given controller.
func NewEngineHandler(ctrl Controller, logger *slog.Logger) *EngineHandler {
	return &EngineHandler{ctrl: ctrl, logger: logger}
}

// GetStatus responds with the current engine status.
// GET /api/status
func (h *EngineHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

// Start resumes a paused engine. It refuses while an emergency stop is
// active, which surfaces as a 409.
// POST /api/start
func (h *EngineHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Resume(); err != nil {
		h.logger.Warn("start refused", slog.String("error", err.Error()))
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.logger.Info("engine resumed via api")
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// Stop shuts the engine down.
// POST /api/stop
func (h *EngineHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("engine stop requested via api")
	h.ctrl.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}
