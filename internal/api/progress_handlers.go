package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// StatusHandler exposes read-only fleet progress endpoints.
type StatusHandler struct {
	source StatusSource
	logger *zap.Logger
}

// NewStatusHandler wires the status source and logger.
func NewStatusHandler(source StatusSource, logger *zap.Logger) *StatusHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusHandler{source: source, logger: logger}
}

// Board handles GET /status. It returns the whole board, or 503 when no
// fleet is attached.
func (h *StatusHandler) Board(w http.ResponseWriter, _ *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "status board unavailable")
		return
	}
	writeJSON(w, http.StatusOK, h.source.Snapshot())
}

// Category handles GET /status/{category}, returning 404 for a category the
// fleet has not reached yet.
func (h *StatusHandler) Category(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "status board unavailable")
		return
	}
	id := chi.URLParam(r, "category")
	for _, st := range h.source.Snapshot().Categories {
		if st.Category == id {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeError(w, http.StatusNotFound, "category not found")
}
