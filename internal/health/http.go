package health

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Handler serves the probe endpoints on the admin mux.
type Handler struct {
	mgr *Manager
	log *zap.Logger
}

func NewHandler(mgr *Manager, logger *zap.Logger) *Handler {
	return &Handler{mgr: mgr, log: logger}
}

// RegisterRoutes mounts the probe endpoints.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleReady)
	mux.HandleFunc("/health/live", h.handleLive)
	mux.HandleFunc("/health/detailed", h.handleDetailed)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	rep := h.mgr.Report(r.Context())
	rep.Components = nil // the detailed endpoint carries the breakdown
	h.writeJSON(w, statusCode(rep.Status), rep)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	code := http.StatusOK
	ready := h.mgr.Ready(r.Context())
	if !ready {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, map[string]any{"ready": ready})
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"live": h.mgr.Live()})
}

func (h *Handler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	var rep Report
	if r.URL.Query().Get("cached") == "true" {
		rep = h.mgr.Cached()
	} else {
		rep = h.mgr.Report(r.Context())
	}
	h.writeJSON(w, statusCode(rep.Status), rep)
}

func statusCode(s Status) int {
	switch s {
	case StatusHealthy, StatusDegraded:
		return http.StatusOK
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Health response encode failed", zap.Error(err))
	}
}
