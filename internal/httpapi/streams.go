package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/events"
	"github.com/talonhq/talon/internal/stream"
)

// StreamHandler exposes the stream registry: create, inspect, pause,
// resume, retune, stop, plus per-stream event history and the global
// roll-up.
//
// Endpoints:
//
//	POST   /api/streams
//	GET    /api/streams
//	GET    /api/streams/stats
//	POST   /api/streams/stop-all
//	GET    /api/streams/{id}
//	DELETE /api/streams/{id}
//	POST   /api/streams/{id}/pause
//	POST   /api/streams/{id}/resume
//	PUT    /api/streams/{id}/interval
//	GET    /api/streams/{id}/history
type StreamHandler struct {
	mgr *stream.Manager
	log *zap.Logger
}

// NewStreamHandler constructs a new handler over the manager.
func NewStreamHandler(mgr *stream.Manager, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{mgr: mgr, log: logger}
}

// RegisterRoutes registers stream endpoints on the given mux.
func (h *StreamHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/streams", h.handleCollection)
	mux.HandleFunc("/api/streams/", h.handleItem)
}

func (h *StreamHandler) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.create(w, r)
	default:
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (h *StreamHandler) handleItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/streams/")
	parts := strings.SplitN(rest, "/", 2)
	head := parts[0]
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	// Literal segments first; stream IDs carry a "stream_" prefix so
	// they cannot collide.
	switch head {
	case "":
		http.Error(w, `{"error":"stream id required"}`, http.StatusBadRequest)
		return
	case "stats":
		if r.Method != http.MethodGet {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		h.stats(w, r)
		return
	case "stop-all":
		if r.Method != http.MethodPost {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		h.stopAll(w, r)
		return
	}

	id := head
	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			h.get(w, r, id)
		case http.MethodDelete:
			h.stop(w, r, id)
		default:
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		}
	case "pause":
		if r.Method != http.MethodPost {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		rec, err := h.mgr.Pause(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case "resume":
		if r.Method != http.MethodPost {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		rec, err := h.mgr.Resume(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case "interval":
		if r.Method != http.MethodPut {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		h.updateInterval(w, r, id)
	case "history":
		if r.Method != http.MethodGet {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		h.history(w, r, id)
	default:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}
}

type createStreamRequest struct {
	Kind      string `json:"kind"`
	Target    string `json:"target"`
	Interval  string `json:"interval,omitempty"`
	Operation string `json:"operation,omitempty"`
	Owner     string `json:"owner,omitempty"`
}

func (h *StreamHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	var interval time.Duration
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			http.Error(w, `{"error":"invalid interval, want a duration like 45s"}`, http.StatusBadRequest)
			return
		}
		interval = d
	}

	rec, err := h.mgr.Create(r.Context(), stream.Kind(req.Kind), req.Target, stream.Options{
		Interval:  interval,
		Operation: req.Operation,
		Owner:     req.Owner,
	})
	if err != nil {
		h.log.Warn("Stream create rejected",
			zap.String("kind", req.Kind),
			zap.String("target", req.Target),
			zap.String("operator", Subject(r.Context())),
			zap.Error(err),
		)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *StreamHandler) list(w http.ResponseWriter, r *http.Request) {
	streams, err := h.mgr.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"streams": streams,
		"count":   len(streams),
	})
}

func (h *StreamHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := h.mgr.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *StreamHandler) stop(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.mgr.Stop(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	h.log.Info("Stream stopped via API",
		zap.String("stream_id", id),
		zap.String("operator", Subject(r.Context())),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "stream_id": id})
}

type updateIntervalRequest struct {
	Interval string `json:"interval"`
}

func (h *StreamHandler) updateInterval(w http.ResponseWriter, r *http.Request, id string) {
	var req updateIntervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	d, err := time.ParseDuration(req.Interval)
	if err != nil {
		http.Error(w, `{"error":"invalid interval, want a duration like 45s"}`, http.StatusBadRequest)
		return
	}
	rec, err := h.mgr.UpdateInterval(r.Context(), id, d)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *StreamHandler) history(w http.ResponseWriter, r *http.Request, id string) {
	q := r.URL.Query()
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}
	evs, err := h.mgr.History(r.Context(), id, events.Topic(q.Get("topic")), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stream_id": id,
		"events":    evs,
		"count":     len(evs),
	})
}

func (h *StreamHandler) stats(w http.ResponseWriter, r *http.Request) {
	gs, err := h.mgr.Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gs)
}

func (h *StreamHandler) stopAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.mgr.StopAll(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	h.log.Info("All streams stopped via API",
		zap.Int("stopped", n),
		zap.String("operator", Subject(r.Context())),
	)
	writeJSON(w, http.StatusOK, map[string]int{"stopped": n})
}
