package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/events"
)

// sseHeartbeat keeps idle SSE connections alive through proxies.
const sseHeartbeat = 15 * time.Second

// EventsHandler serves live bus events over SSE and WebSocket. The
// stream key is either a poller stream ID or an agent profile; replay
// runs against the bus ring via Last-Event-ID.
type EventsHandler struct {
	bus *events.Bus
	log *zap.Logger
}

// NewEventsHandler constructs a new handler over the bus.
func NewEventsHandler(bus *events.Bus, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{bus: bus, log: logger}
}

// RegisterRoutes registers the SSE endpoint on the given mux.
func (h *EventsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/events", h.handleSSE)
}

// handleSSE: GET /api/events?stream_id=&topics=&last_event_id=
func (h *EventsHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	streamID := r.URL.Query().Get("stream_id")
	if streamID == "" {
		http.Error(w, `{"error":"stream_id required"}`, http.StatusBadRequest)
		return
	}

	topics := parseTopics(r.URL.Query().Get("topics"))

	// The header wins; EventSource sends it on reconnect. The query
	// fallback serves manual clients.
	var lastID uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			lastID = n
		}
	} else if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	ch := h.bus.Join(streamID, 256)
	defer h.bus.Leave(streamID, ch)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	// Replay the ring before going live so a reconnecting client sees
	// what it missed.
	if lastID > 0 {
		for _, ev := range h.bus.ReplaySince(streamID, lastID) {
			if !topics.allows(ev.Topic) {
				continue
			}
			writeSSE(w, ev)
		}
		flusher.Flush()
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.log.Debug("SSE client disconnected", zap.String("stream_id", streamID))
			return
		case ev := <-ch:
			if !topics.allows(ev.Topic) {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// topicSet is the optional topics filter; empty allows everything.
type topicSet map[events.Topic]struct{}

func parseTopics(s string) topicSet {
	if s == "" {
		return nil
	}
	set := make(topicSet)
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			set[events.Topic(t)] = struct{}{}
		}
	}
	return set
}

func (s topicSet) allows(t events.Topic) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[t]
	return ok
}

// writeSSE frames one event; the bus sequence doubles as the SSE id so
// clients resume with Last-Event-ID.
func writeSSE(w io.Writer, ev events.Event) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Topic, ev.Marshal())
}
