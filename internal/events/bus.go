// Package events is the in-process fan-out bus. Each stream is a topic
// family; joiners get live events best-effort, and a bounded per-stream
// ring keeps recent history for replay. Durable history lives in the
// state store, written by the poller kernel, not here.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/talonhq/talon/internal/metrics"
)

// Topic classifies an event within its stream.
type Topic string

const (
	TopicTweet    Topic = "stream:tweet"
	TopicFollower Topic = "stream:follower"
	TopicMention  Topic = "stream:mention"
	TopicError    Topic = "stream:error"
	// TopicAgent carries agent action/activity notices; the agent ID is
	// the stream key.
	TopicAgent Topic = "agent:action"
)

// Event is a fan-out message. Seq is assigned per stream at publish.
type Event struct {
	StreamID  string      `json:"stream_id"`
	Topic     Topic       `json:"topic"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
	Seq       uint64      `json:"seq"`
}

// Marshal returns JSON for SSE frames and store persistence.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Bus provides per-stream pub/sub with bounded replay history.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewBus creates a bus whose per-stream rings hold capacity events.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Join adds a subscriber for streamID. The caller must drain the
// channel and call Leave when done.
func (b *Bus) Join(streamID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[streamID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		b.subscribers[streamID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Leave removes and closes the subscriber channel.
func (b *Bus) Leave(streamID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[streamID]; ok {
		if _, member := subs[ch]; member {
			delete(subs, ch)
			close(ch)
			if len(subs) == 0 {
				delete(b.subscribers, streamID)
			}
		}
	}
}

// Publish assigns the stream's next sequence number, records the event
// in history, and delivers to current joiners without blocking. Slow
// joiners lose events; they catch up via replay. The lock is held
// across the fan-out so Leave cannot close a channel mid-send; sends
// never block, so the critical section stays short.
func (b *Bus) Publish(streamID string, topic Topic, payload interface{}) Event {
	evt := Event{
		StreamID:  streamID,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	b.mu.Lock()
	rg := b.history[streamID]
	if rg == nil {
		rg = newRing(b.capacity)
		b.history[streamID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	for ch := range b.subscribers[streamID] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()

	metrics.EventsEmitted.WithLabelValues(string(topic)).Inc()
	return evt
}

// ReplaySince returns events with Seq > since, oldest first, best
// effort within the ring capacity.
func (b *Bus) ReplaySince(streamID string, since uint64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rg := b.history[streamID]
	if rg == nil {
		return nil
	}
	return rg.filter(since, "", 0)
}

// History returns up to limit most-recent events for streamID, oldest
// first, optionally filtered by topic. limit <= 0 means no limit.
func (b *Bus) History(streamID string, topic Topic, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rg := b.history[streamID]
	if rg == nil {
		return nil
	}
	return rg.filter(0, topic, limit)
}

// Forget drops the stream's history and closes any remaining joiners.
// Called when a stream is removed from the registry.
func (b *Bus) Forget(streamID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.history, streamID)
	if subs, ok := b.subscribers[streamID]; ok {
		for ch := range subs {
			close(ch)
		}
		delete(b.subscribers, streamID)
	}
}

// ring is a fixed-capacity buffer of events with per-stream sequencing.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// filter returns events with Seq > since matching topic (empty matches
// all), keeping only the last limit matches when limit > 0.
func (r *ring) filter(since uint64, topic Topic, limit int) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq <= since {
			continue
		}
		if topic != "" && ev.Topic != topic {
			continue
		}
		out = append(out, ev)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
