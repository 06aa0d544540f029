// Package stream implements the polling engine: per-stream poller kernels
// that acquire browser pages, run scraper operations, diff results against
// persisted state, and fan events out; and the manager that owns their
// lifecycle across restarts.
package stream

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/talonhq/talon/internal/events"
	"github.com/talonhq/talon/internal/scraper"
)

// Kind is the closed set of stream variants.
type Kind string

const (
	KindTweet    Kind = "tweet"
	KindFollower Kind = "follower"
	KindMention  Kind = "mention"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTweet, KindFollower, KindMention:
		return true
	}
	return false
}

// Topic maps the kind to its event topic.
func (k Kind) Topic() events.Topic {
	switch k {
	case KindFollower:
		return events.TopicFollower
	case KindMention:
		return events.TopicMention
	default:
		return events.TopicTweet
	}
}

// DefaultOperation names the scraper operation a kind polls with unless
// overridden at create time.
func (k Kind) DefaultOperation() string {
	switch k {
	case KindFollower:
		return scraper.OpListFollowers
	case KindMention:
		return scraper.OpSearchMentions
	default:
		return scraper.OpListTweetsByUser
	}
}

// State is the stream lifecycle state.
type State string

const (
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateBackoff State = "backoff"
	StateStopped State = "stopped"
)

// Stream is the persisted record for one subscription. The owning kernel
// is its only mutator while armed; everyone else reads snapshots.
type Stream struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	Target    string        `json:"target"`
	Interval  time.Duration `json:"interval"`
	Operation string        `json:"operation"`
	State     State         `json:"state"`
	Owner     string        `json:"owner,omitempty"`

	ConsecutiveErrors int       `json:"consecutive_errors"`
	BackoffUntil      time.Time `json:"backoff_until,omitempty"`
	LastError         string    `json:"last_error,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	LastPollAt time.Time `json:"last_poll_at,omitempty"`

	// FollowerCount is the fast-path baseline for follower streams: the
	// probe count persisted after the last full listing.
	FollowerCount int64 `json:"follower_count,omitempty"`
	// Seeded marks that the follower baseline set exists, so a zero
	// count can be told apart from a never-polled stream.
	Seeded bool `json:"seeded,omitempty"`
}

// NewID builds a stream identifier: kind and target stay legible for
// operators, the random tail keeps recreated streams distinct.
func NewID(kind Kind, target string) string {
	return "stream_" + string(kind) + "_" + sanitizeTarget(target) + "_" + uuid.NewString()[:8]
}

func sanitizeTarget(target string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '-'
		}
	}, target)
}

// Options are the optional create-time knobs.
type Options struct {
	Interval  time.Duration
	Operation string
	Owner     string
}

// Payload shapes for emitted events.

// TweetPayload rides stream:tweet and stream:mention events.
type TweetPayload struct {
	StreamID  string    `json:"stream_id"`
	TweetID   string    `json:"tweet_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// FollowerPayload rides stream:follower events.
type FollowerPayload struct {
	StreamID   string    `json:"stream_id"`
	Action     string    `json:"action"` // follow | unfollow
	Follower   string    `json:"follower"`
	ObservedAt time.Time `json:"observed_at"`
}

// ErrorPayload rides stream:error events.
type ErrorPayload struct {
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}
