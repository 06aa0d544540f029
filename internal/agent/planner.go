package agent

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/scraper"
)

// Planner is the narrow LLM surface the orchestrator consumes: a
// relevance score per candidate and text for replies and posts. Real
// clients live outside this module.
type Planner interface {
	// ScoreRelevance rates text against the agent's topic hints on a
	// 0..100 scale.
	ScoreRelevance(ctx context.Context, text string, hints []string) (int, error)
	// GenerateReply produces a reply to the given tweet. Empty means
	// nothing worth saying; the agent skips the comment.
	GenerateReply(ctx context.Context, tweet scraper.Tweet) (string, error)
	// GeneratePost produces an original post from the topic hints.
	// Empty means skip.
	GeneratePost(ctx context.Context, hints []string) (string, error)
}

// NoopPlanner scores everything neutral and writes nothing. An agent
// wired without an LLM browses its day plan but never engages, which
// is the safe default.
type NoopPlanner struct{}

func (NoopPlanner) ScoreRelevance(context.Context, string, []string) (int, error) {
	return scoreNeutral, nil
}

func (NoopPlanner) GenerateReply(context.Context, scraper.Tweet) (string, error) {
	return "", nil
}

func (NoopPlanner) GeneratePost(context.Context, []string) (string, error) {
	return "", nil
}

// scorer memoizes planner relevance scores per item so revisiting the
// same timeline does not re-bill the planner. Planner failures read as
// neutral and are not cached.
type scorer struct {
	planner Planner
	hints   []string
	cache   *lru.Cache[string, int]
	log     *zap.Logger
}

func newScorer(p Planner, hints []string, size int, logger *zap.Logger) *scorer {
	if size <= 0 {
		size = 2048
	}
	cache, _ := lru.New[string, int](size)
	return &scorer{planner: p, hints: hints, cache: cache, log: logger}
}

func (s *scorer) score(ctx context.Context, key, text string) int {
	if key == "" {
		key = text
	}
	if v, ok := s.cache.Get(key); ok {
		return v
	}
	n, err := s.planner.ScoreRelevance(ctx, text, s.hints)
	if err != nil {
		s.log.Debug("Planner scoring failed, treating as neutral", zap.Error(err))
		return scoreNeutral
	}
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	s.cache.Add(key, n)
	return n
}
