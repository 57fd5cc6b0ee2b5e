// Package ranking turns query text into ranked candidate solutions.
package ranking

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rcliao/support-memory/internal/config"
	"github.com/rcliao/support-memory/internal/embedding"
	"github.com/rcliao/support-memory/internal/logger"
	"github.com/rcliao/support-memory/internal/memstore"
	"github.com/rcliao/support-memory/internal/model"
)

const minPool = 25

// Searcher is the read side of the memory store.
type Searcher interface {
	Search(ctx context.Context, vec []float32, k int, f memstore.Filters) ([]memstore.Scored, error)
}

// MatchContext carries what is known about the incident being matched.
type MatchContext struct {
	// Severity, when set, favors records of the same severity.
	Severity model.Severity
	// Tags, when set, restricts candidates to records sharing a tag.
	Tags []string
	// MinSimilarity overrides the configured cutoff when positive.
	MinSimilarity float64
}

// Result is a ranked candidate list. Degraded is set when the store could not be
// searched and the empty list stands in for a real answer.
type Result struct {
	Matches  []model.CandidateMatch `json:"matches"`
	Degraded bool                   `json:"degraded,omitempty"`
}

// Engine embeds queries, applies the similarity cutoff and re-ranks.
type Engine struct {
	searcher Searcher
	embedder embedding.Embedder
	clock    clockwork.Clock
	cfg      config.RetrievalConfig
	log      *logger.Logger
}

// New creates an engine.
func New(searcher Searcher, emb embedding.Embedder, clock clockwork.Clock, cfg config.RetrievalConfig, log *logger.Logger) *Engine {
	return &Engine{searcher: searcher, embedder: emb, clock: clock, cfg: cfg, log: log.With("component", "ranking")}
}

// FindMatches returns at most k candidates at or above the similarity cutoff,
// best first. k <= 0 uses the configured maximum. An empty result is not an error.
func (e *Engine) FindMatches(ctx context.Context, query string, k int, mc MatchContext) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query: %w", model.ErrValidation)
	}
	if k <= 0 {
		k = e.cfg.MaxResults
	}
	cutoff := e.cfg.MinSimilarity
	if mc.MinSimilarity > 0 {
		cutoff = mc.MinSimilarity
	}

	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	pool := k * 5
	if pool < minPool {
		pool = minPool
	}
	hits, err := e.searcher.Search(ctx, vec, pool, memstore.Filters{Tags: mc.Tags})
	if err != nil {
		e.log.Warn("search degraded", "error", err)
		return &Result{Degraded: true}, nil
	}

	now := e.clock.Now()
	matches := make([]model.CandidateMatch, 0, len(hits))
	for _, h := range hits {
		if h.Similarity < cutoff {
			continue
		}
		matches = append(matches, model.CandidateMatch{
			Record:     h.Record,
			Similarity: h.Similarity,
			Score:      e.score(h.Similarity, h.Record, mc.Severity, now),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
			return a.Record.CreatedAt.After(b.Record.CreatedAt)
		}
		return a.Record.ID < b.Record.ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	for i := range matches {
		matches[i].Rank = i + 1
	}
	return &Result{Matches: matches}, nil
}

// score blends similarity with recency decay, severity agreement and feedback:
//
//	sim * (1 - rw*(1 - 2^(-age/halfLife))) + sw*(1 - |rank(ctx)-rank(rec)|/4) + fw*helpfulness
func (e *Engine) score(sim float64, rec model.SolutionRecord, ctxSeverity model.Severity, now time.Time) float64 {
	score := sim
	if hl := e.cfg.RecencyHalfLife; hl > 0 && e.cfg.RecencyWeight > 0 {
		age := now.Sub(rec.CreatedAt)
		if age < 0 {
			age = 0
		}
		decay := 1 - math.Exp2(-float64(age)/float64(hl))
		score = sim * (1 - e.cfg.RecencyWeight*decay)
	}
	if ctxSeverity.Valid() && rec.Severity.Valid() {
		dist := math.Abs(float64(ctxSeverity.Rank() - rec.Severity.Rank()))
		score += e.cfg.SeverityWeight * (1 - dist/4)
	}
	return score + e.cfg.FeedbackWeight*rec.Helpfulness()
}
