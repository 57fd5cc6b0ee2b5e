// Package proactive matches newly opened incidents against past solutions
// without being asked.
package proactive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/rcliao/support-memory/internal/config"
	"github.com/rcliao/support-memory/internal/extractor"
	"github.com/rcliao/support-memory/internal/logger"
	"github.com/rcliao/support-memory/internal/model"
	"github.com/rcliao/support-memory/internal/ranking"
	"github.com/rcliao/support-memory/internal/transcript"
)

// Suggestion is a high-confidence match pushed into a new incident thread.
type Suggestion struct {
	ThreadID  string                 `json:"thread_id"`
	ChannelID string                 `json:"channel_id"`
	Matches   []model.CandidateMatch `json:"matches"`
}

// ExpertRouting asks for a human when memory has no coverage for an incident.
type ExpertRouting struct {
	ThreadID  string   `json:"thread_id"`
	ChannelID string   `json:"channel_id"`
	Tags      []string `json:"tags"`
	Experts   []string `json:"experts,omitempty"`
}

// Sink receives the matcher's signals.
type Sink interface {
	Suggest(ctx context.Context, s Suggestion) error
	RouteToExperts(ctx context.Context, r ExpertRouting) error
}

// Finder ranks stored solutions for a query.
type Finder interface {
	FindMatches(ctx context.Context, query string, k int, mc ranking.MatchContext) (*ranking.Result, error)
}

// Coverage reports what memory knows about a tag: whether any record carries
// it, and who resolved the records that do. Experts with no tags ranks every
// resolver.
type Coverage interface {
	HasTag(ctx context.Context, tag string) (bool, error)
	Experts(ctx context.Context, tags []string, limit int) ([]string, error)
}

// Threads is the read side of the thread tracker.
type Threads interface {
	Get(ctx context.Context, threadID string) (*model.Thread, error)
	Messages(ctx context.Context, threadID string) ([]model.Message, error)
}

// Decision is what Evaluate did.
type Decision string

const (
	DecisionSuggested Decision = "suggestion"
	DecisionRouted    Decision = "expert_routing"
	DecisionSilent    Decision = "silent"
)

// Matcher waits for a reporter to finish describing an incident, then looks
// for a confident match.
type Matcher struct {
	threads  Threads
	finder   Finder
	coverage Coverage
	sink     Sink
	clock    clockwork.Clock
	cfg      config.ProactiveConfig
	k        int
	log      *logger.Logger

	mu      sync.Mutex
	waiting map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a matcher that suggests at most k matches.
func New(threads Threads, finder Finder, coverage Coverage, sink Sink, clock clockwork.Clock,
	cfg config.ProactiveConfig, k int, log *logger.Logger) *Matcher {
	return &Matcher{
		threads:  threads,
		finder:   finder,
		coverage: coverage,
		sink:     sink,
		clock:    clock,
		cfg:      cfg,
		k:        k,
		log:      log.With("component", "proactive"),
		waiting:  make(map[string]context.CancelFunc),
	}
}

// Watch schedules an evaluation of threadID after the settle period. It reports
// false when the matcher is disabled or the thread is already being watched.
func (m *Matcher) Watch(ctx context.Context, threadID string) bool {
	if !m.cfg.Enabled {
		return false
	}
	m.mu.Lock()
	if _, ok := m.waiting[threadID]; ok {
		m.mu.Unlock()
		return false
	}
	wctx, cancel := context.WithCancel(ctx)
	m.waiting[threadID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.forget(threadID)
		defer cancel()

		select {
		case <-wctx.Done():
			m.log.Debug("watch cancelled", "thread_id", threadID)
			return
		case <-m.clock.After(m.cfg.SettlePeriod):
		}
		if _, err := m.Evaluate(wctx, threadID); err != nil {
			m.log.Warn("proactive evaluation failed", "thread_id", threadID, "error", err)
		}
	}()
	return true
}

func (m *Matcher) forget(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waiting, threadID)
}

// Cancel abandons a pending watch. Unknown ids are ignored.
func (m *Matcher) Cancel(threadID string) {
	m.mu.Lock()
	cancel, ok := m.waiting[threadID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Pending returns the number of threads waiting to settle.
func (m *Matcher) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

// Wait blocks until every watch has finished.
func (m *Matcher) Wait() {
	m.wg.Wait()
}

// Evaluate matches the reporter's description against memory and emits a
// suggestion, an expert routing signal, or nothing.
func (m *Matcher) Evaluate(ctx context.Context, threadID string) (Decision, error) {
	th, err := m.threads.Get(ctx, threadID)
	if errors.Is(err, model.ErrNotFound) {
		return DecisionSilent, nil
	}
	if err != nil {
		return DecisionSilent, err
	}
	if th.State.Terminal() {
		m.log.Debug("thread finished before settle", "thread_id", threadID, "state", th.State)
		return DecisionSilent, nil
	}

	msgs, err := m.threads.Messages(ctx, threadID)
	if err != nil {
		return DecisionSilent, err
	}
	if len(msgs) == 0 {
		return DecisionSilent, nil
	}
	query := transcript.ByAuthor(msgs, msgs[0].Author)
	if strings.TrimSpace(query) == "" {
		return DecisionSilent, nil
	}

	res, err := m.finder.FindMatches(ctx, query, m.k, ranking.MatchContext{
		Severity:      extractor.InferSeverity(query),
		MinSimilarity: m.cfg.MinSimilarity,
	})
	if err != nil {
		return DecisionSilent, fmt.Errorf("find matches: %w", err)
	}
	if res.Degraded {
		return DecisionSilent, nil
	}
	if len(res.Matches) > 0 && res.Matches[0].Similarity >= m.cfg.MinSimilarity {
		s := Suggestion{ThreadID: th.ID, ChannelID: th.ChannelID, Matches: res.Matches}
		if err := m.sink.Suggest(ctx, s); err != nil {
			return DecisionSilent, err
		}
		m.log.Info("suggestion sent", "thread_id", th.ID, "top_id", res.Matches[0].Record.ID, "similarity", res.Matches[0].Similarity)
		return DecisionSuggested, nil
	}

	if !m.cfg.ExpertRouting {
		return DecisionSilent, nil
	}
	tags := extractor.InferTags(query)
	if len(tags) == 0 {
		return DecisionSilent, nil
	}
	for _, tag := range tags {
		covered, err := m.coverage.HasTag(ctx, tag)
		if err != nil {
			return DecisionSilent, err
		}
		if covered {
			return DecisionSilent, nil
		}
	}
	r := ExpertRouting{ThreadID: th.ID, ChannelID: th.ChannelID, Tags: tags, Experts: m.experts(ctx, tags)}
	if err := m.sink.RouteToExperts(ctx, r); err != nil {
		return DecisionSilent, err
	}
	m.log.Info("routed to experts", "thread_id", th.ID, "tags", tags, "experts", r.Experts)
	return DecisionRouted, nil
}

// experts lists who to ask: resolvers of records sharing a tag, then the
// configured experts for the tags, then the most prolific resolvers overall,
// up to MaxExperts.
func (m *Matcher) experts(ctx context.Context, tags []string) []string {
	limit := m.cfg.MaxExperts
	seen := map[string]bool{}
	var out []string
	add := func(users []string) {
		for _, u := range users {
			if limit > 0 && len(out) >= limit {
				return
			}
			if u != "" && !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}

	learned, err := m.coverage.Experts(ctx, tags, limit)
	if err != nil {
		m.log.Warn("expert lookup failed", "tags", tags, "error", err)
	}
	add(learned)

	var configured []string
	for _, tag := range tags {
		configured = append(configured, m.cfg.Experts[tag]...)
	}
	sort.Strings(configured)
	add(configured)

	if limit > 0 && len(out) >= limit {
		return out
	}
	top, err := m.coverage.Experts(ctx, nil, limit)
	if err != nil {
		m.log.Warn("expert lookup failed", "error", err)
	}
	add(top)
	return out
}
