package proactive

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/support-memory/internal/config"
	"github.com/rcliao/support-memory/internal/lock"
	"github.com/rcliao/support-memory/internal/logger"
	"github.com/rcliao/support-memory/internal/model"
	"github.com/rcliao/support-memory/internal/ranking"
	"github.com/rcliao/support-memory/internal/store"
	"github.com/rcliao/support-memory/internal/tracker"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

type fakeFinder struct {
	mu      sync.Mutex
	queries []string
	result  *ranking.Result
	err     error
}

func (f *fakeFinder) FindMatches(_ context.Context, query string, _ int, mc ranking.MatchContext) (*ranking.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	var kept []model.CandidateMatch
	for _, c := range f.result.Matches {
		if c.Similarity >= mc.MinSimilarity {
			kept = append(kept, c)
		}
	}
	return &ranking.Result{Matches: kept, Degraded: f.result.Degraded}, nil
}

type fakeCoverage map[string]bool

func (c fakeCoverage) HasTag(_ context.Context, tag string) (bool, error) { return c[tag], nil }

func (c fakeCoverage) Experts(context.Context, []string, int) ([]string, error) { return nil, nil }

// learnedCoverage has no records for any tag but knows past resolvers.
type learnedCoverage struct {
	byTag map[string][]string
	top   []string
}

func (learnedCoverage) HasTag(context.Context, string) (bool, error) { return false, nil }

func (c learnedCoverage) Experts(_ context.Context, tags []string, limit int) ([]string, error) {
	users := c.top
	if len(tags) > 0 {
		users = nil
		for _, tag := range tags {
			users = append(users, c.byTag[tag]...)
		}
	}
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

type recordingSink struct {
	mu          sync.Mutex
	suggestions []Suggestion
	routings    []ExpertRouting
}

func (s *recordingSink) Suggest(_ context.Context, sg Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suggestions = append(s.suggestions, sg)
	return nil
}

func (s *recordingSink) RouteToExperts(_ context.Context, r ExpertRouting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routings = append(s.routings, r)
	return nil
}

type env struct {
	matcher *Matcher
	tracker *tracker.Tracker
	finder  *fakeFinder
	sink    *recordingSink
	clock   fakeClock
}

func match(sim float64) model.CandidateMatch {
	return model.CandidateMatch{Record: model.SolutionRecord{ID: "S1"}, Similarity: sim, Score: sim, Rank: 1}
}

func newEnv(t *testing.T, cfg config.ProactiveConfig, result *ranking.Result, cov Coverage) *env {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(t0)
	tr := tracker.New(db, lock.NewLocal(), clock, logger.Nop())
	finder := &fakeFinder{result: result}
	sink := &recordingSink{}
	return &env{
		matcher: New(tr, finder, cov, sink, clock, cfg, 3, logger.Nop()),
		tracker: tr,
		finder:  finder,
		sink:    sink,
		clock:   clock,
	}
}

func (e *env) say(t *testing.T, thread, id, author, text string) {
	t.Helper()
	_, err := e.tracker.RecordMessage(context.Background(), tracker.MessageInput{
		ThreadID: thread, ChannelID: "floor-2", MessageID: id, Author: author, Text: text, Timestamp: e.clock.Now(),
	})
	require.NoError(t, err)
}

func TestWatchSuggestsAfterSettle(t *testing.T) {
	cfg := config.Default().Proactive
	e := newEnv(t, cfg, &ranking.Result{Matches: []model.CandidateMatch{match(0.9)}}, nil)
	e.say(t, "T1", "m1", "alice", "Pump on press 4 is overheating")

	require.True(t, e.matcher.Watch(context.Background(), "T1"))
	assert.False(t, e.matcher.Watch(context.Background(), "T1"), "second watch is a no-op")

	e.clock.BlockUntil(1)
	e.say(t, "T1", "m2", "alice", "alarm H12 on the panel")
	e.say(t, "T1", "m3", "bob", "looking")
	e.clock.Advance(cfg.SettlePeriod)
	e.matcher.Wait()

	require.Len(t, e.sink.suggestions, 1)
	s := e.sink.suggestions[0]
	assert.Equal(t, "T1", s.ThreadID)
	assert.Equal(t, "floor-2", s.ChannelID)
	assert.Equal(t, "S1", s.Matches[0].Record.ID)

	require.Len(t, e.finder.queries, 1)
	assert.Equal(t, "Pump on press 4 is overheating\nalarm H12 on the panel", e.finder.queries[0])
	assert.Equal(t, 0, e.matcher.Pending())
}

func TestBelowProactiveThresholdStaysSilent(t *testing.T) {
	cfg := config.Default().Proactive
	e := newEnv(t, cfg, &ranking.Result{Matches: []model.CandidateMatch{match(0.5)}}, nil)
	e.say(t, "T1", "m1", "alice", "Pump on press 4 is overheating")

	d, err := e.matcher.Evaluate(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, DecisionSilent, d)
	assert.Empty(t, e.sink.suggestions)
	assert.Empty(t, e.sink.routings)
}

func TestCancelStopsWatch(t *testing.T) {
	cfg := config.Default().Proactive
	e := newEnv(t, cfg, &ranking.Result{Matches: []model.CandidateMatch{match(0.99)}}, nil)
	e.say(t, "T1", "m1", "alice", "Pump on press 4 is overheating")

	require.True(t, e.matcher.Watch(context.Background(), "T1"))
	e.clock.BlockUntil(1)
	e.matcher.Cancel("T1")
	e.matcher.Wait()

	assert.Empty(t, e.sink.suggestions)
	assert.Empty(t, e.finder.queries)
	assert.Equal(t, 0, e.matcher.Pending())
}

func TestClosedBeforeSettleIsDropped(t *testing.T) {
	cfg := config.Default().Proactive
	e := newEnv(t, cfg, &ranking.Result{Matches: []model.CandidateMatch{match(0.99)}}, nil)
	e.say(t, "T1", "m1", "alice", "Pump on press 4 is overheating")

	require.True(t, e.matcher.Watch(context.Background(), "T1"))
	e.clock.BlockUntil(1)
	_, err := e.tracker.MarkClosed(context.Background(), "T1")
	require.NoError(t, err)
	e.clock.Advance(cfg.SettlePeriod)
	e.matcher.Wait()

	assert.Empty(t, e.sink.suggestions)

	d, err := e.matcher.Evaluate(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, DecisionSilent, d)
}

func TestExpertRoutingWithoutCoverage(t *testing.T) {
	cfg := config.Default().Proactive
	cfg.ExpertRouting = true
	cfg.Experts = map[string][]string{"hydraulic": {"dana", "eve"}, "temperature": {"eve"}}
	e := newEnv(t, cfg, &ranking.Result{}, fakeCoverage{})
	e.say(t, "T1", "m1", "alice", "Hydraulic pump overheating on A1100")

	d, err := e.matcher.Evaluate(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, DecisionRouted, d)
	require.Len(t, e.sink.routings, 1)
	r := e.sink.routings[0]
	assert.Equal(t, []string{"temperature", "hydraulic", "a1100"}, r.Tags)
	assert.Equal(t, []string{"dana", "eve"}, r.Experts)
}

func TestExpertRoutingPrefersLearnedExperts(t *testing.T) {
	cfg := config.Default().Proactive
	cfg.ExpertRouting = true
	cfg.Experts = map[string][]string{"hydraulic": {"dana"}}
	cov := learnedCoverage{
		byTag: map[string][]string{"temperature": {"frank"}},
		top:   []string{"gina", "frank", "hal"},
	}
	e := newEnv(t, cfg, &ranking.Result{}, cov)
	e.say(t, "T1", "m1", "alice", "Hydraulic pump overheating")

	d, err := e.matcher.Evaluate(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, DecisionRouted, d)
	require.Len(t, e.sink.routings, 1)
	assert.Equal(t, []string{"frank", "dana", "gina"}, e.sink.routings[0].Experts)
}

func TestExpertRoutingSilentWhenCovered(t *testing.T) {
	cfg := config.Default().Proactive
	cfg.ExpertRouting = true
	e := newEnv(t, cfg, &ranking.Result{}, fakeCoverage{"hydraulic": true})
	e.say(t, "T1", "m1", "alice", "Hydraulic pump overheating")

	d, err := e.matcher.Evaluate(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, DecisionSilent, d)
	assert.Empty(t, e.sink.routings)
}

func TestDisabledMatcherDoesNotWatch(t *testing.T) {
	cfg := config.Default().Proactive
	cfg.Enabled = false
	e := newEnv(t, cfg, &ranking.Result{}, nil)
	assert.False(t, e.matcher.Watch(context.Background(), "T1"))
}

func TestFinderErrorIsReported(t *testing.T) {
	e := newEnv(t, config.Default().Proactive, &ranking.Result{}, nil)
	e.finder.err = errors.New("embedder offline")
	e.say(t, "T1", "m1", "alice", "Pump overheating")

	_, err := e.matcher.Evaluate(context.Background(), "T1")
	assert.Error(t, err)
}
