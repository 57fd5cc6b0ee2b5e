package closure

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/support-memory/internal/config"
	"github.com/rcliao/support-memory/internal/embedding"
	"github.com/rcliao/support-memory/internal/extractor"
	"github.com/rcliao/support-memory/internal/lock"
	"github.com/rcliao/support-memory/internal/logger"
	"github.com/rcliao/support-memory/internal/memstore"
	"github.com/rcliao/support-memory/internal/model"
	"github.com/rcliao/support-memory/internal/store"
	"github.com/rcliao/support-memory/internal/tracker"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type fakeExtractor struct {
	calls atomic.Int32
	fn    func(th *model.Thread) extractor.Result
}

func (f *fakeExtractor) Extract(_ context.Context, th *model.Thread, _ []model.Message) extractor.Result {
	f.calls.Add(1)
	return f.fn(th)
}

func draftFor(th *model.Thread) extractor.Result {
	return extractor.Result{Outcome: extractor.OutcomeDraft, Draft: &model.SolutionDraft{
		ProblemSummary:  "problem in " + th.ID,
		SolutionSummary: "fix for " + th.ID,
		Tags:            []string{th.ID},
		Severity:        model.SeverityMedium,
	}}
}

type env struct {
	sched   *Scheduler
	tracker *tracker.Tracker
	memory  *memstore.Store
	db      *store.SQLiteStore
	clock   fakeClock
	ex      *fakeExtractor
}

func newEnv(t *testing.T, fn func(th *model.Thread) extractor.Result) *env {
	t.Helper()
	if fn == nil {
		fn = draftFor
	}
	ex := &fakeExtractor{fn: fn}
	e := newEnvWith(t, ex)
	e.ex = ex
	return e
}

// countingSummarizer returns a fixed summary and counts calls.
type countingSummarizer struct {
	calls   atomic.Int32
	summary model.Summary
}

func (c *countingSummarizer) Summarize(context.Context, string) (*model.Summary, error) {
	c.calls.Add(1)
	s := c.summary
	return &s, nil
}

func newEnvWith(t *testing.T, ex Extractor) *env {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(t0)
	locks := lock.NewLocal()
	tr := tracker.New(db, locks, clock, logger.Nop())
	mem, err := memstore.Open(context.Background(), db, embedding.NewLexical(0), locks, clock, config.Default().Memory, logger.Nop())
	require.NoError(t, err)

	return &env{
		sched:   New(tr, ex, mem, config.Default().Closure, logger.Nop()),
		tracker: tr,
		memory:  mem,
		db:      db,
		clock:   clock,
	}
}

func (e *env) record(t *testing.T, thread, id string) {
	t.Helper()
	e.recordBy(t, thread, id, "alice")
}

func (e *env) recordBy(t *testing.T, thread, id, author string) {
	t.Helper()
	_, err := e.tracker.RecordMessage(context.Background(), tracker.MessageInput{
		ThreadID: thread, ChannelID: "support", MessageID: id, Author: author,
		Text: "message " + id, Timestamp: e.clock.Now(),
	})
	require.NoError(t, err)
}

func (e *env) state(t *testing.T, thread string) model.ThreadState {
	t.Helper()
	s, err := e.tracker.GetState(context.Background(), thread)
	require.NoError(t, err)
	return s
}

func (e *env) auditKinds(t *testing.T, thread string) []string {
	t.Helper()
	entries, err := e.db.AuditLog(context.Background(), thread, 100)
	require.NoError(t, err)
	var kinds []string
	for _, a := range entries {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}

func TestSweepIdleThresholdBoundary(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.record(t, "T1", "m1")
	idle := config.Default().Closure.IdleThreshold

	n, err := e.sched.Sweep(ctx, t0.Add(idle-time.Nanosecond))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, model.StateOpen, e.state(t, "T1"))

	n, err = e.sched.Sweep(ctx, t0.Add(idle))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.StatePendingClosure, e.state(t, "T1"))
}

func TestSweepFinalizeScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.record(t, "T", "m1")
	e.clock.Advance(time.Hour)
	e.record(t, "T", "m2")
	e.clock.Advance(12 * time.Hour)

	n, err := e.sched.Sweep(ctx, e.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	report, err := e.sched.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report[OutcomeSaved])

	assert.Equal(t, model.StateClosed, e.state(t, "T"))
	assert.Equal(t, int32(1), e.ex.calls.Load())
	rec, err := e.memory.BySource(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, "T", rec.SourceThreadID)
	assert.Equal(t, 1, e.memory.Len())
}

func TestFinalizeNoSolutionClosesWithAudit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(*model.Thread) extractor.Result {
		return extractor.Result{Outcome: extractor.OutcomeNoSolution, Detail: "escalated"}
	})
	e.record(t, "T1", "m1")
	_, err := e.sched.Sweep(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)

	report, err := e.sched.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report[OutcomeNoSolution])
	assert.Equal(t, model.StateClosed, e.state(t, "T1"))
	assert.Contains(t, e.auditKinds(t, "T1"), model.AuditNoSolution)
	assert.Equal(t, 0, e.memory.Len())
}

func TestFinalizeFailureRetriesThenAbandons(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(*model.Thread) extractor.Result {
		return extractor.Result{Outcome: extractor.OutcomeFailure, Reason: extractor.ReasonTimeout, Err: context.DeadlineExceeded}
	})
	var closed []string
	e.sched.OnClosed(func(id string) { closed = append(closed, id) })

	e.record(t, "T1", "m1")
	_, err := e.sched.Sweep(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)

	for i := 1; i < config.Default().Closure.MaxAttempts; i++ {
		report, err := e.sched.Finalize(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report[OutcomeFailed])
		assert.Equal(t, model.StatePendingClosure, e.state(t, "T1"))
	}
	report, err := e.sched.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report[OutcomeAbandoned])
	assert.Equal(t, model.StateArchived, e.state(t, "T1"))
	assert.Contains(t, e.auditKinds(t, "T1"), model.AuditClosureAbandoned)
	assert.Equal(t, []string{"T1"}, closed)

	report, err = e.sched.Finalize(ctx)
	require.NoError(t, err)
	assert.Empty(t, report)
}

func TestTooShortThreadClosesWithoutRetry(t *testing.T) {
	ctx := context.Background()
	sum := &countingSummarizer{}
	e := newEnvWith(t, extractor.New(sum, config.Default().Extractor, logger.Nop()))
	e.record(t, "T1", "m1")
	_, err := e.sched.Sweep(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)

	report, err := e.sched.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, FinalizeReport{OutcomeNoSolution: 1}, report)
	assert.Equal(t, model.StateClosed, e.state(t, "T1"))
	assert.Equal(t, []string{model.AuditNoSolution}, e.auditKinds(t, "T1"))
	assert.Equal(t, int32(0), sum.calls.Load())

	th, err := e.tracker.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 0, th.ClosureAttempts)

	report, err = e.sched.Finalize(ctx)
	require.NoError(t, err)
	assert.Empty(t, report)
}

func TestInvalidDraftClosesWithoutRetry(t *testing.T) {
	ctx := context.Background()
	sum := &countingSummarizer{summary: model.Summary{Resolved: true, Solution: "restarted it"}}
	e := newEnvWith(t, extractor.New(sum, config.Default().Extractor, logger.Nop()))
	e.record(t, "T1", "m1")
	e.record(t, "T1", "m2")
	_, err := e.sched.Sweep(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)

	report, err := e.sched.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report[OutcomeNoSolution])
	assert.Equal(t, model.StateClosed, e.state(t, "T1"))
	assert.NotContains(t, e.auditKinds(t, "T1"), model.AuditExtractionFailed)
	assert.Equal(t, int32(1), sum.calls.Load())
	assert.Equal(t, 0, e.memory.Len())
}

func TestFinalizeCreditsResolver(t *testing.T) {
	ctx := context.Background()
	sum := &countingSummarizer{summary: model.Summary{
		Resolved: true, Problem: "pump overheats", Solution: "replaced the relay", Tags: []string{"pump"},
	}}
	e := newEnvWith(t, extractor.New(sum, config.Default().Extractor, logger.Nop()))
	e.recordBy(t, "T1", "m1", "alice")
	e.recordBy(t, "T1", "m2", "alice")
	e.recordBy(t, "T1", "m3", "bob")
	e.recordBy(t, "T1", "m4", "bob")
	_, err := e.sched.Sweep(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)

	report, err := e.sched.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report[OutcomeSaved])

	rec, err := e.memory.BySource(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "bob", rec.Resolver)

	entries, err := e.db.AuditLog(ctx, "T1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, model.AuditResolved, entries[0].Kind)
	assert.Equal(t, rec.ID+" by bob", entries[0].Detail)

	experts, err := e.memory.Experts(ctx, []string{"pump"}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, experts)
}

func TestReplyDuringFinalizeCancelsClosure(t *testing.T) {
	ctx := context.Background()
	var e *env
	e = newEnv(t, func(th *model.Thread) extractor.Result {
		e.clock.Advance(time.Minute)
		e.record(t, th.ID, "late-reply")
		return draftFor(th)
	})
	e.record(t, "T1", "m1")
	e.clock.Advance(13 * time.Hour)
	_, err := e.sched.Sweep(ctx, e.clock.Now())
	require.NoError(t, err)

	report, err := e.sched.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report[OutcomeCancelled])
	assert.Equal(t, model.StateOpen, e.state(t, "T1"))
	assert.Equal(t, 0, e.memory.Len())
	_, err = e.memory.BySource(ctx, "T1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestFinalizeIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(th *model.Thread) extractor.Result {
		switch th.ID {
		case "bad":
			return extractor.Result{Outcome: extractor.OutcomeFailure, Reason: extractor.ReasonCapabilityError, Err: errors.New("boom")}
		case "panics":
			panic("summarizer exploded")
		}
		return draftFor(th)
	})
	for _, id := range []string{"good", "bad", "panics", "good2"} {
		e.record(t, id, "m1")
	}
	_, err := e.sched.Sweep(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)

	report, err := e.sched.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report[OutcomeSaved])
	assert.Equal(t, 2, report[OutcomeFailed])
	assert.Equal(t, model.StateClosed, e.state(t, "good"))
	assert.Equal(t, model.StateClosed, e.state(t, "good2"))
	assert.Equal(t, model.StatePendingClosure, e.state(t, "bad"))
	assert.Equal(t, model.StatePendingClosure, e.state(t, "panics"))
}

func TestQuickSaveKeepsThreadOpen(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.record(t, "T1", "m1")

	res, err := e.sched.QuickSave(ctx, "T1")
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.False(t, res.Existing)
	assert.Equal(t, model.StateOpen, e.state(t, "T1"))

	again, err := e.sched.QuickSave(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, res.Record.ID, again.Record.ID)
	assert.Equal(t, int32(1), e.ex.calls.Load())

	_, err = e.sched.Sweep(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	report, err := e.sched.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report[OutcomeSaved])
	assert.Equal(t, model.StateClosed, e.state(t, "T1"))
	assert.Equal(t, int32(1), e.ex.calls.Load(), "finalize must not re-extract a saved thread")
	assert.Equal(t, 1, e.memory.Len())
}

func TestQuickSaveEdgeCases(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(*model.Thread) extractor.Result {
		return extractor.Result{Outcome: extractor.OutcomeNoSolution}
	})

	_, err := e.sched.QuickSave(ctx, "unknown")
	assert.ErrorIs(t, err, model.ErrNotFound)

	e.record(t, "T1", "m1")
	res, err := e.sched.QuickSave(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, res.NoSolution)
	assert.Nil(t, res.Record)

	_, err = e.tracker.MarkClosed(ctx, "T1")
	require.NoError(t, err)
	_, err = e.sched.QuickSave(ctx, "T1")
	assert.ErrorIs(t, err, model.ErrStateConflict)
}

func TestConcurrentQuickSaveAndFinalize(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.record(t, "T1", "m1")
	_, err := e.sched.Sweep(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := e.sched.QuickSave(ctx, "T1")
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := e.sched.Finalize(ctx)
		assert.NoError(t, err)
	}()
	wg.Wait()

	assert.Equal(t, 1, e.memory.Len())
	assert.Equal(t, model.StateClosed, e.state(t, "T1"))
}

func TestArchiveOldClosedThreads(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.record(t, "T1", "m1")
	_, err := e.tracker.MarkClosed(ctx, "T1")
	require.NoError(t, err)

	after := config.Default().Closure.ArchiveAfter
	n, err := e.sched.Archive(ctx, t0.Add(after-time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = e.sched.Archive(ctx, t0.Add(after))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.StateArchived, e.state(t, "T1"))
	assert.Contains(t, e.auditKinds(t, "T1"), model.AuditArchived)
}

func TestRunLoop(t *testing.T) {
	e := newEnv(t, nil)
	cfg := config.Default().Closure
	cfg.IdleThreshold = time.Hour
	cfg.SweepInterval = time.Hour
	e.sched = New(e.tracker, e.ex, e.memory, cfg, logger.Nop())

	var closed atomic.Int32
	e.sched.OnClosed(func(string) { closed.Add(1) })
	for i := 0; i < 3; i++ {
		e.record(t, fmt.Sprintf("T%d", i), "m1")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		e.clock.Advance(cfg.SweepInterval)
		return closed.Load() == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, 3, e.memory.Len())
}
