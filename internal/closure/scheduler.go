// Package closure detects idle threads and finalizes them into solution records.
package closure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/support-memory/internal/config"
	"github.com/rcliao/support-memory/internal/extractor"
	"github.com/rcliao/support-memory/internal/logger"
	"github.com/rcliao/support-memory/internal/memstore"
	"github.com/rcliao/support-memory/internal/model"
	"github.com/rcliao/support-memory/internal/store"
	"github.com/rcliao/support-memory/internal/tracker"
)

// Extractor produces a solution draft from a thread.
type Extractor interface {
	Extract(ctx context.Context, thread *model.Thread, msgs []model.Message) extractor.Result
}

// Memory is the write side of the memory store.
type Memory interface {
	Prepare(ctx context.Context, d model.SolutionDraft) (*memstore.Prepared, error)
	Commit(ctx context.Context, p *memstore.Prepared, sourceThreadID string) (*memstore.SaveResult, error)
	BySource(ctx context.Context, threadID string) (*model.SolutionRecord, error)
}

// Outcome reports what finalizing one thread did.
type Outcome string

const (
	OutcomeSaved      Outcome = "saved"
	OutcomeNoSolution Outcome = "no_solution"
	OutcomeFailed     Outcome = "failed"
	OutcomeAbandoned  Outcome = "abandoned"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeSkipped    Outcome = "skipped"
)

// FinalizeReport counts finalize outcomes.
type FinalizeReport map[Outcome]int

// SaveResult is the result of a manual save.
type SaveResult struct {
	Record     *model.SolutionRecord `json:"record,omitempty"`
	Merged     bool                  `json:"merged,omitempty"`
	Existing   bool                  `json:"existing,omitempty"`
	NoSolution bool                  `json:"no_solution,omitempty"`
}

// Scheduler runs the idle sweep and the finalize step.
type Scheduler struct {
	tracker *tracker.Tracker
	extract Extractor
	memory  Memory
	clock   clockwork.Clock
	cfg     config.ClosureConfig
	log     *logger.Logger

	mu       sync.Mutex
	inflight map[string]bool
	onClosed []func(threadID string)
}

// New creates a scheduler.
func New(tr *tracker.Tracker, ex Extractor, mem Memory, cfg config.ClosureConfig, log *logger.Logger) *Scheduler {
	return &Scheduler{
		tracker:  tr,
		extract:  ex,
		memory:   mem,
		clock:    tr.Clock(),
		cfg:      cfg,
		log:      log.With("component", "closure"),
		inflight: make(map[string]bool),
	}
}

// OnClosed registers fn to run after a thread leaves the active states.
func (s *Scheduler) OnClosed(fn func(threadID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClosed = append(s.onClosed, fn)
}

func (s *Scheduler) notifyClosed(threadID string) {
	s.mu.Lock()
	hooks := append([]func(string){}, s.onClosed...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(threadID)
	}
}

// Run sweeps, finalizes and archives on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("closure scheduler started", "interval", interval, "idle_threshold", s.cfg.IdleThreshold)
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("closure scheduler stopped")
			return ctx.Err()
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

// tick runs one cycle. A panic or error is logged and never escapes.
func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("closure tick panicked", "panic", r)
		}
	}()

	now := s.clock.Now()
	if n, err := s.Sweep(ctx, now); err != nil {
		s.log.Error("sweep failed", "error", err)
	} else if n > 0 {
		s.log.Info("threads pending closure", "count", n)
	}
	if report, err := s.Finalize(ctx); err != nil {
		s.log.Error("finalize failed", "error", err)
	} else if len(report) > 0 {
		s.log.Info("finalize done", "report", report)
	}
	if n, err := s.Archive(ctx, now); err != nil {
		s.log.Error("archive failed", "error", err)
	} else if n > 0 {
		s.log.Info("threads archived", "count", n)
	}
}

// Sweep moves every OPEN thread idle for at least the idle threshold to
// PENDING_CLOSURE and returns how many moved.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (int, error) {
	threads, err := s.tracker.List(ctx, store.ListThreadsParams{
		State:     model.StateOpen,
		IdleSince: now.Add(-s.cfg.IdleThreshold),
	})
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, th := range threads {
		err := s.tracker.WithThreadLock(ctx, th.ID, func(ctx context.Context) error {
			_, err := s.tracker.Transition(ctx, store.TransitionParams{
				ThreadID:       th.ID,
				From:           []model.ThreadState{model.StateOpen},
				To:             model.StatePendingClosure,
				LastActivityAt: th.LastActivityAt,
			})
			return err
		})
		switch {
		case err == nil:
			moved++
		case errors.Is(err, model.ErrStateConflict):
			s.log.Debug("thread changed during sweep", "thread_id", th.ID)
		default:
			s.log.Warn("sweep transition failed", "thread_id", th.ID, "error", err)
		}
	}
	return moved, nil
}

// Finalize processes every PENDING_CLOSURE thread with bounded concurrency.
// One thread's failure never affects the others.
func (s *Scheduler) Finalize(ctx context.Context) (FinalizeReport, error) {
	threads, err := s.tracker.List(ctx, store.ListThreadsParams{State: model.StatePendingClosure})
	if err != nil {
		return nil, err
	}

	limit := s.cfg.FinalizeConcurrency
	if limit <= 0 {
		limit = 1
	}
	var (
		g      errgroup.Group
		mu     sync.Mutex
		report = FinalizeReport{}
	)
	g.SetLimit(limit)
	for _, th := range threads {
		g.Go(func() error {
			out := s.finalizeGuarded(ctx, th)
			mu.Lock()
			report[out]++
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	return report, err
}

func (s *Scheduler) finalizeGuarded(ctx context.Context, th model.Thread) (out Outcome) {
	if !s.claim(th.ID) {
		return OutcomeSkipped
	}
	defer s.release(th.ID)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("finalize panicked", "thread_id", th.ID, "panic", r)
			out = OutcomeFailed
		}
	}()
	return s.finalize(ctx, &th)
}

func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		return false
	}
	s.inflight[id] = true
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

func (s *Scheduler) finalize(ctx context.Context, th *model.Thread) Outcome {
	log := s.log.With("thread_id", th.ID)

	if rec, err := s.memory.BySource(ctx, th.ID); err == nil {
		log.Info("thread already saved, closing", "solution_id", rec.ID)
		return s.closeIfUnchanged(ctx, th, OutcomeSaved, nil)
	} else if !errors.Is(err, model.ErrNotFound) {
		return s.fail(ctx, th, extractor.ReasonCapabilityError, err)
	}

	msgs, err := s.tracker.Messages(ctx, th.ID)
	if err != nil {
		return s.fail(ctx, th, extractor.ReasonCapabilityError, err)
	}
	res := s.extract.Extract(ctx, th, msgs)

	switch res.Outcome {
	case extractor.OutcomeNoSolution:
		return s.closeIfUnchanged(ctx, th, OutcomeNoSolution, func(ctx context.Context) error {
			s.tracker.Audit(ctx, th.ID, model.AuditNoSolution, res.Detail)
			return nil
		})
	case extractor.OutcomeFailure:
		if unextractable(res.Reason, res.Err) {
			return s.skipUnextractable(ctx, th, res.Reason, res.Err)
		}
		return s.fail(ctx, th, res.Reason, res.Err)
	}

	prepared, err := s.memory.Prepare(ctx, *res.Draft)
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			return s.skipUnextractable(ctx, th, extractor.ReasonInvalidDraft, err)
		}
		return s.fail(ctx, th, extractor.ReasonCapabilityError, err)
	}
	out := s.closeIfUnchanged(ctx, th, OutcomeSaved, func(ctx context.Context) error {
		saved, err := s.memory.Commit(ctx, prepared, th.ID)
		if err != nil {
			return err
		}
		s.auditResolver(ctx, th.ID, prepared.Draft.Resolver, saved)
		log.Info("thread finalized", "solution_id", saved.Record.ID, "merged", saved.Merged)
		return nil
	})
	return out
}

// auditResolver credits the thread's resolver with the record it produced.
func (s *Scheduler) auditResolver(ctx context.Context, threadID, resolver string, saved *memstore.SaveResult) {
	if saved.Existing || resolver == "" {
		return
	}
	s.tracker.Audit(ctx, threadID, model.AuditResolved, saved.Record.ID+" by "+resolver)
}

// unextractable reports a failure that another attempt cannot fix.
func unextractable(reason extractor.Reason, err error) bool {
	switch reason {
	case extractor.ReasonTooShort, extractor.ReasonInvalidDraft:
		return true
	}
	return errors.Is(err, model.ErrValidation)
}

// skipUnextractable closes the thread as having no solution on the first
// attempt.
func (s *Scheduler) skipUnextractable(ctx context.Context, th *model.Thread, reason extractor.Reason, cause error) Outcome {
	s.log.Info("no extractable solution", "thread_id", th.ID, "reason", reason, "error", cause)
	return s.closeIfUnchanged(ctx, th, OutcomeNoSolution, func(ctx context.Context) error {
		s.tracker.Audit(ctx, th.ID, model.AuditNoSolution, fmt.Sprintf("%s: %v", reason, cause))
		return nil
	})
}

// closeIfUnchanged runs before and closes the thread under the thread lock,
// provided no reply arrived since th was read. A failing before counts as a
// finalize failure.
func (s *Scheduler) closeIfUnchanged(ctx context.Context, th *model.Thread, ok Outcome, before func(ctx context.Context) error) Outcome {
	out := ok
	var failErr error
	err := s.tracker.WithThreadLock(ctx, th.ID, func(ctx context.Context) error {
		cur, err := s.tracker.Get(ctx, th.ID)
		if err != nil {
			return err
		}
		if cur.State != model.StatePendingClosure || !cur.LastActivityAt.Equal(th.LastActivityAt) {
			out = OutcomeCancelled
			s.tracker.Audit(ctx, th.ID, model.AuditClosureCancelled, "activity during finalize")
			return nil
		}
		if before != nil {
			if err := before(ctx); err != nil {
				failErr = err
				return nil
			}
		}
		_, err = s.tracker.Transition(ctx, store.TransitionParams{
			ThreadID:       th.ID,
			From:           []model.ThreadState{model.StatePendingClosure},
			To:             model.StateClosed,
			LastActivityAt: th.LastActivityAt,
		})
		return err
	})
	if failErr != nil {
		return s.fail(ctx, th, extractor.ReasonCapabilityError, failErr)
	}
	if err != nil {
		s.log.Warn("close failed", "thread_id", th.ID, "error", err)
		return OutcomeFailed
	}
	if out == OutcomeCancelled {
		s.log.Info("closure cancelled by activity", "thread_id", th.ID)
		return out
	}
	s.notifyClosed(th.ID)
	return out
}

// fail records a failed attempt. After MaxAttempts the thread is archived.
func (s *Scheduler) fail(ctx context.Context, th *model.Thread, reason extractor.Reason, cause error) Outcome {
	out := OutcomeFailed
	err := s.tracker.WithThreadLock(ctx, th.ID, func(ctx context.Context) error {
		cur, err := s.tracker.Get(ctx, th.ID)
		if err != nil {
			return err
		}
		if cur.State != model.StatePendingClosure {
			out = OutcomeCancelled
			return nil
		}
		attempts, err := s.tracker.BumpClosureAttempts(ctx, th.ID)
		if err != nil {
			return err
		}
		s.tracker.Audit(ctx, th.ID, model.AuditExtractionFailed, fmt.Sprintf("%s (attempt %d): %v", reason, attempts, cause))
		s.log.Warn("finalize failed", "thread_id", th.ID, "reason", reason, "attempt", attempts, "error", cause)

		if attempts < s.cfg.MaxAttempts {
			return nil
		}
		if _, err := s.tracker.Transition(ctx, store.TransitionParams{
			ThreadID: th.ID,
			From:     []model.ThreadState{model.StatePendingClosure},
			To:       model.StateArchived,
		}); err != nil {
			return err
		}
		s.tracker.Audit(ctx, th.ID, model.AuditClosureAbandoned, fmt.Sprintf("gave up after %d attempts", attempts))
		out = OutcomeAbandoned
		return nil
	})
	if err != nil {
		s.log.Error("recording finalize failure failed", "thread_id", th.ID, "error", err)
		return OutcomeFailed
	}
	if out == OutcomeAbandoned {
		s.notifyClosed(th.ID)
	}
	return out
}

// Close marks a thread CLOSED by hand without extracting a solution and fires
// the closed hooks.
func (s *Scheduler) Close(ctx context.Context, threadID string) (*model.Thread, error) {
	th, err := s.tracker.MarkClosed(ctx, threadID)
	if err != nil {
		return nil, err
	}
	s.notifyClosed(th.ID)
	return th, nil
}

// Archive moves CLOSED threads older than ArchiveAfter to ARCHIVED.
func (s *Scheduler) Archive(ctx context.Context, now time.Time) (int, error) {
	if s.cfg.ArchiveAfter <= 0 {
		return 0, nil
	}
	threads, err := s.tracker.List(ctx, store.ListThreadsParams{
		State:         model.StateClosed,
		ChangedBefore: now.Add(-s.cfg.ArchiveAfter),
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, th := range threads {
		_, err := s.tracker.Transition(ctx, store.TransitionParams{
			ThreadID: th.ID,
			From:     []model.ThreadState{model.StateClosed},
			To:       model.StateArchived,
		})
		if err != nil {
			if !errors.Is(err, model.ErrStateConflict) {
				s.log.Warn("archive failed", "thread_id", th.ID, "error", err)
			}
			continue
		}
		s.tracker.Audit(ctx, th.ID, model.AuditArchived, "retention")
		n++
	}
	return n, nil
}

// QuickSave extracts and stores a thread's solution immediately, without
// closing it. A thread that already has a record returns it.
func (s *Scheduler) QuickSave(ctx context.Context, threadID string) (*SaveResult, error) {
	th, err := s.tracker.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if rec, err := s.memory.BySource(ctx, threadID); err == nil {
		return &SaveResult{Record: rec, Existing: true}, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	if th.State.Terminal() {
		return nil, fmt.Errorf("thread %s is %s without a solution: %w", threadID, th.State, model.ErrStateConflict)
	}

	msgs, err := s.tracker.Messages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	res := s.extract.Extract(ctx, th, msgs)
	switch res.Outcome {
	case extractor.OutcomeNoSolution:
		s.tracker.Audit(ctx, threadID, model.AuditNoSolution, "quick save: "+res.Detail)
		return &SaveResult{NoSolution: true}, nil
	case extractor.OutcomeFailure:
		if unextractable(res.Reason, res.Err) {
			s.tracker.Audit(ctx, threadID, model.AuditNoSolution, fmt.Sprintf("quick save: %s: %v", res.Reason, res.Err))
			return &SaveResult{NoSolution: true}, nil
		}
		return nil, fmt.Errorf("extract %s: %s: %w", threadID, res.Reason, res.Err)
	}

	prepared, err := s.memory.Prepare(ctx, *res.Draft)
	if err != nil {
		return nil, err
	}
	var out *SaveResult
	err = s.tracker.WithThreadLock(ctx, threadID, func(ctx context.Context) error {
		saved, err := s.memory.Commit(ctx, prepared, threadID)
		if err != nil {
			return err
		}
		s.auditResolver(ctx, threadID, prepared.Draft.Resolver, saved)
		out = &SaveResult{Record: saved.Record, Merged: saved.Merged, Existing: saved.Existing}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("quick save", "thread_id", threadID, "solution_id", out.Record.ID, "merged", out.Merged, "existing", out.Existing)
	return out, nil
}
