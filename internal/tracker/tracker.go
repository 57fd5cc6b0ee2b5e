// Package tracker owns the lifecycle of monitored conversation threads.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rcliao/support-memory/internal/lock"
	"github.com/rcliao/support-memory/internal/logger"
	"github.com/rcliao/support-memory/internal/model"
	"github.com/rcliao/support-memory/internal/store"
)

// MessageInput is one normalized chat message.
type MessageInput struct {
	ThreadID  string
	ChannelID string
	MessageID string
	Author    string
	Text      string
	Timestamp time.Time
}

// Tracker records messages and performs thread state transitions.
type Tracker struct {
	store store.ThreadStore
	locks lock.Locker
	clock clockwork.Clock
	log   *logger.Logger
}

// New creates a tracker.
func New(s store.ThreadStore, locks lock.Locker, clock clockwork.Clock, log *logger.Logger) *Tracker {
	return &Tracker{store: s, locks: locks, clock: clock, log: log.With("component", "tracker")}
}

// Clock returns the tracker's time source.
func (t *Tracker) Clock() clockwork.Clock { return t.clock }

// RecordMessage creates the thread if unseen and appends the message once per
// message id. A reply to a PENDING_CLOSURE thread cancels the closure.
func (t *Tracker) RecordMessage(ctx context.Context, in MessageInput) (*store.MessageResult, error) {
	if in.ThreadID == "" || in.MessageID == "" {
		return nil, fmt.Errorf("thread_id and message_id are required: %w", model.ErrValidation)
	}

	var res *store.MessageResult
	err := t.WithThreadLock(ctx, in.ThreadID, func(ctx context.Context) error {
		var err error
		res, err = t.store.RecordMessage(ctx, store.MessageParams{
			ThreadID:  in.ThreadID,
			ChannelID: in.ChannelID,
			MessageID: in.MessageID,
			Author:    in.Author,
			Text:      in.Text,
			Timestamp: in.Timestamp,
			Now:       t.clock.Now(),
		})
		return err
	})
	if err != nil {
		if errors.Is(err, model.ErrStateConflict) {
			t.log.Debug("message for finished thread dropped", "thread_id", in.ThreadID, "message_id", in.MessageID)
		}
		return res, err
	}

	switch {
	case res.Created:
		t.log.Info("thread opened", "thread_id", in.ThreadID, "channel_id", in.ChannelID)
	case res.Reopened:
		t.log.Info("closure cancelled by reply", "thread_id", in.ThreadID)
		if _, aerr := t.store.AppendAudit(ctx, model.AuditEntry{
			ThreadID: in.ThreadID, Kind: model.AuditClosureCancelled, Detail: "reply " + in.MessageID, CreatedAt: t.clock.Now(),
		}); aerr != nil {
			t.log.Warn("audit write failed", "thread_id", in.ThreadID, "error", aerr)
		}
	}
	return res, nil
}

// GetState returns a thread's current state.
func (t *Tracker) GetState(ctx context.Context, threadID string) (model.ThreadState, error) {
	th, err := t.store.GetThread(ctx, threadID)
	if err != nil {
		return "", err
	}
	return th.State, nil
}

// Get returns a thread.
func (t *Tracker) Get(ctx context.Context, threadID string) (*model.Thread, error) {
	return t.store.GetThread(ctx, threadID)
}

// Messages returns a thread's message log in arrival order.
func (t *Tracker) Messages(ctx context.Context, threadID string) ([]model.Message, error) {
	return t.store.Messages(ctx, threadID)
}

// List returns threads matching p.
func (t *Tracker) List(ctx context.Context, p store.ListThreadsParams) ([]model.Thread, error) {
	return t.store.ListThreads(ctx, p)
}

// MarkClosed moves an OPEN or PENDING_CLOSURE thread to CLOSED. An already
// finished thread yields ErrStateConflict.
func (t *Tracker) MarkClosed(ctx context.Context, threadID string) (*model.Thread, error) {
	var th *model.Thread
	err := t.WithThreadLock(ctx, threadID, func(ctx context.Context) error {
		var err error
		th, err = t.Transition(ctx, store.TransitionParams{
			ThreadID: threadID,
			From:     []model.ThreadState{model.StateOpen, model.StatePendingClosure},
			To:       model.StateClosed,
		})
		return err
	})
	return th, err
}

// Transition applies a compare-and-set state change stamped with the tracker clock.
// Callers that already hold the thread lock use it directly.
func (t *Tracker) Transition(ctx context.Context, p store.TransitionParams) (*model.Thread, error) {
	p.Now = t.clock.Now()
	th, err := t.store.TransitionThread(ctx, p)
	if err != nil {
		return th, err
	}
	t.log.Info("thread state changed", "thread_id", th.ID, "state", th.State)
	return th, nil
}

// BumpClosureAttempts records a failed finalize and returns the new count.
func (t *Tracker) BumpClosureAttempts(ctx context.Context, threadID string) (int, error) {
	return t.store.IncrementClosureAttempts(ctx, threadID)
}

// Audit appends an audit entry stamped with the tracker clock.
func (t *Tracker) Audit(ctx context.Context, threadID, kind, detail string) {
	if _, err := t.store.AppendAudit(ctx, model.AuditEntry{
		ThreadID: threadID, Kind: kind, Detail: detail, CreatedAt: t.clock.Now(),
	}); err != nil {
		t.log.Warn("audit write failed", "thread_id", threadID, "kind", kind, "error", err)
	}
}

// WithThreadLock runs fn while holding the thread's exclusive lock.
func (t *Tracker) WithThreadLock(ctx context.Context, threadID string, fn func(ctx context.Context) error) error {
	unlock, err := t.locks.Lock(ctx, lock.ThreadKey(threadID))
	if err != nil {
		return fmt.Errorf("lock thread %s: %w", threadID, err)
	}
	defer unlock()
	return fn(ctx)
}
