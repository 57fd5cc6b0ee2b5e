package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/support-memory/internal/lock"
	"github.com/rcliao/support-memory/internal/logger"
	"github.com/rcliao/support-memory/internal/model"
	"github.com/rcliao/support-memory/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T, clock clockwork.Clock) (*Tracker, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, lock.NewLocal(), clock, logger.Nop()), s
}

func msg(thread, id string, ts time.Time) MessageInput {
	return MessageInput{ThreadID: thread, ChannelID: "support", MessageID: id, Author: "alice", Text: "hello " + id, Timestamp: ts}
}

func TestRecordAndGetState(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, clockwork.NewFakeClockAt(t0))

	res, err := tr.RecordMessage(ctx, msg("T1", "m1", t0))
	require.NoError(t, err)
	assert.True(t, res.Created)

	state, err := tr.GetState(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, model.StateOpen, state)

	_, err = tr.GetState(ctx, "unknown")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRecordRequiresMessageID(t *testing.T) {
	tr, _ := newTestTracker(t, clockwork.NewFakeClockAt(t0))
	_, err := tr.RecordMessage(context.Background(), MessageInput{ThreadID: "T1", Text: "x"})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestMonotonicUnderReplayAndReorder(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, clockwork.NewFakeClockAt(t0))

	seq := []MessageInput{
		msg("T1", "m1", t0),
		msg("T1", "m3", t0.Add(3*time.Hour)),
		msg("T1", "m2", t0.Add(time.Hour)),
		msg("T1", "m3", t0.Add(3*time.Hour)),
		msg("T1", "m1", t0),
	}
	var last time.Time
	for _, in := range seq {
		res, err := tr.RecordMessage(ctx, in)
		require.NoError(t, err)
		assert.False(t, res.Thread.LastActivityAt.Before(last), "last_activity_at decreased")
		last = res.Thread.LastActivityAt
	}
	msgs, _ := tr.Messages(ctx, "T1")
	assert.Len(t, msgs, 3)
}

func TestReplyCancelsClosure(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(t0)
	tr, s := newTestTracker(t, clock)
	_, err := tr.RecordMessage(ctx, msg("T1", "m1", t0))
	require.NoError(t, err)

	clock.Advance(12 * time.Hour)
	_, err = tr.Transition(ctx, store.TransitionParams{
		ThreadID: "T1", From: []model.ThreadState{model.StateOpen}, To: model.StatePendingClosure,
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	res, err := tr.RecordMessage(ctx, msg("T1", "m2", t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.True(t, res.Reopened)
	assert.Equal(t, model.StateOpen, res.Thread.State)
	assert.True(t, res.Thread.LastActivityAt.Equal(clock.Now()))

	audit, _ := s.AuditLog(ctx, "T1", 10)
	require.Len(t, audit, 1)
	assert.Equal(t, model.AuditClosureCancelled, audit[0].Kind)
}

func TestMarkClosed(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t, clockwork.NewFakeClockAt(t0))
	tr.RecordMessage(ctx, msg("T1", "m1", t0))

	th, err := tr.MarkClosed(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, th.State)

	_, err = tr.MarkClosed(ctx, "T1")
	assert.ErrorIs(t, err, model.ErrStateConflict)

	_, err = tr.MarkClosed(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = tr.RecordMessage(ctx, msg("T1", "m2", t0))
	assert.ErrorIs(t, err, model.ErrStateConflict)
}
