package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rcliao/support-memory/internal/model"
)

const threadColumns = `id, channel_id, state, created_at, last_activity_at, state_changed_at, closure_attempts, message_count`

func scanThread(row scanner) (model.Thread, error) {
	var t model.Thread
	var state string
	var created, last, changed int64
	err := row.Scan(&t.ID, &t.ChannelID, &state, &created, &last, &changed, &t.ClosureAttempts, &t.MessageCount)
	if err != nil {
		return t, err
	}
	t.State = model.ThreadState(state)
	t.CreatedAt = fromUnixNano(created)
	t.LastActivityAt = fromUnixNano(last)
	t.StateChangedAt = fromUnixNano(changed)
	return t, nil
}

func getThread(ctx context.Context, q querier, id string) (*model.Thread, error) {
	t, err := scanThread(q.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetThread returns a thread by id.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	return getThread(ctx, s.db, id)
}

// RecordMessage creates the thread if unseen and appends the message once per message id.
// A message for a CLOSED or ARCHIVED thread is rejected with ErrStateConflict.
func (s *SQLiteStore) RecordMessage(ctx context.Context, p MessageParams) (*MessageResult, error) {
	if p.ThreadID == "" || p.MessageID == "" {
		return nil, fmt.Errorf("thread id and message id are required: %w", model.ErrValidation)
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res := &MessageResult{}
	th, err := getThread(ctx, tx, p.ThreadID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		th = &model.Thread{
			ID:             p.ThreadID,
			ChannelID:      p.ChannelID,
			State:          model.StateOpen,
			CreatedAt:      ts,
			LastActivityAt: ts,
			StateChangedAt: now,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO threads (`+threadColumns+`) VALUES (?, ?, ?, ?, ?, ?, 0, 0)`,
			th.ID, th.ChannelID, string(th.State), unixNano(th.CreatedAt),
			unixNano(th.LastActivityAt), unixNano(th.StateChangedAt))
		if err != nil {
			return nil, fmt.Errorf("insert thread: %w", err)
		}
		res.Created = true
	case err != nil:
		return nil, err
	}

	if th.State.Terminal() {
		res.Thread = *th
		return res, fmt.Errorf("thread %s is %s: %w", th.ID, th.State, model.ErrStateConflict)
	}

	r, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (thread_id, message_id, seq, author, text, ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		th.ID, p.MessageID, th.MessageCount, p.Author, p.Text, unixNano(ts))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		// Duplicate delivery.
		res.Thread = *th
		return res, tx.Commit()
	}
	res.Appended = true

	th.MessageCount++
	if ts.After(th.LastActivityAt) {
		th.LastActivityAt = ts
	}
	if th.State == model.StatePendingClosure {
		th.State = model.StateOpen
		th.StateChangedAt = now
		th.ClosureAttempts = 0
		if now.After(th.LastActivityAt) {
			th.LastActivityAt = now
		}
		res.Reopened = true
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE threads SET state = ?, last_activity_at = ?, state_changed_at = ?,
		        closure_attempts = ?, message_count = ?
		 WHERE id = ?`,
		string(th.State), unixNano(th.LastActivityAt), unixNano(th.StateChangedAt),
		th.ClosureAttempts, th.MessageCount, th.ID)
	if err != nil {
		return nil, fmt.Errorf("update thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	res.Thread = *th
	return res, nil
}

// Messages returns a thread's log in arrival order.
func (s *SQLiteStore) Messages(ctx context.Context, threadID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, message_id, seq, author, text, ts FROM messages
		 WHERE thread_id = ? ORDER BY seq`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var ts int64
		if err := rows.Scan(&m.ThreadID, &m.MessageID, &m.Seq, &m.Author, &m.Text, &ts); err != nil {
			return nil, err
		}
		m.Timestamp = fromUnixNano(ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListThreads returns threads matching the filters, oldest activity first.
func (s *SQLiteStore) ListThreads(ctx context.Context, p ListThreadsParams) ([]model.Thread, error) {
	var where []string
	var args []any
	if p.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(p.State))
	}
	if !p.IdleSince.IsZero() {
		where = append(where, "last_activity_at <= ?")
		args = append(args, unixNano(p.IdleSince))
	}
	if !p.ChangedBefore.IsZero() {
		where = append(where, "state_changed_at <= ?")
		args = append(args, unixNano(p.ChangedBefore))
	}

	query := `SELECT ` + threadColumns + ` FROM threads`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY last_activity_at, id`
	if p.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, p.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransitionThread moves a thread to p.To if its current state is one of p.From
// and, when p.LastActivityAt is set, its activity timestamp is unchanged.
func (s *SQLiteStore) TransitionThread(ctx context.Context, p TransitionParams) (*model.Thread, error) {
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	th, err := getThread(ctx, tx, p.ThreadID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(p.From, th.State) || !th.State.CanTransition(p.To) {
		return th, fmt.Errorf("thread %s: %s -> %s: %w", th.ID, th.State, p.To, model.ErrStateConflict)
	}
	if !p.LastActivityAt.IsZero() && !th.LastActivityAt.Equal(p.LastActivityAt) {
		return th, fmt.Errorf("thread %s had new activity: %w", th.ID, model.ErrStateConflict)
	}

	th.State = p.To
	th.StateChangedAt = now
	_, err = tx.ExecContext(ctx,
		`UPDATE threads SET state = ?, state_changed_at = ? WHERE id = ?`,
		string(th.State), unixNano(now), th.ID)
	if err != nil {
		return nil, fmt.Errorf("update thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return th, nil
}

// IncrementClosureAttempts bumps and returns the failed-finalize counter.
func (s *SQLiteStore) IncrementClosureAttempts(ctx context.Context, threadID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`UPDATE threads SET closure_attempts = closure_attempts + 1 WHERE id = ?
		 RETURNING closure_attempts`, threadID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("thread %s: %w", threadID, model.ErrNotFound)
	}
	return n, err
}
