package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/support-memory/internal/model"
)

const solutionColumns = `id, source_thread_id, problem_summary, solution_summary, root_cause, tags, severity,
	created_at, embedding, raw_excerpt, usage_count, version, supersedes, superseded_by,
	resolver, success_count, failure_count`

func scanSolution(row scanner) (model.SolutionRecord, error) {
	var r model.SolutionRecord
	var source, rootCause, tagsJSON, excerpt, supersedes, supersededBy, resolver sql.NullString
	var severity string
	var created int64
	var emb []byte

	err := row.Scan(
		&r.ID, &source, &r.ProblemSummary, &r.SolutionSummary, &rootCause, &tagsJSON, &severity,
		&created, &emb, &excerpt, &r.UsageCount, &r.Version, &supersedes, &supersededBy,
		&resolver, &r.SuccessCount, &r.FailureCount,
	)
	if err != nil {
		return r, err
	}
	r.SourceThreadID = source.String
	r.RootCause = rootCause.String
	r.Severity = model.Severity(severity)
	r.CreatedAt = fromUnixNano(created)
	r.Embedding = decodeVector(emb)
	r.RawExcerpt = excerpt.String
	r.Supersedes = supersedes.String
	r.SupersededBy = supersededBy.String
	r.Resolver = resolver.String
	if tagsJSON.Valid {
		json.Unmarshal([]byte(tagsJSON.String), &r.Tags)
	}
	return r, nil
}

func getSolution(ctx context.Context, q querier, id string) (*model.SolutionRecord, error) {
	r, err := scanSolution(q.QueryRowContext(ctx, `SELECT `+solutionColumns+` FROM solutions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("solution %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func querySolutions(ctx context.Context, q querier, query string, args ...any) ([]model.SolutionRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SolutionRecord
	for rows.Next() {
		r, err := scanSolution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func loadExcerpts(ctx context.Context, q querier, recs []model.SolutionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	idx := make(map[string]int, len(recs))
	args := make([]any, len(recs))
	for i, r := range recs {
		idx[r.ID] = i
		args[i] = r.ID
	}
	rows, err := q.QueryContext(ctx,
		`SELECT solution_id, excerpt FROM solution_excerpts
		 WHERE solution_id IN (`+placeholders(len(args))+`) ORDER BY solution_id, seq`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, ex string
		if err := rows.Scan(&id, &ex); err != nil {
			return err
		}
		i := idx[id]
		recs[i].MergedExcerpts = append(recs[i].MergedExcerpts, ex)
	}
	return rows.Err()
}

func insertSolution(ctx context.Context, q querier, rec *model.SolutionRecord) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO solutions (`+solutionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
		rec.ID, nullString(rec.SourceThreadID), rec.ProblemSummary, rec.SolutionSummary,
		nullString(rec.RootCause), encodeTags(rec.Tags), string(rec.Severity),
		unixNano(rec.CreatedAt), encodeVector(rec.Embedding), nullString(rec.RawExcerpt),
		rec.UsageCount, rec.Version, nullString(rec.Supersedes),
		nullString(rec.Resolver), rec.SuccessCount, rec.FailureCount)
	if err != nil {
		return fmt.Errorf("insert solution: %w", err)
	}
	for _, tag := range rec.Tags {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO solution_tags (solution_id, tag) VALUES (?, ?)`, rec.ID, tag); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}
	return nil
}

func mapSource(ctx context.Context, q querier, threadID, solutionID string) error {
	r, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO solution_sources (thread_id, solution_id) VALUES (?, ?)`, threadID, solutionID)
	if err != nil {
		return fmt.Errorf("map source: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("thread %s already has a solution: %w", threadID, model.ErrStateConflict)
	}
	return nil
}

func link(ctx context.Context, q querier, fromID, toID, rel string, at time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO solution_links (from_id, to_id, rel, created_at) VALUES (?, ?, ?, ?)`,
		fromID, toID, rel, unixNano(at))
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

// InsertSolution stores a new record and maps its source thread.
// A source thread that already maps to a record yields ErrStateConflict.
func (s *SQLiteStore) InsertSolution(ctx context.Context, rec *model.SolutionRecord) error {
	if !rec.Severity.Valid() {
		return fmt.Errorf("severity %q: %w", rec.Severity, model.ErrValidation)
	}
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	if rec.UsageCount == 0 {
		rec.UsageCount = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertSolution(ctx, tx, rec); err != nil {
		return err
	}
	if rec.SourceThreadID != "" {
		if err := mapSource(ctx, tx, rec.SourceThreadID, rec.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSolution returns a record with its merged excerpts.
func (s *SQLiteStore) GetSolution(ctx context.Context, id string) (*model.SolutionRecord, error) {
	r, err := getSolution(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	recs := []model.SolutionRecord{*r}
	if err := loadExcerpts(ctx, s.db, recs); err != nil {
		return nil, err
	}
	return &recs[0], nil
}

// GetSolutions returns records in the order of ids, skipping unknown ids.
func (s *SQLiteStore) GetSolutions(ctx context.Context, ids []string) ([]model.SolutionRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	recs, err := querySolutions(ctx, s.db,
		`SELECT `+solutionColumns+` FROM solutions WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.SolutionRecord, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}
	out := make([]model.SolutionRecord, 0, len(recs))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	if err := loadExcerpts(ctx, s.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SolutionBySource returns the current record mapped to a thread.
func (s *SQLiteStore) SolutionBySource(ctx context.Context, threadID string) (*model.SolutionRecord, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT solution_id FROM solution_sources WHERE thread_id = ?`, threadID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("solution for thread %s: %w", threadID, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.GetSolution(ctx, id)
}

// MergeSolution appends an excerpt to an active record, bumps its usage count
// and maps the merging thread to it.
func (s *SQLiteStore) MergeSolution(ctx context.Context, p MergeParams) (*model.SolutionRecord, error) {
	at := p.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rec, err := getSolution(ctx, tx, p.SolutionID)
	if err != nil {
		return nil, err
	}
	if !rec.Active() {
		return nil, fmt.Errorf("solution %s superseded by %s: %w", rec.ID, rec.SupersededBy, model.ErrStateConflict)
	}

	if p.ThreadID != "" {
		if err := mapSource(ctx, tx, p.ThreadID, rec.ID); err != nil {
			return nil, err
		}
		if err := link(ctx, tx, rec.ID, p.ThreadID, RelMergedFromThread, at); err != nil {
			return nil, err
		}
	}
	if p.Excerpt != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO solution_excerpts (solution_id, seq, thread_id, excerpt, created_at)
			 VALUES (?, (SELECT COUNT(*) FROM solution_excerpts WHERE solution_id = ?), ?, ?, ?)`,
			rec.ID, rec.ID, nullString(p.ThreadID), p.Excerpt, unixNano(at))
		if err != nil {
			return nil, fmt.Errorf("insert excerpt: %w", err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE solutions SET usage_count = usage_count + 1 WHERE id = ?`, rec.ID); err != nil {
		return nil, fmt.Errorf("bump usage: %w", err)
	}
	if _, err := appendAudit(ctx, tx, model.AuditEntry{
		ThreadID: p.ThreadID, Kind: model.AuditMerged, Detail: rec.ID, CreatedAt: at,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSolution(ctx, rec.ID)
}

// SupersedeSolution stores rev as the next revision of oldID. The old row is kept
// and marked superseded; source mappings and merged excerpts move to the revision.
func (s *SQLiteStore) SupersedeSolution(ctx context.Context, oldID string, rev *model.SolutionRecord) error {
	if !rev.Severity.Valid() {
		return fmt.Errorf("severity %q: %w", rev.Severity, model.ErrValidation)
	}
	if rev.ID == "" {
		rev.ID = newID()
	}
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	old, err := getSolution(ctx, tx, oldID)
	if err != nil {
		return err
	}
	if !old.Active() {
		return fmt.Errorf("solution %s already superseded by %s: %w", old.ID, old.SupersededBy, model.ErrStateConflict)
	}

	rev.Version = old.Version + 1
	rev.Supersedes = old.ID
	rev.SourceThreadID = old.SourceThreadID
	rev.UsageCount = old.UsageCount
	rev.SuccessCount = old.SuccessCount
	rev.FailureCount = old.FailureCount
	if rev.Resolver == "" {
		rev.Resolver = old.Resolver
	}
	if err := insertSolution(ctx, tx, rev); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE solutions SET superseded_by = ? WHERE id = ?`, rev.ID, old.ID); err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE solution_sources SET solution_id = ? WHERE solution_id = ?`, rev.ID, old.ID); err != nil {
		return fmt.Errorf("move sources: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO solution_excerpts (solution_id, seq, thread_id, excerpt, created_at)
		 SELECT ?, seq, thread_id, excerpt, created_at FROM solution_excerpts WHERE solution_id = ?`,
		rev.ID, old.ID); err != nil {
		return fmt.Errorf("copy excerpts: %w", err)
	}
	if err := link(ctx, tx, rev.ID, old.ID, RelSupersedes, rev.CreatedAt); err != nil {
		return err
	}
	if _, err := appendAudit(ctx, tx, model.AuditEntry{
		ThreadID: old.SourceThreadID, Kind: model.AuditCorrected,
		Detail: old.ID + " -> " + rev.ID, CreatedAt: rev.CreatedAt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordFeedback counts one helpful or unhelpful vote on an active record.
func (s *SQLiteStore) RecordFeedback(ctx context.Context, p FeedbackParams) (*model.SolutionRecord, error) {
	at := p.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rec, err := getSolution(ctx, tx, p.SolutionID)
	if err != nil {
		return nil, err
	}
	if !rec.Active() {
		return nil, fmt.Errorf("solution %s superseded by %s: %w", rec.ID, rec.SupersededBy, model.ErrStateConflict)
	}

	column, verdict := "failure_count", "unhelpful"
	if p.Helpful {
		column, verdict = "success_count", "helpful"
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE solutions SET `+column+` = `+column+` + 1 WHERE id = ?`, rec.ID); err != nil {
		return nil, fmt.Errorf("record feedback: %w", err)
	}
	if _, err := appendAudit(ctx, tx, model.AuditEntry{
		ThreadID: p.ThreadID, Kind: model.AuditFeedback, Detail: rec.ID + " " + verdict, CreatedAt: at,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSolution(ctx, rec.ID)
}

// TopResolvers ranks the authors credited with active records, most records
// first. With tags, only records carrying at least one of them count.
func (s *SQLiteStore) TopResolvers(ctx context.Context, tags []string, limit int) ([]ResolverCount, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT s.resolver, COUNT(DISTINCT s.id) AS n FROM solutions s`
	var args []any
	if len(tags) > 0 {
		query += ` JOIN solution_tags t ON t.solution_id = s.id AND t.tag IN (` + placeholders(len(tags)) + `)`
		for _, tag := range tags {
			args = append(args, tag)
		}
	}
	query += ` WHERE s.superseded_by IS NULL AND s.resolver IS NOT NULL AND s.resolver <> ''
		 GROUP BY s.resolver ORDER BY n DESC, s.resolver LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResolverCount
	for rows.Next() {
		var rc ResolverCount
		if err := rows.Scan(&rc.Resolver, &rc.Solutions); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// SolutionIDsWithTag returns up to limit active record ids carrying tag, after afterID.
func (s *SQLiteStore) SolutionIDsWithTag(ctx context.Context, tag, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.solution_id FROM solution_tags t
		 JOIN solutions s ON s.id = t.solution_id
		 WHERE t.tag = ? AND t.solution_id > ? AND s.superseded_by IS NULL
		 ORDER BY t.solution_id LIMIT ?`, tag, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActiveSolutions returns every current revision, newest first.
func (s *SQLiteStore) ActiveSolutions(ctx context.Context) ([]model.SolutionRecord, error) {
	return querySolutions(ctx, s.db,
		`SELECT `+solutionColumns+` FROM solutions WHERE superseded_by IS NULL ORDER BY created_at DESC, id DESC`)
}

// SolutionHistory returns the full revision chain containing id, newest first.
func (s *SQLiteStore) SolutionHistory(ctx context.Context, id string) ([]model.SolutionRecord, error) {
	head, err := getSolution(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	for head.SupersededBy != "" {
		if head, err = getSolution(ctx, s.db, head.SupersededBy); err != nil {
			return nil, err
		}
	}

	chain := []model.SolutionRecord{*head}
	for cur := head; cur.Supersedes != ""; {
		if cur, err = getSolution(ctx, s.db, cur.Supersedes); err != nil {
			return nil, err
		}
		chain = append(chain, *cur)
	}
	return chain, nil
}

// UpdateEmbedding replaces a record's stored vector. Used only when re-embedding
// unchanged text into a new embedding space.
func (s *SQLiteStore) UpdateEmbedding(ctx context.Context, id string, vec []float32) error {
	r, err := s.db.ExecContext(ctx, `UPDATE solutions SET embedding = ? WHERE id = ?`, encodeVector(vec), id)
	if err != nil {
		return err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("solution %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// SearchText runs a keyword query over active records' summaries using FTS5.
func (s *SQLiteStore) SearchText(ctx context.Context, query string, limit int) ([]model.SolutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	var prefixed []string
	for _, c := range strings.Split(solutionColumns, ",") {
		prefixed = append(prefixed, "s."+strings.TrimSpace(c))
	}
	return querySolutions(ctx, s.db,
		`SELECT `+strings.Join(prefixed, ", ")+`
		 FROM solutions_fts f JOIN solutions s ON s.rowid = f.rowid
		 WHERE solutions_fts MATCH ? AND s.superseded_by IS NULL
		 ORDER BY rank, s.created_at DESC LIMIT ?`, match, limit)
}

// ftsQuery turns free text into an OR of quoted terms so punctuation never breaks MATCH syntax.
func ftsQuery(q string) string {
	var terms []string
	for _, f := range strings.FieldsFunc(q, func(r rune) bool {
		return !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r > 127)
	}) {
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}
