package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/rcliao/support-memory/internal/model"
)

// SQLiteStore implements ThreadStore and SolutionStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer; transactions must use their own tx handle for every statement.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func newID() string {
	return ulid.Make().String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		id               TEXT PRIMARY KEY,
		channel_id       TEXT NOT NULL DEFAULT '',
		state            TEXT NOT NULL CHECK (state IN ('OPEN','PENDING_CLOSURE','CLOSED','ARCHIVED')),
		created_at       INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL,
		state_changed_at INTEGER NOT NULL,
		closure_attempts INTEGER NOT NULL DEFAULT 0,
		message_count    INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_threads_state_activity ON threads(state, last_activity_at);
	CREATE INDEX IF NOT EXISTS idx_threads_state_changed ON threads(state, state_changed_at);

	CREATE TABLE IF NOT EXISTS messages (
		thread_id  TEXT NOT NULL REFERENCES threads(id),
		message_id TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		author     TEXT NOT NULL DEFAULT '',
		text       TEXT NOT NULL,
		ts         INTEGER NOT NULL,
		PRIMARY KEY (thread_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_seq ON messages(thread_id, seq);

	CREATE TABLE IF NOT EXISTS solutions (
		id               TEXT PRIMARY KEY,
		source_thread_id TEXT,
		problem_summary  TEXT NOT NULL,
		solution_summary TEXT NOT NULL,
		root_cause       TEXT,
		tags             TEXT,
		severity         TEXT NOT NULL CHECK (severity IN ('critical','high','medium','low','info')),
		created_at       INTEGER NOT NULL,
		embedding        BLOB,
		raw_excerpt      TEXT,
		usage_count      INTEGER NOT NULL DEFAULT 1,
		version          INTEGER NOT NULL DEFAULT 1,
		supersedes       TEXT REFERENCES solutions(id),
		superseded_by    TEXT REFERENCES solutions(id),
		resolver         TEXT,
		success_count    INTEGER NOT NULL DEFAULT 0,
		failure_count    INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_solutions_active ON solutions(superseded_by, created_at DESC);

	CREATE TABLE IF NOT EXISTS solution_sources (
		thread_id   TEXT PRIMARY KEY,
		solution_id TEXT NOT NULL REFERENCES solutions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_sources_solution ON solution_sources(solution_id);

	CREATE TABLE IF NOT EXISTS solution_excerpts (
		solution_id TEXT NOT NULL REFERENCES solutions(id),
		seq         INTEGER NOT NULL,
		thread_id   TEXT,
		excerpt     TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		PRIMARY KEY (solution_id, seq)
	);

	CREATE TABLE IF NOT EXISTS solution_tags (
		solution_id TEXT NOT NULL REFERENCES solutions(id),
		tag         TEXT NOT NULL,
		PRIMARY KEY (solution_id, tag)
	);
	CREATE INDEX IF NOT EXISTS idx_tags_tag ON solution_tags(tag, solution_id);

	CREATE TABLE IF NOT EXISTS solution_links (
		from_id    TEXT NOT NULL REFERENCES solutions(id),
		to_id      TEXT NOT NULL,
		rel        TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (from_id, to_id, rel)
	);
	CREATE INDEX IF NOT EXISTS idx_links_to ON solution_links(to_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id         TEXT PRIMARY KEY,
		thread_id  TEXT,
		kind       TEXT NOT NULL,
		detail     TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_thread ON audit_log(thread_id, created_at);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS solutions_fts USING fts5(
		problem_summary,
		solution_summary,
		content=solutions,
		content_rowid=rowid
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first release; errors mean the column exists.
	s.db.Exec(`ALTER TABLE solutions ADD COLUMN resolver TEXT`)
	s.db.Exec(`ALTER TABLE solutions ADD COLUMN success_count INTEGER NOT NULL DEFAULT 0`)
	s.db.Exec(`ALTER TABLE solutions ADD COLUMN failure_count INTEGER NOT NULL DEFAULT 0`)
	s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_solutions_resolver ON solutions(resolver)`)

	// FTS5 triggers keep keyword search in sync with solution rows.
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS solutions_ai AFTER INSERT ON solutions BEGIN
			INSERT INTO solutions_fts(rowid, problem_summary, solution_summary)
			VALUES (new.rowid, new.problem_summary, new.solution_summary);
		END`,
		`CREATE TRIGGER IF NOT EXISTS solutions_ad AFTER DELETE ON solutions BEGIN
			INSERT INTO solutions_fts(solutions_fts, rowid, problem_summary, solution_summary)
			VALUES ('delete', old.rowid, old.problem_summary, old.solution_summary);
		END`,
	}
	for _, t := range triggers {
		if _, err := s.db.Exec(t); err != nil {
			return fmt.Errorf("create trigger: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetMeta returns a value from the meta table.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("meta %s: %w", key, model.ErrNotFound)
	}
	return v, err
}

// SetMeta upserts a value in the meta table.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func encodeTags(tags []string) *string {
	if len(tags) == 0 {
		return nil
	}
	b, _ := json.Marshal(tags)
	s := string(b)
	return &s
}

// encodeVector stores float32 components little-endian.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

func appendAudit(ctx context.Context, q querier, e model.AuditEntry) (*model.AuditEntry, error) {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO audit_log (id, thread_id, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, nullString(e.ThreadID), e.Kind, nullString(e.Detail), unixNano(e.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert audit: %w", err)
	}
	return &e, nil
}

// AppendAudit records a lifecycle decision.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e model.AuditEntry) (*model.AuditEntry, error) {
	return appendAudit(ctx, s.db, e)
}

// AuditLog returns audit entries, newest first. An empty threadID lists all threads.
func (s *SQLiteStore) AuditLog(ctx context.Context, threadID string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, thread_id, kind, detail, created_at FROM audit_log`
	var args []any
	if threadID != "" {
		query += ` WHERE thread_id = ?`
		args = append(args, threadID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var tid, detail sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &tid, &e.Kind, &detail, &created); err != nil {
			return nil, err
		}
		e.ThreadID = tid.String
		e.Detail = detail.String
		e.CreatedAt = fromUnixNano(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
