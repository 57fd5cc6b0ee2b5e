package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath          string         `json:"db_path"`
	DBSizeBytes     int64          `json:"db_size_bytes"`
	Threads         map[string]int `json:"threads"`
	Messages        int            `json:"messages"`
	TotalSolutions  int            `json:"total_solutions"`
	ActiveSolutions int            `json:"active_solutions"`
	MergedExcerpts  int            `json:"merged_excerpts"`
	Audit           map[string]int `json:"audit"`
	TopTags         []TagStats     `json:"top_tags"`
}

// TagStats holds per-tag counts over active records.
type TagStats struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context, dbPath string) (*Stats, error) {
	st := &Stats{DBPath: dbPath, Threads: map[string]int{}, Audit: map[string]int{}}

	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&st.Messages)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM solutions`).Scan(&st.TotalSolutions)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM solutions WHERE superseded_by IS NULL`).Scan(&st.ActiveSolutions)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM solution_excerpts e
		JOIN solutions s ON s.id = e.solution_id WHERE s.superseded_by IS NULL`).Scan(&st.MergedExcerpts)

	if err := s.countInto(ctx, st.Threads, `SELECT state, COUNT(*) FROM threads GROUP BY state`); err != nil {
		return st, err
	}
	if err := s.countInto(ctx, st.Audit, `SELECT kind, COUNT(*) FROM audit_log GROUP BY kind`); err != nil {
		return st, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.tag, COUNT(*) AS cnt FROM solution_tags t
		JOIN solutions s ON s.id = t.solution_id
		WHERE s.superseded_by IS NULL
		GROUP BY t.tag ORDER BY cnt DESC, t.tag LIMIT 20`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var ts TagStats
		rows.Scan(&ts.Tag, &ts.Count)
		st.TopTags = append(st.TopTags, ts)
	}
	return st, rows.Err()
}

func (s *SQLiteStore) countInto(ctx context.Context, m map[string]int, query string) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		m[k] = n
	}
	return rows.Err()
}
