package store

import (
	"context"
	"fmt"
	"time"
)

// Link represents provenance between a record and another record or thread.
type Link struct {
	FromID    string `json:"from_id"`
	ToID      string `json:"to_id"`
	Rel       string `json:"rel"`
	CreatedAt string `json:"created_at"`
}

// Link relations.
const (
	RelSupersedes       = "supersedes"
	RelMergedFromThread = "merged_from_thread"
)

// GetLinks returns all links touching a record or thread id.
func (s *SQLiteStore) GetLinks(ctx context.Context, id string) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_id, to_id, rel, created_at FROM solution_links
		 WHERE from_id = ? OR to_id = ? ORDER BY created_at`, id, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		var created int64
		if err := rows.Scan(&l.FromID, &l.ToID, &l.Rel, &created); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.CreatedAt = fromUnixNano(created).Format(time.RFC3339)
		links = append(links, l)
	}
	return links, rows.Err()
}
