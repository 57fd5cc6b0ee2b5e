package store

import (
	"context"

	"github.com/rcliao/support-memory/internal/model"
)

// ExportSolutions returns solution records oldest first. With history it includes
// superseded revisions.
func (s *SQLiteStore) ExportSolutions(ctx context.Context, history bool) ([]model.SolutionRecord, error) {
	query := `SELECT ` + solutionColumns + ` FROM solutions`
	if !history {
		query += ` WHERE superseded_by IS NULL`
	}
	query += ` ORDER BY created_at, id`

	recs, err := querySolutions(ctx, s.db, query)
	if err != nil {
		return nil, err
	}
	if err := loadExcerpts(ctx, s.db, recs); err != nil {
		return nil, err
	}
	return recs, nil
}
