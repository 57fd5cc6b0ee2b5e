// Package vectorindex is the top-k cosine index over active solution records,
// backed by an embedded chromem-go collection.
package vectorindex

import (
	"context"
	"fmt"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/rcliao/support-memory/internal/model"
)

// Entry is what the index stores per record.
type Entry struct {
	ID        string
	Embedding []float32
	Content   string
	Severity  model.Severity
	Tags      []string
	CreatedAt time.Time
}

// Hit is a scored index entry.
type Hit struct {
	ID         string
	Similarity float64
	Severity   model.Severity
	Tags       []string
	CreatedAt  time.Time
}

// Index wraps a chromem collection.
type Index struct {
	db  *chromem.DB
	col *chromem.Collection
}

// New creates an empty in-memory index.
func New() (*Index, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection("solutions", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Index{db: db, col: col}, nil
}

// Upsert adds or replaces an entry.
func (x *Index) Upsert(ctx context.Context, e Entry) error {
	if isZero(e.Embedding) {
		return fmt.Errorf("entry %s has no embedding: %w", e.ID, model.ErrValidation)
	}
	content := e.Content
	if content == "" {
		content = e.ID
	}
	doc := chromem.Document{
		ID:        e.ID,
		Content:   content,
		Embedding: append([]float32(nil), e.Embedding...),
		Metadata: map[string]string{
			"severity":   string(e.Severity),
			"tags":       strings.Join(e.Tags, ","),
			"created_at": e.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	// AddDocument overwrites an existing id.
	if err := x.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Remove drops an entry. Removing an absent id is not an error.
func (x *Index) Remove(ctx context.Context, id string) error {
	return x.col.Delete(ctx, nil, nil, id)
}

// Count returns the number of entries.
func (x *Index) Count() int {
	return x.col.Count()
}

// Query scores every entry against vec and returns those accepted by keep, in
// descending similarity. keep may be nil.
func (x *Index) Query(ctx context.Context, vec []float32, keep func(Hit) bool) ([]Hit, error) {
	n := x.col.Count()
	if n == 0 || isZero(vec) {
		return nil, nil
	}
	results, err := x.col.QueryEmbedding(ctx, append([]float32(nil), vec...), n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		h := Hit{
			ID:         r.ID,
			Similarity: float64(r.Similarity),
			Severity:   model.Severity(r.Metadata["severity"]),
		}
		if tags := r.Metadata["tags"]; tags != "" {
			h.Tags = strings.Split(tags, ",")
		}
		h.CreatedAt, _ = time.Parse(time.RFC3339Nano, r.Metadata["created_at"])
		if keep == nil || keep(h) {
			hits = append(hits, h)
		}
	}
	return hits, nil
}

func isZero(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}
