// Package memstore owns solution records: embedding, deduplication, correction
// revisions and the in-memory vector index rebuilt from SQLite on open.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/rcliao/support-memory/internal/config"
	"github.com/rcliao/support-memory/internal/embedding"
	"github.com/rcliao/support-memory/internal/lock"
	"github.com/rcliao/support-memory/internal/logger"
	"github.com/rcliao/support-memory/internal/model"
	"github.com/rcliao/support-memory/internal/store"
	"github.com/rcliao/support-memory/internal/vectorindex"
)

// MetaEmbedder is the meta key holding the name of the embedding space in use.
const MetaEmbedder = "embedder"

// ErrEmbedderMismatch reports stored vectors from a different embedding space.
var ErrEmbedderMismatch = errors.New("embedder mismatch, run reindex")

const tagPageSize = 100

// Prepared is an embedded draft ready to commit.
type Prepared struct {
	Draft     model.SolutionDraft
	Embedding []float32
}

// SaveResult reports how a commit was applied.
type SaveResult struct {
	Record *model.SolutionRecord `json:"record"`
	// Merged is set when the draft was folded into an existing near-duplicate.
	Merged bool `json:"merged,omitempty"`
	// Existing is set when the source thread already had a record.
	Existing bool `json:"existing,omitempty"`
}

// Filters narrows a search.
type Filters struct {
	MinSeverity model.Severity // most severe level allowed, e.g. critical
	MaxSeverity model.Severity // least severe level allowed, e.g. info
	Tags        []string       // any-of
}

// Scored is a search hit.
type Scored struct {
	Record     model.SolutionRecord
	Similarity float64
}

// Store is the memory store.
type Store struct {
	db       store.SolutionStore
	index    *vectorindex.Index
	embedder embedding.Embedder
	locks    lock.Locker
	clock    clockwork.Clock
	cfg      config.MemoryConfig
	log      *logger.Logger
}

// Open checks the embedding space recorded in db and loads every active record
// into a fresh vector index.
func Open(ctx context.Context, db store.SolutionStore, emb embedding.Embedder, locks lock.Locker,
	clock clockwork.Clock, cfg config.MemoryConfig, log *logger.Logger) (*Store, error) {
	name, err := db.GetMeta(ctx, MetaEmbedder)
	if errors.Is(err, model.ErrNotFound) {
		name, err = "", nil
	}
	if err != nil {
		return nil, err
	}
	switch name {
	case "":
		if err := db.SetMeta(ctx, MetaEmbedder, emb.Name()); err != nil {
			return nil, err
		}
	case emb.Name():
	default:
		return nil, fmt.Errorf("stored %s, configured %s: %w", name, emb.Name(), ErrEmbedderMismatch)
	}

	idx, err := vectorindex.New()
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:       db,
		index:    idx,
		embedder: emb,
		locks:    locks,
		clock:    clock,
		cfg:      cfg,
		log:      log.With("component", "memstore"),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	recs, err := s.db.ActiveSolutions(ctx)
	if err != nil {
		return fmt.Errorf("load active solutions: %w", err)
	}
	for i := range recs {
		if len(recs[i].Embedding) == 0 {
			s.log.Warn("record without embedding skipped", "id", recs[i].ID)
			continue
		}
		if err := s.index.Upsert(ctx, entry(&recs[i])); err != nil {
			return err
		}
	}
	s.log.Info("vector index loaded", "records", s.index.Count(), "embedder", s.embedder.Name())
	return nil
}

func entry(r *model.SolutionRecord) vectorindex.Entry {
	return vectorindex.Entry{
		ID:        r.ID,
		Embedding: r.Embedding,
		Content:   model.EmbeddingText(r.ProblemSummary, r.SolutionSummary),
		Severity:  r.Severity,
		Tags:      r.Tags,
		CreatedAt: r.CreatedAt,
	}
}

// Embedder returns the store's embedder.
func (s *Store) Embedder() embedding.Embedder { return s.embedder }

// Len returns the number of indexed active records.
func (s *Store) Len() int { return s.index.Count() }

// Prepare validates and embeds a draft. It takes no locks.
func (s *Store) Prepare(ctx context.Context, d model.SolutionDraft) (*Prepared, error) {
	d.ProblemSummary = strings.TrimSpace(d.ProblemSummary)
	d.SolutionSummary = strings.TrimSpace(d.SolutionSummary)
	if d.ProblemSummary == "" || d.SolutionSummary == "" {
		return nil, fmt.Errorf("problem and solution are required: %w", model.ErrValidation)
	}
	if d.Severity == "" {
		d.Severity = model.SeverityMedium
	}
	if !d.Severity.Valid() {
		return nil, fmt.Errorf("severity %q: %w", d.Severity, model.ErrValidation)
	}
	d.Tags = model.NormalizeTags(d.Tags)

	vec, err := s.embedder.Embed(ctx, model.EmbeddingText(d.ProblemSummary, d.SolutionSummary))
	if err != nil {
		return nil, fmt.Errorf("embed draft: %w", err)
	}
	return &Prepared{Draft: d, Embedding: vec}, nil
}

// Save prepares and commits a draft.
func (s *Store) Save(ctx context.Context, d model.SolutionDraft, sourceThreadID string) (*SaveResult, error) {
	p, err := s.Prepare(ctx, d)
	if err != nil {
		return nil, err
	}
	return s.Commit(ctx, p, sourceThreadID)
}

// Commit stores a prepared draft. A source thread that already has a record
// returns it with Existing set. A near-duplicate with overlapping tags absorbs
// the draft instead of a new record being created.
func (s *Store) Commit(ctx context.Context, p *Prepared, sourceThreadID string) (*SaveResult, error) {
	if sourceThreadID != "" {
		unlock, err := s.locks.Lock(ctx, lock.SourceKey(sourceThreadID))
		if err != nil {
			return nil, fmt.Errorf("lock source %s: %w", sourceThreadID, err)
		}
		defer unlock()

		existing, err := s.db.SolutionBySource(ctx, sourceThreadID)
		switch {
		case err == nil:
			return &SaveResult{Record: existing, Existing: true}, nil
		case !errors.Is(err, model.ErrNotFound):
			return nil, err
		}
	}

	if dup, sim, ok, err := s.nearest(ctx, p); err != nil {
		return nil, err
	} else if ok {
		rec, err := s.merge(ctx, dup, p, sourceThreadID)
		switch {
		case err == nil:
			s.log.Info("draft merged into existing record", "id", rec.ID, "thread_id", sourceThreadID, "similarity", sim)
			return &SaveResult{Record: rec, Merged: true}, nil
		case !errors.Is(err, model.ErrStateConflict):
			return nil, err
		}
		s.log.Debug("merge target changed, storing new record", "id", dup)
	}

	rec := &model.SolutionRecord{
		SourceThreadID:  sourceThreadID,
		ProblemSummary:  p.Draft.ProblemSummary,
		SolutionSummary: p.Draft.SolutionSummary,
		RootCause:       p.Draft.RootCause,
		Tags:            p.Draft.Tags,
		Severity:        p.Draft.Severity,
		CreatedAt:       s.clock.Now().UTC(),
		Embedding:       p.Embedding,
		RawExcerpt:      p.Draft.RawExcerpt,
		Resolver:        p.Draft.Resolver,
	}
	if err := s.db.InsertSolution(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.index.Upsert(ctx, entry(rec)); err != nil {
		return nil, err
	}
	s.log.Info("solution stored", "id", rec.ID, "thread_id", sourceThreadID, "severity", rec.Severity)
	return &SaveResult{Record: rec}, nil
}

// nearest returns the best near-duplicate: highest similarity, then newest.
func (s *Store) nearest(ctx context.Context, p *Prepared) (string, float64, bool, error) {
	hits, err := s.index.Query(ctx, p.Embedding, func(h vectorindex.Hit) bool {
		return h.Similarity >= s.cfg.DedupThreshold && model.TagsOverlap(h.Tags, p.Draft.Tags)
	})
	if err != nil || len(hits) == 0 {
		return "", 0, false, err
	}
	best := hits[0]
	for _, h := range hits[1:] {
		if h.Similarity > best.Similarity || h.Similarity == best.Similarity && h.CreatedAt.After(best.CreatedAt) {
			best = h
		}
	}
	return best.ID, best.Similarity, true, nil
}

func (s *Store) merge(ctx context.Context, id string, p *Prepared, threadID string) (*model.SolutionRecord, error) {
	unlock, err := s.locks.Lock(ctx, lock.RecordKey(id))
	if err != nil {
		return nil, fmt.Errorf("lock record %s: %w", id, err)
	}
	defer unlock()
	return s.db.MergeSolution(ctx, store.MergeParams{
		SolutionID: id,
		ThreadID:   threadID,
		Excerpt:    p.Draft.RawExcerpt,
		At:         s.clock.Now().UTC(),
	})
}

// Get returns a record by id.
func (s *Store) Get(ctx context.Context, id string) (*model.SolutionRecord, error) {
	return s.db.GetSolution(ctx, id)
}

// BySource returns the record a thread was saved or merged into.
func (s *Store) BySource(ctx context.Context, threadID string) (*model.SolutionRecord, error) {
	return s.db.SolutionBySource(ctx, threadID)
}

// HasTag reports whether any active record carries tag.
func (s *Store) HasTag(ctx context.Context, tag string) (bool, error) {
	ids, err := s.db.SolutionIDsWithTag(ctx, strings.ToLower(tag), "", 1)
	return len(ids) > 0, err
}

// Feedback records whether a record helped. threadID names the thread it was
// offered in and may be empty.
func (s *Store) Feedback(ctx context.Context, id, threadID string, helpful bool) (*model.SolutionRecord, error) {
	rec, err := s.db.RecordFeedback(ctx, store.FeedbackParams{
		SolutionID: id,
		ThreadID:   threadID,
		Helpful:    helpful,
		At:         s.clock.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("solution feedback", "id", id, "helpful", helpful, "success", rec.SuccessCount, "failure", rec.FailureCount)
	return rec, nil
}

// Experts returns up to limit people credited with resolving active records,
// most records first. With tags, only records carrying one of them count.
func (s *Store) Experts(ctx context.Context, tags []string, limit int) ([]string, error) {
	counts, err := s.db.TopResolvers(ctx, model.NormalizeTags(tags), limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(counts))
	for i, c := range counts {
		out[i] = c.Resolver
	}
	return out, nil
}

// AllWithTag lazily yields every active record carrying tag, in id order.
// Each range over the sequence starts from the beginning.
func (s *Store) AllWithTag(ctx context.Context, tag string) iter.Seq2[model.SolutionRecord, error] {
	tag = strings.ToLower(strings.TrimSpace(tag))
	return func(yield func(model.SolutionRecord, error) bool) {
		after := ""
		for {
			ids, err := s.db.SolutionIDsWithTag(ctx, tag, after, tagPageSize)
			if err != nil {
				yield(model.SolutionRecord{}, err)
				return
			}
			if len(ids) == 0 {
				return
			}
			recs, err := s.db.GetSolutions(ctx, ids)
			if err != nil {
				yield(model.SolutionRecord{}, err)
				return
			}
			for _, r := range recs {
				if !yield(r, nil) {
					return
				}
			}
			if len(ids) < tagPageSize {
				return
			}
			after = ids[len(ids)-1]
		}
	}
}

// Search returns up to k active records ordered by similarity, then newest,
// then id. k <= 0 returns every match.
func (s *Store) Search(ctx context.Context, vec []float32, k int, f Filters) ([]Scored, error) {
	tags := model.NormalizeTags(f.Tags)
	hits, err := s.index.Query(ctx, vec, func(h vectorindex.Hit) bool {
		return f.allows(h.Severity) && (len(tags) == 0 || model.TagsOverlap(h.Tags, tags))
	})
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	sim := make(map[string]float64, len(hits))
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		sim[h.ID] = h.Similarity
	}
	recs, err := s.db.GetSolutions(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Scored, 0, len(recs))
	for _, r := range recs {
		if r.Active() {
			out = append(out, Scored{Record: r, Similarity: sim[r.ID]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
			return a.Record.CreatedAt.After(b.Record.CreatedAt)
		}
		return a.Record.ID < b.Record.ID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (f Filters) allows(sev model.Severity) bool {
	r := sev.Rank()
	if f.MinSeverity != "" && r < f.MinSeverity.Rank() {
		return false
	}
	if f.MaxSeverity != "" && r > f.MaxSeverity.Rank() {
		return false
	}
	return true
}

// SearchText runs a keyword search over active records.
func (s *Store) SearchText(ctx context.Context, query string, limit int) ([]model.SolutionRecord, error) {
	return s.db.SearchText(ctx, query, limit)
}

// Correct stores a revision of an active record and re-embeds it. The prior
// revision is kept and marked superseded.
func (s *Store) Correct(ctx context.Context, id string, d model.SolutionDraft) (*model.SolutionRecord, error) {
	p, err := s.Prepare(ctx, d)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, lock.RecordKey(id))
	if err != nil {
		return nil, fmt.Errorf("lock record %s: %w", id, err)
	}
	defer unlock()

	old, err := s.db.GetSolution(ctx, id)
	if err != nil {
		return nil, err
	}
	if !old.Active() {
		return nil, fmt.Errorf("solution %s superseded by %s: %w", old.ID, old.SupersededBy, model.ErrStateConflict)
	}
	excerpt := p.Draft.RawExcerpt
	if excerpt == "" {
		excerpt = old.RawExcerpt
	}
	rev := &model.SolutionRecord{
		ProblemSummary:  p.Draft.ProblemSummary,
		SolutionSummary: p.Draft.SolutionSummary,
		RootCause:       p.Draft.RootCause,
		Tags:            p.Draft.Tags,
		Severity:        p.Draft.Severity,
		CreatedAt:       s.clock.Now().UTC(),
		Embedding:       p.Embedding,
		RawExcerpt:      excerpt,
		Resolver:        p.Draft.Resolver,
	}
	if err := s.db.SupersedeSolution(ctx, id, rev); err != nil {
		return nil, err
	}
	if err := s.index.Remove(ctx, id); err != nil {
		return nil, err
	}
	if err := s.index.Upsert(ctx, entry(rev)); err != nil {
		return nil, err
	}
	s.log.Info("solution corrected", "id", rev.ID, "supersedes", id, "version", rev.Version)
	return s.db.GetSolution(ctx, rev.ID)
}

// History returns the revision chain containing id, newest first.
func (s *Store) History(ctx context.Context, id string) ([]model.SolutionRecord, error) {
	return s.db.SolutionHistory(ctx, id)
}

// Reindex re-embeds every active record with emb and records emb as the
// embedding space. It returns the number of records re-embedded.
func Reindex(ctx context.Context, db store.SolutionStore, emb embedding.Embedder, log *logger.Logger) (int, error) {
	recs, err := db.ActiveSolutions(ctx)
	if err != nil {
		return 0, err
	}
	for i, r := range recs {
		vec, err := emb.Embed(ctx, model.EmbeddingText(r.ProblemSummary, r.SolutionSummary))
		if err != nil {
			return i, fmt.Errorf("embed %s: %w", r.ID, err)
		}
		if err := db.UpdateEmbedding(ctx, r.ID, vec); err != nil {
			return i, err
		}
	}
	if err := db.SetMeta(ctx, MetaEmbedder, emb.Name()); err != nil {
		return len(recs), err
	}
	log.Info("reindexed solutions", "records", len(recs), "embedder", emb.Name())
	return len(recs), nil
}
