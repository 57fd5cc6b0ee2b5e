// Package app wires the memory engine together and dispatches gateway events
// and commands to it.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/rcliao/support-memory/internal/closure"
	"github.com/rcliao/support-memory/internal/config"
	"github.com/rcliao/support-memory/internal/embedding"
	"github.com/rcliao/support-memory/internal/extractor"
	"github.com/rcliao/support-memory/internal/llm"
	"github.com/rcliao/support-memory/internal/lock"
	"github.com/rcliao/support-memory/internal/logger"
	"github.com/rcliao/support-memory/internal/memstore"
	"github.com/rcliao/support-memory/internal/model"
	"github.com/rcliao/support-memory/internal/proactive"
	"github.com/rcliao/support-memory/internal/ranking"
	"github.com/rcliao/support-memory/internal/store"
	"github.com/rcliao/support-memory/internal/tracker"
	"github.com/rcliao/support-memory/internal/transcript"
)

// Service is the assembled engine.
type Service struct {
	Config    *config.Config
	Store     *store.SQLiteStore
	Tracker   *tracker.Tracker
	Memory    *memstore.Store
	Ranking   *ranking.Engine
	Scheduler *closure.Scheduler
	Matcher   *proactive.Matcher

	log     *logger.Logger
	watch   context.Context
	stop    context.CancelFunc
	closers []func() error
}

type options struct {
	summarizer extractor.Summarizer
	embedder   embedding.Embedder
	locker     lock.Locker
	clock      clockwork.Clock
	sink       proactive.Sink
}

// Option customizes New.
type Option func(*options)

// WithSummarizer replaces the configured summarizer.
func WithSummarizer(s extractor.Summarizer) Option { return func(o *options) { o.summarizer = s } }

// WithEmbedder replaces the configured embedder.
func WithEmbedder(e embedding.Embedder) Option { return func(o *options) { o.embedder = e } }

// WithLocker replaces the configured locker.
func WithLocker(l lock.Locker) Option { return func(o *options) { o.locker = l } }

// WithClock replaces the wall clock.
func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithSink directs proactive signals. The default sink only logs them.
func WithSink(s proactive.Sink) Option { return func(o *options) { o.sink = s } }

// New opens the database and builds every component.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*Service, error) {
	o := options{clock: clockwork.NewRealClock()}
	for _, fn := range opts {
		fn(&o)
	}

	s := &Service{Config: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.Store = db
	s.closers = append(s.closers, db.Close)

	if o.embedder == nil {
		o.embedder, err = embedding.New(cfg.Embedding, cfg.Extractor.RetryAttempts, cfg.Extractor.RetryInitial)
		if err != nil {
			return nil, err
		}
		if cached, isCached := o.embedder.(*embedding.Cached); isCached {
			s.closers = append(s.closers, func() error { cached.Close(); return nil })
		}
	}

	if o.locker == nil {
		if cfg.Lock.RedisURL != "" {
			r, err := lock.NewRedis(cfg.Lock.RedisURL, cfg.Lock.TTL, log)
			if err != nil {
				return nil, err
			}
			s.closers = append(s.closers, r.Close)
			o.locker = r
		} else {
			o.locker = lock.NewLocal()
		}
	}

	if o.summarizer == nil {
		o.summarizer, err = newSummarizer(cfg.Summarizer)
		if err != nil {
			return nil, err
		}
	}
	if o.sink == nil {
		o.sink = logSink{log: log}
	}

	s.Tracker = tracker.New(db, o.locker, o.clock, log)
	s.Memory, err = memstore.Open(ctx, db, o.embedder, o.locker, o.clock, cfg.Memory, log)
	if err != nil {
		return nil, err
	}
	s.Ranking = ranking.New(s.Memory, o.embedder, o.clock, cfg.Retrieval, log)
	s.Scheduler = closure.New(s.Tracker, extractor.New(o.summarizer, cfg.Extractor, log), s.Memory, cfg.Closure, log)
	s.Matcher = proactive.New(s.Tracker, s.Ranking, s.Memory, o.sink, o.clock, cfg.Proactive, cfg.Retrieval.MaxResults, log)
	s.Scheduler.OnClosed(s.Matcher.Cancel)

	s.watch, s.stop = context.WithCancel(context.WithoutCancel(ctx))
	ok = true
	return s, nil
}

func newSummarizer(cfg config.SummarizerConfig) (extractor.Summarizer, error) {
	switch cfg.Provider {
	case "", "anthropic":
		if cfg.APIKey == "" {
			return unavailableSummarizer{reason: "ANTHROPIC_API_KEY is not set"}, nil
		}
		return llm.NewAnthropic(llm.Config{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
	case "none":
		return unavailableSummarizer{reason: "summarizer disabled"}, nil
	default:
		return nil, fmt.Errorf("unknown summarizer provider %q", cfg.Provider)
	}
}

// unavailableSummarizer fails every call so threads stay pending and are
// retried once a key is configured.
type unavailableSummarizer struct{ reason string }

func (u unavailableSummarizer) Summarize(context.Context, string) (*model.Summary, error) {
	return nil, errors.New(u.reason)
}

// Close stops watchers and releases resources.
func (s *Service) Close() error {
	if s.stop != nil {
		s.stop()
		s.Matcher.Wait()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// RecordMessage records a chat message. The first message of a thread in a
// monitored channel starts a proactive watch. A message for a finished thread
// is dropped without error.
func (s *Service) RecordMessage(ctx context.Context, in tracker.MessageInput) (*store.MessageResult, error) {
	res, err := s.Tracker.RecordMessage(ctx, in)
	if errors.Is(err, model.ErrStateConflict) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if res.Created && s.Config.Monitored(in.ChannelID) {
		s.Matcher.Watch(s.watch, in.ThreadID)
	}
	return res, nil
}

// Search ranks stored solutions for free text.
func (s *Service) Search(ctx context.Context, query string, k int, severity model.Severity) (*ranking.Result, error) {
	return s.Ranking.FindMatches(ctx, query, k, ranking.MatchContext{Severity: severity})
}

// FetchInThread ranks stored solutions against the recent messages of a thread.
func (s *Service) FetchInThread(ctx context.Context, threadID string, k int) (*ranking.Result, error) {
	msgs, err := s.Tracker.Messages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("thread %s: %w", threadID, model.ErrNotFound)
	}
	query := transcript.Tail(msgs, s.Config.Retrieval.FetchTailMessages)
	if strings.TrimSpace(query) == "" {
		return &ranking.Result{}, nil
	}
	return s.Ranking.FindMatches(ctx, query, k, ranking.MatchContext{
		Severity: extractor.InferSeverity(query),
	})
}

// QuickSave stores a thread's solution now without closing it.
func (s *Service) QuickSave(ctx context.Context, threadID string) (*closure.SaveResult, error) {
	return s.Scheduler.QuickSave(ctx, threadID)
}

// Feedback records whether a suggested solution helped.
func (s *Service) Feedback(ctx context.Context, solutionID, threadID string, helpful bool) (*model.SolutionRecord, error) {
	return s.Memory.Feedback(ctx, solutionID, threadID, helpful)
}

// MarkClosed closes a thread by hand. Pending proactive work for it is dropped.
func (s *Service) MarkClosed(ctx context.Context, threadID string) (*model.Thread, error) {
	return s.Scheduler.Close(ctx, threadID)
}

// Run drives the closure scheduler until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	return s.Scheduler.Run(ctx)
}

type logSink struct{ log *logger.Logger }

func (l logSink) Suggest(_ context.Context, sg proactive.Suggestion) error {
	l.log.Info("suggestion", "thread_id", sg.ThreadID, "channel_id", sg.ChannelID, "matches", len(sg.Matches))
	return nil
}

func (l logSink) RouteToExperts(_ context.Context, r proactive.ExpertRouting) error {
	l.log.Info("expert routing", "thread_id", r.ThreadID, "channel_id", r.ChannelID, "tags", r.Tags, "experts", r.Experts)
	return nil
}
