// Package extractor turns a thread transcript into a validated solution draft.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"

	"github.com/rcliao/support-memory/internal/config"
	"github.com/rcliao/support-memory/internal/logger"
	"github.com/rcliao/support-memory/internal/model"
	"github.com/rcliao/support-memory/internal/transcript"
)

// Summarizer separates the problem from its resolution in a transcript.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (*model.Summary, error)
}

// Outcome is the kind of extraction result.
type Outcome string

const (
	OutcomeDraft      Outcome = "draft"
	OutcomeNoSolution Outcome = "no_solution"
	OutcomeFailure    Outcome = "failure"
)

// Reason explains an extraction failure.
type Reason string

const (
	ReasonTimeout         Reason = "timeout"
	ReasonCapabilityError Reason = "capability_error"
	ReasonInvalidDraft    Reason = "invalid_draft"
	ReasonTooShort        Reason = "too_short"
)

// Result is the outcome of one extraction. Draft is set for OutcomeDraft;
// Reason and Err are set for OutcomeFailure.
type Result struct {
	Outcome Outcome
	Draft   *model.SolutionDraft
	Reason  Reason
	Detail  string
	Err     error
}

// Extractor drives the summarizer with truncation, retry and validation.
type Extractor struct {
	summarizer Summarizer
	cfg        config.ExtractorConfig
	log        *logger.Logger
}

// New creates an extractor.
func New(s Summarizer, cfg config.ExtractorConfig, log *logger.Logger) *Extractor {
	return &Extractor{summarizer: s, cfg: cfg, log: log.With("component", "extractor")}
}

// Extract summarizes msgs. It never returns an error; every failure is a Result.
func (e *Extractor) Extract(ctx context.Context, thread *model.Thread, msgs []model.Message) Result {
	log := e.log.With("thread_id", thread.ID)
	if len(msgs) < e.cfg.MinMessages {
		return failure(ReasonTooShort, fmt.Errorf("%d messages, need %d: %w", len(msgs), e.cfg.MinMessages, model.ErrValidation))
	}

	tr := transcript.Build(msgs, transcript.Options{Head: e.cfg.HeadMessages, Tail: e.cfg.TailMessages})
	if tr.Truncated {
		log.Debug("transcript truncated", "omitted", tr.Omitted)
	}
	text := tr.String()

	sum, err := e.summarize(ctx, text)
	if err != nil {
		res := failure(classifyFailure(err), err)
		log.Warn("extraction failed", "reason", res.Reason, "error", err)
		return res
	}

	if !sum.Resolved || strings.TrimSpace(sum.Solution) == "" {
		if strings.TrimSpace(sum.Problem) == "" && sum.Resolved {
			return failure(ReasonInvalidDraft, fmt.Errorf("empty problem and solution: %w", model.ErrValidation))
		}
		log.Info("no solution in thread")
		return Result{Outcome: OutcomeNoSolution, Detail: strings.TrimSpace(sum.Problem)}
	}

	draft, err := e.validate(sum, text)
	if err != nil {
		log.Warn("draft rejected", "error", err)
		return failure(ReasonInvalidDraft, err)
	}
	draft.RawExcerpt = tr.Excerpt(e.cfg.ExcerptChars)
	draft.Resolver = Resolver(msgs)
	return Result{Outcome: OutcomeDraft, Draft: draft}
}

func (e *Extractor) summarize(ctx context.Context, text string) (*model.Summary, error) {
	attempts := e.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	if e.cfg.RetryInitial > 0 {
		b.InitialInterval = e.cfg.RetryInitial
	}

	return backoff.Retry(ctx, func() (*model.Summary, error) {
		actx, cancel := e.attemptContext(ctx)
		defer cancel()
		sum, err := e.summarizer.Summarize(actx, text)
		if err == nil {
			return sum, nil
		}
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("summarize timed out: %w: %w", model.ErrTransient, context.DeadlineExceeded)
		}
		if errors.Is(err, model.ErrTransient) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
}

func (e *Extractor) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.Timeout)
}

func (e *Extractor) validate(sum *model.Summary, text string) (*model.SolutionDraft, error) {
	problem := strings.TrimSpace(sum.Problem)
	solution := strings.TrimSpace(sum.Solution)
	if problem == "" {
		return nil, fmt.Errorf("empty problem: %w", model.ErrValidation)
	}
	if n := utf8.RuneCountInString(problem); e.cfg.MaxProblemChars > 0 && n > e.cfg.MaxProblemChars {
		return nil, fmt.Errorf("problem is %d chars, max %d: %w", n, e.cfg.MaxProblemChars, model.ErrValidation)
	}
	if n := utf8.RuneCountInString(solution); e.cfg.MaxSolutionChars > 0 && n > e.cfg.MaxSolutionChars {
		return nil, fmt.Errorf("solution is %d chars, max %d: %w", n, e.cfg.MaxSolutionChars, model.ErrValidation)
	}

	severity, ok := model.ParseSeverity(sum.Severity)
	if !ok {
		severity = InferSeverity(text)
	}
	return &model.SolutionDraft{
		ProblemSummary:  problem,
		SolutionSummary: solution,
		RootCause:       strings.TrimSpace(sum.RootCause),
		Tags:            MergeTags(sum.Tags, InferTags(text)),
		Severity:        severity,
	}, nil
}

func failure(reason Reason, err error) Result {
	return Result{Outcome: OutcomeFailure, Reason: reason, Err: err}
}

func classifyFailure(err error) Reason {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, model.ErrValidation):
		return ReasonInvalidDraft
	default:
		return ReasonCapabilityError
	}
}
