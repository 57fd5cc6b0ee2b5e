package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rcliao/support-memory/internal/model"
)

// Retrying retries transient embedding failures with exponential backoff.
type Retrying struct {
	next     Embedder
	attempts uint
	initial  time.Duration
}

// WithRetry wraps next. Only errors wrapping model.ErrTransient are retried.
func WithRetry(next Embedder, attempts int, initial time.Duration) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	return &Retrying{next: next, attempts: uint(attempts), initial: initial}
}

func (r *Retrying) Embed(ctx context.Context, text string) (Vector, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	return backoff.Retry(ctx, func() (Vector, error) {
		v, err := r.next.Embed(ctx, text)
		if err != nil && !errors.Is(err, model.ErrTransient) {
			return nil, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.attempts))
}

func (r *Retrying) Dims() int { return r.next.Dims() }

func (r *Retrying) Name() string { return r.next.Name() }
