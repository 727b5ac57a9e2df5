// Package retry runs operations against remote backends with bounded
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/maneesh/chunkstore/internal/errs"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 100 * time.Millisecond
	DefaultMultiplier  = 2.0
	DefaultMaxDelay    = 5 * time.Second
)

// Policy describes how many times an operation is attempted and how long to
// wait between attempts. Delays start at BaseDelay and grow by Multiplier,
// capped at MaxDelay. There is no jitter, so delays never decrease.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultPolicy returns 3 attempts starting at 100ms and doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Multiplier:  DefaultMultiplier,
		MaxDelay:    DefaultMaxDelay,
	}
}

// NotifyFunc is called after a failed attempt that will be retried.
type NotifyFunc func(attempt int, err error, delay time.Duration)

// Option customizes a single Do call.
type Option func(*options)

type options struct {
	transient func(error) bool
	notify    NotifyFunc
}

// WithClassifier sets the function deciding whether an error is worth
// retrying. Errors it rejects are returned immediately.
func WithClassifier(transient func(error) bool) Option {
	return func(o *options) { o.transient = transient }
}

// WithNotify registers a callback invoked before each backoff sleep.
func WithNotify(fn NotifyFunc) Option {
	return func(o *options) { o.notify = fn }
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the context ends,
// or the attempt budget is spent. Exhaustion is reported as
// errs.ErrStoreUnavailable wrapping the last failure.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, opts ...Option) error {
	o := options{transient: defaultTransient}
	for _, opt := range opts {
		opt(&o)
	}

	attempts := 0
	permanent := false
	operation := func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		var perr *backoff.PermanentError
		if errors.As(err, &perr) || !o.transient(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if o.notify != nil {
		notify = func(err error, delay time.Duration) {
			o.notify(attempts, err, delay)
		}
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(p.backOff(), ctx), notify)
	if err == nil {
		return nil
	}
	if permanent || ctx.Err() != nil {
		return unwrapPermanent(err)
	}
	return fmt.Errorf("%w: giving up after %d attempts: %w", errs.ErrStoreUnavailable, attempts, err)
}

func (p Policy) backOff() backoff.BackOff {
	p = p.normalized()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

func defaultTransient(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func unwrapPermanent(err error) error {
	var perr *backoff.PermanentError
	if errors.As(err, &perr) {
		return perr.Err
	}
	return err
}
