package fn

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryOpts configures retry behavior.
type RetryOpts struct {
	// Label names the call site; it tags log entries and the final error.
	Label       string
	MaxAttempts int
	// BaseDelay is multiplied by 2^attempt (attempt counted from 1) between tries.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
	// Retryable reports whether err is worth another attempt. Nil retries everything.
	Retryable func(error) bool
	// Classify names the error class for logs. Defaults to the Go type.
	Classify func(error) string
	Logger   *slog.Logger
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetry is used for generic operations such as model calls.
var DefaultRetry = RetryOpts{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
}

// ProviderRetry is used for commerce provider page fetches.
var ProviderRetry = RetryOpts{
	MaxAttempts: 4,
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
}

// With returns a copy of o with the given label.
func (o RetryOpts) With(label string) RetryOpts {
	o.Label = label
	return o
}

// RetryError is returned when an operation gives up.
type RetryError struct {
	Label    string
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s: failed after %d attempt(s): %v", e.Label, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// Backoff returns the wait after the given failed attempt (counted from 1).
func (o RetryOpts) Backoff(attempt int) time.Duration {
	base := o.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	d := base << attempt
	if o.MaxDelay > 0 && d > o.MaxDelay {
		d = o.MaxDelay
	}
	return d
}

// Retry runs f up to MaxAttempts times with exponential backoff. Only error
// results are retried; an Ok result is returned as is, however empty.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	max := opts.MaxAttempts
	if max <= 0 {
		max = 1
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	classify := opts.Classify
	if classify == nil {
		classify = func(err error) string { return fmt.Sprintf("%T", err) }
	}

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		result := f(ctx)
		if result.IsOk() {
			return result
		}
		_, lastErr = result.Unwrap()

		retryable := opts.Retryable == nil || opts.Retryable(lastErr)
		log.Warn("retry: attempt failed",
			"op", opts.Label,
			"attempt", attempt,
			"max", max,
			"error_class", classify(lastErr),
			"retryable", retryable,
			"err", lastErr,
		)
		if !retryable || attempt == max {
			return Err[T](&RetryError{Label: opts.Label, Attempts: attempt, Err: lastErr})
		}

		if err := sleep(ctx, opts.Backoff(attempt)); err != nil {
			return Err[T](err)
		}
	}
	return Err[T](&RetryError{Label: opts.Label, Attempts: max, Err: lastErr})
}

// RetryDo is Retry for operations that return only an error.
func RetryDo(ctx context.Context, opts RetryOpts, f func(context.Context) error) error {
	_, err := Retry(ctx, opts, func(ctx context.Context) Result[struct{}] {
		return FromPair(struct{}{}, f(ctx))
	}).Unwrap()
	return err
}

// RetryStage wraps a Stage with retry logic.
func RetryStage[In, Out any](opts RetryOpts, stage Stage[In, Out]) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		return Retry(ctx, opts, func(ctx context.Context) Result[Out] {
			return stage(ctx, in)
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
