package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// ErrTransient marks failures worth retrying: network faults, timeouts, throttling, 5xx.
var ErrTransient = errors.New("transient service error")

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() []error {
	return []error{ErrTransient, e.err}
}

// Transient wraps err so that errors.Is(err, ErrTransient) reports true.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return &transientError{err: err}
}

// IsTransient reports whether err should be retried.
// Context deadline expiry of a single call and net timeouts count as transient;
// cancellation of the caller's context does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration

	// Retryable overrides IsTransient when set.
	Retryable func(error) bool
	// OnRetry is invoked before each backoff sleep.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultPolicy retries up to 3 times starting at 500ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      100 * time.Millisecond,
	}
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the attempt budget runs out.
// The operation name is only used for logging.
func Do(ctx context.Context, p Policy, op string, fn func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	logger := zerolog.Ctx(ctx)

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info().Str("op", op).Int("attempts", attempt).Msg("operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := backoff(p, attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("wait", wait).Msg("transient failure, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, p.MaxAttempts, lastErr)
}

func backoff(p Policy, attempt int) time.Duration {
	wait := p.BaseDelay << (attempt - 1)
	if wait > p.MaxDelay || wait <= 0 {
		wait = p.MaxDelay
	}
	if p.Jitter > 0 {
		wait += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return wait
}
