package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnFatalError(t *testing.T) {
	fatal := errors.New("bad request")
	calls := 0
	err := Do(context.Background(), fastPolicy(5), "op", func(context.Context) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	var retries []int
	p := fastPolicy(4)
	p.OnRetry = func(attempt int, _ time.Duration, _ error) { retries = append(retries, attempt) }

	calls := 0
	err := Do(context.Background(), p, "ledger publish", func(context.Context) error {
		calls++
		return Transient(fmt.Errorf("timeout %d", calls))
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransient))
	assert.Contains(t, err.Error(), "ledger publish failed after 4 attempts")
	assert.Equal(t, 4, calls)
	assert.Equal(t, []int{1, 2, 3}, retries)
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	calls := 0
	err := Do(ctx, p, "op", func(context.Context) error {
		calls++
		cancel()
		return Transient(errors.New("x"))
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("wrap: %w", Transient(errors.New("503")))))

	inner := errors.New("inner")
	wrapped := Transient(inner)
	assert.ErrorIs(t, wrapped, inner)
	assert.Same(t, wrapped, Transient(wrapped))
}
