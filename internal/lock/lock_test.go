package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExclusive(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "2025-08-29|ethereum")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "2025-08-29|ethereum")
	require.NoError(t, err)
	assert.False(t, ok, "same key must be refused while held")

	other, ok, err := l.TryLock(ctx, "2025-08-30|ethereum")
	require.NoError(t, err)
	assert.True(t, ok, "different keys are independent")
	other()

	unlock()
	unlock()
	again, ok, err := l.TryLock(ctx, "2025-08-29|ethereum")
	require.NoError(t, err)
	assert.True(t, ok)
	again()
}

func TestLocalConcurrentSingleWinner(t *testing.T) {
	l := NewLocal()
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := l.TryLock(context.Background(), "k"); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

type fakeAdvisory struct {
	keys []int64
	err  error
}

func (f *fakeAdvisory) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	f.keys = append(f.keys, key)
	return func() {}, true, nil
}

func TestAdvisoryDerivesStableIDs(t *testing.T) {
	fake := &fakeAdvisory{}
	a := NewAdvisory(fake, "xchain-radar")

	for i := 0; i < 2; i++ {
		_, ok, err := a.TryLock(context.Background(), "2025-08-29|ethereum")
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, _, err := a.TryLock(context.Background(), "2025-08-30|ethereum")
	require.NoError(t, err)

	require.Len(t, fake.keys, 3)
	assert.Equal(t, fake.keys[0], fake.keys[1])
	assert.NotEqual(t, fake.keys[0], fake.keys[2])
	assert.Equal(t, AdvisoryID("xchain-radar", "2025-08-29|ethereum"), fake.keys[0])
	assert.NotEqual(t, AdvisoryID("other", "2025-08-29|ethereum"), fake.keys[0])

	fake.err = errors.New("conn refused")
	_, _, err = a.TryLock(context.Background(), "k")
	require.Error(t, err)
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLease(t *testing.T) {
	mr, client := setupRedis(t)
	l := NewRedis(client, "test:lock", time.Minute, zerolog.Nop())
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "2025-08-29|ethereum")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("test:lock:2025-08-29|ethereum"))
	assert.Equal(t, time.Minute, mr.TTL("test:lock:2025-08-29|ethereum"))

	_, ok, err = l.TryLock(ctx, "2025-08-29|ethereum")
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	assert.False(t, mr.Exists("test:lock:2025-08-29|ethereum"))

	_, ok, err = l.TryLock(ctx, "2025-08-29|ethereum")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisReleaseKeepsForeignLease(t *testing.T) {
	mr, client := setupRedis(t)
	l := NewRedis(client, "test:lock", time.Second, zerolog.Nop())
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)

	// Lease expires and another holder takes it before we release.
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set("test:lock:k", "someone-else"))

	unlock()
	got, err := mr.Get("test:lock:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLeaseRenewedWhileHeld(t *testing.T) {
	mr, client := setupRedis(t)
	l := NewRedis(client, "test:lock", 150*time.Millisecond, zerolog.Nop())
	key := "test:lock:2025-08-29|ethereum"

	unlock, ok, err := l.TryLock(context.Background(), "2025-08-29|ethereum")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.TTL(key) > 100*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond, "lease should be extended while held")

	unlock()
	assert.False(t, mr.Exists(key))

	// Renewal stops on unlock: a new holder's key keeps no TTL from us.
	require.NoError(t, mr.Set(key, "someone-else"))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, time.Duration(0), mr.TTL(key))
	unlock()
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	l := NewRedis(client, "", 0, zerolog.Nop())
	_, ok, err := l.TryLock(context.Background(), "k")
	require.Error(t, err)
	assert.False(t, ok)
}
