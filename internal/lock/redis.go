package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultLeaseTTL bounds how long a crashed holder can block a key.
const DefaultLeaseTTL = 10 * time.Minute

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only if it still carries our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a lease lock built on SET NX PX. The lease is renewed every ttl/3 while held.
type Redis struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedis constructs a lease locker. Keys are stored as prefix:key.
func NewRedis(client redis.Cmdable, prefix string, ttl time.Duration, logger zerolog.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if prefix == "" {
		prefix = "xchain-radar:lock"
	}
	return &Redis{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "lock_redis").Logger(),
	}
}

// TryLock sets the lease if absent. The returned unlock releases it only while we still own it.
func (r *Redis) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}
	redisKey := r.prefix + ":" + key

	ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %s: %w", redisKey, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(redisKey, token, stop, done)

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			<-done
			ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctxUnlock, r.client, []string{redisKey}, token).Err(); err != nil {
				r.logger.Warn().Err(err).Str("key", redisKey).Msg("failed to release lease")
			}
		})
	}
	return unlock, true, nil
}

func (r *Redis) keepAlive(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := renewScript.Run(ctx, r.client, []string{redisKey}, token, r.ttl.Milliseconds()).Int64()
			cancel()
			switch {
			case err != nil:
				// 续期失败时下一轮再试，租约仍在 TTL 内有效。
				r.logger.Warn().Err(err).Str("key", redisKey).Msg("failed to renew lease")
			case n == 0:
				r.logger.Error().Str("key", redisKey).Msg("lease lost before release; another run may hold the key")
				return
			}
		}
	}
}

func newToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate lease token: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

var _ Locker = (*Redis)(nil)
