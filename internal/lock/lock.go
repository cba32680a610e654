// Package lock provides per-key mutual exclusion for pipeline runs.
package lock

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
)

// Locker grants exclusive ownership of a key. A miss reports acquired=false without error.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), acquired bool, err error)
}

// Local is an in-process keyed mutex.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal constructs an in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryLock never blocks.
func (l *Local) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// AdvisoryLocker is a session-level Postgres advisory lock.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Advisory maps string keys onto Postgres advisory lock ids.
type Advisory struct {
	locker    AdvisoryLocker
	namespace string
}

// NewAdvisory wraps locker. namespace separates this service's ids from other lock users.
func NewAdvisory(locker AdvisoryLocker, namespace string) *Advisory {
	return &Advisory{locker: locker, namespace: namespace}
}

// TryLock acquires the advisory lock derived from key.
func (a *Advisory) TryLock(ctx context.Context, key string) (func(), bool, error) {
	return a.locker.TryAdvisoryLock(ctx, AdvisoryID(a.namespace, key))
}

// AdvisoryID is the first 8 bytes of Keccak-256(namespace ":" key) as a signed int64.
func AdvisoryID(namespace, key string) int64 {
	sum := crypto.Keccak256([]byte(namespace + ":" + key))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

var (
	_ Locker = (*Local)(nil)
	_ Locker = (*Advisory)(nil)
)
