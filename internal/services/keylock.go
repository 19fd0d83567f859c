package services

import (
	"context"
	"sync"
	"time"
)

// KeyLocks serializes work per key and remembers keys whose send was
// approved but not yet recorded ("in flight").
type KeyLocks struct {
	// TTL bounds how long an unrecorded approval keeps its key reserved.
	TTL time.Duration

	mu       sync.Mutex
	locks    map[string]*keyLock
	inflight map[string]time.Time
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyLocks returns an empty lock table.
func NewKeyLocks(ttl time.Duration) *KeyLocks {
	return &KeyLocks{
		TTL:      ttl,
		locks:    make(map[string]*keyLock),
		inflight: make(map[string]time.Time),
	}
}

// Lock acquires the lock for key or returns ctx's error. The returned func
// releases it.
func (k *KeyLocks) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			k.drop(key, l)
		}, nil
	case <-ctx.Done():
		k.drop(key, l)
		return nil, ctx.Err()
	}
}

func (k *KeyLocks) drop(key string, l *keyLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Reserve marks key as in flight from now.
func (k *KeyLocks) Reserve(key string, now time.Time) {
	k.mu.Lock()
	k.inflight[key] = now
	k.mu.Unlock()
}

// InFlight reports whether key holds an unexpired reservation. Expired
// reservations are dropped.
func (k *KeyLocks) InFlight(key string, now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	at, ok := k.inflight[key]
	if !ok {
		return false
	}
	if k.TTL > 0 && now.Sub(at) >= k.TTL {
		delete(k.inflight, key)
		return false
	}
	return true
}

// Release clears the reservation for key.
func (k *KeyLocks) Release(key string) {
	k.mu.Lock()
	delete(k.inflight, key)
	k.mu.Unlock()
}

// size is the number of live lock entries; used by tests.
func (k *KeyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
