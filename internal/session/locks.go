package session

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// keyedLock serialises operations per key. Entries are reference counted
// and dropped once nobody holds or waits on them.
type keyedLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[string]*lockEntry)}
}

// Lock blocks until key is free or ctx is done. The returned func
// releases the lock.
func (k *keyedLock) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		k.drop(key, e)
		return nil, err
	}
	return func() {
		e.sem.Release(1)
		k.drop(key, e)
	}, nil
}

func (k *keyedLock) drop(key string, e *lockEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// userSlots bounds concurrent session creation per user.
type userSlots struct {
	mu    sync.Mutex
	limit int64
	slots map[string]*semaphore.Weighted
}

func newUserSlots(limit int64) *userSlots {
	if limit < 1 {
		limit = 1
	}
	return &userSlots{limit: limit, slots: make(map[string]*semaphore.Weighted)}
}

func (u *userSlots) tryAcquire(userID string) bool {
	u.mu.Lock()
	sem, ok := u.slots[userID]
	if !ok {
		sem = semaphore.NewWeighted(u.limit)
		u.slots[userID] = sem
	}
	u.mu.Unlock()
	return sem.TryAcquire(1)
}

func (u *userSlots) release(userID string) {
	u.mu.Lock()
	sem := u.slots[userID]
	u.mu.Unlock()
	if sem != nil {
		sem.Release(1)
	}
}
