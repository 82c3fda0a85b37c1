package reconcile

import (
	"context"
	"sync"
)

// userLocks serializes work per key. Waiting honours context cancellation,
// which sync.Mutex cannot.
type userLocks struct {
	mu sync.Mutex
	m  map[string]*userLock
}

type userLock struct {
	ch   chan struct{}
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{m: make(map[string]*userLock)}
}

// lock blocks until key is free or ctx is done. The returned func releases it.
func (l *userLocks) lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ul, ok := l.m[key]
	if !ok {
		ul = &userLock{ch: make(chan struct{}, 1)}
		l.m[key] = ul
	}
	ul.refs++
	l.mu.Unlock()

	select {
	case ul.ch <- struct{}{}:
		return func() {
			<-ul.ch
			l.release(key, ul)
		}, nil
	case <-ctx.Done():
		l.release(key, ul)
		return nil, ctx.Err()
	}
}

func (l *userLocks) release(key string, ul *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul.refs--
	if ul.refs == 0 {
		delete(l.m, key)
	}
}

func (l *userLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
