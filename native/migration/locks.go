package migration

import (
	"context"
	"sync"
)

// keyedLock serialises work per migration key without a global lock.
type keyedLock struct {
	mu   sync.Mutex
	held map[Key]chan struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{held: make(map[Key]chan struct{})}
}

// acquire blocks until the key is free or ctx is done.
func (l *keyedLock) acquire(ctx context.Context, key Key) (func(), error) {
	for {
		l.mu.Lock()
		wait, busy := l.held[key]
		if !busy {
			done := make(chan struct{})
			l.held[key] = done
			l.mu.Unlock()
			return func() {
				l.mu.Lock()
				delete(l.held, key)
				l.mu.Unlock()
				close(done)
			}, nil
		}
		l.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
