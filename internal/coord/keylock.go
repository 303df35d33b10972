package coord

import (
	"context"
	"guildsync/internal/types"
	"sync"
)

// KeyLocks grants exclusive access per key, in arrival order. A slot exists only while it has
// a holder or waiters.
type KeyLocks struct {
	mu    sync.Mutex
	slots map[types.ConfigKey]*slot
}

type slot struct {
	held    bool
	waiters []chan struct{}
	refs    int // holder + waiters
}

func NewKeyLocks() *KeyLocks {
	return &KeyLocks{slots: make(map[types.ConfigKey]*slot)}
}

// Acquire blocks until the caller holds key or ctx ends. A caller whose ctx ends while
// queued leaves the queue without holding the key. The returned release func is idempotent.
func (l *KeyLocks) Acquire(ctx context.Context, key types.ConfigKey) (func(), error) {
	l.mu.Lock()
	sl, ok := l.slots[key]
	if !ok {
		sl = &slot{}
		l.slots[key] = sl
	}
	sl.refs++
	if !sl.held {
		sl.held = true
		l.mu.Unlock()
		return l.releaser(key, sl), nil
	}
	grant := make(chan struct{})
	sl.waiters = append(sl.waiters, grant)
	l.mu.Unlock()

	select {
	case <-grant:
		return l.releaser(key, sl), nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	select {
	case <-grant:
		// Granted while giving up: pass the slot on.
		l.mu.Unlock()
		l.release(key, sl)
		return nil, ctx.Err()
	default:
	}
	for i, w := range sl.waiters {
		if w == grant {
			sl.waiters = append(sl.waiters[:i], sl.waiters[i+1:]...)
			break
		}
	}
	sl.refs--
	if sl.refs == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
	return nil, ctx.Err()
}

// Len is the number of keys currently held or waited on.
func (l *KeyLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func (l *KeyLocks) releaser(key types.ConfigKey, sl *slot) func() {
	var once sync.Once
	return func() { once.Do(func() { l.release(key, sl) }) }
}

func (l *KeyLocks) release(key types.ConfigKey, sl *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl.refs--
	if len(sl.waiters) > 0 {
		next := sl.waiters[0]
		sl.waiters = sl.waiters[1:]
		close(next)
		return
	}
	sl.held = false
	if sl.refs == 0 {
		delete(l.slots, key)
	}
}
