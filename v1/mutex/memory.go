package mutex

import (
	"context"
	stdErrors "errors"
	"strconv"
	"sync"
	"time"

	daverrors "github.com/mirkobrombin/go-dav/v1/errors"
	"github.com/mirkobrombin/go-dav/v1/syncbus"
)

type lockState struct {
	holder string
	timer  *time.Timer
	notify chan struct{}
}

// InMemory implements Locker using local memory. Lock and unlock events are
// published on a syncbus Bus so other components can observe them.
type InMemory struct {
	mu    sync.Mutex
	bus   syncbus.Bus
	locks map[string]*lockState
	seq   uint64
}

// NewInMemory returns a new in-memory locker. A nil bus disables event
// publication.
func NewInMemory(bus syncbus.Bus) *InMemory {
	return &InMemory{
		bus:   bus,
		locks: make(map[string]*lockState),
	}
}

// TryLock attempts to obtain the lock without waiting.
func (l *InMemory) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	l.mu.Lock()
	if _, ok := l.locks[key]; ok {
		l.mu.Unlock()
		return "", false, nil
	}
	l.seq++
	st := &lockState{holder: strconv.FormatUint(l.seq, 10), notify: make(chan struct{})}
	if ttl > 0 {
		st.timer = time.AfterFunc(ttl, func() {
			l.expire(key, st)
		})
	}
	l.locks[key] = st
	l.mu.Unlock()
	l.publish(ctx, lockTopic(key), syncbus.EventLock, key)
	return st.holder, true, nil
}

// Acquire blocks until the lock is obtained or the context is cancelled.
func (l *InMemory) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	for {
		holder, ok, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return holder, nil
		}
		l.mu.Lock()
		st, held := l.locks[key]
		l.mu.Unlock()
		if !held {
			continue
		}
		select {
		case <-st.notify:
		case <-ctx.Done():
			if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", daverrors.ErrTimeout
			}
			return "", ctx.Err()
		}
	}
}

// Release frees key if it is still held under holder.
func (l *InMemory) Release(ctx context.Context, key, holder string) error {
	l.mu.Lock()
	st, ok := l.locks[key]
	ok = ok && st.holder == holder
	if ok {
		l.drop(key, st)
	}
	l.mu.Unlock()
	if ok {
		l.publish(ctx, unlockTopic(key), syncbus.EventUnlock, key)
	}
	return nil
}

// expire releases key only if it is still held by st; a later holder of
// the same key is left alone.
func (l *InMemory) expire(key string, st *lockState) {
	l.mu.Lock()
	cur, ok := l.locks[key]
	ok = ok && cur == st
	if ok {
		l.drop(key, st)
	}
	l.mu.Unlock()
	if ok {
		l.publish(context.Background(), unlockTopic(key), syncbus.EventUnlock, key)
	}
}

// drop must be called with l.mu held.
func (l *InMemory) drop(key string, st *lockState) {
	if st.timer != nil {
		st.timer.Stop()
	}
	close(st.notify)
	delete(l.locks, key)
}

func (l *InMemory) publish(ctx context.Context, topic, typ, key string) {
	if l.bus == nil {
		return
	}
	_ = l.bus.Publish(ctx, topic, syncbus.Event{Type: typ, Path: key})
}
