// Package syncbus provides the pub/sub bus used to propagate lock events
// across nodes and to wake waiters of distributed mutexes.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Event types published by the lock manager.
const (
	EventLock    = "lock"
	EventUnlock  = "unlock"
	EventRefresh = "refresh"
)

// Event describes a change to a lock or mutex.
type Event struct {
	Type  string `json:"type"`
	Path  string `json:"path,omitempty"`
	Token string `json:"token,omitempty"`
	User  string `json:"user,omitempty"`
}

// Bus provides a simple pub/sub mechanism. Delivery is best effort: a
// subscriber that is not ready to receive drops the event.
type Bus interface {
	Publish(ctx context.Context, topic string, ev Event) error
	Subscribe(ctx context.Context, topic string) (chan Event, error)
	Unsubscribe(ctx context.Context, topic string, ch chan Event) error
}

// Metrics reports bus traffic counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout holds the local subscriber channels of every topic. The network
// backed buses embed it and only add the transport.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	published atomic.Uint64
	delivered atomic.Uint64
}

func (f *fanout) add(topic string) (ch chan Event, first bool) {
	ch = make(chan Event, 1)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[string][]chan Event)
	}
	first = len(f.subs[topic]) == 0
	f.subs[topic] = append(f.subs[topic], ch)
	f.mu.Unlock()
	return ch, first
}

// remove closes ch and reports whether topic has no subscribers left.
func (f *fanout) remove(topic string, ch chan Event) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, topic)
		return found, true
	}
	f.subs[topic] = subs
	return found, false
}

func (f *fanout) deliver(topic string, ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[topic] {
		select {
		case ch <- ev:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	for topic, subs := range f.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(f.subs, topic)
	}
	f.mu.Unlock()
}

func (f *fanout) subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[topic]) > 0
}

// Metrics returns the published and delivered counts.
func (f *fanout) Metrics() Metrics {
	return Metrics{
		Published: f.published.Load(),
		Delivered: f.delivered.Load(),
	}
}

// unsubscribeOnDone removes ch once ctx is cancelled.
func unsubscribeOnDone(ctx context.Context, b Bus, topic string, ch chan Event) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
}

// InMemoryBus is a local implementation of Bus mainly for testing and
// single-node deployments.
type InMemoryBus struct {
	fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.deliver(topic, ev)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan Event, error) {
	ch, _ := b.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan Event) error {
	b.remove(topic, ch)
	return nil
}
