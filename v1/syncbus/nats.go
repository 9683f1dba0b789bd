package syncbus

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"sync"

	nats "github.com/nats-io/nats.go"

	daverrors "github.com/mirkobrombin/go-dav/v1/errors"
)

// NATSBus implements Bus using a NATS backend. Topics map to subjects
// under the "dav." prefix.
type NATSBus struct {
	fanout
	conn *nats.Conn

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		subs: make(map[string]*nats.Subscription),
	}
}

func natsSubject(topic string) string {
	return "dav." + topic
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(natsSubject(topic), payload); err != nil {
		return mapNATSErr(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.add(topic)
	if first {
		sub, err := b.conn.Subscribe(natsSubject(topic), func(msg *nats.Msg) {
			var ev Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				slog.Warn("dav: dropping malformed bus event", "topic", topic, "error", err)
				return
			}
			b.deliver(topic, ev)
		})
		if err == nil {
			// The subscription must reach the server before Subscribe returns
			// or an immediate Publish could be missed.
			err = b.conn.Flush()
		}
		if err != nil {
			if sub != nil {
				_ = sub.Unsubscribe()
			}
			b.remove(topic, ch)
			return nil, mapNATSErr(err)
		}
		b.subs[topic] = sub
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.remove(topic, ch)
	if !found || !last {
		return nil
	}
	sub := b.subs[topic]
	delete(b.subs, topic)
	if sub == nil {
		return nil
	}
	return mapNATSErr(sub.Unsubscribe())
}

func mapNATSErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, nats.ErrTimeout):
		return daverrors.ErrTimeout
	case stdErrors.Is(err, nats.ErrConnectionClosed):
		return daverrors.ErrConnectionClosed
	}
	return err
}
