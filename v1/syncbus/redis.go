package syncbus

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	daverrors "github.com/mirkobrombin/go-dav/v1/errors"
)

const redisBusTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-dav/v1/syncbus")

// RedisBus implements Bus on top of Redis pub/sub. Events are JSON encoded.
type RedisBus struct {
	fanout
	client *redis.Client
	prefix string

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// RedisBusOptions configures a RedisBus.
type RedisBusOptions struct {
	Client *redis.Client
	// Prefix is prepended to every channel name. Defaults to "dav:".
	Prefix string
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(opts RedisBusOptions) *RedisBus {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "dav:"
	}
	return &RedisBus{
		client: opts.Client,
		prefix: prefix,
		subs:   make(map[string]*redis.PubSub),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string, ev Event) error {
	ctx, span := tracer.Start(ctx, "syncbus.RedisBus.Publish", trace.WithAttributes(
		attribute.String("dav.topic", topic),
		attribute.String("dav.event", ev.Type),
	))
	defer span.End()

	payload, err := json.Marshal(ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, b.prefix+topic, payload).Err(); err != nil {
		err = mapRedisErr(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.add(topic)
	if first {
		ps := b.client.Subscribe(context.Background(), b.prefix+topic)
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			_ = ps.Close()
			b.remove(topic, ch)
			return nil, mapRedisErr(err)
		}
		b.subs[topic] = ps
		go b.dispatch(topic, ps)
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(topic string, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			slog.Warn("dav: dropping malformed bus event", "topic", topic, "error", err)
			continue
		}
		b.deliver(topic, ev)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.remove(topic, ch)
	if !found || !last {
		return nil
	}
	ps := b.subs[topic]
	delete(b.subs, topic)
	if ps == nil {
		return nil
	}
	return ps.Close()
}

// Close stops every subscription and closes the subscriber channels.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for topic, ps := range b.subs {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(b.subs, topic)
	}
	b.closeAll()
	return stdErrors.Join(errs...)
}

func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return daverrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return daverrors.ErrConnectionClosed
	}
	return err
}
