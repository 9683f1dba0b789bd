package syncbus

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"

	sarama "github.com/IBM/sarama"
)

// KafkaBus implements Bus using a Kafka backend. Every topic maps to a
// Kafka topic of the same name with ":" replaced by "."; only partition 0
// is consumed.
type KafkaBus struct {
	fanout
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer

	mu   sync.Mutex
	subs map[string]sarama.PartitionConsumer
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		client:   client,
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]sarama.PartitionConsumer),
	}, nil
}

func kafkaTopic(topic string) string {
	return "dav." + strings.ReplaceAll(topic, ":", ".")
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: kafkaTopic(topic),
		Key:   sarama.StringEncoder(ev.Path),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, first := b.add(topic)
	if first {
		pc, err := b.consumer.ConsumePartition(kafkaTopic(topic), 0, sarama.OffsetNewest)
		if err != nil {
			b.remove(topic, ch)
			return nil, err
		}
		b.subs[topic] = pc
		go b.dispatch(topic, pc)
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

func (b *KafkaBus) dispatch(topic string, pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			slog.Warn("dav: dropping malformed bus event", "topic", topic, "error", err)
			continue
		}
		b.deliver(topic, ev)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	found, last := b.remove(topic, ch)
	if !found || !last {
		return nil
	}
	pc := b.subs[topic]
	delete(b.subs, topic)
	if pc == nil {
		return nil
	}
	return pc.Close()
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	var errs []error
	for topic, pc := range b.subs {
		if err := pc.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(b.subs, topic)
	}
	b.closeAll()
	b.mu.Unlock()
	errs = append(errs, b.producer.Close(), b.consumer.Close(), b.client.Close())
	return stdErrors.Join(errs...)
}
