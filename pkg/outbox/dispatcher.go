package outbox

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// HeaderPartitionKey carries a publisher-chosen Kafka key. It is consumed by
// the dispatcher and not forwarded.
const HeaderPartitionKey = "partition_key"

type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Dispatcher writes outbox events to Kafka. Events are routed to a topic by
// aggregate type, falling back to the default topic, and keyed so that every
// event about one order lands on the same partition.
type Dispatcher struct {
	log      *slog.Logger
	producer Producer
	topic    string
	routes   map[string]string
}

type DispatcherOption func(*Dispatcher)

// WithTopics maps aggregate types ("order", "payment") to their own topics.
func WithTopics(routes map[string]string) DispatcherOption {
	return func(d *Dispatcher) {
		for aggregate, topic := range routes {
			if topic != "" {
				d.routes[aggregate] = topic
			}
		}
	}
}

func NewDispatcher(log *slog.Logger, producer Producer, topic string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{log: log, producer: producer, topic: topic, routes: make(map[string]string)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// TopicFor returns the topic an event of the given aggregate type is written to.
func (d *Dispatcher) TopicFor(aggregateType string) string {
	if t, ok := d.routes[aggregateType]; ok {
		return t
	}
	return d.topic
}

func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	msg := d.message(event)
	if err := d.producer.WriteMessages(ctx, msg); err != nil {
		d.log.Error("outbox dispatch failed", "event_id", event.ID, "type", event.Type, "topic", msg.Topic, "err", err)
		return err
	}
	d.log.Info("outbox dispatched", "event_id", event.ID, "type", event.Type, "topic", msg.Topic, "key", string(msg.Key))
	return nil
}

func (d *Dispatcher) message(event Event) kafka.Message {
	key := event.AggregateID
	headers := make([]kafka.Header, 0, len(event.Headers)+5)
	for k, v := range event.Headers {
		if k == HeaderPartitionKey {
			if v != "" {
				key = v
			}
			continue
		}
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers,
		kafka.Header{Key: "event_type", Value: []byte(event.Type)},
		kafka.Header{Key: "event_id", Value: []byte(strconv.FormatInt(event.ID, 10))},
	)
	if event.AggregateType != "" {
		headers = append(headers,
			kafka.Header{Key: "aggregate_type", Value: []byte(event.AggregateType)},
			kafka.Header{Key: "aggregate_id", Value: []byte(event.AggregateID)},
		)
	}
	if event.Traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(event.Traceparent)})
	}

	return kafka.Message{
		Topic:   d.TopicFor(event.AggregateType),
		Key:     []byte(key),
		Value:   event.Payload,
		Headers: headers,
		Time:    event.CreatedAt,
	}
}

// NewKafkaWriter returns a writer that leaves topic selection to each message.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}
