package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dmehra2102/pharmacy-order-engine/pkg/tracing"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/txn"
)

type Appender interface {
	Append(ctx context.Context, event Event) error
}

// Publisher records events for the relay once the surrounding transaction has
// committed. Publishing is best-effort: a failed append is logged and never
// undoes the business change that produced the event.
type Publisher struct {
	log      *slog.Logger
	appender Appender
	source   string
	now      func() time.Time
}

func NewPublisher(log *slog.Logger, appender Appender, source string) *Publisher {
	return &Publisher{
		log:      log,
		appender: appender,
		source:   source,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *Publisher) Publish(ctx context.Context, msg Message) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		p.log.Error("outbox marshal failed", "type", msg.Type, "aggregate_id", msg.AggregateID, "err", err)
		return
	}

	event := Event{
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		Type:          msg.Type,
		Payload:       payload,
		Headers:       p.headers(msg),
		Traceparent:   tracing.Traceparent(ctx),
		CreatedAt:     p.now(),
		Status:        StatusPending,
	}

	txn.AfterCommit(ctx, func(ctx context.Context) {
		if err := p.appender.Append(context.WithoutCancel(ctx), event); err != nil {
			p.log.Warn("outbox append failed", "type", event.Type, "aggregate_id", event.AggregateID, "err", err)
		}
	})
}

func (p *Publisher) headers(msg Message) map[string]string {
	h := map[string]string{"source": p.source}
	if msg.PartitionKey != "" && msg.PartitionKey != msg.AggregateID {
		h[HeaderPartitionKey] = msg.PartitionKey
	}
	return h
}
