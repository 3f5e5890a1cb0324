package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/pharmacy-order-engine/internal/gateway/mobilemoney"
	"github.com/dmehra2102/pharmacy-order-engine/internal/payment/application"
	"github.com/dmehra2102/pharmacy-order-engine/internal/payment/domain"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/retry"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/tracing"
)

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Deduper interface {
	Key(topic string, partition int, offset int64) string
	Seen(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type Reconciler interface {
	Reconcile(ctx context.Context, out domain.Outcome) (application.ReconcileResult, error)
}

// Consumer applies provider callbacks forwarded onto a Kafka topic. Each
// message is either a raw push-payment callback or a plain outcome document.
type Consumer struct {
	log    *slog.Logger
	reader Reader
	svc    Reconciler
	idem   Deduper
	retry  retry.Config
	tracer trace.Tracer
}

type ConsumerOption func(*Consumer)

func WithRetry(cfg retry.Config) ConsumerOption { return func(c *Consumer) { c.retry = cfg } }

func NewConsumer(log *slog.Logger, reader Reader, svc Reconciler, idem Deduper, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		log:    log,
		reader: reader,
		svc:    svc,
		idem:   idem,
		retry:  retry.DefaultConfig(),
		tracer: otel.Tracer("payment-callback-consumer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func NewReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
}

// outcomeMessage is the plain document form, used by forwarders that have
// already interpreted the provider payload.
type outcomeMessage struct {
	ProviderTransactionID string           `json:"providerTransactionId"`
	Status                string           `json:"status"`
	Amount                *decimal.Decimal `json:"amount,omitempty"`
	Reason                string           `json:"reason,omitempty"`
}

func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("callback consumer stopping")
				return nil
			}
			return err
		}
		c.Handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Error("commit failed", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		}
	}
}

// Handle processes one message. Failures are logged rather than returned; an
// outcome that could not be applied is left for the status poller.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) {
	key := c.idem.Key(msg.Topic, msg.Partition, msg.Offset)
	seen, err := c.idem.Seen(ctx, key)
	if err != nil {
		// process anyway; Reconcile is idempotent on its own.
		c.log.Warn("idempotency check failed", "key", key, "err", err)
	}
	if seen {
		c.log.Info("duplicate message skipped", "key", key)
		return
	}

	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "ConsumePaymentCallback")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.kafka.topic", msg.Topic),
		attribute.Int("messaging.kafka.partition", msg.Partition),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
	)

	out, err := DecodeOutcome(msg.Value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode")
		c.log.Error("undecodable callback message", "key", key, "err", err)
		return
	}
	span.SetAttributes(attribute.String("payment.provider_id", out.ProviderTransactionID))

	res, err := retry.DoValue(msgCtx, c.retry, func(ctx context.Context) (application.ReconcileResult, error) {
		return c.svc.Reconcile(ctx, out)
	}, retry.If(apperr.Retryable))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
		if apperr.Retryable(err) {
			if relErr := c.idem.Release(context.WithoutCancel(ctx), key); relErr != nil {
				c.log.Warn("release idempotency key", "key", key, "err", relErr)
			}
		}
		c.log.Error("callback reconcile failed", "provider_transaction_id", out.ProviderTransactionID, "err", err)
		return
	}
	c.log.Info("callback applied", "provider_transaction_id", out.ProviderTransactionID,
		"payment_id", res.Payment.ID, "status", res.Payment.Status, "changed", res.Changed)
}

// DecodeOutcome reads either message form into a reconciliation outcome.
func DecodeOutcome(value []byte) (domain.Outcome, error) {
	var probe struct {
		Body json.RawMessage `json:"Body"`
	}
	if err := json.Unmarshal(value, &probe); err != nil {
		return domain.Outcome{}, apperr.Validation("invalid message: %v", err)
	}
	if len(probe.Body) > 0 {
		cb, err := mobilemoney.ParseCallback(value)
		if err != nil {
			return domain.Outcome{}, err
		}
		return application.CallbackOutcome(cb), nil
	}

	var m outcomeMessage
	if err := json.Unmarshal(value, &m); err != nil {
		return domain.Outcome{}, apperr.Validation("invalid outcome message: %v", err)
	}
	status, ok := domain.ParseOutcomeStatus(m.Status)
	if !ok {
		return domain.Outcome{}, apperr.Validation("outcome status must be COMPLETED or FAILED, got %q", m.Status)
	}
	out := domain.Outcome{ProviderTransactionID: m.ProviderTransactionID, Status: status, Amount: m.Amount, Reason: m.Reason}
	if err := out.Validate(); err != nil {
		return domain.Outcome{}, err
	}
	return out, nil
}
