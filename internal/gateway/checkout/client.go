package checkout

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/metrics"
)

const (
	gatewayName = "card"

	// MetadataOrderID is attached to every session so webhooks can be
	// correlated with the order without a lookup.
	MetadataOrderID = "orderId"
	orderIDToken    = "{orderId}"
)

type Config struct {
	APIKey        string        `yaml:"api_key"`
	WebhookSecret string        `yaml:"webhook_secret"`
	BaseURL       string        `yaml:"base_url"`
	Currency      string        `yaml:"currency"`
	SuccessURL    string        `yaml:"success_url"`
	CancelURL     string        `yaml:"cancel_url"`
	Timeout       time.Duration `yaml:"timeout"`
}

type LineItem struct {
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

type SessionRequest struct {
	OrderID string
	// IdempotencyKey makes a retried create return the first session.
	IdempotencyKey string
	Items          []LineItem
}

type Session struct {
	ID          string
	RedirectURL string
	OrderID     string
}

// SessionState is a synchronous read of a session's outcome.
type SessionState struct {
	ID      string
	OrderID string
	Paid    bool
	Failed  bool
	Amount  decimal.Decimal
}

type Client struct {
	log     *slog.Logger
	cfg     Config
	api     *client.API
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type Option func(*Client)

func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

func New(log *slog.Logger, cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "kes"
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}

	c := &Client{
		log: log,
		cfg: cfg,
		api: client.New(cfg.APIKey, &stripe.Backends{
			API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
			Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
		}),
		tracer: otel.Tracer("card-gateway"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewNop()
	}
	return c
}

// MinorUnits converts a price into the smallest currency unit.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// CreateSession opens a hosted checkout page for the order's line items.
func (c *Client) CreateSession(ctx context.Context, in SessionRequest) (out Session, err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "checkout.create_session", trace.WithAttributes(attribute.String("order.id", in.OrderID)))
	defer func() { c.finish(span, "create_session", start, err) }()

	if len(in.Items) == 0 {
		return Session{}, apperr.Validation("checkout session needs at least one line item")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(withOrderID(c.cfg.SuccessURL, in.OrderID)),
		CancelURL:         stripe.String(withOrderID(c.cfg.CancelURL, in.OrderID)),
		ClientReferenceID: stripe.String(in.OrderID),
	}
	for _, it := range in.Items {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(c.cfg.Currency),
				UnitAmount: stripe.Int64(MinorUnits(it.UnitPrice)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(it.Name),
				},
			},
			Quantity: stripe.Int64(int64(it.Quantity)),
		})
	}
	params.AddMetadata(MetadataOrderID, in.OrderID)
	params.Context = ctx
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	s, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return Session{}, mapError(err, "create checkout session")
	}

	c.log.Info("checkout session created", "order_id", in.OrderID, "session_id", s.ID)
	return Session{ID: s.ID, RedirectURL: s.URL, OrderID: in.OrderID}, nil
}

// Session reads a session's current state; used when no webhook has arrived.
func (c *Client) Session(ctx context.Context, id string) (out SessionState, err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "checkout.get_session", trace.WithAttributes(attribute.String("session.id", id)))
	defer func() { c.finish(span, "get_session", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := c.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return SessionState{}, mapError(err, "get checkout session %s", id)
	}
	return stateOf(s), nil
}

func stateOf(s *stripe.CheckoutSession) SessionState {
	return SessionState{
		ID:      s.ID,
		OrderID: s.Metadata[MetadataOrderID],
		Paid:    s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Failed:  s.Status == stripe.CheckoutSessionStatusExpired,
		Amount:  decimal.New(s.AmountTotal, -2),
	}
}

func withOrderID(tmpl, orderID string) string {
	return strings.ReplaceAll(tmpl, orderIDToken, orderID)
}

// mapError sorts provider failures into the taxonomy: bad keys are auth
// errors, throttling and 5xx are transient, other 4xx are rejections.
func mapError(err error, format string, args ...any) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return apperr.GatewayNetwork(err, format, args...)
	}
	switch {
	case se.HTTPStatusCode == http.StatusUnauthorized:
		return apperr.GatewayAuth(err, format, args...)
	case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= http.StatusInternalServerError || se.HTTPStatusCode == 0:
		return apperr.GatewayNetwork(err, format, args...)
	default:
		return apperr.GatewayRejected(err, format, args...)
	}
}

func (c *Client) finish(span trace.Span, op string, start time.Time, err error) {
	c.metrics.ObserveGateway(gatewayName, op, start, err)
	if err != nil {
		if errors.Is(err, apperr.ErrGatewayAuth) {
			c.log.Error("card gateway credentials rejected", "operation", op, "err", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
	}
	span.End()
}
