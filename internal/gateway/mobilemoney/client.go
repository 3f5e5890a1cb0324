package mobilemoney

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/metrics"
)

const gatewayName = "mobile_money"

type Config struct {
	BaseURL            string        `yaml:"base_url"`
	ConsumerKey        string        `yaml:"consumer_key"`
	ConsumerSecret     string        `yaml:"consumer_secret"`
	ShortCode          string        `yaml:"short_code"`
	PassKey            string        `yaml:"pass_key"`
	CallbackURL        string        `yaml:"callback_url"`
	CountryCode        string        `yaml:"country_code"`
	InitiatorName      string        `yaml:"initiator_name"`
	SecurityCredential string        `yaml:"security_credential"`
	ResultURL          string        `yaml:"result_url"`
	TimeoutURL         string        `yaml:"timeout_url"`
	Location           string        `yaml:"location"`
	Timeout            time.Duration `yaml:"timeout"`
}

type Client struct {
	log     *slog.Logger
	cfg     Config
	http    *http.Client
	loc     *time.Location
	now     func() time.Time
	metrics *metrics.Metrics
	tracer  trace.Tracer

	group   singleflight.Group
	mu      sync.Mutex
	token   string
	expires time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

func New(log *slog.Logger, cfg Config, opts ...Option) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = DefaultCountryCode
	}
	if cfg.Location == "" {
		cfg.Location = "Africa/Nairobi"
	}
	loc, err := time.LoadLocation(cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", cfg.Location, err)
	}

	c := &Client{
		log:    log,
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		loc:    loc,
		now:    time.Now,
		tracer: otel.Tracer("mobile-money-gateway"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewNop()
	}
	return c, nil
}

func (c *Client) NormalizePhone(raw string) (string, error) {
	return NormalizePhone(raw, c.cfg.CountryCode)
}

// AccessToken returns a cached bearer token, refreshing it shortly before it
// expires. Concurrent refreshes collapse into a single request.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.expires) {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("token", func() (any, error) {
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) fetchToken(ctx context.Context) (tok string, err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "mobilemoney.token")
	defer func() { c.finish(span, "token", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperr.GatewayNetwork(err, "token request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		body := readBody(resp.Body)
		c.log.Error("mobile money credentials rejected", "status", resp.StatusCode, "body", body)
		return "", apperr.GatewayAuth(nil, "token request rejected with %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", apperr.GatewayNetwork(nil, "token request returned %d", resp.StatusCode)
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.GatewayNetwork(err, "decode token response")
	}
	if out.AccessToken == "" {
		return "", apperr.GatewayNetwork(nil, "token response carried no access token")
	}

	ttl := time.Duration(parseExpiry(out.ExpiresIn)) * time.Second
	c.mu.Lock()
	c.token = out.AccessToken
	c.expires = c.now().Add(ttl - time.Minute)
	c.mu.Unlock()
	return out.AccessToken, nil
}

// Password is base64(shortcode + passkey + timestamp), with the timestamp in
// the provider's local time.
func (c *Client) Password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.PassKey + ts))
}

func (c *Client) timestamp() string {
	return c.now().In(c.loc).Format("20060102150405")
}

// WholeUnits rounds half away from zero; the provider rejects fractional amounts.
func WholeUnits(amount decimal.Decimal) int64 {
	return amount.Round(0).IntPart()
}

// InitiatePush asks the provider to prompt the payer's handset. The returned
// CheckoutRequestID correlates the later callback or status query.
func (c *Client) InitiatePush(ctx context.Context, in PushRequest) (out PushResponse, err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "mobilemoney.push", trace.WithAttributes(attribute.String("reference", in.Reference)))
	defer func() { c.finish(span, "push", start, err) }()

	phone, err := c.NormalizePhone(in.Phone)
	if err != nil {
		return PushResponse{}, err
	}
	amount := WholeUnits(in.Amount)
	if amount <= 0 {
		return PushResponse{}, apperr.Validation("amount %s rounds to zero", in.Amount)
	}
	callback := in.CallbackURL
	if callback == "" {
		callback = c.cfg.CallbackURL
	}

	ts := c.timestamp()
	body := stkPushBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.Password(ts),
		Timestamp:         ts,
		TransactionType:   transactionTypePayBill,
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       callback,
		AccountReference:  in.Reference,
		TransactionDesc:   in.Description,
	}

	var resp stkPushResponse
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", body, &resp); err != nil {
		return PushResponse{}, err
	}
	if resp.ResponseCode != "0" || resp.CheckoutRequestID == "" {
		return PushResponse{}, apperr.GatewayRejected(nil, "push rejected: %s %s", resp.ResponseCode, resp.ResponseDescription)
	}

	c.log.Info("mobile money push sent", "reference", in.Reference, "checkout_request_id", resp.CheckoutRequestID, "amount", amount)
	return PushResponse{
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

// QueryStatus asks for the definitive result of a push request.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (out StatusResult, err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "mobilemoney.query", trace.WithAttributes(attribute.String("checkout_request_id", checkoutRequestID)))
	defer func() { c.finish(span, "query", start, err) }()

	ts := c.timestamp()
	body := stkQueryBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.Password(ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}

	var resp stkQueryResponse
	err = c.post(ctx, "/mpesa/stkpushquery/v1/query", body, &resp)
	var perr *providerError
	if errors.As(err, &perr) && perr.Code == ResultCodeProcessing {
		return StatusResult{CheckoutRequestID: checkoutRequestID, Pending: true, ResultCode: perr.Code, ResultDesc: perr.Message}, nil
	}
	if err != nil {
		return StatusResult{}, err
	}

	code := string(resp.ResultCode)
	return StatusResult{
		CheckoutRequestID: checkoutRequestID,
		Success:           code == "0",
		ResultCode:        code,
		ResultDesc:        resp.ResultDesc,
	}, nil
}

// InitiatePayout sends money from the business short code to a subscriber.
// A caller-supplied ConversationID is reused so a retried call is recognised
// by the provider.
func (c *Client) InitiatePayout(ctx context.Context, in PayoutRequest) (out PayoutResponse, err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "mobilemoney.payout")
	defer func() { c.finish(span, "payout", start, err) }()

	phone, err := c.NormalizePhone(in.Phone)
	if err != nil {
		return PayoutResponse{}, err
	}
	amount := WholeUnits(in.Amount)
	if amount <= 0 {
		return PayoutResponse{}, apperr.Validation("amount %s rounds to zero", in.Amount)
	}
	conversationID := in.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	body := b2cBody{
		OriginatorConversationID: conversationID,
		InitiatorName:            c.cfg.InitiatorName,
		SecurityCredential:       c.cfg.SecurityCredential,
		CommandID:                in.CommandType,
		Amount:                   amount,
		PartyA:                   c.cfg.ShortCode,
		PartyB:                   phone,
		Remarks:                  in.Remarks,
		QueueTimeOutURL:          c.cfg.TimeoutURL,
		ResultURL:                c.cfg.ResultURL,
		Occasion:                 in.Occasion,
	}

	var resp b2cResponse
	if err := c.post(ctx, "/mpesa/b2c/v3/paymentrequest", body, &resp); err != nil {
		return PayoutResponse{}, err
	}
	if resp.ResponseCode != "0" {
		return PayoutResponse{}, apperr.GatewayRejected(nil, "payout rejected: %s %s", resp.ResponseCode, resp.ResponseDescription)
	}

	c.log.Info("mobile money payout accepted", "conversation_id", resp.ConversationID, "originator_conversation_id", conversationID, "amount", amount)
	return PayoutResponse{
		ConversationID:           resp.ConversationID,
		OriginatorConversationID: conversationID,
		ResponseDescription:      resp.ResponseDescription,
	}, nil
}

type providerError struct {
	Status  int
	Code    string
	Message string
}

func (e *providerError) Error() string {
	return fmt.Sprintf("provider returned %d: %s %s", e.Status, e.Code, e.Message)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.GatewayNetwork(err, "POST %s failed", path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.GatewayNetwork(err, "read %s response", path)
	}

	if resp.StatusCode != http.StatusOK {
		var er errorResponse
		_ = json.Unmarshal(raw, &er)
		perr := &providerError{Status: resp.StatusCode, Code: er.ErrorCode, Message: er.ErrorMessage}
		switch {
		case er.ErrorCode == ResultCodeProcessing:
			return perr
		case resp.StatusCode == http.StatusUnauthorized:
			c.invalidateToken()
			c.log.Error("mobile money token rejected", "path", path, "code", er.ErrorCode)
			return apperr.GatewayAuth(perr, "POST %s unauthorized", path)
		case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
			return apperr.GatewayNetwork(perr, "POST %s returned %d", path, resp.StatusCode)
		default:
			return apperr.GatewayRejected(perr, "POST %s rejected: %s", path, er.ErrorMessage)
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.GatewayNetwork(err, "decode %s response", path)
	}
	return nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) finish(span trace.Span, op string, start time.Time, err error) {
	c.metrics.ObserveGateway(gatewayName, op, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
	}
	span.End()
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
