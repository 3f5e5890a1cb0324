package checkout

import (
	"encoding/json"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
)

const (
	EventSessionCompleted      = "checkout.session.completed"
	EventSessionExpired        = "checkout.session.expired"
	EventAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
)

// WebhookResult is a verified session event. Ignored is set for event types
// the engine does not act on.
type WebhookResult struct {
	EventID string
	Type    string
	Session SessionState
	Ignored bool
}

// ParseWebhook checks the signature header against the endpoint secret and
// decodes checkout session events.
func (c *Client) ParseWebhook(payload []byte, signature string) (WebhookResult, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookResult{}, apperr.Wrap(apperr.CodeUnauthorized, err, "webhook signature rejected")
	}

	res := WebhookResult{EventID: event.ID, Type: string(event.Type)}
	switch res.Type {
	case EventSessionCompleted, EventSessionExpired, EventAsyncPaymentFailed, EventAsyncPaymentSucceeded:
	default:
		res.Ignored = true
		return res, nil
	}

	var s stripe.CheckoutSession
	if event.Data == nil {
		return WebhookResult{}, apperr.Validation("webhook %s carries no data", event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
		return WebhookResult{}, apperr.Validation("webhook %s: decode session: %v", event.ID, err)
	}
	res.Session = stateOf(&s)
	if res.Type == EventAsyncPaymentFailed {
		res.Session.Failed = true
	}
	return res, nil
}
