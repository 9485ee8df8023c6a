// Package stripegw implements the payment gateway on Stripe Checkout.
package stripegw

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SigNoz/artist-storefront/internal/logging"
	"github.com/SigNoz/artist-storefront/internal/models"
	"github.com/SigNoz/artist-storefront/internal/payment"
	"github.com/stripe/stripe-go/v76"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

// Stripe bounds on checkout session expiry.
const (
	minSessionTTL = 30 * time.Minute
	maxSessionTTL = 24 * time.Hour

	maxMetadataValue = 500
)

// Config configures the Stripe client.
type Config struct {
	APIKey        string
	WebhookSecret string
	SessionTTL    time.Duration
	// Backend overrides the API backend, used by tests.
	Backend stripe.Backend
}

// Client is a payment.Gateway and payment.Verifier backed by Stripe.
type Client struct {
	sessions      *checkoutsession.Client
	webhookSecret string
	sessionTTL    time.Duration
	now           func() time.Time
}

// New creates a Stripe client.
func New(cfg Config) *Client {
	backend := cfg.Backend
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	ttl := cfg.SessionTTL
	if ttl < minSessionTTL {
		ttl = minSessionTTL
	}
	if ttl > maxSessionTTL {
		ttl = maxSessionTTL
	}
	return &Client{
		sessions:      &checkoutsession.Client{B: backend, Key: cfg.APIKey},
		webhookSecret: cfg.WebhookSecret,
		sessionTTL:    ttl,
		now:           time.Now,
	}
}

// SessionTTL is the clamped lifetime given to new sessions.
func (c *Client) SessionTTL() time.Duration {
	return c.sessionTTL
}

// CreateSession opens a hosted checkout session for the reserved cart.
func (c *Client) CreateSession(ctx context.Context, req payment.SessionRequest) (*payment.Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.CheckoutID),
		ExpiresAt:         stripe.Int64(c.now().Add(c.sessionTTL).Unix()),
	}
	params.Context = ctx
	if req.Customer.Email != "" {
		params.CustomerEmail = stripe.String(req.Customer.Email)
	}

	for _, line := range req.Lines {
		productData := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(line.Name),
		}
		if line.ImageURL != "" {
			productData.Images = []*string{stripe.String(line.ImageURL)}
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(req.Currency),
				ProductData: productData,
				UnitAmount:  stripe.Int64(int64(line.UnitPrice)),
			},
			Quantity: stripe.Int64(int64(line.Quantity)),
		})
	}

	for k, v := range req.Metadata {
		// Stripe caps metadata values; the server side snapshot is authoritative anyway.
		if len(v) > maxMetadataValue {
			logging.FromContext(ctx).Warn("payment_metadata_dropped",
				zap.String("checkout_id", req.CheckoutID),
				zap.String("key", k),
				zap.Int("length", len(v)),
				zap.Int("limit", maxMetadataValue))
			continue
		}
		params.AddMetadata(k, v)
	}
	if req.IdempotencyToken != "" {
		params.SetIdempotencyKey(req.IdempotencyToken)
	}

	s, err := c.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", payment.ErrGatewayUnavailable, err)
	}
	return &payment.Session{ID: s.ID, URL: s.URL}, nil
}

// ConstructEvent verifies the Stripe-Signature header and decodes checkout
// session events. Event types the coordinator does not act on decode to EventUnknown.
func (c *Client) ConstructEvent(payload []byte, signatureHeader string) (payment.Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, c.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return payment.Event{}, fmt.Errorf("%w: %w", payment.ErrSignatureInvalid, err)
	}

	out := payment.Event{ID: ev.ID, Type: payment.EventUnknown, ProviderType: string(ev.Type)}

	switch ev.Type {
	case stripe.EventTypeCheckoutSessionCompleted,
		stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded,
		stripe.EventTypeCheckoutSessionAsyncPaymentFailed,
		stripe.EventTypeCheckoutSessionExpired:
	default:
		return out, nil
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
		return payment.Event{}, fmt.Errorf("decode checkout session %s: %w", ev.ID, err)
	}

	out.SessionID = s.ID
	out.AmountTotal = models.Money(s.AmountTotal)
	out.Metadata = s.Metadata
	out.CheckoutID = s.Metadata[payment.MetaCheckoutID]
	if out.CheckoutID == "" {
		out.CheckoutID = s.ClientReferenceID
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		out.CustomerEmail = s.CustomerDetails.Email
	} else {
		out.CustomerEmail = s.CustomerEmail
	}

	switch ev.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		// delayed payment methods complete the session unpaid and settle later
		if s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
			s.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
			out.Type = payment.EventCompleted
		}
	case stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		out.Type = payment.EventCompleted
	case stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
		out.Type = payment.EventCancelled
	case stripe.EventTypeCheckoutSessionExpired:
		out.Type = payment.EventExpired
	}
	return out, nil
}
