// Package payment defines the hosted checkout provider boundary: session
// creation and decoding of signed webhook events into a closed set of types.
package payment

import (
	"context"
	"errors"

	"github.com/SigNoz/artist-storefront/internal/models"
)

var (
	// ErrGatewayUnavailable wraps network and provider failures. Callers may retry.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrSignatureInvalid is returned when a webhook payload fails verification.
	ErrSignatureInvalid = errors.New("invalid webhook signature")
)

// Metadata keys attached to every provider session.
const (
	MetaCheckoutID       = "checkout_id"
	MetaIdempotencyToken = "idempotency_token"
	MetaCustomerName     = "customer_name"
	MetaCustomerEmail    = "customer_email"
	MetaCartItems        = "cart_items"
)

// SessionRequest is everything needed to open a hosted checkout page.
type SessionRequest struct {
	CheckoutID       string
	IdempotencyToken string
	Lines            []models.CartLine
	Currency         string
	Customer         models.CustomerInfo
	SuccessURL       string
	CancelURL        string
	Metadata         map[string]string
}

// Session is a created provider session.
type Session struct {
	ID  string
	URL string
}

// Gateway creates hosted payment sessions.
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
}

// Verifier authenticates a raw webhook delivery and decodes it.
type Verifier interface {
	ConstructEvent(payload []byte, signatureHeader string) (Event, error)
}
