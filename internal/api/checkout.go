package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/SigNoz/artist-storefront/internal/logging"
	"github.com/SigNoz/artist-storefront/internal/models"
	"github.com/SigNoz/artist-storefront/internal/services"
	"go.uber.org/zap"
)

const (
	maxCheckoutBody = 64 << 10
	maxWebhookBody  = 1 << 20
)

// CheckoutHandler handles POST /checkout
func (a *App) CheckoutHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCheckoutBody)
	var req models.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	origin := a.origin(r)
	result, err := a.coordinator.ReserveAndCreateSession(r.Context(), req.CartItems,
		models.CustomerInfo{Email: strings.TrimSpace(req.CustomerEmail), Name: strings.TrimSpace(req.CustomerName)},
		services.CheckoutURLs{
			SuccessURL: origin + "/checkout/success?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:  origin + "/cart",
		})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.CheckoutResponse{SessionID: result.SessionID, URL: result.URL})
}

// origin is the storefront base URL used for provider redirects.
func (a *App) origin(r *http.Request) string {
	if a.config.PublicBaseURL != "" {
		return a.config.PublicBaseURL
	}
	if o := r.Header.Get("Origin"); o != "" {
		return strings.TrimSuffix(o, "/")
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

type webhookResponse struct {
	Received bool `json:"received"`
	Ignored  bool `json:"ignored,omitempty"`
}

// PaymentWebhookHandler handles POST /webhooks/payment. It answers 2xx only
// once the event has been applied, or was a duplicate, or is one we ignore.
func (a *App) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Could not read body")
		return
	}

	ev, err := a.verifier.ConstructEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		logger.Warn("webhook_signature_invalid", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	outcome, err := a.coordinator.OnPaymentEvent(r.Context(), ev)
	if err != nil {
		logger.Error("webhook_processing_failed",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.ProviderType),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Webhook processing failed")
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Ignored: outcome == services.EventIgnored})
}
