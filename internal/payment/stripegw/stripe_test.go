package stripegw

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SigNoz/artist-storefront/internal/logging"
	"github.com/SigNoz/artist-storefront/internal/models"
	"github.com/SigNoz/artist-storefront/internal/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testSecret = "whsec_test_secret"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	c := New(Config{APIKey: "sk_test_123", WebhookSecret: testSecret, SessionTTL: time.Hour, Backend: backend})
	c.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return c
}

func TestCreateSessionSendsLineItemsAndIdempotencyKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "tok-123", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, r.ParseForm())

		assert.Equal(t, "payment", r.PostForm.Get("mode"))
		assert.Equal(t, "1000", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
		assert.Equal(t, "usd", r.PostForm.Get("line_items[0][price_data][currency]"))
		assert.Equal(t, "Poster", r.PostForm.Get("line_items[0][price_data][product_data][name]"))
		assert.Equal(t, "2", r.PostForm.Get("line_items[0][quantity]"))
		assert.Equal(t, "chk-1", r.PostForm.Get("metadata[checkout_id]"))
		assert.Equal(t, "chk-1", r.PostForm.Get("client_reference_id"))
		assert.Equal(t, "fan@example.com", r.PostForm.Get("customer_email"))
		assert.Equal(t, fmt.Sprint(1_700_000_000+3600), r.PostForm.Get("expires_at"))
		assert.Empty(t, r.PostForm.Get("metadata[too_long]"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_1"}`)
	})

	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}

	core, logs := observer.New(zap.WarnLevel)
	ctx := logging.ContextWithLogger(context.Background(), zap.New(core))

	s, err := c.CreateSession(ctx, payment.SessionRequest{
		CheckoutID:       "chk-1",
		IdempotencyToken: "tok-123",
		Lines:            []models.CartLine{{ProductID: "p1", Name: "Poster", UnitPrice: 1000, Quantity: 2}},
		Currency:         "usd",
		Customer:         models.CustomerInfo{Email: "fan@example.com"},
		SuccessURL:       "https://shop.example.com/checkout/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:        "https://shop.example.com/cart",
		Metadata: map[string]string{
			payment.MetaCheckoutID: "chk-1",
			"too_long":             string(long),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", s.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", s.URL)

	dropped := logs.FilterMessage("payment_metadata_dropped").All()
	require.Len(t, dropped, 1)
	assert.Equal(t, "too_long", dropped[0].ContextMap()["key"])
	assert.Equal(t, int64(600), dropped[0].ContextMap()["length"])
	assert.Equal(t, "chk-1", dropped[0].ContextMap()["checkout_id"])
}

func TestCreateSessionMapsProviderErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"type":"api_error","message":"try again"}}`)
	})

	_, err := c.CreateSession(context.Background(), payment.SessionRequest{
		CheckoutID: "chk-1",
		Lines:      []models.CartLine{{ProductID: "p1", Name: "Poster", UnitPrice: 1000, Quantity: 1}},
		Currency:   "usd",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrGatewayUnavailable)
}

func signed(t *testing.T, payload string) string {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: []byte(payload), Secret: testSecret})
	return sp.Header
}

func sessionEvent(eventType, paymentStatus string) string {
	return fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"type": %q,
		"api_version": "2020-08-27",
		"data": {"object": {
			"id": "cs_test_1",
			"object": "checkout.session",
			"amount_total": 2000,
			"payment_intent": "pi_123",
			"payment_status": %q,
			"customer_details": {"email": "fan@example.com"},
			"metadata": {"checkout_id": "chk-1"}
		}}
	}`, eventType, paymentStatus)
}

func TestConstructEventDecodesCheckoutSessionEvents(t *testing.T) {
	c := New(Config{WebhookSecret: testSecret})

	cases := []struct {
		eventType     string
		paymentStatus string
		want          payment.EventType
	}{
		{"checkout.session.completed", "paid", payment.EventCompleted},
		{"checkout.session.completed", "unpaid", payment.EventUnknown},
		{"checkout.session.async_payment_succeeded", "paid", payment.EventCompleted},
		{"checkout.session.async_payment_failed", "unpaid", payment.EventCancelled},
		{"checkout.session.expired", "unpaid", payment.EventExpired},
	}
	for _, tc := range cases {
		t.Run(tc.eventType+"/"+tc.paymentStatus, func(t *testing.T) {
			payload := sessionEvent(tc.eventType, tc.paymentStatus)
			ev, err := c.ConstructEvent([]byte(payload), signed(t, payload))
			require.NoError(t, err)

			assert.Equal(t, tc.want, ev.Type)
			assert.Equal(t, tc.eventType, ev.ProviderType)
			assert.Equal(t, "cs_test_1", ev.SessionID)
			assert.Equal(t, "chk-1", ev.CheckoutID)
			assert.Equal(t, "pi_123", ev.PaymentIntentID)
			assert.Equal(t, models.Money(2000), ev.AmountTotal)
			assert.Equal(t, "fan@example.com", ev.CustomerEmail)
		})
	}
}

func TestConstructEventUnknownType(t *testing.T) {
	c := New(Config{WebhookSecret: testSecret})
	payload := `{"id":"evt_2","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_1","object":"charge"}}}`

	ev, err := c.ConstructEvent([]byte(payload), signed(t, payload))
	require.NoError(t, err)
	assert.Equal(t, payment.EventUnknown, ev.Type)
	assert.Equal(t, "charge.refunded", ev.ProviderType)
}

func TestConstructEventRejectsBadSignature(t *testing.T) {
	c := New(Config{WebhookSecret: testSecret})
	payload := sessionEvent("checkout.session.completed", "paid")

	_, err := c.ConstructEvent([]byte(payload), "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, payment.ErrSignatureInvalid)

	other := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: []byte(payload), Secret: "whsec_other"})
	_, err = c.ConstructEvent([]byte(payload), other.Header)
	assert.ErrorIs(t, err, payment.ErrSignatureInvalid)
}
