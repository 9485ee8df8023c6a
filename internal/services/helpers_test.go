package services

import (
	"context"
	"testing"
	"time"

	"github.com/SigNoz/artist-storefront/internal/db"
	"github.com/SigNoz/artist-storefront/internal/db/dbtest"
	"github.com/SigNoz/artist-storefront/internal/events"
	"github.com/SigNoz/artist-storefront/internal/locks"
	"github.com/SigNoz/artist-storefront/internal/metrics"
	"github.com/SigNoz/artist-storefront/internal/models"
	"github.com/SigNoz/artist-storefront/internal/payment"
	"github.com/SigNoz/artist-storefront/internal/payment/paymenttest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

type harness struct {
	db          *db.DB
	metrics     *metrics.AppMetrics
	usecases    *metrics.UseCaseMetrics
	ledger      *InventoryLedger
	checkouts   *CheckoutStore
	orders      *OrderService
	products    *ProductService
	outbox      *events.OutboxStore
	gateway     *paymenttest.Gateway
	coordinator *FulfillmentCoordinator
}

func testMetrics(t testing.TB) *metrics.AppMetrics {
	t.Helper()
	m, err := metrics.NewAppMetrics(noop.NewMeterProvider().Meter("test"), "storefront-test", "sqlite")
	require.NoError(t, err)
	return m
}

// newHarness wires every service over an empty catalog.
func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		db:       dbtest.Empty(t),
		metrics:  testMetrics(t),
		usecases: metrics.NewUseCaseMetrics(prometheus.NewRegistry()),
		gateway:  &paymenttest.Gateway{},
	}
	h.ledger = NewInventoryLedger(h.db, h.metrics)
	h.checkouts = NewCheckoutStore(h.db, h.metrics, h.ledger)
	h.outbox = events.NewOutboxStore(h.db, h.metrics)
	h.orders = NewOrderService(h.db, h.metrics, h.ledger, h.checkouts, h.outbox)
	h.products = NewProductService(h.db, h.metrics)
	h.coordinator = NewFulfillmentCoordinator(FulfillmentConfig{
		Products:  h.products,
		Checkouts: h.checkouts,
		Orders:    h.orders,
		Gateway:   h.gateway,
		Locker:    locks.NewMemoryLocker(),
		Metrics:   h.metrics,
		UseCases:  h.usecases,
		Logger:    zap.NewNop(),
		Currency:  "usd",
	})
	return h
}

func (h *harness) product(t *testing.T, id string, priceMinor int64, inventory int) {
	t.Helper()
	dbtest.InsertProduct(t, h.db, id, "Product "+id, priceMinor, inventory)
}

func (h *harness) inventory(t *testing.T, id string) int {
	t.Helper()
	return dbtest.Inventory(t, h.db, id)
}

func (h *harness) checkout(t *testing.T, lines ...models.CartLine) *CheckoutResult {
	t.Helper()
	res, err := h.coordinator.ReserveAndCreateSession(context.Background(), lines,
		models.CustomerInfo{Email: "fan@example.com", Name: "Fan"}, testURLs)
	require.NoError(t, err)
	return res
}

func (h *harness) orderCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRow("SELECT COUNT(*) FROM orders").Scan(&n))
	return n
}

// age moves a checkout's last update into the past.
func (h *harness) age(t *testing.T, checkoutID string, by time.Duration) {
	t.Helper()
	_, err := h.db.Exec("UPDATE checkout_sessions SET updated_at = ? WHERE id = ?",
		time.Now().Add(-by).UTC().Truncate(time.Second), checkoutID)
	require.NoError(t, err)
}

var testURLs = CheckoutURLs{
	SuccessURL: "https://shop.example.com/checkout/success?session_id={CHECKOUT_SESSION_ID}",
	CancelURL:  "https://shop.example.com/cart",
}

func line(id string, priceMinor int64, quantity int) models.CartLine {
	return models.CartLine{ProductID: id, Name: "Product " + id, UnitPrice: models.Money(priceMinor), Quantity: quantity}
}

func completed(res *CheckoutResult, amount int64) payment.Event {
	return payment.Event{
		ID:              "evt_" + res.SessionID,
		Type:            payment.EventCompleted,
		ProviderType:    "checkout.session.completed",
		SessionID:       res.SessionID,
		CheckoutID:      res.CheckoutID,
		PaymentIntentID: "pi_" + res.SessionID,
		AmountTotal:     models.Money(amount),
		CustomerEmail:   "fan@example.com",
	}
}

func withType(ev payment.Event, t payment.EventType) payment.Event {
	ev.Type = t
	return ev
}
