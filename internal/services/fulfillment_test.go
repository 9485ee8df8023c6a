package services

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SigNoz/artist-storefront/internal/events"
	"github.com/SigNoz/artist-storefront/internal/models"
	"github.com/SigNoz/artist-storefront/internal/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckoutThenCompletedCreatesOrder(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 2)
	ctx := context.Background()

	res := h.checkout(t, line("p1", 1000, 2))
	assert.Equal(t, 0, h.inventory(t, "p1"))
	assert.Equal(t, "cs_test_1", res.SessionID)
	assert.Equal(t, models.Money(2000), res.Total)

	outcome, err := h.coordinator.OnPaymentEvent(ctx, completed(res, 2000))
	require.NoError(t, err)
	assert.Equal(t, EventProcessed, outcome)

	order, err := h.orders.GetByPaymentSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.Money(2000), order.Total)
	assert.Equal(t, "20.00", order.Total.String())
	assert.Equal(t, models.OrderCompleted, order.Status)
	assert.Equal(t, "Fan", order.CustomerName)
	assert.Equal(t, "pi_cs_test_1", order.PaymentIntentID)
	require.Len(t, order.Items, 1)
	assert.Equal(t, 2, order.Items[0].Quantity)
	assert.Equal(t, models.Money(1000), order.Items[0].UnitPrice)

	// no second decrement at finalization
	assert.Equal(t, 0, h.inventory(t, "p1"))

	checkout, err := h.checkouts.Get(ctx, res.CheckoutID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutCompleted, checkout.Status)

	pending, err := h.outbox.FetchUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, events.TypeOrderCompleted, pending[0].EventType)
	assert.Equal(t, order.ID, pending[0].AggregateID)
}

func TestCheckoutRejectsWhenStockShort(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 1)

	_, err := h.coordinator.ReserveAndCreateSession(context.Background(),
		[]models.CartLine{line("p1", 1000, 2)}, models.CustomerInfo{}, testURLs)

	var insufficient *InsufficientInventoryError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "p1", insufficient.ProductID)
	assert.Equal(t, 1, insufficient.Available)
	assert.Equal(t, 1, h.inventory(t, "p1"))
	assert.Empty(t, h.gateway.Requests())
}

func TestCheckoutIsAllOrNothing(t *testing.T) {
	h := newHarness(t)
	h.product(t, "a", 500, 5)
	h.product(t, "b", 700, 1)
	h.product(t, "c", 900, 5)

	_, err := h.coordinator.ReserveAndCreateSession(context.Background(),
		[]models.CartLine{line("a", 500, 2), line("b", 700, 2), line("c", 900, 1)}, models.CustomerInfo{}, testURLs)

	var insufficient *InsufficientInventoryError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "b", insufficient.ProductID)
	assert.Equal(t, 5, h.inventory(t, "a"))
	assert.Equal(t, 1, h.inventory(t, "b"))
	assert.Equal(t, 5, h.inventory(t, "c"))

	var n int
	require.NoError(t, h.db.QueryRow("SELECT COUNT(*) FROM checkout_sessions").Scan(&n))
	assert.Zero(t, n)
}

func TestCheckoutValidation(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 5)
	ctx := context.Background()

	_, err := h.coordinator.ReserveAndCreateSession(ctx, nil, models.CustomerInfo{}, testURLs)
	assert.ErrorIs(t, err, ErrEmptyCart)

	_, err = h.coordinator.ReserveAndCreateSession(ctx, []models.CartLine{line("p1", 1000, 0)}, models.CustomerInfo{}, testURLs)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = h.coordinator.ReserveAndCreateSession(ctx, []models.CartLine{line("nope", 1000, 1)}, models.CustomerInfo{}, testURLs)
	var notFound *ProductNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nope", notFound.ProductID)

	assert.Equal(t, 5, h.inventory(t, "p1"))
}

func TestCheckoutUsesCatalogPrices(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 5)

	res := h.checkout(t, line("p1", 1, 1), line("p1", 1, 2))
	assert.Equal(t, models.Money(3000), res.Total)
	assert.Equal(t, 2, h.inventory(t, "p1"))

	req := h.gateway.Last()
	require.Len(t, req.Lines, 2)
	assert.Equal(t, models.Money(1000), req.Lines[0].UnitPrice)
	assert.Equal(t, res.CheckoutID, req.Metadata[payment.MetaCheckoutID])
	assert.Equal(t, req.IdempotencyToken, req.Metadata[payment.MetaIdempotencyToken])
	assert.True(t, strings.HasSuffix(req.IdempotencyToken, "-"+res.CheckoutID))

	snapshot, err := payment.DecodeSnapshot(req.Metadata[payment.MetaCartItems])
	require.NoError(t, err)
	assert.Len(t, snapshot, 2)
}

func TestGatewayFailureReleasesReservation(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 3)
	h.gateway.SetErr(payment.ErrGatewayUnavailable)

	_, err := h.coordinator.ReserveAndCreateSession(context.Background(),
		[]models.CartLine{line("p1", 1000, 2)}, models.CustomerInfo{}, testURLs)
	require.ErrorIs(t, err, payment.ErrGatewayUnavailable)
	assert.Equal(t, 3, h.inventory(t, "p1"))

	var status, reason string
	require.NoError(t, h.db.QueryRow("SELECT status, release_reason FROM checkout_sessions").Scan(&status, &reason))
	assert.Equal(t, string(models.CheckoutReleased), status)
	assert.Equal(t, models.ReleaseGatewayFailure, reason)
}

func TestConcurrentDuplicateCompletedEventsCreateOneOrder(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 5)
	res := h.checkout(t, line("p1", 1000, 2))
	ev := completed(res, 2000)

	var wg sync.WaitGroup
	outcomes := make([]EventOutcome, 3)
	errs := make([]error, 3)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = h.coordinator.OnPaymentEvent(context.Background(), ev)
		}(i)
	}
	wg.Wait()

	processed := 0
	for i := range outcomes {
		require.NoError(t, errs[i])
		if outcomes[i] == EventProcessed {
			processed++
		} else {
			assert.Equal(t, EventDuplicate, outcomes[i])
		}
	}
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, h.orderCount(t))
	assert.Equal(t, 3, h.inventory(t, "p1"))
}

func TestSequentialRedeliveryIsDuplicate(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 5)
	res := h.checkout(t, line("p1", 1000, 1))
	ctx := context.Background()

	_, err := h.coordinator.OnPaymentEvent(ctx, completed(res, 1000))
	require.NoError(t, err)
	outcome, err := h.coordinator.OnPaymentEvent(ctx, completed(res, 1000))
	require.NoError(t, err)
	assert.Equal(t, EventDuplicate, outcome)
	assert.Equal(t, 1, h.orderCount(t))
}

func TestCancelAfterCompletedIsNoop(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 5)
	res := h.checkout(t, line("p1", 1000, 2))
	ctx := context.Background()

	_, err := h.coordinator.OnPaymentEvent(ctx, completed(res, 2000))
	require.NoError(t, err)
	before, err := h.orders.GetByPaymentSession(ctx, res.SessionID)
	require.NoError(t, err)

	for _, typ := range []payment.EventType{payment.EventCancelled, payment.EventExpired} {
		outcome, err := h.coordinator.OnPaymentEvent(ctx, withType(completed(res, 2000), typ))
		require.NoError(t, err)
		assert.NotEqual(t, EventProcessed, outcome)
	}

	assert.Equal(t, 3, h.inventory(t, "p1"))
	after, err := h.orders.GetByPaymentSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Total, after.Total)
}

func TestCancelReleasesOnce(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 5)
	res := h.checkout(t, line("p1", 1000, 2))
	ctx := context.Background()
	cancel := withType(completed(res, 0), payment.EventCancelled)

	outcome, err := h.coordinator.OnPaymentEvent(ctx, cancel)
	require.NoError(t, err)
	assert.Equal(t, EventProcessed, outcome)
	assert.Equal(t, 5, h.inventory(t, "p1"))

	outcome, err = h.coordinator.OnPaymentEvent(ctx, cancel)
	require.NoError(t, err)
	assert.Equal(t, EventDuplicate, outcome)
	assert.Equal(t, 5, h.inventory(t, "p1"))

	status, err := h.coordinator.SessionStatus(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCancelled, status.Status)
	assert.Nil(t, status.Order)
}

func TestCompletedAfterReleaseReservesAgain(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 3)
	res := h.checkout(t, line("p1", 1000, 2))
	ctx := context.Background()

	_, err := h.coordinator.OnPaymentEvent(ctx, withType(completed(res, 2000), payment.EventExpired))
	require.NoError(t, err)
	assert.Equal(t, 3, h.inventory(t, "p1"))

	outcome, err := h.coordinator.OnPaymentEvent(ctx, completed(res, 2000))
	require.NoError(t, err)
	assert.Equal(t, EventProcessed, outcome)
	assert.Equal(t, 1, h.inventory(t, "p1"))

	order, err := h.orders.GetByPaymentSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, order.Status)
}

func TestCompletedAfterReleaseWithoutStockRecordsFailedOrder(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 2)
	ctx := context.Background()
	first := h.checkout(t, line("p1", 1000, 2))

	_, err := h.coordinator.OnPaymentEvent(ctx, withType(completed(first, 0), payment.EventExpired))
	require.NoError(t, err)
	h.checkout(t, line("p1", 1000, 2))
	require.Equal(t, 0, h.inventory(t, "p1"))

	outcome, err := h.coordinator.OnPaymentEvent(ctx, completed(first, 2000))
	require.NoError(t, err)
	assert.Equal(t, EventProcessed, outcome)
	assert.Equal(t, 0, h.inventory(t, "p1"))

	order, err := h.orders.GetByPaymentSession(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderFailed, order.Status)

	pending, err := h.outbox.FetchUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestUnknownEventsAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 5)
	res := h.checkout(t, line("p1", 1000, 1))
	ctx := context.Background()

	outcome, err := h.coordinator.OnPaymentEvent(ctx, withType(completed(res, 0), payment.EventUnknown))
	require.NoError(t, err)
	assert.Equal(t, EventIgnored, outcome)
	assert.Equal(t, 4, h.inventory(t, "p1"))

	outcome, err = h.coordinator.OnPaymentEvent(ctx, payment.Event{Type: payment.EventCompleted, SessionID: "cs_other"})
	require.NoError(t, err)
	assert.Equal(t, EventIgnored, outcome)
	assert.Zero(t, h.orderCount(t))
}

func TestEventResolvedByCheckoutIDWhenSessionUnknown(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 5)
	res := h.checkout(t, line("p1", 1000, 1))

	ev := completed(res, 1000)
	_, err := h.db.Exec("UPDATE checkout_sessions SET gateway_session_id = NULL WHERE id = ?", res.CheckoutID)
	require.NoError(t, err)

	outcome, err := h.coordinator.OnPaymentEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, EventProcessed, outcome)
	assert.Equal(t, 1, h.orderCount(t))
}

func TestTwoCheckoutsRaceForLastUnit(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.coordinator.ReserveAndCreateSession(context.Background(),
				[]models.CartLine{line("p1", 1000, 1)}, models.CustomerInfo{}, testURLs)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		var insufficient *InsufficientInventoryError
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &insufficient):
			assert.Equal(t, 0, insufficient.Available)
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, h.inventory(t, "p1"))
}

func TestOrderDefaultsCustomerFields(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 5)
	ctx := context.Background()

	res, err := h.coordinator.ReserveAndCreateSession(ctx, []models.CartLine{line("p1", 1000, 1)}, models.CustomerInfo{}, testURLs)
	require.NoError(t, err)

	ev := completed(res, 999)
	ev.CustomerEmail = ""
	_, err = h.coordinator.OnPaymentEvent(ctx, ev)
	require.NoError(t, err)

	order, err := h.orders.GetByPaymentSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "Guest", order.CustomerName)
	assert.Equal(t, "unknown@example.com", order.CustomerEmail)
	// the order total is the sum of its items, not the provider amount
	assert.Equal(t, models.Money(1000), order.Total)
}

func TestSessionStatusAfterCompletion(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 5)
	res := h.checkout(t, line("p1", 1000, 1))
	ctx := context.Background()

	status, err := h.coordinator.SessionStatus(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, status.Status)

	_, err = h.coordinator.OnPaymentEvent(ctx, completed(res, 1000))
	require.NoError(t, err)

	status, err = h.coordinator.SessionStatus(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, status.Status)
	require.NotNil(t, status.Order)
	assert.Len(t, status.Order.Items, 1)

	_, err = h.coordinator.SessionStatus(ctx, "cs_missing")
	assert.ErrorIs(t, err, ErrCheckoutNotFound)
}

func TestIdempotencyTokenIsStablePerCart(t *testing.T) {
	lines := []models.CartLine{line("b", 100, 1), line("a", 200, 2)}
	reversed := []models.CartLine{lines[1], lines[0]}
	customer := models.CustomerInfo{Email: "fan@example.com"}

	a := IdempotencyToken(lines, customer, "chk-1")
	b := IdempotencyToken(reversed, customer, "chk-1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, IdempotencyToken(lines, customer, "chk-2"))
	assert.NotEqual(t, a[:16], IdempotencyToken(lines, models.CustomerInfo{}, "chk-1")[:16])
}

func TestSweeperReleasesStaleCheckouts(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 5)
	stale := h.checkout(t, line("p1", 1000, 2))
	fresh := h.checkout(t, line("p1", 1000, 1))
	h.age(t, stale.CheckoutID, 2*time.Hour)

	sweeper := NewSweeper(h.coordinator, h.checkouts, h.usecases, h.coordinator.logger, time.Minute, time.Hour)
	assert.Equal(t, 1, sweeper.Sweep(context.Background()))
	assert.Equal(t, 4, h.inventory(t, "p1"))

	ctx := context.Background()
	c, err := h.checkouts.Get(ctx, stale.CheckoutID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutReleased, c.Status)
	assert.Equal(t, models.ReleaseExpired, c.ReleaseReason)

	c, err = h.checkouts.Get(ctx, fresh.CheckoutID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckoutAwaitingPayment, c.Status)

	assert.Zero(t, sweeper.Sweep(ctx))
}

func TestSweeperCountsStuckFinalizing(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 5)
	res := h.checkout(t, line("p1", 1000, 1))
	ctx := context.Background()

	_, err := h.checkouts.MarkFinalizing(ctx, res.CheckoutID)
	require.NoError(t, err)
	h.age(t, res.CheckoutID, time.Hour)

	sweeper := NewSweeper(h.coordinator, h.checkouts, h.usecases, h.coordinator.logger, time.Minute, 10*time.Minute)
	assert.Zero(t, sweeper.Sweep(ctx))
	// finalizing checkouts keep their stock
	assert.Equal(t, 4, h.inventory(t, "p1"))

	n, err := h.checkouts.CountStuckFinalizing(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCheckoutRejectsOversizedQuantities(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 5)
	h.product(t, "p2", 1000, 5)
	ctx := context.Background()

	cases := []struct {
		name string
		cart []models.CartLine
	}{
		{"over the line cap", []models.CartLine{line("p1", 1000, models.MaxLineQuantity+1)}},
		{"max int", []models.CartLine{line("p1", 1000, math.MaxInt)}},
		{"duplicate lines that overflow when merged", []models.CartLine{
			line("p1", 1000, math.MaxInt/2+1),
			line("p1", 1000, math.MaxInt/2+1),
		}},
		{"duplicate lines over the cap when merged", []models.CartLine{
			line("p1", 1000, models.MaxLineQuantity/2+1),
			line("p1", 1000, models.MaxLineQuantity/2+1),
		}},
		{"huge line next to a valid one", []models.CartLine{
			line("p2", 1000, math.MaxInt),
			line("p1", 1000, 3),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := h.coordinator.ReserveAndCreateSession(ctx, tc.cart, models.CustomerInfo{}, testURLs)
			assert.ErrorIs(t, err, ErrInvalidQuantity)
			assert.Nil(t, res)
		})
	}

	assert.Equal(t, 5, h.inventory(t, "p1"))
	assert.Equal(t, 5, h.inventory(t, "p2"))
	assert.Empty(t, h.gateway.Requests())

	var n int
	require.NoError(t, h.db.QueryRow("SELECT COUNT(*) FROM checkout_sessions").Scan(&n))
	assert.Zero(t, n)
}

func TestCheckoutMergesDuplicateLinesWithinStock(t *testing.T) {
	h := newHarness(t)
	h.product(t, "p1", 1000, 5)

	res := h.checkout(t, line("p1", 1000, 2), line("p1", 1000, 3))
	assert.Equal(t, models.Money(5000), res.Total)
	assert.Equal(t, 0, h.inventory(t, "p1"))

	_, err := h.coordinator.ReserveAndCreateSession(context.Background(),
		[]models.CartLine{line("p1", 1000, 1), line("p1", 1000, 1)}, models.CustomerInfo{}, testURLs)
	var insufficient *InsufficientInventoryError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 2, insufficient.Requested)
	assert.Equal(t, 0, h.inventory(t, "p1"))
}
