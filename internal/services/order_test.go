package services

import (
	"context"
	"testing"

	"github.com/SigNoz/artist-storefront/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrder(sessionID string) *models.Order {
	return &models.Order{
		PaymentSessionID: sessionID,
		CustomerEmail:    "fan@example.com",
		CustomerName:     "Fan",
		Currency:         "usd",
		Status:           models.OrderCompleted,
		Items: []models.OrderItem{
			{ProductID: "p1", ProductName: "Poster", Quantity: 2, UnitPrice: 1000},
			{ProductID: "p2", ProductName: "Cap", Quantity: 1, UnitPrice: 2299},
		},
	}
}

func TestFinalizeRejectsSecondOrderForSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := newOrder("cs_1")
	require.NoError(t, h.orders.Finalize(ctx, first, nil))
	assert.Equal(t, models.Money(4299), first.Total)

	err := h.orders.Finalize(ctx, newOrder("cs_1"), nil)
	assert.ErrorIs(t, err, ErrDuplicateFinalization)
	assert.Equal(t, 1, h.orderCount(t))

	var items int
	require.NoError(t, h.db.QueryRow("SELECT COUNT(*) FROM order_items").Scan(&items))
	assert.Equal(t, 2, items)
}

func TestListOrdersNewestFirstWithItems(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := newOrder("cs_a")
	require.NoError(t, h.orders.Finalize(ctx, a, nil))
	_, err := h.db.Exec("UPDATE orders SET created_at = '2020-01-01 00:00:00' WHERE id = ?", a.ID)
	require.NoError(t, err)
	b := newOrder("cs_b")
	require.NoError(t, h.orders.Finalize(ctx, b, nil))

	orders, err := h.orders.ListOrders(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, b.ID, orders[0].ID)
	assert.Len(t, orders[0].Items, 2)
	assert.Len(t, orders[1].Items, 2)

	got, err := h.orders.GetOrder(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, got.ItemsTotal(), got.Total)

	_, err = h.orders.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestUpdateOrderStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := newOrder("cs_1")
	require.NoError(t, h.orders.Finalize(ctx, o, nil))

	require.NoError(t, h.orders.UpdateOrderStatus(ctx, o.ID, models.OrderShipped))
	got, err := h.orders.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderShipped, got.Status)

	assert.ErrorIs(t, h.orders.UpdateOrderStatus(ctx, o.ID, "lost"), ErrInvalidInput)
	assert.ErrorIs(t, h.orders.UpdateOrderStatus(ctx, "missing", models.OrderRefunded), ErrOrderNotFound)
}
