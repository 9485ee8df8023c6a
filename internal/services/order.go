package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SigNoz/artist-storefront/internal/db"
	"github.com/SigNoz/artist-storefront/internal/events"
	"github.com/SigNoz/artist-storefront/internal/metrics"
	"github.com/SigNoz/artist-storefront/internal/models"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const orderColumns = `id, payment_session_id, checkout_id, payment_intent_id, customer_email, customer_name,
	total_minor, currency, status, created_at, updated_at`

// OrderService handles order-related operations
type OrderService struct {
	db        *db.DB
	metrics   *metrics.AppMetrics
	ledger    *InventoryLedger
	checkouts *CheckoutStore
	outbox    *events.OutboxStore
	now       func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(database *db.DB, m *metrics.AppMetrics, ledger *InventoryLedger, checkouts *CheckoutStore, outbox *events.OutboxStore) *OrderService {
	return &OrderService{
		db:        database,
		metrics:   m,
		ledger:    ledger,
		checkouts: checkouts,
		outbox:    outbox,
		now:       time.Now,
	}
}

// Finalize persists order and its items, queues an order.completed event for
// completed orders and marks the originating checkout COMPLETED, all in one
// transaction. When reserve is non-empty those lines are taken out of stock
// first. A second order for the same payment session fails with
// ErrDuplicateFinalization.
func (s *OrderService) Finalize(ctx context.Context, order *models.Order, reserve []models.CartLine) error {
	now := s.now().UTC().Truncate(time.Second)
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	order.CreatedAt, order.UpdatedAt = now, now
	order.Total = order.ItemsTotal()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(reserve) > 0 {
		if err := s.ledger.reserveLines(ctx, tx, reserve); err != nil {
			return err
		}
	}

	start := time.Now()
	orderQuery := "INSERT INTO orders (" + orderColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	_, err = tx.ExecContext(ctx, orderQuery, order.ID, order.PaymentSessionID, order.CheckoutID, order.PaymentIntentID,
		order.CustomerEmail, order.CustomerName, int64(order.Total), order.Currency, order.Status, now, now)
	s.metrics.RecordDBQuery(ctx, "INSERT", "orders", orderQuery, start, err == nil)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateFinalization
		}
		return fmt.Errorf("failed to create order: %w", err)
	}

	itemQuery := "INSERT INTO order_items (id, order_id, product_id, product_name, quantity, unit_price_minor) VALUES (?, ?, ?, ?, ?, ?)"
	for i := range order.Items {
		item := &order.Items[i]
		item.ID = uuid.NewString()
		item.OrderID = order.ID

		start = time.Now()
		_, err = tx.ExecContext(ctx, itemQuery, item.ID, item.OrderID, item.ProductID, item.ProductName, item.Quantity, int64(item.UnitPrice))
		s.metrics.RecordDBQuery(ctx, "INSERT", "order_items", itemQuery, start, err == nil)
		if err != nil {
			return fmt.Errorf("failed to create order item: %w", err)
		}
	}

	if order.Status == models.OrderCompleted {
		ev, err := events.NewOrderCompleted(order)
		if err != nil {
			return err
		}
		if err := s.outbox.InsertTx(ctx, tx, ev); err != nil {
			return err
		}
	}

	if order.CheckoutID != "" {
		if err := s.checkouts.completeTx(ctx, tx, order.CheckoutID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.recordOrderMetrics(ctx, order)
	return nil
}

// recordOrderMetrics records orders and revenue per product category.
func (s *OrderService) recordOrderMetrics(ctx context.Context, order *models.Order) {
	ids := make([]string, 0, len(order.Items))
	for _, it := range order.Items {
		ids = append(ids, it.ProductID)
	}
	categories := s.categories(ctx, ids)

	categoryRevenue := make(map[string]models.Money)
	categoryOrders := make(map[string]int)
	for _, it := range order.Items {
		category := categories[it.ProductID]
		if category == "" {
			category = "unknown"
		}
		categoryRevenue[category] += it.UnitPrice * models.Money(it.Quantity)
		categoryOrders[category]++
	}

	for category, count := range categoryOrders {
		s.metrics.OrdersCreated.Add(ctx, int64(count), metric.WithAttributes(s.metrics.WithServiceName([]attribute.KeyValue{
			attribute.String("order_status", string(order.Status)),
			attribute.String("product_category", category),
		})...))
		if order.Status != models.OrderCompleted {
			continue
		}
		s.metrics.RevenueTotal.Add(ctx, categoryRevenue[category].Float64(), metric.WithAttributes(s.metrics.WithServiceName([]attribute.KeyValue{
			attribute.String("currency", order.Currency),
			attribute.String("product_category", category),
			attribute.String("order_status", string(order.Status)),
		})...))
	}
}

func (s *OrderService) categories(ctx context.Context, ids []string) map[string]string {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	start := time.Now()
	query := fmt.Sprintf("SELECT id, category FROM products WHERE id IN (%s)", placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.metrics.RecordDBQuery(ctx, "SELECT", "products", query, start, err == nil)
	if err != nil {
		return out
	}
	defer rows.Close()

	for rows.Next() {
		var id, category string
		if err := rows.Scan(&id, &category); err == nil {
			out[id] = category
		}
	}
	return out
}

// GetOrder returns an order by ID
func (s *OrderService) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return s.getBy(ctx, "id", id)
}

// GetByPaymentSession returns the order created for a payment session.
func (s *OrderService) GetByPaymentSession(ctx context.Context, sessionID string) (*models.Order, error) {
	return s.getBy(ctx, "payment_session_id", sessionID)
}

func (s *OrderService) getBy(ctx context.Context, column, value string) (*models.Order, error) {
	start := time.Now()
	query := "SELECT " + orderColumns + " FROM orders WHERE " + column + " = ?"
	order, err := scanOrder(s.db.QueryRowContext(ctx, query, value))
	s.metrics.RecordDBQuery(ctx, "SELECT", "orders", query, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	items, err := s.items(ctx, []string{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = items[order.ID]
	return order, nil
}

// ListOrders returns orders newest first, with their items.
func (s *OrderService) ListOrders(ctx context.Context, limit, offset int) ([]models.Order, error) {
	start := time.Now()
	query := "SELECT " + orderColumns + " FROM orders ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	s.metrics.RecordDBQuery(ctx, "SELECT", "orders", query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(orders) == 0 {
		return orders, nil
	}
	ids := make([]string, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
	}
	items, err := s.items(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, nil
}

func (s *OrderService) items(ctx context.Context, orderIDs []string) (map[string][]models.OrderItem, error) {
	args := make([]any, len(orderIDs))
	for i, id := range orderIDs {
		args[i] = id
	}

	start := time.Now()
	query := fmt.Sprintf(`SELECT id, order_id, product_id, product_name, quantity, unit_price_minor
		FROM order_items WHERE order_id IN (%s) ORDER BY product_id`, placeholders(len(orderIDs)))
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.metrics.RecordDBQuery(ctx, "SELECT", "order_items", query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]models.OrderItem, len(orderIDs))
	for rows.Next() {
		var it models.OrderItem
		var price int64
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.Quantity, &price); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		it.UnitPrice = models.Money(price)
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	return out, rows.Err()
}

// UpdateOrderStatus applies an administrative status correction.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: invalid status %q", ErrInvalidInput, status)
	}

	start := time.Now()
	query := "UPDATE orders SET status = ?, updated_at = ? WHERE id = ?"
	result, err := s.db.ExecContext(ctx, query, status, s.now().UTC().Truncate(time.Second), id)
	s.metrics.RecordDBQuery(ctx, "UPDATE", "orders", query, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var total int64
	err := row.Scan(&o.ID, &o.PaymentSessionID, &o.CheckoutID, &o.PaymentIntentID, &o.CustomerEmail, &o.CustomerName,
		&total, &o.Currency, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Total = models.Money(total)
	return &o, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
