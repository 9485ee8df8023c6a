package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/SigNoz/artist-storefront/internal/db"
	"github.com/SigNoz/artist-storefront/internal/metrics"
	"github.com/SigNoz/artist-storefront/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// execQuerier is satisfied by *sql.DB and *sql.Tx.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Reservation is a provisional stock decrement that can be released once.
type Reservation struct {
	ProductID string
	Quantity  int

	mu      sync.Mutex
	settled bool
}

// InventoryLedger owns every mutation of products.inventory.
type InventoryLedger struct {
	db      *db.DB
	metrics *metrics.AppMetrics
	now     func() time.Time
}

// NewInventoryLedger creates a ledger.
func NewInventoryLedger(database *db.DB, m *metrics.AppMetrics) *InventoryLedger {
	return &InventoryLedger{db: database, metrics: m, now: time.Now}
}

// Reserve atomically takes quantity units of productID out of stock.
func (l *InventoryLedger) Reserve(ctx context.Context, productID string, quantity int) (*Reservation, error) {
	if err := l.reserve(ctx, l.db, productID, quantity); err != nil {
		return nil, err
	}
	return &Reservation{ProductID: productID, Quantity: quantity}, nil
}

// Release returns a reservation to stock. Releasing twice, or after Confirm, does nothing.
func (l *InventoryLedger) Release(ctx context.Context, r *Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return nil
	}
	if err := l.restore(ctx, l.db, r.ProductID, r.Quantity); err != nil {
		return err
	}
	r.settled = true
	return nil
}

// Confirm marks the reservation as consumed by a paid order. The stock was
// already decremented, so the ledger itself does not change.
func (l *InventoryLedger) Confirm(r *Reservation) {
	r.mu.Lock()
	r.settled = true
	r.mu.Unlock()
}

// Available returns the current stock of a product.
func (l *InventoryLedger) Available(ctx context.Context, productID string) (int, error) {
	return l.available(ctx, l.db, productID)
}

// Restock adds quantity units and returns the new level.
func (l *InventoryLedger) Restock(ctx context.Context, productID string, quantity int) (int, error) {
	if quantity <= 0 {
		return 0, ErrInvalidQuantity
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := l.restore(ctx, tx, productID, quantity); err != nil {
		return 0, err
	}
	level, err := l.available(ctx, tx, productID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	l.recordLevel(ctx, productID, level)
	return level, nil
}

// reserveLines reserves every line inside tx. Lines for the same product are
// merged and products are locked in id order so concurrent carts cannot deadlock.
func (l *InventoryLedger) reserveLines(ctx context.Context, tx *sql.Tx, lines []models.CartLine) error {
	for _, line := range mergeLines(lines) {
		if err := l.reserve(ctx, tx, line.ProductID, line.Quantity); err != nil {
			var insufficient *InsufficientInventoryError
			if errors.As(err, &insufficient) {
				insufficient.Name = line.Name
			}
			return err
		}
	}
	return nil
}

// releaseLines returns every line to stock inside tx.
func (l *InventoryLedger) releaseLines(ctx context.Context, tx *sql.Tx, lines []models.CartLine) error {
	for _, line := range mergeLines(lines) {
		if err := l.restore(ctx, tx, line.ProductID, line.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func (l *InventoryLedger) reserve(ctx context.Context, q execQuerier, productID string, quantity int) error {
	if quantity <= 0 || quantity > models.MaxLineQuantity {
		return fmt.Errorf("%w for %s", ErrInvalidQuantity, productID)
	}

	start := time.Now()
	query := "UPDATE products SET inventory = inventory - ?, updated_at = ? WHERE id = ? AND inventory >= ?"
	result, err := q.ExecContext(ctx, query, quantity, l.timestamp(), productID, quantity)
	l.metrics.RecordDBQuery(ctx, "UPDATE", "products", query, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to reserve inventory for %s: %w", productID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	available, err := l.available(ctx, q, productID)
	if err != nil {
		return err
	}
	return &InsufficientInventoryError{ProductID: productID, Requested: quantity, Available: available}
}

func (l *InventoryLedger) restore(ctx context.Context, q execQuerier, productID string, quantity int) error {
	start := time.Now()
	query := "UPDATE products SET inventory = inventory + ?, updated_at = ? WHERE id = ?"
	result, err := q.ExecContext(ctx, query, quantity, l.timestamp(), productID)
	l.metrics.RecordDBQuery(ctx, "UPDATE", "products", query, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to release inventory for %s: %w", productID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return &ProductNotFoundError{ProductID: productID}
	}
	return nil
}

func (l *InventoryLedger) available(ctx context.Context, q execQuerier, productID string) (int, error) {
	start := time.Now()
	query := "SELECT inventory FROM products WHERE id = ?"
	var n int
	err := q.QueryRowContext(ctx, query, productID).Scan(&n)
	l.metrics.RecordDBQuery(ctx, "SELECT", "products", query, start, err == nil)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &ProductNotFoundError{ProductID: productID}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read inventory for %s: %w", productID, err)
	}
	return n, nil
}

func (l *InventoryLedger) recordLevel(ctx context.Context, productID string, level int) {
	l.metrics.InventoryLevel.Record(ctx, int64(level), metric.WithAttributes(l.metrics.WithServiceName([]attribute.KeyValue{
		attribute.String("product_id", productID),
	})...))
}

func (l *InventoryLedger) timestamp() time.Time {
	return l.now().UTC().Truncate(time.Second)
}

// mergeLines sums quantities per product and sorts by product id. Sums
// saturate at math.MaxInt so an oversized cart is rejected by reserve.
func mergeLines(lines []models.CartLine) []models.CartLine {
	byID := make(map[string]int, len(lines))
	var merged []models.CartLine
	for _, line := range lines {
		if i, ok := byID[line.ProductID]; ok {
			merged[i].Quantity = addQuantity(merged[i].Quantity, line.Quantity)
			continue
		}
		byID[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	return merged
}

func addQuantity(a, b int) int {
	if b > 0 && a > math.MaxInt-b {
		return math.MaxInt
	}
	return a + b
}
