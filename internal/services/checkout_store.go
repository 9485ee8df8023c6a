package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/SigNoz/artist-storefront/internal/db"
	"github.com/SigNoz/artist-storefront/internal/metrics"
	"github.com/SigNoz/artist-storefront/internal/models"
	"github.com/SigNoz/artist-storefront/internal/payment"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const checkoutColumns = `id, gateway_session_id, status, release_reason, customer_email, customer_name,
	cart_snapshot, total_minor, currency, created_at, updated_at`

// CheckoutStore persists checkout attempts and the inventory they hold.
type CheckoutStore struct {
	db      *db.DB
	metrics *metrics.AppMetrics
	ledger  *InventoryLedger
	now     func() time.Time
}

// NewCheckoutStore creates a checkout store that returns stock through ledger.
func NewCheckoutStore(database *db.DB, m *metrics.AppMetrics, ledger *InventoryLedger) *CheckoutStore {
	return &CheckoutStore{db: database, metrics: m, ledger: ledger, now: time.Now}
}

// CreateReserved inserts an INITIATED checkout and reserves every line in the
// same transaction. Either both happen or neither does.
func (s *CheckoutStore) CreateReserved(ctx context.Context, c *models.CheckoutSession) error {
	snapshot, err := payment.EncodeSnapshot(c.Lines)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ledger.reserveLines(ctx, tx, c.Lines); err != nil {
		return err
	}

	now := s.timestamp()
	c.Status = models.CheckoutInitiated
	c.CreatedAt, c.UpdatedAt = now, now

	start := time.Now()
	query := `INSERT INTO checkout_sessions (id, gateway_session_id, status, release_reason, customer_email, customer_name,
		cart_snapshot, total_minor, currency, created_at, updated_at) VALUES (?, NULL, ?, '', ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query, c.ID, c.Status, c.Customer.Email, c.Customer.Name,
		snapshot, int64(c.Total), c.Currency, now, now)
	s.metrics.RecordDBQuery(ctx, "INSERT", "checkout_sessions", query, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to create checkout session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AttachGatewaySession records the provider session and moves the checkout to AWAITING_PAYMENT.
func (s *CheckoutStore) AttachGatewaySession(ctx context.Context, id, gatewaySessionID string) error {
	start := time.Now()
	query := "UPDATE checkout_sessions SET gateway_session_id = ?, status = ?, updated_at = ? WHERE id = ? AND status = ?"
	result, err := s.db.ExecContext(ctx, query, gatewaySessionID, models.CheckoutAwaitingPayment, s.timestamp(), id, models.CheckoutInitiated)
	s.metrics.RecordDBQuery(ctx, "UPDATE", "checkout_sessions", query, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to attach gateway session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("checkout %s is no longer initiated: %w", id, ErrCheckoutNotFound)
	}
	return nil
}

// Get returns a checkout by its id.
func (s *CheckoutStore) Get(ctx context.Context, id string) (*models.CheckoutSession, error) {
	return s.getBy(ctx, "id", id)
}

// GetByGatewaySession returns the checkout that owns a provider session.
func (s *CheckoutStore) GetByGatewaySession(ctx context.Context, gatewaySessionID string) (*models.CheckoutSession, error) {
	return s.getBy(ctx, "gateway_session_id", gatewaySessionID)
}

func (s *CheckoutStore) getBy(ctx context.Context, column, value string) (*models.CheckoutSession, error) {
	start := time.Now()
	query := "SELECT " + checkoutColumns + " FROM checkout_sessions WHERE " + column + " = ?"
	c, err := scanCheckout(s.db.QueryRowContext(ctx, query, value))
	s.metrics.RecordDBQuery(ctx, "SELECT", "checkout_sessions", query, start, err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkout session: %w", err)
	}
	return c, nil
}

// MarkFinalizing moves a holding checkout to FINALIZING and returns the
// resulting status. A checkout that was already released stays released.
func (s *CheckoutStore) MarkFinalizing(ctx context.Context, id string) (models.CheckoutStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	start := time.Now()
	query := "UPDATE checkout_sessions SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)"
	result, err := tx.ExecContext(ctx, query, models.CheckoutFinalizing, s.timestamp(), id,
		models.CheckoutInitiated, models.CheckoutAwaitingPayment)
	s.metrics.RecordDBQuery(ctx, "UPDATE", "checkout_sessions", query, start, err == nil)
	if err != nil {
		return "", fmt.Errorf("failed to mark checkout finalizing: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to get rows affected: %w", err)
	}

	status := models.CheckoutFinalizing
	if affected == 0 {
		start = time.Now()
		query = "SELECT status FROM checkout_sessions WHERE id = ?"
		err = tx.QueryRowContext(ctx, query, id).Scan(&status)
		s.metrics.RecordDBQuery(ctx, "SELECT", "checkout_sessions", query, start, err == nil)
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrCheckoutNotFound
		}
		if err != nil {
			return "", fmt.Errorf("failed to read checkout status: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return status, nil
}

// Release moves a checkout that still holds stock to RELEASED and returns its
// lines to inventory. It reports false when there was nothing to release:
// the checkout was already released, is being finalized, or completed.
func (s *CheckoutStore) Release(ctx context.Context, id, reason string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	start := time.Now()
	query := "UPDATE checkout_sessions SET status = ?, release_reason = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)"
	result, err := tx.ExecContext(ctx, query, models.CheckoutReleased, reason, s.timestamp(), id,
		models.CheckoutInitiated, models.CheckoutAwaitingPayment)
	s.metrics.RecordDBQuery(ctx, "UPDATE", "checkout_sessions", query, start, err == nil)
	if err != nil {
		return false, fmt.Errorf("failed to release checkout: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	var snapshot string
	start = time.Now()
	query = "SELECT cart_snapshot FROM checkout_sessions WHERE id = ?"
	err = tx.QueryRowContext(ctx, query, id).Scan(&snapshot)
	s.metrics.RecordDBQuery(ctx, "SELECT", "checkout_sessions", query, start, err == nil)
	if err != nil {
		return false, fmt.Errorf("failed to read cart snapshot: %w", err)
	}
	lines, err := payment.DecodeSnapshot(snapshot)
	if err != nil {
		return false, err
	}
	if err := s.ledger.releaseLines(ctx, tx, lines); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.metrics.CheckoutsReleased.Add(ctx, 1, metric.WithAttributes(s.metrics.WithServiceName([]attribute.KeyValue{
		attribute.String("reason", reason),
	})...))
	return true, nil
}

// ListExpiredSessions returns ids of checkouts still holding stock that have
// not changed since olderThan.
func (s *CheckoutStore) ListExpiredSessions(ctx context.Context, olderThan time.Time) ([]string, error) {
	start := time.Now()
	query := "SELECT id FROM checkout_sessions WHERE status IN (?, ?) AND updated_at < ? ORDER BY updated_at"
	rows, err := s.db.QueryContext(ctx, query, models.CheckoutInitiated, models.CheckoutAwaitingPayment,
		olderThan.UTC().Truncate(time.Second))
	s.metrics.RecordDBQuery(ctx, "SELECT", "checkout_sessions", query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired checkouts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan checkout id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountAwaitingPayment returns the number of checkouts waiting on the provider.
func (s *CheckoutStore) CountAwaitingPayment(ctx context.Context) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM checkout_sessions WHERE status = ?", models.CheckoutAwaitingPayment)
}

// CountStuckFinalizing returns the number of checkouts stuck in FINALIZING since before olderThan.
func (s *CheckoutStore) CountStuckFinalizing(ctx context.Context, olderThan time.Time) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM checkout_sessions WHERE status = ? AND updated_at < ?",
		models.CheckoutFinalizing, olderThan.UTC().Truncate(time.Second))
}

func (s *CheckoutStore) count(ctx context.Context, query string, args ...any) (int, error) {
	start := time.Now()
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	s.metrics.RecordDBQuery(ctx, "SELECT", "checkout_sessions", query, start, err == nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count checkout sessions: %w", err)
	}
	return n, nil
}

// monitorAwaitingPayment periodically records the awaiting payment gauge.
func (s *CheckoutStore) monitorAwaitingPayment(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.CountAwaitingPayment(ctx)
			if err != nil {
				logger.Warn("awaiting_payment_count_failed", zap.Error(err))
				continue
			}
			s.metrics.AwaitingPaymentCount.Record(ctx, int64(n), metric.WithAttributes(s.metrics.WithServiceName(nil)...))
		}
	}
}

// completeTx marks a checkout COMPLETED inside the finalization transaction.
func (s *CheckoutStore) completeTx(ctx context.Context, tx *sql.Tx, id string) error {
	start := time.Now()
	query := "UPDATE checkout_sessions SET status = ?, updated_at = ? WHERE id = ?"
	_, err := tx.ExecContext(ctx, query, models.CheckoutCompleted, s.timestamp(), id)
	s.metrics.RecordDBQuery(ctx, "UPDATE", "checkout_sessions", query, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to complete checkout: %w", err)
	}
	return nil
}

func (s *CheckoutStore) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

func scanCheckout(row *sql.Row) (*models.CheckoutSession, error) {
	var (
		c         models.CheckoutSession
		gatewayID sql.NullString
		snapshot  string
		total     int64
	)
	err := row.Scan(&c.ID, &gatewayID, &c.Status, &c.ReleaseReason, &c.Customer.Email, &c.Customer.Name,
		&snapshot, &total, &c.Currency, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.GatewaySessionID = gatewayID.String
	c.Total = models.Money(total)
	c.Lines, err = payment.DecodeSnapshot(snapshot)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
