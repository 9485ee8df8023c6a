package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/SigNoz/artist-storefront/internal/db"
	"github.com/SigNoz/artist-storefront/internal/metrics"
)

// OutboxStore reads and writes the outbox_events table.
type OutboxStore struct {
	db      *db.DB
	metrics *metrics.AppMetrics
}

// NewOutboxStore creates an OutboxStore.
func NewOutboxStore(database *db.DB, m *metrics.AppMetrics) *OutboxStore {
	return &OutboxStore{db: database, metrics: m}
}

// InsertTx appends ev inside the caller's transaction.
func (s *OutboxStore) InsertTx(ctx context.Context, tx *sql.Tx, ev OutboxEvent) error {
	start := time.Now()
	query := "INSERT INTO outbox_events (id, aggregate_id, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?)"
	_, err := tx.ExecContext(ctx, query, ev.ID, ev.AggregateID, ev.EventType, string(ev.Payload), ev.CreatedAt.UTC().Truncate(time.Second))
	s.metrics.RecordDBQuery(ctx, "INSERT", "outbox_events", query, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// FetchUnprocessed returns up to limit unpublished events, oldest first.
func (s *OutboxStore) FetchUnprocessed(ctx context.Context, limit int) ([]OutboxEvent, error) {
	start := time.Now()
	query := `SELECT id, aggregate_id, event_type, payload, created_at FROM outbox_events
		WHERE processed_at IS NULL ORDER BY created_at, id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	s.metrics.RecordDBQuery(ctx, "SELECT", "outbox_events", query, start, err == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		var ev OutboxEvent
		var payload string
		if err := rows.Scan(&ev.ID, &ev.AggregateID, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		ev.Payload = []byte(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkProcessed stamps the event as published.
func (s *OutboxStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	start := time.Now()
	query := "UPDATE outbox_events SET processed_at = ? WHERE id = ? AND processed_at IS NULL"
	_, err := s.db.ExecContext(ctx, query, at.UTC().Truncate(time.Second), id)
	s.metrics.RecordDBQuery(ctx, "UPDATE", "outbox_events", query, start, err == nil)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event %s: %w", id, err)
	}
	return nil
}
