package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// OutboxPoller moves committed outbox rows onto the Publisher.
type OutboxPoller struct {
	store     *OutboxStore
	publisher Publisher
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewOutboxPoller creates a poller that checks the outbox every interval.
func NewOutboxPoller(store *OutboxStore, publisher Publisher, logger *zap.Logger, interval time.Duration) *OutboxPoller {
	return &OutboxPoller{
		store:     store,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		batchSize: 100,
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled.
func (p *OutboxPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.PublishPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// PublishPending publishes one batch and returns how many events were delivered.
// An event that fails to publish stays in the outbox for the next tick.
func (p *OutboxPoller) PublishPending(ctx context.Context) int {
	evs, err := p.store.FetchUnprocessed(ctx, p.batchSize)
	if err != nil {
		p.logger.Error("outbox_fetch_failed", zap.Error(err))
		return 0
	}

	published := 0
	for _, ev := range evs {
		if err := p.publisher.Publish(ctx, ev); err != nil {
			p.logger.Warn("outbox_publish_failed", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		if err := p.store.MarkProcessed(ctx, ev.ID, p.now()); err != nil {
			// published but not marked: consumers see it again and dedupe on event_id
			p.logger.Error("outbox_mark_failed", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		published++
	}
	return published
}
