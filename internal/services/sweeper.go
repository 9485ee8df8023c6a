package services

import (
	"context"
	"time"

	"github.com/SigNoz/artist-storefront/internal/metrics"
	"go.uber.org/zap"
)

// Sweeper returns the stock of checkouts the provider never reported on and
// keeps the stuck-finalization gauge current.
type Sweeper struct {
	coordinator *FulfillmentCoordinator
	checkouts   *CheckoutStore
	usecases    *metrics.UseCaseMetrics
	logger      *zap.Logger
	interval    time.Duration
	// expireAfter is how long a checkout may wait for the provider before it is released.
	expireAfter time.Duration
	// stuckAfter is how long a checkout may sit in FINALIZING before it counts as stuck.
	stuckAfter time.Duration
	now        func() time.Time
}

// NewSweeper creates a sweeper that runs every interval and releases
// checkouts idle for longer than expireAfter.
func NewSweeper(coordinator *FulfillmentCoordinator, checkouts *CheckoutStore, usecases *metrics.UseCaseMetrics, logger *zap.Logger, interval, expireAfter time.Duration) *Sweeper {
	return &Sweeper{
		coordinator: coordinator,
		checkouts:   checkouts,
		usecases:    usecases,
		logger:      logger,
		interval:    interval,
		expireAfter: expireAfter,
		stuckAfter:  5 * time.Minute,
		now:         time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	go s.checkouts.monitorAwaitingPayment(ctx, s.interval, s.logger)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many checkouts were released.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.now()

	ids, err := s.coordinator.ListExpiredSessions(ctx, now.Add(-s.expireAfter))
	if err != nil {
		s.logger.Error("sweep_list_failed", zap.Error(err))
		return 0
	}

	released := 0
	for _, id := range ids {
		ok, err := s.coordinator.ExpireSession(ctx, id)
		if err != nil {
			s.logger.Error("sweep_release_failed", zap.String("checkout_id", id), zap.Error(err))
			continue
		}
		if ok {
			released++
		}
	}
	if released > 0 {
		s.logger.Info("sweep_released", zap.Int("released", released), zap.Int("candidates", len(ids)))
	}

	stuck, err := s.checkouts.CountStuckFinalizing(ctx, now.Add(-s.stuckAfter))
	if err != nil {
		s.logger.Warn("sweep_stuck_count_failed", zap.Error(err))
		return released
	}
	s.usecases.SetStuck(stuck)
	if stuck > 0 {
		s.logger.Error("checkouts_stuck_finalizing", zap.Int("count", stuck))
	}
	return released
}
