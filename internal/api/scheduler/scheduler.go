// Package scheduler runs the periodic account maintenance sweep.
//
// The users table accumulates two kinds of garbage: verification code
// columns left behind on abandoned signups, and unverified accounts
// that were never completed and keep their email and phone reserved
// forever. A sweep clears the first and purges the second, freeing the
// identifiers for re-registration.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/UditSharma04/Embedder-farm/internal/model"

	"gorm.io/gorm"
)

// MaintenanceStore is the storage surface the sweep needs.
type MaintenanceStore interface {
	// ClearExpiredCodes nulls the verification code columns of rows
	// whose code expired before now. Returns the number of rows touched.
	ClearExpiredCodes(ctx context.Context, now time.Time) (int64, error)
	// PurgeUnverified deletes unverified accounts created before cutoff.
	// Returns the number of rows deleted.
	PurgeUnverified(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler drives the maintenance sweep on a fixed interval.
type Scheduler struct {
	store      MaintenanceStore
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration
}

// New creates a maintenance scheduler. Zero interval and staleAfter
// fall back to one hour and seven days.
func New(store MaintenanceStore, logger *slog.Logger, interval, staleAfter time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if staleAfter <= 0 {
		staleAfter = 7 * 24 * time.Hour
	}
	return &Scheduler{
		store:      store,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

// Run sweeps once immediately, then on every tick until ctx is done.
// Intended to run in its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("account maintenance started",
		slog.String("interval", s.interval.String()),
		slog.String("stale_after", s.staleAfter.String()))

	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("account maintenance stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one maintenance pass. Errors are logged, never fatal;
// the next tick retries.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := time.Now()

	cleared, err := s.store.ClearExpiredCodes(ctx, now)
	if err != nil {
		s.logger.Error("clear expired codes failed", slog.String("error", err.Error()))
	} else if cleared > 0 {
		s.logger.Info("cleared expired verification codes", slog.Int64("count", cleared))
	}

	purged, err := s.store.PurgeUnverified(ctx, now.Add(-s.staleAfter))
	if err != nil {
		s.logger.Error("purge unverified accounts failed", slog.String("error", err.Error()))
	} else if purged > 0 {
		s.logger.Info("purged stale unverified accounts", slog.Int64("count", purged))
	}
}

type gormMaintenanceStore struct {
	db *gorm.DB
}

// NewStore returns the gorm-backed MaintenanceStore.
func NewStore(db *gorm.DB) MaintenanceStore {
	return &gormMaintenanceStore{db: db}
}

func (s *gormMaintenanceStore) ClearExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&model.User{}).
		Where("is_verified = ? AND verification_code_expires IS NOT NULL AND verification_code_expires < ?", false, now).
		Updates(map[string]interface{}{
			"verification_code":         nil,
			"verification_code_expires": nil,
		})
	return res.RowsAffected, res.Error
}

func (s *gormMaintenanceStore) PurgeUnverified(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("is_verified = ? AND created_at < ?", false, cutoff).
		Delete(&model.User{})
	return res.RowsAffected, res.Error
}
