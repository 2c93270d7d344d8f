package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Martian-dev/mailsync/internal/models"
)

// AccountLister lists accounts that may be synced.
type AccountLister interface {
	ListSyncableAccounts(ctx context.Context) ([]models.Account, error)
}

// Enqueuer accepts background sync requests.
type Enqueuer interface {
	Enqueue(accountID string) error
}

// Scheduler periodically queues an incremental sync for every syncable account.
type Scheduler struct {
	Accounts AccountLister
	Queue    Enqueuer
	Interval time.Duration
	Logger   *slog.Logger
}

// Run ticks until ctx is done. A zero interval disables scheduling.
func (s *Scheduler) Run(ctx context.Context) {
	if s.Interval <= 0 {
		return
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx, logger)
		}
	}
}

// Tick queues one round. It returns how many accounts were queued.
func (s *Scheduler) Tick(ctx context.Context, logger *slog.Logger) int {
	accts, err := s.Accounts.ListSyncableAccounts(ctx)
	if err != nil {
		logger.Error("scheduler: failed to list accounts", slog.String("error", err.Error()))
		return 0
	}

	queued := 0
	for _, a := range accts {
		if err := s.Queue.Enqueue(a.ID); err != nil {
			logger.Warn("scheduler: enqueue failed", slog.String("account_id", a.ID), slog.String("error", err.Error()))
			if errors.Is(err, ErrManagerClosed) {
				return queued
			}
			continue
		}
		queued++
	}
	logger.Debug("scheduler tick", slog.Int("accounts", len(accts)), slog.Int("queued", queued))
	return queued
}
