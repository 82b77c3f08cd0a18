package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/safedeal/core/internal/metrics"
)

// DefaultPollInterval is how often the scheduler looks for due work.
const DefaultPollInterval = 30 * time.Second

// Scheduler drives the one self-triggered transition: auto-completing
// delivered transactions whose inspection period has passed. It polls the
// store for persisted due-work records (AutoCompleteAt) instead of holding
// in-process timers, so due work survives restarts and the race against a
// late dispute reduces to the service's status re-check.
type Scheduler struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	stop     chan struct{}
	running  atomic.Bool
}

// NewScheduler creates the auto-complete scheduler.
func NewScheduler(service *Service, store Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		service:  service,
		store:    store,
		interval: DefaultPollInterval,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the poll interval.
func (sc *Scheduler) WithInterval(d time.Duration) *Scheduler {
	if d > 0 {
		sc.interval = d
	}
	return sc
}

// WithClock overrides the time source (for tests).
func (sc *Scheduler) WithClock(now func() time.Time) *Scheduler {
	sc.now = now
	return sc
}

// Running reports whether the poll loop is active.
func (sc *Scheduler) Running() bool {
	return sc.running.Load()
}

// Start begins the poll loop. Call in a goroutine.
func (sc *Scheduler) Start(ctx context.Context) {
	sc.running.Store(true)
	defer sc.running.Store(false)

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.stop:
			return
		case <-ticker.C:
			sc.safeCompleteDue(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (sc *Scheduler) Stop() {
	select {
	case sc.stop <- struct{}{}:
	default:
	}
}

func (sc *Scheduler) safeCompleteDue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			sc.logger.Error("panic in escrow scheduler", "panic", fmt.Sprint(r))
		}
	}()
	sc.CompleteDue(ctx)
}

// CompleteDue runs one poll pass: every delivered transaction past its
// AutoCompleteAt instant is handed to AutoComplete. The service re-reads
// state before acting, so a transaction disputed between the listing and
// the call fails its guard harmlessly.
func (sc *Scheduler) CompleteDue(ctx context.Context) {
	metrics.SchedulerRunsTotal.Inc()

	due, err := sc.store.ListDueAutoComplete(ctx, sc.now(), 100)
	if err != nil {
		sc.logger.Warn("failed to list due transactions", "error", err)
		return
	}

	for _, txn := range due {
		_, err := sc.service.AutoComplete(ctx, txn.ID)
		switch {
		case err == nil:
			metrics.SchedulerCompletionsTotal.Inc()
			sc.logger.Info("auto-completed transaction",
				"transactionId", txn.ID, "seller", txn.SellerID, "amount", txn.Amount)
		case errors.Is(err, ErrStateConflict):
			// The race loser: a dispute or another completion got there
			// first. Nothing to do.
			sc.logger.Debug("auto-complete skipped, state changed",
				"transactionId", txn.ID, "error", err)
		case errors.Is(err, ErrProcessorFailure):
			// Stays delivered; retried on the next pass, an operator can
			// also escalate.
			sc.logger.Warn("auto-complete payout failed, will retry",
				"transactionId", txn.ID, "error", err)
		default:
			sc.logger.Warn("auto-complete failed",
				"transactionId", txn.ID, "error", err)
		}
	}
}
