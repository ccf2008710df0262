/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically runs the full reconciliation job so that counter drift is
  corrected, and balance drift is alarmed, without operator action.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs once immediately on Start, then on every tick
  - Never overlaps runs: a tick that arrives mid-run is skipped
  - Every run is recorded by the job itself (reconciliation_runs)

CONFIGURATION:
  - Interval: How often to run (default: 1 hour)
  - Enabled:  Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(job)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerReconciliation endpoint (manual run)
  - reconcile/reconcile.go: The job
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/rewards-ledger/reconcile"
)

// ReconciliationScheduler runs reconciliation on an interval.
type ReconciliationScheduler struct {
	Job      *reconcile.Job
	Interval time.Duration
	Enabled  bool
	Logger   *slog.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running sync.Mutex
	nextRun time.Time
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(job *reconcile.Job) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Job:      job,
		Interval: time.Hour,
		Enabled:  true,
		Logger:   slog.Default().With(slog.String("component", "scheduler")),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.Interval)
	rs.nextRun = time.Now().Add(rs.Interval)
	rs.wg.Add(1)

	go rs.run(ctx, rs.ticker, rs.stop)

	rs.Logger.Info("scheduler started", slog.Duration("interval", rs.Interval))
}

// Stop stops the scheduler and cancels an in-flight run.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	if rs.ticker == nil {
		rs.mu.Unlock()
		return
	}
	ticker, stop, cancel := rs.ticker, rs.stop, rs.cancel
	rs.ticker = nil
	rs.mu.Unlock()

	// The run loop takes mu on every tick, so wait without holding it.
	ticker.Stop()
	close(stop)
	cancel()
	rs.wg.Wait()
	rs.Logger.Info("scheduler stopped")
}

func (rs *ReconciliationScheduler) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			rs.mu.Lock()
			rs.nextRun = time.Now().Add(rs.Interval)
			rs.mu.Unlock()
			rs.runOnce(ctx)
		case <-stop:
			return
		}
	}
}

// runOnce runs the job unless a run is already in progress. It reports
// whether a run happened.
func (rs *ReconciliationScheduler) runOnce(ctx context.Context) (reconcile.Report, bool) {
	if !rs.running.TryLock() {
		rs.Logger.Warn("previous reconciliation still running, skipping")
		return reconcile.Report{}, false
	}
	defer rs.running.Unlock()

	started := time.Now()
	report, err := rs.Job.Run(ctx)
	if err != nil {
		rs.Logger.Error("reconciliation failed",
			slog.String("run_id", report.Run.ID),
			slog.Any("error", err))
		return report, true
	}
	rs.Logger.Info("reconciliation completed",
		slog.String("run_id", report.Run.ID),
		slog.Int("users", report.Run.Users),
		slog.Int("corrections", len(report.Corrections)),
		slog.Int("alarms", len(report.Alarms)),
		slog.Duration("took", time.Since(started)))
	return report, true
}

// RunNow triggers an immediate run (for testing/admin). It returns false
// if a run was already in progress.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (reconcile.Report, bool) {
	return rs.runOnce(ctx)
}

// GetNextRunTime returns when the next scheduled run will occur, or the
// zero time when the scheduler is not running.
func (rs *ReconciliationScheduler) GetNextRunTime() time.Time {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.ticker == nil {
		return time.Time{}
	}
	return rs.nextRun
}
