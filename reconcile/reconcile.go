/*
reconcile.go - Counter reconciliation and balance audit

PURPOSE:
  Event tables are the source of truth. The summary counters are caches of
  them, and this job rebuilds the caches when they drift. Balances are
  currency: the job checks them but never writes them.

JOBS:
  RecomputeReviewCounts   review_count / rating_count <- approved reviews
                          (one grouped query, mismatches recounted per user)
  RecomputePointTotals    total_points_earned <- sum of positive ledger points
  AuditBalances           invariants + lifetime_points vs ledger, alarms only

  Every correction is logged (user, field, old, new) and persisted with the
  run id. Running a job twice in a row yields zero corrections the second
  time.

CONCURRENCY:
  Users are processed in parallel with a bounded errgroup. Each user's fix
  is its own unit of work holding the user lock, the same lock every reward
  takes, so a counter is never overwritten with a count that misses an
  in-flight approval.

SEE ALSO:
  - api/scheduler.go: Periodic trigger
  - generic/store.go: ReconciliationStore
*/
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/warp/rewards-ledger/generic"
	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 4

const (
	FieldReviewCount       = "review_count"
	FieldRatingCount       = "rating_count"
	FieldTotalPointsEarned = "total_points_earned"
)

const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

type Job struct {
	Store       generic.TxStore
	Clock       generic.Clock
	Logger      *slog.Logger
	Concurrency int
}

func NewJob(store generic.TxStore) *Job {
	return &Job{
		Store:       store,
		Clock:       generic.SystemClock{},
		Logger:      slog.Default(),
		Concurrency: DefaultConcurrency,
	}
}

// Alarm is a balance discrepancy. Alarms are reported, never corrected.
type Alarm struct {
	UserID generic.UserID
	Check  string
	Detail string
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Run         generic.ReconciliationRun
	Corrections []generic.Correction
	Alarms      []Alarm
}

// =============================================================================
// ENTRY POINTS
// =============================================================================

func (j *Job) RecomputeReviewCounts(ctx context.Context) (Report, error) {
	return j.execute(ctx, j.reviewCounts)
}

func (j *Job) RecomputePointTotals(ctx context.Context) (Report, error) {
	return j.execute(ctx, j.pointTotals)
}

func (j *Job) AuditBalances(ctx context.Context) (Report, error) {
	return j.execute(ctx, j.auditBalances)
}

// Run executes every job as one recorded run.
func (j *Job) Run(ctx context.Context) (Report, error) {
	return j.execute(ctx, j.reviewCounts, j.pointTotals, j.auditBalances)
}

// =============================================================================
// RUN BOOKKEEPING
// =============================================================================

// pass is the shared state of one run.
type pass struct {
	runID string
	now   time.Time
	users []generic.UserID

	mu          sync.Mutex
	corrections []generic.Correction
	alarms      []Alarm
}

type step func(ctx context.Context, p *pass) error

func (j *Job) execute(ctx context.Context, steps ...step) (Report, error) {
	now := j.now()
	run := generic.ReconciliationRun{
		ID:        generic.NewID(),
		Status:    RunRunning,
		StartedAt: now,
	}
	if err := j.Store.SaveReconciliationRun(ctx, run); err != nil {
		return Report{}, fmt.Errorf("failed to save run record: %w", err)
	}

	p := &pass{runID: run.ID, now: now}
	err := j.runSteps(ctx, p, steps)

	completed := j.now()
	run.CompletedAt = &completed
	run.Users = len(p.users)
	run.Corrections = len(p.corrections)
	run.Alarms = len(p.alarms)
	run.Status = RunCompleted
	if err != nil {
		run.Status = RunFailed
		run.Error = err.Error()
	}
	// Record the outcome even when the caller's context is gone.
	if serr := j.Store.SaveReconciliationRun(context.WithoutCancel(ctx), run); serr != nil && err == nil {
		err = fmt.Errorf("failed to update run record: %w", serr)
	}

	report := Report{Run: run, Corrections: p.corrections, Alarms: p.alarms}
	report.sort()

	j.log().InfoContext(ctx, "reconciliation finished",
		slog.String("run_id", run.ID),
		slog.String("status", run.Status),
		slog.Int("users", run.Users),
		slog.Int("corrections", run.Corrections),
		slog.Int("alarms", run.Alarms))
	return report, err
}

func (j *Job) runSteps(ctx context.Context, p *pass, steps []step) error {
	users, err := j.Store.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	p.users = users
	for _, s := range steps {
		if err := s(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// forEachUser runs fn for every user with bounded parallelism.
func (j *Job) forEachUser(ctx context.Context, p *pass, fn func(ctx context.Context, userID generic.UserID) error) error {
	g, ctx := errgroup.WithContext(ctx)
	limit := j.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	g.SetLimit(limit)
	for _, u := range p.users {
		g.Go(func() error {
			return fn(ctx, u)
		})
	}
	return g.Wait()
}

// record persists one correction inside tx.
func (j *Job) record(ctx context.Context, tx generic.Store, p *pass, userID generic.UserID, field string, from, to int64) (generic.Correction, error) {
	c := generic.Correction{
		ID:        generic.NewID(),
		RunID:     p.runID,
		UserID:    userID,
		Field:     field,
		OldValue:  from,
		NewValue:  to,
		CreatedAt: p.now,
	}
	if err := tx.InsertCorrection(ctx, c); err != nil {
		return generic.Correction{}, err
	}
	return c, nil
}

func (p *pass) addCorrections(cs ...generic.Correction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.corrections = append(p.corrections, cs...)
}

func (p *pass) addAlarm(a Alarm) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alarms = append(p.alarms, a)
}

// =============================================================================
// JOBS
// =============================================================================

// reviewCounts compares every summary with one grouped count of approved
// reviews. A mismatch is recounted under the user lock before it is written,
// so an approval that lands after the snapshot is never lost.
func (j *Job) reviewCounts(ctx context.Context, p *pass) error {
	snapshot, err := j.Store.ApprovedReviewCounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to count approved reviews: %w", err)
	}
	return j.forEachUser(ctx, p, func(ctx context.Context, userID generic.UserID) error {
		var fixed []generic.Correction
		err := generic.RunUnit(ctx, j.Store, generic.UnitOptions{Name: "reconcile.reviews"}, func(ctx context.Context, tx generic.Store) error {
			fixed = fixed[:0]
			if err := tx.LockUser(ctx, userID); err != nil {
				return err
			}
			s, err := tx.GetSummary(ctx, userID)
			if err != nil {
				return err
			}
			seen := snapshot[userID]
			if s.ReviewCount == seen.Reviews && s.RatingCount == seen.Ratings {
				return nil
			}
			want, err := approvedCounts(ctx, tx, userID)
			if err != nil {
				return err
			}
			if s.ReviewCount == want.Reviews && s.RatingCount == want.Ratings {
				return nil
			}
			if err := tx.SetReviewCounters(ctx, userID, want, p.now); err != nil {
				return err
			}
			if s.ReviewCount != want.Reviews {
				c, err := j.record(ctx, tx, p, userID, FieldReviewCount, s.ReviewCount, want.Reviews)
				if err != nil {
					return err
				}
				fixed = append(fixed, c)
			}
			if s.RatingCount != want.Ratings {
				c, err := j.record(ctx, tx, p, userID, FieldRatingCount, s.RatingCount, want.Ratings)
				if err != nil {
					return err
				}
				fixed = append(fixed, c)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("reconcile reviews for %s: %w", userID, err)
		}
		j.logCorrections(ctx, fixed)
		p.addCorrections(fixed...)
		return nil
	})
}

// approvedCounts recounts one user's approved reviews inside tx.
func approvedCounts(ctx context.Context, tx generic.Store, userID generic.UserID) (generic.ReviewCounts, error) {
	approved, err := tx.ListReviews(ctx, generic.ReviewFilter{UserID: userID, Status: generic.ReviewApproved})
	if err != nil {
		return generic.ReviewCounts{}, err
	}
	var c generic.ReviewCounts
	for _, r := range approved {
		c.Reviews++
		if r.HasRating() {
			c.Ratings++
		}
	}
	return c, nil
}

func (j *Job) pointTotals(ctx context.Context, p *pass) error {
	return j.forEachUser(ctx, p, func(ctx context.Context, userID generic.UserID) error {
		var fixed []generic.Correction
		err := generic.RunUnit(ctx, j.Store, generic.UnitOptions{Name: "reconcile.points"}, func(ctx context.Context, tx generic.Store) error {
			fixed = fixed[:0]
			if err := tx.LockUser(ctx, userID); err != nil {
				return err
			}
			totals, err := tx.EntryTotals(ctx, userID, "")
			if err != nil {
				return err
			}
			s, err := tx.GetSummary(ctx, userID)
			if err != nil {
				return err
			}
			if s.TotalPointsEarned == totals.PointsEarned {
				return nil
			}
			if err := tx.SetPointsEarned(ctx, userID, totals.PointsEarned, p.now); err != nil {
				return err
			}
			c, err := j.record(ctx, tx, p, userID, FieldTotalPointsEarned, s.TotalPointsEarned, totals.PointsEarned)
			if err != nil {
				return err
			}
			fixed = append(fixed, c)
			return nil
		})
		if err != nil {
			return fmt.Errorf("reconcile points for %s: %w", userID, err)
		}
		j.logCorrections(ctx, fixed)
		p.addCorrections(fixed...)
		return nil
	})
}

func (j *Job) auditBalances(ctx context.Context, p *pass) error {
	return j.forEachUser(ctx, p, func(ctx context.Context, userID generic.UserID) error {
		b, err := j.Store.GetBalance(ctx, userID)
		if err != nil {
			return fmt.Errorf("audit %s: %w", userID, err)
		}
		totals, err := j.Store.EntryTotals(ctx, userID, "")
		if err != nil {
			return fmt.Errorf("audit %s: %w", userID, err)
		}

		var alarms []Alarm
		if err := b.CheckInvariants(); err != nil {
			alarms = append(alarms, Alarm{UserID: userID, Check: "invariant", Detail: err.Error()})
		}
		if b.LifetimePoints != totals.PointsEarned {
			alarms = append(alarms, Alarm{UserID: userID, Check: "lifetime_points",
				Detail: fmt.Sprintf("balance %d, ledger %d", b.LifetimePoints, totals.PointsEarned)})
		}
		if b.PointsSpent != totals.PointsSpent {
			alarms = append(alarms, Alarm{UserID: userID, Check: "points_spent",
				Detail: fmt.Sprintf("balance %d, ledger %d", b.PointsSpent, totals.PointsSpent)})
		}
		if !b.CashbackEarned.Equal(totals.CashbackEarned) {
			alarms = append(alarms, Alarm{UserID: userID, Check: "cashback_earned",
				Detail: fmt.Sprintf("balance %s, ledger %s",
					b.CashbackEarned.StringFixed(generic.CashbackPlaces), totals.CashbackEarned.StringFixed(generic.CashbackPlaces))})
		}

		for _, a := range alarms {
			j.log().ErrorContext(ctx, "balance discrepancy",
				slog.String("run_id", p.runID),
				slog.String("user_id", string(a.UserID)),
				slog.String("check", a.Check),
				slog.String("detail", a.Detail))
			p.addAlarm(a)
		}
		return nil
	})
}

// =============================================================================
// OUTPUT
// =============================================================================

func (r *Report) sort() {
	sort.Slice(r.Corrections, func(a, b int) bool {
		ca, cb := r.Corrections[a], r.Corrections[b]
		if ca.UserID != cb.UserID {
			return ca.UserID < cb.UserID
		}
		return ca.Field < cb.Field
	})
	sort.Slice(r.Alarms, func(a, b int) bool {
		aa, ab := r.Alarms[a], r.Alarms[b]
		if aa.UserID != ab.UserID {
			return aa.UserID < ab.UserID
		}
		return aa.Check < ab.Check
	})
}

// Render formats the report for operators. Run ids and timestamps are left
// out so output is stable across runs.
func (r Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "status: %s\nusers: %d\ncorrections: %d\nalarms: %d\n",
		r.Run.Status, r.Run.Users, len(r.Corrections), len(r.Alarms))
	if r.Run.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", r.Run.Error)
	}

	if len(r.Corrections) > 0 {
		b.WriteString("\n")
		w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "USER\tFIELD\tOLD\tNEW")
		for _, c := range r.Corrections {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", c.UserID, c.Field, c.OldValue, c.NewValue)
		}
		w.Flush()
	}
	if len(r.Alarms) > 0 {
		b.WriteString("\n")
		w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "USER\tCHECK\tDETAIL")
		for _, a := range r.Alarms {
			fmt.Fprintf(w, "%s\t%s\t%s\n", a.UserID, a.Check, a.Detail)
		}
		w.Flush()
	}
	return b.String()
}

func (j *Job) logCorrections(ctx context.Context, cs []generic.Correction) {
	for _, c := range cs {
		j.log().WarnContext(ctx, "counter corrected",
			slog.String("run_id", c.RunID),
			slog.String("user_id", string(c.UserID)),
			slog.String("field", c.Field),
			slog.Int64("old", c.OldValue),
			slog.Int64("new", c.NewValue))
	}
}

func (j *Job) now() time.Time {
	if j.Clock == nil {
		return time.Now().UTC()
	}
	return j.Clock.Now().UTC()
}

func (j *Job) log() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
