/*
checkin.go - Daily check-in workflow

PURPOSE:
  Awards a fixed number of points once per user per local calendar day and
  derives the streak from the check-in history.

DAY BOUNDARY:
  The day key is computed from the injected Calendar on every request, in
  the configured reference timezone. Two check-ins on either side of local
  midnight are two days even if they are minutes apart.

IDEMPOTENCY:
  The ledger key is the day key, so the second check-in of a day collides
  with the first entry and the coordinator reports ErrDuplicateEvent. That
  is a normal outcome here: the caller gets Success with AlreadyCheckedIn.

STREAK:
  Consecutive days ending today, or ending yesterday if the user has not
  checked in yet today. Computed at query time, never stored.

SEE ALSO:
  - generic/ledger.go: ApplyReward
  - generic/time.go: DayKey, Calendar
  - rewards/rules.go: CheckinReward
*/
package checkin

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/warp/rewards-ledger/generic"
	"github.com/warp/rewards-ledger/rewards"
)

// HistoryWindow is the number of records returned by Status.
const HistoryWindow = 7

type Service struct {
	Ledger   *generic.Coordinator
	Rules    rewards.Rules
	Calendar generic.Calendar
	Logger   *slog.Logger
}

func NewService(ledger *generic.Coordinator, rules rewards.Rules, cal generic.Calendar) *Service {
	return &Service{
		Ledger:   ledger,
		Rules:    rules,
		Calendar: cal,
		Logger:   slog.Default(),
	}
}

// Result is the outcome of a check-in attempt.
type Result struct {
	Success          bool
	PointsAwarded    int64
	AlreadyCheckedIn bool
	Date             string
	Streak           int
	Balance          generic.UserBalance
}

// Status describes the user's check-in state for today.
type Status struct {
	Date             string
	CheckedInToday   bool
	Streak           int
	NextReset        time.Time
	Recent           []generic.CheckinRecord
	Totals           generic.CheckinTotals
	PointsPerCheckin int64
}

// =============================================================================
// CHECK IN
// =============================================================================

// CheckIn awards today's check-in points, at most once per local day.
func (s *Service) CheckIn(ctx context.Context, userID generic.UserID) (Result, error) {
	today := s.Calendar.Today()
	delta := s.Rules.CheckinReward()

	res, err := s.Ledger.ApplyReward(ctx, generic.Reward{
		UserID:   userID,
		Kind:     generic.SourceCheckin,
		Key:      today,
		Points:   delta.Points,
		Reason:   "daily check-in",
		Metadata: map[string]string{"date": today},
		Effect: func(ctx context.Context, tx generic.Store, entry generic.LedgerEntry) error {
			return tx.InsertCheckin(ctx, generic.CheckinRecord{
				UserID:       userID,
				Date:         today,
				PointsEarned: delta.Points,
				CreatedAt:    entry.CreatedAt,
			})
		},
	})

	out := Result{Success: true, Date: today}
	switch {
	case err == nil:
		out.PointsAwarded = res.PointsApplied
		out.Balance = res.Balance
	case errors.Is(err, generic.ErrDuplicateEvent):
		out.AlreadyCheckedIn = true
		balance, err := s.Ledger.Balance(ctx, userID)
		if err != nil {
			return Result{}, err
		}
		out.Balance = balance
	default:
		return Result{}, err
	}

	streak, err := s.Streak(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	out.Streak = streak

	s.log().DebugContext(ctx, "check-in processed",
		slog.String("user_id", string(userID)),
		slog.String("date", today),
		slog.Bool("already_checked_in", out.AlreadyCheckedIn),
		slog.Int("streak", streak))
	return out, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Streak counts consecutive check-in days ending today or yesterday.
func (s *Service) Streak(ctx context.Context, userID generic.UserID) (int, error) {
	records, err := s.Ledger.Store.ListCheckins(ctx, userID, 0)
	if err != nil {
		return 0, err
	}
	dates := make([]string, len(records))
	for i, r := range records {
		dates[i] = r.Date
	}
	return CountStreak(dates, s.Calendar.Today())
}

// CountStreak counts the run of consecutive days in dates (newest first)
// that ends on today or the day before.
func CountStreak(dates []string, today string) (int, error) {
	if len(dates) == 0 {
		return 0, nil
	}
	yesterday, err := generic.ShiftDayKey(today, -1)
	if err != nil {
		return 0, err
	}

	expected := today
	if dates[0] != today {
		if dates[0] != yesterday {
			return 0, nil
		}
		expected = yesterday
	}

	streak := 0
	for _, d := range dates {
		if d != expected {
			break
		}
		streak++
		if expected, err = generic.ShiftDayKey(expected, -1); err != nil {
			return 0, err
		}
	}
	return streak, nil
}

// Status returns today's key, whether the user has checked in, the streak
// and the last few records.
func (s *Service) Status(ctx context.Context, userID generic.UserID) (Status, error) {
	today := s.Calendar.Today()

	recent, err := s.Ledger.Store.ListCheckins(ctx, userID, HistoryWindow)
	if err != nil {
		return Status{}, err
	}
	totals, err := s.Ledger.Store.CheckinTotals(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	streak, err := s.Streak(ctx, userID)
	if err != nil {
		return Status{}, err
	}

	return Status{
		Date:             today,
		CheckedInToday:   len(recent) > 0 && recent[0].Date == today,
		Streak:           streak,
		NextReset:        s.Calendar.NextReset(),
		Recent:           recent,
		Totals:           totals,
		PointsPerCheckin: s.Rules.CheckinPoints,
	}, nil
}

// History returns check-ins newest first. limit <= 0 returns all of them.
func (s *Service) History(ctx context.Context, userID generic.UserID, limit int) ([]generic.CheckinRecord, error) {
	return s.Ledger.Store.ListCheckins(ctx, userID, limit)
}

func (s *Service) Totals(ctx context.Context, userID generic.UserID) (generic.CheckinTotals, error) {
	return s.Ledger.Store.CheckinTotals(ctx, userID)
}

func (s *Service) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
