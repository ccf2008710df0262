/*
reviews.go - Product review workflow

PURPOSE:
  Accepts product reviews, moderates them and rewards approved ones.

LIFECYCLE:
  pending --Approve--> approved   (rewarded once, counters incremented)
  pending --Reject---> rejected   (no reward)

  Transitions are compare-and-set on the status column. Approving twice, or
  approving a rejected review, fails without side effects.

REWARD:
  Computed once from the review as it stands at approval and written to
  points_awarded in the same unit as the ledger entry, the balance credit
  and the review_count / rating_count increments. Editing content later
  never changes the award.

LIMITS:
  At most MaxPending pending reviews per user. The count and the insert
  run in one unit with the user locked, so parallel submissions cannot
  both slip under the limit.

SEE ALSO:
  - rewards/rules.go: ReviewRewardFor
  - reconcile/: Rebuilds review_count / rating_count from this table
*/
package reviews

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/warp/rewards-ledger/generic"
	"github.com/warp/rewards-ledger/rewards"
)

const DefaultMaxPending = 5

// Submission is a new review as written by the user.
type Submission struct {
	UserID    generic.UserID
	ProductID string
	Rating    *int
	Content   string
}

// Approval is the outcome of a successful approval.
type Approval struct {
	Review  generic.ReviewRecord
	Balance generic.UserBalance
}

type Service struct {
	Ledger *generic.Coordinator
	Rules  rewards.Rules
	Logger *slog.Logger

	MaxPending  int
	AutoApprove bool
}

func NewService(ledger *generic.Coordinator, rules rewards.Rules) *Service {
	return &Service{
		Ledger:     ledger,
		Rules:      rules,
		Logger:     slog.Default(),
		MaxPending: DefaultMaxPending,
	}
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit stores a new review. With AutoApprove it is approved and rewarded
// in the same unit.
func (s *Service) Submit(ctx context.Context, sub Submission) (generic.ReviewRecord, error) {
	if err := validate(sub); err != nil {
		return generic.ReviewRecord{}, err
	}

	now := s.now()
	rec := generic.ReviewRecord{
		ID:        generic.NewID(),
		UserID:    sub.UserID,
		ProductID: sub.ProductID,
		Rating:    sub.Rating,
		Content:   sub.Content,
		Status:    generic.ReviewPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if s.AutoApprove {
		award := s.Rules.ReviewRewardFor(rec.Rating, rec.Content)
		rec.Status = generic.ReviewApproved
		rec.PointsAwarded = award.Points
		_, err := s.Ledger.ApplyReward(ctx, s.reward(rec, func(ctx context.Context, tx generic.Store, _ generic.LedgerEntry) error {
			return tx.InsertReview(ctx, rec)
		}))
		if err != nil {
			return generic.ReviewRecord{}, err
		}
		return rec, nil
	}

	err := generic.RunUnit(ctx, s.Ledger.Store, s.unit("review.submit"), func(ctx context.Context, tx generic.Store) error {
		if err := tx.LockUser(ctx, sub.UserID); err != nil {
			return err
		}
		pending, err := tx.CountPendingReviews(ctx, sub.UserID)
		if err != nil {
			return err
		}
		if limit := s.maxPending(); pending >= limit {
			return fmt.Errorf("%w: %d of %d pending", generic.ErrPendingReviewLimit, pending, limit)
		}
		return tx.InsertReview(ctx, rec)
	})
	if err != nil {
		return generic.ReviewRecord{}, err
	}

	s.log().InfoContext(ctx, "review submitted",
		slog.String("review_id", rec.ID),
		slog.String("user_id", string(rec.UserID)),
		slog.String("product_id", rec.ProductID))
	return rec, nil
}

func validate(sub Submission) error {
	if sub.UserID == "" {
		return fmt.Errorf("%w: user id is required", generic.ErrInvalidInput)
	}
	if strings.TrimSpace(sub.ProductID) == "" {
		return fmt.Errorf("%w: product id is required", generic.ErrInvalidInput)
	}
	if sub.Rating != nil && (*sub.Rating < 1 || *sub.Rating > 5) {
		return fmt.Errorf("%w: rating must be between 1 and 5, got %d", generic.ErrInvalidInput, *sub.Rating)
	}
	return nil
}

// =============================================================================
// MODERATION
// =============================================================================

// Approve approves a pending review and rewards it. The award is computed
// from the review as read inside the unit, so an edit that lands before
// approval is what gets paid. A second approval returns ErrDuplicateEvent.
func (s *Service) Approve(ctx context.Context, reviewID string) (Approval, error) {
	rec, err := s.Ledger.Store.GetReview(ctx, reviewID)
	if err != nil {
		return Approval{}, err
	}

	var current generic.ReviewRecord
	reward := s.reward(rec, func(ctx context.Context, tx generic.Store, entry generic.LedgerEntry) error {
		return tx.TransitionReview(ctx, reviewID, generic.ReviewPending, generic.ReviewApproved, entry.PointsDelta, entry.CreatedAt)
	})
	reward.Resolve = func(ctx context.Context, tx generic.Store, r *generic.Reward) error {
		var err error
		current, err = tx.GetReview(ctx, reviewID)
		if err != nil {
			return err
		}
		fresh := s.reward(current, nil)
		r.Points, r.Metadata, r.Summary = fresh.Points, fresh.Metadata, fresh.Summary
		return nil
	}
	res, err := s.Ledger.ApplyReward(ctx, reward)
	if err != nil {
		return Approval{}, err
	}

	current.Status = generic.ReviewApproved
	current.PointsAwarded = res.PointsApplied
	current.UpdatedAt = res.Entry.CreatedAt
	return Approval{Review: current, Balance: res.Balance}, nil
}

// Reject closes a pending review without a reward.
func (s *Service) Reject(ctx context.Context, reviewID string) (generic.ReviewRecord, error) {
	var rec generic.ReviewRecord
	err := generic.RunUnit(ctx, s.Ledger.Store, s.unit("review.reject"), func(ctx context.Context, tx generic.Store) error {
		if err := tx.TransitionReview(ctx, reviewID, generic.ReviewPending, generic.ReviewRejected, 0, s.now()); err != nil {
			return err
		}
		var err error
		rec, err = tx.GetReview(ctx, reviewID)
		return err
	})
	if err != nil {
		return generic.ReviewRecord{}, err
	}
	s.log().InfoContext(ctx, "review rejected", slog.String("review_id", reviewID))
	return rec, nil
}

// EditContent lets the author change the text. points_awarded is kept.
func (s *Service) EditContent(ctx context.Context, reviewID string, userID generic.UserID, content string) (generic.ReviewRecord, error) {
	var rec generic.ReviewRecord
	err := generic.RunUnit(ctx, s.Ledger.Store, s.unit("review.edit"), func(ctx context.Context, tx generic.Store) error {
		current, err := tx.GetReview(ctx, reviewID)
		if err != nil {
			return err
		}
		if current.UserID != userID {
			return fmt.Errorf("%w: review %s belongs to another user", generic.ErrInvalidInput, reviewID)
		}
		if err := tx.UpdateReviewContent(ctx, reviewID, content, s.now()); err != nil {
			return err
		}
		rec, err = tx.GetReview(ctx, reviewID)
		return err
	})
	if err != nil {
		return generic.ReviewRecord{}, err
	}
	return rec, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) Get(ctx context.Context, reviewID string) (generic.ReviewRecord, error) {
	return s.Ledger.Store.GetReview(ctx, reviewID)
}

func (s *Service) PendingCount(ctx context.Context, userID generic.UserID) (int, error) {
	return s.Ledger.Store.CountPendingReviews(ctx, userID)
}

func (s *Service) List(ctx context.Context, filter generic.ReviewFilter) ([]generic.ReviewRecord, error) {
	return s.Ledger.Store.ListReviews(ctx, filter)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) reward(rec generic.ReviewRecord, effect generic.Effect) generic.Reward {
	award := s.Rules.ReviewRewardFor(rec.Rating, rec.Content)
	summary := generic.SummaryDelta{Reviews: 1}
	meta := map[string]string{"product_id": rec.ProductID}
	if rec.HasRating() {
		summary.Ratings = 1
		meta["rating"] = fmt.Sprint(*rec.Rating)
	}
	return generic.Reward{
		UserID:   rec.UserID,
		Kind:     generic.SourceReview,
		Key:      rec.ID,
		Points:   award.Points,
		Reason:   "approved review",
		Metadata: meta,
		Summary:  summary,
		Effect:   effect,
	}
}

func (s *Service) unit(name string) generic.UnitOptions {
	return generic.UnitOptions{Name: name, Timeout: s.Ledger.Timeout}
}

func (s *Service) maxPending() int {
	if s.MaxPending <= 0 {
		return DefaultMaxPending
	}
	return s.MaxPending
}

func (s *Service) now() time.Time {
	if s.Ledger.Clock == nil {
		return time.Now().UTC()
	}
	return s.Ledger.Clock.Now().UTC()
}

func (s *Service) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
