package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CHECK-IN RECORDS - one per user per local calendar day
// =============================================================================

type CheckinRecord struct {
	UserID       UserID
	Date         string // YYYY-MM-DD in the application's reference timezone
	PointsEarned int64
	CreatedAt    time.Time
}

type CheckinTotals struct {
	TotalCheckins int64
	TotalPoints   int64
	FirstDate     string
	LastDate      string
}

// =============================================================================
// REVIEWS - one per user per product, moderated
// =============================================================================

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

type ReviewRecord struct {
	ID            string
	UserID        UserID
	ProductID     string
	Rating        *int
	Content       string
	Status        ReviewStatus
	PointsAwarded int64 // fixed at approval, never recomputed
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasRating reports whether the reviewer left a star rating.
func (r ReviewRecord) HasRating() bool {
	return r.Rating != nil
}

type ReviewFilter struct {
	UserID UserID
	Status ReviewStatus
	Limit  int
}

// ReviewCounts is the authoritative count of approved reviews for one user,
// computed from the reviews table.
type ReviewCounts struct {
	Reviews int64
	Ratings int64
}

// =============================================================================
// REFERRALS - one per (referrer, referred) pair
// =============================================================================

type ReferralStatus string

const (
	ReferralPending ReferralStatus = "pending"
	ReferralEarned  ReferralStatus = "earned"
	ReferralVoid    ReferralStatus = "void"
)

type ReferralRecord struct {
	ID           string
	ReferrerID   UserID
	ReferredID   UserID
	Code         string
	Status       ReferralStatus
	FirstOrderID string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ReferralCode is the shareable code that identifies a referrer. Each
// user has at most one; an inactive code no longer registers referrals.
type ReferralCode struct {
	Code      string
	UserID    UserID
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ReferralTotals struct {
	Pending        int64
	Earned         int64
	Void           int64
	PointsEarned   int64
	CashbackEarned decimal.Decimal
}

// =============================================================================
// PLOTS - point-purchasable resources, sold exactly once
// =============================================================================

type Plot struct {
	ID          string
	Name        string
	OwnerID     UserID // empty while available
	PointsPrice int64
	IsAvailable bool
	PurchasedAt *time.Time
	CreatedAt   time.Time
}

// Owned reports whether the plot has been purchased.
func (p Plot) Owned() bool {
	return p.OwnerID != ""
}

type PlotFilter struct {
	OwnerID       UserID
	AvailableOnly bool
}
