package postgres

import (
	"time"

	"github.com/uptrace/bun"
	"github.com/warp/rewards-ledger/generic"
)

// Row models. They mirror the schema in postgres.go and convert to the
// generic types at the package boundary.

type entryModel struct {
	bun.BaseModel `bun:"table:ledger_entries,alias:le"`

	ID            string            `bun:"id,pk"`
	UserID        string            `bun:"user_id,notnull"`
	SourceKind    string            `bun:"source_kind,notnull"`
	SourceKey     string            `bun:"source_key,notnull"`
	PointsDelta   int64             `bun:"points_delta,notnull"`
	CashbackCents int64             `bun:"cashback_cents,notnull"`
	Reason        string            `bun:"reason,nullzero"`
	Metadata      map[string]string `bun:"metadata,type:jsonb"`
	CreatedAt     time.Time         `bun:"created_at,notnull"`
}

func newEntryModel(e generic.LedgerEntry) (*entryModel, error) {
	cents, err := generic.CashbackToCents(e.CashbackDelta)
	if err != nil {
		return nil, err
	}
	return &entryModel{
		ID:            string(e.ID),
		UserID:        string(e.UserID),
		SourceKind:    string(e.Kind),
		SourceKey:     e.Key,
		PointsDelta:   e.PointsDelta,
		CashbackCents: cents,
		Reason:        e.Reason,
		Metadata:      e.Metadata,
		CreatedAt:     e.CreatedAt.UTC(),
	}, nil
}

func (m entryModel) toEntry() generic.LedgerEntry {
	return generic.LedgerEntry{
		ID:            generic.EntryID(m.ID),
		UserID:        generic.UserID(m.UserID),
		Kind:          generic.SourceKind(m.SourceKind),
		Key:           m.SourceKey,
		PointsDelta:   m.PointsDelta,
		CashbackDelta: generic.CashbackFromCents(m.CashbackCents),
		Reason:        m.Reason,
		Metadata:      m.Metadata,
		CreatedAt:     m.CreatedAt,
	}
}

type balanceModel struct {
	bun.BaseModel `bun:"table:user_balances,alias:ub"`

	UserID              string    `bun:"user_id,pk"`
	CurrentPoints       int64     `bun:"current_points,notnull"`
	LifetimePoints      int64     `bun:"lifetime_points,notnull"`
	PointsSpent         int64     `bun:"points_spent,notnull"`
	CashbackCents       int64     `bun:"cashback_cents,notnull"`
	CashbackEarnedCents int64     `bun:"cashback_earned_cents,notnull"`
	CashbackUsedCents   int64     `bun:"cashback_used_cents,notnull"`
	UpdatedAt           time.Time `bun:"updated_at,notnull"`
}

func (m balanceModel) toBalance() generic.UserBalance {
	return generic.UserBalance{
		UserID:          generic.UserID(m.UserID),
		CurrentPoints:   m.CurrentPoints,
		LifetimePoints:  m.LifetimePoints,
		PointsSpent:     m.PointsSpent,
		CashbackBalance: generic.CashbackFromCents(m.CashbackCents),
		CashbackEarned:  generic.CashbackFromCents(m.CashbackEarnedCents),
		CashbackUsed:    generic.CashbackFromCents(m.CashbackUsedCents),
		UpdatedAt:       m.UpdatedAt,
	}
}

type summaryModel struct {
	bun.BaseModel `bun:"table:user_summaries,alias:us"`

	UserID            string    `bun:"user_id,pk"`
	TotalPointsEarned int64     `bun:"total_points_earned,notnull"`
	ReviewCount       int64     `bun:"review_count,notnull"`
	RatingCount       int64     `bun:"rating_count,notnull"`
	UpdatedAt         time.Time `bun:"updated_at,notnull"`
}

type checkinModel struct {
	bun.BaseModel `bun:"table:checkins,alias:ci"`

	UserID       string    `bun:"user_id,pk"`
	CheckinDate  string    `bun:"checkin_date,pk"`
	PointsEarned int64     `bun:"points_earned,notnull"`
	CreatedAt    time.Time `bun:"created_at,notnull"`
}

func (m checkinModel) toRecord() generic.CheckinRecord {
	return generic.CheckinRecord{
		UserID:       generic.UserID(m.UserID),
		Date:         m.CheckinDate,
		PointsEarned: m.PointsEarned,
		CreatedAt:    m.CreatedAt,
	}
}

type reviewModel struct {
	bun.BaseModel `bun:"table:reviews,alias:rv"`

	ID            string    `bun:"id,pk"`
	UserID        string    `bun:"user_id,notnull"`
	ProductID     string    `bun:"product_id,notnull"`
	Rating        *int      `bun:"rating"`
	Content       string    `bun:"content,notnull"`
	Status        string    `bun:"status,notnull"`
	PointsAwarded int64     `bun:"points_awarded,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
	UpdatedAt     time.Time `bun:"updated_at,notnull"`
}

func newReviewModel(r generic.ReviewRecord) *reviewModel {
	return &reviewModel{
		ID:            r.ID,
		UserID:        string(r.UserID),
		ProductID:     r.ProductID,
		Rating:        r.Rating,
		Content:       r.Content,
		Status:        string(r.Status),
		PointsAwarded: r.PointsAwarded,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func (m reviewModel) toRecord() generic.ReviewRecord {
	return generic.ReviewRecord{
		ID:            m.ID,
		UserID:        generic.UserID(m.UserID),
		ProductID:     m.ProductID,
		Rating:        m.Rating,
		Content:       m.Content,
		Status:        generic.ReviewStatus(m.Status),
		PointsAwarded: m.PointsAwarded,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

type referralModel struct {
	bun.BaseModel `bun:"table:referrals,alias:rf"`

	ID           string    `bun:"id,pk"`
	ReferrerID   string    `bun:"referrer_id,notnull"`
	ReferredID   string    `bun:"referred_id,notnull"`
	Code         string    `bun:"referral_code,nullzero"`
	Status       string    `bun:"reward_status,notnull"`
	FirstOrderID string    `bun:"first_order_id,nullzero"`
	CreatedAt    time.Time `bun:"created_at,notnull"`
	UpdatedAt    time.Time `bun:"updated_at,notnull"`
}

func (m referralModel) toRecord() generic.ReferralRecord {
	return generic.ReferralRecord{
		ID:           m.ID,
		ReferrerID:   generic.UserID(m.ReferrerID),
		ReferredID:   generic.UserID(m.ReferredID),
		Code:         m.Code,
		Status:       generic.ReferralStatus(m.Status),
		FirstOrderID: m.FirstOrderID,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

type referralCodeModel struct {
	bun.BaseModel `bun:"table:referral_codes,alias:rc"`

	Code      string    `bun:"code,pk"`
	UserID    string    `bun:"user_id,notnull"`
	IsActive  bool      `bun:"is_active,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

func (m referralCodeModel) toCode() generic.ReferralCode {
	return generic.ReferralCode{
		Code:      m.Code,
		UserID:    generic.UserID(m.UserID),
		IsActive:  m.IsActive,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

type plotModel struct {
	bun.BaseModel `bun:"table:plots,alias:pl"`

	ID          string     `bun:"id,pk"`
	Name        string     `bun:"name,notnull"`
	OwnerID     string     `bun:"owner_id,nullzero"`
	PointsPrice int64      `bun:"points_price,notnull"`
	IsAvailable bool       `bun:"is_available,notnull"`
	PurchasedAt *time.Time `bun:"purchased_at"`
	CreatedAt   time.Time  `bun:"created_at,notnull"`
}

func (m plotModel) toPlot() generic.Plot {
	return generic.Plot{
		ID:          m.ID,
		Name:        m.Name,
		OwnerID:     generic.UserID(m.OwnerID),
		PointsPrice: m.PointsPrice,
		IsAvailable: m.IsAvailable,
		PurchasedAt: m.PurchasedAt,
		CreatedAt:   m.CreatedAt,
	}
}

type runModel struct {
	bun.BaseModel `bun:"table:reconciliation_runs,alias:rr"`

	ID          string     `bun:"id,pk"`
	Status      string     `bun:"status,notnull"`
	Users       int        `bun:"users,notnull"`
	Corrections int        `bun:"corrections,notnull"`
	Alarms      int        `bun:"alarms,notnull"`
	Error       string     `bun:"error,nullzero"`
	StartedAt   time.Time  `bun:"started_at,notnull"`
	CompletedAt *time.Time `bun:"completed_at"`
}

func (m runModel) toRun() generic.ReconciliationRun {
	return generic.ReconciliationRun{
		ID:          m.ID,
		Status:      m.Status,
		Users:       m.Users,
		Corrections: m.Corrections,
		Alarms:      m.Alarms,
		Error:       m.Error,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
}

type correctionModel struct {
	bun.BaseModel `bun:"table:reconciliation_corrections,alias:rc"`

	ID        string    `bun:"id,pk"`
	RunID     string    `bun:"run_id,notnull"`
	UserID    string    `bun:"user_id,notnull"`
	Field     string    `bun:"field,notnull"`
	OldValue  int64     `bun:"old_value,notnull"`
	NewValue  int64     `bun:"new_value,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

func (m correctionModel) toCorrection() generic.Correction {
	return generic.Correction{
		ID:        m.ID,
		RunID:     m.RunID,
		UserID:    generic.UserID(m.UserID),
		Field:     m.Field,
		OldValue:  m.OldValue,
		NewValue:  m.NewValue,
		CreatedAt: m.CreatedAt,
	}
}
