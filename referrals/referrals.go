/*
referrals.go - Referral registration and payout workflow

PURPOSE:
  Records who referred whom and pays both parties when the referred user
  completes their first qualifying order.

PAYOUT (CompleteOrder):
  Two independent units, keyed by order:
    referral:<order>:referrer   25 points + 2.5% cashback, marks referral earned
    referral:<order>:referred   5% cashback

  Each unit is idempotent on its own key. If the second unit fails, the
  first stays committed and a retry of the same order completes the
  second one. Reprocessing a fully paid order reports AlreadyProcessed.

CODES:
  Every referrer shares one six-character code, issued on first request
  (CodeFor). RegisterByCode resolves a code to its owner; unknown and
  deactivated codes both fail with ErrReferralCodeInvalid. Code collisions
  are retried with a fresh code.

ELIGIBILITY:
  Only a pending referral pays out, and only once: the referrer unit marks
  it earned with a compare-and-set, so a different order for the same user
  loses with ErrReferralNotEligible. A voided referral never pays.

SEE ALSO:
  - rewards/rules.go: ReferralReward
  - generic/types.go: ReferralKey
*/
package referrals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/rewards-ledger/generic"
	"github.com/warp/rewards-ledger/rewards"
)

const (
	codeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength      = 6
	maxCodeAttempts = 5
)

type Service struct {
	Ledger *generic.Coordinator
	Rules  rewards.Rules
	Logger *slog.Logger

	// NewCode generates candidate referral codes. Nil uses random codes.
	NewCode func() string
}

func NewService(ledger *generic.Coordinator, rules rewards.Rules) *Service {
	return &Service{Ledger: ledger, Rules: rules, Logger: slog.Default()}
}

// Order is a completed storefront order.
type Order struct {
	ID     string
	UserID generic.UserID
	Total  decimal.Decimal
}

// Outcome is one party's side of a payout.
type Outcome struct {
	UserID    generic.UserID
	Key       string
	Points    int64
	Cashback  decimal.Decimal
	Applied   bool
	Duplicate bool
	Balance   generic.UserBalance
}

// Payout describes what CompleteOrder did.
type Payout struct {
	ReferralID       string
	OrderID          string
	Referrer         Outcome
	Referred         Outcome
	AlreadyProcessed bool
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Register links a referred user to their referrer. A user can have at
// most one referrer and cannot refer themselves.
func (s *Service) Register(ctx context.Context, referrerID, referredID generic.UserID, code string) (generic.ReferralRecord, error) {
	if referrerID == "" || referredID == "" {
		return generic.ReferralRecord{}, fmt.Errorf("%w: referrer and referred ids are required", generic.ErrInvalidInput)
	}
	if referrerID == referredID {
		return generic.ReferralRecord{}, generic.ErrSelfReferral
	}

	now := s.now()
	rec := generic.ReferralRecord{
		ID:         generic.NewID(),
		ReferrerID: referrerID,
		ReferredID: referredID,
		Code:       code,
		Status:     generic.ReferralPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := generic.RunUnit(ctx, s.Ledger.Store, s.unit("referral.register"), func(ctx context.Context, tx generic.Store) error {
		return tx.InsertReferral(ctx, rec)
	})
	if err != nil {
		return generic.ReferralRecord{}, err
	}

	s.log().InfoContext(ctx, "referral registered",
		slog.String("referral_id", rec.ID),
		slog.String("referrer_id", string(referrerID)),
		slog.String("referred_id", string(referredID)))
	return rec, nil
}

// RegisterByCode links referredID to the owner of an active referral code.
func (s *Service) RegisterByCode(ctx context.Context, code string, referredID generic.UserID) (generic.ReferralRecord, error) {
	code = normalizeCode(code)
	if code == "" {
		return generic.ReferralRecord{}, fmt.Errorf("%w: code is required", generic.ErrReferralCodeInvalid)
	}
	rc, err := s.Ledger.Store.GetReferralCode(ctx, code)
	if errors.Is(err, generic.ErrReferralCodeNotFound) {
		return generic.ReferralRecord{}, fmt.Errorf("%w: %s is unknown", generic.ErrReferralCodeInvalid, code)
	}
	if err != nil {
		return generic.ReferralRecord{}, err
	}
	if !rc.IsActive {
		return generic.ReferralRecord{}, fmt.Errorf("%w: %s is inactive", generic.ErrReferralCodeInvalid, code)
	}
	return s.Register(ctx, rc.UserID, referredID, rc.Code)
}

// =============================================================================
// CODES
// =============================================================================

// CodeFor returns the user's referral code, issuing one on first use.
func (s *Service) CodeFor(ctx context.Context, userID generic.UserID) (generic.ReferralCode, error) {
	if userID == "" {
		return generic.ReferralCode{}, fmt.Errorf("%w: user id is required", generic.ErrInvalidInput)
	}
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		var (
			rc     generic.ReferralCode
			issued bool
		)
		err := generic.RunUnit(ctx, s.Ledger.Store, s.unit("referral.code"), func(ctx context.Context, tx generic.Store) error {
			existing, err := tx.GetReferralCodeByUser(ctx, userID)
			if err == nil {
				rc = existing
				return nil
			}
			if !errors.Is(err, generic.ErrReferralCodeNotFound) {
				return err
			}
			now := s.now()
			rc = generic.ReferralCode{Code: s.generateCode(), UserID: userID, IsActive: true, CreatedAt: now, UpdatedAt: now}
			issued = true
			return tx.InsertReferralCode(ctx, rc)
		})
		// A taken code, or a concurrent issue for the same user; the next
		// attempt re-reads before generating again.
		if errors.Is(err, generic.ErrReferralCodeExists) {
			continue
		}
		if err != nil {
			return generic.ReferralCode{}, err
		}
		if issued {
			s.log().InfoContext(ctx, "referral code issued",
				slog.String("user_id", string(userID)),
				slog.String("code", rc.Code))
		}
		return rc, nil
	}
	return generic.ReferralCode{}, fmt.Errorf("%w: no free code for %s after %d attempts",
		generic.ErrReferralCodeExists, userID, maxCodeAttempts)
}

// SetCodeActive enables or disables the user's referral code. Existing
// referrals are unaffected.
func (s *Service) SetCodeActive(ctx context.Context, userID generic.UserID, active bool) (generic.ReferralCode, error) {
	var rc generic.ReferralCode
	err := generic.RunUnit(ctx, s.Ledger.Store, s.unit("referral.code.active"), func(ctx context.Context, tx generic.Store) error {
		current, err := tx.GetReferralCodeByUser(ctx, userID)
		if err != nil {
			return err
		}
		if err := tx.SetReferralCodeActive(ctx, current.Code, active, s.now()); err != nil {
			return err
		}
		rc, err = tx.GetReferralCode(ctx, current.Code)
		return err
	})
	if err != nil {
		return generic.ReferralCode{}, err
	}
	s.log().InfoContext(ctx, "referral code updated",
		slog.String("user_id", string(userID)),
		slog.String("code", rc.Code),
		slog.Bool("active", active))
	return rc, nil
}

func (s *Service) generateCode() string {
	if s.NewCode != nil {
		return normalizeCode(s.NewCode())
	}
	id := uuid.New()
	b := make([]byte, codeLength)
	for i := range b {
		b[i] = codeAlphabet[int(id[i])%len(codeAlphabet)]
	}
	return string(b)
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// =============================================================================
// PAYOUT
// =============================================================================

// CompleteOrder pays the referral for the referred user's first order.
func (s *Service) CompleteOrder(ctx context.Context, order Order) (Payout, error) {
	if order.ID == "" || order.UserID == "" {
		return Payout{}, fmt.Errorf("%w: order id and user id are required", generic.ErrInvalidInput)
	}
	if err := generic.ValidateCashback(order.Total); err != nil {
		return Payout{}, err
	}

	ref, err := s.Ledger.Store.GetReferralByReferred(ctx, order.UserID)
	if errors.Is(err, generic.ErrReferralNotFound) {
		return Payout{}, fmt.Errorf("%w: user %s has no referrer", generic.ErrReferralNotEligible, order.UserID)
	}
	if err != nil {
		return Payout{}, err
	}
	switch {
	case ref.Status == generic.ReferralVoid:
		return Payout{}, fmt.Errorf("%w: referral %s is void", generic.ErrReferralNotEligible, ref.ID)
	case ref.Status == generic.ReferralEarned && ref.FirstOrderID != order.ID:
		return Payout{}, fmt.Errorf("%w: referral %s already paid for order %s",
			generic.ErrReferralNotEligible, ref.ID, ref.FirstOrderID)
	}

	deltas := s.Rules.ReferralReward(order.Total)
	meta := map[string]string{
		"order_id":    order.ID,
		"referral_id": ref.ID,
		"order_total": order.Total.StringFixed(generic.CashbackPlaces),
	}
	payout := Payout{ReferralID: ref.ID, OrderID: order.ID}

	// Unit 1: referrer reward + status flip.
	payout.Referrer, err = s.apply(ctx, generic.Reward{
		UserID:   ref.ReferrerID,
		Kind:     generic.SourceReferral,
		Key:      generic.ReferralKey(order.ID, generic.RoleReferrer),
		Points:   deltas.Referrer.Points,
		Cashback: deltas.Referrer.Cashback,
		Reason:   "referral reward",
		Metadata: withRole(meta, generic.RoleReferrer),
		Effect: func(ctx context.Context, tx generic.Store, entry generic.LedgerEntry) error {
			return tx.MarkReferralEarned(ctx, ref.ID, order.ID, entry.CreatedAt)
		},
	})
	if errors.Is(err, generic.ErrInvalidTransition) {
		return Payout{}, fmt.Errorf("%w: referral %s was paid concurrently", generic.ErrReferralNotEligible, ref.ID)
	}
	if err != nil {
		return Payout{}, err
	}

	// Unit 2: referred customer cashback.
	payout.Referred, err = s.apply(ctx, generic.Reward{
		UserID:   ref.ReferredID,
		Kind:     generic.SourceReferral,
		Key:      generic.ReferralKey(order.ID, generic.RoleReferred),
		Points:   deltas.Referred.Points,
		Cashback: deltas.Referred.Cashback,
		Reason:   "referral welcome cashback",
		Metadata: withRole(meta, generic.RoleReferred),
	})
	if err != nil {
		return payout, err
	}

	payout.AlreadyProcessed = payout.Referrer.Duplicate && payout.Referred.Duplicate
	s.log().InfoContext(ctx, "referral order processed",
		slog.String("referral_id", ref.ID),
		slog.String("order_id", order.ID),
		slog.Bool("already_processed", payout.AlreadyProcessed))
	return payout, nil
}

// apply runs one payout unit. A duplicate is reported, not returned.
func (s *Service) apply(ctx context.Context, r generic.Reward) (Outcome, error) {
	out := Outcome{UserID: r.UserID, Key: r.Key, Points: r.Points, Cashback: r.Cashback}
	res, err := s.Ledger.ApplyReward(ctx, r)
	switch {
	case err == nil:
		out.Applied = true
		out.Cashback = res.CashbackApplied
		out.Balance = res.Balance
		return out, nil
	case errors.Is(err, generic.ErrDuplicateEvent):
		out.Duplicate = true
		out.Balance, err = s.Ledger.Balance(ctx, r.UserID)
		return out, err
	default:
		return Outcome{}, err
	}
}

func withRole(meta map[string]string, role string) map[string]string {
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["role"] = role
	return out
}

// =============================================================================
// ADMINISTRATION & QUERIES
// =============================================================================

// Void cancels a pending referral so it never pays out.
func (s *Service) Void(ctx context.Context, referralID string) (generic.ReferralRecord, error) {
	var rec generic.ReferralRecord
	err := generic.RunUnit(ctx, s.Ledger.Store, s.unit("referral.void"), func(ctx context.Context, tx generic.Store) error {
		if err := tx.VoidReferral(ctx, referralID, s.now()); err != nil {
			return err
		}
		var err error
		rec, err = tx.GetReferral(ctx, referralID)
		return err
	})
	if err != nil {
		return generic.ReferralRecord{}, err
	}
	s.log().InfoContext(ctx, "referral voided", slog.String("referral_id", referralID))
	return rec, nil
}

func (s *Service) Get(ctx context.Context, referralID string) (generic.ReferralRecord, error) {
	return s.Ledger.Store.GetReferral(ctx, referralID)
}

// List returns the referrals made by referrerID, oldest first.
func (s *Service) List(ctx context.Context, referrerID generic.UserID) ([]generic.ReferralRecord, error) {
	return s.Ledger.Store.ListReferrals(ctx, referrerID)
}

// Totals summarizes a user's referrals and everything they earned from
// referral payouts, as referrer or as referred customer.
func (s *Service) Totals(ctx context.Context, userID generic.UserID) (generic.ReferralTotals, error) {
	refs, err := s.Ledger.Store.ListReferrals(ctx, userID)
	if err != nil {
		return generic.ReferralTotals{}, err
	}
	var t generic.ReferralTotals
	for _, r := range refs {
		switch r.Status {
		case generic.ReferralPending:
			t.Pending++
		case generic.ReferralEarned:
			t.Earned++
		case generic.ReferralVoid:
			t.Void++
		}
	}

	earned, err := s.Ledger.Store.EntryTotals(ctx, userID, generic.SourceReferral)
	if err != nil {
		return generic.ReferralTotals{}, err
	}
	t.PointsEarned = earned.PointsEarned
	t.CashbackEarned = earned.CashbackEarned
	return t, nil
}

func (s *Service) unit(name string) generic.UnitOptions {
	return generic.UnitOptions{Name: name, Timeout: s.Ledger.Timeout}
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
