package referrals_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rewards-ledger/generic"
	"github.com/warp/rewards-ledger/referrals"
	"github.com/warp/rewards-ledger/rewards"
	"github.com/warp/rewards-ledger/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestService(t *testing.T) (*referrals.Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	coord := generic.NewCoordinator(store)
	coord.Clock = generic.NewFixedClock(time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC))
	return referrals.NewService(coord, rewards.DefaultRules()), store
}

func order(id string, user generic.UserID, total string) referrals.Order {
	return referrals.Order{ID: id, UserID: user, Total: decimal.RequireFromString(total)}
}

// =============================================================================
// REGISTRATION
// =============================================================================

func TestRegister(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Register(ctx, "alice", "bob", "ALICE10")
	require.NoError(t, err)
	assert.Equal(t, generic.ReferralPending, rec.Status)
	assert.Equal(t, "ALICE10", rec.Code)

	// A user has at most one referrer
	_, err = svc.Register(ctx, "carol", "bob", "")
	assert.ErrorIs(t, err, generic.ErrReferralExists)

	// Nobody refers themselves
	_, err = svc.Register(ctx, "dave", "dave", "")
	assert.ErrorIs(t, err, generic.ErrSelfReferral)
	assert.True(t, generic.IsClientError(err))

	_, err = svc.Register(ctx, "", "erin", "")
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	got, err := svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.UserID("bob"), got.ReferredID)
}

// =============================================================================
// CODES
// =============================================================================

func TestCodeFor_IssuesOncePerUser(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.CodeFor(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, first.Code, 6)
	assert.Regexp(t, `^[A-Z0-9]{6}$`, first.Code)
	assert.True(t, first.IsActive)

	again, err := svc.CodeFor(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.Code, again.Code)

	other, err := svc.CodeFor(ctx, "carol")
	require.NoError(t, err)
	assert.NotEqual(t, first.Code, other.Code)

	_, err = svc.CodeFor(ctx, "")
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

func TestCodeFor_RetriesOnCollision(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	candidates := []string{"SAME01", "SAME01", "next02"}
	svc.NewCode = func() string {
		c := candidates[0]
		candidates = candidates[1:]
		return c
	}

	alice, err := svc.CodeFor(ctx, "alice")
	require.NoError(t, err)
	bob, err := svc.CodeFor(ctx, "bob")
	require.NoError(t, err)

	assert.Equal(t, "SAME01", alice.Code)
	assert.Equal(t, "NEXT02", bob.Code)
}

func TestRegisterByCode(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	code, err := svc.CodeFor(ctx, "alice")
	require.NoError(t, err)

	// GIVEN: Bob signs up with Alice's code, typed in lower case
	rec, err := svc.RegisterByCode(ctx, " "+strings.ToLower(code.Code)+" ", "bob")

	// THEN: Alice is his referrer
	require.NoError(t, err)
	assert.Equal(t, generic.UserID("alice"), rec.ReferrerID)
	assert.Equal(t, code.Code, rec.Code)

	// Her own code does not make her her own referrer
	_, err = svc.RegisterByCode(ctx, code.Code, "alice")
	assert.ErrorIs(t, err, generic.ErrSelfReferral)
}

func TestRegisterByCode_UnknownCode(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterByCode(ctx, "NOPE99", "bob")

	assert.ErrorIs(t, err, generic.ErrReferralCodeInvalid)
	assert.True(t, generic.IsClientError(err))
	_, err = store.GetReferralByReferred(ctx, "bob")
	assert.ErrorIs(t, err, generic.ErrReferralNotFound)

	_, err = svc.RegisterByCode(ctx, "   ", "bob")
	assert.ErrorIs(t, err, generic.ErrReferralCodeInvalid)
}

func TestRegisterByCode_InactiveCode(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	code, err := svc.CodeFor(ctx, "alice")
	require.NoError(t, err)

	// GIVEN: Alice's code was deactivated
	off, err := svc.SetCodeActive(ctx, "alice", false)
	require.NoError(t, err)
	assert.False(t, off.IsActive)

	// WHEN: Bob tries to use it
	_, err = svc.RegisterByCode(ctx, code.Code, "bob")

	// THEN: It is rejected and no referral exists
	assert.ErrorIs(t, err, generic.ErrReferralCodeInvalid)
	_, err = store.GetReferralByReferred(ctx, "bob")
	assert.ErrorIs(t, err, generic.ErrReferralNotFound)

	// Reactivated, the same code works again
	_, err = svc.SetCodeActive(ctx, "alice", true)
	require.NoError(t, err)
	_, err = svc.RegisterByCode(ctx, code.Code, "bob")
	assert.NoError(t, err)

	_, err = svc.SetCodeActive(ctx, "nobody", false)
	assert.ErrorIs(t, err, generic.ErrReferralCodeNotFound)
}

// =============================================================================
// PAYOUT
// =============================================================================

func TestCompleteOrder_PaysBothParties(t *testing.T) {
	// GIVEN: alice referred bob
	svc, store := newTestService(t)
	ctx := context.Background()
	ref, err := svc.Register(ctx, "alice", "bob", "")
	require.NoError(t, err)

	// WHEN: bob completes a $200 first order
	payout, err := svc.CompleteOrder(ctx, order("order-1", "bob", "200.00"))

	// THEN: alice +25 points +$5.00, bob +$10.00
	require.NoError(t, err)
	assert.False(t, payout.AlreadyProcessed)
	assert.True(t, payout.Referrer.Applied)
	assert.True(t, payout.Referred.Applied)

	alice, err := store.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(25), alice.CurrentPoints)
	assert.Equal(t, "5.00", alice.CashbackBalance.StringFixed(2))

	bob, err := store.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bob.CurrentPoints)
	assert.Equal(t, "10.00", bob.CashbackBalance.StringFixed(2))

	got, err := svc.Get(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.ReferralEarned, got.Status)
	assert.Equal(t, "order-1", got.FirstOrderID)

	entries, err := store.ListEntries(ctx, "alice", generic.EntryFilter{Kind: generic.SourceReferral})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "referral:order-1:referrer", entries[0].Key)
	assert.Equal(t, "referrer", entries[0].Metadata["role"])
}

func TestCompleteOrder_ReprocessingIsAlreadyProcessed(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, "alice", "bob", "")
	require.NoError(t, err)
	_, err = svc.CompleteOrder(ctx, order("order-1", "bob", "200.00"))
	require.NoError(t, err)

	// WHEN: The same order event is delivered again
	payout, err := svc.CompleteOrder(ctx, order("order-1", "bob", "200.00"))

	// THEN: Both units are duplicates, balances unchanged
	require.NoError(t, err)
	assert.True(t, payout.AlreadyProcessed)
	assert.True(t, payout.Referrer.Duplicate)
	assert.True(t, payout.Referred.Duplicate)

	alice, _ := store.GetBalance(ctx, "alice")
	assert.Equal(t, int64(25), alice.CurrentPoints)
	bob, _ := store.GetBalance(ctx, "bob")
	assert.Equal(t, "10.00", bob.CashbackBalance.StringFixed(2))
}

func TestCompleteOrder_RetryCompletesSecondUnit(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	ref, err := svc.Register(ctx, "alice", "bob", "")
	require.NoError(t, err)

	// GIVEN: Only the referrer unit committed before a crash
	deltas := rewards.DefaultRules().ReferralReward(decimal.RequireFromString("200"))
	_, err = svc.Ledger.ApplyReward(ctx, generic.Reward{
		UserID: "alice", Kind: generic.SourceReferral, Key: generic.ReferralKey("order-1", generic.RoleReferrer),
		Points: deltas.Referrer.Points, Cashback: deltas.Referrer.Cashback,
		Effect: func(ctx context.Context, tx generic.Store, e generic.LedgerEntry) error {
			return tx.MarkReferralEarned(ctx, ref.ID, "order-1", e.CreatedAt)
		},
	})
	require.NoError(t, err)

	// WHEN: The order is retried
	payout, err := svc.CompleteOrder(ctx, order("order-1", "bob", "200.00"))

	// THEN: Referrer is a duplicate, referred is paid now
	require.NoError(t, err)
	assert.False(t, payout.AlreadyProcessed)
	assert.True(t, payout.Referrer.Duplicate)
	assert.True(t, payout.Referred.Applied)
	bob, _ := store.GetBalance(ctx, "bob")
	assert.Equal(t, "10.00", bob.CashbackBalance.StringFixed(2))
	alice, _ := store.GetBalance(ctx, "alice")
	assert.Equal(t, int64(25), alice.CurrentPoints)
}

func TestCompleteOrder_OnlyFirstOrderPays(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, "alice", "bob", "")
	require.NoError(t, err)
	_, err = svc.CompleteOrder(ctx, order("order-1", "bob", "200.00"))
	require.NoError(t, err)

	_, err = svc.CompleteOrder(ctx, order("order-2", "bob", "500.00"))

	assert.ErrorIs(t, err, generic.ErrReferralNotEligible)
	alice, _ := store.GetBalance(ctx, "alice")
	assert.Equal(t, int64(25), alice.CurrentPoints)
}

func TestCompleteOrder_ConcurrentDifferentOrdersPayOnce(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, "alice", "bob", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, id := range []string{"o1", "o2", "o3", "o4"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := svc.CompleteOrder(ctx, order(id, "bob", "100.00"))
			if err != nil {
				assert.ErrorIs(t, err, generic.ErrReferralNotEligible)
			}
		}(id)
	}
	wg.Wait()

	alice, err := store.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(25), alice.CurrentPoints)
	assert.Equal(t, "2.50", alice.CashbackBalance.StringFixed(2))
	bob, err := store.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "5.00", bob.CashbackBalance.StringFixed(2))
}

func TestCompleteOrder_NotEligible(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// No referrer at all
	_, err := svc.CompleteOrder(ctx, order("order-1", "stranger", "50.00"))
	assert.ErrorIs(t, err, generic.ErrReferralNotEligible)

	// Voided referral
	ref, err := svc.Register(ctx, "alice", "bob", "")
	require.NoError(t, err)
	voided, err := svc.Void(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.ReferralVoid, voided.Status)

	_, err = svc.CompleteOrder(ctx, order("order-2", "bob", "50.00"))
	assert.ErrorIs(t, err, generic.ErrReferralNotEligible)

	// Void is only valid from pending
	_, err = svc.Void(ctx, ref.ID)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
	_, err = svc.Void(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrReferralNotFound)
}

func TestCompleteOrder_ZeroTotalStillPaysReferrerPoints(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, "alice", "bob", "")
	require.NoError(t, err)

	_, err = svc.CompleteOrder(ctx, order("order-1", "bob", "0"))
	require.NoError(t, err)

	alice, _ := store.GetBalance(ctx, "alice")
	assert.Equal(t, int64(25), alice.CurrentPoints)
	assert.True(t, alice.CashbackBalance.IsZero())
	bob, _ := store.GetBalance(ctx, "bob")
	assert.True(t, bob.CashbackBalance.IsZero())
}

func TestCompleteOrder_OutOfRangeTotalPaysNothing(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	ref, err := svc.Register(ctx, "alice", "bob", "")
	require.NoError(t, err)

	_, err = svc.CompleteOrder(ctx, order("order-1", "bob", "184467440737095515.16"))

	assert.ErrorIs(t, err, generic.ErrInvalidAmount)
	alice, _ := store.GetBalance(ctx, "alice")
	assert.Equal(t, int64(0), alice.CurrentPoints)
	got, err := svc.Get(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.ReferralPending, got.Status)
}

// =============================================================================
// TOTALS
// =============================================================================

func TestTotals(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "bob", "")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "alice", "carol", "")
	require.NoError(t, err)
	dave, err := svc.Register(ctx, "alice", "dave", "")
	require.NoError(t, err)
	_, err = svc.Void(ctx, dave.ID)
	require.NoError(t, err)
	_, err = svc.CompleteOrder(ctx, order("order-1", "bob", "200.00"))
	require.NoError(t, err)

	totals, err := svc.Totals(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Pending)
	assert.Equal(t, int64(1), totals.Earned)
	assert.Equal(t, int64(1), totals.Void)
	assert.Equal(t, int64(25), totals.PointsEarned)
	assert.Equal(t, "5.00", totals.CashbackEarned.StringFixed(2))

	list, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 3)
}
