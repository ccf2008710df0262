/*
memory.go - In-memory TxStore

PURPOSE:
  A process-local generic.TxStore for development, demos and fast tests.
  Nothing survives a restart.

SEMANTICS:
  Matches the SQL stores operation for operation: the same sentinel errors
  on duplicate keys, the same compare-and-set failures, the same ordering
  of list results. Cashback is rounded to cents on write, as the SQL stores
  persist cents.

TRANSACTIONS:
  WithTx holds the store's write lock for the whole unit, snapshots the
  state, and restores the snapshot if fn returns an error. Units are
  therefore fully serialized, and LockUser has nothing left to do.

SEE ALSO:
  - generic/store.go: The interface
  - store/sqlite/sqlite.go: Durable single-node implementation
*/
package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/rewards-ledger/generic"
)

// =============================================================================
// STATE
// =============================================================================

type entryKey struct {
	UserID generic.UserID
	Kind   generic.SourceKind
	Key    string
}

type reviewKey struct {
	UserID    generic.UserID
	ProductID string
}

type state struct {
	entries     []generic.LedgerEntry // insertion order
	entryKeys   map[entryKey]bool
	balances    map[generic.UserID]generic.UserBalance
	summaries   map[generic.UserID]generic.UserSummary
	checkins    map[generic.UserID]map[string]generic.CheckinRecord
	reviews     map[string]generic.ReviewRecord
	reviewKeys  map[reviewKey]string
	referrals   map[string]generic.ReferralRecord
	codes       map[string]generic.ReferralCode
	plots       map[string]generic.Plot
	runs        map[string]generic.ReconciliationRun
	corrections []generic.Correction
}

func newState() *state {
	return &state{
		entryKeys:  make(map[entryKey]bool),
		balances:   make(map[generic.UserID]generic.UserBalance),
		summaries:  make(map[generic.UserID]generic.UserSummary),
		checkins:   make(map[generic.UserID]map[string]generic.CheckinRecord),
		reviews:    make(map[string]generic.ReviewRecord),
		reviewKeys: make(map[reviewKey]string),
		referrals:  make(map[string]generic.ReferralRecord),
		codes:      make(map[string]generic.ReferralCode),
		plots:      make(map[string]generic.Plot),
		runs:       make(map[string]generic.ReconciliationRun),
	}
}

// clone copies every table. Records are values; the pointers inside them
// (ratings, timestamps, metadata) are never mutated after insert.
func (s *state) clone() *state {
	c := &state{
		entries:     slices.Clone(s.entries),
		entryKeys:   maps.Clone(s.entryKeys),
		balances:    maps.Clone(s.balances),
		summaries:   maps.Clone(s.summaries),
		checkins:    make(map[generic.UserID]map[string]generic.CheckinRecord, len(s.checkins)),
		reviews:     maps.Clone(s.reviews),
		reviewKeys:  maps.Clone(s.reviewKeys),
		referrals:   maps.Clone(s.referrals),
		codes:       maps.Clone(s.codes),
		plots:       maps.Clone(s.plots),
		runs:        maps.Clone(s.runs),
		corrections: slices.Clone(s.corrections),
	}
	for u, days := range s.checkins {
		c.checkins[u] = maps.Clone(days)
	}
	return c
}

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory is an in-memory generic.TxStore.
type Memory struct {
	mu sync.RWMutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// Close is a no-op; it exists so Memory can be closed like the SQL stores.
func (m *Memory) Close() error {
	return nil
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}

// WithTx executes fn within a transaction.
// Simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&view{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *Memory) read(fn func(v *view) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&view{st: m.st})
}

func (m *Memory) write(fn func(v *view) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&view{st: m.st})
}

// Outside a unit every call is its own single-statement transaction.

func (m *Memory) InsertEntry(ctx context.Context, e generic.LedgerEntry) error {
	return m.write(func(v *view) error { return v.InsertEntry(ctx, e) })
}

func (m *Memory) ListEntries(ctx context.Context, userID generic.UserID, filter generic.EntryFilter) (out []generic.LedgerEntry, err error) {
	err = m.read(func(v *view) error { out, err = v.ListEntries(ctx, userID, filter); return err })
	return out, err
}

func (m *Memory) EntryTotals(ctx context.Context, userID generic.UserID, kind generic.SourceKind) (out generic.EntryTotals, err error) {
	err = m.read(func(v *view) error { out, err = v.EntryTotals(ctx, userID, kind); return err })
	return out, err
}

func (m *Memory) GetBalance(ctx context.Context, userID generic.UserID) (out generic.UserBalance, err error) {
	err = m.read(func(v *view) error { out, err = v.GetBalance(ctx, userID); return err })
	return out, err
}

func (m *Memory) CreditBalance(ctx context.Context, userID generic.UserID, delta generic.BalanceDelta, at time.Time) error {
	return m.write(func(v *view) error { return v.CreditBalance(ctx, userID, delta, at) })
}

func (m *Memory) DebitPoints(ctx context.Context, userID generic.UserID, cost int64, at time.Time) error {
	return m.write(func(v *view) error { return v.DebitPoints(ctx, userID, cost, at) })
}

func (m *Memory) DebitCashback(ctx context.Context, userID generic.UserID, amount decimal.Decimal, at time.Time) error {
	return m.write(func(v *view) error { return v.DebitCashback(ctx, userID, amount, at) })
}

func (m *Memory) ListUserIDs(ctx context.Context) (out []generic.UserID, err error) {
	err = m.read(func(v *view) error { out, err = v.ListUserIDs(ctx); return err })
	return out, err
}

func (m *Memory) GetSummary(ctx context.Context, userID generic.UserID) (out generic.UserSummary, err error) {
	err = m.read(func(v *view) error { out, err = v.GetSummary(ctx, userID); return err })
	return out, err
}

func (m *Memory) IncrementSummary(ctx context.Context, userID generic.UserID, delta generic.SummaryDelta, at time.Time) error {
	return m.write(func(v *view) error { return v.IncrementSummary(ctx, userID, delta, at) })
}

func (m *Memory) SetReviewCounters(ctx context.Context, userID generic.UserID, counts generic.ReviewCounts, at time.Time) error {
	return m.write(func(v *view) error { return v.SetReviewCounters(ctx, userID, counts, at) })
}

func (m *Memory) SetPointsEarned(ctx context.Context, userID generic.UserID, total int64, at time.Time) error {
	return m.write(func(v *view) error { return v.SetPointsEarned(ctx, userID, total, at) })
}

func (m *Memory) LockUser(ctx context.Context, userID generic.UserID) error {
	return nil
}

func (m *Memory) InsertCheckin(ctx context.Context, r generic.CheckinRecord) error {
	return m.write(func(v *view) error { return v.InsertCheckin(ctx, r) })
}

func (m *Memory) ListCheckins(ctx context.Context, userID generic.UserID, limit int) (out []generic.CheckinRecord, err error) {
	err = m.read(func(v *view) error { out, err = v.ListCheckins(ctx, userID, limit); return err })
	return out, err
}

func (m *Memory) CheckinTotals(ctx context.Context, userID generic.UserID) (out generic.CheckinTotals, err error) {
	err = m.read(func(v *view) error { out, err = v.CheckinTotals(ctx, userID); return err })
	return out, err
}

func (m *Memory) InsertReview(ctx context.Context, r generic.ReviewRecord) error {
	return m.write(func(v *view) error { return v.InsertReview(ctx, r) })
}

func (m *Memory) GetReview(ctx context.Context, id string) (out generic.ReviewRecord, err error) {
	err = m.read(func(v *view) error { out, err = v.GetReview(ctx, id); return err })
	return out, err
}

func (m *Memory) CountPendingReviews(ctx context.Context, userID generic.UserID) (out int, err error) {
	err = m.read(func(v *view) error { out, err = v.CountPendingReviews(ctx, userID); return err })
	return out, err
}

func (m *Memory) TransitionReview(ctx context.Context, id string, from, to generic.ReviewStatus, pointsAwarded int64, at time.Time) error {
	return m.write(func(v *view) error { return v.TransitionReview(ctx, id, from, to, pointsAwarded, at) })
}

func (m *Memory) UpdateReviewContent(ctx context.Context, id string, content string, at time.Time) error {
	return m.write(func(v *view) error { return v.UpdateReviewContent(ctx, id, content, at) })
}

func (m *Memory) ListReviews(ctx context.Context, filter generic.ReviewFilter) (out []generic.ReviewRecord, err error) {
	err = m.read(func(v *view) error { out, err = v.ListReviews(ctx, filter); return err })
	return out, err
}

func (m *Memory) ApprovedReviewCounts(ctx context.Context) (out map[generic.UserID]generic.ReviewCounts, err error) {
	err = m.read(func(v *view) error { out, err = v.ApprovedReviewCounts(ctx); return err })
	return out, err
}

func (m *Memory) InsertReferral(ctx context.Context, r generic.ReferralRecord) error {
	return m.write(func(v *view) error { return v.InsertReferral(ctx, r) })
}

func (m *Memory) GetReferral(ctx context.Context, id string) (out generic.ReferralRecord, err error) {
	err = m.read(func(v *view) error { out, err = v.GetReferral(ctx, id); return err })
	return out, err
}

func (m *Memory) GetReferralByReferred(ctx context.Context, referredID generic.UserID) (out generic.ReferralRecord, err error) {
	err = m.read(func(v *view) error { out, err = v.GetReferralByReferred(ctx, referredID); return err })
	return out, err
}

func (m *Memory) MarkReferralEarned(ctx context.Context, id string, orderID string, at time.Time) error {
	return m.write(func(v *view) error { return v.MarkReferralEarned(ctx, id, orderID, at) })
}

func (m *Memory) VoidReferral(ctx context.Context, id string, at time.Time) error {
	return m.write(func(v *view) error { return v.VoidReferral(ctx, id, at) })
}

func (m *Memory) ListReferrals(ctx context.Context, referrerID generic.UserID) (out []generic.ReferralRecord, err error) {
	err = m.read(func(v *view) error { out, err = v.ListReferrals(ctx, referrerID); return err })
	return out, err
}

func (m *Memory) InsertReferralCode(ctx context.Context, c generic.ReferralCode) error {
	return m.write(func(v *view) error { return v.InsertReferralCode(ctx, c) })
}

func (m *Memory) GetReferralCode(ctx context.Context, code string) (out generic.ReferralCode, err error) {
	err = m.read(func(v *view) error { out, err = v.GetReferralCode(ctx, code); return err })
	return out, err
}

func (m *Memory) GetReferralCodeByUser(ctx context.Context, userID generic.UserID) (out generic.ReferralCode, err error) {
	err = m.read(func(v *view) error { out, err = v.GetReferralCodeByUser(ctx, userID); return err })
	return out, err
}

func (m *Memory) SetReferralCodeActive(ctx context.Context, code string, active bool, at time.Time) error {
	return m.write(func(v *view) error { return v.SetReferralCodeActive(ctx, code, active, at) })
}

func (m *Memory) CreatePlot(ctx context.Context, p generic.Plot) error {
	return m.write(func(v *view) error { return v.CreatePlot(ctx, p) })
}

func (m *Memory) GetPlot(ctx context.Context, id string) (out generic.Plot, err error) {
	err = m.read(func(v *view) error { out, err = v.GetPlot(ctx, id); return err })
	return out, err
}

func (m *Memory) ClaimPlot(ctx context.Context, id string, owner generic.UserID, at time.Time) error {
	return m.write(func(v *view) error { return v.ClaimPlot(ctx, id, owner, at) })
}

func (m *Memory) ListPlots(ctx context.Context, filter generic.PlotFilter) (out []generic.Plot, err error) {
	err = m.read(func(v *view) error { out, err = v.ListPlots(ctx, filter); return err })
	return out, err
}

func (m *Memory) SaveReconciliationRun(ctx context.Context, r generic.ReconciliationRun) error {
	return m.write(func(v *view) error { return v.SaveReconciliationRun(ctx, r) })
}

func (m *Memory) ListReconciliationRuns(ctx context.Context, limit int) (out []generic.ReconciliationRun, err error) {
	err = m.read(func(v *view) error { out, err = v.ListReconciliationRuns(ctx, limit); return err })
	return out, err
}

func (m *Memory) GetReconciliationRun(ctx context.Context, id string) (out generic.ReconciliationRun, err error) {
	err = m.read(func(v *view) error { out, err = v.GetReconciliationRun(ctx, id); return err })
	return out, err
}

func (m *Memory) InsertCorrection(ctx context.Context, c generic.Correction) error {
	return m.write(func(v *view) error { return v.InsertCorrection(ctx, c) })
}

func (m *Memory) ListCorrections(ctx context.Context, runID string) (out []generic.Correction, err error) {
	err = m.read(func(v *view) error { out, err = v.ListCorrections(ctx, runID); return err })
	return out, err
}

// =============================================================================
// VIEW - generic.Store over state, caller holds the lock
// =============================================================================

type view struct {
	st *state
}

// --- ledger ---

func (v *view) InsertEntry(_ context.Context, e generic.LedgerEntry) error {
	k := entryKey{UserID: e.UserID, Kind: e.Kind, Key: e.Key}
	if v.st.entryKeys[k] {
		return generic.ErrDuplicateEvent
	}
	if err := generic.ValidateCashback(e.CashbackDelta); err != nil {
		return err
	}
	e.CashbackDelta = generic.RoundCashback(e.CashbackDelta)
	e.Metadata = maps.Clone(e.Metadata)
	v.st.entryKeys[k] = true
	v.st.entries = append(v.st.entries, e)
	return nil
}

// ListEntries returns newest first; entries with equal timestamps come out
// in reverse insertion order.
func (v *view) ListEntries(_ context.Context, userID generic.UserID, filter generic.EntryFilter) ([]generic.LedgerEntry, error) {
	var out []generic.LedgerEntry
	for i := len(v.st.entries) - 1; i >= 0; i-- {
		e := v.st.entries[i]
		if e.UserID != userID || (filter.Kind != "" && e.Kind != filter.Kind) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (v *view) EntryTotals(_ context.Context, userID generic.UserID, kind generic.SourceKind) (generic.EntryTotals, error) {
	t := generic.EntryTotals{CashbackEarned: decimal.Zero, CashbackUsed: decimal.Zero}
	for _, e := range v.st.entries {
		if e.UserID != userID || (kind != "" && e.Kind != kind) {
			continue
		}
		t.Count++
		if e.PointsDelta > 0 {
			t.PointsEarned += e.PointsDelta
		} else {
			t.PointsSpent -= e.PointsDelta
		}
		if e.CashbackDelta.IsPositive() {
			t.CashbackEarned = t.CashbackEarned.Add(e.CashbackDelta)
		} else {
			t.CashbackUsed = t.CashbackUsed.Sub(e.CashbackDelta)
		}
	}
	return t, nil
}

// --- balances ---

func (v *view) GetBalance(_ context.Context, userID generic.UserID) (generic.UserBalance, error) {
	b, ok := v.st.balances[userID]
	if !ok {
		return generic.ZeroBalance(userID), nil
	}
	return b, nil
}

func (v *view) CreditBalance(ctx context.Context, userID generic.UserID, delta generic.BalanceDelta, at time.Time) error {
	b, _ := v.GetBalance(ctx, userID)
	if err := generic.ValidateCashback(delta.Cashback); err != nil {
		return err
	}
	cashback := generic.RoundCashback(delta.Cashback)
	b.CurrentPoints += delta.Points
	b.LifetimePoints += delta.Points
	b.CashbackBalance = b.CashbackBalance.Add(cashback)
	b.CashbackEarned = b.CashbackEarned.Add(cashback)
	b.UpdatedAt = at
	if b.CurrentPoints < 0 || b.CashbackBalance.IsNegative() {
		return fmt.Errorf("failed to credit balance: negative result for %s", userID)
	}
	v.st.balances[userID] = b
	return nil
}

func (v *view) DebitPoints(_ context.Context, userID generic.UserID, cost int64, at time.Time) error {
	b, ok := v.st.balances[userID]
	if !ok || b.CurrentPoints < cost {
		return generic.ErrInsufficientBalance
	}
	b.CurrentPoints -= cost
	b.PointsSpent += cost
	b.UpdatedAt = at
	v.st.balances[userID] = b
	return nil
}

func (v *view) DebitCashback(_ context.Context, userID generic.UserID, amount decimal.Decimal, at time.Time) error {
	if err := generic.ValidateCashback(amount); err != nil {
		return err
	}
	amount = generic.RoundCashback(amount)
	b, ok := v.st.balances[userID]
	if !ok || b.CashbackBalance.LessThan(amount) {
		return generic.ErrInsufficientBalance
	}
	b.CashbackBalance = b.CashbackBalance.Sub(amount)
	b.CashbackUsed = b.CashbackUsed.Add(amount)
	b.UpdatedAt = at
	v.st.balances[userID] = b
	return nil
}

func (v *view) ListUserIDs(_ context.Context) ([]generic.UserID, error) {
	seen := make(map[generic.UserID]bool)
	for u := range v.st.balances {
		seen[u] = true
	}
	for u := range v.st.summaries {
		seen[u] = true
	}
	for _, r := range v.st.reviews {
		seen[r.UserID] = true
	}
	ids := slices.Collect(maps.Keys(seen))
	slices.Sort(ids)
	return ids, nil
}

// --- summaries ---

func (v *view) GetSummary(_ context.Context, userID generic.UserID) (generic.UserSummary, error) {
	s, ok := v.st.summaries[userID]
	if !ok {
		return generic.UserSummary{UserID: userID}, nil
	}
	return s, nil
}

func (v *view) IncrementSummary(ctx context.Context, userID generic.UserID, d generic.SummaryDelta, at time.Time) error {
	s, _ := v.GetSummary(ctx, userID)
	s.TotalPointsEarned += d.PointsEarned
	s.ReviewCount += d.Reviews
	s.RatingCount += d.Ratings
	s.UpdatedAt = at
	v.st.summaries[userID] = s
	return nil
}

func (v *view) SetReviewCounters(ctx context.Context, userID generic.UserID, c generic.ReviewCounts, at time.Time) error {
	s, _ := v.GetSummary(ctx, userID)
	s.ReviewCount = c.Reviews
	s.RatingCount = c.Ratings
	s.UpdatedAt = at
	v.st.summaries[userID] = s
	return nil
}

func (v *view) SetPointsEarned(ctx context.Context, userID generic.UserID, total int64, at time.Time) error {
	s, _ := v.GetSummary(ctx, userID)
	s.TotalPointsEarned = total
	s.UpdatedAt = at
	v.st.summaries[userID] = s
	return nil
}

func (v *view) LockUser(_ context.Context, _ generic.UserID) error {
	return nil
}

// --- check-ins ---

func (v *view) InsertCheckin(_ context.Context, r generic.CheckinRecord) error {
	days := v.st.checkins[r.UserID]
	if days == nil {
		days = make(map[string]generic.CheckinRecord)
		v.st.checkins[r.UserID] = days
	}
	if _, ok := days[r.Date]; ok {
		return generic.ErrDuplicateEvent
	}
	days[r.Date] = r
	return nil
}

func (v *view) ListCheckins(_ context.Context, userID generic.UserID, limit int) ([]generic.CheckinRecord, error) {
	var out []generic.CheckinRecord
	for _, r := range v.st.checkins[userID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *view) CheckinTotals(_ context.Context, userID generic.UserID) (generic.CheckinTotals, error) {
	var t generic.CheckinTotals
	for date, r := range v.st.checkins[userID] {
		t.TotalCheckins++
		t.TotalPoints += r.PointsEarned
		if t.FirstDate == "" || date < t.FirstDate {
			t.FirstDate = date
		}
		if date > t.LastDate {
			t.LastDate = date
		}
	}
	return t, nil
}

// --- reviews ---

func (v *view) InsertReview(_ context.Context, r generic.ReviewRecord) error {
	k := reviewKey{UserID: r.UserID, ProductID: r.ProductID}
	if _, ok := v.st.reviewKeys[k]; ok {
		return generic.ErrReviewExists
	}
	if _, ok := v.st.reviews[r.ID]; ok {
		return generic.ErrReviewExists
	}
	v.st.reviews[r.ID] = r
	v.st.reviewKeys[k] = r.ID
	return nil
}

func (v *view) GetReview(_ context.Context, id string) (generic.ReviewRecord, error) {
	r, ok := v.st.reviews[id]
	if !ok {
		return generic.ReviewRecord{}, generic.ErrReviewNotFound
	}
	return r, nil
}

func (v *view) CountPendingReviews(_ context.Context, userID generic.UserID) (int, error) {
	n := 0
	for _, r := range v.st.reviews {
		if r.UserID == userID && r.Status == generic.ReviewPending {
			n++
		}
	}
	return n, nil
}

func (v *view) TransitionReview(_ context.Context, id string, from, to generic.ReviewStatus, pointsAwarded int64, at time.Time) error {
	r, ok := v.st.reviews[id]
	if !ok {
		return generic.ErrReviewNotFound
	}
	if r.Status != from {
		return fmt.Errorf("%w: review %s is not %s", generic.ErrInvalidTransition, id, from)
	}
	r.Status = to
	r.PointsAwarded = pointsAwarded
	r.UpdatedAt = at
	v.st.reviews[id] = r
	return nil
}

func (v *view) UpdateReviewContent(_ context.Context, id string, content string, at time.Time) error {
	r, ok := v.st.reviews[id]
	if !ok {
		return generic.ErrReviewNotFound
	}
	r.Content = content
	r.UpdatedAt = at
	v.st.reviews[id] = r
	return nil
}

func (v *view) ListReviews(_ context.Context, filter generic.ReviewFilter) ([]generic.ReviewRecord, error) {
	var out []generic.ReviewRecord
	for _, r := range v.st.reviews {
		if filter.UserID != "" && r.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (v *view) ApprovedReviewCounts(_ context.Context) (map[generic.UserID]generic.ReviewCounts, error) {
	counts := make(map[generic.UserID]generic.ReviewCounts)
	for _, r := range v.st.reviews {
		if r.Status != generic.ReviewApproved {
			continue
		}
		c := counts[r.UserID]
		c.Reviews++
		if r.HasRating() {
			c.Ratings++
		}
		counts[r.UserID] = c
	}
	return counts, nil
}

// --- referrals ---

func (v *view) InsertReferral(_ context.Context, r generic.ReferralRecord) error {
	if r.ReferrerID == r.ReferredID {
		return generic.ErrSelfReferral
	}
	if _, ok := v.st.referrals[r.ID]; ok {
		return generic.ErrReferralExists
	}
	for _, existing := range v.st.referrals {
		if existing.ReferredID == r.ReferredID {
			return generic.ErrReferralExists
		}
	}
	v.st.referrals[r.ID] = r
	return nil
}

func (v *view) GetReferral(_ context.Context, id string) (generic.ReferralRecord, error) {
	r, ok := v.st.referrals[id]
	if !ok {
		return generic.ReferralRecord{}, generic.ErrReferralNotFound
	}
	return r, nil
}

func (v *view) GetReferralByReferred(_ context.Context, referredID generic.UserID) (generic.ReferralRecord, error) {
	for _, r := range v.st.referrals {
		if r.ReferredID == referredID {
			return r, nil
		}
	}
	return generic.ReferralRecord{}, generic.ErrReferralNotFound
}

func (v *view) MarkReferralEarned(_ context.Context, id string, orderID string, at time.Time) error {
	return v.transitionReferral(id, generic.ReferralPending, generic.ReferralEarned, orderID, at)
}

func (v *view) VoidReferral(_ context.Context, id string, at time.Time) error {
	return v.transitionReferral(id, generic.ReferralPending, generic.ReferralVoid, "", at)
}

func (v *view) transitionReferral(id string, from, to generic.ReferralStatus, orderID string, at time.Time) error {
	r, ok := v.st.referrals[id]
	if !ok {
		return generic.ErrReferralNotFound
	}
	if r.Status != from {
		return fmt.Errorf("%w: referral %s is not %s", generic.ErrInvalidTransition, id, from)
	}
	r.Status = to
	if orderID != "" {
		r.FirstOrderID = orderID
	}
	r.UpdatedAt = at
	v.st.referrals[id] = r
	return nil
}

func (v *view) ListReferrals(_ context.Context, referrerID generic.UserID) ([]generic.ReferralRecord, error) {
	var out []generic.ReferralRecord
	for _, r := range v.st.referrals {
		if r.ReferrerID == referrerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) InsertReferralCode(_ context.Context, c generic.ReferralCode) error {
	if _, ok := v.st.codes[c.Code]; ok {
		return generic.ErrReferralCodeExists
	}
	for _, existing := range v.st.codes {
		if existing.UserID == c.UserID {
			return generic.ErrReferralCodeExists
		}
	}
	v.st.codes[c.Code] = c
	return nil
}

func (v *view) GetReferralCode(_ context.Context, code string) (generic.ReferralCode, error) {
	c, ok := v.st.codes[code]
	if !ok {
		return generic.ReferralCode{}, generic.ErrReferralCodeNotFound
	}
	return c, nil
}

func (v *view) GetReferralCodeByUser(_ context.Context, userID generic.UserID) (generic.ReferralCode, error) {
	for _, c := range v.st.codes {
		if c.UserID == userID {
			return c, nil
		}
	}
	return generic.ReferralCode{}, generic.ErrReferralCodeNotFound
}

func (v *view) SetReferralCodeActive(_ context.Context, code string, active bool, at time.Time) error {
	c, ok := v.st.codes[code]
	if !ok {
		return generic.ErrReferralCodeNotFound
	}
	c.IsActive = active
	c.UpdatedAt = at
	v.st.codes[code] = c
	return nil
}

// --- plots ---

func (v *view) CreatePlot(_ context.Context, p generic.Plot) error {
	if _, ok := v.st.plots[p.ID]; ok {
		return generic.ErrPlotExists
	}
	if p.PointsPrice < 0 {
		return fmt.Errorf("failed to create plot: negative price %d", p.PointsPrice)
	}
	p.OwnerID = ""
	p.IsAvailable = true
	p.PurchasedAt = nil
	v.st.plots[p.ID] = p
	return nil
}

func (v *view) GetPlot(_ context.Context, id string) (generic.Plot, error) {
	p, ok := v.st.plots[id]
	if !ok {
		return generic.Plot{}, generic.ErrPlotNotFound
	}
	return p, nil
}

// ClaimPlot is the compare-and-set that prevents double sale.
func (v *view) ClaimPlot(_ context.Context, id string, owner generic.UserID, at time.Time) error {
	p, ok := v.st.plots[id]
	if !ok {
		return generic.ErrPlotNotFound
	}
	if p.Owned() || !p.IsAvailable {
		return &generic.ResourceUnavailableError{Kind: generic.SourcePlot, ResourceID: id}
	}
	p.OwnerID = owner
	p.IsAvailable = false
	p.PurchasedAt = &at
	v.st.plots[id] = p
	return nil
}

func (v *view) ListPlots(_ context.Context, filter generic.PlotFilter) ([]generic.Plot, error) {
	var out []generic.Plot
	for _, p := range v.st.plots {
		if filter.OwnerID != "" && p.OwnerID != filter.OwnerID {
			continue
		}
		if filter.AvailableOnly && !p.IsAvailable {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PointsPrice != out[j].PointsPrice {
			return out[i].PointsPrice < out[j].PointsPrice
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- reconciliation ---

// SaveReconciliationRun upserts; the start time of an existing run is kept.
func (v *view) SaveReconciliationRun(_ context.Context, r generic.ReconciliationRun) error {
	if existing, ok := v.st.runs[r.ID]; ok {
		r.StartedAt = existing.StartedAt
	}
	v.st.runs[r.ID] = r
	return nil
}

func (v *view) ListReconciliationRuns(_ context.Context, limit int) ([]generic.ReconciliationRun, error) {
	out := slices.Collect(maps.Values(v.st.runs))
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *view) GetReconciliationRun(_ context.Context, id string) (generic.ReconciliationRun, error) {
	r, ok := v.st.runs[id]
	if !ok {
		return generic.ReconciliationRun{}, generic.ErrRunNotFound
	}
	return r, nil
}

func (v *view) InsertCorrection(_ context.Context, c generic.Correction) error {
	v.st.corrections = append(v.st.corrections, c)
	return nil
}

func (v *view) ListCorrections(_ context.Context, runID string) ([]generic.Correction, error) {
	var out []generic.Correction
	for _, c := range v.st.corrections {
		if c.RunID == runID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return strings.Compare(out[i].Field, out[j].Field) < 0
	})
	return out, nil
}

var (
	_ generic.TxStore = (*Memory)(nil)
	_ generic.Store   = (*view)(nil)
)
