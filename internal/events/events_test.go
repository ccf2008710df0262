package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rewards-ledger/generic"
	"github.com/warp/rewards-ledger/internal/events"
	"github.com/warp/rewards-ledger/store/sqlite"
)

type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collector) handle(_ context.Context, e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) all() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event(nil), c.events...)
}

func TestManager_DeliversCommittedEntriesByType(t *testing.T) {
	// GIVEN: A coordinator publishing to the manager
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mgr := events.NewManager(true)
	rewards, spends := &collector{}, &collector{}
	mgr.Subscribe(events.EventRewardApplied, rewards.handle)
	mgr.Subscribe(events.EventSpendApplied, spends.handle)

	coord := generic.NewCoordinator(store)
	coord.Clock = generic.NewFixedClock(time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC))
	coord.Events = mgr
	ctx := context.Background()

	// WHEN: Earning, spending and hitting a duplicate
	_, err = coord.ApplyReward(ctx, generic.Reward{UserID: "alice", Kind: generic.SourceCheckin, Key: "2025-03-10", Points: 10})
	require.NoError(t, err)
	_, err = coord.ApplyReward(ctx, generic.Reward{UserID: "alice", Kind: generic.SourceCheckin, Key: "2025-03-10", Points: 10})
	require.ErrorIs(t, err, generic.ErrDuplicateEvent)
	_, err = coord.RedeemCashback(ctx, "alice", "r-1", decimal.NewFromInt(1), "redeem")
	require.Error(t, err, "no cashback to redeem")
	_, err = coord.ApplySpend(ctx, generic.Spend{UserID: "alice", Kind: generic.SourcePlot, Key: "plot-1", Cost: 4})
	require.NoError(t, err)
	mgr.Wait()

	// THEN: One reward and one spend were delivered, with post-commit balances
	got := rewards.all()
	require.Len(t, got, 1)
	assert.Equal(t, events.EventRewardApplied, got[0].Type)
	assert.Equal(t, int64(10), got[0].Balance.CurrentPoints)

	spent := spends.all()
	require.Len(t, spent, 1)
	assert.Equal(t, int64(-4), spent[0].Entry.PointsDelta)
	assert.Equal(t, int64(6), spent[0].Balance.CurrentPoints)
}

func TestManager_HandlerErrorDoesNotAffectOthers(t *testing.T) {
	mgr := events.NewManager(true)
	ok := &collector{}
	mgr.Subscribe(events.EventRewardApplied, func(context.Context, events.Event) error {
		return errors.New("downstream unavailable")
	})
	mgr.Subscribe(events.EventRewardApplied, ok.handle)

	mgr.PublishEntry(context.Background(), generic.LedgerEntry{ID: "e1", UserID: "bob", PointsDelta: 5}, generic.ZeroBalance("bob"))
	mgr.Wait()

	assert.Len(t, ok.all(), 1)
}

func TestManager_DisabledAndShutdown(t *testing.T) {
	off := events.NewManager(false)
	c := &collector{}
	off.Subscribe(events.EventRewardApplied, c.handle)
	off.PublishEntry(context.Background(), generic.LedgerEntry{PointsDelta: 1}, generic.UserBalance{})
	off.Wait()
	assert.Empty(t, c.all())

	on := events.NewManager(true)
	on.Subscribe(events.EventRewardApplied, c.handle)
	on.Shutdown()
	on.PublishEntry(context.Background(), generic.LedgerEntry{PointsDelta: 1}, generic.UserBalance{})
	on.Wait()
	assert.Empty(t, c.all())
}

func TestManager_SyncHandlersRunBeforePublishReturns(t *testing.T) {
	mgr := events.NewManager(true)
	var seen []events.EventType
	mgr.SubscribeSync(events.EventSpendApplied, func(_ context.Context, e events.Event) error {
		seen = append(seen, e.Type)
		return nil
	})
	mgr.SubscribeSync(events.EventSpendApplied, func(context.Context, events.Event) error {
		return errors.New("logged, not propagated")
	})

	mgr.PublishEntry(context.Background(), generic.LedgerEntry{UserID: "alice", Kind: generic.SourcePlot, Key: "plot-1", PointsDelta: -5}, generic.UserBalance{})
	mgr.PublishEntry(context.Background(), generic.LedgerEntry{UserID: "alice", Kind: generic.SourceCheckin, Key: "2025-03-10", PointsDelta: 10}, generic.UserBalance{})

	assert.Equal(t, []events.EventType{events.EventSpendApplied}, seen)
}
