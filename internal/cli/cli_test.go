package cli_test

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rewards-ledger/generic"
	"github.com/warp/rewards-ledger/internal/cli"
)

// run executes ledgerctl against a sqlite file shared by every call in the
// test.
type runner struct {
	db string
}

func newRunner(t *testing.T) *runner {
	t.Helper()
	return &runner{db: filepath.Join(t.TempDir(), "ledger.db")}
}

func (r *runner) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := cli.NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--db", r.db}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func decodeData[T any](t *testing.T, raw string) T {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &resp), raw)
	require.Equal(t, "ok", resp.Status, raw)
	var v T
	require.NoError(t, json.Unmarshal(resp.Data, &v), raw)
	return v
}

func TestRootCommand(t *testing.T) {
	cmd := cli.NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ledgerctl", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	commands := [][]string{
		{"balance"}, {"checkin"}, {"redeem"}, {"rules"}, {"reconcile"},
		{"plots", "list"}, {"plots", "owned"}, {"plots", "create"}, {"plots", "buy"},
		{"demo", "list"}, {"demo", "load"},
	}
	for _, path := range commands {
		t.Run(path[len(path)-1], func(t *testing.T) {
			sub, _, err := cli.NewRootCommand().Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := cli.NewRootCommand()

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	for _, name := range []string{"config", "db"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestInvalidFormat(t *testing.T) {
	r := newRunner(t)

	_, err := r.run(t, "--format", "xml", "rules")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestRules_Golden(t *testing.T) {
	r := newRunner(t)

	out, err := r.run(t, "rules")

	require.NoError(t, err)
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "rules", []byte(out))
}

func TestRules_JSON(t *testing.T) {
	r := newRunner(t)

	out, err := r.run(t, "--format", "json", "rules")

	require.NoError(t, err)
	rules := decodeData[cli.RulesOutput](t, out)
	assert.Equal(t, int64(10), rules.CheckinPoints)
	assert.Equal(t, "2.5", rules.ReferrerCashbackPercent)
}

func TestCheckinThenBalance(t *testing.T) {
	// GIVEN: An empty ledger
	r := newRunner(t)

	// WHEN: Alice checks in twice
	out, err := r.run(t, "--format", "json", "checkin", "alice")
	require.NoError(t, err)
	first := decodeData[cli.CheckinOutput](t, out)

	out, err = r.run(t, "--format", "json", "checkin", "alice")
	require.NoError(t, err)
	second := decodeData[cli.CheckinOutput](t, out)

	// THEN: Only the first awards points
	assert.Equal(t, int64(10), first.PointsAwarded)
	assert.False(t, first.AlreadyCheckedIn)
	assert.Equal(t, 1, first.Streak)
	assert.True(t, second.AlreadyCheckedIn)
	assert.Equal(t, int64(0), second.PointsAwarded)

	out, err = r.run(t, "--format", "json", "balance", "alice")
	require.NoError(t, err)
	bal := decodeData[cli.BalanceOutput](t, out)
	assert.Equal(t, int64(10), bal.CurrentPoints)
	assert.Equal(t, int64(10), bal.LifetimePoints)
	assert.Equal(t, int64(10), bal.TotalPointsEarned)
	assert.Equal(t, "0.00", bal.CashbackBalance)
}

func TestBalance_Text(t *testing.T) {
	r := newRunner(t)

	out, err := r.run(t, "balance", "nobody")

	require.NoError(t, err)
	assert.Contains(t, out, "user:     nobody")
	assert.Contains(t, out, "points:   0 (lifetime 0, spent 0)")
	assert.Contains(t, out, "cashback: 0.00")
}

func TestPlots_CreateListBuy(t *testing.T) {
	r := newRunner(t)

	// GIVEN: One plot for sale
	_, err := r.run(t, "plots", "create", "North Field", "--id", "p1", "--price", "5")
	require.NoError(t, err)

	out, err := r.run(t, "plots", "list")
	require.NoError(t, err)
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "plots_list", []byte(out))

	// WHEN: Bob tries to buy it with no points
	_, err = r.run(t, "plots", "buy", "bob", "p1")

	// THEN: The ledger rejects it with the failure exit code
	require.Error(t, err)
	assert.Equal(t, cli.ExitFailure, cli.GetExitCode(err))
	var insufficient *generic.InsufficientBalanceError
	assert.ErrorAs(t, err, &insufficient)

	// WHEN: Bob earns points and buys again
	_, err = r.run(t, "checkin", "bob")
	require.NoError(t, err)
	out, err = r.run(t, "--format", "json", "plots", "buy", "bob", "p1")
	require.NoError(t, err)

	// THEN: Bob owns the plot and it left the market
	bought := decodeData[cli.PlotOutput](t, out)
	assert.Equal(t, "bob", bought.OwnerID)
	assert.False(t, bought.IsAvailable)

	out, err = r.run(t, "plots", "list")
	require.NoError(t, err)
	assert.Equal(t, "no plots\n", out)

	out, err = r.run(t, "--format", "json", "plots", "owned", "bob")
	require.NoError(t, err)
	owned := decodeData[[]cli.PlotOutput](t, out)
	require.Len(t, owned, 1)
	assert.Equal(t, "p1", owned[0].ID)

	out, err = r.run(t, "--format", "json", "balance", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(5), decodeData[cli.BalanceOutput](t, out).CurrentPoints)
}

func TestRedeem(t *testing.T) {
	r := newRunner(t)

	t.Run("bad amount", func(t *testing.T) {
		_, err := r.run(t, "redeem", "alice", "ten")
		require.Error(t, err)
		assert.Equal(t, cli.ExitCommandError, cli.GetExitCode(err))
	})

	t.Run("insufficient cashback", func(t *testing.T) {
		out, err := r.run(t, "--format", "json", "redeem", "alice", "1.00", "--key", "r1")
		require.Error(t, err)
		assert.Equal(t, cli.ExitFailure, cli.GetExitCode(err))
		assert.Contains(t, out, `"status":"error"`)
	})
}

func TestReconcile(t *testing.T) {
	r := newRunner(t)
	_, err := r.run(t, "checkin", "alice")
	require.NoError(t, err)

	out, err := r.run(t, "--format", "json", "reconcile")
	require.NoError(t, err)
	rep := decodeData[cli.ReconcileOutput](t, out)
	assert.Equal(t, "completed", rep.Status)
	assert.Equal(t, 1, rep.Users)
	assert.Empty(t, rep.Corrections)
	assert.Empty(t, rep.Alarms)

	_, err = r.run(t, "reconcile", "--job", "nope")
	require.Error(t, err)
	assert.Equal(t, cli.ExitCommandError, cli.GetExitCode(err))
}

func TestDemo(t *testing.T) {
	r := newRunner(t)

	out, err := r.run(t, "demo", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "starter")
	assert.Contains(t, out, "full")

	// Loading twice leaves balances where one load put them.
	for i := 0; i < 2; i++ {
		_, err = r.run(t, "demo", "load", "full")
		require.NoError(t, err)
	}
	out, err = r.run(t, "--format", "json", "balance", "demo-alice")
	require.NoError(t, err)
	bal := decodeData[cli.BalanceOutput](t, out)
	assert.Equal(t, int64(70), bal.CurrentPoints)
	assert.Equal(t, "5.00", bal.CashbackBalance)

	_, err = r.run(t, "demo", "load", "nope")
	require.Error(t, err)
}
