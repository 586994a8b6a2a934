package versioning

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polylearn/approval"
	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/types"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*storage.MemoryStore, *types.Model) {
	t.Helper()
	store := storage.NewMemoryStore()
	m := &types.Model{
		Name:            "alpha",
		Active:          true,
		SignalWeights:   map[string]float64{"price_momentum": 0.6, "fear_greed": 0.4},
		Thresholds:      types.Thresholds{BetThreshold: 0.6, MaxBet: decimal.NewFromInt(20)},
		Version:         1,
		StartingBalance: decimal.NewFromInt(100),
	}
	require.NoError(t, store.CreateModel(context.Background(), m))
	_, err := store.EnsureAccount(context.Background(), m.ID, m.StartingBalance)
	require.NoError(t, err)
	return store, m
}

func addTrade(t *testing.T, store *storage.MemoryStore, modelID uint, id string, opened time.Time, pnl float64) {
	t.Helper()
	ctx := context.Background()
	_, err := store.OpenTrade(ctx, &types.Trade{ID: id, ModelID: modelID, MarketID: "btc-5m", Direction: types.DirectionUp,
		AmountUSDC: decimal.NewFromInt(10), EntryOdds: 0.5, Status: types.TradeOpen, OpenedAt: opened})
	require.NoError(t, err)
	exit := 0.1
	if pnl > 0 {
		exit = 0.9
	}
	_, err = store.SettleTrade(ctx, storage.Settlement{TradeID: id, Status: types.TradeClosed, ExitOdds: &exit,
		PnL: decimal.NewFromFloat(pnl), ClosedAt: opened.Add(5 * time.Minute)})
	require.NoError(t, err)
}

// addHistory settles n alternating trades a minute apart from start
func addHistory(t *testing.T, store *storage.MemoryStore, modelID uint, prefix string, start time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		pnl := 4.0
		if i%3 == 2 {
			pnl = -5
		}
		addTrade(t, store, modelID, fmt.Sprintf("%s%d", prefix, i), start.Add(time.Duration(i+1)*time.Minute), pnl)
	}
}

func TestSharpe(t *testing.T) {
	assert.Nil(t, Sharpe(nil))
	assert.Nil(t, Sharpe([]float64{10, -10}))
	assert.Nil(t, Sharpe([]float64{5, 5, 5}), "zero variance")

	sr := Sharpe([]float64{10, -10, 10})
	require.NotNil(t, sr)
	// mean 3.333, sample std 11.547
	assert.InDelta(t, 3.3333333/11.5470054*15.8745079, *sr, 1e-4)
}

func TestRecordAndStats(t *testing.T) {
	ctx := context.Background()
	store, m := setup(t)
	mgr := NewManager(store)

	v1, err := mgr.Record(ctx, m, "initial", t0)
	require.NoError(t, err)
	assert.Nil(t, v1.ParentVersionID)
	assert.Equal(t, t0, v1.CreatedAt)

	addTrade(t, store, m.ID, "a", t0.Add(time.Minute), 10)
	addTrade(t, store, m.ID, "b", t0.Add(2*time.Minute), -10)

	m.Version = 2
	m.SignalWeights["price_momentum"] = 0.5
	m.SignalWeights["fear_greed"] = 0.5
	v2, err := mgr.Record(ctx, m, "learning cycle", t0.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, v2.ParentVersionID)
	assert.Equal(t, v1.ID, *v2.ParentVersionID)

	// a stale counter is rejected
	_, err = mgr.Record(ctx, m, "again", t0.Add(time.Hour))
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	for i := 0; i < 3; i++ {
		addTrade(t, store, m.ID, fmt.Sprintf("c%d", i), t0.Add(time.Hour+time.Duration(i+1)*time.Minute), []float64{10, -10, 10}[i])
	}

	stats, err := mgr.Stats(ctx, m.ID, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 2)

	s1 := stats[0]
	assert.Equal(t, 2, s1.Trades)
	assert.Equal(t, 1, s1.Wins)
	assert.Nil(t, s1.Sharpe, "fewer than 3 trades")
	assert.InDelta(t, 0.0, s1.ROIPct, 1e-9)
	// 100 → 110 → 100: drawdown 10/110
	assert.InDelta(t, 10.0/110.0, s1.MaxDrawdown, 1e-9)

	s2 := stats[1]
	assert.Equal(t, 3, s2.Trades)
	assert.Equal(t, "10", s2.TotalPnL.String())
	assert.InDelta(t, 10.0, s2.ROIPct, 1e-9)
	require.NotNil(t, s2.Sharpe)

	best, err := mgr.Best(ctx, m.ID, t0.Add(2*time.Hour), 3)
	require.NoError(t, err)
	assert.Equal(t, 2, best.Version.VersionNum)

	_, err = mgr.Best(ctx, m.ID, t0.Add(2*time.Hour), 20)
	assert.ErrorIs(t, err, ErrNoQualifiedVersion)
}

func TestPromote(t *testing.T) {
	ctx := context.Background()
	store, m := setup(t)
	mgr := NewManager(store)

	v1, err := mgr.Record(ctx, m, "initial", t0)
	require.NoError(t, err)
	addHistory(t, store, m.ID, "h", t0, MinPromoteTrades)

	_, err = store.MutateModel(ctx, m.ID, func(mm *types.Model) error {
		mm.SignalWeights = map[string]float64{"price_momentum": 0.3, "fear_greed": 0.7}
		mm.Thresholds.BetThreshold = 0.8
		mm.Version = 2
		return nil
	})
	require.NoError(t, err)

	at := t0.Add(time.Hour)
	res, err := mgr.Promote(ctx, m.ID, v1.ID, at)
	require.NoError(t, err)
	assert.Nil(t, res.Pending)
	assert.Equal(t, 3, res.Model.Version)
	assert.InDelta(t, 0.6, res.Model.SignalWeights["price_momentum"], 1e-12)
	assert.InDelta(t, 0.6, res.Model.Thresholds.BetThreshold, 1e-12)
	require.NotNil(t, res.Promoted)
	assert.Equal(t, "promoted from v1", res.Promoted.MutationReason)
	assert.Equal(t, at, res.Promoted.CreatedAt)

	synced, err := store.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.True(t, synced.IsProdSynced)
}

func TestPromote_RequiresApproval(t *testing.T) {
	ctx := context.Background()
	store, m := setup(t)
	machine := approval.NewMachine(store)
	mgr := NewManager(store, WithApproval(machine, true))

	v1, err := mgr.Record(ctx, m, "initial", t0)
	require.NoError(t, err)
	addHistory(t, store, m.ID, "h", t0, MinPromoteTrades)

	res, err := mgr.Promote(ctx, m.ID, v1.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, res.Pending)
	assert.Equal(t, types.ApprovalAwaiting, res.Pending.Status)

	live, _ := store.GetModel(ctx, m.ID)
	assert.Equal(t, 1, live.Version, "nothing applied before approval")

	req, err := machine.Resolve(ctx, res.Pending.ID, true, "looks good", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApplied, req.Status)

	live, _ = store.GetModel(ctx, m.ID)
	assert.Equal(t, 2, live.Version)
}

func TestPromote_RefusesUnqualifiedVersion(t *testing.T) {
	ctx := context.Background()
	store, m := setup(t)
	machine := approval.NewMachine(store)
	mgr := NewManager(store, WithApproval(machine, true))

	v1, err := mgr.Record(ctx, m, "initial", t0)
	require.NoError(t, err)
	addHistory(t, store, m.ID, "h", t0, MinPromoteTrades-1)

	_, err = mgr.Promote(ctx, m.ID, v1.ID, t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNotQualified)

	// enough trades but no variance leaves sharpe undefined
	m.Version = 2
	v2, err := mgr.Record(ctx, m, "learning cycle", t0.Add(time.Hour))
	require.NoError(t, err)
	for i := 0; i < MinPromoteTrades; i++ {
		addTrade(t, store, m.ID, fmt.Sprintf("flat%d", i), t0.Add(time.Hour+time.Duration(i+1)*time.Minute), 4)
	}
	_, err = mgr.Promote(ctx, m.ID, v2.ID, t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrNotQualified)

	pending, err := machine.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "no approval opened for an unqualified version")

	live, _ := store.GetModel(ctx, m.ID)
	assert.Equal(t, 1, live.Version)
}
