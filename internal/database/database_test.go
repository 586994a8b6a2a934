package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/types"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func openTest(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "polylearn.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedModel(t *testing.T, db *Database) *types.Model {
	t.Helper()
	ctx := context.Background()
	m := &types.Model{
		Name:            "alpha",
		Active:          true,
		SignalWeights:   map[string]float64{types.SourcePriceMomentum: 0.6, types.SourceFearGreed: 0.4},
		Thresholds:      types.Thresholds{BetThreshold: 0.6, MaxBet: decimal.NewFromInt(20)},
		Version:         1,
		StartingBalance: decimal.NewFromInt(100),
	}
	require.NoError(t, db.CreateModel(ctx, m))
	_, err := db.EnsureAccount(ctx, m.ID, m.StartingBalance)
	require.NoError(t, err)
	return m
}

func TestModelRoundTripAndMutate(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	m := seedModel(t, db)

	got, err := db.GetModel(ctx, m.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, got.SignalWeights[types.SourcePriceMomentum], 1e-12)
	assert.True(t, got.Thresholds.MaxBet.Equal(decimal.NewFromInt(20)))

	updated, err := db.MutateModel(ctx, m.ID, func(mm *types.Model) error {
		mm.Version++
		mm.Thresholds.BetThreshold = 0.63
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	again, _ := db.GetModel(ctx, m.ID)
	assert.InDelta(t, 0.63, again.Thresholds.BetThreshold, 1e-12)

	_, err = db.GetModel(ctx, 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLedgerTransactions(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	m := seedModel(t, db)

	acc, err := db.OpenTrade(ctx, &types.Trade{ID: "t1", ModelID: m.ID, MarketID: "btc-5m", Direction: types.DirectionUp,
		AmountUSDC: decimal.NewFromInt(10), EntryOdds: 0.5, Status: types.TradeOpen, OpenedAt: t0})
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(decimal.NewFromInt(90)))

	_, err = db.OpenTrade(ctx, &types.Trade{ID: "t2", ModelID: m.ID, AmountUSDC: decimal.NewFromInt(500),
		Status: types.TradeOpen, OpenedAt: t0})
	assert.ErrorIs(t, err, storage.ErrInsufficientFunds)

	exit := 0.9
	settled, err := db.SettleTrade(ctx, storage.Settlement{TradeID: "t1", Status: types.TradeClosed, ExitOdds: &exit,
		PnL: decimal.NewFromInt(10), ClosedAt: t0.Add(5 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, types.TradeClosed, settled.Status)

	_, err = db.SettleTrade(ctx, storage.Settlement{TradeID: "t1", Status: types.TradeClosed, ExitOdds: &exit,
		PnL: decimal.NewFromInt(10), ClosedAt: t0.Add(6 * time.Minute)})
	assert.ErrorIs(t, err, storage.ErrAlreadySettled)

	acc, err = db.GetAccount(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(decimal.NewFromInt(110)), acc.Balance.String())

	recent, err := db.RecentSettled(ctx, m.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.NotNil(t, recent[0].ExitOdds)
	assert.InDelta(t, 0.9, *recent[0].ExitOdds, 1e-12)
	assert.True(t, recent[0].PnL.Equal(decimal.NewFromInt(10)))

	n, err := db.CountSettled(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLatestReadings(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	m := seedModel(t, db)

	for i, v := range []float64{0.1, 0.2, 0.3} {
		require.NoError(t, db.AppendSignal(ctx, &types.Signal{ModelID: m.ID, Source: types.SourcePriceMomentum,
			Normalized: v, Timestamp: t0.Add(time.Duration(i) * time.Minute)}))
	}
	require.NoError(t, db.AppendSignal(ctx, &types.Signal{ModelID: m.ID, Source: types.SourceFearGreed,
		Normalized: -0.4, RawValue: 30, Timestamp: t0}))

	latest, err := db.LatestSignals(ctx, m.ID, t0.Add(90*time.Second))
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.InDelta(t, 0.2, latest[types.SourcePriceMomentum].Normalized, 1e-12)

	fg, err := db.LatestSignalBySource(ctx, types.SourceFearGreed, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 30.0, fg.RawValue, 1e-12)

	require.NoError(t, db.AppendSnapshot(ctx, &types.MarketSnapshot{MarketID: "a", UpOdds: 0.5, DownOdds: 0.52, TimeRemaining: 120, Timestamp: t0}))
	require.NoError(t, db.AppendSnapshot(ctx, &types.MarketSnapshot{MarketID: "a", UpOdds: 0.6, DownOdds: 0.42, TimeRemaining: 0, Timestamp: t0.Add(3 * time.Minute)}))
	require.NoError(t, db.AppendSnapshot(ctx, &types.MarketSnapshot{MarketID: "b", UpOdds: 0.4, DownOdds: 0.62, TimeRemaining: 240, Timestamp: t0}))

	live, err := db.LiveMarkets(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, live, 2)

	live, err = db.LiveMarkets(ctx, t0.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "b", live[0].MarketID)

	require.NoError(t, db.AppendPrice(ctx, &types.BTCPrice{Price: 100, Timestamp: t0}))
	require.NoError(t, db.AppendPrice(ctx, &types.BTCPrice{Price: 103, Timestamp: t0.Add(10 * time.Minute)}))
	p, err := db.NearestPrice(ctx, t0.Add(8*time.Minute), 30*time.Minute)
	require.NoError(t, err)
	assert.InDelta(t, 103.0, p.Price, 1e-9)

	_, err = db.NearestPrice(ctx, t0.Add(3*time.Hour), 30*time.Minute)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVersionsAndApprovals(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	m := seedModel(t, db)

	v1 := &types.Version{ModelID: m.ID, VersionNum: 1, SignalWeights: m.CopyWeights(), Thresholds: m.Thresholds, CreatedAt: t0}
	require.NoError(t, db.AppendVersion(ctx, v1))
	assert.Nil(t, v1.ParentVersionID)

	v2 := &types.Version{ModelID: m.ID, VersionNum: 2, SignalWeights: m.CopyWeights(), Thresholds: m.Thresholds, CreatedAt: t0.Add(time.Hour)}
	require.NoError(t, db.AppendVersion(ctx, v2))
	require.NotNil(t, v2.ParentVersionID)
	assert.Equal(t, v1.ID, *v2.ParentVersionID)

	stale := &types.Version{ModelID: m.ID, VersionNum: 2, CreatedAt: t0.Add(2 * time.Hour)}
	assert.ErrorIs(t, db.AppendVersion(ctx, stale), storage.ErrVersionConflict)

	require.NoError(t, db.MarkProdSynced(ctx, v1.ID))
	got, _ := db.GetVersion(ctx, v1.ID)
	assert.True(t, got.IsProdSynced)

	req := &types.ApprovalRequest{Kind: "promote_version", ModelID: m.ID, Payload: map[string]string{"version_id": "1"},
		Status: types.ApprovalAwaiting, CreatedAt: t0}
	require.NoError(t, db.CreateApproval(ctx, req))

	done, err := db.TransitionApproval(ctx, req.ID, types.ApprovalAwaiting, types.ApprovalApproved, "ok", t0)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, done.Status)
	assert.Equal(t, "1", done.Payload["version_id"])

	_, err = db.TransitionApproval(ctx, req.ID, types.ApprovalAwaiting, types.ApprovalRejected, "", t0)
	assert.ErrorIs(t, err, storage.ErrNotAwaiting)

	pending, err := db.PendingApprovals(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestAnalysisUniquePerTrade(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	a := &types.TradeAnalysis{TradeID: "t1", ModelID: 1, Verdict: types.VerdictGoodTrade,
		SignalContributions: map[string]float64{"x": 0.5}, CreatedAt: t0}
	require.NoError(t, db.SaveAnalysis(ctx, a))
	assert.ErrorIs(t, db.SaveAnalysis(ctx, &types.TradeAnalysis{TradeID: "t1", CreatedAt: t0}), storage.ErrDuplicateAnalysis)

	got, err := db.GetAnalysis(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.VerdictGoodTrade, got.Verdict)
	assert.InDelta(t, 0.5, got.SignalContributions["x"], 1e-12)
}
