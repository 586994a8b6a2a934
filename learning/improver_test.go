package learning

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polylearn/analysis"
	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/types"
	"github.com/web3guy0/polylearn/versioning"
)

var base = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store  *storage.MemoryStore
	states *storage.MemoryStateStore
	im     *Improver
	model  *types.Model
	n      int
}

func newFixture(t *testing.T, threshold float64) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := &types.Model{
		Name:   "alpha",
		Active: true,
		SignalWeights: map[string]float64{
			types.SourcePriceMomentum: 0.4,
			types.SourceFearGreed:     0.3,
			types.SourceVolume:        0.2,
			types.SourceNewsSentiment: 0.1,
		},
		Thresholds:      types.Thresholds{BetThreshold: threshold, MaxBet: decimal.NewFromInt(20)},
		Version:         1,
		StartingBalance: decimal.NewFromInt(1000),
	}
	require.NoError(t, store.CreateModel(ctx, m))
	_, err := store.EnsureAccount(ctx, m.ID, m.StartingBalance)
	require.NoError(t, err)

	versions := versioning.NewManager(store)
	_, err = versions.Record(ctx, m, "initial", base)
	require.NoError(t, err)

	states := storage.NewMemoryStateStore()
	return &fixture{
		store:  store,
		states: states,
		im:     NewImprover(DefaultConfig(), store, analysis.NewAnalyzer(store), versions, states),
		model:  m,
	}
}

// trade opens and settles an up trade; momentum agrees with the outcome and
// fear/greed disagrees with it
func (f *fixture) trade(t *testing.T, won bool) {
	t.Helper()
	ctx := context.Background()
	f.n++
	opened := base.Add(time.Duration(f.n) * 10 * time.Minute)

	pm, fg := 0.5, -0.5
	if !won {
		pm, fg = -0.5, 0.5
	}
	require.NoError(t, f.store.AppendSignal(ctx, &types.Signal{ModelID: f.model.ID, Source: types.SourcePriceMomentum, Normalized: pm, Timestamp: opened.Add(-time.Minute)}))
	require.NoError(t, f.store.AppendSignal(ctx, &types.Signal{ModelID: f.model.ID, Source: types.SourceFearGreed, Normalized: fg, Timestamp: opened.Add(-time.Minute)}))

	id := fmt.Sprintf("t%03d", f.n)
	_, err := f.store.OpenTrade(ctx, &types.Trade{ID: id, ModelID: f.model.ID, MarketID: "btc-5m", Direction: types.DirectionUp,
		AmountUSDC: decimal.NewFromInt(10), EntryOdds: 0.5, Status: types.TradeOpen, OpenedAt: opened})
	require.NoError(t, err)

	exit, pnl := 0.9, decimal.NewFromInt(10)
	if !won {
		exit, pnl = 0.1, decimal.NewFromInt(-10)
	}
	_, err = f.store.SettleTrade(ctx, storage.Settlement{TradeID: id, Status: types.TradeClosed, ExitOdds: &exit, PnL: pnl, ClosedAt: opened.Add(5 * time.Minute)})
	require.NoError(t, err)
}

func (f *fixture) now() time.Time {
	return base.Add(time.Duration(f.n+1) * 10 * time.Minute)
}

func assertWeightInvariants(t *testing.T, w map[string]float64) {
	t.Helper()
	var sum float64
	for k, v := range w {
		assert.GreaterOrEqual(t, v, 0.02-1e-12, k)
		assert.LessOrEqual(t, v, 0.50+1e-12, k)
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestLearningRate(t *testing.T) {
	assert.InDelta(t, 0.3, LearningRate(0), 1e-12)
	assert.InDelta(t, 0.25, LearningRate(10), 1e-12)
	assert.InDelta(t, 0.05, LearningRate(10000), 1e-12)
}

func TestRun_AdjustsWeightsTowardAccurateSources(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.6)
	for i := 0; i < 10; i++ {
		f.trade(t, i%2 == 0)
	}

	res, err := f.im.Run(ctx, f.model.ID, f.now())
	require.NoError(t, err)
	require.False(t, res.Skipped, res.Reason)
	assert.True(t, res.Changed())
	assert.InDelta(t, 0.25, res.LearningRate, 1e-12)

	assertWeightInvariants(t, res.NewWeights)
	assert.Greater(t, res.NewWeights[types.SourcePriceMomentum], 0.4)
	assert.Less(t, res.NewWeights[types.SourceFearGreed], 0.3)
	assert.InDelta(t, 0.6, res.NewThreshold, 1e-12, "50% win rate leaves the threshold alone")

	live, err := f.store.GetModel(ctx, f.model.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, live.Version)
	assert.Equal(t, res.NewWeights, live.SignalWeights)

	require.NotNil(t, res.Version)
	assert.Equal(t, 2, res.Version.VersionNum)

	insights, err := f.store.Insights(ctx, f.model.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, insights)
	var found bool
	for _, in := range insights {
		if in.Kind == InsightWeight && strings.HasPrefix(in.Message, types.SourcePriceMomentum) {
			found = true
			assert.Contains(t, in.Message, "signal accuracy 100%")
			assert.Contains(t, in.Message, "increasing weight from 0.400→")
		}
	}
	assert.True(t, found)
}

func TestRun_InsufficientHistory(t *testing.T) {
	f := newFixture(t, 0.6)
	for i := 0; i < 4; i++ {
		f.trade(t, true)
	}
	res, err := f.im.Run(context.Background(), f.model.ID, f.now())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Contains(t, res.Reason, "insufficient history")
	assert.False(t, res.Changed())

	live, _ := f.store.GetModel(context.Background(), f.model.ID)
	assert.Equal(t, 1, live.Version)
}

func TestRun_ThresholdStaysBounded(t *testing.T) {
	ctx := context.Background()

	adverse := newFixture(t, 0.85)
	for cycle := 0; cycle < 4; cycle++ {
		for i := 0; i < 5; i++ {
			adverse.trade(t, false)
		}
		res, err := adverse.im.Run(ctx, adverse.model.ID, adverse.now())
		require.NoError(t, err)
		assert.LessOrEqual(t, res.NewThreshold, 0.90)
	}
	live, _ := adverse.store.GetModel(ctx, adverse.model.ID)
	assert.InDelta(t, 0.90, live.Thresholds.BetThreshold, 1e-12)

	favorable := newFixture(t, 0.53)
	for i := 0; i < 20; i++ {
		favorable.trade(t, true)
	}
	for cycle := 0; cycle < 4; cycle++ {
		res, err := favorable.im.Run(ctx, favorable.model.ID, favorable.now())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.NewThreshold, 0.50)
	}
	live, _ = favorable.store.GetModel(ctx, favorable.model.ID)
	assert.InDelta(t, 0.50, live.Thresholds.BetThreshold, 1e-12)
}

func TestMaybeRun_EveryFifthSettlement(t *testing.T) {
	f := newFixture(t, 0.6)
	for i := 0; i < 6; i++ {
		f.trade(t, i%2 == 0)
	}
	res, err := f.im.MaybeRun(context.Background(), f.model.ID, 6, f.now())
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = f.im.MaybeRun(context.Background(), f.model.ID, 5, f.now())
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func TestMaybeRunBatch_CrossingMultiple(t *testing.T) {
	f := newFixture(t, 0.6)
	for i := 0; i < 6; i++ {
		f.trade(t, i%2 == 0)
	}

	assert.True(t, f.im.Due(4, 6))
	assert.True(t, f.im.Due(3, 5))
	assert.True(t, f.im.Due(0, 12))
	assert.False(t, f.im.Due(5, 6))
	assert.False(t, f.im.Due(6, 9))
	assert.False(t, f.im.Due(5, 5))

	res, err := f.im.MaybeRunBatch(context.Background(), f.model.ID, 4, 6, f.now())
	require.NoError(t, err)
	assert.NotNil(t, res)

	res, err = f.im.MaybeRunBatch(context.Background(), f.model.ID, 6, 8, f.now())
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestEvaluateBlackout(t *testing.T) {
	ctx := context.Background()

	t.Run("three losses trip", func(t *testing.T) {
		f := newFixture(t, 0.6)
		f.trade(t, true)
		for i := 0; i < 3; i++ {
			f.trade(t, false)
		}
		note, err := f.im.EvaluateBlackout(ctx, f.model.ID, f.now())
		require.NoError(t, err)
		assert.Contains(t, note, "3 consecutive losses")

		live, _ := f.store.GetModel(ctx, f.model.ID)
		assert.True(t, live.InBlackout(f.now()))
		assert.Equal(t, 3, live.ConsecutiveLosses)

		state, err := f.states.LoadBlackout(ctx)
		require.NoError(t, err)
		entry := state.Models[fmt.Sprint(f.model.ID)]
		assert.Equal(t, 3, entry.ConsecutiveLosses)
		require.NotNil(t, entry.BlackoutUntil)
		assert.Equal(t, f.now().Add(30*time.Minute), *entry.BlackoutUntil)
	})

	t.Run("two losses then a win do not", func(t *testing.T) {
		f := newFixture(t, 0.6)
		f.trade(t, false)
		f.trade(t, false)
		f.trade(t, true)
		note, err := f.im.EvaluateBlackout(ctx, f.model.ID, f.now())
		require.NoError(t, err)
		assert.Empty(t, note)

		live, _ := f.store.GetModel(ctx, f.model.ID)
		assert.Nil(t, live.BlackoutUntil)
		assert.Equal(t, 0, live.ConsecutiveLosses)
	})
}

func TestUpdateGlobalThrottles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0.6)
	now := base.Add(time.Hour)

	require.NoError(t, f.store.AppendPrice(ctx, &types.BTCPrice{Price: 90000, Change1h: -5.5, Timestamp: now.Add(-time.Minute)}))
	require.NoError(t, f.store.AppendSignal(ctx, &types.Signal{ModelID: f.model.ID, Source: types.SourceFearGreed, RawValue: 14, Normalized: -0.7, Timestamp: now.Add(-time.Minute)}))

	g, err := f.im.UpdateGlobalThrottles(ctx, now)
	require.NoError(t, err)
	assert.True(t, g.HighVolatility)
	assert.InDelta(t, 5.5, g.VolatilityPct, 1e-12)
	assert.True(t, g.SkipUpBets)
	assert.False(t, g.SkipDownBets)
	assert.Equal(t, g, f.im.Throttles(ctx))

	require.NoError(t, f.store.AppendSignal(ctx, &types.Signal{ModelID: f.model.ID, Source: types.SourceFearGreed, RawValue: 50, Timestamp: now}))
	g, err = f.im.UpdateGlobalThrottles(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, g.SkipUpBets)
	assert.False(t, g.SkipDownBets)
}

func TestNormalize(t *testing.T) {
	t.Run("random maps keep invariants", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		for i := 0; i < 500; i++ {
			n := 2 + rng.Intn(20)
			w := make(map[string]float64, n)
			for j := 0; j < n; j++ {
				w[fmt.Sprintf("s%d", j)] = 0.02 + rng.Float64()*0.48
			}
			assertWeightInvariants(t, Normalize(w, 0.02, 0.50))
		}
	})

	t.Run("dominant weight is capped", func(t *testing.T) {
		out := Normalize(map[string]float64{"a": 0.5, "b": 0.05, "c": 0.05}, 0.02, 0.50)
		assert.InDelta(t, 0.50, out["a"], 1e-9)
		assert.InDelta(t, 0.25, out["b"], 1e-9)
		assert.InDelta(t, 0.25, out["c"], 1e-9)
	})

	t.Run("disabled sources stay zero", func(t *testing.T) {
		out := Normalize(map[string]float64{"a": 0.3, "b": 0.3, "off": 0}, 0.02, 0.50)
		assert.Zero(t, out["off"])
		assert.InDelta(t, 0.5, out["a"], 1e-9)
	})

	t.Run("single source sums to one", func(t *testing.T) {
		out := Normalize(map[string]float64{"a": 0.3}, 0.02, 0.50)
		assert.InDelta(t, 1.0, out["a"], 1e-12)
		assert.False(t, math.IsNaN(out["a"]))
	})
}
