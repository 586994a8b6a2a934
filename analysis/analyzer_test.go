package analysis

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/types"
)

var opened = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func trade(dir types.Direction, entry float64, pnl float64) *types.Trade {
	exit := 0.9
	closed := opened.Add(5 * time.Minute)
	return &types.Trade{
		ID: "t1", ModelID: 1, MarketID: "btc-5m", Direction: dir,
		AmountUSDC: decimal.NewFromInt(10), EntryOdds: entry, ExitOdds: &exit,
		Status: types.TradeClosed, PnL: decimal.NewFromFloat(pnl), OpenedAt: opened, ClosedAt: &closed,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		trade *types.Trade
		move  float64
		align float64
		want  types.Verdict
	}{
		{"clear profit", trade(types.DirectionUp, 0.5, 10), 0, 0, types.VerdictGoodTrade},
		{"thin win", trade(types.DirectionUp, 0.95, 0.5), 0, 0, types.VerdictSignalFailure},
		{"thin win with aligned signals", trade(types.DirectionUp, 0.95, 0.5), 0, 0.4, types.VerdictSignalFailure},
		{"thin win at longshot odds", trade(types.DirectionUp, 0.25, 1), -3, 0.4, types.VerdictSignalFailure},
		{"longshot up loss", trade(types.DirectionUp, 0.25, -10), -5, 1, types.VerdictBadEdge},
		{"longshot down loss", trade(types.DirectionDown, 0.75, -10), 5, 1, types.VerdictBadEdge},
		{"reversal against up", trade(types.DirectionUp, 0.5, -10), -2.5, 1, types.VerdictMarketReversal},
		{"reversal against down", trade(types.DirectionDown, 0.5, -10), 2.5, 1, types.VerdictMarketReversal},
		{"move with position is not reversal", trade(types.DirectionUp, 0.5, -10), 2.5, 0.3, types.VerdictTiming},
		{"signals disagreed", trade(types.DirectionUp, 0.5, -10), 0, -0.2, types.VerdictSignalFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.trade, tt.move, tt.align))
		})
	}
}

func TestAnalyze(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.AppendSignal(ctx, &types.Signal{ModelID: 1, Source: types.SourcePriceMomentum, Normalized: 0.6, Timestamp: opened.Add(-time.Minute)}))
	require.NoError(t, store.AppendSignal(ctx, &types.Signal{ModelID: 1, Source: types.SourceFearGreed, Normalized: -0.2, Timestamp: opened.Add(-time.Minute)}))
	// after open, must be ignored
	require.NoError(t, store.AppendSignal(ctx, &types.Signal{ModelID: 1, Source: types.SourceFearGreed, Normalized: 0.9, Timestamp: opened.Add(time.Minute)}))
	require.NoError(t, store.AppendPrice(ctx, &types.BTCPrice{Price: 100000, Change1h: 0.4, Timestamp: opened}))
	require.NoError(t, store.AppendPrice(ctx, &types.BTCPrice{Price: 97000, Change1h: -3, Timestamp: opened.Add(5 * time.Minute)}))
	require.NoError(t, store.AppendSnapshot(ctx, &types.MarketSnapshot{MarketID: "btc-5m", UpOdds: 0.5, DownOdds: 0.52, Volume: 1200, TimeRemaining: 280, Timestamp: opened}))

	a := NewAnalyzer(store)
	tr := trade(types.DirectionUp, 0.5, -10)

	ta, err := a.Analyze(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, types.VerdictMarketReversal, ta.Verdict)
	assert.InDelta(t, -0.6, ta.SignalContributions[types.SourcePriceMomentum], 1e-12)
	assert.InDelta(t, 0.2, ta.SignalContributions[types.SourceFearGreed], 1e-12)
	assert.InDelta(t, -0.03, ta.AdjustmentSuggestions[types.SourcePriceMomentum], 1e-12)
	assert.InDelta(t, -3.0, ta.MarketConditions["btc_move_pct"], 1e-9)
	assert.InDelta(t, 0.02, ta.MarketConditions["vig"], 1e-9)

	// a second analysis is a no-op returning the stored verdict
	changed := *tr
	changed.PnL = decimal.NewFromInt(10)
	again, err := a.Analyze(ctx, &changed)
	require.NoError(t, err)
	assert.Equal(t, ta.ID, again.ID)
	assert.Equal(t, types.VerdictMarketReversal, again.Verdict)
}

func TestAnalyze_SkipsPush(t *testing.T) {
	tr := trade(types.DirectionUp, 0.5, 0)
	tr.ExitOdds = nil
	tr.Status = types.TradeExpired
	_, err := NewAnalyzer(storage.NewMemoryStore()).Analyze(context.Background(), tr)
	assert.ErrorIs(t, err, ErrNotDecisive)
}
