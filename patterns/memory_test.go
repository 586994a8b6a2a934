package patterns

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/types"
)

var base = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func settle(t *testing.T, s *storage.MemoryStore, id string, dir types.Direction, entry float64, won bool, opened time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := s.EnsureAccount(ctx, 1, decimal.NewFromInt(1000))
	require.NoError(t, err)
	_, err = s.OpenTrade(ctx, &types.Trade{ID: id, ModelID: 1, MarketID: "btc-5m", Direction: dir,
		AmountUSDC: decimal.NewFromInt(10), EntryOdds: entry, Status: types.TradeOpen, OpenedAt: opened})
	require.NoError(t, err)

	exit := 0.9
	pnl := decimal.NewFromInt(5)
	if (dir == types.DirectionUp) != won {
		exit = 0.1
	}
	if !won {
		pnl = decimal.NewFromInt(-10)
	}
	_, err = s.SettleTrade(ctx, storage.Settlement{TradeID: id, Status: types.TradeClosed, ExitOdds: &exit, PnL: pnl, ClosedAt: opened.Add(5 * time.Minute)})
	require.NoError(t, err)
}

func bucketsJSON(t *testing.T, s *types.PatternState) string {
	t.Helper()
	c := *s
	c.UpdatedAt = time.Time{}
	raw, err := json.Marshal(c)
	require.NoError(t, err)
	return string(raw)
}

func TestRecompute_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	for i := 0; i < 12; i++ {
		dir := types.DirectionUp
		if i%3 == 0 {
			dir = types.DirectionDown
		}
		settle(t, store, fmt.Sprintf("t%02d", i), dir, 0.30+float64(i%3)*0.1, i%2 == 0, base.Add(time.Duration(i)*7*time.Minute))
	}
	require.NoError(t, store.AppendPrice(ctx, &types.BTCPrice{Price: 90000, Change1h: 2.5, Timestamp: base}))
	require.NoError(t, store.AppendSnapshot(ctx, &types.MarketSnapshot{MarketID: "btc-5m", UpOdds: 0.52, DownOdds: 0.51, Timestamp: base}))
	require.NoError(t, store.AppendSnapshot(ctx, &types.MarketSnapshot{MarketID: "btc-5m", UpOdds: 0.49, DownOdds: 0.53, Timestamp: base.Add(time.Minute)}))

	mem := NewMemory(store, store, store, storage.NewMemoryStateStore())
	first, err := mem.Recompute(ctx, base)
	require.NoError(t, err)
	second, err := mem.Recompute(ctx, base.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, bucketsJSON(t, first), bucketsJSON(t, second))
	assert.InDelta(t, 0.025, first.MarketVig["btc-5m"].AvgVig, 1e-9)
	assert.Equal(t, 2, first.MarketVig["btc-5m"].Samples)
}

func TestRecompute_BucketsTrades(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.AppendPrice(ctx, &types.BTCPrice{Price: 90000, Change1h: -3.1, Timestamp: base}))

	// ten trades in hour 14, three wins → weak hour
	for i := 0; i < 10; i++ {
		settle(t, store, fmt.Sprintf("w%d", i), types.DirectionUp, 0.40, i < 3, base.Add(time.Duration(i)*time.Minute))
	}
	// a push never counts
	_, _ = store.OpenTrade(ctx, &types.Trade{ID: "push", ModelID: 1, Direction: types.DirectionUp, AmountUSDC: decimal.NewFromInt(1), EntryOdds: 0.4, Status: types.TradeOpen, OpenedAt: base})
	_, err := store.SettleTrade(ctx, storage.Settlement{TradeID: "push", Status: types.TradeExpired, PnL: decimal.Zero, ClosedAt: base.Add(time.Hour)})
	require.NoError(t, err)

	mem := NewMemory(store, store, store, storage.NewMemoryStateStore())
	state, err := mem.Recompute(ctx, base)
	require.NoError(t, err)

	h := state.Hourly["14"]
	assert.Equal(t, 10, h.Total)
	assert.Equal(t, 3, h.Wins)
	assert.True(t, h.IsWeak)

	assert.Equal(t, 10, state.BTCMomentum[MomentumHighDown].Total)

	ob := state.OddsEV["up_0.35-0.45"]
	assert.Equal(t, 10, ob.Total)
	assert.InDelta(t, 0.40, ob.ImpliedProb, 1e-9)
	assert.InDelta(t, -0.10, ob.EV, 1e-9)
}

func TestMarketEdge(t *testing.T) {
	mem := NewMemory(nil, nil, nil, storage.NewMemoryStateStore())
	mem.state = storage.NewPatternState()
	mem.state.Hourly["14"] = types.HourStat{Wins: 3, Total: 10, WinRate: 0.3, IsWeak: true}
	mem.state.Hourly["9"] = types.HourStat{Wins: 6, Total: 10, WinRate: 0.6}
	mem.state.OddsEV["up_0.35-0.45"] = types.OddsStat{Total: 8, EV: 0.5}
	mem.state.OddsEV["down_0.45-0.55"] = types.OddsStat{Total: 4, EV: 0.2}

	tests := []struct {
		name string
		dir  types.Direction
		odds float64
		hour int
		vol  float64
		want float64
	}{
		{"neutral with no history", types.DirectionUp, 0.60, 3, 0, 0.5},
		{"weak hour penalised", types.DirectionUp, 0.60, 14, 0, 0.15},
		{"strong hour plus capped odds ev", types.DirectionUp, 0.40, 9, 0, 0.9},
		{"odds bucket below sample floor ignored", types.DirectionDown, 0.50, 9, 0, 0.6},
		{"elevated volatility", types.DirectionUp, 0.60, 9, 2.5, 0.5},
		{"extreme volatility", types.DirectionUp, 0.60, 9, -6, 0.35},
		{"clamped at zero", types.DirectionUp, 0.60, 14, 7, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, mem.MarketEdge(tt.dir, tt.odds, tt.hour, tt.vol), 1e-9)
		})
	}
}

func TestMomentumBucket(t *testing.T) {
	assert.Equal(t, MomentumHighUp, MomentumBucket(2.01))
	assert.Equal(t, MomentumHighDown, MomentumBucket(-2.01))
	assert.Equal(t, MomentumLow, MomentumBucket(2.0))
}
