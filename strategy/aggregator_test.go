package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polylearn/oracle"
	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/types"
)

var now = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

type mockOracle struct{ mock.Mock }

func (m *mockOracle) Decide(ctx context.Context, b oracle.Brief) (oracle.Decision, error) {
	args := m.Called(ctx, b)
	d, _ := args.Get(0).(oracle.Decision)
	return d, args.Error(1)
}

func (m *mockOracle) Name() string { return "mock" }

func newModel() *types.Model {
	return &types.Model{
		ID:   1,
		Name: "alpha",
		SignalWeights: map[string]float64{
			types.SourcePriceMomentum: 0.5,
			types.SourceFearGreed:     0.3,
			types.SourceNewsSentiment: 0.2,
			types.SourceVolume:        0,
		},
		Thresholds: types.Thresholds{BetThreshold: 0.5, MaxBet: decimal.NewFromInt(20)},
	}
}

func seed(t *testing.T, s *storage.MemoryStore, source string, v float64, age time.Duration) {
	t.Helper()
	require.NoError(t, s.AppendSignal(context.Background(), &types.Signal{ModelID: 1, Source: source, Normalized: v, Timestamp: now.Add(-age)}))
}

func market() *types.MarketSnapshot {
	return &types.MarketSnapshot{MarketID: "btc-5m", UpOdds: 0.45, DownOdds: 0.57, TimeRemaining: 240, Timestamp: now}
}

func TestScore_FreshnessAndWeights(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, types.SourcePriceMomentum, 0.8, 10*time.Minute)
	seed(t, store, types.SourceFearGreed, 0.9, 31*time.Minute)     // stale short-term
	seed(t, store, types.SourceNewsSentiment, 0.4, 100*time.Minute) // fresh long-term
	seed(t, store, types.SourceVolume, -1, time.Minute)             // zero weight

	a := NewAggregator(DefaultConfig(), store, store, nil)
	latest, err := store.LatestSignals(context.Background(), 1, now)
	require.NoError(t, err)

	score, sources := a.Score(newModel().SignalWeights, latest, now)
	assert.InDelta(t, (0.8*0.5+0.4*0.2)/0.7, score, 1e-9)
	assert.Equal(t, []string{types.SourceNewsSentiment, types.SourcePriceMomentum}, sources)
}

func TestScore_NoSignals(t *testing.T) {
	a := NewAggregator(DefaultConfig(), nil, nil, nil)
	score, sources := a.Score(newModel().SignalWeights, nil, now)
	assert.Zero(t, score)
	assert.Empty(t, sources)
}

func TestTiers(t *testing.T) {
	assert.Equal(t, types.DirectionUp, DirectionOf(0.11))
	assert.Equal(t, types.DirectionHold, DirectionOf(0.1))
	assert.Equal(t, types.DirectionDown, DirectionOf(-0.11))

	assert.Equal(t, types.ConfidenceHigh, ConfidenceOf(-0.71))
	assert.Equal(t, types.ConfidenceMedium, ConfidenceOf(0.7))
	assert.Equal(t, types.ConfidenceLow, ConfidenceOf(0.4))

	assert.Equal(t, types.ActionBet, ActionOf(0.6, 0.5, types.DirectionUp, types.ConfidenceMedium))
	assert.Equal(t, types.ActionSkip, ActionOf(0.5, 0.5, types.DirectionUp, types.ConfidenceMedium))
	assert.Equal(t, types.ActionAlert, ActionOf(0.8, 0.9, types.DirectionUp, types.ConfidenceHigh))
	assert.Equal(t, types.ActionSkip, ActionOf(0.3, 0.5, types.DirectionUp, types.ConfidenceLow))
}

func TestAggregate(t *testing.T) {
	ctx := context.Background()

	t.Run("bet without oracle records run", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seed(t, store, types.SourcePriceMomentum, 0.6, time.Minute)
		seed(t, store, types.SourceFearGreed, 0.6, time.Minute)

		d, err := NewAggregator(DefaultConfig(), store, store, nil).Aggregate(ctx, Input{Model: newModel(), Market: market(), Now: now})
		require.NoError(t, err)
		assert.InDelta(t, 0.6, d.Score, 1e-9)
		assert.Equal(t, types.ActionBet, d.Action)
		assert.Equal(t, OracleDisabled, d.OracleStatus)

		runs := store.Runs(1)
		require.Len(t, runs, 1)
		assert.Equal(t, "btc-5m", runs[0].MarketID)
		assert.Equal(t, types.ActionBet, runs[0].Action)
	})

	t.Run("volatility throttle dampens score", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seed(t, store, types.SourcePriceMomentum, 0.6, time.Minute)

		d, err := NewAggregator(DefaultConfig(), store, store, nil).Aggregate(ctx, Input{
			Model: newModel(), Market: market(), Now: now, Global: types.GlobalThrottle{HighVolatility: true},
		})
		require.NoError(t, err)
		assert.InDelta(t, 0.42, d.Score, 1e-9)
		assert.Equal(t, types.ConfidenceMedium, d.Confidence)
		assert.Equal(t, types.ActionSkip, d.Action)
	})

	t.Run("oracle bet overrides", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seed(t, store, types.SourcePriceMomentum, 0.3, time.Minute)

		o := &mockOracle{}
		o.On("Decide", mock.Anything, mock.MatchedBy(func(b oracle.Brief) bool { return b.MarketID == "btc-5m" })).
			Return(oracle.Bet{Direction: types.DirectionDown, Confidence: types.ConfidenceMedium, Amount: decimal.NewFromInt(7), Reasoning: "fade"}, nil)

		d, err := NewAggregator(DefaultConfig(), store, store, o).Aggregate(ctx, Input{Model: newModel(), Market: market(), Now: now})
		require.NoError(t, err)
		assert.Equal(t, types.ActionBet, d.Action)
		assert.Equal(t, types.DirectionDown, d.Direction)
		assert.Equal(t, OracleBet, d.OracleStatus)
		assert.True(t, d.OracleAmount.Equal(decimal.NewFromInt(7)))
		o.AssertExpectations(t)
	})

	t.Run("oracle hold vetoes", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seed(t, store, types.SourcePriceMomentum, 0.8, time.Minute)

		o := &mockOracle{}
		o.On("Decide", mock.Anything, mock.Anything).Return(oracle.Hold{Confidence: types.ConfidenceHigh, Reasoning: "news risk"}, nil)

		d, err := NewAggregator(DefaultConfig(), store, store, o).Aggregate(ctx, Input{Model: newModel(), Market: market(), Now: now})
		require.NoError(t, err)
		assert.Equal(t, types.ActionSkip, d.Action)
		assert.Equal(t, OracleVeto, d.OracleStatus)
	})

	t.Run("oracle failure keeps aggregate decision", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seed(t, store, types.SourcePriceMomentum, 0.8, time.Minute)

		o := &mockOracle{}
		o.On("Decide", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

		d, err := NewAggregator(DefaultConfig(), store, store, o).Aggregate(ctx, Input{Model: newModel(), Market: market(), Now: now})
		require.NoError(t, err)
		assert.Equal(t, types.ActionBet, d.Action)
		assert.Equal(t, types.DirectionUp, d.Direction)
		assert.Equal(t, OracleError, d.OracleStatus)
		assert.Contains(t, d.Reason, "connection refused")
	})

	t.Run("oracle low confidence ignored", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seed(t, store, types.SourcePriceMomentum, 0.3, time.Minute)

		o := &mockOracle{}
		o.On("Decide", mock.Anything, mock.Anything).Return(oracle.Bet{Direction: types.DirectionUp, Confidence: types.ConfidenceLow, Reasoning: "meh"}, nil)

		d, err := NewAggregator(DefaultConfig(), store, store, o).Aggregate(ctx, Input{Model: newModel(), Market: market(), Now: now})
		require.NoError(t, err)
		assert.Equal(t, types.ActionSkip, d.Action)
		assert.Equal(t, OracleLowConfidence, d.OracleStatus)
	})

	t.Run("below pre-score gate skips oracle", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seed(t, store, types.SourcePriceMomentum, 0.2, time.Minute)

		o := &mockOracle{}
		d, err := NewAggregator(DefaultConfig(), store, store, o).Aggregate(ctx, Input{Model: newModel(), Market: market(), Now: now})
		require.NoError(t, err)
		assert.Equal(t, OracleSkipped, d.OracleStatus)
		o.AssertNotCalled(t, "Decide", mock.Anything, mock.Anything)
	})
}
