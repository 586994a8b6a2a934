package patterns

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PATTERN MEMORY - historical edge from settled trades
// ═══════════════════════════════════════════════════════════════════════════════
//
// Buckets (all recomputed from scratch, never incrementally):
//   hourly       - UTC opening hour → win rate, weak if ≥10 samples and <40%
//   btc_momentum - BTC 1h change at open: high_up (>+2%), high_down (<-2%), low
//   odds_ev      - (direction, side probability range) → realized win rate − implied
//   market_vig   - average up+down−1 per market
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	MomentumHighUp   = "high_up"
	MomentumHighDown = "high_down"
	MomentumLow      = "low"

	momentumThresholdPct = 2.0
	priceTolerance       = 30 * time.Minute

	weakMinSamples    = 10
	weakWinRate       = 0.40
	weakPenalty       = 0.15
	weakPenaltyMinN   = 5
	oddsMinSamples    = 5
	oddsEVCap         = 0.3
	extremeVolPct     = 5.0
	elevatedVolPct    = 2.0
	extremeVolPenalty = 0.25
	elevatedPenalty   = 0.10
)

type oddsRange struct {
	lo, hi float64
}

var oddsRanges = []oddsRange{{0.25, 0.35}, {0.35, 0.45}, {0.45, 0.55}}

// Memory computes and caches pattern state
type Memory struct {
	mu     sync.RWMutex
	state  *types.PatternState
	trades storage.TradeRepository
	market storage.MarketRepository
	prices storage.PriceRepository
	states storage.StateStore
}

// NewMemory creates a pattern memory over the given repositories
func NewMemory(trades storage.TradeRepository, market storage.MarketRepository, prices storage.PriceRepository, states storage.StateStore) *Memory {
	return &Memory{
		state:  storage.NewPatternState(),
		trades: trades,
		market: market,
		prices: prices,
		states: states,
	}
}

// Load warms the cache from the state store
func (m *Memory) Load(ctx context.Context) error {
	s, err := m.states.LoadPatterns(ctx)
	if err != nil {
		return fmt.Errorf("load patterns: %w", err)
	}
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	return nil
}

// State returns the cached state
func (m *Memory) State() *types.PatternState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Recompute rebuilds every bucket from trade and snapshot history and persists it.
// A persistence failure is logged; the freshly computed state is still cached and returned.
func (m *Memory) Recompute(ctx context.Context, now time.Time) (*types.PatternState, error) {
	trades, err := m.trades.AllSettled(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settled trades: %w", err)
	}
	snapshots, err := m.market.AllSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}

	state := storage.NewPatternState()
	for _, t := range trades {
		if !t.Decisive() {
			continue
		}
		won := t.Won()

		hourKey := strconv.Itoa(t.OpenedAt.UTC().Hour())
		h := state.Hourly[hourKey]
		h.Total++
		if won {
			h.Wins++
		}
		state.Hourly[hourKey] = h

		bucket, err := m.momentumBucket(ctx, t.OpenedAt)
		if err != nil {
			return nil, err
		}
		mb := state.BTCMomentum[bucket]
		mb.Total++
		if won {
			mb.Wins++
		}
		state.BTCMomentum[bucket] = mb

		if key, mid, ok := OddsBucket(t.Direction, t.SideProbability()); ok {
			ob := state.OddsEV[key]
			ob.Total++
			ob.ImpliedProb = mid
			if won {
				ob.Wins++
			}
			state.OddsEV[key] = ob
		}
	}

	for k, h := range state.Hourly {
		h.WinRate = ratio(h.Wins, h.Total)
		h.IsWeak = h.Total >= weakMinSamples && h.WinRate < weakWinRate
		state.Hourly[k] = h
	}
	for k, mb := range state.BTCMomentum {
		mb.WinRate = ratio(mb.Wins, mb.Total)
		state.BTCMomentum[k] = mb
	}
	for k, ob := range state.OddsEV {
		ob.ActualWinRate = ratio(ob.Wins, ob.Total)
		ob.EV = round6(ob.ActualWinRate - ob.ImpliedProb)
		state.OddsEV[k] = ob
	}

	type vigAcc struct {
		vig, total float64
		n          int
	}
	vig := make(map[string]*vigAcc)
	for _, s := range snapshots {
		acc, ok := vig[s.MarketID]
		if !ok {
			acc = &vigAcc{}
			vig[s.MarketID] = acc
		}
		acc.vig += s.Vig()
		acc.total += s.UpOdds + s.DownOdds
		acc.n++
	}
	for id, acc := range vig {
		state.MarketVig[id] = types.VigStat{
			AvgVig:   round6(acc.vig / float64(acc.n)),
			AvgTotal: round6(acc.total / float64(acc.n)),
			Samples:  acc.n,
		}
	}
	state.UpdatedAt = now

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	if err := m.states.SavePatterns(ctx, state); err != nil {
		log.Warn().Err(err).Msg("Failed to persist pattern memory")
	}

	log.Debug().
		Int("trades", len(trades)).
		Int("hours", len(state.Hourly)).
		Int("odds_buckets", len(state.OddsEV)).
		Int("markets", len(state.MarketVig)).
		Msg("🧠 Pattern memory recomputed")

	return state, nil
}

func (m *Memory) momentumBucket(ctx context.Context, at time.Time) (string, error) {
	p, err := m.prices.NearestPrice(ctx, at, priceTolerance)
	if errors.Is(err, storage.ErrNotFound) {
		return MomentumLow, nil
	}
	if err != nil {
		return "", fmt.Errorf("nearest btc price: %w", err)
	}
	return MomentumBucket(p.Change1h), nil
}

// MomentumBucket classifies a BTC 1h change in percent
func MomentumBucket(change1hPct float64) string {
	switch {
	case change1hPct > momentumThresholdPct:
		return MomentumHighUp
	case change1hPct < -momentumThresholdPct:
		return MomentumHighDown
	}
	return MomentumLow
}

// OddsBucket returns the bucket key and implied midpoint for a side probability
func OddsBucket(d types.Direction, sideProb float64) (string, float64, bool) {
	for _, r := range oddsRanges {
		if sideProb >= r.lo && sideProb < r.hi {
			return fmt.Sprintf("%s_%.2f-%.2f", d, r.lo, r.hi), round6((r.lo + r.hi) / 2), true
		}
	}
	return "", 0, false
}

// MarketEdge scores a prospective trade in [0,1]; 0.5 is neutral.
// currentOdds is the implied probability of the side being bought and
// recentVolatility is the absolute BTC 1h change in percent.
func (m *Memory) MarketEdge(direction types.Direction, currentOdds float64, hourOfDay int, recentVolatility float64) float64 {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()

	edge := 0.5

	if h, ok := state.Hourly[strconv.Itoa(hourOfDay)]; ok && h.Total > 0 {
		edge += h.WinRate - 0.5
		if h.IsWeak && h.Total >= weakPenaltyMinN {
			edge -= weakPenalty
		}
	}

	if key, _, ok := OddsBucket(direction, currentOdds); ok {
		if ob, ok := state.OddsEV[key]; ok && ob.Total >= oddsMinSamples {
			edge += clamp(ob.EV, -oddsEVCap, oddsEVCap)
		}
	}

	vol := math.Abs(recentVolatility)
	switch {
	case vol > extremeVolPct:
		edge -= extremeVolPenalty
	case vol > elevatedVolPct:
		edge -= elevatedPenalty
	}

	return clamp(edge, 0, 1)
}

// MarketVig returns the tracked average vig of a market
func (m *Memory) MarketVig(marketID string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.state.MarketVig[marketID]
	return v.AvgVig, ok
}

func ratio(wins, total int) float64 {
	if total == 0 {
		return 0
	}
	return round6(float64(wins) / float64(total))
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
