package learning

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/creasty/defaults"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polylearn/analysis"
	"github.com/web3guy0/polylearn/risk"
	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SELF-IMPROVER - learns signal weights and bet thresholds from outcomes
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each cycle over the last 20 decisive trades:
//   lr       = max(0.05, 0.3 / (1 + tradeCount/50))
//   accuracy = share of trades where the source's alignment matched the outcome
//   delta    = (accuracy − 0.5)·lr·0.1, capped ±0.15, weight clamped [0.02, 0.50]
//   weights renormalized to sum to 1 inside the same bounds
//
// bet_threshold: +0.03 when win rate < 45%, −0.02 when > 65% over 20 trades,
// clamped to [0.50, 0.90].
//
// ═══════════════════════════════════════════════════════════════════════════════

// Insight kinds appended to the rationale log
const (
	InsightWeight    = "weight"
	InsightThreshold = "threshold"
	InsightBlackout  = "blackout"
)

// Config holds the learning parameters
type Config struct {
	Window           int     `default:"20"`
	MinTrades        int     `default:"5"`
	MinSourceSamples int     `default:"3"`
	Every            int     `default:"5"`
	MinWeight        float64 `default:"0.02"`
	MaxWeight        float64 `default:"0.50"`
	MaxDelta         float64 `default:"0.15"`
	LowWinRate       float64 `default:"0.45"`
	HighWinRate      float64 `default:"0.65"`
	HighWinRateMin   int     `default:"20"`
	RaiseStep        float64 `default:"0.03"`
	LowerStep        float64 `default:"0.02"`
	MinThreshold     float64 `default:"0.50"`
	MaxThreshold     float64 `default:"0.90"`
}

// DefaultConfig returns the tag defaults
func DefaultConfig() Config {
	var c Config
	if err := defaults.Set(&c); err != nil {
		log.Error().Err(err).Msg("Learning defaults")
	}
	return c
}

// Store is the persistence the improver needs
type Store interface {
	storage.ModelRepository
	storage.TradeRepository
	storage.InsightRepository
	storage.SignalRepository
	storage.PriceRepository
}

// Attributor scores each signal source against a trade's outcome
type Attributor interface {
	Contributions(ctx context.Context, t *types.Trade) (*analysis.Attribution, error)
}

// VersionRecorder appends an immutable snapshot of a mutated model
type VersionRecorder interface {
	Record(ctx context.Context, m *types.Model, reason string, now time.Time) (*types.Version, error)
}

// Improver runs learning cycles, the loss blackout and the global throttles
type Improver struct {
	cfg      Config
	store    Store
	attr     Attributor
	versions VersionRecorder
	states   storage.StateStore
	blackout risk.BlackoutPolicy
	throttle risk.ThrottlePolicy

	locks   sync.Map // model id → *sync.Mutex
	stateMu sync.Mutex
}

// NewImprover creates an improver
func NewImprover(cfg Config, store Store, attr Attributor, versions VersionRecorder, states storage.StateStore) *Improver {
	return &Improver{
		cfg:      cfg,
		store:    store,
		attr:     attr,
		versions: versions,
		states:   states,
		blackout: risk.DefaultBlackoutPolicy(),
		throttle: risk.DefaultThrottlePolicy(),
	}
}

// Result summarises one learning cycle
type Result struct {
	ModelID      uint
	Skipped      bool
	Reason       string
	Trades       int
	WinRate      float64
	LearningRate float64
	OldWeights   map[string]float64
	NewWeights   map[string]float64
	OldThreshold float64
	NewThreshold float64
	Rationale    []string
	Mutated      bool
	Version      *types.Version
}

// Changed reports whether the cycle mutated the model
func (r *Result) Changed() bool {
	return r != nil && r.Mutated
}

type sourceStat struct {
	hits, samples int
}

// LearningRate decays with total settled trades
func LearningRate(tradeCount int) float64 {
	return math.Max(0.05, 0.3/(1+float64(tradeCount)/50))
}

// MaybeRun runs a cycle on every configured settlement multiple
func (im *Improver) MaybeRun(ctx context.Context, modelID uint, settledCount int, now time.Time) (*Result, error) {
	return im.MaybeRunBatch(ctx, modelID, settledCount-1, settledCount, now)
}

// Due reports whether moving from before to after settlements crossed a
// multiple of Every
func (im *Improver) Due(before, after int) bool {
	if before < 0 {
		before = 0
	}
	return after > before && after/im.cfg.Every > before/im.cfg.Every
}

// MaybeRunBatch runs at most one cycle for a batch of settlements that moved
// the model's settled count from before to after
func (im *Improver) MaybeRunBatch(ctx context.Context, modelID uint, before, after int, now time.Time) (*Result, error) {
	if !im.Due(before, after) {
		return nil, nil
	}
	return im.Run(ctx, modelID, now)
}

func (im *Improver) lock(modelID uint) *sync.Mutex {
	mu, _ := im.locks.LoadOrStore(modelID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Run executes one learning cycle for a model. A cycle already in progress for
// the same model makes this call a skip.
func (im *Improver) Run(ctx context.Context, modelID uint, now time.Time) (*Result, error) {
	mu := im.lock(modelID)
	if !mu.TryLock() {
		return &Result{ModelID: modelID, Skipped: true, Reason: "learning cycle already running"}, nil
	}
	defer mu.Unlock()

	recent, err := im.store.RecentSettled(ctx, modelID, im.cfg.Window*4)
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	window := make([]types.Trade, 0, im.cfg.Window)
	for _, t := range recent {
		if t.Decisive() {
			window = append(window, t)
			if len(window) == im.cfg.Window {
				break
			}
		}
	}

	res := &Result{ModelID: modelID, Trades: len(window)}
	if len(window) < im.cfg.MinTrades {
		res.Skipped = true
		res.Reason = fmt.Sprintf("insufficient history: %d decisive trades in window, need %d", len(window), im.cfg.MinTrades)
		log.Debug().Uint("model", modelID).Str("reason", res.Reason).Msg("Learning skipped")
		return res, nil
	}

	total, err := im.store.CountSettled(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("count settled: %w", err)
	}
	res.LearningRate = LearningRate(total)

	wins := 0
	stats := make(map[string]*sourceStat)
	for i := range window {
		t := &window[i]
		if t.Won() {
			wins++
		}
		att, err := im.attr.Contributions(ctx, t)
		if err != nil {
			log.Warn().Err(err).Str("trade", t.ID).Msg("Attribution unavailable, trade ignored for accuracy")
			continue
		}
		for source, c := range att.Contributions {
			st, ok := stats[source]
			if !ok {
				st = &sourceStat{}
				stats[source] = st
			}
			st.samples++
			if c > 0 {
				st.hits++
			}
		}
	}
	res.WinRate = float64(wins) / float64(len(window))

	changed := false
	updated, err := im.store.MutateModel(ctx, modelID, func(m *types.Model) error {
		res.OldWeights = m.CopyWeights()
		res.OldThreshold = m.Thresholds.BetThreshold

		weights, rationale := im.adjustWeights(m.CopyWeights(), stats, res.LearningRate)
		threshold, note := im.adjustThreshold(m.Thresholds.BetThreshold, res.WinRate, len(window))
		if note != "" {
			rationale = append(rationale, note)
		}

		res.NewWeights = weights
		res.NewThreshold = threshold
		res.Rationale = rationale

		if !weightsDiffer(res.OldWeights, weights) && threshold == res.OldThreshold {
			return nil
		}
		m.SignalWeights = weights
		m.Thresholds.BetThreshold = threshold
		m.Version++
		changed = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mutate model: %w", err)
	}

	for _, line := range res.Rationale {
		kind := InsightWeight
		if strings.HasPrefix(line, "bet threshold") {
			kind = InsightThreshold
		}
		im.appendInsight(ctx, modelID, kind, line, now)
	}

	res.Mutated = changed
	if changed {
		reason := fmt.Sprintf("learning cycle: %d trades, win rate %.0f%%, lr %.3f", len(window), res.WinRate*100, res.LearningRate)
		if im.versions != nil {
			v, err := im.versions.Record(ctx, updated, reason, now)
			if err != nil {
				log.Warn().Err(err).Uint("model", modelID).Msg("Failed to record version")
			}
			res.Version = v
		}
	} else {
		res.Reason = "no adjustment warranted"
	}

	log.Info().
		Uint("model", modelID).
		Int("trades", len(window)).
		Float64("win_rate", res.WinRate).
		Float64("lr", res.LearningRate).
		Float64("threshold", res.NewThreshold).
		Int("version", updated.Version).
		Msg("🧠 Learning cycle complete")

	return res, nil
}

func (im *Improver) adjustWeights(weights map[string]float64, stats map[string]*sourceStat, lr float64) (map[string]float64, []string) {
	old := make(map[string]float64, len(weights))
	for k, v := range weights {
		old[k] = v
	}

	var touched []string
	for source, st := range stats {
		w, ok := weights[source]
		if !ok || w <= 0 || st.samples < im.cfg.MinSourceSamples {
			continue
		}
		accuracy := float64(st.hits) / float64(st.samples)
		delta := clamp((accuracy-0.5)*lr*0.1, -im.cfg.MaxDelta, im.cfg.MaxDelta)
		weights[source] = clamp(w+delta, im.cfg.MinWeight, im.cfg.MaxWeight)
		touched = append(touched, source)
	}

	normalized := Normalize(weights, im.cfg.MinWeight, im.cfg.MaxWeight)

	sort.Strings(touched)
	rationale := make([]string, 0, len(touched))
	for _, source := range touched {
		st := stats[source]
		accuracy := float64(st.hits) / float64(st.samples)
		verb := "holding"
		switch {
		case normalized[source] > old[source]+1e-9:
			verb = "increasing"
		case normalized[source] < old[source]-1e-9:
			verb = "decreasing"
		}
		rationale = append(rationale, fmt.Sprintf("%s signal accuracy %.0f%% — %s weight from %.3f→%.3f",
			source, accuracy*100, verb, old[source], normalized[source]))
	}
	return normalized, rationale
}

func (im *Improver) adjustThreshold(current, winRate float64, n int) (float64, string) {
	next := current
	switch {
	case n >= im.cfg.MinTrades && winRate < im.cfg.LowWinRate:
		next = current + im.cfg.RaiseStep
	case n >= im.cfg.HighWinRateMin && winRate > im.cfg.HighWinRate:
		next = current - im.cfg.LowerStep
	}
	next = math.Round(clamp(next, im.cfg.MinThreshold, im.cfg.MaxThreshold)*1e6) / 1e6
	if next == current {
		return current, ""
	}
	verb := "raising"
	if next < current {
		verb = "lowering"
	}
	return next, fmt.Sprintf("bet threshold: win rate %.0f%% over %d trades — %s from %.2f→%.2f",
		winRate*100, n, verb, current, next)
}

func (im *Improver) appendInsight(ctx context.Context, modelID uint, kind, msg string, now time.Time) {
	err := im.store.AppendInsight(ctx, &types.Insight{ModelID: modelID, Kind: kind, Message: msg, CreatedAt: now})
	if err != nil {
		log.Warn().Err(err).Uint("model", modelID).Msg("Failed to append insight")
	}
}

func weightsDiffer(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return true
	}
	for k, v := range a {
		if math.Abs(b[k]-v) > 1e-12 {
			return true
		}
	}
	return false
}
