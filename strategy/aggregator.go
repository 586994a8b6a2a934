package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/creasty/defaults"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polylearn/oracle"
	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL AGGREGATOR - weighted score → direction, confidence, action
// ═══════════════════════════════════════════════════════════════════════════════
//
// score      = Σ(normalized·weight) / Σ(weight used), clamped to [-1,1]
// direction  = up > +0.1, down < -0.1, else hold
// confidence = high |s| > 0.7, medium |s| > 0.4, else low
// action     = bet when |s| > bet_threshold with a side and non-low confidence,
//              alert when high confidence did not bet, else skip
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config tunes freshness, the oracle gate and the volatility dampener
type Config struct {
	ShortTermWindow      time.Duration `default:"30m"`
	LongTermWindow       time.Duration `default:"120m"`
	PreScoreGate         float64       `default:"0.25"`
	OracleTimeout        time.Duration `default:"8s"`
	VolatilityMultiplier float64       `default:"0.7"`
}

// DefaultConfig returns the tag defaults
func DefaultConfig() Config {
	var c Config
	if err := defaults.Set(&c); err != nil {
		log.Error().Err(err).Msg("Aggregator defaults")
	}
	return c
}

var shortTermSources = map[string]bool{
	types.SourcePriceMomentum: true,
	types.SourceFearGreed:     true,
	types.SourceVolume:        true,
}

// Aggregator combines the latest signals of a model into a decision
type Aggregator struct {
	cfg     Config
	signals storage.SignalRepository
	runs    storage.DecisionRepository
	oracle  oracle.Oracle
}

// NewAggregator creates an aggregator. A nil oracle disables the pre-score gate.
func NewAggregator(cfg Config, signals storage.SignalRepository, runs storage.DecisionRepository, o oracle.Oracle) *Aggregator {
	if o == nil {
		o = oracle.Noop{}
	}
	return &Aggregator{cfg: cfg, signals: signals, runs: runs, oracle: o}
}

// Window returns the freshness window of a source
func (a *Aggregator) Window(source string) time.Duration {
	if shortTermSources[source] {
		return a.cfg.ShortTermWindow
	}
	return a.cfg.LongTermWindow
}

// Score computes the weighted score over fresh, weighted signals.
// It returns 0 and no sources when nothing contributes.
func (a *Aggregator) Score(weights map[string]float64, latest map[string]types.Signal, now time.Time) (float64, []string) {
	var sum, used float64
	var sources []string
	for source, w := range weights {
		if w <= 0 {
			continue
		}
		sig, ok := latest[source]
		if !ok || sig.Timestamp.After(now) || now.Sub(sig.Timestamp) > a.Window(source) {
			continue
		}
		sum += sig.Normalized * w
		used += w
		sources = append(sources, source)
	}
	if used == 0 {
		return 0, nil
	}
	sort.Strings(sources)
	return math.Max(-1, math.Min(1, sum/used)), sources
}

// DirectionOf maps a score to a side
func DirectionOf(score float64) types.Direction {
	switch {
	case score > 0.1:
		return types.DirectionUp
	case score < -0.1:
		return types.DirectionDown
	}
	return types.DirectionHold
}

// ConfidenceOf maps a score to a confidence tier
func ConfidenceOf(score float64) types.Confidence {
	abs := math.Abs(score)
	switch {
	case abs > 0.7:
		return types.ConfidenceHigh
	case abs > 0.4:
		return types.ConfidenceMedium
	}
	return types.ConfidenceLow
}

// ActionOf picks the action for a tiered score
func ActionOf(score, betThreshold float64, dir types.Direction, conf types.Confidence) types.Action {
	if math.Abs(score) > betThreshold && conf != types.ConfidenceLow && dir != types.DirectionHold {
		return types.ActionBet
	}
	if conf == types.ConfidenceHigh {
		return types.ActionAlert
	}
	return types.ActionSkip
}

// Aggregate produces the decision for one model and market and records the run
func (a *Aggregator) Aggregate(ctx context.Context, in Input) (*Decision, error) {
	latest, err := a.signals.LatestSignals(ctx, in.Model.ID, in.Now)
	if err != nil {
		return nil, fmt.Errorf("latest signals: %w", err)
	}

	score, sources := a.Score(in.Model.SignalWeights, latest, in.Now)
	if in.Global.HighVolatility {
		score *= a.cfg.VolatilityMultiplier
	}

	d := &Decision{
		Score:        score,
		Direction:    DirectionOf(score),
		Confidence:   ConfidenceOf(score),
		SourcesUsed:  sources,
		Signals:      make(map[string]float64, len(sources)),
		OracleStatus: OracleSkipped,
	}
	for _, s := range sources {
		d.Signals[s] = latest[s].Normalized
	}
	d.Action = ActionOf(score, in.Model.Thresholds.BetThreshold, d.Direction, d.Confidence)
	d.Reason = fmt.Sprintf("score %.3f from %d sources (threshold %.2f)", score, len(sources), in.Model.Thresholds.BetThreshold)
	if len(sources) == 0 {
		d.Reason = "no fresh weighted signals"
	}

	if math.Abs(score) >= a.cfg.PreScoreGate && in.Market != nil {
		a.consult(ctx, in, d)
	}

	a.record(ctx, in, d)

	log.Debug().
		Uint("model", in.Model.ID).
		Float64("score", score).
		Str("direction", string(d.Direction)).
		Str("confidence", string(d.Confidence)).
		Str("action", string(d.Action)).
		Str("oracle", d.OracleStatus).
		Msg("Aggregated")

	return d, nil
}

func (a *Aggregator) consult(ctx context.Context, in Input, d *Decision) {
	if _, ok := a.oracle.(oracle.Noop); ok {
		d.OracleStatus = OracleDisabled
		return
	}

	octx, cancel := context.WithTimeout(ctx, a.cfg.OracleTimeout)
	defer cancel()

	brief := oracle.Brief{
		ModelID:       in.Model.ID,
		ModelName:     in.Model.Name,
		Weights:       in.Model.CopyWeights(),
		Signals:       d.Signals,
		MarketID:      in.Market.MarketID,
		MarketName:    in.Market.MarketName,
		UpOdds:        in.Market.UpOdds,
		DownOdds:      in.Market.DownOdds,
		TimeRemaining: in.Market.TimeRemaining,
		Score:         d.Score,
		Direction:     d.Direction,
		RecentTrades:  in.RecentTrades,
		RecentWinRate: in.RecentWinRate,
		Balance:       in.Balance,
	}

	res, err := a.oracle.Decide(octx, brief)
	if err != nil {
		d.OracleStatus = OracleError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(octx.Err(), context.DeadlineExceeded) {
			d.OracleStatus = OracleTimeout
		}
		d.Reason += fmt.Sprintf("; oracle %s: %v", d.OracleStatus, err)
		log.Warn().Err(err).Uint("model", in.Model.ID).Str("oracle", a.oracle.Name()).Msg("Oracle unavailable, keeping aggregate decision")
		return
	}

	if res.Conviction() == types.ConfidenceLow {
		d.OracleStatus = OracleLowConfidence
		d.Reason += "; oracle low confidence ignored"
		return
	}

	switch r := res.(type) {
	case oracle.Bet:
		d.OracleStatus = OracleBet
		d.Direction = r.Direction
		d.Confidence = r.Confidence
		d.Action = types.ActionBet
		d.OracleAmount = r.Amount
		d.Reason = fmt.Sprintf("oracle %s %s: %s", r.Confidence, r.Direction, r.Reasoning)
	case oracle.Hold:
		d.OracleStatus = OracleHold
		if d.Action == types.ActionBet {
			d.OracleStatus = OracleVeto
			d.Action = types.ActionSkip
			d.Reason = fmt.Sprintf("oracle veto (%s): %s", r.Confidence, r.Reasoning)
		}
	}
}

func (a *Aggregator) record(ctx context.Context, in Input, d *Decision) {
	if a.runs == nil {
		return
	}
	run := &types.DecisionRun{
		ModelID:      in.Model.ID,
		Score:        d.Score,
		Direction:    d.Direction,
		Confidence:   d.Confidence,
		SourcesUsed:  d.SourcesUsed,
		Action:       d.Action,
		OracleStatus: d.OracleStatus,
		Reason:       d.Reason,
		CreatedAt:    in.Now,
	}
	if in.Market != nil {
		run.MarketID = in.Market.MarketID
	}
	if err := a.runs.RecordRun(ctx, run); err != nil {
		log.Warn().Err(err).Uint("model", in.Model.ID).Msg("Failed to record decision run")
	}
}

// ZeroAmount reports whether the oracle left sizing to the Kelly sizer
func (d *Decision) ZeroAmount() bool {
	return d.OracleAmount.LessThanOrEqual(decimal.Zero)
}
