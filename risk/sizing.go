package risk

import (
	"math"

	"github.com/creasty/defaults"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polylearn/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION SIZING - quarter-Kelly on binary odds
// ═══════════════════════════════════════════════════════════════════════════════
//
//   b  = 1/entryOdds − 1          net payoff per $1 staked
//   f* = (p·b − q) / b            full Kelly fraction
//   bet = clamp(bankroll·f*·¼, MinBet, maxBet), never above bankroll
//
// f* ≤ 0 means no edge and sizes to zero.
//
// ═══════════════════════════════════════════════════════════════════════════════

// SizerConfig holds the sizing and skip-gate limits
type SizerConfig struct {
	MinBet          float64 `default:"1" validate:"gt=0"`
	MinBalance      float64 `default:"5" validate:"gte=0"`
	MinEdge         float64 `default:"0.40" validate:"gte=0,lte=1"`
	KellyMultiplier float64 `default:"0.25" validate:"gt=0,lte=1"`
}

// DefaultSizerConfig returns the tag defaults
func DefaultSizerConfig() SizerConfig {
	var c SizerConfig
	if err := defaults.Set(&c); err != nil {
		log.Error().Err(err).Msg("Sizer defaults")
	}
	return c
}

// Sizer computes Kelly stakes and runs the skip gate
type Sizer struct {
	cfg    SizerConfig
	minBet decimal.Decimal
	edge   EdgeScorer
}

// NewSizer creates a sizer. Zero-valued config fields fall back to their defaults.
func NewSizer(cfg SizerConfig, edge EdgeScorer) *Sizer {
	d := DefaultSizerConfig()
	if cfg.MinBet <= 0 {
		cfg.MinBet = d.MinBet
	}
	if cfg.MinEdge < 0 {
		cfg.MinEdge = d.MinEdge
	}
	if cfg.KellyMultiplier <= 0 {
		cfg.KellyMultiplier = d.KellyMultiplier
	}
	return &Sizer{
		cfg:    cfg,
		minBet: decimal.NewFromFloat(cfg.MinBet),
		edge:   edge,
	}
}

// Config returns the effective configuration
func (s *Sizer) Config() SizerConfig {
	return s.cfg
}

// MinBet is the smallest stake the ledger accepts
func (s *Sizer) MinBet() decimal.Decimal {
	return s.minBet
}

// PayoffOdds converts an implied probability into net decimal odds
func PayoffOdds(entryOdds float64) float64 {
	return 1/entryOdds - 1
}

// KellyFraction is the full Kelly fraction for win probability p at net odds b
func KellyFraction(p, b float64) float64 {
	return (p*b - (1 - p)) / b
}

// WinProbability maps an aggregate score in [-1,1] onto a win probability in [0.5,1]
func WinProbability(score float64) float64 {
	return 0.5 + math.Min(math.Abs(score), 1)/2
}

// SideWinProbability is WinProbability for the side actually bought. Buying
// against the score gets the complement, floored so Kelly sees no edge
// instead of degenerate input.
func SideWinProbability(score float64, d types.Direction) float64 {
	p := WinProbability(score)
	if (d == types.DirectionUp && score < 0) || (d == types.DirectionDown && score > 0) {
		p = 1 - p
	}
	return math.Max(p, 0.01)
}

// KellyBet sizes a stake for win probability p buying at entryOdds.
// Degenerate inputs log a warning and return the minimum bet.
func (s *Sizer) KellyBet(p, entryOdds float64, bankroll, maxBet decimal.Decimal) decimal.Decimal {
	if !(p > 0 && p < 1) || !(entryOdds > 0 && entryOdds < 1) {
		log.Warn().
			Float64("p", p).
			Float64("entry_odds", entryOdds).
			Msg("Degenerate Kelly inputs, using minimum bet")
		return s.minBet
	}

	b := PayoffOdds(entryOdds)
	if b <= 0 || math.IsInf(b, 0) || math.IsNaN(b) {
		log.Warn().Float64("payoff_odds", b).Msg("Non-positive payoff odds, using minimum bet")
		return s.minBet
	}

	f := KellyFraction(p, b)
	if f <= 0 {
		return decimal.Zero
	}

	bet := bankroll.Mul(decimal.NewFromFloat(f * s.cfg.KellyMultiplier))
	if bet.LessThan(s.minBet) {
		bet = s.minBet
	}
	if maxBet.IsPositive() && bet.GreaterThan(maxBet) {
		bet = maxBet
	}
	if bet.GreaterThan(bankroll) {
		bet = bankroll
	}

	log.Debug().
		Float64("p", p).
		Float64("b", b).
		Float64("kelly", f).
		Str("bankroll", "$"+bankroll.StringFixed(2)).
		Str("bet", "$"+bet.StringFixed(2)).
		Msg("Kelly sizing")

	return bet.Round(2)
}

// ClampToCap limits an externally suggested amount to the Kelly-derived cap
func ClampToCap(amount, cap decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() {
		return decimal.Zero
	}
	if amount.GreaterThan(cap) {
		return cap
	}
	return amount
}
