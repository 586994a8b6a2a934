package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/creasty/defaults"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polylearn/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - consecutive-loss blackout and global throttles
// ═══════════════════════════════════════════════════════════════════════════════

// BlackoutPolicy suspends a model after a losing streak
type BlackoutPolicy struct {
	MaxConsecutiveLosses int           `default:"3"`
	Cooldown             time.Duration `default:"30m"`
}

// DefaultBlackoutPolicy returns the tag defaults
func DefaultBlackoutPolicy() BlackoutPolicy {
	var p BlackoutPolicy
	if err := defaults.Set(&p); err != nil {
		log.Error().Err(err).Msg("Blackout policy defaults")
	}
	return p
}

// ConsecutiveLosses counts losing trades from the newest backwards.
// trades must be ordered newest first; pushes neither extend nor break the streak.
func ConsecutiveLosses(trades []types.Trade) int {
	n := 0
	for _, t := range trades {
		if !t.Decisive() {
			continue
		}
		if t.Won() {
			break
		}
		n++
	}
	return n
}

// Apply updates the model's streak and blackout fields.
// A blackout trips when the streak reaches the limit and has grown since the
// last evaluation, so an expired blackout is not re-armed by the same losses.
func (p BlackoutPolicy) Apply(m *types.Model, losses int, now time.Time) (changed bool, note string) {
	prev := m.ConsecutiveLosses
	if prev != losses {
		m.ConsecutiveLosses = losses
		changed = true
	}

	if m.BlackoutUntil != nil && !now.Before(*m.BlackoutUntil) {
		note = fmt.Sprintf("blackout expired at %s, trading resumed", m.BlackoutUntil.UTC().Format(time.RFC3339))
		m.BlackoutUntil = nil
		m.BlackoutReason = ""
		changed = true
	}

	if losses >= p.MaxConsecutiveLosses && losses > prev && !m.InBlackout(now) {
		until := now.Add(p.Cooldown)
		m.BlackoutUntil = &until
		m.BlackoutReason = fmt.Sprintf("%d consecutive losses", losses)
		note = fmt.Sprintf("%d consecutive losses, blackout for %s until %s",
			losses, p.Cooldown, until.UTC().Format(time.RFC3339))
		changed = true

		log.Warn().
			Uint("model", m.ID).
			Int("consecutive_losses", losses).
			Dur("cooldown", p.Cooldown).
			Msg("🚨 CIRCUIT BREAKER TRIPPED")
	}

	return changed, note
}

// Snapshot converts model fields into the persisted per-model blackout entry
func Snapshot(m *types.Model) types.ModelBlackout {
	return types.ModelBlackout{
		BlackoutUntil:     m.BlackoutUntil,
		BlackoutReason:    m.BlackoutReason,
		ConsecutiveLosses: m.ConsecutiveLosses,
	}
}

// ThrottlePolicy sets the cross-model risk flags
type ThrottlePolicy struct {
	HighVolatilityPct    float64 `default:"5"`
	FearThreshold        float64 `default:"20"`
	GreedThreshold       float64 `default:"80"`
	ConfidenceMultiplier float64 `default:"0.7"`
}

// DefaultThrottlePolicy returns the tag defaults
func DefaultThrottlePolicy() ThrottlePolicy {
	var p ThrottlePolicy
	if err := defaults.Set(&p); err != nil {
		log.Error().Err(err).Msg("Throttle policy defaults")
	}
	return p
}

// Evaluate derives the global throttle from the latest readings. A missing reading
// keeps the previous value for that flag.
func (p ThrottlePolicy) Evaluate(prev types.GlobalThrottle, change1hPct *float64, fearGreed *float64) types.GlobalThrottle {
	g := prev
	if change1hPct != nil {
		g.VolatilityPct = math.Abs(*change1hPct)
		g.HighVolatility = g.VolatilityPct > p.HighVolatilityPct
	}
	if fearGreed != nil {
		g.FearGreed = *fearGreed
		g.SkipUpBets = *fearGreed < p.FearThreshold
		g.SkipDownBets = *fearGreed > p.GreedThreshold
	}
	return g
}
