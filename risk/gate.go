package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polylearn/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SKIP GATE - every bet passes here before the ledger sees it
// ═══════════════════════════════════════════════════════════════════════════════
//
// Order of checks:
//   1. model blackout (the model record is authoritative)
//   2. global up/down throttle
//   3. balance floor
//   4. pattern-memory edge
//   5. Kelly stake below minimum bet
//
// ═══════════════════════════════════════════════════════════════════════════════

// EdgeScorer is the pattern-memory view the gate needs
type EdgeScorer interface {
	MarketEdge(direction types.Direction, currentOdds float64, hourOfDay int, recentVolatility float64) float64
}

// Request is a prospective bet
type Request struct {
	Model      *types.Model
	Direction  types.Direction
	SideOdds   float64 // implied probability of the side being bought
	WinProb    float64
	Balance    decimal.Decimal
	Volatility float64 // BTC 1h change, percent
	Global     types.GlobalThrottle
	Now        time.Time
}

// Decision is the gate outcome
type Decision struct {
	Skip         bool
	Reason       string
	SuggestedBet decimal.Decimal
	Edge         float64
	Kelly        float64 // full Kelly fraction before the multiplier
}

// Evaluate runs the skip gate and sizes the bet
func (s *Sizer) Evaluate(req Request) Decision {
	if req.Model.InBlackout(req.Now) {
		return s.skip(req, fmt.Sprintf("model in blackout until %s (%s)",
			req.Model.BlackoutUntil.UTC().Format("15:04:05"), req.Model.BlackoutReason), 0)
	}

	if req.Direction == types.DirectionUp && req.Global.SkipUpBets {
		return s.skip(req, fmt.Sprintf("global throttle: up-bets suspended (fear/greed %.0f)", req.Global.FearGreed), 0)
	}
	if req.Direction == types.DirectionDown && req.Global.SkipDownBets {
		return s.skip(req, fmt.Sprintf("global throttle: down-bets suspended (fear/greed %.0f)", req.Global.FearGreed), 0)
	}

	floor := decimal.NewFromFloat(s.cfg.MinBalance)
	if req.Balance.LessThan(floor) {
		return s.skip(req, fmt.Sprintf("balance $%s below floor $%s", req.Balance.StringFixed(2), floor.StringFixed(2)), 0)
	}

	edge := 0.5
	if s.edge != nil {
		edge = s.edge.MarketEdge(req.Direction, req.SideOdds, req.Now.UTC().Hour(), req.Volatility)
	}
	if edge < s.cfg.MinEdge {
		return s.skip(req, fmt.Sprintf("pattern edge %.2f below minimum %.2f", edge, s.cfg.MinEdge), edge)
	}

	var kelly float64
	if req.SideOdds > 0 && req.SideOdds < 1 {
		kelly = KellyFraction(req.WinProb, PayoffOdds(req.SideOdds))
	}
	bet := s.KellyBet(req.WinProb, req.SideOdds, req.Balance, req.Model.Thresholds.MaxBet)
	if bet.LessThan(s.minBet) {
		d := s.skip(req, fmt.Sprintf("kelly bet $%s below minimum $%s (no edge at %.2f)",
			bet.StringFixed(2), s.minBet.StringFixed(2), req.SideOdds), edge)
		d.Kelly = kelly
		return d
	}

	return Decision{SuggestedBet: bet, Edge: edge, Kelly: kelly}
}

func (s *Sizer) skip(req Request, reason string, edge float64) Decision {
	log.Debug().
		Uint("model", req.Model.ID).
		Str("direction", string(req.Direction)).
		Str("reason", reason).
		Msg("Bet skipped")
	return Decision{Skip: true, Reason: reason, Edge: edge}
}
