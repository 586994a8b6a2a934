package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polylearn/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DECISION TYPES - what the aggregator consumes and produces
// ═══════════════════════════════════════════════════════════════════════════════

// Oracle outcome labels recorded on every decision run
const (
	OracleSkipped       = "skipped"
	OracleDisabled      = "disabled"
	OracleTimeout       = "timeout"
	OracleError         = "error"
	OracleLowConfidence = "low_confidence"
	OracleBet           = "bet"
	OracleVeto          = "veto"
	OracleHold          = "hold"
)

// Input is the per-model context for one aggregation
type Input struct {
	Model         *types.Model
	Market        *types.MarketSnapshot
	Global        types.GlobalThrottle
	Balance       decimal.Decimal
	RecentTrades  int
	RecentWinRate float64
	Now           time.Time
}

// Decision is the aggregator's output
type Decision struct {
	Score        float64
	Direction    types.Direction
	Confidence   types.Confidence
	Action       types.Action
	SourcesUsed  []string
	Signals      map[string]float64 // normalized readings that contributed
	OracleStatus string
	OracleAmount decimal.Decimal // non-zero only when the oracle asked for a bet
	Reason       string
}

// Bet reports whether the decision asks for a position
func (d *Decision) Bet() bool {
	return d.Action == types.ActionBet
}
