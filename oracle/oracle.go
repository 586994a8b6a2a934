package oracle

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polylearn/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DECISION ORACLE - optional external second opinion
// ═══════════════════════════════════════════════════════════════════════════════

// Brief is everything the oracle sees about a prospective trade
type Brief struct {
	ModelID       uint               `json:"model_id"`
	ModelName     string             `json:"model_name"`
	Weights       map[string]float64 `json:"weights"`
	Signals       map[string]float64 `json:"signals"`
	MarketID      string             `json:"market_id"`
	MarketName    string             `json:"market_name"`
	UpOdds        float64            `json:"up_odds"`
	DownOdds      float64            `json:"down_odds"`
	TimeRemaining int64              `json:"time_remaining"`
	Score         float64            `json:"score"`
	Direction     types.Direction    `json:"direction"`
	RecentTrades  int                `json:"recent_trades"`
	RecentWinRate float64            `json:"recent_win_rate"`
	Balance       decimal.Decimal    `json:"balance"`
}

// Decision is either a Bet or a Hold
type Decision interface {
	Conviction() types.Confidence
	Rationale() string
}

// Bet asks for a position on one side
type Bet struct {
	Direction  types.Direction
	Confidence types.Confidence
	Amount     decimal.Decimal
	Reasoning  string
}

func (b Bet) Conviction() types.Confidence { return b.Confidence }
func (b Bet) Rationale() string            { return b.Reasoning }

// Hold declines to trade
type Hold struct {
	Confidence types.Confidence
	Reasoning  string
}

func (h Hold) Conviction() types.Confidence { return h.Confidence }
func (h Hold) Rationale() string            { return h.Reasoning }

// Oracle produces a decision for a brief
type Oracle interface {
	Decide(ctx context.Context, brief Brief) (Decision, error)
	Name() string
}

// Noop is the oracle used when no endpoint is configured
type Noop struct{}

func (Noop) Decide(context.Context, Brief) (Decision, error) {
	return Hold{Confidence: types.ConfidenceLow, Reasoning: "oracle disabled"}, nil
}

func (Noop) Name() string { return "noop" }
