package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Direction is the side of a binary up/down market
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionHold Direction = "hold"
)

// Multiplier returns +1 for up, -1 for down and 0 for hold
func (d Direction) Multiplier() float64 {
	switch d {
	case DirectionUp:
		return 1
	case DirectionDown:
		return -1
	}
	return 0
}

// Valid reports whether d is a tradable side
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// Confidence tier of a decision
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Action taken by the aggregator
type Action string

const (
	ActionBet   Action = "bet"
	ActionAlert Action = "alert"
	ActionSkip  Action = "skip"
)

// TradeStatus is the lifecycle state of a paper trade
type TradeStatus string

const (
	TradeOpen    TradeStatus = "open"
	TradeClosed  TradeStatus = "closed"
	TradeExpired TradeStatus = "expired"
)

// Verdict of a post-trade analysis
type Verdict string

const (
	VerdictGoodTrade      Verdict = "good_trade"
	VerdictBadEdge        Verdict = "bad_edge"
	VerdictMarketReversal Verdict = "market_reversal"
	VerdictTiming         Verdict = "timing"
	VerdictSignalFailure  Verdict = "signal_failure"
)

// Signal sources produced by the external collectors
const (
	SourcePriceMomentum = "price_momentum"
	SourceFearGreed     = "fear_greed"
	SourceVolume        = "volume"
	SourceNewsSentiment = "news_sentiment"
	SourceXSentiment    = "x_sentiment"
	SourcePolyOdds      = "poly_odds"
)

// Thresholds are the per-model decision limits
type Thresholds struct {
	BetThreshold float64         `json:"bet_threshold"`
	MaxBet       decimal.Decimal `json:"max_bet" gorm:"type:decimal(20,6)"`
}

// Model is one trading strategy instance
type Model struct {
	ID                uint               `json:"id" gorm:"primaryKey;autoIncrement"`
	Name              string             `json:"name" gorm:"uniqueIndex"`
	Active            bool               `json:"active" gorm:"index"`
	SignalWeights     map[string]float64 `json:"signal_weights" gorm:"serializer:json"`
	Thresholds        Thresholds         `json:"thresholds" gorm:"embedded;embeddedPrefix:threshold_"`
	ConsecutiveLosses int                `json:"consecutive_losses"`
	BlackoutUntil     *time.Time         `json:"blackout_until"`
	BlackoutReason    string             `json:"blackout_reason"`
	Version           int                `json:"version"`
	StartingBalance   decimal.Decimal    `json:"starting_balance" gorm:"type:decimal(20,6)"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// InBlackout reports whether the model is suspended at t
func (m *Model) InBlackout(t time.Time) bool {
	return m.BlackoutUntil != nil && t.Before(*m.BlackoutUntil)
}

// CopyWeights returns a detached copy of the weight map
func (m *Model) CopyWeights() map[string]float64 {
	out := make(map[string]float64, len(m.SignalWeights))
	for k, v := range m.SignalWeights {
		out[k] = v
	}
	return out
}

// Signal is a timestamped normalized reading
type Signal struct {
	ID         uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	ModelID    uint           `json:"model_id" gorm:"index:idx_signal_lookup"`
	Source     string         `json:"source" gorm:"index:idx_signal_lookup"`
	Normalized float64        `json:"normalized"`
	RawValue   float64        `json:"raw_value"`
	Metadata   map[string]any `json:"metadata,omitempty" gorm:"serializer:json"`
	Timestamp  time.Time      `json:"timestamp" gorm:"index:idx_signal_lookup"`
}

// MarketSnapshot is a point-in-time view of a binary market
type MarketSnapshot struct {
	ID            uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	MarketID      string    `json:"market_id" gorm:"index"`
	MarketName    string    `json:"market_name"`
	UpOdds        float64   `json:"up_odds"`
	DownOdds      float64   `json:"down_odds"`
	Volume        float64   `json:"volume"`
	TimeRemaining int64     `json:"time_remaining"` // seconds
	Timestamp     time.Time `json:"timestamp" gorm:"index"`
}

// Vig is the overround of the quoted odds
func (s *MarketSnapshot) Vig() float64 {
	return s.UpOdds + s.DownOdds - 1
}

// SideOdds returns the implied probability quoted for the given side
func (s *MarketSnapshot) SideOdds(d Direction) float64 {
	if d == DirectionDown {
		return s.DownOdds
	}
	return s.UpOdds
}

// Trade is a paper trade. EntryOdds and ExitOdds are always up-side probabilities.
type Trade struct {
	ID         string          `json:"id" gorm:"primaryKey"`
	ModelID    uint            `json:"model_id" gorm:"index"`
	MarketID   string          `json:"market_id" gorm:"index"`
	Direction  Direction       `json:"direction"`
	AmountUSDC decimal.Decimal `json:"amount_usdc" gorm:"type:decimal(20,6)"`
	EntryOdds  float64         `json:"entry_odds"`
	ExitOdds   *float64        `json:"exit_odds"`
	Status     TradeStatus     `json:"status" gorm:"index"`
	PnL        decimal.Decimal `json:"pnl" gorm:"column:pnl;type:decimal(20,6)"`
	OpenedAt   time.Time       `json:"opened_at" gorm:"index"`
	ClosedAt   *time.Time      `json:"closed_at" gorm:"index"`
}

// Settled reports whether the trade has been closed or expired
func (t *Trade) Settled() bool {
	return t.Status == TradeClosed || t.Status == TradeExpired
}

// Decisive reports whether the trade settled against resolution data
func (t *Trade) Decisive() bool {
	return t.Settled() && t.ExitOdds != nil
}

// Won reports whether the trade settled with a profit
func (t *Trade) Won() bool {
	return t.PnL.IsPositive()
}

// SideProbability is the implied probability of the side taken at entry
func (t *Trade) SideProbability() float64 {
	if t.Direction == DirectionDown {
		return 1 - t.EntryOdds
	}
	return t.EntryOdds
}

// TradeAnalysis is the post-mortem of one settled trade
type TradeAnalysis struct {
	ID                    uint               `json:"id" gorm:"primaryKey;autoIncrement"`
	TradeID               string             `json:"trade_id" gorm:"uniqueIndex"`
	ModelID               uint               `json:"model_id" gorm:"index"`
	Verdict               Verdict            `json:"verdict"`
	SignalContributions   map[string]float64 `json:"signal_contributions" gorm:"serializer:json"`
	AdjustmentSuggestions map[string]float64 `json:"adjustment_suggestions" gorm:"serializer:json"`
	MarketConditions      map[string]float64 `json:"market_conditions" gorm:"serializer:json"`
	CreatedAt             time.Time          `json:"created_at"`
}

// Version is an immutable snapshot of a model configuration
type Version struct {
	ID              uint               `json:"id" gorm:"primaryKey;autoIncrement"`
	ModelID         uint               `json:"model_id" gorm:"uniqueIndex:idx_model_version"`
	VersionNum      int                `json:"version_num" gorm:"uniqueIndex:idx_model_version"`
	ParentVersionID *uint              `json:"parent_version_id"`
	MutationReason  string             `json:"mutation_reason"`
	SignalWeights   map[string]float64 `json:"signal_weights" gorm:"serializer:json"`
	Thresholds      Thresholds         `json:"thresholds" gorm:"embedded;embeddedPrefix:threshold_"`
	IsProdSynced    bool               `json:"is_prod_synced"`
	CreatedAt       time.Time          `json:"created_at"`
}

// PaperAccount holds the simulated balance of a model
type PaperAccount struct {
	ModelID         uint            `json:"model_id" gorm:"primaryKey"`
	Balance         decimal.Decimal `json:"balance" gorm:"type:decimal(20,6)"`
	StartingBalance decimal.Decimal `json:"starting_balance" gorm:"type:decimal(20,6)"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// BTCPrice is a BTC reference price with its trailing 1-hour change in percent
type BTCPrice struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Price     float64   `json:"price"`
	Change1h  float64   `json:"change_1h"`
	Timestamp time.Time `json:"timestamp" gorm:"index"`
}

// Insight is an append-only rationale entry
type Insight struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	ModelID   uint      `json:"model_id" gorm:"index"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName keeps the rationale log under its historical table name
func (Insight) TableName() string { return "model_insights" }

// DecisionRun records one aggregation for later attribution
type DecisionRun struct {
	ID           uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	ModelID      uint       `json:"model_id" gorm:"index"`
	MarketID     string     `json:"market_id"`
	Score        float64    `json:"score"`
	Direction    Direction  `json:"direction"`
	Confidence   Confidence `json:"confidence"`
	SourcesUsed  []string   `json:"sources_used" gorm:"serializer:json"`
	Action       Action     `json:"action"`
	OracleStatus string     `json:"oracle_status"`
	Reason       string     `json:"reason"`
	CreatedAt    time.Time  `json:"created_at" gorm:"index"`
}

// ApprovalStatus is the state of an approval request
type ApprovalStatus string

const (
	ApprovalAwaiting ApprovalStatus = "awaiting_approval"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalApplied  ApprovalStatus = "applied"
)

// ApprovalRequest is a persisted pause point awaiting a human decision
type ApprovalRequest struct {
	ID         uint              `json:"id" gorm:"primaryKey;autoIncrement"`
	Kind       string            `json:"kind" gorm:"index"`
	ModelID    uint              `json:"model_id" gorm:"index"`
	Payload    map[string]string `json:"payload" gorm:"serializer:json"`
	Status     ApprovalStatus    `json:"status" gorm:"index"`
	Note       string            `json:"note"`
	CreatedAt  time.Time         `json:"created_at"`
	ResolvedAt *time.Time        `json:"resolved_at"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// DERIVED STATE - JSON-shaped caches, rebuildable from history
// ═══════════════════════════════════════════════════════════════════════════════

// ModelBlackout is the per-model circuit breaker state
type ModelBlackout struct {
	BlackoutUntil     *time.Time `json:"blackout_until"`
	BlackoutReason    string     `json:"blackout_reason"`
	ConsecutiveLosses int        `json:"consecutive_losses"`
}

// GlobalThrottle holds the cross-model risk flags
type GlobalThrottle struct {
	HighVolatility bool    `json:"high_volatility"`
	VolatilityPct  float64 `json:"volatility_pct"`
	SkipUpBets     bool    `json:"skip_up_bets"`
	SkipDownBets   bool    `json:"skip_down_bets"`
	FearGreed      float64 `json:"fear_greed"`
}

// BlackoutState is the persisted risk throttle state
type BlackoutState struct {
	Models    map[string]ModelBlackout `json:"models"`
	Global    GlobalThrottle           `json:"global"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// HourStat is a time-of-day win-rate bucket
type HourStat struct {
	Wins    int     `json:"wins"`
	Total   int     `json:"total"`
	WinRate float64 `json:"win_rate"`
	IsWeak  bool    `json:"is_weak"`
}

// MomentumStat is a BTC volatility regime bucket
type MomentumStat struct {
	Wins    int     `json:"wins"`
	Total   int     `json:"total"`
	WinRate float64 `json:"win_rate"`
}

// OddsStat is an implied-probability bucket with its realized edge
type OddsStat struct {
	Wins          int     `json:"wins"`
	Total         int     `json:"total"`
	ImpliedProb   float64 `json:"implied_prob"`
	ActualWinRate float64 `json:"actual_win_rate"`
	EV            float64 `json:"ev"`
}

// VigStat is the average overround of one market
type VigStat struct {
	AvgVig   float64 `json:"avg_vig"`
	AvgTotal float64 `json:"avg_total"`
	Samples  int     `json:"samples"`
}

// PatternState is the persisted pattern memory
type PatternState struct {
	Hourly      map[string]HourStat     `json:"hourly"`
	BTCMomentum map[string]MomentumStat `json:"btc_momentum"`
	OddsEV      map[string]OddsStat     `json:"odds_ev"`
	MarketVig   map[string]VigStat      `json:"market_vig"`
	UpdatedAt   time.Time               `json:"updated_at"`
}
