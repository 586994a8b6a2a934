package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polylearn/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STORAGE - Repository contracts shared by every component
// ═══════════════════════════════════════════════════════════════════════════════
//
// Components depend on the narrow interface they need. Two implementations exist:
//   MemoryStore        - in-process, used by tests and the selftest command
//   database.Database  - gorm (SQLite / PostgreSQL)
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadySettled    = errors.New("trade already settled")
	ErrDuplicateAnalysis = errors.New("trade already analysed")
	ErrInsufficientFunds = errors.New("insufficient paper balance")
	ErrVersionConflict   = errors.New("version number must increase")
	ErrNotAwaiting       = errors.New("approval request is not in the expected state")
)

// ModelRepository stores strategy instances.
// MutateModel is the single atomic read-modify-write path for weights, thresholds and
// blackout state. fn must not call back into the store.
type ModelRepository interface {
	CreateModel(ctx context.Context, m *types.Model) error
	GetModel(ctx context.Context, id uint) (*types.Model, error)
	ActiveModels(ctx context.Context) ([]types.Model, error)
	MutateModel(ctx context.Context, id uint, fn func(m *types.Model) error) (*types.Model, error)
}

// SignalRepository serves signal readings
type SignalRepository interface {
	AppendSignal(ctx context.Context, s *types.Signal) error
	// LatestSignals returns the newest reading per source at or before at
	LatestSignals(ctx context.Context, modelID uint, at time.Time) (map[string]types.Signal, error)
	// LatestSignalBySource returns the newest reading of source across all models
	LatestSignalBySource(ctx context.Context, source string, at time.Time) (*types.Signal, error)
}

// MarketRepository serves market snapshots
type MarketRepository interface {
	AppendSnapshot(ctx context.Context, s *types.MarketSnapshot) error
	LatestSnapshot(ctx context.Context, marketID string, at time.Time) (*types.MarketSnapshot, error)
	// LiveMarkets returns the newest snapshot per market whose time remaining is positive
	LiveMarkets(ctx context.Context, at time.Time) ([]types.MarketSnapshot, error)
	// AllSnapshots returns every snapshot ordered by timestamp then id
	AllSnapshots(ctx context.Context) ([]types.MarketSnapshot, error)
}

// PriceRepository serves BTC reference prices
type PriceRepository interface {
	AppendPrice(ctx context.Context, p *types.BTCPrice) error
	NearestPrice(ctx context.Context, at time.Time, tolerance time.Duration) (*types.BTCPrice, error)
	LatestPrice(ctx context.Context, at time.Time) (*types.BTCPrice, error)
}

// TradeRepository is the read side of the trade ledger
type TradeRepository interface {
	GetTrade(ctx context.Context, id string) (*types.Trade, error)
	OpenTrades(ctx context.Context) ([]types.Trade, error)
	// RecentSettled returns settled trades newest first (by closed_at)
	RecentSettled(ctx context.Context, modelID uint, limit int) ([]types.Trade, error)
	// AllSettled returns every settled trade ordered by opened_at then id
	AllSettled(ctx context.Context) ([]types.Trade, error)
	// TradesOpenedBetween returns trades with from <= opened_at < to, oldest first
	TradesOpenedBetween(ctx context.Context, modelID uint, from, to time.Time) ([]types.Trade, error)
	CountSettled(ctx context.Context, modelID uint) (int, error)
}

// Settlement is the single mutation applied to an open trade
type Settlement struct {
	TradeID  string
	Status   types.TradeStatus
	ExitOdds *float64
	PnL      decimal.Decimal
	ClosedAt time.Time
}

// AccountRepository is the write side of the ledger. Both trade mutations
// move the balance in the same transaction as the trade row.
type AccountRepository interface {
	EnsureAccount(ctx context.Context, modelID uint, starting decimal.Decimal) (*types.PaperAccount, error)
	GetAccount(ctx context.Context, modelID uint) (*types.PaperAccount, error)
	OpenTrade(ctx context.Context, t *types.Trade) (*types.PaperAccount, error)
	SettleTrade(ctx context.Context, s Settlement) (*types.Trade, error)
}

// AnalysisRepository stores at most one analysis per trade
type AnalysisRepository interface {
	GetAnalysis(ctx context.Context, tradeID string) (*types.TradeAnalysis, error)
	SaveAnalysis(ctx context.Context, a *types.TradeAnalysis) error
}

// InsightRepository is the append-only rationale log
type InsightRepository interface {
	AppendInsight(ctx context.Context, i *types.Insight) error
	Insights(ctx context.Context, modelID uint, limit int) ([]types.Insight, error)
}

// VersionRepository is the append-only version history
type VersionRepository interface {
	AppendVersion(ctx context.Context, v *types.Version) error
	Versions(ctx context.Context, modelID uint) ([]types.Version, error)
	GetVersion(ctx context.Context, id uint) (*types.Version, error)
	MarkProdSynced(ctx context.Context, id uint) error
}

// DecisionRepository records aggregator runs
type DecisionRepository interface {
	RecordRun(ctx context.Context, r *types.DecisionRun) error
}

// ApprovalRepository persists approval requests
type ApprovalRepository interface {
	CreateApproval(ctx context.Context, r *types.ApprovalRequest) error
	GetApproval(ctx context.Context, id uint) (*types.ApprovalRequest, error)
	TransitionApproval(ctx context.Context, id uint, from, to types.ApprovalStatus, note string, at time.Time) (*types.ApprovalRequest, error)
	PendingApprovals(ctx context.Context) ([]types.ApprovalRequest, error)
}

// Store bundles every repository
type Store interface {
	ModelRepository
	SignalRepository
	MarketRepository
	PriceRepository
	TradeRepository
	AccountRepository
	AnalysisRepository
	InsightRepository
	VersionRepository
	DecisionRepository
	ApprovalRepository
}

// StateStore persists the derived caches. Missing state loads as an empty value.
type StateStore interface {
	LoadBlackout(ctx context.Context) (*types.BlackoutState, error)
	SaveBlackout(ctx context.Context, s *types.BlackoutState) error
	LoadPatterns(ctx context.Context) (*types.PatternState, error)
	SavePatterns(ctx context.Context, s *types.PatternState) error
}

// NewBlackoutState returns an empty blackout state
func NewBlackoutState() *types.BlackoutState {
	return &types.BlackoutState{Models: make(map[string]types.ModelBlackout)}
}

// NewPatternState returns an empty pattern state
func NewPatternState() *types.PatternState {
	return &types.PatternState{
		Hourly:      make(map[string]types.HourStat),
		BTCMomentum: make(map[string]types.MomentumStat),
		OddsEV:      make(map[string]types.OddsStat),
		MarketVig:   make(map[string]types.VigStat),
	}
}

// normalizeBlackout fills nil maps after decoding
func normalizeBlackout(s *types.BlackoutState) *types.BlackoutState {
	if s.Models == nil {
		s.Models = make(map[string]types.ModelBlackout)
	}
	return s
}

// normalizePatterns fills nil maps after decoding
func normalizePatterns(s *types.PatternState) *types.PatternState {
	if s.Hourly == nil {
		s.Hourly = make(map[string]types.HourStat)
	}
	if s.BTCMomentum == nil {
		s.BTCMomentum = make(map[string]types.MomentumStat)
	}
	if s.OddsEV == nil {
		s.OddsEV = make(map[string]types.OddsStat)
	}
	if s.MarketVig == nil {
		s.MarketVig = make(map[string]types.VigStat)
	}
	return s
}
