package versioning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polylearn/approval"
	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VERSION MANAGER - immutable model snapshots, per-version stats, promotion
// ═══════════════════════════════════════════════════════════════════════════════

// KindPromote is the approval kind used for gated promotions
const KindPromote = "promote_version"

// MinPromoteTrades is the settled-trade history a version needs before promotion
const MinPromoteTrades = 20

var (
	ErrNoQualifiedVersion = errors.New("no version meets the trade minimum")
	ErrNotQualified       = errors.New("version not qualified for promotion")
)

// Store is the persistence the version manager needs
type Store interface {
	storage.ModelRepository
	storage.VersionRepository
	storage.TradeRepository
}

// Manager records and promotes versions
type Manager struct {
	store           Store
	approvals       *approval.Machine
	requireApproval bool
}

// Option configures a Manager
type Option func(*Manager)

// WithApproval gates Promote behind the approval state machine
func WithApproval(m *approval.Machine, required bool) Option {
	return func(mg *Manager) {
		mg.approvals = m
		mg.requireApproval = required
	}
}

// NewManager creates a version manager
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store}
	for _, opt := range opts {
		opt(m)
	}
	if m.approvals != nil {
		m.approvals.Register(KindPromote, m.applyPromotion)
	}
	return m
}

// Record appends a snapshot of the model's current configuration stamped at now.
// The version number is the model's version counter.
func (m *Manager) Record(ctx context.Context, model *types.Model, reason string, now time.Time) (*types.Version, error) {
	v := &types.Version{
		ModelID:        model.ID,
		VersionNum:     model.Version,
		MutationReason: reason,
		SignalWeights:  model.CopyWeights(),
		Thresholds:     model.Thresholds,
		CreatedAt:      now,
	}
	if err := m.store.AppendVersion(ctx, v); err != nil {
		return nil, fmt.Errorf("append version %d: %w", v.VersionNum, err)
	}
	log.Info().Uint("model", model.ID).Int("version", v.VersionNum).Str("reason", reason).Msg("📌 Version recorded")
	return v, nil
}

// Stats is the performance of one version over its active window
type Stats struct {
	Version     types.Version
	From        time.Time
	To          time.Time
	Trades      int
	Wins        int
	WinRate     float64
	TotalPnL    decimal.Decimal
	AvgPnL      decimal.Decimal
	ROIPct      float64
	MaxDrawdown float64  // fraction of peak balance
	Sharpe      *float64 // nil below 3 trades or with zero variance
}

// Stats computes per-version statistics over [created_at, next.created_at)
func (m *Manager) Stats(ctx context.Context, modelID uint, now time.Time) ([]Stats, error) {
	model, err := m.store.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	versions, err := m.store.Versions(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("versions: %w", err)
	}

	out := make([]Stats, 0, len(versions))
	for i, v := range versions {
		to := now
		if i+1 < len(versions) {
			to = versions[i+1].CreatedAt
		} else if !to.After(v.CreatedAt) {
			to = v.CreatedAt.Add(time.Nanosecond)
		}
		trades, err := m.store.TradesOpenedBetween(ctx, modelID, v.CreatedAt, to)
		if err != nil {
			return nil, fmt.Errorf("trades for v%d: %w", v.VersionNum, err)
		}
		out = append(out, Compute(v, trades, model.StartingBalance, v.CreatedAt, to))
	}
	return out, nil
}

// Compute derives the statistics of a trade set; open trades are ignored
func Compute(v types.Version, trades []types.Trade, starting decimal.Decimal, from, to time.Time) Stats {
	s := Stats{Version: v, From: from, To: to, TotalPnL: decimal.Zero, AvgPnL: decimal.Zero}

	balance := starting
	peak := starting
	var pnls []float64
	for _, t := range trades {
		if !t.Settled() {
			continue
		}
		s.Trades++
		if t.Won() {
			s.Wins++
		}
		s.TotalPnL = s.TotalPnL.Add(t.PnL)
		pnls = append(pnls, t.PnL.InexactFloat64())

		balance = balance.Add(t.PnL)
		if balance.GreaterThan(peak) {
			peak = balance
		}
		if peak.IsPositive() {
			dd := peak.Sub(balance).Div(peak).InexactFloat64()
			s.MaxDrawdown = math.Max(s.MaxDrawdown, dd)
		}
	}
	if s.Trades == 0 {
		return s
	}

	s.WinRate = float64(s.Wins) / float64(s.Trades)
	s.AvgPnL = s.TotalPnL.Div(decimal.NewFromInt(int64(s.Trades))).Round(6)
	if starting.IsPositive() {
		s.ROIPct = s.TotalPnL.Div(starting).InexactFloat64() * 100
	}
	s.Sharpe = Sharpe(pnls)
	return s
}

// Sharpe is mean/stddev·√252 using the sample standard deviation
func Sharpe(pnls []float64) *float64 {
	n := len(pnls)
	if n < 3 {
		return nil
	}
	var sum float64
	for _, p := range pnls {
		sum += p
	}
	mean := sum / float64(n)
	var ss float64
	for _, p := range pnls {
		ss += (p - mean) * (p - mean)
	}
	std := math.Sqrt(ss / float64(n-1))
	if std == 0 {
		return nil
	}
	sr := mean / std * math.Sqrt(252)
	return &sr
}

// Best returns the version with the highest Sharpe among those with at least minTrades
func (m *Manager) Best(ctx context.Context, modelID uint, now time.Time, minTrades int) (*Stats, error) {
	all, err := m.Stats(ctx, modelID, now)
	if err != nil {
		return nil, err
	}
	var best *Stats
	for i := range all {
		s := &all[i]
		if s.Trades < minTrades || s.Sharpe == nil {
			continue
		}
		if best == nil || *s.Sharpe > *best.Sharpe {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNoQualifiedVersion
	}
	return best, nil
}

// PromoteResult is the outcome of a promotion attempt
type PromoteResult struct {
	Pending  *types.ApprovalRequest // set when the promotion awaits approval
	Model    *types.Model
	Promoted *types.Version // the newly appended "promoted from" version
}

// Promote copies a version's snapshot onto the live model. Only versions with
// MinPromoteTrades settled trades and a defined Sharpe qualify. With approval
// gating enabled it opens a request instead and applies on approval.
func (m *Manager) Promote(ctx context.Context, modelID, versionID uint, now time.Time) (*PromoteResult, error) {
	v, err := m.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.ModelID != modelID {
		return nil, fmt.Errorf("version %d belongs to model %d: %w", versionID, v.ModelID, storage.ErrNotFound)
	}
	if err := m.qualifies(ctx, v, now); err != nil {
		return nil, err
	}

	if m.requireApproval && m.approvals != nil {
		req, err := m.approvals.Request(ctx, KindPromote, modelID, map[string]string{
			"version_id":  strconv.FormatUint(uint64(versionID), 10),
			"version_num": strconv.Itoa(v.VersionNum),
		}, now)
		if err != nil {
			return nil, err
		}
		return &PromoteResult{Pending: req}, nil
	}
	return m.promote(ctx, v, now)
}

func (m *Manager) qualifies(ctx context.Context, v *types.Version, now time.Time) error {
	all, err := m.Stats(ctx, v.ModelID, now)
	if err != nil {
		return err
	}
	for _, s := range all {
		if s.Version.ID != v.ID {
			continue
		}
		if s.Trades < MinPromoteTrades || s.Sharpe == nil {
			return fmt.Errorf("v%d has %d settled trades, need %d with a defined sharpe: %w",
				v.VersionNum, s.Trades, MinPromoteTrades, ErrNotQualified)
		}
		return nil
	}
	return fmt.Errorf("v%d: %w", v.VersionNum, ErrNotQualified)
}

func (m *Manager) applyPromotion(ctx context.Context, req *types.ApprovalRequest, now time.Time) error {
	id, err := strconv.ParseUint(req.Payload["version_id"], 10, 64)
	if err != nil {
		return fmt.Errorf("bad version id %q: %w", req.Payload["version_id"], err)
	}
	v, err := m.store.GetVersion(ctx, uint(id))
	if err != nil {
		return err
	}
	_, err = m.promote(ctx, v, now)
	return err
}

func (m *Manager) promote(ctx context.Context, v *types.Version, now time.Time) (*PromoteResult, error) {
	updated, err := m.store.MutateModel(ctx, v.ModelID, func(model *types.Model) error {
		model.SignalWeights = make(map[string]float64, len(v.SignalWeights))
		for k, w := range v.SignalWeights {
			model.SignalWeights[k] = w
		}
		model.Thresholds = v.Thresholds
		model.Version++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply version %d: %w", v.VersionNum, err)
	}
	if err := m.store.MarkProdSynced(ctx, v.ID); err != nil {
		return nil, fmt.Errorf("mark prod synced: %w", err)
	}

	promoted, err := m.Record(ctx, updated, fmt.Sprintf("promoted from v%d", v.VersionNum), now)
	if err != nil {
		log.Warn().Err(err).Uint("model", v.ModelID).Msg("Promotion applied but version not recorded")
	}

	log.Info().Uint("model", v.ModelID).Int("from_version", v.VersionNum).Int("live_version", updated.Version).Msg("🚀 Version promoted")
	return &PromoteResult{Model: updated, Promoted: promoted}, nil
}
