package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polylearn/types"
)

// MemoryStore is an in-process Store. Every read returns copies so callers
// cannot mutate stored state behind the lock.
type MemoryStore struct {
	mu sync.RWMutex

	models    map[uint]*types.Model
	signals   []types.Signal
	snapshots []types.MarketSnapshot
	prices    []types.BTCPrice
	trades    map[string]*types.Trade
	accounts  map[uint]*types.PaperAccount
	analyses  map[string]*types.TradeAnalysis
	insights  []types.Insight
	versions  []types.Version
	runs      []types.DecisionRun
	approvals map[uint]*types.ApprovalRequest

	nextID uint
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		models:    make(map[uint]*types.Model),
		trades:    make(map[string]*types.Trade),
		accounts:  make(map[uint]*types.PaperAccount),
		analyses:  make(map[string]*types.TradeAnalysis),
		approvals: make(map[uint]*types.ApprovalRequest),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) id() uint {
	s.nextID++
	return s.nextID
}

func copyModel(m *types.Model) types.Model {
	out := *m
	out.SignalWeights = m.CopyWeights()
	if m.BlackoutUntil != nil {
		t := *m.BlackoutUntil
		out.BlackoutUntil = &t
	}
	return out
}

func copyTrade(t *types.Trade) types.Trade {
	out := *t
	if t.ExitOdds != nil {
		v := *t.ExitOdds
		out.ExitOdds = &v
	}
	if t.ClosedAt != nil {
		v := *t.ClosedAt
		out.ClosedAt = &v
	}
	return out
}

func copyFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ─── models ──────────────────────────────────────────────────────────────────

func (s *MemoryStore) CreateModel(_ context.Context, m *types.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		m.ID = s.id()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.UpdatedAt = m.CreatedAt
	c := copyModel(m)
	s.models[m.ID] = &c
	return nil
}

func (s *MemoryStore) GetModel(_ context.Context, id uint) (*types.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, fmt.Errorf("model %d: %w", id, ErrNotFound)
	}
	c := copyModel(m)
	return &c, nil
}

func (s *MemoryStore) ActiveModels(_ context.Context) ([]types.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Model
	for _, m := range s.models {
		if m.Active {
			out = append(out, copyModel(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) MutateModel(_ context.Context, id uint, fn func(m *types.Model) error) (*types.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok {
		return nil, fmt.Errorf("model %d: %w", id, ErrNotFound)
	}
	work := copyModel(m)
	if err := fn(&work); err != nil {
		return nil, err
	}
	work.UpdatedAt = time.Now()
	stored := copyModel(&work)
	s.models[id] = &stored
	return &work, nil
}

// ─── signals ─────────────────────────────────────────────────────────────────

func (s *MemoryStore) AppendSignal(_ context.Context, sig *types.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig.ID = s.id()
	s.signals = append(s.signals, *sig)
	return nil
}

func (s *MemoryStore) LatestSignals(_ context.Context, modelID uint, at time.Time) (map[string]types.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.Signal)
	for _, sig := range s.signals {
		if sig.ModelID != modelID || sig.Timestamp.After(at) {
			continue
		}
		cur, ok := out[sig.Source]
		if !ok || sig.Timestamp.After(cur.Timestamp) || (sig.Timestamp.Equal(cur.Timestamp) && sig.ID > cur.ID) {
			out[sig.Source] = sig
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestSignalBySource(_ context.Context, source string, at time.Time) (*types.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *types.Signal
	for i := range s.signals {
		sig := &s.signals[i]
		if sig.Source != source || sig.Timestamp.After(at) {
			continue
		}
		if best == nil || sig.Timestamp.After(best.Timestamp) {
			best = sig
		}
	}
	if best == nil {
		return nil, fmt.Errorf("signal %s: %w", source, ErrNotFound)
	}
	c := *best
	return &c, nil
}

// ─── markets ─────────────────────────────────────────────────────────────────

func (s *MemoryStore) AppendSnapshot(_ context.Context, snap *types.MarketSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.ID = s.id()
	s.snapshots = append(s.snapshots, *snap)
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, marketID string, at time.Time) (*types.MarketSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *types.MarketSnapshot
	for i := range s.snapshots {
		snap := &s.snapshots[i]
		if snap.MarketID != marketID || snap.Timestamp.After(at) {
			continue
		}
		if best == nil || !snap.Timestamp.Before(best.Timestamp) {
			best = snap
		}
	}
	if best == nil {
		return nil, fmt.Errorf("market %s: %w", marketID, ErrNotFound)
	}
	c := *best
	return &c, nil
}

func (s *MemoryStore) LiveMarkets(_ context.Context, at time.Time) ([]types.MarketSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := make(map[string]types.MarketSnapshot)
	for _, snap := range s.snapshots {
		if snap.Timestamp.After(at) {
			continue
		}
		cur, ok := latest[snap.MarketID]
		if !ok || !snap.Timestamp.Before(cur.Timestamp) {
			latest[snap.MarketID] = snap
		}
	}
	var out []types.MarketSnapshot
	for _, snap := range latest {
		if snap.TimeRemaining > 0 {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out, nil
}

func (s *MemoryStore) AllSnapshots(_ context.Context) ([]types.MarketSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]types.MarketSnapshot(nil), s.snapshots...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// ─── prices ──────────────────────────────────────────────────────────────────

func (s *MemoryStore) AppendPrice(_ context.Context, p *types.BTCPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.id()
	s.prices = append(s.prices, *p)
	return nil
}

func (s *MemoryStore) NearestPrice(_ context.Context, at time.Time, tolerance time.Duration) (*types.BTCPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *types.BTCPrice
	var bestGap time.Duration
	for i := range s.prices {
		p := &s.prices[i]
		gap := p.Timestamp.Sub(at)
		if gap < 0 {
			gap = -gap
		}
		if gap > tolerance {
			continue
		}
		if best == nil || gap < bestGap {
			best, bestGap = p, gap
		}
	}
	if best == nil {
		return nil, fmt.Errorf("btc price near %s: %w", at.Format(time.RFC3339), ErrNotFound)
	}
	c := *best
	return &c, nil
}

func (s *MemoryStore) LatestPrice(_ context.Context, at time.Time) (*types.BTCPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *types.BTCPrice
	for i := range s.prices {
		p := &s.prices[i]
		if p.Timestamp.After(at) {
			continue
		}
		if best == nil || p.Timestamp.After(best.Timestamp) {
			best = p
		}
	}
	if best == nil {
		return nil, fmt.Errorf("btc price: %w", ErrNotFound)
	}
	c := *best
	return &c, nil
}

// ─── trades & accounts ───────────────────────────────────────────────────────

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*types.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	c := copyTrade(t)
	return &c, nil
}

func (s *MemoryStore) OpenTrades(_ context.Context) ([]types.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Trade
	for _, t := range s.trades {
		if t.Status == types.TradeOpen {
			out = append(out, copyTrade(t))
		}
	}
	sortByOpened(out)
	return out, nil
}

func (s *MemoryStore) RecentSettled(_ context.Context, modelID uint, limit int) ([]types.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Trade
	for _, t := range s.trades {
		if t.ModelID == modelID && t.Settled() {
			out = append(out, copyTrade(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := *out[i].ClosedAt, *out[j].ClosedAt
		if ci.Equal(cj) {
			return out[i].OpenedAt.After(out[j].OpenedAt)
		}
		return ci.After(cj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AllSettled(_ context.Context) ([]types.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Trade
	for _, t := range s.trades {
		if t.Settled() {
			out = append(out, copyTrade(t))
		}
	}
	sortByOpened(out)
	return out, nil
}

func (s *MemoryStore) TradesOpenedBetween(_ context.Context, modelID uint, from, to time.Time) ([]types.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Trade
	for _, t := range s.trades {
		if t.ModelID != modelID || t.OpenedAt.Before(from) || !t.OpenedAt.Before(to) {
			continue
		}
		out = append(out, copyTrade(t))
	}
	sortByOpened(out)
	return out, nil
}

func (s *MemoryStore) CountSettled(_ context.Context, modelID uint) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.trades {
		if t.ModelID == modelID && t.Settled() {
			n++
		}
	}
	return n, nil
}

func sortByOpened(ts []types.Trade) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].OpenedAt.Equal(ts[j].OpenedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].OpenedAt.Before(ts[j].OpenedAt)
	})
}

func (s *MemoryStore) EnsureAccount(_ context.Context, modelID uint, starting decimal.Decimal) (*types.PaperAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.accounts[modelID]; ok {
		c := *acc
		return &c, nil
	}
	acc := &types.PaperAccount{ModelID: modelID, Balance: starting, StartingBalance: starting, UpdatedAt: time.Now()}
	s.accounts[modelID] = acc
	c := *acc
	return &c, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, modelID uint) (*types.PaperAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[modelID]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", modelID, ErrNotFound)
	}
	c := *acc
	return &c, nil
}

func (s *MemoryStore) OpenTrade(_ context.Context, t *types.Trade) (*types.PaperAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[t.ModelID]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", t.ModelID, ErrNotFound)
	}
	if acc.Balance.LessThan(t.AmountUSDC) {
		return nil, ErrInsufficientFunds
	}
	if _, dup := s.trades[t.ID]; dup {
		return nil, fmt.Errorf("trade %s already exists", t.ID)
	}
	acc.Balance = acc.Balance.Sub(t.AmountUSDC)
	acc.UpdatedAt = time.Now()
	c := copyTrade(t)
	s.trades[t.ID] = &c
	out := *acc
	return &out, nil
}

func (s *MemoryStore) SettleTrade(_ context.Context, st Settlement) (*types.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[st.TradeID]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", st.TradeID, ErrNotFound)
	}
	if t.Status != types.TradeOpen {
		return nil, ErrAlreadySettled
	}
	acc, ok := s.accounts[t.ModelID]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", t.ModelID, ErrNotFound)
	}
	closedAt := st.ClosedAt
	t.Status = st.Status
	t.ExitOdds = st.ExitOdds
	t.PnL = st.PnL
	t.ClosedAt = &closedAt
	acc.Balance = acc.Balance.Add(t.AmountUSDC).Add(st.PnL)
	acc.UpdatedAt = time.Now()
	c := copyTrade(t)
	return &c, nil
}

// ─── analyses, insights, runs ────────────────────────────────────────────────

func (s *MemoryStore) GetAnalysis(_ context.Context, tradeID string) (*types.TradeAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.analyses[tradeID]
	if !ok {
		return nil, fmt.Errorf("analysis %s: %w", tradeID, ErrNotFound)
	}
	c := *a
	c.SignalContributions = copyFloatMap(a.SignalContributions)
	c.AdjustmentSuggestions = copyFloatMap(a.AdjustmentSuggestions)
	c.MarketConditions = copyFloatMap(a.MarketConditions)
	return &c, nil
}

func (s *MemoryStore) SaveAnalysis(_ context.Context, a *types.TradeAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.analyses[a.TradeID]; ok {
		return ErrDuplicateAnalysis
	}
	a.ID = s.id()
	c := *a
	c.SignalContributions = copyFloatMap(a.SignalContributions)
	c.AdjustmentSuggestions = copyFloatMap(a.AdjustmentSuggestions)
	c.MarketConditions = copyFloatMap(a.MarketConditions)
	s.analyses[a.TradeID] = &c
	return nil
}

func (s *MemoryStore) AppendInsight(_ context.Context, i *types.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i.ID = s.id()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now()
	}
	s.insights = append(s.insights, *i)
	return nil
}

func (s *MemoryStore) Insights(_ context.Context, modelID uint, limit int) ([]types.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Insight
	for i := len(s.insights) - 1; i >= 0; i-- {
		if s.insights[i].ModelID != modelID {
			continue
		}
		out = append(out, s.insights[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) RecordRun(_ context.Context, r *types.DecisionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.id()
	s.runs = append(s.runs, *r)
	return nil
}

// Runs returns recorded aggregator runs for a model (test helper)
func (s *MemoryStore) Runs(modelID uint) []types.DecisionRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.DecisionRun
	for _, r := range s.runs {
		if r.ModelID == modelID {
			out = append(out, r)
		}
	}
	return out
}

// ─── versions ────────────────────────────────────────────────────────────────

func (s *MemoryStore) AppendVersion(_ context.Context, v *types.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *types.Version
	for i := range s.versions {
		if s.versions[i].ModelID == v.ModelID {
			last = &s.versions[i]
		}
	}
	if last != nil {
		if v.VersionNum <= last.VersionNum {
			return ErrVersionConflict
		}
		parent := last.ID
		v.ParentVersionID = &parent
	} else {
		v.ParentVersionID = nil
	}
	v.ID = s.id()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	c := *v
	c.SignalWeights = copyFloatMap(v.SignalWeights)
	s.versions = append(s.versions, c)
	return nil
}

func (s *MemoryStore) Versions(_ context.Context, modelID uint) ([]types.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Version
	for _, v := range s.versions {
		if v.ModelID == modelID {
			c := v
			c.SignalWeights = copyFloatMap(v.SignalWeights)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNum < out[j].VersionNum })
	return out, nil
}

func (s *MemoryStore) GetVersion(_ context.Context, id uint) (*types.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions {
		if v.ID == id {
			c := v
			c.SignalWeights = copyFloatMap(v.SignalWeights)
			return &c, nil
		}
	}
	return nil, fmt.Errorf("version %d: %w", id, ErrNotFound)
}

func (s *MemoryStore) MarkProdSynced(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.versions {
		if s.versions[i].ID == id {
			s.versions[i].IsProdSynced = true
			return nil
		}
	}
	return fmt.Errorf("version %d: %w", id, ErrNotFound)
}

// ─── approvals ───────────────────────────────────────────────────────────────

func (s *MemoryStore) CreateApproval(_ context.Context, r *types.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.id()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	c := *r
	s.approvals[r.ID] = &c
	return nil
}

func (s *MemoryStore) GetApproval(_ context.Context, id uint) (*types.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %d: %w", id, ErrNotFound)
	}
	c := *r
	return &c, nil
}

func (s *MemoryStore) TransitionApproval(_ context.Context, id uint, from, to types.ApprovalStatus, note string, at time.Time) (*types.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %d: %w", id, ErrNotFound)
	}
	if r.Status != from {
		return nil, ErrNotAwaiting
	}
	r.Status = to
	if note != "" {
		r.Note = note
	}
	r.ResolvedAt = &at
	c := *r
	return &c, nil
}

func (s *MemoryStore) PendingApprovals(_ context.Context) ([]types.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.ApprovalRequest
	for _, r := range s.approvals {
		if r.Status == types.ApprovalAwaiting || r.Status == types.ApprovalApproved {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
