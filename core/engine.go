package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polylearn/analysis"
	"github.com/web3guy0/polylearn/bot"
	"github.com/web3guy0/polylearn/execution"
	"github.com/web3guy0/polylearn/learning"
	"github.com/web3guy0/polylearn/notify"
	"github.com/web3guy0/polylearn/patterns"
	"github.com/web3guy0/polylearn/risk"
	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/strategy"
	"github.com/web3guy0/polylearn/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Sweep orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow per sweep:
//   Expire → Analyze → Blackout → Learn → Patterns → Throttles
//   then per active model: Aggregate → Skip gate → Paper bet → Notify
//
// A failing model never aborts the sweep.
//
// ═══════════════════════════════════════════════════════════════════════════════

// recentWindow is the trade count used for the aggregator's recent win rate
const recentWindow = 20

// Publisher fans events out to the notification sinks
type Publisher interface {
	Publish(ev notify.Event)
}

// Metrics receives sweep counters
type Metrics interface {
	ObserveSweep(d time.Duration)
	SweepError(stage string)
	Decision(action, oracle string)
	Skip(gate string)
	Bet(model, direction string)
	Settlement(status, outcome string)
	Learning(result string)
	Balance(model string, usdc float64)
	Blackout(model string, on bool)
}

type nopMetrics struct{}

func (nopMetrics) ObserveSweep(time.Duration) {}
func (nopMetrics) SweepError(string) {}
func (nopMetrics) Decision(string, string) {}
func (nopMetrics) Skip(string) {}
func (nopMetrics) Bet(string, string) {}
func (nopMetrics) Settlement(string, string) {}
func (nopMetrics) Learning(string) {}
func (nopMetrics) Balance(string, float64) {}
func (nopMetrics) Blackout(string, bool) {}

type nopPublisher struct{}

func (nopPublisher) Publish(notify.Event) {}

// Components wires the decision pipeline into the engine
type Components struct {
	Aggregator *strategy.Aggregator
	Sizer      *risk.Sizer
	Ledger     *execution.Ledger
	Analyzer   *analysis.Analyzer
	Improver   *learning.Improver
	Patterns   *patterns.Memory
	Publisher  Publisher
	Metrics    Metrics
}

// ModelOutcome is what one model did during a sweep
type ModelOutcome struct {
	ModelID  uint
	Name     string
	MarketID string
	Decision *strategy.Decision
	Gate     *risk.Decision
	Trade    *types.Trade
	Skipped  string
	Err      error
}

// SweepReport summarises a sweep
type SweepReport struct {
	Started  time.Time
	Duration time.Duration
	Settled  []*types.Trade
	Learned  []*learning.Result
	Models   []ModelOutcome
	Global   types.GlobalThrottle
	Errors   int
}

// Bets returns the trades opened during the sweep
func (r *SweepReport) Bets() []*types.Trade {
	var out []*types.Trade
	for _, o := range r.Models {
		if o.Trade != nil {
			out = append(out, o.Trade)
		}
	}
	return out
}

type Engine struct {
	mu sync.RWMutex

	store storage.Store
	c     Components

	// State
	paused  bool
	running bool
	stopCh  chan struct{}
	sweepMu sync.Mutex
}

// NewEngine creates the sweep engine. Nil publisher and metrics are replaced with no-ops.
func NewEngine(store storage.Store, c Components) *Engine {
	if c.Publisher == nil {
		c.Publisher = nopPublisher{}
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	return &Engine{
		store:  store,
		c:      c,
		stopCh: make(chan struct{}),
	}
}

// Start begins sweeping on a fixed interval
func (e *Engine) Start(interval time.Duration) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	stopCh := e.stopCh
	e.mu.Unlock()

	go e.mainLoop(interval, stopCh)

	log.Info().Dur("interval", interval).Msg("⚡ Engine started")
}

// Stop stops the engine
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}

	e.running = false
	close(e.stopCh)

	log.Info().Msg("Engine stopped")
}

// Pause stops new bets; settlement and learning keep running
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	log.Warn().Msg("⏸️ Betting paused")
}

// Resume re-enables betting
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	log.Info().Msg("▶️ Betting resumed")
}

// Paused reports whether betting is paused
func (e *Engine) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

func (e *Engine) mainLoop(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	e.Sweep(ctx, time.Now())
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			e.Sweep(ctx, time.Now())
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SWEEP
// ═══════════════════════════════════════════════════════════════════════════════

// Sweep runs one full pass. Sweeps never overlap.
func (e *Engine) Sweep(ctx context.Context, now time.Time) *SweepReport {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()

	report := &SweepReport{Started: now}
	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
		e.c.Metrics.ObserveSweep(report.Duration)
	}()

	// 1. Settlement
	settled, err := e.c.Ledger.ExpireTrades(ctx, now)
	if err != nil {
		e.fail(report, "expire", err)
	}
	var order []uint
	batch := make(map[uint]int)
	for _, t := range settled {
		e.afterSettlement(ctx, report, t, now)
		if batch[t.ModelID] == 0 {
			order = append(order, t.ModelID)
		}
		batch[t.ModelID]++
	}
	for _, id := range order {
		if res := e.learn(ctx, report, id, batch[id], now); res != nil {
			report.Learned = append(report.Learned, res)
		}
	}
	report.Settled = settled

	// 2. Derived state
	if _, err := e.c.Patterns.Recompute(ctx, now); err != nil {
		e.fail(report, "patterns", err)
	}
	global, err := e.c.Improver.UpdateGlobalThrottles(ctx, now)
	if err != nil {
		e.fail(report, "throttles", err)
		global = e.c.Improver.Throttles(ctx)
	}
	report.Global = global

	// 3. Decisions
	models, err := e.store.ActiveModels(ctx)
	if err != nil {
		e.fail(report, "models", err)
		return report
	}
	markets, err := e.store.LiveMarkets(ctx, now)
	if err != nil {
		e.fail(report, "markets", err)
		return report
	}
	open, err := e.openMarkets(ctx)
	if err != nil {
		e.fail(report, "open_trades", err)
		return report
	}

	for i := range models {
		m := &models[i]
		outcome := e.safeRunModel(ctx, m, markets, open[m.ID], global, now)
		if outcome.Err != nil {
			report.Errors++
		}
		report.Models = append(report.Models, outcome)
	}

	log.Info().
		Int("settled", len(report.Settled)).
		Int("bets", len(report.Bets())).
		Int("models", len(report.Models)).
		Int("errors", report.Errors).
		Dur("took", time.Since(start)).
		Msg("🔁 Sweep complete")

	return report
}

// RunModel runs the decision pipeline for a single model without settling
func (e *Engine) RunModel(ctx context.Context, modelID uint, now time.Time) (ModelOutcome, error) {
	m, err := e.store.GetModel(ctx, modelID)
	if err != nil {
		return ModelOutcome{ModelID: modelID}, fmt.Errorf("load model: %w", err)
	}
	markets, err := e.store.LiveMarkets(ctx, now)
	if err != nil {
		return ModelOutcome{ModelID: modelID}, fmt.Errorf("live markets: %w", err)
	}
	open, err := e.openMarkets(ctx)
	if err != nil {
		return ModelOutcome{ModelID: modelID}, fmt.Errorf("open trades: %w", err)
	}
	outcome := e.safeRunModel(ctx, m, markets, open[m.ID], e.c.Improver.Throttles(ctx), now)
	return outcome, outcome.Err
}

func (e *Engine) fail(report *SweepReport, stage string, err error) {
	report.Errors++
	e.c.Metrics.SweepError(stage)
	log.Error().Err(err).Str("stage", stage).Msg("Sweep stage failed")
}

// openMarkets maps model id → markets with an open position
func (e *Engine) openMarkets(ctx context.Context) (map[uint]map[string]bool, error) {
	trades, err := e.store.OpenTrades(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[uint]map[string]bool)
	for _, t := range trades {
		if out[t.ModelID] == nil {
			out[t.ModelID] = make(map[string]bool)
		}
		out[t.ModelID][t.MarketID] = true
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SETTLEMENT
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) afterSettlement(ctx context.Context, report *SweepReport, t *types.Trade, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.fail(report, "settlement", fmt.Errorf("panic: %v", r))
		}
	}()

	e.c.Metrics.Settlement(string(t.Status), outcomeLabel(t))

	name := fmt.Sprintf("model-%d", t.ModelID)
	if m, err := e.store.GetModel(ctx, t.ModelID); err == nil {
		name = m.Name
	}

	e.c.Publisher.Publish(notify.Event{
		Kind:      notify.KindSettlement,
		ModelID:   t.ModelID,
		ModelName: name,
		MarketID:  t.MarketID,
		TradeID:   t.ID,
		Direction: t.Direction,
		Amount:    t.AmountUSDC,
		Odds:      t.EntryOdds,
		PnL:       t.PnL,
		Status:    t.Status,
		Time:      now,
	})

	if !t.Decisive() {
		return
	}

	if a, err := e.c.Analyzer.Analyze(ctx, t); err != nil && !errors.Is(err, analysis.ErrNotDecisive) {
		e.fail(report, "analysis", err)
	} else if a != nil {
		log.Debug().Str("trade", t.ID).Str("verdict", string(a.Verdict)).Msg("Trade analysed")
	}

	note, err := e.c.Improver.EvaluateBlackout(ctx, t.ModelID, now)
	if err != nil {
		e.fail(report, "blackout", err)
	}
	if m, err := e.store.GetModel(ctx, t.ModelID); err == nil {
		e.c.Metrics.Blackout(m.Name, m.InBlackout(now))
		if note != "" {
			e.c.Publisher.Publish(notify.Event{
				Kind:      notify.KindBlackout,
				ModelID:   m.ID,
				ModelName: m.Name,
				Message:   note,
				Time:      now,
			})
		}
	}
}

// learn runs at most one learning cycle for a model whose settled count grew
// by n this sweep
func (e *Engine) learn(ctx context.Context, report *SweepReport, modelID uint, n int, now time.Time) (res *learning.Result) {
	defer func() {
		if r := recover(); r != nil {
			e.fail(report, "learning", fmt.Errorf("panic: %v", r))
			res = nil
		}
	}()

	after, err := e.store.CountSettled(ctx, modelID)
	if err != nil {
		e.fail(report, "learning", err)
		return nil
	}
	res, err = e.c.Improver.MaybeRunBatch(ctx, modelID, after-n, after, now)
	if err != nil {
		e.fail(report, "learning", err)
		e.c.Metrics.Learning("error")
		return nil
	}
	if res == nil {
		return nil
	}

	switch {
	case res.Skipped:
		e.c.Metrics.Learning("skipped")
	case res.Changed():
		e.c.Metrics.Learning("mutated")
		name := fmt.Sprintf("model-%d", modelID)
		if m, err := e.store.GetModel(ctx, modelID); err == nil {
			name = m.Name
		}
		e.c.Publisher.Publish(notify.Event{
			Kind:      notify.KindLearning,
			ModelID:   modelID,
			ModelName: name,
			Message:   strings.Join(res.Rationale, "; "),
			Time:      now,
		})
	default:
		e.c.Metrics.Learning("unchanged")
	}
	return res
}

func outcomeLabel(t *types.Trade) string {
	switch {
	case !t.Decisive():
		return "push"
	case t.Won():
		return "win"
	default:
		return "loss"
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// DECISIONS
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) safeRunModel(ctx context.Context, m *types.Model, markets []types.MarketSnapshot, open map[string]bool, global types.GlobalThrottle, now time.Time) (out ModelOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = ModelOutcome{ModelID: m.ID, Name: m.Name, Err: fmt.Errorf("panic: %v", r)}
			e.c.Metrics.SweepError("model")
			log.Error().Uint("model", m.ID).Interface("panic", r).Msg("Model run panicked")
		}
	}()

	out = e.runModel(ctx, m, markets, open, global, now)
	if out.Err != nil {
		e.c.Metrics.SweepError("model")
		log.Error().Err(out.Err).Uint("model", m.ID).Str("name", m.Name).Msg("Model run failed")
	}
	return out
}

func (e *Engine) runModel(ctx context.Context, m *types.Model, markets []types.MarketSnapshot, open map[string]bool, global types.GlobalThrottle, now time.Time) ModelOutcome {
	out := ModelOutcome{ModelID: m.ID, Name: m.Name}

	market := PickMarket(markets, open)
	if market == nil {
		out.Skipped = "no live market without an open position"
		return out
	}
	out.MarketID = market.MarketID

	if _, err := e.store.EnsureAccount(ctx, m.ID, m.StartingBalance); err != nil {
		out.Err = fmt.Errorf("ensure account: %w", err)
		return out
	}
	balance, err := e.c.Ledger.Balance(ctx, m.ID)
	if err != nil {
		out.Err = fmt.Errorf("balance: %w", err)
		return out
	}
	balF, _ := balance.Float64()
	e.c.Metrics.Balance(m.Name, balF)

	recent, err := e.store.RecentSettled(ctx, m.ID, recentWindow)
	if err != nil {
		out.Err = fmt.Errorf("recent trades: %w", err)
		return out
	}
	n, winRate := decisiveWinRate(recent)

	d, err := e.c.Aggregator.Aggregate(ctx, strategy.Input{
		Model:         m,
		Market:        market,
		Global:        global,
		Balance:       balance,
		RecentTrades:  n,
		RecentWinRate: winRate,
		Now:           now,
	})
	if err != nil {
		out.Err = fmt.Errorf("aggregate: %w", err)
		return out
	}
	out.Decision = d
	e.c.Metrics.Decision(string(d.Action), d.OracleStatus)

	if !d.Bet() {
		out.Skipped = d.Reason
		return out
	}
	if e.Paused() {
		out.Skipped = "betting paused"
		return out
	}

	gate := e.c.Sizer.Evaluate(risk.Request{
		Model:      m,
		Direction:  d.Direction,
		SideOdds:   market.SideOdds(d.Direction),
		WinProb:    risk.SideWinProbability(d.Score, d.Direction),
		Balance:    balance,
		Volatility: global.VolatilityPct,
		Global:     global,
		Now:        now,
	})
	out.Gate = &gate
	if gate.Skip {
		e.c.Metrics.Skip(GateLabel(gate.Reason))
		out.Skipped = gate.Reason
		return out
	}

	amount := gate.SuggestedBet
	if !d.ZeroAmount() {
		amount = risk.ClampToCap(d.OracleAmount, gate.SuggestedBet)
	}

	trade, err := e.c.Ledger.PlaceBet(ctx, execution.BetRequest{
		ModelID:   m.ID,
		Market:    market,
		Direction: d.Direction,
		Amount:    amount,
		Now:       now,
	})
	if errors.Is(err, execution.ErrInsufficientBalance) {
		e.c.Metrics.Skip("balance")
		out.Skipped = err.Error()
		return out
	}
	if err != nil {
		out.Err = fmt.Errorf("place bet: %w", err)
		return out
	}
	out.Trade = trade

	e.c.Metrics.Bet(m.Name, string(trade.Direction))
	e.c.Publisher.Publish(notify.Event{
		Kind:      notify.KindBet,
		ModelID:   m.ID,
		ModelName: m.Name,
		MarketID:  trade.MarketID,
		TradeID:   trade.ID,
		Direction: trade.Direction,
		Amount:    trade.AmountUSDC,
		Odds:      market.SideOdds(trade.Direction),
		Status:    trade.Status,
		Time:      now,
	})
	return out
}

// PickMarket returns the live market with the most time remaining that has no
// open position, or nil
func PickMarket(markets []types.MarketSnapshot, open map[string]bool) *types.MarketSnapshot {
	var best *types.MarketSnapshot
	for i := range markets {
		mk := &markets[i]
		if open[mk.MarketID] || mk.TimeRemaining <= 0 {
			continue
		}
		if best == nil || mk.TimeRemaining > best.TimeRemaining ||
			(mk.TimeRemaining == best.TimeRemaining && mk.MarketID < best.MarketID) {
			best = mk
		}
	}
	return best
}

// GateLabel buckets a skip reason into a metric label
func GateLabel(reason string) string {
	switch {
	case strings.Contains(reason, "blackout"):
		return "blackout"
	case strings.HasPrefix(reason, "global throttle"):
		return "throttle"
	case strings.HasPrefix(reason, "balance"):
		return "balance"
	case strings.HasPrefix(reason, "pattern edge"):
		return "edge"
	case strings.HasPrefix(reason, "kelly"):
		return "kelly"
	default:
		return "other"
	}
}

func decisiveWinRate(trades []types.Trade) (int, float64) {
	var n, wins int
	for i := range trades {
		if !trades[i].Decisive() {
			continue
		}
		n++
		if trades[i].Won() {
			wins++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return n, float64(wins) / float64(n)
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATUS
// ═══════════════════════════════════════════════════════════════════════════════

// Summaries lists every active model for the status commands
func (e *Engine) Summaries(ctx context.Context) ([]bot.ModelSummary, error) {
	models, err := e.store.ActiveModels(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]bot.ModelSummary, 0, len(models))
	for _, m := range models {
		balance := decimal.Zero
		if acc, err := e.store.GetAccount(ctx, m.ID); err == nil {
			balance = acc.Balance
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		out = append(out, bot.ModelSummary{
			ID:        m.ID,
			Name:      m.Name,
			Version:   m.Version,
			Balance:   balance,
			Threshold: m.Thresholds.BetThreshold,
			Blackout:  m.InBlackout(now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
