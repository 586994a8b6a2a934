package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TRADE ANALYZER - post-mortem attribution of settled trades
// ═══════════════════════════════════════════════════════════════════════════════
//
// alignment    = normalized · direction(+1 up, −1 down)
// contribution = alignment · outcome(+1 win, −1 loss)
//
// Verdict cascade, first match wins:
//   good_trade      profit > 10% of stake
//   bad_edge        loss bought up below 0.30 or down above 0.70 (up-side odds)
//   market_reversal loss with BTC moving > 2% against the position
//   timing          loss with positive mean alignment
//   signal_failure  everything else, thin wins included
//
// ═══════════════════════════════════════════════════════════════════════════════

var ErrNotDecisive = errors.New("trade has no resolution to analyse")

const (
	goodTradeProfitRatio = 0.10
	badEdgeUpBelow       = 0.30
	badEdgeDownAbove     = 0.70
	reversalMovePct      = 2.0
	suggestionScale      = 0.05
	priceTolerance       = 30 * time.Minute
)

// Store is the persistence the analyzer reads and writes
type Store interface {
	storage.SignalRepository
	storage.AnalysisRepository
	storage.PriceRepository
	storage.MarketRepository
}

// Analyzer classifies settled trades
type Analyzer struct {
	store Store
}

// NewAnalyzer creates an analyzer
func NewAnalyzer(store Store) *Analyzer {
	return &Analyzer{store: store}
}

// Attribution is the per-source breakdown of one trade
type Attribution struct {
	Alignment     map[string]float64
	Contributions map[string]float64
	MeanAlignment float64
}

// Contributions locates the readings preceding the trade's open and scores each source
func (a *Analyzer) Contributions(ctx context.Context, t *types.Trade) (*Attribution, error) {
	latest, err := a.store.LatestSignals(ctx, t.ModelID, t.OpenedAt)
	if err != nil {
		return nil, fmt.Errorf("signals at open: %w", err)
	}

	outcome := -1.0
	if t.Won() {
		outcome = 1.0
	}
	dir := t.Direction.Multiplier()

	att := &Attribution{
		Alignment:     make(map[string]float64, len(latest)),
		Contributions: make(map[string]float64, len(latest)),
	}
	var sum float64
	for source, sig := range latest {
		align := sig.Normalized * dir
		att.Alignment[source] = align
		att.Contributions[source] = align * outcome
		sum += align
	}
	if len(latest) > 0 {
		att.MeanAlignment = sum / float64(len(latest))
	}
	return att, nil
}

// Analyze produces the stored analysis for a settled trade. A trade that already
// has an analysis returns the stored one unchanged.
func (a *Analyzer) Analyze(ctx context.Context, t *types.Trade) (*types.TradeAnalysis, error) {
	if !t.Decisive() {
		return nil, ErrNotDecisive
	}

	existing, err := a.store.GetAnalysis(ctx, t.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load analysis: %w", err)
	}

	att, err := a.Contributions(ctx, t)
	if err != nil {
		return nil, err
	}

	conditions := a.conditions(ctx, t)
	verdict := Classify(t, conditions["btc_move_pct"], att.MeanAlignment)

	suggestions := make(map[string]float64, len(att.Contributions))
	for source, c := range att.Contributions {
		suggestions[source] = c * suggestionScale
	}

	ta := &types.TradeAnalysis{
		TradeID:               t.ID,
		ModelID:               t.ModelID,
		Verdict:               verdict,
		SignalContributions:   att.Contributions,
		AdjustmentSuggestions: suggestions,
		MarketConditions:      conditions,
		CreatedAt:             *t.ClosedAt,
	}

	if err := a.store.SaveAnalysis(ctx, ta); err != nil {
		if errors.Is(err, storage.ErrDuplicateAnalysis) {
			return a.store.GetAnalysis(ctx, t.ID)
		}
		log.Warn().Err(err).Str("trade", t.ID).Msg("Failed to persist trade analysis")
		return ta, nil
	}

	log.Info().
		Uint("model", t.ModelID).
		Str("trade", t.ID).
		Str("verdict", string(verdict)).
		Str("pnl", "$"+t.PnL.StringFixed(2)).
		Strs("sources", sortedKeys(att.Contributions)).
		Msg("🔎 Trade analysed")

	return ta, nil
}

// Classify applies the verdict cascade. btcMovePct is the BTC change between
// open and close in percent.
func Classify(t *types.Trade, btcMovePct, meanAlignment float64) types.Verdict {
	threshold := t.AmountUSDC.Mul(decimal.NewFromFloat(goodTradeProfitRatio))
	if t.PnL.GreaterThan(threshold) {
		return types.VerdictGoodTrade
	}
	if t.Won() {
		return types.VerdictSignalFailure
	}

	if (t.Direction == types.DirectionUp && t.EntryOdds < badEdgeUpBelow) ||
		(t.Direction == types.DirectionDown && t.EntryOdds > badEdgeDownAbove) {
		return types.VerdictBadEdge
	}

	against := btcMovePct * -t.Direction.Multiplier()
	if against > reversalMovePct {
		return types.VerdictMarketReversal
	}

	if meanAlignment > 0 {
		return types.VerdictTiming
	}
	return types.VerdictSignalFailure
}

// conditions snapshots the market at open. Missing data leaves keys out.
func (a *Analyzer) conditions(ctx context.Context, t *types.Trade) map[string]float64 {
	out := map[string]float64{
		"entry_odds":   t.EntryOdds,
		"btc_move_pct": 0,
	}
	if t.ExitOdds != nil {
		out["exit_odds"] = *t.ExitOdds
	}

	if snap, err := a.store.LatestSnapshot(ctx, t.MarketID, t.OpenedAt); err == nil {
		out["up_odds"] = snap.UpOdds
		out["down_odds"] = snap.DownOdds
		out["vig"] = snap.Vig()
		out["volume"] = snap.Volume
		out["time_remaining"] = float64(snap.TimeRemaining)
	}

	open, err := a.store.NearestPrice(ctx, t.OpenedAt, priceTolerance)
	if err != nil {
		return out
	}
	out["btc_change_1h"] = open.Change1h
	out["btc_price_open"] = open.Price

	if t.ClosedAt == nil {
		return out
	}
	closing, err := a.store.NearestPrice(ctx, *t.ClosedAt, priceTolerance)
	if err != nil || open.Price == 0 {
		return out
	}
	out["btc_price_close"] = closing.Price
	out["btc_move_pct"] = (closing.Price - open.Price) / open.Price * 100
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
