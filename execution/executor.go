package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polylearn/storage"
	"github.com/web3guy0/polylearn/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER LEDGER - simulated stakes, balances and settlement
// ═══════════════════════════════════════════════════════════════════════════════
//
// Trade flow:
//   PlaceBet → debit stake + insert open trade       (one transaction)
//   Settle   → compute pnl, credit stake + pnl, close (one transaction)
//
// Payout on a win is stake·(1−p)/p where p is the implied probability of the
// side bought. The market's vig is not deducted.
//
// ═══════════════════════════════════════════════════════════════════════════════

var ErrInsufficientBalance = errors.New("insufficient balance")

// LedgerStore is the persistence the ledger needs
type LedgerStore interface {
	storage.AccountRepository
	storage.TradeRepository
	storage.MarketRepository
}

// LedgerConfig holds ledger limits
type LedgerConfig struct {
	MinBet        decimal.Decimal
	FallbackRatio decimal.Decimal // share of balance used when the stake exceeds it
	OpenTTL       time.Duration   // open trades without market data expire after this
}

// DefaultLedgerConfig returns the standard limits
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		MinBet:        decimal.NewFromInt(1),
		FallbackRatio: decimal.NewFromFloat(0.5),
		OpenTTL:       30 * time.Minute,
	}
}

// Ledger executes paper trades
type Ledger struct {
	cfg   LedgerConfig
	store LedgerStore
}

// NewLedger creates a ledger
func NewLedger(cfg LedgerConfig, store LedgerStore) *Ledger {
	return &Ledger{cfg: cfg, store: store}
}

// BetRequest describes a stake to place
type BetRequest struct {
	ModelID   uint
	Market    *types.MarketSnapshot
	Direction types.Direction
	Amount    decimal.Decimal
	Now       time.Time
}

// PlaceBet debits the stake and opens a trade at the market's current up odds.
// A stake above the balance falls back to half the balance; anything under the
// minimum bet is rejected with ErrInsufficientBalance.
func (l *Ledger) PlaceBet(ctx context.Context, req BetRequest) (*types.Trade, error) {
	if !req.Direction.Valid() {
		return nil, fmt.Errorf("invalid direction %q", req.Direction)
	}
	if req.Market == nil {
		return nil, fmt.Errorf("place bet: no market")
	}

	acc, err := l.store.GetAccount(ctx, req.ModelID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	amount := req.Amount.Round(2)
	if amount.GreaterThan(acc.Balance) {
		fallback := acc.Balance.Mul(l.cfg.FallbackRatio).RoundFloor(2)
		log.Warn().
			Uint("model", req.ModelID).
			Str("requested", amount.StringFixed(2)).
			Str("balance", acc.Balance.StringFixed(2)).
			Str("fallback", fallback.StringFixed(2)).
			Msg("Stake exceeds balance, using fallback")
		amount = fallback
	}
	if amount.LessThan(l.cfg.MinBet) {
		return nil, fmt.Errorf("%w: stake $%s, balance $%s", ErrInsufficientBalance, amount.StringFixed(2), acc.Balance.StringFixed(2))
	}

	trade := &types.Trade{
		ID:         uuid.NewString(),
		ModelID:    req.ModelID,
		MarketID:   req.Market.MarketID,
		Direction:  req.Direction,
		AmountUSDC: amount,
		EntryOdds:  req.Market.UpOdds,
		Status:     types.TradeOpen,
		PnL:        decimal.Zero,
		OpenedAt:   req.Now,
	}

	after, err := l.store.OpenTrade(ctx, trade)
	if errors.Is(err, storage.ErrInsufficientFunds) {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	}
	if err != nil {
		return nil, fmt.Errorf("open trade: %w", err)
	}

	log.Info().
		Uint("model", req.ModelID).
		Str("trade", trade.ID).
		Str("market", trade.MarketID).
		Str("direction", string(trade.Direction)).
		Str("stake", "$"+amount.StringFixed(2)).
		Float64("up_odds", trade.EntryOdds).
		Str("balance", "$"+after.Balance.StringFixed(2)).
		Msg("💰 Paper bet placed")

	return trade, nil
}

// PnL is the realized profit of a trade. exitOdds is the up-side resolution
// probability; nil settles as a push.
func PnL(direction types.Direction, entryOdds float64, stake decimal.Decimal, exitOdds *float64) decimal.Decimal {
	if exitOdds == nil {
		return decimal.Zero
	}

	won := (direction == types.DirectionUp && *exitOdds >= 0.5) ||
		(direction == types.DirectionDown && *exitOdds < 0.5)
	if !won {
		return stake.Neg()
	}

	p := entryOdds
	if direction == types.DirectionDown {
		p = 1 - entryOdds
	}
	if p <= 0 || p >= 1 {
		log.Warn().Float64("side_prob", p).Msg("Degenerate entry odds, settling win at zero profit")
		return decimal.Zero
	}

	return stake.Mul(decimal.NewFromFloat((1 - p) / p)).Round(2)
}

// Settle closes a trade against resolution odds. Nil odds settle as an expired push.
func (l *Ledger) Settle(ctx context.Context, tradeID string, exitOdds *float64, now time.Time) (*types.Trade, error) {
	t, err := l.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("load trade: %w", err)
	}
	if t.Settled() {
		return nil, storage.ErrAlreadySettled
	}

	status := types.TradeClosed
	if exitOdds == nil {
		status = types.TradeExpired
	}

	settled, err := l.store.SettleTrade(ctx, storage.Settlement{
		TradeID:  tradeID,
		Status:   status,
		ExitOdds: exitOdds,
		PnL:      PnL(t.Direction, t.EntryOdds, t.AmountUSDC, exitOdds),
		ClosedAt: now,
	})
	if err != nil {
		return nil, err
	}

	event := log.Info()
	if settled.PnL.IsNegative() {
		event = log.Warn()
	}
	event.
		Uint("model", settled.ModelID).
		Str("trade", settled.ID).
		Str("status", string(settled.Status)).
		Str("pnl", "$"+settled.PnL.StringFixed(2)).
		Msg("📊 Paper trade settled")

	return settled, nil
}

// Balance returns the model's current paper balance
func (l *Ledger) Balance(ctx context.Context, modelID uint) (decimal.Decimal, error) {
	acc, err := l.store.GetAccount(ctx, modelID)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}
