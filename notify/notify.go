package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polylearn/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFY - fire-and-forget operator notifications
// ═══════════════════════════════════════════════════════════════════════════════

// Kind of event
type Kind string

const (
	KindStartup    Kind = "startup"
	KindBet        Kind = "bet"
	KindSettlement Kind = "settlement"
	KindBlackout   Kind = "blackout"
	KindLearning   Kind = "learning"
	KindError      Kind = "error"
)

// Event is one notification
type Event struct {
	Kind      Kind              `json:"kind"`
	ModelID   uint              `json:"model_id,omitempty"`
	ModelName string            `json:"model_name,omitempty"`
	MarketID  string            `json:"market_id,omitempty"`
	TradeID   string            `json:"trade_id,omitempty"`
	Direction types.Direction   `json:"direction,omitempty"`
	Amount    decimal.Decimal   `json:"amount"`
	Odds      float64           `json:"odds,omitempty"`
	PnL       decimal.Decimal   `json:"pnl"`
	Status    types.TradeStatus `json:"status,omitempty"`
	Message   string            `json:"message,omitempty"`
	Time      time.Time         `json:"time"`
}

// Sink delivers events somewhere
type Sink interface {
	Notify(ctx context.Context, ev Event) error
	Name() string
}

// Log writes events to the structured log
type Log struct{}

func (Log) Name() string { return "log" }

func (Log) Notify(_ context.Context, ev Event) error {
	e := log.Info().
		Str("kind", string(ev.Kind)).
		Uint("model", ev.ModelID)
	if ev.MarketID != "" {
		e = e.Str("market", ev.MarketID)
	}
	if ev.Direction != "" {
		e = e.Str("direction", string(ev.Direction))
	}
	if !ev.Amount.IsZero() {
		e = e.Str("amount", ev.Amount.StringFixed(2))
	}
	if ev.Kind == KindSettlement {
		e = e.Str("pnl", ev.PnL.StringFixed(2)).Str("status", string(ev.Status))
	}
	e.Msg(Headline(ev))
	return nil
}

// Headline is a one-line human summary of an event
func Headline(ev Event) string {
	switch ev.Kind {
	case KindBet:
		return fmt.Sprintf("💰 %s bet %s $%s on %s @ %.2f", ev.ModelName, ev.Direction, ev.Amount.StringFixed(2), ev.MarketID, ev.Odds)
	case KindSettlement:
		sign := "+"
		if ev.PnL.IsNegative() {
			sign = ""
		}
		return fmt.Sprintf("📊 %s %s trade %s: %s$%s", ev.ModelName, ev.Status, ev.TradeID, sign, ev.PnL.StringFixed(2))
	case KindBlackout:
		return fmt.Sprintf("🚨 %s: %s", ev.ModelName, ev.Message)
	case KindLearning:
		return fmt.Sprintf("🧠 %s: %s", ev.ModelName, ev.Message)
	case KindError:
		return fmt.Sprintf("⚠️ %s", ev.Message)
	}
	return ev.Message
}

// Multi fans events out to every sink without blocking the caller.
// A failing or panicking sink is logged and never reaches the caller.
type Multi struct {
	sinks   []Sink
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewMulti creates a fan-out over sinks; nil sinks are dropped
func NewMulti(timeout time.Duration, sinks ...Sink) *Multi {
	m := &Multi{timeout: timeout}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Add registers another sink
func (m *Multi) Add(s Sink) {
	if s != nil {
		m.sinks = append(m.sinks, s)
	}
}

// Publish delivers ev asynchronously to all sinks
func (m *Multi) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, s := range m.sinks {
		m.wg.Add(1)
		go m.deliver(s, ev)
	}
}

func (m *Multi) deliver(s Sink, ev Event) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("sink", s.Name()).Msg("Notification sink panicked")
		}
	}()

	ctx := context.Background()
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	if err := s.Notify(ctx, ev); err != nil {
		log.Warn().Err(err).Str("sink", s.Name()).Str("kind", string(ev.Kind)).Msg("Notification failed")
	}
}

// Wait blocks until in-flight deliveries finish
func (m *Multi) Wait() {
	m.wg.Wait()
}
