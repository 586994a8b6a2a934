package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polylearn/notify"
	"github.com/web3guy0/polylearn/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - paper trading notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   💰 Bet and settlement alerts
//   🚨 Circuit breaker alerts
//   🧠 Learning cycle summaries
//   🎛️ Commands (/status, /models, /pause, /resume, /ping)
//
// ═══════════════════════════════════════════════════════════════════════════════

// ModelSummary is one row of the /models reply
type ModelSummary struct {
	ID        uint
	Name      string
	Version   int
	Balance   decimal.Decimal
	Threshold float64
	Blackout  bool
}

// StatsProvider supplies data for the status commands
type StatsProvider interface {
	Summaries(ctx context.Context) ([]ModelSummary, error)
}

// Sender is the part of the Telegram API the bot uses
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramBot is a notification sink with a small control surface
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	sender  Sender
	chatID  int64
	running bool
	paused  bool
	stopCh  chan struct{}

	stats StatsProvider

	onPause  func()
	onResume func()
}

// NewTelegramBot connects to the Bot API
func NewTelegramBot(token string, chatID int64, stats StatsProvider) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID not set")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	b := NewWithSender(api, chatID, stats)
	b.api = api
	return b, nil
}

// NewWithSender builds a bot around any sender; commands are disabled
func NewWithSender(sender Sender, chatID int64, stats StatsProvider) *TelegramBot {
	return &TelegramBot{
		sender: sender,
		chatID: chatID,
		stopCh: make(chan struct{}),
		stats:  stats,
	}
}

func (b *TelegramBot) Name() string { return "telegram" }

// SetControlCallbacks sets pause/resume handlers
func (b *TelegramBot) SetControlCallbacks(onPause, onResume func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPause = onPause
	b.onResume = onResume
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running || b.api == nil {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Notify renders an event as Markdown and sends it to the chat
func (b *TelegramBot) Notify(_ context.Context, ev notify.Event) error {
	return b.sendMarkdown(Render(ev))
}

// Render formats an event for Telegram
func Render(ev notify.Event) string {
	switch ev.Kind {
	case notify.KindBet:
		emoji := "🟢"
		if ev.Direction == types.DirectionDown {
			emoji = "🔴"
		}
		return fmt.Sprintf(`%s *BET PLACED*

🤖 *%s* — %s
📊 %s
━━━━━━━━━━━━━━━━
💵 Stake: *$%s*
🎯 Odds: *%.1f¢*`,
			emoji, ev.ModelName, strings.ToUpper(string(ev.Direction)),
			ev.MarketID,
			ev.Amount.StringFixed(2),
			ev.Odds*100,
		)

	case notify.KindSettlement:
		emoji := "📈"
		sign := "+"
		if ev.PnL.IsNegative() {
			emoji = "📉"
			sign = ""
		}
		if ev.Status == types.TradeExpired {
			emoji = "⌛"
		}
		return fmt.Sprintf(`%s *TRADE %s*

🤖 %s — %s
💵 P&L: *%s$%s*`,
			emoji, strings.ToUpper(string(ev.Status)),
			ev.ModelName, ev.MarketID,
			sign, ev.PnL.StringFixed(2),
		)

	case notify.KindBlackout:
		return fmt.Sprintf("🚨 *CIRCUIT BREAKER*\n\n🤖 %s\n%s", ev.ModelName, ev.Message)

	case notify.KindLearning:
		return fmt.Sprintf("🧠 *LEARNING CYCLE*\n\n🤖 %s\n%s", ev.ModelName, ev.Message)

	case notify.KindStartup:
		return fmt.Sprintf("🚀 *POLYLEARN STARTED*\n━━━━━━━━━━━━━━━━━━━━\n\n%s\n\nUse /help for commands", ev.Message)

	case notify.KindError:
		return fmt.Sprintf("⚠️ *ERROR*\n\n`%s`", ev.Message)
	}
	return ev.Message
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.HandleCommand(update.Message.Command())
		}
	}
}

// HandleCommand executes one chat command
func (b *TelegramBot) HandleCommand(cmd string) {
	switch strings.ToLower(cmd) {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "models":
		b.cmdModels()
	case "pause":
		b.cmdPause()
	case "resume":
		b.cmdResume()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *POLYLEARN COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Bot status
🧠 /models — Models, versions and balances
⏸️ /pause — Pause betting
▶️ /resume — Resume betting
🏓 /ping — Test connection`

	_ = b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStatus() {
	b.mu.RLock()
	paused := b.paused
	b.mu.RUnlock()

	status := "🟢 RUNNING"
	if paused {
		status = "⏸️ PAUSED"
	}

	models, total := 0, decimal.Zero
	if b.stats != nil {
		if rows, err := b.stats.Summaries(context.Background()); err == nil {
			models = len(rows)
			for _, r := range rows {
				total = total.Add(r.Balance)
			}
		}
	}

	_ = b.sendMarkdown(fmt.Sprintf(`📊 *BOT STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
📊 Mode: *PAPER*
🤖 Models: *%d*
💰 Total balance: *$%s*`, status, models, total.StringFixed(2)))
}

func (b *TelegramBot) cmdModels() {
	if b.stats == nil {
		b.send("❌ Stats not available")
		return
	}
	rows, err := b.stats.Summaries(context.Background())
	if err != nil {
		b.send("❌ Failed to fetch models")
		return
	}
	if len(rows) == 0 {
		b.send("📭 No active models")
		return
	}

	var sb strings.Builder
	sb.WriteString("🧠 *MODELS*\n━━━━━━━━━━━━━━━━━━━━\n\n")
	for _, r := range rows {
		flag := "🟢"
		if r.Blackout {
			flag = "🚨"
		}
		fmt.Fprintf(&sb, "%s *%s* v%d\n💰 $%s | 🎯 %.2f\n\n", flag, r.Name, r.Version, r.Balance.StringFixed(2), r.Threshold)
	}
	_ = b.sendMarkdown(sb.String())
}

func (b *TelegramBot) cmdPause() {
	b.mu.Lock()
	b.paused = true
	cb := b.onPause
	b.mu.Unlock()

	if cb != nil {
		cb()
	}

	b.send("⏸️ Betting paused")
	log.Info().Msg("Betting paused via Telegram")
}

func (b *TelegramBot) cmdResume() {
	b.mu.Lock()
	b.paused = false
	cb := b.onResume
	b.mu.Unlock()

	if cb != nil {
		cb()
	}

	b.send("▶️ Betting resumed")
	log.Info().Msg("Betting resumed via Telegram")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.sender.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) error {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.sender.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
