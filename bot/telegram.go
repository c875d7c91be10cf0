package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Lifecycle notifications & operator control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   🔔 Position, trailing and recovery notifications (silent)
//   🚨 Kill-switch notifications (with sound)
//   🎛️ Operator commands (/status, /positions, /halt, /resume, /flatten)
//
// Notify never blocks: events go through a bounded queue drained by one
// sender goroutine. When the queue is full the event is dropped and logged.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	queueSize      = 256
	commandTimeout = 15 * time.Second
)

// Controller is what operator commands act on
type Controller interface {
	RiskSnapshot() types.RiskState
	OpenPositions() []*types.Position
	Halt(ctx context.Context) error
	Resume(ctx context.Context) error
	Flatten(ctx context.Context) []error
}

// sender is the part of *tgbotapi.BotAPI used for output
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	out     sender
	chatID  int64
	running bool
	stopCh  chan struct{}
	done    sync.WaitGroup

	queue chan tgbotapi.MessageConfig
	ctl   Controller
}

// NewTelegramBot connects to the Bot API
func NewTelegramBot(token string, chatID int64) (*TelegramBot, error) {
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

	b := newTelegramBot(api, chatID)
	b.api = api

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return b, nil
}

func newTelegramBot(out sender, chatID int64) *TelegramBot {
	return &TelegramBot{
		out:    out,
		chatID: chatID,
		stopCh: make(chan struct{}),
		queue:  make(chan tgbotapi.MessageConfig, queueSize),
	}
}

// SetController enables operator commands
func (b *TelegramBot) SetController(ctl Controller) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctl = ctl
}

// Start begins sending queued messages and, with a live API, listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	b.done.Add(1)
	go b.sendLoop()

	if b.api != nil {
		b.done.Add(1)
		go b.commandLoop()
	}
	log.Info().Msg("📱 Telegram bot started")
}

// Stop ends both loops; messages still queued are dropped
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	if b.api != nil {
		b.api.StopReceivingUpdates()
	}
	b.done.Wait()
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Notify queues an event; it never blocks
func (b *TelegramBot) Notify(ev types.Event) {
	msg := tgbotapi.NewMessage(b.chatID, FormatEvent(ev))
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableNotification = ev.Priority != types.PriorityHigh

	select {
	case b.queue <- msg:
	default:
		log.Warn().Str("type", string(ev.Type)).Msg("⚠️ Telegram queue full, event dropped")
	}
}

func (b *TelegramBot) sendLoop() {
	defer b.done.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case msg := <-b.queue:
			if _, err := b.out.Send(msg); err != nil {
				log.Error().Err(err).Msg("Failed to send Telegram message")
			}
		}
	}
}

// FormatEvent renders an event as a Markdown message
func FormatEvent(ev types.Event) string {
	var sb strings.Builder
	sb.WriteString(eventEmoji(ev.Type))
	sb.WriteString(" *")
	sb.WriteString(strings.ToUpper(strings.ReplaceAll(string(ev.Type), "_", " ")))
	sb.WriteString("*\n━━━━━━━━━━━━━━━━━━━━\n\n")
	sb.WriteString(escape(ev.Message))

	if p := ev.Position; p != nil && p.Status == types.StatusClosed {
		sign := "+"
		if p.RealizedPnL.IsNegative() {
			sign = ""
		}
		fmt.Fprintf(&sb, "\n\n💵 P&L: *%s$%s* (%s%s%%)\n⏱️ Held: %v",
			sign, p.RealizedPnL.StringFixed(2), sign, p.RealizedPnLPercent.StringFixed(2),
			p.ExitTime.Sub(p.EntryTime).Round(time.Second))
	}
	return sb.String()
}

// escape protects free text (reasons, errors, symbols) from Markdown parsing
func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, s)
}

func eventEmoji(t types.EventType) string {
	switch t {
	case types.EventPositionOpened:
		return "✅"
	case types.EventStopHit:
		return "🛑"
	case types.EventTargetHit:
		return "💰"
	case types.EventPositionClosed:
		return "📊"
	case types.EventTrailingUpdated:
		return "📐"
	case types.EventKillSwitchActivated:
		return "🚨"
	case types.EventKillSwitchCleared:
		return "▶️"
	case types.EventRecovery:
		return "📥"
	case types.EventBookingFailed:
		return "⚠️"
	}
	return "📌"
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	defer b.done.Done()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			// Only respond to authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			b.reply(b.handleCommand(update.Message.Command()))
		}
	}
}

// handleCommand runs a command and returns the Markdown reply
func (b *TelegramBot) handleCommand(cmd string) string {
	b.mu.RLock()
	ctl := b.ctl
	b.mu.RUnlock()

	cmd = strings.ToLower(cmd)
	if ctl == nil && cmd != "help" && cmd != "start" && cmd != "ping" {
		return "❌ Not available"
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch cmd {
	case "start", "help":
		return helpText
	case "ping":
		return "🏓 Pong!"
	case "status":
		return FormatStatus(ctl.RiskSnapshot(), len(ctl.OpenPositions()))
	case "positions":
		return FormatPositions(ctl.OpenPositions(), time.Now())
	case "halt":
		if err := ctl.Halt(ctx); err != nil {
			return "❌ Halt not persisted: " + escape(err.Error())
		}
		log.Warn().Msg("Trading halted via Telegram")
		return "🛑 Trading halted. Open positions stay supervised."
	case "resume":
		if err := ctl.Resume(ctx); err != nil {
			return "❌ Resume not persisted: " + escape(err.Error())
		}
		log.Info().Msg("Trading resumed via Telegram")
		return "▶️ Kill switch cleared, trading resumed"
	case "flatten":
		errs := ctl.Flatten(ctx)
		if len(errs) > 0 {
			return fmt.Sprintf("⚠️ Flatten finished with %d error(s): %s", len(errs), escape(errs[0].Error()))
		}
		return "✅ All positions closed"
	}
	return "❓ Unknown command. Use /help"
}

const helpText = `🤖 *TRADEGUARD COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Capital, daily P&L, kill switch
💼 /positions — Open positions
🛑 /halt — Activate kill switch
▶️ /resume — Clear kill switch
🧹 /flatten — Close every position at market
🏓 /ping — Test connection`

// FormatStatus renders the risk posture
func FormatStatus(s types.RiskState, open int) string {
	status := "🟢 TRADING"
	if s.KillSwitchActive {
		status = fmt.Sprintf("🔴 HALTED (%s since %s)", escape(string(s.KillSwitchReason)), s.KillSwitchAt.Format("Jan 2 15:04"))
	}

	daily := "+"
	if s.DailyPnL.IsNegative() {
		daily = ""
	}

	return fmt.Sprintf(`📊 *STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
💰 Capital: *$%s* (start $%s)
📈 Daily P&L: *%s$%s*
🏔️ High water: $%s
🎯 Record: %dW / %dL (%.1f%%)
💼 Open positions: *%d*`,
		status,
		s.CurrentCapital.StringFixed(2), s.InitialCapital.StringFixed(2),
		daily, s.DailyPnL.StringFixed(2),
		s.HighWaterMark.StringFixed(2),
		s.TradeHistory.Wins, s.TradeHistory.Losses, s.TradeHistory.WinRate()*100,
		open,
	)
}

// FormatPositions renders open positions, at most five
func FormatPositions(positions []*types.Position, now time.Time) string {
	if len(positions) == 0 {
		return "📭 No open positions"
	}

	var sb strings.Builder
	sb.WriteString("💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n")
	for i, pos := range positions {
		if i == 5 {
			fmt.Fprintf(&sb, "_... and %d more_", len(positions)-5)
			break
		}
		sideEmoji := "🟢"
		if pos.Side == types.SideShort {
			sideEmoji = "🔴"
		}
		trail := ""
		if pos.TrailingActive {
			trail = " (trailing)"
		}
		target := "none"
		if pos.HasTarget() {
			target = pos.TakeProfit.String()
		}
		fmt.Fprintf(&sb, "%s *%s* — %s\n💵 Entry: %s | Qty: %s\n🎯 TP: %s | 🛑 SL: %s%s\n⏱️ Duration: %v\n\n",
			sideEmoji, escape(pos.Symbol), pos.Side,
			pos.EntryPrice, pos.Quantity,
			target, pos.StopLoss, trail,
			now.Sub(pos.EntryTime).Round(time.Second),
		)
	}
	return sb.String()
}

func (b *TelegramBot) reply(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.out.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
