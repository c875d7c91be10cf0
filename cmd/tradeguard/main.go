// Tradeguard - Risk gating and position supervision for a spot trading agent
//
// Signals arrive over HTTP. Each one is sized by the risk manager, entered
// at market and handed to the position engine, which enforces the stop,
// target and trailing stop until the position closes. State survives
// restarts: open positions are re-verified on startup and the risk posture
// (capital, daily P&L, kill switch) is reloaded from the database.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/bot"
	"github.com/web3guy0/tradeguard/core"
	"github.com/web3guy0/tradeguard/exec"
	"github.com/web3guy0/tradeguard/execution"
	"github.com/web3guy0/tradeguard/feeds"
	"github.com/web3guy0/tradeguard/internal/config"
	"github.com/web3guy0/tradeguard/risk"
	"github.com/web3guy0/tradeguard/storage"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Strs("symbols", cfg.Symbols).
		Str("protection", string(cfg.Engine.ProtectionMode)).
		Int("max_positions", cfg.Engine.MaxConcurrentPositions).
		Msg("🛡️ Tradeguard starting...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ====== STORAGE ======
	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// ====== NOTIFICATIONS ======
	notifiers := bot.Fanout{bot.LogNotifier{}}
	var telegramBot *bot.TelegramBot
	if cfg.TelegramEnabled() {
		telegramBot, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram disabled")
		} else {
			notifiers = append(notifiers, telegramBot)
		}
	}

	// ====== MARKET DATA & EXECUTION ======
	rest := feeds.NewBinanceREST(cfg.BinanceRESTURL, cfg.Engine.GatewayTimeout)
	stream := feeds.NewBinanceStream(cfg.BinanceWSURL, cfg.Symbols)
	stream.Start()

	paper := exec.NewPaperGateway(rest, exec.PaperConfig{
		QuoteAsset:     cfg.QuoteAsset,
		StartingQuote:  cfg.PaperBalance,
		SlippageBps:    cfg.SlippageBps,
		FeePct:         decimal.NewFromFloat(cfg.Risk.FeePct),
		AllowShortSell: cfg.AllowShorts,
	})
	log.Info().Str("balance", cfg.PaperBalance.StringFixed(2)).Msg("📄 Paper execution enabled")

	// ====== RISK & POSITIONS ======
	riskMgr, err := risk.NewManager(ctx, cfg.Risk, db, risk.WithNotifier(notifiers))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load risk state")
	}

	engine, err := execution.NewEngine(cfg.Engine, paper, paper, db, riskMgr,
		execution.WithPriceSource(stream),
		execution.WithNotifier(notifiers),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create position engine")
	}

	// Paper balances live in memory; put persisted holdings back first
	if stored, err := db.GetOpenPositions(ctx); err == nil {
		paper.Restore(stored)
	}

	report, err := engine.RecoverPositionsOnStartup(ctx)
	if err != nil {
		log.Error().Err(err).Msg("❌ Position recovery failed, starting with no recovered positions")
	} else {
		log.Info().Str("report", report.String()).Msg("📦 Recovery")
	}
	engine.StartMonitoring(ctx)

	// ====== SIGNAL INTAKE ======
	trader := core.NewTrader(core.TraderConfig{
		ATRInterval:    cfg.ATRInterval,
		ATRPeriod:      cfg.ATRPeriod,
		GatewayTimeout: cfg.Engine.GatewayTimeout,
	}, riskMgr, engine, paper, core.NewSymbols(cfg.QuoteAsset, cfg.Symbols...))

	server := core.NewServer(cfg.HTTPAddr, trader)
	server.Start()

	if telegramBot != nil {
		telegramBot.SetController(trader)
		telegramBot.Start()
	}

	state := riskMgr.Snapshot()
	log.Info().
		Str("capital", state.CurrentCapital.StringFixed(2)).
		Str("daily_pnl", state.DailyPnL.StringFixed(2)).
		Bool("halted", state.KillSwitchActive).
		Int("positions", len(engine.Positions())).
		Msg("✅ All systems online")

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info().Msg("🛑 Received shutdown signal")

	// Graceful shutdown. Open positions are left open and persisted; the
	// next start recovers them.
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown")
	}
	engine.StopMonitoring()
	if n := engine.PendingBookings(); n > 0 {
		log.Error().Int("pending", n).Msg("❌ Closed trades never booked in risk state")
	}
	if telegramBot != nil {
		telegramBot.Stop()
	}
	stream.Stop()

	log.Info().Msg("👋 Goodbye!")
}
