package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/tradeguard/execution"
	"github.com/web3guy0/tradeguard/risk"
)

// Config holds all configuration for the service
type Config struct {
	Risk   risk.Config
	Engine execution.Config

	// Market data & paper execution
	Symbols        []string
	QuoteAsset     string
	BinanceWSURL   string
	BinanceRESTURL string
	ATRInterval    string
	ATRPeriod      int
	PaperBalance   decimal.Decimal
	SlippageBps    decimal.Decimal
	AllowShorts    bool

	// Telegram (optional)
	TelegramToken  string
	TelegramChatID int64

	// Database: SQLite path or postgres:// URL
	DatabasePath string

	HTTPAddr string
	Debug    bool
}

// Load loads configuration from environment variables. Malformed values and
// out-of-range limits are errors; nothing falls back silently.
func Load() (*Config, error) {
	env := &envReader{}
	rc := risk.DefaultConfig()
	ec := execution.DefaultConfig()

	// Risk limits
	rc.InitialCapital = env.getEnvDecimal("INITIAL_CAPITAL", rc.InitialCapital)
	rc.MaxRiskPerTradePct = env.getEnvFloat("MAX_RISK_PER_TRADE_PCT", rc.MaxRiskPerTradePct)
	rc.MaxDailyDrawdownPct = env.getEnvFloat("MAX_DAILY_DRAWDOWN_PCT", rc.MaxDailyDrawdownPct)
	rc.MaxTotalLossPct = env.getEnvFloat("MAX_TOTAL_LOSS_PCT", rc.MaxTotalLossPct)
	rc.MinRiskReward = env.getEnvFloat("MIN_RISK_REWARD", rc.MinRiskReward)
	rc.KellyFraction = env.getEnvFloat("KELLY_FRACTION", rc.KellyFraction)
	rc.MinConfidence = env.getEnvFloat("MIN_CONFIDENCE", rc.MinConfidence)

	// Stop / target placement
	rc.ATRStopMultiplier = env.getEnvFloat("ATR_STOP_MULTIPLIER", rc.ATRStopMultiplier)
	rc.ATRTargetMultiplier = env.getEnvFloat("ATR_TARGET_MULTIPLIER", rc.ATRTargetMultiplier)
	rc.MinStopDistancePct = env.getEnvFloat("MIN_STOP_DISTANCE_PCT", rc.MinStopDistancePct)
	rc.MaxStopDistancePct = env.getEnvFloat("MAX_STOP_DISTANCE_PCT", rc.MaxStopDistancePct)
	rc.FallbackStopPct = env.getEnvFloat("FALLBACK_STOP_PCT", rc.FallbackStopPct)

	// Sizing & fees
	rc.MaxPositionPct = env.getEnvFloat("MAX_POSITION_PCT", rc.MaxPositionPct)
	rc.MinNotional = env.getEnvDecimal("MIN_NOTIONAL", rc.MinNotional)
	rc.FeePct = env.getEnvFloat("FEE_PCT", rc.FeePct)
	rc.ProfitFeeMultiple = env.getEnvFloat("PROFIT_FEE_MULTIPLE", rc.ProfitFeeMultiple)
	rc.QuantityPrecision = int32(env.getEnvInt("QUANTITY_PRECISION", int(rc.QuantityPrecision)))
	rc.RecentResultsWindow = env.getEnvInt("RECENT_RESULTS_WINDOW", rc.RecentResultsWindow)

	// Kill switch
	rc.DailyAutoReset = env.getEnvBool("KILL_SWITCH_DAILY_AUTO_RESET", rc.DailyAutoReset)
	if tz := getEnv("TIMEZONE", "UTC"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			env.fail("TIMEZONE", tz, err)
		} else {
			rc.Location = loc
		}
	}

	// Position engine
	ec.MaxConcurrentPositions = env.getEnvInt("MAX_CONCURRENT_POSITIONS", ec.MaxConcurrentPositions)
	ec.TrailingActivationPct = env.getEnvFloat("TRAILING_ACTIVATION_PCT", ec.TrailingActivationPct)
	ec.TrailingDistancePct = env.getEnvFloat("TRAILING_DISTANCE_PCT", ec.TrailingDistancePct)
	ec.TrailingCooldown = time.Duration(env.getEnvInt("TRAILING_COOLDOWN_SEC", int(ec.TrailingCooldown/time.Second))) * time.Second
	ec.TrailingMinSafetyMarginPct = env.getEnvFloat("TRAILING_MIN_SAFETY_MARGIN_PCT", ec.TrailingMinSafetyMarginPct)
	ec.MonitorInterval = time.Duration(env.getEnvInt("POSITION_MONITOR_MS", int(ec.MonitorInterval/time.Millisecond))) * time.Millisecond
	ec.GatewayTimeout = env.getEnvDuration("GATEWAY_TIMEOUT", ec.GatewayTimeout)
	ec.PriceMaxAge = env.getEnvDuration("PRICE_MAX_AGE", ec.PriceMaxAge)
	ec.ProtectionRetryInterval = env.getEnvDuration("PROTECTION_RETRY_INTERVAL", ec.ProtectionRetryInterval)
	ec.RecoveryBalanceRatio = env.getEnvFloat("RECOVERY_BALANCE_RATIO", ec.RecoveryBalanceRatio)
	ec.RecoveryConcurrency = env.getEnvInt("RECOVERY_CONCURRENCY", ec.RecoveryConcurrency)
	ec.QuoteAsset = getEnv("QUOTE_ASSET", ec.QuoteAsset)
	if mode := getEnv("PROTECTION_MODE", string(ec.ProtectionMode)); mode != "" {
		pm, err := execution.ParseProtectionMode(mode)
		if err != nil {
			env.fail("PROTECTION_MODE", mode, err)
		} else {
			ec.ProtectionMode = pm
		}
	}

	cfg := &Config{
		Risk:   rc,
		Engine: ec,

		Symbols:        splitList(getEnv("TRADING_SYMBOLS", "BTCUSDT,ETHUSDT,SOLUSDT")),
		QuoteAsset:     ec.QuoteAsset,
		BinanceWSURL:   getEnv("BINANCE_WS_URL", "wss://stream.binance.com:9443"),
		BinanceRESTURL: getEnv("BINANCE_REST_URL", "https://api.binance.com"),
		ATRInterval:    getEnv("ATR_INTERVAL", "1h"),
		ATRPeriod:      env.getEnvInt("ATR_PERIOD", 14),
		PaperBalance:   env.getEnvDecimal("PAPER_BALANCE", rc.InitialCapital),
		SlippageBps:    env.getEnvDecimal("SLIPPAGE_BPS", decimal.NewFromInt(5)),
		AllowShorts:    env.getEnvBool("ALLOW_SHORTS", true),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DatabasePath: getEnv("DATABASE_PATH", "data/tradeguard.db"),
		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		Debug:        env.getEnvBool("DEBUG", false),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := env.err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("TRADING_SYMBOLS is required")
	}
	for _, s := range c.Symbols {
		if !strings.HasSuffix(s, c.QuoteAsset) {
			return fmt.Errorf("symbol %s is not quoted in %s", s, c.QuoteAsset)
		}
	}
	if c.ATRPeriod <= 0 {
		return fmt.Errorf("ATR_PERIOD must be positive")
	}
	if (c.TelegramToken == "") != (c.TelegramChatID == 0) {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	return nil
}

// TelegramEnabled is true when both token and chat are configured
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// Helper functions

// envReader parses typed values and remembers every malformed one
type envReader struct {
	errs []error
}

func (r *envReader) fail(key, value string, err error) {
	r.errs = append(r.errs, fmt.Errorf("invalid %s=%q: %w", key, value, err))
}

func (r *envReader) err() error {
	return errors.Join(r.errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (r *envReader) getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		switch strings.ToLower(value) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		}
		r.fail(key, value, err)
		return defaultValue
	}
	return b
}

func (r *envReader) getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		r.fail(key, value, err)
		return defaultValue
	}
	return i
}

func (r *envReader) getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.fail(key, value, err)
		return defaultValue
	}
	return f
}

func (r *envReader) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.fail(key, value, err)
		return defaultValue
	}
	return d
}

func (r *envReader) getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		r.fail(key, value, err)
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
