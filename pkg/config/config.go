// Package config loads settings from an optional YAML file with
// environment variable overrides (.env is honored in development).
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Trading  TradingConfig  `yaml:"trading"`
	Risk     RiskConfig     `yaml:"risk"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
	RateLimit int    `yaml:"rate_limit"` // requests per second per client
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ExchangeConfig struct {
	Mode      string `yaml:"mode"` // "sim" or "binance"
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	WSBaseURL string `yaml:"ws_base_url"`
}

type TradingConfig struct {
	Strategy       string             `yaml:"strategy"`
	StrategyParams map[string]float64 `yaml:"strategy_params"`
	Symbols        []string           `yaml:"symbols"`
	Interval       string             `yaml:"interval"`
	OrderSize      float64            `yaml:"order_size"`
	InitialBalance float64            `yaml:"initial_balance"`
}

type RiskConfig struct {
	MaxLeverage      float64 `yaml:"max_leverage"`
	MaxPositionSize  float64 `yaml:"max_position_size"`
	MaxTotalExposure float64 `yaml:"max_total_exposure"`
	MaxDrawdown      float64 `yaml:"max_drawdown"`
	MaxDailyLoss     float64 `yaml:"max_daily_loss"`
	MinMarginRatio   float64 `yaml:"min_margin_ratio"`
	VaRMethod        string  `yaml:"var_method"`
}

type BridgeConfig struct {
	Enabled bool          `yaml:"enabled"`
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
}

type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Default returns the development defaults.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080", RateLimit: 20},
		Database: DatabaseConfig{Path: "data/tradebot.db"},
		Exchange: ExchangeConfig{Mode: "sim"},
		Trading: TradingConfig{
			Strategy:       "ma_cross",
			Symbols:        []string{"BTCUSDT"},
			Interval:       "1m",
			OrderSize:      0.001,
			InitialBalance: 10000,
		},
		Risk: RiskConfig{
			MaxLeverage:      3,
			MaxDrawdown:      0.10,
			MinMarginRatio:   0.05,
			VaRMethod:        "historical",
		},
		Bridge: BridgeConfig{Timeout: 2 * time.Second},
	}
}

// Load reads the config file (if path is non-empty) over the defaults,
// then applies environment overrides. A .env file is loaded first when
// present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Printf("[Config] loaded .env")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()

	if errs := cfg.Validate(); len(errs) > 0 {
		return cfg, fmt.Errorf("invalid config: %s", joinErrs(errs))
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.Server.Addr, "SERVER_ADDR")
	setStr(&c.Server.JWTSecret, "JWT_SECRET")
	setStr(&c.Database.Path, "DATABASE_PATH")
	setStr(&c.Exchange.Mode, "EXCHANGE_MODE")
	setStr(&c.Exchange.APIKey, "EXCHANGE_API_KEY")
	setStr(&c.Exchange.APISecret, "EXCHANGE_API_SECRET")
	setStr(&c.Exchange.BaseURL, "EXCHANGE_BASE_URL")
	setStr(&c.Exchange.WSBaseURL, "EXCHANGE_WS_BASE_URL")
	setStr(&c.Trading.Strategy, "TRADING_STRATEGY")
	setStr(&c.Trading.Interval, "TRADING_INTERVAL")
	setFloat(&c.Trading.OrderSize, "TRADING_ORDER_SIZE")
	setFloat(&c.Trading.InitialBalance, "TRADING_INITIAL_BALANCE")
	setFloat(&c.Risk.MaxLeverage, "RISK_MAX_LEVERAGE")
	setFloat(&c.Risk.MaxDrawdown, "RISK_MAX_DRAWDOWN")
	setFloat(&c.Risk.MaxDailyLoss, "RISK_MAX_DAILY_LOSS")
	setStr(&c.Bridge.Addr, "BRIDGE_ADDR")
	setStr(&c.Notify.WebhookURL, "NOTIFY_WEBHOOK_URL")

	if v := os.Getenv("TRADING_SYMBOLS"); v != "" {
		c.Trading.Symbols = strings.Split(v, ",")
		for i := range c.Trading.Symbols {
			c.Trading.Symbols[i] = strings.TrimSpace(c.Trading.Symbols[i])
		}
	}
	if v := os.Getenv("BRIDGE_ENABLED"); v != "" {
		c.Bridge.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
}

// Validate returns all problems found, not just the first one.
func (c *Config) Validate() []error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, fmt.Errorf("server.addr is required"))
	}
	switch c.Exchange.Mode {
	case "sim", "binance":
	default:
		errs = append(errs, fmt.Errorf("exchange.mode must be sim or binance, got %q", c.Exchange.Mode))
	}
	if c.Exchange.Mode == "binance" && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		errs = append(errs, fmt.Errorf("exchange credentials required for binance mode"))
	}
	if len(c.Trading.Symbols) == 0 {
		errs = append(errs, fmt.Errorf("trading.symbols must not be empty"))
	}
	if c.Trading.OrderSize <= 0 {
		errs = append(errs, fmt.Errorf("trading.order_size must be positive"))
	}
	if c.Trading.InitialBalance <= 0 {
		errs = append(errs, fmt.Errorf("trading.initial_balance must be positive"))
	}
	if c.Risk.MaxDrawdown < 0 || c.Risk.MaxDrawdown > 1 {
		errs = append(errs, fmt.Errorf("risk.max_drawdown must be in [0, 1]"))
	}
	switch c.Risk.VaRMethod {
	case "", "historical", "parametric", "monte_carlo":
	default:
		errs = append(errs, fmt.Errorf("risk.var_method %q unknown", c.Risk.VaRMethod))
	}
	if c.Bridge.Enabled && c.Bridge.Addr == "" {
		errs = append(errs, fmt.Errorf("bridge.addr required when bridge is enabled"))
	}
	return errs
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func joinErrs(errs []error) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}
