package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"trade-sentinel/pkg/crypto"
)

// Defaults resolved at load time.
const (
	DefaultBaseURL        = "https://fapi.binance.com"
	DefaultTestnetURL     = "https://testnet.binancefuture.com"
	DefaultStreamURL      = "wss://fstream.binance.com"
	DefaultTestnetStream  = "wss://stream.binancefuture.com"
	DefaultRecvWindow     = 5000
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxRetries     = 3
	DefaultPaperBalance   = 10000.0

	DefaultQuoteAsset = "USDT"
	DefaultLeverage   = 1
	DefaultRiskPct    = 1.0

	DefaultMaxLeverage      = 20
	DefaultMaxRiskPct       = 5.0
	DefaultMaxOpenPositions = 10
	DefaultMaxDailyLoss     = 0.0 // 0 disables the daily loss limit
	DefaultMinQuantity      = 0.0

	DefaultReconcileInterval = 10 * time.Second
	DefaultErrorBackoff      = 5 * time.Second
	DefaultStopTimeout       = 5 * time.Second
	DefaultIngestBuffer      = 256
	DefaultCloseWorkers      = 4
	DefaultFlushInterval     = 2 * time.Second

	DefaultPortfolioInterval = time.Minute
	DefaultBalanceInterval   = 5 * time.Minute
	DefaultOrderSyncInterval = time.Minute
	DefaultDecisionInterval  = 30 * time.Second
	DefaultRollupInterval    = 5 * time.Minute
	DefaultPruneInterval     = time.Minute

	DefaultDBPath    = "./data/sentinel.db"
	DefaultPort      = "8080"
	DefaultRateLimit = 20.0
	DefaultRateBurst = 50
)

// Config is the fully typed runtime configuration.
type Config struct {
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Trading   TradingConfig   `yaml:"trading"`
	Risk      RiskConfig      `yaml:"risk"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Storage   StorageConfig   `yaml:"storage"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
}

type ExchangeConfig struct {
	APIKey         string        `yaml:"api_key"`
	APISecret      string        `yaml:"api_secret"`
	Testnet        bool          `yaml:"testnet"`
	BaseURL        string        `yaml:"base_url"`
	StreamURL      string        `yaml:"stream_url"`
	RecvWindow     int64         `yaml:"recv_window"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`

	// Paper routes orders to the in-process simulator instead of Binance.
	Paper        bool    `yaml:"paper"`
	PaperBalance float64 `yaml:"paper_balance"`
}

type TradingConfig struct {
	AutoExecute     bool     `yaml:"auto_execute"`
	Instruments     []string `yaml:"instruments"`
	QuoteAsset      string   `yaml:"quote_asset"`
	DefaultLeverage int      `yaml:"default_leverage"`
	DefaultRiskPct  float64  `yaml:"default_risk_pct"`
}

type RiskConfig struct {
	MaxLeverage      int     `yaml:"max_leverage"`
	MaxRiskPct       float64 `yaml:"max_risk_pct"`
	MaxOpenPositions int     `yaml:"max_open_positions"`
	MaxDailyLoss     float64 `yaml:"max_daily_loss"`
	MinQuantity      float64 `yaml:"min_quantity"`
}

type MonitorConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ErrorBackoff      time.Duration `yaml:"error_backoff"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
	IngestBuffer      int           `yaml:"ingest_buffer"`
	CloseWorkers      int           `yaml:"close_workers"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
}

type SchedulerConfig struct {
	PortfolioInterval time.Duration `yaml:"portfolio_interval"`
	BalanceInterval   time.Duration `yaml:"balance_interval"`
	OrderSyncInterval time.Duration `yaml:"order_sync_interval"`
	DecisionInterval  time.Duration `yaml:"decision_interval"`
	RollupInterval    time.Duration `yaml:"rollup_interval"`
	PruneInterval     time.Duration `yaml:"prune_interval"`
	DecisionsFile     string        `yaml:"decisions_file"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

type APIConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Port      string  `yaml:"port"`
	JWTSecret string  `yaml:"jwt_secret"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns a Config populated with the named defaults.
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			BaseURL:        DefaultBaseURL,
			StreamURL:      DefaultStreamURL,
			RecvWindow:     DefaultRecvWindow,
			RequestTimeout: DefaultRequestTimeout,
			MaxRetries:     DefaultMaxRetries,
			PaperBalance:   DefaultPaperBalance,
		},
		Trading: TradingConfig{
			Instruments:     []string{"BTCUSDT", "ETHUSDT"},
			QuoteAsset:      DefaultQuoteAsset,
			DefaultLeverage: DefaultLeverage,
			DefaultRiskPct:  DefaultRiskPct,
		},
		Risk: RiskConfig{
			MaxLeverage:      DefaultMaxLeverage,
			MaxRiskPct:       DefaultMaxRiskPct,
			MaxOpenPositions: DefaultMaxOpenPositions,
			MaxDailyLoss:     DefaultMaxDailyLoss,
			MinQuantity:      DefaultMinQuantity,
		},
		Monitor: MonitorConfig{
			ReconcileInterval: DefaultReconcileInterval,
			ErrorBackoff:      DefaultErrorBackoff,
			StopTimeout:       DefaultStopTimeout,
			IngestBuffer:      DefaultIngestBuffer,
			CloseWorkers:      DefaultCloseWorkers,
			FlushInterval:     DefaultFlushInterval,
		},
		Scheduler: SchedulerConfig{
			PortfolioInterval: DefaultPortfolioInterval,
			BalanceInterval:   DefaultBalanceInterval,
			OrderSyncInterval: DefaultOrderSyncInterval,
			DecisionInterval:  DefaultDecisionInterval,
			RollupInterval:    DefaultRollupInterval,
			PruneInterval:     DefaultPruneInterval,
		},
		Storage: StorageConfig{DBPath: DefaultDBPath},
		API: APIConfig{
			Enabled:   true,
			Port:      DefaultPort,
			RateLimit: DefaultRateLimit,
			RateBurst: DefaultRateBurst,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// Load reads .env (optional), the YAML file named by CONFIG_FILE (optional)
// and environment overrides, in that order of precedence from lowest to highest.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.resolveEndpoints()

	if err := cfg.openSecrets(os.Getenv("MASTER_KEY")); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Exchange.APIKey = getEnv("BINANCE_API_KEY", c.Exchange.APIKey)
	c.Exchange.APISecret = getEnv("BINANCE_API_SECRET", c.Exchange.APISecret)
	c.Exchange.Testnet = getEnvBool("BINANCE_TESTNET", c.Exchange.Testnet)
	c.Exchange.BaseURL = getEnv("BINANCE_BASE_URL", c.Exchange.BaseURL)
	c.Exchange.StreamURL = getEnv("BINANCE_STREAM_URL", c.Exchange.StreamURL)
	c.Exchange.RecvWindow = int64(getEnvInt("BINANCE_RECV_WINDOW", int(c.Exchange.RecvWindow)))
	c.Exchange.RequestTimeout = getEnvDuration("EXCHANGE_TIMEOUT", c.Exchange.RequestTimeout)
	c.Exchange.MaxRetries = getEnvInt("EXCHANGE_MAX_RETRIES", c.Exchange.MaxRetries)
	c.Exchange.Paper = getEnvBool("EXCHANGE_PAPER", c.Exchange.Paper)
	c.Exchange.PaperBalance = getEnvFloat("EXCHANGE_PAPER_BALANCE", c.Exchange.PaperBalance)

	c.Trading.AutoExecute = getEnvBool("AUTO_EXECUTE", c.Trading.AutoExecute)
	if v := os.Getenv("INSTRUMENTS"); v != "" {
		c.Trading.Instruments = splitAndTrim(v)
	}
	c.Trading.QuoteAsset = getEnv("QUOTE_ASSET", c.Trading.QuoteAsset)
	c.Trading.DefaultLeverage = getEnvInt("DEFAULT_LEVERAGE", c.Trading.DefaultLeverage)
	c.Trading.DefaultRiskPct = getEnvFloat("DEFAULT_RISK_PCT", c.Trading.DefaultRiskPct)

	c.Risk.MaxLeverage = getEnvInt("RISK_MAX_LEVERAGE", c.Risk.MaxLeverage)
	c.Risk.MaxRiskPct = getEnvFloat("RISK_MAX_RISK_PCT", c.Risk.MaxRiskPct)
	c.Risk.MaxOpenPositions = getEnvInt("RISK_MAX_OPEN_POSITIONS", c.Risk.MaxOpenPositions)
	c.Risk.MaxDailyLoss = getEnvFloat("RISK_MAX_DAILY_LOSS", c.Risk.MaxDailyLoss)
	c.Risk.MinQuantity = getEnvFloat("RISK_MIN_QUANTITY", c.Risk.MinQuantity)

	c.Monitor.ReconcileInterval = getEnvDuration("MONITOR_RECONCILE_INTERVAL", c.Monitor.ReconcileInterval)
	c.Monitor.StopTimeout = getEnvDuration("MONITOR_STOP_TIMEOUT", c.Monitor.StopTimeout)
	c.Monitor.IngestBuffer = getEnvInt("MONITOR_INGEST_BUFFER", c.Monitor.IngestBuffer)
	c.Monitor.CloseWorkers = getEnvInt("MONITOR_CLOSE_WORKERS", c.Monitor.CloseWorkers)

	c.Scheduler.PortfolioInterval = getEnvDuration("PORTFOLIO_INTERVAL", c.Scheduler.PortfolioInterval)
	c.Scheduler.BalanceInterval = getEnvDuration("BALANCE_INTERVAL", c.Scheduler.BalanceInterval)
	c.Scheduler.OrderSyncInterval = getEnvDuration("ORDER_SYNC_INTERVAL", c.Scheduler.OrderSyncInterval)
	c.Scheduler.DecisionInterval = getEnvDuration("DECISION_INTERVAL", c.Scheduler.DecisionInterval)
	c.Scheduler.RollupInterval = getEnvDuration("ROLLUP_INTERVAL", c.Scheduler.RollupInterval)
	c.Scheduler.PruneInterval = getEnvDuration("PRUNE_INTERVAL", c.Scheduler.PruneInterval)
	c.Scheduler.DecisionsFile = getEnv("DECISIONS_FILE", c.Scheduler.DecisionsFile)

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	c.Storage.DBPath = getEnv("DB_PATH", getEnv("DATABASE_PATH", c.Storage.DBPath))

	c.API.Enabled = getEnvBool("API_ENABLED", c.API.Enabled)
	c.API.Port = getEnv("PORT", c.API.Port)
	c.API.JWTSecret = getEnv("JWT_SECRET", c.API.JWTSecret)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)
}

func (c *Config) resolveEndpoints() {
	if !c.Exchange.Testnet {
		return
	}
	if c.Exchange.BaseURL == DefaultBaseURL {
		c.Exchange.BaseURL = DefaultTestnetURL
	}
	if c.Exchange.StreamURL == DefaultStreamURL {
		c.Exchange.StreamURL = DefaultTestnetStream
	}
}

// openSecrets decrypts sealed credentials in place.
func (c *Config) openSecrets(masterKey string) error {
	if !crypto.IsSealed(c.Exchange.APIKey) && !crypto.IsSealed(c.Exchange.APISecret) {
		return nil
	}
	if masterKey == "" {
		return errors.New("config: sealed exchange credentials require MASTER_KEY")
	}
	key, err := hex.DecodeString(masterKey)
	if err != nil {
		return fmt.Errorf("config: decode MASTER_KEY: %w", err)
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Exchange.APIKey, err = sealer.Reveal(c.Exchange.APIKey); err != nil {
		return fmt.Errorf("config: open api key: %w", err)
	}
	if c.Exchange.APISecret, err = sealer.Reveal(c.Exchange.APISecret); err != nil {
		return fmt.Errorf("config: open api secret: %w", err)
	}
	return nil
}

// Validate reports configuration that must abort startup.
func (c *Config) Validate() error {
	var errs []error
	if !c.Exchange.Paper && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		errs = append(errs, errors.New("exchange credentials are required (BINANCE_API_KEY, BINANCE_API_SECRET)"))
	}
	if len(c.Trading.Instruments) == 0 {
		errs = append(errs, errors.New("at least one instrument is required"))
	}
	if c.Trading.DefaultLeverage < 1 {
		errs = append(errs, fmt.Errorf("default leverage must be >= 1, got %d", c.Trading.DefaultLeverage))
	}
	if c.Exchange.RequestTimeout <= 0 {
		errs = append(errs, errors.New("exchange request timeout must be positive"))
	}
	if c.Monitor.IngestBuffer <= 0 || c.Monitor.CloseWorkers <= 0 {
		errs = append(errs, errors.New("monitor ingest buffer and close workers must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.ToUpper(strings.TrimSpace(p)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
