package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates the configuration of every pipeline service.
type Config struct {
	BybitConfig     BybitConfig     `json:"bybit"`
	RedisConfig     RedisConfig     `json:"redis"`
	RabbitMQConfig  RabbitMQConfig  `json:"rabbitmq"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	VaultConfig     VaultConfig     `json:"vault"`
	TradingConfig   TradingConfig   `json:"trading"`
	DiscoveryConfig DiscoveryConfig `json:"discovery"`
	ScannerConfig   ScannerConfig   `json:"scanner"`
	SelectorConfig  SelectorConfig  `json:"selector"`
	ExecutorConfig  ExecutorConfig  `json:"executor"`
	APIConfig       APIConfig       `json:"api"`
	LoggingConfig   LoggingConfig   `json:"logging"`
}

// BybitConfig holds exchange credentials and endpoint selection.
type BybitConfig struct {
	APIKey      string        `json:"api_key"`
	APISecret   string        `json:"api_secret"`
	TestNet     bool          `json:"testnet"`
	HTTPTimeout time.Duration `json:"http_timeout"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type RabbitMQConfig struct {
	Host        string        `json:"host"`
	Port        int           `json:"port"`
	User        string        `json:"user"`
	Password    string        `json:"password"`
	VHost       string        `json:"vhost"`
	TLS         bool          `json:"tls"`
	Heartbeat   time.Duration `json:"heartbeat"`
	TaskQueue   string        `json:"task_queue"`
	SignalQueue string        `json:"signal_queue"`
	EntryQueue  string        `json:"entry_queue"`
}

// URL builds the AMQP connection string.
func (c RabbitMQConfig) URL() string {
	scheme := "amqp"
	if c.TLS {
		scheme = "amqps"
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s", scheme, c.User, c.Password, c.Host, c.Port, strings.TrimPrefix(c.VHost, "/"))
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslmode"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	SecretPath string `json:"secret_path"`
}

// TradingConfig holds the knobs shared by the entry engine, the backtester
// and the executor.
type TradingConfig struct {
	PositionSize    float64 `json:"position_size"`
	Leverage        int     `json:"leverage"`
	StopLossPct     float64 `json:"stop_loss_pct"`
	TakeProfitPct   float64 `json:"take_profit_pct"`
	TakerFee        float64 `json:"taker_fee"`
	MakerFee        float64 `json:"maker_fee"`
	MinProfitTarget float64 `json:"min_profit_target"`
	BBPeriod        int     `json:"bb_period"`
	BBStdDev        float64 `json:"bb_std_dev"`
	RSIPeriod       int     `json:"rsi_period"`
	FibTolerance    float64 `json:"fib_tolerance"`
	BacktestCandles int     `json:"backtest_candles"`
	EntryTimeframe  string  `json:"entry_timeframe"`
}

type DiscoveryConfig struct {
	Interval         time.Duration `json:"interval"`
	MinVolume24h     float64       `json:"min_volume_24h"`
	MinVolatilityPct float64       `json:"min_volatility_pct"`
	TopSymbols       int           `json:"top_symbols"`
	SnapshotTTL      time.Duration `json:"snapshot_ttl"`
}

type ScannerConfig struct {
	Interval      time.Duration `json:"interval"`
	TopCoins      int           `json:"top_coins"`
	Timeframes    []string      `json:"timeframes"`
	MinVolatility float64       `json:"min_volatility"`
	MaxVolatility float64       `json:"max_volatility"`
	WSReadTimeout time.Duration `json:"ws_read_timeout"`
}

type SelectorConfig struct {
	Interval   time.Duration `json:"interval"`
	MinWinRate float64       `json:"min_win_rate"`
	MinPnL     float64       `json:"min_pnl"`
	MinTrades  int           `json:"min_trades"`
}

type ExecutorConfig struct {
	ScanInterval   time.Duration `json:"scan_interval"`
	MinConfidence  float64       `json:"min_confidence"`
	PriceTolerance float64       `json:"price_tolerance"`
	MaxSpreadPct   float64       `json:"max_spread_pct"`
	MinVolume24h   float64       `json:"min_volume_24h"`
	LockTTL        time.Duration `json:"lock_ttl"`
}

type APIConfig struct {
	Enabled      bool   `json:"enabled"`
	Port         int    `json:"port"`
	JWTSecret    string `json:"jwt_secret"`
	AdminUser    string `json:"admin_user"`
	AdminPassHash string `json:"admin_pass_hash"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or console
}

// Load builds the configuration from environment variables, applying the
// documented defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		BybitConfig: BybitConfig{
			APIKey:      os.Getenv("BYBIT_API_KEY"),
			APISecret:   os.Getenv("BYBIT_API_SECRET"),
			TestNet:     getEnvBoolOrDefault("BYBIT_TESTNET", false),
			HTTPTimeout: getEnvDurationOrDefault("BYBIT_HTTP_TIMEOUT", 10*time.Second),
		},
		RedisConfig: RedisConfig{
			Host:     getEnvOrDefault("REDIS_HOST", "localhost"),
			Port:     getEnvIntOrDefault("REDIS_PORT", 6379),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvIntOrDefault("REDIS_DB", 0),
			PoolSize: getEnvIntOrDefault("REDIS_POOL_SIZE", 10),
		},
		RabbitMQConfig: RabbitMQConfig{
			Host:        getEnvOrDefault("RABBITMQ_HOST", "localhost"),
			Port:        getEnvIntOrDefault("RABBITMQ_PORT", 5672),
			User:        getEnvOrDefault("RABBITMQ_USER", "guest"),
			Password:    getEnvOrDefault("RABBITMQ_PASS", "guest"),
			VHost:       getEnvOrDefault("RABBITMQ_VHOST", "/"),
			TLS:         getEnvBoolOrDefault("RABBITMQ_TLS", false),
			Heartbeat:   getEnvDurationOrDefault("RABBITMQ_HEARTBEAT", 600*time.Second),
			TaskQueue:   getEnvOrDefault("RABBITMQ_QUEUE", "backtest-tasks"),
			SignalQueue: getEnvOrDefault("RABBITMQ_SIGNAL_QUEUE", "trading-signals"),
			EntryQueue:  getEnvOrDefault("RABBITMQ_ENTRY_QUEUE", "entry-signal"),
		},
		DatabaseConfig: DatabaseConfig{
			Host:     getEnvOrDefault("POSTGRES_HOST", "localhost"),
			Port:     getEnvIntOrDefault("POSTGRES_PORT", 5432),
			User:     getEnvOrDefault("POSTGRES_USER", "postgres"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			Database: getEnvOrDefault("POSTGRES_DB", "trading_pipeline"),
			SSLMode:  getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
		},
		VaultConfig: VaultConfig{
			Enabled:    os.Getenv("VAULT_ADDR") != "",
			Address:    os.Getenv("VAULT_ADDR"),
			Token:      os.Getenv("VAULT_TOKEN"),
			SecretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/bybit"),
		},
		TradingConfig: TradingConfig{
			PositionSize:    getEnvFloatOrDefault("POSITION_SIZE", 100.0),
			Leverage:        getEnvIntOrDefault("LEVERAGE", 10),
			StopLossPct:     getEnvFloatOrDefault("STOP_LOSS_PCT", 0.01),
			TakeProfitPct:   getEnvFloatOrDefault("TAKE_PROFIT_PCT", 0.02),
			TakerFee:        getEnvFloatOrDefault("TAKER_FEE", 0.0006),
			MakerFee:        getEnvFloatOrDefault("MAKER_FEE", 0.0002),
			MinProfitTarget: getEnvFloatOrDefault("MIN_PROFIT_TARGET", 7.0),
			BBPeriod:        getEnvIntOrDefault("BB_PERIOD", 20),
			BBStdDev:        getEnvFloatOrDefault("BB_STD_DEV", 2.0),
			RSIPeriod:       getEnvIntOrDefault("RSI_PERIOD", 14),
			FibTolerance:    getEnvFloatOrDefault("FIB_TOLERANCE", 0.02),
			BacktestCandles: getEnvIntOrDefault("BACKTEST_CANDLES", 1000),
			EntryTimeframe:  getEnvOrDefault("ENTRY_TIMEFRAME", "3"),
		},
		DiscoveryConfig: DiscoveryConfig{
			Interval:         getEnvDurationOrDefault("DISCOVERY_INTERVAL", 24*time.Hour),
			MinVolume24h:     getEnvFloatOrDefault("MIN_VOLUME_24H", 1_000_000),
			MinVolatilityPct: getEnvFloatOrDefault("MIN_VOLATILITY_PCT", 2.0),
			TopSymbols:       getEnvIntOrDefault("DISCOVERY_TOP_SYMBOLS", 75),
			SnapshotTTL:      getEnvDurationOrDefault("DISCOVERY_SNAPSHOT_TTL", 5*time.Minute),
		},
		ScannerConfig: ScannerConfig{
			Interval:      getEnvDurationOrDefault("SCANNER_INTERVAL", time.Hour),
			TopCoins:      getEnvIntOrDefault("SCANNER_TOP_COINS", 30),
			Timeframes:    getEnvSliceOrDefault("SCANNER_TIMEFRAMES", []string{"1", "3", "5", "15", "30"}),
			MinVolatility: getEnvFloatOrDefault("SCANNER_MIN_VOLATILITY", 2.0),
			MaxVolatility: getEnvFloatOrDefault("SCANNER_MAX_VOLATILITY", 50.0),
			WSReadTimeout: getEnvDurationOrDefault("SCANNER_WS_READ_TIMEOUT", 60*time.Second),
		},
		SelectorConfig: SelectorConfig{
			Interval:   getEnvDurationOrDefault("SELECTOR_INTERVAL", 30*time.Minute),
			MinWinRate: getEnvFloatOrDefault("MIN_WIN_RATE", 45.0),
			MinPnL:     getEnvFloatOrDefault("MIN_PNL", 100.0),
			MinTrades:  getEnvIntOrDefault("MIN_TRADES", 20),
		},
		ExecutorConfig: ExecutorConfig{
			ScanInterval:   getEnvDurationOrDefault("SCAN_INTERVAL", 5*time.Second),
			MinConfidence:  getEnvFloatOrDefault("MIN_CONFIDENCE", 60.0),
			PriceTolerance: getEnvFloatOrDefault("EXECUTOR_PRICE_TOLERANCE", 0.005),
			MaxSpreadPct:   getEnvFloatOrDefault("EXECUTOR_MAX_SPREAD_PCT", 0.001),
			MinVolume24h:   getEnvFloatOrDefault("EXECUTOR_MIN_VOLUME_24H", 1000),
			LockTTL:        getEnvDurationOrDefault("EXECUTOR_LOCK_TTL", 30*time.Second),
		},
		APIConfig: APIConfig{
			Enabled:       getEnvBoolOrDefault("API_ENABLED", false),
			Port:          getEnvIntOrDefault("API_PORT", 8080),
			JWTSecret:     os.Getenv("API_JWT_SECRET"),
			AdminUser:     getEnvOrDefault("API_ADMIN_USER", "admin"),
			AdminPassHash: os.Getenv("API_ADMIN_PASS_HASH"),
		},
		LoggingConfig: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that can never produce a valid order.
func (c *Config) Validate() error {
	if c.TradingConfig.PositionSize <= 0 {
		return fmt.Errorf("position size must be positive, got %f", c.TradingConfig.PositionSize)
	}
	if c.TradingConfig.Leverage <= 0 {
		return fmt.Errorf("leverage must be positive, got %d", c.TradingConfig.Leverage)
	}
	if c.TradingConfig.StopLossPct <= 0 || c.TradingConfig.TakeProfitPct <= 0 {
		return fmt.Errorf("stop loss and take profit percentages must be positive")
	}
	if c.TradingConfig.BBPeriod < 2 {
		return fmt.Errorf("bollinger period must be at least 2, got %d", c.TradingConfig.BBPeriod)
	}
	if c.APIConfig.Enabled && c.APIConfig.JWTSecret == "" {
		return fmt.Errorf("API_JWT_SECRET is required when the status API is enabled")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
