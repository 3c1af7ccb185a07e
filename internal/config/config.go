package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	API       APIConfig       `mapstructure:"api"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Backtest  BacktestConfig  `mapstructure:"backtest"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings for the realtime price cache
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains event bus settings
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	Embedded bool   `mapstructure:"embedded"` // run an in-process server instead of dialing URL
}

// UpstreamConfig contains exchange data feed settings
type UpstreamConfig struct {
	WSBaseURL         string  `mapstructure:"ws_base_url"` // "wss://stream.binance.com:9443"
	APIKey            string  `mapstructure:"api_key"`
	SecretKey         string  `mapstructure:"secret_key"`
	Testnet           bool    `mapstructure:"testnet"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"` // REST rate limit
	Burst             int     `mapstructure:"burst"`
	KlinePageLimit    int     `mapstructure:"kline_page_limit"` // max rows per klines request
}

// TradingConfig contains pipeline-level trading settings
type TradingConfig struct {
	Symbols        []string `mapstructure:"symbols"`         // ["BTCUSDT", "ETHUSDT"]
	InitialCapital float64  `mapstructure:"initial_capital"` // 10000.0
}

// GateConfig contains confirmation gate settings
type GateConfig struct {
	MinConfirmations int `mapstructure:"min_confirmations"` // 2
	MaxWaitSeconds   int `mapstructure:"max_wait_seconds"`  // 180
}

// SignalConfig contains signal generation settings
type SignalConfig struct {
	MinScore             int        `mapstructure:"min_score"`              // 4 of 5 conditions
	ADXMin               float64    `mapstructure:"adx_min"`                // 25.0 trend filter
	EntryOffsetPct       float64    `mapstructure:"entry_offset_pct"`       // 0.001 limit offset from price
	StopLossPct          float64    `mapstructure:"stop_loss_pct"`          // 0.01 default SL distance
	BandTolerancePct     float64    `mapstructure:"band_tolerance_pct"`     // 0.015 near-band proximity
	VWAPProximityPct     float64    `mapstructure:"vwap_proximity_pct"`     // 1.0 percent distance from VWAP
	VolumeSpikeThreshold float64    `mapstructure:"volume_spike_threshold"` // 2.0 x SMA(volume,20)
	TTLSeconds           int        `mapstructure:"ttl_seconds"`            // 300 actionable lifetime
	Gate                 GateConfig `mapstructure:"gate"`
}

// SimulatorConfig contains paper futures simulator settings.
// risk_percent, rr_ratio, max_positions, leverage and auto_execute seed
// the persisted Settings row on first run; Settings wins afterwards.
type SimulatorConfig struct {
	RiskPercent             float64 `mapstructure:"risk_percent"`              // 1.0 (% of balance risked per trade)
	RRRatio                 float64 `mapstructure:"rr_ratio"`                  // 2.0
	MaxPositions            int     `mapstructure:"max_positions"`             // 3
	Leverage                int     `mapstructure:"leverage"`                  // 10
	AutoExecute             bool    `mapstructure:"auto_execute"`              // true
	AllowFlip               bool    `mapstructure:"allow_flip"`                // close-and-reverse on opposite signal
	CooldownSeconds         int     `mapstructure:"cooldown_seconds"`          // 300
	ReversalCooldownSeconds int     `mapstructure:"reversal_cooldown_seconds"` // 600 after SIGNAL_REVERSAL close
	PendingTTLMinutes       int     `mapstructure:"pending_ttl_minutes"`       // 45
}

// APIConfig contains REST/WebSocket server settings
type APIConfig struct {
	Host                 string   `mapstructure:"host"`
	Port                 int      `mapstructure:"port"`
	AllowedOrigins       []string `mapstructure:"allowed_origins"`
	HistoryLocalCoverage float64  `mapstructure:"history_local_coverage"` // 0.80 serve-local threshold
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TelegramConfig contains Telegram alerter settings
type TelegramConfig struct {
	Enabled  bool    `mapstructure:"enabled"`
	BotToken string  `mapstructure:"bot_token"`
	ChatIDs  []int64 `mapstructure:"chat_ids"`
}

// AlertsConfig contains operator alert settings
type AlertsConfig struct {
	Telegram     TelegramConfig `mapstructure:"telegram"`
	SignalAlerts bool           `mapstructure:"signal_alerts"` // alert on every released signal
}

// BacktestConfig contains execution model settings for cmd/backtest
type BacktestConfig struct {
	CommissionBps      float64 `mapstructure:"commission_bps"`       // 4.0 per side
	BaseSlippageBps    float64 `mapstructure:"base_slippage_bps"`    // 2.0
	VolSlippageFactor  float64 `mapstructure:"vol_slippage_factor"`  // 0.1 x candle range fraction
	IntrabarPath       bool    `mapstructure:"intrabar_path"`        // OPEN->extreme->extreme->CLOSE legs
	SharkTankSelection bool    `mapstructure:"shark_tank_selection"` // one winner per bar across symbols
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides, e.g.
	// PULSETRADER_DATABASE_PASSWORD -> database.password
	v.AutomaticEnv()
	v.SetEnvPrefix("PULSETRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration using comprehensive validation
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "PulseTrader")
	v.SetDefault("app.version", Version)
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", PostgresPort)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "pulsetrader")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", RedisPort)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.embedded", false)

	// Upstream defaults
	v.SetDefault("upstream.ws_base_url", "wss://stream.binance.com:9443")
	v.SetDefault("upstream.testnet", false)
	v.SetDefault("upstream.requests_per_second", 10.0)
	v.SetDefault("upstream.burst", 20)
	v.SetDefault("upstream.kline_page_limit", 1000)

	// Trading defaults
	v.SetDefault("trading.symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("trading.initial_capital", 10000.0)

	// Signal defaults
	v.SetDefault("signal.min_score", 4)
	v.SetDefault("signal.adx_min", 25.0)
	v.SetDefault("signal.entry_offset_pct", 0.001)
	v.SetDefault("signal.stop_loss_pct", 0.01)
	v.SetDefault("signal.band_tolerance_pct", 0.015)
	v.SetDefault("signal.vwap_proximity_pct", 1.0)
	v.SetDefault("signal.volume_spike_threshold", 2.0)
	v.SetDefault("signal.ttl_seconds", 300)
	v.SetDefault("signal.gate.min_confirmations", 2)
	v.SetDefault("signal.gate.max_wait_seconds", 180)

	// Simulator defaults
	v.SetDefault("simulator.risk_percent", 1.0)
	v.SetDefault("simulator.rr_ratio", 2.0)
	v.SetDefault("simulator.max_positions", 3)
	v.SetDefault("simulator.leverage", 10)
	v.SetDefault("simulator.auto_execute", true)
	v.SetDefault("simulator.allow_flip", true)
	v.SetDefault("simulator.cooldown_seconds", 300)
	v.SetDefault("simulator.reversal_cooldown_seconds", 600)
	v.SetDefault("simulator.pending_ttl_minutes", 45)

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", APIServerPort)
	v.SetDefault("api.allowed_origins", []string{"*"})
	v.SetDefault("api.history_local_coverage", 0.80)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", MetricsPort)

	// Alerts defaults
	v.SetDefault("alerts.telegram.enabled", false)
	v.SetDefault("alerts.signal_alerts", false)

	// Backtest defaults
	v.SetDefault("backtest.commission_bps", 4.0)
	v.SetDefault("backtest.base_slippage_bps", 2.0)
	v.SetDefault("backtest.vol_slippage_factor", 0.1)
	v.SetDefault("backtest.intrabar_path", true)
	v.SetDefault("backtest.shark_tank_selection", true)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TTL returns the actionable signal lifetime as time.Duration
func (c *SignalConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// MaxWait returns the gate wait window as time.Duration
func (c *GateConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitSeconds) * time.Second
}

// Cooldown returns the post-close cooldown as time.Duration
func (c *SimulatorConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// ReversalCooldown returns the post-reversal cooldown as time.Duration
func (c *SimulatorConfig) ReversalCooldown() time.Duration {
	return time.Duration(c.ReversalCooldownSeconds) * time.Second
}

// PendingTTL returns the unfilled order lifetime as time.Duration
func (c *SimulatorConfig) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLMinutes) * time.Minute
}
