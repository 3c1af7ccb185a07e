package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateRedis()...)
	errors = append(errors, c.validateNATS()...)
	errors = append(errors, c.validateUpstream()...)
	errors = append(errors, c.validateTrading()...)
	errors = append(errors, c.validateSignal()...)
	errors = append(errors, c.validateSimulator()...)
	errors = append(errors, c.validateAPI()...)
	errors = append(errors, c.validateEnvironmentRequirements()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	if c.App.Environment == "" {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: "Environment is required (development, staging, or production)",
		})
	} else {
		validEnvs := []string{"development", "staging", "production"}
		valid := false
		for _, env := range validEnvs {
			if c.App.Environment == env {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "app.environment",
				Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
			})
		}
	}

	if c.App.LogLevel == "" {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: "Log level is required (debug, info, warn, error)",
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "database.host",
			Message: "Database host is required",
		})
	}

	if c.Database.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: "Database port is required",
		})
	} else if c.Database.Port < 1 || c.Database.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Database.Port),
		})
	}

	if c.Database.User == "" {
		errors = append(errors, ValidationError{
			Field:   "database.user",
			Message: "Database user is required",
		})
	}

	if c.Database.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "database.database",
			Message: "Database name is required",
		})
	}

	if c.Database.Password == "" && c.App.Environment != "development" {
		errors = append(errors, ValidationError{
			Field:   "database.password",
			Message: "Database password is required in non-development environments",
		})
	}

	if c.Database.PoolSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.pool_size",
			Message: "Database pool size must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateRedis() ValidationErrors {
	var errors ValidationErrors

	// Redis is optional; only validate when the price cache is enabled.
	if !c.Redis.Enabled {
		return errors
	}

	if c.Redis.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "redis.host",
			Message: "Redis host is required when redis.enabled is true",
		})
	}

	if c.Redis.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "redis.port",
			Message: "Redis port is required when redis.enabled is true",
		})
	} else if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "redis.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Redis.Port),
		})
	}

	return errors
}

func (c *Config) validateNATS() ValidationErrors {
	var errors ValidationErrors

	if c.NATS.Embedded {
		// Embedded server picks its own address.
		return errors
	}

	if c.NATS.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL is required",
		})
	} else if !strings.HasPrefix(c.NATS.URL, "nats://") {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL must start with 'nats://'",
		})
	}

	return errors
}

func (c *Config) validateUpstream() ValidationErrors {
	var errors ValidationErrors

	if c.Upstream.WSBaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "upstream.ws_base_url",
			Message: "Upstream WebSocket base URL is required",
		})
	} else if !strings.HasPrefix(c.Upstream.WSBaseURL, "wss://") && !strings.HasPrefix(c.Upstream.WSBaseURL, "ws://") {
		errors = append(errors, ValidationError{
			Field:   "upstream.ws_base_url",
			Message: "Upstream WebSocket base URL must start with 'wss://' or 'ws://'",
		})
	}

	if c.Upstream.RequestsPerSecond <= 0 {
		errors = append(errors, ValidationError{
			Field:   "upstream.requests_per_second",
			Message: "Upstream request rate must be greater than 0",
		})
	}

	if c.Upstream.Burst < 1 {
		errors = append(errors, ValidationError{
			Field:   "upstream.burst",
			Message: "Upstream burst must be at least 1",
		})
	}

	if c.Upstream.KlinePageLimit < 1 || c.Upstream.KlinePageLimit > 1000 {
		errors = append(errors, ValidationError{
			Field:   "upstream.kline_page_limit",
			Message: fmt.Sprintf("Invalid kline page limit %d. Must be between 1-1000", c.Upstream.KlinePageLimit),
		})
	}

	return errors
}

func (c *Config) validateTrading() ValidationErrors {
	var errors ValidationErrors

	if len(c.Trading.Symbols) == 0 {
		errors = append(errors, ValidationError{
			Field:   "trading.symbols",
			Message: "At least one trading symbol is required",
		})
	}

	for _, symbol := range c.Trading.Symbols {
		if symbol == "" || symbol != strings.ToUpper(symbol) {
			errors = append(errors, ValidationError{
				Field:   "trading.symbols",
				Message: fmt.Sprintf("Invalid symbol '%s'. Symbols must be upper-case, e.g. BTCUSDT", symbol),
			})
		}
	}

	if c.Trading.InitialCapital <= 0 {
		errors = append(errors, ValidationError{
			Field:   "trading.initial_capital",
			Message: "Initial capital must be greater than 0",
		})
	}

	return errors
}

func (c *Config) validateSignal() ValidationErrors {
	var errors ValidationErrors

	if c.Signal.MinScore < 1 || c.Signal.MinScore > 5 {
		errors = append(errors, ValidationError{
			Field:   "signal.min_score",
			Message: fmt.Sprintf("Invalid min_score %d. Must be between 1-5", c.Signal.MinScore),
		})
	}

	if c.Signal.ADXMin < 0 || c.Signal.ADXMin > 100 {
		errors = append(errors, ValidationError{
			Field:   "signal.adx_min",
			Message: fmt.Sprintf("Invalid adx_min %.2f. Must be between 0-100", c.Signal.ADXMin),
		})
	}

	if c.Signal.EntryOffsetPct < 0 || c.Signal.EntryOffsetPct > 0.05 {
		errors = append(errors, ValidationError{
			Field:   "signal.entry_offset_pct",
			Message: fmt.Sprintf("Invalid entry_offset_pct %.4f. Must be between 0-0.05", c.Signal.EntryOffsetPct),
		})
	}

	if c.Signal.StopLossPct <= 0 || c.Signal.StopLossPct > 0.5 {
		errors = append(errors, ValidationError{
			Field:   "signal.stop_loss_pct",
			Message: fmt.Sprintf("Invalid stop_loss_pct %.4f. Must be between 0-0.5", c.Signal.StopLossPct),
		})
	}

	if c.Signal.TTLSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "signal.ttl_seconds",
			Message: "Signal TTL must be at least 1 second",
		})
	}

	if c.Signal.Gate.MinConfirmations < 1 {
		errors = append(errors, ValidationError{
			Field:   "signal.gate.min_confirmations",
			Message: "Gate min_confirmations must be at least 1",
		})
	}

	if c.Signal.Gate.MaxWaitSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "signal.gate.max_wait_seconds",
			Message: "Gate max_wait_seconds must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateSimulator() ValidationErrors {
	var errors ValidationErrors

	if c.Simulator.RiskPercent < 0.1 || c.Simulator.RiskPercent > 10 {
		errors = append(errors, ValidationError{
			Field:   "simulator.risk_percent",
			Message: fmt.Sprintf("Invalid risk_percent %.2f. Must be between 0.1-10", c.Simulator.RiskPercent),
		})
	}

	if c.Simulator.RRRatio < 1 || c.Simulator.RRRatio > 5 {
		errors = append(errors, ValidationError{
			Field:   "simulator.rr_ratio",
			Message: fmt.Sprintf("Invalid rr_ratio %.2f. Must be between 1-5", c.Simulator.RRRatio),
		})
	}

	if c.Simulator.MaxPositions < 1 || c.Simulator.MaxPositions > 10 {
		errors = append(errors, ValidationError{
			Field:   "simulator.max_positions",
			Message: fmt.Sprintf("Invalid max_positions %d. Must be between 1-10", c.Simulator.MaxPositions),
		})
	}

	if c.Simulator.Leverage < 1 || c.Simulator.Leverage > 20 {
		errors = append(errors, ValidationError{
			Field:   "simulator.leverage",
			Message: fmt.Sprintf("Invalid leverage %d. Must be between 1-20", c.Simulator.Leverage),
		})
	}

	if c.Simulator.CooldownSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "simulator.cooldown_seconds",
			Message: "Cooldown must be non-negative",
		})
	}

	if c.Simulator.ReversalCooldownSeconds < c.Simulator.CooldownSeconds {
		errors = append(errors, ValidationError{
			Field:   "simulator.reversal_cooldown_seconds",
			Message: "Reversal cooldown must be at least the standard cooldown",
		})
	}

	if c.Simulator.PendingTTLMinutes < 1 {
		errors = append(errors, ValidationError{
			Field:   "simulator.pending_ttl_minutes",
			Message: "Pending order TTL must be at least 1 minute",
		})
	}

	return errors
}

func (c *Config) validateAPI() ValidationErrors {
	var errors ValidationErrors

	if c.API.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "api.port",
			Message: "API port is required",
		})
	} else if c.API.Port < 1 || c.API.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "api.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.API.Port),
		})
	}

	if c.API.HistoryLocalCoverage < 0 || c.API.HistoryLocalCoverage > 1 {
		errors = append(errors, ValidationError{
			Field:   "api.history_local_coverage",
			Message: fmt.Sprintf("Invalid history_local_coverage %.2f. Must be between 0-1", c.API.HistoryLocalCoverage),
		})
	}

	return errors
}

func (c *Config) validateEnvironmentRequirements() ValidationErrors {
	var errors ValidationErrors

	// Production-specific validations
	if c.App.Environment == "production" {
		// Validate production secrets strength
		secretErrors := ValidateProductionSecrets(c)
		errors = append(errors, secretErrors...)

		// Ensure no testnet in production
		if c.Upstream.Testnet {
			errors = append(errors, ValidationError{
				Field:   "upstream.testnet",
				Message: "Testnet mode must be disabled in production",
			})
		}

		// Ensure SSL for database in production
		if c.Database.SSLMode == "disable" {
			errors = append(errors, ValidationError{
				Field:   "database.ssl_mode",
				Message: "SSL must be enabled for database in production",
			})
		}
	}

	return errors
}

// ValidateAndLoad loads and validates configuration
// Returns the loaded config and any validation errors
// configPath can be empty to use default config locations
func ValidateAndLoad(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Validation is already called within Load(), but we can call it again
	// for explicit validation if Load() is modified in the future
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
