package simulator

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pulsetrader/pulsetrader/internal/config"
)

// Settings are the runtime-adjustable trading knobs. They live in the
// settings table as flat key/value rows and win over the config file after
// the first boot; ApplySettings keeps the stored and cached copies in step.
type Settings struct {
	RiskPercent   float64  `json:"risk_percent"`
	RRRatio       float64  `json:"rr_ratio"`
	MaxPositions  int      `json:"max_positions"`
	Leverage      int      `json:"leverage"`
	AutoExecute   bool     `json:"auto_execute"`
	EnabledTokens []string `json:"enabled_tokens"`
	CustomTokens  []string `json:"custom_tokens"`
}

// Keys under which settings persist in the settings table.
const (
	KeyRiskPercent   = "risk_percent"
	KeyRRRatio       = "rr_ratio"
	KeyMaxPositions  = "max_positions"
	KeyLeverage      = "leverage"
	KeyAutoExecute   = "auto_execute"
	KeyEnabledTokens = "enabled_tokens"
	KeyCustomTokens  = "custom_tokens"
)

// DefaultSettings seeds runtime settings from config for a first boot.
func DefaultSettings(cfg config.SimulatorConfig, symbols []string) Settings {
	enabled := make([]string, len(symbols))
	copy(enabled, symbols)

	return Settings{
		RiskPercent:   cfg.RiskPercent,
		RRRatio:       cfg.RRRatio,
		MaxPositions:  cfg.MaxPositions,
		Leverage:      cfg.Leverage,
		AutoExecute:   cfg.AutoExecute,
		EnabledTokens: enabled,
		CustomTokens:  []string{},
	}
}

// Validate enforces the accepted ranges before settings are persisted or
// applied.
func (s Settings) Validate() error {
	if s.RiskPercent < 0.1 || s.RiskPercent > 10 {
		return fmt.Errorf("risk_percent must be between 0.1 and 10, got %g", s.RiskPercent)
	}
	if s.RRRatio < 1 || s.RRRatio > 5 {
		return fmt.Errorf("rr_ratio must be between 1 and 5, got %g", s.RRRatio)
	}
	if s.MaxPositions < 1 || s.MaxPositions > 10 {
		return fmt.Errorf("max_positions must be between 1 and 10, got %d", s.MaxPositions)
	}
	if s.Leverage < 1 || s.Leverage > 20 {
		return fmt.Errorf("leverage must be between 1 and 20, got %d", s.Leverage)
	}
	return nil
}

// Symbols returns the active symbol universe: enabled tokens followed by
// custom tokens, order preserved, duplicates removed. The first entry is the
// UI default.
func (s Settings) Symbols() []string {
	seen := make(map[string]struct{}, len(s.EnabledTokens)+len(s.CustomTokens))
	var symbols []string
	for _, group := range [][]string{s.EnabledTokens, s.CustomTokens} {
		for _, symbol := range group {
			if symbol == "" {
				continue
			}
			if _, ok := seen[symbol]; ok {
				continue
			}
			seen[symbol] = struct{}{}
			symbols = append(symbols, symbol)
		}
	}
	return symbols
}

// StoreValues flattens the settings into key/value rows for the settings
// table. Token lists are stored as JSON arrays.
func (s Settings) StoreValues() (map[string]string, error) {
	enabled, err := json.Marshal(s.EnabledTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to encode enabled_tokens: %w", err)
	}
	custom, err := json.Marshal(s.CustomTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to encode custom_tokens: %w", err)
	}

	return map[string]string{
		KeyRiskPercent:   strconv.FormatFloat(s.RiskPercent, 'f', -1, 64),
		KeyRRRatio:       strconv.FormatFloat(s.RRRatio, 'f', -1, 64),
		KeyMaxPositions:  strconv.Itoa(s.MaxPositions),
		KeyLeverage:      strconv.Itoa(s.Leverage),
		KeyAutoExecute:   strconv.FormatBool(s.AutoExecute),
		KeyEnabledTokens: string(enabled),
		KeyCustomTokens:  string(custom),
	}, nil
}

// SettingsFromStore overlays stored key/value rows onto the given defaults.
// Keys absent from the store keep their default; a malformed value is an
// error so corruption surfaces instead of silently resetting a knob.
func SettingsFromStore(defaults Settings, values map[string]string) (Settings, error) {
	s := defaults.clone()

	if v, ok := values[KeyRiskPercent]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return defaults, fmt.Errorf("invalid stored %s: %w", KeyRiskPercent, err)
		}
		s.RiskPercent = f
	}
	if v, ok := values[KeyRRRatio]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return defaults, fmt.Errorf("invalid stored %s: %w", KeyRRRatio, err)
		}
		s.RRRatio = f
	}
	if v, ok := values[KeyMaxPositions]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return defaults, fmt.Errorf("invalid stored %s: %w", KeyMaxPositions, err)
		}
		s.MaxPositions = n
	}
	if v, ok := values[KeyLeverage]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return defaults, fmt.Errorf("invalid stored %s: %w", KeyLeverage, err)
		}
		s.Leverage = n
	}
	if v, ok := values[KeyAutoExecute]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return defaults, fmt.Errorf("invalid stored %s: %w", KeyAutoExecute, err)
		}
		s.AutoExecute = b
	}
	if v, ok := values[KeyEnabledTokens]; ok {
		var tokens []string
		if err := json.Unmarshal([]byte(v), &tokens); err != nil {
			return defaults, fmt.Errorf("invalid stored %s: %w", KeyEnabledTokens, err)
		}
		s.EnabledTokens = tokens
	}
	if v, ok := values[KeyCustomTokens]; ok {
		var tokens []string
		if err := json.Unmarshal([]byte(v), &tokens); err != nil {
			return defaults, fmt.Errorf("invalid stored %s: %w", KeyCustomTokens, err)
		}
		s.CustomTokens = tokens
	}

	return s, nil
}

func (s Settings) clone() Settings {
	c := s
	c.EnabledTokens = append([]string(nil), s.EnabledTokens...)
	c.CustomTokens = append([]string(nil), s.CustomTokens...)
	return c
}
