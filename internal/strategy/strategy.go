// Package strategy provides versioned trading-strategy presets: the scoring,
// confirmation, risk and execution knobs bundled into one exportable file so
// a configuration that worked in backtest can be carried to live trading (or
// shared) without hand-copying individual settings.
package strategy

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pulsetrader/pulsetrader/internal/config"
)

// SchemaVersion is the current strategy schema version
const SchemaVersion = "1.0"

// StrategyConfig is an exportable trading strategy preset. It binds the
// signal scorer, the confirmation gate, the paper simulator and the backtest
// execution model; applying a preset overrides the matching application
// config sections.
type StrategyConfig struct {
	// Metadata
	Metadata StrategyMetadata `yaml:"metadata" json:"metadata"`

	// Signal scoring settings
	Signal SignalSettings `yaml:"signal" json:"signal"`

	// Confirmation gate settings
	Gate GateSettings `yaml:"gate" json:"gate"`

	// Risk and position management settings
	Risk RiskSettings `yaml:"risk" json:"risk"`

	// Backtest execution model settings
	Execution ExecutionSettings `yaml:"execution" json:"execution"`
}

// StrategyMetadata contains strategy identification and description
type StrategyMetadata struct {
	// Schema version for compatibility
	SchemaVersion string `yaml:"schema_version" json:"schema_version"`

	// Unique identifier (generated on export)
	ID string `yaml:"id,omitempty" json:"id,omitempty"`

	// User-defined name
	Name string `yaml:"name" json:"name"`

	// Description of the strategy
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Author information
	Author string `yaml:"author,omitempty" json:"author,omitempty"`

	// Version of this specific strategy (user-defined)
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Tags for categorization
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Creation/modification timestamps
	CreatedAt time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`

	// Source (e.g., "user", "backup", "backtest")
	Source string `yaml:"source,omitempty" json:"source,omitempty"`
}

// SignalSettings mirrors the scorer's condition thresholds. A direction
// fires when at least MinScore of its five conditions hold and ADX clears
// the hard filter.
type SignalSettings struct {
	MinScore             int     `yaml:"min_score" json:"min_score"`
	ADXMin               float64 `yaml:"adx_min" json:"adx_min"`
	EntryOffsetPct       float64 `yaml:"entry_offset_pct" json:"entry_offset_pct"`
	StopLossPct          float64 `yaml:"stop_loss_pct" json:"stop_loss_pct"`
	BandTolerancePct     float64 `yaml:"band_tolerance_pct" json:"band_tolerance_pct"`
	VWAPProximityPct     float64 `yaml:"vwap_proximity_pct" json:"vwap_proximity_pct"`
	VolumeSpikeThreshold float64 `yaml:"volume_spike_threshold" json:"volume_spike_threshold"`
	TTLSeconds           int     `yaml:"ttl_seconds" json:"ttl_seconds"`
}

// GateSettings configures the consecutive-signal confirmation gate.
type GateSettings struct {
	MinConfirmations int `yaml:"min_confirmations" json:"min_confirmations"`
	MaxWaitSeconds   int `yaml:"max_wait_seconds" json:"max_wait_seconds"`
}

// RiskSettings contains position sizing and lifecycle limits for the paper
// simulator.
type RiskSettings struct {
	RiskPercent             float64 `yaml:"risk_percent" json:"risk_percent"`
	RRRatio                 float64 `yaml:"rr_ratio" json:"rr_ratio"`
	MaxPositions            int     `yaml:"max_positions" json:"max_positions"`
	Leverage                int     `yaml:"leverage" json:"leverage"`
	AllowFlip               bool    `yaml:"allow_flip" json:"allow_flip"`
	CooldownSeconds         int     `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	ReversalCooldownSeconds int     `yaml:"reversal_cooldown_seconds" json:"reversal_cooldown_seconds"`
	PendingTTLMinutes       int     `yaml:"pending_ttl_minutes" json:"pending_ttl_minutes"`
}

// ExecutionSettings contains the backtest execution model: costs, the
// intrabar walk and the cross-symbol allocation rule.
type ExecutionSettings struct {
	CommissionBps      float64 `yaml:"commission_bps" json:"commission_bps"`
	BaseSlippageBps    float64 `yaml:"base_slippage_bps" json:"base_slippage_bps"`
	VolSlippageFactor  float64 `yaml:"vol_slippage_factor" json:"vol_slippage_factor"`
	IntrabarPath       bool    `yaml:"intrabar_path" json:"intrabar_path"`
	SharkTankSelection bool    `yaml:"shark_tank_selection" json:"shark_tank_selection"`
}

// NewDefaultStrategy creates a new strategy preset with the engine defaults
func NewDefaultStrategy(name string) *StrategyConfig {
	return &StrategyConfig{
		Metadata: StrategyMetadata{
			SchemaVersion: SchemaVersion,
			ID:            uuid.New().String(),
			Name:          name,
			CreatedAt:     time.Now(),
			UpdatedAt:     time.Now(),
			Source:        "user",
		},
		Signal: SignalSettings{
			MinScore:             4,
			ADXMin:               25.0,
			EntryOffsetPct:       0.001,
			StopLossPct:          0.01,
			BandTolerancePct:     0.015,
			VWAPProximityPct:     1.0,
			VolumeSpikeThreshold: 2.0,
			TTLSeconds:           300,
		},
		Gate: GateSettings{
			MinConfirmations: 2,
			MaxWaitSeconds:   180,
		},
		Risk: RiskSettings{
			RiskPercent:             1.0,
			RRRatio:                 2.0,
			MaxPositions:            3,
			Leverage:                10,
			AllowFlip:               true,
			CooldownSeconds:         300,
			ReversalCooldownSeconds: 600,
			PendingTTLMinutes:       45,
		},
		Execution: ExecutionSettings{
			CommissionBps:      4.0,
			BaseSlippageBps:    2.0,
			VolSlippageFactor:  0.1,
			IntrabarPath:       true,
			SharkTankSelection: true,
		},
	}
}

// FromConfig captures the running application config as a preset, the
// inverse of Apply. Used to export the currently active strategy.
func FromConfig(name string, cfg *config.Config) *StrategyConfig {
	s := NewDefaultStrategy(name)
	s.Signal = SignalSettings{
		MinScore:             cfg.Signal.MinScore,
		ADXMin:               cfg.Signal.ADXMin,
		EntryOffsetPct:       cfg.Signal.EntryOffsetPct,
		StopLossPct:          cfg.Signal.StopLossPct,
		BandTolerancePct:     cfg.Signal.BandTolerancePct,
		VWAPProximityPct:     cfg.Signal.VWAPProximityPct,
		VolumeSpikeThreshold: cfg.Signal.VolumeSpikeThreshold,
		TTLSeconds:           cfg.Signal.TTLSeconds,
	}
	s.Gate = GateSettings{
		MinConfirmations: cfg.Signal.Gate.MinConfirmations,
		MaxWaitSeconds:   cfg.Signal.Gate.MaxWaitSeconds,
	}
	s.Risk = RiskSettings{
		RiskPercent:             cfg.Simulator.RiskPercent,
		RRRatio:                 cfg.Simulator.RRRatio,
		MaxPositions:            cfg.Simulator.MaxPositions,
		Leverage:                cfg.Simulator.Leverage,
		AllowFlip:               cfg.Simulator.AllowFlip,
		CooldownSeconds:         cfg.Simulator.CooldownSeconds,
		ReversalCooldownSeconds: cfg.Simulator.ReversalCooldownSeconds,
		PendingTTLMinutes:       cfg.Simulator.PendingTTLMinutes,
	}
	s.Execution = ExecutionSettings{
		CommissionBps:      cfg.Backtest.CommissionBps,
		BaseSlippageBps:    cfg.Backtest.BaseSlippageBps,
		VolSlippageFactor:  cfg.Backtest.VolSlippageFactor,
		IntrabarPath:       cfg.Backtest.IntrabarPath,
		SharkTankSelection: cfg.Backtest.SharkTankSelection,
	}
	return s
}

// Apply writes the preset over the matching application config sections.
// The preset must have been validated first; Apply does not re-check.
func (s *StrategyConfig) Apply(cfg *config.Config) {
	cfg.Signal.MinScore = s.Signal.MinScore
	cfg.Signal.ADXMin = s.Signal.ADXMin
	cfg.Signal.EntryOffsetPct = s.Signal.EntryOffsetPct
	cfg.Signal.StopLossPct = s.Signal.StopLossPct
	cfg.Signal.BandTolerancePct = s.Signal.BandTolerancePct
	cfg.Signal.VWAPProximityPct = s.Signal.VWAPProximityPct
	cfg.Signal.VolumeSpikeThreshold = s.Signal.VolumeSpikeThreshold
	cfg.Signal.TTLSeconds = s.Signal.TTLSeconds

	cfg.Signal.Gate.MinConfirmations = s.Gate.MinConfirmations
	cfg.Signal.Gate.MaxWaitSeconds = s.Gate.MaxWaitSeconds

	cfg.Simulator.RiskPercent = s.Risk.RiskPercent
	cfg.Simulator.RRRatio = s.Risk.RRRatio
	cfg.Simulator.MaxPositions = s.Risk.MaxPositions
	cfg.Simulator.Leverage = s.Risk.Leverage
	cfg.Simulator.AllowFlip = s.Risk.AllowFlip
	cfg.Simulator.CooldownSeconds = s.Risk.CooldownSeconds
	cfg.Simulator.ReversalCooldownSeconds = s.Risk.ReversalCooldownSeconds
	cfg.Simulator.PendingTTLMinutes = s.Risk.PendingTTLMinutes

	cfg.Backtest.CommissionBps = s.Execution.CommissionBps
	cfg.Backtest.BaseSlippageBps = s.Execution.BaseSlippageBps
	cfg.Backtest.VolSlippageFactor = s.Execution.VolSlippageFactor
	cfg.Backtest.IntrabarPath = s.Execution.IntrabarPath
	cfg.Backtest.SharkTankSelection = s.Execution.SharkTankSelection
}

// DeepCopy creates an independent copy of the strategy preset via a JSON
// round-trip, so nested slices like Tags share no memory with the original.
func (s *StrategyConfig) DeepCopy() *StrategyConfig {
	if s == nil {
		return nil
	}

	data, err := json.Marshal(s)
	if err != nil {
		// Should never happen with a well-formed preset.
		log.Error().Err(err).Str("strategy_name", s.Metadata.Name).Msg("DeepCopy: failed to marshal strategy")
		return nil
	}

	var copied StrategyConfig
	if err := json.Unmarshal(data, &copied); err != nil {
		log.Error().Err(err).Str("strategy_name", s.Metadata.Name).Msg("DeepCopy: failed to unmarshal strategy")
		return nil
	}

	return &copied
}
