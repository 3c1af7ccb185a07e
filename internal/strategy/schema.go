package strategy

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError contains details about validation failures
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// ErrInvalidSchema is returned when the schema version is not supported
var ErrInvalidSchema = errors.New("invalid or unsupported schema version")

// ErrMissingRequiredField is returned when a required field is missing
var ErrMissingRequiredField = errors.New("missing required field")

// SupportedSchemaVersions lists all supported schema versions
var SupportedSchemaVersions = []string{"1.0"}

// Validate performs comprehensive validation on a strategy preset.
// Returns nil if valid, or ValidationErrors with all issues found.
// Bounds match the engine's own config validation, so an importable preset
// is also an applicable one.
func (s *StrategyConfig) Validate() error {
	var errs ValidationErrors

	if err := s.validateMetadata(); err != nil {
		errs = append(errs, err...)
	}

	if err := s.validateSignal(); err != nil {
		errs = append(errs, err...)
	}

	if err := s.validateGate(); err != nil {
		errs = append(errs, err...)
	}

	if err := s.validateRisk(); err != nil {
		errs = append(errs, err...)
	}

	if err := s.validateExecution(); err != nil {
		errs = append(errs, err...)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (s *StrategyConfig) validateMetadata() ValidationErrors {
	var errs ValidationErrors

	if s.Metadata.Name == "" {
		errs = append(errs, ValidationError{
			Field:   "metadata.name",
			Message: "strategy name is required",
		})
	}
	if len(s.Metadata.Name) > 100 {
		errs = append(errs, ValidationError{
			Field:   "metadata.name",
			Message: "strategy name must be 100 characters or less",
		})
	}

	if s.Metadata.SchemaVersion == "" {
		errs = append(errs, ValidationError{
			Field:   "metadata.schema_version",
			Message: "schema version is required",
		})
	} else if !schemaVersionSupported(s.Metadata.SchemaVersion) {
		errs = append(errs, ValidationError{
			Field:   "metadata.schema_version",
			Message: fmt.Sprintf("unsupported schema version: %s (supported: %s)", s.Metadata.SchemaVersion, strings.Join(SupportedSchemaVersions, ", ")),
		})
	}

	if len(s.Metadata.Description) > 1000 {
		errs = append(errs, ValidationError{
			Field:   "metadata.description",
			Message: "description must be 1000 characters or less",
		})
	}

	if len(s.Metadata.Tags) > 20 {
		errs = append(errs, ValidationError{
			Field:   "metadata.tags",
			Message: "maximum 20 tags allowed",
		})
	}
	for i, tag := range s.Metadata.Tags {
		if len(tag) > 50 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("metadata.tags[%d]", i),
				Message: "tag must be 50 characters or less",
			})
		}
	}

	return errs
}

func (s *StrategyConfig) validateSignal() ValidationErrors {
	var errs ValidationErrors

	if s.Signal.MinScore < 1 || s.Signal.MinScore > 5 {
		errs = append(errs, ValidationError{
			Field:   "signal.min_score",
			Message: "min_score must be between 1 and 5",
		})
	}
	if s.Signal.ADXMin < 0 || s.Signal.ADXMin > 100 {
		errs = append(errs, ValidationError{
			Field:   "signal.adx_min",
			Message: "adx_min must be between 0 and 100",
		})
	}
	if s.Signal.EntryOffsetPct < 0 || s.Signal.EntryOffsetPct > 0.05 {
		errs = append(errs, ValidationError{
			Field:   "signal.entry_offset_pct",
			Message: "entry_offset_pct must be between 0 and 0.05",
		})
	}
	if s.Signal.StopLossPct <= 0 || s.Signal.StopLossPct > 0.2 {
		errs = append(errs, ValidationError{
			Field:   "signal.stop_loss_pct",
			Message: "stop_loss_pct must be greater than 0 and at most 0.2",
		})
	}
	if s.Signal.BandTolerancePct < 0 || s.Signal.BandTolerancePct > 0.1 {
		errs = append(errs, ValidationError{
			Field:   "signal.band_tolerance_pct",
			Message: "band_tolerance_pct must be between 0 and 0.1",
		})
	}
	if s.Signal.VWAPProximityPct <= 0 || s.Signal.VWAPProximityPct > 10 {
		errs = append(errs, ValidationError{
			Field:   "signal.vwap_proximity_pct",
			Message: "vwap_proximity_pct must be greater than 0 and at most 10",
		})
	}
	if s.Signal.VolumeSpikeThreshold < 1 {
		errs = append(errs, ValidationError{
			Field:   "signal.volume_spike_threshold",
			Message: "volume_spike_threshold must be at least 1",
		})
	}
	if s.Signal.TTLSeconds < 10 || s.Signal.TTLSeconds > 3600 {
		errs = append(errs, ValidationError{
			Field:   "signal.ttl_seconds",
			Message: "ttl_seconds must be between 10 and 3600",
		})
	}

	return errs
}

func (s *StrategyConfig) validateGate() ValidationErrors {
	var errs ValidationErrors

	if s.Gate.MinConfirmations < 1 || s.Gate.MinConfirmations > 10 {
		errs = append(errs, ValidationError{
			Field:   "gate.min_confirmations",
			Message: "min_confirmations must be between 1 and 10",
		})
	}
	if s.Gate.MaxWaitSeconds < 10 || s.Gate.MaxWaitSeconds > 3600 {
		errs = append(errs, ValidationError{
			Field:   "gate.max_wait_seconds",
			Message: "max_wait_seconds must be between 10 and 3600",
		})
	}

	return errs
}

func (s *StrategyConfig) validateRisk() ValidationErrors {
	var errs ValidationErrors

	if s.Risk.RiskPercent < 0.1 || s.Risk.RiskPercent > 10 {
		errs = append(errs, ValidationError{
			Field:   "risk.risk_percent",
			Message: "risk_percent must be between 0.1 and 10",
		})
	}
	if s.Risk.RRRatio < 1 || s.Risk.RRRatio > 5 {
		errs = append(errs, ValidationError{
			Field:   "risk.rr_ratio",
			Message: "rr_ratio must be between 1 and 5",
		})
	}
	if s.Risk.MaxPositions < 1 || s.Risk.MaxPositions > 10 {
		errs = append(errs, ValidationError{
			Field:   "risk.max_positions",
			Message: "max_positions must be between 1 and 10",
		})
	}
	if s.Risk.Leverage < 1 || s.Risk.Leverage > 20 {
		errs = append(errs, ValidationError{
			Field:   "risk.leverage",
			Message: "leverage must be between 1 and 20",
		})
	}
	if s.Risk.CooldownSeconds < 0 {
		errs = append(errs, ValidationError{
			Field:   "risk.cooldown_seconds",
			Message: "cooldown_seconds cannot be negative",
		})
	}
	if s.Risk.ReversalCooldownSeconds < s.Risk.CooldownSeconds {
		errs = append(errs, ValidationError{
			Field:   "risk.reversal_cooldown_seconds",
			Message: "reversal_cooldown_seconds must be at least cooldown_seconds",
		})
	}
	if s.Risk.PendingTTLMinutes < 1 || s.Risk.PendingTTLMinutes > 1440 {
		errs = append(errs, ValidationError{
			Field:   "risk.pending_ttl_minutes",
			Message: "pending_ttl_minutes must be between 1 and 1440",
		})
	}

	return errs
}

func (s *StrategyConfig) validateExecution() ValidationErrors {
	var errs ValidationErrors

	if s.Execution.CommissionBps < 0 || s.Execution.CommissionBps > 100 {
		errs = append(errs, ValidationError{
			Field:   "execution.commission_bps",
			Message: "commission_bps must be between 0 and 100",
		})
	}
	if s.Execution.BaseSlippageBps < 0 || s.Execution.BaseSlippageBps > 100 {
		errs = append(errs, ValidationError{
			Field:   "execution.base_slippage_bps",
			Message: "base_slippage_bps must be between 0 and 100",
		})
	}
	if s.Execution.VolSlippageFactor < 0 || s.Execution.VolSlippageFactor > 1 {
		errs = append(errs, ValidationError{
			Field:   "execution.vol_slippage_factor",
			Message: "vol_slippage_factor must be between 0 and 1",
		})
	}

	return errs
}

func schemaVersionSupported(version string) bool {
	for _, v := range SupportedSchemaVersions {
		if v == version {
			return true
		}
	}
	return false
}

// ValidateQuick performs minimal validation, just enough to load a preset
// for inspection without enforcing every bound.
func (s *StrategyConfig) ValidateQuick() error {
	if s.Metadata.Name == "" {
		return fmt.Errorf("%w: metadata.name", ErrMissingRequiredField)
	}
	if s.Metadata.SchemaVersion == "" {
		return fmt.Errorf("%w: metadata.schema_version", ErrMissingRequiredField)
	}
	if !schemaVersionSupported(s.Metadata.SchemaVersion) {
		return fmt.Errorf("%w: %s", ErrInvalidSchema, s.Metadata.SchemaVersion)
	}
	return nil
}
