package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ExportFormat specifies the output format for strategy export
type ExportFormat string

const (
	FormatYAML ExportFormat = "yaml"
	FormatJSON ExportFormat = "json"
)

// ExportOptions configures strategy export behavior
type ExportOptions struct {
	// Format specifies the output format (yaml or json)
	Format ExportFormat

	// IncludeMetadata includes full metadata in export
	IncludeMetadata bool

	// PrettyPrint enables indented output
	PrettyPrint bool

	// AddComments adds a YAML header comment (YAML only)
	AddComments bool
}

// DefaultExportOptions returns the default export options
func DefaultExportOptions() ExportOptions {
	return ExportOptions{
		Format:          FormatYAML,
		IncludeMetadata: true,
		PrettyPrint:     true,
		AddComments:     true,
	}
}

// ImportOptions configures strategy import behavior
type ImportOptions struct {
	// ValidateStrict performs full validation (default: true)
	ValidateStrict bool

	// GenerateNewID generates a new ID for the imported strategy
	GenerateNewID bool

	// OverrideMetadata allows specifying new metadata
	OverrideMetadata *StrategyMetadata
}

// DefaultImportOptions returns the default import options
func DefaultImportOptions() ImportOptions {
	return ImportOptions{
		ValidateStrict: true,
		GenerateNewID:  true,
	}
}

// Export serializes a strategy preset to the specified format
func Export(strategy *StrategyConfig, opts ExportOptions) ([]byte, error) {
	if strategy == nil {
		return nil, fmt.Errorf("strategy cannot be nil")
	}

	// Work on a copy so export timestamps never touch the original.
	exportStrategy := *strategy

	if opts.IncludeMetadata {
		exportStrategy.Metadata.UpdatedAt = time.Now()
		if exportStrategy.Metadata.ID == "" {
			exportStrategy.Metadata.ID = uuid.New().String()
		}
		if exportStrategy.Metadata.SchemaVersion == "" {
			exportStrategy.Metadata.SchemaVersion = SchemaVersion
		}
		if exportStrategy.Metadata.Source == "" {
			exportStrategy.Metadata.Source = "export"
		}
	}

	switch opts.Format {
	case FormatYAML:
		return exportToYAML(&exportStrategy, opts)
	case FormatJSON:
		return exportToJSON(&exportStrategy, opts)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}
}

func exportToYAML(strategy *StrategyConfig, opts ExportOptions) ([]byte, error) {
	var buf bytes.Buffer

	if opts.AddComments {
		buf.WriteString("# PulseTrader Strategy Preset\n")
		buf.WriteString(fmt.Sprintf("# Schema Version: %s\n", strategy.Metadata.SchemaVersion))
		buf.WriteString(fmt.Sprintf("# Exported: %s\n", time.Now().Format(time.RFC3339)))
		buf.WriteString("\n")
	}

	encoder := yaml.NewEncoder(&buf)
	if opts.PrettyPrint {
		encoder.SetIndent(2)
	}

	if err := encoder.Encode(strategy); err != nil {
		return nil, fmt.Errorf("failed to encode strategy to YAML: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("failed to close YAML encoder: %w", err)
	}

	return buf.Bytes(), nil
}

func exportToJSON(strategy *StrategyConfig, opts ExportOptions) ([]byte, error) {
	var data []byte
	var err error

	if opts.PrettyPrint {
		data, err = json.MarshalIndent(strategy, "", "  ")
	} else {
		data, err = json.Marshal(strategy)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to encode strategy to JSON: %w", err)
	}

	return data, nil
}

// ExportToFile exports a strategy preset to a file, inferring the format
// from the extension when opts.Format is empty
func ExportToFile(strategy *StrategyConfig, path string, opts ExportOptions) error {
	if opts.Format == "" {
		switch filepath.Ext(path) {
		case ".json":
			opts.Format = FormatJSON
		default:
			opts.Format = FormatYAML
		}
	}

	data, err := Export(strategy, opts)
	if err != nil {
		return fmt.Errorf("failed to export strategy: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write strategy file: %w", err)
	}

	return nil
}

// Import deserializes a strategy preset from bytes. Both YAML and JSON are
// accepted; unknown fields are tolerated so presets from newer minor
// versions still load.
func Import(data []byte, opts ImportOptions) (*StrategyConfig, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty strategy data")
	}

	var strategy StrategyConfig
	var parseErr error

	// First non-whitespace byte decides which parser to try first.
	isJSON := false
	for _, b := range data {
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		isJSON = b == '{' || b == '['
		break
	}

	if isJSON {
		if err := json.Unmarshal(data, &strategy); err != nil {
			if yamlErr := yaml.Unmarshal(data, &strategy); yamlErr != nil {
				parseErr = fmt.Errorf("failed to parse as JSON (%v) or YAML (%v)", err, yamlErr)
			}
		}
	} else {
		if err := yaml.Unmarshal(data, &strategy); err != nil {
			if jsonErr := json.Unmarshal(data, &strategy); jsonErr != nil {
				parseErr = fmt.Errorf("failed to parse as YAML (%v) or JSON (%v)", err, jsonErr)
			}
		}
	}

	if parseErr != nil {
		return nil, parseErr
	}

	if opts.GenerateNewID {
		strategy.Metadata.ID = uuid.New().String()
	}

	if opts.OverrideMetadata != nil {
		if opts.OverrideMetadata.Name != "" {
			strategy.Metadata.Name = opts.OverrideMetadata.Name
		}
		if opts.OverrideMetadata.Description != "" {
			strategy.Metadata.Description = opts.OverrideMetadata.Description
		}
		if opts.OverrideMetadata.Author != "" {
			strategy.Metadata.Author = opts.OverrideMetadata.Author
		}
		if len(opts.OverrideMetadata.Tags) > 0 {
			strategy.Metadata.Tags = opts.OverrideMetadata.Tags
		}
	}

	strategy.Metadata.UpdatedAt = time.Now()
	if strategy.Metadata.Source == "" {
		strategy.Metadata.Source = "import"
	}

	if opts.ValidateStrict {
		if err := strategy.Validate(); err != nil {
			return nil, fmt.Errorf("strategy validation failed: %w", err)
		}
	} else {
		if err := strategy.ValidateQuick(); err != nil {
			return nil, fmt.Errorf("strategy validation failed: %w", err)
		}
	}

	return &strategy, nil
}

// ImportFromFile imports a strategy preset from a file
func ImportFromFile(path string, opts ImportOptions) (*StrategyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy file: %w", err)
	}

	strategy, err := Import(data, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to import strategy from %s: %w", path, err)
	}

	return strategy, nil
}

// ImportFromReader imports a strategy preset from an io.Reader
func ImportFromReader(r io.Reader, opts ImportOptions) (*StrategyConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy data: %w", err)
	}

	return Import(data, opts)
}

// Clone creates a deep copy of a strategy preset with fresh identity
func Clone(strategy *StrategyConfig) (*StrategyConfig, error) {
	if strategy == nil {
		return nil, fmt.Errorf("strategy cannot be nil")
	}

	clone := strategy.DeepCopy()
	if clone == nil {
		return nil, fmt.Errorf("failed to copy strategy")
	}

	clone.Metadata.ID = uuid.New().String()
	clone.Metadata.CreatedAt = time.Now()
	clone.Metadata.UpdatedAt = time.Now()
	clone.Metadata.Source = "clone"

	return clone, nil
}

// Merge merges two presets, with the override taking precedence for
// non-zero values.
//
// Due to Go's zero value semantics this cannot distinguish "field not
// specified" from "field explicitly set to zero": numeric overrides of 0
// keep the base value, while boolean fields (allow_flip, intrabar_path,
// shark_tank_selection) always take the override. To explicitly zero a
// numeric field, import a complete preset instead.
func Merge(base, override *StrategyConfig) (*StrategyConfig, error) {
	if base == nil {
		return nil, fmt.Errorf("base strategy cannot be nil")
	}

	result, err := Clone(base)
	if err != nil {
		return nil, fmt.Errorf("failed to clone base strategy: %w", err)
	}

	if override == nil {
		return result, nil
	}

	if override.Metadata.Name != "" {
		result.Metadata.Name = override.Metadata.Name
	}
	if override.Metadata.Description != "" {
		result.Metadata.Description = override.Metadata.Description
	}
	if len(override.Metadata.Tags) > 0 {
		result.Metadata.Tags = override.Metadata.Tags
	}

	mergeSignal(&result.Signal, &override.Signal)
	mergeGate(&result.Gate, &override.Gate)
	mergeRisk(&result.Risk, &override.Risk)
	mergeExecution(&result.Execution, &override.Execution)

	result.Metadata.UpdatedAt = time.Now()
	result.Metadata.Source = "merge"

	return result, nil
}

func mergeSignal(base, override *SignalSettings) {
	if override.MinScore > 0 {
		base.MinScore = override.MinScore
	}
	if override.ADXMin > 0 {
		base.ADXMin = override.ADXMin
	}
	if override.EntryOffsetPct > 0 {
		base.EntryOffsetPct = override.EntryOffsetPct
	}
	if override.StopLossPct > 0 {
		base.StopLossPct = override.StopLossPct
	}
	if override.BandTolerancePct > 0 {
		base.BandTolerancePct = override.BandTolerancePct
	}
	if override.VWAPProximityPct > 0 {
		base.VWAPProximityPct = override.VWAPProximityPct
	}
	if override.VolumeSpikeThreshold > 0 {
		base.VolumeSpikeThreshold = override.VolumeSpikeThreshold
	}
	if override.TTLSeconds > 0 {
		base.TTLSeconds = override.TTLSeconds
	}
}

func mergeGate(base, override *GateSettings) {
	if override.MinConfirmations > 0 {
		base.MinConfirmations = override.MinConfirmations
	}
	if override.MaxWaitSeconds > 0 {
		base.MaxWaitSeconds = override.MaxWaitSeconds
	}
}

func mergeRisk(base, override *RiskSettings) {
	if override.RiskPercent > 0 {
		base.RiskPercent = override.RiskPercent
	}
	if override.RRRatio > 0 {
		base.RRRatio = override.RRRatio
	}
	if override.MaxPositions > 0 {
		base.MaxPositions = override.MaxPositions
	}
	if override.Leverage > 0 {
		base.Leverage = override.Leverage
	}
	if override.CooldownSeconds > 0 {
		base.CooldownSeconds = override.CooldownSeconds
	}
	if override.ReversalCooldownSeconds > 0 {
		base.ReversalCooldownSeconds = override.ReversalCooldownSeconds
	}
	if override.PendingTTLMinutes > 0 {
		base.PendingTTLMinutes = override.PendingTTLMinutes
	}
	base.AllowFlip = override.AllowFlip
}

func mergeExecution(base, override *ExecutionSettings) {
	if override.CommissionBps > 0 {
		base.CommissionBps = override.CommissionBps
	}
	if override.BaseSlippageBps > 0 {
		base.BaseSlippageBps = override.BaseSlippageBps
	}
	if override.VolSlippageFactor > 0 {
		base.VolSlippageFactor = override.VolSlippageFactor
	}
	base.IntrabarPath = override.IntrabarPath
	base.SharkTankSelection = override.SharkTankSelection
}
