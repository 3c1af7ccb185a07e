package strategy

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// MigrationFunc rewrites a preset from one schema version to the next.
type MigrationFunc func(*StrategyConfig) error

// migrations maps source version to migration functions. Empty while 1.0 is
// the only released schema; the first breaking change adds its entry here.
var migrations = map[string]MigrationFunc{}

// parseVersion accepts both "1.0" and full "1.0.0" version strings; preset
// files in the wild carry the short form.
func parseVersion(s string) (*semver.Version, error) {
	if v, err := semver.NewVersion(s); err == nil {
		return v, nil
	}
	return semver.NewVersion(s + ".0")
}

// Migrate upgrades a strategy preset in place to the current schema version,
// applying every registered migration whose source version the preset
// precedes.
func Migrate(preset *StrategyConfig) error {
	if preset == nil {
		return fmt.Errorf("strategy cannot be nil")
	}
	if preset.Metadata.SchemaVersion == SchemaVersion {
		return nil
	}

	current, err := parseVersion(preset.Metadata.SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid schema version: %s", preset.Metadata.SchemaVersion)
	}
	target, err := parseVersion(SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid target schema version: %s", SchemaVersion)
	}
	if current.GreaterThan(target) {
		return fmt.Errorf("strategy schema version %s is newer than supported version %s",
			preset.Metadata.SchemaVersion, SchemaVersion)
	}

	for from, step := range migrations {
		src, err := parseVersion(from)
		if err != nil {
			continue
		}
		if current.GreaterThan(src) {
			continue
		}
		if err := step(preset); err != nil {
			return fmt.Errorf("migration from %s failed: %w", from, err)
		}
	}

	preset.Metadata.SchemaVersion = SchemaVersion
	return nil
}

// CheckCompatibility reports whether a preset can be loaded, directly or via
// Migrate. Presets from a newer schema or a different major version are
// rejected.
func CheckCompatibility(preset *StrategyConfig) error {
	if preset == nil {
		return fmt.Errorf("strategy cannot be nil")
	}
	if preset.Metadata.SchemaVersion == "" {
		return fmt.Errorf("missing schema version")
	}

	current, err := parseVersion(preset.Metadata.SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid schema version: %s", preset.Metadata.SchemaVersion)
	}
	target, err := parseVersion(SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid target schema version: %s", SchemaVersion)
	}

	switch {
	case current.GreaterThan(target):
		return fmt.Errorf("strategy requires schema version %s, but only %s is supported",
			preset.Metadata.SchemaVersion, SchemaVersion)
	case current.Major() != target.Major():
		return fmt.Errorf("no migration path from version %s to %s",
			preset.Metadata.SchemaVersion, SchemaVersion)
	}
	return nil
}

// GetSchemaVersion returns the current schema version.
func GetSchemaVersion() string {
	return SchemaVersion
}

// CompareVersions returns -1, 0 or 1 as a is less than, equal to or greater
// than b.
func CompareVersions(a, b string) (int, error) {
	va, err := parseVersion(a)
	if err != nil {
		return 0, fmt.Errorf("invalid version: %s", a)
	}
	vb, err := parseVersion(b)
	if err != nil {
		return 0, fmt.Errorf("invalid version: %s", b)
	}
	return va.Compare(vb), nil
}

// IsVersionSupported reports whether a schema version can be loaded. Patch
// releases of a supported major.minor count as supported.
func IsVersionSupported(version string) bool {
	for _, v := range SupportedSchemaVersions {
		if v == version {
			return true
		}
	}

	candidate, err := parseVersion(version)
	if err != nil {
		return false
	}
	for _, supported := range SupportedSchemaVersions {
		sv, err := parseVersion(supported)
		if err != nil {
			continue
		}
		if candidate.Major() == sv.Major() && candidate.Minor() == sv.Minor() {
			return true
		}
	}
	return false
}

// VersionInfo describes where a preset stands relative to the current
// schema.
type VersionInfo struct {
	SchemaVersion     string `json:"schema_version"`
	StrategyVersion   string `json:"strategy_version,omitempty"`
	IsCompatible      bool   `json:"is_compatible"`
	RequiresMigration bool   `json:"requires_migration"`
	MigrationPath     string `json:"migration_path,omitempty"`
}

// GetVersionInfo summarizes a preset's compatibility and migration needs.
func GetVersionInfo(preset *StrategyConfig) (*VersionInfo, error) {
	if preset == nil {
		return nil, fmt.Errorf("strategy cannot be nil")
	}

	info := &VersionInfo{
		SchemaVersion:   preset.Metadata.SchemaVersion,
		StrategyVersion: preset.Metadata.Version,
	}
	info.IsCompatible = CheckCompatibility(preset) == nil

	if preset.Metadata.SchemaVersion != SchemaVersion {
		if cmp, err := CompareVersions(preset.Metadata.SchemaVersion, SchemaVersion); err == nil && cmp < 0 {
			info.RequiresMigration = true
			info.MigrationPath = fmt.Sprintf("%s -> %s", preset.Metadata.SchemaVersion, SchemaVersion)
		}
	}
	return info, nil
}
