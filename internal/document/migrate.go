package document

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedVersion indicates a format version newer than CurrentFormatVersion.
	ErrUnsupportedVersion = errors.New("document: unsupported format version")
	// ErrMigrationFailed indicates that a legacy payload could not be upgraded.
	ErrMigrationFailed = errors.New("document: migration failed")
)

type migrationStep func(fields map[string]json.RawMessage) error

// migrationSteps upgrade a raw state from version N to N+1.
var migrationSteps = map[int]migrationStep{
	LegacyFormatVersion: promoteLayersToArtboard,
}

// NeedsMigration reports whether documents stored at formatVersion must be upgraded before replay.
func NeedsMigration(formatVersion int) bool {
	return formatVersion < CurrentFormatVersion
}

// Migrate upgrades a raw JSON state written at fromVersion to CurrentFormatVersion.
// The payload is expected to be the uncompressed snapshot JSON.
func Migrate(payload []byte, fromVersion int) ([]byte, error) {
	if fromVersion > CurrentFormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, fromVersion)
	}
	if fromVersion < LegacyFormatVersion {
		fromVersion = LegacyFormatVersion
	}
	if fromVersion == CurrentFormatVersion {
		return payload, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	for version := fromVersion; version < CurrentFormatVersion; version++ {
		step, ok := migrationSteps[version]
		if !ok {
			return nil, fmt.Errorf("%w: no step from version %d", ErrMigrationFailed, version)
		}
		if err := step(fields); err != nil {
			return nil, err
		}
		marker, err := json.Marshal(version + 1)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
		}
		fields["schemaVersion"] = marker
	}

	upgraded, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}
	return upgraded, nil
}

// promoteLayersToArtboard moves a top-level "layers" list into a single default artboard.
func promoteLayersToArtboard(fields map[string]json.RawMessage) error {
	layers, hasLayers := fields["layers"]
	if _, hasArtboards := fields["artboards"]; hasArtboards {
		delete(fields, "layers")
		return nil
	}
	if !hasLayers || string(layers) == "null" {
		return nil
	}

	var layerList []json.RawMessage
	if err := json.Unmarshal(layers, &layerList); err != nil {
		return fmt.Errorf("%w: layers is not a list: %v", ErrMigrationFailed, err)
	}
	artboards, err := json.Marshal([]map[string]any{{
		"id":     DefaultArtboardID,
		"name":   defaultArtboardName,
		"layers": layerList,
	}})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}
	fields["artboards"] = artboards
	delete(fields, "layers")
	return nil
}

// PayloadVersion reads the schemaVersion marker of a raw state. Payloads
// without a marker predate it and are LegacyFormatVersion.
func PayloadVersion(payload []byte) (int, error) {
	var marker struct {
		SchemaVersion *int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(payload, &marker); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}
	if marker.SchemaVersion == nil || *marker.SchemaVersion < LegacyFormatVersion {
		return LegacyFormatVersion, nil
	}
	return *marker.SchemaVersion, nil
}

// Upgrade migrates payload from the version it declares to CurrentFormatVersion.
// changed reports whether any migration step ran.
func Upgrade(payload []byte) (upgraded []byte, changed bool, err error) {
	version, err := PayloadVersion(payload)
	if err != nil {
		return nil, false, err
	}
	if !NeedsMigration(version) {
		if version > CurrentFormatVersion {
			return nil, false, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
		}
		return payload, false, nil
	}
	upgraded, err = Migrate(payload, version)
	if err != nil {
		return nil, false, err
	}
	return upgraded, true, nil
}
