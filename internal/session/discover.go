package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SnapshotKind classifies a discovered snapshot file.
type SnapshotKind string

// Snapshot classifications.
const (
	// SnapshotValid is the canonical envelope format.
	SnapshotValid SnapshotKind = "valid"
	// SnapshotLegacy is a flat session record without the envelope; it can
	// be migrated in place.
	SnapshotLegacy SnapshotKind = "legacy"
	// SnapshotCorrupt is undecodable.
	SnapshotCorrupt SnapshotKind = "corrupt"
)

// DiscoveryEntry describes one snapshot file found in a sessions directory.
type DiscoveryEntry struct {
	Path   string       `json:"path"`
	ID     string       `json:"id,omitempty"`
	Kind   SnapshotKind `json:"kind"`
	Detail string       `json:"detail,omitempty"`
}

// legacySnapshot is the pre-envelope flat format: session fields at the top
// level with project state nested under "project_state".
type legacySnapshot struct {
	Session
	ProjectState ProjectState `json:"project_state"`
}

// DiscoverSnapshots scans a sessions directory and classifies every .json
// file as valid, legacy, or corrupt. Quarantined .corrupt files are skipped.
func DiscoverSnapshots(dir string) ([]DiscoveryEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var out []DiscoveryEntry

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), snapshotExtension) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		out = append(out, classifySnapshot(path))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out, nil
}

func classifySnapshot(path string) DiscoveryEntry {
	data, err := os.ReadFile(path)
	if err != nil {
		return DiscoveryEntry{Path: path, Kind: SnapshotCorrupt, Detail: err.Error()}
	}

	var snap Snapshot

	err = json.Unmarshal(data, &snap)
	if err == nil && snap.Session.ID != "" {
		return DiscoveryEntry{Path: path, ID: snap.Session.ID, Kind: SnapshotValid}
	}

	var legacy legacySnapshot

	err = json.Unmarshal(data, &legacy)
	if err == nil && legacy.ID != "" {
		return DiscoveryEntry{Path: path, ID: legacy.ID, Kind: SnapshotLegacy}
	}

	detail := "unrecognized snapshot shape"
	if err != nil {
		detail = err.Error()
	}

	return DiscoveryEntry{Path: path, Kind: SnapshotCorrupt, Detail: detail}
}

// MigrationResult summarizes one Remigrate pass.
type MigrationResult struct {
	Migrated int `json:"migrated"`
	Valid    int `json:"valid"`
	Corrupt  int `json:"corrupt"`
}

// Remigrate rewrites every legacy snapshot in dir into the canonical
// envelope format using the same atomic write path as the store. Valid and
// corrupt files are left untouched.
func Remigrate(dir string) (MigrationResult, error) {
	discovered, err := DiscoverSnapshots(dir)
	if err != nil {
		return MigrationResult{}, err
	}

	var result MigrationResult

	for _, entry := range discovered {
		switch entry.Kind {
		case SnapshotValid:
			result.Valid++
		case SnapshotCorrupt:
			result.Corrupt++
		case SnapshotLegacy:
			migrateErr := migrateSnapshot(dir, entry.Path)
			if migrateErr != nil {
				return result, fmt.Errorf("migrate %s: %w", entry.Path, migrateErr)
			}

			result.Migrated++
		}
	}

	return result, nil
}

func migrateSnapshot(dir, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read legacy snapshot: %w", err)
	}

	var legacy legacySnapshot

	err = json.Unmarshal(data, &legacy)
	if err != nil {
		return fmt.Errorf("decode legacy snapshot: %w", err)
	}

	snap := Snapshot{
		Session:      legacy.Session,
		ProjectState: legacy.ProjectState,
	}

	err = writeSnapshot(dir, &snap)
	if err != nil {
		return err
	}

	// Legacy files under a non-canonical name are superseded by the rewrite.
	if path != snapshotPath(dir, legacy.ID) {
		removeErr := os.Remove(path)
		if removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove legacy snapshot: %w", removeErr)
		}
	}

	return nil
}
