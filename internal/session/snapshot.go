package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// snapshotExtension is the file extension for session snapshots.
const snapshotExtension = ".json"

// corruptExtension is appended to quarantined snapshot files.
const corruptExtension = ".corrupt"

// File and directory permissions for snapshots.
const (
	dirPerm  = 0o750
	filePerm = 0o600
)

// snapshotIndent is the indentation used for persisted snapshots.
const snapshotIndent = "  "

// Snapshot is the on-disk representation of one session: the session record
// plus its project state, serialized as a single JSON document.
type Snapshot struct {
	Session      Session      `json:"session"`
	ProjectState ProjectState `json:"project_state"`
}

// snapshotPath returns the snapshot file path for a session id.
func snapshotPath(dir, id string) string {
	return filepath.Join(dir, id+snapshotExtension)
}

// writeSnapshot persists a snapshot atomically: encode to a temp file in the
// same directory, then rename over the final path.
func writeSnapshot(dir string, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", snapshotIndent)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(dir, snap.Session.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}

	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()

	if writeErr != nil || closeErr != nil {
		os.Remove(tmpPath)

		if writeErr != nil {
			return fmt.Errorf("write temp snapshot: %w", writeErr)
		}

		return fmt.Errorf("close temp snapshot: %w", closeErr)
	}

	renameErr := os.Rename(tmpPath, snapshotPath(dir, snap.Session.ID))
	if renameErr != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("rename snapshot: %w", renameErr)
	}

	return nil
}

// readSnapshot loads and decodes one snapshot file.
func readSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot

	unmarshalErr := json.Unmarshal(data, &snap)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", unmarshalErr)
	}

	return &snap, nil
}

// quarantine renames a malformed snapshot aside so it is never retried or
// silently repaired.
func quarantine(path string) error {
	err := os.Rename(path, path+corruptExtension)
	if err != nil {
		return fmt.Errorf("quarantine snapshot: %w", err)
	}

	return nil
}
