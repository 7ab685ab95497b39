package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func validSnapshotJSON(t *testing.T, id string) []byte {
	t.Helper()

	data, err := json.Marshal(Snapshot{
		Session: Session{
			ID:        id,
			Status:    StatusCompleted,
			Stage:     StageCompleted,
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
			Request: JobRequest{
				Prompt:          "p",
				DurationSeconds: 30,
				Quality:         QualityLow,
			},
		},
	})
	require.NoError(t, err)

	return data
}

func legacySnapshotJSON(t *testing.T, id string) []byte {
	t.Helper()

	data, err := json.Marshal(map[string]any{
		"id":     id,
		"status": "completed",
		"stage":  "completed",
		"request": map[string]any{
			"prompt":           "p",
			"duration_seconds": 30,
			"quality":          "low",
		},
		"project_state": map[string]any{
			"final_artifact": "out.mp4",
		},
	})
	require.NoError(t, err)

	return data
}

func TestDiscoverSnapshots_Classification(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	validID := uuid.NewString()
	legacyID := uuid.NewString()

	writeTestFile(t, dir, validID+".json", validSnapshotJSON(t, validID))
	writeTestFile(t, dir, legacyID+".json", legacySnapshotJSON(t, legacyID))
	writeTestFile(t, dir, "broken.json", []byte("{nope"))
	writeTestFile(t, dir, "ignored.txt", []byte("not a snapshot"))
	writeTestFile(t, dir, "old.json.corrupt", []byte("{quarantined"))

	entries, err := DiscoverSnapshots(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	kinds := make(map[string]SnapshotKind)
	for _, entry := range entries {
		kinds[filepath.Base(entry.Path)] = entry.Kind
	}

	assert.Equal(t, SnapshotValid, kinds[validID+".json"])
	assert.Equal(t, SnapshotLegacy, kinds[legacyID+".json"])
	assert.Equal(t, SnapshotCorrupt, kinds["broken.json"])
}

func TestRemigrate_RewritesLegacyOnly(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	validID := uuid.NewString()
	legacyID := uuid.NewString()

	validData := validSnapshotJSON(t, validID)
	writeTestFile(t, dir, validID+".json", validData)
	writeTestFile(t, dir, legacyID+".json", legacySnapshotJSON(t, legacyID))
	writeTestFile(t, dir, "broken.json", []byte("{nope"))

	result, err := Remigrate(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Migrated)
	assert.Equal(t, 1, result.Valid)
	assert.Equal(t, 1, result.Corrupt)

	// Migrated file now carries the canonical envelope and state.
	snap, err := readSnapshot(filepath.Join(dir, legacyID+".json"))
	require.NoError(t, err)
	assert.Equal(t, legacyID, snap.Session.ID)
	assert.Equal(t, "out.mp4", snap.ProjectState.FinalArtifact)

	// Valid file untouched.
	after, err := os.ReadFile(filepath.Join(dir, validID+".json"))
	require.NoError(t, err)
	assert.Equal(t, validData, after)

	// A second pass finds nothing left to migrate.
	result, err = Remigrate(dir)
	require.NoError(t, err)
	assert.Zero(t, result.Migrated)
	assert.Equal(t, 2, result.Valid)
}

func TestRemigrate_NormalizesFileName(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	id := uuid.NewString()
	oldPath := writeTestFile(t, dir, "export-"+id+".json", legacySnapshotJSON(t, id))

	result, err := Remigrate(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Migrated)

	assert.NoFileExists(t, oldPath)

	snap, err := readSnapshot(filepath.Join(dir, id+".json"))
	require.NoError(t, err)
	assert.Equal(t, id, snap.Session.ID)
}
