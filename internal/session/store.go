package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the session id is unknown to the store.
	ErrNotFound = errors.New("session not found")
	// ErrBackwardStage indicates a stage transition that would move backward
	// through the pipeline.
	ErrBackwardStage = errors.New("stage transition moves backward")
)

// entry pairs a session with its project state under the store lock.
type entry struct {
	session Session
	state   ProjectState
}

// Store is the authoritative in-memory map of session id to session and
// project state, mirrored to disk with one JSON file per session.
//
// A single mutex guards both the map and the write-through; readers observe
// the state after the last committed mutation. Disk write failures are
// logged but never roll back the in-memory mutation.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	dir     string
	logger  *slog.Logger
}

// NewStore creates a store rooted at dir and loads every snapshot found
// there. Malformed snapshots are quarantined with a warning, never abort.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	err := os.MkdirAll(dir, dirPerm)
	if err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}

	st := &Store{
		entries: make(map[string]*entry),
		dir:     dir,
		logger:  logger,
	}

	loadErr := st.loadAll()
	if loadErr != nil {
		return nil, loadErr
	}

	return st, nil
}

// loadAll reads every snapshot in the store directory into memory.
func (st *Store) loadAll() error {
	dirEntries, err := os.ReadDir(st.dir)
	if err != nil {
		return fmt.Errorf("read sessions dir: %w", err)
	}

	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, snapshotExtension) {
			continue
		}

		path := filepath.Join(st.dir, name)

		snap, readErr := readSnapshot(path)
		if readErr != nil {
			st.logger.Warn("skipping malformed session snapshot",
				"path", path, "error", readErr)

			quarantineErr := quarantine(path)
			if quarantineErr != nil {
				st.logger.Warn("failed to quarantine snapshot",
					"path", path, "error", quarantineErr)
			}

			continue
		}

		rehydrate(snap)
		st.entries[snap.Session.ID] = &entry{
			session: snap.Session,
			state:   snap.ProjectState,
		}
	}

	return nil
}

// rehydrate fills defaults for snapshot fields missing from older files.
func rehydrate(snap *Snapshot) {
	if snap.Session.Status == "" {
		snap.Session.Status = StatusQueued
	}

	if snap.Session.Stage == "" {
		snap.Session.Stage = StageInitializing
	}

	if snap.Session.ID == "" {
		snap.Session.ID = uuid.NewString()
	}
}

// Create registers a fresh session for the given request and returns its id.
// The only failure mode is a snapshot write error.
func (st *Store) Create(req JobRequest, userID string) (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Request:   req,
		Status:    StatusQueued,
		Stage:     StageInitializing,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]string{},
	}

	ent := &entry{session: sess}
	st.entries[sess.ID] = ent

	writeErr := st.persist(ent)
	if writeErr != nil {
		return "", fmt.Errorf("persist new session: %w", writeErr)
	}

	return sess.ID, nil
}

// Get returns a copy of the session with the given id.
func (st *Store) Get(id string) (Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	ent, ok := st.entries[id]
	if !ok {
		return Session{}, ErrNotFound
	}

	return ent.session, nil
}

// GetProjectState returns a copy of the project state for the given id.
func (st *Store) GetProjectState(id string) (ProjectState, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	ent, ok := st.entries[id]
	if !ok {
		return ProjectState{}, ErrNotFound
	}

	return ent.state, nil
}

// UpdateStatus applies the non-nil fields of upd to the session. Progress is
// clamped to [0, 1]. Stage transitions that would move backward through the
// pipeline are rejected unless the target is the failed marker. UpdatedAt is
// monotonically non-decreasing. The mutation is written through.
func (st *Store) UpdateStatus(id string, upd StatusUpdate) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	ent, ok := st.entries[id]
	if !ok {
		return ErrNotFound
	}

	if upd.Stage != nil {
		stageErr := checkStageTransition(ent.session.Stage, *upd.Stage)
		if stageErr != nil {
			return stageErr
		}

		ent.session.Stage = *upd.Stage
	}

	if upd.Status != nil {
		ent.session.Status = *upd.Status
	}

	if upd.Progress != nil {
		ent.session.Progress = clamp01(*upd.Progress)
	}

	if upd.Error != nil {
		ent.session.Error = *upd.Error
	}

	if upd.EstimatedCompletion != nil {
		eta := *upd.EstimatedCompletion
		ent.session.EstimatedCompletion = &eta
	}

	st.touch(&ent.session)
	st.writeThrough(ent)

	return nil
}

// UpdateProjectState applies the patch to the project state and writes through.
func (st *Store) UpdateProjectState(id string, patch StatePatch) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	ent, ok := st.entries[id]
	if !ok {
		return ErrNotFound
	}

	patch.Apply(&ent.state)
	st.touch(&ent.session)
	st.writeThrough(ent)

	return nil
}

// AddIntermediateFile records a file path owned by the session. Idempotent.
func (st *Store) AddIntermediateFile(id, path string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	ent, ok := st.entries[id]
	if !ok {
		return ErrNotFound
	}

	for _, existing := range ent.state.IntermediateFiles {
		if existing == path {
			return nil
		}
	}

	ent.state.IntermediateFiles = append(ent.state.IntermediateFiles, path)
	st.touch(&ent.session)
	st.writeThrough(ent)

	return nil
}

// List returns sessions matching the filter in created-at-descending order.
func (st *Store) List(filter ListFilter) []Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []Session

	for _, ent := range st.entries {
		if filter.UserID != "" && ent.session.UserID != filter.UserID {
			continue
		}

		if filter.Status != "" && ent.session.Status != filter.Status {
			continue
		}

		out = append(out, ent.session)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}

	return out
}

// Delete removes the session and its snapshot. When cleanupFiles is set,
// every intermediate file is unlinked best-effort.
func (st *Store) Delete(id string, cleanupFiles bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	ent, ok := st.entries[id]
	if !ok {
		return ErrNotFound
	}

	if cleanupFiles {
		for _, path := range ent.state.IntermediateFiles {
			removeErr := os.Remove(path)
			if removeErr != nil && !os.IsNotExist(removeErr) {
				st.logger.Warn("failed to remove intermediate file",
					"session_id", id, "path", path, "error", removeErr)
			}
		}
	}

	delete(st.entries, id)

	removeErr := os.Remove(snapshotPath(st.dir, id))
	if removeErr != nil && !os.IsNotExist(removeErr) {
		st.logger.Warn("failed to remove session snapshot",
			"session_id", id, "error", removeErr)
	}

	return nil
}

// Dir returns the directory holding session snapshots.
func (st *Store) Dir() string {
	return st.dir
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()

	return len(st.entries)
}

// touch advances UpdatedAt without ever moving it backward.
func (st *Store) touch(sess *Session) {
	now := time.Now().UTC()
	if now.After(sess.UpdatedAt) {
		sess.UpdatedAt = now
	}
}

// writeThrough persists the entry, logging write failures instead of rolling
// back. The next successful write re-synchronizes the snapshot.
func (st *Store) writeThrough(ent *entry) {
	err := st.persist(ent)
	if err != nil {
		st.logger.Error("session snapshot write failed",
			"session_id", ent.session.ID, "error", err)
	}
}

// persist writes the entry's snapshot to disk atomically.
func (st *Store) persist(ent *entry) error {
	snap := Snapshot{
		Session:      ent.session,
		ProjectState: ent.state,
	}

	return writeSnapshot(st.dir, &snap)
}

// checkStageTransition rejects transitions that move backward through the
// pipeline order. Transitions to the failed marker are always allowed.
func checkStageTransition(from, to Stage) error {
	if to == StageFailed {
		return nil
	}

	fromIdx, fromOK := StageIndex(from)
	toIdx, toOK := StageIndex(to)

	if fromOK && toOK && toIdx < fromIdx {
		return fmt.Errorf("%w: %s -> %s", ErrBackwardStage, from, to)
	}

	return nil
}

// clamp01 restricts v to [0, 1].
func clamp01(v float64) float64 {
	return max(0, min(v, 1))
}
