package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validRequest returns a JobRequest that passes validation.
func validRequest() JobRequest {
	return JobRequest{
		Prompt:          "a tour of the solar system",
		DurationSeconds: 60,
		Style:           "documentary",
		Voice:           "narrator",
		Quality:         QualityMedium,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	return st
}

func TestJobRequest_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*JobRequest)
		wantErr error
	}{
		{"valid", func(*JobRequest) {}, nil},
		{"empty prompt", func(r *JobRequest) { r.Prompt = "" }, ErrEmptyPrompt},
		{"duration too short", func(r *JobRequest) { r.DurationSeconds = 5 }, ErrDurationOutOfRange},
		{"duration too long", func(r *JobRequest) { r.DurationSeconds = 601 }, ErrDurationOutOfRange},
		{"unknown quality", func(r *JobRequest) { r.Quality = "4k" }, ErrUnknownQuality},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := validRequest()
			tt.mutate(&req)

			err := req.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)

	id, err := st.Create(validRequest(), "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sess, err := st.Get(id)
	require.NoError(t, err)

	assert.Equal(t, StatusQueued, sess.Status)
	assert.Equal(t, StageInitializing, sess.Stage)
	assert.Zero(t, sess.Progress)
	assert.Equal(t, "user-1", sess.UserID)
	assert.False(t, sess.CreatedAt.IsZero())
}

func TestStore_Get_NotFound(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)

	_, err := st.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateStatus_ClampsProgress(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)

	id, err := st.Create(validRequest(), "")
	require.NoError(t, err)

	progress := 1.7
	require.NoError(t, st.UpdateStatus(id, StatusUpdate{Progress: &progress}))

	sess, err := st.Get(id)
	require.NoError(t, err)
	assert.InEpsilon(t, 1.0, sess.Progress, 1e-9)

	progress = -0.5
	require.NoError(t, st.UpdateStatus(id, StatusUpdate{Progress: &progress}))

	sess, err = st.Get(id)
	require.NoError(t, err)
	assert.Zero(t, sess.Progress)
}

func TestStore_UpdateStatus_RejectsBackwardStage(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)

	id, err := st.Create(validRequest(), "")
	require.NoError(t, err)

	scripting := StageScripting
	require.NoError(t, st.UpdateStatus(id, StatusUpdate{Stage: &scripting}))

	researching := StageResearching
	err = st.UpdateStatus(id, StatusUpdate{Stage: &researching})
	assert.ErrorIs(t, err, ErrBackwardStage)

	// Moving to the failed marker is always allowed.
	failed := StageFailed
	assert.NoError(t, st.UpdateStatus(id, StatusUpdate{Stage: &failed}))
}

func TestStore_UpdateStatus_UpdatedAtMonotonic(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)

	id, err := st.Create(validRequest(), "")
	require.NoError(t, err)

	var last time.Time

	for range 5 {
		progress := 0.5
		require.NoError(t, st.UpdateStatus(id, StatusUpdate{Progress: &progress}))

		sess, getErr := st.Get(id)
		require.NoError(t, getErr)

		assert.False(t, sess.UpdatedAt.Before(last))
		last = sess.UpdatedAt
	}
}

func TestStore_UpdateProjectState(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)

	id, err := st.Create(validRequest(), "")
	require.NoError(t, err)

	artifact := "/out/final.mp4"
	patch := StatePatch{
		Script:        json.RawMessage(`{"scenes":3}`),
		FinalArtifact: &artifact,
	}
	require.NoError(t, st.UpdateProjectState(id, patch))

	ps, err := st.GetProjectState(id)
	require.NoError(t, err)

	assert.JSONEq(t, `{"scenes":3}`, string(ps.Script))
	assert.Equal(t, artifact, ps.FinalArtifact)
	assert.Nil(t, ps.Research)
}

func TestStore_AddIntermediateFile_Idempotent(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)

	id, err := st.Create(validRequest(), "")
	require.NoError(t, err)

	require.NoError(t, st.AddIntermediateFile(id, "/tmp/a.wav"))
	require.NoError(t, st.AddIntermediateFile(id, "/tmp/a.wav"))
	require.NoError(t, st.AddIntermediateFile(id, "/tmp/b.png"))

	ps, err := st.GetProjectState(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"/tmp/a.wav", "/tmp/b.png"}, ps.IntermediateFiles)
}

func TestStore_List_FiltersAndOrder(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)

	var ids []string

	for range 3 {
		id, err := st.Create(validRequest(), "user-a")
		require.NoError(t, err)

		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	otherID, err := st.Create(validRequest(), "user-b")
	require.NoError(t, err)

	completed := StatusCompleted
	require.NoError(t, st.UpdateStatus(otherID, StatusUpdate{Status: &completed}))

	all := st.List(ListFilter{})
	require.Len(t, all, 4)

	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt))
	}

	byUser := st.List(ListFilter{UserID: "user-a"})
	assert.Len(t, byUser, 3)

	byStatus := st.List(ListFilter{Status: StatusCompleted})
	require.Len(t, byStatus, 1)
	assert.Equal(t, otherID, byStatus[0].ID)

	limited := st.List(ListFilter{Limit: 2})
	assert.Len(t, limited, 2)
	assert.Equal(t, otherID, limited[0].ID)
	assert.Equal(t, ids[2], limited[1].ID)
}

func TestStore_Delete_CleansUpFiles(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	tmpFile := filepath.Join(t.TempDir(), "frame.png")
	require.NoError(t, os.WriteFile(tmpFile, []byte("png"), 0o600))

	id, err := st.Create(validRequest(), "")
	require.NoError(t, err)
	require.NoError(t, st.AddIntermediateFile(id, tmpFile))

	require.NoError(t, st.Delete(id, true))

	_, err = st.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)

	_, statErr := os.Stat(tmpFile)
	assert.True(t, os.IsNotExist(statErr))

	_, statErr = os.Stat(snapshotPath(st.Dir(), id))
	assert.True(t, os.IsNotExist(statErr))
}

func TestStore_CrashRecovery(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	st, err := NewStore(dir, nil)
	require.NoError(t, err)

	id, err := st.Create(validRequest(), "user-1")
	require.NoError(t, err)

	processing := StatusProcessing
	scripting := StageScripting
	progress := 0.5
	require.NoError(t, st.UpdateStatus(id, StatusUpdate{
		Status:   &processing,
		Stage:    &scripting,
		Progress: &progress,
	}))

	// A fresh store over the same directory stands in for a restart.
	recovered, err := NewStore(dir, nil)
	require.NoError(t, err)

	sess, err := recovered.Get(id)
	require.NoError(t, err)

	assert.Equal(t, StatusProcessing, sess.Status)
	assert.Equal(t, StageScripting, sess.Stage)
	assert.InEpsilon(t, 0.5, sess.Progress, 1e-9)
	assert.Equal(t, "user-1", sess.UserID)
}

func TestStore_RoundTripStructurallyIdentical(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	st, err := NewStore(dir, nil)
	require.NoError(t, err)

	id, err := st.Create(validRequest(), "user-1")
	require.NoError(t, err)
	require.NoError(t, st.AddIntermediateFile(id, "/tmp/a.wav"))
	require.NoError(t, st.UpdateProjectState(id, StatePatch{
		Research: json.RawMessage(`{"topic":"space"}`),
	}))

	want, err := st.Get(id)
	require.NoError(t, err)
	wantState, err := st.GetProjectState(id)
	require.NoError(t, err)

	recovered, err := NewStore(dir, nil)
	require.NoError(t, err)

	got, err := recovered.Get(id)
	require.NoError(t, err)
	gotState, err := recovered.GetProjectState(id)
	require.NoError(t, err)

	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))

	// Normalize times for field-wise comparison; Equal handles monotonic
	// clock readings, reflect.DeepEqual does not.
	want.CreatedAt, got.CreatedAt = time.Time{}, time.Time{}
	want.UpdatedAt, got.UpdatedAt = time.Time{}, time.Time{}
	assert.Equal(t, want, got)
	assert.Equal(t, wantState.IntermediateFiles, gotState.IntermediateFiles)
	assert.JSONEq(t, string(wantState.Research), string(gotState.Research))
}

func TestStore_MalformedSnapshotQuarantined(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	badPath := filepath.Join(dir, "not-a-session.json")
	require.NoError(t, os.WriteFile(badPath, []byte("{truncated"), 0o600))

	st, err := NewStore(dir, nil)
	require.NoError(t, err)
	assert.Zero(t, st.Len())

	_, statErr := os.Stat(badPath + corruptExtension)
	assert.NoError(t, statErr)
}

func TestStore_RehydrateDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	legacy := `{"session":{"id":"11111111-1111-1111-1111-111111111111"},"project_state":{}}`
	path := filepath.Join(dir, "11111111-1111-1111-1111-111111111111.json")
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	st, err := NewStore(dir, nil)
	require.NoError(t, err)

	sess, err := st.Get("11111111-1111-1111-1111-111111111111")
	require.NoError(t, err)

	assert.Equal(t, StatusQueued, sess.Status)
	assert.Equal(t, StageInitializing, sess.Stage)
}
