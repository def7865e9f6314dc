package jobs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bekirdag/mcoda/internal/errs"
	"github.com/bekirdag/mcoda/internal/events"
	"github.com/bekirdag/mcoda/internal/store"
	"github.com/bekirdag/mcoda/internal/workspace"
)

func newTestRuntime(t *testing.T) (*Runtime, *workspace.Workspace) {
	t.Helper()
	os.Unsetenv("MCODA_JOBS_DIR")
	os.Unsetenv("MCODA_DB_PATH")

	ws, err := workspace.Init(t.TempDir(), "test")
	require.NoError(t, err)

	st, err := store.Open(ws.DBPath())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return NewRuntime(st, ws, events.NewBus(), nil), ws
}

func createJob(t *testing.T, r *Runtime, resumable bool) *store.Job {
	t.Helper()
	job, err := r.Create(CreateRequest{
		Type:            "gateway-trio",
		CommandName:     "gateway-trio",
		Payload:         map[string]any{"maxIterations": 3},
		ResumeSupported: resumable,
	})
	require.NoError(t, err)
	return job
}

func TestCreateWritesManifest(t *testing.T) {
	r, ws := newTestRuntime(t)
	job := createJob(t, r, true)

	assert.Equal(t, store.JobQueued, job.State)

	m, err := readManifest(ws.JobDir(job.ID))
	require.NoError(t, err)
	assert.Equal(t, job.ID, m.JobID)
	assert.Equal(t, "gateway-trio", m.Type)
	assert.Equal(t, "gateway-trio", m.CommandName)
}

func TestStateMachineTransitions(t *testing.T) {
	r, _ := newTestRuntime(t)
	job := createJob(t, r, true)

	job, err := r.Transition(job.ID, store.JobRunning, "")
	require.NoError(t, err)
	assert.Equal(t, store.JobRunning, job.State)

	job, err = r.Transition(job.ID, store.JobPaused, "")
	require.NoError(t, err)

	job, err = r.Transition(job.ID, store.JobRunning, "")
	require.NoError(t, err)

	job, err = r.Transition(job.ID, store.JobCompleted, "")
	require.NoError(t, err)
	assert.True(t, job.State.IsTerminal())

	// Terminal states admit no ordinary transition.
	_, err = r.Transition(job.ID, store.JobRunning, "")
	require.Error(t, err)
	assert.Equal(t, errs.ClassFatal, errs.ClassOf(err))
}

func TestIllegalTransitionRejected(t *testing.T) {
	r, _ := newTestRuntime(t)
	job := createJob(t, r, true)

	// queued -> completed skips running and must be rejected.
	_, err := r.Transition(job.ID, store.JobCompleted, "")
	require.Error(t, err)
}

func TestRowVersionIncreasesMonotonically(t *testing.T) {
	r, _ := newTestRuntime(t)
	job := createJob(t, r, true)
	v0 := job.RowVersion

	job, err := r.Transition(job.ID, store.JobRunning, "")
	require.NoError(t, err)
	assert.Greater(t, job.RowVersion, v0)
}

func TestCheckpointOrderingAndStateBounce(t *testing.T) {
	r, _ := newTestRuntime(t)
	job := createJob(t, r, true)
	_, err := r.Transition(job.ID, store.JobRunning, "")
	require.NoError(t, err)

	stages := []string{"task:T01:work", "task:T01:review", "task:T01:qa", "completed"}
	for _, stage := range stages {
		job, err = r.Checkpoint(job.ID, stage, map[string]any{"task": "T01"})
		require.NoError(t, err)
		assert.Equal(t, store.JobRunning, job.State, "job returns to running after checkpoint")
	}

	entries, err := r.Checkpoints(job.ID)
	require.NoError(t, err)
	require.Len(t, entries, len(stages))
	for i, stage := range stages {
		assert.Equal(t, stage, entries[i].Stage, "checkpoints must be strictly ordered")
	}
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].Timestamp.Before(entries[i-1].Timestamp))
	}
}

func TestCancelRules(t *testing.T) {
	r, _ := newTestRuntime(t)

	job := createJob(t, r, true)
	cancelled, err := r.Cancel(job.ID, false)
	require.NoError(t, err)
	assert.Equal(t, store.JobCancelled, cancelled.State)

	// A completed job needs --force.
	job2 := createJob(t, r, true)
	_, err = r.Transition(job2.ID, store.JobRunning, "")
	require.NoError(t, err)
	_, err = r.Transition(job2.ID, store.JobCompleted, "")
	require.NoError(t, err)

	_, err = r.Cancel(job2.ID, false)
	require.Error(t, err)

	forced, err := r.Cancel(job2.ID, true)
	require.NoError(t, err)
	assert.Equal(t, store.JobCancelled, forced.State)
}

func TestResumePreconditions(t *testing.T) {
	r, ws := newTestRuntime(t)

	// Running jobs cannot resume.
	job := createJob(t, r, true)
	_, err := r.Transition(job.ID, store.JobRunning, "")
	require.NoError(t, err)
	_, err = r.Resume(job.ID, nil)
	require.Error(t, err)
	assert.Equal(t, errs.ClassResume, errs.ClassOf(err))

	// Paused without any checkpoint cannot resume.
	_, err = r.Transition(job.ID, store.JobPaused, "")
	require.NoError(t, err)
	_, err = r.Resume(job.ID, nil)
	require.Error(t, err)

	// With a checkpoint, resume succeeds and returns to running.
	_, err = r.Transition(job.ID, store.JobRunning, "")
	require.NoError(t, err)
	_, err = r.Checkpoint(job.ID, "task:T01:work", nil)
	require.NoError(t, err)
	_, err = r.Transition(job.ID, store.JobPaused, "")
	require.NoError(t, err)

	res, err := r.Resume(job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, store.JobRunning, res.Job.State)
	assert.Len(t, res.Checkpoints, 1)

	// Resume not supported.
	job2 := createJob(t, r, false)
	_, err = r.Transition(job2.ID, store.JobRunning, "")
	require.NoError(t, err)
	_, err = r.Transition(job2.ID, store.JobFailed, "boom")
	require.NoError(t, err)
	_, err = r.Resume(job2.ID, nil)
	require.Error(t, err)
	assert.Equal(t, errs.ClassResume, errs.ClassOf(err))

	// Manifest mismatch.
	job3 := createJob(t, r, true)
	_, err = r.Transition(job3.ID, store.JobRunning, "")
	require.NoError(t, err)
	_, err = r.Checkpoint(job3.ID, "task:T01:work", nil)
	require.NoError(t, err)
	_, err = r.Transition(job3.ID, store.JobPaused, "")
	require.NoError(t, err)
	require.NoError(t, writeManifest(ws.JobDir(job3.ID), Manifest{
		JobID: "someone-else", Type: "gateway-trio", CommandName: "gateway-trio",
	}))
	_, err = r.Resume(job3.ID, nil)
	require.Error(t, err)
	assert.Equal(t, errs.ClassResume, errs.ClassOf(err))
}

func TestResumeMergesOverrides(t *testing.T) {
	r, _ := newTestRuntime(t)
	job := createJob(t, r, true)

	_, err := r.Transition(job.ID, store.JobRunning, "")
	require.NoError(t, err)
	_, err = r.Checkpoint(job.ID, "task:T01:work", nil)
	require.NoError(t, err)
	_, err = r.Transition(job.ID, store.JobPaused, "")
	require.NoError(t, err)

	res, err := r.Resume(job.ID, map[string]any{"maxIterations": 5, "ignored": nil})
	require.NoError(t, err)
	assert.Contains(t, res.PayloadJSON, `"maxIterations":5`)
	assert.NotContains(t, res.PayloadJSON, "ignored")
}

func TestAppendAndReadLog(t *testing.T) {
	r, _ := newTestRuntime(t)
	job := createJob(t, r, true)

	require.NoError(t, r.AppendLog(job.ID, "first line"))
	require.NoError(t, r.AppendLog(job.ID, "second line"))

	content, err := r.ReadLog(job.ID)
	require.NoError(t, err)
	assert.Contains(t, content, "first line")
	assert.Contains(t, content, "second line")
}

func TestCorruptTrailingCheckpointIgnored(t *testing.T) {
	r, ws := newTestRuntime(t)
	job := createJob(t, r, true)
	_, err := r.Transition(job.ID, store.JobRunning, "")
	require.NoError(t, err)
	_, err = r.Checkpoint(job.ID, "task:T01:work", nil)
	require.NoError(t, err)

	// Simulate a crash mid-append: a torn trailing line.
	path := filepath.Join(ws.JobDir(job.ID), "checkpoints.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"stage":"task:T01:rev`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := r.Checkpoints(job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "task:T01:work", entries[0].Stage)
}
