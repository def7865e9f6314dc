// Package jobs implements the durable job runtime: job records with a
// validated state machine, per-job artifact directories, append-only
// checkpoints, manifest-gated resume, and cancellation.
package jobs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bekirdag/mcoda/internal/errs"
	"github.com/bekirdag/mcoda/internal/events"
	"github.com/bekirdag/mcoda/internal/store"
	"github.com/bekirdag/mcoda/internal/workspace"
)

// validTransitions defines allowed job state transitions. Terminal
// states only admit a forced cancel, handled separately.
var validTransitions = map[store.JobState][]store.JobState{
	store.JobQueued:        {store.JobRunning, store.JobCancelled},
	store.JobRunning:       {store.JobCheckpointing, store.JobPaused, store.JobCompleted, store.JobPartial, store.JobFailed, store.JobCancelled},
	store.JobCheckpointing: {store.JobRunning, store.JobCancelled},
	store.JobPaused:        {store.JobRunning, store.JobCancelled},
}

// Runtime owns job rows and their artifact directories.
type Runtime struct {
	store  *store.Store
	ws     *workspace.Workspace
	bus    *events.Bus
	logger *slog.Logger
}

// NewRuntime creates a job runtime. bus may be nil when no one watches.
func NewRuntime(st *store.Store, ws *workspace.Workspace, bus *events.Bus, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{store: st, ws: ws, bus: bus, logger: logger}
}

// CreateRequest describes a new job.
type CreateRequest struct {
	Type            string
	CommandName     string
	CommandRunID    string
	Payload         any
	ResumeSupported bool
}

// Create inserts the job row, creates the artifact directory, and writes
// the manifest. The job starts queued.
func (r *Runtime) Create(req CreateRequest) (*store.Job, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, errs.Wrap(errs.ClassValidation, err, "unserializable job payload")
	}

	job := &store.Job{
		ID:              uuid.NewString(),
		CommandRunID:    req.CommandRunID,
		WorkspaceID:     r.ws.Info.ID,
		Type:            req.Type,
		CommandName:     req.CommandName,
		State:           store.JobQueued,
		PayloadJSON:     string(payload),
		ResumeSupported: req.ResumeSupported,
	}
	if err := r.store.InsertJob(job); err != nil {
		return nil, err
	}

	dir := r.ws.JobDir(job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "failed to create job directory %s", dir)
	}
	if err := writeManifest(dir, Manifest{
		JobID:       job.ID,
		Type:        job.Type,
		CommandName: job.CommandName,
		CreatedAt:   job.CreatedAt,
	}); err != nil {
		return nil, err
	}

	r.publishState(job)
	return job, nil
}

// Get loads a job.
func (r *Runtime) Get(id string) (*store.Job, error) {
	return r.store.GetJob(id)
}

// List lists jobs, optionally filtered by state.
func (r *Runtime) List(states []store.JobState, limit int) ([]*store.Job, error) {
	return r.store.ListJobs(states, limit)
}

// Transition moves a job to the given state, validating the edge against
// the state machine.
func (r *Runtime) Transition(id string, to store.JobState, errorSummary string) (*store.Job, error) {
	job, err := r.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(job.State, to) {
		return nil, errs.New(errs.ClassFatal, "illegal job transition %s -> %s for %s", job.State, to, id)
	}

	updated, err := r.store.UpdateJobState(id, to, errorSummary, job.RowVersion)
	if err != nil {
		return nil, err
	}
	r.publishState(updated)
	return updated, nil
}

func transitionAllowed(from, to store.JobState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Cancel cancels a job. Without force, only queued, running,
// checkpointing, and paused jobs may be cancelled; with force a terminal
// job is also marked cancelled for auditing.
func (r *Runtime) Cancel(id string, force bool) (*store.Job, error) {
	job, err := r.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	if !job.State.Cancelable() {
		if !force {
			return nil, errs.New(errs.ClassValidation, "job %s is %s and cannot be cancelled", id, job.State).
				WithHint("pass --force to mark a finished job cancelled for auditing")
		}
	}

	updated, err := r.store.UpdateJobState(id, store.JobCancelled, job.ErrorSummary, job.RowVersion)
	if err != nil {
		return nil, err
	}
	r.publishState(updated)
	return updated, nil
}

// Checkpoint appends a checkpoint entry for the job, momentarily moving
// the job through the checkpointing state. The entry is durable before
// the job returns to running.
func (r *Runtime) Checkpoint(id, stage string, details map[string]any) (*store.Job, error) {
	job, err := r.Transition(id, store.JobCheckpointing, "")
	if err != nil {
		return nil, err
	}

	entry := CheckpointEntry{
		Stage:     stage,
		Timestamp: time.Now().UTC(),
		Details:   details,
	}
	if err := appendCheckpoint(r.ws.JobDir(id), entry); err != nil {
		return nil, err
	}

	if r.bus != nil {
		evt := events.NewEvent(events.EventCheckpoint, id, events.PriorityNormal, map[string]any{
			"stage": stage,
		})
		r.bus.Publish(evt)
	}

	return r.Transition(job.ID, store.JobRunning, "")
}

// Checkpoints reads the checkpoint log for a job.
func (r *Runtime) Checkpoints(id string) ([]CheckpointEntry, error) {
	return readCheckpoints(r.ws.JobDir(id))
}

// AppendLog writes one line to the job's free-form log file and publishes
// a log event.
func (r *Runtime) AppendLog(id, line string) error {
	path := filepath.Join(r.ws.JobDir(id), "log.txt")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to open job log for %s", id)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), line); err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to append job log for %s", id)
	}

	if r.bus != nil {
		r.bus.Publish(events.NewEvent(events.EventJobLog, id, events.PriorityLow, map[string]any{"line": line}))
	}
	return nil
}

// ReadLog returns the job's log contents.
func (r *Runtime) ReadLog(id string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.ws.JobDir(id), "log.txt"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errs.Wrap(errs.ClassStore, err, "failed to read job log for %s", id)
	}
	return string(data), nil
}

func (r *Runtime) publishState(job *store.Job) {
	if r.bus == nil {
		return
	}
	priority := events.PriorityNormal
	if job.State == store.JobFailed {
		priority = events.PriorityHigh
	}
	r.bus.Publish(events.NewEvent(events.EventJobState, job.ID, priority, map[string]any{
		"state":         string(job.State),
		"error_summary": job.ErrorSummary,
		"row_version":   job.RowVersion,
	}))
}
