// Package trio drives each task through the Work → Review → QA ladder:
// gateway analysis, agent routing, step execution, retries, checkpoints,
// and durable per-task progress.
package trio

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/bekirdag/mcoda/internal/errs"
)

// Step is one stage of the trio ladder.
type Step string

const (
	StepWork   Step = "work"
	StepReview Step = "review"
	StepQA     Step = "qa"
)

// Outcome classifies one step execution.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed" // retryable
	OutcomeBlocked   Outcome = "blocked"
	OutcomeSkipped   Outcome = "skipped"
)

// ProgressStatus is the per-task terminal ladder state.
type ProgressStatus string

const (
	ProgressPending   ProgressStatus = "pending"
	ProgressCompleted ProgressStatus = "completed"
	ProgressBlocked   ProgressStatus = "blocked"
	ProgressFailed    ProgressStatus = "failed"
	ProgressSkipped   ProgressStatus = "skipped"
)

// Terminal reports whether the ladder is done with the task.
func (s ProgressStatus) Terminal() bool {
	return s != ProgressPending && s != ""
}

// TaskProgress records one task's progression within a job.
type TaskProgress struct {
	TaskKey      string          `json:"taskKey"`
	Attempts     int             `json:"attempts"`
	Status       ProgressStatus  `json:"status"`
	LastStep     Step            `json:"lastStep,omitempty"`
	LastDecision string          `json:"lastDecision,omitempty"`
	LastOutcome  string          `json:"lastOutcome,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
	ChosenAgents map[Step]string `json:"chosenAgents,omitempty"`

	// Accumulated accounting for rating finalization.
	TotalCostUSD     float64 `json:"totalCostUsd,omitempty"`
	TotalDurationS   float64 `json:"totalDurationSeconds,omitempty"`
	LastComplexity   int     `json:"lastComplexity,omitempty"`
	LastQualityScore float64 `json:"lastQualityScore,omitempty"`
}

// State is the per-job durable trio object. It is written exclusively by
// the engine owning the job.
type State struct {
	SchemaVersion int                      `json:"schema_version"`
	JobID         string                   `json:"job_id"`
	CommandRunID  string                   `json:"command_run_id"`
	Cycle         int                      `json:"cycle"`
	Tasks         map[string]*TaskProgress `json:"tasks"`

	// Unknown keys from newer writers are tolerated on load but dropped:
	// LoadState does not fill Extra and SaveState does not write it.
	Extra map[string]json.RawMessage `json:"-"`
}

// SchemaVersion is the current trio state schema.
const SchemaVersion = 1

// NewState creates an empty state for a job.
func NewState(jobID, commandRunID string) *State {
	return &State{
		SchemaVersion: SchemaVersion,
		JobID:         jobID,
		CommandRunID:  commandRunID,
		Cycle:         0,
		Tasks:         make(map[string]*TaskProgress),
	}
}

// Progress returns (creating if needed) the progress record for a task.
func (s *State) Progress(taskKey string) *TaskProgress {
	if p, ok := s.Tasks[taskKey]; ok {
		return p
	}
	p := &TaskProgress{
		TaskKey:      taskKey,
		Status:       ProgressPending,
		ChosenAgents: make(map[Step]string),
	}
	s.Tasks[taskKey] = p
	return p
}

// AllTerminal reports whether every tracked task reached a terminal
// progress status.
func (s *State) AllTerminal() bool {
	for _, p := range s.Tasks {
		if !p.Status.Terminal() {
			return false
		}
	}
	return true
}

// AllCompleted reports whether every tracked task completed.
func (s *State) AllCompleted() bool {
	for _, p := range s.Tasks {
		if p.Status != ProgressCompleted {
			return false
		}
	}
	return true
}

const (
	stateDir  = "gateway-trio"
	stateFile = "state.json"
)

// statePath returns the state file location within a job directory.
func statePath(jobDir string) string {
	return filepath.Join(jobDir, stateDir, stateFile)
}

// SaveState atomically persists the state: write to a temp file, sync,
// then rename over the previous version. A crash leaves either the old
// or the new state, never a torn file.
func SaveState(jobDir string, s *State) error {
	dir := filepath.Join(jobDir, stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to create trio state directory")
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errs.Wrap(errs.ClassFatal, err, "unserializable trio state")
	}

	tmp, err := os.CreateTemp(dir, stateFile+".tmp-*")
	if err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to create trio state temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.Wrap(errs.ClassStore, err, "failed to write trio state")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.Wrap(errs.ClassStore, err, "failed to sync trio state")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.ClassStore, err, "failed to close trio state temp file")
	}
	if err := os.Rename(tmpName, statePath(jobDir)); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.ClassStore, err, "failed to replace trio state")
	}
	return nil
}

// LoadState reads the persisted state; a missing file returns nil.
func LoadState(jobDir string) (*State, error) {
	data, err := os.ReadFile(statePath(jobDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.ClassStore, err, "failed to read trio state")
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errs.Wrap(errs.ClassFatal, err, "corrupt trio state in %s", jobDir)
	}
	if s.Tasks == nil {
		s.Tasks = make(map[string]*TaskProgress)
	}
	for key, p := range s.Tasks {
		if p.ChosenAgents == nil {
			p.ChosenAgents = make(map[Step]string)
		}
		if p.TaskKey == "" {
			p.TaskKey = key
		}
	}
	return &s, nil
}
