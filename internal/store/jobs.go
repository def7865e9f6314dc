package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bekirdag/mcoda/internal/errs"
)

// CreateCommandRun records the start of a CLI invocation.
func (s *Store) CreateCommandRun(commandName, argsJSON string) (*CommandRun, error) {
	if argsJSON == "" {
		argsJSON = "{}"
	}
	run := &CommandRun{
		ID:          uuid.NewString(),
		CommandName: commandName,
		ArgsJSON:    argsJSON,
		StartedAt:   time.Now(),
	}
	err := s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO command_runs (id, command_name, args_json, started_at) VALUES (?, ?, ?, ?)`,
			run.ID, run.CommandName, run.ArgsJSON, formatTime(run.StartedAt))
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to create command run")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// FinishCommandRun records completion of a CLI invocation.
func (s *Store) FinishCommandRun(id string, exitCode int) error {
	return s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE command_runs SET exit_code = ?, finished_at = ? WHERE id = ?`,
			exitCode, formatTime(time.Now()), id)
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to finish command run %s", id)
		}
		return nil
	})
}

// InsertJob persists a new job row.
func (s *Store) InsertJob(j *Job) error {
	now := time.Now()
	j.CreatedAt, j.UpdatedAt = now, now
	if j.RowVersion == 0 {
		j.RowVersion = 1
	}
	if j.State == "" {
		j.State = JobQueued
	}
	return s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO jobs
			(id, command_run_id, workspace_id, type, command_name, state, payload_json, resume_supported, row_version, error_summary, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, j.CommandRunID, j.WorkspaceID, j.Type, j.CommandName, string(j.State),
			j.PayloadJSON, boolToInt(j.ResumeSupported), j.RowVersion, j.ErrorSummary,
			formatTime(now), formatTime(now))
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to insert job %s", j.ID)
		}
		return nil
	})
}

const jobColumns = `id, command_run_id, workspace_id, type, command_name, state, payload_json, resume_supported, row_version, error_summary, created_at, updated_at`

func scanJob(scan func(...any) error) (*Job, error) {
	var j Job
	var state, created, updated string
	var resume int
	if err := scan(&j.ID, &j.CommandRunID, &j.WorkspaceID, &j.Type, &j.CommandName, &state,
		&j.PayloadJSON, &resume, &j.RowVersion, &j.ErrorSummary, &created, &updated); err != nil {
		return nil, err
	}
	j.State = JobState(state)
	j.ResumeSupported = resume != 0
	j.CreatedAt, j.UpdatedAt = parseTime(created), parseTime(updated)
	return &j, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.ClassValidation, "unknown job %q", id)
		}
		return nil, errs.Wrap(errs.ClassStore, err, "failed to load job %s", id)
	}
	return j, nil
}

// ListJobs returns jobs, optionally filtered by state, newest first.
func (s *Store) ListJobs(states []JobState, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if len(states) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
		query += ` WHERE state IN (` + placeholders + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "failed to list jobs")
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, errs.Wrap(errs.ClassStore, err, "failed to scan job")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateJobState transitions a job with optimistic concurrency: the row
// version must match and is incremented monotonically.
func (s *Store) UpdateJobState(id string, state JobState, errorSummary string, expectVersion int64) (*Job, error) {
	var updated *Job
	err := s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE jobs SET state = ?, error_summary = ?, row_version = row_version + 1, updated_at = ?
			WHERE id = ? AND row_version = ?`,
			string(state), errorSummary, formatTime(time.Now()), id, expectVersion)
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to update job %s", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.New(errs.ClassStore, "job %s row version conflict (expected %d)", id, expectVersion).
				WithHint("another process modified the job; reload and retry")
		}
		row := tx.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
		updated, err = scanJob(row.Scan)
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to reload job %s", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// InsertTaskRun records one (task, step, attempt) execution.
func (s *Store) InsertTaskRun(r *TaskRun) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	return s.WithTx(func(tx *sql.Tx) error {
		var finished any
		if r.FinishedAt != nil {
			finished = formatTime(*r.FinishedAt)
		}
		_, err := tx.Exec(`INSERT INTO task_runs
			(id, job_id, task_key, step, attempt, status, decision, outcome, error, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.JobID, r.TaskKey, r.Step, r.Attempt, string(r.Status), r.Decision, r.Outcome, r.Error,
			formatTime(r.StartedAt), finished)
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to insert task run for %s/%s", r.TaskKey, r.Step)
		}
		return nil
	})
}

// ListTaskRuns returns runs for a job ordered by start time.
func (s *Store) ListTaskRuns(jobID string) ([]TaskRun, error) {
	rows, err := s.db.Query(`SELECT id, job_id, task_key, step, attempt, status, decision, outcome, error, started_at, finished_at
		FROM task_runs WHERE job_id = ? ORDER BY started_at, step`, jobID)
	if err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "failed to list task runs for job %s", jobID)
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		var r TaskRun
		var status, started string
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &r.JobID, &r.TaskKey, &r.Step, &r.Attempt, &status, &r.Decision, &r.Outcome, &r.Error, &started, &finished); err != nil {
			return nil, errs.Wrap(errs.ClassStore, err, "failed to scan task run")
		}
		r.Status = TaskRunStatus(status)
		r.StartedAt = parseTime(started)
		if finished.Valid {
			t := parseTime(finished.String)
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
