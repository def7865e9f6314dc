package jobs

import (
	"encoding/json"
	"os"

	"github.com/bekirdag/mcoda/internal/errs"
	"github.com/bekirdag/mcoda/internal/store"
)

// ResumeResult carries everything a command needs to re-enter a job: the
// job row (already transitioned to running) and the effective payload
// after merging caller overrides.
type ResumeResult struct {
	Job         *store.Job
	PayloadJSON string
	Checkpoints []CheckpointEntry
}

// Resume validates the resume preconditions and moves the job back to
// running. overrides is an optional JSON object whose non-null fields win
// over the stored payload.
func (r *Runtime) Resume(id string, overrides map[string]any) (*ResumeResult, error) {
	job, err := r.store.GetJob(id)
	if err != nil {
		return nil, err
	}

	if !job.State.Resumable() {
		return nil, errs.New(errs.ClassResume, "job %s is %s; only paused, failed, or partial jobs can resume", id, job.State)
	}
	if !job.ResumeSupported {
		return nil, errs.New(errs.ClassResume, "job %s does not support resume", id).
			WithHint("re-run the original command instead")
	}

	jobDir := r.ws.JobDir(id)
	manifest, err := readManifest(jobDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.ClassResume, "job %s has no manifest; artifacts missing from %s", id, jobDir)
		}
		return nil, err
	}
	if manifest.JobID != job.ID || manifest.Type != job.Type || manifest.CommandName != job.CommandName {
		return nil, errs.New(errs.ClassResume, "manifest mismatch for job %s (manifest %s/%s/%s vs job %s/%s)",
			id, manifest.JobID, manifest.Type, manifest.CommandName, job.Type, job.CommandName)
	}

	checkpoints, err := readCheckpoints(jobDir)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, errs.New(errs.ClassResume, "job %s has no checkpoints to resume from", id)
	}

	payload, err := mergePayload(job.PayloadJSON, overrides)
	if err != nil {
		return nil, err
	}

	updated, err := r.store.UpdateJobState(id, store.JobRunning, "", job.RowVersion)
	if err != nil {
		return nil, err
	}
	r.publishState(updated)

	return &ResumeResult{
		Job:         updated,
		PayloadJSON: payload,
		Checkpoints: checkpoints,
	}, nil
}

// mergePayload overlays non-nil override fields onto the stored payload;
// the caller wins.
func mergePayload(stored string, overrides map[string]any) (string, error) {
	base := map[string]any{}
	if stored != "" {
		if err := json.Unmarshal([]byte(stored), &base); err != nil {
			return "", errs.Wrap(errs.ClassResume, err, "stored job payload is corrupt")
		}
	}
	for k, v := range overrides {
		if v == nil {
			continue
		}
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return "", errs.Wrap(errs.ClassResume, err, "failed to merge resume payload")
	}
	return string(merged), nil
}
