package jobs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/bekirdag/mcoda/internal/errs"
)

// Manifest identifies a job's artifact directory. Resume refuses to run
// when the manifest does not match the job row.
type Manifest struct {
	JobID       string    `json:"job_id"`
	Type        string    `json:"type"`
	CommandName string    `json:"commandName"`
	CreatedAt   time.Time `json:"createdAt"`
}

const manifestFile = "manifest.json"

func writeManifest(jobDir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errs.Wrap(errs.ClassFatal, err, "unserializable job manifest")
	}
	if err := os.WriteFile(filepath.Join(jobDir, manifestFile), data, 0o644); err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to write job manifest")
	}
	return nil
}

func readManifest(jobDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(jobDir, manifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "corrupt job manifest in %s", jobDir)
	}
	return &m, nil
}
