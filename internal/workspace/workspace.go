// Package workspace resolves and describes the on-disk mcoda workspace:
// the .mcoda directory holding the workspace database, job artifacts,
// prompt overrides, and project documentation.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bekirdag/mcoda/internal/errs"
)

const (
	// DirName is the marker directory identifying a workspace root.
	DirName = ".mcoda"

	infoFile = "workspace.json"
	dbFile   = "mcoda.db"
)

// Info is the identity record stored in workspace.json.
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Workspace describes a resolved workspace and its derived paths.
type Workspace struct {
	Root     string // directory containing .mcoda
	McodaDir string
	Info     Info
}

// Resolve locates the workspace for the given start directory. The
// MCODA_WORKSPACE environment variable takes precedence; otherwise the
// directory tree is walked upward until a .mcoda directory is found.
func Resolve(start string) (*Workspace, error) {
	if env := os.Getenv("MCODA_WORKSPACE"); env != "" {
		return open(env)
	}

	dir, err := filepath.Abs(start)
	if err != nil {
		return nil, errs.Wrap(errs.ClassValidation, err, "invalid workspace path %q", start)
	}
	for {
		if fi, err := os.Stat(filepath.Join(dir, DirName)); err == nil && fi.IsDir() {
			return open(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, errs.New(errs.ClassPrecondition, "no mcoda workspace found from %s", start).
				WithHint("run `mcoda init` in the project root, or set MCODA_WORKSPACE")
		}
		dir = parent
	}
}

// Init creates a new workspace rooted at the given directory. It is
// idempotent: an existing workspace is opened, not recreated.
func Init(root, name string) (*Workspace, error) {
	mcodaDir := filepath.Join(root, DirName)
	if _, err := os.Stat(filepath.Join(mcodaDir, infoFile)); err == nil {
		return open(root)
	}

	for _, sub := range []string{"", "jobs", "prompts", "docs/projects"} {
		if err := os.MkdirAll(filepath.Join(mcodaDir, sub), 0o755); err != nil {
			return nil, errs.Wrap(errs.ClassStore, err, "failed to create workspace directory")
		}
	}

	now := time.Now().UTC()
	info := Info{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := writeInfo(filepath.Join(mcodaDir, infoFile), info); err != nil {
		return nil, err
	}

	return &Workspace{Root: root, McodaDir: mcodaDir, Info: info}, nil
}

func open(root string) (*Workspace, error) {
	mcodaDir := filepath.Join(root, DirName)
	data, err := os.ReadFile(filepath.Join(mcodaDir, infoFile))
	if err != nil {
		return nil, errs.Wrap(errs.ClassPrecondition, err, "workspace at %s is not initialized", root).
			WithHint("run `mcoda init` to create workspace.json")
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "corrupt workspace.json at %s", root)
	}

	return &Workspace{Root: root, McodaDir: mcodaDir, Info: info}, nil
}

func writeInfo(path string, info Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to encode workspace.json")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to write workspace.json")
	}
	return nil
}

// DBPath returns the workspace SQLite database path, honoring
// MCODA_DB_PATH.
func (w *Workspace) DBPath() string {
	if env := os.Getenv("MCODA_DB_PATH"); env != "" {
		return env
	}
	return filepath.Join(w.McodaDir, dbFile)
}

// JobsDir returns the root directory for job artifacts, honoring
// MCODA_JOBS_DIR.
func (w *Workspace) JobsDir() string {
	if env := os.Getenv("MCODA_JOBS_DIR"); env != "" {
		return env
	}
	return filepath.Join(w.McodaDir, "jobs")
}

// JobDir returns the artifact directory for one job.
func (w *Workspace) JobDir(jobID string) string {
	return filepath.Join(w.JobsDir(), jobID)
}

// CacheDir returns the cache directory, honoring MCODA_CACHE_DIR.
func (w *Workspace) CacheDir() string {
	if env := os.Getenv("MCODA_CACHE_DIR"); env != "" {
		return env
	}
	return filepath.Join(w.McodaDir, "cache")
}

// PromptsDir returns the prompt override directory.
func (w *Workspace) PromptsDir() string {
	return filepath.Join(w.McodaDir, "prompts")
}

// ProjectGuidancePath returns the guidance document path for a project key.
func (w *Workspace) ProjectGuidancePath(projectKey string) string {
	return filepath.Join(w.McodaDir, "docs", "projects", projectKey, "project-guidance.md")
}

// GlobalDBPath returns the path of the global agent registry database
// under the user's home directory.
func GlobalDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, DirName, dbFile), nil
}
