package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitAndResolve(t *testing.T) {
	root := t.TempDir()
	t.Setenv("MCODA_WORKSPACE", "")
	os.Unsetenv("MCODA_WORKSPACE")

	ws, err := Init(root, "demo")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if ws.Info.Name != "demo" {
		t.Errorf("expected workspace name demo, got %s", ws.Info.Name)
	}
	if ws.Info.ID == "" {
		t.Error("expected generated workspace id")
	}

	// Resolve from a nested directory walks up to the root.
	nested := filepath.Join(root, "src", "pkg")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	resolved, err := Resolve(nested)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Info.ID != ws.Info.ID {
		t.Errorf("resolved a different workspace: %s vs %s", resolved.Info.ID, ws.Info.ID)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	root := t.TempDir()

	first, err := Init(root, "one")
	if err != nil {
		t.Fatal(err)
	}
	second, err := Init(root, "two")
	if err != nil {
		t.Fatal(err)
	}
	if first.Info.ID != second.Info.ID {
		t.Error("re-init must open the existing workspace, not replace it")
	}
}

func TestResolveMissingWorkspace(t *testing.T) {
	os.Unsetenv("MCODA_WORKSPACE")
	if _, err := Resolve(t.TempDir()); err == nil {
		t.Error("expected error when no workspace exists")
	}
}

func TestEnvOverridesPaths(t *testing.T) {
	root := t.TempDir()
	ws, err := Init(root, "demo")
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv("MCODA_JOBS_DIR", "/custom/jobs")
	t.Setenv("MCODA_DB_PATH", "/custom/mcoda.db")
	t.Setenv("MCODA_CACHE_DIR", "/custom/cache")

	if ws.JobsDir() != "/custom/jobs" {
		t.Errorf("MCODA_JOBS_DIR ignored: %s", ws.JobsDir())
	}
	if ws.DBPath() != "/custom/mcoda.db" {
		t.Errorf("MCODA_DB_PATH ignored: %s", ws.DBPath())
	}
	if ws.CacheDir() != "/custom/cache" {
		t.Errorf("MCODA_CACHE_DIR ignored: %s", ws.CacheDir())
	}
}
