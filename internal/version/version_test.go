package version

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadReadsVersionFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, versionFile), []byte(`{"version": "1.4.2"}`), 0o644); err != nil {
		t.Fatalf("write %s: %v", versionFile, err)
	}
	t.Chdir(dir)

	if got := Load(); got.Version != "1.4.2" {
		t.Errorf("Version = %q, want 1.4.2", got.Version)
	}
}

func TestLoadFallsBack(t *testing.T) {
	t.Chdir(t.TempDir())
	if got := Load(); got.Version != "0.0.0-dev" {
		t.Errorf("missing file: Version = %q, want 0.0.0-dev", got.Version)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, versionFile), []byte("not json"), 0o644); err != nil {
		t.Fatalf("write %s: %v", versionFile, err)
	}
	t.Chdir(dir)
	if got := Load(); got.Version != "0.0.0-dev" {
		t.Errorf("malformed file: Version = %q, want 0.0.0-dev", got.Version)
	}
}
