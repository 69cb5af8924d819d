package dephash

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestComputeIsStableAndOrderIndependent(t *testing.T) {
	dir := t.TempDir()
	a := writeManifest(t, dir, "requirements.txt", "flask==3.0\n")
	b := writeManifest(t, dir, "package.json", "{}\n")

	h1, err := Compute([]string{a, b}, map[string]string{"env": "test"})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	h2, err := Compute([]string{b, a}, map[string]string{"env": "test"})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected order-independent hash, got %s vs %s", h1, h2)
	}
}

func TestComputeChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	a := writeManifest(t, dir, "requirements.txt", "flask==3.0\n")

	h1, err := Compute([]string{a}, nil)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	if err := os.WriteFile(a, []byte("flask==3.1\n"), 0o644); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}
	// Ensure the mtime actually advances on filesystems with coarse
	// resolution.
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(a, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	h2, err := Compute([]string{a}, nil)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("expected hash to change with content/mtime")
	}
}

func TestComputeChangesWithMetadata(t *testing.T) {
	dir := t.TempDir()
	a := writeManifest(t, dir, "requirements.txt", "flask==3.0\n")

	h1, err := Compute([]string{a}, map[string]string{"os": "linux"})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	h2, err := Compute([]string{a}, map[string]string{"os": "darwin"})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("expected hash to change with metadata")
	}
}

func TestComputeMissingManifestIsHardError(t *testing.T) {
	if _, err := Compute([]string{"/does/not/exist/requirements.txt"}, nil); err == nil {
		t.Fatalf("expected error for missing manifest")
	}
}
