package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCreateAndRemove(t *testing.T) {
	dir, err := Create("models")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Remove(dir)

	if !strings.Contains(filepath.Base(dir), "axiom-models") {
		t.Errorf("dir = %q", dir)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("workspace not created: %v", err)
	}

	if err := Remove(dir); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := Remove(dir); err != nil {
		t.Errorf("Remove of missing dir must not error: %v", err)
	}
}

func TestCreate_SanitizesID(t *testing.T) {
	dir, err := Create("weird/../id")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Remove(dir)
	if strings.Contains(filepath.Base(dir), "/") || strings.Contains(filepath.Base(dir), "..") {
		t.Errorf("id not sanitised: %q", dir)
	}
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "models"), 0o755)
	os.WriteFile(filepath.Join(dir, "models", "user.go"), []byte("package models"), 0o644)

	got := Collect(dir, []string{"models/user.go", "missing.go"})
	if len(got) != 1 {
		t.Fatalf("collected %d files, want 1", len(got))
	}
	if got["models/user.go"] != "package models" {
		t.Errorf("content = %q", got["models/user.go"])
	}
}

func TestCopyInto_Union(t *testing.T) {
	dst := t.TempDir()

	if err := CopyInto(dst, map[string]string{
		"routes/api.go":   "package routes",
		"models/model.go": "package models",
	}); err != nil {
		t.Fatalf("CopyInto: %v", err)
	}

	got := Collect(dst, []string{"routes/api.go", "models/model.go"})
	if len(got) != 2 {
		t.Errorf("union incomplete: %v", got)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	if Exists(dir, []string{"a.go"}) {
		t.Error("empty workspace reported files")
	}
	os.WriteFile(filepath.Join(dir, "a.go"), []byte("x"), 0o644)
	if !Exists(dir, []string{"a.go", "b.go"}) {
		t.Error("existing file not detected")
	}
}
