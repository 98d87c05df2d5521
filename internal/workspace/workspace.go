// Package workspace manages the scratch directories subtasks run in and
// the movement of produced files between them.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Create makes a fresh scratch directory for a subtask id under the
// system temp root and returns its path.
func Create(id string) (string, error) {
	dir, err := os.MkdirTemp("", "axiom-"+sanitize(id)+"-")
	if err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Remove deletes a workspace directory tree. Missing directories are not
// an error.
func Remove(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

// Collect reads the declared output files from a workspace. Missing files
// are skipped; the returned map holds filename -> content for files that
// exist.
func Collect(dir string, files []string) map[string]string {
	out := make(map[string]string)
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.Clean(name)))
		if err != nil {
			continue
		}
		out[name] = string(data)
	}
	return out
}

// CopyInto writes the union of produced files into dst, creating parent
// directories as needed. Orthogonality guarantees the unions of multiple
// sources never collide; a later write to an existing path overwrites.
func CopyInto(dst string, files map[string]string) error {
	for name, content := range files {
		target := filepath.Join(dst, filepath.Clean(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("prepare %s: %w", name, err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return fmt.Errorf("copy %s: %w", name, err)
		}
	}
	return nil
}

// Exists reports whether any of the declared files is present in dir.
func Exists(dir string, files []string) bool {
	for _, name := range files {
		if _, err := os.Stat(filepath.Join(dir, filepath.Clean(name))); err == nil {
			return true
		}
	}
	return false
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, id)
}
