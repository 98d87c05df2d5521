package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestLogger_AppendsJSONLines(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "worker-1", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Log(100, "execution.started", map[string]any{"tool": "spawn"})
	l.Log(100, "execution.completed", nil)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		records = append(records, rec)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Event != "execution.started" || records[0].TaskID != 100 {
		t.Errorf("record 0 = %+v", records[0])
	}
	if records[0].WorkerID != "worker-1" {
		t.Errorf("workerId = %q", records[0].WorkerID)
	}
	if records[0].TimestampMicro == 0 {
		t.Error("timestampMicro not stamped")
	}
}

func TestLogger_EpochRotatedFilename(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "w", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	name := filepath.Base(l.Path())
	if !regexp.MustCompile(`^events-\d+\.jsonl$`).MatchString(name) {
		t.Errorf("filename = %q, want events-<epoch>.jsonl", name)
	}
	if !strings.HasPrefix(l.Path(), dir) {
		t.Errorf("log outside dir: %q", l.Path())
	}
}

func TestLogger_CloseIdempotent(t *testing.T) {
	l, err := New(t.TempDir(), "w", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestLogger_NilSafe(t *testing.T) {
	var l *Logger
	l.Log(1, "x", nil)
	if l.Dropped() != 0 {
		t.Error("nil logger dropped counter")
	}
	if err := l.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}
