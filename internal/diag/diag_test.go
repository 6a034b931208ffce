package diag

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRecordTruncatesSnippet(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Config{DBPath: filepath.Join(dir, "diag.db"), MaxSnippetBytes: 4}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	r.Record([]byte("abcdefgh"), errors.New("boom"))

	var snippet string
	row := r.DB().QueryRow(`SELECT snippet FROM parse_errors LIMIT 1`)
	if err := row.Scan(&snippet); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if snippet != "abcd" {
		t.Fatalf("expected truncated snippet, got %q", snippet)
	}
}

func TestRecordDisablesOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Config{DBPath: filepath.Join(dir, "diag.db")}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	r.Close() // force subsequent writes to fail
	r.Record([]byte("frame"), errors.New("boom"))

	r.mu.Lock()
	disabled := r.disabled
	r.mu.Unlock()
	if !disabled {
		t.Fatal("expected recorder to disable itself after a write failure")
	}
}
