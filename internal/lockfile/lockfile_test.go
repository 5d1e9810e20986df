package lockfile

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireWritesHolder(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "addr=:8080")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %s", lock.Path())
	}
	h, err := ReadHolder(lock.Path())
	if err != nil {
		t.Fatalf("Failed to read holder: %v", err)
	}
	if h.PID != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), h.PID)
	}
	if h.Owner != "addr=:8080" {
		t.Errorf("expected owner recorded, got %q", h.Owner)
	}
	if time.Since(h.Started) > time.Minute {
		t.Errorf("unexpected start time %v", h.Started)
	}
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir, "first")
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer first.Release()

	second, err := Acquire(dir, "second")
	if err == nil {
		second.Release()
		t.Fatal("second acquisition should fail")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lockErr.Holder.Owner != "first" {
		t.Errorf("expected holder description preserved, got %+v", lockErr.Holder)
	}
	msg := err.Error()
	if !strings.Contains(msg, "another AskPipe instance") || !strings.Contains(msg, dir) {
		t.Errorf("error should name the conflict and lock path: %s", msg)
	}
	if !strings.Contains(msg, "(running)") {
		t.Errorf("error should report the live holder: %s", msg)
	}
}

func TestReleaseRemovesFileAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, "")
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Errorf("release failed: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second release should be a no-op: %v", err)
	}

	again, err := Acquire(dir, "")
	if err != nil {
		t.Fatalf("reacquire after release failed: %v", err)
	}
	again.Release()
}

func TestAcquireCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := Acquire(dir, "")
	if err != nil {
		t.Fatalf("should create directory and lock it: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("directory should exist: %v", err)
	}
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		name    string
		content string
		pid     int
		owner   string
	}{
		{"full", "pid=12345\nstarted=2026-01-02T03:04:05Z\nowner=twilio\n", 12345, "twilio"},
		{"legacy pid only", "pid=67890\n", 67890, ""},
		{"invalid pid", "pid=abc\n", 0, ""},
		{"empty", "", 0, ""},
		{"garbage", "pid12345\n", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := parseHolder(bufio.NewScanner(strings.NewReader(tt.content)))
			if h.PID != tt.pid || h.Owner != tt.owner {
				t.Errorf("parseHolder(%q) = %+v", tt.content, h)
			}
		})
	}
}

func TestHolderString(t *testing.T) {
	if got := (Holder{}).String(); got != "unknown process" {
		t.Errorf("unexpected empty holder string %q", got)
	}
	live := Holder{PID: os.Getpid(), Owner: "cloud"}.String()
	if !strings.Contains(live, "(running)") || !strings.Contains(live, "cloud") {
		t.Errorf("unexpected live holder string %q", live)
	}
}
