package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquire(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Path() = %q", lock.Path())
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("reading lock file: %v", err)
	}
	if want := fmt.Sprintf("pid=%d\n", os.Getpid()); string(content) != want {
		t.Errorf("lock file = %q, want %q", content, want)
	}
}

func TestAcquire_Conflict(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	_, err = Acquire(dir)
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("second Acquire error = %v, want *LockError", err)
	}
	if lockErr.LockPath != first.Path() {
		t.Errorf("LockPath = %q", lockErr.LockPath)
	}
	if want := fmt.Sprintf("pid %d (running)", os.Getpid()); lockErr.Holder != want {
		t.Errorf("Holder = %q, want %q", lockErr.Holder, want)
	}
	if !strings.Contains(lockErr.Error(), first.Path()) {
		t.Errorf("Error() = %q, should name the lock file", lockErr.Error())
	}
	if lockErr.Unwrap() == nil {
		t.Error("Unwrap() should return the flock error")
	}

	// The failed attempt must not clobber the holder's pid.
	content, _ := os.ReadFile(first.Path())
	if !strings.Contains(string(content), fmt.Sprintf("pid=%d", os.Getpid())) {
		t.Errorf("lock file = %q after conflict", content)
	}
}

func TestRelease(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file still present: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil Release: %v", err)
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("re-Acquire after release: %v", err)
	}
	again.Release()
}

func TestParsePID(t *testing.T) {
	tests := map[string]int{
		"pid=1234\n":       1234,
		"pid=42":           42,
		"host=a\npid=7\n":  7,
		"pid=abc\n":        0,
		"":                 0,
		"something else\n": 0,
	}
	for in, want := range tests {
		if got := parsePID(in); got != want {
			t.Errorf("parsePID(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("current process should be alive")
	}
	if processAlive(999999) {
		t.Error("pid 999999 should not be alive")
	}
}

func TestDescribeHolder(t *testing.T) {
	dir := t.TempDir()
	if got := describeHolder(filepath.Join(dir, "missing")); got != "" {
		t.Errorf("describeHolder(missing) = %q", got)
	}
	path := filepath.Join(dir, "stale.lock")
	os.WriteFile(path, []byte("pid=999999\n"), 0o644)
	if got := describeHolder(path); got != "pid 999999 (not running)" {
		t.Errorf("describeHolder(stale) = %q", got)
	}
	os.WriteFile(path, []byte("legacy\n"), 0o644)
	if got := describeHolder(path); got != "legacy" {
		t.Errorf("describeHolder(legacy) = %q", got)
	}
}
