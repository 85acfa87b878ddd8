package resource

import (
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestAttachDetachDebuggerIdempotent(t *testing.T) {
	m := newTestManager(t)
	if got := m.AttachDebugger("t1", "self", "test"); got != ResultOK {
		t.Fatalf("first attach: %v", got)
	}
	if got := m.AttachDebugger("t1", "self", "test"); got != ResultAlreadyPresent {
		t.Fatalf("second attach: %v", got)
	}
	if got := m.DetachDebugger("t1"); got != ResultOK {
		t.Fatalf("first detach: %v", got)
	}
	if got := m.DetachDebugger("t1"); got != ResultMissing {
		t.Fatalf("second detach: %v", got)
	}
}

func TestLockExclusivity(t *testing.T) {
	m := newTestManager(t)
	if got := m.AcquireLock("t1", "op", "peer1", time.Minute); got != ResultOK {
		t.Fatalf("first acquire: %v", got)
	}
	if got := m.AcquireLock("t1", "op", "peer2", time.Minute); got != ResultBusy {
		t.Fatalf("second acquire should be busy, got %v", got)
	}
	if got := m.ReleaseLock("t1", "done"); got != ResultOK {
		t.Fatalf("release: %v", got)
	}
	if got := m.AcquireLock("t1", "op", "peer2", time.Minute); got != ResultOK {
		t.Fatalf("acquire after release: %v", got)
	}
}

func TestAutoReleaseFiresAfterTimeout(t *testing.T) {
	released := make(chan string, 1)
	m, err := New(t.TempDir(), func(tabID string) { released <- tabID }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := m.AcquireLock("t1", "op", "peer1", 20*time.Millisecond); got != ResultOK {
		t.Fatalf("acquire: %v", got)
	}

	select {
	case tabID := <-released:
		if tabID != "t1" {
			t.Fatalf("unexpected auto-release for %s", tabID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected auto_release within 1s")
	}

	if got := m.AcquireLock("t1", "op", "peer2", time.Minute); got != ResultOK {
		t.Fatalf("lock record should have vanished after auto-release, got %v", got)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.AttachDebugger("t1", "self", "test")
	m.StartNetworkCapture("t1", "")
	m.RegisterContentScript("t1", "v1", []string{"MAIN"})

	m2, err := New(dir, nil, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := m2.AttachDebugger("t1", "self", "test"); got != ResultAlreadyPresent {
		t.Fatalf("expected debugger session to survive reload, got %v", got)
	}
	if got := m2.StartNetworkCapture("t1", ""); got != ResultAlreadyPresent {
		t.Fatalf("expected network capture to survive reload, got %v", got)
	}
}

func TestSweepReportsOrphansAndExpiredLocks(t *testing.T) {
	m := newTestManager(t)
	m.AttachDebugger("orphan", "external", "test") // never verified
	m.AcquireLock("t1", "op", "peer1", time.Minute)

	// sweep as of a time past the lock's auto_release_at, before its timer fires
	report := m.Sweep(time.Now().Add(2*time.Minute), true)
	if len(report.OrphanedDebuggerSessions) != 1 || report.OrphanedDebuggerSessions[0] != "orphan" {
		t.Fatalf("expected orphan report, got %+v", report)
	}
	if len(report.ExpiredLocks) != 1 || report.ExpiredLocks[0] != "t1" {
		t.Fatalf("expected expired lock report, got %+v", report)
	}

	// dry-run must not release
	if got := m.AcquireLock("t1", "op", "peer2", time.Minute); got != ResultBusy {
		t.Fatalf("dry-run sweep must not release locks, got %v", got)
	}
}
