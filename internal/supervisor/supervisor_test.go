package supervisor

import (
	"context"
	"testing"
	"time"
)

func TestRestartsOnAbnormalExit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s := New(Config{
		Command:        "/bin/sh",
		Args:           []string{"-c", "exit 1"},
		RestartEnabled: true,
		MaxRestarts:    2,
		RestartDelay:   10 * time.Millisecond,
		HealthInterval: time.Hour, // don't interfere with this test
	})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.State() != StateShutdown {
		time.Sleep(20 * time.Millisecond)
	}
	if s.State() != StateShutdown {
		t.Fatalf("expected shutdown after exhausting restarts, got %s", s.State())
	}
	if s.restartCount != 2 {
		t.Fatalf("expected 2 restarts, got %d", s.restartCount)
	}
}

func TestGracefulExitDoesNotRestart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s := New(Config{
		Command:        "/bin/sh",
		Args:           []string{"-c", "exit 0"},
		RestartEnabled: true,
		MaxRestarts:    5,
		RestartDelay:   10 * time.Millisecond,
		HealthInterval: time.Hour,
	})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) && s.State() != StateShutdown {
		time.Sleep(20 * time.Millisecond)
	}
	if s.restartCount != 0 {
		t.Fatalf("expected no restarts on clean exit, got %d", s.restartCount)
	}
}

func TestPreserveAndRestoreState(t *testing.T) {
	s := New(Config{Command: "/bin/sh"})
	s.PreserveState("k", 42)
	v, ok := s.RestoreState("k")
	if !ok || v.(int) != 42 {
		t.Fatalf("expected to restore preserved value, got %v ok=%v", v, ok)
	}
	if _, ok := s.RestoreState("missing"); ok {
		t.Fatal("expected missing key to report not found")
	}
}

func TestGracefulStopSequence(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s := New(Config{
		Command:         "/bin/sh",
		Args:            []string{"-c", "trap '' TERM; sleep 5"},
		RestartEnabled:  false,
		GracefulTimeout: 30 * time.Millisecond,
		TerminateGrace:  30 * time.Millisecond,
		HealthInterval:  time.Hour,
	})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Stop did not escalate to SIGKILL within expected bound")
	}
}
