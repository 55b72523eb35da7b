package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/vnidsd/vnidsd/log"
	"github.com/vnidsd/vnidsd/metrics"
	"github.com/vnidsd/vnidsd/types"
)

func newTestSupervisor(t *testing.T, sleepSeconds string, autoRestart bool) *Supervisor {
	t.Helper()
	cfg := Config{
		Binary:             "/bin/sh",
		ConfigPath:         "sleep " + sleepSeconds,
		EventSocketPath:    "/tmp/vnids-test-event.sock",
		CheckInterval:      50 * time.Millisecond,
		MaxRestartAttempts: 2,
		AutoRestart:        autoRestart,
	}
	return New(cfg, log.New(log.LevelError), metrics.New())
}

func TestSupervisor_StartRunningStop(t *testing.T) {
	s := newTestSupervisor(t, "5", false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != types.StateRunning {
		t.Fatalf("State = %v, want Running", s.State())
	}
	if s.PID() == 0 {
		t.Fatal("PID = 0 after start")
	}
	if !s.IsRunning() {
		t.Fatal("IsRunning = false after start")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.State() != types.StateStopped {
		t.Fatalf("State after stop = %v, want Stopped", s.State())
	}
}

func TestSupervisor_StopIsIdempotent(t *testing.T) {
	s := newTestSupervisor(t, "1", false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSupervisor_LaunchFailureIsFailed(t *testing.T) {
	cfg := Config{
		Binary:        "/nonexistent/binary/path",
		ConfigPath:    "x",
		CheckInterval: 50 * time.Millisecond,
	}
	s := New(cfg, log.New(log.LevelError), metrics.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err == nil {
		t.Fatal("expected launch error for nonexistent binary")
	}
	if s.State() != types.StateFailed {
		t.Fatalf("State = %v, want Failed", s.State())
	}
}

func TestSupervisor_RestartsOnCrash(t *testing.T) {
	s := newTestSupervisor(t, "0.1", true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.RestartCount() > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("restart count never incremented, state=%v", s.State())
}
