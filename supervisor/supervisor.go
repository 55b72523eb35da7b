// Package supervisor manages the detection subprocess's lifecycle: launch,
// liveness probing, graceful-then-forced stop, and bounded exponential
// backoff restart.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/vnidsd/vnidsd/iox"
	"github.com/vnidsd/vnidsd/log"
	"github.com/vnidsd/vnidsd/metrics"
	"github.com/vnidsd/vnidsd/types"
)

const (
	defaultCheckInterval = 5 * time.Second
	defaultMaxRestarts   = 5
	maxInterfaces        = 16
	stopPollInterval     = 100 * time.Millisecond
	stopBudget           = 10 * time.Second
	minBackoff           = time.Second
	maxBackoff           = 60 * time.Second
)

// Config configures the subprocess argument vector and monitor loop.
type Config struct {
	Binary             string
	ConfigPath         string
	EventSocketPath    string
	RulesDir           string
	LogDir             string
	Interfaces         []string
	CheckInterval      time.Duration
	MaxRestartAttempts int
	AutoRestart        bool
}

// Supervisor owns the detection subprocess's lifecycle.
type Supervisor struct {
	cfg Config
	log *log.Logger
	met *metrics.Collector

	mu           sync.Mutex
	state        types.SupervisorState
	cmd          *exec.Cmd
	restartCount int
	logFile      *os.File
	bo           *backoff.ExponentialBackOff

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Supervisor in the Stopped state.
func New(cfg Config, logger *log.Logger, met *metrics.Collector) *Supervisor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.MaxRestartAttempts <= 0 {
		cfg.MaxRestartAttempts = defaultMaxRestarts
	}
	if len(cfg.Interfaces) > maxInterfaces {
		cfg.Interfaces = cfg.Interfaces[:maxInterfaces]
	}
	return &Supervisor{
		cfg:   cfg,
		log:   logger.WithComponent("supervisor"),
		met:   met,
		state: types.StateStopped,
		bo:    newBackoff(),
	}
}

func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = minBackoff
	bo.Multiplier = 2
	bo.MaxInterval = maxBackoff
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	// NewExponentialBackOff already reset the current interval to the
	// library default; reset again so the first wait is minBackoff.
	bo.Reset()
	return bo
}

// State returns the current supervisor state.
func (s *Supervisor) State() types.SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the subprocess's PID, or 0 if not running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Start launches the subprocess and its monitor loop. It blocks until the
// initial launch attempt completes.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.state = types.StateStarting
	s.mu.Unlock()

	if err := s.launch(); err != nil {
		s.mu.Lock()
		s.state = types.StateFailed
		s.mu.Unlock()
		s.met.IncSubprocessLaunchFailure()
		return err
	}

	s.mu.Lock()
	s.state = types.StateRunning
	s.wakeCh = make(chan struct{}, 1)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.monitor(ctx)
	return nil
}

func (s *Supervisor) launch() error {
	args := []string{"-c", s.cfg.ConfigPath, "--set", "outputs.eve-log.filename=unix://" + s.cfg.EventSocketPath}
	if s.cfg.RulesDir != "" {
		args = append(args, "-S", s.cfg.RulesDir)
	}
	if s.cfg.LogDir != "" {
		args = append(args, "-l", s.cfg.LogDir)
	}
	for _, iface := range s.cfg.Interfaces {
		args = append(args, "-i", iface)
	}
	args = append(args, "--runmode", "workers")

	cmd := exec.Command(s.cfg.Binary, args...)

	if s.cfg.LogDir != "" {
		f, err := os.OpenFile(s.cfg.LogDir+"/suricata.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			cmd.Stdout = f
			cmd.Stderr = f
			s.logFile = f
		}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: launch %s: %w", s.cfg.Binary, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	go func() {
		_ = cmd.Wait()
	}()
	return nil
}

// monitor wakes every CheckInterval (or on an explicit wake signal), probes
// liveness, and applies the restart policy.
func (s *Supervisor) monitor(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	stableSince := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.wakeCh:
		}

		if s.isAlive() {
			if time.Since(stableSince) >= s.cfg.CheckInterval {
				s.mu.Lock()
				s.restartCount = 0
				s.bo.Reset()
				s.mu.Unlock()
			}
			continue
		}

		s.mu.Lock()
		s.state = types.StateStopped
		s.mu.Unlock()

		if !s.cfg.AutoRestart {
			return
		}

		s.mu.Lock()
		if s.restartCount >= s.cfg.MaxRestartAttempts {
			s.state = types.StateFailed
			s.mu.Unlock()
			return
		}
		s.restartCount++
		s.state = types.StateRestarting
		wait := s.bo.NextBackOff()
		s.mu.Unlock()

		s.met.IncSubprocessRestarts()
		s.log.Warn("subprocess exited, restarting", map[string]any{"backoff_ms": wait.Milliseconds()})

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(wait):
		}

		if err := s.launch(); err != nil {
			s.met.IncSubprocessLaunchFailure()
			continue
		}
		s.mu.Lock()
		s.state = types.StateRunning
		s.mu.Unlock()
		stableSince = time.Now()
	}
}

// isAlive probes liveness with a signal-0 kill(2), the standard way to check
// a process exists without disturbing it.
func (s *Supervisor) isAlive() bool {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	return unix.Kill(cmd.Process.Pid, 0) == nil
}

// IsRunning reports whether the monitored subprocess currently responds to
// a liveness probe.
func (s *Supervisor) IsRunning() bool {
	return s.State() == types.StateRunning && s.isAlive()
}

// Stop signals the subprocess to exit, polling up to stopBudget before
// force-killing it. Idempotent: calling Stop on an already-stopped
// supervisor is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	if stopCh != nil {
		select {
		case <-stopCh:
		default:
			close(stopCh)
		}
	}
	if doneCh != nil {
		<-doneCh
	}

	if cmd == nil || cmd.Process == nil {
		s.mu.Lock()
		s.state = types.StateStopped
		s.mu.Unlock()
		return nil
	}

	_ = unix.Kill(cmd.Process.Pid, unix.SIGTERM)

	deadline := time.Now().Add(stopBudget)
	for time.Now().Before(deadline) {
		if !s.isAlive() {
			break
		}
		time.Sleep(stopPollInterval)
	}
	if s.isAlive() {
		_ = unix.Kill(cmd.Process.Pid, unix.SIGKILL)
	}

	if s.logFile != nil {
		iox.DiscardClose(s.logFile)
	}

	s.mu.Lock()
	s.state = types.StateStopped
	s.mu.Unlock()
	return nil
}

// ReloadRules signals the subprocess to reload its rule set without
// waiting for completion.
func (s *Supervisor) ReloadRules() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("supervisor: not running")
	}
	return unix.Kill(cmd.Process.Pid, unix.SIGUSR2)
}

// RestartCount returns the current consecutive-restart counter.
func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}
