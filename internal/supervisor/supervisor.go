// Package supervisor implements the Lifecycle Supervisor: a managed child
// process with health checks, bounded graceful shutdown, and
// capped-exponential-backoff restarts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the supervisor's position in its child's life.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateOperational   State = "operational"
	StateDisconnected  State = "disconnected"
	StateShutdown      State = "shutdown"
)

// Config configures one supervised child process.
type Config struct {
	Command     string
	Args        []string
	WorkingDir  string
	Environment map[string]string

	RestartEnabled bool
	MaxRestarts    int           // default 10
	RestartDelay   time.Duration // initial backoff; default 1s, capped at 30s
	InitTimeout    time.Duration // default 10s
	HealthInterval time.Duration // default 10s
	HealthFailThreshold int       // default 3

	GracefulTimeout time.Duration // default 30s (wait after closing stdin)
	TerminateGrace  time.Duration // default 5s (wait after SIGTERM before SIGKILL)

	PreservedMaxAge time.Duration // default 1h

	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.MaxRestarts == 0 {
		c.MaxRestarts = 10
	}
	if c.RestartDelay == 0 {
		c.RestartDelay = 1 * time.Second
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 10 * time.Second
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.HealthFailThreshold == 0 {
		c.HealthFailThreshold = 3
	}
	if c.GracefulTimeout == 0 {
		c.GracefulTimeout = 30 * time.Second
	}
	if c.TerminateGrace == 0 {
		c.TerminateGrace = 5 * time.Second
	}
	if c.PreservedMaxAge == 0 {
		c.PreservedMaxAge = time.Hour
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type preservedEntry struct {
	value    any
	storedAt time.Time
}

// Supervisor runs Config.Command as a managed child process.
type Supervisor struct {
	cfg Config
	log *zap.Logger

	mu            sync.Mutex
	state         State
	sessionID     string
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	restartCount  int
	breaker       *healthBreaker
	restartBackoff *backoff.ExponentialBackOff
	preserved     map[string]preservedEntry

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Supervisor. Start begins supervising the child.
func New(cfg Config) *Supervisor {
	cfg.setDefaults()
	return &Supervisor{
		cfg:            cfg,
		log:            cfg.Logger,
		state:          StateUninitialized,
		breaker:        newHealthBreaker(cfg.HealthFailThreshold, cfg.HealthInterval*time.Duration(cfg.HealthFailThreshold)),
		restartBackoff: newRestartBackoff(cfg.RestartDelay),
		preserved:      make(map[string]preservedEntry),
		stopCh:         make(chan struct{}),
	}
}

func newRestartBackoff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // MaxRestarts governs the restart budget, not elapsed time
	return b
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the id assigned on the most recent Start.
func (s *Supervisor) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// HealthFailures returns the consecutive health-check failure count.
func (s *Supervisor) HealthFailures() int {
	return s.breaker.consecutiveFailures()
}

// Start spawns the child, assigns a fresh session id, and begins the
// supervise loop (health checks + restart-on-exit). It returns once the
// child has been spawned; initialization-timeout enforcement happens in
// the background and transitions the state to Disconnected on expiry
// without a confirming health check.
func (s *Supervisor) Start(ctx context.Context) error {
	s.setState(StateInitializing)
	s.mu.Lock()
	s.sessionID = uuid.NewString()
	s.mu.Unlock()

	if err := s.spawn(ctx); err != nil {
		s.setState(StateDisconnected)
		return err
	}

	go s.enforceInitTimeout()
	go s.healthLoop(ctx)
	go s.superviseLoop(ctx)
	return nil
}

func (s *Supervisor) spawn(ctx context.Context) error {
	if s.cfg.Command == "" {
		return errors.New("supervisor: command cannot be empty")
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	if s.cfg.WorkingDir != "" {
		cmd.Dir = s.cfg.WorkingDir
	}
	cmd.Env = os.Environ()
	for k, v := range s.cfg.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, "MCP_SESSION_ID="+s.SessionID())

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("supervisor: start: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) enforceInitTimeout() {
	timer := time.NewTimer(s.cfg.InitTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		if s.State() == StateInitializing {
			s.log.Warn("supervisor: initialization timed out")
			s.setState(StateDisconnected)
		}
	case <-s.stopCh:
	}
}

// MarkOperational transitions out of the bounded-deadline initializing
// state once the owner confirms the child is ready (e.g. a handshake
// completed). A stuck initialization never silently becomes operational
// on its own.
func (s *Supervisor) MarkOperational() {
	s.mu.Lock()
	if s.state == StateInitializing {
		s.state = StateOperational
	}
	s.mu.Unlock()
	s.restartBackoff.Reset()
}

func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.processAlive() {
				s.breaker.recordSuccess()
				continue
			}
			s.breaker.recordFailure()
		}
	}
}

func (s *Supervisor) processAlive() bool {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	return cmd.Process.Signal(syscall.Signal(0)) == nil
}

// gracefulExitSet is the set of signals treated as an intentional,
// non-restart-worthy stop.
var gracefulExitSet = map[os.Signal]bool{
	syscall.SIGTERM: true,
	syscall.SIGINT:  true,
	syscall.SIGQUIT: true,
}

func (s *Supervisor) superviseLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		cmd := s.cmd
		s.mu.Unlock()
		if cmd == nil {
			return
		}

		err := cmd.Wait()
		select {
		case <-s.stopCh:
			return // Stop() already owns teardown
		default:
		}

		graceful := exitWasGraceful(err)
		s.setState(StateDisconnected)

		s.mu.Lock()
		canRestart := s.cfg.RestartEnabled && s.restartCount < s.cfg.MaxRestarts && !graceful
		s.mu.Unlock()

		if !canRestart {
			s.setState(StateShutdown)
			return
		}

		s.mu.Lock()
		s.restartCount++
		attempt := s.restartCount
		s.mu.Unlock()

		delay := s.restartBackoff.NextBackOff()
		s.log.Warn("supervisor: child exited, restarting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(delay):
		}

		s.setState(StateInitializing)
		if err := s.spawn(ctx); err != nil {
			s.log.Error("supervisor: restart failed to spawn", zap.Error(err))
			s.setState(StateDisconnected)
			return
		}
		go s.enforceInitTimeout()
	}
}

func exitWasGraceful(err error) bool {
	if err == nil {
		return true // clean exit code 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return gracefulExitSet[ws.Signal()]
		}
		return exitErr.ExitCode() == 0
	}
	return false
}

// Stop runs the bounded graceful-shutdown sequence: close stdin, wait up to
// GracefulTimeout, send SIGTERM, wait TerminateGrace, then SIGKILL.
func (s *Supervisor) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.setState(StateShutdown)

	s.mu.Lock()
	cmd := s.cmd
	stdin := s.stdin
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if stdin != nil {
		_ = stdin.Close()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.GracefulTimeout):
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return nil // already gone
	}

	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.TerminateGrace):
	}

	_ = cmd.Process.Kill()
	<-done
	return nil
}

// PreserveState pins a small value across a restart.
func (s *Supervisor) PreserveState(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preserved[key] = preservedEntry{value: value, storedAt: time.Now()}
}

// RestoreState returns a previously preserved value.
func (s *Supervisor) RestoreState(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.preserved[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// GCPreserved removes preserved entries older than Config.PreservedMaxAge.
func (s *Supervisor) GCPreserved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.cfg.PreservedMaxAge)
	removed := 0
	for k, e := range s.preserved {
		if e.storedAt.Before(cutoff) {
			delete(s.preserved, k)
			removed++
		}
	}
	return removed
}

// HandleSignal runs the graceful shutdown sequence for interrupt, terminate,
// and quit signals, as required of both the parent and its child.
func (s *Supervisor) HandleSignal(sig os.Signal) error {
	if !gracefulExitSet[sig] {
		return fmt.Errorf("supervisor: unhandled signal %v", sig)
	}
	return s.Stop()
}
