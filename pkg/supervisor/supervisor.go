// Package supervisor launches the runtime server as a host process, waits
// for it to become healthy and guarantees it is stopped.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/mlOS-foundation/system-test/pkg/fsutil"
	"github.com/mlOS-foundation/system-test/pkg/result"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultHealthInterval is the interval between health checks.
	DefaultHealthInterval = 1 * time.Second

	// DefaultStopGracePeriod is how long Stop waits after SIGTERM before
	// killing the process.
	DefaultStopGracePeriod = 5 * time.Second

	// DefaultStderrTailLines is how many stderr lines are kept for crash
	// reports.
	DefaultStderrTailLines = 50
)

// ErrNotStarted is returned by operations that need a running process.
var ErrNotStarted = errors.New("process not started")

// State of the supervised process.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateHealthy    State = "healthy"
	StateStopped    State = "stopped"
	StateCrashed    State = "crashed"
)

// Outcome of a bounded wait for readiness.
type Outcome string

const (
	OutcomeReady       Outcome = "ready"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeProcessDied Outcome = "process_died"
)

// HealthChecker performs a single readiness probe.
type HealthChecker interface {
	Health(ctx context.Context) bool
}

// HealthFunc adapts a function to HealthChecker.
type HealthFunc func(ctx context.Context) bool

// Health calls f.
func (f HealthFunc) Health(ctx context.Context) bool {
	return f(ctx)
}

// Supervisor owns the lifecycle of one server process. It never restarts a
// crashed process.
type Supervisor interface {
	// Start launches the process. It does not wait for readiness.
	Start(ctx context.Context) error

	// AwaitHealthy polls the health endpoint until ready, the process exits
	// or timeout elapses.
	AwaitHealthy(ctx context.Context, timeout time.Duration) (Outcome, error)

	// Stop terminates the process. Safe to call more than once and after
	// the process already exited.
	Stop() error

	Alive() bool
	PID() int
	State() State

	// StderrTail returns the last captured stderr lines.
	StderrTail() []string

	// Exited is closed once the process has been reaped and its output
	// drained.
	Exited() <-chan struct{}
}

// Config for the supervisor.
type Config struct {
	BinaryPath string
	Args       []string
	// Env is merged over the current environment. It carries the
	// pre-resolved shared library search path.
	Env             map[string]string
	WorkDir         string
	LogPath         string
	LogsToStdout    bool
	Owner           *fsutil.OwnerConfig
	HealthInterval  time.Duration
	StopGracePeriod time.Duration
	StderrTailLines int
	// Stdout receives prefixed server output when LogsToStdout is set.
	// Defaults to os.Stdout.
	Stdout io.Writer
}

// NewSupervisor creates a supervisor for the configured binary.
func NewSupervisor(log logrus.FieldLogger, cfg *Config, health HealthChecker) Supervisor {
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}

	if cfg.StopGracePeriod == 0 {
		cfg.StopGracePeriod = DefaultStopGracePeriod
	}

	if cfg.StderrTailLines == 0 {
		cfg.StderrTailLines = DefaultStderrTailLines
	}

	return &supervisor{
		log:    log.WithField("component", "supervisor"),
		cfg:    cfg,
		health: health,
		state:  StateNotStarted,
		tail:   newLineRing(cfg.StderrTailLines),
		exited: make(chan struct{}),
	}
}

type supervisor struct {
	log    logrus.FieldLogger
	cfg    *Config
	health HealthChecker

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	logFile *os.File
	waitErr error

	tail     *lineRing
	exited   chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// Ensure interface compliance.
var _ Supervisor = (*supervisor)(nil)

// Start launches the server with its output redirected to the log file.
func (s *supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateNotStarted {
		return fmt.Errorf("process already started (state %s)", s.state)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	var out io.Writer = io.Discard

	if s.cfg.LogPath != "" {
		f, err := fsutil.Create(s.cfg.LogPath, s.cfg.Owner)
		if err != nil {
			return fmt.Errorf("creating server log: %w", err)
		}

		s.logFile = f
		out = f
	}

	stdout, stderr := out, io.MultiWriter(out, s.tail)

	if s.cfg.LogsToStdout {
		var console io.Writer = os.Stdout
		if s.cfg.Stdout != nil {
			console = s.cfg.Stdout
		}

		// Each stream is copied on its own goroutine, so each gets its own
		// line buffer and both share one locked sink.
		sink := &lockedWriter{writer: console}
		stdout = io.MultiWriter(stdout, &prefixedWriter{prefix: "[runtime] ", writer: sink})
		stderr = io.MultiWriter(stderr, &prefixedWriter{prefix: "[runtime] ", writer: sink})
	}

	cmd := exec.Command(s.cfg.BinaryPath, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = mergeEnv(os.Environ(), s.cfg.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = s.cfg.StopGracePeriod

	if err := cmd.Start(); err != nil {
		s.closeLog()

		return fmt.Errorf("starting %s: %w", s.cfg.BinaryPath, err)
	}

	s.cmd = cmd
	s.state = StateStarting

	s.log.WithFields(logrus.Fields{
		"binary": s.cfg.BinaryPath,
		"args":   s.cfg.Args,
		"pid":    cmd.Process.Pid,
	}).Info("Started runtime server")

	go s.wait()

	return nil
}

// wait reaps the process and records an unexpected exit as a crash.
func (s *supervisor) wait() {
	err := s.cmd.Wait()

	s.mu.Lock()
	s.waitErr = err

	if s.state != StateStopped {
		s.state = StateCrashed
		s.log.WithError(err).Warn("Runtime server exited unexpectedly")
	}

	s.mu.Unlock()

	close(s.exited)
}

// AwaitHealthy waits for the health endpoint to report ready.
func (s *supervisor) AwaitHealthy(ctx context.Context, timeout time.Duration) (Outcome, error) {
	if s.State() == StateNotStarted {
		return OutcomeProcessDied, ErrNotStarted
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.exited:
			return OutcomeProcessDied, s.crashError()
		case <-ctx.Done():
			if !s.Alive() {
				return OutcomeProcessDied, s.crashError()
			}

			return OutcomeTimedOut, result.Errorf(result.KindStartupTimeout, ctx.Err(),
				"runtime server not healthy after %s", timeout)
		case <-ticker.C:
			if s.health.Health(ctx) {
				s.mu.Lock()
				if s.state == StateStarting {
					s.state = StateHealthy
				}
				s.mu.Unlock()

				return OutcomeReady, nil
			}
		}
	}
}

func (s *supervisor) crashError() error {
	s.mu.Lock()
	waitErr := s.waitErr
	s.mu.Unlock()

	e := result.Errorf(result.KindCrashedOnStartup, waitErr, "runtime server exited before becoming healthy")
	e.Stderr = s.tail.Lines()

	return e
}

// Stop sends SIGTERM, waits for the grace period, then kills.
func (s *supervisor) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop()
	})

	return s.stopErr
}

func (s *supervisor) stop() error {
	s.mu.Lock()

	if s.cmd == nil {
		s.state = StateStopped
		s.mu.Unlock()

		return nil
	}

	if s.state != StateCrashed {
		s.state = StateStopped
	}

	proc := s.cmd.Process
	s.mu.Unlock()

	defer s.closeLog()

	select {
	case <-s.exited:
		s.log.Debug("Runtime server already exited")

		return nil
	default:
	}

	log := s.log.WithField("pid", proc.Pid)
	log.Info("Stopping runtime server")

	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.WithError(err).Warn("Failed to signal runtime server")
	}

	select {
	case <-s.exited:
		return nil
	case <-time.After(s.cfg.StopGracePeriod):
	}

	log.Warn("Runtime server did not exit in time, killing")

	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing runtime server: %w", err)
	}

	<-s.exited

	return nil
}

func (s *supervisor) closeLog() {
	if s.logFile != nil {
		_ = s.logFile.Close()
		s.logFile = nil
	}
}

// Alive reports whether the process is running.
func (s *supervisor) Alive() bool {
	s.mu.Lock()
	started := s.cmd != nil
	s.mu.Unlock()

	if !started {
		return false
	}

	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// PID returns the process id, or 0 before Start.
func (s *supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}

	return s.cmd.Process.Pid
}

// State returns the current lifecycle state.
func (s *supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// StderrTail returns the last captured stderr lines.
func (s *supervisor) StderrTail() []string {
	return s.tail.Lines()
}

// Exited returns a channel closed when the process is gone.
func (s *supervisor) Exited() <-chan struct{} {
	return s.exited
}

func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		base = append(base, k+"="+extra[k])
	}

	return base
}
