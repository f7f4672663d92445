package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gr-harness/grh/internal/events"
	"github.com/gr-harness/grh/internal/runstate"
)

const (
	// StdoutLogPath receives the flowgraph's standard output.
	StdoutLogPath = "/tmp/gnuradio.log"
	// StderrLogPath receives the flowgraph's standard error.
	StderrLogPath = "/tmp/gnuradio-err.log"

	compilerBinary = "grcc"
)

// ErrAlreadyRunning indicates a spawn was attempted while a flowgraph runs.
var ErrAlreadyRunning = errors.New("flowgraph process is already running")

// CompileError reports a failed flowgraph compilation, preserving the
// toolchain's output and underlying failure.
type CompileError struct {
	Program string
	Output  string
	Err     error
}

func (e *CompileError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("compile flowgraph %s: %v", e.Program, e.Err)
	}
	return fmt.Sprintf("compile flowgraph %s: %v (%s)", e.Program, e.Err, e.Output)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// CommandRunner executes the flowgraph compiler.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type defaultCommandRunner struct{}

func (defaultCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(out))
		if trimmed == "" {
			return nil, fmt.Errorf("run %s: %w", formatCommand(name, args), err)
		}
		return nil, fmt.Errorf("run %s: %w (%s)", formatCommand(name, args), err, trimmed)
	}
	return out, nil
}

// ProcessHandle is the supervisor's exclusive reference to the spawned
// flowgraph process.
type ProcessHandle interface {
	Pid() int
	Kill() error
	Wait() error
}

// Starter launches the flowgraph program. stdout/stderr may be nil, in which
// case the child inherits the parent's streams.
type Starter func(programPath string, stdout, stderr *os.File) (ProcessHandle, error)

type cmdHandle struct {
	cmd *exec.Cmd
}

func (h *cmdHandle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *cmdHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *cmdHandle) Wait() error {
	return h.cmd.Wait()
}

func defaultStarter(programPath string, stdout, stderr *os.File) (ProcessHandle, error) {
	cmd := exec.Command("env", "python3", programPath)
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &cmdHandle{cmd: cmd}, nil
}

// logSinks holds the two lazily-created log files. They are opened at most
// once per supervisor instance and, once closed, stay closed: a later spawn
// runs without redirection rather than reopening them.
type logSinks struct {
	stdout *os.File
	stderr *os.File
	opened bool
	closed bool
}

// Option configures Supervisor construction.
type Option func(*Supervisor)

// WithRunner overrides the compiler command runner.
func WithRunner(runner CommandRunner) Option {
	return func(s *Supervisor) {
		if runner != nil {
			s.runner = runner
		}
	}
}

// WithStarter overrides how the flowgraph process is launched.
func WithStarter(starter Starter) Option {
	return func(s *Supervisor) {
		if starter != nil {
			s.start = starter
		}
	}
}

// WithLogger configures structured logging.
func WithLogger(logger *log.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithBus configures the event bus for process lifecycle events.
func WithBus(bus events.Bus) Option {
	return func(s *Supervisor) {
		s.bus = bus
	}
}

// WithLogPaths overrides the flowgraph log destinations (used by tests).
func WithLogPaths(stdoutPath, stderrPath string) Option {
	return func(s *Supervisor) {
		s.stdoutPath = stdoutPath
		s.stderrPath = stderrPath
	}
}

// Supervisor owns the flowgraph process: it compiles the program, spawns it
// with output redirected to fixed log files, and hard-kills it on terminate.
// The run-state machine and the process handle never disagree: Running
// implies a live handle, Inactive implies none.
type Supervisor struct {
	runner     CommandRunner
	start      Starter
	machine    *runstate.Machine
	logger     *log.Logger
	bus        events.Bus
	stdoutPath string
	stderrPath string

	mu    sync.Mutex
	sinks logSinks
	proc  ProcessHandle
}

// New builds a supervisor bound to the given run-state machine.
func New(machine *runstate.Machine, options ...Option) (*Supervisor, error) {
	if machine == nil {
		return nil, errors.New("run-state machine is required")
	}
	s := &Supervisor{
		runner:     defaultCommandRunner{},
		start:      defaultStarter,
		machine:    machine,
		stdoutPath: StdoutLogPath,
		stderrPath: StderrLogPath,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(s)
	}
	return s, nil
}

// Compile invokes the grcc toolchain synchronously. Failures are fatal:
// they carry the toolchain's output and are never retried.
func (s *Supervisor) Compile(ctx context.Context, programsDir, programName string) error {
	grcPath := filepath.Join(programsDir, programName+".grc")
	if s.logger != nil {
		s.logger.With("program", grcPath).Info("compiling flowgraph")
	}

	out, err := s.runner.Run(ctx, compilerBinary, "--output="+programsDir, grcPath)
	if err != nil {
		return &CompileError{Program: grcPath, Output: strings.TrimSpace(string(out)), Err: err}
	}

	if s.logger != nil {
		s.logger.With("program", grcPath).Info("compilation completed")
	}
	return nil
}

// Spawn launches the compiled flowgraph program. On success the run-state
// machine transitions to Running and the handle is recorded; on OS-level
// start failure the error is returned and the run-state stays unchanged.
func (s *Supervisor) Spawn(ctx context.Context, programsDir, programName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.machine.IsAlive() {
		return ErrAlreadyRunning
	}

	if err := s.openSinks(); err != nil {
		return err
	}

	programPath := filepath.Join(programsDir, programName+".py")
	if s.logger != nil {
		s.logger.With(
			"program", programPath,
			"stdout_log", s.stdoutPath,
			"stderr_log", s.stderrPath,
		).Info("starting flowgraph")
	}

	handle, err := s.start(programPath, s.sinks.stdout, s.sinks.stderr)
	if err != nil {
		return fmt.Errorf("start flowgraph %s: %w", programPath, err)
	}

	if err := s.machine.Transition(ctx, runstate.Running, "flowgraph spawned"); err != nil {
		_ = handle.Kill()
		return err
	}
	s.proc = handle

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:       events.EventTypeProcessSpawned,
			EntityType: "flowgraph",
			EntityID:   programName,
			Payload:    handle.Pid(),
			Severity:   events.SeverityInfo,
		})
	}

	go s.reap(handle, programName)
	return nil
}

// Terminate hard-kills the flowgraph. It is idempotent: a no-op when the
// run-state is not Running. The log sinks are closed exactly once.
func (s *Supervisor) Terminate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.machine.IsAlive() {
		return nil
	}

	if s.logger != nil {
		s.logger.Info("stopping flowgraph")
	}
	if s.proc != nil {
		// Hard kill only; the flowgraph gets no shutdown negotiation.
		_ = s.proc.Kill()
		s.proc = nil
	}
	s.closeSinks()

	return s.machine.Transition(ctx, runstate.Inactive, "flowgraph terminated")
}

// Pid returns the spawned process id, or 0 when no process is owned.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

func (s *Supervisor) openSinks() error {
	if s.sinks.opened || s.sinks.closed {
		return nil
	}

	stdout, err := os.OpenFile(s.stdoutPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open flowgraph stdout log: %w", err)
	}
	stderr, err := os.OpenFile(s.stderrPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		_ = stdout.Close()
		return fmt.Errorf("open flowgraph stderr log: %w", err)
	}

	s.sinks = logSinks{stdout: stdout, stderr: stderr, opened: true}
	return nil
}

func (s *Supervisor) closeSinks() {
	if !s.sinks.opened || s.sinks.closed {
		return
	}
	if s.sinks.stdout != nil {
		_ = s.sinks.stdout.Close()
		s.sinks.stdout = nil
	}
	if s.sinks.stderr != nil {
		_ = s.sinks.stderr.Close()
		s.sinks.stderr = nil
	}
	s.sinks.closed = true
}

func (s *Supervisor) reap(handle ProcessHandle, programName string) {
	err := handle.Wait()
	if s.bus != nil {
		severity := events.SeverityInfo
		if err != nil {
			severity = events.SeverityWarn
		}
		s.bus.Publish(events.Event{
			Type:       events.EventTypeProcessExited,
			EntityType: "flowgraph",
			EntityID:   programName,
			Severity:   severity,
		})
	}
}

func formatCommand(name string, args []string) string {
	parts := append([]string{strings.TrimSpace(name)}, args...)
	sanitized := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sanitized = append(sanitized, part)
	}
	return strings.Join(sanitized, " ")
}
