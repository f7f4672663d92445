package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/gr-harness/grh/internal/bridge"
	"github.com/gr-harness/grh/internal/config"
	"github.com/gr-harness/grh/internal/events"
)

const (
	compilerBinary    = "grcc"
	interpreterBinary = "python3"

	// DefaultInterval is the heartbeat probe period.
	DefaultInterval = 5 * time.Second
)

// Finding is the outcome of one environment prerequisite check.
type Finding struct {
	Name   string
	OK     bool
	Detail string
}

// Report aggregates check findings.
type Report struct {
	Findings []Finding
}

// OK reports whether every finding passed.
func (r Report) OK() bool {
	for _, finding := range r.Findings {
		if !finding.OK {
			return false
		}
	}
	return true
}

// CheckOption configures a one-shot check.
type CheckOption func(*checker)

// WithLookPath overrides binary resolution on PATH.
func WithLookPath(lookPath func(file string) (string, error)) CheckOption {
	return func(c *checker) {
		c.lookPath = lookPath
	}
}

// WithConfigLoader overrides how configuration is loaded for the check.
func WithConfigLoader(load func() (*config.Config, error)) CheckOption {
	return func(c *checker) {
		c.loadConfig = load
	}
}

// WithStat overrides filesystem probing.
func WithStat(stat func(name string) (os.FileInfo, error)) CheckOption {
	return func(c *checker) {
		c.stat = stat
	}
}

type checker struct {
	lookPath   func(file string) (string, error)
	loadConfig func() (*config.Config, error)
	stat       func(name string) (os.FileInfo, error)
}

// Check verifies the harness prerequisites: the flowgraph compiler and the
// Python interpreter on PATH, loadable configuration, and the flowgraph
// directory. workingDir anchors the programs-dir lookup.
func Check(workingDir string, options ...CheckOption) Report {
	c := &checker{
		lookPath:   exec.LookPath,
		loadConfig: config.Load,
		stat:       os.Stat,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(c)
	}

	var report Report
	for _, binary := range []string{compilerBinary, interpreterBinary} {
		path, err := c.lookPath(binary)
		finding := Finding{Name: binary, OK: err == nil, Detail: path}
		if err != nil {
			finding.Detail = fmt.Sprintf("not found on PATH: %v", err)
		}
		report.Findings = append(report.Findings, finding)
	}

	cfg, err := c.loadConfig()
	if err != nil {
		report.Findings = append(report.Findings, Finding{
			Name:   "config",
			Detail: err.Error(),
		})
		return report
	}
	report.Findings = append(report.Findings, Finding{
		Name:   "config",
		OK:     true,
		Detail: fmt.Sprintf("scenario=%s rpc=%s", cfg.Scenario, cfg.RPCAddr()),
	})

	programsDir := cfg.ProgramsPath(workingDir)
	finding := Finding{Name: "programs", Detail: programsDir}
	if info, err := c.stat(programsDir); err != nil {
		finding.Detail = fmt.Sprintf("%s: %v", programsDir, err)
	} else if !info.IsDir() {
		finding.Detail = programsDir + ": not a directory"
	} else {
		finding.OK = true
	}
	report.Findings = append(report.Findings, finding)

	return report
}

// ProcessChecker probes whether a pid is alive.
type ProcessChecker interface {
	IsRunning(pid int) bool
}

type defaultProcessChecker struct{}

// IsRunning sends signal 0, which tests deliverability without touching
// the process.
func (defaultProcessChecker) IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// Status is one heartbeat sample.
type Status struct {
	ProcessAlive    bool
	BridgeReachable bool
	Pid             int
}

// ManagerOption configures the heartbeat manager.
type ManagerOption func(*Manager)

// WithInterval configures the probe period.
func WithInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithProcessChecker overrides process liveness probing.
func WithProcessChecker(checker ProcessChecker) ManagerOption {
	return func(m *Manager) {
		m.checker = checker
	}
}

// WithLogger configures heartbeat logging.
func WithLogger(logger *log.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithBus configures the event bus heartbeat reports are published to.
func WithBus(bus events.Bus) ManagerOption {
	return func(m *Manager) {
		m.bus = bus
	}
}

// Manager periodically probes the flowgraph process and the bridge and
// publishes the result. It is advisory: it never mutates run state itself.
type Manager struct {
	pid      func() int
	bridge   bridge.Bridge
	checker  ProcessChecker
	logger   *log.Logger
	bus      events.Bus
	interval time.Duration

	wasAlive bool
}

// NewManager builds a heartbeat monitor. pid yields the supervised process
// id, or a non-positive value when nothing was spawned.
func NewManager(pid func() int, b bridge.Bridge, options ...ManagerOption) *Manager {
	m := &Manager{
		pid:      pid,
		bridge:   b,
		checker:  defaultProcessChecker{},
		interval: DefaultInterval,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(m)
	}
	return m
}

// Run probes until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

// Probe takes one heartbeat sample immediately.
func (m *Manager) Probe(ctx context.Context) Status {
	return m.probe(ctx)
}

func (m *Manager) probe(ctx context.Context) Status {
	status := Status{Pid: m.pid()}
	status.ProcessAlive = m.checker.IsRunning(status.Pid)

	if m.bridge != nil {
		var methods []string
		status.BridgeReachable = m.bridge.Call(ctx, "system.listMethods", nil, &methods) == nil
	}

	severity := events.SeverityInfo
	if !status.ProcessAlive || !status.BridgeReachable {
		severity = events.SeverityWarn
	}
	m.publish(events.Event{
		Type:       events.EventTypeHealthCheck,
		EntityType: "flowgraph",
		EntityID:   fmt.Sprintf("%d", status.Pid),
		Payload:    status,
		Severity:   severity,
	})

	if m.wasAlive && !status.ProcessAlive {
		if m.logger != nil {
			m.logger.Warn("flowgraph process disappeared", "pid", status.Pid)
		}
		m.publish(events.Event{
			Type:       events.EventTypeProcessExited,
			EntityType: "flowgraph",
			EntityID:   fmt.Sprintf("%d", status.Pid),
			Severity:   events.SeverityError,
		})
	}
	m.wasAlive = status.ProcessAlive

	return status
}

func (m *Manager) publish(event events.Event) {
	if m.bus == nil {
		return
	}
	event.Timestamp = time.Now()
	m.bus.Publish(event)
}
