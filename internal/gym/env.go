package gym

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/gr-harness/grh/internal/bridge"
	"github.com/gr-harness/grh/internal/config"
	"github.com/gr-harness/grh/internal/events"
	"github.com/gr-harness/grh/internal/lifecycle"
	"github.com/gr-harness/grh/internal/runstate"
	"github.com/gr-harness/grh/internal/scenario"
	"github.com/gr-harness/grh/internal/supervisor"
)

// StepResult is the outcome of one environment step. The zero value is the
// neutral result returned when the flowgraph process is not alive.
type StepResult struct {
	Observation scenario.Observation
	Reward      float64
	Done        bool
	Info        string
}

// processSupervisor is the slice of the supervisor the environment drives.
type processSupervisor interface {
	Compile(ctx context.Context, programsDir, programName string) error
	Spawn(ctx context.Context, programsDir, programName string) error
	Terminate(ctx context.Context) error
	Pid() int
}

// connector is the bridge connect loop.
type connector interface {
	Connect(ctx context.Context) error
}

// stopper unregisters a shutdown notifier.
type stopper interface {
	Stop()
}

// Option configures Env construction.
type Option func(*Env)

// WithBridge overrides the XML-RPC bridge.
func WithBridge(b bridge.Bridge) Option {
	return func(e *Env) {
		e.bridge = b
	}
}

// WithConnector overrides the bridge connect loop.
func WithConnector(c connector) Option {
	return func(e *Env) {
		e.connector = c
	}
}

// WithSupervisor overrides the flowgraph process supervisor.
func WithSupervisor(s processSupervisor) Option {
	return func(e *Env) {
		e.super = s
	}
}

// WithScenario bypasses the registry and uses the given scenario.
func WithScenario(s scenario.Scenario) Option {
	return func(e *Env) {
		e.scen = s
	}
}

// WithMachine overrides the run-state machine.
func WithMachine(m *runstate.Machine) Option {
	return func(e *Env) {
		e.machine = m
	}
}

// WithLogger configures structured logging.
func WithLogger(logger *log.Logger) Option {
	return func(e *Env) {
		e.logger = logger
	}
}

// WithBus configures the event bus step and reset events are published to.
func WithBus(bus events.Bus) Option {
	return func(e *Env) {
		e.bus = bus
	}
}

// WithSleeper overrides the settle-sleep function.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Env) {
		e.sleep = sleep
	}
}

// WithMessageWriter overrides the destination for operator-facing messages.
func WithMessageWriter(writer io.Writer) Option {
	return func(e *Env) {
		e.messages = writer
	}
}

// WithWorkingDir overrides the directory the flowgraph path resolves from.
func WithWorkingDir(dir string) Option {
	return func(e *Env) {
		e.workingDir = dir
	}
}

// WithShutdownStarter overrides signal registration. Tests use this to keep
// the environment off the process signal table.
func WithShutdownStarter(start func(closeFn func()) stopper) Option {
	return func(e *Env) {
		e.startShutdown = start
	}
}

// Env exposes a running flowgraph as an episodic environment: Reset yields
// an initial observation, Step applies one action and reports reward and
// termination, Close tears everything down.
type Env struct {
	cfg *config.Config

	bridge    bridge.Bridge
	connector connector
	super     processSupervisor
	scen      scenario.Scenario
	machine   *runstate.Machine

	logger   *log.Logger
	bus      events.Bus
	messages io.Writer
	sleep    func(ctx context.Context, d time.Duration) error

	workingDir    string
	startShutdown func(closeFn func()) stopper
	notifier      stopper

	mu          sync.Mutex
	actionSpace scenario.Space
	obsSpace    scenario.Space
	episodeID   string
	rng         *rand.Rand
	seed        int64
	closed      bool
}

// New builds the environment from configuration. When compile_and_execute
// is set it compiles the flowgraph (fatal on failure) and spawns the
// process; a spawn failure is reported but leaves the environment usable,
// waiting for an operator-started flowgraph.
func New(ctx context.Context, cfg *config.Config, options ...Option) (*Env, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}

	env := &Env{
		cfg:      cfg,
		messages: os.Stdout,
		sleep:    sleepContext,
		seed:     time.Now().UnixNano(),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(env)
	}
	env.rng = rand.New(rand.NewSource(env.seed))

	if env.machine == nil {
		machineOptions := []runstate.Option{}
		if env.bus != nil {
			machineOptions = append(machineOptions, runstate.WithBus(env.bus))
		}
		env.machine = runstate.NewMachine(machineOptions...)
	}
	if env.bridge == nil {
		env.bridge = bridge.NewClient(cfg.RPCAddr())
	}
	if env.connector == nil {
		connectorOptions := []bridge.ConnectorOption{
			bridge.WithBackoff(cfg.ConnectBackoff),
			bridge.WithMessageWriter(env.messages),
		}
		if env.logger != nil {
			connectorOptions = append(connectorOptions, bridge.WithConnectorLogger(env.logger))
		}
		if env.bus != nil {
			connectorOptions = append(connectorOptions, bridge.WithConnectorBus(env.bus))
		}
		env.connector = bridge.NewConnector(env.bridge, cfg.CompileAndExecute, connectorOptions...)
	}
	if env.super == nil {
		supervisorOptions := []supervisor.Option{}
		if env.logger != nil {
			supervisorOptions = append(supervisorOptions, supervisor.WithLogger(env.logger))
		}
		if env.bus != nil {
			supervisorOptions = append(supervisorOptions, supervisor.WithBus(env.bus))
		}
		super, err := supervisor.New(env.machine, supervisorOptions...)
		if err != nil {
			return nil, fmt.Errorf("build supervisor: %w", err)
		}
		env.super = super
	}
	if env.workingDir == "" {
		workingDir, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		env.workingDir = workingDir
	}

	if cfg.CompileAndExecute {
		programsDir := cfg.ProgramsPath(env.workingDir)
		if err := env.super.Compile(ctx, programsDir, cfg.ProgramName); err != nil {
			return nil, fmt.Errorf("compile flowgraph %s: %w", cfg.ProgramName, err)
		}
		if err := env.super.Spawn(ctx, programsDir, cfg.ProgramName); err != nil {
			env.warn("flowgraph failed to start", "program", cfg.ProgramName, "error", err)
			fmt.Fprintf(env.messages, "Could not start the flowgraph: %v\n", err)
		}
	}

	if env.scen == nil {
		scen, err := scenario.New(cfg.Scenario, env.bridge, cfg)
		if err != nil {
			return nil, err
		}
		env.scen = scen
	}
	env.actionSpace = env.scen.ActionSpace()
	env.obsSpace = env.scen.ObservationSpace()

	if env.startShutdown == nil {
		env.startShutdown = func(closeFn func()) stopper {
			lifecycleOptions := []lifecycle.Option{}
			if env.logger != nil {
				lifecycleOptions = append(lifecycleOptions, lifecycle.WithLogger(env.logger))
			}
			if env.bus != nil {
				lifecycleOptions = append(lifecycleOptions, lifecycle.WithBus(env.bus))
			}
			return lifecycle.Start(closeFn, lifecycleOptions...)
		}
	}
	env.notifier = env.startShutdown(func() {
		if err := env.Close(); err != nil {
			env.warn("shutdown close failed", "error", err)
		}
	})

	return env, nil
}

// Reset connects to the flowgraph (waiting for it when necessary), clears
// scenario state, and returns the initial observation of a fresh episode.
func (e *Env) Reset(ctx context.Context) (scenario.Observation, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New("environment is closed")
	}
	e.episodeID = uuid.NewString()
	episodeID := e.episodeID
	e.mu.Unlock()

	if err := e.scen.Reset(ctx); err != nil {
		return nil, fmt.Errorf("reset scenario: %w", err)
	}
	if err := e.connector.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to flowgraph: %w", err)
	}
	if err := e.machine.EnsureRunning(ctx, "bridge connected"); err != nil {
		return nil, err
	}
	if err := e.scen.Reset(ctx); err != nil {
		return nil, fmt.Errorf("reset scenario after connect: %w", err)
	}

	e.mu.Lock()
	e.actionSpace = e.scen.ActionSpace()
	e.obsSpace = e.scen.ObservationSpace()
	e.mu.Unlock()

	if !e.cfg.EventBased {
		if err := e.sleep(ctx, e.cfg.SimTime); err != nil {
			return nil, err
		}
	}

	obs, err := e.scen.Observation(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial observation: %w", err)
	}

	e.publish(events.Event{
		Type:       events.EventTypeEpisodeReset,
		EntityType: "episode",
		EntityID:   episodeID,
		Severity:   events.SeverityInfo,
	})
	return obs, nil
}

// Step applies one action and reports the resulting observation, reward,
// termination flag, and info string. When the flowgraph process is not
// alive it warns and returns the neutral result instead of failing, so an
// agent loop can keep polling across a restart.
//
// The phase ordering is fixed: action, settle, reward/done/info, channel
// simulation, final observation. Reward is read before the channel
// sub-step mutates the flowgraph.
func (e *Env) Step(ctx context.Context, action any) (StepResult, error) {
	if !e.machine.IsAlive() {
		e.warn("step ignored, flowgraph process is not running")
		return StepResult{}, nil
	}

	if err := e.scen.ExecuteActions(ctx, action); err != nil {
		return StepResult{}, fmt.Errorf("execute action: %w", err)
	}
	if !e.cfg.EventBased {
		if err := e.sleep(ctx, e.cfg.StepTime); err != nil {
			return StepResult{}, err
		}
	}

	reward, err := e.scen.Reward(ctx)
	if err != nil {
		return StepResult{}, fmt.Errorf("read reward: %w", err)
	}
	done, err := e.scen.Done(ctx)
	if err != nil {
		return StepResult{}, fmt.Errorf("read done: %w", err)
	}
	info, err := e.scen.Info(ctx)
	if err != nil {
		return StepResult{}, fmt.Errorf("read info: %w", err)
	}

	if e.cfg.SimulateChannel {
		if err := e.scen.SimChannel(ctx); err != nil {
			return StepResult{}, fmt.Errorf("simulate channel: %w", err)
		}
		if !e.cfg.EventBased {
			// The first read after the channel changes is stale; take
			// and discard it, then let the flowgraph settle.
			if _, err := e.scen.Observation(ctx); err != nil {
				return StepResult{}, fmt.Errorf("flush stale observation: %w", err)
			}
			if err := e.sleep(ctx, e.cfg.SimTime); err != nil {
				return StepResult{}, err
			}
		}
	}

	obs, err := e.scen.Observation(ctx)
	if err != nil {
		return StepResult{}, fmt.Errorf("read observation: %w", err)
	}

	result := StepResult{Observation: obs, Reward: reward, Done: done, Info: info}
	e.publish(events.Event{
		Type:       events.EventTypeStepCompleted,
		EntityType: "episode",
		EntityID:   e.EpisodeID(),
		Payload:    result,
		Severity:   events.SeverityInfo,
	})
	return result, nil
}

// Close tears the environment down: the bridge is closed unconditionally,
// and a process the environment spawned is terminated. Safe to call
// repeatedly and before any Reset.
func (e *Env) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.notifier != nil {
		e.notifier.Stop()
	}

	var errs []error
	if err := e.bridge.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bridge: %w", err))
	}
	if e.machine.IsAlive() {
		if err := e.super.Terminate(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("terminate flowgraph: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Render is a no-op; the flowgraph renders nothing on this side.
func (e *Env) Render() {}

// Seed reseeds the environment's action sampler and returns the seed used.
func (e *Env) Seed(seed int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seed = seed
	e.rng = rand.New(rand.NewSource(seed))
	return seed
}

// SampleAction draws a uniformly random action from the action space.
func (e *Env) SampleAction() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	space := e.actionSpace
	if space.Kind == scenario.KindDiscrete && space.N > 0 {
		return e.rng.Intn(space.N)
	}
	size := 1
	for _, dim := range space.Shape {
		size *= dim
	}
	sample := make([]float64, size)
	for i := range sample {
		sample[i] = space.Low + e.rng.Float64()*(space.High-space.Low)
	}
	return sample
}

// ActionSpace returns the current action space descriptor.
func (e *Env) ActionSpace() scenario.Space {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.actionSpace
}

// ObservationSpace returns the current observation space descriptor.
func (e *Env) ObservationSpace() scenario.Space {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.obsSpace
}

// Pid returns the supervised flowgraph process id, or 0 when no process
// was spawned by this environment.
func (e *Env) Pid() int {
	return e.super.Pid()
}

// EpisodeID returns the identifier of the episode begun by the last Reset.
func (e *Env) EpisodeID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.episodeID
}

func (e *Env) publish(event events.Event) {
	if e.bus == nil {
		return
	}
	event.Timestamp = time.Now()
	e.bus.Publish(event)
}

func (e *Env) warn(msg string, keyvals ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Warn(msg, keyvals...)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
