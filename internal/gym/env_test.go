package gym

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gr-harness/grh/internal/config"
	"github.com/gr-harness/grh/internal/events"
	"github.com/gr-harness/grh/internal/runstate"
	"github.com/gr-harness/grh/internal/scenario"
)

// trace records the order of scenario, supervisor, and sleep calls.
type trace struct {
	mu    sync.Mutex
	calls []string
}

func (tr *trace) add(call string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.calls = append(tr.calls, call)
}

func (tr *trace) snapshot() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.calls...)
}

type fakeScenario struct {
	trace *trace

	reward      float64
	done        bool
	info        string
	observation scenario.Observation

	executeErr error
	resetErr   error
	obsErr     error
}

func (f *fakeScenario) ActionSpace() scenario.Space {
	return scenario.Space{Kind: scenario.KindDiscrete, N: 4}
}

func (f *fakeScenario) ObservationSpace() scenario.Space {
	return scenario.Space{Kind: scenario.KindBox, Shape: []int{3}, Low: -1, High: 1}
}

func (f *fakeScenario) ExecuteActions(ctx context.Context, action any) error {
	f.trace.add(fmt.Sprintf("execute(%v)", action))
	return f.executeErr
}

func (f *fakeScenario) Reward(ctx context.Context) (float64, error) {
	f.trace.add("reward")
	return f.reward, nil
}

func (f *fakeScenario) Done(ctx context.Context) (bool, error) {
	f.trace.add("done")
	return f.done, nil
}

func (f *fakeScenario) Info(ctx context.Context) (string, error) {
	f.trace.add("info")
	return f.info, nil
}

func (f *fakeScenario) Observation(ctx context.Context) (scenario.Observation, error) {
	f.trace.add("observation")
	return f.observation, f.obsErr
}

func (f *fakeScenario) SimChannel(ctx context.Context) error {
	f.trace.add("simchannel")
	return nil
}

func (f *fakeScenario) Reset(ctx context.Context) error {
	f.trace.add("reset")
	return f.resetErr
}

type fakeSupervisor struct {
	trace      *trace
	machine    *runstate.Machine
	compileErr error
	spawnErr   error
}

func (f *fakeSupervisor) Compile(ctx context.Context, programsDir, programName string) error {
	f.trace.add("compile " + programName)
	return f.compileErr
}

func (f *fakeSupervisor) Spawn(ctx context.Context, programsDir, programName string) error {
	f.trace.add("spawn " + programName)
	if f.spawnErr != nil {
		return f.spawnErr
	}
	if f.machine != nil {
		return f.machine.Transition(ctx, runstate.Running, "spawned")
	}
	return nil
}

func (f *fakeSupervisor) Pid() int {
	if f.machine != nil && f.machine.IsAlive() {
		return 1234
	}
	return 0
}

func (f *fakeSupervisor) Terminate(ctx context.Context) error {
	f.trace.add("terminate")
	if f.machine != nil && f.machine.IsAlive() {
		return f.machine.Transition(ctx, runstate.Inactive, "terminated")
	}
	return nil
}

type fakeConnector struct {
	trace      *trace
	connectErr error
}

func (f *fakeConnector) Connect(ctx context.Context) error {
	f.trace.add("connect")
	return f.connectErr
}

type fakeEnvBridge struct {
	closeCalls int
}

func (f *fakeEnvBridge) Start(ctx context.Context) error { return nil }

func (f *fakeEnvBridge) Close() error {
	f.closeCalls++
	return nil
}

func (f *fakeEnvBridge) Call(ctx context.Context, method string, args any, reply any) error {
	return nil
}

type noopStopper struct{}

func (noopStopper) Stop() {}

type envFixture struct {
	env     *Env
	trace   *trace
	scen    *fakeScenario
	super   *fakeSupervisor
	bridge  *fakeEnvBridge
	machine *runstate.Machine
	bus     *events.InMemoryBus
	out     *bytes.Buffer
}

func newFixture(t *testing.T, cfg *config.Config, mutate func(*envFixture)) *envFixture {
	t.Helper()

	fx := &envFixture{
		trace:   &trace{},
		bridge:  &fakeEnvBridge{},
		machine: runstate.NewMachine(),
		bus:     events.New(),
		out:     &bytes.Buffer{},
	}
	fx.scen = &fakeScenario{trace: fx.trace, observation: scenario.Observation{0.5}}
	fx.super = &fakeSupervisor{trace: fx.trace, machine: fx.machine}
	if mutate != nil {
		mutate(fx)
	}

	env, err := New(context.Background(), cfg,
		WithBridge(fx.bridge),
		WithConnector(&fakeConnector{trace: fx.trace}),
		WithSupervisor(fx.super),
		WithScenario(fx.scen),
		WithMachine(fx.machine),
		WithBus(fx.bus),
		WithMessageWriter(fx.out),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			fx.trace.add("sleep " + d.String())
			return nil
		}),
		WithShutdownStarter(func(closeFn func()) stopper { return noopStopper{} }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fx.env = env
	t.Cleanup(func() { _ = env.Close() })
	return fx
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.CompileAndExecute = false
	cfg.StepTime = 100 * time.Millisecond
	cfg.SimTime = 200 * time.Millisecond
	return &cfg
}

func TestNewCompilesAndSpawnsWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.CompileAndExecute = true

	fx := newFixture(t, cfg, nil)

	calls := fx.trace.snapshot()
	if len(calls) < 2 || calls[0] != "compile "+cfg.ProgramName || calls[1] != "spawn "+cfg.ProgramName {
		t.Fatalf("startup calls = %v, want compile then spawn", calls)
	}
	if !fx.machine.IsAlive() {
		t.Error("machine not RUNNING after spawn")
	}
}

func TestNewCompileFailureIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.CompileAndExecute = true
	compileErr := errors.New("grcc exploded")

	_, err := New(context.Background(), cfg,
		WithBridge(&fakeEnvBridge{}),
		WithConnector(&fakeConnector{trace: &trace{}}),
		WithSupervisor(&fakeSupervisor{trace: &trace{}, compileErr: compileErr}),
		WithScenario(&fakeScenario{trace: &trace{}}),
		WithShutdownStarter(func(closeFn func()) stopper { return noopStopper{} }),
	)
	if !errors.Is(err, compileErr) {
		t.Fatalf("New error = %v, want wrapped compile error", err)
	}
}

func TestNewSpawnFailureLeavesEnvUsable(t *testing.T) {
	cfg := testConfig()
	cfg.CompileAndExecute = true

	fx := newFixture(t, cfg, func(fx *envFixture) {
		fx.super.spawnErr = errors.New("python3 missing")
	})

	if fx.machine.IsAlive() {
		t.Error("machine should remain INACTIVE after spawn failure")
	}
	if fx.out.Len() == 0 {
		t.Error("no operator-facing message after spawn failure")
	}
	if fx.env == nil {
		t.Fatal("environment not built despite recoverable spawn failure")
	}
}

func TestResetConnectsAndReturnsObservation(t *testing.T) {
	fx := newFixture(t, testConfig(), func(fx *envFixture) {
		fx.scen.observation = scenario.Observation{-70, -71}
	})

	resets := make(chan events.Event, 1)
	fx.bus.Subscribe(events.EventTypeEpisodeReset, func(event events.Event) {
		resets <- event
	})

	obs, err := fx.env.Reset(context.Background())
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !reflect.DeepEqual(obs, scenario.Observation{-70, -71}) {
		t.Errorf("observation = %v", obs)
	}
	if !fx.machine.IsAlive() {
		t.Error("machine not RUNNING after Reset")
	}
	if fx.env.EpisodeID() == "" {
		t.Error("no episode ID assigned")
	}

	want := []string{"reset", "connect", "reset", "sleep 200ms", "observation"}
	if got := fx.trace.snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("reset sequence = %v, want %v", got, want)
	}

	select {
	case event := <-resets:
		if event.EntityID != fx.env.EpisodeID() {
			t.Errorf("event episode = %q, want %q", event.EntityID, fx.env.EpisodeID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no EpisodeReset event published")
	}
}

func TestResetEventBasedSkipsSettle(t *testing.T) {
	cfg := testConfig()
	cfg.EventBased = true
	fx := newFixture(t, cfg, nil)

	if _, err := fx.env.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	for _, call := range fx.trace.snapshot() {
		if call == "sleep 200ms" {
			t.Fatal("event-based reset slept")
		}
	}
}

func TestStepOrderingWithChannelSimulation(t *testing.T) {
	cfg := testConfig()
	cfg.SimulateChannel = true
	fx := newFixture(t, cfg, func(fx *envFixture) {
		fx.scen.reward = 7.5
		fx.scen.info = "gain=10"
	})
	if _, err := fx.env.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	preamble := len(fx.trace.snapshot())

	result, err := fx.env.Step(context.Background(), 2)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if result.Reward != 7.5 || result.Info != "gain=10" || result.Done {
		t.Errorf("result = %+v", result)
	}

	want := []string{
		"execute(2)",
		"sleep 100ms",
		"reward",
		"done",
		"info",
		"simchannel",
		"observation",
		"sleep 200ms",
		"observation",
	}
	if got := fx.trace.snapshot()[preamble:]; !reflect.DeepEqual(got, want) {
		t.Errorf("step sequence = %v, want %v", got, want)
	}
}

func TestStepWithoutChannelSimulation(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	if _, err := fx.env.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	preamble := len(fx.trace.snapshot())

	if _, err := fx.env.Step(context.Background(), 0); err != nil {
		t.Fatalf("Step: %v", err)
	}

	want := []string{"execute(0)", "sleep 100ms", "reward", "done", "info", "observation"}
	if got := fx.trace.snapshot()[preamble:]; !reflect.DeepEqual(got, want) {
		t.Errorf("step sequence = %v, want %v", got, want)
	}
}

func TestStepEventBasedSkipsSleeps(t *testing.T) {
	cfg := testConfig()
	cfg.EventBased = true
	cfg.SimulateChannel = true
	fx := newFixture(t, cfg, nil)
	if _, err := fx.env.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	preamble := len(fx.trace.snapshot())

	if _, err := fx.env.Step(context.Background(), 1); err != nil {
		t.Fatalf("Step: %v", err)
	}

	want := []string{"execute(1)", "reward", "done", "info", "simchannel", "observation"}
	if got := fx.trace.snapshot()[preamble:]; !reflect.DeepEqual(got, want) {
		t.Errorf("step sequence = %v, want %v", got, want)
	}
}

func TestStepOnDeadProcessSoftFails(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)

	result, err := fx.env.Step(context.Background(), 3)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !reflect.DeepEqual(result, StepResult{}) {
		t.Errorf("result = %+v, want neutral zero value", result)
	}
	if calls := fx.trace.snapshot(); len(calls) != 0 {
		t.Errorf("scenario touched on dead process: %v", calls)
	}
}

func TestStepActionErrorPropagates(t *testing.T) {
	execErr := errors.New("variable rejected")
	fx := newFixture(t, testConfig(), func(fx *envFixture) {
		fx.scen.executeErr = execErr
	})
	if _, err := fx.env.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if _, err := fx.env.Step(context.Background(), 0); !errors.Is(err, execErr) {
		t.Fatalf("Step error = %v, want wrapped action error", err)
	}
}

func TestStepPublishesStepCompleted(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	steps := make(chan events.Event, 1)
	fx.bus.Subscribe(events.EventTypeStepCompleted, func(event events.Event) {
		steps <- event
	})

	if _, err := fx.env.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := fx.env.Step(context.Background(), 1); err != nil {
		t.Fatalf("Step: %v", err)
	}

	select {
	case event := <-steps:
		if _, ok := event.Payload.(StepResult); !ok {
			t.Errorf("payload = %T, want StepResult", event.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no StepCompleted event published")
	}
}

func TestCloseTerminatesOnlyLiveProcess(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	if _, err := fx.env.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	preamble := len(fx.trace.snapshot())

	if err := fx.env.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fx.bridge.closeCalls != 1 {
		t.Errorf("bridge close calls = %d, want 1", fx.bridge.closeCalls)
	}
	calls := fx.trace.snapshot()[preamble:]
	if !reflect.DeepEqual(calls, []string{"terminate"}) {
		t.Errorf("close calls = %v, want one terminate", calls)
	}
	if fx.machine.IsAlive() {
		t.Error("machine still RUNNING after Close")
	}

	// Repeat closes are no-ops.
	if err := fx.env.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if fx.bridge.closeCalls != 1 {
		t.Errorf("bridge closed again on repeat Close")
	}
}

func TestCloseBeforeResetClosesBridgeOnly(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)

	if err := fx.env.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fx.bridge.closeCalls != 1 {
		t.Errorf("bridge close calls = %d, want 1", fx.bridge.closeCalls)
	}
	for _, call := range fx.trace.snapshot() {
		if call == "terminate" {
			t.Fatal("terminated a process that was never spawned")
		}
	}
}

func TestResetAfterCloseFails(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	if err := fx.env.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := fx.env.Reset(context.Background()); err == nil {
		t.Fatal("Reset on closed environment succeeded")
	}
}

func TestSeedMakesSamplingDeterministic(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)

	fx.env.Seed(42)
	first := make([]any, 5)
	for i := range first {
		first[i] = fx.env.SampleAction()
	}

	if got := fx.env.Seed(42); got != 42 {
		t.Errorf("Seed returned %d, want 42", got)
	}
	for i := range first {
		if got := fx.env.SampleAction(); got != first[i] {
			t.Errorf("sample %d = %v, want %v", i, got, first[i])
		}
	}

	space := fx.env.ActionSpace()
	for _, sample := range first {
		index, ok := sample.(int)
		if !ok || index < 0 || index >= space.N {
			t.Errorf("sample %v outside discrete space of %d", sample, space.N)
		}
	}
}

func TestRenderIsANoOp(t *testing.T) {
	fx := newFixture(t, testConfig(), nil)
	fx.env.Render()
}
