package runstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gr-harness/grh/internal/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is the lifecycle state of the supervised flowgraph.
type State string

const (
	// Inactive means no owned process and a closed bridge.
	Inactive State = "INACTIVE"
	// Running means a live process handle and an established bridge.
	Running State = "RUNNING"
	// Paused is a declared extension state with no inbound transitions.
	Paused State = "PAUSED"
	// Stopped is a declared extension state with no inbound transitions.
	Stopped State = "STOPPED"
)

// allowedTransitions is the closed transition table. Paused and Stopped are
// reserved for future suspend/resume support and accept no transitions today.
var allowedTransitions = map[State]map[State]struct{}{
	Inactive: {
		Running: {},
	},
	Running: {
		Inactive: {},
	},
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	FromState State
	ToState   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot transition run-state from %q to %q", e.FromState, e.ToState)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	FromState State
	ToState   State
	Reason    string
	Timestamp time.Time
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithBus configures the event bus used to announce transitions.
func WithBus(bus events.Bus) Option {
	return func(machine *Machine) {
		machine.bus = bus
	}
}

// WithClock overrides the timestamp source for transition records.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now == nil {
			return
		}
		machine.now = now
	}
}

// Machine validates run-state transitions against the closed table.
// The zero state is Inactive; every stateful harness operation gates on it.
type Machine struct {
	mu      sync.RWMutex
	state   State
	history []TransitionRecord

	tracer trace.Tracer
	bus    events.Bus
	now    func() time.Time
}

// NewMachine builds a run-state machine starting in Inactive.
func NewMachine(options ...Option) *Machine {
	machine := &Machine{
		state:   Inactive,
		tracer:  otel.Tracer("grh/runstate"),
		now:     time.Now,
		history: []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine
}

// Current returns the machine's current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsAlive reports whether the flowgraph is running. Every state other than
// Running answers false, including the reserved Paused and Stopped variants.
func (m *Machine) IsAlive() bool {
	return m.Current() == Running
}

// Transition validates and records one state transition.
func (m *Machine) Transition(ctx context.Context, to State, reason string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	_, span := m.tracer.Start(ctx, "runstate.transition")
	defer span.End()

	m.mu.Lock()
	from := m.state
	span.SetAttributes(
		attribute.String("from_state", string(from)),
		attribute.String("to_state", string(to)),
		attribute.String("reason", reason),
	)

	if !isAllowed(from, to) {
		m.mu.Unlock()
		err := &IllegalTransitionError{FromState: from, ToState: to}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		FromState: from,
		ToState:   to,
		Reason:    reason,
		Timestamp: m.now().UTC(),
	}
	m.state = to
	m.history = append(m.history, record)
	bus := m.bus
	m.mu.Unlock()

	if bus != nil {
		bus.Publish(events.Event{
			Type:       events.EventTypeStateTransition,
			EntityType: "runstate",
			EntityID:   string(to),
			Payload:    record,
			Severity:   events.SeverityInfo,
		})
	}

	span.SetStatus(codes.Ok, "run-state transition recorded")
	return nil
}

// EnsureRunning transitions to Running unless the machine already is.
func (m *Machine) EnsureRunning(ctx context.Context, reason string) error {
	if m.Current() == Running {
		return nil
	}
	return m.Transition(ctx, Running, reason)
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(from, to State) bool {
	nextStates, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = nextStates[to]
	return ok
}
