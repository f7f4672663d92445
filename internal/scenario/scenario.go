package scenario

import "context"

// Kind discriminates space descriptors.
type Kind string

const (
	// KindBox is a bounded continuous space with a shape.
	KindBox Kind = "box"
	// KindDiscrete is a finite choice space with N alternatives.
	KindDiscrete Kind = "discrete"
)

// Space describes an action or observation space. Scenarios replace the
// descriptor wholesale across resets; callers must not mutate it in place.
type Space struct {
	Kind  Kind
	Shape []int
	Low   float64
	High  float64
	N     int
}

// Observation is one observation vector read from the flowgraph.
type Observation []float64

// Scenario translates between the episodic API and the flowgraph's native
// actions and observations. Implementations read and write flowgraph
// variables through the bridge; they never touch the process itself.
type Scenario interface {
	ActionSpace() Space
	ObservationSpace() Space

	// ExecuteActions applies the agent's action to the live flowgraph.
	ExecuteActions(ctx context.Context, action any) error

	// Reward, Done, and Info read the current external state without
	// mutating it.
	Reward(ctx context.Context) (float64, error)
	Done(ctx context.Context) (bool, error)
	Info(ctx context.Context) (string, error)

	// Observation samples the current observation vector.
	Observation(ctx context.Context) (Observation, error)

	// SimChannel runs one channel-simulation sub-step.
	SimChannel(ctx context.Context) error

	// Reset clears scenario state. It is called both before the bridge is
	// connected (local state only) and after (may touch the flowgraph).
	Reset(ctx context.Context) error
}
