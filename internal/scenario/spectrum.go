package scenario

import (
	"context"
	"fmt"

	"github.com/gr-harness/grh/internal/bridge"
	"github.com/gr-harness/grh/internal/config"
)

func init() {
	Register("spectrum", func(b bridge.Bridge, cfg *config.Config) (Scenario, error) {
		return NewSpectrum(b)
	})
}

// spectrumGains are the transmit gain levels (dB) selectable by a discrete
// action. The action value is an index into this table.
var spectrumGains = []float64{0, 5, 10, 15, 20, 25, 30}

const (
	// spectrumBins is the length of the power observation vector exposed
	// by the flowgraph's probe.
	spectrumBins = 64

	// spectrumDoneSNR ends the episode once the measured SNR reaches it.
	spectrumDoneSNR = 20.0
)

// Spectrum drives a spectrum-sensing flowgraph: the agent picks a transmit
// gain, the flowgraph reports per-bin power and an SNR estimate, and the
// episode ends once the SNR clears a threshold.
type Spectrum struct {
	bridge bridge.Bridge

	steps     int
	lastGain  float64
	noiseSeed int64
}

// NewSpectrum builds the scenario against an established bridge.
func NewSpectrum(b bridge.Bridge) (*Spectrum, error) {
	if b == nil {
		return nil, fmt.Errorf("spectrum scenario requires a bridge")
	}
	return &Spectrum{bridge: b, lastGain: spectrumGains[0]}, nil
}

// ActionSpace is a discrete choice over the gain table.
func (s *Spectrum) ActionSpace() Space {
	return Space{Kind: KindDiscrete, N: len(spectrumGains)}
}

// ObservationSpace is a box of per-bin power readings in dBFS.
func (s *Spectrum) ObservationSpace() Space {
	return Space{Kind: KindBox, Shape: []int{spectrumBins}, Low: -120, High: 0}
}

// ExecuteActions writes the selected gain to the flowgraph. The action is a
// table index; integer and float encodings are both accepted since agents
// commonly hand back either.
func (s *Spectrum) ExecuteActions(ctx context.Context, action any) error {
	index, err := actionIndex(action)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(spectrumGains) {
		return fmt.Errorf("gain action %d out of range [0,%d)", index, len(spectrumGains))
	}

	gain := spectrumGains[index]
	if err := s.bridge.Call(ctx, "set_gain", gain, nil); err != nil {
		return fmt.Errorf("set gain %v: %w", gain, err)
	}
	s.lastGain = gain
	s.steps++
	return nil
}

// Reward is the flowgraph's current SNR estimate in dB.
func (s *Spectrum) Reward(ctx context.Context) (float64, error) {
	var snr float64
	if err := s.bridge.Call(ctx, "get_snr", nil, &snr); err != nil {
		return 0, fmt.Errorf("read snr: %w", err)
	}
	return snr, nil
}

// Done reports whether the SNR threshold has been reached.
func (s *Spectrum) Done(ctx context.Context) (bool, error) {
	snr, err := s.Reward(ctx)
	if err != nil {
		return false, err
	}
	return snr >= spectrumDoneSNR, nil
}

// Info summarizes the step for the agent's logs.
func (s *Spectrum) Info(ctx context.Context) (string, error) {
	return fmt.Sprintf("step=%d gain=%v", s.steps, s.lastGain), nil
}

// Observation reads the per-bin power vector.
func (s *Spectrum) Observation(ctx context.Context) (Observation, error) {
	var power []float64
	if err := s.bridge.Call(ctx, "get_power", nil, &power); err != nil {
		return nil, fmt.Errorf("read power vector: %w", err)
	}
	return Observation(power), nil
}

// SimChannel advances the flowgraph's noise source to a fresh seed so the
// next observation sees a new channel realization.
func (s *Spectrum) SimChannel(ctx context.Context) error {
	s.noiseSeed++
	if err := s.bridge.Call(ctx, "set_noise_seed", s.noiseSeed, nil); err != nil {
		return fmt.Errorf("advance channel seed %d: %w", s.noiseSeed, err)
	}
	return nil
}

// Reset clears local episode state. It issues no remote calls so it is safe
// to run before the bridge is connected.
func (s *Spectrum) Reset(ctx context.Context) error {
	s.steps = 0
	s.lastGain = spectrumGains[0]
	return nil
}

func actionIndex(action any) (int, error) {
	switch v := action.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float32:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("unsupported action type %T", action)
	}
}
