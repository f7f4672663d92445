package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/gr-harness/grh/internal/config"
	"github.com/gr-harness/grh/internal/doctor"
	"github.com/gr-harness/grh/internal/gym"
	"github.com/gr-harness/grh/internal/scenario"
)

func TestRootCommandWiring(t *testing.T) {
	cfg := config.Defaults()
	root := newRootCommand(&cfg, nil)

	if root.Use != "grh" {
		t.Errorf("root use = %q", root.Use)
	}
	for _, name := range []string{"run", "compile", "doctor"} {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
			}
		}
		if !found {
			t.Errorf("missing %q subcommand", name)
		}
	}
}

type scriptedEnv struct {
	resetErr  error
	rewards   []float64
	doneAfter int

	resets  int
	steps   int
	samples int
}

func (s *scriptedEnv) Reset(ctx context.Context) (scenario.Observation, error) {
	s.resets++
	s.steps = 0
	return scenario.Observation{0}, s.resetErr
}

func (s *scriptedEnv) Step(ctx context.Context, action any) (gym.StepResult, error) {
	s.steps++
	reward := 1.0
	if s.steps <= len(s.rewards) {
		reward = s.rewards[s.steps-1]
	}
	return gym.StepResult{
		Reward: reward,
		Done:   s.doneAfter > 0 && s.steps >= s.doneAfter,
	}, nil
}

func (s *scriptedEnv) SampleAction() any {
	s.samples++
	return 0
}

func newBufferedCommand() (*cobra.Command, *bytes.Buffer) {
	out := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	return cmd, out
}

func TestDriveEpisodesStopsOnDone(t *testing.T) {
	env := &scriptedEnv{rewards: []float64{2, 3}, doneAfter: 2}
	cmd, out := newBufferedCommand()

	if err := driveEpisodes(context.Background(), cmd, env, 1, 100); err != nil {
		t.Fatalf("driveEpisodes: %v", err)
	}
	if env.steps != 2 {
		t.Errorf("steps = %d, want 2 (done)", env.steps)
	}
	if !strings.Contains(out.String(), "episode 1: steps=2 reward=5.000") {
		t.Errorf("output = %q", out.String())
	}
}

func TestDriveEpisodesHonorsStepLimit(t *testing.T) {
	env := &scriptedEnv{}
	cmd, _ := newBufferedCommand()

	if err := driveEpisodes(context.Background(), cmd, env, 2, 5); err != nil {
		t.Fatalf("driveEpisodes: %v", err)
	}
	if env.resets != 2 {
		t.Errorf("resets = %d, want 2", env.resets)
	}
	if env.samples != 10 {
		t.Errorf("samples = %d, want 10 (5 per episode)", env.samples)
	}
}

func TestDriveEpisodesPropagatesResetError(t *testing.T) {
	resetErr := errors.New("flowgraph unreachable")
	env := &scriptedEnv{resetErr: resetErr}
	cmd, _ := newBufferedCommand()

	err := driveEpisodes(context.Background(), cmd, env, 1, 5)
	if !errors.Is(err, resetErr) {
		t.Fatalf("error = %v, want wrapped reset error", err)
	}
}

func TestFormatReport(t *testing.T) {
	report := doctor.Report{Findings: []doctor.Finding{
		{Name: "grcc", OK: true, Detail: "/usr/bin/grcc"},
		{Name: "python3", Detail: "not found on PATH"},
	}}

	formatted := formatReport(report)
	if !strings.Contains(formatted, "ok") || !strings.Contains(formatted, "/usr/bin/grcc") {
		t.Errorf("formatted = %q", formatted)
	}
	if !strings.Contains(formatted, "FAIL") || !strings.Contains(formatted, "not found on PATH") {
		t.Errorf("formatted = %q", formatted)
	}
}
