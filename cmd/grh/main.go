package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/gr-harness/grh/internal/bridge"
	"github.com/gr-harness/grh/internal/config"
	"github.com/gr-harness/grh/internal/doctor"
	"github.com/gr-harness/grh/internal/events"
	"github.com/gr-harness/grh/internal/gym"
	"github.com/gr-harness/grh/internal/logging"
	"github.com/gr-harness/grh/internal/runstate"
	"github.com/gr-harness/grh/internal/scenario"
	"github.com/gr-harness/grh/internal/supervisor"
	"github.com/gr-harness/grh/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New()
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	cmd := newRootCommand(cfg, logger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var otelEndpoint string

	root := &cobra.Command{
		Use:           "grh",
		Short:         "GNU Radio episodic control harness",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP trace collector endpoint")

	root.AddCommand(
		newRunCommand(cfg, logger),
		newCompileCommand(cfg, logger),
		newDoctorCommand(),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		if otelEndpoint != "" {
			telemetry.SetEndpointOverride(otelEndpoint)
		}
		if logger != nil {
			logger.With("command", cmd.Name()).Debug("command invocation")
		}
		return nil
	}

	return root
}

func newRunCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var (
		episodes int
		maxSteps int
		seed     int64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive episodes against the flowgraph with a random agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			shutdownTelemetry, err := telemetry.Init(ctx)
			if err != nil {
				return fmt.Errorf("initialize telemetry: %w", err)
			}
			defer shutdownTelemetry()

			bus := events.New()
			client := bridge.NewClient(cfg.RPCAddr())
			env, err := gym.New(ctx, cfg,
				gym.WithBridge(client),
				gym.WithLogger(logger),
				gym.WithBus(bus),
				gym.WithMessageWriter(cmd.OutOrStdout()),
			)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := env.Close(); closeErr != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "close environment: %v\n", closeErr)
				}
			}()

			if seed != 0 {
				env.Seed(seed)
			}

			heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
			defer stopHeartbeat()
			heartbeat := doctor.NewManager(env.Pid, client,
				doctor.WithLogger(logger), doctor.WithBus(bus))
			go heartbeat.Run(heartbeatCtx)

			return driveEpisodes(ctx, cmd, env, episodes, maxSteps)
		},
	}

	cmd.Flags().IntVarP(&episodes, "episodes", "n", 1, "number of episodes to run")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 100, "step limit per episode")
	cmd.Flags().Int64Var(&seed, "seed", 0, "action sampler seed (0 keeps the default)")
	return cmd
}

// agent is the slice of the environment the episode loop drives.
type agent interface {
	Reset(ctx context.Context) (scenario.Observation, error)
	Step(ctx context.Context, action any) (gym.StepResult, error)
	SampleAction() any
}

func driveEpisodes(ctx context.Context, cmd *cobra.Command, env agent, episodes, maxSteps int) error {
	for episode := 1; episode <= episodes; episode++ {
		if _, err := env.Reset(ctx); err != nil {
			return fmt.Errorf("episode %d reset: %w", episode, err)
		}

		total := 0.0
		steps := 0
		for steps < maxSteps {
			result, err := env.Step(ctx, env.SampleAction())
			if err != nil {
				return fmt.Errorf("episode %d step %d: %w", episode, steps+1, err)
			}
			total += result.Reward
			steps++
			if result.Done {
				break
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "episode %d: steps=%d reward=%.3f\n", episode, steps, total)
	}
	return nil
}

func newCompileCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "compile",
		Short: "Compile the configured flowgraph without running it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			workingDir, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve working directory: %w", err)
			}

			options := []supervisor.Option{}
			if logger != nil {
				options = append(options, supervisor.WithLogger(logger))
			}
			super, err := supervisor.New(runstate.NewMachine(), options...)
			if err != nil {
				return err
			}

			programsDir := cfg.ProgramsPath(workingDir)
			if err := super.Compile(cmd.Context(), programsDir, cfg.ProgramName); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compiled %s\n", cfg.ProgramName)
			return nil
		},
	}
}

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check flowgraph toolchain and configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			workingDir, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve working directory: %w", err)
			}

			report := doctor.Check(workingDir)
			fmt.Fprint(cmd.OutOrStdout(), formatReport(report))
			if !report.OK() {
				return errors.New("environment check failed")
			}
			return nil
		},
	}
}

func formatReport(report doctor.Report) string {
	var b strings.Builder
	for _, finding := range report.Findings {
		mark := "ok"
		if !finding.OK {
			mark = "FAIL"
		}
		fmt.Fprintf(&b, "%-4s %-8s %s\n", mark, finding.Name, finding.Detail)
	}
	return b.String()
}
