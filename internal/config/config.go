package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultRPCHost         = "localhost"
	defaultRPCPort         = 8080
	defaultScenario        = "spectrum"
	defaultStepTime        = 500 * time.Millisecond
	defaultSimTime         = time.Second
	defaultConnectBackoff  = 10 * time.Second
	defaultProgramName     = "spectrum_sense"
	defaultProgramsDirName = "programs"

	// RootMarker is the directory entry that identifies the repository root.
	RootMarker = ".git"
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	// RPCHost and RPCPort locate the flowgraph's XML-RPC control server.
	RPCHost string
	RPCPort int

	// Scenario names the registered scenario driving the episodic API.
	Scenario string

	// CompileAndExecute makes the harness compile the flowgraph and start
	// the process itself. When false a remote operator starts it.
	CompileAndExecute bool

	// EventBased disables the fixed settle sleeps between step phases.
	EventBased bool

	// StepTime is the settle wait after an action is applied.
	StepTime time.Duration

	// SimTime is the settle wait after a channel-simulation sub-step.
	SimTime time.Duration

	// SimulateChannel enables the channel-simulation sub-step.
	SimulateChannel bool

	// ConnectBackoff is the fixed wait between bridge connect attempts.
	ConnectBackoff time.Duration

	// ProgramName is the flowgraph name without the .grc/.py extension.
	ProgramName string

	// ProgramsDir is the flowgraph directory, relative to the repo root.
	ProgramsDir string
}

type fileConfig struct {
	RPCHost           *string `toml:"rpc_host"`
	RPCPort           *int    `toml:"rpc_port"`
	Scenario          *string `toml:"scenario"`
	CompileAndExecute *bool   `toml:"compile_and_execute"`
	EventBased        *bool   `toml:"event_based"`
	StepTime          *string `toml:"step_time"`
	SimTime           *string `toml:"sim_time"`
	SimulateChannel   *bool   `toml:"simulate_channel"`
	ConnectBackoff    *string `toml:"connect_backoff"`
	ProgramName       *string `toml:"program_name"`
	ProgramsDir       *string `toml:"programs_dir"`
}

// Load reads config from ~/.grh/config.toml and overlays a project-local .grh/config.toml.
func Load() (*Config, error) {
	cfg := Defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".grh", "config.toml"),
		filepath.Join(RootDir(workingDir), ".grh", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults returns the built-in configuration values.
func Defaults() Config {
	return Config{
		RPCHost:           defaultRPCHost,
		RPCPort:           defaultRPCPort,
		Scenario:          defaultScenario,
		CompileAndExecute: true,
		EventBased:        false,
		StepTime:          defaultStepTime,
		SimTime:           defaultSimTime,
		SimulateChannel:   false,
		ConnectBackoff:    defaultConnectBackoff,
		ProgramName:       defaultProgramName,
		ProgramsDir:       defaultProgramsDirName,
	}
}

// RootDir walks up from start looking for the repository root marker.
// When no marker is found it returns start unchanged.
func RootDir(start string) string {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, RootMarker)); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return start
		}
		dir = parent
	}
}

// ProgramsPath resolves the flowgraph directory against the repository root.
func (c *Config) ProgramsPath(workingDir string) string {
	if filepath.IsAbs(c.ProgramsDir) {
		return c.ProgramsDir
	}
	return filepath.Join(RootDir(workingDir), c.ProgramsDir)
}

// RPCAddr returns the host:port address of the control server.
func (c *Config) RPCAddr() string {
	return fmt.Sprintf("%s:%d", c.RPCHost, c.RPCPort)
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	applyScalarOverrides(cfg, decoded)
	return applyDurationOverrides(cfg, decoded, path)
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.RPCHost != nil {
		cfg.RPCHost = *decoded.RPCHost
	}
	if decoded.RPCPort != nil {
		cfg.RPCPort = *decoded.RPCPort
	}
	if decoded.Scenario != nil {
		cfg.Scenario = *decoded.Scenario
	}
	if decoded.CompileAndExecute != nil {
		cfg.CompileAndExecute = *decoded.CompileAndExecute
	}
	if decoded.EventBased != nil {
		cfg.EventBased = *decoded.EventBased
	}
	if decoded.SimulateChannel != nil {
		cfg.SimulateChannel = *decoded.SimulateChannel
	}
	if decoded.ProgramName != nil {
		cfg.ProgramName = *decoded.ProgramName
	}
	if decoded.ProgramsDir != nil {
		cfg.ProgramsDir = *decoded.ProgramsDir
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.StepTime != nil {
		value, err := parseDuration(*decoded.StepTime, "step_time", path)
		if err != nil {
			return err
		}
		cfg.StepTime = value
	}
	if decoded.SimTime != nil {
		value, err := parseDuration(*decoded.SimTime, "sim_time", path)
		if err != nil {
			return err
		}
		cfg.SimTime = value
	}
	if decoded.ConnectBackoff != nil {
		value, err := parseDuration(*decoded.ConnectBackoff, "connect_backoff", path)
		if err != nil {
			return err
		}
		cfg.ConnectBackoff = value
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func (c *Config) validate() error {
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port %d out of range", c.RPCPort)
	}
	if c.Scenario == "" {
		return errors.New("scenario must not be empty")
	}
	if c.ProgramName == "" {
		return errors.New("program_name must not be empty")
	}
	if c.StepTime < 0 || c.SimTime < 0 || c.ConnectBackoff < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}
