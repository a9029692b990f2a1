package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/edc-sim/edc-sim/sim"
	"github.com/edc-sim/edc-sim/sim/edc"
	"github.com/edc-sim/edc-sim/sim/jobstore"
	"github.com/edc-sim/edc-sim/sim/trace"
)

// maxComponents is the largest component count init can be told about.
const maxComponents = 255

// RunConfig is the YAML run configuration given with --config.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type RunConfig struct {
	Platform   PlatformConfig    `yaml:"platform"`
	Components []ComponentConfig `yaml:"components"`
	Workloads  map[string]string `yaml:"workloads"`  // workload name → file
	SimConfig  string            `yaml:"sim_config"` // JSON object forwarded in SIMULATION_BEGINS
	JobStore   *JobStoreConfig   `yaml:"job_store,omitempty"`
	Trace      TraceFileConfig   `yaml:"trace"`
	Metrics    MetricsConfig     `yaml:"metrics"`
}

// PlatformConfig describes the simulated machines.
type PlatformConfig struct {
	Machines int            `yaml:"machines"`
	Power    sim.PowerModel `yaml:"power"`
}

// ComponentConfig describes one decision component.
type ComponentConfig struct {
	Library    string `yaml:"library"`
	LoadMethod string `yaml:"load_method"`
	Init       string `yaml:"init"` // opaque payload passed to batsim_edc_init
	ABI        string `yaml:"abi"`  // semver constraint on the host ABI, e.g. "^1.0"
}

// JobStoreConfig selects where out-of-band job descriptions are read from.
type JobStoreConfig struct {
	Redis *jobstore.RedisOptions `yaml:"redis,omitempty"`
}

// TraceFileConfig controls the decision trace.
type TraceFileConfig struct {
	File  string           `yaml:"file"`
	Level trace.TraceLevel `yaml:"level"`
}

// MetricsConfig controls the Prometheus textfile written at the end of a run.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// LoadRunConfig reads a run configuration with strict field checking:
// typos must cause errors.
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run config: %w", err)
	}
	var cfg RunConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing run config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the configuration before anything is loaded.
func (c *RunConfig) Validate() error {
	if c.Platform.Machines <= 0 {
		return fmt.Errorf("platform.machines must be positive, got %d", c.Platform.Machines)
	}
	if len(c.Components) == 0 {
		return fmt.Errorf("at least one decision component is required")
	}
	if len(c.Components) > maxComponents {
		return fmt.Errorf("at most %d decision components are supported, got %d", maxComponents, len(c.Components))
	}
	shared := 0
	for i, comp := range c.Components {
		if comp.Library == "" {
			return fmt.Errorf("components[%d]: missing library", i)
		}
		method, err := edc.ParseLoadMethod(comp.LoadMethod)
		if err != nil {
			return fmt.Errorf("components[%d]: %w", i, err)
		}
		if method == edc.Shared {
			shared++
		}
	}
	// Components loaded with dlopen share their global state.
	if shared > 1 {
		return fmt.Errorf("%d components use load method %q; at most one can", shared, edc.Shared)
	}
	if c.SimConfig != "" && !json.Valid([]byte(c.SimConfig)) {
		return fmt.Errorf("sim_config is not valid JSON")
	}
	if !trace.IsValidTraceLevel(string(c.Trace.Level)) {
		return fmt.Errorf("unknown trace level %q; valid: none, decisions, messages", c.Trace.Level)
	}
	if c.Trace.File != "" && (c.Trace.Level == "" || c.Trace.Level == trace.TraceLevelNone) {
		return fmt.Errorf("trace.file is set but trace.level is %q", c.Trace.Level)
	}
	if c.JobStore != nil && c.JobStore.Redis != nil && c.JobStore.Redis.Addr == "" {
		return fmt.Errorf("job_store.redis.addr is required")
	}
	return nil
}
