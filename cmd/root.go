package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/edc-sim/edc-sim/sim/jobstore"
	"github.com/edc-sim/edc-sim/sim/trace"
)

var (
	// CLI flags for the run command; given flags override --config
	configPath      string            // YAML run configuration
	logLevel        string            // Log verbosity level
	machines        int               // Number of simulated machines
	workloadFiles   map[string]string // Workload name → file
	edcLibraries    []string          // Decision component binaries, in index order
	edcLoadMethod   string            // Load method for --edc-library components
	edcInit         string            // Init payload for --edc-library components
	edcABI          string            // ABI constraint for --edc-library components
	simConfig       string            // JSON object forwarded in SIMULATION_BEGINS
	traceFile       string            // Decision trace output file
	traceLevel      string            // Decision trace verbosity
	metricsTextfile string            // Prometheus textfile output
	redisAddr       string            // Redis job store address
	redisPrefix     string            // Redis job store key prefix
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "edc-sim",
	Short: "Discrete-event job scheduling simulator driven by external decision components",
}

// runCmd executes the simulation using parameters from --config and CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg := &RunConfig{}
		if configPath != "" {
			if cfg, err = LoadRunConfig(configPath); err != nil {
				logrus.Fatalf("%v", err)
			}
		}
		applyRunFlags(cmd, cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		logrus.Infof("Starting simulation with %d machines, %d decision components, %d workloads",
			cfg.Platform.Machines, len(cfg.Components), len(cfg.Workloads))
		result, err := Simulate(ctx, cfg, logrus.StandardLogger())
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if err := result.Print(os.Stdout); err != nil {
			logrus.Fatalf("Writing results: %v", err)
		}
		logrus.Info("Simulation complete.")
	},
}

// applyRunFlags overrides cfg with the flags given on the command line.
// Flag defaults never override the configuration file.
func applyRunFlags(cmd *cobra.Command, cfg *RunConfig) {
	flags := cmd.Flags()
	if flags.Changed("machines") || cfg.Platform.Machines == 0 {
		cfg.Platform.Machines = machines
	}
	if flags.Changed("workload") {
		if cfg.Workloads == nil {
			cfg.Workloads = make(map[string]string)
		}
		for name, path := range workloadFiles {
			cfg.Workloads[name] = path
		}
	}
	for _, lib := range edcLibraries {
		cfg.Components = append(cfg.Components, ComponentConfig{
			Library:    lib,
			LoadMethod: edcLoadMethod,
			Init:       edcInit,
			ABI:        edcABI,
		})
	}
	if flags.Changed("sim-config") {
		cfg.SimConfig = simConfig
	}
	if flags.Changed("trace-file") {
		cfg.Trace.File = traceFile
	}
	if flags.Changed("trace-level") {
		cfg.Trace.Level = trace.TraceLevel(traceLevel)
	}
	if cfg.Trace.File != "" && cfg.Trace.Level == "" {
		cfg.Trace.Level = trace.TraceLevelDecisions
	}
	if flags.Changed("metrics-textfile") {
		cfg.Metrics.Textfile = metricsTextfile
	}
	if flags.Changed("redis-addr") {
		cfg.JobStore = &JobStoreConfig{Redis: &jobstore.RedisOptions{Addr: redisAddr, Prefix: redisPrefix}}
	}
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// registerRunFlags binds the run flags of cmd to the package flag variables
// and resets them to their defaults.
func registerRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&configPath, "config", "", "YAML run configuration")
	cmd.Flags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	cmd.Flags().IntVar(&machines, "machines", 1, "Number of simulated machines")
	cmd.Flags().StringToStringVar(&workloadFiles, "workload", nil, "Workload as name=file (can be repeated)")

	// Decision components
	cmd.Flags().StringArrayVar(&edcLibraries, "edc-library", nil, "Decision component binary (can be repeated; index follows order)")
	cmd.Flags().StringVar(&edcLoadMethod, "edc-load-method", "dlmopen", "Load method for --edc-library: dlmopen, dlopen or wasm")
	cmd.Flags().StringVar(&edcInit, "edc-init", "", "Init payload passed to every --edc-library component")
	cmd.Flags().StringVar(&edcABI, "edc-abi", "", "Semver constraint the host ABI must satisfy, e.g. ^1.0")
	cmd.Flags().StringVar(&simConfig, "sim-config", "", "JSON object forwarded to components in SIMULATION_BEGINS")

	// Outputs
	cmd.Flags().StringVar(&traceFile, "trace-file", "", "Write the decision trace to this file")
	cmd.Flags().StringVar(&traceLevel, "trace-level", "", "Decision trace level (none, decisions, messages)")
	cmd.Flags().StringVar(&metricsTextfile, "metrics-textfile", "", "Write Prometheus metrics to this file at the end of the run")

	// Out-of-band job store
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis address of the out-of-band job store")
	cmd.Flags().StringVar(&redisPrefix, "redis-prefix", jobstore.DefaultRedisPrefix, "Key prefix of the out-of-band job store")
}

// init sets up CLI flags and subcommands
func init() {
	registerRunFlags(runCmd)

	// Attach `run` as a subcommand to `root`
	rootCmd.AddCommand(runCmd)
}
