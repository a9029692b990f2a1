package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/edc-sim/edc-sim/sim"
	"github.com/edc-sim/edc-sim/sim/bridge"
	"github.com/edc-sim/edc-sim/sim/edc"
	"github.com/edc-sim/edc-sim/sim/jobstore"
	"github.com/edc-sim/edc-sim/sim/trace"
	"github.com/edc-sim/edc-sim/sim/workload"
)

// Result summarizes a finished run.
type Result struct {
	RunID          uuid.UUID            `json:"run_id"`
	EndTime        float64              `json:"end_time"`
	ConsumedEnergy float64              `json:"consumed_energy_joules"`
	Jobs           map[sim.JobState]int `json:"jobs"`
	Exchanges      int                  `json:"traced_exchanges"`
	Decisions      map[string]int       `json:"decisions"`
}

// Print writes the result as indented JSON under a header.
func (r *Result) Print(w io.Writer) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "=== Simulation Results ===\n%s\n", data)
	return err
}

// Simulate loads the workloads and decision components of cfg, runs the
// simulation to its end and writes the trace and metrics files it asks for.
// Components are always closed, whatever the outcome.
func Simulate(ctx context.Context, cfg *RunConfig, log logrus.FieldLogger) (res *Result, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Jobs submitted at the same date follow workload name order.
	names := make([]string, 0, len(cfg.Workloads))
	for name := range cfg.Workloads {
		names = append(names, name)
	}
	sort.Strings(names)
	var workloads []*workload.Workload
	for _, name := range names {
		w, err := workload.Load(name, cfg.Workloads[name])
		if err != nil {
			return nil, err
		}
		workloads = append(workloads, w)
	}
	static, err := workload.AllJobs(workloads)
	if err != nil {
		return nil, err
	}

	s := sim.NewSimulator(log)
	jobs := sim.NewJobRegistry()
	resources := sim.NewResourceRegistry(cfg.Platform.Machines, cfg.Platform.Power)
	server := sim.NewServer(s, jobs, resources, log)

	dt := trace.NewDecisionTrace(trace.TraceConfig{Level: cfg.Trace.Level})
	reg := prometheus.NewRegistry()
	metrics := bridge.NewMetrics(reg)

	var store jobstore.Store
	if cfg.JobStore != nil && cfg.JobStore.Redis != nil {
		redis := jobstore.NewRedis(*cfg.JobStore.Redis)
		if err := redis.Ping(ctx); err != nil {
			return nil, multierr.Append(err, redis.Close())
		}
		store = redis
		defer func() { err = multierr.Append(err, store.Close()) }()
	}

	bridges := make([]*bridge.Bridge, 0, len(cfg.Components))
	defer func() { err = multierr.Append(err, bridge.CloseAll(bridges)) }()
	count := uint8(len(cfg.Components))
	for i, comp := range cfg.Components {
		method, _ := edc.ParseLoadMethod(comp.LoadMethod)
		h, err := edc.Load(comp.Library, method, []byte(comp.Init), uint8(i), count,
			edc.WithABIConstraint(comp.ABI), edc.WithLogger(log))
		if err != nil {
			return nil, err
		}
		opts := []bridge.Option{bridge.WithTrace(dt), bridge.WithMetrics(metrics), bridge.WithLogger(log), bridge.WithContext(ctx)}
		if store != nil {
			opts = append(opts, bridge.WithJobStore(store))
		}
		bridges = append(bridges, bridge.New(h, server, opts...))
	}

	info := sim.SimulationInfo{Config: cfg.SimConfig, Workloads: workload.Files(workloads)}
	if err := server.Start(info, static); err != nil {
		return nil, err
	}
	if err := server.Run(); err != nil {
		return nil, fmt.Errorf("simulation failed at t=%v: %w", s.Clock, err)
	}

	if cfg.Trace.File != "" {
		if err := writeTrace(cfg.Trace.File, dt); err != nil {
			return nil, err
		}
	}
	if cfg.Metrics.Textfile != "" {
		if err := prometheus.WriteToTextfile(cfg.Metrics.Textfile, reg); err != nil {
			return nil, fmt.Errorf("writing metrics textfile: %w", err)
		}
	}

	summary := trace.Summarize(dt)
	return &Result{
		RunID:          dt.RunID,
		EndTime:        s.Clock,
		ConsumedEnergy: resources.ConsumedEnergy(s.Clock),
		Jobs:           jobs.CountByState(),
		Exchanges:      summary.TotalExchanges,
		Decisions:      summary.DecisionsPerType,
	}, nil
}

func writeTrace(path string, dt *trace.DecisionTrace) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating trace file: %w", err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	return dt.WriteJSON(f)
}
