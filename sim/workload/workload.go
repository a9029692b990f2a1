// Package workload loads static workloads and decodes the job and profile
// descriptions of dynamically submitted jobs.
//
// A workload is a JSON (or YAML) document:
//
//	{
//	  "nb_res": 4,
//	  "jobs": [{"id": 1, "subtime": 0, "res": 2, "walltime": 100, "profile": "p10"}],
//	  "profiles": {"p10": {"type": "delay", "delay": 10}}
//	}
//
// Jobs are identified in the simulation as "<workload>!<id>".
package workload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/edc-sim/edc-sim/sim"
)

// ProfileDelay is the only supported profile type: the job runs for a fixed
// duration, whatever its allocation.
const ProfileDelay = "delay"

// Workload is a static set of jobs and the profiles they run.
type Workload struct {
	Name string `yaml:"-" json:"-"`
	Path string `yaml:"-" json:"-"`

	NbRes       int                `yaml:"nb_res" json:"nb_res"`
	Description string             `yaml:"description,omitempty" json:"description,omitempty"`
	Command     string             `yaml:"command,omitempty" json:"command,omitempty"`
	Date        string             `yaml:"date,omitempty" json:"date,omitempty"`
	Jobs        []JobSpec          `yaml:"jobs" json:"jobs"`
	Profiles    map[string]Profile `yaml:"profiles" json:"profiles"`
}

// JobSpec describes one job of a workload.
type JobSpec struct {
	ID       JobName  `yaml:"id" json:"id"`
	Subtime  float64  `yaml:"subtime" json:"subtime"`
	Res      int      `yaml:"res" json:"res"`
	Walltime *float64 `yaml:"walltime,omitempty" json:"walltime,omitempty"` // nil or ≤ 0: unlimited
	Profile  string   `yaml:"profile" json:"profile"`
}

// Profile describes what a job does once started.
type Profile struct {
	Type  string  `yaml:"type" json:"type"`
	Delay float64 `yaml:"delay" json:"delay"`
}

// JobName is a job identifier within its workload. Workload files write it
// either as a number or as a string.
type JobName string

func (n *JobName) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*n = JobName(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("job id must be a string or a number, got %s", data)
	}
	*n = JobName(num.String())
	return nil
}

func (n *JobName) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: job id must be a scalar", node.Line)
	}
	*n = JobName(node.Value)
	return nil
}

// Load reads and validates the workload at path. name becomes the workload
// part of every job ID.
func Load(name, path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workload %q: %w", name, err)
	}
	w, err := Parse(name, data)
	if err != nil {
		return nil, err
	}
	w.Path = path
	return w, nil
}

// Parse decodes and validates a workload. Documents starting with '{' are
// decoded as JSON, anything else as YAML. Unknown fields are an error in both.
func Parse(name string, data []byte) (*Workload, error) {
	var w Workload
	if err := decodeStrict(data, &w); err != nil {
		return nil, fmt.Errorf("parsing workload %q: %w", name, err)
	}
	w.Name = name
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workload %q: %w", name, err)
	}
	return &w, nil
}

func decodeStrict(data []byte, out any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(out); err != nil {
			return err
		}
		if dec.More() {
			return fmt.Errorf("trailing data after JSON document")
		}
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(out)
}

// Validate checks names, dates, sizes and profile references.
func (w *Workload) Validate() error {
	if w.Name == "" || strings.Contains(w.Name, "!") {
		return fmt.Errorf("workload name %q must be non-empty and must not contain '!'", w.Name)
	}
	if w.NbRes < 0 {
		return fmt.Errorf("nb_res must be non-negative, got %d", w.NbRes)
	}
	for name, p := range w.Profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profile %q: %w", name, err)
		}
	}
	seen := make(map[JobName]bool, len(w.Jobs))
	for i, j := range w.Jobs {
		if seen[j.ID] {
			return fmt.Errorf("jobs[%d]: duplicate id %q", i, j.ID)
		}
		seen[j.ID] = true
		if err := j.Validate(); err != nil {
			return fmt.Errorf("jobs[%d]: %w", i, err)
		}
		if w.NbRes > 0 && j.Res > w.NbRes {
			return fmt.Errorf("jobs[%d]: res %d exceeds nb_res %d", i, j.Res, w.NbRes)
		}
		if _, ok := w.Profiles[j.Profile]; !ok {
			return fmt.Errorf("jobs[%d]: unknown profile %q", i, j.Profile)
		}
	}
	return nil
}

// Validate checks a single job description.
func (j JobSpec) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("missing job id")
	}
	if math.IsNaN(j.Subtime) || math.IsInf(j.Subtime, 0) || j.Subtime < 0 {
		return fmt.Errorf("job %q: subtime must be a non-negative number, got %v", j.ID, j.Subtime)
	}
	if j.Res < 1 {
		return fmt.Errorf("job %q: res must be at least 1, got %d", j.ID, j.Res)
	}
	if j.Walltime != nil && math.IsNaN(*j.Walltime) {
		return fmt.Errorf("job %q: walltime is NaN", j.ID)
	}
	if j.Profile == "" {
		return fmt.Errorf("job %q: missing profile", j.ID)
	}
	return nil
}

// Validate checks the profile type and its parameters.
func (p Profile) Validate() error {
	if p.Type != ProfileDelay {
		return fmt.Errorf("unsupported profile type %q (only %q)", p.Type, ProfileDelay)
	}
	if math.IsNaN(p.Delay) || math.IsInf(p.Delay, 0) || p.Delay < 0 {
		return fmt.Errorf("delay must be a non-negative number, got %v", p.Delay)
	}
	return nil
}

// Build returns the simulation jobs of w, in file order.
func (w *Workload) Build() ([]*sim.Job, error) {
	jobs := make([]*sim.Job, 0, len(w.Jobs))
	for _, spec := range w.Jobs {
		job, err := NewJob(w.Name+"!"+string(spec.ID), spec, w.Profiles[spec.Profile])
		if err != nil {
			return nil, err
		}
		job.Subtime = spec.Subtime
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// NewJob creates the simulation job id running profile p. The job's
// Description is the JSON forwarded to decision components in JOB_SUBMITTED.
func NewJob(id string, spec JobSpec, p Profile) (*sim.Job, error) {
	if _, _, ok := sim.SplitJobID(id); !ok {
		return nil, fmt.Errorf("job id %q is not of the form workload!name", id)
	}
	walltime := 0.0
	if spec.Walltime != nil && *spec.Walltime > 0 {
		walltime = *spec.Walltime
	}
	desc, err := json.Marshal(jobDescription{
		ID:       id,
		Subtime:  spec.Subtime,
		Res:      spec.Res,
		Walltime: walltime,
		Profile:  spec.Profile,
	})
	if err != nil {
		return nil, fmt.Errorf("describing job %q: %w", id, err)
	}
	return &sim.Job{
		ID:          id,
		Subtime:     spec.Subtime,
		Res:         spec.Res,
		Walltime:    walltime,
		Profile:     spec.Profile,
		Delay:       p.Delay,
		Description: desc,
	}, nil
}

type jobDescription struct {
	ID       string  `json:"id"`
	Subtime  float64 `json:"subtime"`
	Res      int     `json:"res"`
	Walltime float64 `json:"walltime,omitempty"`
	Profile  string  `json:"profile"`
}

// Files maps workload names to their paths, as announced in SIMULATION_BEGINS.
func Files(ws []*Workload) map[string]string {
	out := make(map[string]string, len(ws))
	for _, w := range ws {
		out[w.Name] = w.Path
	}
	return out
}

// AllJobs builds the jobs of every workload, sorted by submission date.
// Workload names must be unique.
func AllJobs(ws []*Workload) ([]*sim.Job, error) {
	seen := make(map[string]bool, len(ws))
	var all []*sim.Job
	for _, w := range ws {
		if seen[w.Name] {
			return nil, fmt.Errorf("workload %q loaded twice", w.Name)
		}
		seen[w.Name] = true
		jobs, err := w.Build()
		if err != nil {
			return nil, err
		}
		all = append(all, jobs...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Subtime < all[j].Subtime })
	return all, nil
}
