// Defines the Job struct that models an individual batch job in the simulation,
// and the registry tracking every job known to the core.

package sim

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/edc-sim/edc-sim/sim/machinerange"
)

// JobState represents the lifecycle state of a job.
//
//	submitted → running → completed | timed_out | killed
//	submitted → rejected
type JobState string

const (
	JobSubmitted JobState = "submitted"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobTimedOut  JobState = "timed_out"
	JobKilled    JobState = "killed"
	JobRejected  JobState = "rejected"
)

// Finished reports whether s is terminal.
func (s JobState) Finished() bool {
	switch s {
	case JobCompleted, JobTimedOut, JobKilled, JobRejected:
		return true
	}
	return false
}

// Job models a single job's lifecycle in the simulation.
type Job struct {
	ID       string  // Unique identifier, "workload!name"
	Subtime  float64 // Submission date
	Res      int     // Number of executors, i.e. machines requested
	Walltime float64 // Maximum run time; zero or negative means unlimited
	Profile  string  // Profile name within the workload
	Delay    float64 // Run time of the profile

	// Description is the JSON job description forwarded to components.
	Description json.RawMessage

	State      JobState
	StartTime  float64
	FinishTime float64
	Alloc      machinerange.Range
	Mapping    []int // executor i runs on Alloc.At(Mapping[i])
}

// Workload returns the workload part of the job ID.
func (j *Job) Workload() string {
	w, _, _ := SplitJobID(j.ID)
	return w
}

func (j Job) String() string {
	return fmt.Sprintf("Job: (ID: %s, State: %s, Res: %d, Subtime: %v)", j.ID, j.State, j.Res, j.Subtime)
}

// SplitJobID splits "workload!name" into its parts. ok is false when id has
// no workload part.
func SplitJobID(id string) (workload, name string, ok bool) {
	workload, name, ok = strings.Cut(id, "!")
	if !ok || workload == "" || name == "" {
		return "", id, false
	}
	return workload, name, true
}

// JobRegistry tracks jobs by ID, in insertion order.
type JobRegistry struct {
	jobs  map[string]*Job
	order []*Job
}

// NewJobRegistry creates an empty registry.
func NewJobRegistry() *JobRegistry {
	return &JobRegistry{jobs: make(map[string]*Job)}
}

// Add registers j. Duplicate IDs are an error.
func (r *JobRegistry) Add(j *Job) error {
	if _, dup := r.jobs[j.ID]; dup {
		return fmt.Errorf("job %q already exists", j.ID)
	}
	r.jobs[j.ID] = j
	r.order = append(r.order, j)
	return nil
}

// Get returns the job with the given ID.
func (r *JobRegistry) Get(id string) (*Job, bool) {
	j, ok := r.jobs[id]
	return j, ok
}

// Jobs returns every job in insertion order.
func (r *JobRegistry) Jobs() []*Job {
	out := make([]*Job, len(r.order))
	copy(out, r.order)
	return out
}

// Unfinished counts jobs not yet in a terminal state.
func (r *JobRegistry) Unfinished() int {
	n := 0
	for _, j := range r.order {
		if !j.State.Finished() {
			n++
		}
	}
	return n
}

// CountByState returns the number of jobs per state.
func (r *JobRegistry) CountByState() map[JobState]int {
	out := make(map[JobState]int)
	for _, j := range r.order {
		out[j.State]++
	}
	return out
}
