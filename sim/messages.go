package sim

import "github.com/edc-sim/edc-sim/sim/machinerange"

// Messages delivered to ServerMailbox. Each carries the index of the
// decision component it originates from.

// ExecuteJobMessage starts a submitted job on Alloc.
type ExecuteJobMessage struct {
	Component int
	JobID     string
	Alloc     machinerange.Range
	Mapping   []int
}

// RejectJobMessage rejects a submitted job.
type RejectJobMessage struct {
	Component int
	JobID     string
}

// KillJobsMessage kills running jobs. Finished jobs are ignored.
type KillJobsMessage struct {
	Component int
	JobIDs    []string
}

// SetResourceStateMessage changes the state of machines.
type SetResourceStateMessage struct {
	Component int
	Resources machinerange.Range
	State     string
}

// WakeUpMessage asks for a decision point for Component, even if nothing
// happened since its last call.
type WakeUpMessage struct {
	Component int
}

// SubmitJobMessage registers a dynamically submitted job.
type SubmitJobMessage struct {
	Component   int
	Job         *Job
	Acknowledge bool
}

// SubmissionMessage opens (Open) or closes dynamic submission for Component.
type SubmissionMessage struct {
	Component int
	Open      bool
}

// EnergyQueryMessage asks for the energy consumed so far.
type EnergyQueryMessage struct {
	Component int
}
