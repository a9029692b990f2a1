package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/edc-sim/edc-sim/sim/machinerange"
)

// EventType enumerates the closed set of protocol events.
type EventType int

const (
	// Scheduler → core.
	EventNop EventType = iota
	EventSubmitJob
	EventExecuteJob
	EventRejectJob
	EventKillJob
	EventSetResourceState
	EventCallMeLater
	EventSubmitterMaySubmitJobs
	EventSchedulerFinishedSubmittingJobs
	EventQueryRequest

	// Core → scheduler.
	EventSimulationBegins
	EventSimulationEnds
	EventJobSubmitted
	EventJobCompleted
	EventJobKilled
	EventResourceStateChanged
	EventQueryReply
)

var eventTypeNames = map[EventType]string{
	EventNop:                             "NOP",
	EventSubmitJob:                       "SUBMIT_JOB",
	EventExecuteJob:                      "EXECUTE_JOB",
	EventRejectJob:                       "REJECT_JOB",
	EventKillJob:                         "KILL_JOB",
	EventSetResourceState:                "SET_RESOURCE_STATE",
	EventCallMeLater:                     "CALL_ME_LATER",
	EventSubmitterMaySubmitJobs:          "SUBMITTER_MAY_SUBMIT_JOBS",
	EventSchedulerFinishedSubmittingJobs: "SCHEDULER_FINISHED_SUBMITTING_JOBS",
	EventQueryRequest:                    "QUERY_REQUEST",
	EventSimulationBegins:                "SIMULATION_BEGINS",
	EventSimulationEnds:                  "SIMULATION_ENDS",
	EventJobSubmitted:                    "JOB_SUBMITTED",
	EventJobCompleted:                    "JOB_COMPLETED",
	EventJobKilled:                       "JOB_KILLED",
	EventResourceStateChanged:            "RESOURCE_STATE_CHANGED",
	EventQueryReply:                      "QUERY_REPLY",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// FromScheduler reports whether events of this type flow from a decision
// component to the simulation core.
func (t EventType) FromScheduler() bool {
	return t >= EventNop && t <= EventQueryRequest
}

// Wire type tags. The two submission notifications share the NOTIFY tag and
// are told apart by data.type.
const (
	wireNotify = "NOTIFY"

	notifyContinueSubmission = "continue_submission"
	notifySubmissionFinished = "submission_finished"
)

// JobStatus is the final status reported by JOB_COMPLETED.
type JobStatus string

const (
	StatusSuccess JobStatus = "SUCCESS"
	StatusTimeout JobStatus = "TIMEOUT"
)

// IsAcceptedStatus reports whether s may be carried by JOB_COMPLETED.
func IsAcceptedStatus(s JobStatus) bool {
	return s == StatusSuccess || s == StatusTimeout
}

// QueryKind names a QUERY_REQUEST request.
type QueryKind string

const (
	QueryConsumedEnergy QueryKind = "consumed_energy"
)

// IsAcceptedQuery reports whether k is a supported QUERY_REQUEST kind.
func IsAcceptedQuery(k QueryKind) bool {
	return k == QueryConsumedEnergy
}

// Payload is the type-specific content of an Event.
// The set of implementations is closed: only the types in this file satisfy it.
type Payload interface {
	eventType() EventType
}

// Event is a single typed, timestamped protocol unit.
type Event struct {
	Timestamp float64
	Data      Payload
}

// Type returns the event's type tag.
func (e Event) Type() EventType { return e.Data.eventType() }

// Message is one timestamped batch of events.
type Message struct {
	Now    float64
	Events []Event
}

// Nop is a bidirectional no-op. The core sends it to wake a component that
// asked to be called later.
type Nop struct{}

// SubmitJob asks the core to register a new job. Job and Profile are raw JSON
// descriptions; both are nil when the descriptions travel out of band.
type SubmitJob struct {
	JobID       string
	Job         json.RawMessage
	Profile     json.RawMessage
	Acknowledge bool
}

// ExecuteJob starts a job on Alloc. Mapping is an optional comma-separated
// list giving, for each executor, the index of its machine within Alloc.
type ExecuteJob struct {
	JobID   string
	Alloc   machinerange.Range
	Mapping string
}

// RejectJob rejects a submitted job.
type RejectJob struct {
	JobID string
}

// KillJob kills running jobs.
type KillJob struct {
	JobIDs []string
}

// SetResourceState moves machines into an opaque state.
type SetResourceState struct {
	Resources machinerange.Range
	State     string
}

// CallMeLater asks the core to wake the component at FutureDate.
type CallMeLater struct {
	FutureDate float64
}

// SubmitterMaySubmitJobs announces that the component may submit jobs
// dynamically; the simulation does not end while it holds this right.
type SubmitterMaySubmitJobs struct{}

// SchedulerFinishedSubmittingJobs releases the dynamic submission right.
type SchedulerFinishedSubmittingJobs struct{}

// QueryRequest asks the core for information.
type QueryRequest struct {
	Requests []QueryKind
}

// SimulationBegins opens the simulation.
type SimulationBegins struct {
	NbResources int
	Config      json.RawMessage
	Workloads   map[string]string
}

// SimulationEnds closes the simulation.
type SimulationEnds struct{}

// SubmittedJob identifies a submitted job with its optional description.
type SubmittedJob struct {
	ID          string
	Description json.RawMessage
}

// JobSubmitted notifies the component of new jobs.
type JobSubmitted struct {
	Jobs []SubmittedJob
}

// JobCompleted notifies the component that a job finished on its own.
type JobCompleted struct {
	JobID  string
	Status JobStatus
}

// JobKilled acknowledges killed jobs.
type JobKilled struct {
	JobIDs []string
}

// ResourceStateChanged notifies the component that machines changed state.
type ResourceStateChanged struct {
	Resources machinerange.Range
	State     string
}

// QueryReply answers a consumed_energy query, in joules.
type QueryReply struct {
	ConsumedEnergy float64
}

func (Nop) eventType() EventType                    { return EventNop }
func (SubmitJob) eventType() EventType              { return EventSubmitJob }
func (ExecuteJob) eventType() EventType             { return EventExecuteJob }
func (RejectJob) eventType() EventType              { return EventRejectJob }
func (KillJob) eventType() EventType                { return EventKillJob }
func (SetResourceState) eventType() EventType       { return EventSetResourceState }
func (CallMeLater) eventType() EventType            { return EventCallMeLater }
func (SubmitterMaySubmitJobs) eventType() EventType { return EventSubmitterMaySubmitJobs }
func (SchedulerFinishedSubmittingJobs) eventType() EventType {
	return EventSchedulerFinishedSubmittingJobs
}
func (QueryRequest) eventType() EventType         { return EventQueryRequest }
func (SimulationBegins) eventType() EventType     { return EventSimulationBegins }
func (SimulationEnds) eventType() EventType       { return EventSimulationEnds }
func (JobSubmitted) eventType() EventType         { return EventJobSubmitted }
func (JobCompleted) eventType() EventType         { return EventJobCompleted }
func (JobKilled) eventType() EventType            { return EventJobKilled }
func (ResourceStateChanged) eventType() EventType { return EventResourceStateChanged }
func (QueryReply) eventType() EventType           { return EventQueryReply }
