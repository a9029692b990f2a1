package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/edc-sim/edc-sim/sim/machinerange"
)

// Writer accumulates outgoing events into an ordered batch.
//
// Every Append* method takes the event date first. Dates must be finite and
// non-decreasing across appends; a violation is a programming error in the
// caller and panics. GenerateCurrentMessage serializes the batch without
// consuming it: Clear must be called explicitly right after emission.
type Writer struct {
	events   []Event
	lastDate float64
}

// NewWriter creates an empty Writer.
func NewWriter() *Writer {
	return &Writer{lastDate: math.Inf(-1)}
}

func (w *Writer) checkDate(date float64) {
	if math.IsNaN(date) || math.IsInf(date, 0) {
		panic(fmt.Sprintf("protocol: event date %v is not finite", date))
	}
	if date < w.lastDate {
		panic(fmt.Sprintf("protocol: event date %v is before previous date %v", date, w.lastDate))
	}
}

func (w *Writer) append(date float64, p Payload) {
	w.checkDate(date)
	w.lastDate = date
	w.events = append(w.events, Event{Timestamp: date, Data: p})
}

// AppendNop appends a NOP event.
func (w *Writer) AppendNop(date float64) {
	w.append(date, Nop{})
}

// AppendSubmitJob appends a SUBMIT_JOB event. jobDescription and
// profileDescription are JSON objects; they are either both given or both
// empty, in which case the core resolves them out of band.
func (w *Writer) AppendSubmitJob(date float64, jobID, jobDescription, profileDescription string, acknowledge bool) {
	if (jobDescription == "") != (profileDescription == "") {
		panic(fmt.Sprintf("protocol: SUBMIT_JOB %q: job and profile descriptions must be both given or both empty", jobID))
	}
	w.append(date, SubmitJob{
		JobID:       jobID,
		Job:         compactObject("job description", jobDescription),
		Profile:     compactObject("profile description", profileDescription),
		Acknowledge: acknowledge,
	})
}

// AppendExecuteJob appends an EXECUTE_JOB event. mapping may be empty, in
// which case executor i runs on the i-th allocated machine.
func (w *Writer) AppendExecuteJob(date float64, jobID string, alloc machinerange.Range, mapping string) {
	w.append(date, ExecuteJob{JobID: jobID, Alloc: alloc, Mapping: mapping})
}

// AppendRejectJob appends a REJECT_JOB event.
func (w *Writer) AppendRejectJob(date float64, jobID string) {
	w.append(date, RejectJob{JobID: jobID})
}

// AppendKillJob appends a KILL_JOB event.
func (w *Writer) AppendKillJob(date float64, jobIDs []string) {
	w.append(date, KillJob{JobIDs: cloneStrings(jobIDs)})
}

// AppendSetResourceState appends a SET_RESOURCE_STATE event.
func (w *Writer) AppendSetResourceState(date float64, resources machinerange.Range, state string) {
	w.append(date, SetResourceState{Resources: resources, State: state})
}

// AppendCallMeLater appends a CALL_ME_LATER event. futureDate must be
// strictly after date.
func (w *Writer) AppendCallMeLater(date, futureDate float64) {
	if !(futureDate > date) || math.IsInf(futureDate, 0) {
		panic(fmt.Sprintf("protocol: CALL_ME_LATER future date %v must be finite and after %v", futureDate, date))
	}
	w.append(date, CallMeLater{FutureDate: futureDate})
}

// AppendSubmitterMaySubmitJobs appends a SUBMITTER_MAY_SUBMIT_JOBS event.
func (w *Writer) AppendSubmitterMaySubmitJobs(date float64) {
	w.append(date, SubmitterMaySubmitJobs{})
}

// AppendSchedulerFinishedSubmittingJobs appends a
// SCHEDULER_FINISHED_SUBMITTING_JOBS event.
func (w *Writer) AppendSchedulerFinishedSubmittingJobs(date float64) {
	w.append(date, SchedulerFinishedSubmittingJobs{})
}

// AppendQueryRequest appends a QUERY_REQUEST event.
func (w *Writer) AppendQueryRequest(date float64, kinds ...QueryKind) {
	if len(kinds) == 0 {
		panic("protocol: QUERY_REQUEST needs at least one request")
	}
	for _, k := range kinds {
		if !IsAcceptedQuery(k) {
			panic(fmt.Sprintf("protocol: unsupported QUERY_REQUEST kind %q", k))
		}
	}
	var requests []QueryKind
	seen := make(map[QueryKind]bool, len(kinds))
	for _, k := range kinds {
		if !seen[k] {
			seen[k] = true
			requests = append(requests, k)
		}
	}
	w.append(date, QueryRequest{Requests: requests})
}

// AppendSimulationBegins appends a SIMULATION_BEGINS event.
// config is an optional JSON object forwarded verbatim to the component.
func (w *Writer) AppendSimulationBegins(date float64, nbResources int, config string, workloads map[string]string) {
	var wl map[string]string
	if len(workloads) > 0 {
		wl = make(map[string]string, len(workloads))
		for k, v := range workloads {
			wl[k] = v
		}
	}
	w.append(date, SimulationBegins{
		NbResources: nbResources,
		Config:      compactObject("simulation config", config),
		Workloads:   wl,
	})
}

// AppendSimulationEnds appends a SIMULATION_ENDS event.
func (w *Writer) AppendSimulationEnds(date float64) {
	w.append(date, SimulationEnds{})
}

// AppendJobSubmitted appends a JOB_SUBMITTED event.
func (w *Writer) AppendJobSubmitted(date float64, jobs ...SubmittedJob) {
	out := make([]SubmittedJob, len(jobs))
	for i, j := range jobs {
		out[i] = SubmittedJob{ID: j.ID}
		if len(j.Description) > 0 {
			out[i].Description = compactObject("job description", string(j.Description))
		}
	}
	w.append(date, JobSubmitted{Jobs: out})
}

// AppendJobCompleted appends a JOB_COMPLETED event. status must be one of
// SUCCESS or TIMEOUT.
func (w *Writer) AppendJobCompleted(date float64, jobID string, status JobStatus) {
	if !IsAcceptedStatus(status) {
		panic(fmt.Sprintf("protocol: JOB_COMPLETED %q: unsupported job status %q", jobID, status))
	}
	w.append(date, JobCompleted{JobID: jobID, Status: status})
}

// AppendJobKilled appends a JOB_KILLED event.
func (w *Writer) AppendJobKilled(date float64, jobIDs []string) {
	w.append(date, JobKilled{JobIDs: cloneStrings(jobIDs)})
}

// AppendResourceStateChanged appends a RESOURCE_STATE_CHANGED event.
func (w *Writer) AppendResourceStateChanged(date float64, resources machinerange.Range, state string) {
	w.append(date, ResourceStateChanged{Resources: resources, State: state})
}

// AppendQueryReplyEnergy appends a QUERY_REPLY carrying the consumed energy
// in joules, which must be non-negative.
func (w *Writer) AppendQueryReplyEnergy(date, consumedEnergy float64) {
	if !(consumedEnergy >= 0) || math.IsInf(consumedEnergy, 0) {
		panic(fmt.Sprintf("protocol: consumed energy %v must be a finite non-negative number", consumedEnergy))
	}
	w.append(date, QueryReply{ConsumedEnergy: consumedEnergy})
}

// Clear drops the buffered events. The date floor is kept: simulated time
// never goes backwards across messages.
func (w *Writer) Clear() {
	w.events = nil
}

// IsEmpty reports whether no event was appended since the last Clear.
func (w *Writer) IsEmpty() bool {
	return len(w.events) == 0
}

// Events returns a copy of the buffered events.
func (w *Writer) Events() []Event {
	out := make([]Event, len(w.events))
	copy(out, w.events)
	return out
}

// GenerateCurrentMessage serializes the buffered events into one message
// stamped with date, which must not precede any buffered event.
// The buffered events are left intact.
func (w *Writer) GenerateCurrentMessage(date float64) []byte {
	w.checkDate(date)
	w.lastDate = date
	msg := wireMessage{Now: date, Events: make([]wireEvent, 0, len(w.events))}
	for _, ev := range w.events {
		tag, data := encodePayload(ev.Data)
		msg.Events = append(msg.Events, wireEvent{Timestamp: ev.Timestamp, Type: tag, Data: data})
	}
	out, err := json.Marshal(msg)
	if err != nil {
		panic(fmt.Sprintf("protocol: encoding message: %v", err))
	}
	return out
}

type wireMessage struct {
	Now    float64     `json:"now"`
	Events []wireEvent `json:"events"`
}

type wireEvent struct {
	Timestamp float64 `json:"timestamp"`
	Type      string  `json:"type"`
	Data      any     `json:"data"`
}

type emptyData struct{}

type jobIDData struct {
	JobID string `json:"job_id"`
}

type jobIDsData struct {
	JobIDs []string `json:"job_ids"`
}

type resourcesData struct {
	Resources machinerange.Range `json:"resources"`
	State     string             `json:"state"`
}

func encodePayload(p Payload) (string, any) {
	tag := p.eventType().String()
	switch d := p.(type) {
	case Nop:
		return tag, emptyData{}
	case SubmitJob:
		return tag, struct {
			JobID   string          `json:"job_id"`
			Job     json.RawMessage `json:"job,omitempty"`
			Profile json.RawMessage `json:"profile,omitempty"`
			Ack     bool            `json:"ack,omitempty"`
		}{d.JobID, d.Job, d.Profile, d.Acknowledge}
	case ExecuteJob:
		return tag, struct {
			JobID   string             `json:"job_id"`
			Alloc   machinerange.Range `json:"alloc"`
			Mapping string             `json:"mapping,omitempty"`
		}{d.JobID, d.Alloc, d.Mapping}
	case RejectJob:
		return tag, jobIDData{JobID: d.JobID}
	case KillJob:
		return tag, jobIDsData{JobIDs: d.JobIDs}
	case SetResourceState:
		return tag, resourcesData{Resources: d.Resources, State: d.State}
	case CallMeLater:
		return tag, struct {
			Timestamp float64 `json:"timestamp"`
		}{d.FutureDate}
	case SubmitterMaySubmitJobs:
		return wireNotify, struct {
			Type string `json:"type"`
		}{notifyContinueSubmission}
	case SchedulerFinishedSubmittingJobs:
		return wireNotify, struct {
			Type string `json:"type"`
		}{notifySubmissionFinished}
	case QueryRequest:
		requests := make(map[QueryKind]emptyData, len(d.Requests))
		for _, k := range d.Requests {
			requests[k] = emptyData{}
		}
		return tag, struct {
			Requests map[QueryKind]emptyData `json:"requests"`
		}{requests}
	case SimulationBegins:
		return tag, struct {
			NbResources int               `json:"nb_resources"`
			Config      json.RawMessage   `json:"config,omitempty"`
			Workloads   map[string]string `json:"workloads,omitempty"`
		}{d.NbResources, d.Config, d.Workloads}
	case SimulationEnds:
		return tag, emptyData{}
	case JobSubmitted:
		ids := make([]string, len(d.Jobs))
		var descs map[string]json.RawMessage
		for i, j := range d.Jobs {
			ids[i] = j.ID
			if len(j.Description) > 0 {
				if descs == nil {
					descs = make(map[string]json.RawMessage)
				}
				descs[j.ID] = j.Description
			}
		}
		return tag, struct {
			JobIDs []string                   `json:"job_ids"`
			Jobs   map[string]json.RawMessage `json:"jobs,omitempty"`
		}{ids, descs}
	case JobCompleted:
		return tag, struct {
			JobID  string    `json:"job_id"`
			Status JobStatus `json:"job_state"`
		}{d.JobID, d.Status}
	case JobKilled:
		return tag, jobIDsData{JobIDs: d.JobIDs}
	case ResourceStateChanged:
		return tag, resourcesData{Resources: d.Resources, State: d.State}
	case QueryReply:
		return tag, struct {
			ConsumedEnergy float64 `json:"consumed_energy"`
		}{d.ConsumedEnergy}
	}
	panic(fmt.Sprintf("protocol: unhandled payload %T", p))
}

// compactObject validates that s is a JSON object and returns its compact
// form. The empty string maps to nil.
func compactObject(what, s string) json.RawMessage {
	if s == "" {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		panic(fmt.Sprintf("protocol: %s is not valid JSON: %v", what, err))
	}
	if buf.Len() == 0 || buf.Bytes()[0] != '{' {
		panic(fmt.Sprintf("protocol: %s must be a JSON object", what))
	}
	return json.RawMessage(buf.Bytes())
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
