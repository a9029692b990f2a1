package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/edc-sim/edc-sim/sim"
	"github.com/edc-sim/edc-sim/sim/jobstore"
	"github.com/edc-sim/edc-sim/sim/protocol"
	"github.com/edc-sim/edc-sim/sim/workload"
)

// action is a decision validated but not yet delivered to the core.
type action struct {
	ts  float64
	msg any
}

// coreHandler validates the decisions of one reply against the core state
// and stages one message per decision. Validation sees the effect of earlier
// decisions of the same reply: a job submitted earlier can be executed, a job
// executed earlier cannot be executed again, machines freed by a kill can be
// reused. Nothing reaches the core until the whole reply was accepted.
type coreHandler struct {
	protocol.CoreEventRejecter

	component int
	server    *sim.Server
	store     jobstore.Store
	ctx       context.Context

	staged   []action
	jobs     map[string]*sim.Job     // submitted in this reply
	states   map[string]sim.JobState // job states changed by this reply
	claimed  map[int]string          // machine → job started by this reply
	killed   map[string]bool         // running jobs killed by this reply
	resState map[int]string          // machine states changed by this reply
}

func newCoreHandler(component int, server *sim.Server, store jobstore.Store) *coreHandler {
	h := &coreHandler{component: component, server: server, store: store, ctx: context.Background()}
	h.reset()
	return h
}

func (h *coreHandler) reset() {
	h.staged = nil
	h.jobs = make(map[string]*sim.Job)
	h.states = make(map[string]sim.JobState)
	h.claimed = make(map[int]string)
	h.killed = make(map[string]bool)
	h.resState = make(map[int]string)
}

func (h *coreHandler) stage(ts float64, msg any) {
	h.staged = append(h.staged, action{ts: ts, msg: msg})
}

// job returns the job and its state as seen by this reply.
func (h *coreHandler) job(id string) (*sim.Job, sim.JobState, bool) {
	j, ok := h.jobs[id]
	if !ok {
		j, ok = h.server.Jobs().Get(id)
	}
	if !ok {
		return nil, "", false
	}
	if s, changed := h.states[id]; changed {
		return j, s, true
	}
	return j, j.State, true
}

func (h *coreHandler) submittedJob(id string) (*sim.Job, error) {
	j, state, ok := h.job(id)
	if !ok {
		return nil, fmt.Errorf("job %q does not exist", id)
	}
	if state != sim.JobSubmitted {
		return nil, fmt.Errorf("job %q is %s, not %s", id, state, sim.JobSubmitted)
	}
	return j, nil
}

func (h *coreHandler) checkFree(id int) error {
	if owner, ok := h.claimed[id]; ok {
		return fmt.Errorf("machine %d is already allocated to job %q", id, owner)
	}
	res := h.server.Resources()
	state := res.State(id)
	if s, ok := h.resState[id]; ok {
		state = s
	}
	if state != sim.DefaultResourceState {
		return fmt.Errorf("machine %d is in state %q", id, state)
	}
	if occupant := res.Occupant(id); occupant != "" && !h.killed[occupant] {
		return fmt.Errorf("machine %d is running job %q", id, occupant)
	}
	return nil
}

// parseMapping decodes "r0,r1,..." into one allocation index per executor.
func parseMapping(mapping string, executors, allocSize int) ([]int, error) {
	if mapping == "" {
		if allocSize != executors {
			return nil, fmt.Errorf("allocation has %d machines for %d executors and no mapping", allocSize, executors)
		}
		return nil, nil
	}
	parts := strings.Split(mapping, ",")
	if len(parts) != executors {
		return nil, fmt.Errorf("mapping %q has %d entries for %d executors", mapping, len(parts), executors)
	}
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n >= allocSize {
			return nil, fmt.Errorf("mapping entry %d (%q) is not an index into an allocation of %d machines", i, p, allocSize)
		}
		out[i] = n
	}
	return out, nil
}

func (h *coreHandler) Nop(float64) error { return nil }

func (h *coreHandler) SubmitJob(ts float64, ev protocol.SubmitJob) error {
	if _, _, exists := h.job(ev.JobID); exists {
		return fmt.Errorf("job %q already exists", ev.JobID)
	}
	job, err := h.resolveSubmission(ev)
	if err != nil {
		return err
	}
	h.jobs[job.ID] = job
	h.states[job.ID] = sim.JobSubmitted
	h.stage(ts, sim.SubmitJobMessage{Component: h.component, Job: job, Acknowledge: ev.Acknowledge})
	return nil
}

// resolveSubmission builds the submitted job, reading its descriptions from
// the job store when the event does not carry them.
func (h *coreHandler) resolveSubmission(ev protocol.SubmitJob) (*sim.Job, error) {
	jobDesc, profileDesc := []byte(ev.Job), []byte(ev.Profile)
	if jobDesc == nil {
		if h.store == nil {
			return nil, fmt.Errorf("job %q submitted without description and no job store is configured", ev.JobID)
		}
		wl, _, ok := sim.SplitJobID(ev.JobID)
		if !ok {
			return nil, fmt.Errorf("job id %q is not of the form workload!name", ev.JobID)
		}
		var err error
		if jobDesc, err = h.store.Job(h.ctx, ev.JobID); err != nil {
			return nil, fmt.Errorf("resolving job %q: %w", ev.JobID, err)
		}
		spec, err := workload.DecodeJob(jobDesc)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", ev.JobID, err)
		}
		if profileDesc, err = h.store.Profile(h.ctx, wl, spec.Profile); err != nil {
			return nil, fmt.Errorf("resolving profile of job %q: %w", ev.JobID, err)
		}
	}
	return workload.ParseSubmission(ev.JobID, jobDesc, profileDesc)
}

func (h *coreHandler) ExecuteJob(ts float64, ev protocol.ExecuteJob) error {
	job, err := h.submittedJob(ev.JobID)
	if err != nil {
		return err
	}
	if ev.Alloc.IsEmpty() {
		return fmt.Errorf("empty allocation for job %q", ev.JobID)
	}
	if err := h.server.Resources().Validate(ev.Alloc); err != nil {
		return err
	}
	mapping, err := parseMapping(ev.Mapping, job.Res, ev.Alloc.Size())
	if err != nil {
		return fmt.Errorf("job %q: %w", ev.JobID, err)
	}
	for _, id := range ev.Alloc.IDs() {
		if err := h.checkFree(id); err != nil {
			return fmt.Errorf("cannot start job %q: %w", ev.JobID, err)
		}
	}
	for _, id := range ev.Alloc.IDs() {
		h.claimed[id] = job.ID
	}
	h.states[job.ID] = sim.JobRunning
	h.stage(ts, sim.ExecuteJobMessage{Component: h.component, JobID: job.ID, Alloc: ev.Alloc, Mapping: mapping})
	return nil
}

func (h *coreHandler) RejectJob(ts float64, ev protocol.RejectJob) error {
	job, err := h.submittedJob(ev.JobID)
	if err != nil {
		return err
	}
	h.states[job.ID] = sim.JobRejected
	h.stage(ts, sim.RejectJobMessage{Component: h.component, JobID: job.ID})
	return nil
}

func (h *coreHandler) KillJob(ts float64, ev protocol.KillJob) error {
	for _, id := range ev.JobIDs {
		job, state, ok := h.job(id)
		if !ok {
			return fmt.Errorf("job %q does not exist", id)
		}
		switch {
		case state.Finished():
		case state == sim.JobRunning:
			h.killed[id] = true
			h.states[id] = sim.JobKilled
			for m, owner := range h.claimed {
				if owner == job.ID {
					delete(h.claimed, m)
				}
			}
		default:
			return fmt.Errorf("job %q is %s and cannot be killed", id, state)
		}
	}
	h.stage(ts, sim.KillJobsMessage{Component: h.component, JobIDs: append([]string(nil), ev.JobIDs...)})
	return nil
}

func (h *coreHandler) SetResourceState(ts float64, ev protocol.SetResourceState) error {
	if err := h.server.Resources().Validate(ev.Resources); err != nil {
		return err
	}
	for _, id := range ev.Resources.IDs() {
		h.resState[id] = ev.State
	}
	h.stage(ts, sim.SetResourceStateMessage{Component: h.component, Resources: ev.Resources, State: ev.State})
	return nil
}

func (h *coreHandler) CallMeLater(ts float64, ev protocol.CallMeLater) error {
	if ev.FutureDate <= ts {
		return fmt.Errorf("wake-up date %v is not after event date %v", ev.FutureDate, ts)
	}
	h.stage(ev.FutureDate, sim.WakeUpMessage{Component: h.component})
	return nil
}

func (h *coreHandler) SubmitterMaySubmitJobs(ts float64) error {
	h.stage(ts, sim.SubmissionMessage{Component: h.component, Open: true})
	return nil
}

func (h *coreHandler) SchedulerFinishedSubmittingJobs(ts float64) error {
	h.stage(ts, sim.SubmissionMessage{Component: h.component, Open: false})
	return nil
}

var errUnsupportedQuery = errors.New("unsupported query")

func (h *coreHandler) QueryRequest(ts float64, ev protocol.QueryRequest) error {
	for _, k := range ev.Requests {
		if !protocol.IsAcceptedQuery(k) {
			return fmt.Errorf("%w %q", errUnsupportedQuery, k)
		}
	}
	h.stage(ts, sim.EnergyQueryMessage{Component: h.component})
	return nil
}

var _ protocol.Handler = (*coreHandler)(nil)

// decisionCounts counts staged decisions per wire event type.
func decisionCounts(events []protocol.Event) map[string]int {
	if len(events) == 0 {
		return nil
	}
	out := make(map[string]int, len(events))
	for _, ev := range events {
		out[ev.Type().String()]++
	}
	return out
}
