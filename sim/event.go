package sim

import (
	"fmt"

	"github.com/edc-sim/edc-sim/sim/protocol"
)

// Event defines the interface for all simulation events.
// Events at the same timestamp run in Priority order (lower first), then in
// scheduling order.
type Event interface {
	Timestamp() float64
	Priority() int
	Execute(*Simulator) error
}

// Event priorities. Deliveries of decisions come first so that their effects
// are visible to everything else happening at the same date; the decision
// point comes last so that it sees every event of its date.
const (
	PriorityDelivery   = 0
	PriorityCompletion = 1
	PrioritySubmission = 2
	PriorityDecision   = 9
)

// deliveryEvent hands a message to a mailbox. Scheduled by DSend.
type deliveryEvent struct {
	time float64
	dest Mailbox
	msg  any
}

func (e *deliveryEvent) Timestamp() float64 { return e.time }
func (e *deliveryEvent) Priority() int      { return PriorityDelivery }

func (e *deliveryEvent) Execute(sim *Simulator) error {
	if keepsAlive(e.msg) {
		sim.inFlight--
	}
	r, ok := sim.mailboxes[e.dest]
	if !ok {
		return fmt.Errorf("delivery of %T to unknown mailbox %q", e.msg, e.dest)
	}
	sim.log.Debugf("<< Delivery of %T to %s at %v", e.msg, e.dest, e.time)
	return r.Receive(e.time, e.msg)
}

// jobSubmissionEvent makes statically known jobs visible at their submission date.
type jobSubmissionEvent struct {
	time   float64
	jobs   []*Job
	server *Server
}

func (e *jobSubmissionEvent) Timestamp() float64 { return e.time }
func (e *jobSubmissionEvent) Priority() int      { return PrioritySubmission }

func (e *jobSubmissionEvent) Execute(*Simulator) error {
	return e.server.submitStatic(e.time, e.jobs)
}

// jobCompletionEvent ends a running job, either normally or at its walltime.
// It is ignored if the job was killed in the meantime.
type jobCompletionEvent struct {
	time   float64
	job    *Job
	status protocol.JobStatus
	server *Server
}

func (e *jobCompletionEvent) Timestamp() float64 { return e.time }
func (e *jobCompletionEvent) Priority() int      { return PriorityCompletion }

func (e *jobCompletionEvent) Execute(*Simulator) error {
	return e.server.complete(e.time, e.job, e.status)
}

// decisionEvent is a decision point: every component with pending events
// (or a due wake-up) is asked to take decisions.
type decisionEvent struct {
	time   float64
	server *Server
}

func (e *decisionEvent) Timestamp() float64 { return e.time }
func (e *decisionEvent) Priority() int      { return PriorityDecision }

func (e *decisionEvent) Execute(*Simulator) error {
	return e.server.decide(e.time)
}
