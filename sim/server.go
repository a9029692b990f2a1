package sim

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/edc-sim/edc-sim/sim/protocol"
)

// Decider is a decision component as seen by the core: a Writer collecting
// the events it has not seen yet, and a call that flushes them.
type Decider interface {
	Writer() *protocol.Writer
	TakeDecisions(now float64) error
}

// SimulationInfo is forwarded to every component in SIMULATION_BEGINS.
type SimulationInfo struct {
	Config    string            // JSON object, may be empty
	Workloads map[string]string // workload name → file
}

// Server is the simulation core. It owns the job lifecycle, receives
// decisions on ServerMailbox and reports what happens to every Decider.
//
// The simulation ends once every job is finished, no static submission is
// pending, no component has dynamic submission open and no decision is in
// flight. Pending wake-ups do not delay the end.
type Server struct {
	sim       *Simulator
	jobs      *JobRegistry
	resources *ResourceRegistry
	deciders  []Decider
	due       []bool

	submitters    map[int]bool
	pendingStatic int
	decisionAt    float64
	started       bool
	ended         bool
	log           logrus.FieldLogger
}

// NewServer creates the core and registers it on ServerMailbox.
func NewServer(sim *Simulator, jobs *JobRegistry, resources *ResourceRegistry, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		sim:        sim,
		jobs:       jobs,
		resources:  resources,
		submitters: make(map[int]bool),
		decisionAt: math.NaN(),
		log:        log,
	}
	sim.Register(ServerMailbox, s)
	return s
}

// Simulator returns the simulator driving the core.
func (s *Server) Simulator() *Simulator { return s.sim }

// Jobs returns the job registry.
func (s *Server) Jobs() *JobRegistry { return s.jobs }

// Resources returns the resource registry.
func (s *Server) Resources() *ResourceRegistry { return s.resources }

// Ended reports whether SIMULATION_ENDS was emitted.
func (s *Server) Ended() bool { return s.ended }

// AddDecider registers d and returns its component index. Deciders must be
// added before Start.
func (s *Server) AddDecider(d Decider) int {
	if s.started {
		panic("sim: AddDecider called after Start")
	}
	s.deciders = append(s.deciders, d)
	s.due = append(s.due, false)
	return len(s.deciders) - 1
}

// Start emits SIMULATION_BEGINS, schedules the submission of static jobs at
// their submission dates and the first decision point. It panics if called
// more than once.
func (s *Server) Start(info SimulationInfo, static []*Job) error {
	if s.started {
		panic("sim: Start called more than once")
	}
	if len(s.deciders) == 0 {
		return fmt.Errorf("no decision component registered")
	}
	s.started = true
	now := s.sim.Clock

	byTime := make([]*Job, len(static))
	copy(byTime, static)
	sort.SliceStable(byTime, func(i, j int) bool { return byTime[i].Subtime < byTime[j].Subtime })
	for i := 0; i < len(byTime); {
		k := i
		for k < len(byTime) && byTime[k].Subtime == byTime[i].Subtime {
			k++
		}
		if byTime[i].Subtime < now {
			return fmt.Errorf("job %q submitted at %v, before simulation start", byTime[i].ID, byTime[i].Subtime)
		}
		s.sim.Schedule(&jobSubmissionEvent{time: byTime[i].Subtime, jobs: byTime[i:k], server: s})
		s.pendingStatic++
		i = k
	}

	for _, d := range s.deciders {
		d.Writer().AppendSimulationBegins(now, s.resources.Size(), info.Config, info.Workloads)
	}
	s.log.Infof("Simulation begins: %d machines, %d static jobs, %d decision components",
		s.resources.Size(), len(static), len(s.deciders))
	s.requestDecision(now)
	return nil
}

// Run starts the event loop. If the loop drains before the normal end
// condition holds, the end is forced so that components still receive
// SIMULATION_ENDS.
func (s *Server) Run() error {
	if !s.started {
		panic("sim: Run called before Start")
	}
	if err := s.sim.Run(); err != nil {
		return err
	}
	if s.ended {
		return nil
	}
	now := s.sim.Clock
	s.log.Warnf("Nothing left to simulate with %d unfinished jobs and %d open submitters; ending at t=%v",
		s.jobs.Unfinished(), len(s.submitters), now)
	s.end(now)
	return s.decide(now)
}

func (s *Server) broadcast(fn func(w *protocol.Writer)) {
	for _, d := range s.deciders {
		fn(d.Writer())
	}
}

func (s *Server) requestDecision(now float64) {
	if s.decisionAt == now {
		return
	}
	s.decisionAt = now
	s.sim.Schedule(&decisionEvent{time: now, server: s})
}

func (s *Server) decide(now float64) error {
	s.decisionAt = math.NaN()
	for i, d := range s.deciders {
		if d.Writer().IsEmpty() && !s.due[i] {
			continue
		}
		s.due[i] = false
		if err := d.TakeDecisions(now); err != nil {
			return fmt.Errorf("decision component %d: %w", i, err)
		}
	}
	if s.ended {
		s.log.Infof("Simulation ends at t=%v", now)
		s.sim.Stop()
		return nil
	}
	s.checkEnd(now)
	return nil
}

func (s *Server) checkEnd(now float64) {
	if s.ended || s.pendingStatic > 0 || len(s.submitters) > 0 || s.sim.InFlight() > 0 || s.jobs.Unfinished() > 0 {
		return
	}
	s.end(now)
}

func (s *Server) end(now float64) {
	s.ended = true
	s.broadcast(func(w *protocol.Writer) { w.AppendSimulationEnds(now) })
	s.requestDecision(now)
}

func (s *Server) submitStatic(now float64, jobs []*Job) error {
	s.pendingStatic--
	submitted := make([]protocol.SubmittedJob, 0, len(jobs))
	for _, j := range jobs {
		j.State = JobSubmitted
		if err := s.jobs.Add(j); err != nil {
			return err
		}
		submitted = append(submitted, protocol.SubmittedJob{ID: j.ID, Description: j.Description})
	}
	s.broadcast(func(w *protocol.Writer) { w.AppendJobSubmitted(now, submitted...) })
	s.requestDecision(now)
	return nil
}

func (s *Server) complete(now float64, job *Job, status protocol.JobStatus) error {
	if job.State != JobRunning {
		// Killed before its completion date.
		return nil
	}
	s.resources.Release(now, job.Alloc)
	job.FinishTime = now
	job.State = JobCompleted
	if status == protocol.StatusTimeout {
		job.State = JobTimedOut
	}
	s.log.Debugf("Job %s finished with %s at t=%v", job.ID, status, now)
	s.broadcast(func(w *protocol.Writer) { w.AppendJobCompleted(now, job.ID, status) })
	s.requestDecision(now)
	return nil
}

// Receive applies a decision delivered on ServerMailbox.
func (s *Server) Receive(now float64, msg any) error {
	if s.ended {
		s.log.Debugf("Dropping %T received after the end of the simulation", msg)
		return nil
	}
	var err error
	switch m := msg.(type) {
	case ExecuteJobMessage:
		err = s.execute(now, m)
	case RejectJobMessage:
		err = s.reject(now, m)
	case KillJobsMessage:
		err = s.kill(now, m)
	case SetResourceStateMessage:
		err = s.setResourceState(now, m)
	case WakeUpMessage:
		err = s.component(m.Component)
		if err == nil {
			s.due[m.Component] = true
		}
	case SubmitJobMessage:
		err = s.submitDynamic(now, m)
	case SubmissionMessage:
		if err = s.component(m.Component); err == nil {
			if m.Open {
				s.submitters[m.Component] = true
			} else {
				delete(s.submitters, m.Component)
			}
		}
	case EnergyQueryMessage:
		if err = s.component(m.Component); err == nil {
			s.deciders[m.Component].Writer().AppendQueryReplyEnergy(now, s.resources.ConsumedEnergy(now))
		}
	default:
		err = fmt.Errorf("unexpected message %T", msg)
	}
	if err != nil {
		return err
	}
	s.checkEnd(now)
	s.requestDecision(now)
	return nil
}

func (s *Server) component(i int) error {
	if i < 0 || i >= len(s.deciders) {
		return fmt.Errorf("unknown decision component %d", i)
	}
	return nil
}

func (s *Server) submittedJob(id string) (*Job, error) {
	job, ok := s.jobs.Get(id)
	if !ok {
		return nil, fmt.Errorf("job %q does not exist", id)
	}
	if job.State != JobSubmitted {
		return nil, fmt.Errorf("job %q is %s, not %s", id, job.State, JobSubmitted)
	}
	return job, nil
}

func (s *Server) execute(now float64, m ExecuteJobMessage) error {
	job, err := s.submittedJob(m.JobID)
	if err != nil {
		return fmt.Errorf("executing: %w", err)
	}
	if err := s.resources.Allocate(now, m.Alloc, job.ID); err != nil {
		return err
	}
	job.State = JobRunning
	job.StartTime = now
	job.Alloc = m.Alloc
	job.Mapping = m.Mapping

	runtime, status := job.Delay, protocol.StatusSuccess
	if job.Walltime > 0 && job.Delay > job.Walltime {
		runtime, status = job.Walltime, protocol.StatusTimeout
	}
	s.log.Debugf("Job %s starts on %s at t=%v", job.ID, m.Alloc, now)
	s.sim.Schedule(&jobCompletionEvent{time: now + runtime, job: job, status: status, server: s})
	return nil
}

func (s *Server) reject(now float64, m RejectJobMessage) error {
	job, err := s.submittedJob(m.JobID)
	if err != nil {
		return fmt.Errorf("rejecting: %w", err)
	}
	job.State = JobRejected
	job.FinishTime = now
	s.log.Debugf("Job %s rejected at t=%v", job.ID, now)
	return nil
}

func (s *Server) kill(now float64, m KillJobsMessage) error {
	if err := s.component(m.Component); err != nil {
		return err
	}
	var killed []string
	for _, id := range m.JobIDs {
		job, ok := s.jobs.Get(id)
		if !ok {
			return fmt.Errorf("killing: job %q does not exist", id)
		}
		switch {
		case job.State.Finished():
			s.log.Debugf("Ignoring kill of finished job %s", id)
		case job.State == JobRunning:
			s.resources.Release(now, job.Alloc)
			job.State = JobKilled
			job.FinishTime = now
			killed = append(killed, id)
		default:
			return fmt.Errorf("killing: job %q is %s", id, job.State)
		}
	}
	// The requester always gets an acknowledgement; the others only hear
	// about jobs that were actually killed.
	for i, d := range s.deciders {
		if i == m.Component || len(killed) > 0 {
			d.Writer().AppendJobKilled(now, killed)
		}
	}
	return nil
}

func (s *Server) setResourceState(now float64, m SetResourceStateMessage) error {
	if err := s.resources.SetState(now, m.Resources, m.State); err != nil {
		return fmt.Errorf("setting resource state: %w", err)
	}
	s.broadcast(func(w *protocol.Writer) { w.AppendResourceStateChanged(now, m.Resources, m.State) })
	return nil
}

func (s *Server) submitDynamic(now float64, m SubmitJobMessage) error {
	if err := s.component(m.Component); err != nil {
		return err
	}
	job := m.Job
	job.State = JobSubmitted
	job.Subtime = now
	if err := s.jobs.Add(job); err != nil {
		return fmt.Errorf("submitting: %w", err)
	}
	for i, d := range s.deciders {
		// The submitter already knows its job unless it asked for an acknowledgement.
		if i == m.Component && !m.Acknowledge {
			continue
		}
		d.Writer().AppendJobSubmitted(now, protocol.SubmittedJob{ID: job.ID, Description: job.Description})
	}
	return nil
}
