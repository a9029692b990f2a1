package bridge

import (
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/edc-sim/edc-sim/sim"
	"github.com/edc-sim/edc-sim/sim/machinerange"
	"github.com/edc-sim/edc-sim/sim/protocol"
	"github.com/edc-sim/edc-sim/sim/trace"
	"github.com/edc-sim/edc-sim/sim/workload"
)

// scripted replies with whatever reply returns for each parsed request.
type scripted struct {
	t        *testing.T
	reply    func(req protocol.Message) []byte
	err      error
	requests []protocol.Message
	closed   int
	index    uint8
}

func (c *scripted) TakeDecisions(request []byte) ([]byte, error) {
	msg, err := protocol.ParseMessage(request)
	require.NoError(c.t, err, "the bridge must send well-formed requests")
	c.requests = append(c.requests, msg)
	if c.err != nil {
		return nil, c.err
	}
	if c.reply == nil {
		return emptyReply(msg.Now), nil
	}
	return c.reply(msg), nil
}

func (c *scripted) Close() error {
	c.closed++
	return nil
}

func (c *scripted) Index() uint8 { return c.index }

func emptyReply(now float64) []byte {
	return protocol.NewWriter().GenerateCurrentMessage(now)
}

// decisions builds a reply message stamped now.
func decisions(now float64, build func(w *protocol.Writer)) []byte {
	w := protocol.NewWriter()
	build(w)
	return w.GenerateCurrentMessage(now)
}

type fixture struct {
	sim       *sim.Simulator
	jobs      *sim.JobRegistry
	resources *sim.ResourceRegistry
	server    *sim.Server
	log       logrus.FieldLogger
}

func newFixture(machines int) *fixture {
	log, _ := test.NewNullLogger()
	s := sim.NewSimulator(log)
	jobs := sim.NewJobRegistry()
	resources := sim.NewResourceRegistry(machines, sim.PowerModel{IdleWatts: 1, ComputingWatts: 10})
	return &fixture{sim: s, jobs: jobs, resources: resources, server: sim.NewServer(s, jobs, resources, log), log: log}
}

func (f *fixture) addJob(t *testing.T, id string, res int, state sim.JobState) *sim.Job {
	t.Helper()
	j := &sim.Job{ID: id, Res: res, Delay: 10, State: state}
	require.NoError(t, f.jobs.Add(j))
	return j
}

func (f *fixture) run(t *testing.T, j *sim.Job, alloc machinerange.Range) {
	t.Helper()
	require.NoError(t, f.resources.Allocate(0, alloc, j.ID))
	j.State = sim.JobRunning
	j.Alloc = alloc
}

// fcfs runs submitted jobs one at a time, on the first machines.
type fcfs struct {
	t       *testing.T
	queue   []string
	res     map[string]int
	running bool
}

func (c *fcfs) reply(msg protocol.Message) []byte {
	for _, ev := range msg.Events {
		switch d := ev.Data.(type) {
		case protocol.JobSubmitted:
			for _, j := range d.Jobs {
				c.queue = append(c.queue, j.ID)
				c.res[j.ID] = int(gjson.GetBytes(j.Description, "res").Int())
			}
		case protocol.JobCompleted:
			c.running = false
		}
	}
	return decisions(msg.Now, func(w *protocol.Writer) {
		if c.running || len(c.queue) == 0 {
			return
		}
		id := c.queue[0]
		c.queue = c.queue[1:]
		c.running = true
		w.AppendExecuteJob(msg.Now, id, machinerange.FromInterval(0, c.res[id]-1), "")
	})
}

func TestBridge_RunsWorkloadToCompletion(t *testing.T) {
	// GIVEN a two-job workload and a first-come first-served component
	w, err := workload.Parse("w0", []byte(`{
	  "nb_res": 4,
	  "jobs": [
	    {"id": 1, "subtime": 0, "res": 2, "profile": "ten"},
	    {"id": 2, "subtime": 1, "res": 4, "profile": "five"}
	  ],
	  "profiles": {"ten": {"type": "delay", "delay": 10}, "five": {"type": "delay", "delay": 5}}
	}`))
	require.NoError(t, err)
	jobs, err := w.Build()
	require.NoError(t, err)

	f := newFixture(4)
	policy := &fcfs{t: t, res: map[string]int{}}
	comp := &scripted{t: t, reply: policy.reply}
	dt := trace.NewDecisionTrace(trace.TraceConfig{Level: trace.TraceLevelDecisions})
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	b := New(comp, f.server, WithTrace(dt), WithMetrics(metrics), WithLogger(f.log))

	// WHEN the simulation runs
	require.NoError(t, f.server.Start(sim.SimulationInfo{Workloads: map[string]string{"w0": "w0.json"}}, jobs))
	require.NoError(t, f.server.Run())

	// THEN both jobs ran back to back and the component saw the whole story
	j1, _ := f.jobs.Get("w0!1")
	j2, _ := f.jobs.Get("w0!2")
	assert.Equal(t, sim.JobCompleted, j1.State)
	assert.Equal(t, 10.0, j1.FinishTime)
	assert.Equal(t, sim.JobCompleted, j2.State)
	assert.Equal(t, 10.0, j2.StartTime)
	assert.Equal(t, 15.0, j2.FinishTime)
	assert.True(t, f.server.Ended())

	var dates []float64
	for _, r := range comp.requests {
		dates = append(dates, r.Now)
	}
	assert.Equal(t, []float64{0, 1, 10, 15, 15}, dates)
	last := comp.requests[len(comp.requests)-1]
	require.Len(t, last.Events, 1)
	assert.Equal(t, protocol.EventSimulationEnds, last.Events[0].Type())

	// AND every exchange was traced and measured
	summary := trace.Summarize(dt)
	assert.Equal(t, 5, summary.TotalExchanges)
	assert.Equal(t, 2, summary.DecisionsPerType["EXECUTE_JOB"])
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.Calls.WithLabelValues("0")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Decisions.WithLabelValues("0", "EXECUTE_JOB")))
	assert.Zero(t, testutil.ToFloat64(metrics.Rejected.WithLabelValues("0")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.Latency))

	require.NoError(t, b.Close())
	assert.Equal(t, 1, comp.closed)
}

func TestBridge_ReplyIsAppliedAtomically(t *testing.T) {
	// GIVEN a submitted job
	f := newFixture(4)
	f.addJob(t, "w0!1", 1, sim.JobSubmitted)
	metrics := NewMetrics(nil)
	dt := trace.NewDecisionTrace(trace.TraceConfig{Level: trace.TraceLevelMessages})
	comp := &scripted{t: t, reply: func(msg protocol.Message) []byte {
		return decisions(msg.Now, func(w *protocol.Writer) {
			w.AppendExecuteJob(msg.Now, "w0!1", machinerange.New(0), "")
			w.AppendRejectJob(msg.Now, "w0!404")
		})
	}}
	b := New(comp, f.server, WithMetrics(metrics), WithTrace(dt))

	// WHEN the component replies with a valid then an invalid decision
	err := b.TakeDecisions(0)

	// THEN the whole reply is refused and nothing reaches the core
	var ve *protocol.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 1, ve.Index)
	assert.Equal(t, protocol.EventRejectJob, ve.Type)
	assert.Zero(t, f.sim.Pending())
	j, _ := f.jobs.Get("w0!1")
	assert.Equal(t, sim.JobSubmitted, j.State)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Rejected.WithLabelValues("0")))
	require.Len(t, dt.Exchanges, 1)
	assert.True(t, dt.Exchanges[0].Failed())
	assert.Equal(t, 2, dt.Exchanges[0].ReplyEvents)
	assert.NotEmpty(t, dt.Exchanges[0].Reply)
}

func TestBridge_AcceptedDecisionsAreDeferred(t *testing.T) {
	// GIVEN a submitted job
	f := newFixture(2)
	f.addJob(t, "w0!1", 2, sim.JobSubmitted)
	comp := &scripted{t: t, reply: func(msg protocol.Message) []byte {
		return decisions(msg.Now, func(w *protocol.Writer) {
			w.AppendExecuteJob(msg.Now, "w0!1", machinerange.MustParse("0-1"), "")
			w.AppendCallMeLater(msg.Now, 30)
		})
	}}
	b := New(comp, f.server)

	// WHEN the reply is accepted
	require.NoError(t, b.TakeDecisions(0))

	// THEN one delivery per decision is queued but nothing is applied yet
	j, _ := f.jobs.Get("w0!1")
	assert.Equal(t, sim.JobSubmitted, j.State)
	assert.Equal(t, 2, f.sim.Pending())
	assert.Equal(t, 1, f.sim.InFlight(), "wake-ups do not count as in flight")
}

func TestBridge_ReplyBeforeRequestDateIsAProtocolError(t *testing.T) {
	f := newFixture(1)
	f.sim.Clock = 10
	comp := &scripted{t: t, reply: func(protocol.Message) []byte { return emptyReply(9) }}
	b := New(comp, f.server)

	var pe *protocol.ProtocolError
	require.ErrorAs(t, b.TakeDecisions(10), &pe)
	assert.Equal(t, -1, pe.Index)
}

func TestBridge_CoreEventsInReplyAreProtocolErrors(t *testing.T) {
	f := newFixture(1)
	f.addJob(t, "w0!1", 1, sim.JobRunning)
	comp := &scripted{t: t, reply: func(protocol.Message) []byte {
		return []byte(`{"now":0,"events":[{"timestamp":0,"type":"JOB_COMPLETED","data":{"job_id":"w0!1","job_state":"SUCCESS"}}]}`)
	}}
	b := New(comp, f.server)

	var pe *protocol.ProtocolError
	require.ErrorAs(t, b.TakeDecisions(0), &pe)
	assert.ErrorIs(t, pe, protocol.ErrUnexpectedEvent)
	assert.Zero(t, f.sim.Pending())
}

func TestBridge_MalformedReply(t *testing.T) {
	f := newFixture(1)
	comp := &scripted{t: t, reply: func(protocol.Message) []byte { return []byte(`{"now":0}`) }}
	b := New(comp, f.server)

	var pe *protocol.ProtocolError
	assert.ErrorAs(t, b.TakeDecisions(0), &pe)
}

func TestBridge_ComponentErrorIsFatal(t *testing.T) {
	f := newFixture(1)
	boom := errors.New("status 3")
	comp := &scripted{t: t, err: boom}
	b := New(comp, f.server)

	err := b.TakeDecisions(0)
	assert.ErrorIs(t, err, boom)
}

func TestBridge_SendsPendingEventsOnce(t *testing.T) {
	// GIVEN two events pending for the component
	f := newFixture(1)
	comp := &scripted{t: t}
	b := New(comp, f.server)
	b.Writer().AppendSimulationBegins(0, 1, "", nil)
	b.Writer().AppendJobSubmitted(0, protocol.SubmittedJob{ID: "w0!1"})

	// WHEN the component is called twice
	require.NoError(t, b.TakeDecisions(0))
	require.NoError(t, b.TakeDecisions(2))

	// THEN the events were sent with the first call only
	require.Len(t, comp.requests, 2)
	assert.Len(t, comp.requests[0].Events, 2)
	assert.Empty(t, comp.requests[1].Events)
	assert.Equal(t, 2.0, comp.requests[1].Now)
	assert.True(t, b.Writer().IsEmpty())
}

func TestBridge_ReentrantCallPanics(t *testing.T) {
	f := newFixture(1)
	var b *Bridge
	comp := &scripted{t: t}
	comp.reply = func(msg protocol.Message) []byte {
		_ = b.TakeDecisions(msg.Now)
		return emptyReply(msg.Now)
	}
	b = New(comp, f.server)
	assert.Panics(t, func() { _ = b.TakeDecisions(0) })
}

func TestBridge_IndexMismatchPanics(t *testing.T) {
	f := newFixture(1)
	assert.Panics(t, func() { New(&scripted{t: t, index: 1}, f.server) })
}

func TestBridge_CloseIsIdempotent(t *testing.T) {
	f := newFixture(1)
	c0 := &scripted{t: t}
	c1 := &scripted{t: t, index: 1}
	b0 := New(c0, f.server)
	b1 := New(c1, f.server)
	assert.Equal(t, 1, b1.Index())

	require.NoError(t, CloseAll([]*Bridge{b0, b1}))
	require.NoError(t, b0.Close())
	assert.Equal(t, 1, c0.closed)
	assert.Equal(t, 1, c1.closed)
	assert.Error(t, b0.TakeDecisions(0), "a closed component cannot be called")
}

type failingClose struct{ scripted }

func (c *failingClose) Close() error { return fmt.Errorf("deinit returned 2") }

func TestCloseAll_CombinesErrors(t *testing.T) {
	f := newFixture(1)
	b0 := New(&failingClose{scripted{t: t}}, f.server)
	b1 := New(&failingClose{scripted{t: t, index: 1}}, f.server)
	err := CloseAll([]*Bridge{b0, b1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closing component 0")
	assert.Contains(t, err.Error(), "closing component 1")
}
