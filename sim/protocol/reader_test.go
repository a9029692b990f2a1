package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edc-sim/edc-sim/sim/internal/testutil"
	"github.com/edc-sim/edc-sim/sim/machinerange"
)

type call struct {
	Method  string
	TS      float64
	Payload any
}

// recorder is a Handler that records every call. failOn makes the named
// method return errFailed.
type recorder struct {
	calls  []call
	failOn string
}

var errFailed = errors.New("handler refused")

func (r *recorder) record(method string, ts float64, payload any) error {
	r.calls = append(r.calls, call{Method: method, TS: ts, Payload: payload})
	if method == r.failOn {
		return errFailed
	}
	return nil
}

func (r *recorder) Nop(ts float64) error                     { return r.record("nop", ts, nil) }
func (r *recorder) SubmitJob(ts float64, ev SubmitJob) error { return r.record("submit_job", ts, ev) }
func (r *recorder) ExecuteJob(ts float64, ev ExecuteJob) error {
	return r.record("execute_job", ts, ev)
}
func (r *recorder) RejectJob(ts float64, ev RejectJob) error { return r.record("reject_job", ts, ev) }
func (r *recorder) KillJob(ts float64, ev KillJob) error     { return r.record("kill_job", ts, ev) }
func (r *recorder) SetResourceState(ts float64, ev SetResourceState) error {
	return r.record("set_resource_state", ts, ev)
}
func (r *recorder) CallMeLater(ts float64, ev CallMeLater) error {
	return r.record("call_me_later", ts, ev)
}
func (r *recorder) SubmitterMaySubmitJobs(ts float64) error {
	return r.record("submitter_may_submit_jobs", ts, nil)
}
func (r *recorder) SchedulerFinishedSubmittingJobs(ts float64) error {
	return r.record("scheduler_finished_submitting_jobs", ts, nil)
}
func (r *recorder) QueryRequest(ts float64, ev QueryRequest) error {
	return r.record("query_request", ts, ev)
}
func (r *recorder) SimulationBegins(ts float64, ev SimulationBegins) error {
	return r.record("simulation_begins", ts, ev)
}
func (r *recorder) SimulationEnds(ts float64) error { return r.record("simulation_ends", ts, nil) }
func (r *recorder) JobSubmitted(ts float64, ev JobSubmitted) error {
	return r.record("job_submitted", ts, ev)
}
func (r *recorder) JobCompleted(ts float64, ev JobCompleted) error {
	return r.record("job_completed", ts, ev)
}
func (r *recorder) JobKilled(ts float64, ev JobKilled) error { return r.record("job_killed", ts, ev) }
func (r *recorder) ResourceStateChanged(ts float64, ev ResourceStateChanged) error {
	return r.record("resource_state_changed", ts, ev)
}
func (r *recorder) QueryReply(ts float64, ev QueryReply) error {
	return r.record("query_reply", ts, ev)
}

func quietLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

var rangeComparer = cmp.Comparer(func(a, b machinerange.Range) bool { return a.Equal(b) })

func TestReader_Scenario_SubmitAndComplete(t *testing.T) {
	// GIVEN a writer holding SIMULATION_BEGINS@0, SUBMIT_JOB(job1)@1, JOB_COMPLETED(job1, SUCCESS)@5
	w := NewWriter()
	w.AppendSimulationBegins(0, 0, "", nil)
	w.AppendSubmitJob(1, "job1", "", "", false)
	w.AppendJobCompleted(5, "job1", StatusSuccess)

	// WHEN the message is generated at 5 and parsed by a reader
	raw := w.GenerateCurrentMessage(5)
	rec := &recorder{}
	r := NewReader(rec, quietLogger())
	msg, err := r.ParseAndApplyMessage(raw)
	require.NoError(t, err)

	// THEN exactly three events were carried, in order, with the same values
	assert.Equal(t, 5.0, msg.Now)
	want := []call{
		{Method: "simulation_begins", TS: 0, Payload: SimulationBegins{}},
		{Method: "submit_job", TS: 1, Payload: SubmitJob{JobID: "job1"}},
		{Method: "job_completed", TS: 5, Payload: JobCompleted{JobID: "job1", Status: StatusSuccess}},
	}
	if diff := cmp.Diff(want, rec.calls); diff != "" {
		t.Errorf("handler calls mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, ReaderIdle, r.State())
}

func TestReader_GoldenDecisions(t *testing.T) {
	// GIVEN the golden decisions message
	raw := testutil.GoldenMessageBytes(t, "decisions")

	// WHEN it is parsed
	rec := &recorder{}
	msg, err := NewReader(rec, quietLogger()).ParseAndApplyMessage(raw)
	require.NoError(t, err)

	// THEN every event reaches its handler method, in order
	assert.Equal(t, 4.0, msg.Now)
	var methods []string
	for _, c := range rec.calls {
		methods = append(methods, c.Method)
	}
	assert.Equal(t, []string{"execute_job", "kill_job", "scheduler_finished_submitting_jobs", "query_request", "query_reply"}, methods)
}

func TestReader_RoundTrip_AllEventTypes(t *testing.T) {
	// GIVEN every event type appended in order
	w := NewWriter()
	w.AppendSimulationBegins(0, 16, `{"seed": 42}`, map[string]string{"w0": "jobs.json"})
	w.AppendJobSubmitted(1, SubmittedJob{ID: "w0!1", Description: json.RawMessage(`{"res": 2}`)}, SubmittedJob{ID: "w0!2"})
	w.AppendNop(1)
	w.AppendSubmitJob(1, "dyn!1", `{"res":1}`, `{"type":"delay","delay":3}`, true)
	w.AppendSubmitJob(1, "dyn!2", "", "", false)
	w.AppendExecuteJob(2, "w0!1", machinerange.MustParse("0-1"), "0,0,1")
	w.AppendRejectJob(2, "w0!2")
	w.AppendKillJob(3, []string{"w0!1", "dyn!1"})
	w.AppendSetResourceState(3, machinerange.MustParse("4-7,9"), "2")
	w.AppendCallMeLater(3, 10.25)
	w.AppendSubmitterMaySubmitJobs(3)
	w.AppendSchedulerFinishedSubmittingJobs(3)
	w.AppendQueryRequest(4, QueryConsumedEnergy)
	w.AppendJobCompleted(4, "w0!3", StatusTimeout)
	w.AppendJobKilled(4, []string{"w0!1"})
	w.AppendResourceStateChanged(4, machinerange.MustParse("4-7"), "2")
	w.AppendQueryReplyEnergy(4.5, 1234.5)
	w.AppendSimulationEnds(5)

	// WHEN it is serialized and parsed
	rec := &recorder{}
	_, err := NewReader(rec, quietLogger()).ParseAndApplyMessage(w.GenerateCurrentMessage(5))
	require.NoError(t, err)

	// THEN the handlers see the same events field for field
	var want []call
	for _, ev := range w.Events() {
		want = append(want, call{TS: ev.Timestamp, Payload: ev.Data})
	}
	got := make([]call, len(rec.calls))
	for i, c := range rec.calls {
		got[i] = call{TS: c.TS, Payload: c.Payload}
		if got[i].Payload == nil {
			got[i].Payload = w.Events()[i].Data
		}
	}
	if diff := cmp.Diff(want, got, rangeComparer, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	methods := make([]string, len(rec.calls))
	for i, c := range rec.calls {
		methods[i] = c.Method
	}
	assert.Equal(t, []string{
		"simulation_begins", "job_submitted", "nop", "submit_job", "submit_job",
		"execute_job", "reject_job", "kill_job", "set_resource_state", "call_me_later",
		"submitter_may_submit_jobs", "scheduler_finished_submitting_jobs", "query_request",
		"job_completed", "job_killed", "resource_state_changed", "query_reply", "simulation_ends",
	}, methods)
}

func TestReader_MalformedMessages_AreProtocolViolations(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"now": 1, "events": [`},
		{"array top level", `[]`},
		{"missing now", `{"events": []}`},
		{"string now", `{"now": "1", "events": []}`},
		{"unknown top-level field", `{"now": 1, "events": [], "extra": true}`},
		{"event without data", `{"now": 1, "events": [{"timestamp": 0, "type": "NOP"}]}`},
		{"string timestamp", `{"now": 1, "events": [{"timestamp": "0", "type": "NOP", "data": {}}]}`},
		{"unknown type", `{"now": 1, "events": [{"timestamp": 0, "type": "REBOOT", "data": {}}]}`},
		{"decreasing timestamps", `{"now": 5, "events": [
			{"timestamp": 3, "type": "NOP", "data": {}},
			{"timestamp": 2, "type": "NOP", "data": {}}]}`},
		{"event after message", `{"now": 1, "events": [{"timestamp": 2, "type": "NOP", "data": {}}]}`},
		{"bad range", `{"now": 1, "events": [{"timestamp": 0, "type": "EXECUTE_JOB", "data": {"job_id": "a", "alloc": "3-1"}}]}`},
		{"missing job id", `{"now": 1, "events": [{"timestamp": 0, "type": "REJECT_JOB", "data": {}}]}`},
		{"half submission", `{"now": 1, "events": [{"timestamp": 0, "type": "SUBMIT_JOB", "data": {"job_id": "a", "job": {}}}]}`},
		{"unknown notify", `{"now": 1, "events": [{"timestamp": 0, "type": "NOTIFY", "data": {"type": "reboot"}}]}`},
		{"duplicate now", `{"now": "x", "now": 1, "events": []}`},
		{"duplicate event key", `{"now": 1, "events": [{"timestamp": 0, "timestamp": 1, "type": "NOP", "data": {}}]}`},
		{"duplicate payload key", `{"now": 1, "events": [{"timestamp": 0, "type": "REJECT_JOB", "data": {"job_id": 3, "job_id": "a"}}]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			r := NewReader(rec, quietLogger())
			_, err := r.ParseAndApplyMessage([]byte(tc.raw))
			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Empty(t, rec.calls, "no handler may run for a malformed message")
			assert.Equal(t, ReaderFaulted, r.State())
		})
	}
}

func TestReader_DisallowedCompletionStatusIsAValidationError(t *testing.T) {
	// GIVEN a well-formed JOB_COMPLETED with a status outside {SUCCESS, TIMEOUT}
	rec := &recorder{}
	r := NewReader(rec, quietLogger())
	raw := `{"now": 1, "events": [{"timestamp": 0, "type": "JOB_COMPLETED", "data": {"job_id": "a", "job_state": "FAILED"}}]}`

	// WHEN it is applied
	_, err := r.ParseAndApplyMessage([]byte(raw))

	// THEN it is refused as a validation error before reaching the handler
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 0, ve.Index)
	assert.Equal(t, EventJobCompleted, ve.Type)
	assert.Empty(t, rec.calls)
	assert.Equal(t, ReaderFaulted, r.State())
}

func TestReader_DuplicateKeysCarryTheirPath(t *testing.T) {
	raw := `{"now": 5, "events": [
		{"timestamp": 1, "type": "NOP", "data": {}},
		{"timestamp": 2, "type": "KILL_JOB", "data": {"job_ids": ["a"], "job_ids": []}}]}`
	_, err := ParseMessage([]byte(raw))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.Index)
	assert.Contains(t, pe.Error(), "data.job_ids")
}

func TestReader_ProtocolErrorCarriesEventIndex(t *testing.T) {
	raw := `{"now": 5, "events": [
		{"timestamp": 1, "type": "NOP", "data": {}},
		{"timestamp": 2, "type": "NOP", "data": {}},
		{"timestamp": 3, "type": "UNKNOWN", "data": {}}]}`
	_, err := ParseMessage([]byte(raw))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.Index)
}

func TestReader_HandlerErrorBecomesValidationError(t *testing.T) {
	// GIVEN a handler that refuses REJECT_JOB
	rec := &recorder{failOn: "reject_job"}
	r := NewReader(rec, quietLogger())
	raw := `{"now": 2, "events": [
		{"timestamp": 1, "type": "NOP", "data": {}},
		{"timestamp": 2, "type": "REJECT_JOB", "data": {"job_id": "w0!1"}},
		{"timestamp": 2, "type": "NOP", "data": {}}]}`

	// WHEN the message is applied
	_, err := r.ParseAndApplyMessage([]byte(raw))

	// THEN the error names the event and processing stops there
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 1, ve.Index)
	assert.Equal(t, EventRejectJob, ve.Type)
	assert.ErrorIs(t, err, errFailed)
	assert.Len(t, rec.calls, 2)
	assert.Equal(t, ReaderFaulted, r.State())
}

func TestReader_FaultedIsTerminal(t *testing.T) {
	r := NewReader(&recorder{}, quietLogger())
	_, err := r.ParseAndApplyMessage([]byte(`nope`))
	require.Error(t, err)

	_, err = r.ParseAndApplyMessage([]byte(`{"now": 0, "events": []}`))
	assert.ErrorIs(t, err, ErrReaderFaulted)
	assert.ErrorIs(t, r.ParseAndApplyEvent([]byte(`{"timestamp": 0, "type": "NOP", "data": {}}`), 0, 0), ErrReaderFaulted)
}

// decisionSink accepts every scheduler decision and nothing else.
type decisionSink struct {
	CoreEventRejecter
}

func (decisionSink) Nop(float64) error                                { return nil }
func (decisionSink) SubmitJob(float64, SubmitJob) error               { return nil }
func (decisionSink) ExecuteJob(float64, ExecuteJob) error             { return nil }
func (decisionSink) RejectJob(float64, RejectJob) error               { return nil }
func (decisionSink) KillJob(float64, KillJob) error                   { return nil }
func (decisionSink) SetResourceState(float64, SetResourceState) error { return nil }
func (decisionSink) CallMeLater(float64, CallMeLater) error           { return nil }
func (decisionSink) SubmitterMaySubmitJobs(float64) error             { return nil }
func (decisionSink) SchedulerFinishedSubmittingJobs(float64) error    { return nil }
func (decisionSink) QueryRequest(float64, QueryRequest) error         { return nil }

func TestReader_CoreEventRejecter(t *testing.T) {
	r := NewReader(decisionSink{}, quietLogger())
	raw := `{"now": 1, "events": [{"timestamp": 1, "type": "JOB_COMPLETED", "data": {"job_id": "a", "job_state": "SUCCESS"}}]}`

	_, err := r.ParseAndApplyMessage([]byte(raw))

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrUnexpectedEvent)
	assert.Equal(t, 0, pe.Index)
}

func TestReader_ParseAndApplyEvent(t *testing.T) {
	rec := &recorder{}
	r := NewReader(rec, quietLogger())

	err := r.ParseAndApplyEvent([]byte(`{"timestamp": 3, "type": "CALL_ME_LATER", "data": {"timestamp": 8}}`), 0, 3)
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, CallMeLater{FutureDate: 8}, rec.calls[0].Payload)

	err = r.ParseAndApplyEvent([]byte(`{"timestamp": 4, "type": "NOP", "data": {}}`), 1, 3)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.Index)
}
