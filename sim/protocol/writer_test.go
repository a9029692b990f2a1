package protocol

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edc-sim/edc-sim/sim/internal/testutil"
	"github.com/edc-sim/edc-sim/sim/machinerange"
)

func TestWriter_NewWriterIsEmpty(t *testing.T) {
	w := NewWriter()
	assert.True(t, w.IsEmpty())
	assert.JSONEq(t, `{"now":0,"events":[]}`, string(w.GenerateCurrentMessage(0)))
}

func TestWriter_GenerateThenClear_IsEmpty(t *testing.T) {
	// GIVEN a writer with a few events
	w := NewWriter()
	w.AppendSimulationBegins(0, 4, "", nil)
	w.AppendJobSubmitted(1, SubmittedJob{ID: "w0!1"})
	require.False(t, w.IsEmpty())

	// WHEN the message is generated, the events are still buffered
	first := w.GenerateCurrentMessage(1)
	assert.False(t, w.IsEmpty())
	assert.Equal(t, first, w.GenerateCurrentMessage(1), "generation must not consume events")

	// THEN clearing empties the writer
	w.Clear()
	assert.True(t, w.IsEmpty())
}

func TestWriter_RejectsDecreasingDates(t *testing.T) {
	w := NewWriter()
	w.AppendNop(10)
	assert.Panics(t, func() { w.AppendNop(9.5) })
	assert.NotPanics(t, func() { w.AppendNop(10) }, "equal dates are allowed")
}

func TestWriter_RejectsMessageDateBeforeEvents(t *testing.T) {
	w := NewWriter()
	w.AppendNop(10)
	assert.Panics(t, func() { w.GenerateCurrentMessage(5) })
}

func TestWriter_RejectsNonFiniteDates(t *testing.T) {
	w := NewWriter()
	assert.Panics(t, func() { w.AppendNop(math.NaN()) })
	assert.Panics(t, func() { w.AppendNop(math.Inf(1)) })
}

func TestWriter_JobCompletedStatus(t *testing.T) {
	w := NewWriter()
	assert.NotPanics(t, func() { w.AppendJobCompleted(1, "w0!1", StatusSuccess) })
	assert.NotPanics(t, func() { w.AppendJobCompleted(2, "w0!2", StatusTimeout) })
	assert.Panics(t, func() { w.AppendJobCompleted(3, "w0!3", JobStatus("FAILED")) })
	assert.Len(t, w.Events(), 2, "a rejected append leaves no trace")
}

func TestWriter_SubmitJobDescriptionsBothOrNeither(t *testing.T) {
	w := NewWriter()
	assert.Panics(t, func() { w.AppendSubmitJob(0, "dyn!1", `{"res":1}`, "", false) })
	assert.Panics(t, func() { w.AppendSubmitJob(0, "dyn!1", "", `{"type":"delay"}`, false) })
	assert.Panics(t, func() { w.AppendSubmitJob(0, "dyn!1", `[1]`, `{"type":"delay"}`, false) })
	assert.NotPanics(t, func() { w.AppendSubmitJob(0, "dyn!1", "", "", true) })
	assert.NotPanics(t, func() { w.AppendSubmitJob(0, "dyn!2", `{"res": 1}`, `{"type": "delay"}`, false) })
}

func TestWriter_QueryReplyEnergyMustBeNonNegative(t *testing.T) {
	w := NewWriter()
	assert.Panics(t, func() { w.AppendQueryReplyEnergy(0, -1) })
	assert.Panics(t, func() { w.AppendQueryReplyEnergy(0, math.NaN()) })
	assert.NotPanics(t, func() { w.AppendQueryReplyEnergy(0, 0) })
}

func TestWriter_CallMeLaterMustBeInTheFuture(t *testing.T) {
	w := NewWriter()
	assert.Panics(t, func() { w.AppendCallMeLater(5, 5) })
	assert.NotPanics(t, func() { w.AppendCallMeLater(5, 5.5) })
}

func TestWriter_WireFormat(t *testing.T) {
	w := NewWriter()
	w.AppendExecuteJob(1, "w0!1", machinerange.MustParse("0-3,7"), "")
	w.AppendKillJob(2, []string{"w0!2"})
	w.AppendSchedulerFinishedSubmittingJobs(2)
	w.AppendQueryRequest(3, QueryConsumedEnergy, QueryConsumedEnergy)
	w.AppendQueryReplyEnergy(3, 12.5)

	want := testutil.GoldenMessageBytes(t, "decisions")
	assert.JSONEq(t, string(want), string(w.GenerateCurrentMessage(4)))
}

func TestWriter_KillJobCopiesInput(t *testing.T) {
	ids := []string{"a", "b"}
	w := NewWriter()
	w.AppendKillJob(0, ids)
	ids[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, w.Events()[0].Data.(KillJob).JobIDs)
}

func TestWriter_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("generate then clear leaves the writer empty", prop.ForAll(
		func(gaps []float64) bool {
			w := NewWriter()
			date := 0.0
			for _, g := range gaps {
				date += g
				w.AppendNop(date)
			}
			msg, err := ParseMessage(w.GenerateCurrentMessage(date))
			if err != nil || len(msg.Events) != len(gaps) {
				return false
			}
			w.Clear()
			return w.IsEmpty()
		},
		gen.SliceOf(gen.Float64Range(0, 100)),
	))

	properties.Property("a date before the previous one is rejected", prop.ForAll(
		func(first, back float64) (ok bool) {
			w := NewWriter()
			w.AppendNop(first)
			defer func() { ok = recover() != nil }()
			w.AppendNop(first - back)
			return false
		},
		gen.Float64Range(0, 1000), gen.Float64Range(0.001, 1000),
	))

	properties.TestingRun(t)
}
