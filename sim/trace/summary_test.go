package trace

import "testing"

func TestSummarize_EmptyTrace_ZeroValues(t *testing.T) {
	// GIVEN an empty trace
	dt := NewDecisionTrace(TraceConfig{Level: TraceLevelDecisions})

	// WHEN summarized
	summary := Summarize(dt)

	// THEN all counts are zero
	if summary.TotalExchanges != 0 || summary.TotalDecisions != 0 {
		t.Errorf("expected 0 exchanges and decisions, got %d and %d", summary.TotalExchanges, summary.TotalDecisions)
	}
	if len(summary.PerComponent) != 0 || len(summary.DecisionsPerType) != 0 {
		t.Error("expected empty distributions")
	}
}

func TestSummarize_NilTrace_ZeroValues(t *testing.T) {
	summary := Summarize(nil)
	if summary.TotalExchanges != 0 {
		t.Errorf("expected 0 exchanges, got %d", summary.TotalExchanges)
	}
	if summary.PerComponent == nil {
		t.Error("expected non-nil PerComponent map")
	}
}

func TestSummarize_PopulatedTrace_CorrectCounts(t *testing.T) {
	// GIVEN a trace with exchanges from two components
	dt := NewDecisionTrace(TraceConfig{Level: TraceLevelDecisions})
	dt.RecordExchange(ExchangeRecord{Component: 0, ReplyEvents: 2, Decisions: map[string]int{"EXECUTE_JOB": 2}})
	dt.RecordExchange(ExchangeRecord{Component: 1, ReplyEvents: 0})
	dt.RecordExchange(ExchangeRecord{Component: 0, ReplyEvents: 2, Decisions: map[string]int{"EXECUTE_JOB": 1, "CALL_ME_LATER": 1}})
	dt.RecordExchange(ExchangeRecord{Component: 0, ReplyEvents: 1, Error: "job w0!1 does not exist"})

	// WHEN summarized
	summary := Summarize(dt)

	// THEN
	if summary.TotalExchanges != 4 {
		t.Errorf("expected 4 exchanges, got %d", summary.TotalExchanges)
	}
	if summary.FailedExchanges != 1 {
		t.Errorf("expected 1 failed exchange, got %d", summary.FailedExchanges)
	}
	if summary.EmptyReplies != 1 {
		t.Errorf("expected 1 empty reply, got %d", summary.EmptyReplies)
	}
	if summary.TotalDecisions != 4 {
		t.Errorf("expected 4 decisions, got %d", summary.TotalDecisions)
	}
	if summary.DecisionsPerType["EXECUTE_JOB"] != 3 {
		t.Errorf("expected 3 EXECUTE_JOB, got %d", summary.DecisionsPerType["EXECUTE_JOB"])
	}
	if summary.PerComponent[0] != 3 || summary.PerComponent[1] != 1 {
		t.Errorf("unexpected per-component counts %v", summary.PerComponent)
	}
}
