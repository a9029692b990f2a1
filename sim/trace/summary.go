package trace

// TraceSummary aggregates statistics from a DecisionTrace.
type TraceSummary struct {
	TotalExchanges   int
	FailedExchanges  int
	EmptyReplies     int
	TotalDecisions   int
	PerComponent     map[int]int    // component index → number of calls
	DecisionsPerType map[string]int // event type → count across all replies
}

// Summarize computes aggregate statistics from a DecisionTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(dt *DecisionTrace) *TraceSummary {
	summary := &TraceSummary{
		PerComponent:     make(map[int]int),
		DecisionsPerType: make(map[string]int),
	}
	if dt == nil {
		return summary
	}

	summary.TotalExchanges = len(dt.Exchanges)
	for _, ex := range dt.Exchanges {
		summary.PerComponent[ex.Component]++
		if ex.Failed() {
			summary.FailedExchanges++
		}
		if ex.ReplyEvents == 0 {
			summary.EmptyReplies++
		}
		for typ, n := range ex.Decisions {
			summary.DecisionsPerType[typ] += n
			summary.TotalDecisions += n
		}
	}

	return summary
}
