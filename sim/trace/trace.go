package trace

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// TraceLevel controls the verbosity of decision tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelDecisions captures one record per exchange, without payloads.
	TraceLevelDecisions TraceLevel = "decisions"
	// TraceLevelMessages also keeps the raw request and reply of every exchange.
	TraceLevelMessages TraceLevel = "messages"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelDecisions: true,
	TraceLevelMessages:  true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
}

// DecisionTrace collects exchange records during a simulation. Every trace
// gets a random RunID so that traces of repeated runs can be told apart.
type DecisionTrace struct {
	RunID     uuid.UUID        `json:"run_id"`
	Level     TraceLevel       `json:"level"`
	Exchanges []ExchangeRecord `json:"exchanges"`
}

// NewDecisionTrace creates a DecisionTrace ready for recording.
func NewDecisionTrace(config TraceConfig) *DecisionTrace {
	level := config.Level
	if level == "" {
		level = TraceLevelNone
	}
	return &DecisionTrace{
		RunID:     uuid.New(),
		Level:     level,
		Exchanges: make([]ExchangeRecord, 0),
	}
}

// Enabled reports whether records are kept. Safe on a nil trace.
func (dt *DecisionTrace) Enabled() bool {
	return dt != nil && dt.Level != TraceLevelNone
}

// RecordExchange appends an exchange record. Raw messages are dropped unless
// the level is TraceLevelMessages; request and reply are copied otherwise.
func (dt *DecisionTrace) RecordExchange(record ExchangeRecord) {
	if !dt.Enabled() {
		return
	}
	if dt.Level == TraceLevelMessages {
		record.Request = cloneRaw(record.Request)
		record.Reply = cloneRaw(record.Reply)
	} else {
		record.Request, record.Reply = nil, nil
	}
	dt.Exchanges = append(dt.Exchanges, record)
}

// WriteJSON writes the trace as one indented JSON document.
func (dt *DecisionTrace) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dt); err != nil {
		return fmt.Errorf("writing decision trace %s: %w", dt.RunID, err)
	}
	return nil
}

// Raw messages that are not valid JSON would make the trace unencodable;
// they are kept as JSON strings instead.
func cloneRaw(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if !json.Valid(raw) {
		quoted, _ := json.Marshal(string(raw))
		return quoted
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
