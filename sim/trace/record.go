// Package trace provides decision-trace recording for the exchanges between
// the core and decision components.
// This package has no dependencies on sim/ or sim/bridge/; it stores pure data types.
package trace

import "encoding/json"

// ExchangeRecord captures one take_decisions call.
type ExchangeRecord struct {
	Component     int            `json:"component"`
	Clock         float64        `json:"clock"`
	RequestEvents int            `json:"request_events"`
	ReplyEvents   int            `json:"reply_events"`
	Decisions     map[string]int `json:"decisions,omitempty"` // event type → count in the reply
	Error         string         `json:"error,omitempty"`

	// Raw messages, only kept at TraceLevelMessages.
	Request json.RawMessage `json:"request,omitempty"`
	Reply   json.RawMessage `json:"reply,omitempty"`
}

// Failed reports whether the reply was refused.
func (r ExchangeRecord) Failed() bool { return r.Error != "" }
