package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/edc-sim/edc-sim/sim/machinerange"
)

// Handler receives parsed events in message order.
//
// Handlers validate their payload against the simulation state and either
// return an error or record the resulting action. To honor all-or-nothing
// application, a Handler should stage its actions and let the caller commit
// them once ParseAndApplyMessage returned without error.
type Handler interface {
	Nop(ts float64) error
	SubmitJob(ts float64, ev SubmitJob) error
	ExecuteJob(ts float64, ev ExecuteJob) error
	RejectJob(ts float64, ev RejectJob) error
	KillJob(ts float64, ev KillJob) error
	SetResourceState(ts float64, ev SetResourceState) error
	CallMeLater(ts float64, ev CallMeLater) error
	SubmitterMaySubmitJobs(ts float64) error
	SchedulerFinishedSubmittingJobs(ts float64) error
	QueryRequest(ts float64, ev QueryRequest) error

	SimulationBegins(ts float64, ev SimulationBegins) error
	SimulationEnds(ts float64) error
	JobSubmitted(ts float64, ev JobSubmitted) error
	JobCompleted(ts float64, ev JobCompleted) error
	JobKilled(ts float64, ev JobKilled) error
	ResourceStateChanged(ts float64, ev ResourceStateChanged) error
	QueryReply(ts float64, ev QueryReply) error
}

// CoreEventRejecter implements the core → scheduler half of Handler by
// returning ErrUnexpectedEvent. Embed it in handlers that only accept
// decisions.
type CoreEventRejecter struct{}

func (CoreEventRejecter) SimulationBegins(float64, SimulationBegins) error { return ErrUnexpectedEvent }
func (CoreEventRejecter) SimulationEnds(float64) error                     { return ErrUnexpectedEvent }
func (CoreEventRejecter) JobSubmitted(float64, JobSubmitted) error         { return ErrUnexpectedEvent }
func (CoreEventRejecter) JobCompleted(float64, JobCompleted) error         { return ErrUnexpectedEvent }
func (CoreEventRejecter) JobKilled(float64, JobKilled) error               { return ErrUnexpectedEvent }
func (CoreEventRejecter) ResourceStateChanged(float64, ResourceStateChanged) error {
	return ErrUnexpectedEvent
}
func (CoreEventRejecter) QueryReply(float64, QueryReply) error { return ErrUnexpectedEvent }

// ReaderState is the message-level state of a Reader.
type ReaderState int

const (
	ReaderIdle ReaderState = iota
	ReaderParsing
	ReaderApplying
	ReaderFaulted
)

func (s ReaderState) String() string {
	switch s {
	case ReaderIdle:
		return "idle"
	case ReaderParsing:
		return "parsing"
	case ReaderApplying:
		return "applying"
	case ReaderFaulted:
		return "faulted"
	}
	return fmt.Sprintf("ReaderState(%d)", int(s))
}

// Reader parses incoming messages and dispatches their events to a Handler.
// Any error moves the Reader to ReaderFaulted, which is terminal.
type Reader struct {
	handler Handler
	log     logrus.FieldLogger
	state   ReaderState
}

// NewReader creates a Reader dispatching to handler. A nil log uses the
// logrus standard logger.
func NewReader(handler Handler, log logrus.FieldLogger) *Reader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reader{handler: handler, log: log}
}

// State returns the current state.
func (r *Reader) State() ReaderState { return r.state }

// ParseAndApplyMessage decodes the whole message, then applies its events in
// order. No handler runs unless the entire message is well formed.
func (r *Reader) ParseAndApplyMessage(raw []byte) (Message, error) {
	if r.state == ReaderFaulted {
		return Message{}, ErrReaderFaulted
	}
	r.state = ReaderParsing
	msg, err := ParseMessage(raw)
	if err != nil {
		r.state = ReaderFaulted
		return Message{}, err
	}
	r.state = ReaderApplying
	for i, ev := range msg.Events {
		if err := r.apply(ev, i); err != nil {
			r.state = ReaderFaulted
			return msg, err
		}
	}
	r.state = ReaderIdle
	return msg, nil
}

// ParseAndApplyEvent decodes a single event object and applies it.
// now is the timestamp of the enclosing message.
func (r *Reader) ParseAndApplyEvent(raw []byte, index int, now float64) error {
	if r.state == ReaderFaulted {
		return ErrReaderFaulted
	}
	r.state = ReaderParsing
	if !gjson.ValidBytes(raw) {
		r.state = ReaderFaulted
		return protocolErrorf(index, "event is not valid JSON")
	}
	ev, err := parseEvent(gjson.ParseBytes(raw), index)
	if err == nil && ev.Timestamp > now {
		err = protocolErrorf(index, "event timestamp %v is after message timestamp %v", ev.Timestamp, now)
	}
	if err != nil {
		r.state = ReaderFaulted
		return err
	}
	r.state = ReaderApplying
	if err := r.apply(ev, index); err != nil {
		r.state = ReaderFaulted
		return err
	}
	r.state = ReaderIdle
	return nil
}

func (r *Reader) apply(ev Event, index int) error {
	r.log.WithFields(logrus.Fields{
		"index":     index,
		"type":      ev.Type().String(),
		"timestamp": ev.Timestamp,
	}).Debug("applying event")
	if err := r.dispatch(ev); err != nil {
		return wrapHandlerError(ev, index, err)
	}
	return nil
}

func (r *Reader) dispatch(ev Event) error {
	ts := ev.Timestamp
	switch d := ev.Data.(type) {
	case Nop:
		return r.handler.Nop(ts)
	case SubmitJob:
		return r.handler.SubmitJob(ts, d)
	case ExecuteJob:
		return r.handler.ExecuteJob(ts, d)
	case RejectJob:
		return r.handler.RejectJob(ts, d)
	case KillJob:
		return r.handler.KillJob(ts, d)
	case SetResourceState:
		return r.handler.SetResourceState(ts, d)
	case CallMeLater:
		return r.handler.CallMeLater(ts, d)
	case SubmitterMaySubmitJobs:
		return r.handler.SubmitterMaySubmitJobs(ts)
	case SchedulerFinishedSubmittingJobs:
		return r.handler.SchedulerFinishedSubmittingJobs(ts)
	case QueryRequest:
		return r.handler.QueryRequest(ts, d)
	case SimulationBegins:
		return r.handler.SimulationBegins(ts, d)
	case SimulationEnds:
		return r.handler.SimulationEnds(ts)
	case JobSubmitted:
		return r.handler.JobSubmitted(ts, d)
	case JobCompleted:
		if !IsAcceptedStatus(d.Status) {
			return fmt.Errorf("unsupported job status %q", d.Status)
		}
		return r.handler.JobCompleted(ts, d)
	case JobKilled:
		return r.handler.JobKilled(ts, d)
	case ResourceStateChanged:
		return r.handler.ResourceStateChanged(ts, d)
	case QueryReply:
		return r.handler.QueryReply(ts, d)
	}
	panic(fmt.Sprintf("protocol: unhandled payload %T", ev.Data))
}

func wrapHandlerError(ev Event, index int, err error) error {
	if errors.Is(err, ErrUnexpectedEvent) {
		return &ProtocolError{Index: index, Reason: ev.Type().String(), Err: err}
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	return &ValidationError{Index: index, Type: ev.Type(), Err: err}
}

// ParseMessage decodes and structurally validates a wire message without
// applying it. Event timestamps must be non-decreasing and not after the
// message timestamp.
func ParseMessage(raw []byte) (Message, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Message{}, &ProtocolError{Index: -1, Reason: "message is not valid JSON", Err: err}
	}
	if err := envelopeSchema.Validate(doc); err != nil {
		return Message{}, &ProtocolError{Index: -1, Reason: "malformed message envelope", Err: err}
	}

	root := gjson.ParseBytes(raw)
	if key, dup := duplicateKey(root, false); dup {
		return Message{}, &ProtocolError{Index: -1, Reason: fmt.Sprintf("duplicate key %q", key)}
	}
	msg := Message{Now: root.Get("now").Float()}
	raws := root.Get("events").Array()
	msg.Events = make([]Event, 0, len(raws))
	prev := math.Inf(-1)
	for i, rawEvent := range raws {
		ev, err := parseEvent(rawEvent, i)
		if err != nil {
			return Message{}, err
		}
		if ev.Timestamp < prev {
			return Message{}, protocolErrorf(i, "event timestamp %v is before previous event timestamp %v", ev.Timestamp, prev)
		}
		if ev.Timestamp > msg.Now {
			return Message{}, protocolErrorf(i, "event timestamp %v is after message timestamp %v", ev.Timestamp, msg.Now)
		}
		prev = ev.Timestamp
		msg.Events = append(msg.Events, ev)
	}
	return msg, nil
}

func parseEvent(ev gjson.Result, index int) (Event, error) {
	if !ev.IsObject() {
		return Event{}, protocolErrorf(index, "event is not an object")
	}
	if key, dup := duplicateKey(ev, true); dup {
		return Event{}, protocolErrorf(index, "duplicate key %q", key)
	}
	ts := ev.Get("timestamp")
	if ts.Type != gjson.Number || ts.Float() < 0 {
		return Event{}, protocolErrorf(index, "timestamp is not a non-negative number")
	}
	tag := ev.Get("type")
	if tag.Type != gjson.String {
		return Event{}, protocolErrorf(index, "type is not a string")
	}
	data := ev.Get("data")
	if !data.IsObject() {
		return Event{}, protocolErrorf(index, "data is not an object")
	}
	p, err := decodePayload(tag.String(), data)
	if err != nil {
		return Event{}, &ProtocolError{Index: index, Reason: tag.String(), Err: err}
	}
	return Event{Timestamp: ts.Float(), Data: p}, nil
}

// duplicateKey reports the first key repeated within one object of v, as a
// dotted path. The envelope schema sees the last value of a repeated key
// while gjson reads the first, so such documents are refused outright.
// Nested objects and arrays are only searched when deep is set.
func duplicateKey(v gjson.Result, deep bool) (string, bool) {
	return findDuplicateKey(v, "", deep)
}

func findDuplicateKey(v gjson.Result, path string, deep bool) (string, bool) {
	var found string
	var dup bool
	switch {
	case v.IsObject():
		seen := make(map[string]bool)
		v.ForEach(func(k, val gjson.Result) bool {
			p := k.String()
			if path != "" {
				p = path + "." + p
			}
			if seen[k.String()] {
				found, dup = p, true
				return false
			}
			seen[k.String()] = true
			if deep {
				found, dup = findDuplicateKey(val, p, deep)
			}
			return !dup
		})
	case v.IsArray() && deep:
		for i, e := range v.Array() {
			if found, dup = findDuplicateKey(e, fmt.Sprintf("%s.%d", path, i), deep); dup {
				break
			}
		}
	}
	return found, dup
}

func decodePayload(tag string, d gjson.Result) (Payload, error) {
	switch tag {
	case "NOP":
		return Nop{}, nil
	case "SUBMIT_JOB":
		id, err := requireString(d, "job_id")
		if err != nil {
			return nil, err
		}
		job, err := optionalObject(d, "job")
		if err != nil {
			return nil, err
		}
		profile, err := optionalObject(d, "profile")
		if err != nil {
			return nil, err
		}
		if (job == nil) != (profile == nil) {
			return nil, errors.New("job and profile descriptions must be both given or both absent")
		}
		ack, err := optionalBool(d, "ack")
		if err != nil {
			return nil, err
		}
		return SubmitJob{JobID: id, Job: job, Profile: profile, Acknowledge: ack}, nil
	case "EXECUTE_JOB":
		id, err := requireString(d, "job_id")
		if err != nil {
			return nil, err
		}
		alloc, err := requireRange(d, "alloc")
		if err != nil {
			return nil, err
		}
		mapping, err := optionalString(d, "mapping")
		if err != nil {
			return nil, err
		}
		return ExecuteJob{JobID: id, Alloc: alloc, Mapping: mapping}, nil
	case "REJECT_JOB":
		id, err := requireString(d, "job_id")
		if err != nil {
			return nil, err
		}
		return RejectJob{JobID: id}, nil
	case "KILL_JOB":
		ids, err := requireStrings(d, "job_ids")
		if err != nil {
			return nil, err
		}
		return KillJob{JobIDs: ids}, nil
	case "SET_RESOURCE_STATE":
		res, err := requireRange(d, "resources")
		if err != nil {
			return nil, err
		}
		state, err := requireString(d, "state")
		if err != nil {
			return nil, err
		}
		return SetResourceState{Resources: res, State: state}, nil
	case "CALL_ME_LATER":
		when, err := requireNumber(d, "timestamp")
		if err != nil {
			return nil, err
		}
		return CallMeLater{FutureDate: when}, nil
	case wireNotify:
		kind, err := requireString(d, "type")
		if err != nil {
			return nil, err
		}
		switch kind {
		case notifyContinueSubmission:
			return SubmitterMaySubmitJobs{}, nil
		case notifySubmissionFinished:
			return SchedulerFinishedSubmittingJobs{}, nil
		}
		return nil, fmt.Errorf("unknown notification type %q", kind)
	case "QUERY_REQUEST":
		requests := d.Get("requests")
		if !requests.IsObject() {
			return nil, errors.New(`field "requests" must be an object`)
		}
		var kinds []QueryKind
		requests.ForEach(func(key, _ gjson.Result) bool {
			kinds = append(kinds, QueryKind(key.String()))
			return true
		})
		if len(kinds) == 0 {
			return nil, errors.New(`field "requests" is empty`)
		}
		return QueryRequest{Requests: kinds}, nil
	case "SIMULATION_BEGINS":
		nb, err := requireCount(d, "nb_resources")
		if err != nil {
			return nil, err
		}
		config, err := optionalObject(d, "config")
		if err != nil {
			return nil, err
		}
		workloads, err := optionalStringMap(d, "workloads")
		if err != nil {
			return nil, err
		}
		return SimulationBegins{NbResources: nb, Config: config, Workloads: workloads}, nil
	case "SIMULATION_ENDS":
		return SimulationEnds{}, nil
	case "JOB_SUBMITTED":
		ids, err := requireStrings(d, "job_ids")
		if err != nil {
			return nil, err
		}
		descs := d.Get("jobs")
		if descs.Exists() && !descs.IsObject() {
			return nil, errors.New(`field "jobs" must be an object`)
		}
		byID := map[string]json.RawMessage{}
		var descErr error
		descs.ForEach(func(key, value gjson.Result) bool {
			if !value.IsObject() {
				descErr = fmt.Errorf("description of job %q must be an object", key.String())
				return false
			}
			byID[key.String()] = json.RawMessage(value.Raw)
			return true
		})
		if descErr != nil {
			return nil, descErr
		}
		jobs := make([]SubmittedJob, len(ids))
		for i, id := range ids {
			jobs[i] = SubmittedJob{ID: id, Description: byID[id]}
		}
		return JobSubmitted{Jobs: jobs}, nil
	case "JOB_COMPLETED":
		id, err := requireString(d, "job_id")
		if err != nil {
			return nil, err
		}
		status, err := requireString(d, "job_state")
		if err != nil {
			return nil, err
		}
		return JobCompleted{JobID: id, Status: JobStatus(status)}, nil
	case "JOB_KILLED":
		ids, err := requireStrings(d, "job_ids")
		if err != nil {
			return nil, err
		}
		return JobKilled{JobIDs: ids}, nil
	case "RESOURCE_STATE_CHANGED":
		res, err := requireRange(d, "resources")
		if err != nil {
			return nil, err
		}
		state, err := requireString(d, "state")
		if err != nil {
			return nil, err
		}
		return ResourceStateChanged{Resources: res, State: state}, nil
	case "QUERY_REPLY":
		energy, err := requireNumber(d, "consumed_energy")
		if err != nil {
			return nil, err
		}
		if energy < 0 {
			return nil, fmt.Errorf("consumed energy %v is negative", energy)
		}
		return QueryReply{ConsumedEnergy: energy}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", tag)
}

func requireString(d gjson.Result, key string) (string, error) {
	v := d.Get(key)
	if v.Type != gjson.String {
		return "", fmt.Errorf("field %q must be a string", key)
	}
	return v.String(), nil
}

func optionalString(d gjson.Result, key string) (string, error) {
	v := d.Get(key)
	if !v.Exists() {
		return "", nil
	}
	if v.Type != gjson.String {
		return "", fmt.Errorf("field %q must be a string", key)
	}
	return v.String(), nil
}

func optionalBool(d gjson.Result, key string) (bool, error) {
	v := d.Get(key)
	switch v.Type {
	case gjson.True:
		return true, nil
	case gjson.False:
		return false, nil
	}
	if v.Exists() {
		return false, fmt.Errorf("field %q must be a boolean", key)
	}
	return false, nil
}

func requireNumber(d gjson.Result, key string) (float64, error) {
	v := d.Get(key)
	if v.Type != gjson.Number {
		return 0, fmt.Errorf("field %q must be a number", key)
	}
	return v.Float(), nil
}

func requireCount(d gjson.Result, key string) (int, error) {
	f, err := requireNumber(d, key)
	if err != nil {
		return 0, err
	}
	if f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, fmt.Errorf("field %q must be a non-negative integer", key)
	}
	return int(f), nil
}

func requireRange(d gjson.Result, key string) (machinerange.Range, error) {
	s, err := requireString(d, key)
	if err != nil {
		return machinerange.Range{}, err
	}
	r, err := machinerange.Parse(s)
	if err != nil {
		return machinerange.Range{}, fmt.Errorf("field %q: %w", key, err)
	}
	return r, nil
}

func requireStrings(d gjson.Result, key string) ([]string, error) {
	v := d.Get(key)
	if !v.IsArray() {
		return nil, fmt.Errorf("field %q must be an array of strings", key)
	}
	items := v.Array()
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item.Type != gjson.String {
			return nil, fmt.Errorf("field %q must be an array of strings", key)
		}
		out = append(out, item.String())
	}
	return out, nil
}

func optionalObject(d gjson.Result, key string) (json.RawMessage, error) {
	v := d.Get(key)
	if !v.Exists() || v.Type == gjson.Null {
		return nil, nil
	}
	if !v.IsObject() {
		return nil, fmt.Errorf("field %q must be an object", key)
	}
	return json.RawMessage(v.Raw), nil
}

func optionalStringMap(d gjson.Result, key string) (map[string]string, error) {
	v := d.Get(key)
	if !v.Exists() {
		return nil, nil
	}
	if !v.IsObject() {
		return nil, fmt.Errorf("field %q must be an object", key)
	}
	out := map[string]string{}
	var err error
	v.ForEach(func(k, val gjson.Result) bool {
		if val.Type != gjson.String {
			err = fmt.Errorf("field %q: value of %q must be a string", key, k.String())
			return false
		}
		out[k.String()] = val.String()
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
