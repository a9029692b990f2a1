// Package bridge runs the request/reply cycle between the simulation core and
// one decision component.
//
// At every decision point the bridge serializes the events the component has
// not seen yet, calls take_decisions, and validates the reply against the
// core state. A reply is applied completely or not at all: each accepted
// decision is DSent to sim.ServerMailbox only once the whole reply was
// validated.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/edc-sim/edc-sim/sim"
	"github.com/edc-sim/edc-sim/sim/jobstore"
	"github.com/edc-sim/edc-sim/sim/protocol"
	"github.com/edc-sim/edc-sim/sim/trace"
)

// Component is a loaded decision component. *edc.Handle implements it.
type Component interface {
	TakeDecisions(request []byte) ([]byte, error)
	Close() error
}

// Bridge connects a Component to the core. It implements sim.Decider.
type Bridge struct {
	index   int
	comp    Component
	server  *sim.Server
	writer  *protocol.Writer
	reader  *protocol.Reader
	handler *coreHandler

	store   jobstore.Store
	trace   *trace.DecisionTrace
	metrics *Metrics
	log     logrus.FieldLogger

	calling bool
	closed  bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithJobStore resolves SUBMIT_JOB events sent without descriptions.
func WithJobStore(s jobstore.Store) Option { return func(b *Bridge) { b.store = s } }

// WithTrace records every exchange in t.
func WithTrace(t *trace.DecisionTrace) Option { return func(b *Bridge) { b.trace = t } }

// WithMetrics records every exchange in m.
func WithMetrics(m *Metrics) Option { return func(b *Bridge) { b.metrics = m } }

// WithLogger sets the logger. The default is logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) Option { return func(b *Bridge) { b.log = l } }

// WithContext bounds job store lookups.
func WithContext(ctx context.Context) Option { return func(b *Bridge) { b.handler.ctx = ctx } }

// indexed is implemented by components that know the index they were
// initialized with.
type indexed interface {
	Index() uint8
}

// New registers a bridge for comp on server. Components must be bridged in
// the order of the index they were initialized with.
func New(comp Component, server *sim.Server, opts ...Option) *Bridge {
	b := &Bridge{
		comp:   comp,
		server: server,
		writer: protocol.NewWriter(),
		log:    logrus.StandardLogger(),
	}
	b.index = server.AddDecider(b)
	b.handler = newCoreHandler(b.index, server, nil)
	for _, opt := range opts {
		opt(b)
	}
	b.handler.store = b.store
	b.log = b.log.WithField("component", b.index)
	b.reader = protocol.NewReader(b.handler, b.log)
	if c, ok := comp.(indexed); ok && int(c.Index()) != b.index {
		panic(fmt.Sprintf("bridge: component initialized with index %d registered as %d", c.Index(), b.index))
	}
	return b
}

// Index returns the component index.
func (b *Bridge) Index() int { return b.index }

// Writer returns the buffer of events pending for the component.
func (b *Bridge) Writer() *protocol.Writer { return b.writer }

// TakeDecisions sends the pending events to the component and stages its
// reply. It panics if called while a call is in flight.
func (b *Bridge) TakeDecisions(now float64) error {
	if b.calling {
		panic("bridge: TakeDecisions re-entered while a call is in flight")
	}
	if b.closed {
		return fmt.Errorf("component %d is closed", b.index)
	}
	b.calling = true
	defer func() { b.calling = false }()

	nEvents := len(b.writer.Events())
	request := b.writer.GenerateCurrentMessage(now)
	b.writer.Clear()

	start := time.Now()
	reply, err := b.comp.TakeDecisions(request)
	b.metrics.observeCall(b.index, time.Since(start))
	record := trace.ExchangeRecord{
		Component:     b.index,
		Clock:         now,
		RequestEvents: nEvents,
		Request:       request,
		Reply:         reply,
	}
	if err != nil {
		return b.refuse(record, fmt.Errorf("take_decisions at t=%v: %w", now, err))
	}

	b.handler.reset()
	msg, err := b.reader.ParseAndApplyMessage(reply)
	record.ReplyEvents = len(msg.Events)
	if err == nil && msg.Now < now {
		err = &protocol.ProtocolError{Index: -1,
			Reason: fmt.Sprintf("reply timestamp %v is before request timestamp %v", msg.Now, now)}
	}
	if err != nil {
		return b.refuse(record, fmt.Errorf("reply at t=%v: %w", now, err))
	}

	for _, a := range b.handler.staged {
		b.server.Simulator().DSend(a.ts, sim.ServerMailbox, a.msg)
	}
	record.Decisions = decisionCounts(msg.Events)
	b.metrics.observeDecisions(b.index, record.Decisions)
	b.trace.RecordExchange(record)
	b.log.Debugf("[t=%v] %d events sent, %d decisions staged", now, nEvents, len(b.handler.staged))
	b.handler.reset()
	return nil
}

func (b *Bridge) refuse(record trace.ExchangeRecord, err error) error {
	b.handler.reset()
	record.Error = err.Error()
	b.metrics.observeRejected(b.index)
	b.trace.RecordExchange(record)
	return err
}

// Close deinitializes and unloads the component. It is safe to call more
// than once. The job store is shared and stays open.
func (b *Bridge) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.comp.Close(); err != nil {
		return fmt.Errorf("closing component %d: %w", b.index, err)
	}
	return nil
}

// CloseAll closes every bridge, in reverse order, and combines the errors.
func CloseAll(bridges []*Bridge) error {
	var err error
	for i := len(bridges) - 1; i >= 0; i-- {
		err = multierr.Append(err, bridges[i].Close())
	}
	return err
}

var _ sim.Decider = (*Bridge)(nil)
