// sim/simulator.go
package sim

import (
	"container/heap"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// eventEntry wraps an Event with a sequence ID for deterministic FIFO
// tie-breaking when timestamp and priority are equal.
type eventEntry struct {
	event Event
	seqID int64
}

// EventQueue is a min-heap ordered by (Timestamp, Priority, seqID).
// Implements heap.Interface.
type EventQueue []eventEntry

func (q EventQueue) Len() int { return len(q) }

func (q EventQueue) Less(i, j int) bool {
	if q[i].event.Timestamp() != q[j].event.Timestamp() {
		return q[i].event.Timestamp() < q[j].event.Timestamp()
	}
	if q[i].event.Priority() != q[j].event.Priority() {
		return q[i].event.Priority() < q[j].event.Priority()
	}
	return q[i].seqID < q[j].seqID
}

func (q EventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *EventQueue) Push(x any) {
	*q = append(*q, x.(eventEntry))
}

func (q *EventQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Mailbox names a message destination inside the simulation.
type Mailbox string

// ServerMailbox is where decisions are delivered to the simulation core.
const ServerMailbox Mailbox = "server"

// Receiver consumes messages delivered to a mailbox.
type Receiver interface {
	Receive(now float64, msg any) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(now float64, msg any) error

func (f ReceiverFunc) Receive(now float64, msg any) error { return f(now, msg) }

// Simulator holds simulation time and the event loop. It is single-threaded:
// events run one at a time, in timestamp order.
type Simulator struct {
	Clock     float64
	queue     EventQueue
	seq       int64
	inFlight  int
	mailboxes map[Mailbox]Receiver
	stopped   bool
	log       logrus.FieldLogger
}

// NewSimulator creates a simulator at time 0. A nil log uses the logrus
// standard logger.
func NewSimulator(log logrus.FieldLogger) *Simulator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Simulator{
		queue:     make(EventQueue, 0),
		mailboxes: make(map[Mailbox]Receiver),
		log:       log,
	}
}

// Register attaches r to mailbox box. Registering a mailbox twice panics.
func (sim *Simulator) Register(box Mailbox, r Receiver) {
	if _, dup := sim.mailboxes[box]; dup {
		panic(fmt.Sprintf("sim: mailbox %q registered twice", box))
	}
	sim.mailboxes[box] = r
}

// Schedule pushes ev into the event queue. Scheduling in the past panics.
func (sim *Simulator) Schedule(ev Event) {
	ts := ev.Timestamp()
	if math.IsNaN(ts) || ts < sim.Clock {
		panic(fmt.Sprintf("sim: %T scheduled at %v, before current time %v", ev, ts, sim.Clock))
	}
	sim.seq++
	heap.Push(&sim.queue, eventEntry{event: ev, seqID: sim.seq})
}

// DSend delivers msg to dest at simulated time max(when, Clock). The message
// is never applied synchronously: it reaches dest once the event loop gets to
// that date, after everything already queued for it at delivery priority.
func (sim *Simulator) DSend(when float64, dest Mailbox, msg any) {
	if math.IsNaN(when) || math.IsInf(when, 0) {
		panic(fmt.Sprintf("sim: DSend of %T at invalid date %v", msg, when))
	}
	sim.Schedule(&deliveryEvent{time: max(when, sim.Clock), dest: dest, msg: msg})
	if keepsAlive(msg) {
		sim.inFlight++
	}
}

// Wake-ups do not keep the simulation alive.
func keepsAlive(msg any) bool {
	_, wakeUp := msg.(WakeUpMessage)
	return !wakeUp
}

// InFlight returns the number of queued deliveries, wake-ups excluded.
func (sim *Simulator) InFlight() int { return sim.inFlight }

// Pending returns the number of queued events.
func (sim *Simulator) Pending() int { return len(sim.queue) }

// Stop ends Run after the current event. Queued events are dropped.
func (sim *Simulator) Stop() { sim.stopped = true }

// Stopped reports whether Stop was called.
func (sim *Simulator) Stopped() bool { return sim.stopped }

// Run processes events until the queue is empty, Stop is called, or an event
// fails. An event error aborts the run.
func (sim *Simulator) Run() error {
	for len(sim.queue) > 0 && !sim.stopped {
		entry := heap.Pop(&sim.queue).(eventEntry)
		sim.Clock = entry.event.Timestamp()
		sim.log.Debugf("[t=%.6f] Executing %T", sim.Clock, entry.event)
		if err := entry.event.Execute(sim); err != nil {
			return fmt.Errorf("at t=%v: %w", sim.Clock, err)
		}
	}
	if sim.stopped {
		sim.queue = sim.queue[:0]
	}
	sim.log.Debugf("[t=%.6f] Event loop ended", sim.Clock)
	return nil
}
