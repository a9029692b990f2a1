// Package sim provides the discrete-event simulation core that external
// decision components schedule jobs for.
//
// # Reading Guide
//
// Start with these files to understand the simulation kernel:
//   - job.go: Job lifecycle (submitted → running → completed/timed_out/killed, or rejected)
//   - event.go: Event types that drive the simulation (submission, completion, delivery, decision point)
//   - simulator.go: The event loop, deterministic event ordering and DSend
//   - server.go: The core: applies decisions and reports what happens to every component
//
// # Architecture
//
// The sim package defines the kernel and the collaborators decisions are
// validated against (JobRegistry, ResourceRegistry); everything that talks to
// a decision component lives in sub-packages:
//   - sim/machinerange/: compact resource-id sets ("0-3,7")
//   - sim/protocol/: the wire message Writer and Reader
//   - sim/edc/: loading decision components (native or WebAssembly)
//   - sim/bridge/: the request/reply cycle between the core and one component
//   - sim/workload/: static workloads and dynamic job descriptions
//   - sim/jobstore/: out-of-band job descriptions (memory, Redis)
//   - sim/trace/: decision trace recording
//
// # Time and ordering
//
// Time is a float64 number of simulated seconds. Events at the same date run
// in priority order: deliveries of decisions, job completions, job
// submissions, then the decision point. Decisions never mutate the core
// directly: a bridge validates a whole reply, then DSends one message per
// decision to ServerMailbox.
package sim
