package sim

import (
	"fmt"

	"github.com/edc-sim/edc-sim/sim/machinerange"
)

// DefaultResourceState is the state machines start in. Only machines in
// this state can run jobs.
const DefaultResourceState = "0"

// PowerModel gives the constant power draw of a machine, in watts.
type PowerModel struct {
	IdleWatts      float64            `yaml:"idle_watts"`
	ComputingWatts float64            `yaml:"computing_watts"`
	StateWatts     map[string]float64 `yaml:"state_watts"` // draw of idle machines per non-default state
}

func (p PowerModel) watts(m *machine) float64 {
	if m.job != "" {
		return p.ComputingWatts
	}
	if m.state != DefaultResourceState {
		if w, ok := p.StateWatts[m.state]; ok {
			return w
		}
	}
	return p.IdleWatts
}

type machine struct {
	state string
	job   string
}

// ResourceRegistry tracks machine states and occupancy, and integrates
// their energy consumption over simulated time.
type ResourceRegistry struct {
	machines   []machine
	power      PowerModel
	energy     float64
	lastUpdate float64
}

// NewResourceRegistry creates n idle machines in DefaultResourceState.
func NewResourceRegistry(n int, power PowerModel) *ResourceRegistry {
	if n < 0 {
		panic(fmt.Sprintf("sim: negative machine count %d", n))
	}
	ms := make([]machine, n)
	for i := range ms {
		ms[i].state = DefaultResourceState
	}
	return &ResourceRegistry{machines: ms, power: power}
}

// Size returns the number of machines.
func (r *ResourceRegistry) Size() int { return len(r.machines) }

// Validate checks that every id in res names a machine.
func (r *ResourceRegistry) Validate(res machinerange.Range) error {
	if res.IsEmpty() {
		return nil
	}
	if res.Max() >= len(r.machines) {
		return fmt.Errorf("machine %d does not exist (platform has %d machines)", res.Max(), len(r.machines))
	}
	return nil
}

// Available checks that res is valid and every machine in it is idle and in
// DefaultResourceState.
func (r *ResourceRegistry) Available(res machinerange.Range) error {
	if err := r.Validate(res); err != nil {
		return err
	}
	for _, id := range res.IDs() {
		m := &r.machines[id]
		if m.job != "" {
			return fmt.Errorf("machine %d is running job %q", id, m.job)
		}
		if m.state != DefaultResourceState {
			return fmt.Errorf("machine %d is in state %q", id, m.state)
		}
	}
	return nil
}

// State returns the state of machine id.
func (r *ResourceRegistry) State(id int) string { return r.machines[id].state }

// Occupant returns the job running on machine id, if any.
func (r *ResourceRegistry) Occupant(id int) string { return r.machines[id].job }

func (r *ResourceRegistry) advance(now float64) {
	if now < r.lastUpdate {
		panic(fmt.Sprintf("sim: energy update at %v before %v", now, r.lastUpdate))
	}
	dt := now - r.lastUpdate
	if dt > 0 {
		for i := range r.machines {
			r.energy += r.power.watts(&r.machines[i]) * dt
		}
	}
	r.lastUpdate = now
}

// Allocate marks res as running jobID.
func (r *ResourceRegistry) Allocate(now float64, res machinerange.Range, jobID string) error {
	if err := r.Available(res); err != nil {
		return fmt.Errorf("allocating %s to job %q: %w", res, jobID, err)
	}
	r.advance(now)
	for _, id := range res.IDs() {
		r.machines[id].job = jobID
	}
	return nil
}

// Release frees res.
func (r *ResourceRegistry) Release(now float64, res machinerange.Range) {
	r.advance(now)
	for _, id := range res.IDs() {
		r.machines[id].job = ""
	}
}

// SetState sets the state of every machine in res. The state is opaque.
func (r *ResourceRegistry) SetState(now float64, res machinerange.Range, state string) error {
	if err := r.Validate(res); err != nil {
		return err
	}
	r.advance(now)
	for _, id := range res.IDs() {
		r.machines[id].state = state
	}
	return nil
}

// ConsumedEnergy returns the energy consumed since time 0, in joules.
func (r *ResourceRegistry) ConsumedEnergy(now float64) float64 {
	r.advance(now)
	return r.energy
}
