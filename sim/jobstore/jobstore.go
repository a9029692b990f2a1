// Package jobstore holds job and profile descriptions submitted out of band:
// a component sends SUBMIT_JOB without descriptions after writing them to the
// store, and the core resolves them here.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a description is not in the store.
var ErrNotFound = errors.New("description not found")

// Store resolves job and profile descriptions. Descriptions are raw JSON.
type Store interface {
	// Job returns the description of job id ("workload!name").
	Job(ctx context.Context, id string) ([]byte, error)
	// Profile returns the description of profile in workload.
	Profile(ctx context.Context, workload, profile string) ([]byte, error)
	Close() error
}

// JobKey is the key of a job description, relative to the store prefix.
func JobKey(id string) string { return "job_" + id }

// ProfileKey is the key of a profile description, relative to the store prefix.
func ProfileKey(workload, profile string) string {
	return fmt.Sprintf("profile_%s!%s", workload, profile)
}

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// PutJob stores the description of job id.
func (m *Memory) PutJob(id string, desc []byte) { m.put(JobKey(id), desc) }

// PutProfile stores the description of profile in workload.
func (m *Memory) PutProfile(workload, profile string, desc []byte) {
	m.put(ProfileKey(workload, profile), desc)
}

func (m *Memory) put(key string, desc []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), desc...)
}

func (m *Memory) get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	desc, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), desc...), nil
}

func (m *Memory) Job(_ context.Context, id string) ([]byte, error) {
	return m.get(JobKey(id))
}

func (m *Memory) Profile(_ context.Context, workload, profile string) ([]byte, error) {
	return m.get(ProfileKey(workload, profile))
}

func (m *Memory) Close() error { return nil }
