package storage

import (
	"context"
	"sync"
)

// Memory keeps records in memory; used by tests and the default wiring when
// no storage path is configured.
type Memory struct {
	mu      sync.Mutex
	records []CallRecord
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) SaveCall(_ context.Context, rec CallRecord) error {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

// Calls returns a copy of everything saved so far.
func (m *Memory) Calls() []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallRecord, len(m.records))
	copy(out, m.records)
	return out
}
