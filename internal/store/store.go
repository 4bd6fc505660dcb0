// Package store defines the persistence collaborator boundary. The core
// broadcasts first and persists fire-and-forget; nothing in-process depends
// on a write having landed.
package store

import (
	"context"
	"sync"

	"github.com/westslope/rigfeed/internal/mapping"
	"github.com/westslope/rigfeed/internal/telemetry"
)

// WellSource supplies the static well description at startup.
type WellSource interface {
	WellInfo(ctx context.Context, well string) (telemetry.WellInfo, error)
}

// MappingSource supplies the per-well mapping overlay applied on top of the
// standard table.
type MappingSource interface {
	MappingEdits(ctx context.Context, well string) ([]mapping.Edit, error)
}

// Persister accepts canonical entities for storage. Errors are logged by the
// caller and otherwise ignored.
type Persister interface {
	Persist(ctx context.Context, entity any) error
}

const memoryRetention = 10_000

// Memory is the in-process implementation used by the default binary wiring
// and by tests. It retains a bounded tail of persisted entities.
type Memory struct {
	mu       sync.Mutex
	well     telemetry.WellInfo
	edits    []mapping.Edit
	entities []any
}

func NewMemory(well telemetry.WellInfo, edits []mapping.Edit) *Memory {
	return &Memory{well: well, edits: edits}
}

func (m *Memory) WellInfo(ctx context.Context, well string) (telemetry.WellInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.well, nil
}

func (m *Memory) MappingEdits(ctx context.Context, well string) ([]mapping.Edit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mapping.Edit, len(m.edits))
	copy(out, m.edits)
	return out, nil
}

func (m *Memory) Persist(ctx context.Context, entity any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities = append(m.entities, entity)
	if len(m.entities) > memoryRetention {
		m.entities = m.entities[len(m.entities)-memoryRetention:]
	}
	return nil
}

// Persisted returns the retained entity tail, oldest first.
func (m *Memory) Persisted() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]any, len(m.entities))
	copy(out, m.entities)
	return out
}
