package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/westslope/rigfeed/internal/mapping"
	"github.com/westslope/rigfeed/internal/telemetry"
)

func TestMemory_SourcesReturnSeededData(t *testing.T) {
	t.Parallel()

	m := NewMemory(
		telemetry.WellInfo{Name: "Raven 12-4", Operator: "West Slope"},
		[]mapping.Edit{{Channel: "21", Name: "pumpStrokes", Unit: "spm"}},
	)

	well, err := m.WellInfo(context.Background(), "Raven 12-4")
	require.NoError(t, err)
	require.Equal(t, "West Slope", well.Operator)

	edits, err := m.MappingEdits(context.Background(), "Raven 12-4")
	require.NoError(t, err)
	require.Len(t, edits, 1)

	// Callers get a copy, not the backing slice.
	edits[0].Name = "mutated"
	again, err := m.MappingEdits(context.Background(), "Raven 12-4")
	require.NoError(t, err)
	require.Equal(t, "pumpStrokes", again[0].Name)
}

func TestMemory_PersistRetainsBoundedTail(t *testing.T) {
	t.Parallel()

	m := NewMemory(telemetry.WellInfo{}, nil)
	for i := 0; i < memoryRetention+10; i++ {
		require.NoError(t, m.Persist(context.Background(), i))
	}

	got := m.Persisted()
	require.Len(t, got, memoryRetention)
	require.Equal(t, 10, got[0])
	require.Equal(t, memoryRetention+9, got[len(got)-1])
}
