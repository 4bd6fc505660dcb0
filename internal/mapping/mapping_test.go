package mapping

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapping_Table_StandardSeed(t *testing.T) {
	t.Parallel()

	table := NewTable()

	m, ok := table.Resolve("6")
	require.True(t, ok)
	require.Equal(t, Mapping{Name: "wob", Unit: "klbs", Kind: KindParameter}, m)

	m, ok = table.Resolve("17")
	require.True(t, ok)
	require.Equal(t, KindSurveyMD, m.Kind)

	_, ok = table.Resolve("99")
	require.False(t, ok)
}

func TestMapping_Table_Apply(t *testing.T) {
	t.Parallel()

	table := NewTable()

	require.NoError(t, table.Apply(
		Edit{Channel: "20", Name: "pumpStrokes", Unit: "spm"},
		Edit{Channel: "14", Remove: true},
	))

	m, ok := table.Resolve("20")
	require.True(t, ok)
	// An empty kind defaults to parameter.
	require.Equal(t, Mapping{Name: "pumpStrokes", Unit: "spm", Kind: KindParameter}, m)

	_, ok = table.Resolve("14")
	require.False(t, ok)
}

func TestMapping_Table_ApplyRejectsInvalidEdits(t *testing.T) {
	t.Parallel()

	table := NewTable()

	require.Error(t, table.Apply(Edit{Name: "noChannel"}))
	require.Error(t, table.Apply(Edit{Channel: "20"}))
	require.Error(t, table.Apply(Edit{Channel: "20", Name: "x", Kind: "bogus"}))

	// A rejected batch must not partially apply.
	require.Error(t, table.Apply(
		Edit{Channel: "20", Name: "pumpStrokes"},
		Edit{Channel: "21"},
	))
	_, ok := table.Resolve("20")
	require.False(t, ok)
}

func TestMapping_Table_SnapshotIsACopy(t *testing.T) {
	t.Parallel()

	table := NewTable()
	snap := table.Snapshot()
	delete(snap, "1")

	_, ok := table.Resolve("1")
	require.True(t, ok)
}

func TestMapping_LoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mappings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mappings:
  - channel: DEPT
    name: gammaDepth
    unit: ft
    kind: gammaDepth
  - channel: GR
    name: gamma
    unit: api
    kind: gammaValue
  - channel: "14"
    remove: true
`), 0o644))

	edits, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, edits, 3)

	table := NewTable()
	require.NoError(t, table.Apply(edits...))

	m, ok := table.Resolve("GR")
	require.True(t, ok)
	require.Equal(t, KindGammaValue, m.Kind)
	_, ok = table.Resolve("14")
	require.False(t, ok)
}

func TestMapping_LoadFile_Missing(t *testing.T) {
	t.Parallel()

	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
