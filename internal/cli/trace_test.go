package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrace_ShowsBaseAndPatches(t *testing.T) {
	opts, _ := seedDatabase(t)

	out, err := execute(t, NewTraceCommand(opts), "counter/c1")
	require.NoError(t, err)
	assert.Contains(t, out, "Document: counter/c1 (seq 2)")
	assert.Contains(t, out, "base @1")
	assert.Contains(t, out, "2-2")
	assert.Contains(t, out, "1 patch(es) after base")
	assert.NotContains(t, out, "undo")
}

func TestTrace_Reverse(t *testing.T) {
	opts, _ := seedDatabase(t)

	out, err := execute(t, NewTraceCommand(opts), "counter/c1", "--reverse")
	require.NoError(t, err)
	assert.Contains(t, out, "undo")
}

func TestTrace_JSON(t *testing.T) {
	opts, _ := seedDatabase(t)
	opts.Format = "json"

	out, err := execute(t, NewTraceCommand(opts), "counter/c1")
	require.NoError(t, err)

	var resp struct {
		Data struct {
			Key     string `json:"key"`
			BaseSeq int64  `json:"base_seq"`
			Seq     int64  `json:"seq"`
			Base    map[string]any
			Patches []json.RawMessage `json:"patches"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "counter/c1", resp.Data.Key)
	assert.Equal(t, int64(1), resp.Data.BaseSeq)
	assert.Equal(t, int64(2), resp.Data.Seq)
	assert.Len(t, resp.Data.Patches, 1)
}

func TestTrace_MissingDocument(t *testing.T) {
	opts, _ := seedDatabase(t)

	out, err := execute(t, NewTraceCommand(opts), "counter/nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "no document counter/nope")
}

func TestInventory_ListsKeys(t *testing.T) {
	opts, _ := seedDatabase(t)

	out, err := execute(t, NewInventoryCommand(opts))
	require.NoError(t, err)
	assert.Contains(t, out, "  counter/c1")
	assert.Contains(t, out, "1 document(s), 1 patch(es)")
}

func TestInventory_EmptyDatabase(t *testing.T) {
	opts := &RootOptions{Format: "text", Database: filepath.Join(t.TempDir(), "empty.db")}

	out, err := execute(t, NewInventoryCommand(opts))
	require.NoError(t, err)
	assert.Contains(t, out, "No documents found in database.")
}

func TestInventory_PureGoDriver(t *testing.T) {
	specsDir := writeSpecs(t, counterSpec)
	opts := &RootOptions{Format: "json", Driver: "sqlite", Database: filepath.Join(t.TempDir(), "live.db")}

	_, err := execute(t, NewCreateCommand(opts), specsDir, "counter/a")
	require.NoError(t, err)
	_, err = execute(t, NewCreateCommand(opts), specsDir, "counter/b")
	require.NoError(t, err)

	out, err := execute(t, NewInventoryCommand(opts))
	require.NoError(t, err)
	var resp struct {
		Data InventoryResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, []string{"counter/a", "counter/b"}, resp.Data.Keys)
	assert.EqualValues(t, 2, resp.Data.Documents)
}

func TestCompact_FoldsPatches(t *testing.T) {
	opts, _ := seedDatabase(t)

	out, err := execute(t, NewCompactCommand(opts), "counter/c1", "--keep", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Compacted counter/c1: base @2, 0 patch(es) kept")

	out, err = execute(t, NewTraceCommand(opts), "counter/c1")
	require.NoError(t, err)
	assert.Contains(t, out, "base @2")
	assert.Contains(t, out, "0 patch(es) after base")
}

func TestCompact_RejectsNegativeKeep(t *testing.T) {
	opts, _ := seedDatabase(t)

	_, err := execute(t, NewCompactCommand(opts), "counter/c1", "--keep", "-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeBadArgument)
}

func TestSnapshot_PrintsRecord(t *testing.T) {
	opts, _ := seedDatabase(t)

	out, err := execute(t, NewSnapshotCommand(opts), "counter/c1")
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.EqualValues(t, 5, rec["x"])
	assert.EqualValues(t, 2, rec["__seq"])
}

func TestRestore_FromSnapshot(t *testing.T) {
	opts, specsDir := seedDatabase(t)

	out, err := execute(t, NewSnapshotCommand(opts), "counter/c1")
	require.NoError(t, err)
	recordFile := filepath.Join(t.TempDir(), "c1.json")
	require.NoError(t, os.WriteFile(recordFile, []byte(out), 0644))

	out, err = execute(t, NewRestoreCommand(opts), specsDir, "counter/c2", recordFile)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Restored counter/c2 at seq 2")

	out, err = execute(t, NewSnapshotCommand(opts), "counter/c2")
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.EqualValues(t, 5, rec["x"])
}

func TestRestore_RejectsNonObject(t *testing.T) {
	opts, specsDir := seedDatabase(t)
	recordFile := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(recordFile, []byte(`[1,2]`), 0644))

	_, err := execute(t, NewRestoreCommand(opts), specsDir, "counter/c2", recordFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeBadArgument)
}
