package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplay_AllDocuments(t *testing.T) {
	opts, specsDir := seedDatabase(t)
	_, err := execute(t, NewCreateCommand(opts), specsDir, "counter/c2")
	require.NoError(t, err)

	out, err := execute(t, NewReplayCommand(opts))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ counter/c1: 1 patch(es), seq 2")
	assert.Contains(t, out, "✓ counter/c2: 0 patch(es), seq 1")
	assert.Contains(t, out, "All 2 document(s) replay deterministically")
}

func TestReplay_JSON(t *testing.T) {
	opts, _ := seedDatabase(t)
	opts.Format = "json"

	out, err := execute(t, NewReplayCommand(opts), "counter/c1")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.AllDeterministic)
	require.Len(t, resp.Data.Documents, 1)
	assert.Equal(t, int64(2), resp.Data.Documents[0].Seq)
}

func TestReplay_ChecksFieldsAgainstSpecs(t *testing.T) {
	opts, specsDir := seedDatabase(t)

	_, err := execute(t, NewReplayCommand(opts), "--specs", specsDir)
	require.NoError(t, err)

	// A type that wants x to be a string no longer matches the log.
	stringSpecs := writeSpecs(t, `package specs

documents: counter: {
	fields: x: string | *""
}
`)
	out, err := execute(t, NewReplayCommand(opts), "--specs", stringSpecs)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ counter/c1")
	assert.Contains(t, out, "do not match type counter")
}

func TestReplay_Rewind(t *testing.T) {
	opts, _ := seedDatabase(t)

	out, err := execute(t, NewReplayCommand(opts), "counter/c1", "--rewind", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "1 command(s) back:")
	assert.Contains(t, out, `"x":3`)
}

func TestReplay_RewindNeedsKey(t *testing.T) {
	opts, _ := seedDatabase(t)

	_, err := execute(t, NewReplayCommand(opts), "--rewind", "1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeBadArgument)
}

func TestReplay_EmptyDatabase(t *testing.T) {
	opts := &RootOptions{Format: "text", Database: filepath.Join(t.TempDir(), "empty.db")}

	out, err := execute(t, NewReplayCommand(opts))
	require.NoError(t, err)
	assert.Contains(t, out, "No documents found in database.")
}
