package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedDatabase creates counter/c1 with x=3, bumps it by 2 and returns the
// options pointing at the database together with the specs directory.
func seedDatabase(t *testing.T) (*RootOptions, string) {
	t.Helper()
	specsDir := writeSpecs(t, counterSpec)
	opts := &RootOptions{Format: "text", Database: filepath.Join(t.TempDir(), "live.db")}

	_, err := execute(t, NewCreateCommand(opts), specsDir, "counter/c1", "--arg", `{"x":3}`)
	require.NoError(t, err)
	_, err = execute(t, NewSendCommand(opts), specsDir, "counter/c1", "inc", "--arg", `{"by":2}`)
	require.NoError(t, err)
	return opts, specsDir
}

func TestCreate_ThenSend(t *testing.T) {
	specsDir := writeSpecs(t, counterSpec)
	opts := &RootOptions{Format: "text", Database: filepath.Join(t.TempDir(), "live.db")}

	out, err := execute(t, NewCreateCommand(opts), specsDir, "counter/c1")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ counter/c1 construct: seq 1")

	out, err = execute(t, NewSendCommand(opts), specsDir, "counter/c1", "inc")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ counter/c1 inc: seq 2")
}

func TestCreate_Twice(t *testing.T) {
	opts, specsDir := seedDatabase(t)

	out, err := execute(t, NewCreateCommand(opts), specsDir, "counter/c1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [2002]")
}

func TestSend_JSONReceipt(t *testing.T) {
	opts, specsDir := seedDatabase(t)
	opts.Format = "json"

	out, err := execute(t, NewSendCommand(opts), specsDir, "counter/c1", "inc", "--arg", `{"by":5}`)
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   SendResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "counter/c1", resp.Data.Key)
	assert.Equal(t, "inc", resp.Data.Command)
	assert.Equal(t, int64(3), resp.Data.Seq)
	assert.False(t, resp.Data.Parked)
}

func TestSend_ParksOnFuture(t *testing.T) {
	opts, specsDir := seedDatabase(t)

	out, err := execute(t, NewSendCommand(opts), specsDir, "counter/c1", "ask")
	require.NoError(t, err)
	assert.Contains(t, out, "… counter/c1 ask: parked at seq 3")
}

func TestSend_UnknownChannel(t *testing.T) {
	opts, specsDir := seedDatabase(t)

	out, err := execute(t, NewSendCommand(opts), specsDir, "counter/c1", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [2004]")
}

func TestSend_MissingDocument(t *testing.T) {
	opts, specsDir := seedDatabase(t)

	out, err := execute(t, NewSendCommand(opts), specsDir, "counter/missing", "inc")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [2001]")
}

func TestSend_BadArguments(t *testing.T) {
	specsDir := writeSpecs(t, counterSpec)
	opts := &RootOptions{Format: "text", Database: filepath.Join(t.TempDir(), "live.db")}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"key without space", []string{specsDir, "c1", "inc"}, ErrCodeBadArgument},
		{"principal without authority", []string{specsDir, "counter/c1", "inc", "--who", "alice"}, ErrCodeBadArgument},
		{"arg not json", []string{specsDir, "counter/c1", "inc", "--arg", "{"}, ErrCodeBadArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, NewSendCommand(opts), tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestSend_NeedsDatabase(t *testing.T) {
	specsDir := writeSpecs(t, counterSpec)

	_, err := execute(t, NewSendCommand(&RootOptions{Format: "text"}), specsDir, "counter/c1", "inc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeDatabase)
}
