package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScenario(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestFindScenarios_FiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "b.yaml", minimalScenario)
	writeScenario(t, dir, "a.yml", minimalScenario)
	writeScenario(t, dir, "notes.txt", "ignored")

	all, err := FindScenarios(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yml"), filepath.Join(dir, "b.yaml")}, all)

	only, err := FindScenarios(dir, "b*")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "b.yaml")}, only)

	_, err = FindScenarios(dir, "[")
	assert.Error(t, err)
}

func TestRunFiles_CountsOutcomes(t *testing.T) {
	dir := t.TempDir()
	good := writeScenario(t, dir, "good.yaml", minimalScenario)
	broken := writeScenario(t, dir, "broken.yaml", "name: [")
	failing := writeScenario(t, dir, "failing.yaml", minimalScenario+"assertions: [{type: seq, key: counter/c1, equals: 7}]\n")

	suite := RunFiles(context.Background(), []string{good, broken, failing})
	assert.Equal(t, 3, suite.Total)
	assert.Equal(t, 1, suite.Passed)
	assert.Equal(t, 2, suite.Failed)
	require.Len(t, suite.Failures, 2)
	assert.Equal(t, broken, suite.Failures[0].Path)
	assert.Contains(t, suite.Failures[0].Error, "failed to load scenario")
	assert.Equal(t, failing, suite.Failures[1].Path)
	require.Len(t, suite.Results, 3)
	assert.Equal(t, "minimal", suite.Results[0].Name)
}
