package harness

import (
	"context"
	"regexp"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RunWithGolden executes a scenario and compares its transcript against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Golden files are the reviewed record of what a scenario persists and
// streams; a diff in them is a behavior change.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// entropyValue matches the record entropy in persisted patches.
var entropyValue = regexp.MustCompile(`"__entropy":\d+`)

// AssertGolden compares an existing result's transcript against the
// golden file for name. Entropy values are masked; reproducibility of the
// exact bytes is checked by running a scenario twice.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(MaskEntropy(result.Transcript())))
}

// MaskEntropy replaces every record entropy in a transcript with "*".
func MaskEntropy(transcript string) string {
	return entropyValue.ReplaceAllString(transcript, `"__entropy":"*"`)
}
