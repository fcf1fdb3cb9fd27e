package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	Total    int            `json:"total"`
	Passed   int            `json:"passed"`
	Failed   int            `json:"failed"`
	Results  []NamedResult  `json:"results"`
	Failures []SuiteFailure `json:"failures,omitempty"`
}

// NamedResult pairs a scenario file with its result.
type NamedResult struct {
	Path   string  `json:"path"`
	Name   string  `json:"name"`
	Result *Result `json:"result,omitempty"`
}

// SuiteFailure explains one failed scenario.
type SuiteFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// FindScenarios returns the .yaml and .yml files under dir whose base
// name matches filter (a glob; empty matches everything), sorted.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			matched, err := filepath.Match(filter, filepath.Base(path))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	sort.Strings(files)
	return files, err
}

// RunFiles loads and runs each scenario file. A file that fails to load
// or run counts as failed; the rest still run.
func RunFiles(ctx context.Context, paths []string, opts ...Option) *SuiteResult {
	suite := &SuiteResult{Results: []NamedResult{}}
	for _, path := range paths {
		suite.Total++
		fail := func(format string, args ...any) {
			suite.Failed++
			suite.Failures = append(suite.Failures, SuiteFailure{Path: path, Error: fmt.Sprintf(format, args...)})
		}

		scenario, err := LoadScenario(path)
		if err != nil {
			fail("failed to load scenario: %v", err)
			suite.Results = append(suite.Results, NamedResult{Path: path})
			continue
		}
		result, err := Run(ctx, scenario, opts...)
		suite.Results = append(suite.Results, NamedResult{Path: path, Name: scenario.Name, Result: result})
		switch {
		case err != nil:
			fail("scenario execution failed: %v", err)
		case !result.Pass:
			fail("%s", strings.Join(result.Errors, "; "))
		default:
			suite.Passed++
		}
	}
	return suite
}
