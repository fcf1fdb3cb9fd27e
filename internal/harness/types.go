package harness

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/livedoc/internal/engine"
)

// StepResult records how one step ended.
type StepResult struct {
	Index int    `json:"index"`
	Op    string `json:"op"`
	Key   string `json:"key,omitempty"`
	// Seq is the document seq after the step, when it committed.
	Seq int64 `json:"seq,omitempty"`
	// Code is the fault code the step failed with; zero on success.
	Code  int    `json:"code,omitempty"`
	Error string `json:"error,omitempty"`

	receipt *engine.Receipt
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Log is the persistence log, one line per backend call, in order.
	Log []string `json:"log"`

	// Frames holds each connection's streamback lines, by connection name.
	Frames map[string][]string `json:"frames,omitempty"`

	Steps []StepResult `json:"steps"`

	// Errors contains failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Log:    []string{},
		Frames: map[string][]string{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Transcript renders the log and the frames as the golden text: the log
// lines, then one block per connection in name order.
func (r *Result) Transcript() string {
	var b strings.Builder
	for _, line := range r.Log {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	names := make([]string, 0, len(r.Frames))
	for name := range r.Frames {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "== %s\n", name)
		for _, line := range r.Frames[name] {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
