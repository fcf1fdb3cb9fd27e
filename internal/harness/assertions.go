package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/livedoc/internal/value"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Index    int
	Type     string
	Expected string
	Actual   string
	// Log is the persistence log for context.
	Log []string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "assertions[%d] %s failed\n", e.Index, e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Log) > 0 {
		fmt.Fprintf(&buf, "\nPersistence log:\n")
		for _, line := range e.Log {
			fmt.Fprintf(&buf, "  %s\n", line)
		}
	}
	return buf.String()
}

// evaluateAssertions checks every assertion and returns a message per
// failure.
func evaluateAssertions(ctx context.Context, h *Harness, result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		expected, actual, ok, err := h.evaluate(ctx, result, a)
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d] %s: %v", i, a.Type, err))
			continue
		}
		if !ok {
			errs = append(errs, (&AssertionError{
				Index:    i,
				Type:     a.Type,
				Expected: expected,
				Actual:   actual,
				Log:      result.Log,
			}).Error())
		}
	}
	return errs
}

// evaluate returns the rendered expectation and observation and whether
// they agree.
func (h *Harness) evaluate(ctx context.Context, result *Result, a Assertion) (string, string, bool, error) {
	switch a.Type {
	case AssertFrames:
		got := result.Frames[a.Conn]
		want := a.Frames
		if want == nil {
			want = []string{}
		}
		return strings.Join(want, " | "), strings.Join(got, " | "), equalLines(want, got), nil
	case AssertError:
		sr := result.Steps[*a.Step]
		if a.Code == "" {
			return "success", describeStep(sr), sr.Code == 0, nil
		}
		return a.Code, describeStep(sr), sr.Code != 0 && codeNamed(a.Code, sr.Code), nil
	}

	key, err := parseKey(a.Key)
	if err != nil {
		return "", "", false, err
	}
	e := h.instance(a.Instance)
	if e == nil {
		return "", "", false, fmt.Errorf("unknown instance %q", a.Instance)
	}

	switch a.Type {
	case AssertReads:
		st, err := e.Stat(ctx, key)
		if err != nil {
			return "", "", false, err
		}
		got := fmt.Sprintf("%d", st.TotalReads)
		if a.Max != nil && st.TotalReads > *a.Max {
			return fmt.Sprintf("<= %d", *a.Max), got, false, nil
		}
		if a.Equals != nil {
			return compareValue(a.Equals, value.Int(st.TotalReads))
		}
		return fmt.Sprintf("<= %d", *a.Max), got, true, nil
	}

	rec, err := e.Record(ctx, key)
	if err != nil {
		return "", "", false, err
	}
	switch a.Type {
	case AssertSeq:
		return compareValue(a.Equals, value.Int(rec.Seq))
	case AssertBlocked:
		return compareValue(a.Equals, value.Bool(rec.Blocked))
	case AssertField:
		got, found := lookupPath(rec.Fields, a.Path)
		if !found {
			if a.Equals == nil {
				return "absent", "absent", true, nil
			}
			want, _ := value.FromGo(a.Equals)
			return encode(want), "absent", false, nil
		}
		if a.Equals == nil {
			return "absent", encode(got), false, nil
		}
		return compareValue(a.Equals, got)
	}
	return "", "", false, fmt.Errorf("unknown assertion type %q", a.Type)
}

func compareValue(raw any, got value.Value) (string, string, bool, error) {
	want, err := value.FromGo(raw)
	if err != nil {
		return "", "", false, fmt.Errorf("equals: %w", err)
	}
	return encode(want), encode(got), value.Equal(want, got), nil
}

// lookupPath walks a dot path through nested objects.
func lookupPath(fields value.Object, path string) (value.Value, bool) {
	var cur value.Value = fields
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(value.Object)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func encode(v value.Value) string {
	if v == nil {
		return "null"
	}
	return value.MustEncode(v)
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func describeStep(sr StepResult) string {
	if sr.Code == 0 {
		return "success"
	}
	return sr.Error
}
