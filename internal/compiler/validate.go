package compiler

import (
	"fmt"
	"sort"

	"github.com/roach88/livedoc/internal/policy"
	"github.com/roach88/livedoc/internal/schema"
)

// Validation error codes (E100-E199)
const (
	ErrReservedName       = "E101" // field or channel uses a reserved name
	ErrInvalidPrivacy     = "E102" // privacy rule does not compile
	ErrInvalidPolicy      = "E103" // create/invent/connect rule does not compile
	ErrInvalidSchedule    = "E104" // cron schedule does not parse
	ErrInvalidChannelKind = "E105" // channel kind is not message/future
	ErrNameCollision      = "E106" // cron task and channel share a name
	ErrInvalidViewState   = "E107" // duplicate or empty view state key
	ErrNegativeHistory    = "E108" // maximum_history < 0
	ErrMissingName        = "E109" // document has no name
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a compiled document against the rules the compiler cannot
// enforce structurally. Returns all errors found (does not fail fast), in a
// stable order.
func Validate(doc *schema.Document) []ValidationError {
	var errs []ValidationError
	add := func(code, field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Code: code})
	}

	if doc.Name == "" {
		add(ErrMissingName, "name", "document name is required")
	}
	if doc.MaximumHistory < 0 {
		add(ErrNegativeHistory, "maximum_history", "must be >= 0, got %d", doc.MaximumHistory)
	}

	for _, f := range doc.Fields {
		validateField(f, "fields."+f.Name, add)
	}

	for _, name := range sortedKeys(doc.Channels) {
		kind := doc.Channels[name]
		if schema.IsReserved(name) {
			add(ErrReservedName, "channels."+name, "%q is a reserved name", name)
		}
		if kind != schema.ChannelMessage && kind != schema.ChannelFuture {
			add(ErrInvalidChannelKind, "channels."+name, "kind must be %q or %q, got %q",
				schema.ChannelMessage, schema.ChannelFuture, kind)
		}
	}

	for _, name := range doc.CronNames() {
		if _, err := schema.ParseSchedule(doc.Cron[name]); err != nil {
			add(ErrInvalidSchedule, "cron."+name, "%v", err)
		}
		if _, clash := doc.Channels[name]; clash {
			add(ErrNameCollision, "cron."+name, "cron task %q collides with a channel", name)
		}
		if schema.IsReserved(name) {
			add(ErrReservedName, "cron."+name, "%q is a reserved name", name)
		}
	}

	seen := make(map[string]bool)
	for i, key := range doc.ViewState {
		if key == "" || seen[key] {
			add(ErrInvalidViewState, fmt.Sprintf("view_state[%d]", i), "view state keys must be unique and non-empty")
		}
		seen[key] = true
	}

	for field, rule := range map[string]string{
		"policy.create":  doc.Policy.Create,
		"policy.invent":  doc.Policy.Invent,
		"policy.connect": doc.Policy.Connect,
	} {
		if _, err := policy.Compile(rule, true); err != nil {
			add(ErrInvalidPolicy, field, "%v", err)
		}
	}

	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return errs
}

func validateField(f schema.Field, path string, add func(code, field, format string, args ...any)) {
	if schema.IsReserved(f.Name) {
		add(ErrReservedName, path, "%q is a reserved name", f.Name)
	}
	if _, err := policy.Compile(f.Privacy, true); err != nil {
		add(ErrInvalidPrivacy, path+".privacy", "%v", err)
	}
	if _, err := policy.Compile(f.RowPrivacy, true); err != nil {
		add(ErrInvalidPrivacy, path+".row_privacy", "%v", err)
	}
	for _, sub := range f.Fields {
		validateField(sub, path+"."+sub.Name, add)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
