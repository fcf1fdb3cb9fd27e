package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted session against one or more engine instances
// sharing a backend. Steps run in order; assertions are checked against
// the final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Specs lists CUE package directories holding document types.
	// Paths are relative to the scenario file location.
	Specs []string `yaml:"specs,omitempty"`

	// Documents is inline CUE source declaring document types, used in
	// addition to Specs.
	Documents string `yaml:"documents,omitempty"`

	// Instances names the engine instances. Default: a single "a".
	Instances []string `yaml:"instances,omitempty"`

	// Start is the clock's initial time in unix milliseconds.
	// Default: DefaultStart.
	Start int64 `yaml:"start,omitempty"`

	// Services stubs the services documents may call: service name to
	// method name to the canned result.
	Services map[string]map[string]any `yaml:"services,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Who is a principal as written in a scenario.
type Who struct {
	Agent     string `yaml:"agent"`
	Authority string `yaml:"authority"`
}

// Step is one operation against an instance.
type Step struct {
	// Op is one of the Op* constants.
	Op string `yaml:"op"`

	// Instance runs the step. Default: the first instance.
	Instance string `yaml:"instance,omitempty"`

	// Key addresses the document as "space/key".
	Key string `yaml:"key,omitempty"`

	// As names a connection: connect opens it, send and disconnect go
	// through it.
	As string `yaml:"as,omitempty"`

	// Who issues the step. Default: DefaultWho, or the connection's
	// principal when As is set.
	Who *Who `yaml:"who,omitempty"`

	// Channel is the channel a send targets.
	Channel string `yaml:"channel,omitempty"`

	// Arg is the payload of create, send, deliver and web_put, and the
	// record of restore.
	Arg any `yaml:"arg,omitempty"`

	// View is the connect view state.
	View map[string]any `yaml:"view,omitempty"`

	// Invent lets connect create a missing document.
	Invent bool `yaml:"invent,omitempty"`

	// Ms is how far advance moves the clock.
	Ms int64 `yaml:"ms,omitempty"`

	// Call is the future id a deliver answers; Fail makes it a failure
	// with that message instead.
	Call string `yaml:"call,omitempty"`
	Fail string `yaml:"fail,omitempty"`

	// Documents is the CUE source a deploy installs.
	Documents string `yaml:"documents,omitempty"`

	// Path and Params address web_get and web_put.
	Path   string         `yaml:"path,omitempty"`
	Params map[string]any `yaml:"params,omitempty"`

	// Expect checks the step's outcome as it runs.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect describes a step outcome. Unset members are not checked.
type Expect struct {
	// Error is a fault code name ("rejected by policy") or number
	// ("1001"); "none" requires success.
	Error    string `yaml:"error,omitempty"`
	Seq      *int64 `yaml:"seq,omitempty"`
	NoOp     *bool  `yaml:"noop,omitempty"`
	Parked   *bool  `yaml:"parked,omitempty"`
	Response any    `yaml:"response,omitempty"`
}

// Step operations.
const (
	OpCreate     = "create"
	OpConnect    = "connect"
	OpSend       = "send"
	OpDisconnect = "disconnect"
	OpTick       = "tick"
	OpAdvance    = "advance"
	OpDeliver    = "deliver"
	OpDeploy     = "deploy"
	OpRestore    = "restore"
	OpWebGet     = "web_get"
	OpWebPut     = "web_put"
	OpRefresh    = "refresh"
	OpSettle     = "settle"
	OpShed       = "shed"
	OpClose      = "close"
)

var stepOps = map[string]bool{
	OpCreate: true, OpConnect: true, OpSend: true, OpDisconnect: true,
	OpTick: true, OpAdvance: true, OpDeliver: true, OpDeploy: true,
	OpRestore: true, OpWebGet: true, OpWebPut: true, OpRefresh: true,
	OpSettle: true, OpShed: true, OpClose: true,
}

// keyless ops run against the whole instance.
var keyless = map[string]bool{OpTick: true, OpAdvance: true, OpSettle: true, OpDeploy: true}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Instance string `yaml:"instance,omitempty"`
	Key      string `yaml:"key,omitempty"`

	// Path is a dot path into the fields (field).
	Path string `yaml:"path,omitempty"`

	// Equals is the expected value (field, seq, blocked, reads).
	Equals any `yaml:"equals,omitempty"`

	// Max bounds the total reads (reads).
	Max *int64 `yaml:"max,omitempty"`

	// Conn and Frames give a connection's exact frame lines (frames).
	Conn   string   `yaml:"conn,omitempty"`
	Frames []string `yaml:"frames,omitempty"`

	// Step and Code name the error a step ended with (error). An empty
	// Code requires the step to have succeeded.
	Step *int  `yaml:"step,omitempty"`
	Code string `yaml:"code,omitempty"`
}

// Assertion types.
const (
	AssertField   = "field"
	AssertSeq     = "seq"
	AssertBlocked = "blocked"
	AssertFrames  = "frames"
	AssertReads   = "reads"
	AssertError   = "error"
)

// LoadScenario reads and parses a scenario YAML file. Spec paths are
// resolved relative to the file. Returns an error if the file doesn't
// exist, is malformed, contains unknown fields (typos), or is missing
// required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	base := filepath.Dir(path)
	for i, spec := range s.Specs {
		if !filepath.IsAbs(spec) {
			s.Specs[i] = filepath.Join(base, spec)
		}
	}
	for _, spec := range s.Specs {
		if _, err := os.Stat(spec); os.IsNotExist(err) {
			return nil, fmt.Errorf("invalid scenario: spec directory not found: %s", spec)
		}
	}
	return s, nil
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	instances := map[string]bool{}
	for _, id := range s.instances() {
		if instances[id] {
			return fmt.Errorf("instance %q declared twice", id)
		}
		instances[id] = true
	}

	for i, step := range s.Steps {
		if !stepOps[step.Op] {
			return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
		}
		if step.Instance != "" && !instances[step.Instance] {
			return fmt.Errorf("steps[%d]: unknown instance %q", i, step.Instance)
		}
		if !keyless[step.Op] && step.Key == "" && step.As == "" {
			return fmt.Errorf("steps[%d]: key is required for %s", i, step.Op)
		}
		if step.Key != "" {
			if _, err := parseKey(step.Key); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
		}
		switch step.Op {
		case OpSend:
			if step.Channel == "" {
				return fmt.Errorf("steps[%d]: channel is required for send", i)
			}
		case OpConnect:
			if step.As == "" || step.Key == "" {
				return fmt.Errorf("steps[%d]: connect needs key and as", i)
			}
		case OpDisconnect:
			if step.As == "" {
				return fmt.Errorf("steps[%d]: as is required for disconnect", i)
			}
		case OpDeliver:
			if step.Call == "" {
				return fmt.Errorf("steps[%d]: call is required for deliver", i)
			}
		case OpDeploy:
			if strings.TrimSpace(step.Documents) == "" {
				return fmt.Errorf("steps[%d]: documents is required for deploy", i)
			}
		case OpRestore:
			if _, ok := step.Arg.(map[string]any); !ok {
				return fmt.Errorf("steps[%d]: restore needs an object arg", i)
			}
		case OpAdvance:
			if step.Ms <= 0 {
				return fmt.Errorf("steps[%d]: advance needs ms > 0", i)
			}
		case OpWebGet, OpWebPut:
			if step.Path == "" {
				return fmt.Errorf("steps[%d]: path is required for %s", i, step.Op)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, len(s.Steps)); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion, steps int) error {
	needKey := func() error {
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for %s", index, a.Type)
		}
		_, err := parseKey(a.Key)
		return err
	}
	switch a.Type {
	case AssertField:
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for field", index)
		}
		return needKey()
	case AssertSeq, AssertBlocked:
		if a.Equals == nil {
			return fmt.Errorf("assertions[%d]: equals is required for %s", index, a.Type)
		}
		return needKey()
	case AssertReads:
		if a.Equals == nil && a.Max == nil {
			return fmt.Errorf("assertions[%d]: reads needs equals or max", index)
		}
		return needKey()
	case AssertFrames:
		if a.Conn == "" {
			return fmt.Errorf("assertions[%d]: conn is required for frames", index)
		}
	case AssertError:
		if a.Step == nil || *a.Step < 0 || *a.Step >= steps {
			return fmt.Errorf("assertions[%d]: step must index a step", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func (s *Scenario) instances() []string {
	if len(s.Instances) == 0 {
		return []string{"a"}
	}
	return s.Instances
}
