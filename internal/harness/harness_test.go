package harness

import (
	"context"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const counterCUE = `
documents: counter: {
  fields: x: int | *0
  channels: {
    inc:    "message"
    touch:  "message"
    ask:    "message"
    answer: "future"
    double: "message"
  }
  policy: invent: "who.authority == \"user\""
  script: """
    function construct(arg) { doc.x = (arg && arg.x) || 0; }
    var channels = {
      inc: function (m) { doc.x += m.by || 1; },
      touch: function () {},
      ask: function () { doc.x = fetch("answer").n; },
      double: function () { doc.x = call("math", "double", {n: doc.x}).n; }
    };
    var web = {
      get: { "/x": function () { return {x: doc.x}; } },
      put: { "/set": function (body) { doc.x = body.x; return {ok: true}; } }
    };
    """
}
`

// scenarioYAML indents the counter documents under a YAML block scalar.
func scenarioYAML(body string) string {
	var b strings.Builder
	b.WriteString("documents: |\n")
	for _, line := range strings.Split(strings.Trim(counterCUE, "\n"), "\n") {
		b.WriteString("  " + line + "\n")
	}
	b.WriteString(body)
	return b.String()
}

func runYAML(t *testing.T, body string) *Result {
	t.Helper()
	s, err := ParseScenario([]byte(scenarioYAML(body)))
	require.NoError(t, err)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	return result
}

func TestRun_ConnectionSession(t *testing.T) {
	result := runYAML(t, `
name: connection_session
description: a viewer sees its own increment and an ack
steps:
  - op: create
    key: counter/c1
  - op: connect
    key: counter/c1
    as: alice
  - op: send
    as: alice
    channel: inc
    arg: { by: 2 }
  - op: send
    as: alice
    channel: touch
  - op: disconnect
    as: alice
assertions:
  - type: field
    key: counter/c1
    path: x
    equals: 2
  - type: frames
    conn: alice
    frames:
      - "STATUS:Connected"
      - '{"data":{"x":0},"seq":1}'
      - '{"data":{"x":2},"seq":2}'
      - '{"seq":2}'
      - "STATUS:Disconnected"
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	require.NotEmpty(t, result.Log)
	assert.True(t, strings.HasPrefix(result.Log[0], "INIT:counter/c1:1->"), result.Log[0])
	assert.True(t, strings.HasPrefix(result.Log[1], "PATCH:counter/c1:2-2->"), result.Log[1])
	assert.Len(t, result.Steps, 5)
}

func TestRun_ParkAndAnswer(t *testing.T) {
	result := runYAML(t, `
name: park_and_answer
description: a fetch parks until the same principal answers
steps:
  - op: create
    key: counter/c1
  - op: send
    key: counter/c1
    channel: ask
    expect: { parked: true, error: "not finished", seq: 2 }
  - op: send
    key: counter/c1
    channel: answer
    arg: { n: 7 }
assertions:
  - type: field
    key: counter/c1
    path: x
    equals: 7
  - type: blocked
    key: counter/c1
    equals: false
  - type: error
    step: 1
    code: "3008"
  - type: error
    step: 2
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_ServiceCallSettles(t *testing.T) {
	result := runYAML(t, `
name: service_call
description: a service result resumes the document
services:
  math: { double: { n: 42 } }
steps:
  - op: create
    key: counter/c1
    arg: { x: 21 }
  - op: send
    key: counter/c1
    channel: double
  - op: settle
assertions:
  - type: field
    key: counter/c1
    path: x
    equals: 42
  - type: seq
    key: counter/c1
    equals: 3
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_WebRequests(t *testing.T) {
	result := runYAML(t, `
name: web
description: web put writes and web get reads
steps:
  - op: create
    key: counter/c1
  - op: web_put
    key: counter/c1
    path: /set
    arg: { x: 9 }
    expect: { response: { ok: true } }
  - op: web_get
    key: counter/c1
    path: /x
    expect: { response: { x: 9 } }
assertions:
  - type: seq
    key: counter/c1
    equals: 2
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_TwoInstances(t *testing.T) {
	result := runYAML(t, `
name: two_instances
description: alternating writers on two instances converge
instances: [a, b]
steps:
  - { op: create, key: counter/c1, instance: a }
  - { op: send, key: counter/c1, channel: inc, instance: a }
  - { op: send, key: counter/c1, channel: inc, instance: b }
  - { op: send, key: counter/c1, channel: inc, instance: a }
  - { op: refresh, key: counter/c1, instance: b }
assertions:
  - { type: field, key: counter/c1, path: x, equals: 3, instance: b }
  - { type: seq, key: counter/c1, equals: 4, instance: a }
  - { type: seq, key: counter/c1, equals: 4, instance: b }
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_TwoInstancesStaleWithoutRefresh(t *testing.T) {
	result := runYAML(t, `
name: two_instances_stale
description: an instance keeps its own last write until it refreshes
instances: [a, b]
steps:
  - { op: create, key: counter/c1, instance: a }
  - { op: send, key: counter/c1, channel: inc, instance: a }
  - { op: send, key: counter/c1, channel: inc, instance: b }
  - { op: send, key: counter/c1, channel: inc, instance: a }
assertions:
  - { type: field, key: counter/c1, path: x, equals: 2, instance: b }
  - { type: seq, key: counter/c1, equals: 3, instance: b }
  - { type: field, key: counter/c1, path: x, equals: 3, instance: a }
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_InventPolicy(t *testing.T) {
	result := runYAML(t, `
name: invent
description: only users may invent documents on connect
steps:
  - op: connect
    key: counter/fresh
    as: bob
    invent: true
    who: { agent: bob, authority: user }
  - op: connect
    key: counter/other
    as: eve
    invent: true
    who: { agent: eve, authority: guest }
    expect: { error: "rejected by policy" }
assertions:
  - { type: field, key: counter/fresh, path: x, equals: 0 }
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_DeployAddsField(t *testing.T) {
	result := runYAML(t, `
name: deploy
description: a compatible deploy fills new fields with defaults
steps:
  - { op: create, key: counter/c1, arg: { x: 4 } }
  - op: deploy
    documents: |
      documents: counter: {
        fields: { x: int | *0, y: int | *5 }
        channels: { inc: "message", touch: "message", ask: "message", answer: "future", double: "message" }
        script: "var channels = { inc: function (m) { doc.x += 1; } };"
      }
  - { op: send, key: counter/c1, channel: inc }
assertions:
  - { type: field, key: counter/c1, path: x, equals: 5 }
  - { type: field, key: counter/c1, path: y, equals: 5 }
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_TickWithNothingDue(t *testing.T) {
	result := runYAML(t, `
name: tick
description: a tick with nothing due changes nothing
steps:
  - { op: create, key: counter/c1 }
  - { op: advance, ms: 60000 }
  - { op: tick }
assertions:
  - { type: seq, key: counter/c1, equals: 1 }
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_RestoreOverwrites(t *testing.T) {
	result := runYAML(t, `
name: restore
description: restoring into an empty store initializes the record
steps:
  - op: restore
    key: counter/r1
    arg: { __seq: 5, x: 11 }
assertions:
  - { type: field, key: counter/r1, path: x, equals: 11 }
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_ShedReloadsFromLog(t *testing.T) {
	result := runYAML(t, `
name: shed
description: a shed document reloads with bounded reads
steps:
  - { op: create, key: counter/c1 }
  - { op: send, key: counter/c1, channel: inc }
  - { op: shed, key: counter/c1 }
  - { op: send, key: counter/c1, channel: inc }
assertions:
  - { type: field, key: counter/c1, path: x, equals: 2 }
  - { type: reads, key: counter/c1, max: 5 }
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Contains(t, result.Log, "SHED:counter/c1")
	assert.Contains(t, result.Log, "LOAD:counter/c1")
}

func TestRun_UnexpectedErrorFails(t *testing.T) {
	result := runYAML(t, `
name: missing
description: sending to a missing document fails the scenario
steps:
  - { op: send, key: counter/nope, channel: inc }
`)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "unexpected error")
	assert.NotZero(t, result.Steps[0].Code)
}

func TestRun_ExpectationMismatchFails(t *testing.T) {
	result := runYAML(t, `
name: mismatch
description: a wrong seq expectation is reported
steps:
  - { op: create, key: counter/c1, expect: { seq: 9 } }
assertions:
  - { type: field, key: counter/c1, path: x, equals: 1 }
`)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "expected seq 9, got 1")
	assert.Contains(t, result.Errors[1], "Expected: 1")
}

func TestRun_TranscriptIsReproducible(t *testing.T) {
	body := `
name: reproducible
description: two runs persist and stream the same bytes
instances: [a, b]
steps:
  - { op: create, key: counter/c1 }
  - { op: connect, key: counter/c1, as: viewer, instance: b }
  - { op: send, key: counter/c1, channel: inc, instance: a }
  - { op: send, key: counter/c1, channel: inc, instance: b }
  - { op: refresh, key: counter/c1, instance: b }
`
	first := runYAML(t, body)
	second := runYAML(t, body)
	require.True(t, first.Pass, "errors: %v", first.Errors)

	g := goldie.New(t,
		goldie.WithFixtureDir(t.TempDir()),
		goldie.WithNameSuffix(".golden"),
	)
	require.NoError(t, g.Update(t, "reproducible", []byte(first.Transcript())))
	g.Assert(t, "reproducible", []byte(second.Transcript()))
}

func TestResult_Transcript(t *testing.T) {
	r := NewResult()
	r.Log = []string{"INIT:a/b:1->{}", "CLOSE:a/b"}
	r.Frames["z"] = []string{"STATUS:Connected"}
	r.Frames["m"] = []string{"STATUS:Disconnected"}

	assert.Equal(t, "INIT:a/b:1->{}\nCLOSE:a/b\n== m\nSTATUS:Disconnected\n== z\nSTATUS:Connected\n", r.Transcript())
}

func TestRun_NeedsDocumentTypes(t *testing.T) {
	s, err := ParseScenario([]byte("name: empty\ndescription: d\nsteps: [{op: tick}]\n"))
	require.NoError(t, err)
	_, err = Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declares no document types")
}
