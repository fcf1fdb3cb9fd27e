// Package harness runs scripted document sessions against real engine
// instances and checks what they persisted and streamed.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: counter_basics
//	description: "Two viewers see each other's increments"
//	documents: |
//	  documents: counter: {
//	    fields: x: int | *0
//	    channels: inc: "message"
//	    script: "var channels = { inc: function (m) { doc.x += m.by } }"
//	  }
//	instances: [a, b]
//	services:
//	  math: { double: { n: 42 } }
//	steps:
//	  - op: create
//	    key: counter/c1
//	  - op: connect
//	    key: counter/c1
//	    as: alice
//	  - op: send
//	    as: alice
//	    channel: inc
//	    arg: { by: 2 }
//	    expect: { seq: 3 }
//	assertions:
//	  - type: field
//	    key: counter/c1
//	    path: x
//	    equals: 2
//	  - type: frames
//	    conn: alice
//	    frames: ["STATUS:Connected", '{"data":{"x":0},"seq":1}', ...]
//
// Steps: create, connect, send, disconnect, tick, advance, deliver,
// deploy, restore, web_get, web_put, refresh, settle, shed and close.
// Service calls run in the background; settle waits for them.
//
// Assertions: field, seq, blocked, frames, reads and error.
//
// # Determinism
//
// Every instance shares one memory backend wrapped in a store.Logged, one
// manual clock that only advance moves, and sequential connection ids.
// Instance ids seed command nonces, so the persistence log is identical
// across runs and works as a golden file (see RunWithGolden).
package harness
