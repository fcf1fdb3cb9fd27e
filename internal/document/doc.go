// Package document implements the per-key deterministic state machine.
//
// A document is a flat JSON record: schema fields plus reserved "__" keys
// that carry the sequence number, entropy, connected clients, parked
// continuations, queued messages, cron tasks and the other auxiliary
// subsystems. The Machine applies one Command at a time to a Record and
// returns the next Record together with a forward and a reverse delta.
//
// Execution is synchronous. When behavior code needs input it does not
// have yet (a channel message, a choice, a remote service result), the
// execution parks: the command that triggered it is stored in the record
// as a continuation and re-executed from the top once the input arrives.
// Inputs already consumed by a parked execution are kept with the
// continuation so re-execution observes the same values.
package document
