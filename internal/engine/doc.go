// Package engine hosts live documents.
//
// The engine owns the runtime side of a document: it loads records from a
// store.Backend, applies commands through a document.Machine, persists the
// resulting patches, and pushes each viewer the change in its view.
//
// ARCHITECTURE:
//
// Actors:
// Every key has an actor with a FIFO mailbox. Public operations submit a
// job and wait for it. A bounded pool of workers runs actors that have
// work, one job at a time per actor, so commands on one key are applied
// in submission order while different keys proceed in parallel.
//
// Command flow:
//  1. The job loads the record if the actor holds none
//  2. The machine applies the command to the record
//  3. The patch is written under the seq precondition
//  4. On SeqMismatch the record is reloaded and the command re-applied
//  5. Viewers receive their view diff; the issuing viewer gets a bare seq
//     frame when nothing it can see changed
//
// Suspension:
// A behavior waiting for input parks its continuation in the record and
// the worker moves on. The input arrives as a later command (a message,
// a deliver, an invalidate) that resumes it.
//
// Timers:
// Run ticks resident documents whose state transition, fetchTimeout or
// cron task is due. The sweeper asks the capacity Controller which
// documents to close or shed.
//
// Several engines may share one backend. Safety comes only from the seq
// precondition on writes; there is no leader.
package engine
