// Package store persists documents as a base snapshot plus an append-only
// log of reversible patches.
//
// Every backend speaks the same contract:
//
//   - Init writes the first patch and fails with AlreadyExists when the key
//     is taken.
//   - Patch appends one seq range atomically. The range must start at the
//     current seq plus one, otherwise the call fails with SeqMismatch. A
//     retry of a range that is already persisted with the same forward
//     delta succeeds without writing.
//   - Compact folds patches into the base until at most K remain. Every
//     remaining patch keeps its reverse delta, so K bounds the undo window.
//     Patches written without a reverse delta are folded on commit.
//   - Recover overwrites the stored state wholesale.
//
// Backends keep a resident copy of each loaded document. Close and Shed
// drop it; the next Load rebuilds the same record from the base and the
// log, and reports how many patches it had to read.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Records and deltas are stored as canonical JSON (see internal/value).
package store
