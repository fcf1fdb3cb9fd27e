// Package value is the JSON value model shared by every layer of livedoc.
//
// Document records, command arguments, deltas and projections are all
// value.Object trees. The package imports nothing internal so the store,
// the state machine and the engine can all depend on it.
//
// Key constraints:
//   - NO floats anywhere: numbers are int64, decoding rejects fractions
//   - Object keys are ordered by UTF-16 code units (RFC 8785) when encoding
//   - Null only appears inside deltas, where it means "delete this key"
package value
