package engine

// # Replay and Determinism
//
// A record is a pure function of its first patch and the commands applied
// since. Replaying the persisted log therefore rebuilds the record bit
// for bit, and VerifyReplay checks exactly that against the copy a
// running instance holds.
//
// ## What makes execution deterministic
//
// 1. Entropy in the record
//
//	rng := newRand(record.__entropy, record.__seq+1)
//
// Every random number a behavior draws, and every future or message id,
// comes from a generator seeded by the record itself. The next entropy is
// drawn from the same generator, so the sequence never repeats.
//
// 2. Time in the command
//
// Behaviors see the command's timestamp, never the wall clock. Cron and
// fetchTimeout deadlines are compared against that timestamp.
//
// 3. Continuations as data
//
// A parked execution is stored as the command to re-run plus the answers
// it has consumed. Resuming re-runs the command and replays the answers,
// so the resumed execution takes the same path as the original.
//
// ## Conflicts
//
// When two instances race on one key, the loser reloads and re-applies
// its command to the winner's record. Because execution only depends on
// the record and the command, the retried result is what a single
// instance would have computed had the commands arrived in that order.

import (
	"context"

	"github.com/roach88/livedoc/internal/store"
	"github.com/roach88/livedoc/internal/value"
)

// VerifyReplay replays key's persisted log and compares the result with
// the record this instance holds.
func (e *Engine) VerifyReplay(ctx context.Context, key store.Key) error {
	return e.submit(ctx, key, "verify", func(ctx context.Context, a *actor) error {
		if err := e.load(ctx, a); err != nil {
			return err
		}
		h, err := e.backend.History(ctx, key)
		if err != nil {
			return err
		}
		return store.VerifyReplay(h, a.rec.Object())
	})
}

// Rewind returns key's record as it was n commands ago, using the reverse
// deltas still held.
func (e *Engine) Rewind(ctx context.Context, key store.Key, n int) (value.Object, error) {
	h, err := e.backend.History(ctx, key)
	if err != nil {
		return nil, err
	}
	return store.Rewind(h, n)
}
