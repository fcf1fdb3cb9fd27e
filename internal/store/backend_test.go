package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/value"
)

var docKey = Key{Space: "counter", Key: "c1"}

func record(seq, x int64) value.Object {
	return value.Obj(value.P(seqKey, value.Int(seq)), value.P("x", value.Int(x)))
}

func initPatch(rec value.Object) Patch {
	return Patch{Start: 1, End: 1, Forward: value.Diff(value.Object{}, rec)}
}

func step(before, after value.Object) Patch {
	seq := seqOf(after)
	return Patch{Start: seq, End: seq, Forward: value.Diff(before, after), Reverse: value.Diff(after, before)}
}

// backends returns a fresh instance of every Backend implementation.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	out := map[string]Backend{"memory": NewMemory()}
	for _, driver := range []string{DriverCGO, DriverPureGo} {
		s, err := Open(filepath.Join(t.TempDir(), driver+".db"), WithDriver(driver))
		require.NoError(t, err)
		t.Cleanup(func() { s.CloseDB() })
		out["sqlite/"+driver] = s
	}
	return out
}

// seed creates docKey and applies n increments.
func seed(t *testing.T, b Backend, n int64) value.Object {
	t.Helper()
	ctx := context.Background()
	rec := record(1, 0)
	require.NoError(t, b.Init(ctx, docKey, initPatch(rec)))
	for i := int64(1); i <= n; i++ {
		next := record(i+1, i)
		require.NoError(t, b.Patch(ctx, docKey, step(rec, next)))
		rec = next
	}
	return rec
}

func TestBackend_InitTwice(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Init(ctx, docKey, initPatch(record(1, 0))))
			err := b.Init(ctx, docKey, initPatch(record(1, 5)))
			assert.True(t, fault.Is(err, fault.AlreadyExists))
		})
	}
}

func TestBackend_LoadMissing(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Load(context.Background(), Key{Space: "counter", Key: "nope"})
			assert.True(t, fault.Is(err, fault.NotFound))
		})
	}
}

func TestBackend_PatchRequiresNextSeq(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := seed(t, b, 2)

			skip := step(rec, record(5, 9))
			err := b.Patch(ctx, docKey, skip)
			assert.True(t, fault.Is(err, fault.SeqMismatch))

			stale := step(record(2, 1), record(3, 42))
			err = b.Patch(ctx, docKey, stale)
			assert.True(t, fault.Is(err, fault.SeqMismatch), "a different delta for a persisted range conflicts")

			loaded, err := b.Load(ctx, docKey)
			require.NoError(t, err)
			assert.Equal(t, rec, loaded.Record)
		})
	}
}

func TestBackend_PatchRetryIsIdempotent(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := seed(t, b, 3)
			again := step(record(3, 2), rec)
			require.NoError(t, b.Patch(ctx, docKey, again))

			older := step(record(2, 1), record(3, 2))
			require.NoError(t, b.Patch(ctx, docKey, older))

			loaded, err := b.Load(ctx, docKey)
			require.NoError(t, err)
			assert.Equal(t, int64(4), loaded.Seq)
		})
	}
}

func TestBackend_ShedRebuildsIdenticalState(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := seed(t, b, 5)

			first, err := b.Load(ctx, docKey)
			require.NoError(t, err)
			require.NoError(t, b.Shed(ctx, docKey))

			second, err := b.Load(ctx, docKey)
			require.NoError(t, err)
			assert.Equal(t, rec, second.Record)
			assert.Equal(t, first.Record, second.Record)
			assert.Equal(t, 5, second.Reads)

			resident, err := b.Load(ctx, docKey)
			require.NoError(t, err)
			assert.Zero(t, resident.Reads)
		})
	}
}

func TestBackend_CompactBoundsHistory(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := seed(t, b, 30)

			require.NoError(t, b.Compact(ctx, docKey, 10))
			h, err := b.History(ctx, docKey)
			require.NoError(t, err)
			assert.Len(t, h.Patches, 10)
			assert.Equal(t, int64(21), h.BaseSeq)
			require.NoError(t, VerifyReplay(h, rec))

			undone, err := Rewind(h, 10)
			require.NoError(t, err)
			assert.Equal(t, record(21, 20), undone)

			require.NoError(t, b.Close(ctx, docKey))
			loaded, err := b.Load(ctx, docKey)
			require.NoError(t, err)
			assert.Equal(t, 10, loaded.Reads)
		})
	}
}

func TestBackend_NoReverseFoldsOnCommit(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := record(1, 0)
			require.NoError(t, b.Init(ctx, docKey, initPatch(rec)))
			for i := int64(2); i <= 4; i++ {
				next := record(i, i)
				p := step(rec, next)
				p.Reverse = nil
				require.NoError(t, b.Patch(ctx, docKey, p))
				rec = next
			}
			h, err := b.History(ctx, docKey)
			require.NoError(t, err)
			assert.Empty(t, h.Patches)
			assert.Equal(t, rec, h.Base)
		})
	}
}

func TestBackend_RecoverOverwrites(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed(t, b, 3)

			restored := record(5, 100)
			require.NoError(t, b.Recover(ctx, docKey, restored))
			require.NoError(t, b.Shed(ctx, docKey))

			loaded, err := b.Load(ctx, docKey)
			require.NoError(t, err)
			assert.Equal(t, restored, loaded.Record)

			next := record(6, 101)
			require.NoError(t, b.Patch(ctx, docKey, step(restored, next)))
		})
	}
}

func TestBackend_SnapshotInventoryDelete(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := seed(t, b, 4)
			other := Key{Space: "alpha", Key: "z"}
			require.NoError(t, b.Init(ctx, other, initPatch(record(1, 0))))

			snap, err := b.Snapshot(ctx, docKey)
			require.NoError(t, err)
			assert.Equal(t, rec, snap)

			keys, err := b.Inventory(ctx)
			require.NoError(t, err)
			assert.Equal(t, []Key{other, docKey}, keys)

			require.NoError(t, b.Delete(ctx, docKey))
			_, err = b.Load(ctx, docKey)
			assert.True(t, fault.Is(err, fault.NotFound))
			assert.True(t, fault.Is(b.Delete(ctx, docKey), fault.NotFound))
		})
	}
}

func TestBackend_StaleResidentCopyIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := Open(path)
	require.NoError(t, err)
	defer a.CloseDB()
	b, err := Open(path)
	require.NoError(t, err)
	defer b.CloseDB()

	ctx := context.Background()
	rec := seed(t, a, 1)
	_, err = b.Load(ctx, docKey)
	require.NoError(t, err)

	next := record(3, 2)
	require.NoError(t, a.Patch(ctx, docKey, step(rec, next)))

	stale, err := b.Load(ctx, docKey)
	require.NoError(t, err)
	err = b.Patch(ctx, docKey, step(stale.Record, record(3, 99)))
	assert.True(t, fault.Is(err, fault.SeqMismatch))

	fresh, err := b.Load(ctx, docKey)
	require.NoError(t, err)
	assert.Equal(t, next, fresh.Record)
}

func TestMemory_LoadSkipsCopyOvertakenByPatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rec := seed(t, m, 1)

	// A replay that started before the next patch landed.
	d := m.docs[docKey]
	seq := d.seq
	replayed, err := Replay(d.history())
	require.NoError(t, err)

	next := record(3, 2)
	require.NoError(t, m.Patch(ctx, docKey, step(rec, next)))
	m.install(docKey, d, seq, replayed)

	loaded, err := m.Load(ctx, docKey)
	require.NoError(t, err)
	assert.Equal(t, next, loaded.Record)
	assert.Equal(t, 2, loaded.Reads, "rebuilt from the log, not the stale copy")
}
