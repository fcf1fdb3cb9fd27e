package store

import (
	"context"

	"github.com/roach88/livedoc/internal/value"
)

// seqKey is the record member holding the sequence number.
const seqKey = "__seq"

// Key addresses one document.
type Key struct {
	Space string
	Key   string
}

func (k Key) String() string { return k.Space + "/" + k.Key }

// Patch is one persisted step of a document's log. Start and End are the
// inclusive seq range it covers; a single command covers one seq.
type Patch struct {
	Start   int64
	End     int64
	Forward value.Object
	// Reverse is nil when the document keeps no history.
	Reverse value.Object
}

// Loaded is a document read back from a backend.
type Loaded struct {
	Record value.Object
	Seq    int64
	// Reads counts the log entries replayed to rebuild the record. A
	// resident hit reads nothing.
	Reads int
}

// History is the durable form of a document: the base and the patches
// still held after it.
type History struct {
	Base    value.Object
	BaseSeq int64
	Patches []Patch
}

// Backend is the persistence contract the engine writes through.
type Backend interface {
	Init(ctx context.Context, key Key, p Patch) error
	Load(ctx context.Context, key Key) (*Loaded, error)
	Patch(ctx context.Context, key Key, p Patch) error
	Close(ctx context.Context, key Key) error
	Shed(ctx context.Context, key Key) error
	// Snapshot folds the whole log into the base and returns the record.
	Snapshot(ctx context.Context, key Key) (value.Object, error)
	Compact(ctx context.Context, key Key, keep int) error
	Recover(ctx context.Context, key Key, record value.Object) error
	Inventory(ctx context.Context) ([]Key, error)
	Delete(ctx context.Context, key Key) error
	History(ctx context.Context, key Key) (*History, error)
}

func seqOf(rec value.Object) int64 {
	return rec.Int(seqKey)
}
