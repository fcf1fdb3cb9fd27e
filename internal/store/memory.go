package store

import (
	"context"
	"sync"

	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/value"
)

type memDoc struct {
	base    value.Object
	baseSeq int64
	seq     int64
	patches []Patch
	last    Patch
}

// Memory is a process-local Backend. Several engines may share one
// Memory to simulate instances racing the same store.
type Memory struct {
	mu       sync.Mutex
	docs     map[Key]*memDoc
	resident *residency
}

var _ Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{docs: make(map[Key]*memDoc), resident: newResidency()}
}

func (m *Memory) Init(ctx context.Context, key Key, p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[key]; ok {
		return fault.New(fault.AlreadyExists, "document already exists").WithKey(key.String())
	}
	base := value.Merge(value.Object{}, p.Forward)
	m.docs[key] = &memDoc{base: base, baseSeq: p.End, seq: p.End, last: p}
	return nil
}

func (m *Memory) Load(ctx context.Context, key Key) (*Loaded, error) {
	if rec, ok := m.resident.get(key); ok {
		return &Loaded{Record: rec, Seq: seqOf(rec)}, nil
	}
	m.mu.Lock()
	d, ok := m.docs[key]
	if !ok {
		m.mu.Unlock()
		return nil, fault.New(fault.NotFound, "no document").WithKey(key.String())
	}
	h := d.history()
	seq := d.seq
	m.mu.Unlock()

	rec, err := Replay(h)
	if err != nil {
		return nil, fault.Wrap(fault.StorageFailure, err, "load").WithKey(key.String())
	}
	m.install(key, d, seq, rec)
	return &Loaded{Record: rec, Seq: seqOf(rec), Reads: len(h.Patches)}, nil
}

// install keeps rec as the resident copy unless the document was written,
// replaced or deleted while it was being replayed.
func (m *Memory) install(key Key, d *memDoc, seq int64, rec value.Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[key] != d || d.seq != seq {
		return
	}
	m.resident.put(key, rec)
}

func (m *Memory) Patch(ctx context.Context, key Key, p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[key]
	if !ok {
		return fault.New(fault.NotFound, "no document").WithKey(key.String())
	}
	if p.Start != d.seq+1 {
		if d.persisted(p) {
			return nil
		}
		m.resident.drop(key)
		return fault.New(fault.SeqMismatch, "patch %d-%d does not follow seq %d", p.Start, p.End, d.seq).WithKey(key.String())
	}
	d.patches = append(d.patches, p)
	d.seq = p.End
	d.last = p
	if p.Reverse == nil {
		d.compact(0)
	}
	m.resident.advance(key, p)
	return nil
}

func (m *Memory) Close(ctx context.Context, key Key) error {
	m.resident.drop(key)
	return nil
}

func (m *Memory) Shed(ctx context.Context, key Key) error {
	m.resident.drop(key)
	return nil
}

func (m *Memory) Snapshot(ctx context.Context, key Key) (value.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[key]
	if !ok {
		return nil, fault.New(fault.NotFound, "no document").WithKey(key.String())
	}
	d.compact(0)
	return d.base.Clone(), nil
}

func (m *Memory) Compact(ctx context.Context, key Key, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[key]
	if !ok {
		return fault.New(fault.NotFound, "no document").WithKey(key.String())
	}
	d.compact(keep)
	return nil
}

func (m *Memory) Recover(ctx context.Context, key Key, record value.Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := seqOf(record)
	m.docs[key] = &memDoc{base: record.Clone(), baseSeq: seq, seq: seq}
	m.resident.put(key, record)
	return nil
}

func (m *Memory) Inventory(ctx context.Context) ([]Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Key, 0, len(m.docs))
	for k := range m.docs {
		out = append(out, k)
	}
	sortKeys(out)
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[key]; !ok {
		return fault.New(fault.NotFound, "no document").WithKey(key.String())
	}
	delete(m.docs, key)
	m.resident.drop(key)
	return nil
}

func (m *Memory) History(ctx context.Context, key Key) (*History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[key]
	if !ok {
		return nil, fault.New(fault.NotFound, "no document").WithKey(key.String())
	}
	return d.history(), nil
}

func (d *memDoc) history() *History {
	return &History{Base: d.base.Clone(), BaseSeq: d.baseSeq, Patches: append([]Patch(nil), d.patches...)}
}

// persisted reports whether p is an already-written range.
func (d *memDoc) persisted(p Patch) bool {
	if p.Start == d.last.Start && p.End == d.last.End && sameForward(p.Forward, d.last.Forward) {
		return true
	}
	for _, held := range d.patches {
		if held.Start == p.Start && held.End == p.End {
			return sameForward(held.Forward, p.Forward)
		}
	}
	return false
}

func (d *memDoc) compact(keep int) {
	if keep < 0 {
		keep = 0
	}
	target := d.seq - int64(keep)
	d.base, d.baseSeq, d.patches = fold(d.base, d.baseSeq, d.patches, target)
}
