package store

import (
	"sort"
	"sync"

	"github.com/roach88/livedoc/internal/value"
)

// residency holds the materialized records a backend has loaded.
type residency struct {
	mu   sync.Mutex
	docs map[Key]value.Object
}

func newResidency() *residency {
	return &residency{docs: make(map[Key]value.Object)}
}

func (r *residency) get(key Key) (value.Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.docs[key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (r *residency) put(key Key, rec value.Object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[key] = rec.Clone()
}

// advance applies a committed patch to the resident copy. A copy that is
// not exactly one step behind is stale and gets dropped.
func (r *residency) advance(key Key, p Patch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.docs[key]
	if !ok {
		return
	}
	if seqOf(rec) != p.Start-1 {
		delete(r.docs, key)
		return
	}
	r.docs[key] = value.Merge(rec, p.Forward)
}

func (r *residency) drop(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, key)
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Space != keys[j].Space {
			return keys[i].Space < keys[j].Space
		}
		return keys[i].Key < keys[j].Key
	})
}
