package engine

import (
	"sort"
	"sync/atomic"

	"github.com/roach88/livedoc/internal/document"
	"github.com/roach88/livedoc/internal/store"
	"github.com/roach88/livedoc/internal/value"
)

// actor owns one document key. Jobs for the key run one at a time in
// submission order; only the worker holding the actor touches the
// fields below the mailbox.
type actor struct {
	key     store.Key
	mailbox *jobQueue

	rec          *document.Record // nil until loaded
	machine      *document.Machine
	conns        map[string]*connection
	deployErr    error
	dispatched   map[string]bool // call ids started by this instance
	held         int // patches after the base; -1 when unknown

	// Read by the ticker and sweeper without holding the actor.
	loaded      atomic.Bool
	due         atomic.Int64 // earliest timer, 0 when none
	connections atomic.Int32
	lastReads   atomic.Int64
	totalReads  atomic.Int64
}

// connection is a live viewer attached through this instance.
type connection struct {
	id     string
	who    document.Principal
	stream Streamback
	seq    *Sequence
	last   value.Object // the view as of the last data frame
}

func newActor(key store.Key) *actor {
	return &actor{
		key:        key,
		mailbox:    newJobQueue(),
		conns:      make(map[string]*connection),
		dispatched: make(map[string]bool),
		held:       -1,
	}
}

// setRecord installs rec and refreshes the timer the ticker watches.
func (a *actor) setRecord(rec *document.Record) {
	a.rec = rec
	a.loaded.Store(rec != nil)
	if rec == nil {
		a.due.Store(0)
		return
	}
	a.due.Store(dueOf(rec))
}

// unload drops the in-memory record. Live connections are the caller's
// to close.
func (a *actor) unload() {
	a.setRecord(nil)
	a.machine = nil
	a.held = -1
	a.dispatched = make(map[string]bool)
}

func (a *actor) connIDs() []string {
	ids := make([]string, 0, len(a.conns))
	for id := range a.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (a *actor) addConn(c *connection) {
	a.conns[c.id] = c
	a.connections.Store(int32(len(a.conns)))
}

func (a *actor) dropConn(id string) {
	if c, ok := a.conns[id]; ok {
		delete(a.conns, id)
		c.stream.Push(Frame{Kind: FrameStatus, Status: StatusDisconnected})
	}
	a.connections.Store(int32(len(a.conns)))
}

// dueOf returns the earliest instant an invalidate would find work: the
// pending state transition, a fetchTimeout deadline or a cron firing.
func dueOf(rec *document.Record) int64 {
	var due int64
	consider := func(t int64) {
		if t > 0 && (due == 0 || t < due) {
			due = t
		}
	}
	if rec.State != "" {
		// A transition due at 0 is due immediately.
		if rec.NextTime <= 0 {
			return 1
		}
		consider(rec.NextTime)
	}
	for _, deadline := range rec.Timeouts {
		consider(deadline)
	}
	for _, task := range rec.Enqueued {
		consider(task.NextFire)
	}
	return due
}
