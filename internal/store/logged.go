package store

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/roach88/livedoc/internal/value"
)

// Logged decorates a Backend and writes one line per persistence call:
//
//	INIT:space/key:seq->json
//	LOAD:space/key
//	PATCH:space/key:start-end->json
//	CLOSE:space/key
//	SHED:space/key
//	RECOVER:space/key
//	COMPACT:space/key:K
//	DELETE:space/key
//	INVENTORY
//
// Lines are written before the call is forwarded, so a failed call still
// shows up.
type Logged struct {
	Backend
	mu  sync.Mutex
	out io.Writer
}

var _ Backend = (*Logged)(nil)

func NewLogged(b Backend, out io.Writer) *Logged {
	return &Logged{Backend: b, out: out}
}

func (l *Logged) line(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, format+"\n", args...)
}

func (l *Logged) Init(ctx context.Context, key Key, p Patch) error {
	l.line("INIT:%s:%d->%s", key, p.End, value.MustEncode(p.Forward))
	return l.Backend.Init(ctx, key, p)
}

func (l *Logged) Load(ctx context.Context, key Key) (*Loaded, error) {
	l.line("LOAD:%s", key)
	return l.Backend.Load(ctx, key)
}

func (l *Logged) Patch(ctx context.Context, key Key, p Patch) error {
	l.line("PATCH:%s:%d-%d->%s", key, p.Start, p.End, value.MustEncode(p.Forward))
	return l.Backend.Patch(ctx, key, p)
}

func (l *Logged) Close(ctx context.Context, key Key) error {
	l.line("CLOSE:%s", key)
	return l.Backend.Close(ctx, key)
}

func (l *Logged) Shed(ctx context.Context, key Key) error {
	l.line("SHED:%s", key)
	return l.Backend.Shed(ctx, key)
}

func (l *Logged) Recover(ctx context.Context, key Key, record value.Object) error {
	l.line("RECOVER:%s", key)
	return l.Backend.Recover(ctx, key, record)
}

func (l *Logged) Compact(ctx context.Context, key Key, keep int) error {
	l.line("COMPACT:%s:%d", key, keep)
	return l.Backend.Compact(ctx, key, keep)
}

func (l *Logged) Delete(ctx context.Context, key Key) error {
	l.line("DELETE:%s", key)
	return l.Backend.Delete(ctx, key)
}

func (l *Logged) Inventory(ctx context.Context) ([]Key, error) {
	l.line("INVENTORY")
	return l.Backend.Inventory(ctx)
}
