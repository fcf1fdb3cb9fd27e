package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/store"
)

// Tick invalidates every document with a timer due by now and returns
// how many of them committed. Resident documents are checked in memory;
// documents unloaded with a timer pending are loaded again when it falls
// due.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	now := e.clock.Now()
	seen := make(map[store.Key]bool)
	var keys []store.Key
	for _, a := range e.residentActors() {
		if !a.loaded.Load() {
			continue
		}
		if due := a.due.Load(); due > 0 && due <= now {
			seen[a.key] = true
			keys = append(keys, a.key)
		}
	}
	for _, key := range e.dueTimers(now) {
		if !seen[key] {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)

	var (
		mu        sync.Mutex
		committed int
		errs      []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, key := range keys {
		g.Go(func() error {
			rcpt, err := e.Invalidate(gctx, key)
			mu.Lock()
			defer mu.Unlock()
			if fault.Is(err, fault.NotFound) {
				e.dropTimer(key)
				return nil
			}
			if err != nil {
				errs = append(errs, err)
			} else if !rcpt.NoOp {
				committed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return committed, errors.Join(errs...)
}

// Sweep applies the capacity controller: idle documents are closed,
// documents it wants shed are shed, and actors with nothing loaded are
// retired. Documents with live connections are never unloaded.
func (e *Engine) Sweep(ctx context.Context) {
	if !e.Draining() && e.controller.ShouldDrain() {
		e.logger.Warn("capacity exceeded, draining")
		if err := e.Drain(ctx); err != nil {
			e.logger.Warn("drain failed", slog.Any("error", err))
		}
		return
	}

	actors := e.residentActors()
	slices.SortFunc(actors, func(a, b *actor) int { return strings.Compare(a.key.String(), b.key.String()) })
	for _, a := range actors {
		if !a.loaded.Load() {
			e.retire(a)
			continue
		}
		if a.connections.Load() > 0 {
			continue
		}
		var err error
		switch {
		case e.controller.IdleTimeoutExceeded(a.key):
			err = e.Close(ctx, a.key)
		case e.controller.ShouldShed(a.key):
			err = e.Shed(ctx, a.key)
		default:
			continue
		}
		if err != nil {
			e.logger.Warn("sweep failed", append([]any{slog.String("key", a.key.String())}, errorAttrs(err)...)...)
		}
	}
}

// keepTimer remembers a's pending timer before it is unloaded so Tick can
// bring the document back when the timer falls due.
func (e *Engine) keepTimer(a *actor) {
	due := a.due.Load()
	if due <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timers[a.key] = due
}

func (e *Engine) dropTimer(key store.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.timers, key)
}

// dueTimers lists the unloaded documents whose timer is due by now. A
// draining instance picks none up.
func (e *Engine) dueTimers(now int64) []store.Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draining {
		return nil
	}
	var keys []store.Key
	for key, due := range e.timers {
		if due <= now {
			keys = append(keys, key)
		}
	}
	return keys
}

// retire removes an actor that holds nothing.
func (e *Engine) retire(a *actor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.actors[a.key] != a {
		return
	}
	idle := func() bool { return !a.loaded.Load() && a.connections.Load() == 0 }
	if a.mailbox.CloseIdle(idle) {
		delete(e.actors, a.key)
	}
}
