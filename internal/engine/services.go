package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/livedoc/internal/document"
	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/store"
	"github.com/roach88/livedoc/internal/value"
)

// Service is a remote dependency behaviors reach through call(). Results
// come back as deliver commands, so a call never blocks a worker.
type Service interface {
	Call(ctx context.Context, method string, arg value.Value) (value.Value, error)
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, method string, arg value.Value) (value.Value, error)

func (fn ServiceFunc) Call(ctx context.Context, method string, arg value.Value) (value.Value, error) {
	return fn(ctx, method, arg)
}

// dispatchCalls starts every call the record waits on that this instance
// has not started yet. A record loaded from storage may carry calls
// another instance started and never delivered; they are started again.
func (e *Engine) dispatchCalls(a *actor) {
	live := make(map[string]bool)
	for _, id := range a.rec.FutureIDs() {
		f := a.rec.Futures[id]
		if f.Kind != document.FutureCall {
			continue
		}
		live[f.Call] = true
		if a.dispatched[f.Call] {
			continue
		}
		if _, cached := a.rec.Cache[f.Call]; cached {
			continue
		}
		a.dispatched[f.Call] = true
		e.dispatch(a.key, f.Service, f.Method, f.Arg, f.Call)
	}
	for call := range a.dispatched {
		if !live[call] {
			delete(a.dispatched, call)
		}
	}
}

func (e *Engine) dispatch(key store.Key, service, method string, arg value.Value, call string) {
	svc, ok := e.services[service]
	e.calls.Add(1)
	go func() {
		defer e.calls.Done()
		ctx := e.runContext()

		var result value.Value
		var err error
		if !ok {
			err = fault.New(fault.Unavailable, "no service %q", service)
		} else {
			result, err = svc.Call(ctx, method, arg)
		}
		if _, derr := e.Deliver(ctx, key, call, result, err); derr != nil {
			attrs := append([]any{slog.String("key", key.String()), slog.String("call", call)}, errorAttrs(derr)...)
			e.logger.Warn("delivery failed", attrs...)
		}
	}()
}

// WaitDispatches blocks until every started service call has been
// delivered, including calls started by those deliveries.
func (e *Engine) WaitDispatches(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
