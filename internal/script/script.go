// Package script runs document behaviors written in JavaScript.
//
// A scripted document type declares its handlers as globals:
//
//	function construct(arg) { doc.x = arg.x }
//	function onConnect() { return who.authority === "user" }
//	function onDisconnect() {}
//	var channels = { inc: function (msg) { doc.x += msg.by } }
//	var states = { ring: function () { doc.rang = true } }
//	var web = { get: { "/x": function (params) { return doc.x } }, put: {} }
//	function upgrade() {}
//
// Each execution gets a fresh goja runtime with `doc` holding a copy of
// the fields; whatever `doc` holds when the handler returns is written
// back. Math.random and Date draw from the command's deterministic
// entropy and timestamp. Host functions that must wait for input
// (fetch, choose, decide, call) interrupt the runtime so scripts cannot
// swallow the suspension.
package script

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/roach88/livedoc/internal/document"
	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/schema"
	"github.com/roach88/livedoc/internal/value"
)

// DefaultBudget bounds one execution's wall time.
const DefaultBudget = 2 * time.Second

var errBudget = errors.New("execution budget exhausted")

// Behavior is a document.Behavior backed by a compiled script.
type Behavior struct {
	name    string
	program *goja.Program
	budget  time.Duration
}

var _ document.Behavior = (*Behavior)(nil)

// Compile compiles the document's script once. A zero budget uses
// DefaultBudget.
func Compile(doc *schema.Document, budget time.Duration) (*Behavior, error) {
	program, err := goja.Compile(doc.Name+".js", doc.Script, true)
	if err != nil {
		return nil, fmt.Errorf("compile script for %s: %w", doc.Name, err)
	}
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Behavior{name: doc.Name, program: program, budget: budget}, nil
}

func (b *Behavior) Construct(ctx *document.Context, arg value.Value) error {
	_, err := b.run(ctx, func(s *session) (goja.Value, error) {
		return s.callGlobal("construct", s.to(arg))
	})
	return err
}

func (b *Behavior) OnConnect(ctx *document.Context) (bool, error) {
	allowed := true
	_, err := b.run(ctx, func(s *session) (goja.Value, error) {
		fn, ok := goja.AssertFunction(s.vm.Get("onConnect"))
		if !ok {
			return nil, nil
		}
		v, err := fn(goja.Undefined())
		if err == nil {
			allowed = v.ToBoolean()
		}
		return nil, err
	})
	return allowed, err
}

func (b *Behavior) OnDisconnect(ctx *document.Context) error {
	_, err := b.run(ctx, func(s *session) (goja.Value, error) {
		return s.callGlobal("onDisconnect")
	})
	return err
}

func (b *Behavior) Channel(ctx *document.Context, name string, msg value.Value) error {
	_, err := b.run(ctx, func(s *session) (goja.Value, error) {
		fn, ok := s.member("channels", name)
		if !ok {
			return nil, fault.New(fault.UnknownChannel, "script has no handler for channel %q", name)
		}
		return fn(goja.Undefined(), s.to(msg))
	})
	return err
}

func (b *Behavior) State(ctx *document.Context, label string) error {
	_, err := b.run(ctx, func(s *session) (goja.Value, error) {
		fn, ok := s.member("states", label)
		if !ok {
			return nil, fault.New(fault.RuntimeFault, "script has no handler for state %q", label)
		}
		return fn(goja.Undefined())
	})
	return err
}

func (b *Behavior) WebGet(ctx *document.Context, path string, params value.Object) (value.Value, error) {
	return b.run(ctx, func(s *session) (goja.Value, error) {
		fn, ok := s.member("web", "get", path)
		if !ok {
			return nil, fault.New(fault.NotFound, "no web get handler for %q", path)
		}
		if params == nil {
			params = value.Object{}
		}
		return fn(goja.Undefined(), s.to(params))
	})
}

func (b *Behavior) WebPut(ctx *document.Context, path string, body value.Value) (value.Value, error) {
	return b.run(ctx, func(s *session) (goja.Value, error) {
		fn, ok := s.member("web", "put", path)
		if !ok {
			return nil, fault.New(fault.NotFound, "no web put handler for %q", path)
		}
		return fn(goja.Undefined(), s.to(body))
	})
}

func (b *Behavior) Upgrade(ctx *document.Context) error {
	_, err := b.run(ctx, func(s *session) (goja.Value, error) {
		return s.callGlobal("upgrade")
	})
	return err
}

// run executes one handler in a fresh runtime and writes the document
// back when it returns normally.
func (b *Behavior) run(ctx *document.Context, handler func(s *session) (goja.Value, error)) (value.Value, error) {
	s, err := newSession(ctx)
	if err != nil {
		return nil, err
	}
	timer := time.AfterFunc(b.budget, func() { s.vm.Interrupt(errBudget) })
	defer timer.Stop()

	if _, err := s.vm.RunProgram(b.program); err != nil {
		return nil, s.translate(err)
	}
	result, err := handler(s)
	if err != nil {
		return nil, s.translate(err)
	}

	fields, err := s.from(s.vm.Get("doc"))
	if err != nil {
		return nil, fault.Wrap(fault.RuntimeFault, err, "export doc")
	}
	obj, ok := fields.(value.Object)
	if !ok {
		return nil, fault.New(fault.RuntimeFault, "doc must remain an object")
	}
	if err := ctx.SetFields(obj); err != nil {
		return nil, err
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	out, err := s.from(result)
	if err != nil {
		return nil, fault.Wrap(fault.RuntimeFault, err, "export result")
	}
	return out, nil
}

// translate maps runtime failures onto document errors.
func (s *session) translate(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		switch v := interrupted.Value().(type) {
		case suspended:
			return document.ErrSuspended
		case error:
			if v == errBudget {
				return fault.New(fault.Timeout, "script ran past its execution budget")
			}
			return v
		}
		return fault.New(fault.RuntimeFault, "script interrupted: %v", interrupted.Value())
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return fault.New(fault.RuntimeFault, "script threw: %s", strings.TrimSpace(exception.Error()))
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return fault.Wrap(fault.RuntimeFault, err, "script")
}
