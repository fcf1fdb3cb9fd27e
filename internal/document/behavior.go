package document

import (
	"errors"

	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/value"
)

// ErrSuspended is returned by Context operations whose input has not
// arrived yet. Behaviors must return it unchanged; the machine parks the
// execution and re-runs it when the input arrives.
var ErrSuspended = errors.New("execution suspended")

// Behavior is the code side of a document type. Each method runs once per
// command (or once per resume of a parked command) against a Context.
type Behavior interface {
	Construct(ctx *Context, arg value.Value) error
	OnConnect(ctx *Context) (bool, error)
	OnDisconnect(ctx *Context) error
	Channel(ctx *Context, name string, msg value.Value) error
	State(ctx *Context, label string) error
	WebGet(ctx *Context, path string, params value.Object) (value.Value, error)
	WebPut(ctx *Context, path string, body value.Value) (value.Value, error)
	Upgrade(ctx *Context) error
}

// Definition is a Behavior written in Go. Nil handlers take the default:
// construct, disconnect and upgrade do nothing, connect admits everyone.
type Definition struct {
	ConstructFn  func(ctx *Context, arg value.Value) error
	ConnectFn    func(ctx *Context) (bool, error)
	DisconnectFn func(ctx *Context) error
	Channels     map[string]func(ctx *Context, msg value.Value) error
	States       map[string]func(ctx *Context) error
	Get          map[string]func(ctx *Context, params value.Object) (value.Value, error)
	Put          map[string]func(ctx *Context, body value.Value) (value.Value, error)
	UpgradeFn    func(ctx *Context) error
}

var _ Behavior = (*Definition)(nil)

func (d *Definition) Construct(ctx *Context, arg value.Value) error {
	if d.ConstructFn == nil {
		return nil
	}
	return d.ConstructFn(ctx, arg)
}

func (d *Definition) OnConnect(ctx *Context) (bool, error) {
	if d.ConnectFn == nil {
		return true, nil
	}
	return d.ConnectFn(ctx)
}

func (d *Definition) OnDisconnect(ctx *Context) error {
	if d.DisconnectFn == nil {
		return nil
	}
	return d.DisconnectFn(ctx)
}

func (d *Definition) Channel(ctx *Context, name string, msg value.Value) error {
	fn, ok := d.Channels[name]
	if !ok {
		return fault.New(fault.UnknownChannel, "no handler for channel %q", name)
	}
	return fn(ctx, msg)
}

func (d *Definition) State(ctx *Context, label string) error {
	fn, ok := d.States[label]
	if !ok {
		return fault.New(fault.RuntimeFault, "no handler for state %q", label)
	}
	return fn(ctx)
}

func (d *Definition) WebGet(ctx *Context, path string, params value.Object) (value.Value, error) {
	fn, ok := d.Get[path]
	if !ok {
		return nil, fault.New(fault.NotFound, "no web get handler for %q", path)
	}
	return fn(ctx, params)
}

func (d *Definition) WebPut(ctx *Context, path string, body value.Value) (value.Value, error) {
	fn, ok := d.Put[path]
	if !ok {
		return nil, fault.New(fault.NotFound, "no web put handler for %q", path)
	}
	return fn(ctx, body)
}

func (d *Definition) Upgrade(ctx *Context) error {
	if d.UpgradeFn == nil {
		return nil
	}
	return d.UpgradeFn(ctx)
}
