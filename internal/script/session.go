package script

import (
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/roach88/livedoc/internal/document"
	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/value"
)

// suspended is the interrupt value raised when a host function has to
// wait for input.
type suspended struct{}

// session is one execution: a runtime bound to a document.Context.
type session struct {
	vm        *goja.Runtime
	ctx       *document.Context
	parse     goja.Callable
	stringify goja.Callable
}

func newSession(ctx *document.Context) (*session, error) {
	vm := goja.New()
	vm.SetRandSource(ctx.Random)
	vm.SetTimeSource(func() time.Time { return time.UnixMilli(ctx.Now()) })

	s := &session{vm: vm, ctx: ctx}
	json := vm.Get("JSON").ToObject(vm)
	s.parse, _ = goja.AssertFunction(json.Get("parse"))
	s.stringify, _ = goja.AssertFunction(json.Get("stringify"))

	globals := map[string]any{
		"doc":          s.to(ctx.Fields()),
		"who":          s.to(ctx.Who().Value()),
		"key":          ctx.Key(),
		"now":          func() int64 { return ctx.Now() },
		"random":       func() float64 { return ctx.Random() },
		"log":          s.log,
		"fetch":        s.fetch,
		"fetchMany":    s.fetchMany,
		"fetchTimeout": s.fetchTimeout,
		"choose":       s.choose,
		"decide":       s.decide,
		"call":         s.call,
		"transition":   s.transition,
		"replicate":    s.replicate,
	}
	for name, v := range globals {
		if err := vm.Set(name, v); err != nil {
			return nil, fault.Wrap(fault.RuntimeFault, err, "bind %s", name)
		}
	}
	return s, nil
}

// to converts a document value into a plain JavaScript value.
func (s *session) to(v value.Value) goja.Value {
	if v == nil {
		return goja.Undefined()
	}
	out, err := s.parse(goja.Undefined(), s.vm.ToValue(value.MustEncode(v)))
	if err != nil {
		panic(s.vm.NewGoError(err))
	}
	return out
}

// from converts a JavaScript value into a document value. Fractional and
// non-finite numbers are rejected.
func (s *session) from(v goja.Value) (value.Value, error) {
	if v == nil || goja.IsUndefined(v) {
		return nil, nil
	}
	text, err := s.stringify(goja.Undefined(), v)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(text) {
		return nil, fmt.Errorf("value has no JSON form")
	}
	if obj, ok := v.(*goja.Object); ok && obj.ClassName() == "Object" {
		return value.DecodeObject([]byte(text.String()))
	}
	return value.Decode([]byte(text.String()))
}

// arg exports a host-function argument, throwing into the script when it
// is not a document value.
func (s *session) arg(call goja.FunctionCall, i int) value.Value {
	v, err := s.from(call.Argument(i))
	if err != nil {
		panic(s.vm.NewTypeError("argument %d: %v", i, err))
	}
	return v
}

// principal reads an optional {agent, authority} argument, defaulting to
// the principal running the command.
func (s *session) principal(call goja.FunctionCall, i int) document.Principal {
	v := call.Argument(i)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return s.ctx.Who()
	}
	obj, _ := s.arg(call, i).(value.Object)
	who := document.PrincipalOf(obj)
	if who.IsZero() {
		panic(s.vm.NewTypeError("argument %d is not a principal", i))
	}
	return who
}

// fail stops the script with err. Suspension and faults raised by the
// document are never catchable from script code.
func (s *session) fail(err error) goja.Value {
	if err == document.ErrSuspended {
		s.vm.Interrupt(suspended{})
	} else {
		s.vm.Interrupt(err)
	}
	return goja.Undefined()
}

func (s *session) callGlobal(name string, args ...goja.Value) (goja.Value, error) {
	fn, ok := goja.AssertFunction(s.vm.Get(name))
	if !ok {
		return nil, nil
	}
	return fn(goja.Undefined(), args...)
}

// member resolves a handler nested under a global, e.g. web.get["/x"].
func (s *session) member(path ...string) (goja.Callable, bool) {
	cur := s.vm.Get(path[0])
	for _, name := range path[1:] {
		if cur == nil || goja.IsUndefined(cur) || goja.IsNull(cur) {
			return nil, false
		}
		cur = cur.ToObject(s.vm).Get(name)
	}
	return goja.AssertFunction(cur)
}

func (s *session) log(call goja.FunctionCall) goja.Value {
	parts := make([]string, len(call.Arguments))
	for i, a := range call.Arguments {
		parts[i] = a.String()
	}
	s.ctx.Log(strings.Join(parts, " "))
	return goja.Undefined()
}

// fetch(channel, who?)
func (s *session) fetch(call goja.FunctionCall) goja.Value {
	v, err := s.ctx.Fetch(call.Argument(0).String(), s.principal(call, 1))
	if err != nil {
		return s.fail(err)
	}
	return s.to(v)
}

// fetchMany(channel, who?)
func (s *session) fetchMany(call goja.FunctionCall) goja.Value {
	v, err := s.ctx.FetchMany(call.Argument(0).String(), s.principal(call, 1))
	if err != nil {
		return s.fail(err)
	}
	if v == nil {
		v = value.Array{}
	}
	return s.to(v)
}

// fetchTimeout(channel, seconds, who?) returns null when the deadline
// passes first.
func (s *session) fetchTimeout(call goja.FunctionCall) goja.Value {
	v, ok, err := s.ctx.FetchTimeout(call.Argument(0).String(), s.principal(call, 2), call.Argument(1).ToInteger())
	if err != nil {
		return s.fail(err)
	}
	if !ok {
		return goja.Null()
	}
	return s.to(v)
}

// choose(channel, options, limit, who?)
func (s *session) choose(call goja.FunctionCall) goja.Value {
	options, _ := s.arg(call, 1).(value.Array)
	v, err := s.ctx.Choose(call.Argument(0).String(), s.principal(call, 3), options, call.Argument(2).ToInteger())
	if err != nil {
		return s.fail(err)
	}
	return s.to(v)
}

// decide(channel, options, who?)
func (s *session) decide(call goja.FunctionCall) goja.Value {
	options, _ := s.arg(call, 1).(value.Array)
	v, err := s.ctx.Decide(call.Argument(0).String(), s.principal(call, 2), options)
	if err != nil {
		return s.fail(err)
	}
	return s.to(v)
}

// call(service, method, arg) throws a catchable error when the service
// reports failure.
func (s *session) call(call goja.FunctionCall) goja.Value {
	v, err := s.ctx.Call(call.Argument(0).String(), call.Argument(1).String(), s.arg(call, 2))
	if err != nil {
		if fault.CodeOf(err) == fault.Unavailable {
			panic(s.vm.NewGoError(err))
		}
		return s.fail(err)
	}
	return s.to(v)
}

// transition(label, seconds)
func (s *session) transition(call goja.FunctionCall) goja.Value {
	if err := s.ctx.Transition(call.Argument(0).String(), call.Argument(1).ToInteger()); err != nil {
		return s.fail(err)
	}
	return goja.Undefined()
}

// replicate(name, value)
func (s *session) replicate(call goja.FunctionCall) goja.Value {
	if err := s.ctx.Replicate(call.Argument(0).String(), s.arg(call, 1)); err != nil {
		return s.fail(err)
	}
	return goja.Undefined()
}
