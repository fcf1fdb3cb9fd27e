package document

import (
	"log/slog"
	"math/rand/v2"

	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/schema"
	"github.com/roach88/livedoc/internal/value"
)

// Context is what behavior code sees while it runs: the document's fields,
// the acting principal, the command time, deterministic randomness, and
// the operations that may park the execution.
//
// One Context serves one execution. A command that resumes parked
// continuations runs several executions, each with its own Context, over
// the same working record.
type Context struct {
	key      string
	doc      *schema.Document
	rec      *Record
	rng      *rand.Rand
	logger   *slog.Logger
	who      Principal
	now      int64 // time the behavior observes
	at       int64 // time of the command driving this execution
	readonly bool
	current  string // id of the message the driving command queued

	answers []Answer
	ordinal int
	wait    *Future

	transition *transition
	replicas   map[string]value.Value
}

type transition struct {
	label string
	at    int64
}

// Key returns the document key.
func (c *Context) Key() string { return c.key }

// Who returns the principal the execution runs as.
func (c *Context) Who() Principal { return c.who }

// Now returns the command time in unix milliseconds.
func (c *Context) Now() int64 { return c.now }

// Random returns a deterministic float in [0, 1).
func (c *Context) Random() float64 { return c.rng.Float64() }

// RandomInt returns a deterministic integer in [0, n).
func (c *Context) RandomInt(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return c.rng.Int64N(n)
}

// Document returns the document type.
func (c *Context) Document() *schema.Document { return c.doc }

// Get returns a copy of a field's value, or nil if it is not declared.
func (c *Context) Get(name string) value.Value {
	v, ok := c.rec.Fields[name]
	if !ok {
		return nil
	}
	return value.Clone(v)
}

// Fields returns a copy of all fields.
func (c *Context) Fields() value.Object {
	return c.rec.Fields.Clone()
}

// Set replaces a field. The value must match the field's kind.
func (c *Context) Set(name string, v value.Value) error {
	if c.readonly {
		return fault.New(fault.ReadonlyViolation, "cannot write %q during a read-only request", name)
	}
	f, ok := c.doc.Field(name)
	if !ok {
		return fault.New(fault.RuntimeFault, "field %q is not declared", name)
	}
	if err := f.Check(v); err != nil {
		return fault.Wrap(fault.RuntimeFault, err, "set %s", name)
	}
	c.rec.Fields[name] = value.Clone(v)
	return nil
}

// SetFields replaces every field at once, as scripted behaviors do when
// they hand back their whole document.
func (c *Context) SetFields(fields value.Object) error {
	if value.Equal(fields, c.rec.Fields) {
		return nil
	}
	if c.readonly {
		return fault.New(fault.ReadonlyViolation, "cannot write fields during a read-only request")
	}
	if err := c.doc.Check(fields); err != nil {
		return fault.Wrap(fault.RuntimeFault, err, "invalid document")
	}
	c.rec.Fields = fields.Clone()
	return nil
}

// Transition schedules the state machine label to run after delay seconds.
func (c *Context) Transition(label string, seconds int64) error {
	if c.readonly {
		return fault.New(fault.ReadonlyViolation, "cannot transition during a read-only request")
	}
	c.transition = &transition{label: label, at: c.at + seconds*1000}
	return nil
}

// Replicate publishes a named value alongside the document.
func (c *Context) Replicate(name string, v value.Value) error {
	if c.readonly {
		return fault.New(fault.ReadonlyViolation, "cannot replicate during a read-only request")
	}
	if c.replicas == nil {
		c.replicas = make(map[string]value.Value)
	}
	c.replicas[name] = value.Clone(v)
	return nil
}

// Log writes to the engine logger with the document key attached.
func (c *Context) Log(msg string, args ...any) {
	c.logger.Info(msg, append([]any{"key", c.key}, args...)...)
}

// Fetch waits for one message on a future channel from who.
func (c *Context) Fetch(channel string, who Principal) (value.Value, error) {
	a, err := c.await(&Future{Kind: FutureFetch, Channel: channel, Who: who})
	if err != nil {
		return nil, err
	}
	return a.Value, nil
}

// FetchMany waits for messages on a future channel from who and takes all
// that are queued, in arrival order.
func (c *Context) FetchMany(channel string, who Principal) (value.Array, error) {
	a, err := c.await(&Future{Kind: FutureFetchMany, Channel: channel, Who: who})
	if err != nil {
		return nil, err
	}
	arr, _ := a.Value.(value.Array)
	return arr, nil
}

// FetchTimeout is Fetch racing a deadline seconds from now. It returns
// false when the deadline passed with no message.
func (c *Context) FetchTimeout(channel string, who Principal, seconds int64) (value.Value, bool, error) {
	a, err := c.await(&Future{
		Kind:     FutureFetchTimeout,
		Channel:  channel,
		Who:      who,
		Started:  c.at,
		Deadline: c.at + seconds*1000,
	})
	if err != nil {
		return nil, false, err
	}
	if a.Absent {
		return nil, false, nil
	}
	return a.Value, true, nil
}

// Choose asks who to pick between 1 and limit distinct options.
func (c *Context) Choose(channel string, who Principal, options value.Array, limit int64) (value.Array, error) {
	if limit < 1 || limit > int64(len(options)) {
		return nil, fault.New(fault.RuntimeFault, "choose on %s: limit %d out of range for %d options", channel, limit, len(options))
	}
	a, err := c.await(&Future{Kind: FutureChoose, Channel: channel, Who: who, Options: options, Limit: limit})
	if err != nil {
		return nil, err
	}
	arr, _ := a.Value.(value.Array)
	return arr, nil
}

// Decide asks who to pick exactly one option.
func (c *Context) Decide(channel string, who Principal, options value.Array) (value.Value, error) {
	if len(options) == 0 {
		return nil, fault.New(fault.RuntimeFault, "decide on %s: no options", channel)
	}
	a, err := c.await(&Future{Kind: FutureDecide, Channel: channel, Who: who, Options: options, Limit: 1})
	if err != nil {
		return nil, err
	}
	return a.Value, nil
}

// Call invokes a remote service. The first execution parks; the engine
// dispatches the call and delivers the result, which resumes execution.
func (c *Context) Call(service, method string, arg value.Value) (value.Value, error) {
	if arg == nil {
		arg = value.Object{}
	}
	id := CallID(service, method, arg)
	a, err := c.await(&Future{Kind: FutureCall, Service: service, Method: method, Arg: arg, Call: id})
	if err != nil {
		return nil, err
	}
	res, _ := a.Value.(value.Object)
	if _, failed := res["error"]; failed {
		return nil, fault.New(fault.Unavailable, "%s.%s: %s", service, method, res.Str("error"))
	}
	return res["result"], nil
}

// CallID identifies a service call by its content.
func CallID(service, method string, arg value.Value) string {
	return value.MustHash(value.DomainServiceCall, value.Obj(
		value.P("service", value.String(service)),
		value.P("method", value.String(method)),
		value.P("arg", arg),
	))
}

// await returns the input for the next ordinal: a replayed answer when the
// execution is being resumed, otherwise whatever the record can supply
// right now. With nothing available the execution parks.
func (c *Context) await(spec *Future) (Answer, error) {
	if c.wait != nil {
		return Answer{}, ErrSuspended
	}
	if c.readonly {
		return Answer{}, fault.New(fault.ReadonlyViolation, "cannot wait for input during a read-only request")
	}
	if spec.Kind != FutureCall {
		kind, ok := c.doc.Channel(spec.Channel)
		if !ok {
			return Answer{}, fault.New(fault.UnknownChannel, "channel %q is not declared", spec.Channel)
		}
		if kind != schema.ChannelFuture {
			return Answer{}, fault.New(fault.RuntimeFault, "channel %q is not a future channel", spec.Channel)
		}
	}
	if c.ordinal < len(c.answers) {
		a := c.answers[c.ordinal]
		c.ordinal++
		return a, nil
	}
	a, ok, err := c.rec.take(spec, c.at, false, c.current)
	if err != nil {
		return Answer{}, err
	}
	if ok {
		c.answers = append(c.answers, a)
		c.ordinal++
		return a, nil
	}
	c.wait = spec
	return Answer{}, ErrSuspended
}
