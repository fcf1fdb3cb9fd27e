package document

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/schema"
	"github.com/roach88/livedoc/internal/value"
)

func answer(n int64) value.Object {
	return value.Obj(value.P("n", value.Int(n)))
}

func TestFutures_FetchParksAndResumes(t *testing.T) {
	m, rec := newCounter(t)

	asked := apply(t, m, rec, send("ask", alice, 2000, nil))
	assert.True(t, asked.Parked)
	assert.True(t, asked.Record.Blocked)
	assert.Equal(t, rec.Seq+1, asked.Record.Seq)
	assert.Equal(t, value.Array{}, asked.Record.Fields["log"], "writes before the park are discarded")
	require.Len(t, asked.Record.Futures, 1)

	// bob's answer does not match a future waiting on alice.
	other := apply(t, m, asked.Record, send("answer", bob, 2100, answer(1)))
	assert.Len(t, other.Record.Futures, 1)
	assert.Len(t, other.Record.Messages, 1)

	done := apply(t, m, other.Record, send("answer", alice, 2200, answer(42)))
	assert.Empty(t, done.Record.Futures)
	assert.False(t, done.Record.Blocked)
	assert.Equal(t, value.Int(42), done.Record.Fields["x"])
	assert.Equal(t, value.Array{value.String("asked")}, done.Record.Fields["log"])
	assert.Len(t, done.Record.Messages, 1, "bob's message stays queued")
}

func TestFutures_QueuedMessageResolvesImmediately(t *testing.T) {
	m, rec := newCounter(t)

	queued := apply(t, m, rec, send("answer", alice, 2000, answer(9)))
	require.Len(t, queued.Record.Messages, 1)

	asked := apply(t, m, queued.Record, send("ask", alice, 2100, nil))
	assert.False(t, asked.Parked)
	assert.Equal(t, value.Int(9), asked.Record.Fields["x"])
	assert.Empty(t, asked.Record.Messages)
}

func timeoutMachine(t *testing.T) (*Machine, *Record) {
	t.Helper()
	b := counterBehavior()
	b.Channels["ask"] = func(ctx *Context, msg value.Value) error {
		v, ok, err := ctx.FetchTimeout("answer", ctx.Who(), 10)
		if err != nil {
			return err
		}
		if !ok {
			return appendLog(ctx, "expired")
		}
		return ctx.Set("x", v.(value.Object)["n"])
	}
	doc := counterDoc()
	doc.Cron = nil
	m := NewMachine(doc, b, nil)
	res, err := m.Create("c1", Command{Command: CmdConstruct, Timestamp: 0, Who: alice})
	require.NoError(t, err)
	asked := apply(t, m, res.Record, send("ask", alice, 1000, nil))
	require.True(t, asked.Parked)
	return m, asked.Record
}

func TestFutures_FetchTimeoutWindow(t *testing.T) {
	m, rec := timeoutMachine(t)
	var id string
	for k := range rec.Futures {
		id = k
	}
	assert.Equal(t, int64(11000), rec.Timeouts[id])

	first := apply(t, m, rec, send("answer", alice, 5000, answer(1)))
	second := apply(t, m, first.Record, send("answer", alice, 6000, answer(2)))

	assert.Equal(t, value.Int(1), second.Record.Fields["x"], "only the first message in the window resolves the future")
	assert.Empty(t, second.Record.Timeouts)
	require.Len(t, second.Record.Messages, 1)
	assert.Equal(t, value.Int(2), second.Record.Messages[0].Payload.(value.Object)["n"])
}

func TestFutures_FetchTimeoutIgnoresLateMessage(t *testing.T) {
	m, rec := timeoutMachine(t)

	late := apply(t, m, rec, send("answer", alice, 11000, answer(5)))
	assert.Len(t, late.Record.Futures, 1)
	assert.Equal(t, value.Int(0), late.Record.Fields["x"])

	early := apply(t, m, late.Record, Command{Command: CmdInvalidate, Timestamp: 10999, Who: System})
	assert.True(t, early.NoOp)

	expired := apply(t, m, late.Record, Command{Command: CmdInvalidate, Timestamp: 11000, Who: System})
	assert.Empty(t, expired.Record.Futures)
	assert.Empty(t, expired.Record.Timeouts)
	assert.Equal(t, value.Array{value.String("expired")}, expired.Record.Fields["log"])
	assert.Len(t, expired.Record.Messages, 1, "the late message was never consumed")
}

func chooseMachine(t *testing.T, decide bool) (*Machine, *Record) {
	t.Helper()
	b := counterBehavior()
	options := value.Array{value.String("red"), value.String("green"), value.String("blue")}
	b.Channels["ask"] = func(ctx *Context, msg value.Value) error {
		if decide {
			v, err := ctx.Decide("answer", ctx.Who(), options)
			if err != nil {
				return err
			}
			return appendLog(ctx, string(v.(value.String)))
		}
		picked, err := ctx.Choose("answer", ctx.Who(), options, 2)
		if err != nil {
			return err
		}
		for _, p := range picked {
			if err := appendLog(ctx, string(p.(value.String))); err != nil {
				return err
			}
		}
		return nil
	}
	m := NewMachine(counterDoc(), b, nil)
	res, err := m.Create("c1", Command{Command: CmdConstruct, Who: alice})
	require.NoError(t, err)
	asked := apply(t, m, res.Record, send("ask", alice, 10, nil))
	require.True(t, asked.Parked)
	return m, asked.Record
}

func TestFutures_Choose(t *testing.T) {
	m, rec := chooseMachine(t, false)

	for _, bad := range []value.Value{
		value.Array{},
		value.Array{value.Int(0), value.Int(0)},
		value.Array{value.Int(3)},
		value.Array{value.Int(0), value.Int(1), value.Int(2)},
		value.String("red"),
	} {
		_, err := m.Apply("c1", rec, send("answer", alice, 20, bad))
		assert.True(t, fault.Is(err, fault.InvalidChoice), value.MustEncode(bad))
	}

	res := apply(t, m, rec, send("answer", alice, 20, value.Array{value.Int(2), value.Int(0)}))
	assert.Equal(t, value.Array{value.String("blue"), value.String("red")}, res.Record.Fields["log"])
	assert.Empty(t, res.Record.Futures)
}

func TestFutures_Decide(t *testing.T) {
	m, rec := chooseMachine(t, true)

	_, err := m.Apply("c1", rec, send("answer", alice, 20, value.Array{value.Int(0), value.Int(1)}))
	assert.True(t, fault.Is(err, fault.InvalidChoice))

	res := apply(t, m, rec, send("answer", alice, 20, value.Array{value.Int(1)}))
	assert.Equal(t, value.Array{value.String("green")}, res.Record.Fields["log"])
}

func TestFutures_OutstandingInProjection(t *testing.T) {
	m, rec := chooseMachine(t, false)
	connected := apply(t, m, rec, Command{Command: CmdConnect, Who: alice, Connection: "a"})
	connected = apply(t, m, connected.Record, Command{Command: CmdConnect, Who: bob, Connection: "b"})

	view, ok := m.Project("c1", connected.Record, "a")
	require.True(t, ok)
	outstanding := view.Arr(KeyOutstanding)
	require.Len(t, outstanding, 1)
	assert.Equal(t, value.Int(2), outstanding[0].(value.Object)["limit"])

	bobView, _ := m.Project("c1", connected.Record, "b")
	assert.NotContains(t, bobView, KeyOutstanding)
}

func TestFutures_DisconnectReleasesFutures(t *testing.T) {
	m, rec := newCounter(t)
	c1 := apply(t, m, rec, Command{Command: CmdConnect, Who: alice, Connection: "a1"})
	c2 := apply(t, m, c1.Record, Command{Command: CmdConnect, Who: alice, Connection: "a2"})
	asked := apply(t, m, c2.Record, send("ask", alice, 2000, nil))
	require.Len(t, asked.Record.Futures, 1)

	one := apply(t, m, asked.Record, Command{Command: CmdDisconnect, Connection: "a1"})
	assert.Len(t, one.Record.Futures, 1, "alice still holds a connection")

	last := apply(t, m, one.Record, Command{Command: CmdDisconnect, Connection: "a2"})
	assert.Empty(t, last.Record.Futures)
	assert.False(t, last.Record.Blocked)
}

func callMachine(t *testing.T) (*Machine, *Record) {
	t.Helper()
	b := counterBehavior()
	b.Channels["ask"] = func(ctx *Context, msg value.Value) error {
		v, err := ctx.Call("pricing", "quote", value.Obj(value.P("sku", value.String("a"))))
		if err != nil {
			return appendLog(ctx, "failed")
		}
		return ctx.Set("x", v)
	}
	m := NewMachine(counterDoc(), b, nil)
	res, err := m.Create("c1", Command{Command: CmdConstruct, Who: alice})
	require.NoError(t, err)
	asked := apply(t, m, res.Record, send("ask", alice, 10, nil))
	require.True(t, asked.Parked)
	return m, asked.Record
}

func TestFutures_SwallowedWaitStillParks(t *testing.T) {
	b := counterBehavior()
	b.Channels["ask"] = func(ctx *Context, msg value.Value) error {
		v, err := ctx.Fetch("answer", ctx.Who())
		if err != nil {
			// Fall back and keep going as if the input were optional.
			if _, err := ctx.Fetch("answer", bob); err == nil {
				return errors.New("a second wait must not succeed")
			}
			return appendLog(ctx, "fallback")
		}
		return ctx.Set("x", v.(value.Object)["n"])
	}
	m := NewMachine(counterDoc(), b, nil)
	res, err := m.Create("c1", Command{Command: CmdConstruct, Who: alice})
	require.NoError(t, err)

	asked := apply(t, m, res.Record, send("ask", alice, 10, nil))
	assert.True(t, asked.Parked)
	require.Len(t, asked.Record.Futures, 1)
	for _, f := range asked.Record.Futures {
		assert.Equal(t, alice, f.Who, "the first wait is the one recorded")
	}
	assert.Equal(t, value.Array{}, asked.Record.Fields["log"], "the fallback write is discarded")

	done := apply(t, m, asked.Record, send("answer", alice, 20, answer(9)))
	assert.Equal(t, value.Int(9), done.Record.Fields["x"])
	assert.Empty(t, done.Record.Futures)
}

func TestFutures_CallDeliver(t *testing.T) {
	m, rec := callMachine(t)
	var f *Future
	for _, v := range rec.Futures {
		f = v
	}
	require.NotNil(t, f)
	assert.Equal(t, FutureCall, f.Kind)
	assert.Equal(t, CallID("pricing", "quote", value.Obj(value.P("sku", value.String("a")))), f.Call)

	stray := apply(t, m, rec, Command{Command: CmdDeliver, Who: System, Arg: value.Obj(value.P("call", value.String("nobody")), value.P("result", value.Int(1)))})
	assert.True(t, stray.NoOp)

	res := apply(t, m, rec, Command{Command: CmdDeliver, Who: System, Arg: value.Obj(value.P("call", value.String(f.Call)), value.P("result", value.Int(77)))})
	assert.Equal(t, value.Int(77), res.Record.Fields["x"])
	assert.Empty(t, res.Record.Futures)
	assert.Empty(t, res.Record.Cache, "consumed results are pruned")
}

func TestFutures_CallFailure(t *testing.T) {
	m, rec := callMachine(t)
	var call string
	for _, v := range rec.Futures {
		call = v.Call
	}
	res := apply(t, m, rec, Command{Command: CmdDeliver, Who: System, Arg: value.Obj(value.P("call", value.String(call)), value.P("error", value.String("down")))})
	assert.Equal(t, value.Array{value.String("failed")}, res.Record.Fields["log"])
}

func TestFutures_FetchMany(t *testing.T) {
	b := counterBehavior()
	b.Channels["ask"] = func(ctx *Context, msg value.Value) error {
		all, err := ctx.FetchMany("answer", ctx.Who())
		if err != nil {
			return err
		}
		return ctx.Set("x", value.Int(len(all)))
	}
	m := NewMachine(counterDoc(), b, nil)
	res, err := m.Create("c1", Command{Command: CmdConstruct, Who: alice})
	require.NoError(t, err)

	one := apply(t, m, res.Record, send("answer", alice, 1, answer(1)))
	two := apply(t, m, one.Record, send("answer", alice, 2, answer(2)))
	asked := apply(t, m, two.Record, send("ask", alice, 3, nil))
	assert.Equal(t, value.Int(2), asked.Record.Fields["x"])
	assert.Empty(t, asked.Record.Messages)
}

func TestFutures_WebPutParks(t *testing.T) {
	b := counterBehavior()
	b.Put = map[string]func(*Context, value.Value) (value.Value, error){
		"/confirm": func(ctx *Context, body value.Value) (value.Value, error) {
			v, err := ctx.Fetch("answer", ctx.Who())
			if err != nil {
				return nil, err
			}
			return v, ctx.Set("x", v.(value.Object)["n"])
		},
	}
	m := NewMachine(counterDoc(), b, nil)
	res, err := m.Create("c1", Command{Command: CmdConstruct, Who: alice})
	require.NoError(t, err)

	put := Command{Command: CmdWebPut, Timestamp: 5, Who: alice, Arg: value.Obj(
		value.P("path", value.String("/confirm")),
		value.P("body", value.Object{}),
		value.P("request", value.String("req-1")),
	)}
	_, err = m.Apply("c1", res.Record, Command{Command: CmdWebPut, Who: alice, Arg: value.Object{}})
	assert.True(t, fault.Is(err, fault.InvalidCommand))

	parked := apply(t, m, res.Record, put)
	assert.True(t, parked.Parked)
	require.Contains(t, parked.Record.WebQueue, "req-1")

	done := apply(t, m, parked.Record, send("answer", alice, 6, answer(3)))
	assert.Empty(t, done.Record.WebQueue)
	require.Contains(t, done.Completed, "req-1")
	assert.Equal(t, answer(3), done.Completed["req-1"].Body)
	assert.Equal(t, value.Int(3), done.Record.Fields["x"])
}

func TestFutures_FailedResumeIsDropped(t *testing.T) {
	b := counterBehavior()
	b.Channels["ask"] = func(ctx *Context, msg value.Value) error {
		v, err := ctx.Fetch("answer", ctx.Who())
		if err != nil {
			return err
		}
		return ctx.Set("x", v)
	}
	doc := counterDoc()
	m := NewMachine(doc, b, nil)
	res, err := m.Create("c1", Command{Command: CmdConstruct, Who: alice})
	require.NoError(t, err)
	asked := apply(t, m, res.Record, send("ask", alice, 1, nil))

	// An object is not an int, so the resumed execution faults.
	done := apply(t, m, asked.Record, send("answer", alice, 2, answer(1)))
	assert.Len(t, done.Faults, 1)
	assert.Empty(t, done.Record.Futures)
	assert.Equal(t, value.Int(0), done.Record.Fields["x"])
	assert.Equal(t, asked.Record.Seq+1, done.Record.Seq)
}

func TestFutures_MessageChannelCannotBeFetched(t *testing.T) {
	b := counterBehavior()
	b.Channels["ask"] = func(ctx *Context, msg value.Value) error {
		_, err := ctx.Fetch("inc", ctx.Who())
		return err
	}
	doc := counterDoc()
	doc.Channels["inc"] = schema.ChannelMessage
	m := NewMachine(doc, b, nil)
	res, err := m.Create("c1", Command{Command: CmdConstruct, Who: alice})
	require.NoError(t, err)

	_, err = m.Apply("c1", res.Record, send("ask", alice, 1, nil))
	assert.True(t, fault.Is(err, fault.RuntimeFault))
}
