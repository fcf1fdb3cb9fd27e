package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/livedoc/internal/document"
	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/schema"
	"github.com/roach88/livedoc/internal/store"
	"github.com/roach88/livedoc/internal/value"
)

// Create constructs a new document. It fails with AlreadyExists when the
// key is taken, here or on another instance.
func (e *Engine) Create(ctx context.Context, key store.Key, who document.Principal, arg value.Value) (*Receipt, error) {
	m, err := e.machineFor(key.Space)
	if err != nil {
		return nil, err
	}
	var rcpt *Receipt
	err = e.submit(ctx, key, "create", func(ctx context.Context, a *actor) error {
		if a.rec != nil {
			return fault.New(fault.AlreadyExists, "document already exists").WithKey(key.String())
		}
		res, err := e.construct(ctx, a, m, e.command(key, document.CmdConstruct, who, arg), false)
		if err != nil {
			return err
		}
		rcpt = receiptOf(a.rec, res)
		return nil
	})
	return rcpt, err
}

// construct creates the record and writes its first patch.
func (e *Engine) construct(ctx context.Context, a *actor, m *document.Machine, cmd document.Command, invent bool) (*document.Result, error) {
	create := m.Create
	if invent {
		create = m.Invent
	}
	res, err := create(a.key.Key, cmd)
	if err != nil {
		return nil, err
	}
	seq := res.Record.Seq
	if err := e.backend.Init(ctx, a.key, store.Patch{Start: seq, End: seq, Forward: res.Forward}); err != nil {
		return nil, err
	}
	a.machine = m
	a.held = 0
	e.committed(ctx, a, res, cmd, 0)
	return res, nil
}

// ConnectRequest describes a viewer joining a document.
type ConnectRequest struct {
	Key  store.Key
	Who  document.Principal
	View value.Object
	// Invent creates the document on first connect, subject to the
	// type's invent policy.
	Invent bool
	Stream Streamback
	// Connection is the id to use. Empty mints one.
	Connection string
}

// Connect attaches a viewer and returns its connection id. The stream
// receives STATUS:Connected, the view state filter when the type declares
// one, then the full view.
func (e *Engine) Connect(ctx context.Context, req ConnectRequest) (string, error) {
	m, err := e.machineFor(req.Key.Space)
	if err != nil {
		return "", err
	}
	if req.Stream == nil {
		return "", fault.New(fault.InvalidCommand, "connect requires a stream").WithKey(req.Key.String())
	}
	id := req.Connection
	if id == "" {
		id = e.ids.Generate()
	}
	view := req.View
	if view == nil {
		view = value.Object{}
	}

	err = e.submit(ctx, req.Key, "connect", func(ctx context.Context, a *actor) error {
		if err := e.prepare(ctx, a); err != nil {
			if !req.Invent || !fault.Is(err, fault.NotFound) {
				return err
			}
			_, err := e.construct(ctx, a, m, e.command(req.Key, document.CmdConstruct, req.Who, nil), true)
			if fault.Is(err, fault.AlreadyExists) {
				// Invented concurrently elsewhere.
				err = e.prepare(ctx, a)
			}
			if err != nil {
				return err
			}
		}
		if _, taken := a.conns[id]; taken {
			return fault.New(fault.InvalidCommand, "connection %s already exists", id).WithKey(req.Key.String())
		}

		cmd := e.command(req.Key, document.CmdConnect, req.Who, value.Obj(value.P("view", view)))
		cmd.Connection = id
		if _, err := e.apply(ctx, a, cmd); err != nil {
			return err
		}

		c := &connection{id: id, who: req.Who, stream: req.Stream, seq: NewSequence(), last: value.Object{}}
		a.addConn(c)
		c.stream.Push(Frame{Kind: FrameStatus, Status: StatusConnected})
		if vs := a.machine.Doc.ViewState; len(vs) > 0 {
			c.stream.Push(Frame{Kind: FrameFilter, Filter: slices.Clone(vs)})
		}
		e.publish(a, "")
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Send delivers a channel message. A zero timestamp is stamped with the
// engine clock and a zero entropy with the instance's next nonce; an
// empty principal is taken from cmd.Connection. A
// message that leaves the document waiting for more input commits and
// returns its receipt with NotFinished.
func (e *Engine) Send(ctx context.Context, key store.Key, cmd document.Command) (*Receipt, error) {
	if slices.Contains(schema.Reserved, cmd.Command) {
		return nil, fault.New(fault.InvalidCommand, "%s is not a channel", cmd.Command).WithKey(key.String())
	}
	if cmd.Timestamp == 0 {
		cmd.Timestamp = e.clock.Now()
	}
	if cmd.Entropy == 0 {
		cmd.Entropy = e.nonces.Next()
	}
	cmd.Key = key.Key

	var rcpt *Receipt
	err := e.submit(ctx, key, "send", func(ctx context.Context, a *actor) error {
		if err := e.prepare(ctx, a); err != nil {
			return err
		}
		if cmd.Connection != "" {
			c, ok := a.conns[cmd.Connection]
			if !ok {
				return fault.New(fault.UnknownConnection, "no connection %q", cmd.Connection).WithKey(key.String())
			}
			if cmd.Who.IsZero() {
				cmd.Who = c.who
			}
		}
		res, err := e.apply(ctx, a, cmd)
		if err != nil {
			return err
		}
		rcpt = receiptOf(a.rec, res)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rcpt.Parked {
		return rcpt, fault.New(fault.NotFinished, "%s is waiting for input", cmd.Command).WithKey(key.String())
	}
	return rcpt, nil
}

// Disconnect detaches a connection. When it was its principal's last,
// the futures waiting on that principal are dropped.
func (e *Engine) Disconnect(ctx context.Context, key store.Key, connection string) (*Receipt, error) {
	var rcpt *Receipt
	err := e.submit(ctx, key, "disconnect", func(ctx context.Context, a *actor) error {
		if err := e.prepare(ctx, a); err != nil {
			return err
		}
		var err error
		rcpt, err = e.disconnect(ctx, a, connection)
		return err
	})
	return rcpt, err
}

func (e *Engine) disconnect(ctx context.Context, a *actor, connection string) (*Receipt, error) {
	cmd := e.command(a.key, document.CmdDisconnect, document.Principal{}, nil)
	cmd.Connection = connection
	if client, ok := a.rec.Clients[connection]; ok {
		cmd.Who = client.Who
	}
	res, err := e.apply(ctx, a, cmd)
	if err != nil {
		return nil, err
	}
	a.dropConn(connection)
	return receiptOf(a.rec, res), nil
}

// WebGet answers a read-only request. It never writes.
func (e *Engine) WebGet(ctx context.Context, key store.Key, who document.Principal, path string, params value.Object) (value.Value, error) {
	if params == nil {
		params = value.Object{}
	}
	var resp value.Value
	err := e.submit(ctx, key, "web_get", func(ctx context.Context, a *actor) error {
		if err := e.prepare(ctx, a); err != nil {
			return err
		}
		arg := value.Obj(value.P("path", value.String(path)), value.P("params", params))
		res, err := e.apply(ctx, a, e.command(key, document.CmdWebGet, who, arg))
		if err != nil {
			return err
		}
		resp = res.Response
		return nil
	})
	return resp, err
}

// WebPut runs a write request and returns its request id and response.
// When the handler waits for input the request is parked: the error is
// NotFinished and WebResponse yields the response once it completes.
func (e *Engine) WebPut(ctx context.Context, key store.Key, who document.Principal, path string, body value.Value) (string, value.Value, error) {
	if body == nil {
		body = value.Object{}
	}
	request := e.ids.Generate()
	var rcpt *Receipt
	err := e.submit(ctx, key, "web_put", func(ctx context.Context, a *actor) error {
		if err := e.prepare(ctx, a); err != nil {
			return err
		}
		arg := value.Obj(
			value.P("path", value.String(path)),
			value.P("body", body),
			value.P("request", value.String(request)),
		)
		res, err := e.apply(ctx, a, e.command(key, document.CmdWebPut, who, arg))
		if err != nil {
			return err
		}
		rcpt = receiptOf(a.rec, res)
		return nil
	})
	if err != nil {
		return request, nil, err
	}
	if rcpt.Parked {
		return request, nil, fault.New(fault.NotFinished, "web put %s is waiting for input", path).WithKey(key.String())
	}
	return request, rcpt.Response, nil
}

// WebResponse returns the outcome of a parked web put once a later
// command completed it. Each outcome is handed out once.
func (e *Engine) WebResponse(request string) (document.WebResponse, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.webs[request]
	if ok {
		delete(e.webs, request)
	}
	return w, ok
}

// Invalidate runs whatever is due on key: expired fetchTimeouts, the
// pending state transition and cron tasks. With nothing due the receipt
// is a no-op and the seq does not move.
func (e *Engine) Invalidate(ctx context.Context, key store.Key) (*Receipt, error) {
	var rcpt *Receipt
	err := e.submit(ctx, key, "invalidate", func(ctx context.Context, a *actor) error {
		if err := e.prepare(ctx, a); err != nil {
			return err
		}
		res, err := e.apply(ctx, a, e.command(key, document.CmdInvalidate, document.System, nil))
		if err != nil {
			return err
		}
		rcpt = receiptOf(a.rec, res)
		return nil
	})
	return rcpt, err
}

// Deliver hands a service result to the document waiting on call. A
// result nobody waits for is a no-op.
func (e *Engine) Deliver(ctx context.Context, key store.Key, call string, result value.Value, callErr error) (*Receipt, error) {
	arg := value.Obj(value.P("call", value.String(call)))
	if callErr != nil {
		arg["error"] = value.String(callErr.Error())
	} else {
		if result == nil {
			result = value.Object{}
		}
		arg["result"] = result
	}
	var rcpt *Receipt
	err := e.submit(ctx, key, "deliver", func(ctx context.Context, a *actor) error {
		if err := e.prepare(ctx, a); err != nil {
			return err
		}
		res, err := e.apply(ctx, a, e.command(key, document.CmdDeliver, document.System, arg))
		if err != nil {
			return err
		}
		rcpt = receiptOf(a.rec, res)
		return nil
	})
	return rcpt, err
}

// Recover overwrites the record with an out-of-band copy. Viewers see the
// change as an ordinary patch. A key with no document is initialized from
// the copy.
func (e *Engine) Recover(ctx context.Context, key store.Key, record value.Object) (*Receipt, error) {
	var rcpt *Receipt
	err := e.submit(ctx, key, "recover", func(ctx context.Context, a *actor) error {
		err := e.prepare(ctx, a)
		if fault.Is(err, fault.NotFound) {
			seq := record.Int(document.KeySeq)
			if err := e.backend.Init(ctx, key, store.Patch{Start: seq, End: seq, Forward: record.Clone()}); err != nil {
				return err
			}
			if err := e.prepare(ctx, a); err != nil {
				return err
			}
			rcpt = &Receipt{Seq: a.rec.Seq}
			return nil
		}
		if err != nil {
			return err
		}
		res, err := e.apply(ctx, a, e.command(key, document.CmdRestore, document.System, record.Clone()))
		if err != nil {
			return err
		}
		rcpt = receiptOf(a.rec, res)
		return nil
	})
	return rcpt, err
}

// Deploy replaces the document type of space. Resident documents migrate
// immediately, others when next loaded. Fields whose kind still matches
// carry over.
//
// A deploy that would change the kind of an existing field is refused
// with DeployFailed. Documents resident at the time stay on the old type
// with their connections, and the next command on each reports the same
// failure.
func (e *Engine) Deploy(ctx context.Context, space string, t Type) error {
	e.mu.Lock()
	old, ok := e.types[space]
	if !ok {
		e.mu.Unlock()
		return fault.New(fault.UnknownSpace, "no document type registered for %q", space)
	}
	next := document.NewMachine(t.Doc, t.Behavior, old.Logger)
	incompatible := schema.Compatible(old.Doc, t.Doc)
	if len(incompatible) == 0 {
		e.types[space] = next
	}
	var keys []store.Key
	for key, a := range e.actors {
		if key.Space == space && a.loaded.Load() {
			keys = append(keys, key)
		}
	}
	e.mu.Unlock()
	sortKeys(keys)

	if len(incompatible) > 0 {
		failure := fault.New(fault.DeployFailed, "incompatible fields: %s", strings.Join(incompatible, ", "))
		errs := []error{failure}
		for _, key := range keys {
			err := e.submit(ctx, key, "deploy", func(ctx context.Context, a *actor) error {
				if a.rec != nil {
					a.deployErr = failure.WithKey(key.String())
				}
				return nil
			})
			if err != nil {
				e.logger.Warn("deploy failure not recorded", append([]any{slog.String("key", key.String())}, errorAttrs(err)...)...)
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	var errs []error
	for _, key := range keys {
		err := e.submit(ctx, key, "deploy", func(ctx context.Context, a *actor) error {
			if a.rec == nil || a.machine == next {
				return nil
			}
			prev := a.machine
			a.machine = next
			if _, err := e.apply(ctx, a, e.command(key, document.CmdDeploy, document.System, nil)); err != nil {
				if a.rec != nil {
					a.machine = prev
					a.deployErr = err
				}
				return err
			}
			return nil
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Refresh drops the backend's cached copy of key, reloads the record and
// pushes viewers what changed. Another instance's writes become visible
// to this instance's viewers this way.
func (e *Engine) Refresh(ctx context.Context, key store.Key) error {
	return e.submit(ctx, key, "refresh", func(ctx context.Context, a *actor) error {
		if a.rec == nil {
			return e.load(ctx, a)
		}
		if err := e.backend.Shed(ctx, key); err != nil {
			return err
		}
		if err := e.reload(ctx, a); err != nil {
			return err
		}
		e.dispatchCalls(a)
		e.publish(a, "")
		e.observe(a, 0)
		return nil
	})
}

// Shed forgets the in-memory record without writing anything. The next
// command reloads it from storage.
func (e *Engine) Shed(ctx context.Context, key store.Key) error {
	return e.submit(ctx, key, "shed", func(ctx context.Context, a *actor) error {
		return e.shed(ctx, a)
	})
}

func (e *Engine) shed(ctx context.Context, a *actor) error {
	if err := e.backend.Shed(ctx, a.key); err != nil {
		return err
	}
	e.keepTimer(a)
	a.unload()
	e.controller.Forget(a.key)
	return nil
}

// Close disconnects this instance's viewers of key and releases the
// document.
func (e *Engine) Close(ctx context.Context, key store.Key) error {
	return e.submit(ctx, key, "close", func(ctx context.Context, a *actor) error {
		return e.close(ctx, a)
	})
}

func (e *Engine) close(ctx context.Context, a *actor) error {
	var errs []error
	if a.rec != nil {
		for _, id := range a.connIDs() {
			if _, err := e.disconnect(ctx, a, id); err != nil {
				errs = append(errs, err)
				a.dropConn(id)
			}
		}
	}
	for _, id := range a.connIDs() {
		a.dropConn(id)
	}
	if err := e.backend.Close(ctx, a.key); err != nil {
		errs = append(errs, err)
	}
	e.keepTimer(a)
	a.unload()
	e.controller.Forget(a.key)
	return errors.Join(errs...)
}

// Delete removes the document and its history.
func (e *Engine) Delete(ctx context.Context, key store.Key) error {
	return e.submit(ctx, key, "delete", func(ctx context.Context, a *actor) error {
		if err := e.backend.Delete(ctx, key); err != nil {
			return err
		}
		for _, id := range a.connIDs() {
			a.dropConn(id)
		}
		e.dropTimer(key)
		a.unload()
		e.controller.Forget(key)
		return nil
	})
}

// Drain stops admitting work and closes every resident document. Later
// operations fail with Draining.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()
	e.logger.Info("draining")

	var errs []error
	for _, a := range e.residentActors() {
		j := &job{name: "drain", run: e.close, done: make(chan error, 1)}
		if err := e.enqueue(ctx, a.key, j); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Draining reports whether Drain was called.
func (e *Engine) Draining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

// Inventory lists every stored document.
func (e *Engine) Inventory(ctx context.Context) ([]store.Key, error) {
	return e.backend.Inventory(ctx)
}

// Record returns a copy of key's current record, loading it if needed.
func (e *Engine) Record(ctx context.Context, key store.Key) (*document.Record, error) {
	var rec *document.Record
	err := e.submit(ctx, key, "record", func(ctx context.Context, a *actor) error {
		if err := e.load(ctx, a); err != nil {
			return err
		}
		rec = a.rec.Clone()
		return nil
	})
	return rec, err
}

// DocStats describes one key as this instance sees it.
type DocStats struct {
	Resident    bool
	Seq         int64
	Connections int
	// Reads is how many log entries the last load replayed.
	Reads      int64
	TotalReads int64
}

// Stat reports on key without loading it.
func (e *Engine) Stat(ctx context.Context, key store.Key) (DocStats, error) {
	var st DocStats
	err := e.submit(ctx, key, "stat", func(ctx context.Context, a *actor) error {
		st = DocStats{
			Resident:    a.rec != nil,
			Connections: len(a.conns),
			Reads:       a.lastReads.Load(),
			TotalReads:  a.totalReads.Load(),
		}
		if a.rec != nil {
			st.Seq = a.rec.Seq
		}
		return nil
	})
	return st, err
}

func sortKeys(keys []store.Key) {
	slices.SortFunc(keys, func(a, b store.Key) int {
		return strings.Compare(a.String(), b.String())
	})
}
