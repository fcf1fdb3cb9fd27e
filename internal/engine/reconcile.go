package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/livedoc/internal/document"
	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/store"
	"github.com/roach88/livedoc/internal/value"
)

// Receipt reports a committed (or no-op) command.
type Receipt struct {
	// Seq is the record's sequence number after the command.
	Seq      int64
	NoOp     bool
	Parked   bool
	Response value.Value
	// Faults are parked continuations the command resumed and dropped.
	Faults []error
}

func receiptOf(rec *document.Record, res *document.Result) *Receipt {
	return &Receipt{
		Seq:      rec.Seq,
		NoOp:     res.NoOp,
		Parked:   res.Parked,
		Response: res.Response,
		Faults:   res.Faults,
	}
}

func (e *Engine) command(key store.Key, name string, who document.Principal, arg value.Value) document.Command {
	return document.Command{
		Command:   name,
		Timestamp: e.clock.Now(),
		Who:       who,
		Arg:       arg,
		Entropy:   e.nonces.Next(),
		Key:       key.Key,
	}
}

// prepare loads a's record if needed and surfaces a failed deploy once.
func (e *Engine) prepare(ctx context.Context, a *actor) error {
	if err := e.load(ctx, a); err != nil {
		return err
	}
	if err := a.deployErr; err != nil {
		a.deployErr = nil
		return err
	}
	return nil
}

// load reads the record from the backend when a holds none. A record
// whose fields no longer match the registered type is migrated with a
// deploy command first.
func (e *Engine) load(ctx context.Context, a *actor) error {
	if a.rec != nil {
		return nil
	}
	m, err := e.machineFor(a.key.Space)
	if err != nil {
		return err
	}
	if err := e.reload(ctx, a); err != nil {
		return err
	}
	a.machine = m

	if err := m.Doc.Check(a.rec.Fields); err != nil {
		e.logger.Info("migrating record to current type",
			slog.String("key", a.key.String()),
			slog.String("reason", err.Error()))
		if _, err := e.apply(ctx, a, e.command(a.key, document.CmdDeploy, document.System, nil)); err != nil {
			a.unload()
			return err
		}
	}
	e.dispatchCalls(a)
	e.observe(a, 0)
	if len(a.conns) > 0 {
		e.publish(a, "")
	}
	return nil
}

// reload replaces a's record with the authoritative one.
func (e *Engine) reload(ctx context.Context, a *actor) error {
	loaded, err := e.backend.Load(ctx, a.key)
	if err != nil {
		return err
	}
	rec, err := document.RecordOf(loaded.Record)
	if err != nil {
		return fault.Wrap(fault.StorageFailure, err, "decode record").WithKey(a.key.String())
	}
	a.setRecord(rec)
	e.dropTimer(a.key)
	a.held = -1
	if loaded.Reads > 0 {
		a.held = loaded.Reads
	}
	a.lastReads.Store(int64(loaded.Reads))
	a.totalReads.Add(int64(loaded.Reads))
	return nil
}

// apply runs cmd against a's record and persists the result. When another
// writer got there first the record is reloaded and cmd re-applied, up to
// the attempt limit. Parked continuations in the fresh record resume
// naturally because the machine drains them on every command.
func (e *Engine) apply(ctx context.Context, a *actor, cmd document.Command) (*document.Result, error) {
	start := time.Now()
	budget := newConflictBudget(e.maxAttempts, e.backoffBase, e.backoffMax)
	for {
		res, err := a.machine.Apply(a.key.Key, a.rec, cmd)
		if err != nil {
			return nil, err
		}
		if res.NoOp {
			return res, nil
		}
		err = e.persist(ctx, a, res)
		if err == nil {
			e.committed(ctx, a, res, cmd, time.Since(start))
			return res, nil
		}
		if !fault.Is(err, fault.SeqMismatch) {
			return nil, err
		}

		e.logger.Debug("lost seq race",
			slog.String("key", a.key.String()),
			slog.String("command", cmd.Command),
			slog.Int64("seq", res.Record.Seq),
			slog.Int("attempt", budget.Current()+1))
		if err := budget.Check(a.key.String()); err != nil {
			a.unload()
			return nil, err
		}
		if err := sleep(ctx, budget.Backoff()); err != nil {
			return nil, err
		}
		if err := e.reload(ctx, a); err != nil {
			a.unload()
			return nil, err
		}
	}
}

func (e *Engine) persist(ctx context.Context, a *actor, res *document.Result) error {
	if res.Restored {
		if err := e.backend.Recover(ctx, a.key, res.Record.Object()); err != nil {
			return err
		}
		a.held = 0
		return nil
	}
	seq := res.Record.Seq
	p := store.Patch{Start: seq, End: seq, Forward: res.Forward}
	if a.machine.Doc.MaximumHistory > 0 {
		p.Reverse = res.Reverse
	}
	if err := e.backend.Patch(ctx, a.key, p); err != nil {
		return err
	}
	if a.held >= 0 {
		a.held++
	}
	return nil
}

// committed installs a persisted result and runs its side effects:
// compaction, web responses, service calls and viewer frames.
func (e *Engine) committed(ctx context.Context, a *actor, res *document.Result, cmd document.Command, cost time.Duration) {
	a.setRecord(res.Record)

	e.compact(ctx, a, res)

	if len(res.Completed) > 0 {
		e.mu.Lock()
		for id, w := range res.Completed {
			e.webs[id] = w
		}
		e.mu.Unlock()
	}
	for _, f := range res.Faults {
		attrs := append([]any{slog.String("key", a.key.String()), slog.String("command", cmd.Command)}, errorAttrs(f)...)
		e.logger.Warn("parked continuation dropped", attrs...)
	}

	e.dispatchCalls(a)
	e.publish(a, cmd.Connection)
	e.observe(a, cost)
	e.logger.Debug("command committed",
		slog.String("key", a.key.String()),
		slog.String("command", cmd.Command),
		slog.Int64("seq", res.Record.Seq),
		slog.Bool("parked", res.Parked))
}

// compact folds the log once it holds more than maximum_history patches,
// so no more than that many reverse deltas survive a commit.
func (e *Engine) compact(ctx context.Context, a *actor, res *document.Result) {
	k := a.machine.Doc.MaximumHistory
	if k <= 0 || res.Restored || (a.held >= 0 && a.held <= k) {
		return
	}
	if err := e.backend.Compact(ctx, a.key, k); err != nil {
		e.logger.Warn("compaction failed", slog.String("key", a.key.String()), slog.Any("error", err))
		return
	}
	a.held = k
}

// publish pushes each local connection the change in its view, in
// connection id order. The issuing connection gets a bare seq frame when
// its view did not change.
func (e *Engine) publish(a *actor, issuer string) {
	for _, id := range a.connIDs() {
		c := a.conns[id]
		view, ok := a.machine.Project(a.key.Key, a.rec, id)
		if !ok {
			a.dropConn(id)
			continue
		}
		diff := value.Diff(c.last, view)
		if value.IsEmpty(diff) {
			if id == issuer {
				c.stream.Push(Frame{Kind: FrameAck, Seq: c.seq.Current()})
			}
			continue
		}
		c.last = view
		c.stream.Push(Frame{Kind: FrameData, Data: diff, Seq: c.seq.Next()})
	}
}

func (e *Engine) observe(a *actor, cost time.Duration) {
	if a.rec == nil {
		return
	}
	e.controller.Observe(Sample{
		Key:         a.key,
		Cost:        cost,
		Memory:      len(value.MustEncode(a.rec.Object())),
		Seq:         a.rec.Seq,
		Connections: len(a.conns),
		At:          e.clock.Now(),
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
