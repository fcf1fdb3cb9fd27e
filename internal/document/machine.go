package document

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"

	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/policy"
	"github.com/roach88/livedoc/internal/schema"
	"github.com/roach88/livedoc/internal/value"
)

// MaxResumes bounds how many parked continuations one command may resume.
// A behavior that keeps re-parking on inputs that are always available
// would otherwise never finish.
const MaxResumes = 1000

// Machine applies commands to records of one document type.
type Machine struct {
	Doc      *schema.Document
	Behavior Behavior
	Logger   *slog.Logger
}

// NewMachine creates a machine. A nil logger uses slog.Default().
func NewMachine(doc *schema.Document, behavior Behavior, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{Doc: doc, Behavior: behavior, Logger: logger}
}

// WebResponse is the outcome of a web put that was parked.
type WebResponse struct {
	Body value.Value
	Err  error
}

// Result is the outcome of one command.
type Result struct {
	// Record is the next record. Nil when NoOp.
	Record *Record

	// Forward turns the previous record into Record; Reverse undoes it.
	Forward value.Object
	Reverse value.Object

	// Response is the handler's return value for web requests.
	Response value.Value

	// Parked is set when the command itself is waiting for input. The
	// record still advanced: the continuation is stored in it.
	Parked bool

	// Completed holds web puts finished by this command, by request id.
	Completed map[string]WebResponse

	// Faults are parked continuations that failed when resumed. They are
	// dropped; the command itself still commits.
	Faults []error

	// NoOp is set when nothing was due or nothing waited on the input.
	// There is no patch and the sequence number does not move.
	NoOp bool

	// Restored is set for restore commands; the store overwrites instead
	// of appending.
	Restored bool
}

// run is the working state of one command.
type run struct {
	m       *Machine
	key     string
	base    *Record
	work    *Record
	rng     *rand.Rand
	cmd     Command
	current string
	resumes int
	res     *Result
}

// Create constructs a new document. The create policy decides admission.
func (m *Machine) Create(key string, cmd Command) (*Result, error) {
	return m.create(key, cmd, m.Doc.Policy.Create, true)
}

// Invent constructs a document on first connect. The invent policy
// decides admission and an absent policy denies.
func (m *Machine) Invent(key string, cmd Command) (*Result, error) {
	return m.create(key, cmd, m.Doc.Policy.Invent, false)
}

func (m *Machine) create(key string, cmd Command, rule string, def bool) (*Result, error) {
	pred, err := policy.Compile(rule, def)
	if err != nil {
		return nil, fault.Wrap(fault.RejectedByPolicy, err, "policy does not compile").WithKey(key)
	}
	if !pred.Allows(policy.Env{Who: cmd.Who.Go(), Key: key, Arg: value.ToGo(cmd.Arg)}) {
		return nil, fault.New(fault.RejectedByPolicy, "%s may not create this document", cmd.Who).WithKey(key)
	}

	base := NewRecord(m.Doc)
	base.Entropy = cmd.Entropy
	if base.Entropy == 0 {
		base.Entropy = seedOf(key)
	}
	r := m.newRun(key, base, cmd)
	for _, name := range m.Doc.CronNames() {
		sched, err := schema.ParseSchedule(m.Doc.Cron[name])
		if err != nil {
			return nil, fault.Wrap(fault.CreateFailed, err, "cron %s", name).WithKey(key)
		}
		r.work.Enqueued[name] = Task{Schedule: sched.String(), NextFire: sched.Next(cmd.Timestamp)}
	}

	ctx, _, err := r.exec(Command{Command: CmdConstruct, Timestamp: cmd.Timestamp, Who: cmd.Who, Arg: cmd.Arg}, nil)
	if parked(ctx) {
		return nil, fault.New(fault.CreateFailed, "construct cannot wait for input").WithKey(key)
	}
	if err != nil {
		return nil, fault.Wrap(fault.CreateFailed, err, "construct").WithKey(key)
	}
	r.effects(ctx)
	r.work.Constructed = true
	r.commit(value.Object{})
	return r.res, nil
}

func seedOf(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64() >> 1)
}

func (m *Machine) newRun(key string, base *Record, cmd Command) *run {
	return &run{
		m:    m,
		key:  key,
		base: base,
		work: base.Clone(),
		rng:  newRand(base.Entropy, base.Seq+1),
		cmd:  cmd,
		res:  &Result{Completed: map[string]WebResponse{}},
	}
}

// Apply runs one command against a constructed record. The record is not
// modified. A returned error means nothing changed.
func (m *Machine) Apply(key string, rec *Record, cmd Command) (*Result, error) {
	if !rec.Constructed {
		return nil, fault.New(fault.NotFound, "document is not constructed").WithKey(key)
	}
	r := m.newRun(key, rec, cmd)
	var err error
	switch cmd.Command {
	case CmdConstruct:
		err = fault.New(fault.AlreadyExists, "document already exists")
	case CmdConnect:
		err = r.connect()
	case CmdDisconnect:
		err = r.disconnect()
	case CmdInvalidate:
		err = r.invalidate()
	case CmdWebGet:
		err = r.webGet()
	case CmdWebPut:
		err = r.webPut()
	case CmdDeliver:
		err = r.deliver()
	case CmdRestore:
		err = r.restore()
	case CmdDeploy:
		err = r.deploy()
	default:
		err = r.send()
	}
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) && fe.Key == "" {
			fe.Key = key
		}
		return nil, err
	}
	if !r.res.NoOp {
		r.commit(rec.Object())
	}
	return r.res, nil
}

// commit stamps the next sequence number and computes the deltas.
func (r *run) commit(before value.Object) {
	w := r.work
	w.Seq = r.base.Seq + 1
	// Mixing in the submission's nonce keeps two equal commands from
	// producing byte-identical patches.
	w.Entropy = nextEntropy(r.rng) ^ r.cmd.Entropy
	w.Blocked = len(w.Futures) > 0
	after := w.Object()
	r.res.Record = w
	r.res.Forward = value.Diff(before, after)
	r.res.Reverse = value.Diff(after, before)
}

// exec runs one execution of env. f carries the answers of a resumed
// continuation.
func (r *run) exec(env Command, f *Future) (ctx *Context, resp value.Value, err error) {
	ctx = &Context{
		key:     r.key,
		doc:     r.m.Doc,
		rec:     r.work,
		rng:     r.rng,
		logger:  r.m.Logger,
		who:     env.Who,
		now:     env.Timestamp,
		at:      r.cmd.Timestamp,
		current: r.current,
	}
	if f != nil {
		ctx.answers = append([]Answer(nil), f.Answers...)
	}
	if env.Command == CmdWebGet {
		ctx.readonly = true
	}
	defer func() {
		if p := recover(); p != nil {
			r.m.Logger.Error("behavior panicked", "key", r.key, "command", env.Command, "panic", p, "stack", string(debug.Stack()))
			err = fault.New(fault.RuntimeFault, "panic: %v", p)
		}
	}()
	resp, err = r.m.dispatch(ctx, env)
	return ctx, resp, err
}

// parked reports whether the execution waited for input. A behavior that
// swallowed ErrSuspended still parked: the wait is recorded on ctx.
func parked(ctx *Context) bool {
	return ctx != nil && ctx.wait != nil
}

func (m *Machine) dispatch(ctx *Context, env Command) (value.Value, error) {
	b := m.Behavior
	switch env.Command {
	case CmdConstruct:
		return nil, b.Construct(ctx, env.Arg)
	case CmdConnect:
		ok, err := b.OnConnect(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fault.New(fault.ConnectRejected, "connect refused for %s", env.Who)
		}
		return nil, nil
	case CmdDisconnect:
		return nil, b.OnDisconnect(ctx)
	case CmdDeploy:
		return nil, b.Upgrade(ctx)
	case CmdWebGet:
		arg := env.argObject()
		return b.WebGet(ctx, arg.Str("path"), arg.Obj("params"))
	case CmdWebPut:
		arg := env.argObject()
		return b.WebPut(ctx, arg.Str("path"), arg["body"])
	case CmdInvalidate:
		arg := env.argObject()
		if label := arg.Str("state"); label != "" {
			return nil, b.State(ctx, label)
		}
		name := arg.Str("cron")
		return nil, b.Channel(ctx, name, value.Obj(value.P("name", value.String(name)), value.P("at", value.Int(arg.Int("at")))))
	default:
		msg := env.Arg
		if msg == nil {
			msg = value.Object{}
		}
		return nil, b.Channel(ctx, env.Command, msg)
	}
}

// effects applies the deferred effects of a completed execution.
func (r *run) effects(ctx *Context) {
	if t := ctx.transition; t != nil {
		r.work.State = t.label
		r.work.NextTime = t.at
	}
	for name, v := range ctx.replicas {
		r.work.Replication[name] = Replica{Value: v, Seq: r.base.Seq + 1}
	}
}

// main runs the command's own execution. Parking stores a continuation and
// reports the future id; field writes made before the park are discarded
// because re-execution repeats them.
func (r *run) main(env Command, what string) (value.Value, string, error) {
	fields := r.work.Fields.Clone()
	ctx, resp, err := r.exec(env, nil)
	if parked(ctx) {
		if what != "" {
			return nil, "", fault.New(fault.RuntimeFault, "%s cannot wait for input", what)
		}
		r.work.Fields = fields
		return nil, r.park(ctx, env, nil), nil
	}
	if err != nil {
		return nil, "", classify(err)
	}
	r.effects(ctx)
	return resp, "", nil
}

// classify keeps coded failures and turns everything else into a runtime
// fault.
func classify(err error) error {
	if errors.Is(err, ErrSuspended) {
		return fault.New(fault.RuntimeFault, "execution suspended outside a wait")
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return fault.Wrap(fault.RuntimeFault, err, "behavior failed")
}

func (r *run) park(ctx *Context, env Command, existing *Future) string {
	f := ctx.wait
	if existing != nil {
		f.ID = existing.ID
	} else {
		f.ID = newID(r.cmd.Timestamp, r.rng)
	}
	f.Answers = ctx.answers
	f.Resume = env
	r.work.Futures[f.ID] = f
	if f.Kind == FutureFetchTimeout {
		r.work.Timeouts[f.ID] = f.Deadline
	} else {
		delete(r.work.Timeouts, f.ID)
	}
	return f.ID
}

// drop removes a continuation and fails any web put waiting on it.
func (r *run) drop(f *Future, err error) {
	delete(r.work.Futures, f.ID)
	delete(r.work.Timeouts, f.ID)
	for id, w := range r.work.WebQueue {
		if w.Future == f.ID {
			delete(r.work.WebQueue, id)
			r.res.Completed[id] = WebResponse{Err: err}
		}
	}
}

// drain resolves parked continuations from the record's queued messages
// and cache (and, when expire is set, their deadlines) until none can make
// progress. It reports how many were resumed.
func (r *run) drain(expire bool) (int, error) {
	resumed := 0
	for progress := true; progress; {
		progress = false
		for _, id := range r.work.FutureIDs() {
			f, ok := r.work.Futures[id]
			if !ok {
				continue
			}
			a, ok, err := r.work.take(f, r.cmd.Timestamp, expire, r.current)
			if err != nil {
				return resumed, err
			}
			if !ok {
				continue
			}
			r.resumes++
			if r.resumes > MaxResumes {
				return resumed, fault.New(fault.RuntimeFault, "more than %d continuations resumed by one command", MaxResumes)
			}
			f.Answers = append(f.Answers, a)
			r.resume(f)
			resumed++
			progress = true
		}
	}
	return resumed, nil
}

func (r *run) resume(f *Future) {
	fields := r.work.Fields.Clone()
	messages := append([]Message(nil), r.work.Messages...)
	cache := make(map[string]CacheEntry, len(r.work.Cache))
	for k, v := range r.work.Cache {
		cache[k] = v
	}

	ctx, resp, err := r.exec(f.Resume, f)
	switch {
	case parked(ctx):
		r.work.Fields = fields
		r.park(ctx, f.Resume, f)
	case err != nil:
		r.work.Fields, r.work.Messages, r.work.Cache = fields, messages, cache
		err = classify(err)
		r.m.Logger.Warn("resumed continuation failed", "key", r.key, "future", f.ID, "command", f.Resume.Command, "error", err)
		r.res.Faults = append(r.res.Faults, fmt.Errorf("future %s: %w", f.ID, err))
		r.drop(f, err)
	default:
		r.effects(ctx)
		delete(r.work.Futures, f.ID)
		delete(r.work.Timeouts, f.ID)
		for id, w := range r.work.WebQueue {
			if w.Future == f.ID {
				delete(r.work.WebQueue, id)
				r.res.Completed[id] = WebResponse{Body: resp}
			}
		}
	}
}

func (r *run) connect() error {
	conn := r.cmd.Connection
	if conn == "" {
		return fault.New(fault.InvalidCommand, "connect requires a connection id")
	}
	if _, exists := r.work.Clients[conn]; exists {
		return fault.New(fault.InvalidCommand, "connection %s already exists", conn)
	}
	view := r.cmd.argObject().Obj("view").Clone()
	if view == nil {
		view = value.Object{}
	}
	pred, err := policy.Compile(r.m.Doc.Policy.Connect, true)
	if err != nil {
		return fault.Wrap(fault.ConnectRejected, err, "connect policy does not compile")
	}
	env := policy.Env{Who: r.cmd.Who.Go(), Doc: goFields(r.work.Fields), View: goFields(view), Key: r.key}
	if !pred.Allows(env) {
		return fault.New(fault.ConnectRejected, "%s may not connect", r.cmd.Who)
	}
	if _, _, err := r.main(r.cmd, "connect"); err != nil {
		return err
	}
	r.work.Clients[conn] = Client{Who: r.cmd.Who, View: view}
	return nil
}

func (r *run) disconnect() error {
	conn := r.cmd.Connection
	client, ok := r.work.Clients[conn]
	if !ok {
		return fault.New(fault.UnknownConnection, "no connection %q", conn)
	}
	env := r.cmd
	env.Who = client.Who
	if _, _, err := r.main(env, "disconnect"); err != nil {
		return err
	}
	delete(r.work.Clients, conn)
	if r.work.connected(client.Who) {
		return nil
	}
	for _, id := range r.work.FutureIDs() {
		if f := r.work.Futures[id]; f.awaits(client.Who) {
			r.drop(f, fault.New(fault.Unavailable, "%s disconnected", client.Who))
		}
	}
	return nil
}

func (r *run) send() error {
	name := r.cmd.Command
	kind, ok := r.m.Doc.Channel(name)
	if !ok {
		return fault.New(fault.UnknownChannel, "channel %q is not declared", name)
	}
	if kind == schema.ChannelMessage {
		_, id, err := r.main(r.cmd, "")
		r.res.Parked = id != ""
		return err
	}
	payload := r.cmd.Arg
	if payload == nil {
		payload = value.Object{}
	}
	r.current = newID(r.cmd.Timestamp, r.rng)
	r.work.Messages = append(r.work.Messages, Message{
		ID:      r.current,
		Channel: name,
		Who:     r.cmd.Who,
		Payload: value.Clone(payload),
		At:      r.cmd.Timestamp,
	})
	_, err := r.drain(false)
	return err
}

func (r *run) webGet() error {
	resp, _, err := r.main(r.cmd, "web get")
	if err != nil {
		return err
	}
	r.res.NoOp = true
	r.res.Response = resp
	return nil
}

func (r *run) webPut() error {
	arg := r.cmd.argObject()
	request := arg.Str("request")
	if request == "" {
		return fault.New(fault.InvalidCommand, "web put requires a request id")
	}
	resp, id, err := r.main(r.cmd, "")
	if err != nil {
		return err
	}
	if id != "" {
		r.work.WebQueue[request] = WebRequest{Path: arg.Str("path"), Who: r.cmd.Who, Future: id}
		r.res.Parked = true
		return nil
	}
	r.res.Response = resp
	return nil
}

// deliver stores a remote-service result and resumes what waits on it. A
// result nobody waits for is dropped without a patch.
func (r *run) deliver() error {
	arg := r.cmd.argObject()
	call := arg.Str("call")
	waiting := false
	for _, f := range r.work.Futures {
		if f.Kind == FutureCall && f.Call == call {
			waiting = true
			break
		}
	}
	if !waiting {
		r.res.NoOp = true
		return nil
	}
	if _, failed := arg["error"]; failed {
		r.work.Cache[call] = CacheEntry{Error: arg.Str("error")}
	} else {
		result := arg["result"]
		if result == nil {
			result = value.Object{}
		}
		r.work.Cache[call] = CacheEntry{Result: value.Clone(result)}
	}
	_, err := r.drain(false)
	return err
}

// invalidate runs whatever is due: expired fetchTimeouts, the pending
// state transition, then cron tasks. With nothing due it is a no-op.
func (r *run) invalidate() error {
	now := r.cmd.Timestamp
	resumed, err := r.drain(true)
	if err != nil {
		return err
	}
	due := resumed > 0

	if r.work.State != "" && r.work.NextTime <= now {
		due = true
		label := r.work.State
		r.work.State = ""
		r.work.NextTime = 0
		r.work.LastExpireTime = now
		env := Command{Command: CmdInvalidate, Timestamp: now, Who: System, Arg: value.Obj(value.P("state", value.String(label)))}
		if _, _, err := r.main(env, ""); err != nil {
			return err
		}
	}

	for _, name := range r.m.Doc.CronNames() {
		task, ok := r.work.Enqueued[name]
		if !ok || task.NextFire > now {
			continue
		}
		sched, err := schema.ParseSchedule(task.Schedule)
		if err != nil {
			return fault.Wrap(fault.RuntimeFault, err, "cron %s", name)
		}
		due = true
		r.work.Enqueued[name] = Task{Schedule: task.Schedule, NextFire: sched.Next(now)}
		env := Command{
			Command:   CmdInvalidate,
			Timestamp: now,
			Who:       System,
			Arg:       value.Obj(value.P("cron", value.String(name)), value.P("at", value.Int(task.NextFire))),
		}
		if _, _, err := r.main(env, ""); err != nil {
			return err
		}
	}

	r.res.NoOp = !due
	return nil
}

// restore overwrites the record with an out-of-band snapshot. Live
// connections survive the restore.
func (r *run) restore() error {
	obj, ok := r.cmd.Arg.(value.Object)
	if !ok {
		return fault.New(fault.InvalidCommand, "restore requires a record object")
	}
	next, err := RecordOf(obj)
	if err != nil {
		return fault.Wrap(fault.InvalidCommand, err, "restore")
	}
	if err := r.m.Doc.Check(next.Fields); err != nil {
		return fault.Wrap(fault.InvalidCommand, err, "restore")
	}
	next.Clients = r.work.Clients
	next.Constructed = true
	r.work = next
	r.res.Restored = true
	return nil
}

// deploy migrates the record to this machine's document type and runs the
// upgrade hook. Fields whose kind still matches carry over, new fields take
// their defaults, removed fields are dropped. The patch is skipped when
// nothing changed.
func (r *run) deploy() error {
	fields := r.m.Doc.Defaults()
	for _, f := range r.m.Doc.Fields {
		if old, ok := r.base.Fields[f.Name]; ok && f.Check(old) == nil {
			fields[f.Name] = value.Clone(old)
		}
	}
	r.work.Fields = fields

	enqueued := make(map[string]Task, len(r.m.Doc.Cron))
	for _, name := range r.m.Doc.CronNames() {
		sched, err := schema.ParseSchedule(r.m.Doc.Cron[name])
		if err != nil {
			return fault.Wrap(fault.DeployFailed, err, "cron %s", name)
		}
		if t, ok := r.work.Enqueued[name]; ok && t.Schedule == sched.String() {
			enqueued[name] = t
			continue
		}
		enqueued[name] = Task{Schedule: sched.String(), NextFire: sched.Next(r.cmd.Timestamp)}
	}
	r.work.Enqueued = enqueued

	if _, _, err := r.main(r.cmd, "upgrade"); err != nil {
		return fault.Wrap(fault.DeployFailed, err, "upgrade")
	}
	r.res.NoOp = value.Equal(r.work.Object(), r.base.Object())
	return nil
}

// goFields converts fields for policy evaluation.
func goFields(obj value.Object) map[string]any {
	if obj == nil {
		return map[string]any{}
	}
	m, _ := value.ToGo(obj).(map[string]any)
	return m
}
