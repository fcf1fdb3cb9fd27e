package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/livedoc/internal/compiler"
	"github.com/roach88/livedoc/internal/document"
	"github.com/roach88/livedoc/internal/engine"
	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/schema"
	"github.com/roach88/livedoc/internal/store"
	"github.com/roach88/livedoc/internal/testutil"
	"github.com/roach88/livedoc/internal/value"
)

// DefaultStart is the scenario clock's default start, 2023-11-14T22:13:20Z.
const DefaultStart int64 = 1_700_000_000_000

// DefaultWho issues steps that name no principal.
var DefaultWho = document.Principal{Agent: "tester", Authority: "user"}

// conn is a named streamback connection opened by a connect step.
type conn struct {
	key      store.Key
	id       string
	who      document.Principal
	instance *engine.Engine
	frames   *engine.Recorder
}

// Harness runs one scenario: engine instances sharing a logged memory
// backend, a manual clock and deterministic connection ids.
type Harness struct {
	scenario  *Scenario
	log       *bytes.Buffer
	base      store.Backend
	backend   *store.Logged
	clock     *testutil.ManualClock
	engines   map[string]*engine.Engine
	order     []string
	conns     map[string]*conn
	connOrder []string
	logger    *slog.Logger
}

// Option configures Run.
type Option func(*Harness)

// WithLogger routes engine logs. Default: discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithBackend runs the scenario against backend instead of a fresh
// memory store. Documents it already holds stay visible to the steps.
func WithBackend(b store.Backend) Option {
	return func(h *Harness) { h.base = b }
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh memory backend unless WithBackend
// names one. The clock only moves
// on advance steps and connection ids come from a counter, so the log
// and frames are reproducible as long as service calls are settled
// before the next step depends on them.
//
// A step that fails is recorded, and checked against its expect clause
// when it has one; an unexpected failure fails the scenario but later
// steps still run.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	docs, err := loadDocuments(s)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		scenario: s,
		log:      &bytes.Buffer{},
		engines:  map[string]*engine.Engine{},
		conns:    map[string]*conn{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	start := s.Start
	if start == 0 {
		start = DefaultStart
	}
	h.clock = testutil.NewManualClock(start)
	if h.base == nil {
		h.base = store.NewMemory()
	}
	h.backend = store.NewLogged(h.base, h.log)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{}, len(s.instances()))
	defer func() {
		cancel()
		for range h.order {
			<-done
		}
	}()

	services := h.services()
	for _, id := range s.instances() {
		e := engine.New(h.backend,
			engine.WithInstanceID(id),
			engine.WithLogger(h.logger),
			engine.WithClock(h.clock),
			engine.WithIDGenerator(testutil.NewSequentialIDs(id+"-conn")),
			engine.WithTickInterval(0),
			engine.WithSweepInterval(0),
			engine.WithBackoff(0, 0),
			engine.WithServices(services),
		)
		for _, doc := range docs {
			if err := e.RegisterDocument(doc.Name, doc); err != nil {
				return nil, fmt.Errorf("register %s: %w", doc.Name, err)
			}
		}
		h.engines[id] = e
		h.order = append(h.order, id)
		go func() {
			defer func() { done <- struct{}{} }()
			_ = e.Run(runCtx)
		}()
	}
	for _, e := range h.engines {
		if err := waitRunning(ctx, e); err != nil {
			return nil, err
		}
	}

	result := NewResult()
	for i, step := range s.Steps {
		sr, err := h.step(ctx, step)
		sr.Index, sr.Op = i, step.Op
		if err != nil {
			sr.Code = int(fault.CodeOf(err))
			sr.Error = err.Error()
		}
		result.Steps = append(result.Steps, sr)
		h.logger.Debug("step done", "step", i, "op", step.Op, "key", sr.Key, "code", sr.Code)

		switch {
		case step.Expect != nil:
			for _, msg := range checkExpect(step.Expect, sr, err) {
				result.AddError(fmt.Sprintf("steps[%d] %s: %s", i, step.Op, msg))
			}
		case !engine.Expected(err):
			result.AddError(fmt.Sprintf("steps[%d] %s: unexpected error: %v", i, step.Op, err))
		}
	}

	// Snapshot before assertions: they may load documents.
	result.Log = splitLines(h.log.String())
	for _, name := range h.connOrder {
		result.Frames[name] = h.conns[name].frames.Lines()
	}

	for _, msg := range evaluateAssertions(ctx, h, result, s.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// loadDocuments compiles and validates the scenario's document types.
func loadDocuments(s *Scenario) ([]*schema.Document, error) {
	var docs []*schema.Document
	for _, dir := range s.Specs {
		compiled, err := compiler.CompileDir(dir)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", dir, err)
		}
		docs = append(docs, compiled...)
	}
	if strings.TrimSpace(s.Documents) != "" {
		inline, err := compileInline(s.Documents)
		if err != nil {
			return nil, err
		}
		docs = append(docs, inline...)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("scenario %s declares no document types", s.Name)
	}
	return docs, nil
}

func compileInline(src string) ([]*schema.Document, error) {
	docs, err := compiler.CompileString(src)
	if err != nil {
		return nil, fmt.Errorf("compile inline documents: %w", err)
	}
	for _, doc := range docs {
		if errs := compiler.Validate(doc); len(errs) > 0 {
			return nil, fmt.Errorf("document %s: %w", doc.Name, errs[0])
		}
	}
	return docs, nil
}

// services turns the scenario's stubs into engine services. A method
// without a canned result fails with Unavailable.
func (h *Harness) services() map[string]engine.Service {
	out := make(map[string]engine.Service, len(h.scenario.Services))
	for name, methods := range h.scenario.Services {
		out[name] = engine.ServiceFunc(func(ctx context.Context, method string, arg value.Value) (value.Value, error) {
			raw, ok := methods[method]
			if !ok {
				return nil, fault.New(fault.Unavailable, "service %s has no method %s", name, method)
			}
			return value.FromGo(raw)
		})
	}
	return out
}

func waitRunning(ctx context.Context, e *engine.Engine) error {
	for !e.Running() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

func (h *Harness) instance(id string) *engine.Engine {
	if id == "" {
		id = h.order[0]
	}
	return h.engines[id]
}

func (h *Harness) who(step Step) document.Principal {
	if step.Who != nil {
		return document.Principal{Agent: step.Who.Agent, Authority: step.Who.Authority}
	}
	if c, ok := h.conns[step.As]; ok {
		return c.who
	}
	return DefaultWho
}

// target resolves the step's key and instance, preferring the named
// connection's when the step goes through one.
func (h *Harness) target(step Step) (store.Key, *engine.Engine, *conn, error) {
	if step.As != "" && step.Op != OpConnect {
		c, ok := h.conns[step.As]
		if !ok {
			return store.Key{}, nil, nil, fmt.Errorf("no connection named %q", step.As)
		}
		return c.key, c.instance, c, nil
	}
	key, err := parseKey(step.Key)
	return key, h.instance(step.Instance), nil, err
}

func (h *Harness) step(ctx context.Context, step Step) (StepResult, error) {
	var sr StepResult
	switch step.Op {
	case OpAdvance:
		h.clock.Advance(step.Ms)
		return sr, nil
	case OpSettle:
		for _, id := range h.order {
			if err := h.engines[id].WaitDispatches(ctx); err != nil {
				return sr, err
			}
		}
		return sr, nil
	case OpTick:
		for _, id := range h.tickTargets(step) {
			if _, err := h.engines[id].Tick(ctx); err != nil {
				return sr, err
			}
		}
		return sr, nil
	case OpDeploy:
		return sr, h.deploy(ctx, step)
	}

	key, e, c, err := h.target(step)
	if err != nil {
		return sr, err
	}
	sr.Key = key.String()
	arg, err := optionalValue(step.Arg)
	if err != nil {
		return sr, fmt.Errorf("arg: %w", err)
	}

	var rcpt *engine.Receipt
	switch step.Op {
	case OpCreate:
		rcpt, err = e.Create(ctx, key, h.who(step), arg)
	case OpConnect:
		err = h.connect(ctx, e, key, step)
	case OpSend:
		cmd := document.Command{Command: step.Channel, Who: h.who(step), Arg: arg}
		if c != nil {
			cmd.Connection = c.id
		}
		if cmd.Arg == nil {
			cmd.Arg = value.Object{}
		}
		rcpt, err = e.Send(ctx, key, cmd)
	case OpDisconnect:
		rcpt, err = e.Disconnect(ctx, key, c.id)
	case OpDeliver:
		var callErr error
		if step.Fail != "" {
			callErr = errors.New(step.Fail)
		}
		rcpt, err = e.Deliver(ctx, key, step.Call, arg, callErr)
	case OpRestore:
		rcpt, err = e.Recover(ctx, key, arg.(value.Object))
	case OpWebGet:
		var params value.Value
		if params, err = optionalValue(step.Params); err == nil {
			obj, _ := params.(value.Object)
			var resp value.Value
			resp, err = e.WebGet(ctx, key, h.who(step), step.Path, obj)
			rcpt = &engine.Receipt{Response: resp, NoOp: true}
			if err != nil {
				rcpt = nil
			}
		}
	case OpWebPut:
		var resp value.Value
		_, resp, err = e.WebPut(ctx, key, h.who(step), step.Path, arg)
		if err == nil {
			rcpt = &engine.Receipt{Response: resp}
		}
	case OpRefresh:
		err = e.Refresh(ctx, key)
	case OpShed:
		err = e.Shed(ctx, key)
	case OpClose:
		err = e.Close(ctx, key)
	}
	if rcpt != nil && rcpt.Seq > 0 {
		sr.Seq = rcpt.Seq
	}
	sr.receipt = rcpt
	return sr, err
}

func (h *Harness) connect(ctx context.Context, e *engine.Engine, key store.Key, step Step) error {
	if _, taken := h.conns[step.As]; taken {
		return fmt.Errorf("connection %q already open", step.As)
	}
	view, err := optionalValue(step.View)
	if err != nil {
		return fmt.Errorf("view: %w", err)
	}
	obj, _ := view.(value.Object)
	frames := engine.NewRecorder()
	who := h.who(step)
	id, err := e.Connect(ctx, engine.ConnectRequest{
		Key:    key,
		Who:    who,
		View:   obj,
		Invent: step.Invent,
		Stream: frames,
	})
	if err != nil {
		return err
	}
	h.conns[step.As] = &conn{key: key, id: id, who: who, instance: e, frames: frames}
	h.connOrder = append(h.connOrder, step.As)
	return nil
}

// deploy compiles the step's documents and deploys the ones whose names
// are registered spaces to every instance.
func (h *Harness) deploy(ctx context.Context, step Step) error {
	docs, err := compileInline(step.Documents)
	if err != nil {
		return err
	}
	for _, id := range h.order {
		e := h.engines[id]
		for _, doc := range docs {
			t, err := e.TypeOf(doc)
			if err != nil {
				return err
			}
			if err := e.Deploy(ctx, doc.Name, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Harness) tickTargets(step Step) []string {
	if step.Instance != "" {
		return []string{step.Instance}
	}
	return h.order
}

// parseKey splits "space/key".
func parseKey(s string) (store.Key, error) {
	space, key, ok := strings.Cut(s, "/")
	if !ok || space == "" || key == "" {
		return store.Key{}, fmt.Errorf("key %q must be space/key", s)
	}
	return store.Key{Space: space, Key: key}, nil
}

// optionalValue converts YAML data; absent data stays nil.
func optionalValue(raw any) (value.Value, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if v == nil {
			return nil, nil
		}
	}
	return value.FromGo(raw)
}

// checkExpect compares a step's outcome with its expect clause.
func checkExpect(x *Expect, sr StepResult, err error) []string {
	var msgs []string
	switch {
	case x.Error == "none":
		if err != nil {
			msgs = append(msgs, fmt.Sprintf("expected success, got %v", err))
		}
	case x.Error != "":
		if !codeMatches(x.Error, err) {
			msgs = append(msgs, fmt.Sprintf("expected error %q, got %v", x.Error, err))
		}
	case !engine.Expected(err):
		msgs = append(msgs, fmt.Sprintf("unexpected error: %v", err))
	}

	rcpt := sr.receipt
	if x.Seq != nil && sr.Seq != *x.Seq {
		msgs = append(msgs, fmt.Sprintf("expected seq %d, got %d", *x.Seq, sr.Seq))
	}
	if x.NoOp != nil && (rcpt == nil || rcpt.NoOp != *x.NoOp) {
		msgs = append(msgs, fmt.Sprintf("expected noop=%v", *x.NoOp))
	}
	if x.Parked != nil && (rcpt == nil || rcpt.Parked != *x.Parked) {
		msgs = append(msgs, fmt.Sprintf("expected parked=%v", *x.Parked))
	}
	if x.Response != nil {
		want, convErr := value.FromGo(x.Response)
		switch {
		case convErr != nil:
			msgs = append(msgs, fmt.Sprintf("expected response: %v", convErr))
		case rcpt == nil || !value.Equal(want, rcpt.Response):
			got := "<none>"
			if rcpt != nil && rcpt.Response != nil {
				got = value.MustEncode(rcpt.Response)
			}
			msgs = append(msgs, fmt.Sprintf("expected response %s, got %s", value.MustEncode(want), got))
		}
	}
	return msgs
}

// codeMatches reports whether err carries the code named by want.
func codeMatches(want string, err error) bool {
	return err != nil && codeNamed(want, int(fault.CodeOf(err)))
}

// codeNamed matches a code against its number or its name.
func codeNamed(want string, code int) bool {
	if n, err := strconv.Atoi(want); err == nil {
		return code == n
	}
	return fault.Code(code).String() == want
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "\n")
}
