package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/livedoc/internal/document"
	"github.com/roach88/livedoc/internal/fault"
	"github.com/roach88/livedoc/internal/schema"
	"github.com/roach88/livedoc/internal/script"
	"github.com/roach88/livedoc/internal/store"
)

// Engine defaults.
const (
	DefaultWorkers       = 8
	DefaultTickInterval  = time.Second
	DefaultSweepInterval = 30 * time.Second

	// jobsPerTurn bounds how many jobs one actor runs before yielding its
	// worker to the next ready actor.
	jobsPerTurn = 16
)

// Type is a document type: its compiled schema and the behavior that
// handles its commands.
type Type struct {
	Doc      *schema.Document
	Behavior document.Behavior
}

// Engine hosts documents.
//
// Every key has an actor with a FIFO mailbox. Public operations submit a
// job to the key's actor and wait for it; a bounded pool of workers runs
// ready actors, so keys proceed concurrently while each key sees its
// commands strictly in submission order.
//
// Thread-safety model:
//   - Public operations: safe from any goroutine, once Run has started
//   - Run(): call once; operations fail with Unavailable when it is not running
//   - Actor state: touched only by the worker currently running the actor
//
// Several engines may share one backend. They never coordinate directly:
// a write that loses the race on the seq precondition reloads and
// re-applies its command.
type Engine struct {
	backend store.Backend
	logger  *slog.Logger
	id      string
	nonces  *nonces

	clock         Clock
	ids           IDGenerator
	workers       int
	maxAttempts   int
	backoffBase   time.Duration
	backoffMax    time.Duration
	tickInterval  time.Duration
	sweepInterval time.Duration
	controller    Controller
	services      map[string]Service
	budget        time.Duration

	mu       sync.Mutex
	types    map[string]*document.Machine
	actors   map[store.Key]*actor
	webs     map[string]document.WebResponse
	timers   map[store.Key]int64 // due times of documents unloaded with a timer pending
	draining bool

	ready   *runQueue
	calls   sync.WaitGroup
	running atomic.Bool
	runCtx  atomic.Pointer[context.Context]
}

// Option configures an Engine.
type Option func(*Engine)

// WithInstanceID names the instance in logs and seeds its command nonces.
// Default: a fresh UUIDv7. Give each instance sharing a backend its own id.
func WithInstanceID(id string) Option {
	return func(e *Engine) { e.id = id }
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the time source for command timestamps, deadlines and
// cron. Default: SystemClock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator sets how connection and web request ids are minted.
// Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithMaxConflictAttempts bounds how often one command may lose the
// seq race before failing with TooManyConflicts.
//
// Default: 8 (DefaultMaxConflictAttempts)
// Use WithMaxConflictAttempts(1) to surface every conflict in tests.
func WithMaxConflictAttempts(n int) Option {
	return func(e *Engine) { e.maxAttempts = n }
}

// WithBackoff sets the retry backoff after a lost race. A zero base
// retries immediately.
func WithBackoff(base, max time.Duration) Option {
	return func(e *Engine) {
		e.backoffBase = base
		e.backoffMax = max
	}
}

// WithTickInterval sets how often Run looks for due timers. Zero turns
// the ticker off; call Tick directly.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) { e.tickInterval = d }
}

// WithSweepInterval sets how often Run asks the controller what to shed.
// Zero turns the sweeper off.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) { e.sweepInterval = d }
}

// WithController replaces the capacity controller.
func WithController(c Controller) Option {
	return func(e *Engine) { e.controller = c }
}

// WithServices registers the services behaviors can call, by name.
func WithServices(services map[string]Service) Option {
	return func(e *Engine) {
		for name, svc := range services {
			e.services[name] = svc
		}
	}
}

// WithExecutionBudget bounds a single script execution. It applies to
// types registered with RegisterDocument afterwards.
func WithExecutionBudget(d time.Duration) Option {
	return func(e *Engine) { e.budget = d }
}

// New creates an engine over backend.
func New(backend store.Backend, opts ...Option) *Engine {
	e := &Engine{
		backend:       backend,
		logger:        slog.Default(),
		id:            UUIDv7Generator{}.Generate(),
		clock:         SystemClock{},
		ids:           UUIDv7Generator{},
		workers:       DefaultWorkers,
		maxAttempts:   DefaultMaxConflictAttempts,
		backoffBase:   DefaultBackoffBase,
		backoffMax:    DefaultBackoffMax,
		tickInterval:  DefaultTickInterval,
		sweepInterval: DefaultSweepInterval,
		services:      make(map[string]Service),
		budget:        script.DefaultBudget,
		types:         make(map[string]*document.Machine),
		actors:        make(map[store.Key]*actor),
		webs:          make(map[string]document.WebResponse),
		timers:        make(map[store.Key]int64),
		ready:         newRunQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers < 1 {
		e.workers = 1
	}
	if e.maxAttempts < 1 {
		e.maxAttempts = 1
	}
	e.nonces = newNonces(e.id)
	if e.controller == nil {
		e.controller = NewDefaultController(DefaultLimits, e.clock)
	}
	e.logger = e.logger.With(slog.String("instance", e.id))
	return e
}

// ID identifies this engine instance in logs.
func (e *Engine) ID() string { return e.id }

// Running reports whether Run is accepting work.
func (e *Engine) Running() bool { return e.running.Load() }

// Register adds a document type under space.
func (e *Engine) Register(space string, t Type) error {
	if t.Doc == nil || t.Behavior == nil {
		return fmt.Errorf("register %s: type needs a document and a behavior", space)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.types[space]; exists {
		return fault.New(fault.AlreadyExists, "space %q is already registered", space)
	}
	e.types[space] = document.NewMachine(t.Doc, t.Behavior, e.logger.With(slog.String("space", space)))
	return nil
}

// RegisterDocument registers a scripted document type. A document without
// a script gets the default behavior.
func (e *Engine) RegisterDocument(space string, doc *schema.Document) error {
	t, err := e.TypeOf(doc)
	if err != nil {
		return err
	}
	return e.Register(space, t)
}

// TypeOf builds the Type for a compiled document.
func (e *Engine) TypeOf(doc *schema.Document) (Type, error) {
	if doc.Script == "" {
		return Type{Doc: doc, Behavior: &document.Definition{}}, nil
	}
	b, err := script.Compile(doc, e.budget)
	if err != nil {
		return Type{}, err
	}
	return Type{Doc: doc, Behavior: b}, nil
}

func (e *Engine) machineFor(space string) (*document.Machine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.types[space]
	if !ok {
		return nil, fault.New(fault.UnknownSpace, "no document type registered for %q", space)
	}
	return m, nil
}

// Run starts the worker pool, the ticker and the sweeper. It blocks until
// ctx is cancelled. Jobs still queued then fail with Unavailable.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine %s is already running", e.id)
	}
	e.runCtx.Store(&ctx)
	e.logger.Info("engine starting", slog.Int("workers", e.workers))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		g.Go(func() error { return e.work(gctx) })
	}
	if e.tickInterval > 0 {
		g.Go(func() error {
			return e.every(gctx, e.tickInterval, func() {
				if _, err := e.Tick(gctx); err != nil && gctx.Err() == nil {
					e.logger.Warn("tick failed", slog.Any("error", err))
				}
			})
		})
	}
	if e.sweepInterval > 0 {
		g.Go(func() error {
			return e.every(gctx, e.sweepInterval, func() { e.Sweep(gctx) })
		})
	}

	err := g.Wait()
	e.running.Store(false)
	e.failPending()
	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) every(ctx context.Context, d time.Duration, fn func()) error {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn()
		}
	}
}

// runContext is the context service calls run under.
func (e *Engine) runContext() context.Context {
	if p := e.runCtx.Load(); p != nil {
		return *p
	}
	return context.Background()
}

func (e *Engine) work(ctx context.Context) error {
	for {
		a, ok := e.ready.TryPop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-e.ready.Wait():
				continue
			}
		}
		e.turn(ctx, a)
	}
}

// turn runs up to jobsPerTurn jobs of a, then requeues it if more wait.
func (e *Engine) turn(ctx context.Context, a *actor) {
	for i := 0; i < jobsPerTurn; i++ {
		j, ok := a.mailbox.Peek()
		if !ok {
			return
		}
		j.done <- e.runJob(ctx, a, j)
		if !a.mailbox.Pop() {
			return
		}
	}
	e.ready.Push(a)
}

func (e *Engine) runJob(ctx context.Context, a *actor, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("job panicked",
				slog.String("key", a.key.String()),
				slog.String("job", j.name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			a.unload()
			err = fault.New(fault.RuntimeFault, "%s panicked: %v", j.name, r).WithKey(a.key.String())
		}
	}()
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.Unavailable, err, "engine stopping").WithKey(a.key.String())
	}
	return j.run(ctx, a)
}

// submit queues a job on key's actor and waits for its result.
func (e *Engine) submit(ctx context.Context, key store.Key, name string, run func(ctx context.Context, a *actor) error) error {
	e.mu.Lock()
	draining := e.draining
	e.mu.Unlock()
	if draining {
		return fault.New(fault.Draining, "instance is draining").WithKey(key.String())
	}
	return e.enqueue(ctx, key, &job{name: name, run: run, done: make(chan error, 1)})
}

func (e *Engine) enqueue(ctx context.Context, key store.Key, j *job) error {
	if !e.running.Load() {
		return fault.New(fault.Unavailable, "engine is not running").WithKey(key.String())
	}
	for {
		a := e.actorFor(key)
		wasEmpty, ok := a.mailbox.Enqueue(j)
		if !ok {
			// Closed by the sweeper; the next lookup makes a new actor.
			e.forgetActor(a)
			continue
		}
		if wasEmpty {
			e.ready.Push(a)
		}
		break
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) actorFor(key store.Key) *actor {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.actors[key]
	if !ok {
		a = newActor(key)
		e.actors[key] = a
	}
	return a
}

func (e *Engine) forgetActor(a *actor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.actors[a.key] == a {
		delete(e.actors, a.key)
	}
}

func (e *Engine) residentActors() []*actor {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*actor, 0, len(e.actors))
	for _, a := range e.actors {
		out = append(out, a)
	}
	return out
}

// failPending rejects the jobs left when Run returns.
func (e *Engine) failPending() {
	for _, a := range e.residentActors() {
		for _, j := range a.mailbox.Close() {
			j.done <- fault.New(fault.Unavailable, "engine stopped").WithKey(a.key.String())
		}
		e.forgetActor(a)
	}
}
