// Package scheduler is an in-process host for drivers. It starts nodes on
// demand, answers message requests from producer caches, negotiates group
// members and forwards every emitted message to observers.
//
// The scheduler drives one driver step at a time from a FIFO ready queue.
// It does not run independent nodes in parallel.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/driver"
	"github.com/wehubfusion/Talos/pkg/request"
	"github.com/wehubfusion/Talos/pkg/stream"
)

var (
	// ErrStalled is returned by Run when message requests are still waiting
	// but no driver can make progress.
	ErrStalled = errors.New("scheduler stalled")

	// ErrStepLimit is returned by Run when the configured step budget is spent.
	ErrStepLimit = errors.New("scheduler step limit reached")

	// ErrDuplicate is returned for a node or driver registered twice.
	ErrDuplicate = errors.New("duplicate registration")

	// ErrUnknownNode is returned when running a node that was never added.
	ErrUnknownNode = errors.New("unknown node")

	// ErrClosed is returned by operations on a closed scheduler.
	ErrClosed = errors.New("scheduler closed")
)

// NewSetID returns a fresh set id.
func NewSetID() string {
	return uuid.NewString()
}

// Config holds scheduler settings.
type Config struct {
	// SetID scopes every node of the run. Empty selects a new uuid.
	SetID string

	// MaxSteps bounds the driver steps of one Run. Zero means unbounded.
	MaxSteps int
}

// DefaultConfig returns a config with a fresh set id and a generous step
// budget.
func DefaultConfig() Config {
	return Config{
		SetID:    NewSetID(),
		MaxSteps: 1_000_000,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserver adds an observer of every emitted message.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, o) }
}

// WithReporter sets the failure reporter.
func WithReporter(r Reporter) Option {
	return func(s *Scheduler) { s.reporter = r }
}

// WithFileFactory enables MakeFile on every primary stream.
func WithFileFactory(f stream.FileFactory) Option {
	return func(s *Scheduler) { s.files = f }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// WithRegistry replaces the in-memory driver registry.
func WithRegistry(r Registry) Option {
	return func(s *Scheduler) { s.registry = r }
}

type nodeEntry struct {
	node   driver.Node
	inputs map[string]interface{}
}

type step struct {
	d     *driver.Driver
	reply interface{}
	start bool
}

// Scheduler hosts the drivers of one set.
type Scheduler struct {
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
	files     stream.FileFactory
	observers []Observer
	reporter  Reporter
	registry  Registry

	runMu sync.Mutex

	mu     sync.RWMutex
	order  []string
	nodes  map[string]nodeEntry
	known  map[stream.Handle]*stream.Stream
	closed bool

	// touched only while Run holds runMu
	ready  []step
	paused []*driver.Driver
	waits  map[driver.RequestKey][]*driver.Driver
	live   map[driver.Key]int
	failed error
}

// New creates a scheduler.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SetID == "" {
		cfg.SetID = NewSetID()
	}
	s := &Scheduler{
		cfg:    cfg,
		logger: logger.With(zap.String("set_id", cfg.SetID)),
		nodes:  make(map[string]nodeEntry),
		known:  make(map[stream.Handle]*stream.Stream),
		waits:  make(map[driver.RequestKey][]*driver.Driver),
		live:   make(map[driver.Key]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("talos/scheduler")
	}
	if s.registry == nil {
		s.registry = NewInMemoryRegistry()
	}
	return s
}

// SetID returns the set id every node runs under.
func (s *Scheduler) SetID() string { return s.cfg.SetID }

// Handle returns the handle of a stream of node within this set.
func (s *Scheduler) Handle(node, name string) stream.Handle {
	return stream.NewHandle(s.cfg.SetID, node, name)
}

// Add registers a node definition with its inputs. Handle inputs that omit
// the set id or the stream name are completed.
func (s *Scheduler) Add(node driver.Node, inputs map[string]interface{}) error {
	if node.Name == "" {
		return fmt.Errorf("node name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.nodes[node.Name]; ok {
		return fmt.Errorf("%w: node %s", ErrDuplicate, node.Name)
	}
	s.nodes[node.Name] = nodeEntry{node: node, inputs: s.normalize(inputs)}
	s.order = append(s.order, node.Name)
	return nil
}

func (s *Scheduler) normalize(inputs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		switch in := v.(type) {
		case stream.Handle:
			out[k] = s.complete(in)
		case []stream.Handle:
			hs := make([]stream.Handle, len(in))
			for i, h := range in {
				hs[i] = s.complete(h)
			}
			out[k] = hs
		default:
			out[k] = v
		}
	}
	return out
}

func (s *Scheduler) complete(h stream.Handle) stream.Handle {
	if h.SetID == "" {
		h.SetID = s.cfg.SetID
	}
	if h.Name == "" {
		h.Name = stream.DefaultName
	}
	return h
}

// Stream returns an announced stream.
func (s *Scheduler) Stream(h stream.Handle) (*stream.Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.known[s.complete(h)]
	return st, ok
}

// Messages returns the cache of an announced stream, or nil.
func (s *Scheduler) Messages(h stream.Handle) []stream.Msg {
	st, ok := s.Stream(h)
	if !ok {
		return nil
	}
	return st.Cache()
}

// Values returns the data values of an announced stream in order. Member
// handles of group streams are returned as stream.Handle values.
func (s *Scheduler) Values(h stream.Handle) []interface{} {
	var out []interface{}
	for _, m := range s.Messages(h) {
		if m.IsIdentity() {
			continue
		}
		switch p := m.Payload.(type) {
		case stream.Value:
			out = append(out, p.V)
		case stream.Handle:
			out = append(out, p)
		}
	}
	return out
}

// Driver returns the registered driver of node.
func (s *Scheduler) Driver(node string) (*driver.Driver, bool) {
	return s.registry.Get(driver.Key{SetID: s.cfg.SetID, Node: node})
}

// Run starts the named nodes, or every added node when none are named, and
// drives them until no driver can make progress. Nodes the targets depend on
// are started on demand. Node failures are reported and joined into the
// returned error.
func (s *Scheduler) Run(ctx context.Context, targets ...string) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.RLock()
	closed := s.closed
	if len(targets) == 0 {
		targets = append(targets, s.order...)
	}
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	ctx, span := s.tracer.Start(ctx, "scheduler.Run",
		trace.WithAttributes(
			attribute.String("set.id", s.cfg.SetID),
			attribute.StringSlice("targets", targets),
		))
	defer span.End()

	s.failed = nil
	for _, name := range targets {
		if _, err := s.ensure(name); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	steps, err := s.loop(ctx, span)
	span.SetAttributes(attribute.Int("steps", steps))
	if err == nil {
		err = s.stalled()
	}
	err = multierr.Append(s.failed, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "Run finished")
	s.logger.Debug("Run finished", zap.Int("steps", steps))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, span trace.Span) (int, error) {
	steps := 0
	for {
		if len(s.ready) == 0 {
			if len(s.paused) == 0 {
				return steps, nil
			}
			for _, d := range s.paused {
				s.ready = append(s.ready, step{d: d, reply: request.Resume})
			}
			s.paused = nil
		}
		if s.cfg.MaxSteps > 0 && steps >= s.cfg.MaxSteps {
			return steps, fmt.Errorf("%w: %d", ErrStepLimit, s.cfg.MaxSteps)
		}
		if err := ctx.Err(); err != nil {
			return steps, err
		}

		st := s.ready[0]
		s.ready = s.ready[1:]
		steps++

		var (
			eff driver.Effect
			err error
		)
		if st.start {
			eff, err = st.d.Start(ctx)
		} else {
			eff, err = st.d.Send(ctx, st.reply)
		}
		if err != nil {
			if ctx.Err() != nil {
				return steps, ctx.Err()
			}
			s.finish(st.d, err, span)
			continue
		}
		s.handle(ctx, st.d, eff, span)
	}
}

func (s *Scheduler) handle(ctx context.Context, d *driver.Driver, eff driver.Effect, span trace.Span) {
	switch e := eff.(type) {
	case driver.Output:
		s.output(ctx, d, e.Msg)
		s.ready = append(s.ready, step{d: d, reply: request.Next})
	case *driver.MsgRequest:
		s.request(e)
	case driver.Spawn:
		s.live[e.Child.Key()]++
		s.ready = append(s.ready,
			step{d: e.Child, start: true},
			step{d: d, reply: request.Next})
	case driver.Pause:
		s.paused = append(s.paused, d)
	case driver.Done:
		s.finish(d, e.Err, span)
	}
}

func (s *Scheduler) output(ctx context.Context, d *driver.Driver, m stream.Msg) {
	if m.IsIdentity() {
		if st, ok := d.Stream(m.Handle); ok {
			s.mu.Lock()
			s.known[m.Handle] = st
			s.mu.Unlock()
		}
	}
	for _, o := range s.observers {
		if err := o.Observe(ctx, m); err != nil {
			s.logger.Warn("Observer failed", zap.String("msg", m.String()), zap.Error(err))
		}
	}

	switch {
	case m.IsIdentity():
		s.wake(driver.RequestKey{Handle: m.Handle, Index: stream.IdentityIndex}, m)
	case m.IsEnd():
		for _, key := range s.waiting(func(k driver.RequestKey) bool {
			return k.Handle == m.Handle && k.Index >= m.Index
		}) {
			s.wake(key, m)
		}
	default:
		s.wake(driver.RequestKey{Handle: m.Handle, Index: m.Index}, m)
	}
}

// request answers r from the producer cache or parks it until the producer
// emits the message.
func (s *Scheduler) request(r *driver.MsgRequest) {
	if m, ok := s.lookup(r); ok {
		s.ready = append(s.ready, step{d: r.Requestor, reply: m})
		return
	}

	h := r.Handle
	producer, err := s.producer(h)
	if err != nil {
		s.logger.Warn("Unknown producer, resolving to end of stream",
			zap.String("stream", h.String()), zap.Error(err))
		s.ready = append(s.ready, step{d: r.Requestor, reply: endOf(h, 0)})
		return
	}
	if s.live[producer.Key()] == 0 {
		s.ready = append(s.ready, step{d: r.Requestor, reply: endOf(h, s.next(h))})
		return
	}

	s.mu.RLock()
	_, announced := s.known[h]
	s.mu.RUnlock()
	if !announced && producer.Node().Group && !h.IsPrimary() && producer.CreationOpen() {
		if err := producer.AddStreamRequest(h); err != nil {
			s.logger.Warn("Member request rejected", zap.String("stream", h.String()), zap.Error(err))
		}
	}

	s.waits[r.Key()] = append(s.waits[r.Key()], r.Requestor)
}

func (s *Scheduler) lookup(r *driver.MsgRequest) (stream.Msg, bool) {
	s.mu.RLock()
	st, ok := s.known[r.Handle]
	s.mu.RUnlock()
	if !ok {
		return stream.Msg{}, false
	}
	if m, ok := st.Get(r.Index); ok {
		return m, true
	}
	if !r.IsIdentity() && st.Ended() {
		cache := st.Cache()
		return cache[len(cache)-1], true
	}
	return stream.Msg{}, false
}

// producer returns the driver owning h, starting its node when needed.
func (s *Scheduler) producer(h stream.Handle) (*driver.Driver, error) {
	if h.SetID != s.cfg.SetID {
		return nil, fmt.Errorf("stream %s belongs to set %q", h, h.SetID)
	}
	return s.ensure(h.Node)
}

// ensure returns the driver of node, creating and queueing it on first use.
func (s *Scheduler) ensure(node string) (*driver.Driver, error) {
	key := driver.Key{SetID: s.cfg.SetID, Node: node}
	if d, ok := s.registry.Get(key); ok {
		return d, nil
	}

	s.mu.RLock()
	entry, ok := s.nodes[node]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}

	opts := []stream.Option{stream.WithGroup(entry.node.Group)}
	if s.files != nil {
		opts = append(opts, stream.WithFileFactory(s.files))
	}
	primary := stream.New(s.Handle(node, ""), opts...)
	d, err := driver.New(entry.node, primary, entry.inputs, driver.Options{
		Logger:        s.logger,
		LoggerFactory: s.nodeLogger,
		Tracer:        s.tracer,
	})
	if err != nil {
		return nil, err
	}
	if err := s.registry.Put(key, d); err != nil {
		return nil, err
	}
	s.live[key]++
	s.ready = append(s.ready, step{d: d, start: true})
	s.logger.Debug("Node scheduled", zap.String("node", node))
	return d, nil
}

func (s *Scheduler) nodeLogger(key driver.Key, h stream.Handle) *zap.Logger {
	return s.logger.Named(key.Node).With(zap.String("node", key.Node), zap.String("stream", h.Name))
}

func (s *Scheduler) finish(d *driver.Driver, err error, span trace.Span) {
	key := d.Key()
	s.live[key]--
	span.AddEvent("driver.done", trace.WithAttributes(
		attribute.String("node", key.Node),
		attribute.String("stream", d.Handle().Name),
		attribute.Bool("failed", err != nil),
	))

	if err != nil {
		s.logger.Error("Node failed",
			zap.String("node", key.Node),
			zap.String("stream", d.Handle().Name),
			zap.String("code", driver.CodeOf(err)),
			zap.Error(err))
		if s.reporter != nil {
			s.reporter.Report(key, err)
		}
		s.failed = multierr.Append(s.failed, err)
	}

	if s.live[key] > 0 {
		return
	}
	// the whole family is done: nothing will ever be emitted for its streams
	for _, rk := range s.waiting(func(k driver.RequestKey) bool {
		return k.Handle.SetID == key.SetID && k.Handle.Node == key.Node
	}) {
		s.wake(rk, endOf(rk.Handle, s.next(rk.Handle)))
	}
}

// next returns the index the next data message of h would take.
func (s *Scheduler) next(h stream.Handle) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.known[h]; ok {
		return st.Len() - 1
	}
	return 0
}

// waiting returns the parked request keys matching keep, in a stable order.
func (s *Scheduler) waiting(keep func(driver.RequestKey) bool) []driver.RequestKey {
	var keys []driver.RequestKey
	for k := range s.waits {
		if keep(k) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := stream.Compare(keys[i].Handle, keys[j].Handle); c != 0 {
			return c < 0
		}
		return keys[i].Index < keys[j].Index
	})
	return keys
}

func (s *Scheduler) wake(key driver.RequestKey, m stream.Msg) {
	for _, d := range s.waits[key] {
		s.ready = append(s.ready, step{d: d, reply: m})
	}
	delete(s.waits, key)
}

func (s *Scheduler) stalled() error {
	if len(s.waits) == 0 {
		return nil
	}
	keys := s.waiting(func(driver.RequestKey) bool { return true })
	s.logger.Warn("Run stalled", zap.Int("waiting", len(keys)))
	return fmt.Errorf("%w: %d message requests outstanding, first %s@%d",
		ErrStalled, len(keys), keys[0].Handle, keys[0].Index)
}

// Close destroys every driver and clears the registry. It is safe to call
// more than once.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var err error
	for _, key := range s.registry.Keys() {
		d, ok := s.registry.Get(key)
		if !ok {
			continue
		}
		err = multierr.Append(err, d.Destroy())
		s.registry.Delete(key)
	}
	s.logger.Debug("Scheduler closed")
	return err
}

func endOf(h stream.Handle, index int) stream.Msg {
	return stream.Msg{Handle: h, Index: index, Payload: stream.TheEnd}
}
