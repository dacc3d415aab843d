// Package driver runs a single node computation and mediates every request
// it makes against the stream graph.
//
// The node runs on its own goroutine and talks to the driver through a
// Yielder. The host drives the driver in lock step: Start performs the first
// step and every Send answers the previous Effect and performs the next one.
// Exactly one side runs at a time.
//
//	eff, err := d.Start(ctx)
//	for err == nil {
//		if done, ok := eff.(driver.Done); ok {
//			break
//		}
//		eff, err = d.Send(ctx, replyFor(eff))
//	}
package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/request"
	"github.com/wehubfusion/Talos/pkg/stream"
)

// Key identifies a driver in a host registry. At most one driver exists per
// key.
type Key struct {
	SetID string
	Node  string
}

func (k Key) String() string {
	return k.SetID + "/" + k.Node
}

// LoggerFactory returns the logger handed to a node through GetLogger.
type LoggerFactory func(key Key, h stream.Handle) *zap.Logger

// Options holds the collaborators of a driver. Forked children share them.
type Options struct {
	Logger        *zap.Logger
	LoggerFactory LoggerFactory
	Tracer        trace.Tracer
}

// Driver runs one node computation bound to one primary stream.
type Driver struct {
	node    Node
	inputs  map[string]interface{}
	primary *stream.Stream
	opts    Options

	logger     *zap.Logger
	nodeLogger *zap.Logger
	tracer     trace.Tracer
	span       trace.Span
	spanOnce   sync.Once

	effects chan Effect
	replies chan interface{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	mu            sync.Mutex
	started       bool
	stopped       bool
	destroyed     bool
	creationOpen  bool
	requested     map[stream.Handle]struct{}
	owned         []*stream.Stream
	ownedByHandle map[stream.Handle]*stream.Stream
	children      []*Driver
	pending       Effect

	// touched only by the node goroutine
	counters  map[stream.Handle]int
	received  map[stream.Handle]int
	drained   map[stream.Handle]bool
	failure   error
	violation error

	destroyOnce sync.Once
	destroyErr  error
}

// New creates a driver for node bound to primary. The driver is not started.
func New(node Node, primary *stream.Stream, inputs map[string]interface{}, opts Options) (*Driver, error) {
	if err := node.validate(); err != nil {
		return nil, err
	}
	if primary == nil {
		return nil, fmt.Errorf("node %s: primary stream is required", node.Name)
	}
	h := primary.Handle()
	if h.Node != node.Name {
		return nil, fmt.Errorf("stream %s does not belong to node %s", h, node.Name)
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("talos/driver")
	}
	if inputs == nil {
		inputs = map[string]interface{}{}
	}

	d := &Driver{
		node:          node,
		inputs:        inputs,
		primary:       primary,
		opts:          opts,
		tracer:        opts.Tracer,
		effects:       make(chan Effect),
		replies:       make(chan interface{}),
		done:          make(chan struct{}),
		creationOpen:  true,
		requested:     make(map[stream.Handle]struct{}),
		ownedByHandle: make(map[stream.Handle]*stream.Stream),
		counters:      make(map[stream.Handle]int),
		received:      make(map[stream.Handle]int),
		drained:       make(map[stream.Handle]bool),
	}
	d.logger = opts.Logger.With(
		zap.String("set_id", h.SetID),
		zap.String("node", h.Node),
		zap.String("stream", h.Name))
	if opts.LoggerFactory != nil {
		d.nodeLogger = opts.LoggerFactory(d.Key(), h)
	}
	if d.nodeLogger == nil {
		d.nodeLogger = d.logger
	}
	d.own(primary)
	return d, nil
}

// Key returns the registry key of the driver.
func (d *Driver) Key() Key {
	h := d.primary.Handle()
	return Key{SetID: h.SetID, Node: h.Node}
}

// Node returns the node definition.
func (d *Driver) Node() Node { return d.node }

// Handle returns the primary stream's handle.
func (d *Driver) Handle() stream.Handle { return d.primary.Handle() }

// Primary returns the primary stream.
func (d *Driver) Primary() *stream.Stream { return d.primary }

// Stream returns the owned stream addressed by h.
func (d *Driver) Stream(h stream.Handle) (*stream.Stream, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.ownedByHandle[h]
	return s, ok
}

// Streams returns every owned stream in creation order.
func (d *Driver) Streams() []*stream.Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*stream.Stream, len(d.owned))
	copy(out, d.owned)
	return out
}

// Children returns the drivers forked by this driver.
func (d *Driver) Children() []*Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Driver, len(d.children))
	copy(out, d.children)
	return out
}

// Started reports whether Start was called.
func (d *Driver) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// Stopped reports whether the driver reported Done.
func (d *Driver) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// CreationOpen reports whether the driver still accepts member requests.
func (d *Driver) CreationOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creationOpen
}

// Requested returns the sorted, de-duplicated member requests.
func (d *Driver) Requested() []stream.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requestedLocked()
}

// AddStreamRequest registers member handles a consumer asked for. Only group
// nodes accept requests, and only while stream creation is open.
func (d *Driver) AddStreamRequest(hs ...stream.Handle) error {
	if !d.node.Group {
		return fmt.Errorf("%w: %s", ErrNotGroup, d.node.Name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.creationOpen {
		return fmt.Errorf("%w: %s", ErrCreationClosed, d.node.Name)
	}
	for _, h := range hs {
		d.requested[h] = struct{}{}
	}
	return nil
}

// Start performs the first step. It returns the first Effect of the node.
//
// ctx bounds only the wait for the step. A step abandoned because ctx ended
// cannot be completed, so the driver destroys itself and every later call
// returns ErrDestroyed. A ctx that ended before the call leaves the driver
// untouched.
func (d *Driver) Start(ctx context.Context) (Effect, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	switch {
	case d.destroyed:
		d.mu.Unlock()
		return nil, ErrDestroyed
	case d.started:
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrProtocol, ErrAlreadyStarted)
	}
	d.started = true

	h := d.primary.Handle()
	runCtx, span := d.tracer.Start(context.WithoutCancel(ctx), "driver.Run",
		trace.WithAttributes(
			attribute.String("set.id", h.SetID),
			attribute.String("node", h.Node),
			attribute.String("stream", h.Name),
			attribute.Bool("node.group", d.node.Group),
		))
	d.span = span
	d.ctx, d.cancel = context.WithCancel(runCtx)
	d.mu.Unlock()

	d.logger.Debug("Driver started")
	go d.run()
	return d.await(ctx)
}

// Send answers the previous Effect with reply and performs the next step.
// A reply that does not match the Effect destroys the driver. ctx is
// handled as in Start: an ended ctx is reported before the reply is handed
// over, and a wait abandoned after that destroys the driver.
func (d *Driver) Send(ctx context.Context, reply interface{}) (Effect, error) {
	d.mu.Lock()
	destroyed, started, stopped, pending := d.destroyed, d.started, d.stopped, d.pending
	d.mu.Unlock()

	switch {
	case destroyed:
		return nil, ErrDestroyed
	case !started:
		return nil, fmt.Errorf("%w: %w", ErrProtocol, ErrNotStarted)
	case stopped:
		return nil, fmt.Errorf("%w: %w", ErrProtocol, ErrStopped)
	case pending == nil:
		return nil, fmt.Errorf("%w: no effect awaiting a reply", ErrProtocol)
	}

	if err := checkReply(pending, reply); err != nil {
		perr := &Error{Code: CodeProtocol, Node: d.node.Name, Request: effectName(pending), Err: err}
		d.logger.Error("Invalid reply, destroying driver", zap.Error(perr))
		d.endSpan(perr)
		if derr := d.Destroy(); derr != nil {
			d.logger.Warn("Failed to release streams", zap.Error(derr))
		}
		return nil, perr
	}

	// the reply is either handed over or it is not; never both
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case d.replies <- reply:
	case <-d.done:
		return nil, ErrDestroyed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	d.mu.Lock()
	d.pending = nil
	d.mu.Unlock()
	return d.await(ctx)
}

func (d *Driver) await(ctx context.Context) (Effect, error) {
	select {
	case eff := <-d.effects:
		d.mu.Lock()
		done, finished := eff.(Done)
		if finished {
			d.stopped = true
		} else {
			d.pending = eff
		}
		d.mu.Unlock()

		if finished {
			if done.Err != nil {
				d.logger.Warn("Node failed", zap.Error(done.Err))
			} else {
				d.logger.Debug("Node finished")
			}
			d.endSpan(done.Err)
		}
		return eff, nil
	case <-d.done:
		return nil, ErrDestroyed
	case <-ctx.Done():
		d.abandon(ctx.Err())
		return nil, ctx.Err()
	}
}

// abandon destroys the driver after the host stopped waiting for a step.
// The node may still be computing, so the release runs in the background.
// Destroy callers wait for it to finish.
func (d *Driver) abandon(cause error) {
	d.mu.Lock()
	d.destroyed = true
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.logger.Warn("Step abandoned, destroying driver", zap.Error(cause))
	go func() {
		if err := d.Destroy(); err != nil {
			d.logger.Warn("Failed to release streams", zap.Error(err))
		}
	}()
}

// Destroy stops the node computation and releases every owned stream and
// forked child. It is safe to call more than once.
func (d *Driver) Destroy() error {
	d.destroyOnce.Do(func() {
		d.mu.Lock()
		d.destroyed = true
		cancel, started := d.cancel, d.started
		children := append([]*Driver(nil), d.children...)
		owned := append([]*stream.Stream(nil), d.owned...)
		d.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if started {
			<-d.done
		}

		var err error
		for _, c := range children {
			err = multierr.Append(err, c.Destroy())
		}
		for _, s := range owned {
			err = multierr.Append(err, s.Release())
		}
		d.endSpan(ErrDestroyed)
		d.destroyErr = err
		d.logger.Debug("Driver destroyed", zap.Int("streams", len(owned)), zap.Int("children", len(children)))
	})
	return d.destroyErr
}

func (d *Driver) run() {
	defer close(d.done)

	err := d.call()
	if d.ctx.Err() != nil {
		return
	}
	if d.violation != nil {
		d.emit(Done{Err: d.violation})
		return
	}

	result := d.outcome(err)
	if ferr := d.finalize(); ferr != nil && result == nil {
		result = ferr
	}
	d.emit(Done{Err: result})
}

func (d *Driver) call() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Code: CodeNodePanic, Node: d.node.Name, Err: fmt.Errorf("node panicked: %v", r)}
		}
	}()
	return d.node.Run(d.ctx, &Yielder{d: d})
}

func (d *Driver) outcome(err error) error {
	switch {
	case d.failure != nil:
		return d.failure
	case err == nil, errors.Is(err, ErrAbort):
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Code: CodeNodeFailed, Node: d.node.Name, Err: err}
}

// finalize ends every owned stream that has not ended yet, newest first. A
// stream that never cached anything is announced before it ends.
func (d *Driver) finalize() error {
	owned := d.Streams()
	for i := len(owned) - 1; i >= 0; i-- {
		s := owned[i]
		if s.Ended() {
			continue
		}
		if err := d.announce(s); err != nil {
			return err
		}
		m, err := s.End()
		if err != nil {
			return &Error{Code: CodeAssertion, Node: d.node.Name, Err: fmt.Errorf("%w: %w", ErrAssertion, err)}
		}
		if err := d.output(m); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) emit(eff Effect) {
	select {
	case d.effects <- eff:
	case <-d.ctx.Done():
	}
}

// exchange hands eff to the host and waits for its reply. It runs on the
// node goroutine.
func (d *Driver) exchange(eff Effect) (interface{}, error) {
	select {
	case d.effects <- eff:
	case <-d.ctx.Done():
		return nil, d.destroyedError(eff)
	}
	select {
	case reply := <-d.replies:
		return reply, nil
	case <-d.ctx.Done():
		return nil, d.destroyedError(eff)
	}
}

func (d *Driver) destroyedError(eff Effect) error {
	return &Error{Code: CodeDestroyed, Node: d.node.Name, Request: effectName(eff), Err: ErrDestroyed}
}

func (d *Driver) yield(v interface{}) (interface{}, error) {
	if d.failure != nil {
		return nil, d.failure
	}
	if d.ctx.Err() != nil {
		d.failure = &Error{Code: CodeDestroyed, Node: d.node.Name, Err: ErrDestroyed}
		return nil, d.failure
	}
	if v == nil {
		d.violation = &Error{Code: CodeProtocol, Node: d.node.Name, Request: "nil", Err: fmt.Errorf("%w: node yielded nil", ErrProtocol)}
		d.failure = d.violation
		d.logger.Error("Protocol violation", zap.Error(d.violation))
		return nil, d.violation
	}

	req, ok := v.(request.Request)
	if !ok {
		req = request.Push{Value: v}
	}
	res, err := req.Dispatch(handler{d: d})
	if err != nil {
		d.failure = err
		if d.ctx.Err() == nil {
			d.logger.Warn("Request failed", zap.String("request", req.Kind()), zap.Error(err))
		}
		return nil, err
	}
	return res, nil
}

func (d *Driver) own(s *stream.Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owned = append(d.owned, s)
	d.ownedByHandle[s.Handle()] = s
}

func (d *Driver) closeCreation() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creationOpen = false
}

func (d *Driver) requestedLocked() []stream.Handle {
	out := make([]stream.Handle, 0, len(d.requested))
	for h := range d.requested {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return stream.Compare(out[i], out[j]) < 0 })
	return out
}

// resolve fills the empty coordinates of h from the primary stream.
func (d *Driver) resolve(h stream.Handle) stream.Handle {
	own := d.primary.Handle()
	if h.SetID == "" {
		h.SetID = own.SetID
	}
	if h.Node == "" {
		h.Node = own.Node
	}
	if h.Name == "" {
		h.Name = stream.DefaultName
	}
	return h
}

func (d *Driver) endSpan(err error) {
	d.mu.Lock()
	span := d.span
	d.mu.Unlock()
	if span == nil {
		return
	}
	d.spanOnce.Do(func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "Node finished")
		}
		span.End()
	})
}

func checkReply(pending Effect, reply interface{}) error {
	switch eff := pending.(type) {
	case Output, Spawn:
		if sig, ok := reply.(request.Signal); !ok || sig != request.Next {
			return fmt.Errorf("%w: %s expects %s, got %v", ErrProtocol, effectName(pending), request.Next, reply)
		}
	case Pause:
		if sig, ok := reply.(request.Signal); !ok || sig != request.Resume {
			return fmt.Errorf("%w: pause expects %s, got %v", ErrProtocol, request.Resume, reply)
		}
	case *MsgRequest:
		msg, ok := reply.(stream.Msg)
		if !ok {
			return fmt.Errorf("%w: %s expects a message, got %T", ErrProtocol, eff, reply)
		}
		if msg.Handle != eff.Handle {
			return fmt.Errorf("%w: %s answered with %s", ErrProtocol, eff, msg)
		}
		switch {
		case msg.IsEnd() && (eff.IsIdentity() || msg.Index <= eff.Index):
		case eff.IsIdentity() && msg.IsIdentity():
		case !eff.IsIdentity() && msg.Index == eff.Index:
		default:
			return fmt.Errorf("%w: %s answered with %s", ErrProtocol, eff, msg)
		}
	default:
		return fmt.Errorf("%w: unexpected effect %T", ErrProtocol, pending)
	}
	return nil
}
