package driver

import (
	"errors"
	"fmt"

	"github.com/wehubfusion/Talos/pkg/request"
	"github.com/wehubfusion/Talos/pkg/stream"
)

// handler resolves requests on the node goroutine.
type handler struct {
	d *Driver
}

var _ request.Handler = handler{}

func (h handler) Push(r request.Push) (interface{}, error) {
	d := h.d
	target := d.primary
	if !r.Handle.IsZero() {
		th := d.resolve(r.Handle)
		s, ok := d.Stream(th)
		if !ok {
			return nil, d.assertion(r, fmt.Errorf("%w: %s", ErrNotOwned, th))
		}
		target = s
	}
	if err := d.announce(target); err != nil {
		return nil, err
	}
	d.closeCreation()

	payload, err := d.payload(r)
	if err != nil {
		return nil, err
	}
	m, err := target.Append(payload)
	if err != nil {
		return nil, d.assertion(r, err)
	}
	if err := d.output(m); err != nil {
		return nil, err
	}
	return request.Next, nil
}

func (h handler) Pull(r request.Pull) (interface{}, error) {
	d := h.d
	if r.Skip < 0 {
		return nil, d.assertion(r, fmt.Errorf("negative skip %d", r.Skip))
	}
	v, seq, ended, err := d.pull(d.resolve(r.Handle), r.Skip)
	if err != nil || ended {
		return nil, err
	}
	if r.Enumerate {
		return request.Enumerated{Seq: seq, Value: v}, nil
	}
	return v, nil
}

func (h handler) PullAll(r request.PullAll) (interface{}, error) {
	d := h.d
	out := make([]interface{}, len(r.Handles))
	for i, hd := range r.Handles {
		v, _, _, err := d.pull(d.resolve(hd), 0)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h handler) SetHeader(r request.SetHeader) (interface{}, error) {
	d := h.d
	if !d.CreationOpen() {
		return nil, d.assertion(r, ErrCreationClosed)
	}
	if err := d.primary.SetHeader(r.Header); err != nil {
		return nil, d.assertion(r, err)
	}
	if err := d.announce(d.primary); err != nil {
		return nil, err
	}
	return request.Next, nil
}

func (h handler) CreateStream(r request.CreateStream) (interface{}, error) {
	d := h.d
	parent := d.primary
	if !r.Parent.IsZero() {
		ph := d.resolve(r.Parent)
		s, ok := d.Stream(ph)
		if !ok {
			return nil, d.assertion(r, fmt.Errorf("%w: %s", ErrNotOwned, ph))
		}
		parent = s
	}

	child, err := parent.CreateStream(r.Name, r.Group, r.Header)
	if err != nil {
		return nil, d.assertion(r, err)
	}
	d.own(child)

	if err := d.member(r, parent, child.Handle()); err != nil {
		return nil, err
	}
	if err := d.announce(child); err != nil {
		return nil, err
	}
	return child.Handle(), nil
}

func (h handler) Fork(r request.Fork) (interface{}, error) {
	d := h.d
	childStream, err := d.primary.CreateStream(r.Name, r.Group, nil)
	if err != nil {
		return nil, d.assertion(r, err)
	}
	node := d.node
	node.Group = r.Group
	child, err := New(node, childStream, r.Inputs, d.opts)
	if err != nil {
		return nil, d.assertion(r, err)
	}
	d.mu.Lock()
	d.children = append(d.children, child)
	d.mu.Unlock()

	if err := d.member(r, d.primary, childStream.Handle()); err != nil {
		return nil, err
	}
	if _, err := d.exchange(Spawn{Child: child}); err != nil {
		return nil, err
	}
	// the resume value of a fork carries no information
	return nil, nil
}

func (h handler) GetRequested(r request.GetRequested) (interface{}, error) {
	d := h.d
	if !d.node.Group {
		return nil, d.assertion(r, fmt.Errorf("%w: %s", ErrNotGroup, d.node.Name))
	}
	if _, err := d.exchange(Pause{}); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creationOpen = false
	return d.requestedLocked(), nil
}

func (h handler) MakeFile(r request.MakeFile) (interface{}, error) {
	d := h.d
	target := d.primary
	if !r.Handle.IsZero() {
		th := d.resolve(r.Handle)
		s, ok := d.Stream(th)
		if !ok {
			return nil, d.assertion(r, fmt.Errorf("%w: %s", ErrNotOwned, th))
		}
		target = s
	}

	sink, err := target.MakeFile(r.Name)
	switch {
	case errors.Is(err, stream.ErrMakeFileNotSupported):
		return nil, &Error{Code: CodeMakeFileNotSupported, Node: d.node.Name, Request: r.Kind(), Err: err}
	case err != nil:
		return nil, &Error{Code: CodeNodeFailed, Node: d.node.Name, Request: r.Kind(), Err: err}
	}
	return sink, nil
}

func (h handler) GetStream(r request.GetStream) (interface{}, error) {
	d := h.d
	target := d.resolve(stream.Handle{SetID: r.SetID, Node: r.Node, Name: r.Name})
	reply, err := d.exchange(&MsgRequest{Handle: target, Index: stream.IdentityIndex, Requestor: d})
	if err != nil {
		return nil, err
	}
	msg := reply.(stream.Msg)
	if msg.IsEnd() {
		return nil, nil
	}
	return msg.Handle, nil
}

func (h handler) GetLogger(request.GetLogger) (interface{}, error) {
	return h.d.nodeLogger, nil
}

// pull requests the next message of target for this driver. skip moves the
// cursor ahead first.
func (d *Driver) pull(target stream.Handle, skip int) (value interface{}, seq int, ended bool, err error) {
	if d.drained[target] {
		return nil, 0, true, nil
	}
	idx := d.counters[target] + skip
	reply, err := d.exchange(&MsgRequest{Handle: target, Index: idx, Requestor: d})
	if err != nil {
		return nil, 0, false, err
	}
	msg := reply.(stream.Msg)
	if msg.IsEnd() {
		d.drained[target] = true
		return nil, 0, true, nil
	}

	d.counters[target] = idx + 1
	seq = d.received[target]
	d.received[target]++
	switch p := msg.Payload.(type) {
	case stream.Value:
		value = p.V
	case stream.Handle:
		value = p
	}
	return value, seq, false, nil
}

func (d *Driver) payload(r request.Push) (stream.Payload, error) {
	if h, ok := r.Value.(stream.Handle); ok {
		return h, nil
	}
	if d.node.Validator == nil {
		return stream.Value{V: r.Value}, nil
	}
	v, err := d.node.Validator.Validate(r.Value)
	if err != nil {
		return nil, &Error{Code: CodeValidation, Node: d.node.Name, Request: r.Kind(), Err: fmt.Errorf("%w: %w", ErrValidation, err)}
	}
	return stream.Value{V: v}, nil
}

// announce emits the identity message of s unless it was announced before.
func (d *Driver) announce(s *stream.Stream) error {
	m, fresh := s.Announce()
	if !fresh {
		return nil
	}
	return d.output(m)
}

// member announces parent and, for group parents, records child as a member.
func (d *Driver) member(r request.Request, parent *stream.Stream, child stream.Handle) error {
	if err := d.announce(parent); err != nil {
		return err
	}
	if !parent.Group() {
		return nil
	}
	m, err := parent.Append(child)
	if err != nil {
		return d.assertion(r, err)
	}
	return d.output(m)
}

func (d *Driver) output(m stream.Msg) error {
	_, err := d.exchange(Output{Msg: m})
	return err
}

func (d *Driver) assertion(r request.Request, err error) error {
	return &Error{Code: CodeAssertion, Node: d.node.Name, Request: r.Kind(), Err: fmt.Errorf("%w: %w", ErrAssertion, err)}
}
