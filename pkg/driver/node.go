package driver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/request"
	"github.com/wehubfusion/Talos/pkg/stream"
)

// RunFunc is a node computation. It suspends only inside Yielder calls and
// finishes by returning. Returning nil or ErrAbort is a graceful finish.
type RunFunc func(ctx context.Context, y *Yielder) error

// Validator checks and normalises a value before it is cached as output.
type Validator interface {
	Validate(value interface{}) (interface{}, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(value interface{}) (interface{}, error)

// Validate calls f(value).
func (f ValidatorFunc) Validate(value interface{}) (interface{}, error) {
	return f(value)
}

// Node defines a computation a Driver can run.
type Node struct {
	// Name identifies the node within a set
	Name string

	// Group marks a node whose primary stream carries member handles
	Group bool

	// Validator is applied to every pushed value when set
	Validator Validator

	// Run is the computation
	Run RunFunc
}

func (n Node) validate() error {
	if n.Name == "" {
		return fmt.Errorf("node name is required")
	}
	if n.Run == nil {
		return fmt.Errorf("node %s has no run function", n.Name)
	}
	return nil
}

// Yielder is a node computation's only channel to its driver. Every call
// hands one request to the driver and blocks until the driver resumes it.
// A Yielder must only be used from the goroutine running the node.
type Yielder struct {
	d *Driver
}

// Yield suspends the computation on v. A request.Request is resolved by the
// driver; any other non-nil value is pushed as output. Yielding nil is a
// protocol violation.
func (y *Yielder) Yield(v interface{}) (interface{}, error) {
	return y.d.yield(v)
}

// Inputs returns the inputs the driver was created with.
func (y *Yielder) Inputs() map[string]interface{} {
	return y.d.inputs
}

// Input returns a single input.
func (y *Yielder) Input(name string) (interface{}, bool) {
	v, ok := y.d.inputs[name]
	return v, ok
}

// Handle returns the driver's primary stream handle.
func (y *Yielder) Handle() stream.Handle {
	return y.d.primary.Handle()
}

// Push emits v on the primary stream.
func (y *Yielder) Push(v interface{}) error {
	_, err := y.Yield(request.Push{Value: v})
	return err
}

// PushTo emits v on h, a stream created by this node.
func (y *Yielder) PushTo(h stream.Handle, v interface{}) error {
	_, err := y.Yield(request.Push{Handle: h, Value: v})
	return err
}

// Pull returns the next value of h, or nil once h ended.
func (y *Yielder) Pull(h stream.Handle) (interface{}, error) {
	return y.Yield(request.Pull{Handle: h})
}

// PullSkip skips n messages of h and returns the one after them.
func (y *Yielder) PullSkip(h stream.Handle, n int) (interface{}, error) {
	return y.Yield(request.Pull{Handle: h, Skip: n})
}

// PullEnumerated returns the next value of h paired with its sequence
// number. The second return is false once h ended.
func (y *Yielder) PullEnumerated(h stream.Handle) (request.Enumerated, bool, error) {
	v, err := y.Yield(request.Pull{Handle: h, Enumerate: true})
	if err != nil || v == nil {
		return request.Enumerated{}, false, err
	}
	e, ok := v.(request.Enumerated)
	return e, ok, nil
}

// PullAll returns the next value of every handle, in order.
func (y *Yielder) PullAll(hs ...stream.Handle) ([]interface{}, error) {
	v, err := y.Yield(request.PullAll{Handles: hs})
	if err != nil {
		return nil, err
	}
	out, _ := v.([]interface{})
	return out, nil
}

// SetHeader attaches h to the primary stream.
func (y *Yielder) SetHeader(h stream.Header) error {
	_, err := y.Yield(request.SetHeader{Header: h})
	return err
}

// CreateStream creates a stream called name under the primary stream.
func (y *Yielder) CreateStream(name string, group bool, header stream.Header) (stream.Handle, error) {
	v, err := y.Yield(request.CreateStream{Name: name, Group: group, Header: header})
	if err != nil {
		return stream.Handle{}, err
	}
	h, _ := v.(stream.Handle)
	return h, nil
}

// Fork spawns a child driver for a stream called name.
func (y *Yielder) Fork(name string, inputs map[string]interface{}, group bool) error {
	_, err := y.Yield(request.Fork{Name: name, Inputs: inputs, Group: group})
	return err
}

// GetRequested returns the member handles consumers asked for.
func (y *Yielder) GetRequested() ([]stream.Handle, error) {
	v, err := y.Yield(request.GetRequested{})
	if err != nil {
		return nil, err
	}
	hs, _ := v.([]stream.Handle)
	return hs, nil
}

// MakeFile opens a file sink called name for the primary stream.
func (y *Yielder) MakeFile(name string) (stream.FileSink, error) {
	v, err := y.Yield(request.MakeFile{Name: name})
	if err != nil {
		return nil, err
	}
	sink, _ := v.(stream.FileSink)
	return sink, nil
}

// GetStream resolves the handle of a stream. The second return is false
// when the stream does not exist.
func (y *Yielder) GetStream(setID, node, name string) (stream.Handle, bool, error) {
	v, err := y.Yield(request.GetStream{SetID: setID, Node: node, Name: name})
	if err != nil || v == nil {
		return stream.Handle{}, false, err
	}
	h, ok := v.(stream.Handle)
	return h, ok, nil
}

// Logger returns the driver's logger.
func (y *Yielder) Logger() (*zap.Logger, error) {
	v, err := y.Yield(request.GetLogger{})
	if err != nil {
		return nil, err
	}
	l, _ := v.(*zap.Logger)
	return l, nil
}
