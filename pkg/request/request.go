// Package request defines the closed vocabulary a node computation uses to
// talk to its driver, and the control signals of the step protocol.
package request

import "github.com/wehubfusion/Talos/pkg/stream"

// Request is one suspension of a node computation. The set of variants is
// closed: every variant dispatches to its own Handler method.
type Request interface {
	// Dispatch hands the request to the matching Handler method and returns
	// the value the node is resumed with.
	Dispatch(h Handler) (interface{}, error)
	// Kind names the request for diagnostics.
	Kind() string

	isRequest()
}

// Handler resolves requests. Implementations must provide one method per
// variant.
type Handler interface {
	Pull(Pull) (interface{}, error)
	PullAll(PullAll) (interface{}, error)
	Push(Push) (interface{}, error)
	SetHeader(SetHeader) (interface{}, error)
	CreateStream(CreateStream) (interface{}, error)
	Fork(Fork) (interface{}, error)
	GetRequested(GetRequested) (interface{}, error)
	MakeFile(MakeFile) (interface{}, error)
	GetStream(GetStream) (interface{}, error)
	GetLogger(GetLogger) (interface{}, error)
}

// Pull asks for the next message on Handle. Skip advances the requestor's
// cursor by that many messages before pulling.
type Pull struct {
	Handle    stream.Handle
	Enumerate bool
	Skip      int
}

// PullAll asks for the next message of each handle. The resume value is a
// []interface{} aligned with Handles.
type PullAll struct {
	Handles []stream.Handle
}

// Push emits Value on Handle, a stream the driver owns. A zero Handle
// selects the primary stream.
type Push struct {
	Handle stream.Handle
	Value  interface{}
}

// SetHeader attaches a header to the driver's primary stream.
type SetHeader struct {
	Header stream.Header
}

// CreateStream creates a stream called Name under Parent. A zero Parent
// selects the driver's primary stream.
type CreateStream struct {
	Parent stream.Handle
	Name   string
	Group  bool
	Header stream.Header
}

// Fork spawns a child driver bound to a new stream under the primary stream.
type Fork struct {
	Name   string
	Inputs map[string]interface{}
	Group  bool
}

// GetRequested asks a group node which members consumers have requested.
type GetRequested struct{}

// MakeFile asks for a file sink on Handle. A zero Handle selects the
// driver's primary stream.
type MakeFile struct {
	Handle stream.Handle
	Name   string
}

// GetStream resolves the handle of any stream by coordinates. Empty SetID
// and Name default to the driver's set and the primary stream.
type GetStream struct {
	SetID string
	Node  string
	Name  string
}

// GetLogger asks for a logger scoped to the driver.
type GetLogger struct{}

func (r Pull) Dispatch(h Handler) (interface{}, error)         { return h.Pull(r) }
func (r PullAll) Dispatch(h Handler) (interface{}, error)      { return h.PullAll(r) }
func (r Push) Dispatch(h Handler) (interface{}, error)         { return h.Push(r) }
func (r SetHeader) Dispatch(h Handler) (interface{}, error)    { return h.SetHeader(r) }
func (r CreateStream) Dispatch(h Handler) (interface{}, error) { return h.CreateStream(r) }
func (r Fork) Dispatch(h Handler) (interface{}, error)         { return h.Fork(r) }
func (r GetRequested) Dispatch(h Handler) (interface{}, error) { return h.GetRequested(r) }
func (r MakeFile) Dispatch(h Handler) (interface{}, error)     { return h.MakeFile(r) }
func (r GetStream) Dispatch(h Handler) (interface{}, error)    { return h.GetStream(r) }
func (r GetLogger) Dispatch(h Handler) (interface{}, error)    { return h.GetLogger(r) }

func (Pull) Kind() string         { return "pull" }
func (PullAll) Kind() string      { return "pull_all" }
func (Push) Kind() string         { return "push" }
func (SetHeader) Kind() string    { return "set_header" }
func (CreateStream) Kind() string { return "create_stream" }
func (Fork) Kind() string         { return "fork" }
func (GetRequested) Kind() string { return "get_requested" }
func (MakeFile) Kind() string     { return "make_file" }
func (GetStream) Kind() string    { return "get_stream" }
func (GetLogger) Kind() string    { return "get_logger" }

func (Pull) isRequest()         {}
func (PullAll) isRequest()      {}
func (Push) isRequest()         {}
func (SetHeader) isRequest()    {}
func (CreateStream) isRequest() {}
func (Fork) isRequest()         {}
func (GetRequested) isRequest() {}
func (MakeFile) isRequest()     {}
func (GetStream) isRequest()    {}
func (GetLogger) isRequest()    {}

// Enumerated is the resume value of a Pull with Enumerate set.
type Enumerated struct {
	// Seq counts the messages this requestor already received from the handle.
	Seq   int
	Value interface{}
}
