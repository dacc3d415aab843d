package driver

import (
	"fmt"

	"github.com/wehubfusion/Talos/pkg/request"
	"github.com/wehubfusion/Talos/pkg/stream"
)

// Effect is what a driver surfaces to its host on every step. Each effect
// except Done requires exactly one reply through Send:
//
//	Output      request.Next
//	*MsgRequest stream.Msg for the requested handle
//	Spawn       request.Next
//	Pause       request.Resume
//	Done        none, the driver is stopped
type Effect interface {
	isEffect()
}

// Output reports a message the driver cached on one of its streams.
type Output struct {
	Msg stream.Msg
}

// MsgRequest asks the host for the message at Index of Handle on behalf of
// Requestor. IdentityIndex resolves the stream's existence.
type MsgRequest struct {
	Handle    stream.Handle
	Index     int
	Requestor *Driver
}

// RequestKey deduplicates outstanding MsgRequests.
type RequestKey struct {
	Handle stream.Handle
	Index  int
}

// Key returns the deduplication key of r.
func (r *MsgRequest) Key() RequestKey {
	return RequestKey{Handle: r.Handle, Index: r.Index}
}

// IsIdentity reports whether r resolves a stream rather than a message.
func (r *MsgRequest) IsIdentity() bool {
	return r.Index == stream.IdentityIndex
}

func (r *MsgRequest) String() string {
	return fmt.Sprintf("msg_request(%s@%d)", r.Handle, r.Index)
}

// Spawn hands a forked child driver to the host. The child is not started.
type Spawn struct {
	Child *Driver
}

// Pause reports a group driver waiting for member requests.
type Pause struct{}

// Signal returns the control signal the pause stands for.
func (Pause) Signal() request.Signal { return request.Paused }

// Done reports that the node computation finished. Err is nil for a graceful
// finish.
type Done struct {
	Err error
}

func (Output) isEffect()      {}
func (*MsgRequest) isEffect() {}
func (Spawn) isEffect()       {}
func (Pause) isEffect()       {}
func (Done) isEffect()        {}

func effectName(e Effect) string {
	switch e.(type) {
	case Output:
		return "output"
	case *MsgRequest:
		return "msg_request"
	case Spawn:
		return "spawn"
	case Pause:
		return "pause"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("%T", e)
	}
}
