package stream

import "fmt"

// Header is stream metadata. It is attached at most once, before the first
// data message.
type Header map[string]interface{}

// Payload is the content of a Msg: a Value, a member Handle or TheEnd.
type Payload interface {
	isPayload()
}

// Value is an ordinary data payload.
type Value struct {
	V interface{}
}

func (Value) isPayload() {}

type endOfStream struct{}

func (endOfStream) isPayload() {}

func (endOfStream) String() string { return "THEEND" }

// TheEnd is the terminal payload of every stream.
var TheEnd Payload = endOfStream{}

// IsEnd reports whether p is the end-of-stream marker.
func IsEnd(p Payload) bool {
	_, ok := p.(endOfStream)
	return ok
}

// Msg is one entry of a stream cache.
type Msg struct {
	Handle  Handle
	Index   int
	Payload Payload
	// Header is only populated on identity messages.
	Header Header
}

// IsIdentity reports whether m announces its stream.
func (m Msg) IsIdentity() bool {
	return m.Index == IdentityIndex
}

// IsEnd reports whether m terminates its stream.
func (m Msg) IsEnd() bool {
	return IsEnd(m.Payload)
}

// Member returns the member handle carried by a group message.
func (m Msg) Member() (Handle, bool) {
	if m.IsIdentity() {
		return Handle{}, false
	}
	h, ok := m.Payload.(Handle)
	return h, ok
}

// String implements fmt.Stringer.
func (m Msg) String() string {
	switch p := m.Payload.(type) {
	case Value:
		return fmt.Sprintf("data(%v)@%d %s", p.V, m.Index, m.Handle)
	case Handle:
		if m.IsIdentity() {
			return fmt.Sprintf("identity(%s)", m.Handle)
		}
		return fmt.Sprintf("member(%s)@%d %s", p, m.Index, m.Handle)
	default:
		return fmt.Sprintf("end@%d %s", m.Index, m.Handle)
	}
}
