// Package stream provides the identity, message and cache model for the
// units of message flow that nodes produce and consume.
//
// # Handles
//
// A Handle names a stream by (set id, node, name). Handles are plain
// comparable values and are used as map keys throughout the driver and the
// scheduler. Every node owns a primary stream named DefaultName.
//
// # Messages
//
// A stream cache always starts with the identity message (Index ==
// IdentityIndex) whose payload is the stream's own Handle and which carries
// the stream header. Data messages follow at indices 0, 1, 2, ... and the
// stream is terminated by a single end-of-stream message (payload TheEnd)
// at the next index:
//
//	identity(H)  data(v1)@0  data(v2)@1  end@2
//
// Group streams carry member Handles instead of values.
package stream

import (
	"fmt"
	"strings"
)

// DefaultName is the name of a node's primary stream. It is reserved and is
// never given to an explicitly created stream.
const DefaultName = "default"

// IdentityIndex is the index of a stream's identity message. It is also used
// by MsgRequests that resolve a stream's existence rather than its data.
const IdentityIndex = -1

// Handle identifies a stream. Two handles are equal iff all fields match.
type Handle struct {
	SetID string `json:"set_id"`
	Node  string `json:"node"`
	Name  string `json:"name"`
}

// NewHandle returns the handle for the named stream of node within set.
// An empty name selects the primary stream.
func NewHandle(setID, node, name string) Handle {
	if name == "" {
		name = DefaultName
	}
	return Handle{SetID: setID, Node: node, Name: name}
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// IsPrimary reports whether h names a node's primary stream.
func (h Handle) IsPrimary() bool {
	return h.Name == DefaultName
}

// String implements fmt.Stringer.
func (h Handle) String() string {
	return fmt.Sprintf("%s/%s/%s", h.SetID, h.Node, h.Name)
}

// Compare orders handles by set id, node and then name.
func Compare(a, b Handle) int {
	if c := strings.Compare(a.SetID, b.SetID); c != 0 {
		return c
	}
	if c := strings.Compare(a.Node, b.Node); c != 0 {
		return c
	}
	return strings.Compare(a.Name, b.Name)
}

func (Handle) isPayload() {}
