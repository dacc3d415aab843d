package driver

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol indicates a violation of the step protocol: a nil yield, a
	// reply of the wrong kind or a step out of order.
	ErrProtocol = errors.New("driver protocol violation")

	// ErrAbort may be returned by a node to stop early. It is treated like a
	// normal return.
	ErrAbort = errors.New("node aborted")

	// ErrStopped is returned by Send after the driver reported Done.
	ErrStopped = errors.New("driver stopped")

	// ErrNotStarted is returned by Send before Start.
	ErrNotStarted = errors.New("driver not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("driver already started")

	// ErrNotGroup is returned when group negotiation is used by a node that
	// does not produce a group stream.
	ErrNotGroup = errors.New("node is not group-producing")

	// ErrCreationClosed is returned when member requests arrive after the
	// driver closed stream creation.
	ErrCreationClosed = errors.New("stream creation closed")

	// ErrNotOwned is returned when a request targets a stream the driver does
	// not own.
	ErrNotOwned = errors.New("stream not owned by driver")

	// ErrAssertion indicates an invalid request for the driver's current state.
	ErrAssertion = errors.New("driver assertion failed")

	// ErrValidation indicates an output value was rejected by the node's
	// validator.
	ErrValidation = errors.New("output validation failed")

	// ErrDestroyed is returned by every operation on a destroyed driver.
	ErrDestroyed = errors.New("driver destroyed")
)

// Error codes carried by *Error.
const (
	CodeProtocol             = "PROTOCOL_VIOLATION"
	CodeAssertion            = "ASSERTION_FAILED"
	CodeValidation           = "VALIDATION_FAILED"
	CodeMakeFileNotSupported = "MAKE_FILE_NOT_SUPPORTED"
	CodeNodeFailed           = "NODE_FAILED"
	CodeNodePanic            = "NODE_PANIC"
	CodeDestroyed            = "DESTROYED"
)

// Error is a driver failure annotated with the node and the request that
// caused it.
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Node is the name of the node the driver runs
	Node string

	// Request names the request or effect being processed, if any
	Request string

	// Err is the underlying error
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Request != "" {
		return fmt.Sprintf("[%s] node %s: %s: %v", e.Code, e.Node, e.Request, e.Err)
	}
	return fmt.Sprintf("[%s] node %s: %v", e.Code, e.Node, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// IsProtocol checks if an error is a protocol violation
func IsProtocol(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// IsValidation checks if an error is an output validation failure
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
