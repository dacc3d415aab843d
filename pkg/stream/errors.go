package stream

import "errors"

var (
	// ErrMakeFileNotSupported is returned by MakeFile on streams built without
	// a FileFactory.
	ErrMakeFileNotSupported = errors.New("stream does not support file creation")

	// ErrHeaderAlreadySet is returned when a header is set twice or after the
	// stream cached its first message.
	ErrHeaderAlreadySet = errors.New("stream header already set")

	// ErrReservedName is returned when a child stream would take DefaultName.
	ErrReservedName = errors.New("stream name is reserved")

	// ErrDuplicateName is returned when a child stream name is already taken.
	ErrDuplicateName = errors.New("stream name already exists")

	// ErrEnded is returned when appending to a stream that cached end-of-stream.
	ErrEnded = errors.New("stream already ended")

	// ErrNotAnnounced is returned when appending before the identity message.
	ErrNotAnnounced = errors.New("stream identity not announced")

	// ErrPayloadKind is returned when a payload does not match the stream kind:
	// group streams carry handles, all other streams carry values.
	ErrPayloadKind = errors.New("payload kind does not match stream")

	// ErrReleased is returned by operations on a released stream.
	ErrReleased = errors.New("stream released")
)
