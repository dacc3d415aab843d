package stream

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
)

// FileSink is a writable file associated with a stream.
type FileSink interface {
	io.WriteCloser
	// Path returns the location the sink persists to.
	Path() string
}

// FileFactory creates file sinks for streams that support persistent output.
type FileFactory interface {
	Create(h Handle, name string) (FileSink, error)
}

// Option configures a Stream.
type Option func(*Stream)

// WithGroup marks the stream as a group stream.
func WithGroup(group bool) Option {
	return func(s *Stream) { s.group = group }
}

// WithHeader sets the initial header.
func WithHeader(h Header) Option {
	return func(s *Stream) {
		if h != nil {
			s.header = copyHeader(h)
		}
	}
}

// WithFileFactory enables MakeFile. Child streams inherit the factory.
func WithFileFactory(f FileFactory) Option {
	return func(s *Stream) { s.files = f }
}

// Stream is an ordered, append-only, cached sequence of messages. A stream
// is written by exactly one owner and may be read concurrently.
type Stream struct {
	mu sync.RWMutex

	handle Handle
	parent *Stream
	group  bool
	header Header

	cache     []Msg
	next      int
	announced bool
	ended     bool
	released  bool

	children map[string]*Stream
	names    *nameSet
	files    FileFactory
	sinks    []FileSink
}

// nameSet holds every stream name taken in one stream tree. Handles carry
// no tree path, so a name must be unique across the whole tree.
type nameSet struct {
	mu    sync.Mutex
	taken map[string]bool
}

func (n *nameSet) claim(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.taken[name] {
		return false
	}
	n.taken[name] = true
	return true
}

// New creates an empty stream addressed by h. It is the root of a new
// stream tree.
func New(h Handle, opts ...Option) *Stream {
	s := &Stream{
		handle:   h,
		children: make(map[string]*Stream),
		names:    &nameSet{taken: map[string]bool{h.Name: true}},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle returns the stream's identity.
func (s *Stream) Handle() Handle { return s.handle }

// Parent returns the stream this one was created under, or nil.
func (s *Stream) Parent() *Stream { return s.parent }

// Group reports whether the stream carries member handles.
func (s *Stream) Group() bool { return s.group }

// Header returns a copy of the header, or nil when none was set.
func (s *Stream) Header() Header {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyHeader(s.header)
}

// SetHeader attaches h. It fails once a header exists or any message was
// cached.
func (s *Stream) SetHeader(h Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.header != nil || len(s.cache) > 0 {
		return fmt.Errorf("%w: %s", ErrHeaderAlreadySet, s.handle)
	}
	if h == nil {
		h = Header{}
	}
	s.header = copyHeader(h)
	return nil
}

// CreateStream creates a child stream called name. The name must not be
// taken anywhere in the tree s belongs to.
func (s *Stream) CreateStream(name string, group bool, header Header) (*Stream, error) {
	if name == "" || name == DefaultName {
		return nil, fmt.Errorf("%w: %q", ErrReservedName, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	if !s.names.claim(name) {
		return nil, fmt.Errorf("%w: %q in %s/%s", ErrDuplicateName, name, s.handle.SetID, s.handle.Node)
	}

	child := New(Handle{SetID: s.handle.SetID, Node: s.handle.Node, Name: name},
		WithGroup(group), WithHeader(header), WithFileFactory(s.files))
	child.parent = s
	child.names = s.names
	s.children[name] = child
	return child, nil
}

// Child returns the child stream called name.
func (s *Stream) Child(name string) (*Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.children[name]
	return c, ok
}

// Announce caches the identity message. The second return is false when the
// stream was already announced.
func (s *Stream) Announce() (Msg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.announced {
		return s.cache[0], false
	}
	m := Msg{
		Handle:  s.handle,
		Index:   IdentityIndex,
		Payload: s.handle,
		Header:  copyHeader(s.header),
	}
	s.cache = append(s.cache, m)
	s.announced = true
	return m, true
}

// Append caches p at the next index. TheEnd terminates the stream.
func (s *Stream) Append(p Payload) (Msg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.released:
		return Msg{}, ErrReleased
	case !s.announced:
		return Msg{}, fmt.Errorf("%w: %s", ErrNotAnnounced, s.handle)
	case s.ended:
		return Msg{}, fmt.Errorf("%w: %s", ErrEnded, s.handle)
	}

	switch p.(type) {
	case Handle:
		if !s.group {
			return Msg{}, fmt.Errorf("%w: handle on non-group stream %s", ErrPayloadKind, s.handle)
		}
	case Value:
		if s.group {
			return Msg{}, fmt.Errorf("%w: value on group stream %s", ErrPayloadKind, s.handle)
		}
	case endOfStream:
		s.ended = true
	default:
		return Msg{}, fmt.Errorf("%w: %T", ErrPayloadKind, p)
	}

	m := Msg{Handle: s.handle, Index: s.next, Payload: p}
	s.next++
	s.cache = append(s.cache, m)
	return m, nil
}

// End caches the end-of-stream message.
func (s *Stream) End() (Msg, error) {
	return s.Append(TheEnd)
}

// Get returns the message at index. IdentityIndex selects the identity
// message.
func (s *Stream) Get(index int) (Msg, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.announced {
		return Msg{}, false
	}
	// cache[0] is the identity message, data index i lives at cache[i+1]
	pos := index + 1
	if pos < 0 || pos >= len(s.cache) {
		return Msg{}, false
	}
	return s.cache[pos], true
}

// Cache returns a copy of every cached message in emission order.
func (s *Stream) Cache() []Msg {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Msg, len(s.cache))
	copy(out, s.cache)
	return out
}

// Len returns the number of cached messages, including the identity message.
func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// Announced reports whether the identity message was cached.
func (s *Stream) Announced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.announced
}

// Ended reports whether end-of-stream was cached.
func (s *Stream) Ended() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ended
}

// MakeFile creates a file sink called name for this stream.
func (s *Stream) MakeFile(name string) (FileSink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		return nil, fmt.Errorf("%w: %s", ErrMakeFileNotSupported, s.handle)
	}
	if s.released {
		return nil, ErrReleased
	}
	sink, err := s.files.Create(s.handle, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %q for %s: %w", name, s.handle, err)
	}
	s.sinks = append(s.sinks, sink)
	return sink, nil
}

// Release closes every file sink created for the stream. The cache stays
// readable. Calling Release again is a no-op.
func (s *Stream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true

	var err error
	for _, sink := range s.sinks {
		err = multierr.Append(err, sink.Close())
	}
	s.sinks = nil
	return err
}

func copyHeader(h Header) Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
