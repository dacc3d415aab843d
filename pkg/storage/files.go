package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/stream"
)

// ErrSinkClosed is returned when writing to a closed sink.
var ErrSinkClosed = errors.New("file sink closed")

// ObjectPath returns the relative location of file name of stream h:
// <set>/<node>/<stream>/<name>.
func ObjectPath(h stream.Handle, name string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(name))[1:]
	if clean == "" || clean != filepath.ToSlash(name) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return path.Join(h.SetID, h.Node, h.Name, clean), nil
}

// DirFileFactory creates sinks as files under Root.
type DirFileFactory struct {
	Root string
}

// NewDirFileFactory returns a factory rooted at root.
func NewDirFileFactory(root string) *DirFileFactory {
	return &DirFileFactory{Root: root}
}

// Create implements stream.FileFactory.
func (f *DirFileFactory) Create(h stream.Handle, name string) (stream.FileSink, error) {
	rel, err := ObjectPath(h, name)
	if err != nil {
		return nil, err
	}
	full := filepath.Join(f.Root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", full, err)
	}
	file, err := os.Create(full)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", full, err)
	}
	return &fileSink{file: file}, nil
}

type fileSink struct {
	file *os.File
	once sync.Once
	err  error
}

func (s *fileSink) Write(p []byte) (int, error) { return s.file.Write(p) }

func (s *fileSink) Path() string { return s.file.Name() }

func (s *fileSink) Close() error {
	s.once.Do(func() { s.err = s.file.Close() })
	return s.err
}

// BlobFileFactory creates sinks that buffer writes and upload the content
// when closed.
type BlobFileFactory struct {
	uploader BlobUploader
	prefix   string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewBlobFileFactory returns a factory that stores files below prefix.
func NewBlobFileFactory(uploader BlobUploader, prefix string, timeout time.Duration, logger *zap.Logger) *BlobFileFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BlobFileFactory{
		uploader: uploader,
		prefix:   strings.Trim(prefix, "/"),
		timeout:  timeout,
		logger:   logger,
	}
}

// Create implements stream.FileFactory.
func (f *BlobFileFactory) Create(h stream.Handle, name string) (stream.FileSink, error) {
	rel, err := ObjectPath(h, name)
	if err != nil {
		return nil, err
	}
	if f.prefix != "" {
		rel = f.prefix + "/" + rel
	}
	return &blobSink{factory: f, handle: h, path: rel}, nil
}

type blobSink struct {
	factory *BlobFileFactory
	handle  stream.Handle
	path    string

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	url    string
	err    error
}

func (s *blobSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSinkClosed
	}
	return s.buf.Write(p)
}

// Path returns the blob URL once uploaded and the blob path before.
func (s *blobSink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.url != "" {
		return s.url
	}
	return s.path
}

func (s *blobSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.err
	}
	s.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), s.factory.timeout)
	defer cancel()
	metadata := map[string]string{
		"set_id": s.handle.SetID,
		"node":   s.handle.Node,
		"stream": s.handle.Name,
	}
	s.url, s.err = s.factory.uploader.Upload(ctx, s.path, s.buf.Bytes(), mime.TypeByExtension(path.Ext(s.path)), metadata)
	if s.err != nil {
		s.factory.logger.Error("Failed to upload stream file", zap.String("path", s.path), zap.Error(s.err))
	}
	return s.err
}
