package tests

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/scheduler"
	"github.com/wehubfusion/Talos/pkg/stream"
)

const setID = "integration"

func newScheduler(t *testing.T, logger *zap.Logger, opts ...scheduler.Option) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(scheduler.Config{SetID: setID}, logger, opts...)
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close scheduler: %v", err)
		}
	})
	return s
}

func ref(node string) stream.Handle {
	return stream.Handle{SetID: setID, Node: node, Name: stream.DefaultName}
}

// recordingPublisher stands in for a NATS connection.
type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, append([]byte(nil), data...))
	return nil
}

func (p *recordingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

// memoryUploader keeps uploaded blobs in a map.
type memoryUploader struct {
	mu    sync.Mutex
	blobs map[string][]byte
	types map[string]string
	meta  map[string]map[string]string
}

func newMemoryUploader() *memoryUploader {
	return &memoryUploader{
		blobs: make(map[string][]byte),
		types: make(map[string]string),
		meta:  make(map[string]map[string]string),
	}
}

func (u *memoryUploader) Upload(_ context.Context, blobPath string, data []byte, contentType string, metadata map[string]string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.blobs[blobPath] = append([]byte(nil), data...)
	u.types[blobPath] = contentType
	u.meta[blobPath] = metadata
	return "memory://" + blobPath, nil
}

func (u *memoryUploader) Download(_ context.Context, blobPath string) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	data, ok := u.blobs[blobPath]
	if !ok {
		return nil, errors.New("not found")
	}
	return append([]byte(nil), data...), nil
}
