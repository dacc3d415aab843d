// Package publish mirrors stream messages to NATS for external observers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/stream"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "talos.msg"

// Message kinds carried by Envelope.Kind.
const (
	KindIdentity = "identity"
	KindData     = "data"
	KindMember   = "member"
	KindEnd      = "end"
)

// Publisher is the subset of *nats.Conn the mirror needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is the wire form of one stream message.
type Envelope struct {
	SetID  string         `json:"set_id"`
	Node   string         `json:"node"`
	Stream string         `json:"stream"`
	Index  int            `json:"index"`
	Kind   string         `json:"kind"`
	Value  interface{}    `json:"value,omitempty"`
	Member *stream.Handle `json:"member,omitempty"`
	Header stream.Header  `json:"header,omitempty"`
}

// Encode converts m to its envelope.
func Encode(m stream.Msg) Envelope {
	env := Envelope{
		SetID:  m.Handle.SetID,
		Node:   m.Handle.Node,
		Stream: m.Handle.Name,
		Index:  m.Index,
	}
	switch p := m.Payload.(type) {
	case stream.Value:
		env.Kind = KindData
		env.Value = p.V
	case stream.Handle:
		if m.IsIdentity() {
			env.Kind = KindIdentity
			env.Header = m.Header
		} else {
			env.Kind = KindMember
			member := p
			env.Member = &member
		}
	default:
		env.Kind = KindEnd
	}
	return env
}

// Subject returns the subject m is published on:
// <prefix>.<set>.<node>.<stream>.
func Subject(prefix string, h stream.Handle) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return strings.Join([]string{prefix, token(h.SetID), token(h.Node), token(h.Name)}, ".")
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

func token(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

// MsgPublisher publishes every observed message as a JSON envelope.
type MsgPublisher struct {
	pub     Publisher
	prefix  string
	logger  *zap.Logger
	breaker *Breaker
	dropped atomic.Int64
}

// PublisherOption configures a MsgPublisher.
type PublisherOption func(*MsgPublisher)

// WithBreaker drops messages while b is open instead of publishing them.
func WithBreaker(b *Breaker) PublisherOption {
	return func(p *MsgPublisher) { p.breaker = b }
}

// NewMsgPublisher creates a mirror publishing through pub.
func NewMsgPublisher(pub Publisher, prefix string, logger *zap.Logger, opts ...PublisherOption) (*MsgPublisher, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	p := &MsgPublisher{pub: pub, prefix: prefix, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Dropped returns how many messages an open breaker discarded.
func (p *MsgPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// Observe publishes m. Values that cannot be encoded are replaced by their
// string form so that observers still see the message.
func (p *MsgPublisher) Observe(ctx context.Context, m stream.Msg) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	env := Encode(m)
	data, err := json.Marshal(env)
	if err != nil {
		p.logger.Warn("Value is not JSON encodable, publishing its string form",
			zap.String("stream", m.Handle.String()), zap.Int("index", m.Index), zap.Error(err))
		env.Value = fmt.Sprint(env.Value)
		if data, err = json.Marshal(env); err != nil {
			return fmt.Errorf("failed to encode %s: %w", m, err)
		}
	}

	if p.breaker != nil && !p.breaker.Allow() {
		p.dropped.Add(1)
		return nil
	}
	subject := Subject(p.prefix, m.Handle)
	err = p.pub.Publish(subject, data)
	if p.breaker != nil && p.breaker.Record(err) {
		p.logger.Warn("Publishing suspended after repeated failures", zap.Error(err))
	}
	if err != nil {
		return fmt.Errorf("failed to publish %s on %s: %w", m, subject, err)
	}
	p.logger.Debug("Published message", zap.String("subject", subject), zap.String("kind", env.Kind))
	return nil
}
