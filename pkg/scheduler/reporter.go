package scheduler

import (
	"context"

	"github.com/getsentry/sentry-go"

	"github.com/wehubfusion/Talos/pkg/driver"
	"github.com/wehubfusion/Talos/pkg/stream"
)

// Observer sees every message emitted by any driver, in emission order.
type Observer interface {
	Observe(ctx context.Context, m stream.Msg) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, m stream.Msg) error

// Observe calls f(ctx, m).
func (f ObserverFunc) Observe(ctx context.Context, m stream.Msg) error {
	return f(ctx, m)
}

// Reporter receives every driver failure.
type Reporter interface {
	Report(key driver.Key, err error)
}

// SentryReporter captures driver failures as Sentry exceptions tagged with
// the set id, node and error code.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter reports through hub, or the current hub when nil.
func NewSentryReporter(hub *sentry.Hub) *SentryReporter {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentryReporter{hub: hub}
}

func (r *SentryReporter) Report(key driver.Key, err error) {
	if err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("set_id", key.SetID)
		scope.SetTag("node", key.Node)
		if code := driver.CodeOf(err); code != "" {
			scope.SetTag("code", code)
		}
		r.hub.CaptureException(err)
	})
}
