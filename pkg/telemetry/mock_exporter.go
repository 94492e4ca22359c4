package telemetry

import (
	"context"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanRecorder collects finished spans in process memory so tests can assert
// on the spans a handler or middleware produced. Install it as a span
// processor on a test TracerProvider.
type SpanRecorder struct {
	mu    sync.Mutex
	ended []sdktrace.ReadOnlySpan
}

func NewSpanRecorder() *SpanRecorder {
	return &SpanRecorder{}
}

func (r *SpanRecorder) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (r *SpanRecorder) OnEnd(span sdktrace.ReadOnlySpan) {
	r.mu.Lock()
	r.ended = append(r.ended, span)
	r.mu.Unlock()
}

func (r *SpanRecorder) Shutdown(context.Context) error { return nil }

func (r *SpanRecorder) ForceFlush(context.Context) error { return nil }

// Completed returns a copy of every span recorded so far, in end order.
func (r *SpanRecorder) Completed() []sdktrace.ReadOnlySpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sdktrace.ReadOnlySpan(nil), r.ended...)
}

// FirstSpanNamed returns the earliest-ended span with the given name, or nil.
func (r *SpanRecorder) FirstSpanNamed(name string) sdktrace.ReadOnlySpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, span := range r.ended {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

var _ sdktrace.SpanProcessor = (*SpanRecorder)(nil)
