// Package tracing records one OpenTelemetry span per proc by plugging into the
// ProcStack hooks. Procs built without these options carry no tracing cost.
package tracing

import (
	"context"
	"strconv"
	"sync"

	"github.com/Swind/go-lightproc/core"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Swind/go-lightproc"

const (
	attrPID      = attribute.Key("lightproc.pid")
	attrID       = attribute.Key("lightproc.id")
	attrName     = attribute.Key("lightproc.name")
	attrPriority = attribute.Key("lightproc.priority")
	attrAffinity = attribute.Key("lightproc.affinity")
	attrOutcome  = attribute.Key("lightproc.outcome")
)

// Tracer opens a span when a proc is first polled and ends it when the proc
// completes, panics or is cancelled.
type Tracer struct {
	tracer trace.Tracer
	spans  sync.Map // uuid.UUID -> trace.Span
}

// New returns a Tracer using t. A nil t uses the global tracer provider.
func New(t trace.Tracer) *Tracer {
	if t == nil {
		t = otel.Tracer(instrumentationName)
	}
	return &Tracer{tracer: t}
}

// Options returns the stack options that trace a proc. Spans are started as
// children of any span found in parent.
func (t *Tracer) Options(parent context.Context) []core.StackOption {
	if parent == nil {
		parent = context.Background()
	}
	return []core.StackOption{
		core.WithBeforeStart(func(s *core.ProcStack) { t.start(parent, s) }),
		core.WithAfterComplete(func(s *core.ProcStack) {
			t.end(parent, s, "completed", func(sp trace.Span) { sp.SetStatus(codes.Ok, "") })
		}),
		core.WithAfterPanic(func(s *core.ProcStack) {
			t.end(parent, s, "panicked", func(sp trace.Span) { sp.SetStatus(codes.Error, "proc panicked") })
		}),
		core.WithAfterCancel(func(s *core.ProcStack) {
			t.end(parent, s, "cancelled", func(sp trace.Span) { sp.AddEvent("cancelled") })
		}),
	}
}

// Active returns the number of spans started and not yet ended.
func (t *Tracer) Active() int {
	n := 0
	t.spans.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

func (t *Tracer) start(parent context.Context, s *core.ProcStack) {
	name := s.Name
	if name == "" {
		name = "proc " + strconv.FormatUint(s.PID, 10)
	}
	_, span := t.tracer.Start(parent, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attrPID.Int64(int64(s.PID)),
			attrID.String(s.ID.String()),
			attrName.String(s.Name),
			attrPriority.String(s.Priority.String()),
			attrAffinity.Int(s.Affinity),
		))
	t.spans.Store(s.ID, span)
}

// end closes the span of s. A proc cancelled before its first poll never
// started a span, so it gets a zero-length one under parent.
func (t *Tracer) end(parent context.Context, s *core.ProcStack, outcome string, finish func(trace.Span)) {
	v, ok := t.spans.LoadAndDelete(s.ID)
	if !ok {
		if outcome != "cancelled" {
			return
		}
		t.start(parent, s)
		if v, ok = t.spans.LoadAndDelete(s.ID); !ok {
			return
		}
	}
	span := v.(trace.Span)
	span.SetAttributes(attrOutcome.String(outcome))
	finish(span)
	span.End()
}

// SpanContext returns the span context of the in-flight span for the proc with id.
func (t *Tracer) SpanContext(id uuid.UUID) (trace.SpanContext, bool) {
	v, ok := t.spans.Load(id)
	if !ok {
		return trace.SpanContext{}, false
	}
	return v.(trace.Span).SpanContext(), true
}
