package handoff

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// defaultSpanRingSize bounds the in-memory span record ring.
const defaultSpanRingSize = 256

// SpanRecord is a finished span retained in memory for inspection. The
// authoritative export path is the OpenTelemetry SDK; the ring exists so
// callers and tests can observe recent handoff spans without an exporter.
type SpanRecord struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time"`
	Error      string            `json:"error,omitempty"`
}

// Duration returns the span's wall-clock duration.
func (s SpanRecord) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// Tracing emits OpenTelemetry spans for handoff operations and keeps a
// bounded ring of finished span records.
type Tracing struct {
	tracer trace.Tracer
	logger *zap.Logger

	mu    sync.RWMutex
	ring  []SpanRecord
	next  int
	count int
}

// NewTracing creates a Tracing sink using the named otel tracer. It picks
// up whatever tracer provider is installed globally; with none installed
// the spans are no-ops and only the ring records remain.
func NewTracing(name string, logger *zap.Logger) *Tracing {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		name = "relayflow"
	}
	return &Tracing{
		tracer: otel.Tracer(name),
		logger: logger.With(zap.String("component", "tracing")),
		ring:   make([]SpanRecord, defaultSpanRingSize),
	}
}

// StartSpan opens a span with the given attributes and returns the derived
// context plus an end func. Pass the operation's terminal error (nil on
// success) to the end func; it finishes the otel span and records the span
// in the ring.
func (t *Tracing) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(err error)) {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	start := time.Now()
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(kvs...))

	end := func(err error) {
		rec := SpanRecord{
			Name:       name,
			Attributes: copyStringMap(attrs),
			StartTime:  start,
			EndTime:    time.Now(),
		}
		if err != nil {
			rec.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		t.record(rec)
	}
	return ctx, end
}

// Spans returns the retained span records, oldest first.
func (t *Tracing) Spans() []SpanRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]SpanRecord, 0, t.count)
	if t.count < len(t.ring) {
		out = append(out, t.ring[:t.count]...)
		return out
	}
	out = append(out, t.ring[t.next:]...)
	out = append(out, t.ring[:t.next]...)
	return out
}

// Reset drops all retained span records.
func (t *Tracing) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next, t.count = 0, 0
}

func (t *Tracing) record(rec SpanRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring[t.next] = rec
	t.next = (t.next + 1) % len(t.ring)
	if t.count < len(t.ring) {
		t.count++
	}
}
