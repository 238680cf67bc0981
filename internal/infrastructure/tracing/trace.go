package tracing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tccl/tabsync/internal/shared/id"
)

// TraceID identifies one request or batch end to end.
type TraceID string

// SpanID identifies a single operation within a trace.
type SpanID string

type contextKey int

const (
	traceIDKey contextKey = iota
	spanIDKey
)

// Span is one timed operation within a trace.
type Span struct {
	TraceID    TraceID
	SpanID     SpanID
	ParentID   SpanID
	Name       string
	Service    string
	StartTime  time.Time
	Duration   time.Duration
	Tags       map[string]string
	Error      error
	StatusCode int

	tracer *Tracer
}

// Tracer collects spans and emits them as structured log events. Page
// scripts, the REST surface, and sync batches share trace IDs so one
// clipboard change can be followed across all three.
type Tracer struct {
	service string
	logger  *zap.Logger
	spans   chan *Span
	stop    chan struct{}
}

// New creates a tracer and starts its collector.
func New(service string, logger *zap.Logger) *Tracer {
	t := &Tracer{
		service: service,
		logger:  logger,
		spans:   make(chan *Span, 1000),
		stop:    make(chan struct{}),
	}
	go t.collect()
	return t
}

// Close stops the collector.
func (t *Tracer) Close() {
	close(t.stop)
}

// StartSpan opens a span, reusing the trace already on ctx or minting a new
// one. The returned context carries the span for child operations.
func (t *Tracer) StartSpan(ctx context.Context, name string) (*Span, context.Context) {
	traceID, _ := ctx.Value(traceIDKey).(TraceID)
	if traceID == "" {
		traceID = TraceID(id.NewTraceID())
	}
	parentID, _ := ctx.Value(spanIDKey).(SpanID)

	span := &Span{
		TraceID:   traceID,
		SpanID:    SpanID(id.NewSpanID()),
		ParentID:  parentID,
		Name:      name,
		Service:   t.service,
		StartTime: time.Now(),
		Tags:      make(map[string]string),
		tracer:    t,
	}

	ctx = context.WithValue(ctx, traceIDKey, traceID)
	ctx = context.WithValue(ctx, spanIDKey, span.SpanID)
	return span, ctx
}

// SetTag attaches a key/value tag.
func (s *Span) SetTag(key, value string) {
	s.Tags[key] = value
}

// SetError marks the span failed.
func (s *Span) SetError(err error) {
	s.Error = err
}

// SetStatus records an HTTP-style status code.
func (s *Span) SetStatus(code int) {
	s.StatusCode = code
}

// Finish closes the span and submits it; duration is computed if the caller
// did not set it.
func (s *Span) Finish() {
	if s.Duration == 0 {
		s.Duration = time.Since(s.StartTime)
	}
	s.tracer.submit(s)
}

// submit hands a span to the collector, dropping it when the buffer is full.
func (t *Tracer) submit(span *Span) {
	select {
	case t.spans <- span:
	default:
	}
}

func (t *Tracer) collect() {
	for {
		select {
		case span := <-t.spans:
			t.emit(span)
		case <-t.stop:
			return
		}
	}
}

func (t *Tracer) emit(span *Span) {
	fields := []zap.Field{
		zap.String("trace_id", string(span.TraceID)),
		zap.String("span_id", string(span.SpanID)),
		zap.String("service", span.Service),
		zap.Duration("duration", span.Duration),
	}
	if span.ParentID != "" {
		fields = append(fields, zap.String("parent_id", string(span.ParentID)))
	}
	if span.StatusCode != 0 {
		fields = append(fields, zap.Int("status", span.StatusCode))
	}
	for k, v := range span.Tags {
		fields = append(fields, zap.String(k, v))
	}
	if span.Error != nil {
		fields = append(fields, zap.Error(span.Error))
		t.logger.Warn("span "+span.Name, fields...)
		return
	}
	t.logger.Debug("span "+span.Name, fields...)
}

// ExtractTraceContext reads trace identifiers from transport headers.
func ExtractTraceContext(headers map[string]string) (TraceID, SpanID) {
	return TraceID(headers["X-Trace-ID"]), SpanID(headers["X-Span-ID"])
}
