package debug

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"streamrelay/internal/models"
)

// TraceRecorder maps each frame to an OpenTelemetry span. Particles become span events.
type TraceRecorder struct {
	tracer trace.Tracer
	mu     sync.Mutex
	spans  map[string]trace.Span
}

func NewTraceRecorder(tracer trace.Tracer) *TraceRecorder {
	return &TraceRecorder{tracer: tracer, spans: make(map[string]trace.Span)}
}

func (r *TraceRecorder) CreateFrame(ctx context.Context) string {
	id := uuid.NewString()
	_, span := r.tracer.Start(ctx, "upstream.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("frame.id", id)),
	)

	r.mu.Lock()
	r.spans[id] = span
	r.mu.Unlock()
	return id
}

func (r *TraceRecorder) SetRequest(id, url string, _ http.Header, body []byte) {
	if span := r.span(id); span != nil {
		span.SetAttributes(
			attribute.String("url.full", url),
			attribute.Int("http.request.body.size", len(body)),
		)
	}
}

func (r *TraceRecorder) AddParticle(id string, ev models.Event) {
	span := r.span(id)
	if span == nil {
		return
	}
	switch ev.Kind {
	case models.EventText:
		span.AddEvent("text", trace.WithAttributes(attribute.Int("text.length", len(ev.Text))))
	case models.EventSet:
		span.AddEvent("set", trace.WithAttributes(
			attribute.String("model", ev.Set.Model),
			attribute.Int("tokens.input", ev.Set.InputTokens),
			attribute.Int("tokens.output", ev.Set.OutputTokens),
		))
	case models.EventIssue:
		span.AddEvent("issue", trace.WithAttributes(
			attribute.String("issue.id", ev.IssueID),
			attribute.String("issue.text", ev.IssueText),
		))
	default:
		span.AddEvent(string(ev.Kind))
	}
}

func (r *TraceRecorder) CompleteFrame(id string, t models.Termination) {
	r.mu.Lock()
	span, ok := r.spans[id]
	delete(r.spans, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.String("termination", t.String()))
	if t.Reason == models.ReasonError {
		span.SetStatus(codes.Error, string(t.Error))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (r *TraceRecorder) span(id string) trace.Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spans[id]
}
