package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "boardsync/server/api"
	moveSpanName    = "board.task_move"
	moveEventName   = "task_move"
	moveEventDomain = "boardsync"
)

// moveRequestMetrics collects timings and outcome for one move request
// and emits them as a structured log entry plus an OTel span.
type moveRequestMetrics struct {
	logger *log.Logger
	span   trace.Span

	start         time.Time
	authDuration  time.Duration
	storeDuration time.Duration
	room          string
	errorStage    string
}

func newMoveRequestMetrics(ctx context.Context, logger *log.Logger) (*moveRequestMetrics, context.Context) {
	m := &moveRequestMetrics{logger: logger, start: time.Now()}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, moveSpanName)
	m.span = span
	return m, spanCtx
}

func (m *moveRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *moveRequestMetrics) ObserveStore(d time.Duration) {
	if d > 0 {
		m.storeDuration = d
	}
}

func (m *moveRequestMetrics) SetRoom(room string) {
	m.room = room
}

func (m *moveRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log finalizes the span and emits the observability event. It must be
// called exactly once per request.
func (m *moveRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	totalMs := durationToMillis(time.Since(m.start))

	attrs := []attribute.KeyValue{
		attribute.String("http.route", "/api/tasks/:id/move"),
		attribute.Int("http.status_code", status),
		attribute.Float64("boardsync.move.total_ms", totalMs),
		attribute.Float64("boardsync.move.auth_ms", durationToMillis(m.authDuration)),
		attribute.Float64("boardsync.move.store_ms", durationToMillis(m.storeDuration)),
	}
	if m.room != "" {
		attrs = append(attrs, attribute.String("boardsync.move.room", m.room))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("boardsync.move.error_stage", m.errorStage))
	}

	severityText, severityNumber := "INFO", 9
	if err != nil || m.errorStage != "" {
		severityText, severityNumber = "ERROR", 17
	}

	traceID := ""
	if m.span != nil {
		m.span.SetAttributes(attrs...)
		m.span.AddEvent("observability.event", trace.WithAttributes(attrs...))
		if err != nil {
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, err.Error())
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      moveEventName,
		"event.domain":    moveEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attributeMap(attrs),
	}
	if traceID != "" {
		fields["trace_id"] = traceID
	}
	entry := m.logger.WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Info("observability.event")
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
