package telemetry

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordStageEvent appends a finished stage to the execution span. Only the
// program name is attached; arguments may carry operator secrets.
func RecordStageEvent(span trace.Span, index int, program string, exitCode int, elapsed time.Duration) {
	if !span.IsRecording() {
		return
	}

	span.AddEvent("pipeline.stage", trace.WithAttributes(
		attribute.Int("stage.index", index),
		attribute.String("stage.program", program),
		attribute.Int("stage.exit_code", exitCode),
		attribute.Int64("stage.duration_ms", elapsed.Milliseconds()),
	))
}

// RecordRedaction notes that secret input was scrubbed from captured excerpts.
func RecordRedaction(span trace.Span, excerpts int) {
	if !span.IsRecording() || excerpts == 0 {
		return
	}

	span.AddEvent("pipeline.redaction", trace.WithAttributes(
		attribute.Int("redaction.excerpts", excerpts),
	))
}
