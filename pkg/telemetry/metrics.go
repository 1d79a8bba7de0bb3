package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce              sync.Once
	metricsInitErr           error
	pipelineExecutionCounter metric.Int64Counter
	pipelineTimeoutCounter   metric.Int64Counter
	pipelineTruncatedCounter metric.Int64Counter
	pipelineLatencyHistogram metric.Float64Histogram
	stageExecutionCounter    metric.Int64Counter
)

// PipelineMetrics captures the fields needed to record one pipeline execution.
type PipelineMetrics struct {
	Name      string
	Stages    int
	Outcome   string
	Duration  time.Duration
	Truncated bool
}

// StageMetrics captures one finished stage.
type StageMetrics struct {
	Name     string
	Index    int
	Program  string
	ExitCode int
}

// RecordPipelineMetrics emits counters and histograms that describe pipeline execution behaviour.
func RecordPipelineMetrics(ctx context.Context, m PipelineMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("pipeline.name", m.Name),
		attribute.Int("pipeline.stages", m.Stages),
		attribute.String("pipeline.outcome", m.Outcome),
	)

	pipelineExecutionCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		pipelineLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	if m.Outcome == "timeout" {
		pipelineTimeoutCounter.Add(ctx, 1, attrs)
	}
	if m.Truncated {
		pipelineTruncatedCounter.Add(ctx, 1, attrs)
	}
}

// RecordStageMetrics counts a finished stage by program and exit status.
func RecordStageMetrics(ctx context.Context, m StageMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	stageExecutionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline.name", m.Name),
		attribute.Int("stage.index", m.Index),
		attribute.String("stage.program", m.Program),
		attribute.Int("stage.exit_code", m.ExitCode),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis_exec.pipeline")

		pipelineExecutionCounter, metricsInitErr = meter.Int64Counter(
			"polis_exec.pipeline.executions_total",
			metric.WithDescription("Pipeline executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		pipelineTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"polis_exec.pipeline.timeout_total",
			metric.WithDescription("Pipelines terminated because their deadline passed"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		pipelineTruncatedCounter, metricsInitErr = meter.Int64Counter(
			"polis_exec.pipeline.truncated_total",
			metric.WithDescription("Pipelines whose captured output exceeded the capture limit"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageExecutionCounter, metricsInitErr = meter.Int64Counter(
			"polis_exec.stage.executions_total",
			metric.WithDescription("Finished pipeline stages by program and exit status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		pipelineLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"polis_exec.pipeline.duration_ms",
			metric.WithDescription("Observed pipeline wall-clock latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
