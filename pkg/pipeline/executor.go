// Package pipeline runs operator-defined command chains as child processes.
//
// Stages run strictly one after another: the captured stdout of stage i is fed
// to stage i+1 only after stage i has exited. A single deadline covers the
// whole chain, and every stage lives in its own process group so a timeout
// can take down anything the stage spawned.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-exec/pkg/telemetry"
)

// Defaults applied when the corresponding Config field is zero.
const (
	DefaultTimeout        = 60 * time.Second
	DefaultMaxOutputBytes = 4 << 20
	DefaultMaxStderrBytes = 8 << 10
	DefaultMaxStageBytes  = 64 << 20
	DefaultKillGrace      = 2 * time.Second
)

// Config holds executor-wide limits.
type Config struct {
	DefaultTimeout time.Duration
	MaxOutputBytes int
	MaxStderrBytes int
	MaxStageBytes  int
	// KillGrace is how long to wait for a killed stage's pipes to drain
	// before they are closed from our side.
	KillGrace time.Duration
	// Env replaces the child environment when non-nil.
	Env []string
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if c.MaxStderrBytes <= 0 {
		c.MaxStderrBytes = DefaultMaxStderrBytes
	}
	if c.MaxStageBytes <= 0 {
		c.MaxStageBytes = DefaultMaxStageBytes
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	return c
}

// Request describes one pipeline execution.
type Request struct {
	// Name identifies the pipeline in logs, spans and metrics.
	Name   string
	Stages [][]string
	Input  []byte
	// HasInput selects Input as stage 0 stdin. Without it stage 0 reads the null device.
	HasInput bool
	// Secret marks Input as sensitive: it is never logged and is scrubbed from captures.
	Secret bool
	// Timeout overrides Config.DefaultTimeout when positive.
	Timeout time.Duration
}

// StageResult is what one spawned stage produced.
type StageResult struct {
	Argv []string
	// ExitCode is -1 when the stage was terminated by a signal or never started.
	ExitCode        int
	Stderr          []byte
	StderrTruncated bool
	// StdoutTruncated is set when the stage wrote more than its capture limit.
	// For intermediate stages the next stage only saw the captured prefix.
	StdoutTruncated bool
	Duration        time.Duration
}

// Outcome is the structured result of Execute. Failures are reported in Err,
// never as a Go error from Execute itself.
type Outcome struct {
	Stages          []StageResult
	Stdout          []byte
	StdoutTruncated bool
	Succeeded       bool
	FailedStage     *int
	Err             error
}

// Truncated reports whether any capture hit its limit, including the stdout
// handed from one stage to the next.
func (o Outcome) Truncated() bool {
	if o.StdoutTruncated {
		return true
	}
	for _, s := range o.Stages {
		if s.StderrTruncated || s.StdoutTruncated {
			return true
		}
	}
	return false
}

// FailedStageResult returns the result of the stage that stopped the chain.
func (o Outcome) FailedStageResult() (StageResult, bool) {
	if o.FailedStage == nil || *o.FailedStage >= len(o.Stages) {
		return StageResult{}, false
	}
	return o.Stages[*o.FailedStage], true
}

// ExitCode returns the exit status of the failed stage, or of the last stage
// that ran. It is 0 when no stage ran.
func (o Outcome) ExitCode() int {
	if s, ok := o.FailedStageResult(); ok {
		return s.ExitCode
	}
	if len(o.Stages) == 0 {
		return 0
	}
	return o.Stages[len(o.Stages)-1].ExitCode
}

// Observer receives lifecycle callbacks. Implementations must be safe for
// concurrent use.
type Observer interface {
	StageStarted(ctx context.Context, name string, index int, program string)
	PipelineFinished(ctx context.Context, name string, outcome *Outcome, elapsed time.Duration)
}

// Executor runs pipelines. It holds no per-request state and is safe for
// concurrent use.
type Executor struct {
	cfg      Config
	logger   *slog.Logger
	observer Observer
}

// New constructs an Executor. logger and observer may be nil.
func New(cfg Config, logger *slog.Logger, observer Observer) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "pipeline"),
		observer: observer,
	}
}

// Config returns the effective executor configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// Execute runs req to completion, timeout or cancellation.
func (e *Executor) Execute(ctx context.Context, req Request) (out Outcome) {
	start := time.Now()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("pipeline.name", req.Name),
		attribute.Int("pipeline.stages", len(req.Stages)),
		attribute.Bool("pipeline.secret_input", req.Secret),
	))
	defer span.End()

	redactions := 0
	defer func() {
		out.Succeeded = out.Err == nil
		telemetry.RecordRedaction(span, redactions)
		e.finish(ctx, span, req, &out, time.Since(start))
	}()

	if len(req.Stages) == 0 {
		out.Err = ErrNoStages
		return out
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var needle []byte
	if req.Secret && req.HasInput {
		needle = secretNeedle(req.Input)
	}

	input, feed := req.Input, req.HasInput
	last := len(req.Stages) - 1

	for i, argv := range req.Stages {
		if runCtx.Err() != nil {
			out.Err = e.interruption(ctx, i, timeout)
			out.FailedStage = intPtr(i)
			return out
		}

		limit := e.cfg.MaxStageBytes
		if i == last {
			limit = e.cfg.MaxOutputBytes
		}

		program := ""
		if len(argv) > 0 {
			program = argv[0]
		}
		if e.observer != nil {
			e.observer.StageStarted(ctx, req.Name, i, program)
		}
		e.logger.Debug("stage starting", "pipeline", req.Name, "stage", i, "program", program)

		run := e.runStage(runCtx, i, argv, input, feed, limit)

		res := run.result
		var scrubbed bool
		if res.Stderr, scrubbed = redactTail(res.Stderr, needle, res.StderrTruncated); scrubbed {
			redactions++
		}
		out.Stages = append(out.Stages, res)
		telemetry.RecordStageEvent(span, i, program, res.ExitCode, res.Duration)
		telemetry.RecordStageMetrics(ctx, telemetry.StageMetrics{Name: req.Name, Index: i, Program: program, ExitCode: res.ExitCode})

		switch {
		case run.spawnErr != nil:
			out.Err = run.spawnErr
			out.FailedStage = intPtr(i)
			return out
		case run.interrupted:
			out.Err = e.interruption(ctx, i, timeout)
			out.FailedStage = intPtr(i)
			return out
		case res.ExitCode != 0:
			out.Err = &StageError{Index: i, ExitCode: res.ExitCode}
			out.FailedStage = intPtr(i)
			return out
		}

		if i == last {
			if out.Stdout, scrubbed = redactHead(run.stdout, needle, run.stdoutTruncated); scrubbed {
				redactions++
			}
			out.StdoutTruncated = run.stdoutTruncated
			break
		}

		// A truncated intermediate capture is still passed on. The stage result
		// carries the flag.
		input, feed = run.stdout, true
	}

	return out
}

// interruption classifies why runCtx ended while stage index was current.
func (e *Executor) interruption(parent context.Context, index int, timeout time.Duration) error {
	if parent.Err() != nil {
		return fmt.Errorf("stage %d: %w", index, ErrCanceled)
	}
	return &TimeoutError{Index: index, Timeout: timeout}
}

func (e *Executor) finish(ctx context.Context, span trace.Span, req Request, out *Outcome, elapsed time.Duration) {
	kind := ErrorKind(out.Err)
	outcome := kind
	if outcome == "" {
		outcome = "success"
	}

	if out.Err != nil {
		span.SetStatus(codes.Error, kind)
		span.SetAttributes(attribute.String("pipeline.error_kind", kind))
		if out.FailedStage != nil {
			span.SetAttributes(attribute.Int("pipeline.failed_stage", *out.FailedStage))
		}
	}

	telemetry.RecordPipelineMetrics(ctx, telemetry.PipelineMetrics{
		Name:      req.Name,
		Stages:    len(req.Stages),
		Outcome:   outcome,
		Duration:  elapsed,
		Truncated: out.Truncated(),
	})

	attrs := []any{
		"pipeline", req.Name,
		"stages_run", len(out.Stages),
		"duration", elapsed,
		"succeeded", out.Err == nil,
	}
	switch {
	case out.Err == nil:
		e.logger.Info("pipeline finished", attrs...)
	case errors.Is(out.Err, ErrStageFailed):
		e.logger.Info("pipeline stopped at failing stage", append(attrs, "error_kind", kind, "failed_stage", *out.FailedStage, "exit_code", out.ExitCode())...)
	default:
		e.logger.Warn("pipeline failed", append(attrs, "error_kind", kind, "error", out.Err)...)
	}

	if e.observer != nil {
		e.observer.PipelineFinished(ctx, req.Name, out, elapsed)
	}
}

func intPtr(i int) *int {
	return &i
}
