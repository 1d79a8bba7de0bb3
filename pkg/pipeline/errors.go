package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for pipeline execution
var (
	// ErrNoStages indicates a request without any stage
	ErrNoStages = errors.New("pipeline has no stages")

	// ErrSpawn indicates a stage program could not be started
	ErrSpawn = errors.New("stage could not be spawned")

	// ErrStageFailed indicates a stage exited with a non-zero status
	ErrStageFailed = errors.New("stage exited with non-zero status")

	// ErrTimeout indicates the pipeline exceeded its time budget
	ErrTimeout = errors.New("pipeline timed out")

	// ErrCanceled indicates the caller abandoned the pipeline
	ErrCanceled = errors.New("pipeline canceled")
)

// Wire names for error classification.
const (
	KindSpawnFailure = "spawn_failure"
	KindStageFailure = "stage_failure"
	KindTimeout      = "timeout"
	KindCanceled     = "canceled"
	KindInvalid      = "invalid_request"
)

// SpawnError reports a stage whose program could not be started.
type SpawnError struct {
	Index   int
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("stage %d: cannot spawn %q: %v", e.Index, e.Program, e.Err)
}

func (e *SpawnError) Is(target error) bool {
	return target == ErrSpawn
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// StageError reports a stage that exited unsuccessfully.
type StageError struct {
	Index    int
	ExitCode int
}

func (e *StageError) Error() string {
	if e.ExitCode < 0 {
		return fmt.Sprintf("stage %d terminated by signal", e.Index)
	}
	return fmt.Sprintf("stage %d exited with status %d", e.Index, e.ExitCode)
}

func (e *StageError) Is(target error) bool {
	return target == ErrStageFailed
}

// TimeoutError reports the stage that was running when the pipeline deadline passed.
type TimeoutError struct {
	Index   int
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pipeline timed out after %s during stage %d", e.Timeout, e.Index)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ErrorKind classifies err into its wire name. A nil error yields "".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSpawn):
		return KindSpawnFailure
	case errors.Is(err, ErrStageFailed):
		return KindStageFailure
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrCanceled):
		return KindCanceled
	default:
		return KindInvalid
	}
}
