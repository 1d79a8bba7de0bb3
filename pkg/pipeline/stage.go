package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// stageRun is the raw result of one spawned stage.
type stageRun struct {
	result          StageResult
	stdout          []byte
	stdoutTruncated bool
	spawnErr        error
	// interrupted is set when ctx ended while the stage was running.
	interrupted bool
}

// runStage spawns argv, feeds it input when feed is set, and waits for it to
// exit or for ctx to end. The process group is killed on every path where
// the stage has not been reaped.
func (e *Executor) runStage(ctx context.Context, index int, argv []string, input []byte, feed bool, limit int) (run stageRun) {
	run.result = StageResult{Argv: append([]string(nil), argv...), ExitCode: -1}

	if len(argv) == 0 || argv[0] == "" {
		run.spawnErr = &SpawnError{Index: index, Err: errors.New("empty argv")}
		return run
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if cmd.Err != nil {
		run.spawnErr = &SpawnError{Index: index, Program: argv[0], Err: cmd.Err}
		return run
	}
	if e.cfg.Env != nil {
		cmd.Env = e.cfg.Env
	}
	setProcessGroup(cmd)

	stdout := newHeadBuffer(limit)
	stderr := newTailBuffer(e.cfg.MaxStderrBytes)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		run.spawnErr = &SpawnError{Index: index, Program: argv[0], Err: err}
		return run
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		run.spawnErr = &SpawnError{Index: index, Program: argv[0], Err: err}
		return run
	}
	var stdinPipe io.WriteCloser
	if feed {
		if stdinPipe, err = cmd.StdinPipe(); err != nil {
			run.spawnErr = &SpawnError{Index: index, Program: argv[0], Err: err}
			return run
		}
	}
	// Without feed cmd.Stdin stays nil, which exec maps to the null device.

	started := time.Now()
	if err := cmd.Start(); err != nil {
		run.spawnErr = &SpawnError{Index: index, Program: argv[0], Err: err}
		return run
	}

	reaped := false
	defer func() {
		if !reaped {
			killProcessGroup(cmd.Process)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(stdout, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(stderr, stderrPipe)
	}()
	if stdinPipe != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer stdinPipe.Close()
			if _, err := io.Copy(stdinPipe, bytes.NewReader(input)); err != nil && !ignorableWriteErr(err) {
				e.logger.Debug("stage stdin write failed", "stage", index, "program", argv[0], "error", err)
			}
		}()
	}

	done := make(chan error, 1)
	go func() {
		// Wait closes the pipes, so every reader must finish first.
		wg.Wait()
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		run.interrupted = true
		killProcessGroup(cmd.Process)
		select {
		case waitErr = <-done:
		case <-time.After(e.cfg.KillGrace):
			// A descendant outside the group may still hold the pipes open.
			_ = stdoutPipe.Close()
			_ = stderrPipe.Close()
			if stdinPipe != nil {
				_ = stdinPipe.Close()
			}
			waitErr = <-done
		}
	}
	reaped = true

	run.result.Duration = time.Since(started)
	run.result.Stderr = bytes.Clone(stderr.Bytes())
	run.result.StderrTruncated = stderr.truncated
	run.stdout = stdout.Bytes()
	run.stdoutTruncated = stdout.truncated
	run.result.StdoutTruncated = stdout.truncated

	if state := cmd.ProcessState; state != nil {
		run.result.ExitCode = state.ExitCode()
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		e.logger.Debug("stage wait failed", "stage", index, "program", argv[0], "error", waitErr)
	}

	return run
}

// ignorableWriteErr reports errors caused by a stage that stopped reading its
// stdin, which is legitimate behaviour for programs like head.
func ignorableWriteErr(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
