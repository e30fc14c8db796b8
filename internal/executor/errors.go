package executor

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"syscall"

	nterrors "github.com/neoterm/neoterm/internal/errors"
)

// SpawnError reports a process that could not be started.
type SpawnError struct {
	Program string
	Workdir string
	Reason  string // "not found", "permission denied", "bad working directory", ...
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s: %s: %v", e.Program, e.Reason, e.Err)
}

// Unwrap exposes the structured error so errors.HasCode works.
func (e *SpawnError) Unwrap() error {
	return nterrors.Wrap(nterrors.CodeExecSpawn, "process could not be started", e.Err).
		WithDetail("program", e.Program).
		WithDetail("workdir", e.Workdir).
		WithDetail("reason", e.Reason)
}

func newSpawnError(program, workdir string, err error) *SpawnError {
	reason := "start failed"
	var pathErr *fs.PathError
	switch {
	case errors.Is(err, exec.ErrNotFound):
		reason = "not found"
	case errors.As(err, &pathErr) && pathErr.Op == "chdir":
		reason = "bad working directory"
	case errors.Is(err, fs.ErrPermission):
		reason = "permission denied"
	case errors.Is(err, fs.ErrNotExist):
		reason = "not found"
	}
	return &SpawnError{Program: program, Workdir: workdir, Reason: reason, Err: err}
}

// CancelError reports a signal that could not be delivered to a live
// process group. Signalling a process that has already exited is not an error.
type CancelError struct {
	PID    int
	Signal syscall.Signal
	Err    error
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("sending %v to process group %d: %v", e.Signal, e.PID, e.Err)
}

// Unwrap exposes the structured error so errors.HasCode works.
func (e *CancelError) Unwrap() error {
	return nterrors.Wrap(nterrors.CodeExecCancel, "signal delivery failed", e.Err).
		WithDetail("pid", e.PID).
		WithDetail("signal", e.Signal.String())
}

// RuntimeError reports a failure after the process started, other than a
// non-zero exit.
type RuntimeError struct {
	PID int
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("process %d: %v", e.PID, e.Err)
}

// Unwrap exposes the structured error so errors.HasCode works.
func (e *RuntimeError) Unwrap() error {
	return nterrors.Wrap(nterrors.CodeExecRuntime, "process failed", e.Err).
		WithDetail("pid", e.PID)
}
