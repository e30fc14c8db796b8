// Package executor runs authorized plans under a pseudo-terminal.
//
// Each execution owns one pty pair and one child process. The child is a
// session leader, so signals go to its whole process group. Output is
// delivered in pty order through a bounded channel; the reader blocks
// rather than dropping data when the consumer falls behind.
package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/neoterm/neoterm/internal/config"
	"github.com/neoterm/neoterm/internal/sandbox"
)

// Engine spawns plans. It is safe for concurrent use; it holds settings only.
type Engine struct {
	Rows         uint16
	Cols         uint16
	BufferBytes  int           // unconsumed output allowed per execution
	ChunkSize    int           // maximum size of one output chunk
	GracePeriod  time.Duration // SIGTERM -> SIGKILL
	DrainTimeout time.Duration // output drain after the child exits
	Logger       *slog.Logger
}

// NewEngine creates an engine from the shell and execution configuration.
func NewEngine(cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Rows:         cfg.Shell.Rows,
		Cols:         cfg.Shell.Cols,
		BufferBytes:  cfg.Execution.BufferBytes,
		ChunkSize:    cfg.Execution.ChunkSize,
		GracePeriod:  cfg.Execution.GracePeriod,
		DrainTimeout: cfg.Execution.DrainTimeout,
		Logger:       logger,
	}
}

func (e *Engine) chunkSize() int {
	if e.ChunkSize <= 0 {
		return 4096
	}
	return e.ChunkSize
}

// capacity is the number of chunks the output channel holds.
func (e *Engine) capacity() int {
	n := e.BufferBytes / e.chunkSize()
	if n < 1 {
		return 1
	}
	return n
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Start spawns plan under a new pty. Cancelling ctx cancels the execution.
// On failure nothing is left running and every descriptor is closed.
func (e *Engine) Start(ctx context.Context, plan *sandbox.Plan) (*Handle, error) {
	args := plan.Args()
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = plan.Workdir
	cmd.Env = plan.Env

	size := &pty.Winsize{Rows: e.Rows, Cols: e.Cols}
	if size.Rows == 0 || size.Cols == 0 {
		size = nil
	}

	// Setsid makes the child a session and process group leader with the
	// pty as its controlling terminal.
	master, err := pty.StartWithAttrs(cmd, size, &syscall.SysProcAttr{Setsid: true, Setctty: true})
	if err != nil {
		return nil, newSpawnError(args[0], plan.Workdir, err)
	}

	h := &Handle{
		cmd:      cmd,
		master:   master,
		pid:      cmd.Process.Pid,
		out:      make(chan []byte, e.capacity()),
		stop:     make(chan struct{}),
		pumpDone: make(chan struct{}),
		done:     make(chan struct{}),
		started:  time.Now(),
		grace:    e.GracePeriod,
		logger:   e.logger().With("pid", cmd.Process.Pid),
	}

	go h.pump(e.chunkSize())
	go h.reap(e.DrainTimeout)

	if plan.TimeLimit > 0 {
		h.mu.Lock()
		h.limit = time.AfterFunc(plan.TimeLimit, func() { h.cancel(true) })
		h.mu.Unlock()
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.Cancel()
			case <-h.done:
			}
		}()
	}

	h.logger.Debug("process started", "command", plan.Command, "workdir", plan.Workdir)
	return h, nil
}

// Exit describes how an execution ended.
type Exit struct {
	Code      int            // -1 when the process was killed by a signal
	Signal    syscall.Signal // 0 unless killed by a signal
	Cancelled bool
	Escalated bool // SIGKILL was needed after the grace period
	TimedOut  bool // cancelled because the plan's time limit passed
	Duration  time.Duration
}

// Success reports a zero exit that was not cancelled.
func (x Exit) Success() bool {
	return x.Code == 0 && !x.Cancelled
}

// Handle is one running execution.
type Handle struct {
	cmd    *exec.Cmd
	master *os.File
	pid    int
	logger *slog.Logger
	grace  time.Duration

	out      chan []byte
	stop     chan struct{} // closed on cancel; the pump delivers nothing after
	pumpDone chan struct{}
	done     chan struct{} // closed once reaped and output closed

	started time.Time

	mu        sync.Mutex
	cancelled bool
	timedOut  bool
	escalated bool
	exited    bool
	escalate  *time.Timer
	limit     *time.Timer

	exit    Exit
	waitErr error
}

// PID returns the child's process id, which is also its process group id.
func (h *Handle) PID() int { return h.pid }

// Output returns the output sequence. It is closed when the process has
// exited and the pty has drained, or after cancellation. It cannot be
// restarted.
func (h *Handle) Output() <-chan []byte { return h.out }

// Done is closed once Wait would return without blocking.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel sends SIGTERM to the process group and returns without waiting.
// SIGKILL follows if the group is still alive after the grace period.
// Repeated calls and calls after exit are no-ops.
func (h *Handle) Cancel() error {
	return h.cancel(false)
}

func (h *Handle) cancel(timeout bool) error {
	h.mu.Lock()
	if h.cancelled || h.exited {
		h.mu.Unlock()
		return nil
	}
	h.cancelled = true
	h.timedOut = timeout
	close(h.stop)
	if h.grace > 0 {
		h.escalate = time.AfterFunc(h.grace, h.kill)
	}
	h.mu.Unlock()

	h.logger.Info("cancelling process", "timed_out", timeout)
	if err := signalGroup(h.pid, syscall.SIGTERM); err != nil {
		return err
	}
	if h.grace <= 0 {
		h.kill()
	}
	return nil
}

// kill escalates to SIGKILL unless the child has been reaped.
func (h *Handle) kill() {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.escalated = true
	h.mu.Unlock()

	h.logger.Warn("process ignored SIGTERM, sending SIGKILL")
	if err := signalGroup(h.pid, syscall.SIGKILL); err != nil {
		h.logger.Error("escalation failed", "error", err)
	}
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return &CancelError{PID: pid, Signal: sig, Err: err}
}

// Wait blocks until the child is reaped and output is closed. Repeated
// calls return the same result.
func (h *Handle) Wait(ctx context.Context) (Exit, error) {
	select {
	case <-h.done:
		return h.exit, h.waitErr
	case <-ctx.Done():
		return Exit{}, ctx.Err()
	}
}

// Resize changes the pty window size.
func (h *Handle) Resize(rows, cols uint16) error {
	return pty.Setsize(h.master, &pty.Winsize{Rows: rows, Cols: cols})
}

// Write forwards input to the child through the pty.
func (h *Handle) Write(p []byte) (int, error) {
	select {
	case <-h.done:
		return 0, os.ErrClosed
	default:
	}
	return h.master.Write(p)
}

// pump copies pty output into the channel. After cancellation it keeps
// reading so the child never blocks on a full pty, but delivers nothing.
func (h *Handle) pump(chunkSize int) {
	defer close(h.pumpDone)
	defer close(h.out)
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("output pump panicked", "panic", r)
		}
	}()

	buf := make([]byte, chunkSize)
	for {
		n, err := h.master.Read(buf)
		if n > 0 && !h.stopped() {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.deliver(chunk)
		}
		if err != nil {
			// EIO once the last slave descriptor closes is the pty's EOF.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				h.logger.Debug("pty read ended", "error", err)
			}
			return
		}
	}
}

// deliver sends chunk unless the handle is cancelled. A cancellation that
// is already visible wins over a ready receiver; select alone would pick
// between them at random.
func (h *Handle) deliver(chunk []byte) bool {
	if h.stopped() {
		return false
	}
	select {
	case h.out <- chunk:
		return true
	case <-h.stop:
		return false
	}
}

func (h *Handle) stopped() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

// reap waits for the child, then for the output to drain. Background
// processes that keep the pty open past drainTimeout are killed.
func (h *Handle) reap(drainTimeout time.Duration) {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.exited = true
	if h.escalate != nil {
		h.escalate.Stop()
	}
	if h.limit != nil {
		h.limit.Stop()
	}
	exit := Exit{
		Cancelled: h.cancelled,
		Escalated: h.escalated,
		TimedOut:  h.timedOut,
		Duration:  time.Since(h.started),
	}
	h.mu.Unlock()

	var waitErr error
	if state := h.cmd.ProcessState; state != nil {
		exit.Code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exit.Signal = ws.Signal()
		}
	} else if err != nil {
		exit.Code = -1
		waitErr = &RuntimeError{PID: h.pid, Err: err}
	}

	if drainTimeout <= 0 {
		drainTimeout = 2 * time.Second
	}
	timer := time.NewTimer(drainTimeout)
	select {
	case <-h.pumpDone:
		timer.Stop()
	case <-timer.C:
		h.logger.Warn("pty still open after exit, killing process group")
		_ = syscall.Kill(-h.pid, syscall.SIGKILL)
		_ = h.master.Close()
		<-h.pumpDone
	}
	_ = h.master.Close()

	h.exit = exit
	h.waitErr = waitErr
	h.logger.Debug("process reaped",
		"exit_code", exit.Code,
		"cancelled", exit.Cancelled,
		"escalated", exit.Escalated,
		"duration", exit.Duration,
	)
	close(h.done)
}
