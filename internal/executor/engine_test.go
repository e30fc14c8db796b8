package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	nterrors "github.com/neoterm/neoterm/internal/errors"
	"github.com/neoterm/neoterm/internal/logging"
	"github.com/neoterm/neoterm/internal/sandbox"
	"github.com/neoterm/neoterm/internal/testutil"
)

func testEngine() *Engine {
	return &Engine{
		Rows:         24,
		Cols:         80,
		BufferBytes:  64 * 1024,
		ChunkSize:    1024,
		GracePeriod:  500 * time.Millisecond,
		DrainTimeout: time.Second,
		Logger:       logging.NewForTest(),
	}
}

func plan(command string) *sandbox.Plan {
	return &sandbox.Plan{
		Command: command,
		Shell:   "/bin/sh",
		Workdir: os.TempDir(),
		Env:     []string{"PATH=/usr/bin:/bin", "TERM=" + sandbox.DefaultTerm},
	}
}

func collect(h *Handle) []byte {
	var buf bytes.Buffer
	for chunk := range h.Output() {
		buf.Write(chunk)
	}
	return buf.Bytes()
}

func waitExit(t *testing.T, h *Handle) Exit {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exit, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return exit
}

func TestStart_Echo(t *testing.T) {
	testutil.RequirePTY(t)

	h, err := testEngine().Start(context.Background(), plan("echo hello; echo oops >&2"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if h.PID() <= 0 {
		t.Errorf("PID = %d", h.PID())
	}

	out := string(collect(h))
	exit := waitExit(t, h)

	if exit.Code != 0 || !exit.Success() {
		t.Errorf("exit = %+v", exit)
	}
	// The pty merges stdout and stderr in the order they were written.
	hello := strings.Index(out, "hello")
	oops := strings.Index(out, "oops")
	if hello < 0 || oops < 0 || hello > oops {
		t.Errorf("unexpected output %q", out)
	}
}

func TestStart_NonZeroExit(t *testing.T) {
	testutil.RequirePTY(t)

	h, err := testEngine().Start(context.Background(), plan("exit 3"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	collect(h)
	exit := waitExit(t, h)
	if exit.Code != 3 || exit.Success() || exit.Cancelled {
		t.Errorf("exit = %+v", exit)
	}
}

func TestStart_OrderedOutput(t *testing.T) {
	testutil.RequirePTY(t)

	e := testEngine()
	e.ChunkSize = 16
	e.BufferBytes = 32 // two chunks; the reader must block, not drop

	h, err := e.Start(context.Background(), plan("i=0; while [ $i -lt 500 ]; do echo line$i; i=$((i+1)); done"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond) // let the producer hit the bound
	out := strings.ReplaceAll(string(collect(h)), "\r\n", "\n")
	waitExit(t, h)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 500 {
		t.Fatalf("expected 500 lines, got %d", len(lines))
	}
	if lines[0] != "line0" || lines[499] != "line499" {
		t.Errorf("unexpected first/last lines %q %q", lines[0], lines[499])
	}
}

func TestStart_SpawnErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *sandbox.Plan)
		reason string
	}{
		{"missing shell", func(p *sandbox.Plan) { p.Shell = "/nonexistent/shell" }, "not found"},
		{"bad workdir", func(p *sandbox.Plan) { p.Workdir = "/nonexistent/dir" }, "bad working directory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.RequirePTY(t)
			p := plan("true")
			tt.mutate(p)

			h, err := testEngine().Start(context.Background(), p)
			if h != nil {
				t.Error("failed start must not return a handle")
			}
			var spawn *SpawnError
			if !errors.As(err, &spawn) {
				t.Fatalf("expected *SpawnError, got %v", err)
			}
			if spawn.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", spawn.Reason, tt.reason)
			}
			if !nterrors.HasCode(err, nterrors.CodeExecSpawn) {
				t.Errorf("expected %s", nterrors.CodeExecSpawn)
			}
		})
	}
}

func TestCancel(t *testing.T) {
	testutil.RequirePTY(t)

	h, err := testEngine().Start(context.Background(), plan("echo started; sleep 30"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	first := <-h.Output()
	if !strings.Contains(string(first), "started") {
		t.Errorf("first chunk = %q", first)
	}

	if err := h.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if err := h.Cancel(); err != nil {
		t.Errorf("second Cancel should be a no-op, got %v", err)
	}

	rest := collect(h)
	exit := waitExit(t, h)
	if !exit.Cancelled || exit.Escalated {
		t.Errorf("exit = %+v", exit)
	}
	if exit.Signal == 0 {
		t.Error("expected the process to be killed by a signal")
	}
	if exit.Duration > 5*time.Second {
		t.Errorf("cancel took %v", exit.Duration)
	}
	if len(rest) != 0 {
		t.Errorf("output delivered after cancellation: %q", rest)
	}
}

func TestDeliver_AfterStop(t *testing.T) {
	h := &Handle{out: make(chan []byte, 4), stop: make(chan struct{})}

	if !h.deliver([]byte("before")) {
		t.Fatal("deliver before cancel should send")
	}
	close(h.stop)
	for i := 0; i < 1000; i++ {
		if h.deliver([]byte("after")) {
			t.Fatalf("chunk delivered after cancel on attempt %d", i)
		}
	}
	if got := len(h.out); got != 1 {
		t.Errorf("queued chunks = %d, want 1", got)
	}
}

func TestCancel_NoOutputAfterCancel(t *testing.T) {
	testutil.RequirePTY(t)

	e := testEngine()
	e.ChunkSize = 16
	e.BufferBytes = 64
	e.GracePeriod = 300 * time.Millisecond

	// the shell ignores SIGTERM and keeps writing until SIGKILL
	h, err := e.Start(context.Background(), plan("trap '' TERM; while :; do echo tick; done"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-h.Output()

	if err := h.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	queued := cap(h.out)
	rest := collect(h)
	exit := waitExit(t, h)

	if !exit.Escalated {
		t.Errorf("expected escalation, exit = %+v", exit)
	}
	if limit := queued * e.ChunkSize; len(rest) > limit {
		t.Errorf("received %d bytes after cancel, more than the %d already queued", len(rest), limit)
	}
}

func TestCancel_Escalates(t *testing.T) {
	testutil.RequirePTY(t)

	e := testEngine()
	e.GracePeriod = 200 * time.Millisecond

	h, err := e.Start(context.Background(), plan("trap '' TERM; echo ready; while :; do sleep 1; done"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-h.Output()

	if err := h.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	collect(h)
	exit := waitExit(t, h)
	if !exit.Cancelled || !exit.Escalated {
		t.Errorf("exit = %+v", exit)
	}
}

func TestCancel_AfterExit(t *testing.T) {
	testutil.RequirePTY(t)

	h, err := testEngine().Start(context.Background(), plan("true"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	collect(h)
	before := waitExit(t, h)

	if err := h.Cancel(); err != nil {
		t.Errorf("Cancel after exit should succeed, got %v", err)
	}
	after := waitExit(t, h)
	if after != before || after.Cancelled {
		t.Errorf("Wait changed after cancel: %+v -> %+v", before, after)
	}
}

func TestStart_TimeLimit(t *testing.T) {
	testutil.RequirePTY(t)

	p := plan("sleep 30")
	p.TimeLimit = 200 * time.Millisecond

	h, err := testEngine().Start(context.Background(), p)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	collect(h)
	exit := waitExit(t, h)
	if !exit.TimedOut || !exit.Cancelled {
		t.Errorf("exit = %+v", exit)
	}
}

func TestStart_ContextCancel(t *testing.T) {
	testutil.RequirePTY(t)

	ctx, cancel := context.WithCancel(context.Background())
	h, err := testEngine().Start(ctx, plan("sleep 30"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	cancel()
	collect(h)
	if exit := waitExit(t, h); !exit.Cancelled {
		t.Errorf("exit = %+v", exit)
	}
}

func TestWait_ContextDeadline(t *testing.T) {
	testutil.RequirePTY(t)

	h, err := testEngine().Start(context.Background(), plan("sleep 30"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		h.Cancel()
		collect(h)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestHandle_WriteAndResize(t *testing.T) {
	testutil.RequirePTY(t)

	h, err := testEngine().Start(context.Background(), plan("read line; echo got:$line; stty size"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.Resize(40, 100); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	if _, err := h.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	out := string(collect(h))
	waitExit(t, h)
	if !strings.Contains(out, "got:ping") {
		t.Errorf("input not forwarded: %q", out)
	}
	if !strings.Contains(out, "40 100") {
		t.Errorf("resize not applied: %q", out)
	}

	if _, err := h.Write([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Write after exit = %v", err)
	}
}
