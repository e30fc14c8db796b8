// Package block tracks one command execution as a user-addressable unit
// with a status, captured output and timestamps.
package block

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"

	nterrors "github.com/neoterm/neoterm/internal/errors"
	"github.com/neoterm/neoterm/internal/render"
)

// Status represents the lifecycle state of a block.
type Status string

const (
	StatusQueued    Status = "queued"    // Waiting for a pty slot
	StatusRunning   Status = "running"   // Process spawned
	StatusDone      Status = "done"      // Exited with status zero
	StatusError     Status = "error"     // Non-zero exit, spawn failure or rejected before spawn
	StatusCancelled Status = "cancelled" // Cancelled before natural exit
)

// Valid returns true if this is a recognized status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusDone, StatusError, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true if this status is final.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// CanTransitionTo returns true if transitioning from s to target is valid.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusQueued:
		return target == StatusRunning || target == StatusError || target == StatusCancelled
	case StatusRunning:
		return target == StatusDone || target == StatusError || target == StatusCancelled
	}
	return false // Terminal states
}

// SourceKind says where a block's command came from.
type SourceKind string

const (
	SourceTyped    SourceKind = "typed"
	SourceWorkflow SourceKind = "workflow"
)

// Source is the command a block runs.
type Source struct {
	Kind         SourceKind
	Command      string
	WorkflowName string
	Rendered     *render.RenderedCommand // nil for typed and restored sources
}

// Typed creates a source for a free-typed command.
func Typed(command string) Source {
	return Source{Kind: SourceTyped, Command: command}
}

// FromWorkflow creates a source for a rendered workflow.
func FromWorkflow(rc *render.RenderedCommand) Source {
	return Source{Kind: SourceWorkflow, Command: rc.Command(), WorkflowName: rc.Workflow(), Rendered: rc}
}

// Transition is a status change, reported to the Recorder.
type Transition struct {
	Seq         uint64
	ID          uuid.UUID
	From        Status
	To          Status
	At          time.Time
	ExitCode    *int
	Err         string
	OutputBytes int
	OutputLines int
}

// Recorder receives every transition of a block. It is called outside the
// block's lock, in transition order.
type Recorder interface {
	Record(Transition)
}

type canceller interface {
	Cancel() error
}

// Block is one tracked execution. Reads are safe from any goroutine; the
// driver running the block is its only writer.
type Block struct {
	mu sync.RWMutex

	seq       uint64
	id        uuid.UUID
	source    Source
	workdir   string
	status    Status
	output    []byte
	newlines  int
	createdAt time.Time
	startedAt *time.Time
	endedAt   *time.Time
	exitCode  *int
	err       string

	recorder  Recorder
	handle    canceller
	cancelled bool // cancellation requested; output is no longer appended
	done      chan struct{}

	// serializes recorder calls so they arrive in transition order
	notify sync.Mutex
}

// New creates a queued block.
func New(seq uint64, src Source, workdir string, at time.Time) *Block {
	return &Block{
		seq:       seq,
		id:        uuid.New(),
		source:    src,
		workdir:   workdir,
		status:    StatusQueued,
		createdAt: at,
		done:      make(chan struct{}),
	}
}

// Restore recreates a block from persisted state. Restored blocks are
// never running: a block that was live when it was saved is restored as
// an error.
func Restore(s Snapshot) *Block {
	b := &Block{
		seq:       s.Seq,
		id:        s.ID,
		source:    s.Source,
		workdir:   s.Workdir,
		status:    s.Status,
		output:    bytes.Clone(s.Output),
		newlines:  bytes.Count(s.Output, []byte{'\n'}),
		createdAt: s.CreatedAt,
		startedAt: s.StartedAt,
		endedAt:   s.EndedAt,
		exitCode:  s.ExitCode,
		err:       s.Err,
		done:      make(chan struct{}),
	}
	if !b.status.IsTerminal() {
		b.status = StatusError
		b.err = "session ended before the block finished"
		if b.endedAt == nil {
			t := s.CreatedAt
			b.endedAt = &t
		}
	}
	close(b.done)
	return b
}

// SetRecorder attaches the recorder that receives transitions.
func (b *Block) SetRecorder(r Recorder) {
	b.mu.Lock()
	b.recorder = r
	b.mu.Unlock()
}

func (b *Block) Seq() uint64 { return b.seq }

func (b *Block) ID() uuid.UUID { return b.id }

func (b *Block) Source() Source { return b.source }

func (b *Block) Workdir() string { return b.workdir }

func (b *Block) CreatedAt() time.Time { return b.createdAt }

// Status returns the current status.
func (b *Block) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Output returns a copy of the captured output.
func (b *Block) Output() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bytes.Clone(b.output)
}

// OutputFrom returns a copy of the output past offset off.
func (b *Block) OutputFrom(off int) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if off >= len(b.output) {
		return nil
	}
	return bytes.Clone(b.output[max(off, 0):])
}

// OutputSize returns the captured byte and line counts.
func (b *Block) OutputSize() (bytes, lines int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.output), b.lines()
}

func (b *Block) lines() int {
	n := b.newlines
	if len(b.output) > 0 && b.output[len(b.output)-1] != '\n' {
		n++
	}
	return n
}

// Done is closed when the block reaches a terminal status.
func (b *Block) Done() <-chan struct{} { return b.done }

// Snapshot is a consistent copy of a block's state.
type Snapshot struct {
	Seq       uint64
	ID        uuid.UUID
	Source    Source
	Workdir   string
	Status    Status
	Output    []byte
	Lines     int
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	ExitCode  *int
	Err       string
}

// Snapshot returns a copy of the block's state.
func (b *Block) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{
		Seq:       b.seq,
		ID:        b.id,
		Source:    b.source,
		Workdir:   b.workdir,
		Status:    b.status,
		Output:    bytes.Clone(b.output),
		Lines:     b.lines(),
		CreatedAt: b.createdAt,
		StartedAt: cloneTime(b.startedAt),
		EndedAt:   cloneTime(b.endedAt),
		ExitCode:  cloneInt(b.exitCode),
		Err:       b.err,
	}
}

// Transition moves the block to status to.
func (b *Block) Transition(to Status, at time.Time) error {
	return b.Finish(to, at, nil, "")
}

// Finish moves the block to status to, recording the exit code and error
// detail when to is terminal.
func (b *Block) Finish(to Status, at time.Time, exitCode *int, detail string) error {
	b.notify.Lock()
	defer b.notify.Unlock()

	b.mu.Lock()
	tr, err := b.transitionLocked(to, at, exitCode, detail)
	rec := b.recorder
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if rec != nil {
		rec.Record(tr)
	}
	return nil
}

func (b *Block) transitionLocked(to Status, at time.Time, exitCode *int, detail string) (Transition, error) {
	from := b.status
	if !from.CanTransitionTo(to) {
		return Transition{}, nterrors.BlockInvalidTransition(b.seq, string(from), string(to))
	}

	b.status = to
	switch {
	case to == StatusRunning:
		b.startedAt = &at
	case to.IsTerminal():
		b.endedAt = &at
		b.exitCode = cloneInt(exitCode)
		b.err = detail
		close(b.done)
	}

	return Transition{
		Seq:         b.seq,
		ID:          b.id,
		From:        from,
		To:          to,
		At:          at,
		ExitCode:    cloneInt(exitCode),
		Err:         detail,
		OutputBytes: len(b.output),
		OutputLines: b.lines(),
	}, nil
}

// Append adds output. It is ignored once the block is terminal or
// cancellation has been requested.
func (b *Block) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.IsTerminal() || b.cancelled {
		return
	}
	b.output = append(b.output, p...)
	b.newlines += bytes.Count(p, []byte{'\n'})
}

// attach records the running handle and moves the block to running. It
// fails if the block left the queued state in the meantime.
func (b *Block) attach(h canceller, at time.Time) error {
	b.notify.Lock()
	defer b.notify.Unlock()

	b.mu.Lock()
	tr, err := b.transitionLocked(StatusRunning, at, nil, "")
	if err == nil {
		b.handle = h
	}
	rec := b.recorder
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if rec != nil {
		rec.Record(tr)
	}
	return nil
}

// Cancel cancels the block. A queued block becomes cancelled at once; a
// running block has its process cancelled and settles when the process
// exits. Cancelling a terminal block is a no-op.
func (b *Block) Cancel() error {
	b.mu.Lock()
	switch {
	case b.status.IsTerminal():
		b.mu.Unlock()
		return nil
	case b.status == StatusQueued:
		b.mu.Unlock()
		err := b.Finish(StatusCancelled, time.Now(), nil, "cancelled before start")
		if nterrors.HasCode(err, nterrors.CodeBlockInvalidTransition) {
			// Lost a race with the driver; cancel whatever it started.
			return b.Cancel()
		}
		return err
	}
	b.cancelled = true
	h := b.handle
	b.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.Cancel()
}

// Fail moves a queued block straight to error. It is used for requests
// rejected before spawn, which still leave an audit block.
func Fail(b *Block, cause error) error {
	return b.Finish(StatusError, time.Now(), nil, cause.Error())
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}
