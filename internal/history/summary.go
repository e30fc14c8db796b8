package history

import (
	"time"

	"github.com/neoterm/neoterm/internal/block"
)

// Kind identifies what a log entry records.
type Kind string

const (
	KindBlock      Kind = "block"      // A block was appended
	KindTransition Kind = "transition" // A block changed status
	KindEdit       Kind = "edit"       // A view edit was applied, undone or redone
)

// Visibility is the view state of one block. It never affects the
// execution record.
type Visibility struct {
	Hidden    bool `yaml:"hidden,omitempty"`
	Collapsed bool `yaml:"collapsed,omitempty"`
}

// EditOp names a view edit.
type EditOp string

const (
	OpHide     EditOp = "hide"
	OpShow     EditOp = "show"
	OpCollapse EditOp = "collapse"
	OpExpand   EditOp = "expand"
	OpUndo     EditOp = "undo"
	OpRedo     EditOp = "redo"
)

// Edit is one visibility change of one block.
type Edit struct {
	Seq    uint64
	Op     EditOp
	Before Visibility
	After  Visibility
}

// Entry is one position in the history log.
//
// Block entries carry the block's latest known state and view; they are
// rewritten as the block transitions. Transition and edit entries never
// change once appended.
type Entry struct {
	Kind Kind
	Seq  uint64
	At   time.Time

	Block       *block.Block // block entries only
	View        Visibility   // block entries only
	From        block.Status // transition entries only
	Status      block.Status
	ExitCode    *int
	Err         string
	OutputBytes int
	OutputLines int

	Edit *Edit // edit entries only
}

// Node is an entry together with its log position.
type Node struct {
	Pos int
	Entry
}

// Summary is the rollup of a run of entries.
type Summary struct {
	Entries       int
	Blocks        int
	VisibleBlocks int
	Errors        int // blocks currently in error status
	OutputBytes   int
	OutputLines   int
	MinTime       time.Time
	MaxTime       time.Time

	lastSeq uint64 // highest block seq in the run, 0 when none
}

// Merge combines two summaries of adjacent runs.
func (s Summary) Merge(o Summary) Summary {
	out := Summary{
		Entries:       s.Entries + o.Entries,
		Blocks:        s.Blocks + o.Blocks,
		VisibleBlocks: s.VisibleBlocks + o.VisibleBlocks,
		Errors:        s.Errors + o.Errors,
		OutputBytes:   s.OutputBytes + o.OutputBytes,
		OutputLines:   s.OutputLines + o.OutputLines,
		MinTime:       s.MinTime,
		MaxTime:       s.MaxTime,
		lastSeq:       max(s.lastSeq, o.lastSeq),
	}
	if out.MinTime.IsZero() || (!o.MinTime.IsZero() && o.MinTime.Before(out.MinTime)) {
		out.MinTime = o.MinTime
	}
	if o.MaxTime.After(out.MaxTime) {
		out.MaxTime = o.MaxTime
	}
	return out
}

func summarize(e *Entry) Summary {
	s := Summary{Entries: 1, MinTime: e.At, MaxTime: e.At}
	if e.Kind != KindBlock {
		return s
	}
	s.Blocks = 1
	s.lastSeq = e.Seq
	s.OutputBytes = e.OutputBytes
	s.OutputLines = e.OutputLines
	if !e.View.Hidden {
		s.VisibleBlocks = 1
	}
	if e.Status == block.StatusError {
		s.Errors = 1
	}
	return s
}
