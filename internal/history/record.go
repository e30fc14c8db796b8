package history

import (
	"time"

	"github.com/google/uuid"

	"github.com/neoterm/neoterm/internal/block"
	nterrors "github.com/neoterm/neoterm/internal/errors"
)

// LastSeq returns the highest block sequence id ever appended.
func (t *Tree) LastSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeq
}

// Prune destroys the oldest blocks, keeping the last keepLast, together
// with every entry that refers to them. Blocks that are still queued or
// running are kept. Pruning clears the undo and redo stacks and cannot
// be undone. It returns the number of blocks removed.
func (t *Tree) Prune(keepLast int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := collect(t.nodes, t.root, t.height)
	excess := t.nodes[t.root].sum.Blocks - max(keepLast, 0)
	if excess <= 0 {
		return 0
	}

	drop := make(map[uint64]bool)
	for _, e := range entries {
		if excess == 0 {
			break
		}
		if e.Kind != KindBlock {
			continue
		}
		excess--
		if e.Status.IsTerminal() {
			drop[e.Seq] = true
		}
	}
	if len(drop) == 0 {
		return 0
	}

	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !drop[e.Seq] {
			kept = append(kept, e)
		}
	}
	t.root, t.height = t.build(kept)
	t.undo, t.redo = nil, nil
	t.publish()

	t.logger.Info("pruned history", "blocks", len(drop), "entries", len(entries)-len(kept))
	return len(drop)
}

const recordVersion = 1

// Record is the persisted form of a history.
type Record struct {
	Version int           `yaml:"version"`
	LastSeq uint64        `yaml:"last_seq"`
	Blocks  []BlockRecord `yaml:"blocks"`
	Entries []EntryRecord `yaml:"entries"`
	Undo    []EditRecord  `yaml:"undo,omitempty"` // oldest first
	Redo    []EditRecord  `yaml:"redo,omitempty"`
}

// EditRecord is one persisted undo or redo stack element.
type EditRecord struct {
	Seq    uint64     `yaml:"seq"`
	Op     EditOp     `yaml:"op"`
	Before Visibility `yaml:"before"`
	After  Visibility `yaml:"after"`
}

// BlockRecord is one persisted block with its output and view state.
type BlockRecord struct {
	Seq       uint64           `yaml:"seq"`
	ID        string           `yaml:"id"`
	Source    block.SourceKind `yaml:"source"`
	Workflow  string           `yaml:"workflow,omitempty"`
	Command   string           `yaml:"command"`
	Workdir   string           `yaml:"workdir,omitempty"`
	Status    block.Status     `yaml:"status"`
	Output    string           `yaml:"output,omitempty"`
	CreatedAt time.Time        `yaml:"created_at"`
	StartedAt *time.Time       `yaml:"started_at,omitempty"`
	EndedAt   *time.Time       `yaml:"ended_at,omitempty"`
	ExitCode  *int             `yaml:"exit_code,omitempty"`
	Err       string           `yaml:"error,omitempty"`
	View      Visibility       `yaml:"view,omitempty"`
}

// EntryRecord is one persisted log entry. Block entries carry only their
// seq and time; the block itself is in Record.Blocks.
type EntryRecord struct {
	Kind        Kind         `yaml:"kind"`
	Seq         uint64       `yaml:"seq"`
	At          time.Time    `yaml:"at"`
	From        block.Status `yaml:"from,omitempty"`
	To          block.Status `yaml:"to,omitempty"`
	ExitCode    *int         `yaml:"exit_code,omitempty"`
	Err         string       `yaml:"error,omitempty"`
	OutputBytes int          `yaml:"output_bytes,omitempty"`
	OutputLines int          `yaml:"output_lines,omitempty"`
	Op          EditOp       `yaml:"op,omitempty"`
	Before      *Visibility  `yaml:"before,omitempty"`
	After       *Visibility  `yaml:"after,omitempty"`
}

// Export returns the persisted form of the latest snapshot, undo and redo
// stacks included.
func (t *Tree) Export() Record {
	t.mu.Lock()
	last := t.lastSeq
	snap := t.Snapshot()
	undo, redo := exportEdits(t.undo), exportEdits(t.redo)
	t.mu.Unlock()

	entries := snap.entries()
	r := Record{
		Version: recordVersion,
		LastSeq: last,
		Entries: make([]EntryRecord, 0, len(entries)),
		Undo:    undo,
		Redo:    redo,
	}
	for _, e := range entries {
		er := EntryRecord{Kind: e.Kind, Seq: e.Seq, At: e.At}
		switch e.Kind {
		case KindBlock:
			r.Blocks = append(r.Blocks, exportBlock(e))
		case KindTransition:
			er.From = e.From
			er.To = e.Status
			er.ExitCode = e.ExitCode
			er.Err = e.Err
			er.OutputBytes = e.OutputBytes
			er.OutputLines = e.OutputLines
		case KindEdit:
			before, after := e.Edit.Before, e.Edit.After
			er.Op = e.Edit.Op
			er.Before = &before
			er.After = &after
		}
		r.Entries = append(r.Entries, er)
	}
	return r
}

func exportEdits(edits []Edit) []EditRecord {
	if len(edits) == 0 {
		return nil
	}
	out := make([]EditRecord, len(edits))
	for i, e := range edits {
		out[i] = EditRecord{Seq: e.Seq, Op: e.Op, Before: e.Before, After: e.After}
	}
	return out
}

func importEdits(stack string, recs []EditRecord, seen map[uint64]bool) ([]Edit, error) {
	var out []Edit
	for i, er := range recs {
		if !seen[er.Seq] {
			return nil, invalid("%s %d: edit of unknown block %d", stack, i, er.Seq)
		}
		switch er.Op {
		case OpHide, OpShow, OpCollapse, OpExpand:
		default:
			return nil, invalid("%s %d: invalid edit %q", stack, i, er.Op)
		}
		out = append(out, Edit{Seq: er.Seq, Op: er.Op, Before: er.Before, After: er.After})
	}
	return out, nil
}

func exportBlock(e Entry) BlockRecord {
	s := e.Block.Snapshot()
	return BlockRecord{
		Seq:       s.Seq,
		ID:        s.ID.String(),
		Source:    s.Source.Kind,
		Workflow:  s.Source.WorkflowName,
		Command:   s.Source.Command,
		Workdir:   s.Workdir,
		Status:    s.Status,
		Output:    string(s.Output),
		CreatedAt: s.CreatedAt,
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
		ExitCode:  s.ExitCode,
		Err:       s.Err,
		View:      e.View,
	}
}

func invalid(format string, args ...any) error {
	return nterrors.Newf(nterrors.CodeHistoryInvalid, format, args...)
}

// Import replaces the history with r. Blocks that were live when r was
// exported come back in error status. An inconsistent record is rejected
// as a whole and leaves the history unchanged.
func (t *Tree) Import(r Record) error {
	if r.Version != recordVersion {
		return invalid("unsupported history version %d", r.Version)
	}

	restored := make([]*block.Block, len(r.Blocks))
	var last uint64
	for i, br := range r.Blocks {
		b, err := restoreBlock(br, last)
		if err != nil {
			return err
		}
		restored[i] = b
		last = br.Seq
	}

	entries := make([]Entry, 0, len(r.Entries))
	seen := make(map[uint64]bool, len(r.Blocks))
	next := 0
	for i, er := range r.Entries {
		switch er.Kind {
		case KindBlock:
			if next >= len(r.Blocks) || r.Blocks[next].Seq != er.Seq {
				return invalid("entry %d: block %d out of order", i, er.Seq)
			}
			b := restored[next]
			s := b.Snapshot()
			entries = append(entries, Entry{
				Kind:        KindBlock,
				Seq:         s.Seq,
				At:          s.CreatedAt,
				Block:       b,
				View:        r.Blocks[next].View,
				Status:      s.Status,
				ExitCode:    s.ExitCode,
				Err:         s.Err,
				OutputBytes: len(s.Output),
				OutputLines: s.Lines,
			})
			seen[er.Seq] = true
			next++
		case KindTransition:
			if !seen[er.Seq] {
				return invalid("entry %d: transition of unknown block %d", i, er.Seq)
			}
			if !er.From.Valid() || !er.To.Valid() {
				return invalid("entry %d: invalid transition %q -> %q", i, er.From, er.To)
			}
			entries = append(entries, Entry{
				Kind:        KindTransition,
				Seq:         er.Seq,
				At:          er.At,
				From:        er.From,
				Status:      er.To,
				ExitCode:    er.ExitCode,
				Err:         er.Err,
				OutputBytes: er.OutputBytes,
				OutputLines: er.OutputLines,
			})
		case KindEdit:
			if !seen[er.Seq] {
				return invalid("entry %d: edit of unknown block %d", i, er.Seq)
			}
			if er.Op == "" || er.Before == nil || er.After == nil {
				return invalid("entry %d: incomplete edit", i)
			}
			entries = append(entries, Entry{
				Kind: KindEdit,
				Seq:  er.Seq,
				At:   er.At,
				Edit: &Edit{Seq: er.Seq, Op: er.Op, Before: *er.Before, After: *er.After},
			})
		default:
			return invalid("entry %d: unknown kind %q", i, er.Kind)
		}
	}
	if next != len(r.Blocks) {
		return invalid("block %d has no log entry", r.Blocks[next].Seq)
	}
	undo, err := importEdits("undo", r.Undo, seen)
	if err != nil {
		return err
	}
	redo, err := importEdits("redo", r.Redo, seen)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.root, t.height = t.build(entries)
	t.lastSeq = max(r.LastSeq, last)
	t.undo, t.redo = undo, redo
	t.publish()
	return nil
}

func restoreBlock(br BlockRecord, after uint64) (*block.Block, error) {
	if br.Seq == 0 || br.Seq <= after {
		return nil, invalid("block %d out of order", br.Seq)
	}
	id, err := uuid.Parse(br.ID)
	if err != nil {
		return nil, invalid("block %d: bad id %q", br.Seq, br.ID)
	}
	if !br.Status.Valid() {
		return nil, invalid("block %d: unknown status %q", br.Seq, br.Status)
	}
	if br.Source != block.SourceTyped && br.Source != block.SourceWorkflow {
		return nil, invalid("block %d: unknown source %q", br.Seq, br.Source)
	}

	return block.Restore(block.Snapshot{
		Seq: br.Seq,
		ID:  id,
		Source: block.Source{
			Kind:         br.Source,
			Command:      br.Command,
			WorkflowName: br.Workflow,
		},
		Workdir:   br.Workdir,
		Status:    br.Status,
		Output:    []byte(br.Output),
		CreatedAt: br.CreatedAt,
		StartedAt: br.StartedAt,
		EndedAt:   br.EndedAt,
		ExitCode:  br.ExitCode,
		Err:       br.Err,
	}), nil
}
