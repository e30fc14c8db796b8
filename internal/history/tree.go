// Package history keeps the session's ordered log of blocks, status
// transitions and view edits.
//
// The log is an append-only B+ sum tree held in an arena of immutable
// nodes addressed by index. Every node carries the Summary of its
// subtree, so range and window queries descend only through boundary
// nodes. Mutations copy the path from the changed leaf to the root and
// then publish a new Snapshot; readers load the latest Snapshot without
// locking and never observe a partially written node.
package history

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neoterm/neoterm/internal/block"
	nterrors "github.com/neoterm/neoterm/internal/errors"
)

const fanout = 8

// compactRatio bounds arena garbage: the arena is rebuilt once it holds
// this many nodes per live entry.
const compactRatio = 4

type node struct {
	entries  []Entry // leaves
	children []int32 // internal nodes
	sum      Summary
}

// Tree is the history of one session. Writes serialize on an internal
// lock; reads go through Snapshot and may run concurrently with writes.
type Tree struct {
	mu      sync.Mutex
	nodes   []node
	root    int32
	height  int // 0 when the root is a leaf
	lastSeq uint64
	undo    []Edit
	redo    []Edit

	snap   atomic.Pointer[Snapshot]
	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty history.
func New(logger *slog.Logger) *Tree {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tree{logger: logger, now: time.Now}
	t.root, t.height = t.build(nil)
	t.publish()
	return t
}

// Snapshot returns the latest published state.
func (t *Tree) Snapshot() *Snapshot { return t.snap.Load() }

func (t *Tree) Len() int { return t.Snapshot().Len() }

func (t *Tree) Range(start, end int) []Node { return t.Snapshot().Range(start, end) }

func (t *Tree) Blocks(start, end int) []Node { return t.Snapshot().Blocks(start, end) }

func (t *Tree) Last(n int) []Node { return t.Snapshot().Last(n) }

func (t *Tree) Summarize(start, end int) Summary { return t.Snapshot().Summarize(start, end) }

func (t *Tree) Find(seq uint64) (Node, bool) { return t.Snapshot().Find(seq) }

// Append adds a block to the end of the log and registers the tree as the
// block's recorder. Block sequence ids must increase.
func (t *Tree) Append(b *block.Block) (Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b.Seq() == 0 || b.Seq() <= t.lastSeq {
		return Node{}, nterrors.Newf(nterrors.CodeHistoryInvalid,
			"block %d appended after block %d", b.Seq(), t.lastSeq)
	}

	// Register first: a transition racing with this append waits on t.mu
	// and is applied on top of the snapshot taken below.
	b.SetRecorder(t)
	snap := b.Snapshot()

	e := Entry{
		Kind:        KindBlock,
		Seq:         snap.Seq,
		At:          snap.CreatedAt,
		Block:       b,
		Status:      snap.Status,
		ExitCode:    snap.ExitCode,
		Err:         snap.Err,
		OutputBytes: len(snap.Output),
		OutputLines: snap.Lines,
	}
	pos := t.size()
	t.appendEntry(e)
	t.lastSeq = snap.Seq
	t.publish()
	return Node{Pos: pos, Entry: e}, nil
}

// Record applies a block transition: the block's entry is refreshed and a
// transition entry is appended. Transitions of unknown or pruned blocks
// are dropped.
func (t *Tree) Record(tr block.Transition) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.Snapshot().Find(tr.Seq)
	if !ok {
		t.logger.Debug("dropping transition of unknown block", "seq", tr.Seq, "to", tr.To)
		return
	}

	t.root = t.update(t.root, t.height, n.Pos, func(e *Entry) {
		e.Status = tr.To
		e.ExitCode = tr.ExitCode
		e.Err = tr.Err
		e.OutputBytes = tr.OutputBytes
		e.OutputLines = tr.OutputLines
	})
	t.appendEntry(Entry{
		Kind:        KindTransition,
		Seq:         tr.Seq,
		At:          tr.At,
		From:        tr.From,
		Status:      tr.To,
		ExitCode:    tr.ExitCode,
		Err:         tr.Err,
		OutputBytes: tr.OutputBytes,
		OutputLines: tr.OutputLines,
	})
	t.publish()
}

func (t *Tree) size() int { return t.nodes[t.root].sum.Entries }

func (t *Tree) alloc(n node) int32 {
	t.nodes = append(t.nodes, n)
	return int32(len(t.nodes) - 1)
}

func (t *Tree) leaf(entries []Entry) node {
	var sum Summary
	for i := range entries {
		sum = sum.Merge(summarize(&entries[i]))
	}
	return node{entries: entries, sum: sum}
}

func (t *Tree) internal(children []int32) node {
	var sum Summary
	for _, c := range children {
		sum = sum.Merge(t.nodes[c].sum)
	}
	return node{children: children, sum: sum}
}

// build bulk-loads entries into a fresh arena.
func (t *Tree) build(entries []Entry) (int32, int) {
	t.nodes = make([]node, 0, len(entries)/fanout*2+1)
	if len(entries) == 0 {
		return t.alloc(node{}), 0
	}

	var level []int32
	for i := 0; i < len(entries); i += fanout {
		chunk := slices.Clone(entries[i:min(i+fanout, len(entries))])
		level = append(level, t.alloc(t.leaf(chunk)))
	}
	height := 0
	for len(level) > 1 {
		var next []int32
		for i := 0; i < len(level); i += fanout {
			next = append(next, t.alloc(t.internal(slices.Clone(level[i:min(i+fanout, len(level))]))))
		}
		level = next
		height++
	}
	return level[0], height
}

// push appends e below idx. It returns the copied node and, when the node
// was full, a new right sibling.
func (t *Tree) push(idx int32, height int, e Entry) (int32, int32) {
	if height == 0 {
		entries := t.nodes[idx].entries
		if len(entries) < fanout {
			return t.alloc(t.leaf(append(slices.Clip(entries), e))), -1
		}
		return idx, t.alloc(t.leaf([]Entry{e}))
	}

	children := slices.Clone(t.nodes[idx].children)
	last, split := t.push(children[len(children)-1], height-1, e)
	children[len(children)-1] = last
	switch {
	case split < 0:
		return t.alloc(t.internal(children)), -1
	case len(children) < fanout:
		return t.alloc(t.internal(append(children, split))), -1
	default:
		return t.alloc(t.internal(children)), t.alloc(t.internal([]int32{split}))
	}
}

func (t *Tree) appendEntry(e Entry) {
	root, split := t.push(t.root, t.height, e)
	if split >= 0 {
		root = t.alloc(t.internal([]int32{root, split}))
		t.height++
	}
	t.root = root
}

// update rewrites the entry at log position pos and returns the new root
// of the subtree.
func (t *Tree) update(idx int32, height, pos int, fn func(*Entry)) int32 {
	if height == 0 {
		entries := slices.Clone(t.nodes[idx].entries)
		fn(&entries[pos])
		return t.alloc(t.leaf(entries))
	}
	children := slices.Clone(t.nodes[idx].children)
	for i, c := range children {
		n := t.nodes[c].sum.Entries
		if pos < n {
			children[i] = t.update(c, height-1, pos, fn)
			return t.alloc(t.internal(children))
		}
		pos -= n
	}
	panic("history: update position out of range")
}

// publish makes the writer's state visible to readers. It must be called
// with t.mu held, after every node of the mutation has been written.
func (t *Tree) publish() {
	if live := t.size() + fanout; len(t.nodes) > compactRatio*live {
		entries := collect(t.nodes, t.root, t.height)
		t.root, t.height = t.build(entries)
	}
	n := len(t.nodes)
	t.snap.Store(&Snapshot{
		nodes:  t.nodes[:n:n],
		root:   t.root,
		height: t.height,
		undo:   len(t.undo),
		redo:   len(t.redo),
	})
}

// Snapshot is an immutable view of the history at one point in time.
type Snapshot struct {
	nodes  []node
	root   int32
	height int
	undo   int
	redo   int
}

// Len returns the number of log entries.
func (s *Snapshot) Len() int { return s.nodes[s.root].sum.Entries }

// Summary returns the rollup of the whole log.
func (s *Snapshot) Summary() Summary { return s.nodes[s.root].sum }

// UndoDepth and RedoDepth report how many edits can be undone or redone.
func (s *Snapshot) UndoDepth() int { return s.undo }
func (s *Snapshot) RedoDepth() int { return s.redo }

// Range returns the entries at log positions [start, end).
func (s *Snapshot) Range(start, end int) []Node {
	start, end = clamp(start, end, s.Len())
	if start >= end {
		return nil
	}
	out := make([]Node, 0, end-start)
	s.scan(s.root, s.height, 0, 0, start, end, entryCount, func(n Node) { out = append(out, n) })
	return out
}

// Blocks returns the visible blocks with visible index in [start, end).
// It is the scroll window of the block list.
func (s *Snapshot) Blocks(start, end int) []Node {
	start, end = clamp(start, end, s.Summary().VisibleBlocks)
	if start >= end {
		return nil
	}
	out := make([]Node, 0, end-start)
	s.scan(s.root, s.height, 0, 0, start, end, visibleCount, func(n Node) { out = append(out, n) })
	return out
}

// Last returns the last n visible blocks.
func (s *Snapshot) Last(n int) []Node {
	total := s.Summary().VisibleBlocks
	return s.Blocks(total-n, total)
}

// Summarize returns the rollup of log positions [start, end).
func (s *Snapshot) Summarize(start, end int) Summary {
	start, end = clamp(start, end, s.Len())
	if start >= end {
		return Summary{}
	}
	return s.summarize(s.root, s.height, 0, start, end)
}

// Find returns the entry of block seq.
func (s *Snapshot) Find(seq uint64) (Node, bool) {
	if seq == 0 {
		return Node{}, false
	}
	idx, height, pos := s.root, s.height, 0
	for ; height > 0; height-- {
		next := int32(-1)
		for _, c := range s.nodes[idx].children {
			sum := s.nodes[c].sum
			if sum.lastSeq >= seq {
				next = c
				break
			}
			pos += sum.Entries
		}
		if next < 0 {
			return Node{}, false
		}
		idx = next
	}
	for i, e := range s.nodes[idx].entries {
		if e.Kind == KindBlock && e.Seq == seq {
			return Node{Pos: pos + i, Entry: e}, true
		}
	}
	return Node{}, false
}

// Visibility returns the view state of every block, keyed by seq.
func (s *Snapshot) Visibility() map[uint64]Visibility {
	out := make(map[uint64]Visibility, s.Summary().Blocks)
	for _, e := range s.entries() {
		if e.Kind == KindBlock {
			out[e.Seq] = e.View
		}
	}
	return out
}

func entryCount(s Summary) int   { return s.Entries }
func visibleCount(s Summary) int { return s.VisibleBlocks }

// scan calls fn, in log order, for every entry whose index under measure m
// falls in [start, end). Subtrees outside the window are skipped whole.
func (s *Snapshot) scan(idx int32, height, base, pos, start, end int, m func(Summary) int, fn func(Node)) {
	n := &s.nodes[idx]
	if height == 0 {
		for i := range n.entries {
			w := m(summarize(&n.entries[i]))
			if w > 0 && base >= start && base < end {
				fn(Node{Pos: pos + i, Entry: n.entries[i]})
			}
			base += w
		}
		return
	}
	for _, c := range n.children {
		sum := s.nodes[c].sum
		w := m(sum)
		if base+w > start && base < end {
			s.scan(c, height-1, base, pos, start, end, m, fn)
		}
		base += w
		pos += sum.Entries
		if base >= end {
			return
		}
	}
}

func (s *Snapshot) summarize(idx int32, height, base, start, end int) Summary {
	n := &s.nodes[idx]
	if start <= base && base+n.sum.Entries <= end {
		return n.sum
	}
	var out Summary
	if height == 0 {
		for i := range n.entries {
			if p := base + i; p >= start && p < end {
				out = out.Merge(summarize(&n.entries[i]))
			}
		}
		return out
	}
	for _, c := range n.children {
		cn := s.nodes[c].sum.Entries
		if base+cn > start && base < end {
			out = out.Merge(s.summarize(c, height-1, base, start, end))
		}
		base += cn
	}
	return out
}

func (s *Snapshot) entries() []Entry {
	return collect(s.nodes, s.root, s.height)
}

func collect(nodes []node, root int32, height int) []Entry {
	out := make([]Entry, 0, nodes[root].sum.Entries)
	var walk func(idx int32, height int)
	walk = func(idx int32, height int) {
		if height == 0 {
			out = append(out, nodes[idx].entries...)
			return
		}
		for _, c := range nodes[idx].children {
			walk(c, height-1)
		}
	}
	walk(root, height)
	return out
}

func clamp(start, end, n int) (int, int) {
	return max(start, 0), min(end, n)
}
