package history

import (
	nterrors "github.com/neoterm/neoterm/internal/errors"
)

// Hide removes block seq from the visible block list.
func (t *Tree) Hide(seq uint64) (bool, error) {
	return t.edit(seq, OpHide, func(v Visibility) Visibility {
		v.Hidden = true
		return v
	})
}

// Show returns a hidden block to the visible block list.
func (t *Tree) Show(seq uint64) (bool, error) {
	return t.edit(seq, OpShow, func(v Visibility) Visibility {
		v.Hidden = false
		return v
	})
}

// Collapse folds the output of block seq.
func (t *Tree) Collapse(seq uint64) (bool, error) {
	return t.edit(seq, OpCollapse, func(v Visibility) Visibility {
		v.Collapsed = true
		return v
	})
}

// Expand unfolds the output of block seq.
func (t *Tree) Expand(seq uint64) (bool, error) {
	return t.edit(seq, OpExpand, func(v Visibility) Visibility {
		v.Collapsed = false
		return v
	})
}

// edit applies a view change. An edit that changes nothing is not
// recorded and leaves the redo stack intact; otherwise it is pushed to the
// undo stack and the redo stack is cleared.
func (t *Tree) edit(seq uint64, op EditOp, fn func(Visibility) Visibility) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.Snapshot().Find(seq)
	if !ok {
		return false, nterrors.BlockNotFound(seq)
	}
	after := fn(n.View)
	if after == n.View {
		return false, nil
	}

	e := Edit{Seq: seq, Op: op, Before: n.View, After: after}
	t.apply(n.Pos, e, after)
	t.undo = append(t.undo, e)
	t.redo = nil
	t.publish()
	return true, nil
}

// Undo reverts the most recent edit. It reports false when there is
// nothing to undo.
func (t *Tree) Undo() (Edit, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.undo) == 0 {
		return Edit{}, false
	}
	e := t.undo[len(t.undo)-1]
	t.undo = t.undo[:len(t.undo)-1]
	t.redo = append(t.redo, e)
	t.revisit(e, OpUndo, e.Before)
	return e, true
}

// Redo reapplies the most recently undone edit. It reports false when
// there is nothing to redo.
func (t *Tree) Redo() (Edit, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.redo) == 0 {
		return Edit{}, false
	}
	e := t.redo[len(t.redo)-1]
	t.redo = t.redo[:len(t.redo)-1]
	t.undo = append(t.undo, e)
	t.revisit(e, OpRedo, e.After)
	return e, true
}

func (t *Tree) revisit(e Edit, op EditOp, to Visibility) {
	n, ok := t.Snapshot().Find(e.Seq)
	if !ok {
		// Pruning clears both stacks, so this cannot happen.
		t.logger.Error("edit refers to a missing block", "seq", e.Seq, "op", op)
		t.publish()
		return
	}
	t.apply(n.Pos, Edit{Seq: e.Seq, Op: op, Before: n.View, After: to}, to)
	t.publish()
}

// apply sets the view of the block entry at pos and logs the edit.
func (t *Tree) apply(pos int, e Edit, view Visibility) {
	t.root = t.update(t.root, t.height, pos, func(entry *Entry) { entry.View = view })
	t.appendEntry(Entry{Kind: KindEdit, Seq: e.Seq, At: t.now(), Edit: &e})
}
