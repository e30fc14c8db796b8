package status

import (
	"testing"
	"time"

	"github.com/neoterm/neoterm/internal/block"
	"github.com/neoterm/neoterm/internal/history"
	"github.com/neoterm/neoterm/internal/logging"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newHistory appends one block per status, in order, with seq 1..n.
func newHistory(t *testing.T, statuses ...block.Status) *history.Tree {
	t.Helper()
	tree := history.New(logging.NewForTest())
	for i, status := range statuses {
		seq := uint64(i + 1)
		b := block.New(seq, block.Typed("echo "+string(status)), "/tmp", t0)
		if _, err := tree.Append(b); err != nil {
			t.Fatalf("Append(%d): %v", seq, err)
		}
		if status == block.StatusQueued {
			continue
		}
		if status == block.StatusCancelled {
			if err := b.Transition(status, t0); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := b.Transition(block.StatusRunning, t0.Add(time.Second)); err != nil {
			t.Fatal(err)
		}
		b.Append([]byte("line\n"))
		if status == block.StatusRunning {
			continue
		}
		code := 0
		if status == block.StatusError {
			code = 3
		}
		if err := b.Finish(status, t0.Add(3*time.Second), &code, ""); err != nil {
			t.Fatal(err)
		}
	}
	return tree
}

func TestNewHistorySummary(t *testing.T) {
	tree := newHistory(t,
		block.StatusDone, block.StatusError, block.StatusRunning,
		block.StatusQueued, block.StatusCancelled, block.StatusDone)
	if _, err := tree.Hide(6); err != nil {
		t.Fatal(err)
	}

	summary := NewHistorySummary("s1", tree.Snapshot(), 0)

	want := BlockStats{Total: 6, Visible: 5, Queued: 1, Running: 1, Done: 2, Failed: 1, Cancelled: 1}
	if summary.Stats != want {
		t.Errorf("Stats = %+v, want %+v", summary.Stats, want)
	}
	if len(summary.Blocks) != 5 {
		t.Fatalf("expected 5 visible blocks, got %d", len(summary.Blocks))
	}
	if summary.Blocks[0].Seq != 1 || summary.Blocks[4].Seq != 5 {
		t.Errorf("blocks out of order: first %d, last %d", summary.Blocks[0].Seq, summary.Blocks[4].Seq)
	}
	if len(summary.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", summary.Errors)
	}
	if summary.UndoDepth != 1 {
		t.Errorf("UndoDepth = %d, want 1", summary.UndoDepth)
	}
}

func TestNewHistorySummary_LastN(t *testing.T) {
	tree := newHistory(t, block.StatusDone, block.StatusDone, block.StatusDone)

	summary := NewHistorySummary("s1", tree.Snapshot(), 2)
	if len(summary.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(summary.Blocks))
	}
	if summary.Blocks[0].Seq != 2 {
		t.Errorf("expected window to start at seq 2, got %d", summary.Blocks[0].Seq)
	}
	if summary.Stats.Total != 3 {
		t.Errorf("stats cover the whole history, got total %d", summary.Stats.Total)
	}
}

func TestNewBlockSummary_LiveState(t *testing.T) {
	tree := newHistory(t, block.StatusRunning)
	n, ok := tree.Find(1)
	if !ok {
		t.Fatal("block 1 not found")
	}
	n.Block.Append([]byte("more\n"))

	b := NewBlockSummary(n)
	if b.Lines != 2 {
		t.Errorf("Lines = %d, want 2 (output since the last transition included)", b.Lines)
	}
	if b.Status != block.StatusRunning {
		t.Errorf("Status = %s", b.Status)
	}
	if got := b.Duration(t0.Add(5 * time.Second)); got != 4*time.Second {
		t.Errorf("Duration = %v, want 4s", got)
	}
}

func TestBlockSummary_Duration(t *testing.T) {
	started := t0
	ended := t0.Add(90 * time.Second)

	tests := []struct {
		name string
		b    BlockSummary
		want time.Duration
	}{
		{"never started", BlockSummary{}, 0},
		{"finished", BlockSummary{StartedAt: &started, EndedAt: &ended}, 90 * time.Second},
		{"running", BlockSummary{StartedAt: &started}, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.b.Duration(t0.Add(10 * time.Second)); got != tt.want {
				t.Errorf("Duration = %v, want %v", got, tt.want)
			}
		})
	}
}
