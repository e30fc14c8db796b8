package status

import (
	"fmt"
	"time"

	"github.com/neoterm/neoterm/internal/block"
	"github.com/neoterm/neoterm/internal/history"
	"github.com/neoterm/neoterm/internal/workflow"
)

// BlockSummary contains computed information about a block for display.
type BlockSummary struct {
	Seq       uint64           `json:"seq"`
	ID        string           `json:"id"`
	Status    block.Status     `json:"status"`
	Kind      block.SourceKind `json:"kind"`
	Workflow  string           `json:"workflow,omitempty"`
	Command   string           `json:"command"`
	Workdir   string           `json:"workdir,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	EndedAt   *time.Time       `json:"ended_at,omitempty"`
	ExitCode  *int             `json:"exit_code,omitempty"`
	Err       string           `json:"error,omitempty"`
	Output    []byte           `json:"-"`
	Lines     int              `json:"lines"`
	Hidden    bool             `json:"hidden,omitempty"`
	Collapsed bool             `json:"collapsed,omitempty"`
}

// NewBlockSummary creates a summary from a history block entry. The block's
// live state wins over the entry, which is only refreshed at transitions.
func NewBlockSummary(n history.Node) BlockSummary {
	snap := n.Block.Snapshot()
	return BlockSummary{
		Seq:       snap.Seq,
		ID:        snap.ID.String(),
		Status:    snap.Status,
		Kind:      snap.Source.Kind,
		Workflow:  snap.Source.WorkflowName,
		Command:   snap.Source.Command,
		Workdir:   snap.Workdir,
		CreatedAt: snap.CreatedAt,
		StartedAt: snap.StartedAt,
		EndedAt:   snap.EndedAt,
		ExitCode:  snap.ExitCode,
		Err:       snap.Err,
		Output:    snap.Output,
		Lines:     snap.Lines,
		Hidden:    n.View.Hidden,
		Collapsed: n.View.Collapsed,
	}
}

// Duration is how long the block ran, measured up to now while it runs.
// It is zero for blocks that never started.
func (b BlockSummary) Duration(now time.Time) time.Duration {
	if b.StartedAt == nil {
		return 0
	}
	if b.EndedAt != nil {
		return b.EndedAt.Sub(*b.StartedAt)
	}
	return now.Sub(*b.StartedAt)
}

// BlockStats contains block count breakdown.
type BlockStats struct {
	Total     int `json:"total"`
	Visible   int `json:"visible"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Done      int `json:"done"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// HistorySummary contains computed information about a session history.
type HistorySummary struct {
	Session     string         `json:"session"`
	Stats       BlockStats     `json:"stats"`
	OutputBytes int            `json:"output_bytes"`
	OutputLines int            `json:"output_lines"`
	Blocks      []BlockSummary `json:"blocks"`
	Errors      []string       `json:"errors,omitempty"`
	UndoDepth   int            `json:"undo_depth"`
	RedoDepth   int            `json:"redo_depth"`
}

// NewHistorySummary summarizes snap, listing the last n visible blocks.
// n <= 0 lists every visible block.
func NewHistorySummary(session string, snap *history.Snapshot, n int) *HistorySummary {
	sum := snap.Summary()
	if n <= 0 {
		n = sum.VisibleBlocks
	}
	summary := &HistorySummary{
		Session:     session,
		Stats:       computeBlockStats(snap),
		OutputBytes: sum.OutputBytes,
		OutputLines: sum.OutputLines,
		UndoDepth:   snap.UndoDepth(),
		RedoDepth:   snap.RedoDepth(),
	}
	for _, node := range snap.Last(n) {
		b := NewBlockSummary(node)
		summary.Blocks = append(summary.Blocks, b)
		if b.Status == block.StatusError {
			summary.Errors = append(summary.Errors, fmt.Sprintf("#%d %s", b.Seq, b.Err))
		}
	}
	return summary
}

func computeBlockStats(snap *history.Snapshot) BlockStats {
	var stats BlockStats
	for _, node := range snap.Range(0, snap.Len()) {
		if node.Kind != history.KindBlock {
			continue
		}
		stats.Total++
		if !node.View.Hidden {
			stats.Visible++
		}
		switch node.Block.Status() {
		case block.StatusQueued:
			stats.Queued++
		case block.StatusRunning:
			stats.Running++
		case block.StatusDone:
			stats.Done++
		case block.StatusError:
			stats.Failed++
		case block.StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// WorkflowSummary contains display information about a workflow definition.
type WorkflowSummary struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Category    workflow.Category       `json:"category"`
	Tags        []string                `json:"tags,omitempty"`
	Shells      []workflow.Shell        `json:"shells,omitempty"`
	Command     string                  `json:"command"`
	Arguments   []workflow.ArgumentSpec `json:"-"`
	Path        string                  `json:"path,omitempty"`
	Usage       workflow.Usage          `json:"usage"`
}

// NewWorkflowSummary creates a summary from a definition and its usage.
func NewWorkflowSummary(def *workflow.Definition, usage workflow.Usage) *WorkflowSummary {
	return &WorkflowSummary{
		Name:        def.Name,
		Description: def.Description,
		Category:    def.Category(),
		Tags:        def.Tags,
		Shells:      def.Shells,
		Command:     def.Command,
		Arguments:   def.Arguments,
		Path:        def.Path,
		Usage:       usage,
	}
}
