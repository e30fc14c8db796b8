package session

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neoterm/neoterm/internal/block"
	"github.com/neoterm/neoterm/internal/config"
	nterrors "github.com/neoterm/neoterm/internal/errors"
	"github.com/neoterm/neoterm/internal/history"
	"github.com/neoterm/neoterm/internal/logging"
	"github.com/neoterm/neoterm/internal/render"
	"github.com/neoterm/neoterm/internal/sandbox"
	"github.com/neoterm/neoterm/internal/testutil"
	"github.com/neoterm/neoterm/internal/workflow"
)

const findLargeFiles = "Find Large Files"

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Execution.GracePeriod = 500 * time.Millisecond
	cfg.Execution.DrainTimeout = time.Second
	return cfg
}

func newSession(t *testing.T, cfg *config.Config, opts ...Option) *Session {
	t.Helper()
	store := workflow.NewStore(logging.NewForTest())
	_, err := workflow.LoadEmbedded(store)
	require.NoError(t, err)

	opts = append([]Option{WithLogger(logging.NewForTest()), WithWorkflows(store)}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func readOnly(t *testing.T, root string) *sandbox.Policy {
	t.Helper()
	p, err := sandbox.NewPolicy(sandbox.PolicySpec{Roots: []string{root}, Workdir: root, Shell: "/bin/sh"})
	require.NoError(t, err)
	return p
}

func blocks(s *Session) []history.Node {
	return s.History.Last(1 << 20)
}

func TestSubmit_RenderErrorLeavesAuditBlock(t *testing.T) {
	s := newSession(t, testConfig())

	b, err := s.Submit(context.Background(), Request{
		Workflow: findLargeFiles,
		Values:   render.Values{"colour": "blue"},
	})
	require.Error(t, err)
	assert.Nil(t, b)
	assert.True(t, nterrors.HasCode(err, nterrors.CodeRenderUnknownArgument))

	got := blocks(s)
	require.Len(t, got, 1)
	snap := got[0].Block.Snapshot()
	assert.Equal(t, block.StatusError, snap.Status)
	assert.Equal(t, block.SourceWorkflow, snap.Source.Kind)
	assert.Equal(t, findLargeFiles, snap.Source.WorkflowName)
	assert.Contains(t, snap.Source.Command, "{{directory}}")
	assert.Nil(t, snap.StartedAt, "rejected requests never run")
	assert.NotEmpty(t, snap.Err)
}

func TestSubmit_DeniedLeavesAuditBlock(t *testing.T) {
	s := newSession(t, testConfig())
	dir := t.TempDir()

	_, err := s.Submit(context.Background(), Request{
		Command: "rm -rf " + filepath.Join(dir, "x"),
		Policy:  readOnly(t, dir),
	})
	assert.True(t, nterrors.HasCode(err, nterrors.CodeSandboxDenied))

	got := blocks(s)
	require.Len(t, got, 1)
	assert.Equal(t, block.StatusError, got[0].Status)
	assert.Equal(t, block.SourceTyped, got[0].Block.Source().Kind)

	sum := s.History.Snapshot().Summary()
	assert.Equal(t, 1, sum.Errors)
}

func TestSubmit_WorkflowNotFound(t *testing.T) {
	s := newSession(t, testConfig())

	_, err := s.Submit(context.Background(), Request{Workflow: "nope"})
	assert.True(t, nterrors.HasCode(err, nterrors.CodeWorkflowNotFound))
	assert.Equal(t, 0, s.History.Len(), "nothing to audit without a definition")
}

func TestSubmit_UnsupportedShell(t *testing.T) {
	s := newSession(t, testConfig())
	_, err := s.Workflows.Load([]byte(`
name: Fish Only
command: echo hi
shells: [fish]
`))
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), Request{Workflow: "Fish Only"})
	assert.True(t, nterrors.HasCode(err, nterrors.CodeWorkflowShell))
	require.Len(t, blocks(s), 1)
}

func TestSubmit_SequenceIDs(t *testing.T) {
	s := newSession(t, testConfig())
	dir := t.TempDir()
	policy := readOnly(t, dir)

	for range 3 {
		_, err := s.Submit(context.Background(), Request{Command: "touch " + filepath.Join(dir, "f"), Policy: policy})
		require.Error(t, err)
	}
	var seqs []uint64
	for _, n := range blocks(s) {
		seqs = append(seqs, n.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestBlockLookup_NotFound(t *testing.T) {
	s := newSession(t, testConfig())

	_, err := s.Block(99)
	assert.True(t, nterrors.HasCode(err, nterrors.CodeBlockNotFound))
	assert.True(t, nterrors.HasCode(s.Cancel(99), nterrors.CodeBlockNotFound))
	_, err = s.Wait(context.Background(), 99)
	assert.True(t, nterrors.HasCode(err, nterrors.CodeBlockNotFound))
}

func TestSubmit_AfterClose(t *testing.T) {
	s := newSession(t, testConfig())
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()), "Close is idempotent")

	_, err := s.Submit(context.Background(), Request{Command: "true"})
	assert.Error(t, err)
}

func TestRun_FindLargeFiles(t *testing.T) {
	testutil.RequirePTY(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "small.txt"), []byte("hello"), 0o644))

	s := newSession(t, testConfig(), WithPolicy(readOnly(t, dir)))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap, err := s.Run(ctx, Request{
		Workflow: findLargeFiles,
		Values:   render.Values{"directory": dir, "size": "1G"},
	})
	require.NoError(t, err)
	assert.Equal(t, block.StatusDone, snap.Status)
	require.NotNil(t, snap.ExitCode)
	assert.Equal(t, 0, *snap.ExitCode)
	assert.Equal(t, "find "+dir+" -type f -size +1G -exec ls -lh {} \\; | awk '{ print $9 \": \" $5 }' | sort -k2 -hr",
		snap.Source.Command)

	var trail []block.Status
	for _, n := range s.History.Range(0, s.History.Len()) {
		trail = append(trail, n.Status)
	}
	assert.Equal(t, []block.Status{block.StatusDone, block.StatusRunning, block.StatusDone}, trail,
		"block entry holds the latest status; transitions follow it")

	require.NoError(t, s.Close(ctx))
	usage := s.Workflows.Usage(findLargeFiles)
	assert.Equal(t, 1, usage.Count)
	assert.InDelta(t, 1.0, usage.SuccessRate, 1e-9)
}

func TestRun_NonZeroExitIsBlockState(t *testing.T) {
	testutil.RequirePTY(t)
	s := newSession(t, testConfig())

	snap, err := s.Run(context.Background(), Request{Command: "echo nope; exit 2"})
	require.NoError(t, err)
	assert.Equal(t, block.StatusError, snap.Status)
	assert.Equal(t, 2, *snap.ExitCode)
	assert.Contains(t, string(snap.Output), "nope")
}

func waitForOutput(t *testing.T, b *block.Block, want string) {
	t.Helper()
	testutil.Eventually(t, 5*time.Second, func() bool {
		return bytes.Contains(b.Output(), []byte(want))
	}, "block %d never printed %q", b.Seq(), want)
}

func TestCancel_Running(t *testing.T) {
	testutil.RequirePTY(t)
	s := newSession(t, testConfig())

	b, err := s.Submit(context.Background(), Request{Command: "echo started; sleep 30"})
	require.NoError(t, err)
	waitForOutput(t, b, "started")

	require.NoError(t, s.Cancel(b.Seq()))
	snap, err := s.Wait(context.Background(), b.Seq())
	require.NoError(t, err)
	assert.Equal(t, block.StatusCancelled, snap.Status)

	require.NoError(t, s.Cancel(b.Seq()), "cancelling a finished block is a no-op")
	assert.Equal(t, block.StatusCancelled, b.Status())
}

func TestSlots_QueuedBlockWaitsAndCancels(t *testing.T) {
	testutil.RequirePTY(t)
	cfg := testConfig()
	cfg.Execution.MaxConcurrent = 1
	s := newSession(t, cfg)

	first, err := s.Submit(context.Background(), Request{Command: "echo first; sleep 30"})
	require.NoError(t, err)
	waitForOutput(t, first, "first")

	second, err := s.Submit(context.Background(), Request{Command: "echo second"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, block.StatusQueued, second.Status(), "no slot is free")
	assert.Len(t, s.Live(), 2)

	require.NoError(t, s.Cancel(second.Seq()))
	snap, err := s.Wait(context.Background(), second.Seq())
	require.NoError(t, err)
	assert.Equal(t, block.StatusCancelled, snap.Status)
	assert.Nil(t, snap.StartedAt)
	assert.Empty(t, snap.Output)

	require.NoError(t, s.Cancel(first.Seq()))
	_, err = s.Wait(context.Background(), first.Seq())
	require.NoError(t, err)
}

func TestClose_CancelsLiveBlocks(t *testing.T) {
	testutil.RequirePTY(t)
	s := newSession(t, testConfig())

	b, err := s.Submit(context.Background(), Request{Command: "echo up; sleep 30"})
	require.NoError(t, err)
	waitForOutput(t, b, "up")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, block.StatusCancelled, b.Status())
	assert.Empty(t, s.Live())
}

func TestAutoPrune(t *testing.T) {
	testutil.RequirePTY(t)
	cfg := testConfig()
	cfg.History.MaxBlocks = 2
	s := newSession(t, cfg)

	for range 4 {
		_, err := s.Run(context.Background(), Request{Command: "true"})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close(context.Background()))

	sum := s.History.Snapshot().Summary()
	assert.Equal(t, 2, sum.Blocks)
	last := s.History.Last(2)
	assert.Equal(t, uint64(4), last[1].Seq)
}

func TestSaveAndRestore(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	s := newSession(t, testConfig(), WithID("work"))
	dir := t.TempDir()
	_, _ = s.Submit(context.Background(), Request{Command: "rm " + filepath.Join(dir, "a"), Policy: readOnly(t, dir)})
	_, _ = s.History.Collapse(1)
	require.NoError(t, s.Save(store))

	saved, err := store.Load("work")
	require.NoError(t, err)
	assert.Equal(t, "work", saved.ID)

	restored := newSession(t, testConfig(), WithID("work"))
	require.NoError(t, restored.Restore(saved.History))
	n, ok := restored.History.Find(1)
	require.True(t, ok)
	assert.True(t, n.View.Collapsed)

	_, _ = restored.Submit(context.Background(), Request{Command: "rm " + filepath.Join(dir, "b"), Policy: readOnly(t, dir)})
	_, ok = restored.History.Find(2)
	assert.True(t, ok, "numbering continues after the restored blocks")
}

func TestReplayUsage(t *testing.T) {
	started := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	ended := started.Add(time.Second)
	rec := history.Record{Version: 1, Blocks: []history.BlockRecord{
		{Seq: 1, Source: block.SourceWorkflow, Workflow: findLargeFiles, Status: block.StatusDone, StartedAt: &started, EndedAt: &ended},
		{Seq: 2, Source: block.SourceWorkflow, Workflow: findLargeFiles, Status: block.StatusError, StartedAt: &started, EndedAt: &ended},
		// Rejected before reaching a shell.
		{Seq: 3, Source: block.SourceWorkflow, Workflow: findLargeFiles, Status: block.StatusError, EndedAt: &ended},
		{Seq: 4, Source: block.SourceTyped, Status: block.StatusDone, StartedAt: &started, EndedAt: &ended},
	}}

	store := workflow.NewStore(logging.NewForTest())
	_, err := workflow.LoadEmbedded(store)
	require.NoError(t, err)

	ReplayUsage(store, rec)
	usage := store.Usage(findLargeFiles)
	assert.Equal(t, 2, usage.Count)
	assert.Equal(t, ended, usage.LastUsed)
	assert.Less(t, usage.SuccessRate, 1.0)
}
