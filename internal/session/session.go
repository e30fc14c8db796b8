// Package session ties the workflow store, sandbox gate, execution engine
// and history of one terminal session together.
//
// A Session is the explicit context object every component is reached
// through; nothing in neoterm keeps session state in globals.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/neoterm/neoterm/internal/block"
	"github.com/neoterm/neoterm/internal/config"
	nterrors "github.com/neoterm/neoterm/internal/errors"
	"github.com/neoterm/neoterm/internal/executor"
	"github.com/neoterm/neoterm/internal/history"
	"github.com/neoterm/neoterm/internal/logging"
	"github.com/neoterm/neoterm/internal/render"
	"github.com/neoterm/neoterm/internal/sandbox"
	"github.com/neoterm/neoterm/internal/workflow"
)

// Request asks the session to run one command.
type Request struct {
	Workflow string        // workflow name; empty for a typed command
	Values   render.Values // workflow argument values
	Command  string        // typed command, used when Workflow is empty
	Policy   *sandbox.Policy
}

// Session runs blocks for one terminal session.
type Session struct {
	ID        string
	Config    *config.Config
	Logger    *slog.Logger
	Workflows *workflow.Store
	History   *history.Tree
	Gate      *sandbox.Gate
	Engine    block.Starter
	Policy    *sandbox.Policy // used when a request carries none

	driver *block.Driver
	slots  *semaphore.Weighted
	now    func() time.Time

	// runs is the parent of every block execution; Close cancels it.
	runs   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	live    map[uint64]*block.Block
	nextSeq uint64
	closed  bool
}

// Option configures a Session.
type Option func(*Session)

// WithID sets the session id. By default a new UUID is used.
func WithID(id string) Option {
	return func(s *Session) { s.ID = id }
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.Logger = logger }
}

// WithWorkflows sets the workflow store.
func WithWorkflows(store *workflow.Store) Option {
	return func(s *Session) { s.Workflows = store }
}

// WithEngine replaces the execution engine.
func WithEngine(engine block.Starter) Option {
	return func(s *Session) { s.Engine = engine }
}

// WithGate replaces the sandbox gate.
func WithGate(gate *sandbox.Gate) Option {
	return func(s *Session) { s.Gate = gate }
}

// WithPolicy sets the default sandbox policy.
func WithPolicy(policy *sandbox.Policy) Option {
	return func(s *Session) { s.Policy = policy }
}

// WithClock sets the time source for block timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New creates a session from cfg. Components not supplied by options are
// built from cfg.
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	s := &Session{
		Config: cfg,
		live:   make(map[uint64]*block.Block),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if err := ValidateID(s.ID); err != nil {
		return nil, err
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.Logger = logging.WithSession(s.Logger, s.ID)

	if s.Workflows == nil {
		s.Workflows = workflow.NewStore(s.Logger)
	}
	if s.Gate == nil {
		s.Gate = sandbox.NewGate(sandbox.WithLogger(s.Logger))
	}
	if s.Engine == nil {
		s.Engine = executor.NewEngine(cfg, s.Logger)
	}
	if s.Policy == nil {
		policy, err := sandbox.NewPolicy(sandbox.SpecFromConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("building default policy: %w", err)
		}
		s.Policy = policy
	}

	s.History = history.New(s.Logger)
	s.driver = &block.Driver{Logger: s.Logger, Now: s.now}

	slots := int64(cfg.Execution.MaxConcurrent)
	if slots <= 0 {
		slots = 1
	}
	s.slots = semaphore.NewWeighted(slots)
	s.runs, s.cancel = context.WithCancel(context.Background())
	s.nextSeq = 1
	return s, nil
}

// Restore replaces the session history with a persisted record and counts
// its workflow runs into the usage statistics. It must be called before any
// block is submitted.
func (s *Session) Restore(rec history.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.live) > 0 {
		return fmt.Errorf("cannot restore history while %d blocks are live", len(s.live))
	}
	if err := s.History.Import(rec); err != nil {
		return err
	}
	ReplayUsage(s.Workflows, rec)
	s.nextSeq = s.History.LastSeq() + 1
	return nil
}

// Submit validates, renders and authorizes req, appends a queued block to
// the history and starts driving it. The block stays queued until a pty
// slot is free.
//
// Render and sandbox failures are returned synchronously. They still leave
// an audit block in the history, which goes straight from queued to error.
func (s *Session) Submit(ctx context.Context, req Request) (*block.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("session %s is closed", s.ID)
	}

	policy := req.Policy
	if policy == nil {
		policy = s.Policy
	}

	src, gateSrc, err := s.source(req, policy)
	if err != nil {
		if src.Command != "" {
			s.audit(src, policy.Workdir(), err)
		}
		return nil, err
	}

	plan, err := s.Gate.Authorize(gateSrc, policy)
	if err != nil {
		s.audit(src, policy.Workdir(), err)
		return nil, err
	}

	b, err := s.append(src, plan.Workdir)
	if err != nil {
		return nil, err
	}
	go s.drive(b, plan)
	return b, nil
}

// source resolves what a request runs. For workflow requests that fail
// after the definition is found, the returned Source carries the template
// so the failure can be audited.
func (s *Session) source(req Request, policy *sandbox.Policy) (block.Source, sandbox.Source, error) {
	if req.Workflow == "" {
		return block.Typed(req.Command), sandbox.Raw(req.Command), nil
	}

	def, err := s.Workflows.Get(req.Workflow)
	if err != nil {
		return block.Source{}, nil, err
	}
	attempt := block.Source{Kind: block.SourceWorkflow, Command: def.Command, WorkflowName: def.Name}
	log := logging.WithWorkflow(s.Logger, def.Name)

	shell := workflow.ShellFromProgram(policy.Shell())
	if !def.CompatibleWith(shell) {
		log.Debug("workflow not offered for shell", "shell", shell)
		return attempt, nil, nterrors.WorkflowUnsupportedShell(def.Name, string(shell))
	}

	rc, err := render.Render(def, req.Values)
	if err != nil {
		log.Debug("workflow render failed", "code", nterrors.Code(err))
		return attempt, nil, err
	}
	log.Debug("workflow rendered", "values", len(req.Values))
	return block.FromWorkflow(rc), rc, nil
}

// append allocates the next sequence id and appends a queued block. Both
// happen under s.mu so sequence ids reach the history in order.
func (s *Session) append(src block.Source, workdir string) (*block.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("session %s is closed", s.ID)
	}

	b := block.New(s.nextSeq, src, workdir, s.now())
	if _, err := s.History.Append(b); err != nil {
		s.Logger.Error("history rejected block", "seq", b.Seq(), "error", err)
		return nil, err
	}
	s.nextSeq++
	s.live[b.Seq()] = b
	s.wg.Add(1)
	return b, nil
}

func (s *Session) audit(src block.Source, workdir string, cause error) {
	s.mu.Lock()
	b := block.New(s.nextSeq, src, workdir, s.now())
	_, err := s.History.Append(b)
	if err == nil {
		s.nextSeq++
	}
	s.mu.Unlock()

	if err != nil {
		s.Logger.Error("history rejected audit block", "error", err)
		return
	}
	if err := block.Fail(b, cause); err != nil {
		s.Logger.Error("failing audit block", "seq", b.Seq(), "error", err)
	}
	s.Logger.Info("request rejected", "seq", b.Seq(), "code", nterrors.Code(cause), "error", cause)
}

// drive waits for a pty slot and runs b. A block cancelled while queued
// gives up its place without taking a slot.
func (s *Session) drive(b *block.Block, plan *sandbox.Plan) {
	defer s.wg.Done()
	defer s.forget(b)

	wait, stop := context.WithCancel(s.runs)
	defer stop()
	go func() {
		select {
		case <-b.Done():
			stop()
		case <-wait.Done():
		}
	}()

	if err := s.slots.Acquire(wait, 1); err != nil {
		// Cancelled while queued, or the session is closing.
		if cerr := b.Cancel(); cerr != nil {
			s.Logger.Error("cancelling queued block", "seq", b.Seq(), "error", cerr)
		}
		return
	}
	defer s.slots.Release(1)

	if b.Status() != block.StatusQueued {
		return
	}
	if err := s.driver.Run(s.runs, b, s.Engine, plan); err != nil {
		s.Logger.Warn("block failed to start", "seq", b.Seq(), "error", err)
	}

	recordUsage(s.Workflows, b.Snapshot())
	s.autoPrune()
}

// recordUsage counts a finished workflow block that reached a shell.
func recordUsage(store *workflow.Store, snap block.Snapshot) {
	name := snap.Source.WorkflowName
	if name == "" || snap.StartedAt == nil || snap.EndedAt == nil {
		return
	}
	store.RecordUsage(name, snap.Status == block.StatusDone, *snap.EndedAt)
}

// ReplayUsage rebuilds workflow usage statistics from a persisted history.
func ReplayUsage(store *workflow.Store, rec history.Record) {
	for _, br := range rec.Blocks {
		recordUsage(store, block.Snapshot{
			Status:    br.Status,
			Source:    block.Source{Kind: br.Source, WorkflowName: br.Workflow},
			StartedAt: br.StartedAt,
			EndedAt:   br.EndedAt,
		})
	}
}

func (s *Session) forget(b *block.Block) {
	s.mu.Lock()
	delete(s.live, b.Seq())
	s.mu.Unlock()
}

func (s *Session) autoPrune() {
	limit := s.Config.History.MaxBlocks
	if limit <= 0 {
		return
	}
	if s.History.Snapshot().Summary().Blocks > limit {
		if n := s.History.Prune(limit); n > 0 {
			s.Logger.Debug("auto-pruned history", "blocks", n, "limit", limit)
		}
	}
}

// Run submits req and waits for the block to reach a terminal status.
// Cancelling ctx cancels the block.
func (s *Session) Run(ctx context.Context, req Request) (block.Snapshot, error) {
	b, err := s.Submit(ctx, req)
	if err != nil {
		return block.Snapshot{}, err
	}
	select {
	case <-b.Done():
	case <-ctx.Done():
		if err := b.Cancel(); err != nil {
			return b.Snapshot(), err
		}
		<-b.Done()
	}
	return b.Snapshot(), nil
}

// Block returns block seq, live or in history.
func (s *Session) Block(seq uint64) (*block.Block, error) {
	s.mu.Lock()
	b, ok := s.live[seq]
	s.mu.Unlock()
	if ok {
		return b, nil
	}
	if n, ok := s.History.Find(seq); ok {
		return n.Block, nil
	}
	return nil, nterrors.BlockNotFound(seq)
}

// Cancel cancels block seq. Cancelling a finished block is a no-op.
func (s *Session) Cancel(seq uint64) error {
	b, err := s.Block(seq)
	if err != nil {
		return err
	}
	return b.Cancel()
}

// Wait blocks until block seq is terminal or ctx is done.
func (s *Session) Wait(ctx context.Context, seq uint64) (block.Snapshot, error) {
	b, err := s.Block(seq)
	if err != nil {
		return block.Snapshot{}, err
	}
	select {
	case <-b.Done():
		return b.Snapshot(), nil
	case <-ctx.Done():
		return b.Snapshot(), ctx.Err()
	}
}

// Live returns the blocks that are queued or running.
func (s *Session) Live() []*block.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*block.Block, 0, len(s.live))
	for _, b := range s.live {
		out = append(out, b)
	}
	return out
}

// Close cancels every live block and waits for them to settle or for ctx
// to end. The session accepts no new requests afterwards.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	live := make([]*block.Block, 0, len(s.live))
	for _, b := range s.live {
		live = append(live, b)
	}
	s.mu.Unlock()

	s.Logger.Info("closing session", "live_blocks", len(live))

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range live {
		g.Go(func() error {
			if err := b.Cancel(); err != nil {
				return err
			}
			select {
			case <-b.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	err := g.Wait()
	s.cancel()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
