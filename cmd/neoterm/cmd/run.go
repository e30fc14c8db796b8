package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/neoterm/neoterm/internal/block"
	nterrors "github.com/neoterm/neoterm/internal/errors"
	"github.com/neoterm/neoterm/internal/executor"
	"github.com/neoterm/neoterm/internal/logging"
	"github.com/neoterm/neoterm/internal/render"
	"github.com/neoterm/neoterm/internal/sandbox"
	"github.com/neoterm/neoterm/internal/session"
	"github.com/neoterm/neoterm/internal/status"
)

var runCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Run a workflow in a new block",
	Long: `Render a workflow, pass it through the sandbox gate and run it in its own
pty. Output is streamed as it arrives. Ctrl+C cancels the block: the process
group gets SIGTERM, then SIGKILL after the grace period.

The exit status of neoterm is the block's exit status, or 1 when the block
did not finish as done.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var execCmd = &cobra.Command{
	Use:   "exec -- <command>...",
	Short: "Run a typed command in a new block",
	Long: `Run a typed command in a new block. The arguments are joined with spaces
and given to the shell as one command line, so pipes and redirections work
when quoted:

  neoterm exec -- 'ls -la | sort -k5 -n'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

// runFlags are shared by run and exec.
var (
	runArgs         []string
	runRoots        []string
	runAllowWrite   bool
	runAllowNetwork bool
	runTimeout      time.Duration
	runReplay       bool
	runSave         bool
	runCwd          string
)

func init() {
	runCmd.Flags().StringArrayVar(&runArgs, "arg", nil, "argument value (format: name=value)")
	for _, c := range []*cobra.Command{runCmd, execCmd} {
		c.Flags().StringArrayVar(&runRoots, "root", nil, "restrict file access to this directory (repeatable)")
		c.Flags().BoolVar(&runAllowWrite, "allow-write", true, "allow commands that write files")
		c.Flags().BoolVar(&runAllowNetwork, "allow-network", true, "allow commands that use the network")
		c.Flags().DurationVar(&runTimeout, "timeout", 0, "cancel the block after this long (0: sandbox.time_limit)")
		c.Flags().BoolVar(&runReplay, "replay", false, "print writing statements instead of running them")
		c.Flags().BoolVar(&runSave, "save", false, "record the block in the session history")
		c.Flags().StringVar(&runCwd, "cwd", "", "working directory of the block (default: the project directory, or the first --root outside it)")
		rootCmd.AddCommand(c)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	values, err := render.ParseValues(runArgs)
	if err != nil {
		return err
	}
	return runBlock(cmd, session.Request{Workflow: args[0], Values: values})
}

func runExec(cmd *cobra.Command, args []string) error {
	return runBlock(cmd, session.Request{Command: strings.Join(args, " ")})
}

// newPolicy builds the block's sandbox policy. Without --cwd the block
// runs in the project directory, or in the first root when the project
// directory lies outside every root.
func newPolicy(cmd *cobra.Command, e *env) (*sandbox.Policy, error) {
	spec := policySpec(cmd, e)
	policy, err := sandbox.NewPolicy(spec)
	if err != nil || cmd.Flags().Changed("cwd") {
		return policy, err
	}
	if roots := policy.Roots(); len(roots) > 0 && !policy.Contains(policy.Workdir()) {
		spec.Workdir = roots[0]
		return sandbox.NewPolicy(spec)
	}
	return policy, nil
}

// policySpec layers the command flags over the configured sandbox policy.
func policySpec(cmd *cobra.Command, e *env) sandbox.PolicySpec {
	spec := sandbox.SpecFromConfig(e.cfg)
	spec.Workdir = e.dir
	flags := cmd.Flags()
	if flags.Changed("cwd") {
		spec.Workdir = runCwd
		if !filepath.IsAbs(runCwd) {
			spec.Workdir = filepath.Join(e.dir, runCwd)
		}
	}
	if flags.Changed("root") {
		spec.Roots = runRoots
	}
	if flags.Changed("allow-write") {
		spec.AllowWrite = runAllowWrite
	}
	if flags.Changed("allow-network") {
		spec.AllowNetwork = runAllowNetwork
	}
	if runTimeout > 0 {
		spec.TimeLimit = runTimeout
	}
	if runReplay {
		spec.Mode = sandbox.ModeReplay
	}
	return spec
}

func runBlock(cmd *cobra.Command, req session.Request) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	policy, err := newPolicy(cmd, e)
	if err != nil {
		return err
	}

	// Log lines go to the session log so they never interleave with output.
	logger, closer, err := logging.NewForSession(e.cfg, e.dir, sessionID)
	if err != nil {
		return fmt.Errorf("opening session log: %w", err)
	}
	defer closer.Close()

	workflows, err := e.workflows(logger)
	if err != nil {
		return err
	}

	engine := executor.NewEngine(e.cfg, logger)
	if fd := int(os.Stdout.Fd()); term.IsTerminal(fd) {
		if cols, rows, err := term.GetSize(fd); err == nil && cols > 0 && rows > 0 {
			engine.Rows, engine.Cols = uint16(rows), uint16(cols)
		}
	}

	s, err := session.New(e.cfg,
		session.WithID(sessionID),
		session.WithLogger(logger),
		session.WithWorkflows(workflows),
		session.WithEngine(engine),
		session.WithPolicy(policy),
	)
	if err != nil {
		return err
	}

	var store *session.Store
	if runSave {
		if store, err = e.sessions(); err != nil {
			return err
		}
		lock, err := store.Lock(sessionID)
		if err != nil {
			return err
		}
		defer lock.Release()

		saved, err := store.Load(sessionID)
		switch {
		case err == nil:
			if err := s.Restore(saved.History); err != nil {
				return fmt.Errorf("restoring session %s: %w", sessionID, err)
			}
		case !nterrors.HasCode(err, nterrors.CodeIOFileNotFound):
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, runErr := s.Submit(ctx, req)
	var snap block.Snapshot
	if runErr == nil {
		snap = streamBlock(ctx, s, b, cmd.OutOrStdout())
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Execution.GracePeriod+e.cfg.Execution.DrainTimeout+time.Second)
	defer cancel()
	if err := s.Close(closeCtx); err != nil {
		logger.Warn("closing session", "error", err)
	}

	if store != nil {
		if err := s.Save(store); err != nil {
			return fmt.Errorf("saving session %s: %w", sessionID, err)
		}
	}
	if runErr != nil {
		return runErr
	}

	if n, ok := s.History.Find(snap.Seq); ok {
		fmt.Fprint(cmd.ErrOrStderr(), status.FormatBlockList([]status.BlockSummary{status.NewBlockSummary(n)}, formatOptions()))
	}
	return blockExit(snap)
}

// streamBlock copies b's output to w until b is terminal. An interrupt
// cancels the block; streaming continues until it settles.
func streamBlock(ctx context.Context, s *session.Session, b *block.Block, w io.Writer) block.Snapshot {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	written := 0
	flush := func() {
		if out := b.OutputFrom(written); len(out) > 0 {
			w.Write(out)
			written += len(out)
		}
	}

	interrupted := ctx.Done()
	for {
		select {
		case <-b.Done():
			flush()
			return b.Snapshot()
		case <-interrupted:
			interrupted = nil
			_ = s.Cancel(b.Seq())
		case <-ticker.C:
			flush()
		}
	}
}

// blockExit maps a finished block to the process exit status.
func blockExit(snap block.Snapshot) error {
	if snap.Status == block.StatusDone {
		return nil
	}
	code := 1
	if snap.ExitCode != nil && *snap.ExitCode > 0 {
		code = *snap.ExitCode
	}
	msg := fmt.Sprintf("block #%d %s", snap.Seq, snap.Status)
	if snap.Err != "" {
		msg += ": " + snap.Err
	}
	return &ExitError{Code: code, Message: msg}
}
