package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/neoterm/neoterm/internal/config"
	nterrors "github.com/neoterm/neoterm/internal/errors"
	"github.com/neoterm/neoterm/internal/logging"
	"github.com/neoterm/neoterm/internal/session"
	"github.com/neoterm/neoterm/internal/status"
	"github.com/neoterm/neoterm/internal/workflow"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	// Global flags
	verbose   bool
	workDir   string
	noColor   bool
	sessionID string
)

var rootCmd = &cobra.Command{
	Use:   "neoterm",
	Short: "neoterm - workflow-driven terminal execution core",
	Long: `neoterm runs shell commands as blocks: each command gets its own pty,
its own lifecycle (queued, running, done, error, cancelled) and a place in a
persistent, undoable session history.

Commands come from typed input or from parameterized workflows stored as
YAML. Every command passes a sandbox gate before it reaches a shell.

With no subcommand, neoterm lists the available workflows.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listWorkflows(cmd.OutOrStdout(), workflowListing{quiet: true})
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "C", "", "working directory (default: current)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colors")
	rootCmd.PersistentFlags().StringVarP(&sessionID, "session", "s", "default", "session to record blocks in")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("neoterm {{.Version}}\n")
}

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// getWorkDir returns the effective working directory.
func getWorkDir() (string, error) {
	if workDir != "" {
		return workDir, nil
	}
	return os.Getwd()
}

func formatOptions() status.FormatOptions {
	return status.FormatOptions{NoColor: noColor}
}

// env is what every command needs: the project directory, its layered
// configuration and a logger.
type env struct {
	dir    string
	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
}

func loadEnv() (*env, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return nil, err
	}
	dir, err := getWorkDir()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}
	cfg, err := config.LoadFromDir(dir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = config.LogLevelDebug
	}

	logger, closer, err := logging.NewFromConfig(cfg, dir)
	if err != nil {
		return nil, fmt.Errorf("opening log: %w", err)
	}
	return &env{dir: dir, cfg: cfg, logger: logger, closer: closer}, nil
}

func (e *env) Close() {
	if e.closer != nil {
		e.closer.Close()
	}
}

// workflows loads the embedded, user and project workflows.
func (e *env) workflows(logger *slog.Logger) (*workflow.Store, error) {
	loader := workflow.NewLoader(e.cfg.WorkflowsDir(e.dir))
	loader.Logger = logger
	store, reports, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading workflows: %w", err)
	}
	for scope, r := range reports {
		for _, f := range r.Failed {
			logger.Warn("workflow not loaded", "scope", scope, "path", f.Path, "error", f.Err)
		}
	}
	return store, nil
}

func (e *env) sessions() (*session.Store, error) {
	return session.NewStore(e.cfg.SessionsDir(e.dir))
}

// workflowsWithUsage loads the workflows and replays their usage from the
// current session's saved history, if there is one.
func (e *env) workflowsWithUsage() (*workflow.Store, error) {
	store, err := e.workflows(e.logger)
	if err != nil {
		return nil, err
	}
	sessions, err := e.sessions()
	if err != nil {
		return nil, err
	}
	saved, err := sessions.Load(sessionID)
	switch {
	case err == nil:
		session.ReplayUsage(store, saved.History)
	case !nterrors.HasCode(err, nterrors.CodeIOFileNotFound):
		e.logger.Warn("session history unreadable; usage not shown", "session", sessionID, "error", err)
	}
	return store, nil
}

// workflowListing selects which workflows a listing shows and in what
// order.
type workflowListing struct {
	category string
	shell    workflow.Shell
	popular  bool
	recent   bool
	limit    int
	quiet    bool
}

// listWorkflows lists the available workflows, most used first unless
// recent order is asked for.
func listWorkflows(w io.Writer, l workflowListing) error {
	if l.popular && l.recent {
		return fmt.Errorf("--popular and --recent are mutually exclusive")
	}

	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	store, err := e.workflowsWithUsage()
	if err != nil {
		return err
	}

	var ranked []workflow.Ranked
	switch {
	case l.recent:
		ranked = store.Recent(l.limit, l.shell)
	case l.popular:
		ranked = store.Popular(l.limit, l.shell)
	default:
		ranked = store.Popular(0, l.shell)
	}

	var summaries []*status.WorkflowSummary
	for _, r := range ranked {
		if l.category != "" && r.Definition.Category() != workflow.Category(l.category) {
			continue
		}
		summaries = append(summaries, status.NewWorkflowSummary(r.Definition, r.Usage))
	}
	if len(summaries) == 0 {
		if l.recent {
			fmt.Fprintln(w, "No workflows have been run yet.")
			return nil
		}
		fmt.Fprintln(w, "No workflows found.")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Run 'neoterm workflows seed' to copy the built-in examples into", e.cfg.WorkflowsDir(e.dir))
		return nil
	}

	opts := formatOptions()
	opts.Quiet = l.quiet
	fmt.Fprint(w, status.FormatWorkflowList(summaries, opts))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run: neoterm run <workflow> [--arg name=value]")
	return nil
}
