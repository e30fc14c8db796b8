package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/neoterm/neoterm/internal/status"
	"github.com/neoterm/neoterm/internal/workflow"
)

var workflowsCmd = &cobra.Command{
	Use:     "workflows",
	Aliases: []string{"wf"},
	Short:   "Browse and manage workflow definitions",
	Long: `Browse and manage workflow definitions.

Workflows are loaded from three places, later ones overriding earlier ones
with the same name:
  built-in examples
  ~/.neoterm/workflows/
  <project>/.neoterm/workflows/ (or paths.workflows_dir)`,
}

var (
	workflowsCategory string
	workflowsQuiet    bool
	workflowsShell    string
	workflowsPopular  bool
	workflowsRecent   bool
	workflowsLimit    int
)

var workflowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available workflows",
	Long: `List available workflows, most used first.

--popular limits the list to the most used workflows and --recent to the
workflows run most recently. Both honour --shell and --limit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listWorkflows(cmd.OutOrStdout(), workflowListing{
			category: workflowsCategory,
			shell:    workflow.Shell(workflowsShell),
			popular:  workflowsPopular,
			recent:   workflowsRecent,
			limit:    workflowsLimit,
			quiet:    workflowsQuiet,
		})
	},
}

var workflowsShowCmd = &cobra.Command{
	Use:   "show <workflow>",
	Short: "Show a workflow's command and arguments",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowsShow,
}

var workflowsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search workflows by name, tag, description and command",
	Long: `Search workflows by name, tag, description and command.

Matches are ranked by field weight (name, then tags, description, command
and author) with a bonus for exact name or tag matches and for frequently
used workflows.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflowsSearch,
}

var workflowsExportCmd = &cobra.Command{
	Use:   "export <workflow>",
	Short: "Print a workflow as a YAML document",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowsExport,
}

var workflowsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Copy the built-in examples into an empty workflows directory",
	Args:  cobra.NoArgs,
	RunE:  runWorkflowsSeed,
}

func init() {
	workflowsListCmd.Flags().StringVar(&workflowsCategory, "category", "", "only list one category (git, docker, kubernetes, aws, database, network, file, system, other)")
	workflowsListCmd.Flags().BoolVarP(&workflowsQuiet, "quiet", "q", false, "names only")
	workflowsListCmd.Flags().BoolVar(&workflowsPopular, "popular", false, "most used workflows only")
	workflowsListCmd.Flags().BoolVar(&workflowsRecent, "recent", false, "recently run workflows only, newest first")
	workflowsListCmd.Flags().IntVarP(&workflowsLimit, "limit", "n", 10, "maximum workflows for --popular and --recent")
	workflowsListCmd.Flags().StringVar(&workflowsShell, "shell", "", "only workflows valid under this shell (bash, zsh, fish, sh)")
	workflowsSearchCmd.Flags().StringVar(&workflowsShell, "shell", "", "only workflows valid under this shell (bash, zsh, fish, sh)")

	workflowsCmd.AddCommand(workflowsListCmd, workflowsShowCmd, workflowsSearchCmd, workflowsExportCmd, workflowsSeedCmd)
	rootCmd.AddCommand(workflowsCmd)
}

func runWorkflowsShow(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	store, err := e.workflowsWithUsage()
	if err != nil {
		return err
	}
	def, err := store.Get(args[0])
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), status.FormatWorkflow(status.NewWorkflowSummary(def, store.Usage(def.Name)), formatOptions()))
	return nil
}

func runWorkflowsSearch(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	store, err := e.workflowsWithUsage()
	if err != nil {
		return err
	}

	results := store.Search(args[0], workflow.Shell(workflowsShell))
	w := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintf(w, "No workflows match %q.\n", args[0])
		return nil
	}
	for _, r := range results {
		fmt.Fprintf(w, "%6.1f  %-32s %v\n", r.Score, r.Definition.Name, r.Matched)
	}
	return nil
}

func runWorkflowsExport(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	store, err := e.workflows(e.logger)
	if err != nil {
		return err
	}
	def, err := store.Get(args[0])
	if err != nil {
		return err
	}
	data, err := def.Marshal()
	if err != nil {
		return fmt.Errorf("exporting %s: %w", def.Name, err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runWorkflowsSeed(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	dir := e.cfg.WorkflowsDir(e.dir)
	written, err := workflow.Seed(dir)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(written) == 0 {
		fmt.Fprintf(w, "%s already holds workflows; nothing seeded.\n", dir)
		return nil
	}
	sort.Strings(written)
	fmt.Fprintf(w, "Seeded %d workflow(s) into %s:\n", len(written), dir)
	for _, p := range written {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}
