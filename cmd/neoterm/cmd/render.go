package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neoterm/neoterm/internal/render"
	"github.com/neoterm/neoterm/internal/status"
)

var renderArgs []string

var renderCmd = &cobra.Command{
	Use:   "render <workflow>",
	Short: "Print the command a workflow renders to",
	Long: `Render a workflow with the given arguments and print the resulting
command without running it. Values are shell-quoted as needed.`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

var previewCmd = &cobra.Command{
	Use:   "preview <workflow>",
	Short: "Dry-run a workflow: rendered command and the environment it reads",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreview,
}

func init() {
	for _, c := range []*cobra.Command{renderCmd, previewCmd} {
		c.Flags().StringArrayVar(&renderArgs, "arg", nil, "argument value (format: name=value)")
		rootCmd.AddCommand(c)
	}
}

func runRender(cmd *cobra.Command, args []string) error {
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
	values, err := render.ParseValues(renderArgs)
	if err != nil {
		return err
	}
	rc, err := render.Render(def, values)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), rc.Command())
	return nil
}

func runPreview(cmd *cobra.Command, args []string) error {
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
	values, err := render.ParseValues(renderArgs)
	if err != nil {
		return err
	}
	dry, err := render.Preview(def, values)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), status.FormatDryRun(dry, formatOptions()))
	return nil
}
