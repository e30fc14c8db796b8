package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neoterm/neoterm/internal/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate workflow documents",
	Long: `Validate workflow documents without running them.

Checks:
- YAML syntax and document schema
- Required fields
- Argument types, defaults and options
- Template syntax, placeholders and conditions`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	failed := 0
	for _, path := range args {
		def, err := workflow.ParseFile(path)
		if err != nil {
			failed++
			fmt.Fprintf(w, "✗ %s\n  %v\n", path, err)
			continue
		}
		fmt.Fprintf(w, "✓ %s (%s)\n", path, def.Name)
	}
	if failed > 0 {
		return &ExitError{Code: 1, Message: fmt.Sprintf("%d of %d document(s) invalid", failed, len(args))}
	}
	return nil
}
