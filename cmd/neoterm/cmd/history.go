package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/neoterm/neoterm/internal/cli"
	nterrors "github.com/neoterm/neoterm/internal/errors"
	"github.com/neoterm/neoterm/internal/history"
	"github.com/neoterm/neoterm/internal/session"
	"github.com/neoterm/neoterm/internal/status"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and edit a saved session history",
	Long: `Inspect and edit the history of a saved session (see --session).

View edits (hide, show-block, collapse, expand) change only how blocks are
displayed, never what ran. They can be undone and redone. Pruning deletes
the oldest finished blocks for good.`,
}

var (
	historyLast  int
	historyTail  int
	historyKeep  int
	historyYes   bool
	historyQuiet bool
)

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "Summarize the session and list its most recent visible blocks",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <seq>",
	Short: "Show one block with its output",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historySessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List saved sessions",
	Args:  cobra.NoArgs,
	RunE:  runHistorySessions,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete the oldest finished blocks",
	Args:  cobra.NoArgs,
	RunE:  runHistoryPrune,
}

// viewEdit builds a command that applies one view edit to block <seq>.
func viewEdit(use, short string, op func(*history.Tree, uint64) (bool, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <seq>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := parseSeq(args[0])
			if err != nil {
				return err
			}
			return editHistory(func(tree *history.Tree) (string, error) {
				changed, err := op(tree, seq)
				if err != nil {
					return "", err
				}
				if !changed {
					return fmt.Sprintf("block #%d unchanged", seq), nil
				}
				return fmt.Sprintf("%s block #%d", use, seq), nil
			}, cmd)
		},
	}
}

var historyUndoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Undo the most recent view edit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return editHistory(func(tree *history.Tree) (string, error) {
			e, ok := tree.Undo()
			if !ok {
				return "nothing to undo", nil
			}
			return fmt.Sprintf("undid %s of block #%d", e.Op, e.Seq), nil
		}, cmd)
	},
}

var historyRedoCmd = &cobra.Command{
	Use:   "redo",
	Short: "Redo the most recently undone view edit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return editHistory(func(tree *history.Tree) (string, error) {
			e, ok := tree.Redo()
			if !ok {
				return "nothing to redo", nil
			}
			return fmt.Sprintf("redid %s of block #%d", e.Op, e.Seq), nil
		}, cmd)
	},
}

func init() {
	historyListCmd.Flags().IntVarP(&historyLast, "last", "n", 20, "number of blocks to list (0: all)")
	historyListCmd.Flags().BoolVarP(&historyQuiet, "quiet", "q", false, "minimal output")
	historyShowCmd.Flags().IntVar(&historyTail, "tail", 0, "only the last N output lines (0: all)")
	historyPruneCmd.Flags().IntVar(&historyKeep, "keep", 100, "blocks to keep")
	historyPruneCmd.Flags().BoolVarP(&historyYes, "yes", "y", false, "do not ask for confirmation")

	historyCmd.AddCommand(
		historyListCmd,
		historyShowCmd,
		historySessionsCmd,
		viewEdit("hide", "Hide a block", (*history.Tree).Hide),
		viewEdit("show-block", "Show a hidden block", (*history.Tree).Show),
		viewEdit("collapse", "Collapse a block's output", (*history.Tree).Collapse),
		viewEdit("expand", "Expand a block's output", (*history.Tree).Expand),
		historyUndoCmd,
		historyRedoCmd,
		historyPruneCmd,
	)
	rootCmd.AddCommand(historyCmd)
}

func parseSeq(s string) (uint64, error) {
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil || seq == 0 {
		return 0, fmt.Errorf("invalid block number %q", s)
	}
	return seq, nil
}

// loadHistory reads the current session's saved history. With pick set and
// stdin a terminal, a missing session falls back to choosing a saved one.
func loadHistory(cmd *cobra.Command, e *env, pick bool) (*history.Tree, error) {
	store, err := e.sessions()
	if err != nil {
		return nil, err
	}
	saved, err := store.Load(sessionID)
	if nterrors.HasCode(err, nterrors.CodeIOFileNotFound) && pick && term.IsTerminal(int(os.Stdin.Fd())) {
		var id string
		if id, err = pickSession(cmd, store); err == nil && id != "" {
			sessionID = id
			saved, err = store.Load(id)
		} else if err == nil {
			err = nterrors.IOFileNotFound(sessionID)
		}
	}
	if err != nil {
		if nterrors.HasCode(err, nterrors.CodeIOFileNotFound) {
			return nil, fmt.Errorf("no saved session %q (run with --save to record one)", sessionID)
		}
		return nil, err
	}
	tree := history.New(e.logger)
	if err := tree.Import(saved.History); err != nil {
		return nil, err
	}
	return tree, nil
}

func pickSession(cmd *cobra.Command, store *session.Store) (string, error) {
	infos, err := store.List()
	if err != nil || len(infos) == 0 {
		return "", err
	}
	options := make([]cli.SelectOption, len(infos))
	for i, info := range infos {
		options[i] = cli.SelectOption{
			Value: info.ID,
			Label: fmt.Sprintf("%s (%d blocks, saved %s)", info.ID, info.Blocks, info.SavedAt.Local().Format("2006-01-02 15:04")),
		}
	}
	prompter := cli.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
	return prompter.Select(fmt.Sprintf("No session %q. Saved sessions:", sessionID), options)
}

// editHistory applies fn to the locked session history and saves it.
func editHistory(fn func(*history.Tree) (string, error), cmd *cobra.Command) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	store, err := e.sessions()
	if err != nil {
		return err
	}
	lock, err := store.Lock(sessionID)
	if err != nil {
		return err
	}
	defer lock.Release()

	tree, err := loadHistory(cmd, e, false)
	if err != nil {
		return err
	}
	msg, err := fn(tree)
	if err != nil {
		return err
	}
	if err := store.Save(sessionID, tree.Export()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	tree, err := loadHistory(cmd, e, true)
	if err != nil {
		return err
	}
	opts := formatOptions()
	opts.Quiet = historyQuiet
	fmt.Fprint(cmd.OutOrStdout(), status.FormatHistory(status.NewHistorySummary(sessionID, tree.Snapshot(), historyLast), opts))
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	seq, err := parseSeq(args[0])
	if err != nil {
		return err
	}
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	tree, err := loadHistory(cmd, e, true)
	if err != nil {
		return err
	}
	n, ok := tree.Find(seq)
	if !ok {
		return nterrors.BlockNotFound(seq)
	}
	opts := formatOptions()
	opts.Output = true
	opts.MaxLines = historyTail
	fmt.Fprint(cmd.OutOrStdout(), status.FormatBlock(status.NewBlockSummary(n), opts))
	return nil
}

func runHistorySessions(cmd *cobra.Command, args []string) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	store, err := e.sessions()
	if err != nil {
		return err
	}
	infos, err := store.List()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(w, "No saved sessions.")
		return nil
	}
	for _, info := range infos {
		locked := ""
		if info.Locked {
			locked = " (in use)"
		}
		fmt.Fprintf(w, "%-20s %5d block(s)  saved %s%s\n",
			info.ID, info.Blocks, info.SavedAt.Local().Format("2006-01-02 15:04:05"), locked)
	}
	return nil
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	if historyKeep < 0 {
		return fmt.Errorf("--keep must not be negative")
	}
	if !historyYes {
		prompter := cli.NewPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
		ok, err := prompter.Confirm(
			fmt.Sprintf("Delete all but the last %d block(s) of session %q? This cannot be undone.", historyKeep, sessionID), false)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
	}
	return editHistory(func(tree *history.Tree) (string, error) {
		return fmt.Sprintf("pruned %d block(s)", tree.Prune(historyKeep)), nil
	}, cmd)
}
