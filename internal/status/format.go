package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/neoterm/neoterm/internal/block"
	"github.com/neoterm/neoterm/internal/render"
)

// FormatOptions controls output formatting.
type FormatOptions struct {
	NoColor  bool
	Quiet    bool
	Output   bool      // include block output in detailed views
	MaxLines int       // output lines shown, counted from the end; 0 shows all
	Now      time.Time // reference for running durations; zero means time.Now()
}

func (o FormatOptions) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

// palette holds the styles for one rendering. Every style is plain when
// color is off.
type palette struct {
	green  lipgloss.Style
	yellow lipgloss.Style
	red    lipgloss.Style
	gray   lipgloss.Style
	cyan   lipgloss.Style
	bold   lipgloss.Style
}

func newPalette(noColor bool) palette {
	plain := lipgloss.NewStyle()
	if noColor {
		return palette{plain, plain, plain, plain, plain, plain}
	}
	return palette{
		green:  plain.Foreground(lipgloss.Color("2")),
		yellow: plain.Foreground(lipgloss.Color("3")),
		red:    plain.Foreground(lipgloss.Color("1")),
		gray:   plain.Foreground(lipgloss.Color("8")),
		cyan:   plain.Foreground(lipgloss.Color("6")),
		bold:   plain.Bold(true),
	}
}

func (p palette) status(s block.Status) lipgloss.Style {
	switch s {
	case block.StatusRunning:
		return p.yellow
	case block.StatusDone:
		return p.green
	case block.StatusError:
		return p.red
	default:
		return p.gray
	}
}

// FormatBlock formats a single block with full details.
func FormatBlock(b BlockSummary, opts FormatOptions) string {
	p := newPalette(opts.NoColor)
	var sb strings.Builder

	sb.WriteString(p.bold.Render(fmt.Sprintf("Block #%d", b.Seq)))
	sb.WriteString("  ")
	sb.WriteString(p.status(b.Status).Render(getStatusIcon(b.Status) + " " + string(b.Status)))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("Command:  %s\n", b.Command))
	if b.Workflow != "" {
		sb.WriteString(fmt.Sprintf("Workflow: %s\n", b.Workflow))
	}
	if b.Workdir != "" {
		sb.WriteString(fmt.Sprintf("Workdir:  %s\n", b.Workdir))
	}
	if !opts.Quiet {
		sb.WriteString(fmt.Sprintf("ID:       %s\n", b.ID))
	}
	sb.WriteString(fmt.Sprintf("Created:  %s\n", formatTime(b.CreatedAt)))

	if b.StartedAt != nil {
		sb.WriteString(fmt.Sprintf("Started:  %s", formatTime(*b.StartedAt)))
		if b.EndedAt != nil {
			sb.WriteString(fmt.Sprintf(" (took %s)", formatDuration(b.Duration(opts.now()))))
		} else {
			sb.WriteString(fmt.Sprintf(" (running %s)", formatDuration(b.Duration(opts.now()))))
		}
		sb.WriteString("\n")
	}
	if b.ExitCode != nil {
		sb.WriteString(fmt.Sprintf("Exit:     %d\n", *b.ExitCode))
	}
	if b.Err != "" {
		sb.WriteString(fmt.Sprintf("Error:    %s\n", p.red.Render(b.Err)))
	}
	if view := formatView(b); view != "" {
		sb.WriteString(fmt.Sprintf("View:     %s\n", view))
	}

	if opts.Output {
		sb.WriteString("\n")
		sb.WriteString(formatOutput(b, opts, p))
	}

	return sb.String()
}

func formatView(b BlockSummary) string {
	var parts []string
	if b.Hidden {
		parts = append(parts, "hidden")
	}
	if b.Collapsed {
		parts = append(parts, "collapsed")
	}
	return strings.Join(parts, ", ")
}

func formatOutput(b BlockSummary, opts FormatOptions, p palette) string {
	if b.Collapsed {
		return p.gray.Render(fmt.Sprintf("Output collapsed (%d lines)", b.Lines)) + "\n"
	}
	if len(b.Output) == 0 {
		return p.gray.Render("No output") + "\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Output (%d lines, %s):\n", b.Lines, formatBytes(len(b.Output))))

	lines := strings.Split(strings.TrimSuffix(string(b.Output), "\n"), "\n")
	if opts.MaxLines > 0 && len(lines) > opts.MaxLines {
		skipped := len(lines) - opts.MaxLines
		lines = lines[skipped:]
		sb.WriteString(p.gray.Render(fmt.Sprintf("  ... %d earlier lines", skipped)))
		sb.WriteString("\n")
	}
	for _, line := range lines {
		sb.WriteString("  ")
		sb.WriteString(strings.TrimRight(line, "\r"))
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatBlockList formats blocks one per line, in the order given.
func FormatBlockList(blocks []BlockSummary, opts FormatOptions) string {
	if len(blocks) == 0 {
		return "No blocks.\n"
	}
	p := newPalette(opts.NoColor)
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString(formatBlockListItem(b, opts, p))
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatBlockListItem(b BlockSummary, opts FormatOptions, p palette) string {
	style := p.status(b.Status)
	line := fmt.Sprintf("%s #%-4d %-9s", style.Render(getStatusIcon(b.Status)), b.Seq, style.Render(string(b.Status)))
	if opts.Quiet {
		return line + " " + firstLine(b.Command, 60)
	}

	duration := "-"
	if b.StartedAt != nil {
		duration = formatDuration(b.Duration(opts.now()))
	}
	line += fmt.Sprintf(" %6s  %s", duration, firstLine(b.Command, 60))
	if b.Workflow != "" {
		line += " " + p.cyan.Render("["+b.Workflow+"]")
	}
	if view := formatView(b); view != "" {
		line += " " + p.gray.Render("("+view+")")
	}
	return line
}

// FormatHistory formats a session history with its most recent blocks.
func FormatHistory(summary *HistorySummary, opts FormatOptions) string {
	p := newPalette(opts.NoColor)
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Session: %s\n\n", summary.Session))
	sb.WriteString(formatProgress(summary.Stats, p))
	sb.WriteString("\n")

	if !opts.Quiet {
		sb.WriteString(fmt.Sprintf("Output:   %s, %d lines\n", formatBytes(summary.OutputBytes), summary.OutputLines))
		sb.WriteString(fmt.Sprintf("Edits:    %d undoable, %d redoable\n", summary.UndoDepth, summary.RedoDepth))
	}

	if len(summary.Blocks) > 0 {
		sb.WriteString("\nRecent blocks:\n")
		for _, b := range summary.Blocks {
			sb.WriteString("  ")
			sb.WriteString(formatBlockListItem(b, opts, p))
			sb.WriteString("\n")
		}
	}

	if len(summary.Errors) > 0 {
		sb.WriteString("\n")
		sb.WriteString(formatErrors(summary.Errors, p))
	}

	return sb.String()
}

func formatProgress(stats BlockStats, p palette) string {
	var sb strings.Builder

	finished := stats.Done + stats.Failed + stats.Cancelled
	var percentage int
	if stats.Total > 0 {
		percentage = (finished * 100) / stats.Total
	}

	// 25 characters wide
	barWidth := 25
	filled := (percentage * barWidth) / 100
	progressBar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	sb.WriteString(fmt.Sprintf("Progress: %s %d%% (%d/%d blocks finished)\n",
		progressBar, percentage, finished, stats.Total))

	parts := []string{}
	if stats.Done > 0 {
		parts = append(parts, p.green.Render(fmt.Sprintf("✓ %d done", stats.Done)))
	}
	if stats.Running > 0 {
		parts = append(parts, p.yellow.Render(fmt.Sprintf("● %d running", stats.Running)))
	}
	if stats.Queued > 0 {
		parts = append(parts, p.gray.Render(fmt.Sprintf("○ %d queued", stats.Queued)))
	}
	if stats.Failed > 0 {
		parts = append(parts, p.red.Render(fmt.Sprintf("✗ %d error", stats.Failed)))
	}
	if stats.Cancelled > 0 {
		parts = append(parts, p.gray.Render(fmt.Sprintf("■ %d cancelled", stats.Cancelled)))
	}
	if hidden := stats.Total - stats.Visible; hidden > 0 {
		parts = append(parts, p.gray.Render(fmt.Sprintf("%d hidden", hidden)))
	}

	sb.WriteString("Blocks:   ")
	sb.WriteString(strings.Join(parts, ", "))
	sb.WriteString("\n")
	return sb.String()
}

func formatErrors(errs []string, p palette) string {
	var sb strings.Builder
	sb.WriteString(p.red.Render("Errors:"))
	sb.WriteString("\n")
	for _, err := range errs {
		sb.WriteString(fmt.Sprintf("  %s %s\n", p.red.Render("✗"), err))
	}
	return sb.String()
}

// FormatWorkflowList formats workflow definitions in the order given.
func FormatWorkflowList(summaries []*WorkflowSummary, opts FormatOptions) string {
	p := newPalette(opts.NoColor)
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Found %d workflow(s):\n\n", len(summaries)))

	for i, summary := range summaries {
		if i > 0 && !opts.Quiet {
			sb.WriteString("\n")
		}
		sb.WriteString(formatWorkflowListItem(summary, opts, p))
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatWorkflowListItem(summary *WorkflowSummary, opts FormatOptions, p palette) string {
	var sb strings.Builder
	sb.WriteString(p.bold.Render(summary.Name))
	sb.WriteString(" ")
	sb.WriteString(p.cyan.Render("[" + string(summary.Category) + "]"))

	if !opts.Quiet {
		if summary.Description != "" {
			sb.WriteString(fmt.Sprintf("\n  %s", summary.Description))
		}
		sb.WriteString(fmt.Sprintf("\n  Command: %s", firstLine(summary.Command, 70)))
		if summary.Usage.Count > 0 {
			sb.WriteString(fmt.Sprintf("\n  Used:    %s", formatUsage(summary)))
		}
	}
	return sb.String()
}

// FormatWorkflow formats a single workflow definition with full details.
func FormatWorkflow(summary *WorkflowSummary, opts FormatOptions) string {
	p := newPalette(opts.NoColor)
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Workflow: %s\n", p.bold.Render(summary.Name)))
	if summary.Description != "" {
		sb.WriteString(fmt.Sprintf("About:    %s\n", summary.Description))
	}
	sb.WriteString(fmt.Sprintf("Category: %s\n", summary.Category))
	if len(summary.Tags) > 0 {
		sb.WriteString(fmt.Sprintf("Tags:     %s\n", strings.Join(summary.Tags, ", ")))
	}
	if len(summary.Shells) > 0 {
		shells := make([]string, len(summary.Shells))
		for i, s := range summary.Shells {
			shells[i] = string(s)
		}
		sb.WriteString(fmt.Sprintf("Shells:   %s\n", strings.Join(shells, ", ")))
	}
	if summary.Path != "" && !opts.Quiet {
		sb.WriteString(fmt.Sprintf("File:     %s\n", summary.Path))
	}
	if summary.Usage.Count > 0 {
		sb.WriteString(fmt.Sprintf("Used:     %s\n", formatUsage(summary)))
	}

	sb.WriteString(fmt.Sprintf("\nCommand:\n  %s\n", summary.Command))

	if len(summary.Arguments) > 0 {
		sb.WriteString("\nArguments:\n")
		for _, arg := range summary.Arguments {
			sb.WriteString(fmt.Sprintf("  %s (%s", p.bold.Render(arg.Name), arg.Type))
			switch {
			case arg.Required:
				sb.WriteString(", required")
			case arg.HasDefault():
				sb.WriteString(fmt.Sprintf(", default %q", *arg.Default))
			}
			sb.WriteString(")")
			if arg.Description != "" {
				sb.WriteString(": " + arg.Description)
			}
			sb.WriteString("\n")
			if len(arg.Options) > 0 {
				sb.WriteString(fmt.Sprintf("    one of: %s\n", strings.Join(arg.Options, ", ")))
			}
		}
	}
	return sb.String()
}

func formatUsage(summary *WorkflowSummary) string {
	return fmt.Sprintf("%d time(s), %d%% success, last %s",
		summary.Usage.Count, int(summary.Usage.SuccessRate*100+0.5), formatTime(summary.Usage.LastUsed))
}

// FormatDryRun formats a rendered preview and the environment it reads.
func FormatDryRun(d *render.DryRun, opts FormatOptions) string {
	p := newPalette(opts.NoColor)
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Workflow: %s\n", d.Workflow))
	if !opts.Quiet {
		sb.WriteString(fmt.Sprintf("Template: %s\n", d.Template))
	}
	sb.WriteString(fmt.Sprintf("Command:  %s\n", p.bold.Render(d.Command.Command())))

	if len(d.Env) > 0 {
		sb.WriteString("\nEnvironment:\n")
		for _, v := range d.Env {
			if v.Set {
				sb.WriteString(fmt.Sprintf("  %s=%s\n", v.Name, v.Value))
			} else {
				sb.WriteString(fmt.Sprintf("  %s %s\n", v.Name, p.yellow.Render("(unset)")))
			}
		}
	}
	return sb.String()
}

// Formatting helpers

func getStatusIcon(status block.Status) string {
	switch status {
	case block.StatusQueued:
		return "○"
	case block.StatusRunning:
		return "●"
	case block.StatusDone:
		return "✓"
	case block.StatusError:
		return "✗"
	case block.StatusCancelled:
		return "■"
	default:
		return "?"
	}
}

func firstLine(s string, width int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	if r := []rune(s); len(r) > width {
		s = string(r[:width-3]) + "..."
	}
	return s
}

func formatBytes(n int) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KiB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1024*1024))
	}
}

func formatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
