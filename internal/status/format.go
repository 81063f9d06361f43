package status

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/openbach-stack/conductor/internal/types"
)

// FormatOptions controls output formatting.
type FormatOptions struct {
	NoColor bool
	Quiet   bool
	// Now overrides the clock for relative times.
	Now time.Time
}

func (o FormatOptions) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

// FormatDetailedInstance formats a single instance with full details.
func FormatDetailedInstance(summary *InstanceSummary, opts FormatOptions) string {
	var b strings.Builder

	b.WriteString(formatHeader(summary, opts))
	b.WriteString("\n\n")

	b.WriteString(formatProgress(summary, opts))
	b.WriteString("\n")

	if len(summary.Running) > 0 {
		b.WriteString("\n")
		b.WriteString(formatRunning(summary, opts))
	}

	if len(summary.Errors) > 0 {
		b.WriteString("\n")
		b.WriteString(formatErrors(summary, opts))
	}

	return b.String()
}

// FormatInstanceList formats several instances, newest first.
func FormatInstanceList(summaries []*InstanceSummary, opts FormatOptions) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Found %s instance(s):\n\n", humanize.Comma(int64(len(summaries)))))

	sorted := make([]*InstanceSummary, len(summaries))
	copy(sorted, summaries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StartedAt.After(sorted[j].StartedAt)
	})

	for i, summary := range sorted {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(formatListItem(summary, opts))
		b.WriteString("\n")
	}

	return b.String()
}

func formatHeader(summary *InstanceSummary, opts FormatOptions) string {
	var b strings.Builder

	color := getStatusColor(summary.Status, opts.NoColor)
	reset := resetColor(opts.NoColor)

	b.WriteString(fmt.Sprintf("Instance: %s\n", summary.ID))
	b.WriteString(fmt.Sprintf("Scenario: %s\n", summary.Scenario))
	if summary.Parent != nil {
		b.WriteString(fmt.Sprintf("Parent:   %s (function %d)\n", summary.Parent.InstanceID, summary.Parent.FunctionID))
	}
	b.WriteString(fmt.Sprintf("Status:   %s%s %s%s\n", color, getStatusIcon(summary.Status), summary.Status, reset))
	b.WriteString(fmt.Sprintf("Started:  %s (%s)", formatTime(summary.StartedAt), humanize.RelTime(summary.StartedAt, opts.now(), "ago", "from now")))

	if summary.StoppedAt != nil {
		b.WriteString(fmt.Sprintf("\nEnded:    %s (took %s)", formatTime(*summary.StoppedAt), formatDuration(summary.StoppedAt.Sub(summary.StartedAt))))
	}

	if len(summary.Arguments) > 0 && !opts.Quiet {
		keys := make([]string, 0, len(summary.Arguments))
		for k := range summary.Arguments {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n\nArguments:")
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("\n  %s = %s", k, summary.Arguments[k]))
		}
	}

	return b.String()
}

func formatProgress(summary *InstanceSummary, opts FormatOptions) string {
	var b strings.Builder

	stats := summary.FunctionStats
	done := stats.Done()

	var percentage int
	if stats.Total > 0 {
		percentage = (done * 100) / stats.Total
	}

	barWidth := 25
	filled := (percentage * barWidth) / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	b.WriteString(fmt.Sprintf("Progress:  %s %d%% (%d/%d functions)\n", bar, percentage, done, stats.Total))

	parts := []string{}
	add := func(n int, color, icon, label string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s%s %d %s%s", getColor(color, opts.NoColor), icon, n, label, resetColor(opts.NoColor)))
		}
	}
	add(stats.Finished, "green", "✓", "finished")
	add(stats.Running, "yellow", "●", "running")
	add(stats.Retrying, "cyan", "◐", "retrying")
	add(stats.Scheduled, "gray", "○", "scheduled")
	add(stats.Failed, "red", "✗", "failed")
	add(stats.Stopped, "gray", "■", "stopped")
	add(stats.Skipped, "gray", "⊘", "skipped")

	b.WriteString("Functions: ")
	b.WriteString(strings.Join(parts, ", "))
	if stats.Retries > 0 {
		b.WriteString(fmt.Sprintf("\nRetries:   %d", stats.Retries))
	}
	return b.String()
}

func formatRunning(summary *InstanceSummary, opts FormatOptions) string {
	var b strings.Builder
	b.WriteString("Running:\n")
	for _, f := range summary.Running {
		name := f.Kind
		if f.Label != "" {
			name = f.Label
		}
		line := fmt.Sprintf("  - %d %s (%s)", f.ID, name, formatDuration(f.Duration))
		if f.Retries > 0 {
			line += fmt.Sprintf(" retry %d", f.Retries)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func formatErrors(summary *InstanceSummary, opts FormatOptions) string {
	var b strings.Builder

	errColor := getColor("red", opts.NoColor)
	reset := resetColor(opts.NoColor)

	b.WriteString(fmt.Sprintf("%sErrors:%s\n", errColor, reset))
	for _, err := range summary.Errors {
		b.WriteString(fmt.Sprintf("  %s✗%s %s\n", errColor, reset, err))
	}
	return b.String()
}

func formatListItem(summary *InstanceSummary, opts FormatOptions) string {
	var b strings.Builder

	color := getStatusColor(summary.Status, opts.NoColor)
	reset := resetColor(opts.NoColor)

	b.WriteString(fmt.Sprintf("%s%s %s%s", color, getStatusIcon(summary.Status), summary.ID, reset))
	if opts.Quiet {
		return b.String()
	}

	b.WriteString(fmt.Sprintf("\n  Scenario:  %s", summary.Scenario))
	b.WriteString(fmt.Sprintf("\n  Status:    %s%s%s", color, summary.Status, reset))
	b.WriteString(fmt.Sprintf("\n  Functions: %d/%d", summary.FunctionStats.Done(), summary.FunctionStats.Total))
	if summary.StoppedAt != nil {
		b.WriteString(fmt.Sprintf("\n  Duration:  %s", formatDuration(summary.StoppedAt.Sub(summary.StartedAt))))
	} else {
		b.WriteString(fmt.Sprintf("\n  Started:   %s", humanize.RelTime(summary.StartedAt, opts.now(), "ago", "from now")))
	}
	return b.String()
}

// Formatting helpers

func getStatusIcon(status types.ScenarioStatus) string {
	switch status {
	case types.ScenarioRunning:
		return "●"
	case types.ScenarioFinishedOk:
		return "✓"
	case types.ScenarioFinishedKo:
		return "✗"
	case types.ScenarioAgentsUnreachable:
		return "⚠"
	case types.ScenarioStopped:
		return "■"
	case types.ScenarioScheduling:
		return "○"
	default:
		return "?"
	}
}

func getStatusColor(status types.ScenarioStatus, noColor bool) string {
	switch status {
	case types.ScenarioRunning:
		return getColor("yellow", noColor)
	case types.ScenarioFinishedOk:
		return getColor("green", noColor)
	case types.ScenarioFinishedKo, types.ScenarioAgentsUnreachable:
		return getColor("red", noColor)
	case types.ScenarioStopped, types.ScenarioScheduling:
		return getColor("gray", noColor)
	default:
		return ""
	}
}

func getColor(name string, noColor bool) string {
	if noColor {
		return ""
	}

	switch name {
	case "red":
		return "\033[31m"
	case "green":
		return "\033[32m"
	case "yellow":
		return "\033[33m"
	case "cyan":
		return "\033[36m"
	case "gray":
		return "\033[90m"
	default:
		return ""
	}
}

func resetColor(noColor bool) string {
	if noColor {
		return ""
	}
	return "\033[0m"
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
