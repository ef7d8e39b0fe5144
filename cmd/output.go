package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"vigil/core"
	"vigil/detect"

	"github.com/fatih/color"
)

// printField prints a labeled field
func printField(out io.Writer, label, value string) {
	if value == "" {
		value = color.New(color.FgHiBlack).Sprint("(not set)")
	}
	fmt.Fprintf(out, "  %-20s %s\n", label+":", value)
}

// formatSeverity returns a colored severity label
func formatSeverity(s core.Severity) string {
	switch s {
	case core.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint(s)
	case core.SeverityHigh:
		return color.New(color.FgRed).Sprint(s)
	case core.SeverityMedium:
		return color.New(color.FgYellow).Sprint(s)
	default:
		return color.New(color.FgCyan).Sprint(s)
	}
}

func newRegexCache(timeoutMS int) (*detect.RegexCache, error) {
	if timeoutMS <= 0 {
		timeoutMS = 100
	}
	return detect.NewRegexCache(256, time.Duration(timeoutMS)*time.Millisecond)
}

// renderReplayTable displays the alerts and suppressions of a replay run
func renderReplayTable(out io.Writer, report *replayReport) {
	headerColor.Fprintln(out, "ALERTS")
	headerColor.Fprintln(out, strings.Repeat("=", 110))
	if len(report.Alerts) == 0 {
		warningColor.Fprintln(out, "No alerts raised")
	} else {
		fmt.Fprintf(out, "%-26s %-20s %-10s %-12s %s\n", "Triggered", "Policy", "Severity", "Event", "Title")
		fmt.Fprintln(out, strings.Repeat("-", 110))
		for _, a := range report.Alerts {
			// Pad before coloring so escape codes do not break alignment.
			sev := fmt.Sprintf("%-10s", a.Severity)
			sev = strings.Replace(sev, string(a.Severity), formatSeverity(a.Severity), 1)
			fmt.Fprintf(out, "%-26s %-20s %s %-12s %s\n",
				a.TriggeredAt.UTC().Format(time.RFC3339), truncate(a.PolicyID, 20), sev, truncate(a.EventID, 12), a.Title)
		}
	}

	if len(report.Suppressed) > 0 {
		fmt.Fprintln(out)
		headerColor.Fprintln(out, "SUPPRESSED")
		fmt.Fprintln(out, strings.Repeat("-", 110))
		for _, s := range report.Suppressed {
			fmt.Fprintf(out, "%-26s %-20s %-10s %s\n",
				s.At.UTC().Format(time.RFC3339), truncate(s.PolicyID, 20), s.Reason, s.EventID)
		}
	}

	fmt.Fprintln(out, strings.Repeat("=", 110))
	infoColor.Fprintf(out, "%d event(s), %d alert(s), %d suppressed\n",
		report.Events, len(report.Alerts), len(report.Suppressed))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
