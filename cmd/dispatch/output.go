package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/dispatch/internal/chain"
	"github.com/aristath/dispatch/internal/gate"
	"github.com/aristath/dispatch/internal/persistence"
	"github.com/aristath/dispatch/internal/poller"
	"github.com/aristath/dispatch/internal/scheduler"
)

// maxErrorWidth bounds the diagnostic printed per item.
const maxErrorWidth = 120

// Status styles
var (
	styleRunning = lipgloss.NewStyle().
			Foreground(lipgloss.Color("yellow")).
			Bold(true)

	styleComplete = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Bold(true)

	styleFailed = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Bold(true)

	styleSkipped = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	stylePending = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	styleTitle = lipgloss.NewStyle().Bold(true)

	styleDim = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(scheduler.StatusRunning):
		return styleRunning
	case string(scheduler.StatusCompleted):
		return styleComplete
	case string(scheduler.StatusFailed):
		return styleFailed
	case string(scheduler.StatusSkipped):
		return styleSkipped
	}
	return stylePending
}

func statusIcon(status string) string {
	switch status {
	case string(scheduler.StatusRunning):
		return styleRunning.Render("●")
	case string(scheduler.StatusCompleted):
		return styleComplete.Render("✓")
	case string(scheduler.StatusFailed):
		return styleFailed.Render("✗")
	case string(scheduler.StatusSkipped):
		return styleSkipped.Render("⊘")
	}
	return stylePending.Render("○")
}

// shortError keeps the first line of msg, bounded.
func shortError(msg string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(msg), "\n")
	if len(line) > maxErrorWidth {
		line = line[:maxErrorWidth-3] + "..."
	}
	return line
}

func summaryLine(s scheduler.Summary, d time.Duration) string {
	parts := []string{
		styleComplete.Render(fmt.Sprintf("%d completed", s.Completed)),
		styleFailed.Render(fmt.Sprintf("%d failed", s.Failed)),
		styleSkipped.Render(fmt.Sprintf("%d skipped", s.Skipped)),
	}
	line := strings.Join(parts, ", ") + fmt.Sprintf(" of %d", s.Total)
	if d > 0 {
		line += styleDim.Render(fmt.Sprintf(" in %s", d.Round(time.Millisecond)))
	}
	return line
}

func itemLine(id, title, status, detail string) string {
	line := fmt.Sprintf("%s %s", statusIcon(status), id)
	if title != "" {
		line += " " + title
	}
	if detail != "" {
		line += styleDim.Render("  " + detail)
	}
	return line
}

// renderReport prints the outcome of a batch run.
func renderReport(w io.Writer, report *scheduler.Report) {
	var b strings.Builder
	b.WriteString(styleTitle.Render("Batch run"))
	b.WriteString("\n\n")
	for _, item := range report.Items {
		detail := item.Reference
		if item.Status != scheduler.StatusCompleted {
			detail = shortError(item.Error)
		}
		b.WriteString(itemLine(item.ID, item.Title, string(item.Status), detail))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(summaryLine(report.Summary, report.Duration))
	fmt.Fprintln(w, styleBox.Render(b.String()))
}

// renderChain prints a chain and its items in order.
func renderChain(w io.Writer, c *chain.Chain) {
	var b strings.Builder
	b.WriteString(styleTitle.Render(fmt.Sprintf("Chain %s", c.Name)))
	b.WriteString(" ")
	b.WriteString(statusStyle(string(c.Status)).Render(string(c.Status)))
	b.WriteString("\n")
	b.WriteString(styleDim.Render(fmt.Sprintf("id %s, base %s", c.ID, c.BaseBranch)))
	b.WriteString("\n\n")

	for _, it := range c.Items {
		detail := it.Branch
		if it.SessionRef != "" {
			detail += " -> " + it.SessionRef
		}
		if it.Status == scheduler.StatusFailed || it.Status == scheduler.StatusSkipped {
			detail = shortError(it.Error)
		}
		b.WriteString(itemLine(fmt.Sprintf("%d. %s", it.Order+1, it.ID()), it.Item.Title, string(it.Status), detail))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	var d time.Duration
	if c.CompletedAt != nil {
		d = c.CompletedAt.Sub(c.CreatedAt)
	}
	b.WriteString(summaryLine(c.Summary(), d))
	fmt.Fprintln(w, styleBox.Render(b.String()))
}

// renderChainList prints one line per chain.
func renderChainList(w io.Writer, chains []*chain.Chain) {
	if len(chains) == 0 {
		fmt.Fprintln(w, styleDim.Render("no chains"))
		return
	}
	for _, c := range chains {
		s := c.Summary()
		fmt.Fprintf(w, "%s %s %s %s\n",
			statusIcon(string(c.Status)),
			c.ID,
			styleTitle.Render(c.Name),
			styleDim.Render(fmt.Sprintf("%d/%d completed, created %s", s.Completed, s.Total, c.CreatedAt.Local().Format(time.DateTime))))
	}
}

// renderPartition prints how items classify.
func renderPartition(w io.Writer, p scheduler.Partition) {
	fmt.Fprintln(w, styleTitle.Render(fmt.Sprintf("Safe (%d)", len(p.Safe))))
	for _, item := range p.Safe {
		fmt.Fprintf(w, "  %s %s\n", item.ID, item.Title)
	}
	fmt.Fprintln(w, styleTitle.Render(fmt.Sprintf("Conflicting (%d)", len(p.Conflicting))))
	for _, item := range p.Conflicting {
		fmt.Fprintf(w, "  %s %s %s\n", item.ID, item.Title, styleDim.Render(strings.Join(item.Labels, ",")))
	}
}

// renderPipeline prints a gate pipeline result.
func renderPipeline(w io.Writer, pr gate.PipelineResult) {
	for _, res := range pr.Results {
		status := string(scheduler.StatusCompleted)
		if !res.Passed {
			status = string(scheduler.StatusFailed)
		}
		kind := "required"
		if !res.Required {
			kind = "optional"
		}
		detail := fmt.Sprintf("%s, %d attempt(s), %s", kind, res.Attempts, res.Duration.Round(time.Millisecond))
		if !res.Passed {
			detail += ": " + shortError(lastLine(res.Output))
		}
		fmt.Fprintln(w, itemLine(res.GateName, "", status, detail))
	}

	verdict := styleComplete.Render("gates passed")
	if !pr.AllPassed {
		verdict = styleFailed.Render("gates failed: " + pr.FailedGate())
	}
	fmt.Fprintf(w, "%s %s\n", verdict, styleDim.Render(fmt.Sprintf("(pass %d, %s)", pr.Attempt, pr.TotalTime.Round(time.Millisecond))))
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

// renderItems prints stored item states.
func renderItems(w io.Writer, items []persistence.ItemRecord) {
	if len(items) == 0 {
		fmt.Fprintln(w, styleDim.Render("no items"))
		return
	}
	for _, rec := range items {
		detail := rec.Reference
		if rec.Error != "" {
			detail = shortError(rec.Error)
		}
		fmt.Fprintln(w, itemLine(rec.Key, rec.Title, itemStatus(rec.State), detail))
	}
}

// renderHistory prints every state reported for one item.
func renderHistory(w io.Writer, rec persistence.ItemRecord, history []persistence.Report) {
	fmt.Fprintln(w, itemLine(rec.Key, rec.Title, itemStatus(rec.State), rec.Reference))
	if rec.ChainID != "" {
		fmt.Fprintln(w, styleDim.Render("chain "+rec.ChainID))
	}
	for _, r := range history {
		line := fmt.Sprintf("  %s %s", r.Timestamp.Local().Format(time.DateTime), statusStyle(itemStatus(r.State)).Render(string(r.State)))
		if r.Reference != "" {
			line += " " + r.Reference
		}
		if r.Error != "" {
			line += " " + shortError(r.Error)
		}
		fmt.Fprintln(w, line)
	}
}

// itemStatus maps a reported state onto the status vocabulary used for
// styling.
func itemStatus(s poller.State) string {
	switch s {
	case poller.StateCompleted:
		return string(scheduler.StatusCompleted)
	case poller.StateFailed:
		return string(scheduler.StatusFailed)
	case poller.StateRunning:
		return string(scheduler.StatusRunning)
	}
	return string(scheduler.StatusPending)
}
