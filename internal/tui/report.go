// Package tui renders read-only terminal reports of tasks and their runs.
package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/kylemclaren/browser-tasks/internal/db"
	"github.com/kylemclaren/browser-tasks/internal/executor"
)

// Options controls report rendering
type Options struct {
	Width int    // word wrap for rendered output, default 80
	Style string // glamour style name; empty picks one from the terminal
	Logs  bool   // include run transcripts
}

// RenderRuns writes a report of task and its runs to w
func RenderRuns(w io.Writer, task *db.Task, runs []*db.Run, opts Options) error {
	if opts.Width <= 0 {
		opts.Width = 80
	}
	style := glamour.WithAutoStyle()
	if opts.Style != "" {
		style = glamour.WithStandardStyle(opts.Style)
	}
	renderer, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(opts.Width))
	if err != nil {
		return fmt.Errorf("creating markdown renderer: %w", err)
	}

	var b strings.Builder
	renderHeader(&b, task)
	b.WriteString("\n")

	if len(runs) == 0 {
		b.WriteString(emptyBoxStyle.Render("No runs yet for this task"))
		b.WriteString("\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	// Sort runs: running first, then by start time descending
	sorted := make([]*db.Run, len(runs))
	copy(sorted, runs)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := sorted[i].Status == db.RunStatusRunning, sorted[j].Status == db.RunStatusRunning
		if ri != rj {
			return ri
		}
		return sorted[i].StartedAt.After(sorted[j].StartedAt)
	})

	for i, run := range sorted {
		renderRun(&b, renderer, run, opts)
		if i < len(sorted)-1 {
			b.WriteString("\n")
		}
	}

	_, err = io.WriteString(w, b.String())
	return err
}

func renderHeader(b *strings.Builder, task *db.Task) {
	b.WriteString(logoStyle.Render(task.Name))
	b.WriteString("  ")
	if task.IsActive {
		b.WriteString(statusOK.Render("● active"))
	} else {
		b.WriteString(statusFail.Render("○ paused"))
	}
	b.WriteString("\n")
	b.WriteString(subtitleStyle.Render(task.Description))
	b.WriteString("\n")

	if task.StartURL != "" {
		b.WriteString(labelStyle.Render("Start URL: "))
		b.WriteString(task.StartURL)
		b.WriteString("\n")
	}
	if task.CronSchedule != "" {
		b.WriteString(labelStyle.Render("Schedule:  "))
		b.WriteString(task.CronSchedule)
		if task.NextRunAt != nil {
			b.WriteString(subtitleStyle.Render("  next " + formatTime(*task.NextRunAt)))
		}
		b.WriteString("\n")
	}
}

func renderRun(b *strings.Builder, renderer *glamour.TermRenderer, run *db.Run, opts Options) {
	var statusIcon string
	switch run.Status {
	case db.RunStatusSuccess:
		statusIcon = statusOK.Render("✓ SUCCESS")
	case db.RunStatusFailed:
		statusIcon = statusFail.Render("✗ FAILED")
	case db.RunStatusRunning:
		statusIcon = statusRunning.Render("● RUNNING")
	default:
		statusIcon = statusPending.Render("○ " + strings.ToUpper(string(run.Status)))
	}

	duration := "..."
	if run.FinishedAt != nil {
		duration = run.Duration().Round(time.Millisecond).String()
	}

	fmt.Fprintf(b, "%s  %s  (%s)  %s\n",
		statusIcon,
		run.StartedAt.Local().Format("2006-01-02 15:04:05"),
		duration,
		subtitleStyle.Render(string(run.Trigger)))
	b.WriteString(dividerStyle.Render(strings.Repeat("─", 60)))
	b.WriteString("\n")

	if md := outputMarkdown(run); md != "" {
		if rendered, err := renderer.Render(md); err == nil {
			b.WriteString(rendered)
		} else {
			b.WriteString(md)
			b.WriteString("\n")
		}
	}

	if run.ErrorMsg != "" {
		b.WriteString(statusFail.Render("Error: "))
		b.WriteString(run.ErrorMsg)
		b.WriteString("\n")
	}

	if opts.Logs && run.Logs != "" {
		b.WriteString(labelStyle.Render("Logs"))
		b.WriteString("\n")
		for _, line := range strings.Split(run.Logs, "\n") {
			b.WriteString("  ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
}

// outputMarkdown turns a stored run output into markdown
func outputMarkdown(run *db.Run) string {
	if len(run.Output) == 0 {
		return ""
	}

	var out executor.Output
	if err := json.Unmarshal(run.Output, &out); err == nil && out.Result != nil {
		var b strings.Builder
		for _, r := range out.Result {
			b.WriteString("- ")
			b.WriteString(r)
			b.WriteString("\n")
		}
		if run.ShouldNotify != nil {
			verdict := "no"
			if *run.ShouldNotify {
				verdict = "yes"
			}
			fmt.Fprintf(&b, "\n> **Notify:** %s", verdict)
			if run.NotificationReason != "" {
				b.WriteString(": ")
				b.WriteString(run.NotificationReason)
			}
			b.WriteString("\n")
		}
		return b.String()
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, run.Output, "", "  "); err != nil {
		return "```\n" + string(run.Output) + "\n```\n"
	}
	return "```json\n" + pretty.String() + "\n```\n"
}

func formatTime(t time.Time) string {
	now := time.Now()
	if t.Before(now) {
		return t.Local().Format("Jan 02 15:04")
	}

	diff := t.Sub(now)
	if diff < time.Minute {
		return fmt.Sprintf("in %ds", int(diff.Seconds()))
	}
	if diff < time.Hour {
		return fmt.Sprintf("in %dm", int(diff.Minutes()))
	}
	if diff < 24*time.Hour {
		return fmt.Sprintf("in %dh %dm", int(diff.Hours()), int(diff.Minutes())%60)
	}
	return t.Local().Format("Jan 02 15:04")
}
