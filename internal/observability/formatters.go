// Package observability renders execution state as boxed text for the CLI.
package observability

import (
	"fmt"
	"io"
	"strings"

	"github.com/jonathan/content-pipeline/internal/repair"
	"github.com/jonathan/content-pipeline/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// PrintExecution outputs the execution's status, progress and metrics.
func (p *Printer) PrintExecution(exec *types.Execution, sess *types.CheckpointSession) {
	if exec == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ID:       %s\n", exec.ID))
	sb.WriteString(fmt.Sprintf("Topic:    %s\n", exec.Input.Topic))
	sb.WriteString(fmt.Sprintf("Mode:     %s\n", exec.Mode))
	sb.WriteString(fmt.Sprintf("Status:   %s\n", exec.Status))
	if exec.CurrentStage != "" {
		sb.WriteString(fmt.Sprintf("Stage:    %s\n", exec.CurrentStage))
	}
	if sess != nil {
		sb.WriteString(fmt.Sprintf("Session:  %s (expires %s)\n", sess.Status, sess.ExpiresAt.Format("2006-01-02 15:04")))
		if len(sess.StagesCompleted) > 0 {
			sb.WriteString(fmt.Sprintf("Done:     %s\n", strings.Join(sess.StagesCompleted, " → ")))
		}
	}
	if exec.ErrorMessage != nil {
		stage := ""
		if exec.ErrorStage != nil {
			stage = *exec.ErrorStage + ": "
		}
		sb.WriteString(fmt.Sprintf("Error:    %s%s\n", stage, *exec.ErrorMessage))
	}

	m := exec.Metrics
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Tokens:   %d in / %d out / %d total\n", m.InputTokens, m.OutputTokens, m.TotalTokens))
	sb.WriteString(fmt.Sprintf("LLM:      %d calls, %dms", m.LLMCalls, m.DurationMs))

	p.printBox("EXECUTION", sb.String())
}

// PrintStages outputs one line per stage result.
func (p *Printer) PrintStages(results []types.StageResult) {
	if len(results) == 0 {
		return
	}

	var sb strings.Builder
	for i, r := range results {
		mark := "·"
		switch r.Status {
		case types.StageCompleted:
			mark = "✓"
		case types.StageFailed:
			mark = "✗"
		case types.StageRunning:
			mark = "▶"
		}
		sb.WriteString(fmt.Sprintf("%s %d. %-10s %5d tok %6dms", mark, r.StageOrder, r.Stage,
			r.InputTokens+r.OutputTokens, r.DurationMs))
		if r.RetryCount > 0 {
			sb.WriteString(fmt.Sprintf(" retries:%d", r.RetryCount))
		}
		if len(r.RepairStrategies) > 0 {
			sb.WriteString(" repaired")
		}
		if r.ErrorMessage != nil {
			sb.WriteString("\n    " + *r.ErrorMessage)
		}
		if i < len(results)-1 {
			sb.WriteString("\n")
		}
	}

	p.printBox("STAGES", sb.String())
}

// PrintActivity outputs the audit record of one stage invocation.
func (p *Printer) PrintActivity(a *types.AgentActivity) {
	if a == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Status:   %s\n", a.Status))
	sb.WriteString(fmt.Sprintf("Counters: %d llm, %d cache, %d repair\n",
		a.Counters.LLMCalls, a.Counters.CacheHits, a.Counters.RepairAttempts))

	if len(a.Decisions) > 0 {
		sb.WriteString("\nDecisions:\n")
		count := min(len(a.Decisions), maxItemsToShow)
		for i := 0; i < count; i++ {
			sb.WriteString(fmt.Sprintf("  • %s\n", a.Decisions[i].Message))
		}
		if len(a.Decisions) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(a.Decisions)-maxItemsToShow))
		}
	}

	if len(a.RetrievalUsage) > 0 {
		sb.WriteString("\nReferences:\n")
		count := min(len(a.RetrievalUsage), maxItemsToShow)
		for i := 0; i < count; i++ {
			u := a.RetrievalUsage[i]
			name := u.DocumentName
			if name == "" {
				name = u.DocumentID
			}
			sb.WriteString(fmt.Sprintf("  • %.3f %s\n", u.Similarity, name))
		}
		if len(a.RetrievalUsage) > maxItemsToShow {
			sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(a.RetrievalUsage)-maxItemsToShow))
		}
	}

	if len(a.Badges) > 0 {
		names := make([]string, 0, len(a.Badges))
		for _, b := range a.Badges {
			if b.Level != "" {
				names = append(names, b.Name+":"+b.Level)
			} else {
				names = append(names, b.Name)
			}
		}
		sb.WriteString(fmt.Sprintf("\nBadges:   %s\n", strings.Join(names, ", ")))
	}

	for _, w := range a.Warnings {
		sb.WriteString(fmt.Sprintf("⚠ %s\n", w.Message))
	}
	for _, e := range a.Errors {
		sb.WriteString(fmt.Sprintf("✗ %s\n", e.Message))
	}

	p.printBox("ACTIVITY: "+strings.ToUpper(a.Stage), strings.TrimSuffix(sb.String(), "\n"))
}

// PrintRepairReport outputs which repair strategies ran and which one succeeded.
func (p *Printer) PrintRepairReport(report *repair.Report) {
	if report == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Strategy: %s\n", report.Strategy))
	sb.WriteString(fmt.Sprintf("Tried:    %s\n", strings.Join(report.Attempted, ", ")))
	if report.Lossy() {
		sb.WriteString(fmt.Sprintf("Invalid UTF-8: %d byte(s) decoded as U+FFFD\n", report.InvalidUTF8))
	}
	for _, s := range report.Steps {
		mark := "·"
		if s.Applied {
			mark = "✓"
		}
		line := fmt.Sprintf("%s %s", mark, s.Name)
		if s.Detail != "" {
			line += ": " + s.Detail
		}
		sb.WriteString(line + "\n")
	}

	p.printBox("JSON REPAIR", strings.TrimSuffix(sb.String(), "\n"))
}
