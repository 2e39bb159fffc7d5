package plan

import (
	"fmt"
	"strings"
)

// OutputPreviewLen is the number of characters of a step's output quoted in
// the summary.
const OutputPreviewLen = 100

// Aggregate folds step results into the overall status.
func Aggregate(results []StepResult) Status {
	if len(results) == 0 {
		return StatusFailed
	}

	var completed, failed, blocked int
	for i := range results {
		switch results[i].Status {
		case StepCompleted:
			completed++
		case StepFailed:
			failed++
		case StepBlocked:
			blocked++
		}
	}

	switch {
	case completed == len(results):
		return StatusSuccess
	case failed > 0 && completed > 0:
		return StatusPartial
	case failed > 0:
		return StatusFailed
	case blocked > 0:
		return StatusBlocked
	default:
		// Completed mixed with skipped steps.
		return StatusPartial
	}
}

// Summarize renders a human-readable account: counts, previews of completed
// outputs, and every captured error.
func Summarize(results []StepResult) string {
	var completed, failed, blocked, skipped int
	for i := range results {
		switch results[i].Status {
		case StepCompleted:
			completed++
		case StepFailed:
			failed++
		case StepBlocked:
			blocked++
		case StepSkipped:
			skipped++
		}
	}

	var b strings.Builder
	total := len(results)
	if total > 0 && completed == total {
		fmt.Fprintf(&b, "All %d steps completed.", total)
	} else {
		fmt.Fprintf(&b, "Completed %d/%d steps.", completed, total)
		if failed > 0 {
			fmt.Fprintf(&b, " %d failed.", failed)
		}
		if blocked > 0 {
			fmt.Fprintf(&b, " %d blocked.", blocked)
		}
		if skipped > 0 {
			fmt.Fprintf(&b, " %d skipped.", skipped)
		}
	}

	header := false
	for i := range results {
		r := &results[i]
		if r.Status != StepCompleted || r.Output == "" {
			continue
		}
		if !header {
			b.WriteString("\n\nKey outputs:")
			header = true
		}
		fmt.Fprintf(&b, "\n  %d. %s: %s", i+1, r.StepID, preview(r.Output))
	}

	header = false
	for i := range results {
		r := &results[i]
		if r.Error == "" {
			continue
		}
		if !header {
			b.WriteString("\n\nErrors:")
			header = true
		}
		fmt.Fprintf(&b, "\n  - %s: %s", r.StepID, r.Error)
	}
	return b.String()
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= OutputPreviewLen {
		return s
	}
	return string(r[:OutputPreviewLen]) + "..."
}
