// internal/agent/history.go
package agent

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/webpilot/internal/llmutil"
)

// historyDataLimit bounds how much action output one history line repeats.
const historyDataLimit = 2000

// RenderHistory formats the step records the way the model reads them:
// one header per step followed by one line per action.
func RenderHistory(records []StepRecord) string {
	if len(records) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, rec := range records {
		fmt.Fprintf(&sb, "# Step %d\n", rec.Index+1)
		for _, line := range historyLines(rec) {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func historyLines(rec StepRecord) []string {
	var lines []string
	if rec.Feedback != "" {
		lines = append(lines, fmt.Sprintf("❌ decision rejected (%s): %s", rec.FeedbackCode, rec.Feedback))
	}
	for _, res := range rec.Results {
		lines = append(lines, resultLine(res))
	}
	if rec.Interrupted {
		lines = append(lines, "⚠️ the page changed, step interrupted")
	}
	return lines
}

func resultLine(res ActionResult) string {
	switch res.Status {
	case ActionSucceeded:
		if res.Data != "" {
			return fmt.Sprintf("✅ action '%s' succeeded: %s", res.Action, llmutil.Truncate(res.Data, historyDataLimit))
		}
		return fmt.Sprintf("✅ action '%s' succeeded", res.Action)
	case ActionDiscarded:
		return fmt.Sprintf("⏭️ action '%s' was not executed", res.Action)
	default:
		return fmt.Sprintf("❌ action '%s' failed: %s", res.Action, res.Error)
	}
}
