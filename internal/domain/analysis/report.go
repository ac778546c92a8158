package analysis

import (
	"fmt"
	"strings"
	"time"

	"tgarchivist/internal/domain/archive"
)

func formatAnalyzedAt(unix int64) string {
	return time.Unix(unix, 0).UTC().Format("2006-01-02 15:04 UTC")
}

// renderReport builds the Markdown report body for one (chat, week) result.
func renderReport(result archive.AnalysisResult) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Weekly Analysis — %s\n\n", result.WeekGroup)
	fmt.Fprintf(&sb, "**Chat ID:** %d | **Analyzed:** %s\n\n", result.ChatID, formatAnalyzedAt(result.AnalyzedAt))

	sb.WriteString("## Summary\n\n")
	sb.WriteString(result.Summary)
	sb.WriteString("\n\n")

	if len(result.KeyTopics) > 0 {
		sb.WriteString("## Key Topics\n\n")
		for _, topic := range result.KeyTopics {
			fmt.Fprintf(&sb, "- %s\n", topic)
		}
		sb.WriteString("\n")
	}

	if len(result.ActionItems) > 0 {
		sb.WriteString("## Action Items\n\n")
		for _, item := range result.ActionItems {
			sb.WriteString(renderActionItem(item))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("---\n_Generated automatically from archived chat history._\n")
	return sb.String()
}

func renderActionItem(item archive.ActionItem) string {
	var fields []string
	if item.Owner != "" {
		fields = append(fields, "Owner: "+item.Owner)
	}
	if item.Deadline != "" {
		fields = append(fields, "Due: "+item.Deadline)
	}
	if item.Priority != "" {
		fields = append(fields, "Priority: "+string(item.Priority))
	}

	line := fmt.Sprintf("- [ ] **%s**", item.Description)
	if len(fields) > 0 {
		line += " (" + strings.Join(fields, ", ") + ")"
	}
	return line + "\n"
}

// reportPath returns the fixed filename for a (chat, week) report, relative
// to the reports directory root.
func reportPath(chatID int64, week string) string {
	return fmt.Sprintf("analysis_%d_%s.md", chatID, week)
}
