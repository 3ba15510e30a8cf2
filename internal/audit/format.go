package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult) string {
	label := result.SessionID
	if label == "" {
		label = "all sessions"
	}
	if len(result.Entries) == 0 {
		return fmt.Sprintf("Session: %s | No entries found.\n", label)
	}

	var b strings.Builder

	fmt.Fprintf(&b, "Session: %s | %s to %s UTC\n", label,
		formatDateTime(result.Summary.FirstTimestamp), formatTimeOnly(result.Summary.LastTimestamp))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		subject := e.ActionID
		if e.RegionID != "" {
			subject = strings.TrimSpace(subject + " " + e.RegionID)
		}
		detail := e.Reason
		if e.Event == EventDelete && e.Removed > 0 {
			detail = fmt.Sprintf("-%d runes", e.Removed)
		}
		fmt.Fprintf(&b, "%-10s %-9s %-17s %-30s %s\n",
			formatTimeOnly(e.Timestamp), e.Mode, e.Event, truncate(subject, 30), truncate(detail, 40))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))

	return b.String()
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func formatDateTime(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s ReplaySummary) string {
	counts := []struct {
		n     int
		label string
	}{
		{s.Provokes, "provoke"},
		{s.Deletes, "delete"},
		{s.Rejections, "rejected edit"},
		{s.SafetyFloors, "safety floor"},
		{s.Failures, "failure"},
		{s.Pauses, "pause"},
		{s.Reverts, "revert"},
	}
	var parts []string
	for _, c := range counts {
		if c.n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", c.n, c.label))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "no interventions")
	}
	return fmt.Sprintf("Summary: %s | %d runes erased\n", strings.Join(parts, ", "), s.RemovedRunes)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
