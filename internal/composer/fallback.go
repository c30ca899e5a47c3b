package composer

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/chatvault/internal/search"
)

const (
	fallbackShown   = 5
	fallbackExcerpt = 150
)

// Fallback renders results as a plain-text answer for when no language
// model can synthesize one.
func Fallback(query string, results []search.Result, now time.Time) string {
	if len(results) == 0 {
		return fmt.Sprintf("No messages found matching your query: '%s'", query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d messages related to '%s':\n", len(results), query)
	for i, r := range results[:min(fallbackShown, len(results))] {
		fmt.Fprintf(&b, "\n%d. %s (%s): %s", i+1, senderName(r.Message), RelativeTime(r.Timestamp, now),
			excerpt(content(r.Message), fallbackExcerpt))
	}
	if extra := len(results) - fallbackShown; extra > 0 {
		fmt.Fprintf(&b, "\n\n... and %d more messages.", extra)
	}
	return b.String()
}

// RelativeTime describes t relative to now: "just now", "5 minutes ago",
// up to "6 days ago", then an absolute date.
func RelativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute") + " ago"
	case d < 24*time.Hour:
		return plural(int(d/time.Hour), "hour") + " ago"
	case d < 7*24*time.Hour:
		return plural(int(d/(24*time.Hour)), "day") + " ago"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func excerpt(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
