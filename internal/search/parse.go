package search

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	lastNDaysPattern = regexp.MustCompile(`(?i)\b(?:last|past)\s+(\d{1,3})\s+days?\b`)
	periodPatterns   = []struct {
		re     *regexp.Regexp
		period func(now time.Time) (since, until time.Time)
	}{
		{regexp.MustCompile(`(?i)\btoday\b`), func(now time.Time) (time.Time, time.Time) {
			return startOfDay(now), time.Time{}
		}},
		{regexp.MustCompile(`(?i)\byesterday\b`), func(now time.Time) (time.Time, time.Time) {
			today := startOfDay(now)
			return today.AddDate(0, 0, -1), today
		}},
		{regexp.MustCompile(`(?i)\b(?:this|past)\s+week\b`), func(now time.Time) (time.Time, time.Time) {
			return startOfWeek(now), time.Time{}
		}},
		{regexp.MustCompile(`(?i)\blast\s+week\b`), func(now time.Time) (time.Time, time.Time) {
			week := startOfWeek(now)
			return week.AddDate(0, 0, -7), week
		}},
		{regexp.MustCompile(`(?i)\b(?:this|past)\s+month\b`), func(now time.Time) (time.Time, time.Time) {
			return startOfMonth(now), time.Time{}
		}},
		{regexp.MustCompile(`(?i)\blast\s+month\b`), func(now time.Time) (time.Time, time.Time) {
			month := startOfMonth(now)
			return month.AddDate(0, -1, 0), month
		}},
	}

	fillerPattern = regexp.MustCompile(`(?i)^(?:` + strings.Join([]string{
		`what\s+(?:did|do|does|have|has)\s+\w+\s+(?:say|said|talk|talked|mention|mentioned|write|written|post|posted)\s+(?:about|on|regarding)`,
		`what\s+(?:was|is|has\s+been)\s+(?:said|discussed|mentioned|posted)\s+(?:about|on|regarding)`,
		`(?:any|latest|recent)\s+(?:news|updates?|messages?)\s+(?:about|on|regarding)`,
		`(?:show|tell|give)\s+me(?:\s+(?:about|the|all|any))?`,
		`(?:search|look)\s+for`,
		`find(?:\s+me)?`,
		`messages?\s+(?:about|on|regarding|from)`,
	}, "|") + `)\s+`)
)

// ParseQuery turns a free-form question into a Query. A recognised time
// period becomes Since/Until and is removed from the text, as are leading
// conversational phrases. If stripping leaves nothing and no period was
// found, the raw text is kept; a bare period yields a filter-only query.
func ParseQuery(raw string, now time.Time) Query {
	text := strings.TrimSpace(raw)
	var q Query

	if m := lastNDaysPattern.FindStringSubmatchIndex(text); m != nil {
		if n, err := strconv.Atoi(text[m[2]:m[3]]); err == nil && n > 0 {
			q.Since = now.AddDate(0, 0, -n)
			text = text[:m[0]] + text[m[1]:]
		}
	} else {
		for _, p := range periodPatterns {
			if loc := p.re.FindStringIndex(text); loc != nil {
				q.Since, q.Until = p.period(now)
				text = text[:loc[0]] + text[loc[1]:]
				break
			}
		}
	}

	text = strings.Join(strings.Fields(text), " ")
	text = fillerPattern.ReplaceAllString(text+" ", "")
	text = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(text), "?!."))

	if text == "" && q.Since.IsZero() {
		text = strings.TrimSpace(raw)
	}
	q.Text = text
	return q
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// startOfWeek returns midnight on the Monday of t's week.
func startOfWeek(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	return startOfDay(t).AddDate(0, 0, -offset)
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}
