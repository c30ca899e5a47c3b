// Package composer turns search results and conversation state into
// language-model prompts, and renders plain-text answers when no model is
// available.
package composer

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/chatvault/internal/search"
	"github.com/kalambet/chatvault/internal/session"
	"github.com/kalambet/chatvault/internal/storage"
)

const defaultMaxContextTokens = 3000

const systemPrompt = `You answer questions about an archive of chat messages. Use only the messages provided. Name senders and dates when they matter. If the messages do not answer the question, say so plainly. Keep the answer short and factual.`

// Composer assembles synthesis prompts within a token budget.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected
// messages. If maxContextTokens <= 0, the default is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Prompt is a system and user message pair ready for a chat model.
type Prompt struct {
	System string
	User   string
	// Included is how many results fit in the budget.
	Included int
}

// Compose builds the prompt for answering query from results. Results are
// taken in rank order; any that would overflow the budget are skipped.
func (c *Composer) Compose(query string, results []search.Result, conv session.Context, now time.Time) Prompt {
	var sys strings.Builder
	sys.WriteString(systemPrompt)
	if p := conv.Prompt(); p != "" {
		sys.WriteString("\n\n")
		sys.WriteString(p)
	}

	header := fmt.Sprintf("Question: %s\n\nI found %d matching messages.", query, len(results))
	remaining := c.MaxContextTokens - EstimateTokens(sys.String()) - EstimateTokens(header)

	var body strings.Builder
	included := 0
	for _, r := range results {
		entry := formatResult(included+1, r, now)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		body.WriteString(entry)
		remaining -= tokens
		included++
	}

	user := header
	if included > 0 {
		if included < len(results) {
			user += fmt.Sprintf(" The %d most relevant follow.", included)
		}
		user += "\n\n" + body.String()
	} else {
		user += "\n\nNo archived messages matched."
	}
	return Prompt{System: sys.String(), User: strings.TrimRight(user, "\n"), Included: included}
}

func formatResult(n int, r search.Result, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MESSAGE %d:\n", n)
	fmt.Fprintf(&b, "From: %s\n", senderName(r.Message))
	if ch := r.SourceChannel; ch != "" {
		fmt.Fprintf(&b, "Channel: %s\n", ch)
	}
	fmt.Fprintf(&b, "Time: %s (%s)\n", r.Timestamp.UTC().Format("2006-01-02 15:04"), RelativeTime(r.Timestamp, now))
	fmt.Fprintf(&b, "Content: %s\n\n", content(r.Message))
	return b.String()
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

func senderName(m storage.Message) string {
	switch {
	case m.SenderName != "":
		return m.SenderName
	case m.SenderID != "":
		return m.SenderID
	}
	return "Unknown"
}

func content(m storage.Message) string {
	if m.Content != "" {
		return m.Content
	}
	if m.IsMedia {
		kind := m.MediaKind
		if kind == "" {
			kind = "unknown"
		}
		return "[media: " + kind + "]"
	}
	return "[no text content]"
}
