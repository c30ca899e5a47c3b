package session

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation with the assistant.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Topics    []string  `json:"topics,omitempty"`
	Entities  []string  `json:"entities,omitempty"`
	// ResultCount is set on assistant turns that answered from a search.
	ResultCount *int   `json:"result_count,omitempty"`
	Category    string `json:"category,omitempty"`
}

// Summary is the rolling digest of a session. Topic and entity lists hold
// the most recently seen distinct values, oldest first.
type Summary struct {
	Topics    []string  `json:"topics"`
	Entities  []string  `json:"entities"`
	Theme     string    `json:"theme,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is the persisted state of one (channel, user) conversation.
type Session struct {
	ID               string    `json:"id"`
	Channel          string    `json:"channel"`
	User             string    `json:"user"`
	Turns            []Turn    `json:"turns"`
	Summary          Summary   `json:"summary"`
	Depth            int       `json:"depth"`
	TopicThread      []string  `json:"topic_thread,omitempty"`
	RecentQueries    []string  `json:"recent_queries,omitempty"`
	RecentCategories []string  `json:"recent_categories,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
}

func (s Session) clone() Session {
	out := s
	out.Turns = make([]Turn, len(s.Turns))
	for i, t := range s.Turns {
		t.Topics = slices.Clone(t.Topics)
		t.Entities = slices.Clone(t.Entities)
		if t.ResultCount != nil {
			n := *t.ResultCount
			t.ResultCount = &n
		}
		out.Turns[i] = t
	}
	out.Summary.Topics = slices.Clone(s.Summary.Topics)
	out.Summary.Entities = slices.Clone(s.Summary.Entities)
	out.TopicThread = slices.Clone(s.TopicThread)
	out.RecentQueries = slices.Clone(s.RecentQueries)
	out.RecentCategories = slices.Clone(s.RecentCategories)
	return out
}

// longHistoryDepth is the exchange count past which a session counts as
// having a long history.
const longHistoryDepth = 5

// Context bundles what a prompt builder needs to continue a conversation.
type Context struct {
	Channel       string
	User          string
	Turns         []Turn
	Summary       Summary
	Exchanges     int
	Age           time.Duration
	LongHistory   bool
	TopicThread   []string
	RecentQueries []string
}

// Empty reports whether there is no prior conversation.
func (c Context) Empty() bool {
	return len(c.Turns) == 0
}

// Prompt renders the context as plain text for a language-model prompt.
// An empty context renders as "".
func (c Context) Prompt() string {
	if c.Empty() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation so far (%d exchanges, started %s ago):\n", c.Exchanges, c.Age.Round(time.Minute))
	for _, t := range c.Turns {
		fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(string(t.Role)), t.Content)
		if t.ResultCount != nil {
			fmt.Fprintf(&b, "  (found %d results)\n", *t.ResultCount)
		}
	}
	if len(c.Summary.Topics) > 0 {
		fmt.Fprintf(&b, "Topics discussed: %s\n", strings.Join(c.Summary.Topics, ", "))
	}
	if len(c.Summary.Entities) > 0 {
		fmt.Fprintf(&b, "Key entities: %s\n", strings.Join(c.Summary.Entities, ", "))
	}
	if c.Summary.Theme != "" {
		fmt.Fprintf(&b, "Main theme: %s\n", c.Summary.Theme)
	}
	if c.LongHistory {
		b.WriteString("This is an ongoing conversation; build on earlier answers.\n")
	}
	return b.String()
}

var followUpLeads = []string{
	"and ", "also ", "what about", "how about", "tell me more", "more on", "more about",
	"why ", "it ", "its ", "that ", "this ", "those ", "these ", "they ", "them ",
	"he ", "she ", "his ", "her ", "their ", "same ", "any more", "anything else",
}

// IsFollowUp reports whether text reads like a short continuation of the
// previous question rather than a new one.
func IsFollowUp(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" || len(strings.Fields(t)) > 8 {
		return false
	}
	t += " "
	for _, lead := range followUpLeads {
		if strings.HasPrefix(t, lead) {
			return true
		}
	}
	return false
}
