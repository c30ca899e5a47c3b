// Package llm adapts a local chat model to the collaborator roles the
// retrieval core consumes: query expansion and answer synthesis.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/chatvault/internal/ollama"
)

const expansionTimeout = 3 * time.Second

// Chatter is the chat-completion subset of the Ollama client.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, opts ollama.ChatOptions) (string, error)
}

const expansionPrompt = `You expand search queries for a chat-message archive. Given a query, propose up to %d alternative words or short phrases that messages answering it are likely to contain: synonyms, related terms, and common spellings. Do not repeat the query words. Reply with ONLY a JSON object of the form {"terms": ["..."]}.`

// Expander proposes alternative search terms with a fast local model.
type Expander struct {
	client Chatter
	model  string
	max    int
	logger *slog.Logger
}

// NewExpander creates an Expander asking for at most max terms per query.
func NewExpander(client Chatter, model string, max int, logger *slog.Logger) *Expander {
	if max <= 0 {
		max = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{client: client, model: model, max: max, logger: logger}
}

// Expand returns alternative terms for query. Any model failure is returned
// so the caller can fall back to offline expansions.
func (e *Expander) Expand(ctx context.Context, query string) ([]string, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, expansionTimeout)
	defer cancel()

	raw, err := e.client.Chat(ctx, e.model, []ollama.Message{
		{Role: "system", Content: fmt.Sprintf(expansionPrompt, e.max)},
		{Role: "user", Content: query},
	}, ollama.ChatOptions{JSON: true, Temperature: 0.2})
	if err != nil {
		return nil, fmt.Errorf("expanding query: %w", err)
	}

	terms, err := parseTerms(raw)
	if err != nil {
		e.logger.Warn("unparseable expansion reply", "error", err, "response", raw)
		return nil, err
	}
	if len(terms) > e.max {
		terms = terms[:e.max]
	}
	return terms, nil
}

var errNoTerms = errors.New("reply has no terms")

// parseTerms accepts {"terms": [...]} and, from models that ignore the
// format, a bare JSON array.
func parseTerms(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "```"), "```")
	raw = strings.TrimSpace(raw)

	var obj struct {
		Terms []string `json:"terms"`
	}
	if err := json.Unmarshal([]byte(raw), &obj); err == nil && obj.Terms != nil {
		return obj.Terms, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list, nil
	}
	return nil, errNoTerms
}
