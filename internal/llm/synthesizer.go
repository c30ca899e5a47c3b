package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/chatvault/internal/composer"
	"github.com/kalambet/chatvault/internal/ollama"
	"github.com/kalambet/chatvault/internal/search"
	"github.com/kalambet/chatvault/internal/session"
)

const (
	synthesisTimeout     = 60 * time.Second
	synthesisTemperature = 0.4
)

// Synthesizer writes answers from search results with a local chat model.
type Synthesizer struct {
	client   Chatter
	model    string
	composer *composer.Composer
	now      func() time.Time
}

// NewSynthesizer creates a Synthesizer. comp may be nil for the default
// prompt budget.
func NewSynthesizer(client Chatter, model string, comp *composer.Composer) *Synthesizer {
	if comp == nil {
		comp = composer.New(0)
	}
	return &Synthesizer{client: client, model: model, composer: comp, now: time.Now}
}

// Synthesize answers query from results, in the light of the conversation
// so far. An empty model reply is an error.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, results []search.Result, conv session.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, synthesisTimeout)
	defer cancel()

	p := s.composer.Compose(query, results, conv, s.now())
	reply, err := s.client.Chat(ctx, s.model, []ollama.Message{
		{Role: "system", Content: p.System},
		{Role: "user", Content: p.User},
	}, ollama.ChatOptions{Temperature: synthesisTemperature})
	if err != nil {
		return "", fmt.Errorf("synthesizing answer: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", errors.New("synthesizing answer: empty reply")
	}
	return reply, nil
}
