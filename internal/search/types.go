package search

import (
	"fmt"
	"time"

	"github.com/kalambet/chatvault/internal/storage"
)

// Strategy names a retrieval pass that a Query may enable.
type Strategy string

const (
	StrategyDirect    Strategy = "direct"
	StrategySemantic  Strategy = "semantic"
	StrategyFuzzy     Strategy = "fuzzy"
	StrategyEmbedding Strategy = "embedding"
	StrategyEntity    Strategy = "entity"
)

// DefaultStrategies run when a Query leaves Strategies nil. Entity
// enrichment is opt-in because of its fan-out.
var DefaultStrategies = []Strategy{StrategyDirect, StrategySemantic, StrategyFuzzy, StrategyEmbedding}

// MatchType records how a result was found.
type MatchType string

const (
	MatchDirect        MatchType = "direct"
	MatchOrTerm        MatchType = "or_term"
	MatchSemantic      MatchType = "semantic"
	MatchFuzzy         MatchType = "fuzzy"
	MatchRelatedEntity MatchType = "related_entity"
	MatchLevel1Entity  MatchType = "level1_entity"
	MatchLevel2Entity  MatchType = "level2_entity"
)

// tier orders lexical match types; lower ranks first. Tiers sit a quarter
// apart, so the largest recency boost lets a fresh match draw level with a
// stale one up to two tiers better, and equal boosts never reorder tiers.
func (m MatchType) tier() float64 {
	switch m {
	case MatchDirect:
		return 0
	case MatchOrTerm:
		return 0.25
	case MatchSemantic:
		return 0.5
	case MatchFuzzy:
		return 0.75
	}
	return 1
}

// Query is a retrieval request.
type Query struct {
	Text      string
	ChannelID string
	Sender    string
	Since     time.Time
	Until     time.Time // exclusive
	Limit     int
	// Strategies lists the enabled passes; nil selects DefaultStrategies.
	Strategies []Strategy
	// DeepEnrichment runs a second entity hop from the first hop's results.
	DeepEnrichment bool
}

func (q Query) enabled(s Strategy) bool {
	strategies := q.Strategies
	if strategies == nil {
		strategies = DefaultStrategies
	}
	for _, have := range strategies {
		if have == s {
			return true
		}
	}
	return false
}

func (q Query) hasFilters() bool {
	return q.ChannelID != "" || q.Sender != "" || !q.Since.IsZero() || !q.Until.IsZero()
}

func (q Query) criteria(text string, limit int) storage.Criteria {
	return storage.Criteria{
		Text:      text,
		ChannelID: q.ChannelID,
		Sender:    q.Sender,
		Since:     q.Since,
		Until:     q.Until,
		Limit:     limit,
	}
}

// Result is one retrieved message.
type Result struct {
	storage.Message
	MatchType   MatchType
	MatchedTerm string
	// Score is the cosine similarity for embedding matches, zero otherwise.
	Score float64
}

// Metadata describes how a search was executed.
type Metadata struct {
	Strategies            []Strategy
	Counts                map[MatchType]int
	Expansions            []string
	ExpansionDegraded     bool
	EmbeddingsUnavailable bool
	EnrichmentTokens      []string
	Duration              time.Duration
}

// RetrievalFault reports an archive or embedding failure during a search
// pass. Strategy names the pass that failed.
type RetrievalFault struct {
	Strategy Strategy
	Err      error
}

func (e *RetrievalFault) Error() string {
	return fmt.Sprintf("retrieval fault in %s pass: %v", e.Strategy, e.Err)
}

func (e *RetrievalFault) Unwrap() error { return e.Err }
