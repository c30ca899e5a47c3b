package search

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kalambet/chatvault/internal/retrieval"
	"github.com/kalambet/chatvault/internal/storage"
)

// Archive is the message store the engine searches.
type Archive interface {
	Search(ctx context.Context, c storage.Criteria) ([]storage.Message, error)
	GetMany(ctx context.Context, ids []int64, c storage.Criteria) (map[int64]storage.Message, error)
}

// SimilarityIndex answers embedding similarity queries.
type SimilarityIndex interface {
	Similar(ctx context.Context, query string, floor float64, limit int) ([]retrieval.Match, error)
}

// Boost lifts results younger than Within by Amount tier units.
type Boost struct {
	Within time.Duration
	Amount float64
}

// DefaultBoosts favour messages from the last week, fortnight and month.
var DefaultBoosts = []Boost{
	{Within: 7 * 24 * time.Hour, Amount: 0.5},
	{Within: 14 * 24 * time.Hour, Amount: 0.3},
	{Within: 30 * 24 * time.Hour, Amount: 0.1},
}

// Options tunes an Engine. Zero values select defaults.
type Options struct {
	DefaultLimit       int
	SemanticThreshold  int
	LowResultThreshold int
	SimilarityFloor    float64
	MaxExpansions      int
	MaxEnrichedResults int
	// Boosts are checked in order; the first whose window contains the
	// message age applies. Tiers sit 0.25 apart, so an amount above 0.25
	// lets a fresher match overtake an older one from the next tier. All
	// messages in one window get the same amount and keep their tier order.
	Boosts []Boost

	Expander Expander
	Logger   *slog.Logger
	Now      func() time.Time
}

// Engine runs multi-strategy retrieval over the archive.
type Engine struct {
	archive  Archive
	index    SimilarityIndex
	expander Expander
	opts     Options
	logger   *slog.Logger

	embeddingsDown atomic.Bool
}

// New returns an Engine. index may be nil, which disables embedding
// enrichment.
func New(archive Archive, index SimilarityIndex, opts Options) *Engine {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 20
	}
	if opts.SemanticThreshold <= 0 {
		opts.SemanticThreshold = 3
	}
	if opts.LowResultThreshold <= 0 {
		opts.LowResultThreshold = 10
	}
	if opts.SimilarityFloor <= 0 {
		opts.SimilarityFloor = 0.55
	}
	if opts.MaxExpansions <= 0 {
		opts.MaxExpansions = 5
	}
	if opts.MaxEnrichedResults <= 0 {
		opts.MaxEnrichedResults = 50
	}
	if opts.Boosts == nil {
		opts.Boosts = DefaultBoosts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		archive:  archive,
		index:    index,
		expander: opts.Expander,
		opts:     opts,
		logger:   opts.Logger,
	}
}

var orSeparator = regexp.MustCompile(` OR |\|`)

// collector accumulates results across passes, keeping the first match
// type seen for each message.
type collector struct {
	results []Result
	seen    map[int64]bool
}

func newCollector() *collector {
	return &collector{seen: make(map[int64]bool)}
}

func (c *collector) add(msgs []storage.Message, mt MatchType, term string) int {
	added := 0
	for _, m := range msgs {
		if c.seen[m.ID] {
			continue
		}
		c.seen[m.ID] = true
		c.results = append(c.results, Result{Message: m, MatchType: mt, MatchedTerm: term})
		added++
	}
	return added
}

func (c *collector) addResult(r Result) bool {
	if c.seen[r.ID] {
		return false
	}
	c.seen[r.ID] = true
	c.results = append(c.results, r)
	return true
}

// Search runs the enabled passes for q and returns deduplicated, ranked
// results. An empty query without filters yields no results and no error.
// Archive and index failures are returned as *RetrievalFault.
func (e *Engine) Search(ctx context.Context, q Query) ([]Result, Metadata, error) {
	start := time.Now()
	meta := Metadata{Counts: make(map[MatchType]int)}

	text := strings.TrimSpace(q.Text)
	if len(Groups(text)) == 0 {
		text = ""
	}
	if text == "" && !q.hasFilters() {
		return []Result{}, meta, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = e.opts.DefaultLimit
	}

	col := newCollector()

	if q.enabled(StrategyDirect) {
		meta.Strategies = append(meta.Strategies, StrategyDirect)
		if err := e.directPass(ctx, q, text, limit, col); err != nil {
			return nil, meta, err
		}
	}

	if text != "" && q.enabled(StrategySemantic) && len(col.results) < e.opts.SemanticThreshold {
		meta.Strategies = append(meta.Strategies, StrategySemantic)
		if err := e.semanticPass(ctx, q, text, limit, col, &meta); err != nil {
			return nil, meta, err
		}
	}

	if text != "" && q.enabled(StrategyFuzzy) && len(col.results) == 0 {
		meta.Strategies = append(meta.Strategies, StrategyFuzzy)
		c := q.criteria(orSeparator.ReplaceAllString(text, " "), limit)
		c.Fuzzy = true
		msgs, err := e.archive.Search(ctx, c)
		if err != nil {
			return nil, meta, &RetrievalFault{Strategy: StrategyFuzzy, Err: err}
		}
		col.add(msgs, MatchFuzzy, text)
	}

	e.rank(col.results)
	lexical := len(col.results)

	if text != "" && e.index != nil && q.enabled(StrategyEmbedding) && lexical < e.opts.LowResultThreshold {
		meta.Strategies = append(meta.Strategies, StrategyEmbedding)
		if err := e.embeddingPass(ctx, q, text, limit, col, &meta); err != nil {
			return nil, meta, err
		}
	}

	if q.enabled(StrategyEntity) && len(col.results) > 0 {
		meta.Strategies = append(meta.Strategies, StrategyEntity)
		if err := e.entityPass(ctx, q, text, col, &meta); err != nil {
			return nil, meta, err
		}
	}

	results := col.results
	if len(results) > limit {
		results = results[:limit]
	}
	for _, r := range results {
		meta.Counts[r.MatchType]++
	}
	meta.Duration = time.Since(start)

	e.logger.Debug("search complete",
		"query", text,
		"results", len(results),
		"lexical", lexical,
		"strategies", meta.Strategies,
		"duration", meta.Duration,
	)
	return results, meta, nil
}

func (e *Engine) directPass(ctx context.Context, q Query, text string, limit int, col *collector) error {
	groups := Groups(text)
	if len(groups) == 0 {
		// Filter-only query.
		msgs, err := e.archive.Search(ctx, q.criteria("", limit))
		if err != nil {
			return &RetrievalFault{Strategy: StrategyDirect, Err: err}
		}
		col.add(msgs, MatchDirect, "")
		return nil
	}

	groupLimit := max(limit/len(groups), 1)
	for i, g := range groups {
		mt, n := MatchDirect, limit
		if i > 0 {
			mt, n = MatchOrTerm, groupLimit
		}
		msgs, err := e.archive.Search(ctx, q.criteria(g, n))
		if err != nil {
			return &RetrievalFault{Strategy: StrategyDirect, Err: err}
		}
		col.add(msgs, mt, g)
	}
	return nil
}

// Groups splits query text into its OR groups: parts separated by an
// uppercase " OR " or by "|". Blank groups are dropped.
func Groups(text string) []string {
	var groups []string
	for _, g := range orSeparator.Split(text, -1) {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}

func (e *Engine) semanticPass(ctx context.Context, q Query, text string, limit int, col *collector, meta *Metadata) error {
	base := orSeparator.ReplaceAllString(text, " ")
	terms, degraded, err := e.expand(ctx, base)
	if err != nil {
		return err
	}
	meta.Expansions = terms
	meta.ExpansionDegraded = degraded

	perTerm := max(limit/3, 3)
	for _, term := range terms {
		msgs, err := e.archive.Search(ctx, q.criteria(term, perTerm))
		if err != nil {
			return &RetrievalFault{Strategy: StrategySemantic, Err: err}
		}
		col.add(msgs, MatchSemantic, term)
	}
	return nil
}

// expand asks the Expander for related phrases, falling back to the local
// synonym table when there is none or it fails.
func (e *Engine) expand(ctx context.Context, query string) ([]string, bool, error) {
	if e.expander != nil {
		terms, err := e.expander.Expand(ctx, query)
		if err == nil {
			return boundExpansions(query, terms, e.opts.MaxExpansions), false, nil
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		e.logger.Warn("query expansion failed, using local synonyms", "error", err)
	}
	return localExpansions(query, e.opts.MaxExpansions), true, nil
}

func (e *Engine) embeddingPass(ctx context.Context, q Query, text string, limit int, col *collector, meta *Metadata) error {
	matches, err := e.index.Similar(ctx, text, e.opts.SimilarityFloor, 0)
	if errors.Is(err, retrieval.ErrEmbeddingUnavailable) {
		meta.EmbeddingsUnavailable = true
		if e.embeddingsDown.CompareAndSwap(false, true) {
			e.logger.Warn("embeddings unavailable, continuing with lexical results only", "error", err)
		}
		return nil
	}
	if err != nil {
		return &RetrievalFault{Strategy: StrategyEmbedding, Err: err}
	}
	e.embeddingsDown.Store(false)

	candidates := make([]retrieval.Match, 0, len(matches))
	for _, m := range matches {
		if !col.seen[m.MessageID] {
			candidates = append(candidates, m)
		}
	}

	// Hydrate in chunks until enough candidates survive the filters.
	const chunk = 500
	want := limit
	added := 0
	for start := 0; start < len(candidates) && added < want; start += chunk {
		part := candidates[start:min(start+chunk, len(candidates))]
		ids := make([]int64, len(part))
		for i, m := range part {
			ids[i] = m.MessageID
		}
		msgs, err := e.archive.GetMany(ctx, ids, q.criteria("", 0))
		if err != nil {
			return &RetrievalFault{Strategy: StrategyEmbedding, Err: err}
		}
		for _, m := range part {
			msg, ok := msgs[m.MessageID]
			if !ok {
				continue
			}
			if col.addResult(Result{Message: msg, MatchType: MatchSemantic, Score: m.Score}) {
				added++
				if added == want {
					break
				}
			}
		}
	}
	return nil
}

// rank sorts results by match tier minus recency boost, then newest first.
func (e *Engine) rank(results []Result) {
	now := e.opts.Now()
	keys := make(map[int64]float64, len(results))
	for _, r := range results {
		keys[r.ID] = r.MatchType.tier() - e.boost(now.Sub(r.Timestamp))
	}
	sortResults(results, keys)
}

func (e *Engine) boost(age time.Duration) float64 {
	for _, b := range e.opts.Boosts {
		if age <= b.Within {
			return b.Amount
		}
	}
	return 0
}
