package search

import (
	"context"
	"strings"

	"github.com/kalambet/chatvault/internal/textutil"
)

const (
	entitySeedResults = 5
	maxEntityTokens   = 5
	entitySearchLimit = 3
)

// entityPass searches for salient tokens found in the top results and
// appends what it finds. With DeepEnrichment a second hop is seeded from
// the first hop's results.
func (e *Engine) entityPass(ctx context.Context, q Query, text string, col *collector, meta *Metadata) error {
	exclude := make(map[string]bool)
	for _, t := range textutil.KeyTerms(text) {
		exclude[t] = true
	}
	lowerQuery := strings.ToLower(text)
	budget := e.opts.MaxEnrichedResults

	first := MatchRelatedEntity
	if q.DeepEnrichment {
		first = MatchLevel1Entity
	}

	seeds := col.results[:min(entitySeedResults, len(col.results))]
	tokens := entityTokens(seeds, lowerQuery, exclude)
	meta.EnrichmentTokens = append(meta.EnrichmentTokens, tokens...)
	hop, err := e.entityHop(ctx, q, tokens, first, col, &budget)
	if err != nil {
		return err
	}

	if !q.DeepEnrichment || len(hop) == 0 || budget == 0 {
		return nil
	}
	tokens = entityTokens(hop[:min(entitySeedResults, len(hop))], lowerQuery, exclude)
	meta.EnrichmentTokens = append(meta.EnrichmentTokens, tokens...)
	_, err = e.entityHop(ctx, q, tokens, MatchLevel2Entity, col, &budget)
	return err
}

func (e *Engine) entityHop(ctx context.Context, q Query, tokens []string, mt MatchType, col *collector, budget *int) ([]Result, error) {
	var found []Result
	for _, tok := range tokens {
		if *budget == 0 {
			break
		}
		msgs, err := e.archive.Search(ctx, q.criteria(tok, entitySearchLimit))
		if err != nil {
			return nil, &RetrievalFault{Strategy: StrategyEntity, Err: err}
		}
		for _, m := range msgs {
			r := Result{Message: m, MatchType: mt, MatchedTerm: tok}
			if !col.addResult(r) {
				continue
			}
			found = append(found, r)
			*budget--
			if *budget == 0 {
				break
			}
		}
	}
	return found, nil
}

// entityTokens collects up to maxEntityTokens salient tokens from results
// that the query does not already cover. exclude is updated so a token is
// never searched twice.
func entityTokens(results []Result, lowerQuery string, exclude map[string]bool) []string {
	var out []string
	for _, r := range results {
		for _, tok := range textutil.SalientTokens(r.Content) {
			key := strings.ToLower(tok)
			if exclude[key] || strings.Contains(lowerQuery, key) {
				continue
			}
			exclude[key] = true
			out = append(out, tok)
			if len(out) == maxEntityTokens {
				return out
			}
		}
	}
	return out
}
