package search

import (
	"context"
	"strings"

	"github.com/kalambet/chatvault/internal/textutil"
)

// Expander proposes alternative search phrases for a query, usually backed
// by a language model.
type Expander interface {
	Expand(ctx context.Context, query string) ([]string, error)
}

// synonyms is the offline expansion table used when no Expander is
// configured or it fails.
var synonyms = map[string][]string{
	"meeting":    {"call", "sync", "standup"},
	"call":       {"meeting", "phone"},
	"bug":        {"issue", "error", "defect"},
	"error":      {"bug", "failure", "exception"},
	"issue":      {"problem", "bug"},
	"problem":    {"issue", "trouble"},
	"release":    {"launch", "deploy", "ship"},
	"launch":     {"release", "rollout"},
	"deploy":     {"release", "rollout"},
	"deadline":   {"due", "timeline"},
	"money":      {"payment", "budget", "cost"},
	"budget":     {"cost", "spending", "money"},
	"price":      {"cost", "pricing"},
	"payment":    {"invoice", "transfer"},
	"job":        {"hiring", "position", "vacancy"},
	"hiring":     {"recruiting", "job"},
	"war":        {"conflict", "fighting", "military"},
	"conflict":   {"war", "fighting"},
	"attack":     {"strike", "assault"},
	"election":   {"vote", "ballot", "poll"},
	"vote":       {"election", "ballot"},
	"government": {"ministry", "parliament", "cabinet"},
	"crypto":     {"bitcoin", "blockchain", "token"},
	"bitcoin":    {"crypto", "btc"},
	"blockchain": {"crypto", "web3"},
	"ai":         {"llm", "model", "machine learning"},
	"weather":    {"forecast", "rain", "temperature"},
	"travel":     {"trip", "flight"},
	"trip":       {"travel", "vacation"},
	"news":       {"update", "report", "announcement"},
	"update":     {"news", "change"},
	"plan":       {"roadmap", "schedule"},
	"roadmap":    {"plan", "milestones"},
	"contract":   {"agreement", "deal"},
	"deal":       {"agreement", "contract"},
	"health":     {"medical", "doctor"},
	"sick":       {"ill", "doctor"},
}

// localExpansions looks up the key terms of query in the synonym table.
func localExpansions(query string, max int) []string {
	var out []string
	for _, term := range textutil.KeyTerms(query) {
		out = append(out, synonyms[term]...)
	}
	return boundExpansions(query, out, max)
}

// boundExpansions drops blanks, duplicates and terms already in query, and
// caps the list at max.
func boundExpansions(query string, terms []string, max int) []string {
	have := make(map[string]bool)
	for _, t := range textutil.KeyTerms(query) {
		have[t] = true
	}
	have[textutil.Collapse(query)] = true

	var out []string
	for _, t := range terms {
		t = textutil.Collapse(strings.Trim(t, " \t\"'.,;"))
		if t == "" || have[t] {
			continue
		}
		have[t] = true
		out = append(out, t)
		if len(out) == max {
			break
		}
	}
	return out
}
