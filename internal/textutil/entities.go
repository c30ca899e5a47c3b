package textutil

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
)

// Entity kinds recorded against archived messages.
const (
	KindHashtag = "hashtag"
	KindMention = "mention"
)

// Entity is a tagged term lifted from message content.
type Entity struct {
	Kind string
	Text string
}

var (
	tagPattern     = regexp.MustCompile(`(?:^|\s)([#@])([\p{L}\p{N}_]+)`)
	acronymPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]{1,4}\b`)
	camelPattern   = regexp.MustCompile(`\b[A-Za-z]*[a-z][A-Z][A-Za-z0-9]*\b`)
	phrasePattern  = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+\b`)
)

// TaggedEntities extracts hashtags and mentions from content. The leading
// sigil is dropped and duplicates are collapsed.
func TaggedEntities(content string) []Entity {
	seen := make(map[Entity]struct{})
	var out []Entity
	for _, m := range tagPattern.FindAllStringSubmatch(content, -1) {
		e := Entity{Kind: KindHashtag, Text: m[2]}
		if m[1] == "@" {
			e.Kind = KindMention
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

// SalientTokens picks likely named things out of free text: short all-caps
// acronyms, camelCase compounds, runs of capitalized words and hashtags.
// Results keep their original casing, are unique case-insensitively and are
// returned in order of first appearance.
func SalientTokens(text string) []string {
	type hit struct {
		pos int
		tok string
	}
	var hits []hit
	for _, re := range []*regexp.Regexp{phrasePattern, acronymPattern, camelPattern} {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			hits = append(hits, hit{pos: loc[0], tok: text[loc[0]:loc[1]]})
		}
	}
	for _, loc := range tagPattern.FindAllStringSubmatchIndex(text, -1) {
		if text[loc[2]:loc[3]] == "#" {
			hits = append(hits, hit{pos: loc[4], tok: text[loc[4]:loc[5]]})
		}
	}

	// Stable by position so the earliest mention wins.
	slices.SortStableFunc(hits, func(a, b hit) int { return cmp.Compare(a.pos, b.pos) })

	seen := make(map[string]struct{})
	var out []string
	for _, h := range hits {
		key := strings.ToLower(h.tok)
		if IsStopWord(key) {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h.tok)
	}
	return out
}
