// Package textutil holds the lexical heuristics shared by the archive, the
// search engine and the session store: key-term extraction, stop words,
// tagged entities and salient-token detection.
package textutil

import (
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"a": {}, "about": {}, "above": {}, "after": {}, "again": {}, "all": {}, "also": {}, "am": {},
	"an": {}, "and": {}, "any": {}, "are": {}, "as": {}, "at": {}, "be": {}, "been": {},
	"before": {}, "being": {}, "between": {}, "both": {}, "but": {}, "by": {}, "can": {},
	"could": {}, "did": {}, "do": {}, "does": {}, "doing": {}, "down": {}, "during": {},
	"each": {}, "few": {}, "for": {}, "from": {}, "further": {}, "had": {}, "has": {},
	"have": {}, "having": {}, "he": {}, "her": {}, "here": {}, "hers": {}, "him": {},
	"his": {}, "how": {}, "i": {}, "if": {}, "in": {}, "into": {}, "is": {}, "it": {},
	"its": {}, "just": {}, "me": {}, "more": {}, "most": {}, "my": {}, "no": {}, "nor": {},
	"not": {}, "now": {}, "of": {}, "off": {}, "on": {}, "once": {}, "only": {}, "or": {},
	"other": {}, "our": {}, "out": {}, "over": {}, "own": {}, "same": {}, "she": {},
	"should": {}, "so": {}, "some": {}, "such": {}, "than": {}, "that": {}, "the": {},
	"their": {}, "them": {}, "then": {}, "there": {}, "these": {}, "they": {}, "this": {},
	"those": {}, "through": {}, "to": {}, "too": {}, "under": {}, "until": {}, "up": {},
	"very": {}, "was": {}, "we": {}, "were": {}, "what": {}, "when": {}, "where": {},
	"which": {}, "while": {}, "who": {}, "whom": {}, "why": {}, "will": {}, "with": {},
	"would": {}, "you": {}, "your": {}, "yours": {},
	// Conversational filler that shows up in questions put to the archive.
	"tell": {}, "show": {}, "find": {}, "search": {}, "look": {}, "anything": {},
	"something": {}, "said": {}, "say": {}, "says": {}, "mentioned": {}, "messages": {},
	"message": {}, "latest": {}, "recent": {}, "news": {}, "please": {},
}

// IsStopWord reports whether w (lowercase) carries no search signal.
func IsStopWord(w string) bool {
	_, ok := stopWords[w]
	return ok
}

// Tokenize splits s into lowercase runs of letters and digits.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// KeyTerms returns the distinct non-stop-word tokens of text in order of
// first appearance. When every token is a stop word the whole trimmed,
// lowercased text is returned as a single term so that a query never
// silently matches everything.
func KeyTerms(text string) []string {
	seen := make(map[string]struct{})
	var terms []string
	for _, tok := range Tokenize(text) {
		if len([]rune(tok)) < 2 || IsStopWord(tok) {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		terms = append(terms, tok)
	}
	if len(terms) == 0 {
		if t := strings.ToLower(strings.TrimSpace(text)); t != "" {
			return []string{t}
		}
	}
	return terms
}

// Collapse lowercases s and squeezes every whitespace run to one space.
func Collapse(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
