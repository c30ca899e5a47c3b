package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyTerms(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"drops stop words", "what did they say about the Q2 roadmap", []string{"q2", "roadmap"}},
		{"dedups", "Roadmap roadmap ROADMAP call", []string{"roadmap", "call"}},
		{"all stop words keeps text", "  The  ", []string{"the"}},
		{"empty", "   ", nil},
		{"punctuation", "acme's, launch!", []string{"acme", "launch"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KeyTerms(tt.in))
		})
	}
}

func TestCollapse(t *testing.T) {
	assert.Equal(t, "hello big world", Collapse("  Hello\tBIG \n world "))
}

func TestTaggedEntities(t *testing.T) {
	got := TaggedEntities("#Gaza update from @reporter1 #gaza #Gaza and email a@b.c")
	assert.Equal(t, []Entity{
		{Kind: KindHashtag, Text: "Gaza"},
		{Kind: KindMention, Text: "reporter1"},
		{Kind: KindHashtag, Text: "gaza"},
	}, got)
}

func TestSalientTokens(t *testing.T) {
	got := SalientTokens("The NATO summit discussed OpenAI and the European Central Bank #energy plans")
	assert.Equal(t, []string{"NATO", "OpenAI", "European Central Bank", "energy"}, got)
}

func TestSalientTokens_OrderedByPosition(t *testing.T) {
	got := SalientTokens("#energy talks with OpenAI and NATO")
	assert.Equal(t, []string{"energy", "OpenAI", "NATO"}, got)
}

func TestSalientTokens_NoneFound(t *testing.T) {
	assert.Empty(t, SalientTokens("nothing to see here"))
}
