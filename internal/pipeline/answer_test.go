package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/chatvault/internal/cache"
	"github.com/kalambet/chatvault/internal/search"
	"github.com/kalambet/chatvault/internal/session"
	"github.com/kalambet/chatvault/internal/storage"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type clock struct{}

func (clock) Now() time.Time { return testNow }

// countingSearcher wraps a Searcher and records the queries it sees.
type countingSearcher struct {
	inner   Searcher
	calls   atomic.Int32
	queries []search.Query
	err     error
}

func (c *countingSearcher) Search(ctx context.Context, q search.Query) ([]search.Result, search.Metadata, error) {
	c.calls.Add(1)
	c.queries = append(c.queries, q)
	if c.err != nil {
		return nil, search.Metadata{}, c.err
	}
	return c.inner.Search(ctx, q)
}

type fakeSynth struct {
	answer string
	err    error
	gotCtx session.Context
}

func (f *fakeSynth) Synthesize(_ context.Context, query string, results []search.Result, conv session.Context) (string, error) {
	f.gotCtx = conv
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

type fixture struct {
	archive  *storage.Store
	searcher *countingSearcher
	sessions *session.Store
	cache    *cache.Cache[Cached]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	archive, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })

	sessions, err := session.Open(t.TempDir(), session.Options{Clock: clock{}})
	require.NoError(t, err)

	engine := search.New(archive, nil, search.Options{Now: func() time.Time { return testNow }})
	return &fixture{
		archive:  archive,
		searcher: &countingSearcher{inner: engine},
		sessions: sessions,
		cache:    cache.New[Cached](cache.Options{}),
	}
}

func (f *fixture) store(t *testing.T, content, sender string, age time.Duration) {
	t.Helper()
	_, err := f.archive.Store(context.Background(), storage.Message{
		Content:       content,
		SenderName:    sender,
		SourceChannel: "news",
		Timestamp:     testNow.Add(-age),
	})
	require.NoError(t, err)
}

func (f *fixture) answerer(synth Synthesizer) *Answerer {
	return NewAnswerer(f.searcher, f.sessions, f.cache, synth, Options{Now: func() time.Time { return testNow }})
}

func ask(t *testing.T, a *Answerer, text string) Answer {
	t.Helper()
	out, err := a.Ask(context.Background(), Request{Channel: "bot", User: "alice", Text: text})
	require.NoError(t, err)
	return out
}

func TestAsk_SynthesizesAndRecordsTurns(t *testing.T) {
	f := newFixture(t)
	f.store(t, "budget approved for Q3", "Bob", time.Hour)
	synth := &fakeSynth{answer: "Bob said the Q3 budget was approved."}

	out := ask(t, f.answerer(synth), "budget")
	assert.Equal(t, "Bob said the Q3 budget was approved.", out.Text)
	assert.True(t, out.Synthesized)
	assert.False(t, out.Cached)
	require.Len(t, out.Results, 1)
	assert.True(t, synth.gotCtx.Empty())

	turns := f.sessions.History("bot", "alice", 0)
	require.Len(t, turns, 2)
	assert.Equal(t, session.RoleUser, turns[0].Role)
	assert.Equal(t, "budget", turns[0].Content)
	assert.Equal(t, "search", turns[0].Category)
	assert.Equal(t, session.RoleAssistant, turns[1].Role)
	require.NotNil(t, turns[1].ResultCount)
	assert.Equal(t, 1, *turns[1].ResultCount)
}

func TestAsk_SecondIdenticalQuestionIsCached(t *testing.T) {
	f := newFixture(t)
	f.store(t, "budget approved for Q3", "Bob", time.Hour)
	a := f.answerer(nil)

	first := ask(t, a, "budget")
	second := ask(t, a, "  BUDGET ")
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, int32(1), f.searcher.calls.Load())
	assert.Equal(t, first.Results, second.Results)
}

func TestAsk_FallbackWhenSynthesisFails(t *testing.T) {
	f := newFixture(t)
	f.store(t, "budget approved for Q3", "Bob", time.Hour)

	out := ask(t, f.answerer(&fakeSynth{err: errors.New("model offline")}), "budget")
	assert.False(t, out.Synthesized)
	assert.True(t, strings.HasPrefix(out.Text, "Found 1 messages related to 'budget':"))
	assert.Contains(t, out.Text, "Bob (1 hour ago): budget approved for Q3")
}

func TestAsk_NoSynthesizerNoResults(t *testing.T) {
	f := newFixture(t)
	out := ask(t, f.answerer(nil), "weather")
	assert.Empty(t, out.Results)
	assert.Equal(t, "No messages found matching your query: 'weather'", out.Text)
	assert.Len(t, f.sessions.History("bot", "alice", 0), 2)
}

func TestAsk_FollowUpKeepsSubject(t *testing.T) {
	f := newFixture(t)
	f.store(t, "budget approved for Q3", "Bob", time.Hour)
	f.store(t, "budget for Q4 still open", "Carol", 2*time.Hour)
	synth := &fakeSynth{answer: "ok"}
	a := f.answerer(synth)

	ask(t, a, "budget")
	out := ask(t, a, "what about Q4?")
	assert.True(t, out.FollowUp)
	assert.Equal(t, "q4 OR budget", out.Query.Text)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "Carol", out.Results[0].SenderName)
	assert.False(t, synth.gotCtx.Empty())

	turns := f.sessions.History("bot", "alice", 0)
	require.Len(t, turns, 4)
	assert.Equal(t, "follow_up", turns[2].Category)
}

func TestAsk_FollowUpTimePeriodOnly(t *testing.T) {
	f := newFixture(t)
	a := f.answerer(nil)
	ask(t, a, "budget")

	out := ask(t, a, "and yesterday?")
	assert.True(t, out.FollowUp)
	assert.Equal(t, "budget", out.Query.Text)
	assert.True(t, out.Query.Since.Equal(time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC)))
	assert.True(t, out.Query.Until.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
}

func TestAsk_NotAFollowUpWithoutHistory(t *testing.T) {
	f := newFixture(t)
	out := ask(t, f.answerer(nil), "what about Q4?")
	assert.False(t, out.FollowUp)
}

func TestAsk_SearchErrorIsReturned(t *testing.T) {
	f := newFixture(t)
	fault := &search.RetrievalFault{Strategy: search.StrategyDirect, Err: errors.New("disk I/O error")}
	f.searcher.err = fault

	_, err := f.answerer(nil).Ask(context.Background(), Request{Channel: "bot", User: "alice", Text: "budget"})
	var rf *search.RetrievalFault
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, search.StrategyDirect, rf.Strategy)
	assert.Empty(t, f.sessions.History("bot", "alice", 0))
}

func TestAsk_EmptyQuestion(t *testing.T) {
	f := newFixture(t)
	_, err := f.answerer(nil).Ask(context.Background(), Request{Channel: "bot", User: "alice", Text: "  "})
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestCacheKey_ScopesQuery(t *testing.T) {
	base := search.Query{Text: "budget"}
	scoped := base
	scoped.ChannelID = "news"
	assert.NotEqual(t, cacheKey(base), cacheKey(scoped))

	a := search.Query{Text: "budget", Since: testNow.Add(-10 * time.Second)}
	b := search.Query{Text: "Budget", Since: testNow.Add(-20 * time.Second)}
	assert.Equal(t, cacheKey(a), cacheKey(b))

	s1 := search.Query{Text: "x", Strategies: []search.Strategy{search.StrategyFuzzy, search.StrategyDirect}}
	s2 := search.Query{Text: "x", Strategies: []search.Strategy{search.StrategyDirect, search.StrategyFuzzy}}
	assert.Equal(t, cacheKey(s1), cacheKey(s2))
}

func TestAsk_OrCaseChangesCacheEntry(t *testing.T) {
	f := newFixture(t)
	f.store(t, "roadmap draft is in the shared folder", "Bob", time.Hour)
	f.store(t, "weather looks rough for the offsite", "Carol", 2*time.Hour)
	a := f.answerer(nil)

	first, err := a.Ask(context.Background(), Request{Channel: "bot", User: "alice", Text: "roadmap or weather"})
	require.NoError(t, err)
	second, err := a.Ask(context.Background(), Request{Channel: "bot", User: "dave", Text: "roadmap OR weather"})
	require.NoError(t, err)

	assert.False(t, first.Cached)
	assert.False(t, second.Cached)
	assert.Equal(t, int32(2), f.searcher.calls.Load())
	require.Len(t, second.Results, 2)
}

func TestCacheKey_FollowsOrGroups(t *testing.T) {
	one := search.Query{Text: "roadmap or weather"}
	two := search.Query{Text: "roadmap OR weather"}
	assert.NotEqual(t, cacheKey(one), cacheKey(two))

	piped := search.Query{Text: "Roadmap | weather"}
	assert.Equal(t, cacheKey(two), cacheKey(piped))

	assert.NotEqual(t, cacheKey(search.Query{Text: "a|b", ChannelID: "c"}), cacheKey(search.Query{Text: "a", ChannelID: "b|c"}))
}
