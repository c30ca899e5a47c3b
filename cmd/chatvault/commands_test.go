package main

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/chatvault/internal/config"
	"github.com/kalambet/chatvault/internal/ingest"
	"github.com/kalambet/chatvault/internal/pipeline"
	"github.com/kalambet/chatvault/internal/retrieval"
	"github.com/kalambet/chatvault/internal/search"
	"github.com/kalambet/chatvault/internal/storage"
)

var ctx = context.Background()

func TestMain(m *testing.M) {
	noColor = true
	os.Exit(m.Run())
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestIngestLines(t *testing.T) {
	store := openStore(t)
	input := `{"source_channel":"ops","sender_name":"Alice","timestamp":"2026-03-01T10:00:00Z","content":"deploy finished without errors"}

{"source_channel":"ops","sender_name":"Bob","content":"thanks, checking the dashboards now","is_forwarded":true}
`
	n, err := ingestLines(ctx, ingest.NewIngestor(store, nil), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Messages)
	assert.Equal(t, 1, st.Channels)

	msgs, err := store.Search(ctx, storage.Criteria{Text: "deploy"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Alice", msgs[0].SenderName)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), msgs[0].Timestamp.UTC())
}

func TestIngestLines_Malformed(t *testing.T) {
	store := openStore(t)
	input := `{"source_channel":"ops","content":"first message is fine"}
{"source_channel":`
	n, err := ingestLines(ctx, ingest.NewIngestor(store, nil), strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.Equal(t, 1, n)
}

func TestPrintResults(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	results := []search.Result{
		{
			Message:   storage.Message{SenderName: "Alice", SourceChannel: "ops", Timestamp: now.Add(-2 * time.Hour), Content: "deploy done"},
			MatchType: search.MatchDirect,
		},
		{
			Message:   storage.Message{SenderID: "u-7", SourceChannel: "dev", Timestamp: now.Add(-30 * 24 * time.Hour), Content: "rollout plan"},
			MatchType: search.MatchSemantic,
			Score:     0.8712,
		},
	}

	var buf bytes.Buffer
	printResults(&buf, results, now)
	out := buf.String()
	assert.Contains(t, out, " 1. [direct] Alice in ops, 2 hours ago\n    deploy done\n")
	assert.Contains(t, out, " 2. [semantic 0.87] u-7 in dev, 2026-02-08 12:00\n")
}

func TestPrintMetadata(t *testing.T) {
	var buf bytes.Buffer
	printMetadata(&buf, search.Metadata{
		Strategies:            []search.Strategy{search.StrategyDirect, search.StrategyEmbedding},
		Expansions:            []string{"release", "ship"},
		EmbeddingsUnavailable: true,
		Duration:              12 * time.Millisecond,
	})
	assert.Equal(t, "strategies: direct, embedding (12ms)\nexpansions: release, ship\nembeddings: unavailable\n", buf.String())
}

type fakeRunner struct {
	queue []int // messages taken per call
	left  int
	stuck bool
	calls int
}

func (f *fakeRunner) RunOnce(context.Context) (int, error) {
	f.calls++
	if len(f.queue) == 0 {
		return 0, nil
	}
	n := f.queue[0]
	f.queue = f.queue[1:]
	if !f.stuck {
		f.left -= n
	}
	return n, nil
}

func TestDrain(t *testing.T) {
	r := &fakeRunner{queue: []int{50, 50, 7}, left: 107}
	n, err := drain(ctx, r, func() int { return r.left })
	require.NoError(t, err)
	assert.Equal(t, 107, n)
	assert.Equal(t, 0, r.left)
}

func TestDrain_StopsWithoutProgress(t *testing.T) {
	r := &fakeRunner{queue: []int{5, 5, 5}, left: 5, stuck: true}
	n, err := drain(ctx, r, func() int { return r.left })
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 1, r.calls)
}

func TestPlural(t *testing.T) {
	assert.Equal(t, "", plural(1))
	assert.Equal(t, "s", plural(0))
	assert.Equal(t, "s", plural(3))
}

// TestApp_LocalStack wires the full app without Ollama: ingest, backfill
// with the local embedder, then answer a question from the archive.
func TestApp_LocalStack(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("CHATVAULT_STORAGE_DATA_DIR", dir)
	t.Setenv("CHATVAULT_OLLAMA_ENABLED", "false")

	cfg, err := config.Load()
	require.NoError(t, err)

	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	assert.Nil(t, a.ollama)
	assert.Equal(t, retrieval.LocalModelID, a.index.ModelID())

	now := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	input := `{"source_channel":"ops","sender_name":"Alice","timestamp":"` + now + `","content":"the deploy checklist is ready for review"}
{"source_channel":"ops","sender_name":"Bob","timestamp":"` + now + `","content":"lunch order goes out at noon today"}
`
	n, err := ingestLines(ctx, a.ingestor, strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	pending := func() int {
		p, err := a.index.PendingCount(ctx)
		require.NoError(t, err)
		return p
	}
	require.Equal(t, 2, pending())
	done, err := drain(ctx, a.worker, pending)
	require.NoError(t, err)
	assert.Equal(t, 2, done)
	assert.Equal(t, 0, pending())

	ans, err := a.answerer.Ask(ctx, pipeline.Request{Channel: "cli", User: "tester", Text: "deploy checklist"})
	require.NoError(t, err)
	assert.False(t, ans.Synthesized)
	assert.Contains(t, ans.Text, "deploy checklist is ready")
	require.NotEmpty(t, ans.Results)
	assert.Equal(t, "Alice", ans.Results[0].SenderName)
	assert.Equal(t, 1, a.sessions.Len())
}

func TestBoostsFromConfig(t *testing.T) {
	got := boosts(config.SearchConfig{Boost7d: 0.4, Boost14d: 0.2, Boost30d: 0.05})
	require.Len(t, got, 3)
	assert.Equal(t, 7*24*time.Hour, got[0].Within)
	assert.Equal(t, 0.4, got[0].Amount)
	assert.Equal(t, 30*24*time.Hour, got[2].Within)
	assert.Equal(t, 0.05, got[2].Amount)
}
