package retrieval

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/chatvault/internal/storage"
)

// fixedEmbedder maps known texts to fixed vectors.
type fixedEmbedder struct {
	model   string
	vectors map[string][]float32
	calls   atomic.Int32
	err     error
}

func (f *fixedEmbedder) ModelID() string { return f.model }

func (f *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0}, nil
}

func (f *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func newTestIndex(t *testing.T, emb Embedder) (*Index, *storage.Store) {
	t.Helper()
	archive := openArchive(t)
	idx, err := NewIndex(NewSQLiteStore(archive.DB()), archive, emb, IndexOptions{})
	require.NoError(t, err)
	t.Cleanup(idx.Close)
	return idx, archive
}

func TestIndex_SimilarRespectsFloor(t *testing.T) {
	emb := &fixedEmbedder{model: "fake", vectors: map[string][]float32{"blockchain": {1, 0}}}
	idx, archive := newTestIndex(t, emb)
	ctx := context.Background()

	ledger := addMessage(t, archive, "distributed ledger technology is advancing")
	other := addMessage(t, archive, "weather is sunny today")
	require.NoError(t, idx.Store(ctx, ledger, []float32{0.6, 0.8}, "fake"))
	require.NoError(t, idx.Store(ctx, other, []float32{0, 1}, "fake"))

	got, err := idx.Similar(ctx, "blockchain", 0.55, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ledger, got[0].MessageID)
	assert.InDelta(t, 0.6, got[0].Score, 1e-6)

	got, err = idx.Similar(ctx, "blockchain", 0.7, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIndex_SimilarIgnoresOtherModels(t *testing.T) {
	emb := &fixedEmbedder{model: "current", vectors: map[string][]float32{"q": {1, 0}}}
	idx, archive := newTestIndex(t, emb)
	ctx := context.Background()

	stale := addMessage(t, archive, "embedded by an older model")
	fresh := addMessage(t, archive, "embedded by the current model")
	require.NoError(t, idx.Store(ctx, stale, []float32{1, 0}, "previous"))
	require.NoError(t, idx.Store(ctx, fresh, []float32{1, 0}, "current"))

	got, err := idx.Similar(ctx, "q", 0.5, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fresh, got[0].MessageID)
}

func TestIndex_EmbedIsMemoized(t *testing.T) {
	emb := &fixedEmbedder{model: "fake", vectors: map[string][]float32{"q": {1, 0}}}
	idx, _ := newTestIndex(t, emb)
	ctx := context.Background()

	_, err := idx.Embed(ctx, "q")
	require.NoError(t, err)
	idx.memo.Wait()
	_, err = idx.Embed(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int32(1), emb.calls.Load())
}

func TestIndex_SimilarPropagatesUnavailable(t *testing.T) {
	emb := &fixedEmbedder{model: "fake", err: ErrEmbeddingUnavailable}
	idx, _ := newTestIndex(t, emb)
	_, err := idx.Similar(context.Background(), "anything", 0.5, 10)
	assert.True(t, errors.Is(err, ErrEmbeddingUnavailable))
}

func TestIndex_PendingLifecycle(t *testing.T) {
	idx, archive := newTestIndex(t, NewLocalEmbedder())
	ctx := context.Background()

	id := addMessage(t, archive, "a message long enough to embed")
	addMessage(t, archive, "tiny")

	n, err := idx.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	next, err := idx.NextPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, id, next[0].ID)

	vec, err := idx.Embed(ctx, next[0].Content)
	require.NoError(t, err)
	require.NoError(t, idx.Store(ctx, id, vec, idx.ModelID()))

	n, err = idx.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, model, err := idx.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, LocalModelID, model)
	assert.Equal(t, vec, got)
}

func TestIndex_ResetStaleRequeuesOtherModels(t *testing.T) {
	idx, archive := newTestIndex(t, &fixedEmbedder{model: "current"})
	ctx := context.Background()

	old := addMessage(t, archive, "embedded before the model switch")
	cur := addMessage(t, archive, "embedded after the model switch")
	require.NoError(t, idx.Store(ctx, old, []float32{1, 0}, "previous"))
	require.NoError(t, idx.Store(ctx, cur, []float32{0, 1}, "current"))

	n, err := idx.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	dropped, err := idx.ResetStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dropped)

	pending, err := idx.NextPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, old, pending[0].ID)
}
