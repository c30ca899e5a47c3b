package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dgraph-io/ristretto"

	"github.com/kalambet/chatvault/internal/storage"
)

// DefaultMinContentLength is the shortest message content worth embedding.
const DefaultMinContentLength = 10

// PendingSource lists archived messages that still need embeddings.
type PendingSource interface {
	PendingMessages(ctx context.Context, minLen, limit int) ([]storage.PendingMessage, error)
	PendingCount(ctx context.Context, minLen int) (int, error)
	RecordEmbeddingFailure(ctx context.Context, id int64, errMsg string) error
}

// IndexOptions tunes an Index. Zero values select defaults.
type IndexOptions struct {
	MinContentLength int
	// MemoEntries bounds the number of memoized query embeddings.
	MemoEntries int64
	Logger      *slog.Logger
}

// Index is the embedding layer of the archive: it generates vectors,
// stores them one per message and answers similarity queries.
type Index struct {
	store    *SQLiteStore
	pending  PendingSource
	embedder Embedder
	memo     *ristretto.Cache
	minLen   int
	logger   *slog.Logger
}

// NewIndex wires an Index from its store, the archive's pending queue and an
// embedder.
func NewIndex(store *SQLiteStore, pending PendingSource, embedder Embedder, opts IndexOptions) (*Index, error) {
	if opts.MinContentLength <= 0 {
		opts.MinContentLength = DefaultMinContentLength
	}
	if opts.MemoEntries <= 0 {
		opts.MemoEntries = 1000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	memo, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: opts.MemoEntries * 10,
		MaxCost:     opts.MemoEntries,
		BufferItems: 64,
		// Each entry costs 1 so MaxCost counts entries.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding memo: %w", err)
	}

	return &Index{
		store:    store,
		pending:  pending,
		embedder: embedder,
		memo:     memo,
		minLen:   opts.MinContentLength,
		logger:   opts.Logger,
	}, nil
}

// Close releases the query-embedding memo.
func (x *Index) Close() {
	x.memo.Close()
}

// ModelID names the model that produces this index's vectors.
func (x *Index) ModelID() string {
	return x.embedder.ModelID()
}

// Embed returns the vector for text. Results are memoized, so repeated
// queries skip the model round trip.
func (x *Index) Embed(ctx context.Context, text string) ([]float32, error) {
	key := x.embedder.ModelID() + "\x00" + text
	if v, ok := x.memo.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	x.memo.Set(key, vec, 1)
	return vec, nil
}

// EmbedBatch embeds texts in one batched call. Use it for backfill.
func (x *Index) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return x.embedder.EmbedBatch(ctx, texts)
}

// Store saves the vector for a message under the given model id.
func (x *Index) Store(ctx context.Context, messageID int64, vec []float32, model string) error {
	return x.store.Store(ctx, messageID, vec, model)
}

// StoreBatch saves several vectors at once.
func (x *Index) StoreBatch(ctx context.Context, records []Record) error {
	return x.store.StoreBatch(ctx, records)
}

// Get returns a message's vector and model id, or storage.ErrNotFound.
func (x *Index) Get(ctx context.Context, messageID int64) ([]float32, string, error) {
	r, err := x.store.Get(ctx, messageID)
	if err != nil {
		return nil, "", err
	}
	return r.Vector, r.Model, nil
}

// AllEmbeddings streams every stored embedding; see SQLiteStore.All.
func (x *Index) AllEmbeddings(ctx context.Context, fn func(Record) error) error {
	return x.store.All(ctx, fn)
}

// ResetStale drops vectors made by any model other than the current one so
// the backfill re-embeds those messages.
func (x *Index) ResetStale(ctx context.Context) (int64, error) {
	n, err := x.store.DeleteOtherModels(ctx, x.embedder.ModelID())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		x.logger.Info("dropped embeddings from previous models", "count", n, "model", x.embedder.ModelID())
	}
	return n, nil
}

// PendingCount reports how many messages still need an embedding.
func (x *Index) PendingCount(ctx context.Context) (int, error) {
	return x.pending.PendingCount(ctx, x.minLen)
}

// NextPending returns up to limit messages ready to be embedded.
func (x *Index) NextPending(ctx context.Context, limit int) ([]storage.PendingMessage, error) {
	return x.pending.PendingMessages(ctx, x.minLen, limit)
}

// MarkFailed records a failed embedding attempt; the message stays pending.
func (x *Index) MarkFailed(ctx context.Context, messageID int64, cause error) error {
	return x.pending.RecordEmbeddingFailure(ctx, messageID, cause.Error())
}

// Similar embeds query and returns stored messages whose cosine similarity
// is at least floor, best first. Only vectors produced by the current model
// are compared. limit <= 0 returns every match.
func (x *Index) Similar(ctx context.Context, query string, floor float64, limit int) ([]Match, error) {
	qvec, err := x.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	model := x.embedder.ModelID()
	scanner := newMatrixScanner(qvec, floor)
	err = x.store.All(ctx, func(r Record) error {
		if r.Model == model {
			scanner.add(r.MessageID, r.Vector)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning embeddings: %w", err)
	}

	matches := scanner.results()
	if limit > 0 && len(matches) > limit {
		matches = slices.Clone(matches[:limit])
	}
	x.logger.Debug("similarity scan", "matches", len(matches), "floor", floor)
	return matches, nil
}
