package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/chatvault/internal/retrieval"
	"github.com/kalambet/chatvault/internal/storage"
)

// DefaultBatchSize is how many pending messages one iteration embeds.
const DefaultBatchSize = 50

// PendingQueue hands out messages that still need an embedding.
type PendingQueue interface {
	NextPending(ctx context.Context, limit int) ([]storage.PendingMessage, error)
	MarkFailed(ctx context.Context, messageID int64, cause error) error
}

// ContentEmbedder generates embeddings for message text.
type ContentEmbedder interface {
	ModelID() string
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorWriter persists generated embeddings.
type VectorWriter interface {
	StoreBatch(ctx context.Context, records []retrieval.Record) error
}

// WorkerOptions tunes a Worker. Zero values select defaults.
type WorkerOptions struct {
	BatchSize    int
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Worker backfills embeddings for archived messages.
type Worker struct {
	queue    PendingQueue
	embedder ContentEmbedder
	vectors  VectorWriter
	batch    int
	poll     time.Duration
	wake     chan struct{}
	logger   *slog.Logger
}

// NewWorker creates a Worker. A *retrieval.Index satisfies all three
// dependencies.
func NewWorker(queue PendingQueue, embedder ContentEmbedder, vectors VectorWriter, opts WorkerOptions) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		queue:    queue,
		embedder: embedder,
		vectors:  vectors,
		batch:    opts.BatchSize,
		poll:     opts.PollInterval,
		wake:     make(chan struct{}, 1),
		logger:   opts.Logger,
	}
}

// Notify wakes a sleeping Run loop. It never blocks.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run embeds pending messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("backfill iteration failed", "error", err)
		}
		if n > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-time.After(w.poll):
		}
	}
}

// RunOnce embeds one batch of pending messages and returns how many were
// taken from the queue, successful or not. Failed items are recorded and
// stay pending; an error recording them is returned with the count.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	pending, err := w.queue.NextPending(ctx, w.batch)
	if err != nil {
		return 0, fmt.Errorf("loading pending messages: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	runID := uuid.New().String()
	logger := w.logger.With("run_id", runID)

	texts := make([]string, len(pending))
	for i, p := range pending {
		texts[i] = p.Content
	}

	model := w.embedder.ModelID()
	now := time.Now().UTC()
	var records []retrieval.Record
	var markErrs []error

	vecs, err := w.embedder.EmbedBatch(ctx, texts)
	if err == nil && len(vecs) == len(pending) {
		for i, p := range pending {
			records = append(records, retrieval.Record{MessageID: p.ID, Vector: vecs[i], Model: model, CreatedAt: now})
		}
	} else {
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			logger.Warn("batch embedding failed, retrying per message", "size", len(pending), "error", err)
		}
		for _, p := range pending {
			vec, err := w.embedder.Embed(ctx, p.Content)
			if err != nil {
				if ctx.Err() != nil {
					return 0, ctx.Err()
				}
				logger.Warn("embedding failed", "message_id", p.ID, "error", err)
				if markErr := w.queue.MarkFailed(ctx, p.ID, err); markErr != nil {
					logger.Error("failed to record embedding failure", "message_id", p.ID, "error", markErr)
					markErrs = append(markErrs, markErr)
				}
				continue
			}
			records = append(records, retrieval.Record{MessageID: p.ID, Vector: vec, Model: model, CreatedAt: now})
		}
	}

	if len(records) > 0 {
		if err := w.vectors.StoreBatch(ctx, records); err != nil {
			return len(pending), fmt.Errorf("storing embeddings: %w", err)
		}
	}
	logger.Debug("backfill batch done", "taken", len(pending), "embedded", len(records))
	// Unrecorded failures never back off, so the caller must not retry at once.
	if len(markErrs) > 0 {
		return len(pending), fmt.Errorf("recording embedding failures: %w", errors.Join(markErrs...))
	}
	return len(pending), nil
}
