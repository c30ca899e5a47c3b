package retrieval

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/chatvault/internal/textutil"
)

// ErrEmbeddingUnavailable means no embedding backend can serve requests.
// Callers degrade to lexical-only search when they see it.
var ErrEmbeddingUnavailable = errors.New("embedding backend unavailable")

// Embedder turns text into fixed-length vectors.
type Embedder interface {
	ModelID() string
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedClient is the subset of the Ollama client used for embeddings.
type EmbedClient interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
	IsRunning(ctx context.Context) bool
}

// batchEmbedClient is implemented by clients that embed many texts in one
// request.
type batchEmbedClient interface {
	EmbedMany(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// OllamaEmbedder generates embeddings with a local Ollama model.
type OllamaEmbedder struct {
	client EmbedClient
	model  string
}

// NewOllamaEmbedder creates an Embedder using the given client and model name.
func NewOllamaEmbedder(client EmbedClient, model string) *OllamaEmbedder {
	return &OllamaEmbedder{client: client, model: model}
}

func (e *OllamaEmbedder) ModelID() string { return e.model }

// Embed returns the embedding vector for a single text. An unreachable
// backend is reported as ErrEmbeddingUnavailable.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, e.model, text)
	if err != nil {
		if ctx.Err() == nil && !e.client.IsRunning(ctx) {
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
		}
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts, in one request
// when the client supports it and concurrently otherwise.
// Returns nil (not error) for empty/nil input.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if bc, ok := e.client.(batchEmbedClient); ok {
		if vecs, err := bc.EmbedMany(ctx, e.model, texts); err == nil {
			return vecs, nil
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the backend.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// LocalModelID identifies vectors produced by LocalEmbedder.
const LocalModelID = "chatvault-chargram-384-v1"

// LocalEmbedder is a deterministic character-trigram hashing embedder. It
// needs no model backend, which keeps the semantic layer usable offline;
// its vectors capture spelling overlap rather than meaning.
type LocalEmbedder struct {
	dims int
}

// NewLocalEmbedder creates a 384-dimension LocalEmbedder.
func NewLocalEmbedder() *LocalEmbedder {
	return &LocalEmbedder{dims: 384}
}

func (e *LocalEmbedder) ModelID() string { return LocalModelID }

func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec, nil
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		vec[e.bucket(window[i:i+3])] += 1
	}
	for _, tok := range textutil.Tokenize(normalized) {
		vec[e.bucket("tok:"+tok)] += 1.25
	}
	return Normalize(vec), nil
}

func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *LocalEmbedder) bucket(s string) int {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int(h.Sum64() % uint64(e.dims))
}
