package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/kalambet/chatvault/internal/cache"
	"github.com/kalambet/chatvault/internal/composer"
	"github.com/kalambet/chatvault/internal/config"
	"github.com/kalambet/chatvault/internal/ingest"
	"github.com/kalambet/chatvault/internal/llm"
	"github.com/kalambet/chatvault/internal/ollama"
	"github.com/kalambet/chatvault/internal/pipeline"
	"github.com/kalambet/chatvault/internal/retrieval"
	"github.com/kalambet/chatvault/internal/search"
	"github.com/kalambet/chatvault/internal/session"
	"github.com/kalambet/chatvault/internal/storage"
)

// app holds every component a command may need, wired from one Config.
type app struct {
	cfg      config.Config
	store    *storage.Store
	index    *retrieval.Index
	engine   *search.Engine
	sessions *session.Store
	answerer *pipeline.Answerer
	worker   *ingest.Worker
	ingestor *ingest.Ingestor

	// ollama is nil when disabled in config.
	ollama *ollama.Client
	// llmUp reports whether the chat model answered the startup check.
	llmUp bool
}

// newApp opens the archive and session store and builds the retrieval
// stack. When Ollama is disabled the local hashing embedder is used and
// answers are rendered without a language model.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	a := &app{cfg: cfg, store: store}

	var embedder retrieval.Embedder = retrieval.NewLocalEmbedder()
	// embedMissing is set when a running server lacks the embedding model;
	// an unreachable server is handled by the engine itself.
	embedMissing := false
	if cfg.Ollama.Enabled {
		a.ollama = ollama.New(cfg.Ollama.BaseURL)
		embedder = retrieval.NewOllamaEmbedder(a.ollama, cfg.Ollama.EmbedModel)
		ready := ollama.Check(ctx, a.ollama, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel)
		a.llmUp = ready.Running && !slices.Contains(ready.Missing, cfg.Ollama.ChatModel)
		embedMissing = slices.Contains(ready.Missing, cfg.Ollama.EmbedModel)
		if !a.llmUp {
			slog.Warn("ollama chat model unavailable, answering without synthesis",
				"base_url", cfg.Ollama.BaseURL, "model", cfg.Ollama.ChatModel, "running", ready.Running)
		}
		if embedMissing {
			slog.Warn("ollama embedding model missing, similarity search disabled", "model", cfg.Ollama.EmbedModel)
		}
	}

	index, err := retrieval.NewIndex(retrieval.NewSQLiteStore(store.DB()), store, embedder, retrieval.IndexOptions{
		MinContentLength: cfg.Backfill.MinContentLength,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	a.index = index

	opts := search.Options{
		DefaultLimit:       cfg.Search.DefaultLimit,
		SemanticThreshold:  cfg.Search.SemanticThreshold,
		LowResultThreshold: cfg.Search.LowResultThreshold,
		SimilarityFloor:    cfg.Search.SimilarityFloor,
		MaxExpansions:      cfg.Search.MaxExpansions,
		MaxEnrichedResults: cfg.Search.MaxEnrichedResults,
		Boosts:             boosts(cfg.Search),
	}
	var synth pipeline.Synthesizer
	if a.llmUp {
		opts.Expander = llm.NewExpander(a.ollama, cfg.Ollama.ChatModel, cfg.Search.MaxExpansions, nil)
		synth = llm.NewSynthesizer(a.ollama, cfg.Ollama.ChatModel, composer.New(0))
	}
	if embedMissing {
		a.engine = search.New(store, nil, opts)
	} else {
		a.engine = search.New(store, index, opts)
	}

	sessions, err := session.Open(cfg.Storage.SessionDir(), session.Options{
		MaxHistory:  cfg.Session.MaxHistory,
		Expiry:      cfg.Session.Expiry(),
		MaxTopics:   cfg.Session.MaxTopics,
		MaxEntities: cfg.Session.MaxEntities,
		MaxSessions: cfg.Session.MaxSessions,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening sessions: %w", err)
	}
	a.sessions = sessions

	var strategies []search.Strategy
	if cfg.Search.EntityEnrichment {
		strategies = append(slices.Clone(search.DefaultStrategies), search.StrategyEntity)
	}
	results := cache.New[pipeline.Cached](cache.Options{TTL: cfg.Cache.TTL(), Size: cfg.Cache.Size})
	a.answerer = pipeline.NewAnswerer(a.engine, sessions, results, synth, pipeline.Options{
		Limit:      cfg.Search.DefaultLimit,
		Strategies: strategies,
	})

	a.worker = ingest.NewWorker(index, index, index, ingest.WorkerOptions{
		BatchSize:    cfg.Backfill.BatchSize,
		PollInterval: cfg.Backfill.PollInterval(),
	})
	a.ingestor = ingest.NewIngestor(store, a.worker)
	return a, nil
}

// Close releases the index memo and the database.
func (a *app) Close() {
	if a.index != nil {
		a.index.Close()
	}
	if err := a.store.Close(); err != nil {
		printWarning("closing storage: %v", err)
	}
}

func boosts(c config.SearchConfig) []search.Boost {
	const day = 24 * time.Hour
	return []search.Boost{
		{Within: 7 * day, Amount: c.Boost7d},
		{Within: 14 * day, Amount: c.Boost14d},
		{Within: 30 * day, Amount: c.Boost30d},
	}
}

// withApp loads config, opens the app, runs fn and closes it again.
func withApp(ctx context.Context, fn func(*app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
