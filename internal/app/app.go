// Package app wires the application together: configuration, database,
// model adapters, caches, the sync pipeline and the answer service.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zerag/zerag/db"
	"github.com/zerag/zerag/internal/cache"
	"github.com/zerag/zerag/internal/config"
	"github.com/zerag/zerag/internal/extract"
	"github.com/zerag/zerag/internal/genai"
	"github.com/zerag/zerag/internal/lexical"
	"github.com/zerag/zerag/internal/log"
	"github.com/zerag/zerag/internal/rag"
	"github.com/zerag/zerag/internal/rerank"
	"github.com/zerag/zerag/internal/store"
	"github.com/zerag/zerag/internal/syncer"
)

// App is the application container. Close releases everything Setup
// acquired.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Store   *store.Store
	Syncer  *syncer.Syncer
	Service *rag.Service
}

// chunkLister adapts the store to the lexical index's data feed.
type chunkLister struct {
	store *store.Store
}

func (l chunkLister) ListChunkTexts(ctx context.Context, dsID int64) ([]lexical.Document, error) {
	chunks, err := l.store.ListChunks(ctx, dsID)
	if err != nil {
		return nil, err
	}
	docs := make([]lexical.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = lexical.Document{ChunkID: c.ID, Name: c.DocumentName, Text: c.Content}
	}
	return docs, nil
}

// Setup loads configuration, connects to the database, runs migrations and
// builds the service graph.
func Setup(ctx context.Context) (_ *App, retErr error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	logger := log.New(log.Config{})
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil && a.Pool != nil {
			a.Pool.Close()
		}
	}()

	pool, err := store.NewPool(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	st, err := store.New(pool, logger)
	if err != nil {
		return nil, err
	}
	a.Store = st

	g, err := genai.Init(ctx)
	if err != nil {
		return nil, fmt.Errorf("initializing model runtime: %w", err)
	}
	embedder := genai.NewEmbedder(g, cfg.EmbedderModel, cfg.EmbedderDim)
	generator := genai.NewGenerator(g, cfg.ModelName)

	var embedCache *cache.EmbeddingCache
	if cfg.EnableEmbeddingCache {
		embedCache = cache.NewEmbeddingCache(cfg.EmbeddingCacheSize)
	}
	var results *cache.ResultCache
	if cfg.EnableResultCache {
		results = cache.NewResultCache(cfg.ResultCacheSize,
			time.Duration(cfg.ResultCacheTTLSec)*time.Second)
	}
	versions := cache.NewVersions()

	embedSvc := rag.NewEmbeddingService(embedder, embedCache, logger)
	index := lexical.NewIndex(chunkLister{store: st}, logger)

	crawler := extract.NewCrawler(extract.CrawlerConfig{
		Parallelism: cfg.CrawlerParallelism,
		Delay:       time.Duration(cfg.CrawlerDelayMS) * time.Millisecond,
		Timeout:     time.Duration(cfg.CrawlerTimeoutMS) * time.Millisecond,
	}, logger)

	sy, err := syncer.New(st, embedSvc, extract.NewRegistry(), crawler, index, versions, logger)
	if err != nil {
		return nil, err
	}
	a.Syncer = sy

	var reranker rerank.CrossEncoder
	if cfg.EnableReranker && cfg.RerankerEndpoint != "" {
		reranker = rerank.NewClient(cfg.RerankerEndpoint)
	}

	svc, err := rag.NewService(st, index, embedSvc, generator, reranker, results, versions,
		rag.Options{TopK: cfg.TopK, RerankMultiplier: cfg.RerankerCandidateMul}, logger)
	if err != nil {
		return nil, err
	}
	a.Service = svc

	logger.Info("application ready",
		"model", cfg.ModelName,
		"embedder", cfg.EmbedderModel,
		"reranker_enabled", reranker != nil)
	return a, nil
}

// Close waits for in-flight syncs and releases the database pool.
func (a *App) Close() error {
	if a.Syncer != nil {
		a.Syncer.Wait()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	a.Logger.Info("shut down")
	return nil
}
