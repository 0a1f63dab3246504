// Package syncer runs the ingestion pipeline: acquire content from a data
// source, chunk it, embed it, and replace the stored chunks, driving the
// sync state machine in the store.
//
// Trigger returns as soon as the state transition succeeds; the pipeline
// itself runs in a detached goroutine so a slow crawl or a large embed batch
// never blocks the caller.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/zerag/zerag/internal/cache"
	"github.com/zerag/zerag/internal/chunker"
	"github.com/zerag/zerag/internal/connector"
	"github.com/zerag/zerag/internal/extract"
	"github.com/zerag/zerag/internal/store"
)

// Storage is the persistence surface the pipeline drives.
type Storage interface {
	GetDataSource(ctx context.Context, id int64) (*store.DataSource, error)
	BeginSync(ctx context.Context, id int64) error
	SetSyncProgress(ctx context.Context, id int64, progress int) error
	FinishSync(ctx context.Context, id int64) error
	FailSync(ctx context.Context, id int64, message string) error
	DeleteChunks(ctx context.Context, dsID int64) error
	InsertChunks(ctx context.Context, dsID int64, chunks []store.NewChunk) error
	CountChunks(ctx context.Context, dsID int64) (int, error)
}

// Embedder turns texts into vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Invalidator drops derived per-source state after a sync completes.
type Invalidator interface {
	Invalidate(dsID int64)
}

// Status is a point-in-time view of a data source's sync lifecycle.
type Status struct {
	State      store.SyncState `json:"state"`
	Progress   int             `json:"progress"`
	Error      string          `json:"error,omitempty"`
	ChunkCount int             `json:"chunk_count"`
}

// unit is one acquired document ready for chunking.
type unit struct {
	name string
	text string
}

// Syncer coordinates sync runs. Safe for concurrent use.
type Syncer struct {
	storage  Storage
	embedder Embedder
	registry *extract.Registry
	crawler  *extract.Crawler
	index    Invalidator
	versions *cache.Versions
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates a Syncer.
func New(storage Storage, embedder Embedder, registry *extract.Registry,
	crawler *extract.Crawler, index Invalidator, versions *cache.Versions,
	logger *slog.Logger) (*Syncer, error) {
	if storage == nil || embedder == nil {
		return nil, errors.New("storage and embedder are required")
	}
	if registry == nil {
		registry = extract.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		storage:  storage,
		embedder: embedder,
		registry: registry,
		crawler:  crawler,
		index:    index,
		versions: versions,
		logger:   logger,
	}, nil
}

// Trigger starts a sync run for the data source. It returns once the state
// transition to syncing succeeds; the pipeline continues in the background.
// Returns store.ErrSyncInProgress when a run is already active and
// store.ErrNotFound for an unknown id.
func (s *Syncer) Trigger(ctx context.Context, dsID int64) error {
	ds, err := s.storage.GetDataSource(ctx, dsID)
	if err != nil {
		return err
	}
	if err := s.storage.BeginSync(ctx, dsID); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.run(ds)
	return nil
}

// Wait blocks until all in-flight sync runs finish. Called on shutdown.
func (s *Syncer) Wait() {
	s.wg.Wait()
}

// Status reports the current sync state plus the stored chunk count.
func (s *Syncer) Status(ctx context.Context, dsID int64) (*Status, error) {
	ds, err := s.storage.GetDataSource(ctx, dsID)
	if err != nil {
		return nil, err
	}
	count, err := s.storage.CountChunks(ctx, dsID)
	if err != nil {
		return nil, err
	}
	return &Status{
		State:      ds.SyncState,
		Progress:   ds.SyncProgress,
		Error:      ds.SyncError,
		ChunkCount: count,
	}, nil
}

// run executes one sync in the background, detached from the triggering
// request's context.
func (s *Syncer) run(ds *store.DataSource) {
	defer s.wg.Done()

	ctx := context.Background()
	logger := s.logger.With("data_source_id", ds.ID, "kind", ds.Kind,
		"run_id", uuid.NewString())

	defer func() {
		if r := recover(); r != nil {
			logger.Error("sync panicked", "panic", r)
			s.finish(ctx, ds.ID, fmt.Errorf("sync panicked: %v", r))
		}
	}()

	logger.Info("sync started")
	err := s.sync(ctx, ds, logger)
	s.finish(ctx, ds.ID, err)
	if err != nil {
		logger.Error("sync failed", "error", err)
	} else {
		logger.Info("sync finished")
	}
}

// finish records the terminal state and invalidates derived per-source
// state. Invalidation happens on failure too: partial ingestion may already
// have changed the stored chunks.
func (s *Syncer) finish(ctx context.Context, dsID int64, err error) {
	if err != nil {
		if ferr := s.storage.FailSync(ctx, dsID, err.Error()); ferr != nil {
			s.logger.Error("recording sync failure", "data_source_id", dsID, "error", ferr)
		}
	} else {
		if ferr := s.storage.FinishSync(ctx, dsID); ferr != nil {
			s.logger.Error("recording sync success", "data_source_id", dsID, "error", ferr)
		}
	}

	if s.index != nil {
		s.index.Invalidate(dsID)
	}
	if s.versions != nil {
		s.versions.Bump(dsID)
	}
}

func (s *Syncer) sync(ctx context.Context, ds *store.DataSource, logger *slog.Logger) error {
	units, err := s.collect(ctx, ds, logger)
	if err != nil {
		return err
	}
	if err := s.storage.SetSyncProgress(ctx, ds.ID, 10); err != nil {
		logger.Warn("updating progress", "error", err)
	}

	if err := s.storage.DeleteChunks(ctx, ds.ID); err != nil {
		return err
	}

	opts := chunker.Options{Size: ds.ChunkSize, Overlap: ds.ChunkOverlap}
	if opts.Size <= 0 {
		opts = chunker.DefaultOptions()
	}
	strategy := chunker.Strategy(ds.ChunkStrategy)
	if strategy == "" {
		strategy = chunker.StrategySmart
	}

	for i, u := range units {
		pieces, err := chunker.Split(u.text, strategy, opts)
		if err != nil {
			logger.Warn("skipping document, chunking failed", "document", u.name, "error", err)
			continue
		}
		if len(pieces) == 0 {
			continue
		}

		vecs, err := s.embedder.EmbedBatch(ctx, pieces)
		if err != nil {
			return fmt.Errorf("embedding document %s: %w", u.name, err)
		}

		chunks := make([]store.NewChunk, len(pieces))
		for j, p := range pieces {
			chunks[j] = store.NewChunk{
				DocumentName: u.name,
				Index:        j,
				Content:      p,
				Embedding:    vecs[j],
			}
		}
		if err := s.storage.InsertChunks(ctx, ds.ID, chunks); err != nil {
			return fmt.Errorf("storing document %s: %w", u.name, err)
		}

		progress := 10 + 80*(i+1)/len(units)
		if err := s.storage.SetSyncProgress(ctx, ds.ID, progress); err != nil {
			logger.Warn("updating progress", "error", err)
		}
	}

	return nil
}

// collect acquires documents for the data source kind. File and web unit
// failures are skipped inside the helpers; only failures that make the whole
// run meaningless surface as errors.
func (s *Syncer) collect(ctx context.Context, ds *store.DataSource, logger *slog.Logger) ([]unit, error) {
	switch ds.Kind {
	case store.KindFile:
		return s.collectFiles(ds.Locator, logger)
	case store.KindWeb:
		return s.collectWeb(ctx, ds.Locator)
	case store.KindPostgreSQL, store.KindMySQL, store.KindSQLite:
		return s.collectDatabase(ctx, connector.Kind(ds.Kind), ds.Locator)
	default:
		return nil, fmt.Errorf("%w: %q", connector.ErrUnsupportedKind, ds.Kind)
	}
}

func (s *Syncer) collectFiles(dir string, logger *slog.Logger) ([]unit, error) {
	docs, err := extract.DirDocuments(dir, s.registry, logger)
	if err != nil {
		return nil, err
	}
	units := make([]unit, 0, len(docs))
	for _, d := range docs {
		units = append(units, unit{name: d.Name, text: d.Text})
	}
	return units, nil
}

// collectWeb fetches the newline-separated URL list in the locator.
func (s *Syncer) collectWeb(ctx context.Context, locator string) ([]unit, error) {
	if s.crawler == nil {
		return nil, errors.New("web sync requires a crawler")
	}
	var urls []string
	for _, line := range strings.Split(locator, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			urls = append(urls, line)
		}
	}
	if len(urls) == 0 {
		return nil, errors.New("web data source has no URLs")
	}

	pages := s.crawler.Fetch(ctx, urls)
	units := make([]unit, 0, len(pages))
	for _, p := range pages {
		name := p.Title
		if name == "" {
			name = p.URL
		}
		units = append(units, unit{name: name, text: p.Text})
	}
	return units, nil
}

// collectDatabase folds each table's rows into one document.
func (s *Syncer) collectDatabase(ctx context.Context, kind connector.Kind, dsn string) ([]unit, error) {
	conn, err := connector.New(kind, dsn)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connecting to %s source: %w", kind, err)
	}

	tables, err := conn.ListTables(ctx)
	if err != nil {
		return nil, err
	}

	var units []unit
	for _, table := range tables {
		columns, err := conn.ListColumns(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("listing columns of %s: %w", table, err)
		}
		rows, err := conn.FetchRows(ctx, table, columns)
		if err != nil {
			return nil, fmt.Errorf("fetching rows of %s: %w", table, err)
		}
		if len(rows) == 0 {
			continue
		}

		lines := make([]string, 0, len(rows))
		for _, row := range rows {
			lines = append(lines, connector.RowText(table, row))
		}
		units = append(units, unit{name: table, text: strings.Join(lines, "\n")})
	}
	return units, nil
}
