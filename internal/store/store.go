// Package store persists data sources, document chunks, their embeddings
// and answer history in PostgreSQL with pgvector.
//
// The sync state machine transitions are enforced here: BeginSync is the
// compare-and-set gate that rejects a second sync while one is running.
//
// Store is safe for concurrent use by multiple goroutines.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Sentinel errors.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSyncInProgress indicates a sync is already running for the data
	// source; duplicate triggers are rejected, not queued.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// Data source kinds. The database kinds match connector.Kind values.
const (
	KindFile       = "file"
	KindWeb        = "web"
	KindPostgreSQL = "postgresql"
	KindMySQL      = "mysql"
	KindSQLite     = "sqlite"
)

// SyncState is the data source sync lifecycle state.
type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSyncing SyncState = "syncing"
	SyncSynced  SyncState = "synced"
	SyncError   SyncState = "error"
)

// DataSource is one registered content source.
type DataSource struct {
	ID      int64
	Name    string
	Kind    string
	Locator string
	OwnerID string

	ChunkStrategy string
	ChunkSize     int
	ChunkOverlap  int

	SyncState    SyncState
	SyncProgress int
	SyncError    string
	LastSyncedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Chunk is one stored text passage.
type Chunk struct {
	ID           int64
	DataSourceID int64
	DocumentName string
	Index        int
	Content      string
}

// NewChunk is a chunk plus its embedding, ready for insertion.
type NewChunk struct {
	DocumentName string
	Index        int
	Content      string
	Embedding    []float32
}

// SearchResult is one retrieval candidate from the persistent indexes.
type SearchResult struct {
	ChunkID      int64
	DataSourceID int64
	DocumentName string
	Content      string
	Similarity   float64
}

// Store wraps the connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store.
func New(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// NewPool opens a pgx connection pool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}
