package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const dataSourceCols = `id, name, kind, locator, owner_id,
	chunk_strategy, chunk_size, chunk_overlap,
	sync_state, sync_progress, sync_error, last_synced_at,
	created_at, updated_at`

func scanDataSource(row pgx.Row) (*DataSource, error) {
	var ds DataSource
	err := row.Scan(&ds.ID, &ds.Name, &ds.Kind, &ds.Locator, &ds.OwnerID,
		&ds.ChunkStrategy, &ds.ChunkSize, &ds.ChunkOverlap,
		&ds.SyncState, &ds.SyncProgress, &ds.SyncError, &ds.LastSyncedAt,
		&ds.CreatedAt, &ds.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning data source: %w", err)
	}
	return &ds, nil
}

// CreateDataSource inserts a new data source in the pending state and
// returns its id.
func (s *Store) CreateDataSource(ctx context.Context, ds *DataSource) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO data_sources
			(name, kind, locator, owner_id, chunk_strategy, chunk_size, chunk_overlap)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		ds.Name, ds.Kind, ds.Locator, ds.OwnerID,
		ds.ChunkStrategy, ds.ChunkSize, ds.ChunkOverlap,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("creating data source: %w", err)
	}
	s.logger.Info("data source created", "data_source_id", id, "kind", ds.Kind)
	return id, nil
}

// GetDataSource loads one data source by id.
func (s *Store) GetDataSource(ctx context.Context, id int64) (*DataSource, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+dataSourceCols+` FROM data_sources WHERE id = $1`, id)
	return scanDataSource(row)
}

// ListDataSources returns all data sources, newest first.
func (s *Store) ListDataSources(ctx context.Context) ([]DataSource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+dataSourceCols+` FROM data_sources ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing data sources: %w", err)
	}
	defer rows.Close()

	var out []DataSource
	for rows.Next() {
		ds, err := scanDataSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing data sources: %w", err)
	}
	return out, nil
}

// DeleteDataSource removes a data source; chunks and vectors cascade.
func (s *Store) DeleteDataSource(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM data_sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting data source %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BeginSync atomically moves a data source into the syncing state with
// progress 0 and a cleared error. Returns ErrSyncInProgress when it is
// already syncing, ErrNotFound when it does not exist.
func (s *Store) BeginSync(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE data_sources
		SET sync_state = 'syncing', sync_progress = 0, sync_error = '', updated_at = now()
		WHERE id = $1 AND sync_state <> 'syncing'`, id)
	if err != nil {
		return fmt.Errorf("beginning sync for data source %d: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// No row updated: either missing or already syncing.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM data_sources WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking data source %d: %w", id, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrSyncInProgress
}

// SetSyncProgress raises the progress of a running sync. GREATEST keeps the
// reported sequence non-decreasing even if updates race.
func (s *Store) SetSyncProgress(ctx context.Context, id int64, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE data_sources
		SET sync_progress = GREATEST(sync_progress, $2), updated_at = now()
		WHERE id = $1 AND sync_state = 'syncing'`, id, progress)
	if err != nil {
		return fmt.Errorf("updating sync progress for data source %d: %w", id, err)
	}
	return nil
}

// FinishSync marks a sync successful: synced, progress 100, timestamp
// updated, error cleared.
func (s *Store) FinishSync(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE data_sources
		SET sync_state = 'synced', sync_progress = 100, sync_error = '',
			last_synced_at = now(), updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("finishing sync for data source %d: %w", id, err)
	}
	return nil
}

// FailSync marks a sync failed: error state, progress reset to 0, message
// captured.
func (s *Store) FailSync(ctx context.Context, id int64, message string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE data_sources
		SET sync_state = 'error', sync_progress = 0, sync_error = $2, updated_at = now()
		WHERE id = $1`, id, message)
	if err != nil {
		return fmt.Errorf("failing sync for data source %d: %w", id, err)
	}
	return nil
}
