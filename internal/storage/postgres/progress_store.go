// Package postgres provides the Postgres-backed sync progress repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sync-progress/internal/store"
)

// DefaultTable is the table created by the embedded migrations.
const DefaultTable = "sync_progress"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for progress rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

type scanner interface {
	Scan(dest ...any) error
}

// ProgressStore implements store.ProgressRepository on a single Postgres table.
type ProgressStore struct {
	pool  dbPool
	table string
}

var _ store.ProgressRepository = (*ProgressStore)(nil)

// NewPool opens a pgx pool from the config.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// NewProgressStore creates a Postgres-backed ProgressStore using the provided config.
func NewProgressStore(ctx context.Context, cfg Config) (*ProgressStore, error) {
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &ProgressStore{pool: pool, table: table}, nil
}

// NewProgressStoreWithPool constructs a store from an existing pool.
func NewProgressStoreWithPool(pool dbPool, table string) (*ProgressStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ProgressStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Ping verifies connectivity.
func (s *ProgressStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("progress store is not configured")
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ProgressStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *ProgressStore) columns() string {
	return `id, org_id, total_items, processed_count, failed_count, status,
	started_at, updated_at, completed_at, metadata`
}

// UpsertStart inserts a running row or re-initializes an existing one. On
// conflict counts reset to zero, the status returns to running and
// completed_at is cleared; metadata is merged with the new keys winning.
func (s *ProgressStore) UpsertStart(ctx context.Context, params store.StartParams) (store.Snapshot, error) {
	meta, err := marshalMetadata(params.Metadata)
	if err != nil {
		return store.Snapshot{}, err
	}
	at := params.StartedAt.UTC()
	query := fmt.Sprintf(`
INSERT INTO %[1]s AS p (
	id, org_id, total_items, processed_count, failed_count, status,
	started_at, updated_at, completed_at, metadata
) VALUES (
	$1, $2, $3, 0, 0, $4, $5, $5, NULL, $6
)
ON CONFLICT (id) DO UPDATE SET
	total_items     = EXCLUDED.total_items,
	processed_count = 0,
	failed_count    = 0,
	status          = EXCLUDED.status,
	started_at      = EXCLUDED.started_at,
	updated_at      = EXCLUDED.updated_at,
	completed_at    = NULL,
	metadata        = p.metadata || EXCLUDED.metadata
RETURNING %[2]s`, s.table, s.columns())

	snap, err := scanSnapshot(s.pool.QueryRow(ctx, query,
		params.JobID,
		params.OrgID,
		params.TotalItems,
		string(store.StatusRunning),
		at,
		meta,
	))
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("upsert progress: %w", err)
	}
	return snap, nil
}

// UpdateCounts overwrites the counts of a running job in one statement.
func (s *ProgressStore) UpdateCounts(
	ctx context.Context,
	jobID string,
	processed,
	failed int64,
	at time.Time,
) (store.Counts, error) {
	query := fmt.Sprintf(`
UPDATE %s SET
	processed_count = $2,
	failed_count    = $3,
	updated_at      = $4
WHERE id = $1 AND status = $5
RETURNING processed_count, failed_count`, s.table)

	var counts store.Counts
	err := s.pool.QueryRow(ctx, query, jobID, processed, failed, at.UTC(), string(store.StatusRunning)).
		Scan(&counts.ProcessedCount, &counts.FailedCount)
	if err == nil {
		return counts, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return store.Counts{}, fmt.Errorf("update progress: %w", err)
	}

	// No running row matched; tell a missing job apart from a finished one.
	var status string
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.table), jobID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return store.Counts{}, store.ErrNotFound
	case err != nil:
		return store.Counts{}, fmt.Errorf("load progress status: %w", err)
	case store.Status(status).Terminal():
		return store.Counts{}, store.ErrJobFinished
	default:
		return store.Counts{}, fmt.Errorf("update progress: job %s has unexpected status %q", jobID, status)
	}
}

// Finish moves a running job to the given terminal status. Rows that are
// already terminal are returned unchanged.
func (s *ProgressStore) Finish(
	ctx context.Context,
	jobID string,
	status store.Status,
	at time.Time,
) (store.Snapshot, error) {
	if !status.Terminal() {
		return store.Snapshot{}, fmt.Errorf("finish progress: status %q is not terminal", status)
	}
	query := fmt.Sprintf(`
UPDATE %[1]s SET
	status       = CASE WHEN status = $4 THEN $2 ELSE status END,
	completed_at = CASE WHEN status = $4 THEN $3 ELSE completed_at END,
	updated_at   = CASE WHEN status = $4 THEN $3 ELSE updated_at END
WHERE id = $1
RETURNING %[2]s`, s.table, s.columns())

	snap, err := scanSnapshot(s.pool.QueryRow(ctx, query,
		jobID,
		string(status),
		at.UTC(),
		string(store.StatusRunning),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Snapshot{}, store.ErrNotFound
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("finish progress: %w", err)
	}
	return snap, nil
}

// Get loads a single job.
func (s *ProgressStore) Get(ctx context.Context, jobID string) (store.Snapshot, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, s.columns(), s.table)
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Snapshot{}, store.ErrNotFound
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("get progress: %w", err)
	}
	return snap, nil
}

// ListActive returns the running jobs of an org, newest start first.
func (s *ProgressStore) ListActive(ctx context.Context, orgID string) ([]store.Snapshot, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE org_id = $1 AND status = $2
ORDER BY started_at DESC, id`, s.columns(), s.table)

	rows, err := s.pool.Query(ctx, query, orgID, string(store.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list active progress: %w", err)
	}
	defer rows.Close()

	out := make([]store.Snapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan active progress: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active progress: %w", err)
	}
	return out, nil
}

func scanSnapshot(row scanner) (store.Snapshot, error) {
	var (
		snap      store.Snapshot
		status    string
		completed *time.Time
		meta      []byte
	)
	if err := row.Scan(
		&snap.JobID,
		&snap.OrgID,
		&snap.TotalItems,
		&snap.ProcessedCount,
		&snap.FailedCount,
		&status,
		&snap.StartedAt,
		&snap.UpdatedAt,
		&completed,
		&meta,
	); err != nil {
		return store.Snapshot{}, err
	}
	snap.Status = store.Status(status)
	snap.StartedAt = snap.StartedAt.UTC()
	snap.UpdatedAt = snap.UpdatedAt.UTC()
	if completed != nil {
		c := completed.UTC()
		snap.CompletedAt = &c
	}
	snap.Metadata = map[string]any{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &snap.Metadata); err != nil {
			return store.Snapshot{}, fmt.Errorf("decode metadata: %w", err)
		}
		if snap.Metadata == nil {
			snap.Metadata = map[string]any{}
		}
	}
	return snap, nil
}

func marshalMetadata(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return []byte(`{}`), nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return raw, nil
}
