package metastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"imageflow/internal/job"
	"imageflow/internal/services"
)

// PostgresStore manages job persistence backed by Postgres. It implements
// the same compare-and-swap semantics as the SQLite store and is intended
// for deployments where several orchestrator processes share one database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to Postgres and ensures the schema exists.
func OpenPostgres(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.applySchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) applySchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id              TEXT PRIMARY KEY,
    owner_id        TEXT NOT NULL,
    idempotency_key TEXT NOT NULL UNIQUE,
    source_store    TEXT NOT NULL,
    source_key      TEXT NOT NULL,
    filename        TEXT,
    size_bytes      BIGINT NOT NULL DEFAULT 0,
    status          TEXT NOT NULL,
    step_results    JSONB,
    failure         JSONB,
    version         BIGINT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// CreateIfAbsent inserts a job keyed by idempotency key, returning the
// existing record when the key is already present.
func (s *PostgresStore) CreateIfAbsent(ctx context.Context, record *job.Job) (*job.Job, bool, error) {
	if record == nil {
		return nil, false, errors.New("job is nil")
	}
	if strings.TrimSpace(record.IdempotencyKey) == "" {
		return nil, false, errors.New("idempotency key is required")
	}

	now := time.Now().UTC()
	stepResults, err := marshalStepResults(record.StepResults)
	if err != nil {
		return nil, false, err
	}

	tag, err := s.pool.Exec(
		ctx,
		`INSERT INTO jobs (
            id, owner_id, idempotency_key, source_store, source_key,
            filename, size_bytes, status, step_results, failure,
            version, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        ON CONFLICT (idempotency_key) DO NOTHING`,
		record.ID,
		record.OwnerID,
		record.IdempotencyKey,
		record.Source.Store,
		record.Source.Key,
		nullablePg(record.Filename),
		record.SizeBytes,
		string(job.StatusQueued),
		nullablePg(stepResults),
		nil,
		int64(1),
		now,
		now,
	)
	if err != nil {
		return nil, false, services.Wrap(services.ErrStoreUnavailable, "", "create job", "insert failed", err)
	}

	existing, err := s.GetByIdempotencyKey(ctx, record.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, tag.RowsAffected() > 0, nil
}

// Get fetches a job by identifier.
func (s *PostgresStore) Get(ctx context.Context, jobID string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, jobID)
	record, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, services.Wrap(services.ErrStoreUnavailable, "", "get job", "query failed", err)
	}
	return record, nil
}

// GetByIdempotencyKey fetches a job by its admission key.
func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE idempotency_key = $1`, key)
	record, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, services.Wrap(services.ErrStoreUnavailable, "", "get job by key", "query failed", err)
	}
	return record, nil
}

// ConditionalUpdate persists the record if the stored version matches and
// the stored status is not terminal.
func (s *PostgresStore) ConditionalUpdate(ctx context.Context, record *job.Job, expectedVersion int64) (*job.Job, error) {
	if record == nil {
		return nil, errors.New("job is nil")
	}

	stepResults, err := marshalStepResults(record.StepResults)
	if err != nil {
		return nil, err
	}
	failure, err := marshalFailure(record.Failure)
	if err != nil {
		return nil, err
	}

	tag, err := s.pool.Exec(
		ctx,
		`UPDATE jobs
         SET status = $1, step_results = $2, failure = $3,
             version = version + 1, updated_at = $4
         WHERE id = $5 AND version = $6 AND status NOT IN ($7, $8)`,
		string(record.Status),
		nullablePg(stepResults),
		nullablePg(failure),
		time.Now().UTC(),
		record.ID,
		expectedVersion,
		string(job.StatusCompleted),
		string(job.StatusFailed),
	)
	if err != nil {
		return nil, services.Wrap(services.ErrStoreUnavailable, "", "conditional update", "update failed", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, record.ID); err != nil {
			return nil, err
		}
		return nil, ErrVersionConflict
	}
	return s.Get(ctx, record.ID)
}

// List returns jobs filtered by status set, ordered by creation time.
func (s *PostgresStore) List(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	baseQuery := `SELECT ` + pgJobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at`

	var (
		rows pgx.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.pool.Query(ctx, baseQuery+orderClause)
	} else {
		values := make([]string, len(statuses))
		for i, status := range statuses {
			values[i] = string(status)
		}
		rows, err = s.pool.Query(ctx, baseQuery+` WHERE status = ANY($1)`+orderClause, values)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrStoreUnavailable, "", "list jobs", "query failed", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		record, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, record)
	}
	return jobs, rows.Err()
}

// Stats returns a count of jobs grouped by status.
func (s *PostgresStore) Stats(ctx context.Context) (map[job.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, services.Wrap(services.ErrStoreUnavailable, "", "job stats", "query failed", err)
	}
	defer rows.Close()

	stats := make(map[job.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[job.Status(status)] = count
	}
	return stats, rows.Err()
}

const pgJobColumns = "id, owner_id, idempotency_key, source_store, source_key, filename, size_bytes, status, step_results::text, failure::text, version, created_at, updated_at"

func scanPgJob(scanner interface{ Scan(dest ...any) error }) (*job.Job, error) {
	var (
		id          string
		ownerID     string
		idemKey     string
		sourceStore string
		sourceKey   string
		filename    *string
		sizeBytes   int64
		statusStr   string
		stepResults *string
		failure     *string
		version     int64
		createdAt   time.Time
		updatedAt   time.Time
	)

	if err := scanner.Scan(
		&id,
		&ownerID,
		&idemKey,
		&sourceStore,
		&sourceKey,
		&filename,
		&sizeBytes,
		&statusStr,
		&stepResults,
		&failure,
		&version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	record := &job.Job{
		ID:             id,
		OwnerID:        ownerID,
		IdempotencyKey: idemKey,
		Source:         job.SourceRef{Store: sourceStore, Key: sourceKey},
		SizeBytes:      sizeBytes,
		Status:         job.Status(statusStr),
		Version:        version,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}
	if filename != nil {
		record.Filename = *filename
	}

	if stepResults != nil {
		results, err := unmarshalStepResults(*stepResults)
		if err != nil {
			return nil, err
		}
		record.StepResults = results
	}
	if failure != nil {
		failureDetail, err := unmarshalFailure(*failure)
		if err != nil {
			return nil, err
		}
		record.Failure = failureDetail
	}
	return record, nil
}

func nullablePg(value string) any {
	if value == "" {
		return nil
	}
	return value
}
