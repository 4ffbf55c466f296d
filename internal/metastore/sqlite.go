package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"imageflow/internal/job"
	"imageflow/internal/services"
)

// SQLiteStore manages job persistence backed by SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite initializes or connects to the job database and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	// Carry the pragmas in the DSN as well so every connection in the
	// database/sql pool gets them, not just the one the Exec loop below
	// happens to use.
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteStore{db: db, path: path}
	if err := store.applySchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) applySchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id              TEXT PRIMARY KEY,
    owner_id        TEXT NOT NULL,
    idempotency_key TEXT NOT NULL UNIQUE,
    source_store    TEXT NOT NULL,
    source_key      TEXT NOT NULL,
    filename        TEXT,
    size_bytes      INTEGER NOT NULL DEFAULT 0,
    status          TEXT NOT NULL,
    step_results    TEXT,
    failure         TEXT,
    version         INTEGER NOT NULL,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateIfAbsent inserts a job keyed by idempotency key, returning the
// existing record when the key is already present.
func (s *SQLiteStore) CreateIfAbsent(ctx context.Context, record *job.Job) (*job.Job, bool, error) {
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

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
            id, owner_id, idempotency_key, source_store, source_key,
            filename, size_bytes, status, step_results, failure,
            version, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(idempotency_key) DO NOTHING`,
		record.ID,
		record.OwnerID,
		record.IdempotencyKey,
		record.Source.Store,
		record.Source.Key,
		nullableString(record.Filename),
		record.SizeBytes,
		string(job.StatusQueued),
		nullableString(stepResults),
		nil,
		1,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, false, services.Wrap(services.ErrStoreUnavailable, "", "create job", "insert failed", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	existing, err := s.GetByIdempotencyKey(ctx, record.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, affected > 0, nil
}

// Get fetches a job by identifier.
func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	record, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, services.Wrap(services.ErrStoreUnavailable, "", "get job", "query failed", err)
	}
	return record, nil
}

// GetByIdempotencyKey fetches a job by its admission key.
func (s *SQLiteStore) GetByIdempotencyKey(ctx context.Context, key string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = ?`, key)
	record, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, services.Wrap(services.ErrStoreUnavailable, "", "get job by key", "query failed", err)
	}
	return record, nil
}

// ConditionalUpdate persists the record if the stored version matches and
// the stored status is not terminal.
func (s *SQLiteStore) ConditionalUpdate(ctx context.Context, record *job.Job, expectedVersion int64) (*job.Job, error) {
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
	now := time.Now().UTC()

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, step_results = ?, failure = ?,
             version = version + 1, updated_at = ?
         WHERE id = ? AND version = ? AND status NOT IN (?, ?)`,
		string(record.Status),
		nullableString(stepResults),
		nullableString(failure),
		now.Format(time.RFC3339Nano),
		record.ID,
		expectedVersion,
		string(job.StatusCompleted),
		string(job.StatusFailed),
	)
	if err != nil {
		return nil, services.Wrap(services.ErrStoreUnavailable, "", "conditional update", "update failed", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing row from a stale version.
		if _, err := s.Get(ctx, record.ID); err != nil {
			return nil, err
		}
		return nil, ErrVersionConflict
	}
	return s.Get(ctx, record.ID)
}

// List returns jobs filtered by status set, ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at`

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = string(status)
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrStoreUnavailable, "", "list jobs", "query failed", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		record, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, record)
	}
	return jobs, rows.Err()
}

// Stats returns a count of jobs grouped by status.
func (s *SQLiteStore) Stats(ctx context.Context) (map[job.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
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

const jobColumns = "id, owner_id, idempotency_key, source_store, source_key, filename, size_bytes, status, step_results, failure, version, created_at, updated_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*job.Job, error) {
	var (
		id          string
		ownerID     string
		idemKey     string
		sourceStore string
		sourceKey   string
		filename    sql.NullString
		sizeBytes   int64
		statusStr   string
		stepResults sql.NullString
		failure     sql.NullString
		version     int64
		createdRaw  string
		updatedRaw  string
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
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	record := &job.Job{
		ID:             id,
		OwnerID:        ownerID,
		IdempotencyKey: idemKey,
		Source:         job.SourceRef{Store: sourceStore, Key: sourceKey},
		Filename:       filename.String,
		SizeBytes:      sizeBytes,
		Status:         job.Status(statusStr),
		Version:        version,
	}

	results, err := unmarshalStepResults(stepResults.String)
	if err != nil {
		return nil, err
	}
	record.StepResults = results

	failureDetail, err := unmarshalFailure(failure.String)
	if err != nil {
		return nil, err
	}
	record.Failure = failureDetail

	if created, err := time.Parse(time.RFC3339Nano, createdRaw); err == nil {
		record.CreatedAt = created
	}
	if updated, err := time.Parse(time.RFC3339Nano, updatedRaw); err == nil {
		record.UpdatedAt = updated
	}
	return record, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
