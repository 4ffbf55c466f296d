package statuscache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"imageflow/internal/job"
	"imageflow/internal/logging"
)

// RedisCache stores terminal job records in Redis with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// DialRedis connects the cache and verifies the server is reachable.
func DialRedis(ctx context.Context, url string, ttl time.Duration, logger *slog.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: logging.NewComponentLogger(logger, "statuscache"),
	}, nil
}

type cachedJob struct {
	ID             string                    `json:"id"`
	OwnerID        string                    `json:"owner_id"`
	IdempotencyKey string                    `json:"idempotency_key"`
	Source         job.SourceRef             `json:"source"`
	Filename       string                    `json:"filename"`
	SizeBytes      int64                     `json:"size_bytes"`
	Status         job.Status                `json:"status"`
	StepResults    map[string]job.StepResult `json:"step_results,omitempty"`
	Failure        *job.FailureDetail        `json:"failure,omitempty"`
	Version        int64                     `json:"version"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

func cacheKey(jobID string) string {
	return "imageflow:job:" + jobID
}

// Get implements Cache. Redis errors degrade to a miss.
func (c *RedisCache) Get(ctx context.Context, jobID string) (*job.Job, bool) {
	raw, err := c.client.Get(ctx, cacheKey(jobID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache read failed", logging.Error(err), logging.String(logging.FieldJobID, jobID))
		}
		return nil, false
	}
	var snapshot cachedJob
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		c.logger.Warn("cache entry undecodable", logging.Error(err), logging.String(logging.FieldJobID, jobID))
		return nil, false
	}
	return &job.Job{
		ID:             snapshot.ID,
		OwnerID:        snapshot.OwnerID,
		IdempotencyKey: snapshot.IdempotencyKey,
		Source:         snapshot.Source,
		Filename:       snapshot.Filename,
		SizeBytes:      snapshot.SizeBytes,
		Status:         snapshot.Status,
		StepResults:    snapshot.StepResults,
		Failure:        snapshot.Failure,
		Version:        snapshot.Version,
		CreatedAt:      snapshot.CreatedAt,
		UpdatedAt:      snapshot.UpdatedAt,
	}, true
}

// Put implements Cache. Failures are logged and swallowed; the store remains
// the source of truth.
func (c *RedisCache) Put(ctx context.Context, record *job.Job) {
	if record == nil || !record.IsTerminal() {
		return
	}
	snapshot := cachedJob{
		ID:             record.ID,
		OwnerID:        record.OwnerID,
		IdempotencyKey: record.IdempotencyKey,
		Source:         record.Source,
		Filename:       record.Filename,
		SizeBytes:      record.SizeBytes,
		Status:         record.Status,
		StepResults:    record.StepResults,
		Failure:        record.Failure,
		Version:        record.Version,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Warn("cache encode failed", logging.Error(err), logging.String(logging.FieldJobID, record.ID))
		return
	}
	if err := c.client.Set(ctx, cacheKey(record.ID), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", logging.Error(err), logging.String(logging.FieldJobID, record.ID))
	}
}

// Close implements Cache.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
