// Package archive stores the final projection of terminal sessions in Redis
// for operator forensics. It is a write-only outbound sink: the in-memory
// session store remains the only source of truth and nothing is read back at
// startup.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tafka-4/codex-agent-management/internal/session"
)

// RedisArchiver implements the orchestrator's Archiver over Redis.
type RedisArchiver struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig holds Redis connection configuration for the archiver.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix (default "codexmgmt:archive:").
	Prefix string
	// TTL is the archived-record expiry (0 = never expire).
	TTL time.Duration
}

// NewRedisArchiver connects to Redis and returns an archiver.
func NewRedisArchiver(cfg RedisConfig) (*RedisArchiver, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisArchiverFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisArchiverFromClient builds an archiver from an existing client.
// Useful for testing with miniredis.
func NewRedisArchiverFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisArchiver {
	if prefix == "" {
		prefix = "codexmgmt:archive:"
	}
	return &RedisArchiver{client: client, prefix: prefix, ttl: ttl}
}

func (a *RedisArchiver) sessionKey(id string) string {
	return a.prefix + "session:" + id
}

func (a *RedisArchiver) indexKey() string {
	return a.prefix + "index"
}

// Archive writes the projection of one terminal session. Re-archiving the
// same session overwrites the previous record.
func (a *RedisArchiver) Archive(ctx context.Context, p session.Projection) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal projection: %w", err)
	}

	pipe := a.client.Pipeline()
	pipe.Set(ctx, a.sessionKey(p.ID), data, a.ttl)
	pipe.ZAdd(ctx, a.indexKey(), redis.Z{
		Score:  float64(p.UpdatedAt.UnixMilli()),
		Member: p.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("archive session %s: %w", p.ID, err)
	}
	return nil
}

// Load retrieves an archived projection by session id.
func (a *RedisArchiver) Load(ctx context.Context, id string) (*session.Projection, error) {
	data, err := a.client.Get(ctx, a.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load archived session %s: %w", id, err)
	}

	var p session.Projection
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal archived session %s: %w", id, err)
	}
	return &p, nil
}

// ListIDs returns archived session ids ordered by archive time, newest first.
func (a *RedisArchiver) ListIDs(ctx context.Context, limit int64) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = limit - 1
	}
	ids, err := a.client.ZRevRange(ctx, a.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list archived sessions: %w", err)
	}
	return ids, nil
}

// Close releases the Redis client.
func (a *RedisArchiver) Close() error {
	return a.client.Close()
}
