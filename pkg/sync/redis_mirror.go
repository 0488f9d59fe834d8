package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guardian-angel/synccore/pkg/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const mirrorKeyPrefix = "synccore:mirror:"

// RedisConfig configures a RedisMirror connection.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// RedisMirror is a CloudMirror backed by Redis, adapted from the teacher's
// pkg/persistence/redis client setup: a prefixed-key namespace, JSON
// blobs, and a startup ping. Unlike that layer, writes here carry no TTL
// (mirrored state is meant to persist) and overwrite-by-id is the whole
// durability contract - there is no secondary index to keep in sync.
type RedisMirror struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisMirror connects to Redis and verifies reachability before
// returning, so misconfiguration surfaces at startup rather than on the
// first mirrored op.
func NewRedisMirror(cfg *RedisConfig, logger *zap.Logger) (*RedisMirror, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, fmt.Errorf("redis mirror requires a non-empty address")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis mirror at %s: %w", cfg.Address, err)
	}

	return &RedisMirror{client: client, logger: logger}, nil
}

func mirrorKey(opID string) string { return mirrorKeyPrefix + opID }

// Mirror writes a single operation's JSON representation, replacing any
// prior mirrored copy with the same id.
func (m *RedisMirror) Mirror(op *types.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("redis mirror: failed to marshal op %s: %w", op.ID, err)
	}
	ctx := context.Background()
	if err := m.client.Set(ctx, mirrorKey(op.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis mirror: failed to write op %s: %w", op.ID, err)
	}
	return nil
}

// MirrorBatch writes up to 500 operations in a single pipeline. Callers
// must chunk larger batches themselves.
func (m *RedisMirror) MirrorBatch(ops []*types.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > 500 {
		return fmt.Errorf("redis mirror: batch of %d exceeds the 500-record limit", len(ops))
	}

	ctx := context.Background()
	pipe := m.client.Pipeline()
	for _, op := range ops {
		data, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("redis mirror: failed to marshal op %s: %w", op.ID, err)
		}
		pipe.Set(ctx, mirrorKey(op.ID), data, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis mirror: failed to execute batch of %d: %w", len(ops), err)
	}
	return nil
}

// Close shuts down the underlying Redis client.
func (m *RedisMirror) Close() error {
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("redis mirror: close: %w", err)
	}
	return nil
}
