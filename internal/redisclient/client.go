package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"order-saga/internal/entity"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/save_snapshot.lua
var saveSnapshotScript string

type Client struct {
	rdb            *redis.Client
	snapshotScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:            rdb,
		snapshotScript: redis.NewScript(saveSnapshotScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func snapshotKey(streamID string) string {
	return fmt.Sprintf("snapshot:%s", streamID)
}

// SaveSnapshot stores a snapshot unless a newer one is already cached.
// Returns false when the stored snapshot was kept.
func (c *Client) SaveSnapshot(ctx context.Context, snap entity.Snapshot, ttl time.Duration) (bool, error) {
	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	result, err := c.snapshotScript.Run(ctx, c.rdb, []string{snapshotKey(snap.StreamID)},
		snap.Seq, string(snap.State), updatedAt.UnixMilli(), int64(ttl.Seconds())).Result()
	if err != nil {
		return false, fmt.Errorf("save snapshot script failed: %w", err)
	}

	written, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return written == 1, nil
}

// LoadSnapshot retrieves the cached snapshot of a stream
func (c *Client) LoadSnapshot(ctx context.Context, streamID string) (entity.Snapshot, bool, error) {
	result, err := c.rdb.HGetAll(ctx, snapshotKey(streamID)).Result()
	if err != nil {
		return entity.Snapshot{}, false, err
	}
	if len(result) == 0 {
		return entity.Snapshot{}, false, nil
	}

	seq, err := strconv.ParseUint(result["seq"], 10, 64)
	if err != nil {
		return entity.Snapshot{}, false, fmt.Errorf("invalid snapshot seq for %s: %w", streamID, err)
	}
	updatedAt, _ := strconv.ParseInt(result["updated_at"], 10, 64)

	return entity.Snapshot{
		StreamID:  streamID,
		Seq:       seq,
		State:     []byte(result["state"]),
		UpdatedAt: time.UnixMilli(updatedAt).UTC(),
	}, true, nil
}

// DeleteSnapshot drops the cached snapshot of a stream
func (c *Client) DeleteSnapshot(ctx context.Context, streamID string) error {
	return c.rdb.Del(ctx, snapshotKey(streamID)).Err()
}

// SnapshotStore adapts the client to entity.SnapshotStore.
type SnapshotStore struct {
	client *Client
	ttl    time.Duration
}

// NewSnapshotStore creates a snapshot store with the given expiry (0 keeps snapshots forever)
func NewSnapshotStore(client *Client, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{client: client, ttl: ttl}
}

func (s *SnapshotStore) Load(ctx context.Context, streamID string) (entity.Snapshot, bool, error) {
	return s.client.LoadSnapshot(ctx, streamID)
}

func (s *SnapshotStore) Save(ctx context.Context, snap entity.Snapshot) error {
	_, err := s.client.SaveSnapshot(ctx, snap, s.ttl)
	return err
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Err()
}

// GetIdempotencyKey returns the value stored under an idempotency key
func (c *Client) GetIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	value, err := c.rdb.Get(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
