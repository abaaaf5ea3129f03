package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "engagement:item:"

// Entry is the cached view of one item. It is never authoritative.
type Entry struct {
	Liked      bool      `json:"liked"`
	LikeCount  int       `json:"like_count"`
	ShareCount int       `json:"share_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SnapshotCache stores Entries as JSON strings with a TTL.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache wraps client. A zero ttl keeps entries for a day.
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SnapshotCache{client: client, ttl: ttl}
}

func key(itemID string) string {
	return keyPrefix + itemID
}

// Load returns the cached entry for itemID. found is false on a miss.
func (c *SnapshotCache) Load(ctx context.Context, itemID string) (Entry, bool, error) {
	var e Entry
	s, err := c.client.Get(ctx, key(itemID)).Result()
	if errors.Is(err, redis.Nil) {
		return e, false, nil
	}
	if err != nil {
		return e, false, err
	}
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return e, false, fmt.Errorf("decode cached engagement for %s: %w", itemID, err)
	}
	return e, true, nil
}

// Save writes e for itemID, stamping UpdatedAt when unset.
func (c *SnapshotCache) Save(ctx context.Context, itemID string, e Entry) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key(itemID), b, c.ttl).Err()
}

// Forget drops the entry for itemID.
func (c *SnapshotCache) Forget(ctx context.Context, itemID string) error {
	return c.client.Del(ctx, key(itemID)).Err()
}
