package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore holds the short-lived coordination state: task-running locks,
// proxy block markers, the active-proxy cache and the notification channel.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and verifies the connection.
func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping verifies liveness.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// --- Task-running locks ---

// AcquireTaskLock attempts SET NX EX on task_running:{id}. The stored value
// is the acquisition timestamp, which stuck detection reads back later.
func (s *RedisStore) AcquireTaskLock(ctx context.Context, taskID int64, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, TaskRunningKey(taskID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// ReleaseTaskLock deletes the lock unconditionally.
func (s *RedisStore) ReleaseTaskLock(ctx context.Context, taskID int64) error {
	return s.client.Del(ctx, TaskRunningKey(taskID)).Err()
}

// RefreshTaskLock extends the TTL if the key still exists. Returns false when
// the key is gone, which heartbeats treat as a stop signal.
func (s *RedisStore) RefreshTaskLock(ctx context.Context, taskID int64, ttl time.Duration) (bool, error) {
	return s.client.Expire(ctx, TaskRunningKey(taskID), ttl).Result()
}

// TaskLockAge reports how long the lock has been held. When the stored
// timestamp is unreadable it falls back to fullTTL minus the remaining TTL.
// exists=false means no lock is present.
func (s *RedisStore) TaskLockAge(ctx context.Context, taskID int64, fullTTL time.Duration) (time.Duration, bool, error) {
	key := TaskRunningKey(taskID)
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if age, ok := parseLockAge(val, time.Now().UTC()); ok {
		return age, true, nil
	}
	remaining, err := s.client.TTL(ctx, key).Result()
	if err != nil || remaining < 0 {
		return 0, true, err
	}
	return fullTTL - remaining, true, nil
}

// parseLockAge derives the lock age from the stored acquisition timestamp.
func parseLockAge(value string, now time.Time) (time.Duration, bool) {
	acquired, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return 0, false
	}
	age := now.Sub(acquired)
	if age < 0 {
		age = 0
	}
	return age, true
}

// --- Proxy block markers ---

// BlockProxy marks the proxy unusable for the given duration. The value is
// the moment the block lifts, for operator inspection.
func (s *RedisStore) BlockProxy(ctx context.Context, proxyID int64, d time.Duration) error {
	unblockAt := time.Now().UTC().Add(d).Format(time.RFC3339)
	return s.client.Set(ctx, ProxyBlockedKey(proxyID), unblockAt, d).Err()
}

// IsProxyBlocked reports whether the block marker exists.
func (s *RedisStore) IsProxyBlocked(ctx context.Context, proxyID int64) (bool, error) {
	n, err := s.client.Exists(ctx, ProxyBlockedKey(proxyID)).Result()
	return n > 0, err
}

// UnblockProxy removes the marker ahead of its TTL, after a successful use
// or health check.
func (s *RedisStore) UnblockProxy(ctx context.Context, proxyID int64) error {
	return s.client.Del(ctx, ProxyBlockedKey(proxyID)).Err()
}

// --- Active-proxy cache ---

// SetProxyCache replaces the proxies:active snapshot.
func (s *RedisStore) SetProxyCache(ctx context.Context, snapshots []ProxySnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snapshots)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, ProxyCacheKey, data, ttl).Err()
}

// GetProxyCache returns the cached snapshot. ok=false means cache miss.
func (s *RedisStore) GetProxyCache(ctx context.Context) ([]ProxySnapshot, bool, error) {
	data, err := s.client.Get(ctx, ProxyCacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var snapshots []ProxySnapshot
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return nil, false, err
	}
	return snapshots, true, nil
}

// DropProxyCache forces the next reader back to the database.
func (s *RedisStore) DropProxyCache(ctx context.Context) error {
	return s.client.Del(ctx, ProxyCacheKey).Err()
}

// --- Notification channel ---

// PublishFoundItem publishes a serialized event on the found_items channel.
func (s *RedisStore) PublishFoundItem(ctx context.Context, payload []byte) error {
	return s.client.Publish(ctx, FoundItemsChannel, payload).Err()
}

// SubscribeFoundItems opens a subscription on the found_items channel. The
// caller owns the returned PubSub and must Close it.
func (s *RedisStore) SubscribeFoundItems(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, FoundItemsChannel)
}
