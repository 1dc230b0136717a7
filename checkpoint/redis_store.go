package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowkit/engine/core"
	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store using Redis: events are appended to a list
// per run, sequence numbers come from the list length, and a run's
// current lease is a single key holding the owner id with a TTL.
//
// Key format (mirrors the teacher's RedisCheckpointStore convention):
//
//	{prefix}:events:{run_id}   (Redis List, one JSON-encoded Event per entry)
//	{prefix}:lease:{run_id}    (Redis String, value = owner id, TTL = lease ttl)
//	{prefix}:leases            (Redis Set of run ids with an active lease key,
//	                            used to drive ScanExpiredLeases without a
//	                            cluster-wide KEYS scan)
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    core.Logger
}

type redisStoreConfig struct {
	redisURL  string
	keyPrefix string
	ttl       time.Duration
	logger    core.Logger
}

// RedisStoreOption configures NewRedisStore.
type RedisStoreOption func(*redisStoreConfig)

func WithRedisURL(url string) RedisStoreOption {
	return func(c *redisStoreConfig) { c.redisURL = url }
}

func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(c *redisStoreConfig) { c.keyPrefix = prefix }
}

func WithEventTTL(ttl time.Duration) RedisStoreOption {
	return func(c *redisStoreConfig) { c.ttl = ttl }
}

func WithStoreLogger(logger core.Logger) RedisStoreOption {
	return func(c *redisStoreConfig) { c.logger = logger }
}

// NewRedisStore connects to Redis and returns a RedisStore. It verifies
// connectivity with a Ping before returning, per the teacher's pattern of
// failing fast at construction rather than on first use.
func NewRedisStore(opts ...RedisStoreOption) (*RedisStore, error) {
	cfg := &redisStoreConfig{
		redisURL:  "redis://localhost:6379",
		keyPrefix: "engine:checkpoint",
		ttl:       24 * time.Hour,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	redisOpts, err := redis.ParseURL(cfg.redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url %s: %w", cfg.redisURL, err)
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.redisURL, err)
	}

	return &RedisStore{client: client, keyPrefix: cfg.keyPrefix, ttl: cfg.ttl, logger: cfg.logger}, nil
}

func (s *RedisStore) eventsKey(runID string) string { return fmt.Sprintf("%s:events:%s", s.keyPrefix, runID) }
func (s *RedisStore) leaseKey(runID string) string   { return fmt.Sprintf("%s:lease:%s", s.keyPrefix, runID) }
func (s *RedisStore) leaseSetKey() string            { return fmt.Sprintf("%s:leases", s.keyPrefix) }

func (s *RedisStore) Append(ctx context.Context, event Event) (int64, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal checkpoint event: %w", err)
	}

	key := s.eventsKey(event.RunID)
	length, err := s.client.RPush(ctx, key, data).Result()
	if err != nil {
		return 0, core.NewEngineError("checkpoint.RedisStore.Append", "retriable", "checkpoint_unavailable", core.ErrCheckpointUnavailable)
	}
	if s.ttl > 0 {
		s.client.Expire(ctx, key, s.ttl)
	}
	return length, nil
}

func (s *RedisStore) Load(ctx context.Context, runID string) ([]Event, error) {
	raw, err := s.client.LRange(ctx, s.eventsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, core.NewEngineError("checkpoint.RedisStore.Load", "retriable", "checkpoint_unavailable", core.ErrCheckpointUnavailable)
	}
	if len(raw) == 0 {
		return nil, core.NewEngineError("checkpoint.RedisStore.Load", "permanent", "checkpoint_not_found", core.ErrNotFound)
	}

	events := make([]Event, 0, len(raw))
	for i, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint event %d for run %s: %w", i, runID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// AcquireLease uses SET key value NX EX ttl, falling back to a
// compare-and-renew Lua script when ownerID already holds the lease, so
// the same owner can renew without racing a concurrent acquirer.
func (s *RedisStore) AcquireLease(ctx context.Context, runID, ownerID string, ttl time.Duration) (bool, error) {
	key := s.leaseKey(runID)

	ok, err := s.client.SetNX(ctx, key, ownerID, ttl).Result()
	if err != nil {
		return false, core.NewEngineError("checkpoint.RedisStore.AcquireLease", "retriable", "checkpoint_unavailable", core.ErrCheckpointUnavailable)
	}
	if ok {
		s.client.SAdd(ctx, s.leaseSetKey(), runID)
		return true, nil
	}

	const renewScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
			return 1
		end
		return 0
	`
	renewed, err := s.client.Eval(ctx, renewScript, []string{key}, ownerID, int(ttl.Seconds())).Int()
	if err != nil {
		return false, core.NewEngineError("checkpoint.RedisStore.AcquireLease", "retriable", "checkpoint_unavailable", core.ErrCheckpointUnavailable)
	}
	return renewed == 1, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, runID, ownerID string) error {
	const releaseScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`
	if _, err := s.client.Eval(ctx, releaseScript, []string{s.leaseKey(runID)}, ownerID).Result(); err != nil {
		return core.NewEngineError("checkpoint.RedisStore.ReleaseLease", "retriable", "checkpoint_unavailable", core.ErrCheckpointUnavailable)
	}
	s.client.SRem(ctx, s.leaseSetKey(), runID)
	return nil
}

func (s *RedisStore) ScanExpiredLeases(ctx context.Context) ([]string, error) {
	runIDs, err := s.client.SMembers(ctx, s.leaseSetKey()).Result()
	if err != nil {
		return nil, core.NewEngineError("checkpoint.RedisStore.ScanExpiredLeases", "retriable", "checkpoint_unavailable", core.ErrCheckpointUnavailable)
	}

	var expired []string
	for _, runID := range runIDs {
		exists, err := s.client.Exists(ctx, s.leaseKey(runID)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			expired = append(expired, runID)
			s.client.SRem(ctx, s.leaseSetKey(), runID)
		}
	}
	return expired, nil
}

// Close releases the underlying Redis connection pool.
func (s *RedisStore) Close() error { return s.client.Close() }
