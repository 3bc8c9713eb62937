package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-import/internal/model"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// RedisStore implements ReplayStore and IdempotencyStore on Redis, for
// deployments where several instances share request-level state. Replay
// retention is enforced by key TTL.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	nowFunc func() time.Time
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "redis: ping")
	}
	return NewRedisWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "catalog-import:"
	}
	return &RedisStore{client: client, prefix: prefix, nowFunc: time.Now}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.client.Ping(ctx).Err(), "redis: ping")
}

func (s *RedisStore) replayKey(id string) string {
	return s.prefix + "replay:" + id
}

func (s *RedisStore) idemKey(key, scope string) string {
	return s.prefix + "idempotency:" + scope + ":" + key
}

// RecordRequest uses SET NX with a TTL equal to the remaining retention
// window, so expiry happens inside Redis.
func (s *RedisStore) RecordRequest(ctx context.Context, requestID string, seenAt, cutoff time.Time) (bool, error) {
	ttl := seenAt.Sub(cutoff)
	if ttl <= 0 {
		ttl = time.Second
	}
	ok, err := s.client.SetNX(ctx, s.replayKey(requestID), seenAt.UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, eris.Wrap(err, "redis: record request")
	}
	return ok, nil
}

func (s *RedisStore) CreateIdempotencyKey(ctx context.Context, rec model.IdempotencyRecord) (bool, *model.IdempotencyRecord, error) {
	doc, err := json.Marshal(rec)
	if err != nil {
		return false, nil, eris.Wrap(err, "redis: marshal idempotency record")
	}
	ok, err := s.client.SetNX(ctx, s.idemKey(rec.Key, rec.Scope), doc, 0).Result()
	if err != nil {
		return false, nil, eris.Wrap(err, "redis: insert idempotency key")
	}
	if ok {
		return true, nil, nil
	}
	existing, err := s.GetIdempotencyKey(ctx, rec.Key, rec.Scope)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *RedisStore) GetIdempotencyKey(ctx context.Context, key, scope string) (*model.IdempotencyRecord, error) {
	doc, err := s.client.Get(ctx, s.idemKey(key, scope)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, eris.Wrapf(ErrNotFound, "idempotency key %s/%s", scope, key)
	}
	if err != nil {
		return nil, eris.Wrap(err, "redis: get idempotency key")
	}
	var rec model.IdempotencyRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, eris.Wrap(err, "redis: unmarshal idempotency record")
	}
	return &rec, nil
}

// casIdempotency swaps the stored document only when its status still
// matches. The patched document is built by the caller from the record it
// read; the script re-checks status and the previous updated_at so a
// concurrent writer in between makes the swap fail.
var casIdempotency = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
local rec = cjson.decode(cur)
if rec.status ~= ARGV[1] or rec.updated_at ~= ARGV[2] then return 0 end
redis.call('SET', KEYS[1], ARGV[3], 'KEEPTTL')
return 1
`)

func (s *RedisStore) CompareAndSetIdempotencyStatus(ctx context.Context, key, scope string, expected, next model.IdempotencyStatus, patch model.IdempotencyPatch) (bool, error) {
	cur, err := s.GetIdempotencyKey(ctx, key, scope)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cur.Status != expected {
		return false, nil
	}
	prevUpdated, err := json.Marshal(cur.UpdatedAt)
	if err != nil {
		return false, eris.Wrap(err, "redis: marshal updated_at")
	}

	updated := *cur
	updated.Status = next
	if patch.Ref != "" {
		updated.Ref = patch.Ref
	}
	updated.CachedResponse = patch.CachedResponse
	updated.Error = patch.Error
	updated.UpdatedAt = s.nowFunc().UTC()
	doc, err := json.Marshal(updated)
	if err != nil {
		return false, eris.Wrap(err, "redis: marshal idempotency record")
	}

	// json.Marshal quotes the timestamp; cjson.decode yields the bare string.
	prev := string(prevUpdated[1 : len(prevUpdated)-1])
	n, err := casIdempotency.Run(ctx, s.client, []string{s.idemKey(key, scope)}, string(expected), prev, string(doc)).Int()
	if err != nil {
		return false, eris.Wrap(err, "redis: cas idempotency key")
	}
	return n == 1, nil
}

var (
	_ ReplayStore      = (*RedisStore)(nil)
	_ IdempotencyStore = (*RedisStore)(nil)
)
