package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"courier/internal/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var popAndLease = redis.NewScript(`
local id
if ARGV[1] == '1' then
  id = redis.call('LPOP', KEYS[1])
else
  local popped = redis.call('ZPOPMIN', KEYS[1])
  id = popped[1]
end
if not id then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
return id
`)

var capList = redis.NewScript(`
local max = tonumber(ARGV[1])
local dropped = 0
while redis.call('LLEN', KEYS[1]) > max do
  local v = redis.call('RPOP', KEYS[1])
  if ARGV[2] == '1' then
    redis.call('LPUSH', KEYS[2], v)
  end
  dropped = dropped + 1
end
return dropped
`)

// placeTarget is shared by insert and move: ARGV[1] is the id, ARGV[3] selects
// a list push and ARGV[4] is the sorted-set score otherwise.
const placeTarget = `
if ARGV[3] == '1' then
  redis.call('RPUSH', KEYS[2], ARGV[1])
else
  redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
end
return 1
`

var insert = redis.NewScript(`
if redis.call('HSETNX', KEYS[3], ARGV[1], ARGV[2]) == 0 then
  return 0
end
` + placeTarget)

var move = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
end
` + placeTarget)

var settle = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

var compareAndDelete = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisStore struct {
	client redis.UniversalClient
	logger *log.Logger
}

func NewRedisStore(client redis.UniversalClient, logger *log.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	n, err := s.client.LPush(ctx, key, toArgs(values)...).Result()
	if err != nil {
		return 0, fmt.Errorf("lpush %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) LPop(ctx context.Context, key string, count int) ([]string, error) {
	vals, err := s.client.LPopCount(ctx, key, count).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lpop %s: %w", key, err)
	}
	return vals, nil
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	return vals, nil
}

func (s *RedisStore) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	n, err := s.client.LRem(ctx, key, count, value).Result()
	if err != nil {
		return 0, fmt.Errorf("lrem %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := s.client.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("ltrim %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) CapList(ctx context.Context, key, overflow string, max int64) (int64, error) {
	keep := "0"
	if overflow != "" {
		keep = "1"
	} else {
		// scripts must still receive a key in every declared slot
		overflow = key
	}
	n, err := capList.Run(ctx, s.client, []string{key, overflow}, max, keep).Int64()
	if err != nil {
		s.logger.Error("Failed to cap list", zap.String("key", key), zap.Error(err))
		return 0, fmt.Errorf("cap list %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, members ...ScoredMember) error {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	if err := s.client.ZAdd(ctx, key, zs...).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	n, err := s.client.ZRem(ctx, key, toArgs(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("zrem %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) ZPopMax(ctx context.Context, key string, count int64) ([]ScoredMember, error) {
	zs, err := s.client.ZPopMax(ctx, key, count).Result()
	if err != nil {
		return nil, fmt.Errorf("zpopmax %s: %w", key, err)
	}
	return fromZ(zs), nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ScoredMember, error) {
	opt := &redis.ZRangeBy{Min: formatScore(min), Max: formatScore(max)}
	if limit > 0 {
		opt.Count = limit
	}
	zs, err := s.client.ZRangeByScoreWithScores(ctx, key, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	return fromZ(zs), nil
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) ZFirst(ctx context.Context, key string) (ScoredMember, bool, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return ScoredMember{}, false, fmt.Errorf("zrange %s: %w", key, err)
	}
	if len(zs) == 0 {
		return ScoredMember{}, false, nil
	}
	return fromZ(zs)[0], true, nil
}

func (s *RedisStore) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	ok, err := s.client.HSetNX(ctx, key, field, value).Result()
	if err != nil {
		return false, fmt.Errorf("hsetnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("hget %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	n, err := s.client.HDel(ctx, key, fields...).Result()
	if err != nil {
		return 0, fmt.Errorf("hdel %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := s.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("hincrby %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return m, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("del: %w", err)
	}
	return n, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.client, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("compare and delete %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) PopAndLease(ctx context.Context, readyKey, leaseKey string, fifo bool, leaseUntilMs int64) (string, bool, error) {
	mode := "0"
	if fifo {
		mode = "1"
	}
	id, err := popAndLease.Run(ctx, s.client, []string{readyKey, leaseKey}, mode, leaseUntilMs).Text()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		s.logger.Error("Failed to pop and lease", zap.String("key", readyKey), zap.Error(err))
		return "", false, fmt.Errorf("pop and lease %s: %w", readyKey, err)
	}
	return id, true, nil
}

func targetArgs(id, body string, to Target) []interface{} {
	list := "0"
	if to.List {
		list = "1"
	}
	return []interface{}{id, body, list, formatScore(to.Score)}
}

func (s *RedisStore) Insert(ctx context.Context, hashKey, id, body string, to Target) (bool, error) {
	// the first slot is unused by the script but keeps KEYS aligned with move
	n, err := insert.Run(ctx, s.client, []string{to.Key, to.Key, hashKey}, targetArgs(id, body, to)...).Int64()
	if err != nil {
		s.logger.Error("Failed to insert message", zap.String("key", to.Key), zap.String("id", id), zap.Error(err))
		return false, fmt.Errorf("insert %s into %s: %w", id, to.Key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Move(ctx context.Context, from, hashKey, id, body string, to Target) (bool, error) {
	n, err := move.Run(ctx, s.client, []string{from, to.Key, hashKey}, targetArgs(id, body, to)...).Int64()
	if err != nil {
		s.logger.Error("Failed to move message", zap.String("from", from), zap.String("to", to.Key), zap.String("id", id), zap.Error(err))
		return false, fmt.Errorf("move %s from %s to %s: %w", id, from, to.Key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Settle(ctx context.Context, from, hashKey, id string) (bool, error) {
	n, err := settle.Run(ctx, s.client, []string{from, hashKey}, id).Int64()
	if err != nil {
		s.logger.Error("Failed to settle message", zap.String("key", from), zap.String("id", id), zap.Error(err))
		return false, fmt.Errorf("settle %s in %s: %w", id, from, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func toArgs(vals []string) []interface{} {
	args := make([]interface{}, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return args
}

func fromZ(zs []redis.Z) []ScoredMember {
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
