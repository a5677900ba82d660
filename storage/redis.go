package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements the Store contract against a Redis server.
type RedisStore struct {
	client *redis.Client
}

// takeTokensScript refills and debits a token bucket server-side so that
// concurrent callers for the same identifier can never interleave between
// the refill and the debit. Bucket state lives in a hash with the fractional
// token count and the last refill time in unix milliseconds. The remaining
// count is returned as a string because Lua numbers are truncated to
// integers on the way back to the client.
var takeTokensScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'refilled_at')
local tokens = tonumber(state[1])
local refilled_at = tonumber(state[2])
if tokens == nil or refilled_at == nil then
  tokens = capacity
  refilled_at = now
end

local elapsed = (now - refilled_at) / 1000.0
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * refill)
end

local allowed = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'refilled_at', tostring(now))
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {allowed, tostring(tokens)}
`)

// NewRedisStore connects to a Redis server and verifies the connection
// before returning.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client, sharing its connection
// pool. The caller keeps ownership of the client's lifecycle.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get retrieves a value from Redis.
func (rs *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := rs.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis.
func (rs *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return rs.client.Set(ctx, key, value, ttl).Err()
}

// MGet retrieves multiple values in one round trip.
func (rs *RedisStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := rs.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(keys))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

// MSet stores multiple values in one pipelined round trip. MSET itself
// cannot carry expirations, so each entry is SET inside a transaction.
func (rs *RedisStore) MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range entries {
			pipe.Set(ctx, k, v, ttl)
		}
		return nil
	})
	return err
}

// Del removes keys and returns how many existed.
func (rs *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return rs.client.Del(ctx, keys...).Result()
}

// Exists reports whether key is present.
func (rs *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := rs.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Expire sets a new ttl on key.
func (rs *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return rs.client.Expire(ctx, key, ttl).Result()
}

// TTL returns the remaining time to live for key.
func (rs *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := rs.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// go-redis surfaces the protocol's -2 (absent) and -1 (no expiry)
	// replies as raw negative durations.
	switch d {
	case -2:
		return 0, ErrNotFound
	case -1:
		return -1, nil
	}
	return d, nil
}

// IncrBy adds delta to the counter at key. A positive ttl is attached in
// the same transaction, but only when the key carries no expiration yet, so
// repeated increments never push the window end out.
func (rs *RedisStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return rs.client.IncrBy(ctx, key, delta).Result()
	}
	var incr *redis.IntCmd
	_, err := rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, key, delta)
		pipe.ExpireNX(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// TakeTokens runs the token-bucket script against key.
func (rs *RedisStore) TakeTokens(ctx context.Context, key string, capacity int64, refillPerSec float64, tokens int64, ttl time.Duration) (bool, float64, error) {
	res, err := takeTokensScript.Run(ctx, rs.client, []string{key},
		capacity, refillPerSec, tokens, time.Now().UnixMilli(), ttl.Milliseconds(),
	).Result()
	if err != nil {
		return false, 0, err
	}
	reply, ok := res.([]any)
	if !ok || len(reply) != 2 {
		return false, 0, fmt.Errorf("unexpected token bucket reply: %v", res)
	}
	allowed, _ := reply[0].(int64)
	remaining, err := strconv.ParseFloat(fmt.Sprint(reply[1]), 64)
	if err != nil {
		return false, 0, fmt.Errorf("unexpected token bucket remainder: %v", reply[1])
	}
	return allowed == 1, remaining, nil
}

// SAdd adds members to the set at key.
func (rs *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return rs.client.SAdd(ctx, key, toAnySlice(members)...).Err()
}

// SMembers returns all members of the set at key.
func (rs *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return rs.client.SMembers(ctx, key).Result()
}

// SRem removes members from the set at key.
func (rs *RedisStore) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	return rs.client.SRem(ctx, key, toAnySlice(members)...).Result()
}

// HSet stores field=value in the hash at key.
func (rs *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return rs.client.HSet(ctx, key, field, value).Err()
}

// HGet returns the value of field in the hash at key.
func (rs *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := rs.client.HGet(ctx, key, field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", err
	}
	return val, nil
}

// HGetAll returns every field of the hash at key.
func (rs *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return rs.client.HGetAll(ctx, key).Result()
}

// HDel removes fields from the hash at key.
func (rs *RedisStore) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	return rs.client.HDel(ctx, key, fields...).Result()
}

// HIncrBy adds delta to the integer field in the hash at key.
func (rs *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return rs.client.HIncrBy(ctx, key, field, delta).Result()
}

// Scan iterates the keyspace with SCAN.
func (rs *RedisStore) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	return rs.client.Scan(ctx, cursor, pattern, count).Result()
}

// Publish sends payload to channel.
func (rs *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return rs.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a pub/sub subscription to channel. It waits for the
// server to confirm the subscription before returning so that a Publish
// issued right after cannot race past it.
func (rs *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := rs.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &redisSubscription{
		ps:       ps,
		messages: make(chan Message, 64),
		done:     make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

// Ping verifies connectivity to Redis.
func (rs *RedisStore) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}

// GetClient returns the underlying Redis client.
func (rs *RedisStore) GetClient() *redis.Client {
	return rs.client
}

type redisSubscription struct {
	ps       *redis.PubSub
	messages chan Message
	done     chan struct{}
	once     sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.messages)
	ch := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.messages <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}

// Messages returns the channel payloads are delivered on.
func (s *redisSubscription) Messages() <-chan Message {
	return s.messages
}

// Close terminates the subscription.
func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func toAnySlice(members []string) []any {
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

var _ Store = (*RedisStore)(nil)
