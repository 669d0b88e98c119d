// redis.go
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ephemeral.share/internal/models"
)

var _ Store = (*RedisStore)(nil)

// RedisStore keeps each secret in a hash at secret:{id}. Every state change
// that depends on the current record runs as a Lua script so Redis executes
// the check and the write as one command.
type RedisStore struct {
	client *redis.Client
	grace  time.Duration
}

type RedisOption func(*RedisStore)

// WithExpiryGrace sets how long past its expiry Redis keeps a key before
// evicting it natively. Lazy deletion and the sweeper normally remove it
// first; the native TTL only bounds how long a missed record can linger.
func WithExpiryGrace(d time.Duration) RedisOption {
	return func(r *RedisStore) {
		if d >= 0 {
			r.grace = d
		}
	}
}

func NewRedisStore(options *redis.Options, opts ...RedisOption) (*RedisStore, error) {
	client := redis.NewClient(options)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	r := &RedisStore{client: client, grace: time.Minute}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

const (
	takeMissing  = 0
	takeConsumed = 1
	takeExpired  = 2
	takeOK       = 3
)

var saveScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('HSET', KEYS[1],
		'id', ARGV[1],
		'message', ARGV[2],
		'created_at', ARGV[3],
		'expires_at', ARGV[4],
		'consumed', '0',
		'origin', ARGV[5])
	redis.call('PEXPIREAT', KEYS[1], ARGV[6])
	if ARGV[5] ~= '' then
		redis.call('SADD', KEYS[2], ARGV[1])
	end
	return 1
`)

var takeScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call('EXISTS', key) == 0 then
		return {0}
	end
	if redis.call('HGET', key, 'consumed') == '1' then
		return {1}
	end
	local expires = tonumber(redis.call('HGET', key, 'expires_at'))
	if expires <= tonumber(ARGV[1]) then
		redis.call('DEL', key)
		return {2}
	end
	local fields = redis.call('HGETALL', key)
	if ARGV[2] == '1' then
		redis.call('HDEL', key, 'message')
		redis.call('HSET', key, 'consumed', '1')
	else
		redis.call('DEL', key)
	end
	return {3, fields}
`)

// deleteExpiredScript only touches the declared key. Origin index members
// left behind are pruned by ListByOrigin.
var deleteExpiredScript = redis.NewScript(`
	local expires = redis.call('HGET', KEYS[1], 'expires_at')
	if not expires then
		return 0
	end
	if tonumber(expires) <= tonumber(ARGV[1]) then
		redis.call('DEL', KEYS[1])
		return 1
	end
	return 0
`)

func (r *RedisStore) Save(ctx context.Context, secret *models.Secret) error {
	evictAt := secret.ExpiresAt.Add(r.grace).UnixMilli()
	created, err := saveScript.Run(ctx, r.client,
		[]string{secretKey(secret.ID), originKey(secret.Origin)},
		secret.ID,
		secret.Message,
		secret.CreatedAt.UnixMilli(),
		secret.ExpiresAt.UnixMilli(),
		secret.Origin,
		evictAt,
	).Int()
	if err != nil {
		return unavailable(err)
	}
	if created == 0 {
		return ErrExists
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*models.Secret, error) {
	fields, err := r.client.HGetAll(ctx, secretKey(id)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeHash(fields)
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, secretKey(id)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *RedisStore) Take(ctx context.Context, id string, now time.Time, tombstone bool) (*models.Secret, error) {
	if err := notExecuted(ctx); err != nil {
		return nil, err
	}
	keep := "0"
	if tombstone {
		keep = "1"
	}

	res, err := takeScript.Run(ctx, r.client, []string{secretKey(id)}, now.UnixMilli(), keep).Slice()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(res) == 0 {
		return nil, errors.New("redis: empty reply from take script")
	}

	status, ok := res[0].(int64)
	if !ok {
		return nil, fmt.Errorf("redis: unexpected take status %T", res[0])
	}

	switch status {
	case takeMissing:
		return nil, ErrNotFound
	case takeConsumed:
		return nil, ErrConsumed
	case takeExpired:
		return nil, ErrExpired
	case takeOK:
	default:
		return nil, fmt.Errorf("redis: unknown take status %d", status)
	}

	if len(res) < 2 {
		return nil, errors.New("redis: take reply missing record")
	}
	flat, ok := res[1].([]interface{})
	if !ok {
		return nil, fmt.Errorf("redis: unexpected record type %T", res[1])
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	return decodeHash(fields)
}

func (r *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := r.scanSecrets(ctx, func(key string) error {
		n, err := deleteExpiredScript.Run(ctx, r.client, []string{key}, now.UnixMilli()).Int()
		if err != nil {
			return err
		}
		removed += n
		return nil
	})
	return removed, err
}

func (r *RedisStore) ListByOrigin(ctx context.Context, origin string) ([]*models.Secret, error) {
	idxKey := originKey(origin)
	ids, err := r.client.SMembers(ctx, idxKey).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	var out []*models.Secret
	var stale []interface{}
	for _, id := range ids {
		secret, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, secret)
	}

	// The index is pruned lazily; members outlive their records.
	if len(stale) > 0 {
		_ = r.client.SRem(ctx, idxKey, stale...).Err()
	}

	sortNewestFirst(out)
	return out, nil
}

func (r *RedisStore) Count(ctx context.Context, now time.Time) (int, error) {
	count := 0
	err := r.scanSecrets(ctx, func(key string) error {
		vals, err := r.client.HMGet(ctx, key, "consumed", "expires_at").Result()
		if err != nil {
			return err
		}
		consumed, _ := vals[0].(string)
		expires, _ := vals[1].(string)
		ms, err := strconv.ParseInt(expires, 10, 64)
		if err != nil {
			return nil
		}
		if consumed != "1" && now.Before(time.UnixMilli(ms)) {
			count++
		}
		return nil
	})
	return count, err
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Helpers

func (r *RedisStore) scanSecrets(ctx context.Context, fn func(key string) error) error {
	iter := r.client.Scan(ctx, 0, secretKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return unavailable(err)
		}
	}
	if err := iter.Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func secretKey(id string) string {
	return "secret:" + id
}

func originKey(origin string) string {
	return "origin:" + origin
}

func decodeHash(fields map[string]string) (*models.Secret, error) {
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis: bad created_at: %w", err)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis: bad expires_at: %w", err)
	}

	secret := &models.Secret{
		ID:        fields["id"],
		CreatedAt: time.UnixMilli(created).UTC(),
		ExpiresAt: time.UnixMilli(expires).UTC(),
		Consumed:  fields["consumed"] == "1",
		Origin:    fields["origin"],
	}
	if msg, ok := fields["message"]; ok && !secret.Consumed {
		secret.Message = []byte(msg)
	}
	return secret, nil
}

// unavailable marks transport failures so the breaker and the service can
// tell them from record state. Context errors are passed through wrapped.
func unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
