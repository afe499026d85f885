package cache

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/apikeys/internal/domain/apikey"
)

// DefaultNamespace prefixes every key the Redis cache writes.
const DefaultNamespace = "apikeys:"

const (
	validValue   = "1"
	invalidValue = "0"
)

// generationTTL bounds how long an invalidated prefix keeps its generation.
// It only has to outlive a single verification.
const generationTTL = 24 * time.Hour

// errStaleGeneration aborts a Set whose prefix was invalidated meanwhile.
var errStaleGeneration = errors.New("stale generation")

var _ apikey.Cache = (*Redis)(nil)

// Redis is a cache shared by every replica connected to the same server.
type Redis struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedis creates a Redis cache on top of client. An empty namespace means
// DefaultNamespace.
func NewRedis(client redis.UniversalClient, namespace string) *Redis {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Redis{client: client, namespace: namespace}
}

// NewRedisClient parses a redis:// URL and connects.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

func (r *Redis) entryKey(key string) string {
	return r.namespace + "v:" + key
}

func (r *Redis) prefixKey(prefix string) string {
	return r.namespace + "p:" + prefix
}

func (r *Redis) generationKey(prefix string) string {
	return r.namespace + "g:" + prefix
}

func readGeneration(ctx context.Context, c redis.Cmdable, key string) (uint64, error) {
	gen, err := c.Get(ctx, key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Generation returns the invalidation generation of prefix.
func (r *Redis) Generation(ctx context.Context, prefix string) (uint64, error) {
	gen, err := readGeneration(ctx, r.client, r.generationKey(prefix))
	if err != nil {
		return 0, errors.Wrap(err, "get generation")
	}
	return gen, nil
}

// Get returns the cached verdict for key.
func (r *Redis) Get(ctx context.Context, key string) (valid, ok bool, err error) {
	v, err := r.client.Get(ctx, r.entryKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, errors.Wrap(err, "get")
	}
	return v == validValue, true, nil
}

// Set stores a verdict and the prefix index entry in one transaction that
// WATCHes the prefix generation. Nothing is written when the generation
// differs from gen or changes before the transaction commits.
func (r *Redis) Set(ctx context.Context, key, prefix string, valid bool, ttl time.Duration, gen uint64) error {
	if ttl <= 0 {
		return nil
	}
	value := invalidValue
	if valid {
		value = validValue
	}
	genKey := r.generationKey(prefix)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := readGeneration(ctx, tx, genKey)
		if err != nil {
			return err
		}
		if cur != gen {
			return errStaleGeneration
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.entryKey(key), value, ttl)
			pipe.Set(ctx, r.prefixKey(prefix), key, ttl)
			return nil
		})
		return err
	}, genKey)
	switch {
	case err == nil, errors.Is(err, errStaleGeneration), errors.Is(err, redis.TxFailedErr):
		return nil
	default:
		return errors.Wrap(err, "set")
	}
}

// Invalidate drops the entry for key.
func (r *Redis) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.entryKey(key)).Err(); err != nil {
		return errors.Wrap(err, "del")
	}
	return nil
}

// InvalidateByPrefix advances the prefix generation, then drops the entry
// the prefix index points at.
func (r *Redis) InvalidateByPrefix(ctx context.Context, prefix string) error {
	genKey := r.generationKey(prefix)
	if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		return nil
	}); err != nil {
		return errors.Wrap(err, "advance generation")
	}

	key, err := r.client.GetDel(ctx, r.prefixKey(prefix)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "getdel prefix index")
	}
	return r.Invalidate(ctx, key)
}

// Ping checks the connection to the server.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
