package tree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"dsrules/internal/logging"
)

// NewRedisClient creates a Redis client
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

// Redis is a Tree persisted in Redis. Each node value lives in
// "<prefix>:v:<path>" as JSON; child names live in the sorted set
// "<prefix>:c:<path>" scored by a global insertion counter.
type Redis struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

// NewRedis creates a Redis-backed tree under the given key prefix
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix, log: logging.Component("tree")}
}

func (r *Redis) valueKey(p string) string { return r.prefix + ":v:" + p }
func (r *Redis) childKey(p string) string { return r.prefix + ":c:" + p }
func (r *Redis) seqKey() string           { return r.prefix + ":seq" }

func (r *Redis) Get(p string) (any, bool) {
	ctx := context.Background()
	raw, err := r.client.Get(ctx, r.valueKey(Clean(p))).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn().Err(err).Str("path", p).Msg("get failed")
		}
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		r.log.Warn().Err(err).Str("path", p).Msg("undecodable value")
		return nil, false
	}
	return v, true
}

func (r *Redis) Set(p string, value any) error {
	ctx := context.Background()
	p = Clean(p)
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding value for %s: %w", p, err)
	}
	if err := r.link(ctx, p); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.valueKey(p), raw, 0).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", p, err)
	}
	return nil
}

// link registers p and its ancestors in their parents' child sets
func (r *Redis) link(ctx context.Context, p string) error {
	for p != "/" {
		parent := Parent(p)
		score, err := r.client.Incr(ctx, r.seqKey()).Result()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}
		added, err := r.client.ZAddNX(ctx, r.childKey(parent), redis.Z{Score: float64(score), Member: Base(p)}).Result()
		if err != nil {
			return fmt.Errorf("linking %s: %w", p, err)
		}
		if added == 0 {
			// ancestors are already linked
			return nil
		}
		p = parent
	}
	return nil
}

func (r *Redis) Children(p string) []string {
	names, err := r.client.ZRange(context.Background(), r.childKey(Clean(p)), 0, -1).Result()
	if err != nil {
		r.log.Warn().Err(err).Str("path", p).Msg("children failed")
		return nil
	}
	return names
}

func (r *Redis) Exists(p string) bool {
	p = Clean(p)
	if p == "/" {
		return true
	}
	_, err := r.client.ZScore(context.Background(), r.childKey(Parent(p)), Base(p)).Result()
	return err == nil
}

func (r *Redis) Remove(p string) error {
	ctx := context.Background()
	p = Clean(p)
	keys := r.collect(ctx, p, nil)
	if len(keys) > 0 {
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	if p == "/" {
		return nil
	}
	if err := r.client.ZRem(ctx, r.childKey(Parent(p)), Base(p)).Err(); err != nil {
		return fmt.Errorf("unlinking %s: %w", p, err)
	}
	return nil
}

func (r *Redis) collect(ctx context.Context, p string, keys []string) []string {
	keys = append(keys, r.valueKey(p), r.childKey(p))
	for _, c := range r.Children(p) {
		keys = r.collect(ctx, Join(p, c), keys)
	}
	return keys
}
