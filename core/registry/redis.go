// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package registry

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records in a shared Redis, for operators running a
// bootstrap directory in front of several nodes.
type RedisStore struct {
	c      *redis.Client
	prefix string
}

// NewRedisStore connects to addr. Every key is namespaced by prefix.
func NewRedisStore(ctx context.Context, addr, prefix string) (*RedisStore, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, err
	}
	return &RedisStore{c: c, prefix: prefix}, nil
}

func (r *RedisStore) key(k string) string {
	return r.prefix + k
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.c.Set(ctx, r.key(key), value, ttl).Err()
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.c.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

// AddMember implements Store.
func (r *RedisStore) AddMember(ctx context.Context, registry, member string) error {
	return r.c.SAdd(ctx, r.key(registry), member).Err()
}

// RemoveMember implements Store.
func (r *RedisStore) RemoveMember(ctx context.Context, registry, member string) error {
	return r.c.SRem(ctx, r.key(registry), member).Err()
}

// Members implements Store.
func (r *RedisStore) Members(ctx context.Context, registry string) ([]string, error) {
	m, err := r.c.SMembers(ctx, r.key(registry)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(m)
	return m, nil
}

// Close implements Store.
func (r *RedisStore) Close() error {
	return r.c.Close()
}
