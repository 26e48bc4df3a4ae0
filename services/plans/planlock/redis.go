// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planlock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix    = "plangraph:lock:"
	redisPollInterval = 25 * time.Millisecond
	redisUnlockTimeout = 2 * time.Second
)

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds leases in Redis.
//
// # Description
//
// A lease is a key set with NX and a TTL so a crashed holder cannot block
// the plan forever. Mutations must finish within LeaseTTL.
//
// # Thread Safety
//
// Safe for concurrent use.
type RedisLocker struct {
	client  *redis.Client
	ttl     time.Duration
	maxWait time.Duration
	logger  *slog.Logger
}

// NewRedisLocker connects to cfg.RedisURL and pings it.
func NewRedisLocker(ctx context.Context, cfg Config, logger *slog.Logger) (*RedisLocker, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis lock: redis_url is required")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis lock: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis lock: connect: %w", err)
	}
	return NewRedisLockerFromClient(client, cfg, logger), nil
}

// NewRedisLockerFromClient wraps an existing client.
func NewRedisLockerFromClient(client *redis.Client, cfg Config, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultConfig().LeaseTTL
	}
	return &RedisLocker{
		client:  client,
		ttl:     ttl,
		maxWait: cfg.MaxWait,
		logger:  logger,
	}
}

// Lock polls SET NX PX until the lease is taken.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	rkey := redisKeyPrefix + key
	token := uuid.NewString()

	wctx, cancel := withMaxWait(ctx, l.maxWait)
	defer cancel()

	ticker := time.NewTicker(redisPollInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(wctx, rkey, token, l.ttl).Result()
		if err != nil {
			if wctx.Err() != nil {
				return nil, waitErr(key, wctx.Err())
			}
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ticker.C:
		case <-wctx.Done():
			return nil, waitErr(key, wctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, rkey, token) })
	}, nil
}

func (l *RedisLocker) release(key, rkey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisUnlockTimeout)
	defer cancel()
	n, err := unlockScript.Run(ctx, l.client, []string{rkey}, token).Int()
	if err != nil {
		l.logger.Warn("redis lock release failed", "key", key, "error", err)
		return
	}
	if n == 0 {
		l.logger.Warn("redis lock lease expired before release", "key", key)
	}
}

// Close closes the client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
