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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanKey(t *testing.T) {
	assert.Equal(t, "plan/t1/p1", PlanKey("t1", "p1"))
}

func TestNew_Backends(t *testing.T) {
	l, err := New(context.Background(), Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalLocker{}, l)

	_, err = New(context.Background(), Config{Backend: "zookeeper"}, nil)
	assert.ErrorIs(t, err, model.ErrValidation)

	mr := miniredis.RunT(t)
	l, err = New(context.Background(), Config{Backend: BackendRedis, RedisURL: "redis://" + mr.Addr()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisLocker{}, l)
	require.NoError(t, l.Close())
}

func TestLocalLocker_MutualExclusion(t *testing.T) {
	l := NewLocalLocker(0)
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "plan/t/p")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, l.size())
}

func TestLocalLocker_IndependentKeys(t *testing.T) {
	l := NewLocalLocker(time.Second)
	unlockA, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := l.Lock(context.Background(), "b")
	require.NoError(t, err)
	unlockB()
	unlockB()
}

func TestLocalLocker_MaxWait(t *testing.T) {
	l := NewLocalLocker(20 * time.Millisecond)
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	_, err = l.Lock(context.Background(), "k")
	assert.ErrorIs(t, err, model.ErrConcurrencyConflict)

	unlock()
	unlock, err = l.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()
	assert.Equal(t, 0, l.size())
}

func TestLocalLocker_CancelledWhileWaiting(t *testing.T) {
	l := NewLocalLocker(0)
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, model.ErrConcurrencyConflict)
}

func newRedisLocker(t *testing.T, cfg Config) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLockerFromClient(client, cfg, nil)
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	l, mr := newRedisLocker(t, Config{LeaseTTL: time.Minute, MaxWait: 50 * time.Millisecond})

	unlock, err := l.Lock(context.Background(), "plan/t/p")
	require.NoError(t, err)
	assert.True(t, mr.Exists(redisKeyPrefix+"plan/t/p"))
	assert.Equal(t, time.Minute, mr.TTL(redisKeyPrefix+"plan/t/p"))

	_, err = l.Lock(context.Background(), "plan/t/p")
	assert.ErrorIs(t, err, model.ErrConcurrencyConflict)

	unlock()
	assert.False(t, mr.Exists(redisKeyPrefix+"plan/t/p"))

	unlock, err = l.Lock(context.Background(), "plan/t/p")
	require.NoError(t, err)
	unlock()
}

func TestRedisLocker_ExpiredLeaseIsNotStolenBack(t *testing.T) {
	l, mr := newRedisLocker(t, Config{LeaseTTL: time.Second, MaxWait: 50 * time.Millisecond})

	stale, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	stale()
	assert.True(t, mr.Exists(redisKeyPrefix+"k"))

	fresh()
	assert.False(t, mr.Exists(redisKeyPrefix+"k"))
}

func TestRedisLocker_WaitsForRelease(t *testing.T) {
	l, _ := newRedisLocker(t, Config{MaxWait: 2 * time.Second})

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	go func() {
		time.Sleep(50 * time.Millisecond)
		unlock()
	}()

	second, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	second()
}

func TestNewRedisLocker_BadURL(t *testing.T) {
	_, err := NewRedisLocker(context.Background(), Config{RedisURL: "::not a url"}, nil)
	assert.Error(t, err)

	_, err = NewRedisLocker(context.Background(), Config{}, nil)
	assert.Error(t, err)
}
