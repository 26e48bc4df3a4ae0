// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package planlock serializes structural and session mutations per plan.
//
// # Description
//
// Two lockers are provided. LocalLocker is an in-process keyed mutex for
// single-instance deployments. RedisLocker holds a lease (SET NX PX) so
// several API instances sharing one database serialize on the same key.
//
// Waiting honours ctx and is bounded by MaxWait. A wait that runs out
// returns an error wrapping model.ErrConcurrencyConflict so callers can
// retry.
package planlock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/plangraph/services/plans/model"
)

// Backend names accepted by Config.Backend.
const (
	BackendLocal = "local"
	BackendRedis = "redis"
)

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

// Locker acquires exclusive locks by key.
type Locker interface {
	// Lock blocks until key is held, ctx is done, or MaxWait elapses.
	Lock(ctx context.Context, key string) (Unlock, error)

	// Close releases resources held by the locker.
	Close() error
}

// Config configures a Locker.
type Config struct {
	Backend  string        `yaml:"backend" json:"backend" validate:"omitempty,oneof=local redis"`
	RedisURL string        `yaml:"redis_url" json:"redis_url" validate:"required_if=Backend redis"`
	LeaseTTL time.Duration `yaml:"lease_ttl" json:"lease_ttl"`
	MaxWait  time.Duration `yaml:"max_wait" json:"max_wait"`
}

// DefaultConfig returns a local locker waiting at most 5s.
func DefaultConfig() Config {
	return Config{
		Backend:  BackendLocal,
		LeaseTTL: 30 * time.Second,
		MaxWait:  5 * time.Second,
	}
}

// New builds the locker named by cfg.Backend.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Locker, error) {
	switch cfg.Backend {
	case "", BackendLocal:
		return NewLocalLocker(cfg.MaxWait), nil
	case BackendRedis:
		return NewRedisLocker(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("%w: unknown lock backend %q", model.ErrValidation, cfg.Backend)
	}
}

// PlanKey is the lock key for a plan.
func PlanKey(tenantID, planID string) string {
	return "plan/" + tenantID + "/" + planID
}

// withMaxWait bounds ctx by maxWait when it is positive.
func withMaxWait(ctx context.Context, maxWait time.Duration) (context.Context, context.CancelFunc) {
	if maxWait <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, maxWait)
}

func waitErr(key string, err error) error {
	return fmt.Errorf("%w: waiting for lock %s: %v", model.ErrConcurrencyConflict, key, err)
}
