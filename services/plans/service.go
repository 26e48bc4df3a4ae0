// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plans exposes the plan-graph engine over HTTP.
//
// # Description
//
// Service wires one store into the resolver, the execution-graph blast
// radius calculator, the tree mutation service and the replan session
// manager. Handlers are thin: they resolve the caller's tenant, check that
// every addressed node or session belongs to it and map errors to HTTP
// status codes.
//
// # Thread Safety
//
// Service and Handlers are safe for concurrent use.
package plans

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/plangraph/pkg/extensions"
	"github.com/AleutianAI/plangraph/services/plans/blast"
	"github.com/AleutianAI/plangraph/services/plans/config"
	"github.com/AleutianAI/plangraph/services/plans/events"
	"github.com/AleutianAI/plangraph/services/plans/planlock"
	"github.com/AleutianAI/plangraph/services/plans/replan"
	"github.com/AleutianAI/plangraph/services/plans/resolver"
	"github.com/AleutianAI/plangraph/services/plans/storage/badger"
	"github.com/AleutianAI/plangraph/services/plans/store"
	"github.com/AleutianAI/plangraph/services/plans/store/badgerstore"
	"github.com/AleutianAI/plangraph/services/plans/store/sqlstore"
	"github.com/AleutianAI/plangraph/services/plans/tree"
)

// ServiceVersion is the plangraph service version.
const ServiceVersion = "0.1.0"

// Service bundles the engine components over one store.
type Service struct {
	Store    store.Store
	Resolver *resolver.Resolver
	Blast    *blast.Calculator
	Tree     *tree.Service
	Replans  *replan.Manager
	Events   *events.Emitter
	Options  extensions.ServiceOptions

	logger *slog.Logger
}

// NewService wires the components. A nil locker means an in-process
// LocalLocker shared by the tree service and the replan manager.
func NewService(s store.Store, locker planlock.Locker, opts extensions.ServiceOptions, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	opts = extensions.Normalize(opts)
	if locker == nil {
		locker = planlock.NewLocalLocker(planlock.DefaultConfig().MaxWait)
	}
	emitter := events.NewEmitter(events.WithLogger(logger))

	return &Service{
		Store:    s,
		Resolver: resolver.New(s, resolver.WithLogger(logger)),
		Blast:    blast.NewCalculator(s, logger),
		Tree: tree.NewService(s,
			tree.WithLocker(locker),
			tree.WithAuditLogger(opts.AuditLogger),
			tree.WithLogger(logger)),
		Replans: replan.NewManager(s,
			replan.WithLocker(locker),
			replan.WithEmitter(emitter),
			replan.WithAuditLogger(opts.AuditLogger),
			replan.WithLogger(logger)),
		Events:  emitter,
		Options: opts,
		logger:  logger,
	}
}

// Ready reports whether the store answers.
func (s *Service) Ready(ctx context.Context) error {
	return s.Store.Ping(ctx)
}

// OpenStore opens the backend named by cfg.
//
// # Outputs
//
//   - store.Store: The open store. The caller must Close it.
//   - error: Connection or migration failure, or an unknown backend.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.Backend {
	case config.StoreSQLite, config.StorePostgres:
		st, err := sqlstore.Open(ctx, sqlstore.Options{
			DSN:          cfg.DSN,
			Migrate:      cfg.MigrateOnStart,
			MaxOpenConns: cfg.MaxOpenConns,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
		}
		if got := sqlstore.DetectDialect(cfg.DSN).String(); got != cfg.Backend {
			_ = st.Close()
			return nil, fmt.Errorf("store backend %s does not match dsn dialect %s", cfg.Backend, got)
		}
		return st, nil
	case config.StoreBadger:
		bcfg := badger.DefaultConfig(cfg.BadgerPath)
		if cfg.InMemory {
			bcfg = badger.InMemoryConfig()
		}
		bcfg.Logger = logger
		st, err := badgerstore.Open(bcfg)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return st, nil
	default:
		return nil, errors.New("unknown store backend " + cfg.Backend)
	}
}
