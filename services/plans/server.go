// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plans

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/AleutianAI/plangraph/pkg/extensions"
	"github.com/AleutianAI/plangraph/services/plans/config"
	"github.com/AleutianAI/plangraph/services/plans/planlock"
	"github.com/AleutianAI/plangraph/services/plans/telemetry"
	"github.com/gin-gonic/gin"
)

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
//
// # Description
//
// Installs telemetry, opens the store and the plan locker named by cfg,
// wires the Service and listens on cfg.Server.Port. Everything it opened
// is closed before it returns.
//
// # Outputs
//
//   - error: Setup failure or a listener error other than a clean
//     shutdown.
func Serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	st, err := OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("store close failed", "error", err)
		}
	}()

	locker, err := planlock.New(ctx, cfg.Lock, logger)
	if err != nil {
		return fmt.Errorf("open plan locker: %w", err)
	}
	defer func() { _ = locker.Close() }()

	gin.SetMode(cfg.Server.Mode)
	svc := NewService(st, locker, extensions.DefaultOptions(logger), logger)
	h := NewHandlers(svc, WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst))
	router := NewRouter(h, cfg.Telemetry.ServiceName)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("plangraph listening",
			"address", srv.Addr,
			"store", cfg.Store.Backend,
			"lock", cfg.Lock.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("plangraph shutting down")
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
