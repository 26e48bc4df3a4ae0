// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/AleutianAI/plangraph/pkg/extensions"
	"github.com/AleutianAI/plangraph/pkg/logging"
	"github.com/AleutianAI/plangraph/services/plans"
	"github.com/AleutianAI/plangraph/services/plans/config"
	"github.com/AleutianAI/plangraph/services/plans/store"
	"github.com/spf13/cobra"
)

// app holds state shared by every command after PersistentPreRunE.
type app struct {
	configPath string
	envFile    string
	logLevel   string
	tenant     string
	jsonOut    bool

	cfg    *config.Config
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "plangraph",
		Short:         "Plan graph engine: dependency resolution, blast radius and replan sessions",
		Version:       plans.ServiceVersion,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Path to a YAML config file")
	flags.StringVar(&a.envFile, "env-file", ".env", "Path to a .env file (ignored when missing)")
	flags.StringVar(&a.logLevel, "log-level", "", "Override the configured log level")
	flags.StringVar(&a.tenant, "tenant", "", "Tenant id for inspection commands")
	flags.BoolVar(&a.jsonOut, "json", false, "Print results as JSON")

	root.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newResolveCmd(a),
		newBlastCmd(a),
		newContainmentCmd(a),
		newReplanCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath, a.envFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "plangraph",
		JSON:    cfg.Logging.JSON,
		Output:  cmd.ErrOrStderr(),
	})
	return nil
}

// openStore opens the configured store for a one-shot command.
func (a *app) openStore(ctx context.Context) (store.Store, error) {
	return plans.OpenStore(ctx, a.cfg.Store, a.logger.Slog())
}

// service opens the store and wires a Service over it. The caller closes
// the returned store.
func (a *app) service(ctx context.Context) (*plans.Service, store.Store, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return plans.NewService(st, nil, extensions.ServiceOptions{
		TenantProvider: &extensions.StaticTenantProvider{Info: extensions.TenantInfo{TenantID: a.tenant, Actor: "cli"}},
		AuditLogger:    extensions.NewSlogAuditLogger(a.logger.Slog()),
	}, a.logger.Slog()), st, nil
}

func (a *app) requireTenant() error {
	if a.tenant == "" {
		return fmt.Errorf("--tenant is required")
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
