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
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/AleutianAI/plangraph/services/plans/model"
	"github.com/spf13/cobra"
)

func newResolveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <node-id>",
		Short: "Show a node's resolved dependencies",
		Long: `Resolve the context, io and data declarations a node depends on,
including inherited ones, after include and exclude overrides.

Examples:
  plangraph resolve 5f0c... --tenant acme
  plangraph resolve 5f0c... --tenant acme --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireTenant(); err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, st, err := a.service(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := svc.Tree.GetNode(ctx, a.tenant, args[0])
			if err != nil {
				return err
			}
			res, err := svc.Resolver.ResolveDependencies(ctx, n.ID)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", n.Type, n.Name, n.Path)
			if res.InheritanceDisabled {
				fmt.Fprintln(cmd.OutOrStdout(), "inheritance disabled")
			}
			return printNodes(cmd.OutOrStdout(), res.Dependencies)
		},
	}
}

func newBlastCmd(a *app) *cobra.Command {
	var planID string
	var scope []string
	cmd := &cobra.Command{
		Use:   "blast",
		Short: "Compute the execution-graph blast radius of stages or jobs",
		Long: `Compute which stages and jobs of a plan depend on the scope
(upstream), which the scope depends on (downstream) and the scope's
direct children (affected).

Examples:
  plangraph blast --tenant acme --plan <plan-id> --scope <stage-id>,<job-id>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireTenant(); err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, st, err := a.service(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			br, err := svc.Blast.CalculateBlastRadius(ctx, planID, scope, a.tenant)
			if err != nil {
				return err
			}
			return printRadius(cmd.OutOrStdout(), br, a.jsonOut)
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "Plan node id")
	cmd.Flags().StringSliceVar(&scope, "scope", nil, "Scope node ids")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func newContainmentCmd(a *app) *cobra.Command {
	var ids []string
	cmd := &cobra.Command{
		Use:   "containment",
		Short: "Compute the tree-containment blast radius of nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireTenant(); err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, st, err := a.service(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			for _, id := range ids {
				if _, err := svc.Tree.GetNode(ctx, a.tenant, id); err != nil {
					return err
				}
			}
			br, err := svc.Resolver.ComputeContainmentBlastRadius(ctx, ids)
			if err != nil {
				return err
			}
			return printRadius(cmd.OutOrStdout(), br, a.jsonOut)
		},
	}
	cmd.Flags().StringSliceVar(&ids, "nodes", nil, "Node ids")
	_ = cmd.MarkFlagRequired("nodes")
	return cmd
}

func printNodes(w io.Writer, nodes []*model.Node) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tID\tNAME\tPATH")
	for _, n := range nodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.Type, n.ID, n.Name, n.Path)
	}
	return tw.Flush()
}

func printRadius(w io.Writer, br model.BlastRadius, asJSON bool) error {
	if asJSON {
		return writeJSON(w, br)
	}
	fmt.Fprintf(w, "kind:       %s\n", br.Kind)
	fmt.Fprintf(w, "upstream:   %s\n", strings.Join(br.Upstream, ", "))
	fmt.Fprintf(w, "downstream: %s\n", strings.Join(br.Downstream, ", "))
	fmt.Fprintf(w, "affected:   %s\n", strings.Join(br.Affected, ", "))
	return nil
}
