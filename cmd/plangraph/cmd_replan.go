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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newReplanCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replan",
		Short: "Inspect replan sessions",
	}
	cmd.AddCommand(newReplanListCmd(a), newReplanDiffCmd(a))
	return cmd
}

func newReplanListCmd(a *app) *cobra.Command {
	var planID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a plan's replan sessions, oldest first",
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

			list, err := svc.Replans.ListReplanSessions(ctx, a.tenant, planID)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tSCOPE\tCREATED BY\tCREATED")
			for _, s := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s x%d\t%s\t%s\n",
					s.ID, s.Status, s.ScopeType, len(s.ScopeNodeIDs), s.CreatedBy,
					s.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "Plan node id")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func newReplanDiffCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <session-id>",
		Short: "Compare a session's snapshot with the current nodes",
		Args:  cobra.ExactArgs(1),
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

			sess, err := svc.Replans.GetReplanSession(ctx, args[0])
			if err != nil {
				return err
			}
			if sess.TenantID != a.tenant {
				return fmt.Errorf("session %s not found", args[0])
			}
			d, err := svc.Replans.DiffSnapshot(ctx, sess.ID)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			out := cmd.OutOrStdout()
			if d.Empty() {
				fmt.Fprintln(out, "no changes since the session was created")
				return nil
			}
			for _, n := range d.Added {
				fmt.Fprintf(out, "+ %s %s\n", n.ID, n.Path)
			}
			for _, n := range d.Removed {
				fmt.Fprintf(out, "- %s %s\n", n.ID, n.Path)
			}
			for _, c := range d.Modified {
				fmt.Fprintf(out, "~ %s %v\n", c.NodeID, c.Fields)
			}
			return nil
		},
	}
}
