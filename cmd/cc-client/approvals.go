package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cc-client/internal/core"
)

func (a *app) approvalsCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List approval prompts waiting for an answer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			eng, err := a.startEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()
			if err := eng.loadAllApprovals(ctx); err != nil {
				return err
			}
			pending := eng.PendingApprovals()
			printApprovals(a.out, pending, time.Now())
			if !watch {
				return nil
			}

			seen := make(map[string]bool, len(pending))
			for _, ev := range pending {
				seen[ev.EventID] = true
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case ch := <-eng.changes:
					if ch.Kind != core.ChangeApprovals {
						continue
					}
					var fresh []core.SessionEvent
					for _, ev := range eng.PendingApprovals() {
						if !seen[ev.EventID] {
							seen[ev.EventID] = true
							fresh = append(fresh, ev)
						}
					}
					if len(fresh) > 0 {
						printApprovals(a.out, fresh, time.Now())
					}
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep running and print new approvals as they arrive")
	return cmd
}

// resolveCmd builds approve and reject; kind is also the action sent.
func (a *app) resolveCmd(kind string) *cobra.Command {
	return &cobra.Command{
		Use:   kind + " EVENT",
		Short: fmt.Sprintf("Send %s for a pending approval", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.startEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()
			if err := eng.waitConnected(ctx); err != nil {
				return err
			}
			if err := eng.loadAllApprovals(ctx); err != nil {
				return err
			}
			eventID := args[0]
			if err := eng.ResolveApproval(eventID, kind); err != nil {
				return fmt.Errorf("%s %s: %w", kind, eventID, err)
			}
			fmt.Fprintf(a.out, "%s sent for %s\n", kind, eventID)
			return nil
		},
	}
}
