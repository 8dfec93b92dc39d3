package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

func (a *app) serversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List registered servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			servers, err := a.rest().ListServers(ctx)
			if err != nil {
				return err
			}
			printServers(a.out, servers, time.Now())
			return nil
		},
	}
}

func (a *app) sessionsCmd() *cobra.Command {
	var serverID string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions, optionally for one server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			sessions, err := a.rest().ListSessions(ctx, serverID)
			if err != nil {
				return err
			}
			printSessions(a.out, sessions, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&serverID, "server", "", "only list sessions on this server")
	return cmd
}

func (a *app) eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events SESSION",
		Short: "Show a session's event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			api := a.rest()
			sess, err := resolveSession(ctx, api, args[0])
			if err != nil {
				return err
			}
			events, err := api.ListEvents(ctx, sess.SessionID)
			if err != nil {
				return err
			}
			printEvents(a.out, events, time.Now())
			return nil
		},
	}
}
