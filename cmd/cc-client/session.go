package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cc-client/internal/core"
	"cc-client/internal/security"
)

func (a *app) attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "attach SESSION",
		Short:       "Attach this terminal to a session (Ctrl-] detaches)",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{annotationRaw: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.startEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()
			sess, err := resolveSession(ctx, eng.rest, args[0])
			if err != nil {
				return err
			}
			if err := eng.SelectServer(ctx, sess.ServerID); err != nil {
				return err
			}
			if err := eng.waitConnected(ctx); err != nil {
				return err
			}
			return a.interactive(ctx, eng, sess.SessionID)
		},
	}
}

func (a *app) newCmd() *cobra.Command {
	var (
		serverID string
		cwd      string
		resumeID string
		env      []string
		detach   bool
	)
	cmd := &cobra.Command{
		Use:         "new",
		Short:       "Start a session and attach to it",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationRaw: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			vars, err := security.ParseEnv(env)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			eng, err := a.startEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()
			if serverID != "" {
				if err := eng.SelectServer(ctx, serverID); err != nil {
					return err
				}
			}
			created, err := eng.CreateSession(ctx, core.NewSession{Cwd: cwd, ResumeID: resumeID, Env: vars})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "created %s on %s\n", created.SessionID, created.ServerID)
			if detach {
				return nil
			}
			if err := eng.waitConnected(ctx); err != nil {
				return err
			}
			return a.interactive(ctx, eng, created.SessionID)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&serverID, "server", "", "server to start on (default: first registered)")
	fs.StringVar(&cwd, "cwd", "", "working directory on the server")
	fs.StringVar(&resumeID, "resume", "", "claude conversation id to continue")
	fs.StringArrayVar(&env, "env", nil, "KEY=VALUE for the session environment (repeatable)")
	fs.BoolVarP(&detach, "detach", "d", false, "print the session id instead of attaching")
	_ = cmd.MarkFlagRequired("cwd")
	return cmd
}

func (a *app) resumeCmd() *cobra.Command {
	var detach bool
	cmd := &cobra.Command{
		Use:         "resume SESSION",
		Short:       "Start a new session continuing SESSION's conversation",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{annotationRaw: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.startEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()
			sess, err := resolveSession(ctx, eng.rest, args[0])
			if err != nil {
				return err
			}
			created, err := eng.ResumeSession(ctx, sess)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "resumed %s as %s\n", sess.ShortID(), created.SessionID)
			if detach {
				return nil
			}
			if err := eng.waitConnected(ctx); err != nil {
				return err
			}
			return a.interactive(ctx, eng, created.SessionID)
		},
	}
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "print the session id instead of attaching")
	return cmd
}

func (a *app) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop SESSION",
		Short: "Ask the agent to stop a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.startEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()
			sess, err := resolveSession(ctx, eng.rest, args[0])
			if err != nil {
				return err
			}
			if err := eng.StopSession(ctx, sess.SessionID); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "stopping %s\n", sess.ShortID())
			return nil
		},
	}
}

func (a *app) rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm SESSION",
		Short: "Delete a session that is no longer running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.startEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()
			sess, err := resolveSession(ctx, eng.rest, args[0])
			if err != nil {
				return err
			}
			if err := eng.SelectServer(ctx, sess.ServerID); err != nil {
				return err
			}
			if err := eng.DeleteSession(ctx, sess.SessionID); err != nil {
				return fmt.Errorf("%s: %w", sess.ShortID(), err)
			}
			fmt.Fprintf(a.out, "deleted %s\n", sess.ShortID())
			return nil
		},
	}
}
