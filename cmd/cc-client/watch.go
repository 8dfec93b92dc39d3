package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cc-client/internal/config"
	"cc-client/internal/core"
	httpapi "cc-client/internal/http"
	"cc-client/internal/metrics"
	"cc-client/internal/security"
)

const shutdownTimeout = 5 * time.Second

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and log every change",
		Long: `watch keeps the realtime connection open and logs server, session,
approval and connection changes. With --metrics-addr it also serves
/metrics, /healthz and /state. Edits to the config file are applied live.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			eng, err := a.startEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.close()

			g, gctx := errgroup.WithContext(ctx)
			if addr := a.cfg.MetricsAddr; addr != "" {
				srv := &http.Server{
					Addr:              addr,
					Handler:           newDebugRouter(eng, a.reg),
					ReadHeaderTimeout: 5 * time.Second,
				}
				g.Go(func() error {
					a.logger.Info("debug server listening", "addr", addr)
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("debug server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					return srv.Shutdown(sctx)
				})
			}
			if path := a.v.ConfigFileUsed(); path != "" {
				a.logger.Info("watching config file", "path", path)
				config.Watch(a.v, func(cfg config.Config, err error) {
					if err != nil {
						a.logger.Warn("config reload rejected", "err", err)
						return
					}
					if err := eng.Reconfigure(gctx, cfg.Settings()); err != nil {
						a.logger.Warn("reconfigure failed", "err", err)
						return
					}
					a.logger.Info("config reloaded", "base_url", cfg.BaseURL)
				})
			}
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case ch := <-eng.changes:
						a.logChange(eng, ch)
					}
				}
			})
			return g.Wait()
		},
	}
}

func (a *app) logChange(eng *engine, ch core.Change) {
	switch ch.Kind {
	case core.ChangeConnection:
		a.logger.Info("connection changed", "connected", eng.Connected())
	case core.ChangeApprovals:
		a.logger.Info("approvals changed", "session_id", ch.SessionID, "pending", len(eng.PendingApprovals()))
	case core.ChangeNotice:
		a.logger.Warn("control plane notice", "session_id", ch.SessionID, "message", ch.Message)
	default:
		a.logger.Info("mirror changed", "kind", ch.Kind.String(), "session_id", ch.SessionID)
	}
}

type stateSource interface {
	Snapshot() core.State
}

func newDebugRouter(src stateSource, g prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "connected": src.Snapshot().Connected})
	})
	r.Get("/state", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, src.Snapshot())
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(g))
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the base url and token against the control plane",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			err := httpapi.CheckConnection(ctx, httpapi.Options{
				BaseURL:       a.cfg.BaseURL,
				Token:         a.cfg.Token,
				TLSSkipVerify: a.cfg.TLSSkipVerify,
				Metrics:       a.metrics,
			})
			if err != nil {
				return fmt.Errorf("%s: %w", a.cfg.BaseURL, err)
			}
			fmt.Fprintf(a.out, "%s %s\n", a.cfg.BaseURL, okStyle.Render("ok"))
			if security.IsLoopbackURL(a.cfg.BaseURL) {
				fmt.Fprintln(a.out, dimStyle.Render(security.LoopbackHint))
			}
			return nil
		},
	}
}
