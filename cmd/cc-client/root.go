package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cc-client/internal/config"
	"cc-client/internal/core"
	httpapi "cc-client/internal/http"
	"cc-client/internal/metrics"
	"cc-client/internal/ws"
)

const (
	// annotationRaw marks commands that take over the terminal; their logs
	// are kept off the screen unless --log-file is set.
	annotationRaw = "raw-terminal"

	changeBuffer   = 256
	flushTimeout   = 2 * time.Second
	connectTimeout = 10 * time.Second
	requestTimeout = 15 * time.Second
)

type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     config.Config

	out    io.Writer
	errOut io.Writer

	logger  *slog.Logger
	logFile *os.File
	reg     *prometheus.Registry
	metrics *metrics.Metrics
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{v: config.New(), out: out, errOut: errOut}
	root := &cobra.Command{
		Use:   "cc-client",
		Short: "Drive Claude Code sessions through the control plane",
		Long: `cc-client talks to a Claude Code control plane: it lists servers and
sessions, attaches your terminal to a remote session, starts, resumes, stops
and removes sessions, and answers approval prompts.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.shutdown()
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	fs := root.PersistentFlags()
	fs.StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.cc-client.yaml)")
	config.RegisterFlags(fs)

	root.AddCommand(
		a.serversCmd(),
		a.sessionsCmd(),
		a.eventsCmd(),
		a.attachCmd(),
		a.newCmd(),
		a.resumeCmd(),
		a.stopCmd(),
		a.rmCmd(),
		a.approvalsCmd(),
		a.resolveCmd("approve"),
		a.resolveCmd("reject"),
		a.watchCmd(),
		a.checkCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if err := config.BindFlags(a.v, cmd.Root().PersistentFlags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, _ := config.ParseLevel(cfg.LogLevel)
	var w io.Writer = a.errOut
	switch {
	case cfg.LogFile != "":
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		a.logFile = f
		w = f
	case cmd.Annotations[annotationRaw] != "" && level < slog.LevelError:
		level = slog.LevelError
	}
	a.logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.reg)
	return nil
}

func (a *app) shutdown() {
	if a.logFile != nil {
		_ = a.logFile.Close()
		a.logFile = nil
	}
}

func (a *app) rest() *httpapi.Client {
	return httpapi.NewClient(httpapi.Options{
		BaseURL:       a.cfg.BaseURL,
		Token:         a.cfg.Token,
		TLSSkipVerify: a.cfg.TLSSkipVerify,
		Metrics:       a.metrics,
	})
}

// engine is a started Synchronizer plus the clients it runs on.
type engine struct {
	*core.Synchronizer
	rest    *httpapi.Client
	conn    *ws.Client
	changes chan core.Change
}

func (a *app) startEngine(ctx context.Context) (*engine, error) {
	e := &engine{
		rest:    a.rest(),
		changes: make(chan core.Change, changeBuffer),
	}
	e.conn = ws.NewClient(ws.Options{
		BaseURL:       a.cfg.BaseURL,
		Token:         a.cfg.Token,
		TLSSkipVerify: a.cfg.TLSSkipVerify,
		Logger:        a.logger,
		Metrics:       a.metrics,
	})
	e.Synchronizer = core.NewSynchronizer(core.Options{
		Settings:  a.cfg.Settings(),
		API:       e.rest,
		Transport: e.conn,
		Logger:    a.logger,
		Metrics:   a.metrics,
		Observer: func(ch core.Change) {
			select {
			case e.changes <- ch:
			default:
			}
		},
	})
	if err := e.Start(ctx); err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

// close flushes queued frames before tearing the connection down.
func (e *engine) close() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := e.conn.Flush(ctx); err != nil && !errors.Is(err, core.ErrNotConnected) {
		slog.Warn("flush before close failed", "err", err)
	}
	e.Close()
}

func (e *engine) waitConnected(ctx context.Context) error {
	if hint := e.Hint(); hint != "" {
		return errors.New(hint)
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.Connected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("control plane websocket: %w", core.ErrNotConnected)
		case <-ticker.C:
		}
	}
}

// resolveSession looks ref up across every server.
func resolveSession(ctx context.Context, api core.API, ref string) (core.Session, error) {
	sessions, err := api.ListSessions(ctx, "")
	if err != nil {
		return core.Session{}, fmt.Errorf("list sessions: %w", err)
	}
	sess, err := core.FindSession(sessions, ref)
	if err != nil {
		return core.Session{}, fmt.Errorf("session %q: %w", ref, err)
	}
	return sess, nil
}

// loadAllApprovals walks every server so approvals outside the selected
// one are mirrored too. The first server stays selected afterwards.
func (e *engine) loadAllApprovals(ctx context.Context) error {
	st := e.Snapshot()
	for _, srv := range st.Servers {
		if err := e.SelectServer(ctx, srv.ServerID); err != nil {
			return err
		}
		if err := e.LoadPendingApprovals(ctx); err != nil {
			return err
		}
	}
	if st.SelectedServer != "" && len(st.Servers) > 1 {
		return e.SelectServer(ctx, st.SelectedServer)
	}
	return nil
}
