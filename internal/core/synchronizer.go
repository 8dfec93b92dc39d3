package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"cc-client/internal/metrics"
	"cc-client/internal/security"
	"cc-client/internal/terminal"
)

const (
	DefaultRefreshDebounce = time.Second
	DefaultCols            = 120
	DefaultRows            = 30

	backgroundRefreshTimeout = 15 * time.Second
)

// API is the control plane's REST surface.
type API interface {
	Configure(baseURL, token string, tlsSkipVerify bool)
	ListServers(ctx context.Context) ([]Server, error)
	ListSessions(ctx context.Context, serverID string) ([]Session, error)
	CreateSession(ctx context.Context, req StartSessionRequest) (Session, error)
	StopSession(ctx context.Context, sessionID string, req StopSessionRequest) error
	DeleteSession(ctx context.Context, sessionID string, req StopSessionRequest) error
	ListEvents(ctx context.Context, sessionID string) ([]SessionEvent, error)
}

// PushHandler receives decoded pushes and connection changes from a
// Transport, sequentially per connection.
type PushHandler interface {
	HandleMessage(msg Message)
	HandleConnection(connected bool)
}

// Transport is the realtime connection to the control plane.
type Transport interface {
	Configure(baseURL, token string, tlsSkipVerify bool)
	SetHandler(h PushHandler)
	Connect()
	Disconnect(reconnect bool)
	Send(env Envelope) bool
}

type ChangeKind int

const (
	ChangeServers ChangeKind = iota + 1
	ChangeSessions
	ChangeApprovals
	ChangeConnection
	ChangeAttachment
	ChangeNotice
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeServers:
		return "servers"
	case ChangeSessions:
		return "sessions"
	case ChangeApprovals:
		return "approvals"
	case ChangeConnection:
		return "connection"
	case ChangeAttachment:
		return "attachment"
	case ChangeNotice:
		return "notice"
	default:
		return "unknown"
	}
}

// Change tells an observer which part of the mirror moved. Notices carry
// the control plane's error text.
type Change struct {
	Kind      ChangeKind
	SessionID string
	Message   string
}

type Options struct {
	Settings  Settings
	API       API
	Transport Transport
	Clock     clock.WithDelayedExecution
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	// Observer runs on the owner goroutine. It must not call blocking
	// Synchronizer methods.
	Observer func(Change)
}

// State is a copy of the mirror at one point in time.
type State struct {
	Servers        []Server       `json:"servers"`
	Sessions       []Session      `json:"sessions"`
	Approvals      []SessionEvent `json:"approvals"`
	SelectedServer string         `json:"selected_server,omitempty"`
	Attached       string         `json:"attached,omitempty"`
	Connected      bool           `json:"connected"`
	Started        bool           `json:"started"`
	Hint           string         `json:"hint,omitempty"`
	Cols           int            `json:"cols"`
	Rows           int            `json:"rows"`
	Following      bool           `json:"following"`
	Buffered       int            `json:"buffered_bytes"`
}

// Synchronizer mirrors servers, sessions and approvals, owns the attached
// session and reconciles pushes with REST snapshots. All mutable state is
// confined to one owner goroutine fed by a mailbox.
type Synchronizer struct {
	api       API
	transport Transport
	clock     clock.WithDelayedExecution
	logger    *slog.Logger
	metrics   *metrics.Metrics
	observer  func(Change)
	guard     *ActionGuard

	mbox      *mailbox
	closeOnce sync.Once

	// Owner goroutine only.
	settings       Settings
	servers        []Server
	sessions       []Session
	approvals      map[string]*SessionEvent
	selectedServer string
	attached       string
	attachFresh    bool
	connected      bool
	cols, rows     int
	started        bool
	paused         bool
	autoConnect    bool
	hint           string
	refreshTimer   clock.Timer
	refreshGen     uint64
	buffer         *terminal.Buffer
}

func NewSynchronizer(opts Options) *Synchronizer {
	s := &Synchronizer{
		api:         opts.API,
		transport:   opts.Transport,
		clock:       opts.Clock,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		observer:    opts.Observer,
		mbox:        newMailbox(),
		settings:    normalizeSettings(opts.Settings),
		approvals:   make(map[string]*SessionEvent),
		autoConnect: true,
		buffer:      terminal.NewBuffer(),
	}
	if s.clock == nil {
		s.clock = clock.RealClock{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.guard = NewActionGuard(s.clock, 1, DefaultActionWindow)
	s.cols, s.rows = s.settings.Cols, s.settings.Rows
	s.buffer.OnEvict = s.metrics.Evicted
	go s.mbox.run()
	return s
}

func normalizeSettings(st Settings) Settings {
	if st.RefreshDebounce <= 0 {
		st.RefreshDebounce = DefaultRefreshDebounce
	}
	if st.Cols <= 0 {
		st.Cols = DefaultCols
	}
	if st.Rows <= 0 {
		st.Rows = DefaultRows
	}
	return st
}

// post queues fn for the owner goroutine. Safe from any goroutine.
func (s *Synchronizer) post(fn func()) bool {
	return s.mbox.push(fn)
}

// do runs fn on the owner goroutine and waits. Never call it from the owner
// goroutine itself.
func (s *Synchronizer) do(fn func()) error {
	done := make(chan struct{})
	if !s.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	<-done
	return nil
}

func (s *Synchronizer) notify(kind ChangeKind, sessionID, message string) {
	if s.observer != nil {
		s.observer(Change{Kind: kind, SessionID: sessionID, Message: message})
	}
}

// Close stops the connection and the owner goroutine.
func (s *Synchronizer) Close() {
	s.closeOnce.Do(func() {
		_ = s.do(func() {
			s.stopRefreshTimer()
			s.transport.Disconnect(false)
			s.buffer.Detach()
		})
		s.mbox.close()
	})
}

// Start wires the transport, applies settings and, unless the connection
// policy blocks it, connects and refreshes both lists. Later calls only
// re-wire the transport.
func (s *Synchronizer) Start(ctx context.Context) error {
	first, allowed := false, false
	if err := s.do(func() {
		s.transport.SetHandler(pushHandler{s})
		if s.started {
			return
		}
		s.started, first = true, true
		s.applySettings(s.settings)
		allowed = s.autoConnect
		if allowed {
			s.transport.Connect()
		} else {
			s.setConnected(false)
		}
	}); err != nil {
		return err
	}
	if !first || !allowed {
		return nil
	}
	return s.refreshAll(ctx)
}

// Pause drops the connection for a lifecycle transition such as going to
// the background.
func (s *Synchronizer) Pause() {
	_ = s.do(func() {
		s.paused = true
		s.transport.Disconnect(false)
	})
}

// Resume reconnects and refreshes, but only after a Pause.
func (s *Synchronizer) Resume(ctx context.Context) error {
	resumed := false
	if err := s.do(func() {
		if !s.paused {
			return
		}
		s.paused = false
		if !s.autoConnect {
			s.setConnected(false)
			return
		}
		resumed = true
		if !s.connected {
			s.transport.Connect()
		}
	}); err != nil {
		return err
	}
	if !resumed {
		return nil
	}
	return s.refreshAll(ctx)
}

// Reconfigure swaps the endpoint, reconnects and refreshes.
func (s *Synchronizer) Reconfigure(ctx context.Context, st Settings) error {
	if err := security.ValidateBaseURL(st.BaseURL); err != nil {
		return fmt.Errorf("reconfigure: %w", err)
	}
	allowed := false
	if err := s.do(func() {
		s.applySettings(normalizeSettings(st))
		s.transport.Disconnect(false)
		if !s.autoConnect {
			s.setConnected(false)
			return
		}
		allowed = true
		s.transport.Connect()
	}); err != nil {
		return err
	}
	if !allowed {
		return nil
	}
	return s.refreshAll(ctx)
}

func (s *Synchronizer) applySettings(st Settings) {
	s.settings = st
	s.api.Configure(st.BaseURL, st.Token, st.TLSSkipVerify)
	s.transport.Configure(st.BaseURL, st.Token, st.TLSSkipVerify)
	s.autoConnect, s.hint = security.ConnectionPolicy(st.BaseURL, st.DenyLoopback)
	if !s.autoConnect {
		s.logger.Warn("auto-connect blocked", "base_url", st.BaseURL)
		s.notify(ChangeNotice, "", s.hint)
	}
}

func (s *Synchronizer) setConnected(c bool) {
	if s.connected == c {
		return
	}
	s.connected = c
	s.notify(ChangeConnection, "", "")
}

func (s *Synchronizer) refreshAll(ctx context.Context) error {
	return errors.Join(s.RefreshServers(ctx), s.RefreshSessions(ctx))
}

// RefreshServers replaces the server mirror and selects the first server
// when none is selected.
func (s *Synchronizer) RefreshServers(ctx context.Context) error {
	servers, err := s.api.ListServers(ctx)
	s.metrics.Refreshed("servers")
	if err != nil {
		s.logger.Warn("refresh servers failed", "err", err)
		return fmt.Errorf("list servers: %w", err)
	}
	return s.do(func() {
		s.servers = servers
		if s.selectedServer == "" && len(servers) > 0 {
			s.selectedServer = servers[0].ServerID
		}
		s.notify(ChangeServers, "", "")
	})
}

// RefreshSessions replaces the session mirror with the selected server's
// sessions.
func (s *Synchronizer) RefreshSessions(ctx context.Context) error {
	var serverID string
	if err := s.do(func() { serverID = s.selectedServer }); err != nil {
		return err
	}
	sessions, err := s.api.ListSessions(ctx, serverID)
	s.metrics.Refreshed("sessions")
	if err != nil {
		s.logger.Warn("refresh sessions failed", "server_id", serverID, "err", err)
		return fmt.Errorf("list sessions: %w", err)
	}
	return s.do(func() {
		s.sessions = sessions
		s.notify(ChangeSessions, "", "")
	})
}

// SelectServer changes the selected server and reloads its sessions.
func (s *Synchronizer) SelectServer(ctx context.Context, serverID string) error {
	if err := s.do(func() {
		s.selectedServer = serverID
		s.notify(ChangeServers, "", "")
	}); err != nil {
		return err
	}
	return s.RefreshSessions(ctx)
}

// scheduleRefresh restarts the debounce window; only the last trigger in a
// burst fetches.
func (s *Synchronizer) scheduleRefresh() {
	s.stopRefreshTimer()
	s.refreshGen++
	gen := s.refreshGen
	s.refreshTimer = s.clock.AfterFunc(s.settings.RefreshDebounce, func() {
		s.post(func() { s.fireRefresh(gen) })
	})
}

func (s *Synchronizer) stopRefreshTimer() {
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}
}

func (s *Synchronizer) fireRefresh(gen uint64) {
	if gen != s.refreshGen {
		return
	}
	s.refreshTimer = nil
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundRefreshTimeout)
		defer cancel()
		_ = s.RefreshSessions(ctx)
	}()
}

// Snapshot returns a copy of the mirror.
func (s *Synchronizer) Snapshot() State {
	var st State
	_ = s.do(func() {
		st = State{
			Servers:        append([]Server(nil), s.servers...),
			Sessions:       append([]Session(nil), s.sessions...),
			Approvals:      s.sortedApprovals(false),
			SelectedServer: s.selectedServer,
			Attached:       s.attached,
			Connected:      s.connected,
			Started:        s.started,
			Hint:           s.hint,
			Cols:           s.cols,
			Rows:           s.rows,
			Following:      s.buffer.Following(),
			Buffered:       s.buffer.Buffered(),
		}
	})
	return st
}

func (s *Synchronizer) Connected() bool { return s.Snapshot().Connected }

// Hint is the advisory shown while auto-connect is blocked by policy.
func (s *Synchronizer) Hint() string { return s.Snapshot().Hint }

// PendingApprovals lists unresolved approvals, newest first.
func (s *Synchronizer) PendingApprovals() []SessionEvent {
	var out []SessionEvent
	_ = s.do(func() { out = s.sortedApprovals(true) })
	return out
}

func (s *Synchronizer) sortedApprovals(pendingOnly bool) []SessionEvent {
	out := make([]SessionEvent, 0, len(s.approvals))
	for _, ev := range s.approvals {
		if pendingOnly && ev.Resolved {
			continue
		}
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TsMS != out[j].TsMS {
			return out[i].TsMS > out[j].TsMS
		}
		return out[i].EventID > out[j].EventID
	})
	return out
}

func (s *Synchronizer) pendingCount() int {
	n := 0
	for _, ev := range s.approvals {
		if !ev.Resolved {
			n++
		}
	}
	return n
}

type pushHandler struct{ s *Synchronizer }

func (h pushHandler) HandleMessage(msg Message) {
	h.s.post(func() { h.s.applyMessage(msg) })
}

func (h pushHandler) HandleConnection(connected bool) {
	h.s.post(func() { h.s.connectionChanged(connected) })
}
