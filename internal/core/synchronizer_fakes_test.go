package core

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

type fakeAPI struct {
	mu               sync.Mutex
	servers          []Server
	sessions         []Session
	events           map[string][]SessionEvent
	configured       []string
	serverCalls      int
	sessionCalls     int
	sessionFilters   []string
	created          []StartSessionRequest
	stopped          map[string]StopSessionRequest
	deleted          []string
	createErr        error
	listSessionsErr  error
	nextSessionIndex int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{events: make(map[string][]SessionEvent), stopped: make(map[string]StopSessionRequest)}
}

func (a *fakeAPI) Configure(baseURL, token string, tlsSkipVerify bool) {
	a.mu.Lock()
	a.configured = append(a.configured, baseURL)
	a.mu.Unlock()
}

func (a *fakeAPI) ListServers(context.Context) ([]Server, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.serverCalls++
	return append([]Server(nil), a.servers...), nil
}

func (a *fakeAPI) ListSessions(_ context.Context, serverID string) ([]Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionCalls++
	a.sessionFilters = append(a.sessionFilters, serverID)
	if a.listSessionsErr != nil {
		return nil, a.listSessionsErr
	}
	var out []Session
	for _, s := range a.sessions {
		if serverID == "" || s.ServerID == serverID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (a *fakeAPI) CreateSession(_ context.Context, req StartSessionRequest) (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.createErr != nil {
		return Session{}, a.createErr
	}
	a.created = append(a.created, req)
	a.nextSessionIndex++
	sess := Session{
		SessionID: fmt.Sprintf("new-session-%d", a.nextSessionIndex),
		ServerID:  req.ServerID,
		Cwd:       req.Cwd,
		ResumeID:  req.ResumeID,
		Status:    SessionRunning,
	}
	a.sessions = append(a.sessions, sess)
	return sess, nil
}

func (a *fakeAPI) StopSession(_ context.Context, id string, req StopSessionRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped[id] = req
	return nil
}

func (a *fakeAPI) DeleteSession(_ context.Context, id string, _ StopSessionRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, id)
	kept := a.sessions[:0]
	for _, s := range a.sessions {
		if s.SessionID != id {
			kept = append(kept, s)
		}
	}
	a.sessions = kept
	return nil
}

func (a *fakeAPI) ListEvents(_ context.Context, id string) ([]SessionEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SessionEvent(nil), a.events[id]...), nil
}

func (a *fakeAPI) sessionCallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionCalls
}

// fakeTransport records outbound envelopes and lets tests play the server.
type fakeTransport struct {
	mu          sync.Mutex
	handler     PushHandler
	connected   bool
	baseURL     string
	sent        []Envelope
	connects    int
	disconnects int
}

func (f *fakeTransport) Configure(baseURL, token string, tlsSkipVerify bool) {
	f.mu.Lock()
	f.baseURL = baseURL
	f.mu.Unlock()
}

func (f *fakeTransport) SetHandler(h PushHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeTransport) Connect() {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
}

func (f *fakeTransport) Disconnect(reconnect bool) {
	f.mu.Lock()
	f.disconnects++
	was := f.connected
	f.connected = false
	h := f.handler
	f.mu.Unlock()
	if was && h != nil {
		h.HandleConnection(false)
	}
}

func (f *fakeTransport) Send(env Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.sent = append(f.sent, env)
	return true
}

func (f *fakeTransport) open() {
	f.mu.Lock()
	f.connected = true
	h := f.handler
	f.mu.Unlock()
	h.HandleConnection(true)
}

func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.connected = false
	h := f.handler
	f.mu.Unlock()
	h.HandleConnection(false)
}

func (f *fakeTransport) push(msg Message) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h.HandleMessage(msg)
}

func (f *fakeTransport) takeSent() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

func (f *fakeTransport) counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

type recorder struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	scrolls    int
	cols, rows int
}

func (r *recorder) Feed(p []byte) {
	r.mu.Lock()
	r.buf.Write(p)
	r.mu.Unlock()
}

func (r *recorder) ScrollTo(float64) {
	r.mu.Lock()
	r.scrolls++
	r.mu.Unlock()
}

func (r *recorder) Size() (int, int) { return r.cols, r.rows }

func (r *recorder) fed() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (c *changeLog) observe(ch Change) {
	c.mu.Lock()
	c.changes = append(c.changes, ch)
	c.mu.Unlock()
}

func (c *changeLog) kinds() []ChangeKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChangeKind, 0, len(c.changes))
	for _, ch := range c.changes {
		out = append(out, ch.Kind)
	}
	return out
}

func (c *changeLog) notices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ch := range c.changes {
		if ch.Kind == ChangeNotice {
			out = append(out, ch.Message)
		}
	}
	return out
}

type harness struct {
	s   *Synchronizer
	api *fakeAPI
	tr  *fakeTransport
	clk *testingclock.FakeClock
	log *changeLog
	ctx context.Context
}

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()
	if settings.BaseURL == "" {
		settings.BaseURL = "http://10.0.0.1:18080"
	}
	if settings.Token == "" {
		settings.Token = "admin-dev-token"
	}
	h := &harness{
		api: newFakeAPI(),
		tr:  &fakeTransport{},
		clk: testingclock.NewFakeClock(time.Unix(1000, 0)),
		log: &changeLog{},
		ctx: context.Background(),
	}
	h.s = NewSynchronizer(Options{
		Settings:  settings,
		API:       h.api,
		Transport: h.tr,
		Clock:     h.clk,
		Observer:  h.log.observe,
	})
	t.Cleanup(h.s.Close)
	return h
}

// started seeds one server with sessions, starts the engine and opens the
// fake socket.
func (h *harness) started(t *testing.T, sessions ...Session) {
	t.Helper()
	h.api.servers = []Server{{ServerID: "srv", Hostname: "build-1", Status: ServerOnline, AllowRoots: []string{"/srv"}}}
	h.api.sessions = sessions
	require.NoError(t, h.s.Start(h.ctx))
	h.tr.open()
	h.sync()
}

// sync waits until everything posted so far has run on the owner goroutine.
func (h *harness) sync() State { return h.s.Snapshot() }
