// Package cptest runs an in-process control plane double: the REST API and
// the client websocket, backed by in-memory state that tests can drive.
package cptest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cc-client/internal/core"
)

const DefaultToken = "admin-dev-token"

// Request is one REST call as seen by the server.
type Request struct {
	Method string
	Path   string
	Query  string
	Body   []byte
}

// Handshake records the credentials presented on a websocket upgrade.
type Handshake struct {
	Authorization string
	QueryToken    string
	ClientID      string
}

type failure struct {
	code int
	body string
}

type Server struct {
	URL   string
	Token string

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	servers     []core.Server
	sessions    []*core.Session
	events      map[string][]core.SessionEvent
	screens     map[string][]byte
	requests    []Request
	handshakes  []Handshake
	received    []core.Envelope
	clients     map[*clientConn]struct{}
	failures    map[string]failure
	rejectWS    bool
	broadcastOn bool
}

type clientConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *clientConn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// New starts a server on a loopback port. It is closed with t's cleanup.
func New(t interface{ Cleanup(func()) }) *Server {
	s := &Server{
		Token:       DefaultToken,
		events:      make(map[string][]core.SessionEvent),
		screens:     make(map[string][]byte),
		clients:     make(map[*clientConn]struct{}),
		failures:    make(map[string]failure),
		broadcastOn: true,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.srv = httptest.NewServer(s.Router())
	s.URL = s.srv.URL
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Close() {
	s.DropClients()
	s.srv.Close()
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)
	r.Get("/ws/client", s.handleClientWS)
	r.Get("/api/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Group(func(r chi.Router) {
		r.Use(s.withAuth, s.withFailures)
		r.Get("/api/servers", s.handleServers)
		r.Get("/api/sessions", s.handleListSessions)
		r.Post("/api/sessions", s.handleCreateSession)
		r.Post("/api/sessions/{id}/stop", s.handleStopSession)
		r.Delete("/api/sessions/{id}", s.handleDeleteSession)
		r.Get("/api/sessions/{id}/events", s.handleEvents)
	})
	return r
}

// AddServer registers a server; status defaults to online.
func (s *Server) AddServer(srv core.Server) {
	if srv.Status == "" {
		srv.Status = core.ServerOnline
	}
	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.mu.Unlock()
}

func (s *Server) AddSession(sess core.Session) {
	if sess.Status == "" {
		sess.Status = core.SessionRunning
	}
	s.mu.Lock()
	s.sessions = append(s.sessions, &sess)
	s.mu.Unlock()
}

func (s *Server) Session(id string) (core.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.findLocked(id); sess != nil {
		return *sess, true
	}
	return core.Session{}, false
}

// UpdateSession changes the stored record without notifying clients.
func (s *Server) UpdateSession(id string, fn func(*core.Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.findLocked(id); sess != nil {
		fn(sess)
	}
}

// AddEvent stores ev for the events endpoint without pushing it.
func (s *Server) AddEvent(ev core.SessionEvent) {
	s.mu.Lock()
	s.events[ev.SessionID] = append(s.events[ev.SessionID], ev)
	s.mu.Unlock()
}

// SetScreen sets the bytes replayed as term_out right after attach_ok.
func (s *Server) SetScreen(sessionID string, p []byte) {
	s.mu.Lock()
	s.screens[sessionID] = append([]byte(nil), p...)
	s.mu.Unlock()
}

// Fail makes "METHOD /path" answer with code and body until cleared with
// code 0.
func (s *Server) Fail(route string, code int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code == 0 {
		delete(s.failures, route)
		return
	}
	s.failures[route] = failure{code: code, body: body}
}

// RejectWebsockets makes websocket upgrades fail with 503.
func (s *Server) RejectWebsockets(reject bool) {
	s.mu.Lock()
	s.rejectWS = reject
	s.mu.Unlock()
}

// BroadcastUpdates controls whether stop requests push session_update.
func (s *Server) BroadcastUpdates(on bool) {
	s.mu.Lock()
	s.broadcastOn = on
	s.mu.Unlock()
}

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns how many requests matched method and path.
func (s *Server) Count(method, path string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

func (s *Server) Handshakes() []Handshake {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Handshake(nil), s.handshakes...)
}

// Received returns the frames clients sent, in arrival order.
func (s *Server) Received() []core.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Envelope(nil), s.received...)
}

// ReceivedOfType filters Received by envelope type.
func (s *Server) ReceivedOfType(typ string) []core.Envelope {
	var out []core.Envelope
	for _, env := range s.Received() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// DropClients closes every client socket from the server side.
func (s *Server) DropClients() {
	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

// Push sends env to every connected client.
func (s *Server) Push(env core.Envelope) {
	frame, _ := json.Marshal(env)
	s.PushRaw(frame)
}

// PushRaw sends frame verbatim to every connected client.
func (s *Server) PushRaw(frame []byte) {
	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.write(frame)
	}
}

func (s *Server) PushTermOut(sessionID string, seq uint64, p []byte) {
	s.Push(core.Envelope{
		Type:      "term_out",
		SessionID: sessionID,
		Seq:       seq,
		DataB64:   base64.StdEncoding.EncodeToString(p),
	})
}

// PushEvent stores ev and pushes it as an event frame.
func (s *Server) PushEvent(ev core.SessionEvent) {
	s.AddEvent(ev)
	data, _ := json.Marshal(ev)
	s.Push(core.Envelope{Type: "event", ServerID: ev.ServerID, SessionID: ev.SessionID, TsMS: ev.TsMS, Data: data})
}

// PushSessionUpdate pushes a session_update with exactly the given data keys.
func (s *Server) PushSessionUpdate(sessionID string, data map[string]any) {
	raw, _ := json.Marshal(data)
	s.Push(core.Envelope{Type: "session_update", SessionID: sessionID, TsMS: time.Now().UnixMilli(), Data: raw})
}

func (s *Server) findLocked(id string) *core.Session {
	for _, sess := range s.sessions {
		if sess.SessionID == id {
			return sess
		}
	}
	return nil
}

func (s *Server) serverLocked(id string) *core.Server {
	for i := range s.servers {
		if s.servers[i].ServerID == id {
			return &s.servers[i]
		}
	}
	return nil
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := Request{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery}
		if r.Body != nil && r.Method != http.MethodGet {
			body, _ := io.ReadAll(r.Body)
			req.Body = body
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := extractToken(r); token == "" || token != s.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		f, ok := s.failures[r.Method+" "+r.URL.Path]
		s.mu.Unlock()
		if ok {
			http.Error(w, f.body, f.code)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	servers := append([]core.Server{}, s.servers...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	serverID := r.URL.Query().Get("server_id")
	s.mu.Lock()
	out := make([]core.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if serverID == "" || sess.ServerID == serverID {
			out = append(out, *sess)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req core.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	srv := s.serverLocked(req.ServerID)
	if srv == nil || !srv.Online() {
		s.mu.Unlock()
		http.Error(w, "server offline", http.StatusServiceUnavailable)
		return
	}
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sess := &core.Session{
		SessionID:   uuid.NewString(),
		ServerID:    req.ServerID,
		Cwd:         req.Cwd,
		Cmd:         []string{"claude"},
		ResumeID:    req.ResumeID,
		EnvKeys:     keys,
		Status:      core.SessionRunning,
		CreatedBy:   "ui:" + extractToken(r),
		CreatedAtMS: time.Now().UnixMilli(),
	}
	if req.ResumeID != "" {
		sess.Cmd = append(sess.Cmd, "--resume", req.ResumeID)
	}
	s.sessions = append(s.sessions, sess)
	out := *sess
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	sess := s.findLocked(id)
	if sess == nil {
		s.mu.Unlock()
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	sess.Status = core.SessionStopped
	broadcast := s.broadcastOn
	s.mu.Unlock()
	if broadcast {
		s.PushSessionUpdate(id, map[string]any{"session_id": id, "status": string(core.SessionStopped)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sess := range s.sessions {
		if sess.SessionID == id {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}
	http.Error(w, "session not found", http.StatusNotFound)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	events := append([]core.SessionEvent{}, s.events[id]...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.handshakes = append(s.handshakes, Handshake{
		Authorization: r.Header.Get("Authorization"),
		QueryToken:    r.URL.Query().Get("token"),
		ClientID:      r.Header.Get("X-Client-ID"),
	})
	reject := s.rejectWS
	s.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if token := extractToken(r); token == "" || token != s.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	cc := &clientConn{conn: conn}
	s.mu.Lock()
	s.clients[cc] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, cc)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var msg core.Envelope
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()
		if msg.Type != "attach" {
			continue
		}
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.SessionID == "" {
			_ = cc.write(errorFrame("bad_attach_payload", msg.SessionID))
			continue
		}
		s.mu.Lock()
		known := s.findLocked(req.SessionID) != nil
		screen := append([]byte(nil), s.screens[req.SessionID]...)
		s.mu.Unlock()
		if !known {
			_ = cc.write(errorFrame("session not found", req.SessionID))
			continue
		}
		ack, _ := json.Marshal(map[string]any{"session_id": req.SessionID, "latest_seq": 0})
		frame, _ := json.Marshal(core.Envelope{Type: "attach_ok", SessionID: req.SessionID, Data: ack})
		_ = cc.write(frame)
		if len(screen) > 0 {
			out, _ := json.Marshal(core.Envelope{
				Type:      "term_out",
				SessionID: req.SessionID,
				DataB64:   base64.StdEncoding.EncodeToString(screen),
			})
			_ = cc.write(out)
		}
	}
}

func errorFrame(reason, sessionID string) []byte {
	data, _ := json.Marshal(map[string]any{"message": reason})
	frame, _ := json.Marshal(core.Envelope{Type: "error", SessionID: sessionID, Data: data})
	return frame
}

func extractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
