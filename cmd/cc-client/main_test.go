package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cc-client/internal/core"
	"cc-client/internal/cptest"
	"cc-client/internal/metrics"
)

func run(t *testing.T, cp *cptest.Server, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	var out bytes.Buffer
	cmd := newRootCmd(&out, io.Discard)
	cmd.SetArgs(append([]string{"--base-url", cp.URL, "--token", cp.Token, "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestServersCommand(t *testing.T) {
	cp := cptest.New(t)
	cp.AddServer(core.Server{ServerID: "srv-1", Hostname: "build-box", OS: "linux", Arch: "amd64", Tags: []string{"gpu", "lab"}})
	cp.AddServer(core.Server{ServerID: "srv-2", Hostname: "laptop", Status: core.ServerOffline})

	out, err := run(t, cp, "servers")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "HOSTNAME")
	assert.Contains(t, lines[1], "build-box")
	assert.Contains(t, lines[1], "linux/amd64")
	assert.Contains(t, lines[1], "gpu,lab")
	assert.Contains(t, lines[2], "offline")
}

func TestServersCommandBadToken(t *testing.T) {
	cp := cptest.New(t)
	_, err := run(t, cp, "servers", "--token", "wrong-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestSessionsFilterByServer(t *testing.T) {
	cp := cptest.New(t)
	cp.AddSession(core.Session{SessionID: "aaaaaaaa-0001", ServerID: "srv-a", Cwd: "/work/a"})
	cp.AddSession(core.Session{SessionID: "bbbbbbbb-0002", ServerID: "srv-b", Cwd: "/work/b", AwaitingApproval: true})

	out, err := run(t, cp, "sessions", "--server", "srv-a")
	require.NoError(t, err)
	assert.Contains(t, out, "aaaaaaaa")
	assert.Contains(t, out, "/work/a")
	assert.NotContains(t, out, "bbbbbbbb")

	out, err = run(t, cp, "sessions")
	require.NoError(t, err)
	assert.Contains(t, out, "bbbbbbbb")
	assert.Contains(t, out, "waiting")
}

func TestEventsCommand(t *testing.T) {
	cp := cptest.New(t)
	cp.AddSession(core.Session{SessionID: "abcdef12-3456", ServerID: "srv"})
	cp.AddEvent(core.SessionEvent{
		EventID: "ev-1", SessionID: "abcdef12-3456", ServerID: "srv",
		Kind: core.KindApprovalNeeded, TsMS: time.Now().UnixMilli(), PromptText: "Allow   write\nto disk?",
	})

	out, err := run(t, cp, "events", "abcdef")
	require.NoError(t, err)
	assert.Contains(t, out, "ev-1")
	assert.Contains(t, out, "Allow write to disk?")
}

func TestStopResolvesPrefix(t *testing.T) {
	cp := cptest.New(t)
	cp.AddServer(core.Server{ServerID: "srv"})
	cp.AddSession(core.Session{SessionID: "abcdef12-3456", ServerID: "srv"})

	out, err := run(t, cp, "stop", "abcdef")
	require.NoError(t, err)
	assert.Equal(t, "stopping abcdef12\n", out)
	assert.Equal(t, 1, cp.Count(http.MethodPost, "/api/sessions/abcdef12-3456/stop"))
}

func TestStopAmbiguousPrefix(t *testing.T) {
	cp := cptest.New(t)
	cp.AddServer(core.Server{ServerID: "srv"})
	cp.AddSession(core.Session{SessionID: "abc1-0000", ServerID: "srv"})
	cp.AddSession(core.Session{SessionID: "abc2-0000", ServerID: "srv"})

	_, err := run(t, cp, "stop", "abc")
	require.ErrorIs(t, err, core.ErrAmbiguousSession)

	_, err = run(t, cp, "stop", "zzz")
	require.ErrorIs(t, err, core.ErrUnknownSession)
}

func TestRmRefusesRunningSession(t *testing.T) {
	cp := cptest.New(t)
	cp.AddServer(core.Server{ServerID: "srv"})
	cp.AddSession(core.Session{SessionID: "abcdef12-3456", ServerID: "srv"})

	_, err := run(t, cp, "rm", "abcdef12")
	require.ErrorIs(t, err, core.ErrSessionRunning)
	assert.Zero(t, cp.Count(http.MethodDelete, "/api/sessions/abcdef12-3456"))
}

func TestRmDeletesFinishedSessionOnAnyServer(t *testing.T) {
	cp := cptest.New(t)
	cp.AddServer(core.Server{ServerID: "srv-a"})
	cp.AddServer(core.Server{ServerID: "srv-b"})
	cp.AddSession(core.Session{SessionID: "abcdef12-3456", ServerID: "srv-b", Status: core.SessionExited})

	out, err := run(t, cp, "rm", "abcdef12")
	require.NoError(t, err)
	assert.Equal(t, "deleted abcdef12\n", out)
	assert.Equal(t, 1, cp.Count(http.MethodDelete, "/api/sessions/abcdef12-3456"))
	_, ok := cp.Session("abcdef12-3456")
	assert.False(t, ok)
}

func TestNewDetached(t *testing.T) {
	cp := cptest.New(t)
	cp.AddServer(core.Server{ServerID: "srv", AllowRoots: []string{"/work"}})

	out, err := run(t, cp, "new", "--cwd", "/work/repo", "--env", "A=1", "--env", "B=x,y", "--detach")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "created "), out)
	assert.Contains(t, out, " on srv")

	var body core.StartSessionRequest
	for _, r := range cp.Requests() {
		if r.Method == http.MethodPost && r.Path == "/api/sessions" {
			require.NoError(t, json.Unmarshal(r.Body, &body))
		}
	}
	assert.Equal(t, "srv", body.ServerID)
	assert.Equal(t, "/work/repo", body.Cwd)
	assert.Equal(t, map[string]string{"A": "1", "B": "x,y"}, body.Env)
}

func TestNewRejectsCwdOutsideRoots(t *testing.T) {
	cp := cptest.New(t)
	cp.AddServer(core.Server{ServerID: "srv", AllowRoots: []string{"/work"}})

	_, err := run(t, cp, "new", "--cwd", "/etc", "--detach")
	require.Error(t, err)
	assert.Zero(t, cp.Count(http.MethodPost, "/api/sessions"))
}

func TestNewRejectsBadEnv(t *testing.T) {
	cp := cptest.New(t)
	_, err := run(t, cp, "new", "--cwd", "/work", "--env", "NOVALUE", "--detach")
	require.Error(t, err)
	assert.Empty(t, cp.Requests())
}

func TestResumeDetached(t *testing.T) {
	cp := cptest.New(t)
	cp.AddServer(core.Server{ServerID: "srv"})
	cp.AddSession(core.Session{SessionID: "abcdef12-3456", ServerID: "srv", Cwd: "/work", ResumeID: "conv-9", Status: core.SessionExited})

	out, err := run(t, cp, "resume", "abcdef", "-d")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "resumed abcdef12 as "), out)

	_, err = run(t, cp, "resume", "nope", "-d")
	require.ErrorIs(t, err, core.ErrUnknownSession)
}

func TestApproveSendsAction(t *testing.T) {
	cp := cptest.New(t)
	cp.AddServer(core.Server{ServerID: "srv"})
	cp.AddSession(core.Session{SessionID: "s1", ServerID: "srv", AwaitingApproval: true, PendingEventID: "ev-1"})
	cp.AddEvent(core.SessionEvent{EventID: "ev-1", SessionID: "s1", ServerID: "srv", Kind: core.KindApprovalNeeded, TsMS: 10})

	out, err := run(t, cp, "approve", "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "approve sent for ev-1\n", out)

	require.Eventually(t, func() bool {
		return len(cp.ReceivedOfType("action")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	action := cp.ReceivedOfType("action")[0]
	assert.Equal(t, "s1", action.SessionID)
	assert.JSONEq(t, `{"kind":"approve","event_id":"ev-1"}`, string(action.Data))
}

func TestRejectUnknownEvent(t *testing.T) {
	cp := cptest.New(t)
	cp.AddServer(core.Server{ServerID: "srv"})

	_, err := run(t, cp, "reject", "ev-404")
	require.ErrorIs(t, err, core.ErrUnknownApproval)
	assert.Empty(t, cp.ReceivedOfType("action"))
}

func TestApprovalsListsPendingAcrossServers(t *testing.T) {
	cp := cptest.New(t)
	cp.AddServer(core.Server{ServerID: "srv-a"})
	cp.AddServer(core.Server{ServerID: "srv-b"})
	cp.AddSession(core.Session{SessionID: "s-aaaaaaaa", ServerID: "srv-a", AwaitingApproval: true})
	cp.AddSession(core.Session{SessionID: "s-bbbbbbbb", ServerID: "srv-b", AwaitingApproval: true})
	cp.AddEvent(core.SessionEvent{EventID: "ev-a", SessionID: "s-aaaaaaaa", ServerID: "srv-a", Kind: core.KindApprovalNeeded, TsMS: 1})
	cp.AddEvent(core.SessionEvent{EventID: "ev-b", SessionID: "s-bbbbbbbb", ServerID: "srv-b", Kind: core.KindApprovalNeeded, TsMS: 2})
	cp.AddEvent(core.SessionEvent{EventID: "ev-old", SessionID: "s-bbbbbbbb", ServerID: "srv-b", Kind: core.KindApprovalNeeded, TsMS: 0, Resolved: true})

	out, err := run(t, cp, "approvals")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "ev-b", "newest first")
	assert.Contains(t, lines[2], "ev-a")
	assert.NotContains(t, out, "ev-old")
}

func TestCheckCommand(t *testing.T) {
	cp := cptest.New(t)
	out, err := run(t, cp, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "localhost", "loopback hint")

	cp.Fail("GET /api/servers", http.StatusServiceUnavailable, "down")
	_, err = run(t, cp, "check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestInvalidConfigFails(t *testing.T) {
	cp := cptest.New(t)
	_, err := run(t, cp, "servers", "--base-url", "ftp://example.com")
	require.Error(t, err)
	assert.Empty(t, cp.Requests())
}

func TestPumpInput(t *testing.T) {
	tests := []struct {
		name    string
		chunks  []string
		want    []string
		wantErr error
	}{
		{name: "plain", chunks: []string{"ls\r", "pwd\r"}, want: []string{"ls\r", "pwd\r"}, wantErr: errDetached},
		{name: "detach mid chunk", chunks: []string{"ab\x1dcd"}, want: []string{"ab"}, wantErr: errDetached},
		{name: "detach alone", chunks: []string{"x", "\x1d", "never"}, want: []string{"x"}, wantErr: errDetached},
		{name: "ctrl-c is forwarded", chunks: []string{"\x03"}, want: []string{"\x03"}, wantErr: errDetached},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			input := make(chan []byte, len(tc.chunks))
			for _, c := range tc.chunks {
				input <- []byte(c)
			}
			close(input)
			var sent []string
			err := pumpInput(context.Background(), input, func(p []byte) { sent = append(sent, string(p)) })
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, tc.want, sent)
		})
	}
}

func TestPumpInputStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pumpInput(ctx, make(chan []byte), func([]byte) { t.Fatal("unexpected send") })
	assert.NoError(t, err)
}

func TestEnded(t *testing.T) {
	sessions := []core.Session{
		{SessionID: "run", Status: core.SessionRunning},
		{SessionID: "done", Status: core.SessionExited},
	}
	assert.False(t, ended(sessions, "run"))
	assert.True(t, ended(sessions, "done"))
	assert.False(t, ended(sessions, "missing"))
}

type staticState core.State

func (s staticState) Snapshot() core.State { return core.State(s) }

func TestDebugRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ConnectionOpened()
	srv := httptest.NewServer(newDebugRouter(staticState{
		Connected: true,
		Attached:  "s1",
		Sessions:  []core.Session{{SessionID: "s1", ServerID: "srv", Status: core.SessionRunning}},
	}, reg))
	defer srv.Close()

	get := func(path string) string {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(b)
	}

	assert.JSONEq(t, `{"ok":true,"connected":true}`, get("/healthz"))

	var st struct {
		Attached  string         `json:"attached"`
		Connected bool           `json:"connected"`
		Sessions  []core.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal([]byte(get("/state")), &st))
	assert.Equal(t, "s1", st.Attached)
	assert.True(t, st.Connected)
	require.Len(t, st.Sessions, 1)

	assert.Contains(t, get("/metrics"), "cc_client_ws_connected 1")
}

func TestRenderTableAligns(t *testing.T) {
	var b bytes.Buffer
	renderTable(&b, []string{"A", "LONGER"}, [][]string{{"wide-cell", "x"}, {"y", "z"}})
	lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	// The header may carry styling escapes; measure its visible offset.
	col := lipgloss.Width(lines[0][:strings.Index(lines[0], "LONGER")])
	assert.Equal(t, col, strings.Index(lines[1], "x"))
	assert.Equal(t, col, strings.Index(lines[2], "z"))
}

func TestAge(t *testing.T) {
	now := time.UnixMilli(10_000_000)
	assert.Equal(t, "-", age(0, now))
	assert.Equal(t, "5s", age(now.Add(-5*time.Second).UnixMilli(), now))
	assert.Equal(t, "3m", age(now.Add(-3*time.Minute).UnixMilli(), now))
	assert.Equal(t, "2h", age(now.Add(-2*time.Hour).UnixMilli(), now))
	assert.Equal(t, "3d", age(now.Add(-72*time.Hour).UnixMilli(), now))
}
