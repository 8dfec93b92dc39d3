package httpapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"cc-client/internal/core"
	"cc-client/internal/metrics"
)

const defaultTimeout = 15 * time.Second

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

type Options struct {
	BaseURL       string
	Token         string
	TLSSkipVerify bool
	Timeout       time.Duration
	Metrics       *metrics.Metrics
}

// Client talks to the control plane's /api endpoints. Configure may be
// called at any time; in-flight requests keep the settings they started with.
type Client struct {
	mu      sync.RWMutex
	baseURL string
	token   string
	http    *http.Client
	timeout time.Duration
	metrics *metrics.Metrics
}

func NewClient(opts Options) *Client {
	c := &Client{timeout: opts.Timeout, metrics: opts.Metrics}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	c.Configure(opts.BaseURL, opts.Token, opts.TLSSkipVerify)
	return c
}

func (c *Client) Configure(baseURL, token string, tlsSkipVerify bool) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in development mode
	}
	c.mu.Lock()
	c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	c.token = token
	c.http = &http.Client{Timeout: c.timeout, Transport: transport}
	c.mu.Unlock()
}

func (c *Client) ListServers(ctx context.Context) ([]core.Server, error) {
	var resp struct {
		Servers []core.Server `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/servers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

// ListSessions lists sessions, optionally limited to one server.
func (c *Client) ListSessions(ctx context.Context, serverID string) ([]core.Session, error) {
	path := "/api/sessions"
	if serverID != "" {
		path += "?server_id=" + url.QueryEscape(serverID)
	}
	var resp struct {
		Sessions []core.Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) CreateSession(ctx context.Context, req core.StartSessionRequest) (core.Session, error) {
	var sess core.Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions", req, &sess); err != nil {
		return core.Session{}, err
	}
	return sess, nil
}

func (c *Client) StopSession(ctx context.Context, sessionID string, req core.StopSessionRequest) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/stop", req, nil)
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string, req core.StopSessionRequest) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID), req, nil)
}

func (c *Client) ListEvents(ctx context.Context, sessionID string) ([]core.SessionEvent, error) {
	var resp struct {
		Events []core.SessionEvent `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID)+"/events", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// CheckConnection probes the server list endpoint with opts without touching
// the receiver's configuration.
func CheckConnection(ctx context.Context, opts Options) error {
	_, err := NewClient(opts).ListServers(ctx)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (err error) {
	defer func() { c.metrics.Request(method, err) }()

	c.mu.RLock()
	base, token, hc := c.baseURL, c.token, c.http
	c.mu.RUnlock()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
