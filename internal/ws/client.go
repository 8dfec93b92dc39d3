package ws

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"k8s.io/utils/clock"

	"cc-client/internal/core"
	"cc-client/internal/metrics"
)

const (
	clientPath       = "/ws/client"
	sendQueueSize    = 256
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	flushPoll        = 10 * time.Millisecond

	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 30 * time.Second
)

// Handler receives everything the connection produces. Calls never overlap,
// connected signals alternate, and a generation that was torn down delivers
// nothing further.
type Handler = core.PushHandler

type Options struct {
	BaseURL       string
	Token         string
	TLSSkipVerify bool

	Clock       clock.WithTicker
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Client owns the single websocket to the control plane and reconnects it
// with exponential backoff until Disconnect(false) is called.
type Client struct {
	mu            sync.Mutex
	baseURL       string
	token         string
	tlsSkipVerify bool

	handler  Handler
	clock    clock.WithTicker
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clientID string

	backoffBase time.Duration
	backoffCap  time.Duration
	backoff     retry.Backoff

	state           core.ConnectionState
	gen             uint64
	shouldReconnect bool
	cancel          context.CancelFunc
	conn            *websocket.Conn
	send            chan []byte
	inflight        atomic.Int64

	// dispatch serializes handler calls. upGen is the generation last
	// reported connected, 0 when none; it is guarded by dispatch.
	dispatch sync.Mutex
	upGen    uint64

	// onSchedule observes every backoff delay; tests only.
	onSchedule func(time.Duration)
}

func NewClient(opts Options) *Client {
	c := &Client{
		clock:       opts.Clock,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		clientID:    uuid.NewString(),
		backoffBase: opts.BackoffBase,
		backoffCap:  opts.BackoffCap,
		handler:     nopHandler{},
	}
	if c.clock == nil {
		c.clock = clock.RealClock{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.backoffBase <= 0 {
		c.backoffBase = DefaultBackoffBase
	}
	if c.backoffCap <= 0 {
		c.backoffCap = DefaultBackoffCap
	}
	c.logger = c.logger.With("client_id", c.clientID)
	c.backoff = c.newBackoff()
	c.Configure(opts.BaseURL, opts.Token, opts.TLSSkipVerify)
	return c
}

func (c *Client) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(c.backoffCap, retry.NewExponential(c.backoffBase))
}

// Configure only records the endpoint; the next Connect uses it.
func (c *Client) Configure(baseURL, token string, tlsSkipVerify bool) {
	c.mu.Lock()
	c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	c.token = token
	c.tlsSkipVerify = tlsSkipVerify
	c.mu.Unlock()
}

func (c *Client) SetHandler(h Handler) {
	if h == nil {
		h = nopHandler{}
	}
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) ClientID() string { return c.clientID }

func (c *Client) State() core.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool { return c.State() == core.Connected }

// Connect drops any current connection and dials a new one. Automatic
// reconnection is re-enabled.
func (c *Client) Connect() {
	c.mu.Lock()
	old := c.gen
	c.teardownLocked()
	c.shouldReconnect = true
	ctx, gen := c.armLocked()
	c.state = core.Connecting
	c.mu.Unlock()

	go func() {
		c.signalDown(old)
		c.run(ctx, gen)
	}()
}

// Disconnect closes the connection. With reconnect=false no further
// automatic reconnect happens until the next Connect; with reconnect=true a
// reconnect is scheduled on the normal backoff.
func (c *Client) Disconnect(reconnect bool) {
	c.mu.Lock()
	if !reconnect {
		c.shouldReconnect = false
	}
	old := c.gen
	c.teardownLocked()
	c.state = core.Disconnected
	ctx, gen := c.armLocked()
	var delay time.Duration
	retrying := c.shouldReconnect
	if retrying {
		delay = c.nextDelayLocked()
	}
	c.mu.Unlock()

	c.signalDown(old)
	if retrying {
		c.scheduleReconnect(ctx, gen, delay)
	}
}

// Send queues one frame. It reports false, and drops the frame, when the
// socket is not open or the send queue is full.
func (c *Client) Send(env core.Envelope) bool {
	frame, err := core.Encode(env)
	if err != nil {
		c.logger.Warn("encode outbound frame failed", "type", env.Type, "err", err)
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != core.Connected || c.send == nil {
		c.metrics.SendDropped("disconnected")
		c.logger.Debug("ws send dropped", "type", env.Type, "reason", "disconnected")
		return false
	}
	select {
	case c.send <- frame:
		c.inflight.Add(1)
		return true
	default:
		c.metrics.SendDropped("queue_full")
		c.logger.Warn("ws send dropped", "type", env.Type, "reason", "queue_full")
		return false
	}
}

// Flush waits until every queued frame has been written to the socket.
// Short-lived callers use it before Disconnect so a final action is not lost.
func (c *Client) Flush(ctx context.Context) error {
	ticker := c.clock.NewTicker(flushPoll)
	defer ticker.Stop()
	for {
		if c.inflight.Load() <= 0 {
			return nil
		}
		if !c.Connected() {
			return core.ErrNotConnected
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// teardownLocked cancels the current generation and closes its socket. The
// caller arms the next generation.
func (c *Client) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.send = nil
}

func (c *Client) armLocked() (context.Context, uint64) {
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	return ctx, c.gen
}

func (c *Client) nextDelayLocked() time.Duration {
	d, _ := c.backoff.Next()
	return d
}

func (c *Client) run(ctx context.Context, gen uint64) {
	c.mu.Lock()
	wsURL, err := WSURL(c.baseURL, c.token)
	token, insecure := c.token, c.tlsSkipVerify
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("ws url invalid", "err", err)
		c.lost(gen)
		return
	}

	conn, err := c.dial(ctx, wsURL, token, insecure)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("ws connect failed", "err", err)
		}
		c.lost(gen)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	send := make(chan []byte, sendQueueSize)
	c.conn = conn
	c.send = send
	c.inflight.Store(0)
	c.state = core.Connected
	c.backoff = c.newBackoff()
	c.mu.Unlock()

	if !c.signalUp(gen) {
		_ = conn.Close()
		return
	}

	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(conn, send, done)
	}()

	err = c.readLoop(conn, gen)
	close(done)
	<-writerDone
	_ = conn.Close()
	if ctx.Err() == nil {
		c.logger.Warn("ws disconnected", "err", err)
	}
	c.lost(gen)
}

func (c *Client) dial(ctx context.Context, wsURL, token string, insecure bool) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Client-ID", c.clientID)
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	if insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in development mode
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (c *Client) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case frame := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.TextMessage, frame)
			c.inflight.Add(-1)
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// readLoop dispatches frames until the socket fails. Frames that do not
// decode are skipped.
func (c *Client) readLoop(conn *websocket.Conn, gen uint64) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, ok := core.Decode(frame)
		if !ok {
			c.metrics.FrameIgnored()
			c.logger.Debug("ws frame ignored", "bytes", len(frame))
			continue
		}
		c.metrics.FrameReceived(msg.MessageType())
		c.deliver(gen, msg)
	}
}

// signalUp reports gen as connected. It reports false, and signals nothing,
// when gen was torn down before its handshake could be announced.
func (c *Client) signalUp(gen uint64) bool {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	c.mu.Lock()
	current := gen == c.gen && c.state == core.Connected
	h := c.handler
	c.mu.Unlock()
	if !current {
		return false
	}
	if c.upGen != 0 {
		c.metrics.ConnectionClosed()
		h.HandleConnection(false)
	}
	c.upGen = gen
	c.logger.Info("ws connected")
	c.metrics.ConnectionOpened()
	h.HandleConnection(true)
	return true
}

// signalDown reports gen as disconnected if it was the one reported up.
func (c *Client) signalDown(gen uint64) {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	if gen == 0 || c.upGen != gen {
		return
	}
	c.upGen = 0
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	c.metrics.ConnectionClosed()
	h.HandleConnection(false)
}

// deliver hands msg to the handler unless gen is no longer the live one.
func (c *Client) deliver(gen uint64, msg core.Message) {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()
	c.mu.Lock()
	current := gen == c.gen
	h := c.handler
	c.mu.Unlock()
	if !current || c.upGen != gen {
		c.logger.Debug("ws frame from closed connection dropped", "type", msg.MessageType())
		return
	}
	h.HandleMessage(msg)
}

// lost handles the end of generation gen. A superseded generation does
// nothing: whoever replaced it owns the state.
func (c *Client) lost(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	ended := gen
	c.conn = nil
	c.send = nil
	c.state = core.Disconnected
	retrying := c.shouldReconnect
	var (
		ctx   context.Context
		delay time.Duration
	)
	if retrying {
		ctx, gen = c.armLocked()
		delay = c.nextDelayLocked()
	}
	c.mu.Unlock()

	c.signalDown(ended)
	if retrying {
		c.scheduleReconnect(ctx, gen, delay)
	}
}

func (c *Client) scheduleReconnect(ctx context.Context, gen uint64, delay time.Duration) {
	c.metrics.ReconnectScheduled(delay)
	c.logger.Info("ws reconnect scheduled", "delay", delay)
	if c.onSchedule != nil {
		c.onSchedule(delay)
	}
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(delay):
		}
		c.mu.Lock()
		if gen != c.gen || !c.shouldReconnect {
			c.mu.Unlock()
			return
		}
		ctx, gen := c.armLocked()
		c.state = core.Connecting
		c.mu.Unlock()
		c.run(ctx, gen)
	}()
}

// WSURL derives the client socket URL from the REST base URL. The token is
// repeated in the query for transports that cannot set headers.
func WSURL(baseURL, token string) (string, error) {
	base, err := NormalizeWSURL(strings.TrimRight(baseURL, "/") + clientPath)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func NormalizeWSURL(base string) (string, error) {
	if strings.HasPrefix(base, "ws://") || strings.HasPrefix(base, "wss://") {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

type nopHandler struct{}

func (nopHandler) HandleMessage(core.Message) {}
func (nopHandler) HandleConnection(bool)      {}
