package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cc_client"

// Metrics holds the engine's collectors. A nil *Metrics is valid and records
// nothing, so components can take one optionally.
type Metrics struct {
	Connects        prometheus.Counter
	Disconnects     prometheus.Counter
	Connected       prometheus.Gauge
	ReconnectDelay  prometheus.Histogram
	FramesReceived  *prometheus.CounterVec
	FramesDropped   prometheus.Counter
	SendsDropped    *prometheus.CounterVec
	TermOutBytes    prometheus.Counter
	TermOutDiscards prometheus.Counter
	BufferEvicted   prometheus.Counter
	Refreshes       *prometheus.CounterVec
	RESTRequests    *prometheus.CounterVec
	PendingApproval prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_connects_total",
			Help:      "Successful websocket opens",
		}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_disconnects_total",
			Help:      "Websocket connections lost or closed",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connected",
			Help:      "1 while the websocket is open",
		}),
		ReconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ws_reconnect_delay_seconds",
			Help:      "Backoff delay scheduled before each reconnect",
			Buckets:   []float64{1, 2, 4, 8, 16, 30},
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_frames_received_total",
			Help:      "Decoded inbound frames by message type",
		}, []string{"type"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_frames_ignored_total",
			Help:      "Inbound frames that were malformed, unknown or ignored",
		}),
		SendsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_sends_dropped_total",
			Help:      "Outbound frames dropped by reason",
		}, []string{"reason"}),
		TermOutBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "term_out_bytes_total",
			Help:      "Terminal output bytes delivered to the output buffer",
		}),
		TermOutDiscards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "term_out_discarded_total",
			Help:      "term_out frames for sessions that were not attached",
		}),
		BufferEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_evicted_bytes_total",
			Help:      "Bytes evicted from the detached output buffer",
		}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "REST refreshes by collection",
		}, []string{"collection"}),
		RESTRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rest_requests_total",
			Help:      "REST requests by method and outcome",
		}, []string{"method", "outcome"}),
		PendingApproval: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_approvals",
			Help:      "Unresolved approvals in the mirror",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Connects,
			m.Disconnects,
			m.Connected,
			m.ReconnectDelay,
			m.FramesReceived,
			m.FramesDropped,
			m.SendsDropped,
			m.TermOutBytes,
			m.TermOutDiscards,
			m.BufferEvicted,
			m.Refreshes,
			m.RESTRequests,
			m.PendingApproval,
		)
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connects.Inc()
	m.Connected.Set(1)
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Disconnects.Inc()
	m.Connected.Set(0)
}

func (m *Metrics) ReconnectScheduled(d time.Duration) {
	if m == nil {
		return
	}
	m.ReconnectDelay.Observe(d.Seconds())
}

func (m *Metrics) FrameReceived(msgType string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) FrameIgnored() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

func (m *Metrics) SendDropped(reason string) {
	if m == nil {
		return
	}
	m.SendsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) TermOut(n int) {
	if m == nil {
		return
	}
	m.TermOutBytes.Add(float64(n))
}

func (m *Metrics) TermOutDiscarded() {
	if m == nil {
		return
	}
	m.TermOutDiscards.Inc()
}

func (m *Metrics) Evicted(n int) {
	if m == nil {
		return
	}
	m.BufferEvicted.Add(float64(n))
}

func (m *Metrics) Refreshed(collection string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(collection).Inc()
}

func (m *Metrics) Request(method string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.RESTRequests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) SetPendingApprovals(n int) {
	if m == nil {
		return
	}
	m.PendingApproval.Set(float64(n))
}
