// Package metrics records connection, message and horizontal adapter metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
	"strconv"
	"time"
)

// Sink receives every metric the server emits. Implementations must be safe for
// concurrent use.
type Sink interface {
	MarkNewConnection(appID string)
	MarkDisconnection(appID string)
	MarkAPIMessage(appID string, incomingBytes, sentBytes int)
	MarkWSMessageSent(appID string, bytes int)
	MarkWSMessageReceived(appID string, bytes int)

	MarkHorizontalAdapterRequestSent(appID string)
	MarkHorizontalAdapterRequestReceived(appID string)
	MarkHorizontalAdapterResponseReceived(appID string)
	TrackHorizontalAdapterResolveTime(appID string, elapsed time.Duration)
	// TrackHorizontalAdapterResolvedPromises records the outcome of one aggregate
	// request: resolved with every response, or timed out.
	TrackHorizontalAdapterResolvedPromises(appID string, resolved bool)
}

type Nop struct{}

func (Nop) MarkNewConnection(string)                                {}
func (Nop) MarkDisconnection(string)                                {}
func (Nop) MarkAPIMessage(string, int, int)                         {}
func (Nop) MarkWSMessageSent(string, int)                           {}
func (Nop) MarkWSMessageReceived(string, int)                       {}
func (Nop) MarkHorizontalAdapterRequestSent(string)                 {}
func (Nop) MarkHorizontalAdapterRequestReceived(string)             {}
func (Nop) MarkHorizontalAdapterResponseReceived(string)            {}
func (Nop) TrackHorizontalAdapterResolveTime(string, time.Duration) {}
func (Nop) TrackHorizontalAdapterResolvedPromises(string, bool)     {}

// Prometheus exposes the sink on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	connected           *prometheus.GaugeVec
	newConnections      *prometheus.CounterVec
	disconnections      *prometheus.CounterVec
	socketReceivedBytes *prometheus.CounterVec
	socketSentBytes     *prometheus.CounterVec
	wsMessagesReceived  *prometheus.CounterVec
	wsMessagesSent      *prometheus.CounterVec
	httpReceivedBytes   *prometheus.CounterVec
	httpSentBytes       *prometheus.CounterVec
	httpCalls           *prometheus.CounterVec
	resolveTime         *prometheus.HistogramVec
	resolvedPromises    *prometheus.CounterVec
	uncompletePromises  *prometheus.CounterVec
	requestsSent        *prometheus.CounterVec
	requestsReceived    *prometheus.CounterVec
	responsesReceived   *prometheus.CounterVec
}

// NewPrometheus registers the collectors under prefix (e.g. "realtime_"). port is
// attached as a constant label so several servers can share a scrape target.
func NewPrometheus(prefix string, port int) *Prometheus {
	constLabels := prometheus.Labels{"port": strconv.Itoa(port)}
	appLabel := []string{"app_id"}

	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        prefix + name,
			Help:        help,
			ConstLabels: constLabels,
		}, appLabel)
	}

	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        prefix + "connected",
			Help:        "Current number of open websocket connections",
			ConstLabels: constLabels,
		}, appLabel),
		newConnections:      counter("new_connections_total", "Total websocket connections opened"),
		disconnections:      counter("new_disconnections_total", "Total websocket connections closed"),
		socketReceivedBytes: counter("socket_received_bytes", "Bytes received over websocket connections"),
		socketSentBytes:     counter("socket_transmitted_bytes", "Bytes sent over websocket connections"),
		wsMessagesReceived:  counter("ws_messages_received", "Websocket frames received"),
		wsMessagesSent:      counter("ws_messages_sent", "Websocket frames sent"),
		httpReceivedBytes:   counter("http_received_bytes", "Bytes received by the HTTP API"),
		httpSentBytes:       counter("http_transmitted_bytes", "Bytes sent by the HTTP API"),
		httpCalls:           counter("http_calls_received_total", "HTTP API calls received"),
		resolveTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        prefix + "horizontal_adapter_resolve_time",
			Help:        "Time spent resolving cluster-wide aggregate requests, in seconds",
			ConstLabels: constLabels,
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1, 2},
		}, appLabel),
		resolvedPromises:   counter("horizontal_adapter_resolved_promises", "Aggregate requests resolved by every known node"),
		uncompletePromises: counter("horizontal_adapter_uncomplete_promises", "Aggregate requests resolved by deadline with partial results"),
		requestsSent:       counter("horizontal_adapter_sent_requests", "Aggregate requests sent to the cluster"),
		requestsReceived:   counter("horizontal_adapter_received_requests", "Aggregate requests received from the cluster"),
		responsesReceived:  counter("horizontal_adapter_received_responses", "Aggregate responses received from the cluster"),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.connected, p.newConnections, p.disconnections,
		p.socketReceivedBytes, p.socketSentBytes, p.wsMessagesReceived, p.wsMessagesSent,
		p.httpReceivedBytes, p.httpSentBytes, p.httpCalls,
		p.resolveTime, p.resolvedPromises, p.uncompletePromises,
		p.requestsSent, p.requestsReceived, p.responsesReceived,
	)
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Prometheus) MarkNewConnection(appID string) {
	p.connected.WithLabelValues(appID).Inc()
	p.newConnections.WithLabelValues(appID).Inc()
}

func (p *Prometheus) MarkDisconnection(appID string) {
	p.connected.WithLabelValues(appID).Dec()
	p.disconnections.WithLabelValues(appID).Inc()
}

func (p *Prometheus) MarkAPIMessage(appID string, incomingBytes, sentBytes int) {
	p.httpCalls.WithLabelValues(appID).Inc()
	p.httpReceivedBytes.WithLabelValues(appID).Add(float64(incomingBytes))
	p.httpSentBytes.WithLabelValues(appID).Add(float64(sentBytes))
}

func (p *Prometheus) MarkWSMessageSent(appID string, bytes int) {
	p.wsMessagesSent.WithLabelValues(appID).Inc()
	p.socketSentBytes.WithLabelValues(appID).Add(float64(bytes))
}

func (p *Prometheus) MarkWSMessageReceived(appID string, bytes int) {
	p.wsMessagesReceived.WithLabelValues(appID).Inc()
	p.socketReceivedBytes.WithLabelValues(appID).Add(float64(bytes))
}

func (p *Prometheus) MarkHorizontalAdapterRequestSent(appID string) {
	p.requestsSent.WithLabelValues(appID).Inc()
}

func (p *Prometheus) MarkHorizontalAdapterRequestReceived(appID string) {
	p.requestsReceived.WithLabelValues(appID).Inc()
}

func (p *Prometheus) MarkHorizontalAdapterResponseReceived(appID string) {
	p.responsesReceived.WithLabelValues(appID).Inc()
}

func (p *Prometheus) TrackHorizontalAdapterResolveTime(appID string, elapsed time.Duration) {
	p.resolveTime.WithLabelValues(appID).Observe(elapsed.Seconds())
}

func (p *Prometheus) TrackHorizontalAdapterResolvedPromises(appID string, resolved bool) {
	if resolved {
		p.resolvedPromises.WithLabelValues(appID).Inc()
		return
	}
	p.uncompletePromises.WithLabelValues(appID).Inc()
}
