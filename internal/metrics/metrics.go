// Package metrics defines the Prometheus exporter for xdplb. It subscribes
// to internal/statebus the way internal/export.Prometheus subscribes to
// internal/event.Bus, translating Transition events into gauge updates, and
// additionally exposes direct Observe* methods for packet-path counters the
// bus never carries (bytes/packets are per-packet, far too frequent to push
// through a channel).
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/xdplb/internal/constants"
	"github.com/sureshkrishnan-v/xdplb/internal/statebus"
)

// HealthLatencyBuckets are tuned for health-check probes (ms to a few seconds).
var HealthLatencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0,
}

// Metrics is an Exporter-shaped subscriber: it drains a statebus.Bus
// subscription and keeps Prometheus gauges/counters current, while also
// exposing an HTTP listener serving /metrics, /healthz, /readyz.
type Metrics struct {
	addr   string
	logger *zap.Logger
	bus    *statebus.Bus
	events <-chan *statebus.Transition
	server *http.Server
	ready  atomic.Bool

	activeConnections *prometheus.GaugeVec
	backendHealth     *prometheus.GaugeVec
	circuitState      *prometheus.GaugeVec
	circuitErrorRate  *prometheus.GaugeVec
	dnsResolution     *prometheus.GaugeVec
	up                *prometheus.GaugeVec
	info              *prometheus.GaugeVec

	bytesTotal   *prometheus.CounterVec
	packetsTotal *prometheus.CounterVec

	healthCheckLatency *prometheus.HistogramVec

	busQueueDepth *prometheus.GaugeVec
	busDropped    *prometheus.CounterVec
	moduleErrors  *prometheus.CounterVec
}

// New creates and registers the xdplb Prometheus instruments, subscribing
// to bus under the name "metrics".
func New(addr string, bus *statebus.Bus, logger *zap.Logger) *Metrics {
	m := &Metrics{
		addr:   addr,
		logger: logger.Named("metrics"),
		bus:    bus,

		activeConnections: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: constants.MetricActiveConnections,
			Help: "Current active conntrack entries per proxy.",
		}, []string{constants.LabelProxy}),

		backendHealth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: constants.MetricBackendHealth,
			Help: "Backend health status (1 healthy, 0 unhealthy).",
		}, []string{constants.LabelProxy, constants.LabelTarget}),

		circuitState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: constants.MetricCircuitState,
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{constants.LabelProxy, constants.LabelTarget}),

		circuitErrorRate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: constants.MetricCircuitErrorRate,
			Help: "Circuit breaker rolling error rate percentage.",
		}, []string{constants.LabelProxy, constants.LabelTarget}),

		dnsResolution: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: constants.MetricDNSResolution,
			Help: "Target DNS resolution status (1 ok, 0 failed).",
		}, []string{constants.LabelProxy, constants.LabelTarget}),

		up: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: constants.MetricUp,
			Help: "Whether the proxy's kernel programs are attached (1) or not (0).",
		}, []string{constants.LabelProxy}),

		info: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: constants.MetricInfo,
			Help: "Build/version info, always 1.",
		}, []string{"version", "node"}),

		bytesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: constants.MetricBytesTotal,
			Help: "Total bytes forwarded by direction.",
		}, []string{constants.LabelProxy, constants.LabelDirection}),

		packetsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: constants.MetricPacketsTotal,
			Help: "Total packets forwarded by direction.",
		}, []string{constants.LabelProxy, constants.LabelDirection}),

		healthCheckLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    constants.MetricHealthCheckLat,
			Help:    "Health check probe latency.",
			Buckets: HealthLatencyBuckets,
		}, []string{constants.LabelProxy, constants.LabelTarget}),

		busQueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: constants.MetricStateBusDepth,
			Help: "Current state bus queue depth per subscriber.",
		}, []string{constants.LabelSubscriber}),

		busDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: constants.MetricStateBusDropped,
			Help: "Total transitions dropped due to a full subscriber buffer.",
		}, []string{constants.LabelSubscriber}),

		moduleErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: constants.MetricModuleErrors,
			Help: "Total errors by module.",
		}, []string{constants.LabelModule}),
	}

	m.events = bus.Subscribe("metrics")
	return m
}

// Name identifies this component in coordinator logs.
func (m *Metrics) Name() string { return "prometheus" }

// Start serves HTTP and drains the bus subscription. Blocks until ctx ends.
func (m *Metrics) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(constants.PathMetrics, promhttp.Handler())
	mux.HandleFunc(constants.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc(constants.PathReadyz, func(w http.ResponseWriter, r *http.Request) {
		if m.ready.Load() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready\n"))
	})

	m.server = &http.Server{
		Addr:         m.addr,
		Handler:      mux,
		ReadTimeout:  constants.HTTPReadTimeout,
		WriteTimeout: constants.HTTPWriteTimeout,
		IdleTimeout:  constants.HTTPIdleTimeout,
	}

	go func() {
		m.logger.Info("metrics exporter listening", zap.String("addr", m.addr))
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics HTTP server error", zap.Error(err))
		}
	}()

	go m.collectBusStats(ctx)
	m.ready.Store(true)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr, ok := <-m.events:
			if !ok {
				return nil
			}
			m.processTransition(tr)
			statebus.Release(tr)
		}
	}
}

// Stop marks the exporter not-ready and shuts down the HTTP listener.
func (m *Metrics) Stop(ctx context.Context) error {
	m.ready.Store(false)
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// SetReady marks the exporter ready before the main event loop starts,
// mirroring export.Prometheus.SetReady.
func (m *Metrics) SetReady() { m.ready.Store(true) }

// SetUp records whether a proxy's kernel programs are currently attached.
func (m *Metrics) SetUp(proxy string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	m.up.WithLabelValues(proxy).Set(v)
}

// SetInfo records a single info sample, always value 1.
func (m *Metrics) SetInfo(version, node string) {
	m.info.WithLabelValues(version, node).Set(1)
}

// SetActiveConnections records the current conntrack entry count for a proxy.
func (m *Metrics) SetActiveConnections(proxy string, n int) {
	m.activeConnections.WithLabelValues(proxy).Set(float64(n))
}

// ObserveForwarded increments the byte/packet counters for one forwarded
// packet on the given proxy and direction ("ingress"/"egress").
func (m *Metrics) ObserveForwarded(proxy, direction string, bytes int) {
	m.bytesTotal.WithLabelValues(proxy, direction).Add(float64(bytes))
	m.packetsTotal.WithLabelValues(proxy, direction).Inc()
}

// ObserveDNSResolution records whether a target's address resolved.
func (m *Metrics) ObserveDNSResolution(proxy, target string, ok bool) {
	v := 0.0
	if ok {
		v = 1.0
	}
	m.dnsResolution.WithLabelValues(proxy, target).Set(v)
}

// ObserveHealthCheckLatency records one probe's latency.
func (m *Metrics) ObserveHealthCheckLatency(proxy, target string, seconds float64) {
	m.healthCheckLatency.WithLabelValues(proxy, target).Observe(seconds)
}

// ObserveModuleError increments the per-module error counter.
func (m *Metrics) ObserveModuleError(module string) {
	m.moduleErrors.WithLabelValues(module).Inc()
}

func (m *Metrics) processTransition(tr *statebus.Transition) {
	switch tr.Kind {
	case statebus.KindHealth:
		v := 0.0
		if tr.To == "healthy" {
			v = 1.0
		}
		m.backendHealth.WithLabelValues(tr.ProxyName, tr.Target).Set(v)

	case statebus.KindCircuitBreaker:
		m.circuitState.WithLabelValues(tr.ProxyName, tr.Target).Set(circuitStateValue(tr.To))
		if rate, ok := tr.Detail["error_rate"]; ok {
			if f, err := strconv.ParseFloat(rate, 64); err == nil {
				m.circuitErrorRate.WithLabelValues(tr.ProxyName, tr.Target).Set(f)
			}
		}

	case statebus.KindMembership, statebus.KindDrain:
		// membership/drain transitions are surfaced via the control-API
		// websocket and the history sink, not a dedicated gauge here.
	}
}

func circuitStateValue(s string) float64 {
	switch s {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

// collectBusStats periodically mirrors statebus.Bus throughput into gauges,
// mirroring export.Prometheus.collectBusStats.
func (m *Metrics) collectBusStats(ctx context.Context) {
	ticker := time.NewTicker(constants.StatsCollectInterval)
	defer ticker.Stop()
	lastDropped := make(map[string]uint64)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := m.bus.Stats()
			for name, depth := range stats.QueueDepth {
				m.busQueueDepth.WithLabelValues(name).Set(float64(depth))
			}
			for name, drops := range stats.DroppedBySubscriber {
				// Stats reports a running total; add only what is new since the last tick.
				if drops > lastDropped[name] {
					m.busDropped.WithLabelValues(name).Add(float64(drops - lastDropped[name]))
				}
				lastDropped[name] = drops
			}
		}
	}
}
