package constants

// ─── Histogram Buckets ─────────────────────────────────────────────
// Pre-defined bucket sets for Prometheus histograms.
// Changing these affects all histograms using them.

// HealthCheckLatencyBuckets covers 1ms to 10s — tuned for TCP/HTTP/HTTPS probes.
var HealthCheckLatencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1,
	0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

// ─── Health Probe Error Classes ─────────────────────────────────────
// Canonical error-kind strings recorded on a target and used as metric labels.

const (
	ErrConnectionRefused = "connection_refused"
	ErrTimeout           = "timeout"
	ErrNoRoute           = "no_route"
	ErrIOError           = "io_error"
	ErrSSLError          = "ssl_error"
	ErrUnexpectedStatus  = "unexpected_status"
)

// ─── Common Prometheus Label Sets ──────────────────────────────────
// Pre-defined label slices to avoid repeated allocations.

var LabelsProxyTarget = []string{LabelProxy, LabelTarget}
var LabelsProxyTargetDirection = []string{LabelProxy, LabelTarget, LabelDirection}
var LabelsSubscriber = []string{LabelSubscriber}
var LabelsModule = []string{LabelModule}
