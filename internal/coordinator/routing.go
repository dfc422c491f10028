package coordinator

import (
	"net"
	"strings"
	"time"

	"github.com/sureshkrishnan-v/xdplb/internal/circuitbreaker"
	"github.com/sureshkrishnan-v/xdplb/internal/cluster"
	"github.com/sureshkrishnan-v/xdplb/internal/config"
	"github.com/sureshkrishnan-v/xdplb/internal/health"
	"github.com/sureshkrishnan-v/xdplb/internal/history"
	"github.com/sureshkrishnan-v/xdplb/internal/maps"
)

// effectiveTargets turns a proxy's static target table plus the current
// health snapshot and breaker states into the weighted target list a
// RouteValue is built from. A target is excluded outright when its
// breaker is open or its health weight has dropped to zero; otherwise its
// configured weight is scaled by the health ramp percentage (spec.md
// §4.7's gradual-recovery weighting feeding directly into §4.2's weighted
// selection). Pure function so the weighting math is testable without a
// kernel map.
func effectiveTargets(targets map[string]config.TargetConfig, snapshot map[string]health.TargetHealth, isOpen func(key string) bool, isDrained func(key string) bool) []maps.Target {
	var out []maps.Target
	for key, t := range targets {
		if isOpen != nil && isOpen(key) {
			continue
		}
		if isDrained != nil && isDrained(key) {
			continue
		}

		healthWeight := 100
		if th, ok := snapshot[key]; ok {
			healthWeight = th.Weight()
		}
		if healthWeight == 0 {
			continue
		}

		configWeight := int(t.Weight)
		if configWeight == 0 {
			configWeight = 1
		}
		effective := (configWeight * healthWeight) / 100
		if effective == 0 {
			effective = 1
		}

		out = append(out, maps.Target{
			IP:     net.ParseIP(t.IP),
			Port:   t.Port,
			Weight: uint8(effective),
		})
	}

	if len(out) == 0 && len(targets) > 0 {
		// Degenerate case (spec.md §3/§4.7): every target excluded, by
		// health, breaker, or drain. Retain the original cumulative vector
		// instead of leaving a kernel route with no eligible backends.
		return originalTargets(targets)
	}
	return out
}

// originalTargets rebuilds the weighted target list straight from each
// target's configured weight, ignoring health, breaker, and drain state
// entirely. Used as the degenerate-case fallback spec.md §3/§4.7 require
// when every target is excluded: retain the original cumulative vector so
// a total outage doesn't blackhole traffic instead of fail open.
func originalTargets(targets map[string]config.TargetConfig) []maps.Target {
	out := make([]maps.Target, 0, len(targets))
	for _, t := range targets {
		weight := t.Weight
		if weight == 0 {
			weight = 1
		}
		out = append(out, maps.Target{
			IP:     net.ParseIP(t.IP),
			Port:   t.Port,
			Weight: weight,
		})
	}
	return out
}

// toMapTargets converts statically configured targets (source/SNI route
// overrides, which carry no health/breaker state of their own) directly
// into maps.Target.
func toMapTargets(cfgTargets []config.TargetConfig) []maps.Target {
	out := make([]maps.Target, 0, len(cfgTargets))
	for _, t := range cfgTargets {
		out = append(out, maps.Target{IP: net.ParseIP(t.IP), Port: t.Port, Weight: t.Weight})
	}
	return out
}

// parseHealthKind maps a config string to a health.Kind, defaulting to
// KindNone (probing disabled, target always considered healthy).
func parseHealthKind(s string) health.Kind {
	switch strings.ToLower(s) {
	case "tcp":
		return health.KindTCP
	case "http":
		return health.KindHTTP
	case "https":
		return health.KindHTTPS
	default:
		return health.KindNone
	}
}

// buildHealthSpec overlays a target's HealthCheckSpec onto health.DefaultSpec,
// leaving spec.md's documented defaults in place for any unset field.
func buildHealthSpec(hc *config.HealthCheckSpec) health.Spec {
	if hc == nil {
		return health.DefaultSpec(health.KindNone)
	}

	spec := health.DefaultSpec(parseHealthKind(hc.Kind))
	if hc.IntervalMs > 0 {
		spec.Interval = time.Duration(hc.IntervalMs) * time.Millisecond
	}
	if hc.TimeoutMs > 0 {
		spec.Timeout = time.Duration(hc.TimeoutMs) * time.Millisecond
	}
	if hc.Path != "" {
		spec.Path = hc.Path
	}
	if len(hc.ExpectedStatuses) > 0 {
		spec.ExpectedStatuses = hc.ExpectedStatuses
	}
	if hc.HealthyThreshold > 0 {
		spec.HealthyThreshold = hc.HealthyThreshold
	}
	if hc.UnhealthyThreshold > 0 {
		spec.UnhealthyThreshold = hc.UnhealthyThreshold
	}
	return spec
}

// buildCBConfig overlays a target's CircuitConfig onto circuitbreaker.DefaultConfig.
func buildCBConfig(cc *config.CircuitConfig) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig()
	if cc == nil {
		return cfg
	}
	if cc.WindowMs > 0 {
		cfg.Window = time.Duration(cc.WindowMs) * time.Millisecond
	}
	if cc.MinRequests > 0 {
		cfg.MinRequests = cc.MinRequests
	}
	if cc.ErrorThresholdPc > 0 {
		cfg.ErrorThresholdPc = cc.ErrorThresholdPc
	}
	if cc.OpenDurationMs > 0 {
		cfg.OpenDuration = time.Duration(cc.OpenDurationMs) * time.Millisecond
	}
	if cc.HalfOpenRequests > 0 {
		cfg.HalfOpenRequests = cc.HalfOpenRequests
	}
	if cc.CheckIntervalMs > 0 {
		cfg.CheckInterval = time.Duration(cc.CheckIntervalMs) * time.Millisecond
	}
	return cfg
}

// clusterConfigFrom overlays config.ClusterConfig onto cluster.DefaultConfig.
func clusterConfigFrom(cc config.ClusterConfig) cluster.Config {
	cfg := cluster.DefaultConfig()
	cfg.BindAddr = cc.BindAddr
	cfg.Seeds = cc.Seeds
	if cc.PingIntervalMs > 0 {
		cfg.PingInterval = time.Duration(cc.PingIntervalMs) * time.Millisecond
	}
	if cc.PingTimeoutMs > 0 {
		cfg.PingTimeout = time.Duration(cc.PingTimeoutMs) * time.Millisecond
	}
	if cc.IndirectPingCount > 0 {
		cfg.IndirectPingCount = cc.IndirectPingCount
	}
	if cc.SuspicionMult > 0 {
		cfg.SuspicionMult = cc.SuspicionMult
	}
	if cc.GossipIntervalMs > 0 {
		cfg.GossipInterval = time.Duration(cc.GossipIntervalMs) * time.Millisecond
	}
	if cc.PushPullIntervalMs > 0 {
		cfg.PushPullInterval = time.Duration(cc.PushPullIntervalMs) * time.Millisecond
	}
	if cc.Fanout > 0 {
		cfg.Fanout = cc.Fanout
	}
	return cfg
}

// historyConfigFrom overlays config.ClickHouseConfig onto history.DefaultConfig.
func historyConfigFrom(chc config.ClickHouseConfig) history.Config {
	cfg := history.DefaultConfig()
	if chc.DSN != "" {
		cfg.DSN = chc.DSN
	}
	return cfg
}
