// Package config provides YAML-based configuration for xdplb.
// Supports validation, defaults, and structured per-proxy/per-target config.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sureshkrishnan-v/xdplb/internal/constants"
)

// Config is the top-level configuration for xdplb.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Proxies   []ProxyConfig   `yaml:"proxies"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Exporters ExportersConfig `yaml:"exporters"`
}

// AgentConfig holds global agent settings.
type AgentConfig struct {
	NodeName       string `yaml:"node_name"`
	MetricsAddr    string `yaml:"metrics_addr"`
	ControlAPIAddr string `yaml:"control_api_addr"`
	LogLevel       string `yaml:"log_level"`
}

// ProxyConfig declares one listen -> target-group mapping the coordinator
// registers at startup.
type ProxyConfig struct {
	Name         string         `yaml:"name"`
	Interface    string         `yaml:"interface"`
	Port         uint16         `yaml:"port"`
	Targets      []TargetConfig `yaml:"targets"`
	SourceRoutes []RouteConfig  `yaml:"source_routes"`
	SNIRoutes    []SNIConfig    `yaml:"sni_routes"`
	StatsEnabled bool           `yaml:"stats_enabled"`
	K8sDiscovery *K8sDiscovery  `yaml:"k8s_discovery,omitempty"`
}

// TargetConfig is one weighted backend.
type TargetConfig struct {
	IP          string           `yaml:"ip"`
	Port        uint16           `yaml:"port"`
	Weight      uint8            `yaml:"weight"`
	HealthCheck *HealthCheckSpec `yaml:"health_check,omitempty"`
	CircuitCfg  *CircuitConfig   `yaml:"circuit_breaker,omitempty"`
}

// RouteConfig is a source-IP CIDR -> target-group override.
type RouteConfig struct {
	CIDR    string         `yaml:"cidr"`
	Targets []TargetConfig `yaml:"targets"`
}

// SNIConfig is a hostname -> target-group override (TCP/443 only).
type SNIConfig struct {
	Hostname string         `yaml:"hostname"`
	Targets  []TargetConfig `yaml:"targets"`
}

// K8sDiscovery enables EndpointSlice-driven target discovery for a proxy.
type K8sDiscovery struct {
	Namespace string `yaml:"namespace"`
	Service   string `yaml:"service"`
}

// HealthCheckSpec configures one target's prober.
type HealthCheckSpec struct {
	Kind               string `yaml:"kind"` // none|tcp|http|https
	IntervalMs         int    `yaml:"interval_ms"`
	TimeoutMs          int    `yaml:"timeout_ms"`
	Path               string `yaml:"path"`
	ExpectedStatuses   []int  `yaml:"expected_statuses"`
	HealthyThreshold   int    `yaml:"healthy_threshold"`
	UnhealthyThreshold int    `yaml:"unhealthy_threshold"`
}

// CircuitConfig configures a target's circuit breaker.
type CircuitConfig struct {
	WindowMs         int     `yaml:"window_ms"`
	MinRequests      int     `yaml:"min_requests"`
	ErrorThresholdPc float64 `yaml:"error_threshold_pct"`
	OpenDurationMs   int     `yaml:"open_duration_ms"`
	HalfOpenRequests int     `yaml:"half_open_requests"`
	CheckIntervalMs  int     `yaml:"check_interval_ms"`
}

// ClusterConfig configures the SWIM membership + gossip layer.
type ClusterConfig struct {
	Enabled            bool     `yaml:"enabled"`
	BindAddr           string   `yaml:"bind_addr"`
	Seeds              []string `yaml:"seeds"`
	PingIntervalMs     int      `yaml:"ping_interval_ms"`
	PingTimeoutMs      int      `yaml:"ping_timeout_ms"`
	IndirectPingCount  int      `yaml:"indirect_ping_count"`
	SuspicionMult      int      `yaml:"suspicion_mult"`
	GossipIntervalMs   int      `yaml:"gossip_interval_ms"`
	PushPullIntervalMs int      `yaml:"push_pull_interval_ms"`
	Fanout             int      `yaml:"fanout"`
}

// RateLimitConfig configures the optional per-source/per-backend token buckets.
type RateLimitConfig struct {
	SourceEnabled  bool `yaml:"source_enabled"`
	SourceRatePPS  int  `yaml:"source_rate_pps"`
	SourceBurst    int  `yaml:"source_burst"`
	BackendEnabled bool `yaml:"backend_enabled"`
	BackendRatePPS int  `yaml:"backend_rate_pps"`
	BackendBurst   int  `yaml:"backend_burst"`
}

// ExportersConfig holds optional sink settings.
type ExportersConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus"`
	NATS       NATSConfig       `yaml:"nats"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Redis      RedisConfig      `yaml:"redis"`
}

// PrometheusConfig holds Prometheus exporter settings.
type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// NATSConfig holds the optional cluster-state mirror settings.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// ClickHouseConfig holds the optional history sink settings.
type ClickHouseConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// RedisConfig holds the control-API pub/sub settings.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a Config with sensible production defaults.
// All magic numbers are sourced from the constants package.
func Default() *Config {
	hostname, _ := os.Hostname()

	return &Config{
		Agent: AgentConfig{
			NodeName:       hostname,
			MetricsAddr:    constants.DefaultMetricsAddr,
			ControlAPIAddr: constants.APIDefaultAddr,
			LogLevel:       constants.DefaultLogLevel,
		},
		Cluster: ClusterConfig{
			Enabled:            false,
			PingIntervalMs:     constants.DefaultPingIntervalMs,
			PingTimeoutMs:      constants.DefaultPingTimeoutMs,
			IndirectPingCount:  constants.DefaultIndirectPingCount,
			SuspicionMult:      constants.DefaultSuspicionMult,
			GossipIntervalMs:   constants.DefaultGossipIntervalMs,
			PushPullIntervalMs: constants.DefaultPushPullIntervalMs,
			Fanout:             constants.DefaultFanout,
		},
		Exporters: ExportersConfig{
			Prometheus: PrometheusConfig{Enabled: true, Addr: constants.DefaultMetricsAddr},
			NATS:       NATSConfig{Enabled: false, URL: constants.NATSDefaultURL},
			ClickHouse: ClickHouseConfig{Enabled: false, DSN: constants.ClickHouseDefaultDSN},
			Redis:      RedisConfig{Enabled: false, Addr: constants.RedisDefaultAddr},
		},
	}
}

// Load reads a YAML config file and merges with defaults.
// If the file doesn't exist, returns defaults.
// Environment variables override file settings.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides allows environment variables to override config values.
func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv(constants.EnvMetricsAddr); addr != "" {
		c.Agent.MetricsAddr = addr
		c.Exporters.Prometheus.Addr = addr
	}
	if addr := os.Getenv(constants.EnvControlAPIAddr); addr != "" {
		c.Agent.ControlAPIAddr = addr
	}
	if node := os.Getenv(constants.EnvNodeName); node != "" {
		c.Agent.NodeName = node
	}
	if level := os.Getenv(constants.EnvLogLevel); level != "" {
		c.Agent.LogLevel = level
	}
}

// Validate checks the config for logical errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.MetricsAddr == "" {
		errs = append(errs, "agent.metrics_addr is required")
	}

	seen := make(map[string]bool, len(c.Proxies))
	for _, p := range c.Proxies {
		if p.Name == "" {
			errs = append(errs, "proxies[].name is required")
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("proxy %s: duplicate name", p.Name))
		}
		seen[p.Name] = true

		if len(p.Targets) == 0 && p.K8sDiscovery == nil {
			errs = append(errs, fmt.Sprintf("proxy %s: at least one target or k8s_discovery is required", p.Name))
		}
		if len(p.Targets) > constants.MaxTargetsPerRoute {
			errs = append(errs, fmt.Sprintf("proxy %s: at most %d targets", p.Name, constants.MaxTargetsPerRoute))
		}
		for _, r := range p.SourceRoutes {
			if len(r.Targets) > constants.MaxTargetsPerRoute {
				errs = append(errs, fmt.Sprintf("proxy %s: source_route %s: at most %d targets", p.Name, r.CIDR, constants.MaxTargetsPerRoute))
			}
		}
		for _, s := range p.SNIRoutes {
			if len(s.Targets) > constants.MaxTargetsPerRoute {
				errs = append(errs, fmt.Sprintf("proxy %s: sni_route %s: at most %d targets", p.Name, s.Hostname, constants.MaxTargetsPerRoute))
			}
		}
	}

	if c.Cluster.Enabled && c.Cluster.BindAddr == "" {
		errs = append(errs, "cluster.bind_addr is required when cluster.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ProxyByName returns the named proxy config, or nil if absent.
func (c *Config) ProxyByName(name string) *ProxyConfig {
	for i := range c.Proxies {
		if c.Proxies[i].Name == name {
			return &c.Proxies[i]
		}
	}
	return nil
}
