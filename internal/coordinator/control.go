package coordinator

import (
	"context"
	"fmt"

	"github.com/sureshkrishnan-v/xdplb/internal/circuitbreaker"
	"github.com/sureshkrishnan-v/xdplb/internal/config"
	"github.com/sureshkrishnan-v/xdplb/internal/health"
	"github.com/sureshkrishnan-v/xdplb/internal/maps"
)

// ProxyStatus summarizes one proxy for the control API's status endpoint.
type ProxyStatus struct {
	Name         string
	Interface    string
	Port         uint16
	TargetCount  int
	HealthyCount int
	StatsEnabled bool
}

// ProxyStatuses returns a point-in-time summary of every configured proxy.
func (c *Coordinator) ProxyStatuses() []ProxyStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ProxyStatus, 0, len(c.proxies))
	for name, ps := range c.proxies {
		ps.mu.Lock()
		targetCount := len(ps.targets)
		ps.mu.Unlock()

		healthy := 0
		for _, th := range c.prober.Snapshot(name) {
			if th.Status == health.StatusHealthy {
				healthy++
			}
		}

		out = append(out, ProxyStatus{
			Name:         name,
			Interface:    ps.cfg.Interface,
			Port:         ps.cfg.Port,
			TargetCount:  targetCount,
			HealthyCount: healthy,
			StatsEnabled: ps.cfg.StatsEnabled,
		})
	}
	return out
}

// lookupProxy returns the named proxy's state, or an error if unknown.
func (c *Coordinator) lookupProxy(name string) (*proxyState, error) {
	c.mu.RLock()
	ps, ok := c.proxies[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("coordinator: unknown proxy %q", name)
	}
	return ps, nil
}

// Connections lists every tracked connection for a proxy's conntrack map.
func (c *Coordinator) Connections(proxyName string) ([]maps.Connection, error) {
	ps, err := c.lookupProxy(proxyName)
	if err != nil {
		return nil, err
	}
	if ps.mapSet == nil {
		return nil, fmt.Errorf("coordinator: proxy %q has no kernel maps attached", proxyName)
	}
	return ps.mapSet.ListConnections()
}

// HealthSnapshot returns the live health table for a proxy's targets.
func (c *Coordinator) HealthSnapshot(proxyName string) map[string]health.TargetHealth {
	return c.prober.Snapshot(proxyName)
}

// BreakerStates returns the current circuit breaker state for every
// target registered under a proxy, keyed by "addr:port".
func (c *Coordinator) BreakerStates(proxyName string) map[string]circuitbreaker.State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ps, ok := c.proxies[proxyName]
	if !ok {
		return nil
	}
	ps.mu.Lock()
	keys := make([]string, 0, len(ps.targets))
	for key := range ps.targets {
		keys = append(keys, key)
	}
	ps.mu.Unlock()

	out := make(map[string]circuitbreaker.State, len(keys))
	for _, key := range keys {
		if b, ok := c.breakers[proxyName+"/"+key]; ok {
			out[key] = b.State()
		}
	}
	return out
}

// SetStatsEnabled toggles the per-connection stats-collection flag on a
// proxy's listen route.
func (c *Coordinator) SetStatsEnabled(proxyName string, enabled bool) error {
	ps, err := c.lookupProxy(proxyName)
	if err != nil {
		return err
	}
	if ps.mapSet == nil {
		return fmt.Errorf("coordinator: proxy %q has no kernel maps attached", proxyName)
	}
	key := maps.ListenKey{IfIndex: ps.ifIndex, Port: ps.cfg.Port}
	ps.cfg.StatsEnabled = enabled
	if enabled {
		return ps.mapSet.EnableStats(key)
	}
	return ps.mapSet.DisableStats(key)
}

// SetConnectionTimeout updates the idle-connection timeout the conntrack
// sweeper enforces for a proxy.
func (c *Coordinator) SetConnectionTimeout(proxyName string, seconds uint32) error {
	ps, err := c.lookupProxy(proxyName)
	if err != nil {
		return err
	}
	if ps.mapSet == nil {
		return fmt.Errorf("coordinator: proxy %q has no kernel maps attached", proxyName)
	}
	return ps.mapSet.SetConnectionTimeout(seconds)
}

// AddTarget registers a new backend under a proxy and recomputes its route.
func (c *Coordinator) AddTarget(ctx context.Context, proxyName string, t config.TargetConfig) error {
	if _, err := c.lookupProxy(proxyName); err != nil {
		return err
	}
	c.registerTarget(ctx, proxyName, t)
	c.recomputeRoute(proxyName)
	return nil
}

// RemoveTarget deregisters a backend (dropping it from the target table and
// removing its breaker) and recomputes the proxy's route. Its health probe
// is not stopped: the probe loop keeps running until the context it was
// started with ends, and the target stays in the proxy's health snapshot.
func (c *Coordinator) RemoveTarget(proxyName, ip string, port uint16) error {
	if _, err := c.lookupProxy(proxyName); err != nil {
		return err
	}
	c.unregisterTarget(proxyName, fmt.Sprintf("%s:%d", ip, port))
	c.recomputeRoute(proxyName)
	return nil
}

// AddSourceRoute installs a CIDR-keyed override route.
func (c *Coordinator) AddSourceRoute(proxyName, cidr string, targets []config.TargetConfig) error {
	ps, err := c.lookupProxy(proxyName)
	if err != nil {
		return err
	}
	if ps.mapSet == nil {
		return fmt.Errorf("coordinator: proxy %q has no kernel maps attached", proxyName)
	}
	return ps.mapSet.AddSourceRoute(cidr, toMapTargets(targets), ps.cfg.StatsEnabled)
}

// RemoveSourceRoute deletes a CIDR-keyed override route.
func (c *Coordinator) RemoveSourceRoute(proxyName, cidr string) error {
	ps, err := c.lookupProxy(proxyName)
	if err != nil {
		return err
	}
	if ps.mapSet == nil {
		return fmt.Errorf("coordinator: proxy %q has no kernel maps attached", proxyName)
	}
	return ps.mapSet.RemoveSourceRoute(cidr)
}

// AddSNIRoute installs a hostname-keyed override route.
func (c *Coordinator) AddSNIRoute(proxyName, hostname string, targets []config.TargetConfig) error {
	ps, err := c.lookupProxy(proxyName)
	if err != nil {
		return err
	}
	if ps.mapSet == nil {
		return fmt.Errorf("coordinator: proxy %q has no kernel maps attached", proxyName)
	}
	return ps.mapSet.AddSNIRoute(hostname, toMapTargets(targets), ps.cfg.StatsEnabled)
}

// RemoveSNIRoute deletes a hostname-keyed override route.
func (c *Coordinator) RemoveSNIRoute(proxyName, hostname string) error {
	ps, err := c.lookupProxy(proxyName)
	if err != nil {
		return err
	}
	if ps.mapSet == nil {
		return fmt.Errorf("coordinator: proxy %q has no kernel maps attached", proxyName)
	}
	return ps.mapSet.RemoveSNIRoute(hostname)
}

// DrainConnection forces one in-flight connection to reconnect elsewhere
// by evicting its conntrack entry (e.g. ahead of a planned backend
// removal).
func (c *Coordinator) DrainConnection(proxyName string, key maps.ConntrackKey) error {
	ps, err := c.lookupProxy(proxyName)
	if err != nil {
		return err
	}
	if ps.mapSet == nil {
		return fmt.Errorf("coordinator: proxy %q has no kernel maps attached", proxyName)
	}
	return ps.mapSet.DeleteConnection(key)
}
