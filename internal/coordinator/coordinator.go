// Package coordinator wires every subsystem — kernel program loading, the
// map layer, health checking, the circuit breaker, the conntrack sweeper,
// cluster membership, and every exporter — into one process lifecycle
// (spec.md §4.10). Grounded directly on internal/agent.Runtime's
// facade-and-registry shape: a single Run(ctx) that does preflight checks,
// init, start-everything-off-one-waitgroup, wait for ctx.Done(), then stop
// in reverse order with a bounded timeout.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/xdplb/internal/bpfprog"
	"github.com/sureshkrishnan-v/xdplb/internal/cache"
	"github.com/sureshkrishnan-v/xdplb/internal/circuitbreaker"
	"github.com/sureshkrishnan-v/xdplb/internal/cluster"
	"github.com/sureshkrishnan-v/xdplb/internal/cluster/stateexport"
	"github.com/sureshkrishnan-v/xdplb/internal/config"
	"github.com/sureshkrishnan-v/xdplb/internal/conntrack"
	"github.com/sureshkrishnan-v/xdplb/internal/constants"
	"github.com/sureshkrishnan-v/xdplb/internal/health"
	"github.com/sureshkrishnan-v/xdplb/internal/history"
	"github.com/sureshkrishnan-v/xdplb/internal/k8sdiscovery"
	"github.com/sureshkrishnan-v/xdplb/internal/maps"
	"github.com/sureshkrishnan-v/xdplb/internal/metrics"
	"github.com/sureshkrishnan-v/xdplb/internal/statebus"
)

// proxyState holds the live kernel handle, map set, sweeper, and target
// table for one configured proxy.
type proxyState struct {
	cfg      config.ProxyConfig
	attached *bpfprog.Attached
	mapSet   *maps.Set
	sweeper  *conntrack.Sweeper
	ifIndex  uint32

	mu       sync.Mutex
	targets  map[string]config.TargetConfig // keyed by "ip:port"
	draining map[string]drainEntry          // keyed by "ip:port"
}

// drainEntry is one target's administrative drain state plus the version
// it was last set at, for cluster conflict resolution (spec.md §4.9).
type drainEntry struct {
	state   DrainState
	version uint64
}

// Coordinator owns every subsystem's lifecycle and is the single point
// that turns a health or circuit-breaker transition into a kernel map
// write. internal/controlapi holds a reference to query and mutate it;
// coordinator never imports controlapi, avoiding an import cycle.
type Coordinator struct {
	cfg    *config.Config
	logger *zap.Logger
	loader bpfprog.Loader

	bus            *statebus.Bus
	prober         *health.Prober
	breakerSweeper *circuitbreaker.Sweeper

	mu       sync.RWMutex
	proxies  map[string]*proxyState
	breakers map[string]*circuitbreaker.Breaker

	cluster         *cluster.Cluster
	shadowAgg       *conntrack.ShadowAggregator
	metricsExporter *metrics.Metrics
	historySink     *history.Sink
	mirror          *stateexport.Mirror
	redisClient     *cache.Redis

	drainNextVersion func() uint64

	// controlOnly skips kernel program loading and interface resolution
	// entirely — used by cmd/xdplb-api, which runs health checking,
	// circuit breaking, and cluster gossip for remote inspection/control
	// without ever attaching XDP/TC programs on this host.
	controlOnly bool
}

// New builds a Coordinator that attaches kernel programs for every
// configured proxy. Call Run to start it; Run blocks until ctx is
// cancelled.
func New(cfg *config.Config, logger *zap.Logger) *Coordinator {
	return newCoordinator(cfg, logger, false)
}

// NewControlOnly builds a Coordinator that never touches the kernel: it
// still registers targets, runs health checks, breakers, and cluster
// gossip, so a standalone control-API process can inspect and mutate the
// same proxy definitions' logical state without owning the data plane.
func NewControlOnly(cfg *config.Config, logger *zap.Logger) *Coordinator {
	return newCoordinator(cfg, logger, true)
}

func newCoordinator(cfg *config.Config, logger *zap.Logger, controlOnly bool) *Coordinator {
	named := logger.Named("coordinator")
	var fallback atomic.Uint64
	return &Coordinator{
		cfg:              cfg,
		logger:           named,
		bus:              statebus.NewBus(0, named),
		proxies:          make(map[string]*proxyState),
		breakers:         make(map[string]*circuitbreaker.Breaker),
		controlOnly:      controlOnly,
		drainNextVersion: func() uint64 { return fallback.Add(1) },
	}
}

// Bus exposes the statebus for internal/controlapi's websocket stream.
func (c *Coordinator) Bus() *statebus.Bus { return c.bus }

// Run initializes every configured subsystem, attaches kernel programs for
// every proxy, starts the background loops, and blocks until ctx is
// cancelled. Shutdown reverses exactly the steps Run took, the way
// agent.Runtime.Run stops modules then exporters in the opposite order it
// started them.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.controlOnly && len(c.cfg.Proxies) > 0 {
		loader, err := bpfprog.NewKernelLoader()
		if err != nil {
			return fmt.Errorf("coordinator: %w", err)
		}
		c.loader = loader
	}

	if c.cfg.Exporters.Prometheus.Enabled {
		c.metricsExporter = metrics.New(c.cfg.Exporters.Prometheus.Addr, c.bus, c.logger)
	}

	if c.cfg.Exporters.ClickHouse.Enabled {
		sink, err := history.New(historyConfigFrom(c.cfg.Exporters.ClickHouse), c.bus, c.logger)
		if err != nil {
			return fmt.Errorf("coordinator: history sink: %w", err)
		}
		c.historySink = sink
	}

	if c.cfg.Exporters.NATS.Enabled {
		mirrorCfg := stateexport.DefaultConfig()
		mirrorCfg.URL = c.cfg.Exporters.NATS.URL
		c.mirror = stateexport.New(mirrorCfg, c.logger)
	}

	if c.cfg.Exporters.Redis.Enabled {
		redisCfg := cache.DefaultRedisConfig()
		redisCfg.Addr = c.cfg.Exporters.Redis.Addr
		redisClient, err := cache.NewRedis(redisCfg, c.logger)
		if err != nil {
			c.logger.Warn("Redis unavailable — coordinator runs without a Redis connection", zap.Error(err))
		} else {
			c.redisClient = redisClient
		}
	}

	if c.cfg.Cluster.Enabled {
		cl, err := cluster.New(c.logger,
			cluster.NodeInfo{Name: c.cfg.Agent.NodeName, Addr: c.cfg.Cluster.BindAddr},
			clusterConfigFrom(c.cfg.Cluster))
		if err != nil {
			return fmt.Errorf("coordinator: cluster: %w", err)
		}
		c.cluster = cl
		c.registerStateProviders(cl)
		cl.OnMemberDead(c.onMemberDead)
	}

	if c.prober == nil {
		c.prober = health.New(c.logger, c.onHealthTransition)
	}
	if c.breakerSweeper == nil {
		c.breakerSweeper = circuitbreaker.NewSweeper(c.logger,
			time.Duration(constants.DefaultCBCheckIntervalMs)*time.Millisecond)
	}

	for i := range c.cfg.Proxies {
		pcfg := c.cfg.Proxies[i]
		if err := c.initProxy(ctx, pcfg); err != nil {
			c.logger.Error("proxy init failed", zap.String("proxy", pcfg.Name), zap.Error(err))
			continue
		}
	}

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("component exited with error", zap.String("component", name), zap.Error(err))
			}
		}()
	}

	start("circuitbreaker-sweeper", c.breakerSweeper.Start)
	if c.cluster != nil {
		start("cluster", c.cluster.Start)
	}
	if c.metricsExporter != nil {
		start("metrics", c.metricsExporter.Start)
	}
	if c.historySink != nil {
		start("history", c.historySink.Start)
	}
	if c.mirror != nil {
		start("stateexport", c.mirror.Start)
	}

	c.mu.RLock()
	for name, ps := range c.proxies {
		if ps.sweeper != nil {
			start("conntrack/"+name, ps.sweeper.Start)
		}
	}
	c.mu.RUnlock()

	c.startK8sWatchers(ctx, &wg)

	c.logger.Info("coordinator running",
		zap.Int("proxies", len(c.proxies)),
		zap.Bool("cluster", c.cluster != nil),
		zap.Bool("metrics", c.metricsExporter != nil),
		zap.Bool("history", c.historySink != nil))

	<-ctx.Done()
	c.logger.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	c.mu.RLock()
	for name, ps := range c.proxies {
		if ps.sweeper != nil {
			if err := ps.sweeper.Stop(stopCtx); err != nil {
				c.logger.Warn("conntrack sweeper stop failed", zap.String("proxy", name), zap.Error(err))
			}
		}
		if c.loader != nil && ps.attached != nil {
			if err := c.loader.Close(ps.attached); err != nil {
				c.logger.Warn("kernel detach failed", zap.String("proxy", name), zap.Error(err))
			}
		}
	}
	c.mu.RUnlock()

	if err := c.breakerSweeper.Stop(stopCtx); err != nil {
		c.logger.Warn("circuit breaker sweeper stop failed", zap.Error(err))
	}
	if c.cluster != nil {
		if err := c.cluster.Stop(stopCtx); err != nil {
			c.logger.Warn("cluster stop failed", zap.Error(err))
		}
	}

	c.bus.Close()

	if c.metricsExporter != nil {
		if err := c.metricsExporter.Stop(stopCtx); err != nil {
			c.logger.Warn("metrics exporter stop failed", zap.Error(err))
		}
	}
	if c.historySink != nil {
		if err := c.historySink.Stop(stopCtx); err != nil {
			c.logger.Warn("history sink stop failed", zap.Error(err))
		}
	}
	if c.mirror != nil {
		if err := c.mirror.Stop(stopCtx); err != nil {
			c.logger.Warn("state mirror stop failed", zap.Error(err))
		}
	}
	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			c.logger.Warn("redis close failed", zap.Error(err))
		}
	}

	wg.Wait()
	c.logger.Info("coordinator stopped")
	return nil
}

// registerStateProviders shares the cluster's process-wide Lamport clock
// with every locally owned state source, then registers the four
// StateProviders spec.md §4.9 names (health, circuit breaker, drain,
// conntrack shadow) so gossip and anti-entropy carry their state. Must run
// before cl.Start and before any target/proxy is registered, so every
// subsystem stamps versions from the shared clock from its very first
// transition.
func (c *Coordinator) registerStateProviders(cl *cluster.Cluster) {
	clock := cl.Clock()
	owner := c.cfg.Agent.NodeName

	c.prober = health.New(c.logger, c.onHealthTransition)
	c.prober.SetVersionSource(clock.Tick)
	cl.RegisterStateProvider(c.prober.NewStateProvider(owner, c.recomputeRoute))

	c.breakerSweeper = circuitbreaker.NewSweeper(c.logger,
		time.Duration(constants.DefaultCBCheckIntervalMs)*time.Millisecond)
	cl.RegisterStateProvider(c.breakerSweeper.NewStateProvider(owner))

	c.drainNextVersion = clock.Tick
	cl.RegisterStateProvider(c.NewDrainStateProvider(owner))

	c.shadowAgg = conntrack.NewShadowAggregator()
	cl.RegisterStateProvider(c.shadowAgg)
}

// onMemberDead fans a cluster dead-member notification out to the
// conntrack-shadow aggregator, promoting every proxy's shadow entries for
// that node into its live kernel table.
func (c *Coordinator) onMemberDead(nodeName string) {
	if c.shadowAgg != nil {
		c.shadowAgg.PromoteOwner(nodeName)
	}
}

// initProxy loads and attaches the kernel programs for one proxy, builds
// its map set and conntrack sweeper, registers its static targets and
// routes, and writes the initial listen route.
func (c *Coordinator) initProxy(ctx context.Context, pcfg config.ProxyConfig) error {
	var ifIndex uint32
	var attached *bpfprog.Attached
	var mapSet *maps.Set

	if !c.controlOnly {
		iface, err := net.InterfaceByName(pcfg.Interface)
		if err != nil {
			return fmt.Errorf("resolving interface %s: %w", pcfg.Interface, err)
		}
		ifIndex = uint32(iface.Index)

		if c.loader != nil {
			attached, err = c.loader.Load(pcfg.Interface)
			if err != nil {
				return fmt.Errorf("loading kernel programs: %w", err)
			}
			mapSet = maps.NewSet(attached.ListenMap, attached.LPMMap, attached.SNIMap, attached.ConntrackMap, attached.RateLimitMap)
		}
	}

	ps := &proxyState{
		cfg:      pcfg,
		attached: attached,
		mapSet:   mapSet,
		ifIndex:  ifIndex,
		targets:  make(map[string]config.TargetConfig),
		draining: make(map[string]drainEntry),
	}
	if mapSet != nil {
		ps.sweeper = conntrack.New(c.logger, mapSet, 0, 0)
		if c.shadowAgg != nil {
			c.shadowAgg.Add(conntrack.NewShadowStore(c.logger, mapSet, c.cfg.Agent.NodeName, pcfg.Name))
		}
	}

	c.mu.Lock()
	c.proxies[pcfg.Name] = ps
	c.mu.Unlock()

	for _, t := range pcfg.Targets {
		c.registerTarget(ctx, pcfg.Name, t)
	}

	if mapSet != nil {
		for _, r := range pcfg.SourceRoutes {
			if err := mapSet.AddSourceRoute(r.CIDR, toMapTargets(r.Targets), pcfg.StatsEnabled); err != nil {
				c.logger.Warn("source route install failed", zap.String("proxy", pcfg.Name), zap.String("cidr", r.CIDR), zap.Error(err))
			}
		}
		for _, s := range pcfg.SNIRoutes {
			if err := mapSet.AddSNIRoute(s.Hostname, toMapTargets(s.Targets), pcfg.StatsEnabled); err != nil {
				c.logger.Warn("SNI route install failed", zap.String("proxy", pcfg.Name), zap.String("hostname", s.Hostname), zap.Error(err))
			}
		}
	}

	c.recomputeRoute(pcfg.Name)
	return nil
}

// registerTarget adds a target to its proxy's target table and starts its
// health probe and circuit breaker.
func (c *Coordinator) registerTarget(ctx context.Context, proxyName string, t config.TargetConfig) {
	key := fmt.Sprintf("%s:%d", t.IP, t.Port)

	c.mu.RLock()
	ps := c.proxies[proxyName]
	c.mu.RUnlock()
	if ps == nil {
		return
	}

	ps.mu.Lock()
	ps.targets[key] = t
	ps.mu.Unlock()

	c.prober.Watch(ctx, proxyName, t.IP, t.Port, buildHealthSpec(t.HealthCheck))

	breakerKey := proxyName + "/" + key
	breaker := circuitbreaker.New(buildCBConfig(t.CircuitCfg), c.onCircuitTransition(proxyName, key))
	if c.cluster != nil {
		breaker.SetVersionSource(c.cluster.Clock().Tick)
	}
	c.mu.Lock()
	c.breakers[breakerKey] = breaker
	c.mu.Unlock()
	c.breakerSweeper.Register(breakerKey, breaker)
}

// unregisterTarget removes a target and its breaker, e.g. when k8s
// discovery or the control API drops it.
func (c *Coordinator) unregisterTarget(proxyName, key string) {
	c.mu.RLock()
	ps := c.proxies[proxyName]
	c.mu.RUnlock()
	if ps != nil {
		ps.mu.Lock()
		delete(ps.targets, key)
		ps.mu.Unlock()
	}

	breakerKey := proxyName + "/" + key
	c.mu.Lock()
	delete(c.breakers, breakerKey)
	c.mu.Unlock()
	c.breakerSweeper.Unregister(breakerKey)
}

// onHealthTransition runs on the prober's probe goroutine after it has
// released its lock (recomputeRoute takes that lock again via Snapshot); it
// only publishes a pooled Transition and recomputes a route, both of which
// are expected to be quick (spec.md §4.7/§5).
func (c *Coordinator) onHealthTransition(tr health.Transition) {
	bt := statebus.Acquire()
	bt.Kind = statebus.KindHealth
	bt.ProxyName = tr.ProxyName
	bt.Target = fmt.Sprintf("%s:%d", tr.Addr, tr.Port)
	bt.From = tr.From.String()
	bt.To = tr.To.String()
	bt.At = tr.At
	c.mirrorTransition(bt)
	c.bus.Publish(bt)

	c.recomputeRoute(tr.ProxyName)
}

// onCircuitTransition returns the callback circuitbreaker.New fires on
// state change, bound to one proxy/target pair.
func (c *Coordinator) onCircuitTransition(proxyName, targetKey string) func(from, to circuitbreaker.State) {
	return func(from, to circuitbreaker.State) {
		bt := statebus.Acquire()
		bt.Kind = statebus.KindCircuitBreaker
		bt.ProxyName = proxyName
		bt.Target = targetKey
		bt.From = from.String()
		bt.To = to.String()
		bt.At = time.Now()
		c.mirrorTransition(bt)
		c.bus.Publish(bt)

		c.recomputeRoute(proxyName)
	}
}

// mirrorTransition forwards a transition to the NATS state mirror, if
// configured, before handing the pointer to the bus — stateexport.Mirror
// only needs the values, so it reads them ahead of any subscriber racing to
// release and recycle the pooled Transition.
func (c *Coordinator) mirrorTransition(bt *statebus.Transition) {
	if c.mirror == nil {
		return
	}
	payload, err := json.Marshal(transitionPayload{
		ProxyName: bt.ProxyName,
		Target:    bt.Target,
		From:      bt.From,
		To:        bt.To,
	})
	if err != nil {
		return
	}
	c.mirror.Publish(bt.Kind.String(), bt.ProxyName+"/"+bt.Target, c.cfg.Agent.NodeName, uint64(bt.At.UnixNano()), payload)
}

// transitionPayload is the JSON body mirrored to NATS inside wireRecord's
// opaque Payload field.
type transitionPayload struct {
	ProxyName string `json:"proxy"`
	Target    string `json:"target"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// recomputeRoute rebuilds a proxy's listen-key RouteValue from its current
// target table, health snapshot, and breaker states, and writes it to the
// kernel map.
func (c *Coordinator) recomputeRoute(proxyName string) {
	c.mu.RLock()
	ps := c.proxies[proxyName]
	c.mu.RUnlock()
	if ps == nil || ps.mapSet == nil {
		return
	}

	ps.mu.Lock()
	targets := make(map[string]config.TargetConfig, len(ps.targets))
	for k, v := range ps.targets {
		targets[k] = v
	}
	ps.mu.Unlock()

	snapshot := c.prober.Snapshot(proxyName)
	isOpen := func(key string) bool {
		c.mu.RLock()
		b := c.breakers[proxyName+"/"+key]
		c.mu.RUnlock()
		return b != nil && b.State() == circuitbreaker.Open
	}
	isDrained := func(key string) bool {
		ps.mu.Lock()
		e, ok := ps.draining[key]
		ps.mu.Unlock()
		return ok && e.state != DrainActive
	}

	effective := effectiveTargets(targets, snapshot, isOpen, isDrained)
	if len(effective) == 0 {
		c.logger.Warn("no targets configured, leaving last route in place", zap.String("proxy", proxyName))
		return
	}

	key := maps.ListenKey{IfIndex: ps.ifIndex, Port: ps.cfg.Port}
	if err := ps.mapSet.AddListen(key, effective, ps.cfg.StatsEnabled); err != nil {
		c.logger.Error("route write failed", zap.String("proxy", proxyName), zap.Error(err))
	}
}

// startK8sWatchers launches one EndpointSlice watcher per proxy that
// declares k8s_discovery.
func (c *Coordinator) startK8sWatchers(ctx context.Context, wg *sync.WaitGroup) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for name, ps := range c.proxies {
		if ps.cfg.K8sDiscovery == nil {
			continue
		}
		proxyName := name
		disc := ps.cfg.K8sDiscovery

		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher, err := k8sdiscovery.New(c.logger)
			if err != nil {
				c.logger.Warn("k8s discovery unavailable — proxy keeps its static targets",
					zap.String("proxy", proxyName), zap.Error(err))
				return
			}
			err = watcher.Watch(ctx, disc.Namespace, disc.Service, func(discovered []k8sdiscovery.Target) {
				c.onK8sUpdate(ctx, proxyName, discovered)
			})
			if err != nil && ctx.Err() == nil {
				c.logger.Error("k8s discovery watcher exited with error", zap.String("proxy", proxyName), zap.Error(err))
			}
		}()
	}
}

// onK8sUpdate reconciles a proxy's target table against the latest
// ready-address set from an EndpointSlice watch.
func (c *Coordinator) onK8sUpdate(ctx context.Context, proxyName string, discovered []k8sdiscovery.Target) {
	c.mu.RLock()
	ps := c.proxies[proxyName]
	c.mu.RUnlock()
	if ps == nil {
		return
	}

	ps.mu.Lock()
	current := make(map[string]config.TargetConfig, len(ps.targets))
	for k, v := range ps.targets {
		current[k] = v
	}
	ps.mu.Unlock()

	wanted := make(map[string]config.TargetConfig, len(discovered))
	for _, d := range discovered {
		key := fmt.Sprintf("%s:%d", d.IP, d.Port)
		if existing, ok := current[key]; ok {
			wanted[key] = existing
		} else {
			wanted[key] = config.TargetConfig{IP: d.IP, Port: d.Port, Weight: 1}
		}
	}

	for key := range current {
		if _, ok := wanted[key]; !ok {
			c.unregisterTarget(proxyName, key)
		}
	}
	for key, t := range wanted {
		if _, ok := current[key]; !ok {
			c.registerTarget(ctx, proxyName, t)
		}
	}

	c.recomputeRoute(proxyName)
}
