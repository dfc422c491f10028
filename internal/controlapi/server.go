// Package controlapi provides the Fiber HTTP control-plane surface:
// proxy/route/target mutation, health and connection inspection, and a
// live transition stream over WebSocket. Grounded on internal/api.Server's
// middleware stack, route grouping, and Redis-pubsub-backed websocket
// handler, retargeted from read-only ClickHouse dashboards to a mutable
// load-balancer control surface (spec.md §4.10, §6).
package controlapi

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/xdplb/internal/cache"
	"github.com/sureshkrishnan-v/xdplb/internal/config"
	"github.com/sureshkrishnan-v/xdplb/internal/constants"
	"github.com/sureshkrishnan-v/xdplb/internal/coordinator"
	"github.com/sureshkrishnan-v/xdplb/internal/statebus"
)

// Server is the control-plane HTTP/WebSocket API.
type Server struct {
	app    *fiber.App
	coord  *coordinator.Coordinator
	redis  *cache.Redis
	logger *zap.Logger
	addr   string

	bridgeCancel func()
}

// NewServer builds a Fiber server wired to a Coordinator. redis may be nil,
// in which case the websocket stream is disabled: redis is the only
// cross-process fan-out path the control API has. The read endpoints never
// use redis; their responses are not cached.
func NewServer(addr string, coord *coordinator.Coordinator, redis *cache.Redis, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		Prefork:       false,
		StrictRouting: false,
		ReadTimeout:   constants.HTTPReadTimeout,
		WriteTimeout:  constants.HTTPWriteTimeout,
		IdleTimeout:   constants.HTTPIdleTimeout,
	})

	s := &Server{
		app:    app,
		coord:  coord,
		redis:  redis,
		logger: logger.Named("controlapi"),
		addr:   addr,
	}

	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{Format: "${time} ${status} ${method} ${path} ${latency}\n"}))
	app.Use(cors.New(cors.Config{AllowOrigins: "*"}))
	app.Use(compress.New())
	app.Use(limiter.New(limiter.Config{
		Max:        constants.APIRateLimit,
		Expiration: time.Second,
	}))

	v1 := app.Group("/api/v1")
	v1.Get("/status", s.handleStatus)
	v1.Get("/proxies/:name/health", s.handleProxyHealth)
	v1.Get("/proxies/:name/connections", s.handleProxyConnections)
	v1.Get("/proxies/:name/breakers", s.handleProxyBreakers)
	v1.Post("/proxies/:name/targets", s.handleAddTarget)
	v1.Delete("/proxies/:name/targets/:ip/:port", s.handleRemoveTarget)
	v1.Post("/proxies/:name/routes/source", s.handleAddSourceRoute)
	v1.Delete("/proxies/:name/routes/source", s.handleRemoveSourceRoute)
	v1.Post("/proxies/:name/routes/sni", s.handleAddSNIRoute)
	v1.Delete("/proxies/:name/routes/sni/:hostname", s.handleRemoveSNIRoute)
	v1.Post("/proxies/:name/stats", s.handleSetStats)
	v1.Post("/proxies/:name/conntrack/timeout", s.handleSetConnectionTimeout)
	v1.Get("/proxies/:name/drain", s.handleDrainStates)
	v1.Post("/proxies/:name/targets/:ip/:port/drain", s.handleSetDraining)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleWS))

	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendString("ok") })

	return s
}

// Start begins the Redis transition bridge (if configured) and listens.
// Blocks until shutdown.
func (s *Server) Start() error {
	if s.redis != nil {
		s.startTransitionBridge()
	}
	s.logger.Info("control API listening", zap.String("addr", s.addr))
	return s.app.Listen(s.addr)
}

// Stop gracefully shuts down the HTTP server and the transition bridge.
func (s *Server) Stop() error {
	if s.bridgeCancel != nil {
		s.bridgeCancel()
	}
	return s.app.Shutdown()
}

// startTransitionBridge subscribes to the coordinator's statebus and
// republishes every Transition as JSON on Redis, the channel handleWS's
// websocket clients subscribe to — generalizing internal/api.Server's
// direct `redis.Subscribe` websocket handler to a two-hop bridge, since the
// producer here (the coordinator, in-process) and the channel's consumer
// (any controlapi replica) are decoupled.
func (s *Server) startTransitionBridge() {
	events := s.coord.Bus().Subscribe("controlapi-bridge")
	done := make(chan struct{})
	s.bridgeCancel = func() { close(done) }

	go func() {
		for {
			select {
			case <-done:
				return
			case tr, ok := <-events:
				if !ok {
					return
				}
				s.publishTransition(tr)
				statebus.Release(tr)
			}
		}
	}()
}

func (s *Server) publishTransition(tr *statebus.Transition) {
	payload, err := json.Marshal(transitionWire{
		Kind:      tr.Kind.String(),
		Proxy:     tr.ProxyName,
		Target:    tr.Target,
		From:      tr.From,
		To:        tr.To,
		Timestamp: tr.At,
	})
	if err != nil {
		return
	}
	if err := s.redis.Publish(context.Background(), constants.RedisPubSubChannel, string(payload)); err != nil {
		s.logger.Warn("publishing transition to redis failed", zap.Error(err))
	}
}

type transitionWire struct {
	Kind      string    `json:"kind"`
	Proxy     string    `json:"proxy"`
	Target    string    `json:"target"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// handleWS streams the live transition feed to a websocket client via
// Redis pub/sub, mirroring internal/api.Server.handleWS exactly.
func (s *Server) handleWS(c *websocket.Conn) {
	if s.redis == nil {
		s.logger.Warn("websocket client connected but redis is not configured, closing")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := s.redis.Subscribe(ctx, constants.RedisPubSubChannel)
	defer sub.Close()

	ch := sub.Channel()
	for msg := range ch {
		if err := c.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
			break
		}
	}
}

// handleStatus returns a summary of every configured proxy.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"proxies": s.coord.ProxyStatuses()})
}

// handleProxyHealth returns the live health table for a proxy's targets.
func (s *Server) handleProxyHealth(c *fiber.Ctx) error {
	name := c.Params("name")
	snapshot := s.coord.HealthSnapshot(name)
	out := make(fiber.Map, len(snapshot))
	for key, th := range snapshot {
		out[key] = fiber.Map{
			"status":       th.Status.String(),
			"weight":       th.Weight(),
			"last_error":   th.LastError,
			"last_latency": th.LastLatency.String(),
		}
	}
	return c.JSON(fiber.Map{"proxy": name, "targets": out})
}

// handleProxyConnections lists a proxy's tracked conntrack entries.
func (s *Server) handleProxyConnections(c *fiber.Ctx) error {
	name := c.Params("name")
	conns, err := s.coord.Connections(name)
	if err != nil {
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}

	out := make([]fiber.Map, 0, len(conns))
	for _, conn := range conns {
		out = append(out, fiber.Map{
			"src":         fmt.Sprintf("%s:%d", formatIPv4(conn.Key.SrcAddr), conn.Key.SrcPort),
			"dst":         fmt.Sprintf("%s:%d", formatIPv4(conn.Key.DstAddr), conn.Key.DstPort),
			"target":      fmt.Sprintf("%s:%d", formatIPv4(conn.Value.TargetAddr), conn.Value.TargetPort),
			"packets_fwd": conn.Value.PacketsFwd,
			"bytes_fwd":   conn.Value.BytesFwd,
		})
	}
	return c.JSON(fiber.Map{"proxy": name, "connections": out})
}

// handleProxyBreakers returns each target's circuit breaker state.
func (s *Server) handleProxyBreakers(c *fiber.Ctx) error {
	name := c.Params("name")
	states := s.coord.BreakerStates(name)
	out := make(fiber.Map, len(states))
	for key, st := range states {
		out[key] = st.String()
	}
	return c.JSON(fiber.Map{"proxy": name, "breakers": out})
}

// handleAddTarget registers a new backend under a proxy.
func (s *Server) handleAddTarget(c *fiber.Ctx) error {
	name := c.Params("name")
	var t config.TargetConfig
	if err := c.BodyParser(&t); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.coord.AddTarget(c.Context(), name, t); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(204)
}

// handleRemoveTarget deregisters a backend.
func (s *Server) handleRemoveTarget(c *fiber.Ctx) error {
	name := c.Params("name")
	ip := c.Params("ip")
	port, err := strconv.ParseUint(c.Params("port"), 10, 16)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid port"})
	}
	if err := s.coord.RemoveTarget(name, ip, uint16(port)); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(204)
}

type routeRequest struct {
	CIDR     string                `json:"cidr"`
	Hostname string                `json:"hostname"`
	Targets  []config.TargetConfig `json:"targets"`
}

// handleAddSourceRoute installs a CIDR-keyed override route.
func (s *Server) handleAddSourceRoute(c *fiber.Ctx) error {
	name := c.Params("name")
	var req routeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.coord.AddSourceRoute(name, req.CIDR, req.Targets); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(204)
}

// handleRemoveSourceRoute deletes a CIDR-keyed override route. CIDR is
// passed as a query parameter since it contains a literal "/".
func (s *Server) handleRemoveSourceRoute(c *fiber.Ctx) error {
	name := c.Params("name")
	cidr := c.Query("cidr")
	if cidr == "" {
		return c.Status(400).JSON(fiber.Map{"error": "cidr query parameter is required"})
	}
	if err := s.coord.RemoveSourceRoute(name, cidr); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(204)
}

// handleAddSNIRoute installs a hostname-keyed override route.
func (s *Server) handleAddSNIRoute(c *fiber.Ctx) error {
	name := c.Params("name")
	var req routeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.coord.AddSNIRoute(name, req.Hostname, req.Targets); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(204)
}

// handleRemoveSNIRoute deletes a hostname-keyed override route.
func (s *Server) handleRemoveSNIRoute(c *fiber.Ctx) error {
	name := c.Params("name")
	hostname := c.Params("hostname")
	if err := s.coord.RemoveSNIRoute(name, hostname); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(204)
}

type statsRequest struct {
	Enabled bool `json:"enabled"`
}

// handleSetStats toggles per-connection stats collection for a proxy.
func (s *Server) handleSetStats(c *fiber.Ctx) error {
	name := c.Params("name")
	var req statsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := s.coord.SetStatsEnabled(name, req.Enabled); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(204)
}

type connectionTimeoutRequest struct {
	Seconds uint32 `json:"seconds"`
}

// handleSetConnectionTimeout updates the idle-connection timeout the
// conntrack sweeper enforces for a proxy (spec.md §4.5/§4.6's
// set_connection_timeout(seconds)).
func (s *Server) handleSetConnectionTimeout(c *fiber.Ctx) error {
	name := c.Params("name")
	var req connectionTimeoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Seconds == 0 {
		return c.Status(400).JSON(fiber.Map{"error": "seconds must be greater than zero"})
	}
	if err := s.coord.SetConnectionTimeout(name, req.Seconds); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(204)
}

// handleDrainStates returns the administrative drain state of every target
// that has ever had one set under a proxy.
func (s *Server) handleDrainStates(c *fiber.Ctx) error {
	name := c.Params("name")
	states := s.coord.DrainStates(name)
	out := make(fiber.Map, len(states))
	for key, st := range states {
		out[key] = st.String()
	}
	return c.JSON(fiber.Map{"proxy": name, "drain": out})
}

type drainRequest struct {
	State string `json:"state"`
}

// handleSetDraining sets a target's administrative drain state ahead of a
// planned removal, so new connections stop landing on it.
func (s *Server) handleSetDraining(c *fiber.Ctx) error {
	name := c.Params("name")
	ip := c.Params("ip")
	port, err := strconv.ParseUint(c.Params("port"), 10, 16)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid port"})
	}
	var req drainRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	state, err := parseDrainState(req.State)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}

	key := fmt.Sprintf("%s:%d", ip, port)
	if err := s.coord.SetDraining(name, key, state); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(204)
}

func parseDrainState(s string) (coordinator.DrainState, error) {
	switch s {
	case "active":
		return coordinator.DrainActive, nil
	case "draining":
		return coordinator.DrainDraining, nil
	case "drained":
		return coordinator.DrainDrained, nil
	default:
		return 0, fmt.Errorf("controlapi: unknown drain state %q", s)
	}
}

// formatIPv4 renders a little-endian-encoded uint32 address (the kernel
// map wire format) as dotted-decimal.
func formatIPv4(addr uint32) string {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, addr)
	return net.IP(b).String()
}
