package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/xdplb/internal/constants"
)

// Config tunes the SWIM probe cycle and gossip/anti-entropy cadence.
type Config struct {
	BindAddr           string
	Seeds              []string
	PingInterval       time.Duration
	PingTimeout        time.Duration
	IndirectPingCount  int
	SuspicionMult      int
	GossipInterval     time.Duration
	PushPullInterval   time.Duration
	Fanout             int
}

// DefaultConfig returns spec.md's documented cluster tuning defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:      time.Duration(constants.DefaultPingIntervalMs) * time.Millisecond,
		PingTimeout:       time.Duration(constants.DefaultPingTimeoutMs) * time.Millisecond,
		IndirectPingCount: constants.DefaultIndirectPingCount,
		SuspicionMult:     constants.DefaultSuspicionMult,
		GossipInterval:    time.Duration(constants.DefaultGossipIntervalMs) * time.Millisecond,
		PushPullInterval:  time.Duration(constants.DefaultPushPullIntervalMs) * time.Millisecond,
		Fanout:            constants.DefaultFanout,
	}
}

// Cluster is the top-level SWIM + gossip + anti-entropy subsystem. It owns
// the transport, the membership table, the Lamport clock, and the
// StateProvider registry, and runs the probe/gossip/push-pull tick loops as
// independent goroutines off one sync.WaitGroup — the same orchestration
// shape internal/agent.Runtime.Run uses for its module set.
type Cluster struct {
	log    *zap.Logger
	cfg    Config
	self   NodeInfo
	trans  *transport
	member *Membership
	clock  Clock
	reg    *providerRegistry

	rumorMu sync.Mutex
	rumors  []pendingRumor

	ackMu      sync.Mutex
	ackWaiters map[string][]chan struct{}

	onMemberDead func(nodeName string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pendingRumor struct {
	rumor       Rumor
	remaining   int
}

// rumorRetransmits bounds how many times one rumor is re-gossiped before it
// is considered fully disseminated and dropped from the piggyback pool.
const rumorRetransmits = 4

// New builds a Cluster bound to cfg.BindAddr. The transport starts
// listening immediately; call Start to begin the tick loops.
func New(log *zap.Logger, self NodeInfo, cfg Config) (*Cluster, error) {
	trans, err := newTransport(cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: %w", err)
	}
	c := &Cluster{
		log:    log.Named("cluster"),
		cfg:    cfg,
		self:   self,
		trans:  trans,
		member:     NewMembership(self, cfg.SuspicionMult, cfg.PingInterval),
		reg:        newProviderRegistry(),
		ackWaiters: make(map[string][]chan struct{}),
	}
	for _, seed := range cfg.Seeds {
		if seed == "" || seed == cfg.BindAddr {
			continue
		}
		c.member.Join(NodeInfo{Name: seed, Addr: seed})
	}
	return c, nil
}

// RegisterStateProvider plugs a subsystem's syncable state into gossip and
// anti-entropy. Must be called before Start.
func (c *Cluster) RegisterStateProvider(p StateProvider) {
	c.reg.register(p)
}

// Clock returns the cluster's process-wide Lamport clock, shared by every
// registered StateProvider so versions stamped on locally produced records
// and versions observed on remote ones live in the same comparison space.
func (c *Cluster) Clock() *Clock {
	return &c.clock
}

// OnMemberDead registers a callback fired whenever a peer transitions to
// StatusDead, by whichever path first learns it (local suspicion timeout,
// a gossiped rumor, or anti-entropy reconciliation). Used by
// internal/conntrack's shadow store to promote a dead owner's shadow
// entries into the active conntrack table. Must be called before Start.
func (c *Cluster) OnMemberDead(fn func(nodeName string)) {
	c.onMemberDead = fn
}

// Start launches the probe, gossip, push-pull, and suspicion-expiry loops.
func (c *Cluster) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(5)
	go c.probeLoop(runCtx)
	go c.gossipLoop(runCtx)
	go c.pushPullLoop(runCtx)
	go c.suspicionLoop(runCtx)
	go c.dispatchIncomingLoop(runCtx)
	return nil
}

// Stop cancels every tick loop, waits for them to exit, and closes the
// transport.
func (c *Cluster) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.trans.close()
		return ctx.Err()
	}
	c.trans.close()
	return nil
}

// Members returns the current membership snapshot.
func (c *Cluster) Members() []Member {
	return c.member.Members()
}

// ------------------------------------------------------------------
// Probe cycle (direct ping -> indirect ping-req -> suspect)
// ------------------------------------------------------------------

func (c *Cluster) probeLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeOnce()
		}
	}
}

func (c *Cluster) probeOnce() {
	targets := c.member.RandomPeers(1, "")
	if len(targets) == 0 {
		return
	}
	target := targets[0]

	if c.directPing(target) {
		return
	}

	// direct ping failed: ask up to IndirectPingCount peers to probe on
	// our behalf before declaring suspicion.
	helpers := c.member.RandomPeers(c.cfg.IndirectPingCount, target.Name)
	acked := make(chan bool, len(helpers))
	for _, h := range helpers {
		go func(h Member) {
			acked <- c.indirectPing(h, target)
		}(h)
	}

	confirmed := false
	for range helpers {
		if <-acked {
			confirmed = true
			break
		}
	}
	if confirmed {
		return
	}

	if c.member.ApplySuspect(target.NodeInfo, target.Incarnation) {
		c.log.Info("peer suspected", zap.String("node", target.Name))
		c.queueRumor(Rumor{Subject: target.NodeInfo, Status: StatusSuspect, Incarnation: target.Incarnation})
	}
}

func (c *Cluster) directPing(target Member) bool {
	env := envelope{Kind: msgPing, From: c.self, Incarnation: c.member.Incarnation(), Rumors: c.drainRumors(c.cfg.Fanout)}
	if err := c.trans.sendUDP(target.Addr, env); err != nil {
		return false
	}
	return c.waitAck(target.Name, c.cfg.PingTimeout)
}

func (c *Cluster) indirectPing(via, target Member) bool {
	env := envelope{Kind: msgPingReq, From: c.self, Target: target.NodeInfo, Incarnation: c.member.Incarnation()}
	if err := c.trans.sendUDP(via.Addr, env); err != nil {
		return false
	}
	return c.waitAck(target.Name, c.cfg.PingTimeout)
}

// waitAck blocks until an Ack naming `from` is observed by
// dispatchIncomingLoop (the sole reader of c.trans.incoming), or timeout
// elapses. Acks are routed through a per-name waiter registry rather than
// read directly off the shared channel, since probeOnce can have several
// waitAck calls in flight concurrently (one per indirect-ping helper) and a
// second reader on the same channel would race dispatchIncomingLoop for
// messages that aren't the ack it's waiting for.
func (c *Cluster) waitAck(from string, timeout time.Duration) bool {
	ch, remove := c.registerAckWaiter(from)
	defer remove()

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *Cluster) registerAckWaiter(name string) (ch chan struct{}, remove func()) {
	ch = make(chan struct{}, 1)
	c.ackMu.Lock()
	c.ackWaiters[name] = append(c.ackWaiters[name], ch)
	c.ackMu.Unlock()

	remove = func() {
		c.ackMu.Lock()
		defer c.ackMu.Unlock()
		waiters := c.ackWaiters[name]
		for i, w := range waiters {
			if w == ch {
				c.ackWaiters[name] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		if len(c.ackWaiters[name]) == 0 {
			delete(c.ackWaiters, name)
		}
	}
	return ch, remove
}

func (c *Cluster) notifyAck(name string) {
	c.ackMu.Lock()
	waiters := append([]chan struct{}(nil), c.ackWaiters[name]...)
	c.ackMu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// ------------------------------------------------------------------
// Incoming message dispatch
// ------------------------------------------------------------------

func (c *Cluster) dispatchIncomingLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.trans.incoming:
			c.dispatchOne(env)
		case pp := <-c.trans.pushPull:
			c.handlePushPull(pp)
		}
	}
}

func (c *Cluster) dispatchOne(env envelope) {
	c.member.Join(env.From)
	c.member.ApplyAlive(env.From, env.Incarnation)
	for _, r := range env.Rumors {
		c.applyRumor(r)
	}

	switch env.Kind {
	case msgAck:
		c.notifyAck(env.From.Name)
	case msgPing:
		ack := envelope{Kind: msgAck, From: c.self, Incarnation: c.member.Incarnation(), Rumors: c.drainRumors(c.cfg.Fanout)}
		c.trans.sendUDP(env.From.Addr, ack)
	case msgPingReq:
		// directPing blocks on its own waitAck call, so run it off the
		// dispatch loop's goroutine to avoid stalling delivery of other
		// incoming messages (including the ack it's waiting for).
		go func() {
			if c.directPing(Member{NodeInfo: env.Target}) {
				ack := envelope{Kind: msgAck, From: env.Target, Incarnation: c.member.Incarnation()}
				c.trans.sendUDP(env.From.Addr, ack)
			}
		}()
	}
}

func (c *Cluster) applyRumor(r Rumor) {
	switch r.Status {
	case StatusAlive:
		c.member.ApplyAlive(r.Subject, r.Incarnation)
	case StatusSuspect:
		c.member.ApplySuspect(r.Subject, r.Incarnation)
	case StatusDead:
		if c.member.ApplyDead(r.Subject, r.Incarnation) {
			c.notifyMemberDead(r.Subject.Name)
		}
	}
}

func (c *Cluster) notifyMemberDead(name string) {
	if c.onMemberDead != nil {
		c.onMemberDead(name)
	}
}

// ------------------------------------------------------------------
// Rumor mongering (gossip piggyback)
// ------------------------------------------------------------------

func (c *Cluster) queueRumor(r Rumor) {
	c.rumorMu.Lock()
	defer c.rumorMu.Unlock()
	c.rumors = append(c.rumors, pendingRumor{rumor: r, remaining: rumorRetransmits})
}

// drainRumors returns up to n rumors to piggyback on an outgoing message,
// decrementing each one's remaining retransmit count and dropping it once
// exhausted.
func (c *Cluster) drainRumors(n int) []Rumor {
	c.rumorMu.Lock()
	defer c.rumorMu.Unlock()

	var out []Rumor
	kept := c.rumors[:0]
	for _, pr := range c.rumors {
		if len(out) < n {
			out = append(out, pr.rumor)
			pr.remaining--
		}
		if pr.remaining > 0 {
			kept = append(kept, pr)
		}
	}
	c.rumors = kept
	return out
}

func (c *Cluster) gossipLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.gossipOnce()
		}
	}
}

func (c *Cluster) gossipOnce() {
	rumors := c.drainRumors(c.cfg.Fanout)
	if len(rumors) == 0 {
		return
	}
	peers := c.member.RandomPeers(c.cfg.Fanout, "")
	for _, p := range peers {
		env := envelope{Kind: msgGossip, From: c.self, Incarnation: c.member.Incarnation(), Rumors: rumors}
		c.trans.sendUDP(p.Addr, env)
	}
	// drainRumors already re-queued any rumor that still has retransmits
	// remaining, with its count decremented — nothing further to do here.
}

// ------------------------------------------------------------------
// Anti-entropy push-pull (full state reconciliation over TCP)
// ------------------------------------------------------------------

func (c *Cluster) pushPullLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PushPullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pushPullOnce()
		}
	}
}

func (c *Cluster) pushPullOnce() {
	peers := c.member.RandomPeers(1, "")
	if len(peers) == 0 {
		return
	}
	peer := peers[0]

	req := envelope{
		Kind:    msgPushPullReq,
		From:    c.self,
		Members: c.member.Members(),
		States:  c.reg.snapshotAll(),
	}
	resp, err := c.trans.pushPullDial(peer.Addr, req)
	if err != nil {
		c.log.Debug("push-pull dial failed", zap.String("peer", peer.Name), zap.Error(err))
		return
	}
	c.reconcile(resp)
}

func (c *Cluster) handlePushPull(pp pushPullConn) {
	defer pp.conn.Close()
	c.reconcile(pp.req)

	resp := envelope{
		Kind:    msgPushPullResp,
		From:    c.self,
		Members: c.member.Members(),
		States:  c.reg.snapshotAll(),
	}
	_ = gobEncodeInto(pp.conn, resp)
}

func (c *Cluster) reconcile(env envelope) {
	for _, mem := range env.Members {
		switch mem.Status {
		case StatusAlive:
			c.member.ApplyAlive(mem.NodeInfo, mem.Incarnation)
		case StatusSuspect:
			c.member.ApplySuspect(mem.NodeInfo, mem.Incarnation)
		case StatusDead:
			if c.member.ApplyDead(mem.NodeInfo, mem.Incarnation) {
				c.notifyMemberDead(mem.Name)
			}
		}
	}
	for _, rec := range env.States {
		c.clock.Observe(rec.Timestamp)
		if _, err := c.reg.merge(rec); err != nil {
			c.log.Debug("state merge failed", zap.String("kind", string(rec.Kind)), zap.Error(err))
		}
	}
}

// ------------------------------------------------------------------
// Suspicion expiry
// ------------------------------------------------------------------

func (c *Cluster) suspicionLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := c.cfg.PingInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, m := range c.member.ExpireSuspects() {
				c.log.Info("peer declared dead", zap.String("node", m.Name))
				c.queueRumor(Rumor{Subject: m.NodeInfo, Status: StatusDead, Incarnation: m.Incarnation})
				c.notifyMemberDead(m.Name)
			}
		}
	}
}
