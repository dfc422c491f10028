// Package conntrack periodically sweeps the kernel conntrack map for idle
// entries, deleting anything that hasn't seen traffic within the
// configured idle timeout (spec.md §4.6).
package conntrack

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/xdplb/internal/constants"
	"github.com/sureshkrishnan-v/xdplb/internal/maps"
)

// Sweeper owns the periodic idle-connection GC loop.
type Sweeper struct {
	log         *zap.Logger
	set         *maps.Set
	idleTimeout time.Duration
	interval    time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	lastSweptCount int
	lastReaped     int
}

// New builds a Sweeper. idleTimeout/interval default to
// constants.DefaultConntrackIdleTimeout / DefaultSweepInterval when zero.
func New(log *zap.Logger, set *maps.Set, idleTimeout, interval time.Duration) *Sweeper {
	if idleTimeout <= 0 {
		idleTimeout = constants.DefaultConntrackIdleTimeout
	}
	if interval <= 0 {
		interval = constants.DefaultSweepInterval
	}
	return &Sweeper{
		log:         log.Named("conntrack"),
		set:         set,
		idleTimeout: idleTimeout,
		interval:    interval,
	}
}

// Start runs the sweep loop in a background goroutine until ctx is
// cancelled or Stop is called. Mirrors the ticker-driven background-loop
// pattern internal/export.Prometheus.collectBusStats uses.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(runCtx)
	return nil
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepOnce(); err != nil {
				s.log.Warn("sweep pass failed", zap.Error(err))
			}
		}
	}
}

// sweepOnce enumerates up to MaxSweepBatch connections and deletes any
// entry whose LastSeenNs is older than the configured idle timeout.
// Bounding the batch per call keeps one pass from starving the map under
// high churn; a still-over-timeout entry gets caught on the next tick.
func (s *Sweeper) sweepOnce() error {
	conns, err := s.set.ListConnections()
	if err != nil {
		return err
	}

	timeout := s.idleTimeout
	if live := s.set.IdleTimeout(); live > 0 {
		timeout = live
	}

	now := time.Now().UnixNano()
	reaped := 0
	for _, c := range conns {
		age := now - int64(c.Value.LastSeenNs)
		if age < 0 {
			continue
		}
		if time.Duration(age) < timeout {
			continue
		}
		if err := s.set.DeleteConnection(c.Key); err != nil {
			s.log.Warn("failed to delete idle connection", zap.Error(err))
			continue
		}
		reaped++
	}

	s.mu.Lock()
	s.lastSweptCount = len(conns)
	s.lastReaped = reaped
	s.mu.Unlock()

	if reaped > 0 {
		s.log.Debug("conntrack sweep reaped idle entries",
			zap.Int("swept", len(conns)), zap.Int("reaped", reaped))
	}
	return nil
}

// Stats reports the outcome of the most recent sweep pass.
type Stats struct {
	LastSwept int
	LastReaped int
}

// Stats returns the most recent sweep pass's counters.
func (s *Sweeper) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{LastSwept: s.lastSweptCount, LastReaped: s.lastReaped}
}
