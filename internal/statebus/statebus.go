// Package statebus is the non-blocking fan-out bus carrying health,
// circuit-breaker, and cluster-membership Transition events from the
// subsystems that produce them (internal/health, internal/circuitbreaker,
// internal/cluster) to whatever wants to observe them (internal/controlapi's
// websocket, internal/history's batch sink, internal/metrics). Generalized
// from internal/event.Bus's sync.Pool-backed envelope + bounded
// per-subscriber channel + drop-counter design, with the BPF-event payload
// replaced by a Transition payload.
package statebus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TransitionKind tags what a Transition describes.
type TransitionKind int

const (
	KindHealth TransitionKind = iota
	KindCircuitBreaker
	KindMembership
	KindDrain
)

func (k TransitionKind) String() string {
	switch k {
	case KindHealth:
		return "health"
	case KindCircuitBreaker:
		return "circuit_breaker"
	case KindMembership:
		return "membership"
	case KindDrain:
		return "drain"
	default:
		return "unknown"
	}
}

// Transition is the envelope published on the bus. Pooled the same way
// internal/event.Event is, since transitions fire on every health check and
// every probe cycle — frequent enough that pooling matters.
type Transition struct {
	Kind      TransitionKind
	ProxyName string
	Target    string // "addr:port", empty for membership transitions
	From      string
	To        string
	At        time.Time
	Detail    map[string]string
}

var transitionPool = sync.Pool{
	New: func() any { return &Transition{Detail: make(map[string]string)} },
}

// Acquire returns a clean Transition from the pool.
func Acquire() *Transition {
	t := transitionPool.Get().(*Transition)
	t.Kind = KindHealth
	t.ProxyName = ""
	t.Target = ""
	t.From = ""
	t.To = ""
	t.At = time.Time{}
	for k := range t.Detail {
		delete(t.Detail, k)
	}
	return t
}

// Release returns a Transition to the pool. Callers must not use t after
// calling Release.
func Release(t *Transition) {
	transitionPool.Put(t)
}

// Bus is a high-performance, non-blocking fan-out distribution point for
// Transition events. Publish never blocks: a full subscriber buffer drops
// the event for that subscriber and increments a per-subscriber counter.
type Bus struct {
	logger      *zap.Logger
	bufferSize  int
	subscribers map[string]chan *Transition
	mu          sync.RWMutex
	closed      atomic.Bool

	published atomic.Uint64
	dropped   map[string]*atomic.Uint64
	dropMu    sync.RWMutex
}

// NewBus creates a bus with the given per-subscriber buffer size (defaults
// to 4096 if non-positive).
func NewBus(bufferSize int, logger *zap.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	return &Bus{
		logger:      logger,
		bufferSize:  bufferSize,
		subscribers: make(map[string]chan *Transition),
		dropped:     make(map[string]*atomic.Uint64),
	}
}

// Subscribe registers a named subscriber and returns its receive channel.
func (b *Bus) Subscribe(name string) <-chan *Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Transition, b.bufferSize)
	b.subscribers[name] = ch

	b.dropMu.Lock()
	b.dropped[name] = &atomic.Uint64{}
	b.dropMu.Unlock()

	b.logger.Info("statebus: subscriber registered", zap.String("name", name), zap.Int("buffer_size", b.bufferSize))
	return ch
}

// Publish fans a Transition out to every subscriber, non-blocking.
func (b *Bus) Publish(t *Transition) {
	if b.closed.Load() {
		return
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for name, ch := range b.subscribers {
		select {
		case ch <- t:
		default:
			b.dropMu.RLock()
			if counter, ok := b.dropped[name]; ok {
				counter.Add(1)
			}
			b.dropMu.RUnlock()
		}
	}
}

// Close stops the bus and closes every subscriber channel.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, ch := range b.subscribers {
		close(ch)
		b.logger.Debug("statebus: subscriber closed", zap.String("name", name))
	}
}

// Stats is a point-in-time snapshot of bus throughput/backpressure.
type Stats struct {
	Published           uint64
	DroppedBySubscriber map[string]uint64
	QueueDepth          map[string]int
}

// Stats returns the current bus statistics.
func (b *Bus) Stats() Stats {
	s := Stats{
		Published:           b.published.Load(),
		DroppedBySubscriber: make(map[string]uint64),
		QueueDepth:          make(map[string]int),
	}
	b.mu.RLock()
	for name, ch := range b.subscribers {
		s.QueueDepth[name] = len(ch)
	}
	b.mu.RUnlock()

	b.dropMu.RLock()
	for name, counter := range b.dropped {
		s.DroppedBySubscriber[name] = counter.Load()
	}
	b.dropMu.RUnlock()
	return s
}
