// Package circuitbreaker implements a per-target CLOSED/OPEN/HALF_OPEN
// circuit breaker with a rolling error-rate window (spec.md §4.8).
package circuitbreaker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/xdplb/internal/constants"
)

// State is the breaker's current position in the state machine.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config tunes one breaker instance.
type Config struct {
	Window           time.Duration
	MinRequests      int
	ErrorThresholdPc float64
	OpenDuration     time.Duration
	HalfOpenRequests int
	CheckInterval    time.Duration
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		Window:           time.Duration(constants.DefaultCBWindowMs) * time.Millisecond,
		MinRequests:      constants.DefaultCBMinRequests,
		ErrorThresholdPc: constants.DefaultCBErrorThresholdPc,
		OpenDuration:     time.Duration(constants.DefaultCBOpenDurationMs) * time.Millisecond,
		HalfOpenRequests: constants.DefaultCBHalfOpenRequests,
		CheckInterval:    time.Duration(constants.DefaultCBCheckIntervalMs) * time.Millisecond,
	}
}

// bucket is one window slot tallying successes/failures with bare atomics —
// the same bookkeeping shape internal/event.Bus uses for its per-subscriber
// drop counters.
type bucket struct {
	successes atomic.Uint64
	failures  atomic.Uint64
	start     int64 // unix nanos, set when the bucket is (re)opened
}

// Breaker tracks one target's rolling error window and state transitions.
type Breaker struct {
	cfg Config

	mu       sync.Mutex
	state    State
	version  uint64
	buckets  []bucket
	openedAt time.Time
	halfOpenInFlight int

	onTransition func(from, to State)
	nextVersion  func() uint64
}

// New builds a Breaker with cfg.Window sliced into 10 sub-buckets, so the
// rolling sum approximates a sliding window without storing a record per
// request.
func New(cfg Config, onTransition func(from, to State)) *Breaker {
	const subBuckets = 10
	var fallback atomic.Uint64
	return &Breaker{
		cfg:          cfg,
		buckets:      make([]bucket, subBuckets),
		onTransition: onTransition,
		nextVersion:  func() uint64 { return fallback.Add(1) },
	}
}

// SetVersionSource overrides the counter used to stamp state-transition
// versions, so it can share the cluster's process-wide Lamport clock
// instead of a Breaker-local counter once cluster sync is enabled.
func (b *Breaker) SetVersionSource(next func() uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextVersion = next
}

func (b *Breaker) bucketDuration() time.Duration {
	return b.cfg.Window / time.Duration(len(b.buckets))
}

func (b *Breaker) currentBucket(now time.Time) *bucket {
	idx := (now.UnixNano() / int64(b.bucketDuration())) % int64(len(b.buckets))
	bk := &b.buckets[idx]
	bucketStart := now.Truncate(b.bucketDuration()).UnixNano()
	if bk.start != bucketStart {
		bk.successes.Store(0)
		bk.failures.Store(0)
		bk.start = bucketStart
	}
	return bk
}

// Allow reports whether a request may proceed: always true when CLOSED,
// false while OPEN (until OpenDuration elapses, at which point the breaker
// flips itself to HALF_OPEN and allows a bounded number of trial requests).
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cfg.OpenDuration {
			b.transition(HalfOpen)
			b.halfOpenInFlight = 0
		} else {
			return false
		}
		fallthrough
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenRequests {
			return false
		}
		b.halfOpenInFlight++
		return true
	default:
		return true
	}
}

// Record tallies the outcome of a request Allow previously admitted, and
// evaluates the CLOSED->OPEN and HALF_OPEN->CLOSED/OPEN transitions.
func (b *Breaker) Record(success bool) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	bk := b.currentBucket(now)
	if success {
		bk.successes.Add(1)
	} else {
		bk.failures.Add(1)
	}

	switch b.state {
	case Closed:
		total, errPct := b.errorRate()
		if total >= b.cfg.MinRequests && errPct >= b.cfg.ErrorThresholdPc {
			b.openedAt = now
			b.transition(Open)
		}
	case HalfOpen:
		if !success {
			b.openedAt = now
			b.transition(Open)
		} else if b.halfOpenInFlight >= b.cfg.HalfOpenRequests {
			b.transition(Closed)
			b.resetBuckets()
		}
	}
}

// errorRate sums every sub-bucket (the caller holds b.mu).
func (b *Breaker) errorRate() (total int, errPct float64) {
	var successes, failures uint64
	for i := range b.buckets {
		successes += b.buckets[i].successes.Load()
		failures += b.buckets[i].failures.Load()
	}
	total = int(successes + failures)
	if total == 0 {
		return 0, 0
	}
	errPct = float64(failures) / float64(total) * 100
	return total, errPct
}

func (b *Breaker) resetBuckets() {
	for i := range b.buckets {
		b.buckets[i].successes.Store(0)
		b.buckets[i].failures.Store(0)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.version = b.nextVersion()
	if b.onTransition != nil {
		onTransition := b.onTransition
		go onTransition(from, to)
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// snapshot returns the breaker's current state and version together,
// consistent with each other (caller doesn't hold b.mu).
func (b *Breaker) snapshot() (State, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.version
}

// statePriority orders States for cross-node conflict resolution: open
// always beats non-open, half_open beats closed (spec.md §4.9).
func statePriority(s State) int {
	switch s {
	case Open:
		return 2
	case HalfOpen:
		return 1
	default:
		return 0
	}
}

// applyRemote overwrites local state with a remote (state, version) pair
// if it outranks the local one, per statePriority with strictly-newer
// tiebreaking within the same tier. Returns whether anything changed.
func (b *Breaker) applyRemote(remote State, remoteVersion uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	rp, lp := statePriority(remote), statePriority(b.state)
	apply := rp > lp || (rp == lp && remoteVersion > b.version)
	if !apply {
		return false
	}
	from := b.state
	b.state = remote
	b.version = remoteVersion
	if from != remote && b.onTransition != nil {
		onTransition := b.onTransition
		go onTransition(from, remote)
	}
	return true
}

// Sweeper periodically evaluates every registered Breaker's OPEN timeout so
// targets with no traffic still transition to HALF_OPEN on schedule, rather
// than only on the next Allow() call.
type Sweeper struct {
	log *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper builds a Sweeper with the given tick interval.
func NewSweeper(log *zap.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Duration(constants.DefaultCBCheckIntervalMs) * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		log:      log.Named("circuitbreaker"),
		breakers: make(map[string]*Breaker),
		interval: interval,
	}
}

// Register adds a breaker under a stable key (e.g. "proxy/addr:port").
func (s *Sweeper) Register(key string, b *Breaker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers[key] = b
}

// Unregister removes a breaker, e.g. when a target is removed from config.
func (s *Sweeper) Unregister(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, key)
}

// Start begins the periodic Allow()-poke loop (calling Allow has the
// side effect of performing the OPEN->HALF_OPEN transition check).
func (s *Sweeper) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(runCtx)
	return nil
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
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
			s.mu.Lock()
			for _, b := range s.breakers {
				b.Allow()
			}
			s.mu.Unlock()
		}
	}
}
