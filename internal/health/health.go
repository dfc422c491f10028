// Package health implements per-target probing (TCP/HTTP/HTTPS), threshold
// based status transitions, and gradual weight-ramp recovery (spec.md §4.7).
package health

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/xdplb/internal/constants"
)

// Status is a target's health classification.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusDegraded // gradual-recovery ramp in progress
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Kind selects the probe protocol.
type Kind int

const (
	KindNone Kind = iota
	KindTCP
	KindHTTP
	KindHTTPS
)

// Spec configures one target's prober.
type Spec struct {
	Kind               Kind
	Interval           time.Duration
	Timeout            time.Duration
	Path               string
	ExpectedStatuses   []int
	HealthyThreshold   int
	UnhealthyThreshold int
}

// DefaultSpec returns a Spec with spec.md's documented defaults.
func DefaultSpec(kind Kind) Spec {
	return Spec{
		Kind:               kind,
		Interval:           time.Duration(constants.DefaultCheckIntervalMs) * time.Millisecond,
		Timeout:            time.Duration(constants.DefaultCheckTimeoutMs) * time.Millisecond,
		Path:               "/",
		ExpectedStatuses:   []int{200},
		HealthyThreshold:   constants.DefaultHealthyThreshold,
		UnhealthyThreshold: constants.DefaultUnhealthyThreshold,
	}
}

// TargetHealth is the live health record for one backend.
type TargetHealth struct {
	Addr   string
	Port   uint16
	Status Status

	consecutiveOK   int
	consecutiveFail int
	recoveryStep    int // 0..MaxRecoveryStep during StatusDegraded

	// Version is a Lamport-ordered stamp set whenever Status changes,
	// either by a local probe transition or by an applied remote
	// StateRecord — see stateprovider.go.
	Version uint64

	LastError   string
	LastLatency time.Duration
	LastCheck   time.Time
}

// Weight returns the traffic-share multiplier (0-100) for the target's
// current status: 0 while unhealthy, a ramp of 25/50/75/100 while
// recovering, 100 once fully healthy.
func (t TargetHealth) Weight() int {
	switch t.Status {
	case StatusHealthy:
		return 100
	case StatusDegraded:
		return (t.recoveryStep + 1) * 100 / constants.RecoveryStepCount
	default:
		return 0
	}
}

// ProxyHealth aggregates every target's TargetHealth for one proxy.
type ProxyHealth struct {
	ProxyName string
	Targets   map[string]*TargetHealth // keyed by "addr:port"
}

// Transition describes a target health status change, published on the
// statebus for the cluster/controlapi/history subsystems to consume.
type Transition struct {
	ProxyName string
	Addr      string
	Port      uint16
	From      Status
	To        Status
	At        time.Time
}

// Prober runs jittered, per-target probe loops and keeps a ProxyHealth
// table up to date. Grounded on the lock-guarded-manager-with-callback
// shape of internal/metadata.Cache.
type Prober struct {
	log *zap.Logger

	mu     sync.Mutex
	health map[string]*ProxyHealth // keyed by proxy name
	wg     sync.WaitGroup

	onTransition func(Transition)
	nextVersion  func() uint64
}

// New builds a Prober. onTransition is called (from a probe goroutine,
// so it must not block) whenever a target's Status changes.
func New(log *zap.Logger, onTransition func(Transition)) *Prober {
	var fallback atomic.Uint64
	return &Prober{
		log:          log.Named("health"),
		health:       make(map[string]*ProxyHealth),
		onTransition: onTransition,
		nextVersion:  func() uint64 { return fallback.Add(1) },
	}
}

// SetVersionSource overrides the counter used to stamp TargetHealth.Version
// on status transitions, so it can share the cluster's process-wide
// Lamport clock instead of a Prober-local counter once cluster sync is
// enabled. Must be called before Watch.
func (p *Prober) SetVersionSource(next func() uint64) {
	p.nextVersion = next
}

// Watch registers a target under a proxy and starts its probe loop. Context
// cancellation stops the loop; callers track their own cancel funcs (the
// coordinator cancels all of them together on shutdown).
func (p *Prober) Watch(ctx context.Context, proxyName, addr string, port uint16, spec Spec) {
	key := fmt.Sprintf("%s:%d", addr, port)

	p.mu.Lock()
	ph, ok := p.health[proxyName]
	if !ok {
		ph = &ProxyHealth{ProxyName: proxyName, Targets: make(map[string]*TargetHealth)}
		p.health[proxyName] = ph
	}
	th := &TargetHealth{Addr: addr, Port: port, Status: StatusUnknown}
	ph.Targets[key] = th
	p.mu.Unlock()

	if spec.Kind == KindNone {
		p.mu.Lock()
		th.Status = StatusHealthy
		p.mu.Unlock()
		return
	}

	p.wg.Add(1)
	go p.probeLoop(ctx, proxyName, key, th, spec)
}

// jitter returns a duration in [0.8*d, 1.2*d) so many targets' probes don't
// all land on the same tick.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	delta := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}

func (p *Prober) probeLoop(ctx context.Context, proxyName, key string, th *TargetHealth, spec Spec) {
	defer p.wg.Done()

	timer := time.NewTimer(jitter(spec.Interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.runOnce(ctx, proxyName, key, th, spec)
			timer.Reset(jitter(spec.Interval))
		}
	}
}

func (p *Prober) runOnce(ctx context.Context, proxyName, key string, th *TargetHealth, spec Spec) {
	start := time.Now()
	err := probe(ctx, th.Addr, th.Port, spec)
	latency := time.Since(start)

	p.mu.Lock()
	th.LastCheck = start
	th.LastLatency = latency
	prev := th.Status

	if err != nil {
		th.LastError = err.Error()
		th.consecutiveOK = 0
		th.consecutiveFail++
		if th.consecutiveFail >= spec.UnhealthyThreshold {
			th.Status = StatusUnhealthy
			th.recoveryStep = 0
		}
	} else {
		th.LastError = ""
		th.consecutiveFail = 0
		th.consecutiveOK++
		if th.Status == StatusUnhealthy && th.consecutiveOK >= spec.HealthyThreshold {
			th.Status = StatusDegraded
			th.recoveryStep = 0
			th.consecutiveOK = 0
		} else if th.Status == StatusDegraded && th.consecutiveOK >= spec.HealthyThreshold {
			th.consecutiveOK = 0
			if th.recoveryStep >= constants.MaxRecoveryStep {
				th.Status = StatusHealthy
			} else {
				th.recoveryStep++
			}
		} else if th.Status == StatusUnknown {
			th.Status = StatusHealthy
		}
	}
	next := th.Status
	if next != prev {
		th.Version = p.nextVersion()
	}
	p.mu.Unlock()

	if next != prev && p.onTransition != nil {
		p.onTransition(Transition{
			ProxyName: proxyName,
			Addr:      th.Addr,
			Port:      th.Port,
			From:      prev,
			To:        next,
			At:        start,
		})
	}
}

// probe runs a single TCP/HTTP/HTTPS check against addr:port.
func probe(ctx context.Context, addr string, port uint16, spec Spec) error {
	ctx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	target := fmt.Sprintf("%s:%d", addr, port)

	switch spec.Kind {
	case KindTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return fmt.Errorf("%s: %w", classifyProbeError(err), err)
		}
		return conn.Close()

	case KindHTTP, KindHTTPS:
		scheme := "http"
		transport := &http.Transport{}
		if spec.Kind == KindHTTPS {
			scheme = "https"
			// Verifies against the default trust store: a self-signed
			// backend must fail the probe, not pass it.
			transport.TLSClientConfig = &tls.Config{}
		}
		client := &http.Client{Transport: transport, Timeout: spec.Timeout}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, scheme+"://"+target+spec.Path, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", classifyProbeError(err), err)
		}
		defer resp.Body.Close()

		for _, want := range spec.ExpectedStatuses {
			if resp.StatusCode == want {
				return nil
			}
		}
		return fmt.Errorf("%s: got status %d", constants.ErrUnexpectedStatus, resp.StatusCode)

	default:
		return nil
	}
}

// classifyProbeError maps a dial/request error to one of §4.7's error
// classes so the control API and metrics can distinguish why a target
// failed instead of collapsing everything into one bucket.
func classifyProbeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return constants.ErrTimeout
	}

	var unknownAuth x509.UnknownAuthorityError
	var certInvalid x509.CertificateInvalidError
	var hostMismatch x509.HostnameError
	var recordHeader tls.RecordHeaderError
	if errors.As(err, &unknownAuth) || errors.As(err, &certInvalid) ||
		errors.As(err, &hostMismatch) || errors.As(err, &recordHeader) {
		return constants.ErrSSLError
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch {
		case errors.Is(opErr.Err, syscall.ECONNREFUSED):
			return constants.ErrConnectionRefused
		case errors.Is(opErr.Err, syscall.EHOSTUNREACH), errors.Is(opErr.Err, syscall.ENETUNREACH):
			return constants.ErrNoRoute
		case opErr.Timeout():
			return constants.ErrTimeout
		}
	}

	return constants.ErrIOError
}

// Snapshot returns a shallow copy of a proxy's current health table for
// read-only inspection (control API, metrics collection).
func (p *Prober) Snapshot(proxyName string) map[string]TargetHealth {
	p.mu.Lock()
	defer p.mu.Unlock()

	ph, ok := p.health[proxyName]
	if !ok {
		return nil
	}
	out := make(map[string]TargetHealth, len(ph.Targets))
	for k, v := range ph.Targets {
		out[k] = *v
	}
	return out
}

// Wait blocks until every probe loop started by Watch has returned (their
// contexts must already be cancelled by the caller).
func (p *Prober) Wait() {
	p.wg.Wait()
}
