package coordinator

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/sureshkrishnan-v/xdplb/internal/cluster"
	"github.com/sureshkrishnan-v/xdplb/internal/statebus"
)

// DrainState is a target's administrative traffic-admission flag, distinct
// from its health/breaker status: an operator or external controller sets
// it ahead of a planned removal so new connections stop landing on the
// target while existing ones finish (spec.md §4.9, §4.10).
type DrainState int

const (
	DrainActive   DrainState = iota // normal, eligible for new traffic
	DrainDraining                   // excluded from new traffic, existing connections left alone
	DrainDrained                    // informational: operator has confirmed the target is fully drained
)

func (s DrainState) String() string {
	switch s {
	case DrainDraining:
		return "draining"
	case DrainDrained:
		return "drained"
	default:
		return "active"
	}
}

// SetDraining sets a target's administrative drain state and recomputes its
// proxy's route so new traffic is steered around it.
func (c *Coordinator) SetDraining(proxyName, key string, state DrainState) error {
	ps, err := c.lookupProxy(proxyName)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	if _, ok := ps.targets[key]; !ok {
		ps.mu.Unlock()
		return fmt.Errorf("coordinator: proxy %q has no target %q", proxyName, key)
	}
	from := ps.draining[key].state
	ps.draining[key] = drainEntry{state: state, version: c.drainNextVersion()}
	ps.mu.Unlock()

	c.publishDrainTransition(proxyName, key, from, state)
	c.recomputeRoute(proxyName)
	return nil
}

// publishDrainTransition mirrors onHealthTransition/onCircuitTransition's
// bus-publish pattern for the fourth transition kind spec.md §4.9 names.
func (c *Coordinator) publishDrainTransition(proxyName, key string, from, to DrainState) {
	bt := statebus.Acquire()
	bt.Kind = statebus.KindDrain
	bt.ProxyName = proxyName
	bt.Target = key
	bt.From = from.String()
	bt.To = to.String()
	bt.At = time.Now()
	c.mirrorTransition(bt)
	c.bus.Publish(bt)
}

// DrainStates returns the administrative drain state for every target under
// a proxy that has ever had one set (targets absent from the map are
// DrainActive).
func (c *Coordinator) DrainStates(proxyName string) map[string]DrainState {
	ps, err := c.lookupProxy(proxyName)
	if err != nil {
		return nil
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make(map[string]DrainState, len(ps.draining))
	for key, e := range ps.draining {
		out[key] = e.state
	}
	return out
}

// drainStatePriority orders DrainStates for cross-node conflict resolution:
// draining beats active; drained is informational and never overrides a
// local draining (spec.md §4.9).
func drainStatePriority(s DrainState) int {
	switch s {
	case DrainDraining:
		return 2
	case DrainDrained:
		return 1
	default:
		return 0
	}
}

// DrainStateProvider plugs every proxy's drain table into the cluster's
// gossip and anti-entropy paths.
type DrainStateProvider struct {
	c     *Coordinator
	owner string
}

// NewDrainStateProvider wraps c for cluster registration.
func (c *Coordinator) NewDrainStateProvider(owner string) *DrainStateProvider {
	return &DrainStateProvider{c: c, owner: owner}
}

func (sp *DrainStateProvider) Kind() cluster.StateKind { return cluster.StateDrain }

type drainPayload struct {
	State DrainState
}

// Snapshot returns every proxy's drain table, keyed "proxyName/addr:port"
// to match the health/circuit-breaker keying convention.
func (sp *DrainStateProvider) Snapshot() []cluster.StateRecord {
	sp.c.mu.RLock()
	proxies := make(map[string]*proxyState, len(sp.c.proxies))
	for name, ps := range sp.c.proxies {
		proxies[name] = ps
	}
	sp.c.mu.RUnlock()

	var out []cluster.StateRecord
	for proxyName, ps := range proxies {
		ps.mu.Lock()
		for key, e := range ps.draining {
			payload, err := encodeDrainPayload(drainPayload{State: e.state})
			if err != nil {
				continue
			}
			out = append(out, cluster.StateRecord{
				Kind:      cluster.StateDrain,
				Key:       proxyName + "/" + key,
				Owner:     sp.owner,
				Timestamp: e.version,
				Payload:   payload,
			})
		}
		ps.mu.Unlock()
	}
	return out
}

// Merge applies a remote drain record per drainStatePriority, with
// strictly-newer tiebreaking within the same tier.
func (sp *DrainStateProvider) Merge(rec cluster.StateRecord) (bool, error) {
	proxyName, key, ok := splitProxyKey(rec.Key)
	if !ok {
		return false, fmt.Errorf("coordinator: malformed drain state key %q", rec.Key)
	}
	var payload drainPayload
	if err := decodeDrainPayload(rec.Payload, &payload); err != nil {
		return false, fmt.Errorf("coordinator: decoding drain payload: %w", err)
	}

	ps, err := sp.c.lookupProxy(proxyName)
	if err != nil {
		return false, nil
	}

	ps.mu.Lock()
	if _, ok := ps.targets[key]; !ok {
		ps.mu.Unlock()
		return false, nil
	}
	local := ps.draining[key]
	rp, lp := drainStatePriority(payload.State), drainStatePriority(local.state)
	apply := rp > lp || (rp == lp && rec.Timestamp > local.version)
	if !apply {
		ps.mu.Unlock()
		return false, nil
	}
	changed := local.state != payload.State
	ps.draining[key] = drainEntry{state: payload.State, version: rec.Timestamp}
	ps.mu.Unlock()

	if changed {
		sp.c.publishDrainTransition(proxyName, key, local.state, payload.State)
		sp.c.recomputeRoute(proxyName)
	}
	return changed, nil
}

// splitProxyKey splits a "proxyName/addr:port" combined key, matching the
// convention internal/health's StateProvider uses.
func splitProxyKey(combined string) (proxyName, key string, ok bool) {
	for i := 0; i < len(combined); i++ {
		if combined[i] == '/' {
			return combined[:i], combined[i+1:], true
		}
	}
	return "", "", false
}

func encodeDrainPayload(p drainPayload) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeDrainPayload(b []byte, p *drainPayload) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(p)
}
