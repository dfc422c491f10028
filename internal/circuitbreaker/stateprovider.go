package circuitbreaker

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/sureshkrishnan-v/xdplb/internal/cluster"
)

// StateProvider plugs every breaker the Sweeper tracks into the cluster's
// gossip and anti-entropy paths, applying the open-beats-half_open-beats-
// closed priority rule spec.md §4.9 names for circuit-breaker state.
type StateProvider struct {
	s     *Sweeper
	owner string
}

// NewStateProvider wraps s for cluster registration. owner is this node's
// name, stamped on locally produced records.
func (s *Sweeper) NewStateProvider(owner string) *StateProvider {
	return &StateProvider{s: s, owner: owner}
}

func (sp *StateProvider) Kind() cluster.StateKind { return cluster.StateCircuitBreaker }

type cbPayload struct {
	State State
}

// Snapshot returns every registered breaker's (state, version), keyed
// identically to how the coordinator registers it with the Sweeper
// ("proxyName/addr:port").
func (sp *StateProvider) Snapshot() []cluster.StateRecord {
	sp.s.mu.Lock()
	breakers := make(map[string]*Breaker, len(sp.s.breakers))
	for k, b := range sp.s.breakers {
		breakers[k] = b
	}
	sp.s.mu.Unlock()

	var out []cluster.StateRecord
	for key, b := range breakers {
		state, version := b.snapshot()
		payload, err := encodeCBPayload(cbPayload{State: state})
		if err != nil {
			continue
		}
		out = append(out, cluster.StateRecord{
			Kind:      cluster.StateCircuitBreaker,
			Key:       key,
			Owner:     sp.owner,
			Timestamp: version,
			Payload:   payload,
		})
	}
	return out
}

// Merge applies a remote breaker record via Breaker.applyRemote's priority
// rule. Breakers this node doesn't itself register are ignored.
func (sp *StateProvider) Merge(rec cluster.StateRecord) (bool, error) {
	var payload cbPayload
	if err := decodeCBPayload(rec.Payload, &payload); err != nil {
		return false, fmt.Errorf("circuitbreaker: decoding state payload: %w", err)
	}

	sp.s.mu.Lock()
	b, ok := sp.s.breakers[rec.Key]
	sp.s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return b.applyRemote(payload.State, rec.Timestamp), nil
}

func encodeCBPayload(p cbPayload) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeCBPayload(b []byte, p *cbPayload) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(p)
}
