package health

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strings"

	"github.com/sureshkrishnan-v/xdplb/internal/cluster"
)

// StateProvider plugs the Prober's per-target Status into the cluster's
// gossip and anti-entropy paths, applying the last-writer-wins-by-version
// rule spec.md §4.9 names for health state.
type StateProvider struct {
	p        *Prober
	owner    string
	onChange func(proxyName string)
}

// NewStateProvider wraps p for cluster registration. owner is this node's
// name (stamped on locally produced records); onChange, if non-nil, is
// called (synchronously, from a push-pull or gossip dispatch goroutine)
// whenever a remote record changes this node's view of a target's status,
// so the coordinator can recompute the affected proxy's route.
func (p *Prober) NewStateProvider(owner string, onChange func(proxyName string)) *StateProvider {
	return &StateProvider{p: p, owner: owner, onChange: onChange}
}

func (sp *StateProvider) Kind() cluster.StateKind { return cluster.StateHealth }

type healthPayload struct {
	Status Status
}

// Snapshot returns every locally tracked target's status, keyed
// "proxyName/addr:port" to match the breaker keying convention the
// coordinator already uses.
func (sp *StateProvider) Snapshot() []cluster.StateRecord {
	sp.p.mu.Lock()
	defer sp.p.mu.Unlock()

	var out []cluster.StateRecord
	for proxyName, ph := range sp.p.health {
		for key, th := range ph.Targets {
			payload, err := encodeHealthPayload(healthPayload{Status: th.Status})
			if err != nil {
				continue
			}
			out = append(out, cluster.StateRecord{
				Kind:      cluster.StateHealth,
				Key:       proxyName + "/" + key,
				Owner:     sp.owner,
				Timestamp: th.Version,
				Payload:   payload,
			})
		}
	}
	return out
}

// Merge applies a remote health record if it's strictly newer than the
// locally known version for that target. Targets this node isn't itself
// probing are ignored — a proxy/target pair only exists here once this
// node's own coordinator has registered it.
func (sp *StateProvider) Merge(rec cluster.StateRecord) (bool, error) {
	proxyName, key, ok := splitProxyKey(rec.Key)
	if !ok {
		return false, fmt.Errorf("health: malformed state key %q", rec.Key)
	}
	var payload healthPayload
	if err := decodeHealthPayload(rec.Payload, &payload); err != nil {
		return false, fmt.Errorf("health: decoding state payload: %w", err)
	}

	sp.p.mu.Lock()
	ph, ok := sp.p.health[proxyName]
	if !ok {
		sp.p.mu.Unlock()
		return false, nil
	}
	th, ok := ph.Targets[key]
	if !ok {
		sp.p.mu.Unlock()
		return false, nil
	}
	if rec.Timestamp <= th.Version {
		sp.p.mu.Unlock()
		return false, nil
	}
	changed := th.Status != payload.Status
	th.Status = payload.Status
	th.Version = rec.Timestamp
	sp.p.mu.Unlock()

	if changed && sp.onChange != nil {
		sp.onChange(proxyName)
	}
	return changed, nil
}

func splitProxyKey(combined string) (proxyName, key string, ok bool) {
	i := strings.IndexByte(combined, '/')
	if i < 0 {
		return "", "", false
	}
	return combined[:i], combined[i+1:], true
}

func encodeHealthPayload(p healthPayload) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeHealthPayload(b []byte, p *healthPayload) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(p)
}
