package cluster

import "fmt"

// StateKind identifies one of the syncable state categories spec.md §4.9
// names: health, circuit-breaker, drain, and conntrack-shadow.
type StateKind string

const (
	StateHealth          StateKind = "health"
	StateCircuitBreaker  StateKind = "circuit_breaker"
	StateDrain           StateKind = "drain"
	StateConntrackShadow StateKind = "conntrack_shadow"
)

// StateRecord is one piece of SyncableState on the wire: an opaque payload
// tagged with its kind, owning node, and Lamport timestamp, so a receiver
// can apply the right StateProvider's conflict resolution without knowing
// the payload's concrete Go type.
type StateRecord struct {
	Kind      StateKind
	Key       string // e.g. "proxy/addr:port" for health, "addr" for drain
	Owner     string // node name that produced this record
	Timestamp uint64 // Lamport clock value at write time
	Payload   []byte // gob-encoded provider-specific value
}

// StateProvider lets each subsystem (health, circuitbreaker, ...) plug its
// own state type and conflict-resolution rule into the cluster's
// anti-entropy and gossip paths, without the cluster package needing to
// know their concrete types.
type StateProvider interface {
	Kind() StateKind

	// Snapshot returns every locally known record of this kind, for
	// anti-entropy push-pull exchanges.
	Snapshot() []StateRecord

	// Merge applies a remote record, returning true if it changed local
	// state (and should therefore be re-gossiped). Conflict resolution
	// is provider-specific: last-Lamport-timestamp-wins is the default
	// every provider in this package uses, but a provider may apply
	// domain rules (e.g. "unhealthy beats healthy at equal timestamp").
	Merge(rec StateRecord) (changed bool, err error)
}

// providerRegistry dispatches StateRecords to the right StateProvider by
// Kind, the way internal/config.ModuleConf dispatches by module name.
type providerRegistry struct {
	providers map[StateKind]StateProvider
}

func newProviderRegistry() *providerRegistry {
	return &providerRegistry{providers: make(map[StateKind]StateProvider)}
}

func (r *providerRegistry) register(p StateProvider) {
	r.providers[p.Kind()] = p
}

func (r *providerRegistry) merge(rec StateRecord) (bool, error) {
	p, ok := r.providers[rec.Kind]
	if !ok {
		return false, fmt.Errorf("cluster: no StateProvider registered for kind %q", rec.Kind)
	}
	return p.Merge(rec)
}

func (r *providerRegistry) snapshotAll() []StateRecord {
	var out []StateRecord
	for _, p := range r.providers {
		out = append(out, p.Snapshot()...)
	}
	return out
}
