package conntrack

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/xdplb/internal/cluster"
	"github.com/sureshkrishnan-v/xdplb/internal/maps"
)

// ShadowStore holds conntrack entries owned by other cluster members for
// one proxy's kernel map, received over the anti-entropy path and keyed by
// owner node name. Entries never affect local routing or SNAT on their
// own; they are promoted into the live kernel table only once their
// owning node is declared dead (spec.md §4.9), so a failover takes over
// in-flight connections instead of dropping them.
type ShadowStore struct {
	log       *zap.Logger
	set       *maps.Set
	owner     string
	proxyName string

	mu sync.Mutex
	// byOwner[owner][encoded key] -> shadow entry
	byOwner map[string]map[string]shadowEntry
}

type shadowEntry struct {
	value     maps.ConntrackValue
	timestamp uint64
}

// NewShadowStore builds a ShadowStore over one proxy's conntrack map. owner
// is this node's own name (the local node's own live conntrack entries are
// re-read from set on every Snapshot, so there is no separate local cache
// to keep in sync). proxyName scopes this store's StateRecord keys so one
// cluster-wide aggregator can multiplex several proxies' stores.
func NewShadowStore(log *zap.Logger, set *maps.Set, owner, proxyName string) *ShadowStore {
	return &ShadowStore{
		log:       log.Named("conntrack-shadow"),
		set:       set,
		owner:     owner,
		proxyName: proxyName,
		byOwner:   make(map[string]map[string]shadowEntry),
	}
}

// PromoteOwner writes every shadow entry recorded for the given owner into
// the live kernel table, refreshing LastSeenNs so the idle sweeper gives
// the migrated connection a full timeout window, then clears that owner's
// shadow set. Called from Cluster.OnMemberDead via the coordinator's
// per-cluster aggregator.
func (s *ShadowStore) PromoteOwner(ownerName string) {
	s.mu.Lock()
	entries := s.byOwner[ownerName]
	delete(s.byOwner, ownerName)
	s.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	promoted := 0
	for encodedKey, e := range entries {
		key, err := maps.DecodeConntrackKey([]byte(encodedKey))
		if err != nil {
			continue
		}
		if err := s.set.PutConnection(key, e.value); err != nil {
			s.log.Warn("failed to promote shadow connection", zap.String("owner", ownerName), zap.Error(err))
			continue
		}
		promoted++
	}
	if promoted > 0 {
		s.log.Info("promoted shadow connections from dead peer",
			zap.String("proxy", s.proxyName), zap.String("owner", ownerName), zap.Int("count", promoted))
	}
}

// snapshot returns this node's own live conntrack table as gob-encoded
// shadow payloads, scoped under this store's proxyName so a cluster-wide
// aggregator can fan them out under one StateProvider.
func (s *ShadowStore) snapshot() []cluster.StateRecord {
	conns, err := s.set.ListConnections()
	if err != nil {
		return nil
	}

	out := make([]cluster.StateRecord, 0, len(conns))
	for _, c := range conns {
		payload, err := encodeShadowPayload(shadowPayload{Value: c.Value})
		if err != nil {
			continue
		}
		out = append(out, cluster.StateRecord{
			Kind:      cluster.StateConntrackShadow,
			Key:       s.proxyName + "\x00" + string(c.Key.Encode()),
			Owner:     s.owner,
			Timestamp: c.Value.LastSeenNs,
			Payload:   payload,
		})
	}
	return out
}

// merge records a remote connection (owned by rec.Owner) in this store's
// shadow set, replacing any existing entry for that 5-tuple only if the
// remote is newer. Returns false without error if rec.Key doesn't belong
// to this store's proxy — callers route by ProxyName first, so this is
// just a defensive check.
func (s *ShadowStore) merge(rec cluster.StateRecord) (bool, error) {
	if rec.Owner == s.owner {
		return false, nil
	}

	proxyName, encodedKey, ok := splitShadowKey(rec.Key)
	if !ok || proxyName != s.proxyName {
		return false, nil
	}

	var payload shadowPayload
	if err := decodeShadowPayload(rec.Payload, &payload); err != nil {
		return false, fmt.Errorf("conntrack: decoding shadow payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.byOwner[rec.Owner]
	if !ok {
		set = make(map[string]shadowEntry)
		s.byOwner[rec.Owner] = set
	}
	existing, ok := set[encodedKey]
	if ok && rec.Timestamp <= existing.timestamp {
		return false, nil
	}
	set[encodedKey] = shadowEntry{value: payload.Value, timestamp: rec.Timestamp}
	return true, nil
}

type shadowPayload struct {
	Value maps.ConntrackValue
}

func splitShadowKey(combined string) (proxyName, encodedKey string, ok bool) {
	i := bytes.IndexByte([]byte(combined), 0)
	if i < 0 {
		return "", "", false
	}
	return combined[:i], combined[i+1:], true
}

func encodeShadowPayload(p shadowPayload) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeShadowPayload(b []byte, p *shadowPayload) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(p)
}

// ShadowAggregator multiplexes several proxies' ShadowStores under one
// cluster.StateProvider registration, since the registry holds exactly one
// provider per StateKind (spec.md §4.9).
type ShadowAggregator struct {
	mu     sync.Mutex
	stores map[string]*ShadowStore // by proxy name
}

// NewShadowAggregator builds an empty aggregator; call Add for each proxy
// that owns kernel maps before registering it with the cluster.
func NewShadowAggregator() *ShadowAggregator {
	return &ShadowAggregator{stores: make(map[string]*ShadowStore)}
}

// Add registers a proxy's ShadowStore with the aggregator.
func (a *ShadowAggregator) Add(s *ShadowStore) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stores[s.proxyName] = s
}

// PromoteOwner fans out to every proxy's ShadowStore.
func (a *ShadowAggregator) PromoteOwner(ownerName string) {
	a.mu.Lock()
	stores := make([]*ShadowStore, 0, len(a.stores))
	for _, s := range a.stores {
		stores = append(stores, s)
	}
	a.mu.Unlock()

	for _, s := range stores {
		s.PromoteOwner(ownerName)
	}
}

func (a *ShadowAggregator) Kind() cluster.StateKind { return cluster.StateConntrackShadow }

func (a *ShadowAggregator) Snapshot() []cluster.StateRecord {
	a.mu.Lock()
	stores := make([]*ShadowStore, 0, len(a.stores))
	for _, s := range a.stores {
		stores = append(stores, s)
	}
	a.mu.Unlock()

	var out []cluster.StateRecord
	for _, s := range stores {
		out = append(out, s.snapshot()...)
	}
	return out
}

func (a *ShadowAggregator) Merge(rec cluster.StateRecord) (bool, error) {
	proxyName, _, ok := splitShadowKey(rec.Key)
	if !ok {
		return false, fmt.Errorf("conntrack: malformed shadow key %q", rec.Key)
	}

	a.mu.Lock()
	s, ok := a.stores[proxyName]
	a.mu.Unlock()
	if !ok {
		return false, nil
	}
	return s.merge(rec)
}
