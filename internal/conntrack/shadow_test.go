package conntrack

import (
	"testing"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/xdplb/internal/cluster"
	"github.com/sureshkrishnan-v/xdplb/internal/maps"
)

func newTestStore(owner, proxyName string) *ShadowStore {
	return NewShadowStore(zap.NewNop(), maps.NewSet(nil, nil, nil, nil, nil), owner, proxyName)
}

func recordFor(proxyName string, key maps.ConntrackKey, owner string, ts uint64, val maps.ConntrackValue) cluster.StateRecord {
	payload, _ := encodeShadowPayload(shadowPayload{Value: val})
	return cluster.StateRecord{
		Kind:      cluster.StateConntrackShadow,
		Key:       proxyName + "\x00" + string(key.Encode()),
		Owner:     owner,
		Timestamp: ts,
		Payload:   payload,
	}
}

func TestShadowStore_MergeRejectsOwnRecords(t *testing.T) {
	s := newTestStore("node-a", "proxy1")
	key := maps.ConntrackKey{SrcAddr: 1, DstAddr: 2}
	rec := recordFor("proxy1", key, "node-a", 1, maps.ConntrackValue{})

	changed, err := s.merge(rec)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if changed {
		t.Error("expected own records to be ignored")
	}
}

func TestShadowStore_MergeAcceptsNewerRemote(t *testing.T) {
	s := newTestStore("node-a", "proxy1")
	key := maps.ConntrackKey{SrcAddr: 1, DstAddr: 2}

	rec1 := recordFor("proxy1", key, "node-b", 5, maps.ConntrackValue{LastSeenNs: 5})
	changed, err := s.merge(rec1)
	if err != nil || !changed {
		t.Fatalf("first merge: changed=%v err=%v", changed, err)
	}

	rec2 := recordFor("proxy1", key, "node-b", 3, maps.ConntrackValue{LastSeenNs: 3})
	changed, err = s.merge(rec2)
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if changed {
		t.Error("an older timestamp must not overwrite a newer shadow entry")
	}
}

func TestShadowStore_MergeIgnoresOtherProxy(t *testing.T) {
	s := newTestStore("node-a", "proxy1")
	key := maps.ConntrackKey{SrcAddr: 1, DstAddr: 2}
	rec := recordFor("proxy2", key, "node-b", 1, maps.ConntrackValue{})

	changed, err := s.merge(rec)
	if err != nil || changed {
		t.Fatalf("expected record for a different proxy to be ignored, got changed=%v err=%v", changed, err)
	}
}

func TestShadowStore_PromoteOwnerClearsEmptySet(t *testing.T) {
	s := newTestStore("node-a", "proxy1")
	s.PromoteOwner("node-b") // no entries recorded; must not panic or touch s.set

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byOwner["node-b"]; ok {
		t.Error("expected no shadow set to remain for an owner with no entries")
	}
}

func TestShadowAggregator_RoutesByProxyPrefix(t *testing.T) {
	agg := NewShadowAggregator()
	s1 := newTestStore("node-a", "proxy1")
	s2 := newTestStore("node-a", "proxy2")
	agg.Add(s1)
	agg.Add(s2)

	key := maps.ConntrackKey{SrcAddr: 1, DstAddr: 2}
	rec := recordFor("proxy2", key, "node-b", 1, maps.ConntrackValue{})

	changed, err := agg.Merge(rec)
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}

	s1.mu.Lock()
	_, onS1 := s1.byOwner["node-b"]
	s1.mu.Unlock()
	if onS1 {
		t.Error("record for proxy2 must not land in proxy1's store")
	}

	s2.mu.Lock()
	_, onS2 := s2.byOwner["node-b"]
	s2.mu.Unlock()
	if !onS2 {
		t.Error("record for proxy2 must land in proxy2's store")
	}
}
