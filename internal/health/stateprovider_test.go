package health

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/xdplb/internal/cluster"
)

func TestStateProvider_MergeAppliesNewerRemoteStatus(t *testing.T) {
	p := New(zap.NewNop(), nil)
	p.Watch(context.Background(), "proxy1", "10.0.0.1", 80, Spec{Kind: KindNone})
	sp := p.NewStateProvider("node-a", nil)

	payload, err := encodeHealthPayload(healthPayload{Status: StatusUnhealthy})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rec := cluster.StateRecord{
		Kind:      cluster.StateHealth,
		Key:       "proxy1/10.0.0.1:80",
		Owner:     "node-b",
		Timestamp: 100,
		Payload:   payload,
	}

	changed, err := sp.Merge(rec)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !changed {
		t.Fatal("expected a strictly newer remote record to apply")
	}

	snap := p.Snapshot("proxy1")
	if snap["10.0.0.1:80"].Status != StatusUnhealthy {
		t.Errorf("Status = %v, want StatusUnhealthy", snap["10.0.0.1:80"].Status)
	}
}

func TestStateProvider_MergeRejectsStaleVersion(t *testing.T) {
	p := New(zap.NewNop(), nil)
	p.Watch(context.Background(), "proxy1", "10.0.0.1", 80, Spec{Kind: KindNone})
	sp := p.NewStateProvider("node-a", nil)

	newer, err := encodeHealthPayload(healthPayload{Status: StatusUnhealthy})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := sp.Merge(cluster.StateRecord{
		Kind: cluster.StateHealth, Key: "proxy1/10.0.0.1:80",
		Owner: "node-b", Timestamp: 50, Payload: newer,
	}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	stale, err := encodeHealthPayload(healthPayload{Status: StatusHealthy})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	changed, err := sp.Merge(cluster.StateRecord{
		Kind: cluster.StateHealth, Key: "proxy1/10.0.0.1:80",
		Owner: "node-c", Timestamp: 10, Payload: stale,
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if changed {
		t.Error("a record with an older timestamp must not override a newer one")
	}

	snap := p.Snapshot("proxy1")
	if snap["10.0.0.1:80"].Status != StatusUnhealthy {
		t.Errorf("Status = %v, want StatusUnhealthy to remain", snap["10.0.0.1:80"].Status)
	}
}

func TestStateProvider_MergeIgnoresUnknownTarget(t *testing.T) {
	p := New(zap.NewNop(), nil)
	p.Watch(context.Background(), "proxy1", "10.0.0.1", 80, Spec{Kind: KindNone})
	sp := p.NewStateProvider("node-a", nil)

	payload, err := encodeHealthPayload(healthPayload{Status: StatusUnhealthy})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	changed, err := sp.Merge(cluster.StateRecord{
		Kind: cluster.StateHealth, Key: "proxy1/10.0.0.2:80",
		Owner: "node-b", Timestamp: 1, Payload: payload,
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if changed {
		t.Error("expected no change for a target this node isn't probing")
	}
}

func TestStateProvider_MergeFiresOnChangeCallback(t *testing.T) {
	p := New(zap.NewNop(), nil)
	p.Watch(context.Background(), "proxy1", "10.0.0.1", 80, Spec{Kind: KindNone})

	var notified string
	sp := p.NewStateProvider("node-a", func(proxyName string) { notified = proxyName })

	payload, err := encodeHealthPayload(healthPayload{Status: StatusUnhealthy})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := sp.Merge(cluster.StateRecord{
		Kind: cluster.StateHealth, Key: "proxy1/10.0.0.1:80",
		Owner: "node-b", Timestamp: 1, Payload: payload,
	}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if notified != "proxy1" {
		t.Errorf("onChange called with %q, want %q", notified, "proxy1")
	}
}
