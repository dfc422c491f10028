package circuitbreaker

import (
	"testing"

	"github.com/sureshkrishnan-v/xdplb/internal/cluster"
)

func TestStateProvider_SnapshotAndMergeRoundTrip(t *testing.T) {
	sweeper := NewSweeper(nil, 0)
	local := New(DefaultConfig(), nil)
	sweeper.Register("proxy1/10.0.0.1:80", local)
	sp := sweeper.NewStateProvider("node-a")

	remote := New(DefaultConfig(), nil)
	remote.transition(Open)
	remoteSweeper := NewSweeper(nil, 0)
	remoteSweeper.Register("proxy1/10.0.0.1:80", remote)
	remoteSP := remoteSweeper.NewStateProvider("node-b")

	records := remoteSP.Snapshot()
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}

	changed, err := sp.Merge(records[0])
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !changed {
		t.Fatal("expected the local breaker to pick up the remote Open state")
	}
	if local.State() != Open {
		t.Errorf("local.State() = %v, want Open", local.State())
	}
}

func TestStateProvider_MergeIgnoresUnknownKey(t *testing.T) {
	sweeper := NewSweeper(nil, 0)
	sp := sweeper.NewStateProvider("node-a")

	payload, err := encodeCBPayload(cbPayload{State: Open})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rec := cluster.StateRecord{
		Kind:      cluster.StateCircuitBreaker,
		Key:       "unknown-key",
		Owner:     "node-b",
		Timestamp: 1,
		Payload:   payload,
	}

	changed, err := sp.Merge(rec)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if changed {
		t.Error("expected no change for a key this node never registered")
	}
}
