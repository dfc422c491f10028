package coordinator

import (
	"testing"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/xdplb/internal/cluster"
	"github.com/sureshkrishnan-v/xdplb/internal/config"
)

func TestDrainStatePriority_DrainingOutranksActive(t *testing.T) {
	if drainStatePriority(DrainDraining) <= drainStatePriority(DrainActive) {
		t.Error("draining must outrank active")
	}
	if drainStatePriority(DrainDraining) <= drainStatePriority(DrainDrained) {
		t.Error("draining must outrank drained")
	}
}

func newTestCoordinator(t *testing.T, proxyName, targetKey string) *Coordinator {
	t.Helper()
	c := newCoordinator(&config.Config{Agent: config.AgentConfig{NodeName: "node-a"}}, zap.NewNop(), true)
	c.proxies[proxyName] = &proxyState{
		targets:  map[string]config.TargetConfig{targetKey: {IP: "10.0.0.1", Port: 80}},
		draining: make(map[string]drainEntry),
	}
	return c
}

func TestSetDraining_UnknownTargetErrors(t *testing.T) {
	c := newTestCoordinator(t, "proxy1", "10.0.0.1:80")
	if err := c.SetDraining("proxy1", "10.0.0.2:80", DrainDraining); err == nil {
		t.Error("expected error setting drain state on an unregistered target")
	}
}

func TestDrainStateProvider_MergeAppliesDrainingOverActive(t *testing.T) {
	c := newTestCoordinator(t, "proxy1", "10.0.0.1:80")
	sp := c.NewDrainStateProvider("node-a")

	payload, err := encodeDrainPayload(drainPayload{State: DrainDraining})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rec := cluster.StateRecord{
		Kind:      cluster.StateDrain,
		Key:       "proxy1/10.0.0.1:80",
		Owner:     "node-b",
		Timestamp: 1,
		Payload:   payload,
	}

	changed, err := sp.Merge(rec)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !changed {
		t.Fatal("expected draining to apply over the default active state")
	}

	states := c.DrainStates("proxy1")
	if states["10.0.0.1:80"] != DrainDraining {
		t.Errorf("state = %v, want DrainDraining", states["10.0.0.1:80"])
	}
}

func TestDrainStateProvider_MergeDrainedNeverOverridesLocalDraining(t *testing.T) {
	c := newTestCoordinator(t, "proxy1", "10.0.0.1:80")
	if err := c.SetDraining("proxy1", "10.0.0.1:80", DrainDraining); err != nil {
		t.Fatalf("SetDraining: %v", err)
	}
	sp := c.NewDrainStateProvider("node-a")

	payload, err := encodeDrainPayload(drainPayload{State: DrainDrained})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rec := cluster.StateRecord{
		Kind:      cluster.StateDrain,
		Key:       "proxy1/10.0.0.1:80",
		Owner:     "node-b",
		Timestamp: 999, // far newer, but drained must not outrank local draining
		Payload:   payload,
	}

	changed, err := sp.Merge(rec)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if changed {
		t.Error("a remote drained record must not override a local draining state")
	}
}
