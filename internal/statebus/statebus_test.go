package statebus

import (
	"testing"

	"go.uber.org/zap"
)

func TestTransitionKind_String(t *testing.T) {
	tests := []struct {
		k    TransitionKind
		want string
	}{
		{KindHealth, "health"},
		{KindCircuitBreaker, "circuit_breaker"},
		{KindMembership, "membership"},
		{KindDrain, "drain"},
	}
	for _, tt := range tests {
		if got := tt.k.String(); got != tt.want {
			t.Errorf("TransitionKind(%d).String() = %q, want %q", tt.k, got, tt.want)
		}
	}
}

func TestAcquire_Release(t *testing.T) {
	tr := Acquire()
	tr.Kind = KindHealth
	tr.ProxyName = "web"
	tr.Detail["reason"] = "timeout"
	Release(tr)

	tr2 := Acquire()
	if tr2.ProxyName != "" {
		t.Error("Acquire() after Release() did not reset ProxyName")
	}
	if len(tr2.Detail) != 0 {
		t.Error("Acquire() after Release() did not clear Detail")
	}
	Release(tr2)
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(16, zap.NewNop())
	defer bus.Close()

	ch := bus.Subscribe("test")
	tr := Acquire()
	tr.ProxyName = "web"
	bus.Publish(tr)

	got := <-ch
	if got.ProxyName != "web" {
		t.Errorf("ProxyName = %q, want web", got.ProxyName)
	}
}

func TestBus_DropOnOverflow(t *testing.T) {
	bus := NewBus(2, zap.NewNop())
	defer bus.Close()
	bus.Subscribe("slow")

	for i := 0; i < 10; i++ {
		bus.Publish(Acquire())
	}

	stats := bus.Stats()
	if stats.Published != 10 {
		t.Errorf("Published = %d, want 10", stats.Published)
	}
	if stats.DroppedBySubscriber["slow"] != 8 {
		t.Errorf("Dropped = %d, want 8", stats.DroppedBySubscriber["slow"])
	}
}
