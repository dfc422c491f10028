package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/xdplb/internal/statebus"
)

func TestCircuitStateValue(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"closed", 0},
		{"open", 1},
		{"half_open", 2},
		{"unknown", 0},
	}
	for _, tt := range tests {
		if got := circuitStateValue(tt.in); got != tt.want {
			t.Errorf("circuitStateValue(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_SubscribesToBus(t *testing.T) {
	bus := statebus.NewBus(16, zap.NewNop())
	defer bus.Close()

	m := New(":0", bus, zap.NewNop())
	if m.events == nil {
		t.Fatal("expected New to subscribe to the bus")
	}
}

func TestProcessTransition_Health(t *testing.T) {
	bus := statebus.NewBus(16, zap.NewNop())
	defer bus.Close()
	m := New(":0", bus, zap.NewNop())

	tr := statebus.Acquire()
	tr.Kind = statebus.KindHealth
	tr.ProxyName = "web"
	tr.Target = "10.0.0.1:80"
	tr.To = "healthy"
	m.processTransition(tr)

	if got := testutil.ToFloat64(m.backendHealth.WithLabelValues("web", "10.0.0.1:80")); got != 1 {
		t.Errorf("backendHealth = %v, want 1", got)
	}
}
