package health

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		s    Status
		want string
	}{
		{StatusUnknown, "unknown"},
		{StatusHealthy, "healthy"},
		{StatusDegraded, "degraded"},
		{StatusUnhealthy, "unhealthy"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestTargetHealth_Weight(t *testing.T) {
	tests := []struct {
		name string
		th   TargetHealth
		want int
	}{
		{"healthy", TargetHealth{Status: StatusHealthy}, 100},
		{"unhealthy", TargetHealth{Status: StatusUnhealthy}, 0},
		{"unknown", TargetHealth{Status: StatusUnknown}, 0},
		{"degraded step 0", TargetHealth{Status: StatusDegraded, recoveryStep: 0}, 25},
		{"degraded step 1", TargetHealth{Status: StatusDegraded, recoveryStep: 1}, 50},
		{"degraded step 2", TargetHealth{Status: StatusDegraded, recoveryStep: 2}, 75},
		{"degraded step 3", TargetHealth{Status: StatusDegraded, recoveryStep: 3}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.th.Weight(); got != tt.want {
				t.Errorf("Weight() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRunOnce_TransitionsToUnhealthyAfterThreshold(t *testing.T) {
	var transitions []Transition
	p := New(zap.NewNop(), func(tr Transition) { transitions = append(transitions, tr) })

	th := &TargetHealth{Addr: "127.0.0.1", Port: 1, Status: StatusUnknown}
	spec := Spec{Kind: KindTCP, Timeout: 200 * time.Millisecond, UnhealthyThreshold: 2, HealthyThreshold: 2}

	ctx := context.Background()
	// Port 1 should refuse connections reliably in any sandboxed test env.
	for i := 0; i < 2; i++ {
		p.runOnce(ctx, "proxy", "127.0.0.1:1", th, spec)
	}

	if th.Status != StatusUnhealthy {
		t.Errorf("Status = %v, want StatusUnhealthy", th.Status)
	}
	if len(transitions) == 0 {
		t.Error("expected at least one transition to be recorded")
	}
}

func TestJitter_WithinBounds(t *testing.T) {
	d := jitter(100)
	if d < 70 || d > 130 {
		t.Errorf("jitter(100) = %v, want within [80,120] with margin", d)
	}
}
