package circuitbreaker

import (
	"testing"
	"time"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half_open"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinRequests = 4
	cfg.ErrorThresholdPc = 50
	b := New(cfg, nil)

	for i := 0; i < 2; i++ {
		b.Allow()
		b.Record(true)
	}
	for i := 0; i < 2; i++ {
		b.Allow()
		b.Record(false)
	}

	if got := b.State(); got != Open {
		t.Errorf("State() = %v, want Open", got)
	}
}

func TestBreaker_AllowFalseWhileOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OpenDuration = time.Hour
	b := New(cfg, nil)
	b.transition(Open)
	b.openedAt = time.Now()

	if b.Allow() {
		t.Error("Allow() = true while OPEN and before OpenDuration elapsed, want false")
	}
}

func TestBreaker_HalfOpenAfterOpenDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OpenDuration = 1 * time.Millisecond
	cfg.HalfOpenRequests = 2
	b := New(cfg, nil)
	b.transition(Open)
	b.openedAt = time.Now().Add(-time.Second)

	if !b.Allow() {
		t.Fatal("Allow() = false after OpenDuration elapsed, want true (HALF_OPEN trial)")
	}
	if got := b.State(); got != HalfOpen {
		t.Errorf("State() = %v, want HalfOpen", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig()
	b := New(cfg, nil)
	b.transition(HalfOpen)
	b.halfOpenInFlight = 1

	b.Record(false)

	if got := b.State(); got != Open {
		t.Errorf("State() = %v, want Open after HALF_OPEN failure", got)
	}
}

func TestApplyRemote_OpenOutranksHalfOpen(t *testing.T) {
	b := New(DefaultConfig(), nil)
	b.transition(HalfOpen)

	if !b.applyRemote(Open, 1) {
		t.Fatal("expected a remote Open to apply over local HalfOpen")
	}
	if got := b.State(); got != Open {
		t.Errorf("State() = %v, want Open", got)
	}
}

func TestApplyRemote_ClosedDoesNotOverrideOpen(t *testing.T) {
	b := New(DefaultConfig(), nil)
	b.transition(Open)

	if b.applyRemote(Closed, 100) {
		t.Error("a remote Closed must not override a local Open at any version")
	}
	if got := b.State(); got != Open {
		t.Errorf("State() = %v, want Open to remain", got)
	}
}

func TestApplyRemote_SameTierRequiresStrictlyNewerVersion(t *testing.T) {
	b := New(DefaultConfig(), nil)
	b.transition(Open)
	_, version := b.snapshot()

	if b.applyRemote(Open, version) {
		t.Error("an equal version within the same tier must not apply")
	}
	if !b.applyRemote(Open, version+1) {
		t.Error("a strictly newer version within the same tier must apply")
	}
}
