package conntrack

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNew_Defaults(t *testing.T) {
	s := New(zap.NewNop(), nil, 0, 0)
	if s.idleTimeout <= 0 {
		t.Error("expected default idle timeout to be applied")
	}
	if s.interval <= 0 {
		t.Error("expected default sweep interval to be applied")
	}
}

func TestNew_CustomDurations(t *testing.T) {
	s := New(zap.NewNop(), nil, 10*time.Second, 1*time.Second)
	if s.idleTimeout != 10*time.Second {
		t.Errorf("idleTimeout = %v, want 10s", s.idleTimeout)
	}
	if s.interval != 1*time.Second {
		t.Errorf("interval = %v, want 1s", s.interval)
	}
}

func TestStats_InitiallyZero(t *testing.T) {
	s := New(zap.NewNop(), nil, 0, 0)
	st := s.Stats()
	if st.LastSwept != 0 || st.LastReaped != 0 {
		t.Errorf("expected zero stats before any sweep, got %+v", st)
	}
}
