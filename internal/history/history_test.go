package history

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/xdplb/internal/statebus"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	return &Sink{
		cfg:            DefaultConfig(),
		logger:         zap.NewNop(),
		bus:            statebus.NewBus(16, zap.NewNop()),
		transitions:    make([]TransitionRow, 0, 10),
		reaped:         make([]ReapedConnectionRow, 0, 10),
		reapedIncoming: make(chan ReapedConnectionRow, 16),
	}
}

func TestEnqueueTransition_AccumulatesUntilFlush(t *testing.T) {
	s := newTestSink(t)
	s.cfg.BatchSize = 100 // avoid auto-flush (which needs a real conn)

	tr := statebus.Acquire()
	tr.Kind = statebus.KindHealth
	tr.ProxyName = "web"
	tr.Target = "10.0.0.1:80"
	tr.From = "unknown"
	tr.To = "healthy"
	tr.At = time.Now()
	s.enqueueTransition(tr)

	if len(s.transitions) != 1 {
		t.Fatalf("len(transitions) = %d, want 1", len(s.transitions))
	}
	if s.transitions[0].Kind != "health" {
		t.Errorf("Kind = %q, want health", s.transitions[0].Kind)
	}
}

func TestRecordReaped_EnqueuesNonBlocking(t *testing.T) {
	s := newTestSink(t)
	s.RecordReaped(ReapedConnectionRow{ProxyName: "web", SrcAddr: "10.0.0.1"})

	select {
	case row := <-s.reapedIncoming:
		if row.ProxyName != "web" {
			t.Errorf("ProxyName = %q, want web", row.ProxyName)
		}
	default:
		t.Fatal("expected a row on reapedIncoming")
	}
}

func TestRecordReaped_DropsWhenFull(t *testing.T) {
	s := newTestSink(t)
	s.reapedIncoming = make(chan ReapedConnectionRow, 1)
	s.RecordReaped(ReapedConnectionRow{ProxyName: "a"})
	s.RecordReaped(ReapedConnectionRow{ProxyName: "b"}) // dropped, queue full

	row := <-s.reapedIncoming
	if row.ProxyName != "a" {
		t.Errorf("ProxyName = %q, want a", row.ProxyName)
	}
	select {
	case <-s.reapedIncoming:
		t.Fatal("expected queue to be empty after draining the one accepted row")
	default:
	}
}
