package cluster

import (
	"testing"
	"time"
)

func TestMemberStatus_String(t *testing.T) {
	tests := []struct {
		s    MemberStatus
		want string
	}{
		{StatusAlive, "alive"},
		{StatusSuspect, "suspect"},
		{StatusDead, "dead"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("MemberStatus(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestApplyAlive_NewPeer(t *testing.T) {
	m := NewMembership(NodeInfo{Name: "a", Addr: "a:1"}, 5, time.Second)
	peer := NodeInfo{Name: "b", Addr: "b:1"}

	if !m.ApplyAlive(peer, 1) {
		t.Fatal("expected ApplyAlive to report a change for a new peer")
	}
	members := m.Members()
	if len(members) != 2 {
		t.Fatalf("len(Members()) = %d, want 2", len(members))
	}
}

func TestApplyAlive_LowerIncarnationIgnored(t *testing.T) {
	m := NewMembership(NodeInfo{Name: "a", Addr: "a:1"}, 5, time.Second)
	peer := NodeInfo{Name: "b", Addr: "b:1"}
	m.ApplyAlive(peer, 5)

	if m.ApplyAlive(peer, 3) {
		t.Error("expected lower-incarnation Alive claim to be ignored")
	}
}

func TestApplySuspect_DeadIsSticky(t *testing.T) {
	m := NewMembership(NodeInfo{Name: "a", Addr: "a:1"}, 5, time.Second)
	peer := NodeInfo{Name: "b", Addr: "b:1"}
	m.ApplyDead(peer, 1)

	if m.ApplySuspect(peer, 2) {
		t.Error("expected Suspect claim to be ignored once a peer is Dead")
	}
}

func TestExpireSuspects(t *testing.T) {
	m := NewMembership(NodeInfo{Name: "a", Addr: "a:1"}, 1, 10*time.Millisecond)
	peer := NodeInfo{Name: "b", Addr: "b:1"}
	m.ApplySuspect(peer, 1)

	time.Sleep(30 * time.Millisecond)

	expired := m.ExpireSuspects()
	if len(expired) != 1 {
		t.Fatalf("len(ExpireSuspects()) = %d, want 1", len(expired))
	}
	if expired[0].Status != StatusDead {
		t.Errorf("expired member status = %v, want StatusDead", expired[0].Status)
	}
}

func TestRandomPeers_ExcludesSelfAndDead(t *testing.T) {
	m := NewMembership(NodeInfo{Name: "a", Addr: "a:1"}, 5, time.Second)
	m.ApplyAlive(NodeInfo{Name: "b", Addr: "b:1"}, 1)
	m.ApplyDead(NodeInfo{Name: "c", Addr: "c:1"}, 1)

	peers := m.RandomPeers(5, "")
	for _, p := range peers {
		if p.Name == "a" {
			t.Error("RandomPeers included self")
		}
		if p.Name == "c" {
			t.Error("RandomPeers included a dead peer")
		}
	}
}
