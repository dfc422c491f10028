package maps

import (
	"net"
	"testing"
)

func TestListenKeyRoundTrip(t *testing.T) {
	k := ListenKey{IfIndex: 2, Port: 443}
	got, err := DecodeListenKey(k.Encode())
	if err != nil {
		t.Fatalf("DecodeListenKey() error = %v", err)
	}
	if got != k {
		t.Errorf("round trip = %+v, want %+v", got, k)
	}
}

func TestNewLpmKey(t *testing.T) {
	tests := []struct {
		cidr    string
		wantLen uint32
		wantErr bool
	}{
		{"10.0.0.0/8", 8, false},
		{"192.168.1.0/24", 24, false},
		{"::1/128", 0, true}, // not IPv4
		{"not-a-cidr", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.cidr, func(t *testing.T) {
			k, err := NewLpmKey(tt.cidr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewLpmKey(%s) error = %v, wantErr %v", tt.cidr, err, tt.wantErr)
			}
			if err == nil && k.PrefixLen != tt.wantLen {
				t.Errorf("PrefixLen = %d, want %d", k.PrefixLen, tt.wantLen)
			}
		})
	}
}

func TestLpmKeyRoundTrip(t *testing.T) {
	k, err := NewLpmKey("10.1.2.0/24")
	if err != nil {
		t.Fatalf("NewLpmKey() error = %v", err)
	}
	got, err := DecodeLpmKey(k.Encode())
	if err != nil {
		t.Fatalf("DecodeLpmKey() error = %v", err)
	}
	if got != k {
		t.Errorf("round trip = %+v, want %+v", got, k)
	}
}

func TestHashHostname_CaseInsensitive(t *testing.T) {
	a := HashHostname("Example.COM")
	b := HashHostname("example.com")
	if a != b {
		t.Errorf("hash should be case-insensitive: %d != %d", a, b)
	}
}

func TestHashHostname_Truncation(t *testing.T) {
	long := "a very long hostname that exceeds the sixty four byte budget by quite a lot of characters indeed"
	if HashHostname(long) != HashHostname(long[:64]) {
		t.Error("expected truncation to SNIMaxHostnameLen to produce the same hash")
	}
}

func TestConntrackKeyRoundTrip(t *testing.T) {
	k := ConntrackKey{SrcAddr: 1, DstAddr: 2, SrcPort: 1234, DstPort: 443, Proto: 6}
	got, err := DecodeConntrackKey(k.Encode())
	if err != nil {
		t.Fatalf("DecodeConntrackKey() error = %v", err)
	}
	if got != k {
		t.Errorf("round trip = %+v, want %+v", got, k)
	}
}

func TestConntrackValueRoundTrip(t *testing.T) {
	v := ConntrackValue{
		ProxyAddr: 10, ProxyPort: 443, TargetAddr: 20, TargetPort: 8080,
		LastSeenNs: 123456789, PacketsFwd: 5, BytesFwd: 600,
	}
	got, err := DecodeConntrackValue(v.Encode())
	if err != nil {
		t.Fatalf("DecodeConntrackValue() error = %v", err)
	}
	if got != v {
		t.Errorf("round trip = %+v, want %+v", got, v)
	}
}

func TestNewRouteValue_SingleTarget(t *testing.T) {
	targets := []Target{{IP: net.ParseIP("10.0.0.1"), Port: 80, Weight: 1}}
	v, err := NewRouteValue(targets, false)
	if err != nil {
		t.Fatalf("NewRouteValue() error = %v", err)
	}
	if v.TargetCount != 1 {
		t.Fatalf("TargetCount = %d, want 1", v.TargetCount)
	}
	if v.Targets[0].CumulativeWeight != 100 {
		t.Errorf("single target cumulative weight = %d, want 100", v.Targets[0].CumulativeWeight)
	}
}

func TestNewRouteValue_WeightedCumulative(t *testing.T) {
	targets := []Target{
		{IP: net.ParseIP("10.0.0.1"), Port: 80, Weight: 75},
		{IP: net.ParseIP("10.0.0.2"), Port: 80, Weight: 25},
	}
	v, err := NewRouteValue(targets, false)
	if err != nil {
		t.Fatalf("NewRouteValue() error = %v", err)
	}
	if v.Targets[0].CumulativeWeight != 75 {
		t.Errorf("first cumulative = %d, want 75", v.Targets[0].CumulativeWeight)
	}
	if v.Targets[1].CumulativeWeight != 100 {
		t.Errorf("last cumulative must be forced to 100, got %d", v.Targets[1].CumulativeWeight)
	}
}

func TestNewRouteValue_TooManyTargets(t *testing.T) {
	targets := make([]Target, 9)
	for i := range targets {
		targets[i] = Target{IP: net.ParseIP("10.0.0.1"), Port: 80, Weight: 1}
	}
	if _, err := NewRouteValue(targets, false); err == nil {
		t.Error("expected error for >8 targets")
	}
}

func TestNewRouteValue_NoTargets(t *testing.T) {
	if _, err := NewRouteValue(nil, false); err == nil {
		t.Error("expected error for zero targets")
	}
}

func TestRouteValueRoundTrip(t *testing.T) {
	targets := []Target{
		{IP: net.ParseIP("10.0.0.1"), Port: 80, Weight: 50},
		{IP: net.ParseIP("10.0.0.2"), Port: 8080, Weight: 50},
	}
	v, err := NewRouteValue(targets, true)
	if err != nil {
		t.Fatalf("NewRouteValue() error = %v", err)
	}
	got, err := DecodeRouteValue(v.Encode())
	if err != nil {
		t.Fatalf("DecodeRouteValue() error = %v", err)
	}
	if got != v {
		t.Errorf("round trip = %+v, want %+v", got, v)
	}
}
