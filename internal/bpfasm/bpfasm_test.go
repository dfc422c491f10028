package bpfasm

import (
	"testing"

	"github.com/cilium/ebpf/asm"
)

func TestLoadContextPointers(t *testing.T) {
	insns := LoadContextPointers()
	if len(insns) != 2 {
		t.Fatalf("len = %d, want 2", len(insns))
	}
}

func TestBoundsCheck(t *testing.T) {
	insns := BoundsCheck(asm.R8, EthHdrLen, "drop")
	if len(insns) != 3 {
		t.Fatalf("len = %d, want 3", len(insns))
	}
	last := insns[len(insns)-1]
	if last.Reference() != "drop" {
		t.Errorf("jump target = %q, want %q", last.Reference(), "drop")
	}
}

func TestParseEth(t *testing.T) {
	insns := ParseEth("drop")
	if len(insns) == 0 {
		t.Fatal("ParseEth produced no instructions")
	}
}

func TestParseIPv4(t *testing.T) {
	insns, parsed := ParseIPv4("drop")
	if len(insns) == 0 {
		t.Fatal("ParseIPv4 produced no instructions")
	}
	if parsed.Proto != asm.R2 || parsed.SrcAddr != asm.R3 || parsed.DstAddr != asm.R4 {
		t.Errorf("ParseIPv4 registers = %+v", parsed)
	}
}

func TestParseL4Ports(t *testing.T) {
	tests := []struct {
		name   string
		minLen int32
	}{
		{"tcp", TCPHdrMinLen},
		{"udp", UDPHdrLen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insns, parsed := ParseL4Ports(tt.minLen, "drop")
			if len(insns) == 0 {
				t.Fatal("ParseL4Ports produced no instructions")
			}
			if parsed.SrcPort != asm.R2 || parsed.DstPort != asm.R3 {
				t.Errorf("ParseL4Ports registers = %+v", parsed)
			}
		})
	}
}

func TestCsumDiffApply(t *testing.T) {
	insns := CsumDiffApply(asm.R0, asm.R1, asm.R2, asm.R3)
	if len(insns) == 0 {
		t.Fatal("CsumDiffApply produced no instructions")
	}
}

func TestAdvancePastTCPHeader(t *testing.T) {
	insns := AdvancePastTCPHeader("drop")
	if len(insns) == 0 {
		t.Fatal("AdvancePastTCPHeader produced no instructions")
	}
	var sawFailJump bool
	for _, insn := range insns {
		if insn.Reference() == "drop" {
			sawFailJump = true
		}
	}
	if !sawFailJump {
		t.Error("no instruction references the fail label")
	}
}
