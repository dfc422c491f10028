package bpfprog

import (
	"testing"

	"github.com/cilium/ebpf/asm"
)

func referencedLabels(insns asm.Instructions) map[string]bool {
	labels := map[string]bool{}
	for _, insn := range insns {
		if ref := insn.Reference(); ref != "" {
			labels[ref] = true
		}
	}
	return labels
}

func TestLpmLookupFragment(t *testing.T) {
	insns := lpmLookupFragment("miss")
	if len(insns) == 0 {
		t.Fatal("lpmLookupFragment produced no instructions")
	}
	if !referencedLabels(insns)["miss"] {
		t.Error("no instruction references the miss label")
	}
}

func TestListenLookupFragment(t *testing.T) {
	insns := listenLookupFragment("pass")
	if len(insns) == 0 {
		t.Fatal("listenLookupFragment produced no instructions")
	}
	if !referencedLabels(insns)["pass"] {
		t.Error("no instruction references the pass label")
	}
}

func TestWeightedSelectFragment(t *testing.T) {
	insns := weightedSelectFragment()
	if len(insns) == 0 {
		t.Fatal("weightedSelectFragment produced no instructions")
	}
	labels := referencedLabels(insns)
	for _, want := range []string{"wsel_single", "wsel_loop", "wsel_done"} {
		if !labels[want] {
			t.Errorf("no instruction references %q", want)
		}
	}
}

func TestDnatRewriteFragment(t *testing.T) {
	insns := dnatRewriteFragment(asm.R4, asm.R1, tcpCsumOffFromCursor, false)
	if len(insns) == 0 {
		t.Fatal("dnatRewriteFragment produced no instructions")
	}

	insnsUDP := dnatRewriteFragment(asm.R4, asm.R1, udpCsumOffFromCursor, true)
	if len(insnsUDP) <= len(insns) {
		t.Error("skipIfZeroL4Csum=true should emit the extra skip-on-zero jump")
	}
}

func TestConntrackInsertFragment(t *testing.T) {
	insns := conntrackInsertFragment(asm.R0, asm.R2, asm.R4, asm.R1, asm.R5, asm.R3, asm.R9)
	if len(insns) == 0 {
		t.Fatal("conntrackInsertFragment produced no instructions")
	}
}

func TestConntrackLookupFragment(t *testing.T) {
	insns := conntrackLookupFragment(asm.R1, asm.R2, asm.R3, asm.R4, "pass")
	if len(insns) == 0 {
		t.Fatal("conntrackLookupFragment produced no instructions")
	}
	if !referencedLabels(insns)["pass"] {
		t.Error("no instruction references the pass label")
	}
}

func TestSnatRewriteFragment(t *testing.T) {
	insns := snatRewriteFragment(asm.R1, asm.R4, tcpCsumOffFromCursor, false)
	if len(insns) == 0 {
		t.Fatal("snatRewriteFragment produced no instructions")
	}
}

func TestSniFragment(t *testing.T) {
	insns := sniFragment("hit", "no_sni")
	if len(insns) == 0 {
		t.Fatal("sniFragment produced no instructions")
	}
	labels := referencedLabels(insns)
	if !labels["hit"] {
		t.Error("no instruction references the hit label")
	}
	if !labels["no_sni"] {
		t.Error("no instruction references the no_sni label")
	}
}

func TestRateLimitFragment(t *testing.T) {
	insns := rateLimitFragment(asm.R1, "limited")
	if len(insns) == 0 {
		t.Fatal("rateLimitFragment produced no instructions")
	}
	if !referencedLabels(insns)["limited"] {
		t.Error("no instruction references the limited label")
	}
}

func TestBuildIngress(t *testing.T) {
	insns, err := BuildIngress()
	if err != nil {
		t.Fatalf("BuildIngress returned error: %v", err)
	}
	if len(insns) == 0 {
		t.Fatal("BuildIngress produced no instructions")
	}

	symbols := map[string]bool{}
	for _, insn := range insns {
		if sym := insn.Symbol(); sym != "" {
			if symbols[sym] {
				t.Errorf("duplicate label %q in ingress program", sym)
			}
			symbols[sym] = true
		}
	}

	// Every jump target referenced anywhere in the program must resolve to
	// a label actually emitted somewhere in it.
	for ref := range referencedLabels(insns) {
		if !symbols[ref] {
			t.Errorf("ingress program references undefined label %q", ref)
		}
	}
}

func TestBuildEgress(t *testing.T) {
	insns, err := BuildEgress()
	if err != nil {
		t.Fatalf("BuildEgress returned error: %v", err)
	}
	if len(insns) == 0 {
		t.Fatal("BuildEgress produced no instructions")
	}

	symbols := map[string]bool{}
	for _, insn := range insns {
		if sym := insn.Symbol(); sym != "" {
			if symbols[sym] {
				t.Errorf("duplicate label %q in egress program", sym)
			}
			symbols[sym] = true
		}
	}
	for ref := range referencedLabels(insns) {
		if !symbols[ref] {
			t.Errorf("egress program references undefined label %q", ref)
		}
	}
}
