package bpfprog

import (
	"github.com/cilium/ebpf/asm"
)

// lpmLookupFragment is the highest-priority route resolution step (spec.md
// §9 Open Question, resolved in SPEC_FULL.md §1: source-IP LPM precedes
// SNI/listen). It looks up MapLPM (a BPF_MAP_TYPE_LPM_TRIE) keyed on the
// packet's source address with the maximum prefix length — the trie itself
// finds the longest configured prefix that contains the address, so the
// kernel program never walks candidate prefixes itself. A hit leaves the
// RouteValue pointer in R0 and falls through to the caller's selection
// logic; a miss falls through to missLabel (the next step in the chain).
func lpmLookupFragment(missLabel string) asm.Instructions {
	const lpmMaxPrefixLen = 32

	return asm.Instructions{
		// bpf_lpm_trie_key: {prefixlen: u32, data: u32} — prefixlen is set
		// to the full address width so the trie returns the longest actual
		// match among configured entries, not a fixed-length lookup.
		asm.StoreMem(asm.RFP, -4, asm.R3, asm.Word), // src addr (R3, from ParseIPv4)
		asm.Mov.Imm(asm.R2, lpmMaxPrefixLen),
		asm.StoreMem(asm.RFP, -8, asm.R2, asm.Word),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -8),
		asm.LoadMapPtr(asm.R1, 0).WithReference(MapLPM),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, missLabel),
	}
}
