package bpfprog

import (
	"fmt"

	"github.com/cilium/ebpf/asm"

	"github.com/sureshkrishnan-v/xdplb/internal/bpfasm"
)

// conntrackLookupFragment looks the reply packet up in MapConntrack by
// swapping the 5-tuple relative to the packet's own src/dst — a reply's
// source is the entry's nat_dst_addr/nat_dst_port and its destination is the
// entry's original src_addr/src_port, so the lookup key is built with the
// fields swapped from how the packet itself carries them. clientAddr/
// backendAddr/clientPort/backendPort name the packet's own fields as ParseIPv4
// and ParseL4Ports leave them (dst=client, src=backend on the reply path); a
// miss means this isn't traffic xdplb DNAT'd and falls through to missLabel
// unmodified. The key's protocol byte and padding (RFP-4..RFP-1) are not
// written here; the caller stores them before this fragment runs.
func conntrackLookupFragment(clientAddr, backendAddr, clientPort, backendPort asm.Register, missLabel string) asm.Instructions {
	return asm.Instructions{
		asm.StoreMem(asm.RFP, -16, clientAddr, asm.Word),
		asm.StoreMem(asm.RFP, -12, backendAddr, asm.Word),
		asm.StoreMem(asm.RFP, -8, clientPort, asm.Half),
		asm.StoreMem(asm.RFP, -6, backendPort, asm.Half),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -16),
		asm.LoadMapPtr(asm.R1, 0).WithReference(MapConntrack),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, missLabel),
	}
}

// snatRewriteFragment mirrors dnatRewriteFragment for the reply path: R0
// must hold the ConntrackValue pointer from conntrackLookupFragment, whose
// first 6 bytes are the (proxy VIP, proxy port) pair the original DNAT
// recorded. It rewrites the packet's source address/port back to that pair
// and folds the checksum delta into both the IPv4 header and the L4
// checksum, exactly as dnatRewriteFragment does for the destination side.
// Expects R8 positioned right after the IPv4 header.
func snatRewriteFragment(oldSrcAddr, oldSrcPort asm.Register, l4CsumOffFromCursor int16, skipIfZeroL4Csum bool) asm.Instructions {
	// One label per L4 checksum offset, so the TCP and UDP instances of
	// this fragment can sit in the same program.
	skipL4 := fmt.Sprintf("snat_skip_l4_csum_%d", l4CsumOffFromCursor)

	var insns asm.Instructions

	insns = append(insns,
		asm.LoadMem(asm.R5, asm.R0, 0, asm.Word), // new src addr (proxy VIP)
		asm.LoadMem(asm.R3, asm.R0, 4, asm.Half), // new src port (proxy listen port)
	)

	insns = append(insns, asm.LoadMem(asm.R0, asm.R8, -ipOffIPChecksumFromCursor, asm.Half))
	insns = append(insns, addrCsumDiff(oldSrcAddr, asm.R5, asm.R0)...)
	insns = append(insns, asm.StoreMem(asm.R8, -ipOffIPChecksumFromCursor, asm.R0, asm.Half))

	insns = append(insns,
		asm.StoreMem(asm.R8, -ipOffSrcAddrFromCursor, asm.R5, asm.Word),
		asm.StoreMem(asm.R8, ipOffSrcPortFromCursor, asm.R3, asm.Half),
	)

	insns = append(insns, asm.LoadMem(asm.R0, asm.R8, l4CsumOffFromCursor, asm.Half))
	if skipIfZeroL4Csum {
		insns = append(insns, asm.JEq.Imm(asm.R0, 0, skipL4))
	}
	insns = append(insns, addrCsumDiff(oldSrcAddr, asm.R5, asm.R0)...)
	insns = append(insns,
		asm.Mov.Reg(asm.R2, oldSrcPort),
		asm.Mov.Reg(asm.R9, asm.R3),
	)
	insns = append(insns, bpfasm.CsumDiffApply(asm.R0, asm.R2, asm.R9, asm.R0)...)
	insns = append(insns, asm.StoreMem(asm.R8, l4CsumOffFromCursor, asm.R0, asm.Half))
	insns = append(insns, asm.Mov.Imm(asm.R0, 0).WithSymbol(skipL4))

	return insns
}
