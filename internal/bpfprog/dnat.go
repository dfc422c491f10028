package bpfprog

import (
	"fmt"

	"github.com/cilium/ebpf/asm"

	"github.com/sureshkrishnan-v/xdplb/internal/bpfasm"
	"github.com/sureshkrishnan-v/xdplb/internal/constants"
)

// RouteValue field offsets (spec.md §3 — 72-byte layout). Only the fields
// these fragments touch are named here; the full layout lives in
// internal/maps alongside the Go-side encode/decode.
const (
	routeValueOffTargetCount = 0
	routeValueOffTarget0     = 8
	routeValueTargetStride   = 8 // {addr:u32, port:u16, cum_weight:u16}
	routeValueOffAddr        = 0
	routeValueOffPort        = 4
	routeValueOffCumWeight   = 6

	// ipOffDstAddrFromCursor is the negative offset from R8 (which must be
	// positioned right after the IPv4 header, as ParseIPv4 leaves it) back
	// to the destination-address field: IPv4MinHdrLen (20) - dst-addr
	// offset (16) = 4. ipOffIPChecksumFromCursor is the same kind of
	// offset back to the IPv4 header checksum field (20 - 10 = 10).
	ipOffDstAddrFromCursor  = 4
	ipOffDstPortFromCursor  = 2 // L4 dst port: bytes 2-3 past the IPv4 header
	ipOffIPChecksumFromCursor = 10
	ipOffSrcAddrFromCursor  = 8  // IPv4MinHdrLen (20) - src-addr offset (12) = 8, used by snatFragment
	ipOffSrcPortFromCursor  = 0 // L4 src port: bytes 0-1 past the IPv4 header
)

// listenLookupFragment resolves the default route for a (ifindex, dst_port)
// listen key and leaves a pointer to the RouteValue in R0. Falls through to
// passLabel on a miss — the lowest-priority step in the LPM -> SNI -> listen
// chain (spec.md §4.2 step 5, Open-Question resolution in SPEC_FULL.md §1).
func listenLookupFragment(passLabel string) asm.Instructions {
	return asm.Instructions{
		// key = {ifindex: u32, dst_port: u16, pad: u16} built on the stack
		asm.StoreMem(asm.RFP, -8, asm.R4, asm.Word), // ifindex loaded into R4 by the caller
		asm.StoreMem(asm.RFP, -4, asm.R3, asm.Half), // dst port
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -8),
		asm.LoadMapPtr(asm.R1, 0).WithReference(MapListen),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, passLabel),
	}
}

// weightedSelectFragment implements spec.md §4.2 step 6: draw a pseudo-random
// u32, reduce modulo 100, and walk the RouteValue's cumulative-weight table
// (at most MaxTargetsPerRoute entries — the loop bound the verifier needs to
// prove termination) picking the first slot whose cum_weight exceeds the
// draw. R0 must hold the RouteValue pointer on entry; on exit R5/R3 hold the
// selected target's address/port (matching the registers dnatRewriteFragment
// expects) and R0 is clobbered.
//
// The target_count == 1 case short-circuits the PRNG draw entirely, since a
// single-target route (by far the common case) has nothing to select among.
func weightedSelectFragment() asm.Instructions {
	const singleTarget = "wsel_single"
	const loopTop = "wsel_loop"
	const done = "wsel_done"

	var insns asm.Instructions

	insns = append(insns,
		// Stash the RouteValue pointer (R0) in R9; R8 is free to use as
		// target_count scratch here since the caller reloads its own
		// cursor value from the stack before the rewrite step runs.
		asm.Mov.Reg(asm.R9, asm.R0),
		asm.LoadMem(asm.R8, asm.R9, routeValueOffTargetCount, asm.Byte),
		asm.JEq.Imm(asm.R8, 1, singleTarget),

		// R4 = random draw % 100 (the helper call clobbers R1-R5; R8/R9
		// survive it, and the caller reloads its cursor from the stack).
		asm.FnGetPrandomU32.Call(),
		asm.Mod.Imm(asm.R0, constants.MaxWeightSum),
		asm.Mov.Reg(asm.R4, asm.R0), // R4 = draw

		asm.Mov.Imm(asm.R3, 0), // R3 = loop index
		asm.JGE.Imm(asm.R3, constants.MaxTargetsPerRoute, done).WithSymbol(loopTop),

		// offset = routeValueOffTarget0 + index*stride, read cum_weight
		asm.Mov.Reg(asm.R2, asm.R3),
		asm.Mul.Imm(asm.R2, routeValueTargetStride),
		asm.Add.Imm(asm.R2, routeValueOffTarget0+routeValueOffCumWeight),
		asm.Add.Reg(asm.R2, asm.R9),
		asm.LoadMem(asm.R1, asm.R2, 0, asm.Half),
		asm.JGT.Reg(asm.R1, asm.R4, done), // cum_weight > draw: this is our slot
		asm.Add.Imm(asm.R3, 1),
		asm.Ja.Label(loopTop),

		asm.Mov.Imm(asm.R3, 0).WithSymbol(singleTarget),

		asm.Mov.Imm(asm.R2, 0).WithSymbol(done),
	)

	// R3 now holds the selected slot index (0 on the single-target
	// short-circuit). Load that slot's address/port into R5/R3.
	insns = append(insns,
		asm.Mov.Reg(asm.R2, asm.R3),
		asm.Mul.Imm(asm.R2, routeValueTargetStride),
		asm.Add.Imm(asm.R2, routeValueOffTarget0),
		asm.Add.Reg(asm.R2, asm.R9),
		asm.LoadMem(asm.R5, asm.R2, routeValueOffAddr, asm.Word),
		asm.LoadMem(asm.R3, asm.R2, routeValueOffPort, asm.Half),
	)

	return insns
}

// addrCsumDiff folds an address change (32 bits, split into two 16-bit
// halves per RFC 1624) into csumReg, leaving R2/R9 clobbered as scratch.
// oldAddr/newAddr are read, not modified.
func addrCsumDiff(oldAddr, newAddr, csumReg asm.Register) asm.Instructions {
	var insns asm.Instructions
	insns = append(insns,
		asm.Mov.Reg(asm.R2, oldAddr), asm.RSh.Imm(asm.R2, 16),
		asm.Mov.Reg(asm.R9, newAddr), asm.RSh.Imm(asm.R9, 16),
	)
	insns = append(insns, bpfasm.CsumDiffApply(csumReg, asm.R2, asm.R9, csumReg)...)
	insns = append(insns,
		asm.Mov.Reg(asm.R2, oldAddr), asm.And.Imm(asm.R2, 0xffff),
		asm.Mov.Reg(asm.R9, newAddr), asm.And.Imm(asm.R9, 0xffff),
	)
	insns = append(insns, bpfasm.CsumDiffApply(csumReg, asm.R2, asm.R9, csumReg)...)
	return insns
}

// dnatRewriteFragment rewrites the packet's destination address/port in
// place and folds the incremental checksum delta into both the IPv4 header
// checksum and the L4 checksum, per spec.md §4.2 step 8. Expects R8
// positioned right after the IPv4 header (as ParseIPv4 leaves it — callers
// that ran the SNI walk in between must reload R8 from their own spill
// first), oldAddr/oldPort the packet's original destination fields, newAddr
// (R5) / newPort (R3) the selected target's, and l4CsumOffFromCursor the
// signed offset from R8 to the L4 checksum field (16 for TCP, 6 for UDP).
// skipIfZeroL4Csum handles UDP's optional checksum: a zero value is left
// untouched rather than folded, since recomputing it would make an
// intentionally-disabled checksum look populated.
func dnatRewriteFragment(oldAddr, oldPort asm.Register, l4CsumOffFromCursor int16, skipIfZeroL4Csum bool) asm.Instructions {
	// One label per L4 checksum offset, so the TCP and UDP instances of
	// this fragment can sit in the same program.
	skipL4 := fmt.Sprintf("dnat_skip_l4_csum_%d", l4CsumOffFromCursor)

	var insns asm.Instructions

	// IPv4 header checksum: only the destination address changed.
	insns = append(insns, asm.LoadMem(asm.R0, asm.R8, -ipOffIPChecksumFromCursor, asm.Half))
	insns = append(insns, addrCsumDiff(oldAddr, asm.R5, asm.R0)...)
	insns = append(insns, asm.StoreMem(asm.R8, -ipOffIPChecksumFromCursor, asm.R0, asm.Half))

	// Rewrite the fields themselves.
	insns = append(insns,
		asm.StoreMem(asm.R8, -ipOffDstAddrFromCursor, asm.R5, asm.Word),
		asm.StoreMem(asm.R8, ipOffDstPortFromCursor, asm.R3, asm.Half),
	)

	// L4 checksum: address (pseudo-header) and destination port both
	// changed.
	insns = append(insns, asm.LoadMem(asm.R0, asm.R8, l4CsumOffFromCursor, asm.Half))
	if skipIfZeroL4Csum {
		insns = append(insns, asm.JEq.Imm(asm.R0, 0, skipL4))
	}
	insns = append(insns, addrCsumDiff(oldAddr, asm.R5, asm.R0)...)
	insns = append(insns,
		asm.Mov.Reg(asm.R2, oldPort),
		asm.Mov.Reg(asm.R9, asm.R3),
	)
	insns = append(insns, bpfasm.CsumDiffApply(asm.R0, asm.R2, asm.R9, asm.R0)...)
	insns = append(insns, asm.StoreMem(asm.R8, l4CsumOffFromCursor, asm.R0, asm.Half))
	insns = append(insns, asm.Mov.Imm(asm.R0, 0).WithSymbol(skipL4))

	return insns
}

// conntrackInsertFragment builds the 16-byte post-NAT conntrack key and
// 64-byte value described in spec.md §3/§4.2 step 9 and upserts them
// unconditionally — a re-hash after the NAT rewrite changed the key is not a
// regression, it's the point.
func conntrackInsertFragment(srcAddr, srcPort, origDstAddr, origDstPort, newAddr, newPort, proto asm.Register) asm.Instructions {
	var insns asm.Instructions

	// Key: {src_addr, dst_addr(=new target), src_port, dst_port(=new target port), proto, pad[3]}
	insns = append(insns,
		asm.StoreMem(asm.RFP, -16, srcAddr, asm.Word),
		asm.StoreMem(asm.RFP, -12, newAddr, asm.Word),
		asm.StoreMem(asm.RFP, -8, srcPort, asm.Half),
		asm.StoreMem(asm.RFP, -6, newPort, asm.Half),
		asm.StoreImm(asm.RFP, -4, 0, asm.Word), // proto + pad[3] zeroed
		asm.StoreMem(asm.RFP, -4, proto, asm.Byte),
	)

	// Value: {orig_dst_addr, orig_dst_port, pad, nat_dst_addr, nat_dst_port,
	// pad, created_ns/last_seen_ns (bpf_ktime_get_ns, stored to both),
	// packets_fwd=1, packets_rev=0, bytes_fwd=data_end-data, bytes_rev=0}.
	// Built at RFP-80..RFP-16 (64 bytes), below the 16-byte key above.
	insns = append(insns,
		asm.StoreMem(asm.RFP, -80, origDstAddr, asm.Word),
		asm.StoreMem(asm.RFP, -76, origDstPort, asm.Half),
		asm.StoreMem(asm.RFP, -72, newAddr, asm.Word),
		asm.StoreMem(asm.RFP, -68, newPort, asm.Half),
		asm.FnKtimeGetNs.Call(),
		asm.StoreMem(asm.RFP, -64, asm.R0, asm.DWord),
		asm.StoreMem(asm.RFP, -56, asm.R0, asm.DWord), // last_seen_ns == created_ns on insert
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreMem(asm.RFP, -48, asm.R1, asm.DWord), // packets_fwd = 1
		asm.Mov.Imm(asm.R1, 0),
		asm.StoreMem(asm.RFP, -40, asm.R1, asm.DWord), // packets_rev = 0
		asm.Mov.Reg(asm.R1, asm.R7),
		asm.Sub.Reg(asm.R1, asm.R6), // data_end - data
		asm.StoreMem(asm.RFP, -32, asm.R1, asm.DWord), // bytes_fwd
		asm.Mov.Imm(asm.R1, 0),
		asm.StoreMem(asm.RFP, -24, asm.R1, asm.DWord), // bytes_rev = 0
	)

	insns = append(insns,
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -16),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, -80),
		asm.LoadMapPtr(asm.R1, 0).WithReference(MapConntrack),
		asm.Mov.Imm(asm.R4, 0), // BPF_ANY
		asm.FnMapUpdateElem.Call(),
	)

	return insns
}
