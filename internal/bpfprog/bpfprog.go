// Package bpfprog assembles the xdplb ingress (XDP) and egress (TC)
// programs from the instruction fragments in internal/bpfasm, and loads
// the assembled programs into the kernel via github.com/cilium/ebpf.
//
// Per the single-consolidated-program design: one XDP program handles every
// listen port on an interface (dispatch is a map lookup, not one program per
// port), and one TC egress program handles the matching SNAT rewrite for
// every proxy. This keeps verifier complexity and per-packet overhead
// bounded regardless of how many proxies are configured.
package bpfprog

import (
	"fmt"

	"github.com/cilium/ebpf/asm"

	"github.com/sureshkrishnan-v/xdplb/internal/bpfasm"
	"github.com/sureshkrishnan-v/xdplb/internal/constants"
)

// Map reference names. These are the names ProgramSpec instructions use via
// WithReference, and must match the keys of the CollectionSpec.Maps used to
// load the program (see kernel.go).
const (
	MapListen    = "xdplb_listen"
	MapLPM       = "xdplb_lpm"
	MapSNI       = "xdplb_sni"
	MapConntrack = "xdplb_conntrack"
	MapRateLimit = "xdplb_ratelimit"
)

// Labels used to stitch the fragments together. Both BuildIngress and
// BuildEgress are single, non-reentrant assemblies, so a flat label
// namespace is safe within each.
const (
	labelDrop        = "drop"
	labelPass        = "pass"
	labelCheckTCP    = "check_tcp"
	labelCheckUDP    = "check_udp"
	labelTrySNI      = "try_sni"
	labelTryListen   = "try_listen"
	labelHaveRoute   = "have_route"
	labelRateLimited = "rate_limited"
)

// Stack spill slots used to carry parsed 5-tuple fields and the L4-start
// cursor across the fragments that would otherwise clobber the registers
// holding them (the SNI walk in particular advances R8 and churns through
// R0-R5 while looking for a server_name extension). Chosen well clear of
// the -4..-80 range the per-step fragments (lpm/listen/sni/ratelimit/dnat/
// conntrack) use for their own scratch key/value buffers.
const (
	spillProto    = -128
	spillSrcAddr  = -96
	spillSrcPort  = -104
	spillDstAddr  = -112
	spillDstPort  = -120
	spillCursor   = -136 // DWord: R8 right after the IPv4 header
	spillCtx      = -144 // DWord: R1, the program's ctx pointer argument

	// spillConntrackPtr carries the ConntrackValue pointer conntrackLookupFragment
	// leaves in R0 across snatRewriteFragment, which clobbers R0/R9 as checksum
	// scratch. Reloaded afterward to update the reverse-direction counters.
	spillConntrackPtr = -152
)

// ConntrackValue field offsets touched by the egress reverse-direction
// update (spec.md §3/§4.4 step 5). The full layout lives in internal/maps
// alongside the Go-side encode/decode.
const (
	conntrackValueOffLastSeenNs = 24
	conntrackValueOffPacketsRev = 40
	conntrackValueOffBytesRev   = 56
)

// ctxOffIngressIfindex is xdp_md->ingress_ifindex (linux/bpf.h): data (u32),
// data_end (u32), data_meta (u32), then ingress_ifindex (u32) at byte 12.
const ctxOffIngressIfindex = 12

// BuildIngress assembles the XDP ingress program: parse the packet,
// resolve a target via LPM-source-route -> SNI-route -> listen-default
// priority (spec.md §4.2, order fixed by SPEC_FULL.md §1), rate-limit by
// source and then by the selected backend, rewrite destination
// address/port (DNAT) with incrementally updated IPv4 and L4 checksums,
// record the conntrack entry, and XDP_TX the rewritten frame. Falls
// through to XDP_PASS for traffic that matches no route, and XDP_DROP for
// anything that fails a bounds check or a rate limit.
func BuildIngress() (asm.Instructions, error) {
	var prog asm.Instructions

	prog = append(prog, bpfasm.LoadContextPointers()...)
	prog = append(prog, asm.Mov.Reg(asm.R8, asm.R6)) // cursor = data
	prog = append(prog, asm.StoreMem(asm.RFP, spillCtx, asm.R1, asm.DWord))

	prog = append(prog, bpfasm.ParseEth(labelDrop)...)
	// EtherType must be IPv4; anything else (ARP, IPv6, VLAN) passes
	// through untouched rather than being dropped.
	prog = append(prog, asm.JNE.Imm(asm.R0, bpfasm.EtherTypeIPv4, labelPass))

	ipInsns, ip := bpfasm.ParseIPv4(labelDrop)
	prog = append(prog, ipInsns...)

	// Spill protocol, source address and destination address now: the L4
	// parse below reuses R2/R3 for ports, and the SNI walk further down
	// churns through R0-R5 and advances R8 past the TCP header.
	prog = append(prog,
		asm.StoreMem(asm.RFP, spillProto, ip.Proto, asm.Byte),
		asm.StoreMem(asm.RFP, spillSrcAddr, ip.SrcAddr, asm.Word),
		asm.StoreMem(asm.RFP, spillDstAddr, ip.DstAddr, asm.Word),
	)

	// Protocol dispatch: only TCP and UDP are load-balanced.
	prog = append(prog, asm.JEq.Imm(ip.Proto, constants.ProtoTCP, labelCheckTCP))
	prog = append(prog, asm.JEq.Imm(ip.Proto, constants.ProtoUDP, labelCheckUDP))
	prog = append(prog, asm.Ja.Label(labelPass))

	prog = append(prog, asm.Mov.Imm(asm.R0, 0).WithSymbol(labelCheckTCP))
	l4TCP, l4 := bpfasm.ParseL4Ports(bpfasm.TCPHdrMinLen, labelDrop)
	prog = append(prog, l4TCP...)
	prog = append(prog,
		asm.StoreMem(asm.RFP, spillSrcPort, l4.SrcPort, asm.Half),
		asm.StoreMem(asm.RFP, spillDstPort, l4.DstPort, asm.Half),
		asm.StoreMem(asm.RFP, spillCursor, asm.R8, asm.DWord),
		asm.Mov.Imm(asm.R9, 1), // R9 = is-tcp flag, read again at the SNI step
	)
	prog = append(prog, asm.Ja.Label("l4_done"))

	prog = append(prog, asm.Mov.Imm(asm.R0, 0).WithSymbol(labelCheckUDP))
	l4UDP, l4u := bpfasm.ParseL4Ports(bpfasm.UDPHdrLen, labelDrop)
	prog = append(prog, l4UDP...)
	prog = append(prog,
		asm.StoreMem(asm.RFP, spillSrcPort, l4u.SrcPort, asm.Half),
		asm.StoreMem(asm.RFP, spillDstPort, l4u.DstPort, asm.Half),
		asm.StoreMem(asm.RFP, spillCursor, asm.R8, asm.DWord),
		asm.Mov.Imm(asm.R9, 0),
	)
	prog = append(prog, asm.Mov.Imm(asm.R0, 0).WithSymbol("l4_done"))

	// Per-source rate limit, keyed on the packet's own source address.
	prog = append(prog, asm.LoadMem(asm.R0, asm.RFP, spillSrcAddr, asm.Word))
	prog = append(prog, rateLimitFragment(asm.R0, labelRateLimited)...)

	// Route resolution: LPM source-route, then (TCP/443 only) SNI route,
	// then the listen-port default. Every branch converges on
	// labelHaveRoute with R0 holding the RouteValue pointer.
	prog = append(prog, asm.LoadMem(asm.R3, asm.RFP, spillSrcAddr, asm.Word))
	prog = append(prog, lpmLookupFragment(labelTrySNI)...)
	prog = append(prog, asm.Ja.Label(labelHaveRoute))

	prog = append(prog, asm.Mov.Imm(asm.R0, 0).WithSymbol(labelTrySNI))
	prog = append(prog, asm.LoadMem(asm.R8, asm.RFP, spillCursor, asm.DWord))
	prog = append(prog, asm.JEq.Imm(asm.R9, 0, labelTryListen)) // UDP: no SNI
	prog = append(prog, bpfasm.AdvancePastTCPHeader(labelTryListen)...)
	prog = append(prog, asm.LoadMem(asm.R3, asm.RFP, spillDstPort, asm.Half))
	prog = append(prog, sniFragment(labelHaveRoute, labelTryListen)...)

	prog = append(prog, asm.Mov.Imm(asm.R0, 0).WithSymbol(labelTryListen))
	prog = append(prog, asm.LoadMem(asm.R1, asm.RFP, spillCtx, asm.DWord))
	prog = append(prog, asm.LoadMem(asm.R4, asm.R1, ctxOffIngressIfindex, asm.Word))
	prog = append(prog, asm.LoadMem(asm.R3, asm.RFP, spillDstPort, asm.Half))
	prog = append(prog, listenLookupFragment(labelPass)...)

	// R0 holds the RouteValue pointer from whichever branch matched — the
	// label attaches to weightedSelectFragment's first instruction (a read
	// of R0, not a write) instead of a placeholder, since a zeroing
	// placeholder here would destroy that pointer on every path in.
	sel := weightedSelectFragment()
	sel[0] = sel[0].WithSymbol(labelHaveRoute)
	prog = append(prog, sel...) // R5 = target addr, R3 = target port

	// Per-backend rate limit, keyed on the selected target's address. The
	// map-lookup helper call inside rateLimitFragment clobbers R1-R5, so R5
	// (target addr) and R3 (target port) are parked in R8/R9 across it —
	// R8 (cursor) and R9 (proto) are themselves reloaded from the stack
	// right after, so nothing live is lost.
	prog = append(prog, asm.Mov.Reg(asm.R8, asm.R5), asm.Mov.Reg(asm.R9, asm.R3))
	prog = append(prog, asm.Mov.Reg(asm.R1, asm.R5))
	prog = append(prog, rateLimitFragment(asm.R1, labelRateLimited)...)
	prog = append(prog, asm.Mov.Reg(asm.R5, asm.R8), asm.Mov.Reg(asm.R3, asm.R9))

	// Reload the L4-start cursor and the packet's original destination
	// fields, then rewrite.
	prog = append(prog, asm.LoadMem(asm.R8, asm.RFP, spillCursor, asm.DWord))
	prog = append(prog, asm.LoadMem(asm.R4, asm.RFP, spillDstAddr, asm.Word))
	prog = append(prog, asm.LoadMem(asm.R1, asm.RFP, spillDstPort, asm.Half))
	prog = append(prog, asm.LoadMem(asm.R9, asm.RFP, spillProto, asm.Byte))
	prog = append(prog, asm.JEq.Imm(asm.R9, constants.ProtoUDP, "dnat_udp"))
	prog = append(prog, dnatRewriteFragment(asm.R4, asm.R1, tcpCsumOffFromCursor, false)...)
	prog = append(prog, asm.Ja.Label("dnat_done"))
	prog = append(prog, asm.Mov.Imm(asm.R0, 0).WithSymbol("dnat_udp"))
	prog = append(prog, dnatRewriteFragment(asm.R4, asm.R1, udpCsumOffFromCursor, true)...)
	prog = append(prog, asm.Mov.Imm(asm.R0, 0).WithSymbol("dnat_done"))

	// Conntrack insert, keyed on the post-NAT 5-tuple.
	prog = append(prog, asm.LoadMem(asm.R0, asm.RFP, spillSrcAddr, asm.Word))
	prog = append(prog, asm.LoadMem(asm.R2, asm.RFP, spillSrcPort, asm.Half))
	prog = append(prog, asm.LoadMem(asm.R9, asm.RFP, spillProto, asm.Byte))
	prog = append(prog, conntrackInsertFragment(asm.R0, asm.R2, asm.R4, asm.R1, asm.R5, asm.R3, asm.R9)...)

	// Terminal actions.
	prog = append(prog,
		asm.Mov.Imm(asm.R0, xdpTX),
		asm.Return(),

		asm.Mov.Imm(asm.R0, xdpDrop).WithSymbol(labelRateLimited),
		asm.Return(),

		asm.Mov.Imm(asm.R0, xdpDrop).WithSymbol(labelDrop),
		asm.Return(),

		asm.Mov.Imm(asm.R0, xdpPass).WithSymbol(labelPass),
		asm.Return(),
	)

	return prog, nil
}

// L4 checksum field offsets from the start of the L4 header — TCP's
// checksum sits at byte 16, UDP's at byte 6.
const (
	tcpCsumOffFromCursor = 16
	udpCsumOffFromCursor = 6
)

// XDP return codes (linux/bpf.h xdp_action).
const (
	xdpAborted  = 0
	xdpDrop     = 1
	xdpPass     = 2
	xdpTX       = 3
	xdpRedirect = 4
)

// BuildEgress assembles the TC egress program: match the reply packet
// against the conntrack map by its swapped 5-tuple, and if found, rewrite
// the source address/port back to the proxy's advertised VIP (SNAT),
// updating the IPv4 and L4 checksums the same way DNAT did on ingress.
// Packets with no conntrack entry pass through unmodified — egress only
// rewrites traffic this instance DNAT'd on ingress.
func BuildEgress() (asm.Instructions, error) {
	var prog asm.Instructions

	prog = append(prog, bpfasm.LoadContextPointers()...)
	prog = append(prog, asm.Mov.Reg(asm.R8, asm.R6))

	prog = append(prog, bpfasm.ParseEth(labelPass)...)
	prog = append(prog, asm.JNE.Imm(asm.R0, bpfasm.EtherTypeIPv4, labelPass))

	ipInsns, ip := bpfasm.ParseIPv4(labelPass)
	prog = append(prog, ipInsns...)
	prog = append(prog,
		asm.StoreMem(asm.RFP, spillProto, ip.Proto, asm.Byte),
		asm.StoreMem(asm.RFP, spillSrcAddr, ip.SrcAddr, asm.Word), // backend addr
		asm.StoreMem(asm.RFP, spillDstAddr, ip.DstAddr, asm.Word), // client addr
	)

	prog = append(prog, asm.JEq.Imm(ip.Proto, constants.ProtoTCP, labelCheckTCP))
	prog = append(prog, asm.JEq.Imm(ip.Proto, constants.ProtoUDP, labelCheckUDP))
	prog = append(prog, asm.Ja.Label(labelPass))

	prog = append(prog, asm.Mov.Imm(asm.R0, 0).WithSymbol(labelCheckTCP))
	l4TCP, l4 := bpfasm.ParseL4Ports(bpfasm.TCPHdrMinLen, labelPass)
	prog = append(prog, l4TCP...)
	prog = append(prog,
		asm.StoreMem(asm.RFP, spillSrcPort, l4.SrcPort, asm.Half), // backend port
		asm.StoreMem(asm.RFP, spillDstPort, l4.DstPort, asm.Half), // client port
		asm.Mov.Imm(asm.R9, 1),
	)
	prog = append(prog, asm.Ja.Label("egress_l4_done"))

	prog = append(prog, asm.Mov.Imm(asm.R0, 0).WithSymbol(labelCheckUDP))
	l4UDP, l4u := bpfasm.ParseL4Ports(bpfasm.UDPHdrLen, labelPass)
	prog = append(prog, l4UDP...)
	prog = append(prog,
		asm.StoreMem(asm.RFP, spillSrcPort, l4u.SrcPort, asm.Half),
		asm.StoreMem(asm.RFP, spillDstPort, l4u.DstPort, asm.Half),
		asm.Mov.Imm(asm.R9, 0),
	)
	prog = append(prog, asm.Mov.Imm(asm.R0, 0).WithSymbol("egress_l4_done"))

	// Lookup key swaps the packet's own fields: its destination (client)
	// is the entry's original source, its source (backend) is the entry's
	// nat target.
	prog = append(prog, asm.LoadMem(asm.R1, asm.RFP, spillDstAddr, asm.Word))
	prog = append(prog, asm.LoadMem(asm.R2, asm.RFP, spillSrcAddr, asm.Word))
	prog = append(prog, asm.LoadMem(asm.R3, asm.RFP, spillDstPort, asm.Half))
	prog = append(prog, asm.LoadMem(asm.R4, asm.RFP, spillSrcPort, asm.Half))
	prog = append(prog,
		asm.StoreImm(asm.RFP, -4, 0, asm.Word), // key proto + pad[3] zeroed
		asm.LoadMem(asm.R5, asm.RFP, spillProto, asm.Byte),
		asm.StoreMem(asm.RFP, -4, asm.R5, asm.Byte), // key proto
	)
	prog = append(prog, conntrackLookupFragment(asm.R1, asm.R2, asm.R3, asm.R4, labelPass)...)

	// Spill the ConntrackValue pointer before it's lost: snatRewriteFragment
	// clobbers R0 as checksum scratch partway through.
	prog = append(prog, asm.StoreMem(asm.RFP, spillConntrackPtr, asm.R0, asm.DWord))

	// oldSrcPort must land somewhere other than R2/R9 — snatRewriteFragment's
	// internal checksum scratch (addrCsumDiff) uses both.
	prog = append(prog, asm.LoadMem(asm.R1, asm.RFP, spillSrcAddr, asm.Word)) // old src addr (backend)
	prog = append(prog, asm.LoadMem(asm.R4, asm.RFP, spillSrcPort, asm.Half)) // old src port
	prog = append(prog, asm.JEq.Imm(asm.R9, 0, "snat_udp")) // R9 = is-tcp flag
	prog = append(prog, snatRewriteFragment(asm.R1, asm.R4, tcpCsumOffFromCursor, false)...)
	prog = append(prog, asm.Ja.Label("snat_done"))
	prog = append(prog, asm.Mov.Imm(asm.R0, 0).WithSymbol("snat_udp"))
	prog = append(prog, snatRewriteFragment(asm.R1, asm.R4, udpCsumOffFromCursor, true)...)
	prog = append(prog, asm.Mov.Imm(asm.R0, 0).WithSymbol("snat_done"))

	// Refresh the matched entry's reverse-direction accounting now that the
	// reply packet has been rewritten: touch last_seen_ns so an idle sweep
	// doesn't reap a flow that's only ever seen replies, and add this
	// packet to packets_rev/bytes_rev (spec.md §4.4 step 5).
	prog = append(prog, asm.LoadMem(asm.R9, asm.RFP, spillConntrackPtr, asm.DWord))
	prog = append(prog, asm.FnKtimeGetNs.Call())
	prog = append(prog, asm.StoreMem(asm.R9, conntrackValueOffLastSeenNs, asm.R0, asm.DWord))
	prog = append(prog, asm.LoadMem(asm.R0, asm.R9, conntrackValueOffPacketsRev, asm.DWord))
	prog = append(prog, asm.Add.Imm(asm.R0, 1))
	prog = append(prog, asm.StoreMem(asm.R9, conntrackValueOffPacketsRev, asm.R0, asm.DWord))
	prog = append(prog, asm.Mov.Reg(asm.R0, asm.R7))
	prog = append(prog, asm.Sub.Reg(asm.R0, asm.R6)) // data_end - data
	prog = append(prog, asm.LoadMem(asm.R1, asm.R9, conntrackValueOffBytesRev, asm.DWord))
	prog = append(prog, asm.Add.Reg(asm.R1, asm.R0))
	prog = append(prog, asm.StoreMem(asm.R9, conntrackValueOffBytesRev, asm.R1, asm.DWord))

	prog = append(prog,
		asm.Mov.Imm(asm.R0, tcActOK).WithSymbol(labelPass),
		asm.Return(),
	)

	return prog, nil
}

// TC return codes (linux/pkt_cls.h).
const (
	tcActOK     = 0
	tcActShot   = 2
	tcActUnspec = -1
)

// helper returning an error for callers that want to validate assembly
// succeeded (both builders above are currently infallible, but keep the
// signature so a future fragment that can fail — e.g. label budget
// exhaustion — doesn't need a signature change).
func assembleErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("bpfprog: assembling %s: %w", stage, err)
}
