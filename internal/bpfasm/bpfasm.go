// Package bpfasm assembles small, reusable eBPF instruction fragments used
// to build the xdplb ingress/egress programs. Each fragment is a pure
// function from register conventions to an asm.Instructions slice; callers
// splice fragments together and let the verifier-facing label names resolve
// when the final program is marshaled.
//
// Register convention used throughout this package (mirrors the calling
// convention cilium/ebpf's asm package expects from context-holding
// programs):
//
//	R1 - pointer to the program context (xdp_md / __sk_buff)
//	R6 - data pointer   (ctx->data),     loaded once per program
//	R7 - data_end pointer (ctx->data_end), loaded once per program
//	R8 - scratch cursor used by the parse_* fragments
//
// All jump targets are symbolic; two fragments never collide on a label
// because every label passed in is caller-supplied and namespaced by the
// assembling program (see internal/bpfprog).
package bpfasm

import (
	"github.com/cilium/ebpf/asm"
)

// Offsets into xdp_md / __sk_buff: both structs start with data and
// data_end as the first two u32 fields, which is all these fragments touch.
const (
	ctxOffData    = 0
	ctxOffDataEnd = 4
)

// LoadContextPointers emits the two loads every packet-path program needs
// up front: ctx->data into R6, ctx->data_end into R7. Both are 32-bit
// "pointers" in the context struct (BPF rewrites them to real pointers at
// verification time), so they're loaded as words and used as scalars by
// the bounds checks below.
func LoadContextPointers() asm.Instructions {
	return asm.Instructions{
		asm.LoadMem(asm.R6, asm.R1, ctxOffData, asm.Word),
		asm.LoadMem(asm.R7, asm.R1, ctxOffDataEnd, asm.Word),
	}
}

// BoundsCheck emits `if cursorReg + size > R7 (data_end): goto failLabel`.
// Every raw memory access into packet data must be preceded by a bounds
// check of this shape or the verifier rejects the program.
func BoundsCheck(cursorReg asm.Register, size int32, failLabel string) asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R9, cursorReg),
		asm.Add.Imm(asm.R9, size),
		asm.JGT.Reg(asm.R9, asm.R7, failLabel),
	}
}

// Ethernet header layout (14 bytes, no VLAN handling — tagged frames are
// rejected by the caller rather than parsed here).
const (
	EthHdrLen      = 14
	ethOffEtherType = 12
	EtherTypeIPv4   = 0x0800
)

// ParseEth bounds-checks and skips the Ethernet header, loading EtherType
// into R0 for the caller to branch on, and advancing R8 past the header.
// Expects R8 to already hold the start-of-packet cursor (== R6 on entry).
func ParseEth(failLabel string) asm.Instructions {
	insns := BoundsCheck(asm.R8, EthHdrLen, failLabel)
	insns = append(insns,
		asm.LoadMem(asm.R0, asm.R8, ethOffEtherType, asm.Half),
		asm.Add.Imm(asm.R8, EthHdrLen),
	)
	return insns
}

// IPv4 header field offsets (fixed 20-byte header; options are skipped by
// IHL-derived length, not parsed).
const (
	ipOffVerIHL    = 0
	ipOffTotalLen  = 2
	ipOffProto     = 9
	ipOffChecksum  = 10
	ipOffSrcAddr   = 12
	ipOffDstAddr   = 16
	IPv4MinHdrLen  = 20
)

// ParsedIPv4 names the registers ParseIPv4 leaves populated, so callers
// don't need to remember raw register numbers at every call site.
type ParsedIPv4 struct {
	Proto   asm.Register // R2: IP protocol number
	SrcAddr asm.Register // R3: source address, network byte order
	DstAddr asm.Register // R4: destination address, network byte order
}

// ParseIPv4 bounds-checks the fixed IPv4 header, extracts protocol and
// addresses, and advances R8 past the header (using the IHL field so TCP/UDP
// parsing starts at the right offset even with IP options present).
func ParseIPv4(failLabel string) (asm.Instructions, ParsedIPv4) {
	insns := BoundsCheck(asm.R8, IPv4MinHdrLen, failLabel)
	insns = append(insns,
		asm.LoadMem(asm.R2, asm.R8, ipOffProto, asm.Byte),
		asm.LoadMem(asm.R3, asm.R8, ipOffSrcAddr, asm.Word),
		asm.LoadMem(asm.R4, asm.R8, ipOffDstAddr, asm.Word),
		// R5 = IHL in 32-bit words (low nibble of the version/IHL byte) * 4.
		asm.LoadMem(asm.R5, asm.R8, ipOffVerIHL, asm.Byte),
		asm.And.Imm(asm.R5, 0x0f),
		asm.LSh.Imm(asm.R5, 2),
		asm.Add.Reg(asm.R8, asm.R5),
	)
	return insns, ParsedIPv4{Proto: asm.R2, SrcAddr: asm.R3, DstAddr: asm.R4}
}

// L4 header field offsets; TCP and UDP agree on the first 4 bytes (source
// port, destination port), which is all ParseL4Ports reads.
const (
	l4OffSrcPort  = 0
	l4OffDstPort  = 2
	tcpOffDataOff = 12
	TCPHdrMinLen  = 20
	UDPHdrLen     = 8
)

// ParsedL4 names the registers ParseL4Ports leaves populated.
type ParsedL4 struct {
	SrcPort asm.Register // R2: source port, network byte order
	DstPort asm.Register // R3: destination port, network byte order
}

// ParseL4Ports bounds-checks a 4-byte window at the current cursor and
// extracts source/destination ports. Caller picks minLen (TCPHdrMinLen or
// UDPHdrLen) for the bounds check so the check reflects the real header
// size even though only the first 4 bytes are read here.
func ParseL4Ports(minLen int32, failLabel string) (asm.Instructions, ParsedL4) {
	insns := BoundsCheck(asm.R8, minLen, failLabel)
	insns = append(insns,
		asm.LoadMem(asm.R2, asm.R8, l4OffSrcPort, asm.Half),
		asm.LoadMem(asm.R3, asm.R8, l4OffDstPort, asm.Half),
	)
	return insns, ParsedL4{SrcPort: asm.R2, DstPort: asm.R3}
}

// AdvancePastTCPHeader advances R8 past the TCP header using its data-offset
// nibble (high nibble of byte 12, in 32-bit words) the same way ParseIPv4
// uses the IHL nibble — needed before any fragment that reads TCP payload
// bytes (e.g. the TLS ClientHello walk in internal/bpfprog/sni.go), since
// ParseL4Ports itself only reads the fixed 4-byte port prefix and does not
// move the cursor.
func AdvancePastTCPHeader(failLabel string) asm.Instructions {
	insns := BoundsCheck(asm.R8, TCPHdrMinLen, failLabel)
	insns = append(insns,
		asm.LoadMem(asm.R5, asm.R8, tcpOffDataOff, asm.Byte),
		asm.RSh.Imm(asm.R5, 4),
		asm.LSh.Imm(asm.R5, 2),
		asm.Add.Reg(asm.R8, asm.R5),
	)
	return insns
}

// CsumDiffApply emits the incremental one's-complement checksum update used
// by both DNAT (ingress) and SNAT (egress) rewrites: given the old 16-bit
// field value in oldReg and the new value in newReg, it folds
// (~csum + ~old + new) back into a 16-bit result in resultReg, per RFC 1624.
// oldReg and newReg are consumed (clobbered); resultReg must differ from
// both.
func CsumDiffApply(csumReg, oldReg, newReg, resultReg asm.Register) asm.Instructions {
	return asm.Instructions{
		// resultReg = ~csum (16-bit complement, kept in a 32-bit reg)
		asm.Mov.Reg(resultReg, csumReg),
		asm.Xor.Imm(resultReg, 0xffff),

		// resultReg += ~old
		asm.Xor.Imm(oldReg, 0xffff),
		asm.Add.Reg(resultReg, oldReg),

		// resultReg += new
		asm.Add.Reg(resultReg, newReg),

		// fold carries out of the top 16 bits twice (enough to absorb every
		// carry a three-term 16-bit sum can produce), then complement back
		// to the final stored checksum.
		asm.Mov.Reg(oldReg, resultReg), // oldReg reused as carry scratch
		asm.RSh.Imm(oldReg, 16),
		asm.And.Imm(resultReg, 0xffff),
		asm.Add.Reg(resultReg, oldReg),
		asm.Mov.Reg(oldReg, resultReg),
		asm.RSh.Imm(oldReg, 16),
		asm.And.Imm(resultReg, 0xffff),
		asm.Add.Reg(resultReg, oldReg),
		asm.Xor.Imm(resultReg, 0xffff),
		asm.And.Imm(resultReg, 0xffff),
	}
}
