package bpfprog

import (
	"encoding/binary"

	"github.com/cilium/ebpf/asm"

	"github.com/sureshkrishnan-v/xdplb/internal/bpfasm"
	"github.com/sureshkrishnan-v/xdplb/internal/constants"
)

// fnvOffsetBasis and fnvPrime are the FNV-1a 64 constants from the GLOSSARY,
// loaded as 64-bit immediates since neither fits a 32-bit ALU immediate.
const (
	fnvOffsetBasis uint64 = 0xcbf29ce484222325
	fnvPrime       uint64 = 0x100000001b3
)

// tlsPortRaw is port 443 as a Half load of the packet's network-order port
// bytes (0x01 0xbb) reads on this host.
var tlsPortRaw = int32(binary.NativeEndian.Uint16([]byte{0x01, 0xbb}))

// sniFragment emits the TLS ClientHello SNI walk described by spec.md §4.3:
// for TCP destination port 443 only, walk the TLS record header, the
// handshake header, the fixed-then-variable ClientHello fields up to
// extensions, and the extensions list looking for server_name (0x0000).
// Every intermediate offset is checked against the TLSxxxOffsetBudget clamps
// (spec.md §4.3's "absolute offsets clamped" rule) rather than re-running a
// bounds_check per field, since the single upfront bounds_check against the
// largest budget already proves the whole window is safely readable.
//
// On a match it folds the hostname (lowercased) into an FNV-1a 64 hash
// matching internal/maps.HashHostname byte-for-byte, looks it up in the SNI
// map, and jumps to hitLabel with R0 holding the RouteValue pointer. Any
// parse failure or budget exhaustion falls through to noSNILabel — SNI
// routing is best-effort, never a hard requirement for a match. Expects R8
// to point at the TLS record (i.e. bpfasm.AdvancePastTCPHeader has already
// run) and R3 to hold the TCP destination port.
func sniFragment(hitLabel, noSNILabel string) asm.Instructions {
	const loopExtensions = "sni_ext_loop"
	const loopHash = "sni_hash_loop"
	const haveServerName = "sni_have_server_name"
	const doLookup = "sni_do_lookup"

	var insns asm.Instructions

	insns = append(insns, asm.JNE.Imm(asm.R3, tlsPortRaw, noSNILabel))
	insns = append(insns, bpfasm.BoundsCheck(asm.R8, constants.TLSExtensionsOffsetBudget, noSNILabel)...)

	insns = append(insns,
		asm.LoadMem(asm.R0, asm.R8, 0, asm.Byte),
		asm.JNE.Imm(asm.R0, constants.TLSContentTypeHandshake, noSNILabel),
		asm.LoadMem(asm.R0, asm.R8, 5, asm.Byte),
		asm.JNE.Imm(asm.R0, constants.TLSHandshakeTypeClientHello, noSNILabel),
	)

	// R2 tracks the running byte offset from R8 (the record start). Fixed
	// header fields first: 5 (record) + 4 (handshake) + 2 (legacy_version)
	// + 32 (random) = 43, landing on the session_id length byte.
	insns = append(insns, asm.Mov.Imm(asm.R2, 43))

	// session_id: 1-byte length prefix.
	insns = append(insns, loadAtOffset(asm.R0, asm.R2, 0, asm.Byte)...)
	insns = append(insns, asm.Add.Imm(asm.R2, 1), asm.Add.Reg(asm.R2, asm.R0))
	insns = append(insns, asm.JGT.Imm(asm.R2, constants.TLSHandshakeOffsetBudget, noSNILabel))

	// cipher_suites: 2-byte length prefix.
	insns = append(insns, loadAtOffset(asm.R0, asm.R2, 0, asm.Half)...)
	insns = append(insns, asm.Add.Imm(asm.R2, 2), asm.Add.Reg(asm.R2, asm.R0))
	insns = append(insns, asm.JGT.Imm(asm.R2, constants.TLSHandshakeOffsetBudget, noSNILabel))

	// compression_methods: 1-byte length prefix.
	insns = append(insns, loadAtOffset(asm.R0, asm.R2, 0, asm.Byte)...)
	insns = append(insns, asm.Add.Imm(asm.R2, 1), asm.Add.Reg(asm.R2, asm.R0))
	insns = append(insns, asm.JGT.Imm(asm.R2, constants.TLSHandshakeOffsetBudget, noSNILabel))

	// extensions_length: 2-byte length prefix; R4 (free here — dst addr is
	// reloaded from its stack spill by the caller after route resolution)
	// holds the extensions-list end offset for the loop bound below.
	insns = append(insns, loadAtOffset(asm.R0, asm.R2, 0, asm.Half)...)
	insns = append(insns, asm.Add.Imm(asm.R2, 2))
	insns = append(insns, asm.Mov.Reg(asm.R4, asm.R2), asm.Add.Reg(asm.R4, asm.R0))
	insns = append(insns, asm.JGT.Imm(asm.R4, constants.TLSExtensionsOffsetBudget, noSNILabel))

	// Extension list walk, bounded to TLSMaxExtensions iterations
	// regardless of how many the length field claims — the verifier-
	// provable termination bound spec.md §4.3 requires.
	insns = append(insns, asm.Mov.Imm(asm.R1, 0))
	insns = append(insns, asm.JGE.Imm(asm.R1, constants.TLSMaxExtensions, noSNILabel).WithSymbol(loopExtensions))
	insns = append(insns, asm.JGE.Reg(asm.R2, asm.R4, noSNILabel)) // offset >= extensions_end

	insns = append(insns, loadAtOffset(asm.R0, asm.R2, 0, asm.Half)...) // ext type
	insns = append(insns, asm.JEq.Imm(asm.R0, constants.TLSExtensionServerName, haveServerName))

	insns = append(insns, loadAtOffset(asm.R0, asm.R2, 2, asm.Half)...) // ext len
	insns = append(insns, asm.Add.Imm(asm.R2, 4), asm.Add.Reg(asm.R2, asm.R0))
	insns = append(insns, asm.Add.Imm(asm.R1, 1), asm.Ja.Label(loopExtensions))

	// server_name extension found: R2 is its offset. Layout inside:
	// ext_type(2) ext_len(2) server_name_list_len(2) name_type(1)
	// name_len(2) name.
	insns = append(insns, asm.Mov.Imm(asm.R0, 0).WithSymbol(haveServerName))
	insns = append(insns, loadAtOffset(asm.R0, asm.R2, 6, asm.Byte)...) // name_type
	insns = append(insns, asm.JNE.Imm(asm.R0, constants.TLSServerNameTypeHost, noSNILabel))

	insns = append(insns, loadAtOffset(asm.R0, asm.R2, 7, asm.Half)...) // name_len
	insns = append(insns,
		asm.JLE.Imm(asm.R0, constants.SNIMaxHostnameLen, doLookup),
		asm.Mov.Imm(asm.R0, constants.SNIMaxHostnameLen),
	)
	insns = append(insns, asm.Add.Imm(asm.R2, 9).WithSymbol(doLookup)) // R2 now points at the hostname bytes
	insns = append(insns, asm.Mov.Reg(asm.R3, asm.R0)) // R3 = hostname length (loop bound)

	// FNV-1a 64 fold, lowercasing 'A'-'Z' by +32 exactly as
	// internal/maps.HashHostname does, bounded by SNIMaxHostnameLen.
	insns = append(insns, asm.LoadImm(asm.R5, int64(fnvOffsetBasis), asm.DWord))
	insns = append(insns, asm.LoadImm(asm.R9, int64(fnvPrime), asm.DWord))
	insns = append(insns, asm.Mov.Imm(asm.R1, 0))
	insns = append(insns, asm.JGE.Imm(asm.R1, constants.SNIMaxHostnameLen, "sni_hash_done").WithSymbol(loopHash))
	insns = append(insns, asm.JGE.Reg(asm.R1, asm.R3, "sni_hash_done"))

	insns = append(insns, loadAtOffset(asm.R0, asm.R2, 0, asm.Byte)...)
	const upperA, upperZ, caseBit = 'A', 'Z', 'a' - 'A'
	insns = append(insns,
		asm.JLT.Imm(asm.R0, upperA, "sni_no_fold"),
		asm.JGT.Imm(asm.R0, upperZ, "sni_no_fold"),
		asm.Add.Imm(asm.R0, caseBit),
		asm.Mov.Imm(asm.R4, 0).WithSymbol("sni_no_fold"),
	)
	insns = append(insns,
		asm.Xor.Reg(asm.R5, asm.R0),
		asm.Mul.Reg(asm.R5, asm.R9),
		asm.Add.Imm(asm.R2, 1),
		asm.Add.Imm(asm.R1, 1),
		asm.Ja.Label(loopHash),
	)

	insns = append(insns, asm.Mov.Imm(asm.R0, 0).WithSymbol("sni_hash_done"))

	// SniKey{hash: u64} on the stack, look up MapSNI.
	insns = append(insns,
		asm.StoreMem(asm.RFP, -8, asm.R5, asm.DWord),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -8),
		asm.LoadMapPtr(asm.R1, 0).WithReference(MapSNI),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, noSNILabel),
		asm.Ja.Label(hitLabel),
	)

	return insns
}

// loadAtOffset computes an effective address (R8 + offsetReg + extra) into
// dst itself and loads size bytes from it back into dst — a dst == src load
// is well-defined (the address is consumed before the register is
// overwritten), which lets every caller here reuse dst as its own address
// scratch instead of touching R6/R7 (the persistent data/data_end pointers
// later fragments such as conntrackInsertFragment still rely on).
func loadAtOffset(dst, offsetReg asm.Register, extra int32, size asm.Size) asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(dst, asm.R8),
		asm.Add.Reg(dst, offsetReg),
		asm.LoadMem(dst, dst, extra, size),
	}
}
