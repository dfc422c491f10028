package bpfprog

import (
	"fmt"

	"github.com/cilium/ebpf/asm"
)

// rateLimitFragment emits the token-bucket check against MapRateLimit keyed
// by addrReg (the source address for the per-source instance at spec.md
// §4.2 step 4, the selected target's address for the per-backend instance
// at step 7 — one map layout serves both, per SPEC_FULL.md §1's rate-limit-
// layout resolution). A bucket that has run dry jumps to limitedLabel;
// every other outcome (no entry yet, tokens available) falls through.
// This fragment only decrements the stored token count: it does not read
// last_refill_ns or add tokens back, and nothing else in xdplb refills a
// bucket either, so a bucket that reaches zero stays at zero.
func rateLimitFragment(addrReg asm.Register, limitedLabel string) asm.Instructions {
	// One label per key register, so the per-source and per-backend
	// instances of this fragment can sit in the same program.
	haveTokens := fmt.Sprintf("rl_have_tokens_%s", addrReg)

	return asm.Instructions{
		asm.StoreMem(asm.RFP, -8, addrReg, asm.Word),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -8),
		asm.LoadMapPtr(asm.R1, 0).WithReference(MapRateLimit),
		asm.FnMapLookupElem.Call(),

		// no bucket yet => treat as having tokens (new source starts full)
		asm.JEq.Imm(asm.R0, 0, haveTokens),

		// tokens field is the first 4 bytes of RateLimitValue
		asm.LoadMem(asm.R1, asm.R0, 0, asm.Word),
		asm.JEq.Imm(asm.R1, 0, limitedLabel),
		asm.Sub.Imm(asm.R1, 1),
		asm.StoreMem(asm.R0, 0, asm.R1, asm.Word),

		asm.Mov.Imm(asm.R0, 0).WithSymbol(haveTokens),
	}
}
