package vmm

import "github.com/tinyrange/vmx/internal/arch"

// A general-protection fault for an out-of-range MSR carries the low word of
// the selector-style error code some hosting stacks expect for this path.
const msrFaultErrorCode = 0x6a

func (v *VMM) tolerated(msr arch.Msr) bool {
	for _, m := range v.compatMSRs {
		if m == msr {
			return true
		}
	}
	return false
}

// handleMsrAccess emulates RDMSR and WRMSR. Registers the processor shadows
// in the control structure are routed there; everything else in the
// architectural ranges goes to hardware. Out-of-range selectors fault, and by
// long-standing behavior the faulting instruction is still stepped over.
func (v *VMM) handleMsrAccess(ctx *GuestContext, read bool) {
	regs := ctx.Regs()
	msr := arch.Msr(uint32(regs.Rcx))

	if !arch.MsrInValidRange(msr) && !v.tolerated(msr) {
		v.injectGP(msrFaultErrorCode)
		v.advanceIP(ctx)
		return
	}

	field, shadowed := msr.GuestStateField()

	if read {
		var value uint64
		switch {
		case shadowed && field.Is64Bit():
			value = v.vmcs.Read64(field)
		case shadowed:
			value = v.vmcs.Read(field)
		default:
			value = v.plat.ReadMSR(msr)
		}
		regs.Rax = value & 0xffffffff
		regs.Rdx = value >> 32
	} else {
		value := regs.Rdx<<32 | regs.Rax&0xffffffff
		switch {
		case shadowed && field.Is64Bit():
			v.vmcs.Write64(field, value)
		case shadowed:
			v.vmcs.Write(field, value)
		default:
			v.plat.WriteMSR(msr, value)
		}
	}

	v.advanceIP(ctx)
}
