package vmm

import "github.com/tinyrange/vmx/internal/arch"

// inject queues an event for delivery on the next VM entry.
func (v *VMM) inject(typ arch.InterruptionType, vector arch.Vector, deliverErrorCode bool, errorCode uint32) {
	info := arch.MakeInterruptInfo(typ, vector, deliverErrorCode)
	v.vmcs.Write(arch.FieldVmEntryIntrInfo, uint64(info))
	if deliverErrorCode {
		v.vmcs.Write(arch.FieldVmEntryExceptionErrCode, uint64(errorCode))
	}
}

// injectGP queues a general-protection fault.
func (v *VMM) injectGP(errorCode uint32) {
	v.inject(arch.InterruptHardwareException, arch.VectorGP, true, errorCode)
}

// advanceIP moves the guest past the emulated instruction. If the guest was
// single-stepping, the trap the skipped instruction would have raised is
// queued so stepping stays coherent.
func (v *VMM) advanceIP(ctx *GuestContext) {
	length := v.vmcs.Read(arch.FieldVmExitInstructionLen)
	v.vmcs.Write(arch.FieldGuestRip, ctx.IP+length)

	if ctx.Flags.TF() {
		v.inject(arch.InterruptHardwareException, arch.VectorDB, false, 0)
		v.vmcs.Write(arch.FieldVmEntryInstructionLen, length)
	}
}

// guestCPL returns the guest's current privilege level, taken from the
// stack-segment descriptor-privilege bits the processor keeps current.
func (v *VMM) guestCPL() uint8 {
	ar := arch.AccessRights(v.vmcs.Read(arch.FieldGuestSsArBytes))
	return ar.DPL()
}

// selectRegister maps an instruction-encoded register number to its slot in
// the spilled register file. The stack-pointer slot mirrors the VMCS value.
func (v *VMM) selectRegister(index int, ctx *GuestContext) *uint64 {
	regs := ctx.Regs()
	switch index & 15 {
	case 0:
		return &regs.Rax
	case 1:
		return &regs.Rcx
	case 2:
		return &regs.Rdx
	case 3:
		return &regs.Rbx
	case 4:
		return &regs.Rsp
	case 5:
		return &regs.Rbp
	case 6:
		return &regs.Rsi
	case 7:
		return &regs.Rdi
	case 8:
		return &regs.R8
	case 9:
		return &regs.R9
	case 10:
		return &regs.R10
	case 11:
		return &regs.R11
	case 12:
		return &regs.R12
	case 13:
		return &regs.R13
	case 14:
		return &regs.R14
	default:
		return &regs.R15
	}
}
