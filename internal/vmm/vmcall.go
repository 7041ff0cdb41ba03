package vmm

import (
	"log/slog"

	"github.com/tinyrange/vmx/internal/arch"
)

// Hypercall numbers, passed in CX with an optional context pointer in DX.
type Hypercall uint32

const (
	// HypercallTerminate tears down virtualization on the current
	// processor. Kernel-mode callers only.
	HypercallTerminate Hypercall = iota
	// HypercallPing logs the context value and returns.
	HypercallPing
	// HypercallQuerySharedData writes the address of the cross-processor
	// state block through the context pointer.
	HypercallQuerySharedData

	hypercallMax = HypercallQuerySharedData
)

func (v *VMM) handleVmcall(ctx *GuestContext) {
	regs := ctx.Regs()
	number := Hypercall(uint32(regs.Rcx))
	context := regs.Rdx

	if number > hypercallMax {
		v.indicateVmcallFailure(ctx)
		return
	}

	switch number {
	case HypercallTerminate:
		if v.guestCPL() != 0 {
			v.indicateVmcallFailure(ctx)
			return
		}
		v.terminate(ctx, context)

	case HypercallPing:
		slog.Info("vmm: pong", "context", hex(context), "cpu", v.plat.ProcessorNumber())
		v.indicateVmcallSuccess(ctx)

	case HypercallQuerySharedData:
		func() {
			w := v.openGuestWindow()
			defer w.Close()
			w.WriteU64(context, ctx.Stack().Processor.SharedAddr)
		}()
		v.indicateVmcallSuccess(ctx)
	}
}

// indicateVmcallSuccess clears the arithmetic flags so the caller sees a
// clean VMX success indication, then steps past the instruction.
func (v *VMM) indicateVmcallSuccess(ctx *GuestContext) {
	ctx.Flags.ClearArithmetic()
	v.vmcs.Write(arch.FieldGuestRflags, uint64(ctx.Flags))
	v.advanceIP(ctx)
}

// indicateVmcallFailure delivers the invalid-opcode fault an unvirtualized
// processor would raise, without advancing past the instruction.
func (v *VMM) indicateVmcallFailure(ctx *GuestContext) {
	v.inject(arch.InterruptHardwareException, arch.VectorUD, false, 0)
	length := v.vmcs.Read(arch.FieldVmExitInstructionLen)
	v.vmcs.Write(arch.FieldVmEntryInstructionLen, length)
}

// terminate stages the hand-off out of virtualization. The guest's descriptor
// tables are made live on the processor, the per-processor state address is
// reported through the context pointer, and the return address, stack and
// flags are parked in registers for the trampoline to restore after VMXOFF.
func (v *VMM) terminate(ctx *GuestContext, context uint64) {
	regs := ctx.Regs()

	v.plat.LoadGDT(arch.DescriptorTable{
		Limit: uint16(v.vmcs.Read(arch.FieldGuestGdtrLimit)),
		Base:  v.vmcs.Read(arch.FieldGuestGdtrBase),
	})
	v.plat.LoadIDT(arch.DescriptorTable{
		Limit: uint16(v.vmcs.Read(arch.FieldGuestIdtrLimit)),
		Base:  v.vmcs.Read(arch.FieldGuestIdtrBase),
	})

	func() {
		w := v.openGuestWindow()
		defer w.Close()
		w.WriteU64(context, ctx.Stack().Processor.Addr)
	}()

	length := v.vmcs.Read(arch.FieldVmExitInstructionLen)
	ctx.Flags.ClearArithmetic()

	regs.Rcx = ctx.IP + length
	regs.Rdx = regs.Rsp
	regs.Rax = uint64(ctx.Flags)
	ctx.Continue = false

	slog.Info("vmm: leaving virtualization", "cpu", v.plat.ProcessorNumber(), "return", hex(regs.Rcx))
}
