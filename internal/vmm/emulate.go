package vmm

import (
	"log/slog"

	"github.com/tinyrange/vmx/internal/arch"
)

// Leaf 0 reports this many leaves regardless of hardware; enough for every
// feature leaf guests actually parse.
const cpuidMaxBasicLeaf = 16

const cpuidHypervisorPresent = 1 << 31 // leaf 1 ECX

func (v *VMM) handleCpuid(ctx *GuestContext) {
	regs := ctx.Regs()
	leaf := uint32(regs.Rax)
	subleaf := uint32(regs.Rcx)

	eax, ebx, ecx, edx := v.plat.CPUID(leaf, subleaf)

	switch leaf {
	case 0:
		eax = cpuidMaxBasicLeaf
		ebx = v.vendorEBX
		ecx = v.vendorECX
		edx = v.vendorEDX
	case 1:
		ecx &^= cpuidHypervisorPresent
	}

	regs.Rax = uint64(eax)
	regs.Rbx = uint64(ebx)
	regs.Rcx = uint64(ecx)
	regs.Rdx = uint64(edx)
	v.advanceIP(ctx)
}

func (v *VMM) handleRdtsc(ctx *GuestContext) {
	tsc := v.plat.RDTSC()
	regs := ctx.Regs()
	regs.Rdx = tsc >> 32
	regs.Rax = tsc & 0xffffffff
	v.advanceIP(ctx)
}

func (v *VMM) handleRdtscp(ctx *GuestContext) {
	tsc, aux := v.plat.RDTSCP()
	regs := ctx.Regs()
	regs.Rdx = tsc >> 32
	regs.Rax = tsc & 0xffffffff
	regs.Rcx = uint64(aux)
	v.advanceIP(ctx)
}

func (v *VMM) handleXsetbv(ctx *GuestContext) {
	regs := ctx.Regs()
	value := uint64(uint32(regs.Rdx))<<32 | uint64(uint32(regs.Rax))
	v.plat.XSETBV(uint32(regs.Rcx), value)
	v.advanceIP(ctx)
}

func (v *VMM) handleInvd(ctx *GuestContext) {
	v.plat.InvalidateCaches()
	v.advanceIP(ctx)
}

func (v *VMM) handleInvlpg(ctx *GuestContext, qualification uint64) {
	v.plat.InvvpidAddress(v.vpid(), qualification)
	v.advanceIP(ctx)
}

// handleVmx fails every VMX instruction other than VMCALL the way a
// processor without an active control structure would, hiding the host's use
// of the feature.
func (v *VMM) handleVmx(ctx *GuestContext) {
	ctx.Flags.SetVmFailInvalid()
	v.vmcs.Write(arch.FieldGuestRflags, uint64(ctx.Flags))
	v.advanceIP(ctx)
}

// handleException reinjects the faults the host intercepts but does not
// consume. Anything that should never reach the engine stops the host.
func (v *VMM) handleException(ctx *GuestContext) {
	info := arch.InterruptInfo(uint32(v.vmcs.Read(arch.FieldVmExitIntrInfo)))
	typ := info.Type()
	vector := info.Vector()

	switch typ {
	case arch.InterruptHardwareException:
		switch vector {
		case arch.VectorPF:
			errorCode := uint32(v.vmcs.Read(arch.FieldVmExitIntrErrorCode))
			faultAddr := v.vmcs.Read(arch.FieldExitQualification)
			v.inject(typ, vector, true, errorCode)
			v.plat.WriteCR2(faultAddr)
			slog.Debug("vmm: #PF", "ip", hex(ctx.IP), "addr", hex(faultAddr), "code", hex(uint64(errorCode)))
		case arch.VectorGP:
			errorCode := uint32(v.vmcs.Read(arch.FieldVmExitIntrErrorCode))
			v.inject(typ, vector, true, errorCode)
			slog.Debug("vmm: #GP", "ip", hex(ctx.IP), "code", hex(uint64(errorCode)))
		default:
			v.dumpGuestState()
			v.plat.Fatal(StopUnspecified, uint64(typ), uint64(vector), 0)
		}
	case arch.InterruptSoftwareException:
		if vector != arch.VectorBP {
			v.dumpGuestState()
			v.plat.Fatal(StopUnspecified, uint64(typ), uint64(vector), 0)
			return
		}
		v.inject(typ, vector, false, 0)
		length := v.vmcs.Read(arch.FieldVmExitInstructionLen)
		v.vmcs.Write(arch.FieldVmEntryInstructionLen, length)
		slog.Debug("vmm: #BP", "ip", hex(ctx.IP))
	default:
		v.dumpGuestState()
		v.plat.Fatal(StopUnspecified, uint64(typ), uint64(vector), 0)
	}
}
