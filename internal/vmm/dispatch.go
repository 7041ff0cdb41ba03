package vmm

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmx/internal/arch"
	"github.com/tinyrange/vmx/internal/perf"
)

// Options configures an engine instance. The zero value is usable after
// withDefaults; New validates the rest.
type Options struct {
	// Processors is the number of logical processors the engine will serve.
	Processors int

	// RecordExitHistory keeps a per-processor ring of recent exits for
	// post-mortem inspection.
	RecordExitHistory bool
	HistoryDepth      int

	// Vendor is the 12-byte CPUID vendor identity presented to the guest.
	Vendor string

	// CompatMSRs are accepted outside the architectural MSR ranges instead
	// of raising a general-protection fault. Some hosting stacks probe
	// synthetic registers and tolerate reads of them.
	CompatMSRs []arch.Msr

	// Perf, when set, receives a timing span per handled exit.
	Perf *perf.Recorder
}

const defaultHistoryDepth = 100

func (o Options) withDefaults() Options {
	if o.Processors == 0 {
		o.Processors = 1
	}
	if o.HistoryDepth == 0 {
		o.HistoryDepth = defaultHistoryDepth
	}
	if o.Vendor == "" {
		o.Vendor = "GenuineIntel"
	}
	return o
}

// ExitRecord is one entry of the per-processor exit history ring.
type ExitRecord struct {
	Regs            GPRegisters
	IP              uint64
	Reason          arch.ExitInformation
	Qualification   uint64
	InstructionInfo uint64
}

// VMM dispatches VM exits for all processors of one virtualized host.
type VMM struct {
	plat Platform
	vmcs VMCS

	vendorEBX, vendorECX, vendorEDX uint32
	compatMSRs                      []arch.Msr
	perf                            *perf.Recorder

	history     [][]ExitRecord
	historyNext []int
}

// New builds an engine over the given collaborators.
func New(plat Platform, vmcs VMCS, opts Options) (*VMM, error) {
	opts = opts.withDefaults()
	if opts.Processors < 0 {
		return nil, fmt.Errorf("vmm: invalid processor count %d", opts.Processors)
	}
	if len(opts.Vendor) != 12 {
		return nil, fmt.Errorf("vmm: vendor identity %q is not 12 bytes", opts.Vendor)
	}
	if opts.HistoryDepth < 0 {
		return nil, fmt.Errorf("vmm: invalid history depth %d", opts.HistoryDepth)
	}

	v := &VMM{
		plat:       plat,
		vmcs:       vmcs,
		compatMSRs: opts.CompatMSRs,
		perf:       opts.Perf,
	}
	v.vendorEBX = binary.LittleEndian.Uint32([]byte(opts.Vendor[0:4]))
	v.vendorEDX = binary.LittleEndian.Uint32([]byte(opts.Vendor[4:8]))
	v.vendorECX = binary.LittleEndian.Uint32([]byte(opts.Vendor[8:12]))

	if opts.RecordExitHistory {
		v.history = make([][]ExitRecord, opts.Processors)
		v.historyNext = make([]int, opts.Processors)
		for i := range v.history {
			v.history[i] = make([]ExitRecord, opts.HistoryDepth)
		}
	}
	return v, nil
}

// vpid is the address-space tag for the current processor. Tag zero belongs
// to the host, so guests are tagged processor+1.
func (v *VMM) vpid() uint16 {
	return uint16(v.plat.ProcessorNumber() + 1)
}

// HandleExit is the engine entry point, called by the exit trampoline with
// the spilled register file. It returns true to resume the guest and false to
// leave virtualization (the trampoline then runs the termination sequence
// the VMCALL handler staged in the registers).
func (v *VMM) HandleExit(stack *ExitStack) bool {
	irql := v.plat.CurrentIRQL()
	if irql < DispatchIRQL {
		v.plat.RaiseIRQL(DispatchIRQL)
	}

	ctx := GuestContext{
		stack:    stack,
		Flags:    arch.RFlags(v.vmcs.Read(arch.FieldGuestRflags)),
		IP:       v.vmcs.Read(arch.FieldGuestRip),
		CR8:      v.plat.ReadCR8(),
		IRQL:     irql,
		Continue: true,
	}

	// The trampoline cannot push the guest stack pointer (it is still live
	// in hardware state at spill time); mirror it from the control
	// structure so handlers see a complete register file.
	stack.Regs.Rsp = v.vmcs.Read(arch.FieldGuestRsp)
	stack.TrapFrame.SP = stack.Regs.Rsp
	stack.TrapFrame.IP = ctx.IP

	v.dispatch(&ctx)

	if !ctx.Continue {
		// Leaving virtualization: flush every translation the guest
		// tags could have left behind.
		v.plat.InveptGlobal()
		v.plat.InvvpidAllContexts()
	}

	if ctx.IRQL < DispatchIRQL {
		v.plat.LowerIRQL(ctx.IRQL)
	}
	v.plat.WriteCR8(ctx.CR8)
	return ctx.Continue
}

func (v *VMM) dispatch(ctx *GuestContext) {
	info := arch.ExitInformation(uint32(v.vmcs.Read(arch.FieldVmExitReason)))
	reason := info.Reason()
	qualification := v.vmcs.Read(arch.FieldExitQualification)

	v.recordExit(ctx, info, qualification)

	if v.perf != nil {
		defer v.perf.Measure(exitKind(reason))()
	}

	switch reason {
	case arch.ExitExceptionOrNmi:
		v.handleException(ctx)
	case arch.ExitTripleFault:
		v.handleTripleFault(ctx)
	case arch.ExitCpuid:
		v.handleCpuid(ctx)
	case arch.ExitInvd:
		v.handleInvd(ctx)
	case arch.ExitInvlpg:
		v.handleInvlpg(ctx, qualification)
	case arch.ExitRdtsc:
		v.handleRdtsc(ctx)
	case arch.ExitRdtscp:
		v.handleRdtscp(ctx)
	case arch.ExitXsetbv:
		v.handleXsetbv(ctx)
	case arch.ExitVmcall:
		v.handleVmcall(ctx)
	case arch.ExitCrAccess:
		v.handleCrAccess(ctx, qualification)
	case arch.ExitDrAccess:
		v.handleDrAccess(ctx, qualification)
	case arch.ExitIoInstruction:
		v.handleIoPort(ctx, qualification)
	case arch.ExitMsrRead:
		v.handleMsrAccess(ctx, true)
	case arch.ExitMsrWrite:
		v.handleMsrAccess(ctx, false)
	case arch.ExitGdtrOrIdtrAccess:
		v.handleGdtrOrIdtrAccess(ctx, qualification)
	case arch.ExitLdtrOrTrAccess:
		v.handleLdtrOrTrAccess(ctx, qualification)
	case arch.ExitEptViolation:
		v.handleEptViolation(ctx)
	case arch.ExitEptMisconfig:
		v.handleEptMisconfig(ctx)
	case arch.ExitVmclear, arch.ExitVmlaunch, arch.ExitVmptrld, arch.ExitVmptrst,
		arch.ExitVmread, arch.ExitVmresume, arch.ExitVmwrite, arch.ExitVmxoff,
		arch.ExitVmxon, arch.ExitInvept, arch.ExitInvvpid:
		v.handleVmx(ctx)
	case arch.ExitMonitorTrapFlag:
		v.handleMonitorTrapFlag(ctx)
	default:
		v.handleUnexpected(ctx, reason, qualification)
	}
}

func (v *VMM) recordExit(ctx *GuestContext, info arch.ExitInformation, qualification uint64) {
	if v.history == nil {
		return
	}
	cpu := v.plat.ProcessorNumber()
	if cpu < 0 || cpu >= len(v.history) {
		return
	}
	ring := v.history[cpu]
	if len(ring) == 0 {
		return
	}
	ring[v.historyNext[cpu]] = ExitRecord{
		Regs:            ctx.stack.Regs,
		IP:              ctx.IP,
		Reason:          info,
		Qualification:   qualification,
		InstructionInfo: v.vmcs.Read(arch.FieldVmxInstructionInfo),
	}
	v.historyNext[cpu] = (v.historyNext[cpu] + 1) % len(ring)
}

// History returns the exit history ring for a processor in recording order,
// oldest first. It returns nil when recording is disabled.
func (v *VMM) History(cpu int) []ExitRecord {
	if v.history == nil || cpu < 0 || cpu >= len(v.history) {
		return nil
	}
	ring := v.history[cpu]
	next := v.historyNext[cpu]
	out := make([]ExitRecord, 0, len(ring))
	out = append(out, ring[next:]...)
	out = append(out, ring[:next]...)
	return out
}

func (v *VMM) handleTripleFault(ctx *GuestContext) {
	v.dumpGuestState()
	v.plat.Fatal(StopTripleFault, ctx.IP, 0, 0)
}

func (v *VMM) handleMonitorTrapFlag(ctx *GuestContext) {
	v.dumpGuestState()
	v.plat.Fatal(StopUnexpectedExit, ctx.IP, 0, uint64(arch.ExitMonitorTrapFlag))
}

func (v *VMM) handleUnexpected(ctx *GuestContext, reason arch.ExitReason, qualification uint64) {
	slog.Error("vmm: unhandled exit", "reason", reason, "ip", hex(ctx.IP))
	v.dumpGuestState()
	v.plat.Fatal(StopUnexpectedExit, ctx.IP, qualification, uint64(reason))
}

// FailureFrame is the register file spilled when a VM-entry instruction
// itself fails instead of transferring to the guest.
type FailureFrame struct {
	Regs  GPRegisters
	Flags arch.RFlags
}

// HandleVmxFailure reports a failed VM-entry. It never returns.
func (v *VMM) HandleVmxFailure(frame *FailureFrame) {
	var vmxErr uint64
	if frame.Flags.ZF() {
		vmxErr = v.vmcs.Read(arch.FieldVmInstructionError)
	}
	v.dumpGuestState()
	v.plat.Fatal(StopVmxInstructionFailure, vmxErr, v.vmcs.Read(arch.FieldGuestRip), 0)
}
