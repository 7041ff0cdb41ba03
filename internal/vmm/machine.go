// Package vmm implements the VM-exit dispatch and emulation engine: the code
// that runs every time the guest hands control to the host because it
// executed a privileged or intercepted instruction. The engine decodes the
// exit, emulates the instruction against guest state held in the
// virtualization control structure, injects faults where the real processor
// would have raised them, and tells the low-level trampoline whether to
// resume the guest.
//
// Everything that touches real hardware or the hosting OS is reached through
// the collaborator interfaces in this file. Per-processor bring-up, VMCS
// construction and EPT maintenance live outside this package.
package vmm

import "github.com/tinyrange/vmx/internal/arch"

// VMCS is the accessor for the current processor's virtualization control
// structure. The engine treats it as a flat field store; fields in the 64-bit
// width class must go through the wide accessors. Implementations handle
// VMREAD/VMWRITE failure themselves (a failed access is a host bug, not a
// condition the emulators can recover from).
type VMCS interface {
	Read(f arch.Field) uint64
	Write(f arch.Field, v uint64)
	Read64(f arch.Field) uint64
	Write64(f arch.Field, v uint64)
}

// EPT is the extended-page-table collaborator for one processor's guest.
type EPT interface {
	// ResolveViolation handles an EPT violation for the faulting
	// guest-physical access, possibly modifying mappings.
	ResolveViolation()

	// LookupEntry returns the raw page-table entry mapping a
	// guest-physical address. Diagnostic use only.
	LookupEntry(gpa uint64) uint64
}

// StopCode distinguishes the host-fatal conditions reported through
// Platform.Fatal.
type StopCode uint32

const (
	StopUnspecified StopCode = iota
	StopTripleFault
	StopUnexpectedExit
	StopEptMisconfig
	StopVmxInstructionFailure
)

func (c StopCode) String() string {
	switch c {
	case StopTripleFault:
		return "triple fault"
	case StopUnexpectedExit:
		return "unexpected VM-exit"
	case StopEptMisconfig:
		return "EPT misconfiguration"
	case StopVmxInstructionFailure:
		return "VMX instruction failure"
	}
	return "unspecified"
}

// DispatchIRQL is the privilege level the dispatcher raises to before
// emulating: ordinary preemption and paging-related interrupts are masked at
// or above it.
const DispatchIRQL uint8 = 2

// Platform executes the privileged instructions the emulators forward to real
// hardware and exposes the few host-OS services the engine needs. One
// implementation instance serves the current processor; the dispatcher only
// ever runs on the processor whose exit it is handling.
type Platform interface {
	// ProcessorNumber returns the current logical processor index.
	ProcessorNumber() int

	CurrentIRQL() uint8
	RaiseIRQL(to uint8)
	LowerIRQL(to uint8)

	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
	RDTSC() uint64
	RDTSCP() (tsc uint64, aux uint32)
	XSETBV(index uint32, value uint64)

	ReadMSR(msr arch.Msr) uint64
	WriteMSR(msr arch.Msr, value uint64)

	ReadDR(n int) uint64
	WriteDR(n int, value uint64)

	WriteCR2(v uint64)
	ReadCR3() uint64
	WriteCR3(v uint64)
	ReadCR8() uint64
	WriteCR8(v uint64)

	// KernelCR3 returns the guest's kernel address-space root, resolving
	// user/kernel root pairs if the hosting OS splits them.
	KernelCR3() uint64

	// Scalar port I/O. Size is 1, 2 or 4; values are in the low bytes.
	In(port uint16, size int) uint32
	Out(port uint16, size int, value uint32)

	// String port I/O against guest memory at addr. Valid only while the
	// guest address-space root is loaded (see guestWindow).
	InString(port uint16, size int, addr uint64, count uint32)
	OutString(port uint16, size int, addr uint64, count uint32)

	// Guest virtual memory dereference at the currently loaded
	// address-space root. Valid only inside a guest window.
	ReadGuest(addr uint64, p []byte)
	WriteGuest(addr uint64, p []byte)

	// ReadPhysical reads guest-physical memory (PDPTE reload).
	ReadPhysical(pa uint64, p []byte)

	LoadGDT(dt arch.DescriptorTable)
	LoadIDT(dt arch.DescriptorTable)

	// INVD.
	InvalidateCaches()

	// Address-space-tag (VPID) and EPT invalidation primitives.
	InvvpidSingleContext(vpid uint16)
	InvvpidAddress(vpid uint16, addr uint64)
	InvvpidAllContexts()
	InveptGlobal()

	// Fatal stops the whole host with a stop code and up to three
	// diagnostic parameters. It never returns.
	Fatal(code StopCode, p1, p2, p3 uint64)
}
