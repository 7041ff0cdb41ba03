// Package vmx implements the VM-exit dispatch and emulation engine of a thin
// Intel VT-x hypervisor. The engine receives every trap out of the guest,
// emulates the intercepted instruction against guest state, and decides
// whether the guest resumes. Hardware and host-OS access goes through the
// collaborator interfaces, so the engine itself is portable and testable.
package vmx

import (
	"github.com/tinyrange/vmx/internal/vmm"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal/vmm
// -----------------------------------------------------------------------------

// VMM dispatches VM exits for all processors of one virtualized host.
type VMM = vmm.VMM

// Options configures an engine instance.
type Options = vmm.Options

// VMCS is the accessor for a processor's virtualization control structure.
type VMCS = vmm.VMCS

// Platform executes privileged instructions and host-OS services for the
// engine.
type Platform = vmm.Platform

// EPT is the extended-page-table collaborator.
type EPT = vmm.EPT

// ExitStack is the per-exit frame the trampoline hands to the engine.
type ExitStack = vmm.ExitStack

// GPRegisters is the spilled general-purpose register file.
type GPRegisters = vmm.GPRegisters

// TrapFrame mirrors guest SP/IP for host debuggers.
type TrapFrame = vmm.TrapFrame

// ProcessorData is the per-processor virtualization state block.
type ProcessorData = vmm.ProcessorData

// GuestContext is the working state for one exit.
type GuestContext = vmm.GuestContext

// FailureFrame is the register file of a failed VM entry.
type FailureFrame = vmm.FailureFrame

// ExitRecord is one entry of the exit history ring.
type ExitRecord = vmm.ExitRecord

// StopCode distinguishes host-fatal conditions.
type StopCode = vmm.StopCode

// Hypercall is a VMCALL service number.
type Hypercall = vmm.Hypercall

// Stop codes.
const (
	StopUnspecified           = vmm.StopUnspecified
	StopTripleFault           = vmm.StopTripleFault
	StopUnexpectedExit        = vmm.StopUnexpectedExit
	StopEptMisconfig          = vmm.StopEptMisconfig
	StopVmxInstructionFailure = vmm.StopVmxInstructionFailure
)

// Hypercall numbers.
const (
	HypercallTerminate       = vmm.HypercallTerminate
	HypercallPing            = vmm.HypercallPing
	HypercallQuerySharedData = vmm.HypercallQuerySharedData
)

// New builds an engine over the given collaborators.
func New(plat Platform, vmcs VMCS, opts Options) (*VMM, error) {
	return vmm.New(plat, vmcs, opts)
}
