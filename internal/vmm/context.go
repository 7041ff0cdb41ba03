package vmm

import "github.com/tinyrange/vmx/internal/arch"

// GPRegisters is the general-purpose register file as the exit trampoline
// spills it. Field order matches the trampoline's push sequence and must not
// change.
type GPRegisters struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	Rdi, Rsi, Rbp, Rsp                   uint64
	Rbx, Rdx, Rcx, Rax                   uint64
}

// TrapFrame carries the guest stack pointer and instruction pointer in the
// layout host debuggers expect for stack reconstruction. The dispatcher keeps
// it in sync with guest state on every exit.
type TrapFrame struct {
	SP uint64
	IP uint64
}

// ExitStack is the per-exit frame the trampoline hands to HandleExit.
type ExitStack struct {
	Regs      GPRegisters
	TrapFrame TrapFrame
	Processor *ProcessorData
}

// ProcessorData is the per-processor virtualization state block established
// at bring-up. Addr is the guest-visible address of the block itself;
// SharedAddr is the guest-visible address of the state shared by all
// processors. Hypercalls report both back to the guest.
type ProcessorData struct {
	EPT        EPT
	Addr       uint64
	SharedAddr uint64
}

// GuestContext is the working state for one exit. Flags, IP and CR8 are
// loaded at dispatch and written back (or committed to the VMCS) by the
// handlers; Continue tells the trampoline whether to resume the guest.
type GuestContext struct {
	stack *ExitStack

	Flags arch.RFlags
	IP    uint64
	CR8   uint64
	IRQL  uint8

	Continue bool
}

// Regs returns the spilled general-purpose register file. Handlers mutate it
// in place; the trampoline reloads it on resume.
func (c *GuestContext) Regs() *GPRegisters { return &c.stack.Regs }

// Stack returns the full exit frame.
func (c *GuestContext) Stack() *ExitStack { return c.stack }
