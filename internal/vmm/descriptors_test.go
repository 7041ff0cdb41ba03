package vmm_test

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/vmx/internal/arch"
	"github.com/tinyrange/vmx/internal/vmm"
	"github.com/tinyrange/vmx/internal/vmm/vmmtest"
)

// tableInfo builds a GDTR/IDTR instruction-information value with a direct
// base register and no index.
func tableInfo(inst arch.DescriptorTableInstruction, baseReg int, addrSize uint32) uint64 {
	info := uint64(addrSize)<<7 | 1<<22 | uint64(baseReg)<<23 | uint64(inst)<<28
	info |= 3 << 15 // DS-relative
	return info
}

// segInfoReg builds an LDTR/TR instruction-information value for the register
// operand form.
func segInfoReg(inst arch.DescriptorTableInstruction, reg int) uint64 {
	return 1<<10 | uint64(reg)<<3 | uint64(inst)<<28
}

// writeCodeDescriptor installs a code-segment descriptor for selector 0x8 so
// the handlers can determine the guest's operand width.
func writeCodeDescriptor(m *vmmtest.Machine, gdtBase uint64, long bool) {
	m.SetField(arch.FieldGuestGdtrBase, gdtBase)
	m.SetField(arch.FieldGuestCsSelector, 0x8)
	var desc uint64
	if long {
		desc = 1 << 53
	}
	binary.LittleEndian.PutUint64(m.Mem[gdtBase+8:], desc)
}

func TestSgdtLongMode(t *testing.T) {
	m := newMachine()
	writeCodeDescriptor(m, 0x3000, true)
	m.SetField(arch.FieldGuestGdtrLimit, 0x57)
	m.SetField(arch.FieldVmxInstructionInfo, tableInfo(arch.InstSgdt, 0, arch.AddrSize64))
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rax = 0x2000

	m.SetExit(arch.ExitGdtrOrIdtrAccess, 0x10)
	v.HandleExit(stack)

	if got := binary.LittleEndian.Uint16(m.Mem[0x2010:]); got != 0x57 {
		t.Fatalf("expected the limit stored, got %#x", got)
	}
	if got := binary.LittleEndian.Uint64(m.Mem[0x2012:]); got != 0x3000 {
		t.Fatalf("expected the full base stored, got %#x", got)
	}
	if got := m.Field(arch.FieldGuestRip); got != 0x401002 {
		t.Fatalf("expected ip advanced, got %#x", got)
	}
}

func TestSidtLegacyModeStoresNarrowBase(t *testing.T) {
	m := newMachine()
	writeCodeDescriptor(m, 0x3000, false)
	m.SetField(arch.FieldGuestIdtrBase, 0xfffff000)
	m.SetField(arch.FieldGuestIdtrLimit, 0xfff)
	m.SetField(arch.FieldVmxInstructionInfo, tableInfo(arch.InstSidt, 0, arch.AddrSize32))
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rax = 0x2000

	m.SetExit(arch.ExitGdtrOrIdtrAccess, 0)
	v.HandleExit(stack)

	if got := binary.LittleEndian.Uint16(m.Mem[0x2000:]); got != 0xfff {
		t.Fatalf("expected the limit stored, got %#x", got)
	}
	if got := binary.LittleEndian.Uint32(m.Mem[0x2002:]); got != 0xfffff000 {
		t.Fatalf("expected the 32-bit base stored, got %#x", got)
	}
	if got := binary.LittleEndian.Uint32(m.Mem[0x2006:]); got != 0 {
		t.Fatalf("expected nothing past the pseudo-descriptor, got %#x", got)
	}
}

func TestLidtLoadsGuestState(t *testing.T) {
	m := newMachine()
	binary.LittleEndian.PutUint16(m.Mem[0x2000:], 0x7ff)
	binary.LittleEndian.PutUint64(m.Mem[0x2002:], 0x6000)
	m.SetField(arch.FieldVmxInstructionInfo, tableInfo(arch.InstLidt, 0, arch.AddrSize64))
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rax = 0x2000

	m.SetExit(arch.ExitGdtrOrIdtrAccess, 0)
	v.HandleExit(stack)

	if got := m.Field(arch.FieldGuestIdtrLimit); got != 0x7ff {
		t.Fatalf("expected the limit loaded, got %#x", got)
	}
	if got := m.Field(arch.FieldGuestIdtrBase); got != 0x6000 {
		t.Fatalf("expected the base loaded, got %#x", got)
	}
}

func TestDescriptorAddress32BitWraps(t *testing.T) {
	m := newMachine()
	writeCodeDescriptor(m, 0x3000, false)
	m.SetField(arch.FieldGuestGdtrLimit, 0x17)
	m.SetField(arch.FieldVmxInstructionInfo, tableInfo(arch.InstSgdt, 0, arch.AddrSize32))
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	// Wraps to 0x1000 under a 32-bit address size.
	stack.Regs.Rax = 0x1_00000000 | 0x1000

	m.SetExit(arch.ExitGdtrOrIdtrAccess, 0)
	v.HandleExit(stack)

	if got := binary.LittleEndian.Uint16(m.Mem[0x1000:]); got != 0x17 {
		t.Fatalf("expected the store at the truncated address, got %#x", got)
	}
}

func TestSldtRegisterFormWritesLowWord(t *testing.T) {
	m := newMachine()
	m.SetField(arch.FieldGuestLdtrSelector, 0x18)
	m.SetField(arch.FieldVmxInstructionInfo, segInfoReg(arch.InstSldt, 3))
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rbx = 0xdeadbeef0000ffff

	m.SetExit(arch.ExitLdtrOrTrAccess, 0)
	v.HandleExit(stack)

	if stack.Regs.Rbx != 0xdeadbeef00000018 {
		t.Fatalf("expected only the low word replaced, got %#x", stack.Regs.Rbx)
	}
}

func TestStrMemoryForm(t *testing.T) {
	m := newMachine()
	m.SetField(arch.FieldGuestTrSelector, 0x40)
	info := uint64(arch.InstStr)<<28 | 1<<22 | 0<<23 | uint64(arch.AddrSize64)<<7 | 3<<15
	m.SetField(arch.FieldVmxInstructionInfo, info)
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rax = 0x2000

	m.SetExit(arch.ExitLdtrOrTrAccess, 0)
	v.HandleExit(stack)

	if got := binary.LittleEndian.Uint16(m.Mem[0x2000:]); got != 0x40 {
		t.Fatalf("expected the selector stored, got %#x", got)
	}
}

func TestLldtRegisterForm(t *testing.T) {
	m := newMachine()
	m.SetField(arch.FieldVmxInstructionInfo, segInfoReg(arch.InstLldt, 1))
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rcx = 0x18

	m.SetExit(arch.ExitLdtrOrTrAccess, 0)
	v.HandleExit(stack)

	if got := m.Field(arch.FieldGuestLdtrSelector); got != 0x18 {
		t.Fatalf("expected the selector loaded, got %#x", got)
	}
}

func TestLtrMarksDescriptorBusy(t *testing.T) {
	m := newMachine()
	m.SetField(arch.FieldGuestGdtrBase, 0x3000)
	// Available 64-bit TSS descriptor at selector 0x28.
	desc := uint64(9)<<40 | 0x67
	binary.LittleEndian.PutUint64(m.Mem[0x3000+0x28:], desc)
	m.SetField(arch.FieldVmxInstructionInfo, segInfoReg(arch.InstLtr, 3))
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rbx = 0x28

	m.SetExit(arch.ExitLdtrOrTrAccess, 0)
	v.HandleExit(stack)

	if got := m.Field(arch.FieldGuestTrSelector); got != 0x28 {
		t.Fatalf("expected the task register loaded, got %#x", got)
	}
	want := desc | 1<<41
	if got := binary.LittleEndian.Uint64(m.Mem[0x3000+0x28:]); got != want {
		t.Fatalf("expected the descriptor marked busy, got %#x", got)
	}
}
