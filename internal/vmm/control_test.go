package vmm_test

import (
	"testing"

	"github.com/tinyrange/vmx/internal/arch"
	"github.com/tinyrange/vmx/internal/vmm"
)

// movCr builds a control-register access qualification.
func movCr(cr int, fromCr bool, reg int) uint64 {
	q := uint64(cr) | uint64(reg)<<8
	if fromCr {
		q |= 1 << 4
	}
	return q
}

// movDr builds a debug-register access qualification.
func movDr(dr int, fromDr bool, reg int) uint64 {
	q := uint64(dr) | uint64(reg)<<8
	if fromDr {
		q |= 1 << 4
	}
	return q
}

func TestCr0WriteAppliesFixedBits(t *testing.T) {
	m := newMachine()
	m.MSRs[arch.MsrVmxCr0Fixed0] = 0x20
	m.MSRs[arch.MsrVmxCr0Fixed1] = ^uint64(0)
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rax = 0x11

	m.SetExit(arch.ExitCrAccess, movCr(0, false, 0))
	v.HandleExit(stack)

	if got := m.Field(arch.FieldGuestCr0); got != 0x31 {
		t.Fatalf("expected CR0 0x31 after fixed bits, got %#x", got)
	}
	if got := m.Field(arch.FieldCr0ReadShadow); got != 0x31 {
		t.Fatalf("expected the read shadow to match, got %#x", got)
	}
}

func TestCr3WritePreservesNoFlushBit(t *testing.T) {
	cases := []struct {
		name      string
		previous  uint64
		requested uint64
		want      uint64
	}{
		{"bit clear stays clear", 0x1000, 0x5000 | 1<<63, 0x5000},
		{"bit set stays set", 0x1000 | 1<<63, 0x5000, 0x5000 | 1<<63},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newMachine()
			m.SetField(arch.FieldGuestCr3, tc.previous)
			v := newTestVMM(t, m, vmm.Options{})
			stack := m.NewStack()
			stack.Regs.Rcx = tc.requested

			m.SetExit(arch.ExitCrAccess, movCr(3, false, 1))
			v.HandleExit(stack)

			if got := m.Field(arch.FieldGuestCr3); got != tc.want {
				t.Fatalf("expected CR3 %#x, got %#x", tc.want, got)
			}
		})
	}
}

func TestCr3WriteFlushesSingleContext(t *testing.T) {
	m := newMachine()
	m.CPU = 2
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rax = 0x5000

	m.SetExit(arch.ExitCrAccess, movCr(3, false, 0))
	v.HandleExit(stack)

	if len(m.Invalidations) != 1 || m.Invalidations[0] != "invvpid-single:3" {
		t.Fatalf("expected a single-context flush tagged for cpu 2, got %v", m.Invalidations)
	}
}

func TestCr4WriteFlushesAllContexts(t *testing.T) {
	m := newMachine()
	m.MSRs[arch.MsrVmxCr4Fixed0] = 0x2000
	m.MSRs[arch.MsrVmxCr4Fixed1] = ^uint64(0)
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rax = 0x6a0

	m.SetExit(arch.ExitCrAccess, movCr(4, false, 0))
	v.HandleExit(stack)

	if got := m.Field(arch.FieldGuestCr4); got != 0x26a0 {
		t.Fatalf("expected CR4 0x26a0 after fixed bits, got %#x", got)
	}
	if got := m.Field(arch.FieldCr4ReadShadow); got != 0x26a0 {
		t.Fatalf("expected the read shadow to match, got %#x", got)
	}
	if len(m.Invalidations) != 1 || m.Invalidations[0] != "invvpid-all" {
		t.Fatalf("expected an all-context flush, got %v", m.Invalidations)
	}
}

func TestCr3Read(t *testing.T) {
	m := newMachine()
	m.SetField(arch.FieldGuestCr3, 0x7000)
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()

	m.SetExit(arch.ExitCrAccess, movCr(3, true, 3))
	v.HandleExit(stack)

	if stack.Regs.Rbx != 0x7000 {
		t.Fatalf("expected CR3 read into bx, got %#x", stack.Regs.Rbx)
	}
}

func TestCr8AccessUsesSavedValue(t *testing.T) {
	m := newMachine()
	m.CR8 = 7
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()

	m.SetExit(arch.ExitCrAccess, movCr(8, true, 0))
	v.HandleExit(stack)
	if stack.Regs.Rax != 7 {
		t.Fatalf("expected CR8 read as 7, got %d", stack.Regs.Rax)
	}

	stack = m.NewStack()
	stack.Regs.Rax = 4
	m.SetExit(arch.ExitCrAccess, movCr(8, false, 0))
	v.HandleExit(stack)
	if m.CR8 != 4 {
		t.Fatalf("expected CR8 committed as 4, got %d", m.CR8)
	}
}

func TestPaeCr3WriteReloadsPdptes(t *testing.T) {
	m := newMachine()
	// 32-bit PAE paging: PG and PAE set, long mode inactive.
	m.SetField(arch.FieldGuestCr0, arch.Cr0PG)
	m.SetField(arch.FieldGuestCr4, arch.Cr4PAE)
	for i := 0; i < 4; i++ {
		entry := uint64(0x2000+i*0x1000) | 1
		for b := 0; b < 8; b++ {
			m.Phys[0x4000+i*8+b] = byte(entry >> (8 * b))
		}
	}
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rax = 0x4000

	m.SetExit(arch.ExitCrAccess, movCr(3, false, 0))
	v.HandleExit(stack)

	want := []uint64{0x2001, 0x3001, 0x4001, 0x5001}
	fields := []arch.Field{
		arch.FieldGuestPdptr0, arch.FieldGuestPdptr1,
		arch.FieldGuestPdptr2, arch.FieldGuestPdptr3,
	}
	for i, f := range fields {
		if got := m.Field(f); got != want[i] {
			t.Fatalf("expected pdpte%d %#x, got %#x", i, want[i], got)
		}
	}
}

func TestDrAccessRequiresKernelPrivilege(t *testing.T) {
	m := newMachine()
	m.SetField(arch.FieldGuestSsArBytes, 3<<5)
	v := newTestVMM(t, m, vmm.Options{})

	m.SetExit(arch.ExitDrAccess, movDr(0, false, 0))
	v.HandleExit(m.NewStack())

	if got := m.Field(arch.FieldVmEntryIntrInfo); got != injectGPCode {
		t.Fatalf("expected a general-protection fault, got %#x", got)
	}
	if got := m.Field(arch.FieldGuestRip); got != 0x401000 {
		t.Fatalf("expected no advance on the fault path, got ip %#x", got)
	}
}

func TestDr4AliasesDr6(t *testing.T) {
	m := newMachine()
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rax = 0

	m.SetExit(arch.ExitDrAccess, movDr(4, false, 0))
	v.HandleExit(stack)

	if got := m.DRs[6]; got != 0xffff0ff0 {
		t.Fatalf("expected the aliased DR6 write with fixed bits, got %#x", got)
	}
}

func TestDr4FaultsWithDebugExtensions(t *testing.T) {
	m := newMachine()
	m.SetField(arch.FieldGuestCr4, arch.Cr4DE)
	v := newTestVMM(t, m, vmm.Options{})

	m.SetExit(arch.ExitDrAccess, movDr(4, false, 0))
	v.HandleExit(m.NewStack())

	if got := m.Field(arch.FieldVmEntryIntrInfo); got != injectUD {
		t.Fatalf("expected an invalid-opcode fault, got %#x", got)
	}
	if got := m.Field(arch.FieldGuestRip); got != 0x401000 {
		t.Fatalf("expected no advance, got ip %#x", got)
	}
}

func TestDrGeneralDetect(t *testing.T) {
	m := newMachine()
	m.SetField(arch.FieldGuestDr7, arch.Dr7GD|0x401)
	m.DRs[6] = 0xffff0ff5
	v := newTestVMM(t, m, vmm.Options{})

	m.SetExit(arch.ExitDrAccess, movDr(0, false, 0))
	v.HandleExit(m.NewStack())

	if got := m.DRs[6]; got != 0xffff2ff0 {
		t.Fatalf("expected the break bits cleared and BD set, got %#x", got)
	}
	if got := m.Field(arch.FieldVmEntryIntrInfo); got != injectDB {
		t.Fatalf("expected a debug trap, got %#x", got)
	}
	if got := m.Field(arch.FieldGuestDr7); got != 0x401 {
		t.Fatalf("expected general-detect cleared, got %#x", got)
	}
	if got := m.Field(arch.FieldGuestRip); got != 0x401000 {
		t.Fatalf("expected no advance, got ip %#x", got)
	}
}

func TestDr7WriteWithHighBitsFaults(t *testing.T) {
	m := newMachine()
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rax = 1 << 33

	m.SetExit(arch.ExitDrAccess, movDr(7, false, 0))
	v.HandleExit(stack)

	if got := m.Field(arch.FieldVmEntryIntrInfo); got != injectGPCode {
		t.Fatalf("expected a general-protection fault, got %#x", got)
	}
	if got := m.Field(arch.FieldVmEntryExceptionErrCode); got != 0 {
		t.Fatalf("expected error code 0, got %#x", got)
	}
}

func TestDr7RoutesToGuestState(t *testing.T) {
	m := newMachine()
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rax = 0x1

	m.SetExit(arch.ExitDrAccess, movDr(7, false, 0))
	v.HandleExit(stack)

	if got := m.Field(arch.FieldGuestDr7); got != 0x401 {
		t.Fatalf("expected DR7 0x401 after fixed bits, got %#x", got)
	}

	stack = m.NewStack()
	m.SetExit(arch.ExitDrAccess, movDr(7, true, 3))
	v.HandleExit(stack)

	if stack.Regs.Rbx != 0x401 {
		t.Fatalf("expected DR7 read back from guest state, got %#x", stack.Regs.Rbx)
	}
}

func TestDr0RoutesToHardware(t *testing.T) {
	m := newMachine()
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rax = 0xfffff800_00000000

	m.SetExit(arch.ExitDrAccess, movDr(0, false, 0))
	v.HandleExit(stack)

	if got := m.DRs[0]; got != 0xfffff800_00000000 {
		t.Fatalf("expected DR0 written to hardware, got %#x", got)
	}
	if got := m.Field(arch.FieldGuestRip); got != 0x401002 {
		t.Fatalf("expected ip advanced, got %#x", got)
	}
}
