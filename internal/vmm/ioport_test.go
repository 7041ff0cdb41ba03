package vmm_test

import (
	"bytes"
	"testing"

	"github.com/tinyrange/vmx/internal/arch"
	"github.com/tinyrange/vmx/internal/vmm"
)

// ioQual builds an I/O instruction qualification.
func ioQual(size int, in, str, rep bool, port uint16) uint64 {
	q := uint64(size-1) | uint64(port)<<16
	if in {
		q |= 1 << 3
	}
	if str {
		q |= 1 << 4
	}
	if rep {
		q |= 1 << 5
	}
	return q
}

func TestOutByte(t *testing.T) {
	m := newMachine()
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rax = 0x1234ab

	m.SetExit(arch.ExitIoInstruction, ioQual(1, false, false, false, 0x3f8))
	v.HandleExit(stack)

	if len(m.PortOut) != 1 {
		t.Fatalf("expected one port write, got %d", len(m.PortOut))
	}
	w := m.PortOut[0]
	if w.Port != 0x3f8 || w.Size != 1 || w.Value != 0xab {
		t.Fatalf("expected out 0xab to port 0x3f8, got %+v", w)
	}
	if got := m.Field(arch.FieldGuestRip); got != 0x401002 {
		t.Fatalf("expected ip advanced, got %#x", got)
	}
}

func TestInWordMergesIntoRax(t *testing.T) {
	m := newMachine()
	m.PortIn[0x60] = []uint32{0xbeef}
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rax = ^uint64(0)

	m.SetExit(arch.ExitIoInstruction, ioQual(2, true, false, false, 0x60))
	v.HandleExit(stack)

	if stack.Regs.Rax != 0xffffffffffffbeef {
		t.Fatalf("expected the upper bits preserved on a word read, got %#x", stack.Regs.Rax)
	}
}

func TestInDwordOverwritesRax(t *testing.T) {
	m := newMachine()
	m.PortIn[0xcfc] = []uint32{0xaabbccdd}
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rax = ^uint64(0)

	m.SetExit(arch.ExitIoInstruction, ioQual(4, true, false, false, 0xcfc))
	v.HandleExit(stack)

	if stack.Regs.Rax != 0xaabbccdd {
		t.Fatalf("expected a dword read to replace rax, got %#x", stack.Regs.Rax)
	}
}

func TestRepInsTransfersAndUpdatesRegisters(t *testing.T) {
	m := newMachine()
	m.StringIn[0x60] = []byte{1, 2, 3, 4, 5, 6}
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rdi = 0x2000
	stack.Regs.Rcx = 3

	m.SetExit(arch.ExitIoInstruction, ioQual(2, true, true, true, 0x60))
	v.HandleExit(stack)

	if !bytes.Equal(m.Mem[0x2000:0x2006], []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("expected 6 bytes written to guest memory, got %v", m.Mem[0x2000:0x2006])
	}
	if stack.Regs.Rdi != 0x2006 {
		t.Fatalf("expected di advanced by 6, got %#x", stack.Regs.Rdi)
	}
	if stack.Regs.Rcx != 0 {
		t.Fatalf("expected the repeat count consumed, got %d", stack.Regs.Rcx)
	}
}

func TestOutsWithDirectionFlag(t *testing.T) {
	m := newMachine()
	copy(m.Mem[0x3000:], []byte{0xaa, 0xbb})
	m.SetField(arch.FieldGuestRflags, 0x2|arch.FlagDF)
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rsi = 0x3000

	m.SetExit(arch.ExitIoInstruction, ioQual(2, false, true, false, 0x3f8))
	v.HandleExit(stack)

	if !bytes.Equal(m.StringOut[0x3f8], []byte{0xaa, 0xbb}) {
		t.Fatalf("expected the guest bytes sent, got %v", m.StringOut[0x3f8])
	}
	if stack.Regs.Rsi != 0x3000-2 {
		t.Fatalf("expected si decremented with DF set, got %#x", stack.Regs.Rsi)
	}
}

func TestStringIoRestoresAddressSpaceRoot(t *testing.T) {
	m := newMachine()
	m.StringIn[0x60] = []byte{9}
	m.CR3 = 0x7000
	v := newTestVMM(t, m, vmm.Options{})
	stack := m.NewStack()
	stack.Regs.Rdi = 0x2000

	m.SetExit(arch.ExitIoInstruction, ioQual(1, true, true, false, 0x60))
	v.HandleExit(stack)

	if m.CR3 != 0x7000 {
		t.Fatalf("expected the previous root restored, got %#x", m.CR3)
	}
}
