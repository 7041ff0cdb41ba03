package vmx_test

import (
	"testing"

	vmx "github.com/tinyrange/vmx"
	"github.com/tinyrange/vmx/internal/arch"
	"github.com/tinyrange/vmx/internal/vmm/vmmtest"
)

func TestPublicSurface(t *testing.T) {
	m := vmmtest.NewMachine()

	v, err := vmx.New(m, m, vmx.Options{RecordExitHistory: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stack := m.NewStack()
	stack.Regs.Rax = 0

	m.SetExit(arch.ExitCpuid, 0)
	if !v.HandleExit(stack) {
		t.Fatalf("expected the guest to be resumed")
	}

	if stack.Regs.Rbx != 0x756e6547 {
		t.Fatalf("expected the vendor identity, got %#x", stack.Regs.Rbx)
	}

	history := v.History(0)
	if len(history) == 0 {
		t.Fatalf("expected exit history to be recorded")
	}
}
