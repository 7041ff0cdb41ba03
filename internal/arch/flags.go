package arch

// RFLAGS bits.
const (
	FlagCF uint64 = 1 << 0
	FlagPF uint64 = 1 << 2
	FlagAF uint64 = 1 << 4
	FlagZF uint64 = 1 << 6
	FlagSF uint64 = 1 << 7
	FlagTF uint64 = 1 << 8
	FlagIF uint64 = 1 << 9
	FlagDF uint64 = 1 << 10
	FlagOF uint64 = 1 << 11
)

// The six arithmetic flags VMX-instruction result conventions operate on.
const flagArithMask = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF

// RFlags is a mutable view over the guest's RFLAGS value. Handlers modify the
// view and commit it back to the guest-state field explicitly.
type RFlags uint64

func (f RFlags) CF() bool { return uint64(f)&FlagCF != 0 }
func (f RFlags) ZF() bool { return uint64(f)&FlagZF != 0 }
func (f RFlags) TF() bool { return uint64(f)&FlagTF != 0 }
func (f RFlags) DF() bool { return uint64(f)&FlagDF != 0 }

func (f *RFlags) set(bit uint64, v bool) {
	if v {
		*f |= RFlags(bit)
	} else {
		*f &^= RFlags(bit)
	}
}

func (f *RFlags) SetCF(v bool) { f.set(FlagCF, v) }
func (f *RFlags) SetZF(v bool) { f.set(FlagZF, v) }

// ClearArithmetic clears CF, PF, AF, ZF, SF and OF. This is the VMX
// "instruction succeeded" flag state.
func (f *RFlags) ClearArithmetic() {
	*f &^= RFlags(flagArithMask)
}

// SetVmFailInvalid produces the VMfailInvalid convention: CF set, the other
// arithmetic flags clear.
func (f *RFlags) SetVmFailInvalid() {
	f.ClearArithmetic()
	*f |= RFlags(FlagCF)
}
