package arch

// Msr is a model-specific register number.
type Msr uint32

const (
	MsrSysenterCs   Msr = 0x174
	MsrSysenterEsp  Msr = 0x175
	MsrSysenterEip  Msr = 0x176
	MsrDebugctl     Msr = 0x1d9
	MsrVmxBasic     Msr = 0x480
	MsrVmxCr0Fixed0 Msr = 0x486
	MsrVmxCr0Fixed1 Msr = 0x487
	MsrVmxCr4Fixed0 Msr = 0x488
	MsrVmxCr4Fixed1 Msr = 0x489
	MsrFsBase       Msr = 0xc0000100
	MsrGsBase       Msr = 0xc0000101
	MsrTscAux       Msr = 0xc0000103
)

// The architecturally valid MSR address ranges. Accesses outside them fault
// with #GP on real hardware.
const (
	MsrLowRangeMax  Msr = 0x1fff
	MsrHighRangeMin Msr = 0xc0000000
	MsrHighRangeMax Msr = 0xc0001fff
)

// MsrInValidRange reports whether the MSR number lies in one of the two
// architecturally defined ranges.
func MsrInValidRange(msr Msr) bool {
	if msr <= MsrLowRangeMax {
		return true
	}
	return msr >= MsrHighRangeMin && msr <= MsrHighRangeMax
}

// GuestStateField maps an MSR held in the guest-state area to its VMCS field.
// The second result is false for MSRs that live in real hardware.
func (m Msr) GuestStateField() (Field, bool) {
	switch m {
	case MsrSysenterCs:
		return FieldGuestSysenterCs, true
	case MsrSysenterEsp:
		return FieldGuestSysenterEsp, true
	case MsrSysenterEip:
		return FieldGuestSysenterEip, true
	case MsrDebugctl:
		return FieldGuestIa32Debugctl, true
	case MsrFsBase:
		return FieldGuestFsBase, true
	case MsrGsBase:
		return FieldGuestGsBase, true
	}
	return 0, false
}
