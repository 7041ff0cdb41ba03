package arch

// InterruptionType is the interruption type in VM-entry and VM-exit
// interruption-information fields.
type InterruptionType uint8

const (
	InterruptExternal           InterruptionType = 0
	InterruptNmi                InterruptionType = 2
	InterruptHardwareException  InterruptionType = 3
	InterruptSoftware           InterruptionType = 4
	InterruptPrivilegedSoftware InterruptionType = 5
	InterruptSoftwareException  InterruptionType = 6
)

// Vector is an exception or interrupt vector number.
type Vector uint8

const (
	VectorDE  Vector = 0  // divide error
	VectorDB  Vector = 1  // debug
	VectorNMI Vector = 2
	VectorBP  Vector = 3  // breakpoint
	VectorOF  Vector = 4  // overflow
	VectorBR  Vector = 5  // BOUND range
	VectorUD  Vector = 6  // invalid opcode
	VectorNM  Vector = 7  // device not available
	VectorDF  Vector = 8  // double fault
	VectorTS  Vector = 10 // invalid TSS
	VectorNP  Vector = 11 // segment not present
	VectorSS  Vector = 12 // stack fault
	VectorGP  Vector = 13 // general protection
	VectorPF  Vector = 14 // page fault
	VectorMF  Vector = 16 // x87 FP
	VectorAC  Vector = 17 // alignment check
	VectorMC  Vector = 18 // machine check
	VectorXM  Vector = 19 // SIMD FP
)

// InterruptInfo is the layout shared by the VM-entry interruption-information
// field and the VM-exit interruption-information field.
type InterruptInfo uint32

func (i InterruptInfo) Valid() bool            { return i&(1<<31) != 0 }
func (i InterruptInfo) Vector() Vector         { return Vector(i & 0xff) }
func (i InterruptInfo) Type() InterruptionType { return InterruptionType((i >> 8) & 7) }
func (i InterruptInfo) DeliverErrorCode() bool { return i&(1<<11) != 0 }

// MakeInterruptInfo builds a valid entry-interruption descriptor.
func MakeInterruptInfo(typ InterruptionType, vector Vector, deliverErrorCode bool) InterruptInfo {
	info := InterruptInfo(vector) | InterruptInfo(typ)<<8 | 1<<31
	if deliverErrorCode {
		info |= 1 << 11
	}
	return info
}
