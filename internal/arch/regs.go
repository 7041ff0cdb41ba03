package arch

// CR0/CR4 bits the handlers inspect directly.
const (
	Cr0PG  uint64 = 1 << 31
	Cr4DE  uint64 = 1 << 3
	Cr4PAE uint64 = 1 << 5
	Cr4PSE uint64 = 1 << 4
)

// CR3 layout. Bit 63 is not modified by MOV to CR3; the low bits below the
// page base are PCID/flag bits.
const (
	Cr3NoFlush  uint64 = 1 << 63
	Cr3BaseMask uint64 = 0x000ffffffffff000
	// PAE mode locates the page-directory-pointer table at a 32-byte
	// aligned address.
	Cr3PaeBaseMask uint64 = 0xffffffe0
)

// IA32_EFER bits.
const (
	EferLME uint64 = 1 << 8
	EferLMA uint64 = 1 << 10
)

// ApplyFixedBits masks a control-register value through the VMX fixed-bit
// MSR pair: bits clear in fixed1 are forced off, bits set in fixed0 are
// forced on.
func ApplyFixedBits(value, fixed0, fixed1 uint64) uint64 {
	return (value & fixed1) | fixed0
}

// DR6 reserved bits read as fixed values: bits 4-11 and 16-31 are always set,
// bit 12 is always clear. Writes in VMX non-root mode have the fixed pattern
// forced regardless of the source value.
const (
	dr6FixedSet   uint64 = 0xffff0ff0
	dr6FixedClear uint64 = 1 << 12
	Dr6BreakMask  uint64 = 0xf     // B0-B3
	Dr6BD         uint64 = 1 << 13 // general-detect
)

// NormalizeDr6 forces the DR6 fixed bits onto a guest-supplied value.
func NormalizeDr6(v uint64) uint64 {
	return (v | dr6FixedSet) &^ dr6FixedClear
}

// DR7: bit 10 always set, bits 12, 14 and 15 always clear. GD (bit 13)
// triggers a debug exception on any debug-register access.
const (
	dr7FixedSet   uint64 = 1 << 10
	dr7FixedClear uint64 = 1<<12 | 1<<14 | 1<<15
	Dr7GD         uint64 = 1 << 13
)

// NormalizeDr7 forces the DR7 fixed bits onto a guest-supplied value.
func NormalizeDr7(v uint64) uint64 {
	return (v | dr7FixedSet) &^ dr7FixedClear
}

// SegmentSelector is a 16-bit segment selector value.
type SegmentSelector uint16

func (s SegmentSelector) Index() uint16 { return uint16(s) >> 3 }
func (s SegmentSelector) RPL() uint8    { return uint8(s) & 3 }

// SegmentDescriptor is the raw 8-byte legacy descriptor format found in
// guest descriptor tables.
type SegmentDescriptor uint64

// Long reports the L bit (bit 53): a 64-bit code segment.
func (d SegmentDescriptor) Long() bool { return d&(1<<53) != 0 }

// Type returns the 4-bit descriptor type field (bits 40-43).
func (d SegmentDescriptor) Type() uint8 { return uint8(d>>40) & 0xf }

// SetBusy sets the busy bit of a TSS descriptor (bit 1 of the type field),
// the side effect LTR performs on the descriptor in memory.
func (d SegmentDescriptor) SetBusy() SegmentDescriptor { return d | 1<<41 }

// AccessRights is a VMCS segment access-rights value.
type AccessRights uint32

// DPL returns the descriptor privilege level (bits 5-6). For SS this is the
// guest's CPL.
func (a AccessRights) DPL() uint8 { return uint8(a>>5) & 3 }

// Unusable reports the segment-unusable bit.
func (a AccessRights) Unusable() bool { return a&(1<<16) != 0 }

// DescriptorTable is a GDTR or IDTR value.
type DescriptorTable struct {
	Limit uint16
	Base  uint64
}
