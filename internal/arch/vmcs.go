// Package arch holds the VT-x architectural definitions the emulation engine
// works against: VMCS field encodings, exit reasons, exit-qualification and
// instruction-information layouts, and the register-level bit semantics the
// handlers have to reproduce.
package arch

// Field is a VMCS field encoding as defined by the Intel SDM. Bits 14:13 of
// the encoding select the field width (0=16-bit, 1=64-bit, 2=32-bit,
// 3=natural width).
type Field uint32

// 16-bit guest-state fields
const (
	FieldVirtualProcessorID Field = 0x0000
	FieldGuestEsSelector    Field = 0x0800
	FieldGuestCsSelector    Field = 0x0802
	FieldGuestSsSelector    Field = 0x0804
	FieldGuestDsSelector    Field = 0x0806
	FieldGuestFsSelector    Field = 0x0808
	FieldGuestGsSelector    Field = 0x080a
	FieldGuestLdtrSelector  Field = 0x080c
	FieldGuestTrSelector    Field = 0x080e
)

// 64-bit fields
const (
	FieldIoBitmapA            Field = 0x2000
	FieldGuestPhysicalAddress Field = 0x2400
	FieldVmcsLinkPointer      Field = 0x2800
	FieldGuestIa32Debugctl    Field = 0x2802
	FieldGuestIa32Pat         Field = 0x2804
	FieldGuestIa32Efer        Field = 0x2806
	FieldGuestPdptr0          Field = 0x280a
	FieldGuestPdptr1          Field = 0x280c
	FieldGuestPdptr2          Field = 0x280e
	FieldGuestPdptr3          Field = 0x2810
)

// 32-bit fields
const (
	FieldVmInstructionError      Field = 0x4400
	FieldVmExitReason            Field = 0x4402
	FieldVmExitIntrInfo          Field = 0x4404
	FieldVmExitIntrErrorCode     Field = 0x4406
	FieldIdtVectoringInfo        Field = 0x4408
	FieldIdtVectoringErrorCode   Field = 0x440a
	FieldVmExitInstructionLen    Field = 0x440c
	FieldVmxInstructionInfo      Field = 0x440e
	FieldGuestEsLimit            Field = 0x4800
	FieldGuestCsLimit            Field = 0x4802
	FieldGuestSsLimit            Field = 0x4804
	FieldGuestDsLimit            Field = 0x4806
	FieldGuestFsLimit            Field = 0x4808
	FieldGuestGsLimit            Field = 0x480a
	FieldGuestLdtrLimit          Field = 0x480c
	FieldGuestTrLimit            Field = 0x480e
	FieldGuestGdtrLimit          Field = 0x4810
	FieldGuestIdtrLimit          Field = 0x4812
	FieldGuestEsArBytes          Field = 0x4814
	FieldGuestCsArBytes          Field = 0x4816
	FieldGuestSsArBytes          Field = 0x4818
	FieldGuestDsArBytes          Field = 0x481a
	FieldGuestFsArBytes          Field = 0x481c
	FieldGuestGsArBytes          Field = 0x481e
	FieldGuestLdtrArBytes        Field = 0x4820
	FieldGuestTrArBytes          Field = 0x4822
	FieldGuestInterruptibility   Field = 0x4824
	FieldGuestActivityState      Field = 0x4826
	FieldGuestSysenterCs         Field = 0x482a
	FieldVmEntryIntrInfo         Field = 0x4016
	FieldVmEntryExceptionErrCode Field = 0x4018
	FieldVmEntryInstructionLen   Field = 0x401a
)

// Natural-width fields
const (
	FieldCr0ReadShadow       Field = 0x6004
	FieldCr4ReadShadow       Field = 0x6006
	FieldExitQualification   Field = 0x6400
	FieldGuestLinearAddress  Field = 0x640a
	FieldGuestCr0            Field = 0x6800
	FieldGuestCr3            Field = 0x6802
	FieldGuestCr4            Field = 0x6804
	FieldGuestEsBase         Field = 0x6806
	FieldGuestCsBase         Field = 0x6808
	FieldGuestSsBase         Field = 0x680a
	FieldGuestDsBase         Field = 0x680c
	FieldGuestFsBase         Field = 0x680e
	FieldGuestGsBase         Field = 0x6810
	FieldGuestLdtrBase       Field = 0x6812
	FieldGuestTrBase         Field = 0x6814
	FieldGuestGdtrBase       Field = 0x6816
	FieldGuestIdtrBase       Field = 0x6818
	FieldGuestDr7            Field = 0x681a
	FieldGuestRsp            Field = 0x681c
	FieldGuestRip            Field = 0x681e
	FieldGuestRflags         Field = 0x6820
	FieldGuestPendingDbgExns Field = 0x6822
	FieldGuestSysenterEsp    Field = 0x6824
	FieldGuestSysenterEip    Field = 0x6826
)

// Is64Bit reports whether the field uses the 64-bit width class and so must be
// accessed through the wide accessor.
func (f Field) Is64Bit() bool {
	return (f>>13)&3 == 1
}

// SegmentBaseField returns the guest base field for a segment register index
// as encoded in VMX instruction information (0=ES .. 5=GS).
func SegmentBaseField(seg uint8) (Field, bool) {
	switch seg {
	case 0:
		return FieldGuestEsBase, true
	case 1:
		return FieldGuestCsBase, true
	case 2:
		return FieldGuestSsBase, true
	case 3:
		return FieldGuestDsBase, true
	case 4:
		return FieldGuestFsBase, true
	case 5:
		return FieldGuestGsBase, true
	}
	return 0, false
}
