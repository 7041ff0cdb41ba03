package arch

import "fmt"

// ExitReason is the basic exit reason from the VM-exit reason field.
type ExitReason uint16

const (
	ExitExceptionOrNmi    ExitReason = 0
	ExitExternalInterrupt ExitReason = 1
	ExitTripleFault       ExitReason = 2
	ExitInit              ExitReason = 3
	ExitSipi              ExitReason = 4
	ExitCpuid             ExitReason = 10
	ExitGetsec            ExitReason = 11
	ExitHlt               ExitReason = 12
	ExitInvd              ExitReason = 13
	ExitInvlpg            ExitReason = 14
	ExitRdpmc             ExitReason = 15
	ExitRdtsc             ExitReason = 16
	ExitRsm               ExitReason = 17
	ExitVmcall            ExitReason = 18
	ExitVmclear           ExitReason = 19
	ExitVmlaunch          ExitReason = 20
	ExitVmptrld           ExitReason = 21
	ExitVmptrst           ExitReason = 22
	ExitVmread            ExitReason = 23
	ExitVmresume          ExitReason = 24
	ExitVmwrite           ExitReason = 25
	ExitVmxoff            ExitReason = 26
	ExitVmxon             ExitReason = 27
	ExitCrAccess          ExitReason = 28
	ExitDrAccess          ExitReason = 29
	ExitIoInstruction     ExitReason = 30
	ExitMsrRead           ExitReason = 31
	ExitMsrWrite          ExitReason = 32
	ExitMonitorTrapFlag   ExitReason = 37
	ExitGdtrOrIdtrAccess  ExitReason = 46
	ExitLdtrOrTrAccess    ExitReason = 47
	ExitEptViolation      ExitReason = 48
	ExitEptMisconfig      ExitReason = 49
	ExitInvept            ExitReason = 50
	ExitRdtscp            ExitReason = 51
	ExitInvvpid           ExitReason = 53
	ExitXsetbv            ExitReason = 55
)

var exitReasonNames = map[ExitReason]string{
	ExitExceptionOrNmi:   "exception or NMI",
	ExitTripleFault:      "triple fault",
	ExitCpuid:            "CPUID",
	ExitInvd:             "INVD",
	ExitInvlpg:           "INVLPG",
	ExitRdtsc:            "RDTSC",
	ExitVmcall:           "VMCALL",
	ExitCrAccess:         "control-register access",
	ExitDrAccess:         "debug-register access",
	ExitIoInstruction:    "I/O instruction",
	ExitMsrRead:          "RDMSR",
	ExitMsrWrite:         "WRMSR",
	ExitMonitorTrapFlag:  "monitor trap flag",
	ExitGdtrOrIdtrAccess: "GDTR/IDTR access",
	ExitLdtrOrTrAccess:   "LDTR/TR access",
	ExitEptViolation:     "EPT violation",
	ExitEptMisconfig:     "EPT misconfiguration",
	ExitRdtscp:           "RDTSCP",
	ExitXsetbv:           "XSETBV",
}

func (r ExitReason) String() string {
	if name, ok := exitReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("exit reason %d", uint16(r))
}

// ExitInformation is the full VM-exit reason field: the basic reason in the
// low 16 bits plus the entry-failure flag in bit 31.
type ExitInformation uint32

func (e ExitInformation) Reason() ExitReason { return ExitReason(e & 0xffff) }
func (e ExitInformation) EntryFailure() bool { return e&(1<<31) != 0 }

// CrAccessType distinguishes the instruction forms behind a control-register
// access exit.
type CrAccessType uint8

const (
	CrAccessMovToCr CrAccessType = iota
	CrAccessMovFromCr
	CrAccessClts
	CrAccessLmsw
)

// MovCrQualification decodes the exit qualification of a control-register
// access exit.
type MovCrQualification uint64

func (q MovCrQualification) ControlRegister() int     { return int(q & 0xf) }
func (q MovCrQualification) AccessType() CrAccessType { return CrAccessType((q >> 4) & 3) }
func (q MovCrQualification) Register() int            { return int((q >> 8) & 0xf) }

// MovDrQualification decodes the exit qualification of a debug-register
// access exit. Direction is true for MOV from DR (DR to register).
type MovDrQualification uint64

func (q MovDrQualification) DebugRegister() int { return int(q & 7) }
func (q MovDrQualification) MoveFromDr() bool   { return q&(1<<4) != 0 }
func (q MovDrQualification) Register() int      { return int((q >> 8) & 0xf) }

// IoQualification decodes the exit qualification of an I/O instruction exit.
type IoQualification uint64

// AccessSize returns the operand size in bytes (1, 2 or 4).
func (q IoQualification) AccessSize() int { return int(q&7) + 1 }
func (q IoQualification) In() bool        { return q&(1<<3) != 0 }
func (q IoQualification) StringOp() bool  { return q&(1<<4) != 0 }
func (q IoQualification) Rep() bool       { return q&(1<<5) != 0 }
func (q IoQualification) Immediate() bool { return q&(1<<6) != 0 }
func (q IoQualification) Port() uint16    { return uint16(q >> 16) }

// Scaling factors in VMX instruction information.
const (
	ScaleBy1 = 0
	ScaleBy2 = 1
	ScaleBy4 = 2
	ScaleBy8 = 3
)

// AddressSize values in VMX instruction information.
const (
	AddrSize16 = 0
	AddrSize32 = 1
	AddrSize64 = 2
)

// DescriptorTableInstruction identifies which of LGDT/SGDT/LIDT/SIDT (or
// LLDT/LTR/SLDT/STR) caused a descriptor-table exit.
type DescriptorTableInstruction uint8

const (
	InstSgdt DescriptorTableInstruction = 0
	InstSidt DescriptorTableInstruction = 1
	InstLgdt DescriptorTableInstruction = 2
	InstLidt DescriptorTableInstruction = 3
)

const (
	InstSldt DescriptorTableInstruction = 0
	InstStr  DescriptorTableInstruction = 1
	InstLldt DescriptorTableInstruction = 2
	InstLtr  DescriptorTableInstruction = 3
)

// DescriptorTableInfo decodes the VMX instruction-information field of a
// GDTR/IDTR access exit.
type DescriptorTableInfo uint32

func (i DescriptorTableInfo) Scaling() uint8         { return uint8(i & 3) }
func (i DescriptorTableInfo) AddressSize() uint8     { return uint8((i >> 7) & 7) }
func (i DescriptorTableInfo) OperandSize32() bool    { return i&(1<<11) != 0 }
func (i DescriptorTableInfo) SegmentRegister() uint8 { return uint8((i >> 15) & 7) }
func (i DescriptorTableInfo) IndexRegister() int     { return int((i >> 18) & 0xf) }
func (i DescriptorTableInfo) IndexInvalid() bool     { return i&(1<<22) != 0 }
func (i DescriptorTableInfo) BaseRegister() int      { return int((i >> 23) & 0xf) }
func (i DescriptorTableInfo) BaseInvalid() bool      { return i&(1<<27) != 0 }
func (i DescriptorTableInfo) Instruction() DescriptorTableInstruction {
	return DescriptorTableInstruction((i >> 28) & 3)
}

// SegmentTableInfo decodes the VMX instruction-information field of an
// LDTR/TR access exit. Unlike DescriptorTableInfo it can name a direct
// register operand.
type SegmentTableInfo uint32

func (i SegmentTableInfo) Scaling() uint8         { return uint8(i & 3) }
func (i SegmentTableInfo) Register1() int         { return int((i >> 3) & 0xf) }
func (i SegmentTableInfo) AddressSize() uint8     { return uint8((i >> 7) & 7) }
func (i SegmentTableInfo) RegisterAccess() bool   { return i&(1<<10) != 0 }
func (i SegmentTableInfo) SegmentRegister() uint8 { return uint8((i >> 15) & 7) }
func (i SegmentTableInfo) IndexRegister() int     { return int((i >> 18) & 0xf) }
func (i SegmentTableInfo) IndexInvalid() bool     { return i&(1<<22) != 0 }
func (i SegmentTableInfo) BaseRegister() int      { return int((i >> 23) & 0xf) }
func (i SegmentTableInfo) BaseInvalid() bool      { return i&(1<<27) != 0 }
func (i SegmentTableInfo) Instruction() DescriptorTableInstruction {
	return DescriptorTableInstruction((i >> 28) & 3)
}

// ScaleIndex applies a VMX instruction-information scaling factor.
func ScaleIndex(value uint64, scaling uint8) uint64 {
	switch scaling {
	case ScaleBy2:
		return value * 2
	case ScaleBy4:
		return value * 4
	case ScaleBy8:
		return value * 8
	}
	return value
}
