// Package vmmtest provides a software model of the hardware and host-OS
// surface the emulation engine runs against, so the exit handlers can be
// exercised without a processor in VMX operation. The model enforces the same
// discipline real hardware would: guest memory is only reachable while the
// guest address-space root is loaded, and fatal stops abort the run.
package vmmtest

import (
	"fmt"

	"golang.org/x/sys/cpu"

	"github.com/tinyrange/vmx/internal/arch"
	"github.com/tinyrange/vmx/internal/vmm"
)

// MemorySize is the span of modeled guest virtual and physical memory.
const MemorySize = 1 << 20

// StopRecord captures a Fatal call.
type StopRecord struct {
	Code       vmm.StopCode
	P1, P2, P3 uint64
}

type stopPanic struct{ rec *StopRecord }

// PortWrite records one scalar OUT.
type PortWrite struct {
	Port  uint16
	Size  int
	Value uint32
}

// Machine models one logical processor plus its control structure, MSR file,
// debug registers, port devices and memory. It implements the engine's VMCS,
// Platform and EPT collaborators.
type Machine struct {
	CPU int

	fields map[arch.Field]uint64

	// FieldReads logs every VMCS field the engine read, in order.
	FieldReads []arch.Field

	MSRs map[arch.Msr]uint64
	DRs  [8]uint64
	XCRs map[uint32]uint64

	CR2, CR3, CR8 uint64
	KernelRoot    uint64
	IRQL          uint8

	// Mem is guest virtual memory at the kernel root; Phys is
	// guest-physical memory for direct physical reads.
	Mem  []byte
	Phys []byte

	TSC    uint64
	TSCAux uint32

	// Cpuid overrides the default leaf table when set.
	Cpuid func(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

	PortIn  map[uint16][]uint32
	PortOut []PortWrite

	// StringIn holds the byte stream a port produces for INS; StringOut
	// collects what OUTS sent.
	StringIn  map[uint16][]byte
	StringOut map[uint16][]byte

	// Invalidations logs TLB and cache maintenance in call order.
	Invalidations []string

	GDT, IDT             arch.DescriptorTable
	GdtLoaded, IdtLoaded bool

	EptEntries         map[uint64]uint64
	ViolationsResolved int

	Stop *StopRecord
}

func NewMachine() *Machine {
	m := &Machine{
		fields:     make(map[arch.Field]uint64),
		MSRs:       make(map[arch.Msr]uint64),
		XCRs:       make(map[uint32]uint64),
		Mem:        make([]byte, MemorySize),
		Phys:       make([]byte, MemorySize),
		PortIn:     make(map[uint16][]uint32),
		StringIn:   make(map[uint16][]byte),
		StringOut:  make(map[uint16][]byte),
		EptEntries: make(map[uint64]uint64),
		KernelRoot: 0x1000,
		TSC:        1 << 32,
	}
	m.CR3 = m.KernelRoot

	// Permissive fixed-bit masks so control-register values round-trip
	// unless a test narrows them.
	m.MSRs[arch.MsrVmxCr0Fixed0] = 0
	m.MSRs[arch.MsrVmxCr0Fixed1] = ^uint64(0)
	m.MSRs[arch.MsrVmxCr4Fixed0] = 0
	m.MSRs[arch.MsrVmxCr4Fixed1] = ^uint64(0)

	m.fields[arch.FieldGuestRflags] = 0x2
	m.fields[arch.FieldGuestRip] = 0x401000
	m.fields[arch.FieldGuestRsp] = 0x7f000
	m.fields[arch.FieldVmExitInstructionLen] = 2
	m.fields[arch.FieldGuestCr3] = m.KernelRoot
	return m
}

// SetExit stages the next exit's reason and qualification.
func (m *Machine) SetExit(reason arch.ExitReason, qualification uint64) {
	m.fields[arch.FieldVmExitReason] = uint64(reason)
	m.fields[arch.FieldExitQualification] = qualification
}

// NewStack builds an exit frame wired to this machine's processor data.
func (m *Machine) NewStack() *vmm.ExitStack {
	return &vmm.ExitStack{
		Processor: &vmm.ProcessorData{
			EPT:        m,
			Addr:       0x9000,
			SharedAddr: 0xa000,
		},
	}
}

// CatchFatal runs f and returns the stop it raised, or nil if it returned
// normally.
func (m *Machine) CatchFatal(f func()) (rec *StopRecord) {
	defer func() {
		if r := recover(); r != nil {
			sp, ok := r.(stopPanic)
			if !ok {
				panic(r)
			}
			rec = sp.rec
		}
	}()
	f()
	return nil
}

// VMCS accessors.

func (m *Machine) Read(f arch.Field) uint64 {
	if f.Is64Bit() {
		panic(fmt.Sprintf("vmmtest: narrow read of 64-bit field %#x", uint32(f)))
	}
	m.FieldReads = append(m.FieldReads, f)
	return m.fields[f]
}

func (m *Machine) Write(f arch.Field, v uint64) {
	if f.Is64Bit() {
		panic(fmt.Sprintf("vmmtest: narrow write of 64-bit field %#x", uint32(f)))
	}
	m.fields[f] = v
}

func (m *Machine) Read64(f arch.Field) uint64 {
	if !f.Is64Bit() {
		panic(fmt.Sprintf("vmmtest: wide read of field %#x", uint32(f)))
	}
	m.FieldReads = append(m.FieldReads, f)
	return m.fields[f]
}

func (m *Machine) Write64(f arch.Field, v uint64) {
	if !f.Is64Bit() {
		panic(fmt.Sprintf("vmmtest: wide write of field %#x", uint32(f)))
	}
	m.fields[f] = v
}

// Field peeks at a VMCS field regardless of width, for assertions.
func (m *Machine) Field(f arch.Field) uint64 { return m.fields[f] }

// SetField pokes a VMCS field regardless of width, for test setup.
func (m *Machine) SetField(f arch.Field, v uint64) { m.fields[f] = v }

// Platform.

func (m *Machine) ProcessorNumber() int { return m.CPU }

func (m *Machine) CurrentIRQL() uint8 { return m.IRQL }
func (m *Machine) RaiseIRQL(to uint8) { m.IRQL = to }
func (m *Machine) LowerIRQL(to uint8) { m.IRQL = to }

// CPUID models a processor without virtualization visible: leaf 1 reports the
// hypervisor-present bit so the engine has something to hide, and the feature
// bits mirror the host where the host is x86.
func (m *Machine) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	if m.Cpuid != nil {
		return m.Cpuid(leaf, subleaf)
	}
	switch leaf {
	case 0:
		return 0x16, 0x756e6547, 0x6c65746e, 0x49656e69
	case 1:
		eax = 0x000906ea
		ecx = 1 << 31
		if cpu.X86.HasSSE3 {
			ecx |= 1 << 0
		}
		if cpu.X86.HasSSE41 {
			ecx |= 1 << 19
		}
		if cpu.X86.HasSSE42 {
			ecx |= 1 << 20
		}
		if cpu.X86.HasOSXSAVE {
			ecx |= 1 << 27
		}
		if cpu.X86.HasAVX {
			ecx |= 1 << 28
		}
		edx = 1<<0 | 1<<5 | 1<<6 // FPU, MSR, PAE
		return eax, 0, ecx, edx
	}
	return 0, 0, 0, 0
}

func (m *Machine) RDTSC() uint64 {
	m.TSC += 1000
	return m.TSC
}

func (m *Machine) RDTSCP() (uint64, uint32) {
	return m.RDTSC(), m.TSCAux
}

func (m *Machine) XSETBV(index uint32, value uint64) { m.XCRs[index] = value }

func (m *Machine) ReadMSR(msr arch.Msr) uint64         { return m.MSRs[msr] }
func (m *Machine) WriteMSR(msr arch.Msr, value uint64) { m.MSRs[msr] = value }

func (m *Machine) ReadDR(n int) uint64         { return m.DRs[n] }
func (m *Machine) WriteDR(n int, value uint64) { m.DRs[n] = value }

func (m *Machine) WriteCR2(v uint64) { m.CR2 = v }
func (m *Machine) ReadCR3() uint64   { return m.CR3 }
func (m *Machine) WriteCR3(v uint64) { m.CR3 = v }
func (m *Machine) ReadCR8() uint64   { return m.CR8 }
func (m *Machine) WriteCR8(v uint64) { m.CR8 = v }

func (m *Machine) KernelCR3() uint64 { return m.KernelRoot }

func (m *Machine) In(port uint16, size int) uint32 {
	queue := m.PortIn[port]
	if len(queue) == 0 {
		return 0
	}
	value := queue[0]
	m.PortIn[port] = queue[1:]
	return value
}

func (m *Machine) Out(port uint16, size int, value uint32) {
	m.PortOut = append(m.PortOut, PortWrite{Port: port, Size: size, Value: value})
}

func (m *Machine) InString(port uint16, size int, addr uint64, count uint32) {
	n := int(count) * size
	src := m.StringIn[port]
	if len(src) < n {
		panic(fmt.Sprintf("vmmtest: port %#x has %d bytes queued, INS wants %d", port, len(src), n))
	}
	m.writeGuestChecked(addr, src[:n])
	m.StringIn[port] = src[n:]
}

func (m *Machine) OutString(port uint16, size int, addr uint64, count uint32) {
	n := int(count) * size
	buf := make([]byte, n)
	m.readGuestChecked(addr, buf)
	m.StringOut[port] = append(m.StringOut[port], buf...)
}

func (m *Machine) checkWindow() {
	if m.CR3 != m.KernelRoot {
		panic(fmt.Sprintf("vmmtest: guest memory access with root %#x loaded", m.CR3))
	}
}

func (m *Machine) readGuestChecked(addr uint64, p []byte) {
	m.checkWindow()
	if addr+uint64(len(p)) > uint64(len(m.Mem)) {
		panic(fmt.Sprintf("vmmtest: guest read [%#x, +%d) out of range", addr, len(p)))
	}
	copy(p, m.Mem[addr:])
}

func (m *Machine) writeGuestChecked(addr uint64, p []byte) {
	m.checkWindow()
	if addr+uint64(len(p)) > uint64(len(m.Mem)) {
		panic(fmt.Sprintf("vmmtest: guest write [%#x, +%d) out of range", addr, len(p)))
	}
	copy(m.Mem[addr:], p)
}

func (m *Machine) ReadGuest(addr uint64, p []byte)  { m.readGuestChecked(addr, p) }
func (m *Machine) WriteGuest(addr uint64, p []byte) { m.writeGuestChecked(addr, p) }

func (m *Machine) ReadPhysical(pa uint64, p []byte) {
	if pa+uint64(len(p)) > uint64(len(m.Phys)) {
		panic(fmt.Sprintf("vmmtest: physical read [%#x, +%d) out of range", pa, len(p)))
	}
	copy(p, m.Phys[pa:])
}

func (m *Machine) LoadGDT(dt arch.DescriptorTable) {
	m.GDT = dt
	m.GdtLoaded = true
}

func (m *Machine) LoadIDT(dt arch.DescriptorTable) {
	m.IDT = dt
	m.IdtLoaded = true
}

func (m *Machine) InvalidateCaches() {
	m.Invalidations = append(m.Invalidations, "invd")
}

func (m *Machine) InvvpidSingleContext(vpid uint16) {
	m.Invalidations = append(m.Invalidations, fmt.Sprintf("invvpid-single:%d", vpid))
}

func (m *Machine) InvvpidAddress(vpid uint16, addr uint64) {
	m.Invalidations = append(m.Invalidations, fmt.Sprintf("invvpid-addr:%d:%#x", vpid, addr))
}

func (m *Machine) InvvpidAllContexts() {
	m.Invalidations = append(m.Invalidations, "invvpid-all")
}

func (m *Machine) InveptGlobal() {
	m.Invalidations = append(m.Invalidations, "invept-global")
}

func (m *Machine) Fatal(code vmm.StopCode, p1, p2, p3 uint64) {
	m.Stop = &StopRecord{Code: code, P1: p1, P2: p2, P3: p3}
	panic(stopPanic{rec: m.Stop})
}

// EPT.

func (m *Machine) ResolveViolation() { m.ViolationsResolved++ }

func (m *Machine) LookupEntry(gpa uint64) uint64 { return m.EptEntries[gpa] }
