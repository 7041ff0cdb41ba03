package vmm

import (
	"log/slog"

	"github.com/tinyrange/vmx/internal/arch"
)

// descriptorAddress computes the memory operand address of a descriptor-table
// instruction from its instruction-information encoding: segment base plus
// optional base register, scaled index, and the displacement carried in the
// exit qualification.
func (v *VMM) descriptorAddress(ctx *GuestContext, seg uint8,
	baseReg int, baseInvalid bool, indexReg int, indexInvalid bool,
	scaling uint8, addrSize uint8, displacement uint64) uint64 {

	addr := displacement
	if !baseInvalid {
		addr += *v.selectRegister(baseReg, ctx)
	}
	if !indexInvalid {
		addr += arch.ScaleIndex(*v.selectRegister(indexReg, ctx), scaling)
	}

	if field, ok := arch.SegmentBaseField(seg); ok {
		addr += v.vmcs.Read(field)
	} else {
		slog.Error("vmm: descriptor operand names no segment", "segment", seg, "ip", hex(ctx.IP))
	}

	if addrSize == arch.AddrSize32 {
		addr &= 0xffffffff
	}
	return addr
}

func (v *VMM) handleGdtrOrIdtrAccess(ctx *GuestContext, displacement uint64) {
	info := arch.DescriptorTableInfo(uint32(v.vmcs.Read(arch.FieldVmxInstructionInfo)))
	addr := v.descriptorAddress(ctx, info.SegmentRegister(),
		info.BaseRegister(), info.BaseInvalid(),
		info.IndexRegister(), info.IndexInvalid(),
		info.Scaling(), info.AddressSize(), displacement)

	func() {
		w := v.openGuestWindow()
		defer w.Close()

		switch info.Instruction() {
		case arch.InstSgdt:
			v.storeDescriptorTable(w, addr, arch.FieldGuestGdtrBase, arch.FieldGuestGdtrLimit)
		case arch.InstSidt:
			v.storeDescriptorTable(w, addr, arch.FieldGuestIdtrBase, arch.FieldGuestIdtrLimit)
		case arch.InstLgdt:
			v.loadDescriptorTable(w, addr, arch.FieldGuestGdtrBase, arch.FieldGuestGdtrLimit)
		case arch.InstLidt:
			v.loadDescriptorTable(w, addr, arch.FieldGuestIdtrBase, arch.FieldGuestIdtrLimit)
		}
	}()

	v.advanceIP(ctx)
}

// storeDescriptorTable writes the pseudo-descriptor form of a table register:
// a 16-bit limit followed by the base, whose width follows the current code
// segment.
func (v *VMM) storeDescriptorTable(w guestWindow, addr uint64, baseField, limitField arch.Field) {
	base := v.vmcs.Read(baseField)
	limit := uint16(v.vmcs.Read(limitField))

	w.WriteU16(addr, limit)
	if v.guestCode64(w) {
		w.WriteU64(addr+2, base)
	} else {
		w.WriteU32(addr+2, uint32(base))
	}
}

func (v *VMM) loadDescriptorTable(w guestWindow, addr uint64, baseField, limitField arch.Field) {
	limit := w.ReadU16(addr)
	base := w.ReadU64(addr + 2)
	v.vmcs.Write(limitField, uint64(limit))
	v.vmcs.Write(baseField, base)
}

func (v *VMM) handleLdtrOrTrAccess(ctx *GuestContext, displacement uint64) {
	info := arch.SegmentTableInfo(uint32(v.vmcs.Read(arch.FieldVmxInstructionInfo)))

	selectorField := arch.FieldGuestLdtrSelector
	if inst := info.Instruction(); inst == arch.InstStr || inst == arch.InstLtr {
		selectorField = arch.FieldGuestTrSelector
	}

	var operandAddr uint64
	if !info.RegisterAccess() {
		operandAddr = v.descriptorAddress(ctx, info.SegmentRegister(),
			info.BaseRegister(), info.BaseInvalid(),
			info.IndexRegister(), info.IndexInvalid(),
			info.Scaling(), info.AddressSize(), displacement)
	}

	func() {
		w := v.openGuestWindow()
		defer w.Close()

		switch info.Instruction() {
		case arch.InstSldt, arch.InstStr:
			selector := uint16(v.vmcs.Read(selectorField))
			if info.RegisterAccess() {
				// The register form writes only the low word,
				// leaving the upper bits of the destination.
				reg := v.selectRegister(info.Register1(), ctx)
				*reg = *reg&^0xffff | uint64(selector)
			} else {
				w.WriteU16(operandAddr, selector)
			}

		case arch.InstLldt, arch.InstLtr:
			var selector uint16
			if info.RegisterAccess() {
				selector = uint16(*v.selectRegister(info.Register1(), ctx))
			} else {
				selector = w.ReadU16(operandAddr)
			}
			v.vmcs.Write(selectorField, uint64(selector))

			// Loading the task register marks its descriptor busy,
			// as the hardware load would have.
			if info.Instruction() == arch.InstLtr {
				v.markTaskDescriptorBusy(w, arch.SegmentSelector(selector))
			}
		}
	}()

	v.advanceIP(ctx)
}

func (v *VMM) markTaskDescriptorBusy(w guestWindow, sel arch.SegmentSelector) {
	gdtBase := v.vmcs.Read(arch.FieldGuestGdtrBase)
	descAddr := gdtBase + uint64(sel.Index())*8
	desc := arch.SegmentDescriptor(w.ReadU64(descAddr))
	w.WriteU64(descAddr, uint64(desc.SetBusy()))
}
