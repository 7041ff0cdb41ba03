package vmm

import (
	"log/slog"

	"github.com/tinyrange/vmx/internal/arch"
)

func (v *VMM) handleCrAccess(ctx *GuestContext, qualification uint64) {
	q := arch.MovCrQualification(qualification)
	reg := v.selectRegister(q.Register(), ctx)

	switch q.AccessType() {
	case arch.CrAccessMovToCr:
		switch q.ControlRegister() {
		case 0:
			if v.guestPAE() {
				v.loadPdptes(v.vmcs.Read(arch.FieldGuestCr3))
			}
			value := arch.ApplyFixedBits(*reg,
				v.plat.ReadMSR(arch.MsrVmxCr0Fixed0),
				v.plat.ReadMSR(arch.MsrVmxCr0Fixed1))
			v.vmcs.Write(arch.FieldGuestCr0, value)
			v.vmcs.Write(arch.FieldCr0ReadShadow, value)

		case 3:
			if v.guestPAE() {
				v.loadPdptes(*reg)
			}
			v.plat.InvvpidSingleContext(v.vpid())

			// The top bit asks the processor not to flush cached
			// translations for the old space. It is a request bit,
			// not part of the root, so the committed value keeps
			// whatever the field already held there.
			prev := v.vmcs.Read(arch.FieldGuestCr3)
			v.vmcs.Write(arch.FieldGuestCr3,
				*reg&^arch.Cr3NoFlush|prev&arch.Cr3NoFlush)

		case 4:
			if v.guestPAE() {
				v.loadPdptes(v.vmcs.Read(arch.FieldGuestCr3))
			}
			v.plat.InvvpidAllContexts()
			value := arch.ApplyFixedBits(*reg,
				v.plat.ReadMSR(arch.MsrVmxCr4Fixed0),
				v.plat.ReadMSR(arch.MsrVmxCr4Fixed1))
			v.vmcs.Write(arch.FieldGuestCr4, value)
			v.vmcs.Write(arch.FieldCr4ReadShadow, value)

		case 8:
			ctx.CR8 = *reg

		default:
			v.plat.Fatal(StopUnspecified, uint64(q.AccessType()), uint64(q.ControlRegister()), 0)
		}

	case arch.CrAccessMovFromCr:
		switch q.ControlRegister() {
		case 3:
			*reg = v.vmcs.Read(arch.FieldGuestCr3)
		case 8:
			*reg = ctx.CR8
		default:
			v.plat.Fatal(StopUnspecified, uint64(q.AccessType()), uint64(q.ControlRegister()), 0)
		}

	default:
		// CLTS and LMSW never occur with the intercept masks the
		// engine is run under.
		slog.Error("vmm: unimplemented control-register access",
			"type", uint64(q.AccessType()), "ip", hex(ctx.IP))
	}

	v.advanceIP(ctx)
}

func (v *VMM) handleDrAccess(ctx *GuestContext, qualification uint64) {
	// Unprivileged code faults before decode, as on hardware.
	if v.guestCPL() != 0 {
		v.injectGP(0)
		return
	}

	q := arch.MovDrQualification(qualification)
	dr := q.DebugRegister()
	reg := v.selectRegister(q.Register(), ctx)

	if dr == 4 || dr == 5 {
		if v.vmcs.Read(arch.FieldGuestCr4)&arch.Cr4DE != 0 {
			v.inject(arch.InterruptHardwareException, arch.VectorUD, false, 0)
			return
		}
		dr += 2
	}

	// General-detect raises the debug trap instead of performing the move,
	// with the condition bits telling the handler why. The flag itself is
	// cleared so the handler's own accesses go through.
	dr7 := v.vmcs.Read(arch.FieldGuestDr7)
	if dr7&arch.Dr7GD != 0 {
		dr6 := v.plat.ReadDR(6)&^arch.Dr6BreakMask | arch.Dr6BD
		v.plat.WriteDR(6, dr6)
		v.inject(arch.InterruptHardwareException, arch.VectorDB, false, 0)
		v.vmcs.Write(arch.FieldGuestDr7, dr7&^arch.Dr7GD)
		return
	}

	if !q.MoveFromDr() && (dr == 6 || dr == 7) && *reg>>32 != 0 {
		v.injectGP(0)
		return
	}

	if q.MoveFromDr() {
		switch dr {
		case 0, 1, 2, 3, 6:
			*reg = v.plat.ReadDR(dr)
		case 7:
			*reg = v.vmcs.Read(arch.FieldGuestDr7)
		}
	} else {
		switch dr {
		case 0, 1, 2, 3:
			v.plat.WriteDR(dr, *reg)
		case 6:
			v.plat.WriteDR(6, arch.NormalizeDr6(*reg))
		case 7:
			v.vmcs.Write(arch.FieldGuestDr7, arch.NormalizeDr7(*reg))
		}
	}

	v.advanceIP(ctx)
}
