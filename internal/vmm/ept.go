package vmm

import "github.com/tinyrange/vmx/internal/arch"

func (v *VMM) handleEptViolation(ctx *GuestContext) {
	ctx.Stack().Processor.EPT.ResolveViolation()
}

// handleEptMisconfig means a translation entry the host itself built is
// malformed. There is no guest to blame and nothing to emulate.
func (v *VMM) handleEptMisconfig(ctx *GuestContext) {
	gpa := v.vmcs.Read64(arch.FieldGuestPhysicalAddress)
	entry := ctx.Stack().Processor.EPT.LookupEntry(gpa)
	v.dumpGuestState()
	v.plat.Fatal(StopEptMisconfig, gpa, entry, 0)
}
