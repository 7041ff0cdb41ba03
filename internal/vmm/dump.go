package vmm

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmx/internal/arch"
)

func hex(v uint64) string { return fmt.Sprintf("%#x", v) }

// dumpGuestState logs the guest's register and segment state for post-mortem
// analysis. Fatal paths call it before stopping the host.
func (v *VMM) dumpGuestState() {
	read := v.vmcs.Read

	slog.Error("vmm: guest control state",
		"cr0", hex(read(arch.FieldGuestCr0)),
		"cr3", hex(read(arch.FieldGuestCr3)),
		"cr4", hex(read(arch.FieldGuestCr4)),
		"dr7", hex(read(arch.FieldGuestDr7)),
		"efer", hex(v.vmcs.Read64(arch.FieldGuestIa32Efer)),
		"debugctl", hex(v.vmcs.Read64(arch.FieldGuestIa32Debugctl)))

	slog.Error("vmm: guest execution state",
		"rip", hex(read(arch.FieldGuestRip)),
		"rsp", hex(read(arch.FieldGuestRsp)),
		"rflags", hex(read(arch.FieldGuestRflags)),
		"sysenter_cs", hex(read(arch.FieldGuestSysenterCs)),
		"sysenter_esp", hex(read(arch.FieldGuestSysenterEsp)),
		"sysenter_eip", hex(read(arch.FieldGuestSysenterEip)))

	slog.Error("vmm: guest segment selectors",
		"es", hex(read(arch.FieldGuestEsSelector)),
		"cs", hex(read(arch.FieldGuestCsSelector)),
		"ss", hex(read(arch.FieldGuestSsSelector)),
		"ds", hex(read(arch.FieldGuestDsSelector)),
		"fs", hex(read(arch.FieldGuestFsSelector)),
		"gs", hex(read(arch.FieldGuestGsSelector)),
		"ldtr", hex(read(arch.FieldGuestLdtrSelector)),
		"tr", hex(read(arch.FieldGuestTrSelector)))

	slog.Error("vmm: guest segment limits",
		"es", hex(read(arch.FieldGuestEsLimit)),
		"cs", hex(read(arch.FieldGuestCsLimit)),
		"ss", hex(read(arch.FieldGuestSsLimit)),
		"ds", hex(read(arch.FieldGuestDsLimit)),
		"fs", hex(read(arch.FieldGuestFsLimit)),
		"gs", hex(read(arch.FieldGuestGsLimit)),
		"ldtr", hex(read(arch.FieldGuestLdtrLimit)),
		"tr", hex(read(arch.FieldGuestTrLimit)))

	slog.Error("vmm: guest segment access rights",
		"es", hex(read(arch.FieldGuestEsArBytes)),
		"cs", hex(read(arch.FieldGuestCsArBytes)),
		"ss", hex(read(arch.FieldGuestSsArBytes)),
		"ds", hex(read(arch.FieldGuestDsArBytes)),
		"fs", hex(read(arch.FieldGuestFsArBytes)),
		"gs", hex(read(arch.FieldGuestGsArBytes)),
		"ldtr", hex(read(arch.FieldGuestLdtrArBytes)),
		"tr", hex(read(arch.FieldGuestTrArBytes)))

	slog.Error("vmm: guest segment bases",
		"es", hex(read(arch.FieldGuestEsBase)),
		"cs", hex(read(arch.FieldGuestCsBase)),
		"ss", hex(read(arch.FieldGuestSsBase)),
		"ds", hex(read(arch.FieldGuestDsBase)),
		"fs", hex(read(arch.FieldGuestFsBase)),
		"gs", hex(read(arch.FieldGuestGsBase)),
		"ldtr", hex(read(arch.FieldGuestLdtrBase)),
		"tr", hex(read(arch.FieldGuestTrBase)))

	slog.Error("vmm: guest descriptor tables",
		"gdtr_base", hex(read(arch.FieldGuestGdtrBase)),
		"gdtr_limit", hex(read(arch.FieldGuestGdtrLimit)),
		"idtr_base", hex(read(arch.FieldGuestIdtrBase)),
		"idtr_limit", hex(read(arch.FieldGuestIdtrLimit)))
}
