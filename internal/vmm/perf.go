package vmm

import (
	"github.com/tinyrange/vmx/internal/arch"
	"github.com/tinyrange/vmx/internal/perf"
)

var (
	kindExitException   = perf.RegisterKind("exit_exception", perf.SpanFlagExit)
	kindExitCpuid       = perf.RegisterKind("exit_cpuid", perf.SpanFlagExit)
	kindExitInvd        = perf.RegisterKind("exit_invd", perf.SpanFlagExit)
	kindExitInvlpg      = perf.RegisterKind("exit_invlpg", perf.SpanFlagExit)
	kindExitRdtsc       = perf.RegisterKind("exit_rdtsc", perf.SpanFlagExit)
	kindExitRdtscp      = perf.RegisterKind("exit_rdtscp", perf.SpanFlagExit)
	kindExitXsetbv      = perf.RegisterKind("exit_xsetbv", perf.SpanFlagExit)
	kindExitVmcall      = perf.RegisterKind("exit_vmcall", perf.SpanFlagExit)
	kindExitCrAccess    = perf.RegisterKind("exit_cr_access", perf.SpanFlagExit)
	kindExitDrAccess    = perf.RegisterKind("exit_dr_access", perf.SpanFlagExit)
	kindExitIo          = perf.RegisterKind("exit_io", perf.SpanFlagExit)
	kindExitMsr         = perf.RegisterKind("exit_msr", perf.SpanFlagExit)
	kindExitDescriptors = perf.RegisterKind("exit_descriptor_table", perf.SpanFlagExit)
	kindExitEpt         = perf.RegisterKind("exit_ept", perf.SpanFlagExit)
	kindExitVmx         = perf.RegisterKind("exit_vmx_instruction", perf.SpanFlagExit)
	kindExitOther       = perf.RegisterKind("exit_other", perf.SpanFlagExit)
)

func exitKind(reason arch.ExitReason) perf.SpanID {
	switch reason {
	case arch.ExitExceptionOrNmi:
		return kindExitException
	case arch.ExitCpuid:
		return kindExitCpuid
	case arch.ExitInvd:
		return kindExitInvd
	case arch.ExitInvlpg:
		return kindExitInvlpg
	case arch.ExitRdtsc:
		return kindExitRdtsc
	case arch.ExitRdtscp:
		return kindExitRdtscp
	case arch.ExitXsetbv:
		return kindExitXsetbv
	case arch.ExitVmcall:
		return kindExitVmcall
	case arch.ExitCrAccess:
		return kindExitCrAccess
	case arch.ExitDrAccess:
		return kindExitDrAccess
	case arch.ExitIoInstruction:
		return kindExitIo
	case arch.ExitMsrRead, arch.ExitMsrWrite:
		return kindExitMsr
	case arch.ExitGdtrOrIdtrAccess, arch.ExitLdtrOrTrAccess:
		return kindExitDescriptors
	case arch.ExitEptViolation, arch.ExitEptMisconfig:
		return kindExitEpt
	case arch.ExitVmclear, arch.ExitVmlaunch, arch.ExitVmptrld, arch.ExitVmptrst,
		arch.ExitVmread, arch.ExitVmresume, arch.ExitVmwrite, arch.ExitVmxoff,
		arch.ExitVmxon, arch.ExitInvept, arch.ExitInvvpid:
		return kindExitVmx
	}
	return kindExitOther
}
