package vmm

import (
	"log/slog"

	"github.com/tinyrange/vmx/internal/arch"
)

func (v *VMM) handleIoPort(ctx *GuestContext, qualification uint64) {
	q := arch.IoQualification(qualification)
	size := q.AccessSize()
	port := q.Port()
	regs := ctx.Regs()

	slog.Debug("vmm: port I/O",
		"ip", hex(ctx.IP), "port", hex(uint64(port)),
		"in", q.In(), "string", q.StringOp(), "rep", q.Rep(), "size", size)

	if q.StringOp() {
		v.handleStringIo(ctx, q, size, port)
	} else if q.In() {
		value := v.plat.In(port, size)
		switch size {
		case 1:
			regs.Rax = regs.Rax&^0xff | uint64(value&0xff)
		case 2:
			regs.Rax = regs.Rax&^0xffff | uint64(value&0xffff)
		case 4:
			regs.Rax = uint64(value)
		}
	} else {
		var value uint32
		switch size {
		case 1:
			value = uint32(regs.Rax) & 0xff
		case 2:
			value = uint32(regs.Rax) & 0xffff
		case 4:
			value = uint32(regs.Rax)
		}
		v.plat.Out(port, size, value)
	}

	v.advanceIP(ctx)
}

// handleStringIo runs INS or OUTS against guest memory, then applies the
// register side effects the instruction would have had: the address register
// moves by the bytes transferred in the direction-flag sense, and a repeat
// prefix consumes the count.
func (v *VMM) handleStringIo(ctx *GuestContext, q arch.IoQualification, size int, port uint16) {
	regs := ctx.Regs()

	addrReg := &regs.Rsi
	if q.In() {
		addrReg = &regs.Rdi
	}

	count := uint32(1)
	if q.Rep() {
		count = uint32(regs.Rcx)
	}

	func() {
		w := v.openGuestWindow()
		defer w.Close()
		if q.In() {
			v.plat.InString(port, size, *addrReg, count)
		} else {
			v.plat.OutString(port, size, *addrReg, count)
		}
	}()

	moved := uint64(count) * uint64(size)
	if ctx.Flags.DF() {
		*addrReg -= moved
	} else {
		*addrReg += moved
	}
	if q.Rep() {
		regs.Rcx = 0
	}
}
