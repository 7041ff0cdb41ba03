package vmm

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmx/internal/arch"
)

// guestWindow is the guard for dereferencing guest virtual addresses. Opening
// it swaps the address-space root to the guest's kernel root; Close restores
// the previous root. A window must never stay open across a return to the
// dispatcher, and the code inside must not touch pageable host state.
type guestWindow struct {
	v     *VMM
	saved uint64
}

func (v *VMM) openGuestWindow() guestWindow {
	w := guestWindow{v: v, saved: v.plat.ReadCR3()}
	v.plat.WriteCR3(v.plat.KernelCR3())
	return w
}

func (w guestWindow) Close() {
	w.v.plat.WriteCR3(w.saved)
}

func (w guestWindow) checkRange(addr uint64, length int) {
	if _, ok := hostarch.Addr(addr).AddLength(uint64(length)); !ok {
		w.v.plat.Fatal(StopUnspecified, addr, uint64(length), 0)
	}
}

func (w guestWindow) Read(addr uint64, p []byte) {
	w.checkRange(addr, len(p))
	w.v.plat.ReadGuest(addr, p)
}

func (w guestWindow) Write(addr uint64, p []byte) {
	w.checkRange(addr, len(p))
	w.v.plat.WriteGuest(addr, p)
}

func (w guestWindow) ReadU16(addr uint64) uint16 {
	var buf [2]byte
	w.Read(addr, buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

func (w guestWindow) ReadU64(addr uint64) uint64 {
	var buf [8]byte
	w.Read(addr, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

func (w guestWindow) WriteU16(addr uint64, value uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	w.Write(addr, buf[:])
}

func (w guestWindow) WriteU32(addr uint64, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	w.Write(addr, buf[:])
}

func (w guestWindow) WriteU64(addr uint64, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	w.Write(addr, buf[:])
}

// guestPAE reports whether the guest runs 32-bit PAE paging, the mode where
// the processor caches the four page-directory-pointer entries in the control
// structure instead of walking to them.
func (v *VMM) guestPAE() bool {
	if v.vmcs.Read64(arch.FieldGuestIa32Efer)&arch.EferLMA != 0 {
		return false
	}
	return v.vmcs.Read(arch.FieldGuestCr0)&arch.Cr0PG != 0 &&
		v.vmcs.Read(arch.FieldGuestCr4)&arch.Cr4PAE != 0
}

// loadPdptes refreshes the cached page-directory-pointer entries from the
// table the given address-space root points at.
func (v *VMM) loadPdptes(cr3 uint64) {
	base := cr3 & arch.Cr3PaeBaseMask

	var table [32]byte
	v.plat.ReadPhysical(base, table[:])

	fields := [4]arch.Field{
		arch.FieldGuestPdptr0, arch.FieldGuestPdptr1,
		arch.FieldGuestPdptr2, arch.FieldGuestPdptr3,
	}
	for i, f := range fields {
		v.vmcs.Write64(f, binary.LittleEndian.Uint64(table[i*8:]))
	}
}

// guestCode64 reports whether the guest's current code segment is a long-mode
// segment, read from its descriptor in guest memory. Call only inside a
// guest window.
func (v *VMM) guestCode64(w guestWindow) bool {
	sel := arch.SegmentSelector(v.vmcs.Read(arch.FieldGuestCsSelector))
	gdtBase := v.vmcs.Read(arch.FieldGuestGdtrBase)
	desc := arch.SegmentDescriptor(w.ReadU64(gdtBase + uint64(sel.Index())*8))
	return desc.Long()
}
