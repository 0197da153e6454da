package user

import (
	"github.com/evanphx/mosenv/memory"
)

// tmpVa is where a faulting page is copied before being remapped.
const tmpVa = memory.UTEXT - memory.PageSize

// InstallPgfault registers the copy-on-write handler with its exception
// stack for the caller, once.
func (u *Env) InstallPgfault() error {
	if u.Self().PgfaultHandler != 0 {
		return nil
	}

	if err := u.MemAlloc(0, memory.UXSTACKTOP-memory.PageSize, memory.PteV|memory.PteR); err != nil {
		return err
	}

	return u.SetPgfaultHandlerRaw(0, u.m.pgfaultPC, memory.UXSTACKTOP)
}

// cowFault runs on the exception stack for a store to a read-only page.
func cowFault(u *Env, va, sp, _ uint32) uint32 {
	pte, ok := u.Mapped(va)
	if !ok || !pte.Has(memory.PteCOW) {
		u.Fatalf("store to read-only page at %08x", va)
	}

	u.L.Trace("cow-fault", "va", va, "xsp", sp)

	if err := u.privatise(va, pte); err != nil {
		u.Fatalf("copy on write at %08x: %s", va, err)
	}

	return 0
}

// privatise replaces the page at va with a private writable copy.
func (u *Env) privatise(va uint32, pte memory.PTE) error {
	va = memory.RoundDown(va)

	if err := u.MemAlloc(0, tmpVa, memory.PteV|memory.PteR); err != nil {
		return err
	}

	page := make([]byte, memory.PageSize)
	u.Load(va, page)
	u.Store(tmpVa, page)

	perm := (pte.Perm() | memory.PteR) &^ memory.PteCOW

	if err := u.MemMap(0, tmpVa, 0, va, perm); err != nil {
		return err
	}

	return u.MemUnmap(0, tmpVa)
}
