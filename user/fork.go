package user

import (
	"github.com/pkg/errors"

	"github.com/evanphx/mosenv/kernel"
	"github.com/evanphx/mosenv/memory"
)

// rangeMapped calls fn for every mapped page below USTACKTOP, reading the
// page tables through UVPT.
func (u *Env) rangeMapped(fn func(va uint32, pte memory.PTE) error) error {
	for pdx := uint32(0); pdx <= memory.PDX(memory.USTACKTOP-1); pdx++ {
		if !u.Vpd(pdx).Valid() {
			continue
		}

		for ptx := uint32(0); ptx < memory.PageSize/4; ptx++ {
			va := pdx<<memory.PDShift | ptx<<memory.PGShift
			if va >= memory.USTACKTOP {
				return nil
			}

			pte := u.Vpt(memory.VPN(va))
			if !pte.Valid() {
				continue
			}

			if err := fn(va, pte); err != nil {
				return err
			}
		}
	}

	return nil
}

func (u *Env) duppage(child kernel.EnvID, va uint32, pte memory.PTE) error {
	perm := pte.Perm()

	if perm&(memory.PteR|memory.PteCOW) == 0 || perm&memory.PteLibrary != 0 {
		return u.MemMap(0, va, child, va, perm)
	}

	perm = (perm | memory.PteCOW) &^ memory.PteR

	if err := u.MemMap(0, va, child, va, perm); err != nil {
		return err
	}

	return u.MemMap(0, va, 0, va, perm)
}

// Fork creates a copy-on-write child process that runs child. The caller
// gets the child's id.
func (u *Env) Fork(child Func) (kernel.EnvID, error) {
	self := u.Self()
	if self.Super != 0 || len(self.Children) > 0 {
		return 0, errors.Wrap(kernel.ErrInval, "fork from a thread group")
	}

	if err := u.InstallPgfault(); err != nil {
		return 0, err
	}

	id, err := u.EnvAlloc()
	if err != nil {
		return 0, err
	}

	err = u.rangeMapped(func(va uint32, pte memory.PTE) error {
		return u.duppage(id, va, pte)
	})
	if err != nil {
		return 0, errors.Wrapf(err, "duplicating address space for %s", id)
	}

	if err := u.MemAlloc(id, memory.UXSTACKTOP-memory.PageSize, memory.PteV|memory.PteR); err != nil {
		return 0, err
	}

	if err := u.SetPgfaultHandlerRaw(id, u.m.pgfaultPC, memory.UXSTACKTOP); err != nil {
		return 0, err
	}

	info, err := u.m.K.Snapshot(id)
	if err != nil {
		return 0, errors.Wrapf(err, "reading trap frame of %s", id)
	}

	tf := info.TF
	tf.PC = u.m.Text.Register("fork-child", child)
	tf.EPC = tf.PC

	if err := u.SetTrapframe(id, tf); err != nil {
		return 0, err
	}

	if err := u.SetEnvStatus(id, kernel.Runnable); err != nil {
		return 0, err
	}

	u.L.Debug("fork", "child", id)

	return id, nil
}
