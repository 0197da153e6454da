package user

import (
	"github.com/evanphx/mosenv/kernel"
	"github.com/evanphx/mosenv/memory"
	"github.com/evanphx/mosenv/syscalls"
)

// syscall traps into the kernel and comes back once this environment is
// running again.
func (u *Env) syscall(num int, args ...uint32) int32 {
	ret := u.m.syscall(num, args...)
	u.m.tick()
	u.sync()
	return ret
}

func (u *Env) Putchar(c byte) {
	u.syscall(syscalls.SysPutchar, uint32(c))
}

func (u *Env) Cgetc() byte {
	return byte(u.syscall(syscalls.SysCgetc))
}

func (u *Env) Getenvid() kernel.EnvID {
	return kernel.EnvID(u.syscall(syscalls.SysGetenvid, 0))
}

// Getthreadid returns the thread id of the caller.
func (u *Env) Getthreadid() uint32 {
	return uint32(u.syscall(syscalls.SysGetenvid, 1))
}

func (u *Env) Yield() {
	u.syscall(syscalls.SysYield)
}

func (u *Env) EnvDestroy(id kernel.EnvID) error {
	return errOf(u.syscall(syscalls.SysEnvDestroy, uint32(id)))
}

func (u *Env) SetPgfaultHandlerRaw(id kernel.EnvID, fn, xstacktop uint32) error {
	return errOf(u.syscall(syscalls.SysSetPgfaultHandler, uint32(id), fn, xstacktop))
}

func (u *Env) MemAlloc(id kernel.EnvID, va uint32, perm memory.PTE) error {
	return errOf(u.syscall(syscalls.SysMemAlloc, uint32(id), va, uint32(perm)))
}

func (u *Env) MemMap(srcid kernel.EnvID, srcva uint32, dstid kernel.EnvID, dstva uint32, perm memory.PTE) error {
	return errOf(u.syscall(syscalls.SysMemMap, uint32(srcid), srcva, uint32(dstid), dstva, uint32(perm)))
}

func (u *Env) MemUnmap(id kernel.EnvID, va uint32) error {
	return errOf(u.syscall(syscalls.SysMemUnmap, uint32(id), va))
}

func (u *Env) MemShare(va uint32) error {
	return errOf(u.syscall(syscalls.SysMemShare, va))
}

// AllocShared allocates a page and shares it with the caller's thread
// group.
func (u *Env) AllocShared(va uint32) error {
	if err := u.MemAlloc(0, va, memory.PteV|memory.PteR); err != nil {
		return err
	}

	return u.MemShare(va)
}

func (u *Env) EnvAlloc() (kernel.EnvID, error) {
	ret := u.syscall(syscalls.SysEnvAlloc)
	if err := errOf(ret); err != nil {
		return 0, err
	}

	return kernel.EnvID(ret), nil
}

func (u *Env) SetEnvStatus(id kernel.EnvID, s kernel.Status) error {
	return errOf(u.syscall(syscalls.SysSetEnvStatus, uint32(id), uint32(s)))
}

// SetTrapframe installs tf as id's trap frame by way of user memory.
func (u *Env) SetTrapframe(id kernel.EnvID, tf kernel.TrapFrame) error {
	va := u.scratch() + 16

	u.Store(va, tf.Encode())

	return errOf(u.syscall(syscalls.SysSetTrapframe, uint32(id), va))
}

// Panic stops the whole kernel.
func (u *Env) Panic(msg string) {
	va := u.scratch() + 16

	b := []byte(msg)
	if len(b) > 200 {
		b = b[:200]
	}

	u.Store(va, append(b, 0))
	u.syscall(syscalls.SysPanic, va)
}

func (u *Env) WriteDev(va, dev uint32, n int) error {
	return errOf(u.syscall(syscalls.SysWriteDev, va, dev, uint32(n)))
}

func (u *Env) ReadDev(va, dev uint32, n int) error {
	return errOf(u.syscall(syscalls.SysReadDev, va, dev, uint32(n)))
}

func (u *Env) ThreadAttach(id kernel.EnvID) error {
	return errOf(u.syscall(syscalls.SysThreadAttach, uint32(id)))
}

func (u *Env) threadExit(id kernel.EnvID, retval uint32) error {
	return errOf(u.syscall(syscalls.SysThreadExit, uint32(id), retval))
}
