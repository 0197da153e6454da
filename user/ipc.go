package user

import (
	"github.com/pkg/errors"

	"github.com/evanphx/mosenv/kernel"
	"github.com/evanphx/mosenv/memory"
	"github.com/evanphx/mosenv/syscalls"
)

// IpcSend delivers value, and the page at srcva when non-zero, to id. It
// keeps yielding until id is ready to receive.
func (u *Env) IpcSend(id kernel.EnvID, value, srcva uint32, perm memory.PTE) error {
	for {
		err := errOf(u.syscall(syscalls.SysIpcCanSend, uint32(id), value, srcva, uint32(perm)))
		if errors.Cause(err) != kernel.ErrIpcNotRecv {
			return err
		}

		u.Yield()
	}
}

// IpcRecv waits for a message. A dstva at or above UTOP accepts the value
// only.
func (u *Env) IpcRecv(dstva uint32) (value uint32, from kernel.EnvID, perm memory.PTE, err error) {
	if err = errOf(u.syscall(syscalls.SysIpcRecv, dstva)); err != nil {
		return 0, 0, 0, err
	}

	ipc := u.Self().IPC

	return ipc.Value, ipc.From, ipc.Perm, nil
}
