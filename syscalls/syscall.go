package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/mosenv/kernel"
)

const SysBase = 9527

const (
	SysPutchar = SysBase + iota
	SysGetenvid
	SysYield
	SysEnvDestroy
	SysSetPgfaultHandler
	SysMemAlloc
	SysMemMap
	SysMemUnmap
	SysEnvAlloc
	SysSetEnvStatus
	SysSetTrapframe
	SysPanic
	SysIpcCanSend
	SysIpcRecv
	SysCgetc
	SysWriteDev
	SysReadDev
	SysSemInit
	SysSemDestroy
	SysSemWait
	SysSemTrywait
	SysSemPost
	SysSemGetvalue
	SysThreadAttach
	SysThreadExit
	SysMemShare

	SysMax
)

type SysArgs struct {
	Index int32
	Args  SyscallRequest
}

// SyscallRequest holds the six argument registers.
type SyscallRequest struct {
	R0, R1, R2, R3, R4, R5 uint32
}

type Handler func(context.Context, hclog.Logger, *kernel.Task, SysArgs) int32

var Syscalls [SysMax - SysBase]Handler

func register(num int, h Handler) {
	Syscalls[num-SysBase] = h
}

// result converts a kernel error into a syscall return value.
func result(l hclog.Logger, name string, err error) int32 {
	if err == nil {
		return 0
	}

	en := kernel.ErrnoOf(err)
	l.Trace("syscall-error", "syscall", name, "errno", int32(en), "error", err)

	return -int32(en)
}
