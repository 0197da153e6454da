package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/mosenv/kernel"
	"github.com/evanphx/mosenv/memory"
)

func sysIpcCanSend(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	var (
		envid = kernel.EnvID(args.Args.R0)
		value = args.Args.R1
		srcva = args.Args.R2
		perm  = memory.PTE(args.Args.R3)
	)

	return result(l, "ipc_can_send", t.IpcCanSend(envid, value, srcva, perm))
}

func sysIpcRecv(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	return result(l, "ipc_recv", t.IpcRecv(args.Args.R0))
}

func init() {
	register(SysIpcCanSend, sysIpcCanSend)
	register(SysIpcRecv, sysIpcRecv)
}
