package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/mosenv/kernel"
)

func sysGetenvid(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	return int32(t.GetEnvID(args.Args.R0 != 0))
}

func sysYield(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	return result(l, "yield", t.Yield())
}

func sysEnvDestroy(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	return result(l, "env_destroy", t.EnvDestroy(kernel.EnvID(args.Args.R0)))
}

func sysSetPgfaultHandler(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	var (
		envid     = kernel.EnvID(args.Args.R0)
		fn        = args.Args.R1
		xstacktop = args.Args.R2
	)

	return result(l, "set_pgfault_handler", t.SetPgfaultHandler(envid, fn, xstacktop))
}

func sysEnvAlloc(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	id, err := t.EnvAlloc()
	if err != nil {
		return result(l, "env_alloc", err)
	}

	return int32(id)
}

func sysSetEnvStatus(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	var (
		envid  = kernel.EnvID(args.Args.R0)
		status = kernel.Status(args.Args.R1)
	)

	return result(l, "set_env_status", t.SetEnvStatus(envid, status))
}

func sysSetTrapframe(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	return result(l, "set_trapframe", t.SetTrapframe(kernel.EnvID(args.Args.R0), args.Args.R1))
}

const maxPanicMsg = 256

func sysPanic(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	var msg []byte

	va := args.Args.R0
	b := make([]byte, 1)

	for len(msg) < maxPanicMsg {
		if err := t.CopyIn(va, b); err != nil || b[0] == 0 {
			break
		}

		msg = append(msg, b[0])
		va++
	}

	return result(l, "panic", t.Panic(string(msg)))
}

func init() {
	register(SysGetenvid, sysGetenvid)
	register(SysYield, sysYield)
	register(SysEnvDestroy, sysEnvDestroy)
	register(SysSetPgfaultHandler, sysSetPgfaultHandler)
	register(SysEnvAlloc, sysEnvAlloc)
	register(SysSetEnvStatus, sysSetEnvStatus)
	register(SysSetTrapframe, sysSetTrapframe)
	register(SysPanic, sysPanic)
}
