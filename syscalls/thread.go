package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/mosenv/kernel"
)

func sysThreadAttach(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	return result(l, "thread_attach", t.ThreadAttach(kernel.EnvID(args.Args.R0)))
}

func sysThreadExit(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	return result(l, "thread_exit", t.ThreadExit(kernel.EnvID(args.Args.R0), args.Args.R1))
}

func init() {
	register(SysThreadAttach, sysThreadAttach)
	register(SysThreadExit, sysThreadExit)
}
