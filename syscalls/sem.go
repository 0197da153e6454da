package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/mosenv/kernel"
)

func sysSemInit(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	var (
		va     = args.Args.R0
		value  = int32(args.Args.R1)
		shared = args.Args.R2 != 0
	)

	return result(l, "sem_init", t.SemInit(va, value, shared))
}

func sysSemDestroy(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	return result(l, "sem_destroy", t.SemDestroy(args.Args.R0))
}

// sysSemWait returns 1 when the caller blocked; the caller then yields.
func sysSemWait(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	blocked, err := t.SemWait(args.Args.R0)
	if err != nil {
		return result(l, "sem_wait", err)
	}

	if blocked {
		return 1
	}

	return 0
}

// sysSemTrywait returns 1 when the semaphore could not be taken.
func sysSemTrywait(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	ok, err := t.SemTryWait(args.Args.R0)
	if err != nil {
		return result(l, "sem_trywait", err)
	}

	if !ok {
		return 1
	}

	return 0
}

func sysSemPost(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	return result(l, "sem_post", t.SemPost(args.Args.R0))
}

func sysSemGetvalue(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	return result(l, "sem_getvalue", t.SemGetValue(args.Args.R0, args.Args.R1))
}

func init() {
	register(SysSemInit, sysSemInit)
	register(SysSemDestroy, sysSemDestroy)
	register(SysSemWait, sysSemWait)
	register(SysSemTrywait, sysSemTrywait)
	register(SysSemPost, sysSemPost)
	register(SysSemGetvalue, sysSemGetvalue)
}
