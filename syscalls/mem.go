package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/mosenv/kernel"
	"github.com/evanphx/mosenv/memory"
)

func sysMemAlloc(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	var (
		envid = kernel.EnvID(args.Args.R0)
		va    = args.Args.R1
		perm  = memory.PTE(args.Args.R2)
	)

	return result(l, "mem_alloc", t.MemAlloc(envid, va, perm))
}

func sysMemMap(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	var (
		srcid = kernel.EnvID(args.Args.R0)
		srcva = args.Args.R1
		dstid = kernel.EnvID(args.Args.R2)
		dstva = args.Args.R3
		perm  = memory.PTE(args.Args.R4)
	)

	return result(l, "mem_map", t.MemMap(srcid, srcva, dstid, dstva, perm))
}

func sysMemUnmap(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	return result(l, "mem_unmap", t.MemUnmap(kernel.EnvID(args.Args.R0), args.Args.R1))
}

func sysMemShare(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	return result(l, "mem_share", t.MemShare(args.Args.R0))
}

func init() {
	register(SysMemAlloc, sysMemAlloc)
	register(SysMemMap, sysMemMap)
	register(SysMemUnmap, sysMemUnmap)
	register(SysMemShare, sysMemShare)
}
