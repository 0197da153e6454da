package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/mosenv/kernel"
	"github.com/evanphx/mosenv/log"
)

type Invoker struct {
	Kernel *kernel.Kernel
	L      hclog.Logger
}

func NewInvoker(k *kernel.Kernel) *Invoker {
	return &Invoker{
		Kernel: k,
		L:      log.L.Named("syscall"),
	}
}

// InvokeSyscall runs a syscall on behalf of the current environment. The
// whole handler runs as one kernel entry.
func (i *Invoker) InvokeSyscall(ctx context.Context, args SysArgs) int32 {
	idx := int(args.Index) - SysBase
	if idx < 0 || idx >= len(Syscalls) || Syscalls[idx] == nil {
		i.L.Error("unknown syscall", "index", args.Index)
		return -int32(kernel.EINVAL)
	}

	if err := ctx.Err(); err != nil {
		return -int32(kernel.EUNSPECIFIED)
	}

	f := Syscalls[idx]

	var ret int32

	err := i.Kernel.Enter(func(t *kernel.Task) error {
		ret = f(ctx, i.L, t, args)
		return nil
	})

	if err != nil {
		return -int32(kernel.ErrnoOf(err))
	}

	return ret
}
