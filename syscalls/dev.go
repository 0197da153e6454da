package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/mosenv/kernel"
)

func sysPutchar(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	if err := t.PutChar(byte(args.Args.R0)); err != nil {
		l.Error("error writing console", "error", err)
	}

	return 0
}

func sysCgetc(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	return int32(t.GetChar())
}

func sysWriteDev(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	var (
		va  = args.Args.R0
		dev = args.Args.R1
		n   = int(args.Args.R2)
	)

	return result(l, "write_dev", t.WriteDev(va, dev, n))
}

func sysReadDev(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int32 {
	var (
		va  = args.Args.R0
		dev = args.Args.R1
		n   = int(args.Args.R2)
	)

	return result(l, "read_dev", t.ReadDev(va, dev, n))
}

func init() {
	register(SysPutchar, sysPutchar)
	register(SysCgetc, sysCgetc)
	register(SysWriteDev, sysWriteDev)
	register(SysReadDev, sysReadDev)
}
