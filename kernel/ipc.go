package kernel

import (
	"github.com/pkg/errors"

	"github.com/evanphx/mosenv/memory"
)

// IpcRecv blocks the caller until a sender delivers. dstva at or above UTOP
// asks for the value only.
func (t *Task) IpcRecv(dstva uint32) error {
	e := t.Env

	e.IPC.Receiving = true
	e.IPC.DstVa = dstva

	t.k.setStatus(e, NotRunnable)

	t.k.L.Trace("ipc-recv", "id", e.ID, "dstva", dstva)

	return t.k.schedule()
}

// IpcCanSend delivers value, and the page at srcva when srcva is non-zero,
// to a receiving environment. Nothing changes when the target is not
// receiving.
func (t *Task) IpcCanSend(id EnvID, value, srcva uint32, perm memory.PTE) error {
	if srcva >= memory.UTOP {
		return errors.Wrapf(ErrInval, "srcva=%08x", srcva)
	}

	e, err := t.k.resolve(id, false)
	if err != nil {
		return err
	}

	if !e.IPC.Receiving {
		return errors.Wrapf(ErrIpcNotRecv, "env %s", e.ID)
	}

	var sent memory.PTE

	if srcva != 0 && e.IPC.DstVa < memory.UTOP {
		if err := checkPerm(perm); err != nil {
			return err
		}

		pa, _, ok := t.VM.Lookup(srcva)
		if !ok {
			return errors.Wrapf(ErrInval, "srcva=%08x not mapped", srcva)
		}

		if err := e.VM.Insert(pa, e.IPC.DstVa, perm); err != nil {
			return err
		}

		sent = perm
	}

	e.IPC.Receiving = false
	e.IPC.From = t.ID
	e.IPC.Value = value
	e.IPC.Perm = sent

	t.k.setStatus(e, Runnable)

	t.k.L.Trace("ipc-send", "from", t.ID, "to", e.ID, "value", value, "perm", uint32(sent))

	return nil
}
