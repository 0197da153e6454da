package kernel

import (
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/mosenv/memory"
)

// Task is the current environment seen from inside a kernel entry. It is
// only valid for the duration of the Enter callback that produced it.
type Task struct {
	*Env

	k *Kernel
}

func (t *Task) Kernel() *Kernel {
	return t.k
}

// Load reads user memory. A non-nil Upcall means a page fault handler must
// run before the access is retried.
func (t *Task) Load(va uint32, buf []byte) (*Upcall, error) {
	return t.k.access(t.Env, va, buf, false)
}

func (t *Task) Store(va uint32, data []byte) (*Upcall, error) {
	return t.k.access(t.Env, va, data, true)
}

// CopyIn reads user memory with kernel privileges.
func (t *Task) CopyIn(va uint32, buf []byte) error {
	return t.k.copyIn(t.Env, va, buf)
}

func (t *Task) CopyOut(va uint32, data []byte) error {
	return t.k.copyOut(t.Env, va, data)
}

func (t *Task) Yield() error {
	return t.k.schedule()
}

// GetEnvID returns the process id, or with thread set the thread id.
func (t *Task) GetEnvID(thread bool) uint32 {
	e := t.Env

	if !e.IsThread() {
		if !thread {
			return uint32(e.ID)
		}
		return uint32(e.ID) * ThreadIDStride
	}

	super, err := t.k.resolve(e.Super, false)
	if err != nil {
		return uint32(e.ID)
	}

	if !thread {
		return uint32(super.ID)
	}

	i := 0
	for ; i < len(super.Children); i++ {
		if super.Children[i] == e.ID {
			break
		}
	}

	return uint32(super.ID)*ThreadIDStride + uint32(i) + 1
}

func (t *Task) EnvDestroy(id EnvID) error {
	e, err := t.k.resolve(id, true)
	if err != nil {
		return err
	}

	t.k.L.Debug("env-destroy", "caller", t.ID, "target", e.ID)

	return t.k.destroy(e)
}

func (t *Task) SetPgfaultHandler(id EnvID, fn, xstacktop uint32) error {
	e, err := t.k.resolve(id, true)
	if err != nil {
		return err
	}

	e.PgfaultHandler = fn
	e.XStackTop = xstacktop

	return nil
}

func checkPerm(perm memory.PTE) error {
	if perm&memory.PteV == 0 || perm&^memory.PermMask != 0 {
		return errors.Wrapf(ErrInval, "perm=%x", uint32(perm))
	}

	return nil
}

func (t *Task) MemAlloc(id EnvID, va uint32, perm memory.PTE) error {
	if va >= memory.UTOP {
		return errors.Wrapf(ErrInval, "va=%08x", va)
	}

	if err := checkPerm(perm); err != nil {
		return err
	}

	if perm&memory.PteCOW != 0 {
		return errors.Wrap(ErrInval, "copy-on-write allocation")
	}

	e, err := t.k.resolve(id, true)
	if err != nil {
		return err
	}

	_, err = t.k.allocPage(e.VM, va, perm)
	return err
}

func (t *Task) MemMap(srcid EnvID, srcva uint32, dstid EnvID, dstva uint32, perm memory.PTE) error {
	if srcva >= memory.UTOP || dstva >= memory.UTOP {
		return errors.Wrapf(ErrInval, "srcva=%08x dstva=%08x", srcva, dstva)
	}

	if err := checkPerm(perm); err != nil {
		return err
	}

	src, err := t.k.resolve(srcid, true)
	if err != nil {
		return err
	}

	dst, err := t.k.resolve(dstid, true)
	if err != nil {
		return err
	}

	pa, _, ok := src.VM.Lookup(srcva)
	if !ok {
		return errors.Wrapf(ErrInval, "srcva=%08x not mapped in %s", srcva, src.ID)
	}

	return dst.VM.Insert(pa, dstva, perm)
}

func (t *Task) MemUnmap(id EnvID, va uint32) error {
	if va >= memory.UTOP {
		return errors.Wrapf(ErrInval, "va=%08x", va)
	}

	e, err := t.k.resolve(id, true)
	if err != nil {
		return err
	}

	e.VM.Remove(va)
	return nil
}

// EnvAlloc creates a child that resumes from the caller's trap with v0 = 0.
// The child starts not runnable.
func (t *Task) EnvAlloc() (EnvID, error) {
	e, err := t.k.allocate(t.ID)
	if err != nil {
		return 0, err
	}

	e.TF = t.k.cpu.TF
	e.TF.PC = e.TF.EPC
	e.TF.Regs[RegV0] = 0
	e.Priority = t.Priority

	t.k.setStatus(e, NotRunnable)

	t.k.L.Trace("sys-env-alloc", "parent", t.ID, "child", e.ID)

	return e.ID, nil
}

func (t *Task) SetEnvStatus(id EnvID, s Status) error {
	e, err := t.k.resolve(id, true)
	if err != nil {
		return err
	}

	return t.k.setStatus(e, s)
}

// SetTrapframe replaces the trap frame of id with the one stored at tfva.
func (t *Task) SetTrapframe(id EnvID, tfva uint32) error {
	e, err := t.k.resolve(id, true)
	if err != nil {
		return err
	}

	buf := make([]byte, TrapFrameSize)
	if err := t.CopyIn(tfva, buf); err != nil {
		return err
	}

	tf, err := DecodeTrapFrame(buf)
	if err != nil {
		return err
	}

	if e == t.k.cur {
		t.k.cpu.TF = tf
	} else {
		e.TF = tf
	}

	t.k.L.Trace("sys-set-trapframe", "target", e.ID, "pc", hclog.Fmt("%08x", tf.PC))

	return nil
}

// Panic halts the kernel on behalf of user code.
func (t *Task) Panic(msg string) error {
	t.k.L.Error("user-panic", "id", t.ID, "msg", msg)
	return t.k.halt()
}
