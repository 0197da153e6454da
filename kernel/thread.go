package kernel

import (
	"github.com/pkg/errors"

	"github.com/evanphx/mosenv/memory"
)

// group returns the process of the caller's thread group.
func (t *Task) group() (*Env, error) {
	if !t.IsThread() {
		return t.Env, nil
	}

	return t.k.resolve(t.Super, false)
}

// members lists the live environments of p's thread group, p first.
func (k *Kernel) members(p *Env) []*Env {
	envs := []*Env{p}

	for _, cid := range p.Children {
		if c, err := k.resolve(cid, false); err == nil {
			envs = append(envs, c)
		}
	}

	return envs
}

// ThreadAttach makes the caller's child id a thread of the caller.
func (t *Task) ThreadAttach(id EnvID) error {
	if t.IsThread() {
		return errors.Wrap(ErrInval, "threads cannot own threads")
	}

	c, err := t.k.resolve(id, true)
	if err != nil {
		return err
	}

	if c == t.Env || c.IsThread() || len(c.Children) > 0 {
		return errors.Wrapf(ErrInval, "env %s cannot become a thread", c.ID)
	}

	if len(t.Children) >= MaxThreads {
		return errors.Wrapf(ErrInval, "env %s already has %d threads", t.ID, len(t.Children))
	}

	c.Super = t.ID
	t.Children = append(t.Children, c.ID)

	t.k.L.Debug("thread-attach", "process", t.ID, "thread", c.ID, "index", len(t.Children))

	return nil
}

// ThreadExit marks id terminated with retval. A terminated thread stops
// running. A terminated process is expected to reap its group and destroy
// itself; when one of its threads ends it, the process is woken so it can.
func (t *Task) ThreadExit(id EnvID, retval uint32) error {
	target, err := t.k.resolve(id, false)
	if err != nil {
		return err
	}

	p, err := t.group()
	if err != nil {
		return err
	}

	if target != t.Env && target != p && !(target.IsThread() && target.Super == p.ID) {
		return errors.Wrapf(ErrBadEnv, "env %s is not in the thread group of %s", target.ID, t.ID)
	}

	target.RetVal = retval
	target.Dead = true

	t.k.L.Debug("thread-exit", "caller", t.ID, "target", target.ID, "retval", retval)

	if target == t.Env && !target.IsThread() {
		return nil
	}

	t.k.sems.dequeue(target)
	target.IPC.Receiving = false

	if !target.IsThread() {
		t.k.setStatus(target, Runnable)
		return nil
	}

	t.k.setStatus(target, NotRunnable)

	if target == t.k.cur {
		return t.k.schedule()
	}

	return nil
}

// MemShare maps the page at va into every member of the caller's thread
// group as a shared library page.
func (t *Task) MemShare(va uint32) error {
	if va >= memory.UTOP {
		return errors.Wrapf(ErrInval, "va=%08x", va)
	}

	p, err := t.group()
	if err != nil {
		return err
	}

	pa, _, ok := t.VM.Lookup(va)
	if !ok {
		pa, _, ok = p.VM.Lookup(va)
	}

	if !ok {
		return errors.Wrapf(ErrInval, "va=%08x not mapped", va)
	}

	perm := memory.PteV | memory.PteR | memory.PteLibrary

	for _, e := range t.k.members(p) {
		if err := e.VM.Insert(pa, va, perm); err != nil {
			return err
		}
	}

	return nil
}
