package user

import (
	"runtime"

	"github.com/pkg/errors"

	"github.com/evanphx/mosenv/kernel"
	"github.com/evanphx/mosenv/memory"
)

// threadTrampoline is where every new thread starts: a0 holds the routine,
// a1 its argument and a2 the env the creator set up for it.
func threadTrampoline(u *Env, routine, arg, self uint32) uint32 {
	if kernel.EnvID(self) != u.ID {
		u.Fatalf("thread started as %s, set up for %s", u.ID, kernel.EnvID(self))
	}

	fn, name, ok := u.m.Text.Lookup(routine)
	if !ok {
		u.Fatalf("thread routine %08x is not text", routine)
	}

	u.L.Trace("thread-start", "routine", name, "env", u.ID)

	return fn(u, arg, 0, 0)
}

// ThreadFork starts routine(arg) on a new thread sharing the caller's
// memory. The handle it returns is used with Join and Cancel.
func (u *Env) ThreadFork(routine Func, arg uint32) (uint32, error) {
	self := u.Self()
	if self.Super != 0 {
		return 0, errors.Wrap(kernel.ErrInval, "threads cannot create threads")
	}

	n := uint32(len(self.Children))
	if n >= kernel.MaxThreads {
		return 0, errors.Wrapf(kernel.ErrInval, "%d threads already", n)
	}

	if err := u.InstallPgfault(); err != nil {
		return 0, err
	}

	id, err := u.EnvAlloc()
	if err != nil {
		return 0, err
	}

	err = u.rangeMapped(func(va uint32, pte memory.PTE) error {
		if pte.Has(memory.PteCOW) {
			if err := u.privatise(va, pte); err != nil {
				return err
			}

			pte, _ = u.Mapped(va)
		}

		perm := pte.Perm() | memory.PteLibrary

		if err := u.MemMap(0, va, 0, va, perm); err != nil {
			return err
		}

		return u.MemMap(0, va, id, va, perm)
	})
	if err != nil {
		return 0, errors.Wrapf(err, "sharing address space with %s", id)
	}

	if err := u.ThreadAttach(id); err != nil {
		return 0, err
	}

	stack := memory.USTACKTOP - memory.PDMap*(n+1)

	if err := u.AllocShared(stack - memory.PageSize); err != nil {
		return 0, err
	}

	if err := u.MemAlloc(id, memory.UXSTACKTOP-memory.PageSize, memory.PteV|memory.PteR); err != nil {
		return 0, err
	}

	if err := u.SetPgfaultHandlerRaw(id, u.m.pgfaultPC, memory.UXSTACKTOP); err != nil {
		return 0, err
	}

	info, err := u.m.K.Snapshot(id)
	if err != nil {
		return 0, errors.Wrapf(err, "reading trap frame of %s", id)
	}

	tf := info.TF
	tf.PC = u.m.trampolinePC
	tf.EPC = tf.PC
	tf.Regs[kernel.RegA0] = u.m.Text.Register("thread-routine", routine)
	tf.Regs[kernel.RegA1] = arg
	tf.Regs[kernel.RegA2] = uint32(id)
	tf.Regs[kernel.RegSP] = stack

	if err := u.SetTrapframe(id, tf); err != nil {
		return 0, err
	}

	if err := u.SetEnvStatus(id, kernel.Runnable); err != nil {
		return 0, err
	}

	u.L.Debug("thread-fork", "thread", id, "handle", n+1)

	return n + 1, nil
}

// handle resolves a thread handle of the caller's group. Handle 0 is the
// process itself.
func (u *Env) handle(h uint32) (kernel.EnvID, error) {
	self := u.Self()

	p := self
	if self.Super != 0 {
		var err error
		if p, err = u.m.K.Snapshot(self.Super); err != nil {
			return 0, err
		}
	}

	if h == 0 {
		return p.ID, nil
	}

	if int(h) > len(p.Children) {
		return 0, errors.Wrapf(kernel.ErrInval, "no thread %d", h)
	}

	return p.Children[h-1], nil
}

// Exit ends the calling thread with retval. A process first waits for all
// of its threads and then destroys itself. Exit never returns.
func (u *Env) Exit(retval uint32) {
	u.exiting = true

	self := u.Self()

	if err := u.threadExit(0, retval); err != nil {
		u.L.Warn("thread exit failed", "error", err)
	}

	if self.Super == 0 {
		for h := range self.Children {
			u.Join(uint32(h + 1))
		}

		if err := u.EnvDestroy(0); err != nil {
			u.L.Warn("env destroy failed", "error", err)
		}
	}

	u.L.Trace("env-exit", "retval", retval)

	u.sync()
	runtime.Goexit()
}

// Join waits until the thread h terminated and returns its value.
func (u *Env) Join(h uint32) (uint32, error) {
	id, err := u.handle(h)
	if err != nil {
		return 0, err
	}

	for {
		info, err := u.m.K.Snapshot(id)
		if err != nil {
			return 0, errors.Wrapf(kernel.ErrBadEnv, "thread %d is gone", h)
		}

		if info.Dead {
			return info.RetVal, nil
		}

		u.Yield()
	}
}

// Cancel terminates thread h as if it called Exit(0). A thread cancelling
// handle 0 ends its process, which then reaps the group.
func (u *Env) Cancel(h uint32) error {
	id, err := u.handle(h)
	if err != nil {
		return err
	}

	if id == u.ID {
		u.Exit(0)
	}

	return u.threadExit(id, 0)
}
