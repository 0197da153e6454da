package kernel

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/evanphx/mosenv/device"
	"github.com/evanphx/mosenv/loader"
	"github.com/evanphx/mosenv/memory"
	"github.com/evanphx/mosenv/pkg/waiter"
)

func newKernel(t *testing.T) *Kernel {
	k, err := NewKernel(Config{Pages: 1024})
	require.NoError(t, err)
	return k
}

func spawn(t *testing.T, k *Kernel, priority int) EnvID {
	id, err := k.CreateEnv(&loader.Program{Name: "test", Entry: memory.UTEXT}, priority)
	require.NoError(t, err)
	return id
}

// as dispatches id and runs fn as a kernel entry from it.
func as(t *testing.T, k *Kernel, id EnvID, fn func(t *Task) error) error {
	require.NoError(t, k.Dispatch(id))
	return k.Enter(fn)
}

func readWord(t *testing.T, k *Kernel, id EnvID, va uint32) uint32 {
	pa, _, ok := k.Lookup(id, va)
	require.True(t, ok)
	return binary.LittleEndian.Uint32(k.pool.Bytes(pa)[memory.PageOffset(va):])
}

func TestEnvTable(t *testing.T) {
	n := neko.Modern(t)

	n.It("hands out the documented first identifiers", func(t *testing.T) {
		k := newKernel(t)

		var ids []EnvID
		for i := 0; i < 3; i++ {
			id, err := k.Allocate(0)
			require.NoError(t, err)
			ids = append(ids, id)
		}

		require.Equal(t, []EnvID{2048, 4097, 6146}, ids)
		require.Equal(t, 2, ids[2].Index())
	})

	n.It("initializes the trap frame and address space", func(t *testing.T) {
		k := newKernel(t)

		id, err := k.Allocate(0)
		require.NoError(t, err)

		ei, err := k.Snapshot(id)
		require.NoError(t, err)

		require.Equal(t, Runnable, ei.Status)
		require.Equal(t, memory.USTACKTOP, ei.TF.Regs[RegSP])
		require.Equal(t, uint32(InitialStatus), ei.TF.Status)

		e := &k.envs[id.Index()]
		require.Equal(t, k.boot.PDE(memory.PDX(memory.UENVS)), e.VM.PDE(memory.PDX(memory.UENVS)))
		require.Equal(t, k.boot.PDE(memory.PDX(memory.UPAGES)), e.VM.PDE(memory.PDX(memory.UPAGES)))
		require.Equal(t, memory.MakePTE(e.VM.Root, memory.PteV), e.VM.PDE(memory.PDX(memory.UVPT)))

		for pdx := uint32(0); pdx < memory.PDX(memory.UTOP); pdx++ {
			require.False(t, e.VM.PDE(pdx).Valid())
		}
	})

	n.It("detects stale identifiers after slot reuse", func(t *testing.T) {
		k := newKernel(t)

		a, err := k.Allocate(0)
		require.NoError(t, err)

		require.NoError(t, k.Destroy(a))

		b, err := k.Allocate(0)
		require.NoError(t, err)

		require.Equal(t, a.Index(), b.Index())
		require.NotEqual(t, a, b)

		_, err = k.Resolve(a, false)
		require.Equal(t, ErrBadEnv, errors.Cause(err))

		got, err := k.Resolve(b, false)
		require.NoError(t, err)
		require.Equal(t, b, got)
	})

	n.It("only lets the caller reach itself and its children", func(t *testing.T) {
		k := newKernel(t)

		parent, err := k.Allocate(0)
		require.NoError(t, err)

		child, err := k.Allocate(parent)
		require.NoError(t, err)

		other, err := k.Allocate(0)
		require.NoError(t, err)

		require.NoError(t, k.Dispatch(parent))

		_, err = k.Resolve(parent, true)
		require.NoError(t, err)

		_, err = k.Resolve(child, true)
		require.NoError(t, err)

		_, err = k.Resolve(other, true)
		require.Equal(t, ErrBadEnv, errors.Cause(err))

		cur, err := k.Resolve(0, false)
		require.NoError(t, err)
		require.Equal(t, parent, cur)
	})

	n.It("runs out of environments", func(t *testing.T) {
		k, err := NewKernel(Config{Pages: NENV + 16})
		require.NoError(t, err)

		for i := 0; i < NENV; i++ {
			_, err := k.Allocate(0)
			require.NoError(t, err)
		}

		_, err = k.Allocate(0)
		require.Equal(t, ErrNoFreeEnv, errors.Cause(err))
	})

	n.It("leaves the slot free when the page directory cannot be allocated", func(t *testing.T) {
		k, err := NewKernel(Config{Pages: 5})
		require.NoError(t, err)

		_, err = k.Allocate(0)
		require.Equal(t, ErrNoMem, errors.Cause(err))
		require.Equal(t, 0, k.Live())
	})

	n.It("returns every page on destroy", func(t *testing.T) {
		k := newKernel(t)

		base := k.FreePages()

		a := spawn(t, k, 1)

		err := as(t, k, a, func(tk *Task) error {
			if err := tk.MemAlloc(0, memory.UTEXT, memory.PteV|memory.PteR); err != nil {
				return err
			}

			c, err := tk.EnvAlloc()
			if err != nil {
				return err
			}

			return tk.MemMap(0, memory.UTEXT, c, memory.UTEXT, memory.PteV)
		})
		require.NoError(t, err)

		require.Equal(t, 2, k.PageRef(a, memory.UTEXT))

		require.NoError(t, k.Destroy(a))
		require.Equal(t, ErrHalted, k.Halted())

		// the child is a plain process and survives its parent
		require.Equal(t, 1, k.Live())

		k.mu.Lock()
		for i := range k.envs {
			if k.envs[i].Status != Free {
				k.free(&k.envs[i])
			}
		}
		k.mu.Unlock()

		require.Equal(t, base, k.FreePages())
	})

	n.It("loads program segments into fresh pages", func(t *testing.T) {
		k := newKernel(t)

		prog := &loader.Program{
			Name:  "seg",
			Entry: memory.UTEXT + 0x10,
			Segments: []loader.Segment{
				{Va: memory.UTEXT + memory.PageSize - 2, MemSize: 8, Data: []byte{1, 2, 3, 4}},
			},
		}

		id, err := k.CreateEnv(prog, 3)
		require.NoError(t, err)

		ei, err := k.Snapshot(id)
		require.NoError(t, err)
		require.Equal(t, memory.UTEXT+0x10, ei.TF.PC)
		require.Equal(t, 3, ei.Priority)

		require.Equal(t, uint32(0x0201)<<16, readWord(t, k, id, memory.UTEXT+memory.PageSize-4))
		require.Equal(t, uint32(0x0403), readWord(t, k, id, memory.UTEXT+memory.PageSize))

		_, _, ok := k.Lookup(id, memory.USTACKTOP-memory.PageSize)
		require.True(t, ok)
	})

	n.It("rejects segments above UTOP", func(t *testing.T) {
		k := newKernel(t)

		prog := &loader.Program{
			Segments: []loader.Segment{{Va: memory.UTOP - 4, MemSize: 8}},
		}

		_, err := k.CreateEnv(prog, 1)
		require.Equal(t, ErrInval, errors.Cause(err))
		require.Equal(t, 0, k.Live())
	})

	n.It("refuses to destroy a thread directly", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)

		var c EnvID
		err := as(t, k, a, func(tk *Task) error {
			var err error
			c, err = tk.EnvAlloc()
			if err != nil {
				return err
			}
			return tk.ThreadAttach(c)
		})
		require.NoError(t, err)

		err = k.Destroy(c)
		require.Equal(t, ErrInval, errors.Cause(err))

		require.NoError(t, k.Destroy(a))
		require.Equal(t, 0, k.Live())
	})

	n.It("saves the resident trap frame on dispatch", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)
		b := spawn(t, k, 1)

		require.NoError(t, k.Dispatch(a))

		k.mu.Lock()
		k.cpu.TF.Regs[RegA0] = 99
		k.cpu.TF.EPC = 0x401234
		k.mu.Unlock()

		require.NoError(t, k.Dispatch(b))

		ei, err := k.Snapshot(a)
		require.NoError(t, err)
		require.Equal(t, uint32(99), ei.TF.Regs[RegA0])
		require.Equal(t, uint32(0x401234), ei.TF.PC)
		require.Equal(t, uint64(1), ei.Runs)

		cpu := k.CPU()
		require.Equal(t, b.ASID(), cpu.ASID)
	})

	n.Meow()
}

func TestScheduler(t *testing.T) {
	n := neko.Modern(t)

	n.It("shares the cpu in proportion to priority", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)
		b := spawn(t, k, 2)

		var seq []EnvID
		for i := 0; i < 30; i++ {
			require.NoError(t, k.Yield())
			seq = append(seq, k.Current())
		}

		require.Equal(t, []EnvID{b, b, a, b, b, a}, seq[:6])

		counts := map[EnvID]int{}
		for _, id := range seq {
			counts[id]++
		}

		require.Equal(t, 20, counts[b])
		require.Equal(t, 10, counts[a])
	})

	n.It("never runs a blocked environment", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)
		b := spawn(t, k, 1)

		require.NoError(t, k.SetStatus(b, NotRunnable))

		for i := 0; i < 5; i++ {
			require.NoError(t, k.Yield())
			require.Equal(t, a, k.Current())
		}

		require.NoError(t, k.SetStatus(b, Runnable))
		require.NoError(t, k.SetStatus(b, Runnable))

		k.mu.Lock()
		require.Equal(t, 2, k.sched.queued())
		k.mu.Unlock()

		require.NoError(t, k.Yield())
		require.Equal(t, b, k.Current())
	})

	n.It("rejects the free status", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)

		err := k.SetStatus(a, Free)
		require.Equal(t, ErrInval, errors.Cause(err))
	})

	n.It("halts when nothing is runnable", func(t *testing.T) {
		k := newKernel(t)

		c := make(chan struct{}, 1)
		k.Events.RegisterChannel(waiter.EventHalted, c)

		a := spawn(t, k, 1)
		require.NoError(t, k.Yield())
		require.Equal(t, a, k.Current())

		require.NoError(t, k.SetStatus(a, NotRunnable))

		err := k.Yield()
		require.Equal(t, ErrHalted, err)
		require.Equal(t, EnvID(0), k.Current())

		select {
		case <-c:
		default:
			t.Fatal("halt was not notified")
		}

		require.Equal(t, ErrHalted, k.Tick())
		require.Equal(t, ErrHalted, k.Enter(func(tk *Task) error { return nil }))
	})

	n.It("reschedules when the current environment destroys itself", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)
		b := spawn(t, k, 1)

		err := as(t, k, a, func(tk *Task) error {
			return tk.EnvDestroy(0)
		})
		require.NoError(t, err)

		require.Equal(t, b, k.Current())
	})

	n.Meow()
}

func TestIPC(t *testing.T) {
	n := neko.Modern(t)

	n.It("delivers a value to a waiting receiver", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)
		b := spawn(t, k, 1)

		err := as(t, k, b, func(tk *Task) error {
			return tk.IpcRecv(memory.UTOP)
		})
		require.NoError(t, err)
		require.Equal(t, a, k.Current())

		ei, err := k.Snapshot(b)
		require.NoError(t, err)
		require.True(t, ei.IPC.Receiving)
		require.Equal(t, NotRunnable, ei.Status)

		err = k.Enter(func(tk *Task) error {
			return tk.IpcCanSend(b, 42, 0, 0)
		})
		require.NoError(t, err)

		ei, err = k.Snapshot(b)
		require.NoError(t, err)
		require.False(t, ei.IPC.Receiving)
		require.Equal(t, uint32(42), ei.IPC.Value)
		require.Equal(t, a, ei.IPC.From)
		require.Equal(t, Runnable, ei.Status)

		err = k.Enter(func(tk *Task) error {
			return tk.IpcCanSend(b, 43, 0, 0)
		})
		require.Equal(t, ErrIpcNotRecv, errors.Cause(err))

		ei, err = k.Snapshot(b)
		require.NoError(t, err)
		require.Equal(t, uint32(42), ei.IPC.Value)
	})

	n.It("transfers a page", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)
		b := spawn(t, k, 1)

		const dst = 0x500000

		err := as(t, k, b, func(tk *Task) error {
			return tk.IpcRecv(dst)
		})
		require.NoError(t, err)

		err = k.Enter(func(tk *Task) error {
			if err := tk.MemAlloc(0, memory.UTEXT, memory.PteV|memory.PteR); err != nil {
				return err
			}

			if _, err := tk.Store(memory.UTEXT, []byte("ping")); err != nil {
				return err
			}

			return tk.IpcCanSend(b, 1, memory.UTEXT, memory.PteV)
		})
		require.NoError(t, err)

		pa, pte, ok := k.Lookup(b, dst)
		require.True(t, ok)
		require.False(t, pte.Has(memory.PteR))

		src, _, _ := k.Lookup(a, memory.UTEXT)
		require.Equal(t, src, pa)
		require.Equal(t, 2, k.PageRef(a, memory.UTEXT))

		ei, err := k.Snapshot(b)
		require.NoError(t, err)
		require.Equal(t, memory.PteV, ei.IPC.Perm)
	})

	n.It("rejects source addresses above UTOP", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)

		err := as(t, k, a, func(tk *Task) error {
			return tk.IpcCanSend(a, 1, memory.UTOP, memory.PteV)
		})
		require.Equal(t, ErrInval, errors.Cause(err))
	})

	n.Meow()
}

// semSetup gives a process a semaphore page shared with a runnable child.
func semSetup(t *testing.T, k *Kernel, va uint32, value int32, shared bool) (EnvID, EnvID) {
	a := spawn(t, k, 1)

	var c EnvID

	err := as(t, k, a, func(tk *Task) error {
		if err := tk.MemAlloc(0, va, memory.PteV|memory.PteR); err != nil {
			return err
		}

		if err := tk.SemInit(va, value, shared); err != nil {
			return err
		}

		var err error
		c, err = tk.EnvAlloc()
		if err != nil {
			return err
		}

		if err := tk.MemMap(0, va, c, va, memory.PteV|memory.PteR); err != nil {
			return err
		}

		return tk.SetEnvStatus(c, Runnable)
	})
	require.NoError(t, err)

	return a, c
}

func TestSemaphore(t *testing.T) {
	n := neko.Modern(t)

	const va = 0x600000

	n.It("blocks and wakes in order", func(t *testing.T) {
		k := newKernel(t)

		a, c := semSetup(t, k, va, 0, false)

		err := as(t, k, c, func(tk *Task) error {
			blocked, err := tk.SemWait(va)
			if err != nil {
				return err
			}

			require.True(t, blocked)

			return tk.Yield()
		})
		require.NoError(t, err)
		require.Equal(t, a, k.Current())

		var val int32
		err = k.Enter(func(tk *Task) error {
			if err := tk.SemGetValue(va, va+16); err != nil {
				return err
			}

			buf := make([]byte, 4)
			if err := tk.CopyIn(va+16, buf); err != nil {
				return err
			}

			val = int32(binary.LittleEndian.Uint32(buf))

			return tk.SemPost(va)
		})
		require.NoError(t, err)
		require.Equal(t, int32(-1), val)

		ei, err := k.Snapshot(c)
		require.NoError(t, err)
		require.Equal(t, Runnable, ei.Status)

		require.Equal(t, uint32(0), readWord(t, k, a, va))
	})

	n.It("does not block while the count is positive", func(t *testing.T) {
		k := newKernel(t)

		a, _ := semSetup(t, k, va, 2, false)

		err := as(t, k, a, func(tk *Task) error {
			blocked, err := tk.SemWait(va)
			require.NoError(t, err)
			require.False(t, blocked)

			ok, err := tk.SemTryWait(va)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = tk.SemTryWait(va)
			require.NoError(t, err)
			require.False(t, ok)

			return nil
		})
		require.NoError(t, err)
	})

	n.It("wakes every waiter on destroy", func(t *testing.T) {
		k := newKernel(t)

		a, c := semSetup(t, k, va, 0, false)

		err := as(t, k, c, func(tk *Task) error {
			_, err := tk.SemWait(va)
			if err != nil {
				return err
			}
			return tk.Yield()
		})
		require.NoError(t, err)

		err = k.Enter(func(tk *Task) error {
			return tk.SemDestroy(va)
		})
		require.NoError(t, err)

		ei, err := k.Snapshot(c)
		require.NoError(t, err)
		require.Equal(t, Runnable, ei.Status)
		require.Equal(t, uint32(0), readWord(t, k, a, va))
	})

	n.It("gives the count back when a waiter is destroyed", func(t *testing.T) {
		k := newKernel(t)

		a, c := semSetup(t, k, va, 0, false)

		err := as(t, k, c, func(tk *Task) error {
			_, err := tk.SemWait(va)
			if err != nil {
				return err
			}
			return tk.Yield()
		})
		require.NoError(t, err)
		require.Equal(t, uint32(0xffffffff), readWord(t, k, a, va))

		err = k.Enter(func(tk *Task) error {
			return tk.EnvDestroy(c)
		})
		require.NoError(t, err)

		require.Equal(t, uint32(0), readWord(t, k, a, va))
		require.Equal(t, a, k.Current())
	})

	n.It("routes shared semaphores through a kernel slot", func(t *testing.T) {
		k := newKernel(t)

		a, c := semSetup(t, k, va, 1, true)

		err := as(t, k, c, func(tk *Task) error {
			blocked, err := tk.SemWait(va)
			require.NoError(t, err)
			require.False(t, blocked)
			return nil
		})
		require.NoError(t, err)

		err = as(t, k, a, func(tk *Task) error {
			ok, err := tk.SemTryWait(va)
			require.NoError(t, err)
			require.False(t, ok)
			return nil
		})
		require.NoError(t, err)
	})

	// copyPage gives the caller a private copy of the page at va at dst, the
	// way a copy-on-write fault does.
	copyPage := func(tk *Task, va, dst uint32) error {
		buf := make([]byte, memory.PageSize)
		if err := tk.CopyIn(va, buf); err != nil {
			return err
		}

		if err := tk.MemAlloc(0, dst, memory.PteV|memory.PteR); err != nil {
			return err
		}

		return tk.CopyOut(dst, buf)
	}

	n.It("carries a private semaphore into a copied page", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)

		const dup = va + memory.PageSize

		err := as(t, k, a, func(tk *Task) error {
			if err := tk.MemAlloc(0, va, memory.PteV|memory.PteR); err != nil {
				return err
			}

			if err := tk.SemInit(va, 2, false); err != nil {
				return err
			}

			if err := copyPage(tk, va, dup); err != nil {
				return err
			}

			for i := 0; i < 2; i++ {
				ok, err := tk.SemTryWait(dup)
				require.NoError(t, err)
				require.True(t, ok)
			}

			ok, err := tk.SemTryWait(dup)
			require.NoError(t, err)
			require.False(t, ok)

			ok, err = tk.SemTryWait(va)
			require.NoError(t, err)
			require.True(t, ok)

			return nil
		})
		require.NoError(t, err)

		require.Equal(t, uint32(1), readWord(t, k, a, va))
		require.Equal(t, uint32(0), readWord(t, k, a, dup))
		require.NotEqual(t, readWord(t, k, a, va+4), readWord(t, k, a, dup+4))
	})

	n.It("wakes waiters when the page holding a private semaphore is freed", func(t *testing.T) {
		k := newKernel(t)

		a, c := semSetup(t, k, va, 0, false)

		err := as(t, k, c, func(tk *Task) error {
			_, err := tk.SemWait(va)
			if err != nil {
				return err
			}
			return tk.Yield()
		})
		require.NoError(t, err)
		require.Equal(t, a, k.Current())

		err = k.Enter(func(tk *Task) error {
			if err := tk.MemUnmap(c, va); err != nil {
				return err
			}
			return tk.MemUnmap(0, va)
		})
		require.NoError(t, err)

		ei, err := k.Snapshot(c)
		require.NoError(t, err)
		require.Equal(t, Runnable, ei.Status)
		require.Empty(t, k.sems.sems)
	})

	n.It("reaches a shared slot from a copied page", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)

		const dup = va + memory.PageSize

		err := as(t, k, a, func(tk *Task) error {
			if err := tk.MemAlloc(0, va, memory.PteV|memory.PteR); err != nil {
				return err
			}

			if err := tk.SemInit(va, 0, true); err != nil {
				return err
			}

			if err := copyPage(tk, va, dup); err != nil {
				return err
			}

			require.NoError(t, tk.SemPost(dup))

			ok, err := tk.SemTryWait(va)
			require.NoError(t, err)
			require.True(t, ok)

			return nil
		})
		require.NoError(t, err)

		require.Equal(t, readWord(t, k, a, va+4), readWord(t, k, a, dup+4))
	})

	n.It("wakes waiters when a shared semaphore is initialized again", func(t *testing.T) {
		k := newKernel(t)

		a, c := semSetup(t, k, va, 0, true)

		handle := readWord(t, k, a, va+4)

		err := as(t, k, c, func(tk *Task) error {
			_, err := tk.SemWait(va)
			if err != nil {
				return err
			}
			return tk.Yield()
		})
		require.NoError(t, err)
		require.Equal(t, a, k.Current())

		err = k.Enter(func(tk *Task) error {
			return tk.SemInit(va, 3, true)
		})
		require.NoError(t, err)

		ei, err := k.Snapshot(c)
		require.NoError(t, err)
		require.Equal(t, Runnable, ei.Status)

		require.Equal(t, handle, readWord(t, k, a, va+4))
		require.Equal(t, uint32(3), readWord(t, k, a, va))
		require.Equal(t, 1, k.sems.used)
	})

	n.It("rejects a semaphore that straddles a page", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)

		err := as(t, k, a, func(tk *Task) error {
			if err := tk.MemAlloc(0, va, memory.PteV|memory.PteR); err != nil {
				return err
			}

			err := tk.SemInit(va+memory.PageSize-4, 1, false)
			require.Equal(t, ErrInval, errors.Cause(err))

			return nil
		})
		require.NoError(t, err)
	})

	n.It("rejects uninitialized and copy-on-write semaphores", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)

		err := as(t, k, a, func(tk *Task) error {
			if err := tk.MemAlloc(0, va, memory.PteV|memory.PteR); err != nil {
				return err
			}

			err := tk.SemPost(va)
			require.Equal(t, ErrInval, errors.Cause(err))

			pa, _, _ := tk.VM.Lookup(va)
			if err := tk.VM.Insert(pa, va, memory.PteV|memory.PteCOW); err != nil {
				return err
			}

			err = tk.SemInit(va, 1, false)
			require.Equal(t, ErrInval, errors.Cause(err))

			return nil
		})
		require.NoError(t, err)
	})

	n.Meow()
}

func TestThreads(t *testing.T) {
	n := neko.Modern(t)

	n.It("attaches threads and reports thread ids", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)

		var c EnvID
		err := as(t, k, a, func(tk *Task) error {
			var err error
			c, err = tk.EnvAlloc()
			if err != nil {
				return err
			}

			if err := tk.ThreadAttach(c); err != nil {
				return err
			}

			require.Equal(t, uint32(a), tk.GetEnvID(false))
			require.Equal(t, uint32(a)*ThreadIDStride, tk.GetEnvID(true))

			return tk.SetEnvStatus(c, Runnable)
		})
		require.NoError(t, err)

		err = as(t, k, c, func(tk *Task) error {
			require.Equal(t, uint32(a), tk.GetEnvID(false))
			require.Equal(t, uint32(a)*ThreadIDStride+1, tk.GetEnvID(true))

			err := tk.ThreadAttach(a)
			require.Equal(t, ErrInval, errors.Cause(err))

			return nil
		})
		require.NoError(t, err)
	})

	n.It("bounds the number of threads", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)

		err := as(t, k, a, func(tk *Task) error {
			for i := 0; i <= MaxThreads; i++ {
				c, err := tk.EnvAlloc()
				if err != nil {
					return err
				}

				err = tk.ThreadAttach(c)
				if i < MaxThreads {
					require.NoError(t, err)
				} else {
					require.Equal(t, ErrInval, errors.Cause(err))
				}
			}
			return nil
		})
		require.NoError(t, err)
	})

	n.It("propagates shared pages to the whole group", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)

		var c1, c2 EnvID
		err := as(t, k, a, func(tk *Task) error {
			var err error
			for _, c := range []*EnvID{&c1, &c2} {
				*c, err = tk.EnvAlloc()
				if err != nil {
					return err
				}
				if err := tk.ThreadAttach(*c); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		const va = 0x700000

		err = as(t, k, c1, func(tk *Task) error {
			if err := tk.MemAlloc(0, va, memory.PteV|memory.PteR); err != nil {
				return err
			}
			return tk.MemShare(va)
		})
		require.NoError(t, err)

		pa, pte, ok := k.Lookup(a, va)
		require.True(t, ok)
		require.True(t, pte.Has(memory.PteV|memory.PteR|memory.PteLibrary))

		for _, id := range []EnvID{c1, c2} {
			got, _, ok := k.Lookup(id, va)
			require.True(t, ok)
			require.Equal(t, pa, got)
		}

		require.Equal(t, 3, k.PageRef(a, va))

		require.NoError(t, k.Destroy(a))
		require.Equal(t, 0, k.Live())
	})

	n.It("marks an exiting thread dead and stops running it", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)

		var c EnvID
		err := as(t, k, a, func(tk *Task) error {
			var err error
			c, err = tk.EnvAlloc()
			if err != nil {
				return err
			}
			if err := tk.ThreadAttach(c); err != nil {
				return err
			}
			return tk.SetEnvStatus(c, Runnable)
		})
		require.NoError(t, err)

		err = as(t, k, c, func(tk *Task) error {
			return tk.ThreadExit(0, 7)
		})
		require.NoError(t, err)
		require.Equal(t, a, k.Current())

		ei, err := k.Snapshot(c)
		require.NoError(t, err)
		require.True(t, ei.Dead)
		require.Equal(t, uint32(7), ei.RetVal)
		require.Equal(t, NotRunnable, ei.Status)
	})

	n.It("lets a thread end its process", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)

		const va = 0x600000

		var c EnvID
		err := as(t, k, a, func(tk *Task) error {
			var err error
			c, err = tk.EnvAlloc()
			if err != nil {
				return err
			}

			if err := tk.ThreadAttach(c); err != nil {
				return err
			}

			if err := tk.SetEnvStatus(c, Runnable); err != nil {
				return err
			}

			if err := tk.MemAlloc(0, va, memory.PteV|memory.PteR); err != nil {
				return err
			}

			if err := tk.SemInit(va, 0, false); err != nil {
				return err
			}

			blocked, err := tk.SemWait(va)
			require.NoError(t, err)
			require.True(t, blocked)

			return tk.Yield()
		})
		require.NoError(t, err)
		require.Equal(t, c, k.Current())

		err = k.Enter(func(tk *Task) error {
			return tk.ThreadExit(a, 9)
		})
		require.NoError(t, err)

		ei, err := k.Snapshot(a)
		require.NoError(t, err)
		require.True(t, ei.Dead)
		require.Equal(t, uint32(9), ei.RetVal)
		require.Equal(t, Runnable, ei.Status)
		require.Equal(t, uint32(0), readWord(t, k, a, va))
	})

	n.It("keeps outsiders from ending a thread", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)
		b := spawn(t, k, 1)

		err := as(t, k, b, func(tk *Task) error {
			return tk.ThreadExit(a, 1)
		})
		require.Equal(t, ErrBadEnv, errors.Cause(err))
	})

	n.Meow()
}

func TestFaults(t *testing.T) {
	n := neko.Modern(t)

	n.It("kills a process storing to a read-only page without a handler", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)

		err := as(t, k, a, func(tk *Task) error {
			if err := tk.MemAlloc(0, memory.UTEXT, memory.PteV); err != nil {
				return err
			}

			_, err := tk.Store(memory.UTEXT, []byte{1})
			return err
		})
		require.Equal(t, ErrUserFault, errors.Cause(err))
		require.Equal(t, 0, k.Live())
		require.Equal(t, ErrHalted, k.Halted())
	})

	n.It("kills a process touching unmapped memory", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)
		b := spawn(t, k, 1)

		err := as(t, k, a, func(tk *Task) error {
			_, err := tk.Load(0x700000, make([]byte, 4))
			return err
		})
		require.Equal(t, ErrUserFault, errors.Cause(err))
		require.Equal(t, b, k.Current())
	})

	n.It("delivers write faults to the handler on the exception stack", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)

		const handler = 0x401000

		err := as(t, k, a, func(tk *Task) error {
			if err := tk.MemAlloc(0, memory.UXSTACKTOP-memory.PageSize, memory.PteV|memory.PteR); err != nil {
				return err
			}

			if err := tk.SetPgfaultHandler(0, handler, memory.UXSTACKTOP); err != nil {
				return err
			}

			if err := tk.MemAlloc(0, memory.UTEXT, memory.PteV); err != nil {
				return err
			}

			up, err := tk.Store(memory.UTEXT+8, []byte{1})
			if err != nil {
				return err
			}

			require.NotNil(t, up)
			require.Equal(t, uint32(handler), up.Entry)
			require.Equal(t, memory.UTEXT+8, up.Va)
			require.Equal(t, memory.UXSTACKTOP-TrapFrameSize, up.SP)

			buf := make([]byte, TrapFrameSize)
			if err := tk.CopyIn(up.SP, buf); err != nil {
				return err
			}

			tf, err := DecodeTrapFrame(buf)
			if err != nil {
				return err
			}

			require.Equal(t, memory.UTEXT+8, tf.BadVAddr)

			return nil
		})
		require.NoError(t, err)
	})

	n.Meow()
}

func TestSyscallBodies(t *testing.T) {
	n := neko.Modern(t)

	n.It("validates memory syscall arguments", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)
		b := spawn(t, k, 1)

		err := as(t, k, a, func(tk *Task) error {
			err := tk.MemAlloc(0, memory.UTOP, memory.PteV)
			require.Equal(t, ErrInval, errors.Cause(err))

			err = tk.MemAlloc(0, memory.UTEXT, memory.PteR)
			require.Equal(t, ErrInval, errors.Cause(err))

			err = tk.MemAlloc(0, memory.UTEXT, memory.PteV|memory.PteCOW)
			require.Equal(t, ErrInval, errors.Cause(err))

			err = tk.MemAlloc(b, memory.UTEXT, memory.PteV)
			require.Equal(t, ErrBadEnv, errors.Cause(err))

			err = tk.MemMap(0, memory.UTEXT, 0, memory.UTEXT+memory.PageSize, memory.PteV)
			require.Equal(t, ErrInval, errors.Cause(err))

			return nil
		})
		require.NoError(t, err)
	})

	n.It("copies a child out of the caller's trap frame", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 4)

		var c EnvID
		err := as(t, k, a, func(tk *Task) error {
			tk.k.cpu.TF.PC = 0x400800
			tk.k.cpu.TF.EPC = 0x400800
			tk.k.cpu.TF.Regs[RegV0] = 5

			var err error
			c, err = tk.EnvAlloc()
			return err
		})
		require.NoError(t, err)

		ei, err := k.Snapshot(c)
		require.NoError(t, err)
		require.Equal(t, NotRunnable, ei.Status)
		require.Equal(t, a, ei.ParentID)
		require.Equal(t, 4, ei.Priority)
		require.Equal(t, uint32(0), ei.TF.Regs[RegV0])
	})

	n.It("installs a trap frame from user memory", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)

		var c EnvID
		err := as(t, k, a, func(tk *Task) error {
			var err error
			c, err = tk.EnvAlloc()
			if err != nil {
				return err
			}

			tf := TrapFrame{PC: 0x402000}
			tf.Regs[RegSP] = 0x7f3fd000

			const at = memory.USTACKTOP - memory.PageSize
			if _, err := tk.Store(at, tf.Encode()); err != nil {
				return err
			}

			return tk.SetTrapframe(c, at)
		})
		require.NoError(t, err)

		ei, err := k.Snapshot(c)
		require.NoError(t, err)
		require.Equal(t, uint32(0x402000), ei.TF.PC)
		require.Equal(t, uint32(0x7f3fd000), ei.TF.Regs[RegSP])
	})

	n.It("moves bytes between user memory and devices", func(t *testing.T) {
		var out bytes.Buffer

		k, err := NewKernel(Config{Pages: 256, Bus: device.NewBus(device.NewConsole(&out), nil)})
		require.NoError(t, err)

		a := spawn(t, k, 1)

		err = as(t, k, a, func(tk *Task) error {
			at := memory.USTACKTOP - memory.PageSize

			if _, err := tk.Store(at, []byte{'z'}); err != nil {
				return err
			}

			if err := tk.WriteDev(at, device.ConsoleBase, 1); err != nil {
				return err
			}

			err := tk.WriteDev(at, device.ConsoleBase+device.ConsoleSize, 1)
			require.Equal(t, ErrInval, errors.Cause(err))

			k.Bus().Console.Feed([]byte("q"))

			if err := tk.ReadDev(at+4, device.ConsoleBase, 1); err != nil {
				return err
			}

			buf := make([]byte, 1)
			if _, err := tk.Load(at+4, buf); err != nil {
				return err
			}

			require.Equal(t, byte('q'), buf[0])

			return nil
		})
		require.NoError(t, err)

		require.Equal(t, "z", out.String())
	})

	n.It("maps errors to syscall numbers", func(t *testing.T) {
		require.Equal(t, Errno(0), ErrnoOf(nil))
		require.Equal(t, EBADENV, ErrnoOf(errors.Wrap(ErrBadEnv, "x")))
		require.Equal(t, ENOMEM, ErrnoOf(memory.ErrNoMem))
		require.Equal(t, EUNSPECIFIED, ErrnoOf(errors.New("other")))
		require.Equal(t, ErrIpcNotRecv, Errno(-6).Err())
	})

	n.It("dumps live environments", func(t *testing.T) {
		k := newKernel(t)

		a := spawn(t, k, 1)

		var buf bytes.Buffer
		k.Dump(&buf)

		require.Contains(t, buf.String(), a.String())
		require.Contains(t, buf.String(), "ref=1")
	})

	n.Meow()
}
