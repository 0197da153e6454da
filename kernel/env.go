package kernel

import (
	"container/list"
	"fmt"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/mosenv/loader"
	"github.com/evanphx/mosenv/memory"
	"github.com/evanphx/mosenv/pkg/waiter"
)

// EnvID names an environment: the table slot in the low LOG2NENV bits and
// a generation counter above them.
type EnvID uint32

func (id EnvID) Index() int {
	return int(uint32(id) & (NENV - 1))
}

// ASID is the address space id installed in the CPU on dispatch.
func (id EnvID) ASID() uint32 {
	return (uint32(id) >> 11) << 6
}

func (id EnvID) String() string {
	return fmt.Sprintf("%08x", uint32(id))
}

type Status int

const (
	Free Status = iota
	Runnable
	NotRunnable
)

func (s Status) String() string {
	switch s {
	case Free:
		return "free"
	case Runnable:
		return "runnable"
	case NotRunnable:
		return "not-runnable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type IPCState struct {
	Receiving bool
	DstVa     uint32
	From      EnvID
	Value     uint32
	Perm      memory.PTE
}

// Env is one environment: a process, or a thread belonging to one.
type Env struct {
	ID       EnvID
	ParentID EnvID
	Status   Status
	Priority int
	Runs     uint64

	TF TrapFrame
	VM *memory.VirtualMemory

	IPC IPCState

	PgfaultHandler uint32
	XStackTop      uint32

	// Super is set on threads. Children lists the threads of a process.
	Super    EnvID
	Children []EnvID

	Dead   bool
	RetVal uint32

	// scheduler queue membership, -1 when not queued
	queue int
	elem  *list.Element

	blockedOn *Semaphore
}

func (e *Env) IsThread() bool {
	return e.Super != 0
}

func (k *Kernel) mkenvid(idx int) EnvID {
	k.next++
	return EnvID(k.next<<(LOG2NENV+1) | uint32(idx))
}

func (k *Kernel) allocate(parent EnvID) (*Env, error) {
	if len(k.freeList) == 0 {
		return nil, ErrNoFreeEnv
	}

	idx := k.freeList[len(k.freeList)-1]

	vm, err := memory.NewVirtualMemory(k.pool)
	if err != nil {
		return nil, errors.Wrap(err, "setting up address space")
	}

	vm.CopyKernel(k.boot)

	k.freeList = k.freeList[:len(k.freeList)-1]

	e := &k.envs[idx]
	*e = Env{
		ID:       k.mkenvid(idx),
		ParentID: parent,
		Status:   Runnable,
		Priority: k.cfg.Priority,
		VM:       vm,
		queue:    -1,
	}

	e.TF.Regs[RegSP] = memory.USTACKTOP
	e.TF.Status = InitialStatus

	k.sched.insertHead(e)

	k.L.Trace("env-alloc", "id", e.ID, "parent", parent)

	return e, nil
}

func (k *Kernel) resolve(id EnvID, checkperm bool) (*Env, error) {
	if id == 0 {
		if k.cur == nil {
			return nil, errors.Wrap(ErrBadEnv, "no current environment")
		}
		return k.cur, nil
	}

	e := &k.envs[id.Index()]
	if e.Status == Free || e.ID != id {
		return nil, errors.Wrapf(ErrBadEnv, "envid %s", id)
	}

	if checkperm {
		if k.cur == nil || (e != k.cur && e.ParentID != k.cur.ID) {
			return nil, errors.Wrapf(ErrBadEnv, "envid %s is not the caller or its child", id)
		}
	}

	return e, nil
}

// free releases e's address space and slot. Thread children are not
// touched; destroy handles those.
func (k *Kernel) free(e *Env) {
	k.L.Debug("env-free", "id", e.ID, "runs", e.Runs)

	idx := e.ID.Index()

	k.sched.remove(e)
	k.sems.dequeue(e)

	if e.VM != nil {
		e.VM.Teardown()
	}

	k.reapSems()

	if k.cur == e {
		k.cur = nil
	}

	if k.sched.env == e {
		k.sched.env = nil
		k.sched.times = 0
	}

	*e = Env{queue: -1}
	k.freeList = append(k.freeList, idx)

	k.Events.Notify(waiter.EventEnvFreed)
}

func (k *Kernel) destroy(e *Env) error {
	if e.IsThread() {
		return errors.Wrapf(ErrInval, "env %s is a thread", e.ID)
	}

	hadCur := k.cur != nil

	for _, cid := range e.Children {
		c := &k.envs[cid.Index()]
		if c.Status != Free && c.ID == cid {
			k.free(c)
		}
	}

	k.free(e)

	if hadCur && k.cur == nil {
		if err := k.schedule(); err != ErrHalted {
			return err
		}
	}

	return nil
}

func (k *Kernel) dispatch(e *Env) {
	if k.cur != nil {
		k.cur.TF = k.cpu.TF
		k.cur.TF.PC = k.cpu.TF.EPC
	}

	k.cur = e
	e.Runs++

	k.cpu.PgDir = e.VM.Root
	k.cpu.ASID = e.ID.ASID()
	k.cpu.TF = e.TF

	k.L.Trace("env-run", "id", e.ID, "pc", hclog.Fmt("%08x", e.TF.PC), "runs", e.Runs)
}

func (k *Kernel) setStatus(e *Env, s Status) error {
	switch s {
	case Runnable:
		e.Status = Runnable
		k.sched.insertHead(e)
	case NotRunnable:
		e.Status = NotRunnable
		k.sched.remove(e)
	default:
		return errors.Wrapf(ErrInval, "status %s", s)
	}

	return nil
}

func (k *Kernel) allocPage(vm *memory.VirtualMemory, va uint32, perm memory.PTE) (memory.PhysAddr, error) {
	pa, err := k.pool.Alloc()
	if err != nil {
		return 0, err
	}

	if err := vm.Insert(pa, va, perm); err != nil {
		k.pool.Release(pa)
		return 0, err
	}

	return pa, nil
}

func (k *Kernel) createEnv(prog *loader.Program, priority int) (*Env, error) {
	if priority <= 0 {
		priority = k.cfg.Priority
	}

	e, err := k.allocate(0)
	if err != nil {
		return nil, err
	}

	e.Priority = priority

	if _, err := k.allocPage(e.VM, memory.USTACKTOP-memory.PageSize, memory.PteR); err != nil {
		k.free(e)
		return nil, errors.Wrap(err, "mapping initial stack")
	}

	for _, seg := range prog.Segments {
		if err := k.loadSegment(e, seg); err != nil {
			k.free(e)
			return nil, err
		}
	}

	e.TF.PC = prog.Entry

	k.L.Debug("env-create", "id", e.ID, "program", prog.Name, "priority", priority,
		"entry", hclog.Fmt("%08x", prog.Entry))

	return e, nil
}

func (k *Kernel) loadSegment(e *Env, seg loader.Segment) error {
	end := seg.Va + seg.MemSize
	if end < seg.Va || end > memory.UTOP || uint32(len(seg.Data)) > seg.MemSize {
		return errors.Wrapf(ErrInval, "segment va=%08x memsz=%x", seg.Va, seg.MemSize)
	}

	dataEnd := seg.Va + uint32(len(seg.Data))

	for va := memory.RoundDown(seg.Va); va < end; va += memory.PageSize {
		pa, _, ok := e.VM.Lookup(va)
		if !ok {
			var err error
			pa, err = k.allocPage(e.VM, va, memory.PteR)
			if err != nil {
				return errors.Wrapf(err, "loading segment page va=%08x", va)
			}
		}

		lo, hi := va, va+memory.PageSize
		if lo < seg.Va {
			lo = seg.Va
		}
		if hi > dataEnd {
			hi = dataEnd
		}

		if lo < hi {
			copy(k.pool.Bytes(pa)[lo-va:], seg.Data[lo-seg.Va:hi-seg.Va])
		}
	}

	return nil
}

// EnvInfo is a read-only copy of an environment.
type EnvInfo struct {
	ID       EnvID
	ParentID EnvID
	Status   Status
	Priority int
	Runs     uint64

	TF    TrapFrame
	PgDir memory.PhysAddr

	IPC IPCState

	PgfaultHandler uint32
	XStackTop      uint32

	Super    EnvID
	Children []EnvID

	Dead   bool
	RetVal uint32
}

func (e *Env) info() EnvInfo {
	ei := EnvInfo{
		ID:             e.ID,
		ParentID:       e.ParentID,
		Status:         e.Status,
		Priority:       e.Priority,
		Runs:           e.Runs,
		TF:             e.TF,
		IPC:            e.IPC,
		PgfaultHandler: e.PgfaultHandler,
		XStackTop:      e.XStackTop,
		Super:          e.Super,
		Children:       append([]EnvID(nil), e.Children...),
		Dead:           e.Dead,
		RetVal:         e.RetVal,
	}

	if e.VM != nil {
		ei.PgDir = e.VM.Root
	}

	return ei
}
