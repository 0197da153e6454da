package kernel

import (
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/mosenv/device"
	"github.com/evanphx/mosenv/loader"
	"github.com/evanphx/mosenv/memory"
	"github.com/evanphx/mosenv/pkg/waiter"
)

// Kernel owns the environment table, the scheduler and the single CPU.
// Every exported method takes the kernel lock; lowercase methods expect it
// held.
type Kernel struct {
	L hclog.Logger

	mu  sync.Mutex
	cfg Config

	pool *memory.Pool
	boot *memory.VirtualMemory
	bus  *device.Bus

	envs     [NENV]Env
	freeList []int
	next     uint32

	sched  scheduler
	cpu    CPU
	cur    *Env
	halted error

	sems semTable

	Events waiter.Waiter
}

func NewKernel(cfg Config) (*Kernel, error) {
	cfg.fill()

	k := &Kernel{
		L:    cfg.Logger,
		cfg:  cfg,
		pool: memory.NewPool(cfg.Pages),
		bus:  cfg.Bus,
	}

	boot, err := memory.NewBootVirtualMemory(k.pool)
	if err != nil {
		return nil, errors.Wrap(err, "building boot page directory")
	}

	k.boot = boot

	k.sched.init()

	k.freeList = make([]int, 0, NENV)
	for i := NENV - 1; i >= 0; i-- {
		k.envs[i].queue = -1
		k.freeList = append(k.freeList, i)
	}

	k.sems.init(k.pool, cfg.SharedSemSlots)
	k.pool.OnFree(k.sems.frameFreed)

	k.L.Debug("kernel-init", "pages", cfg.Pages, "free-pages", k.pool.FreePages())

	return k, nil
}

func (k *Kernel) Bus() *device.Bus {
	return k.bus
}

func (k *Kernel) FreePages() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.pool.FreePages()
}

// PageRef returns the reference count of the frame mapped at va in id's
// address space, or 0 when nothing is mapped.
func (k *Kernel) PageRef(id EnvID, va uint32) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.resolve(id, false)
	if err != nil {
		return 0
	}

	pa, _, ok := e.VM.Lookup(va)
	if !ok {
		return 0
	}

	return k.pool.Ref(pa)
}

// Lookup returns the mapping of va in id's address space.
func (k *Kernel) Lookup(id EnvID, va uint32) (memory.PhysAddr, memory.PTE, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.resolve(id, false)
	if err != nil {
		return 0, 0, false
	}

	return e.VM.Lookup(va)
}

func (k *Kernel) Allocate(parent EnvID) (EnvID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.allocate(parent)
	if err != nil {
		return 0, err
	}

	return e.ID, nil
}

// Resolve validates id against the table. Id 0 names the current
// environment.
func (k *Kernel) Resolve(id EnvID, checkperm bool) (EnvID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.resolve(id, checkperm)
	if err != nil {
		return 0, err
	}

	return e.ID, nil
}

func (k *Kernel) Destroy(id EnvID) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.resolve(id, false)
	if err != nil {
		return err
	}

	return k.destroy(e)
}

// Dispatch makes id the running environment.
func (k *Kernel) Dispatch(id EnvID) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.halted != nil {
		return k.halted
	}

	e, err := k.resolve(id, false)
	if err != nil {
		return err
	}

	k.dispatch(e)
	return nil
}

func (k *Kernel) CreateEnv(prog *loader.Program, priority int) (EnvID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.createEnv(prog, priority)
	if err != nil {
		return 0, err
	}

	return e.ID, nil
}

func (k *Kernel) SetStatus(id EnvID, s Status) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.resolve(id, false)
	if err != nil {
		return err
	}

	return k.setStatus(e, s)
}

func (k *Kernel) Snapshot(id EnvID) (EnvInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.resolve(id, false)
	if err != nil {
		return EnvInfo{}, err
	}

	ei := e.info()
	if e == k.cur {
		ei.TF = k.cpu.TF
	}

	return ei, nil
}

// Current returns the running environment, 0 when none is.
func (k *Kernel) Current() EnvID {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.cur == nil {
		return 0
	}

	return k.cur.ID
}

func (k *Kernel) CPU() CPU {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.cpu
}

// Abort kills the process id belongs to, as a fatal user error would.
func (k *Kernel) Abort(id EnvID, reason string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.resolve(id, false)
	if err != nil {
		return err
	}

	k.abort(e, reason)
	return nil
}

func (k *Kernel) Yield() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.schedule()
}

// Tick delivers a timer interrupt.
func (k *Kernel) Tick() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.halted != nil {
		return k.halted
	}

	if k.cur != nil {
		k.cpu.TF.EPC = k.cpu.TF.PC
	}

	return k.schedule()
}

func (k *Kernel) Halted() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.halted
}

// Live counts the environments that are not free.
func (k *Kernel) Live() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return NENV - len(k.freeList)
}

func (k *Kernel) halt() error {
	if k.halted != nil {
		return k.halted
	}

	k.L.Info("no runnable environments, halting", "live", NENV-len(k.freeList))

	if k.cur != nil {
		k.cur.TF = k.cpu.TF
		k.cur = nil
	}

	k.halted = ErrHalted
	k.Events.Notify(waiter.EventHalted)

	return ErrHalted
}

// Enter runs fn as the current environment trapping into the kernel. fn
// runs with the kernel lock held.
func (k *Kernel) Enter(fn func(t *Task) error) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.halted != nil {
		return k.halted
	}

	if k.cur == nil {
		return errors.Wrap(ErrBadEnv, "no current environment")
	}

	k.cpu.TF.EPC = k.cpu.TF.PC

	err := fn(&Task{Env: k.cur, k: k})

	k.reapSems()

	return err
}
