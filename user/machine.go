package user

import (
	"context"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/mosenv/kernel"
	"github.com/evanphx/mosenv/loader"
	"github.com/evanphx/mosenv/log"
	"github.com/evanphx/mosenv/pkg/waiter"
	"github.com/evanphx/mosenv/syscalls"
)

var ErrDeadlock = errors.New("kernel halted with blocked environments")

type Config struct {
	// TimerInterval is the number of syscalls between timer interrupts.
	// Zero disables preemption.
	TimerInterval int

	Logger hclog.Logger
}

func DefaultConfig() Config {
	return Config{TimerInterval: 64}
}

// Machine runs environments on the kernel. Each environment executes on
// its own goroutine but only the one the kernel has dispatched makes
// progress; the others are parked until the kernel picks them.
type Machine struct {
	K    *kernel.Kernel
	Text *Text
	L    hclog.Logger

	cfg Config
	inv *syscalls.Invoker
	ctx context.Context

	pgfaultPC    uint32
	trampolinePC uint32

	mu    sync.Mutex
	envs  map[kernel.EnvID]*Env
	calls int

	freed chan struct{}
	done  chan struct{}
	stop  chan struct{}

	finishOnce sync.Once
	stopOnce   sync.Once
	failure    error
}

func NewMachine(k *kernel.Kernel, cfg Config) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = log.L.Named("machine")
	}

	m := &Machine{
		K:     k,
		Text:  NewText(),
		L:     cfg.Logger,
		cfg:   cfg,
		inv:   syscalls.NewInvoker(k),
		ctx:   context.Background(),
		envs:  make(map[kernel.EnvID]*Env),
		freed: make(chan struct{}, 1),
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}

	m.pgfaultPC = m.Text.Register("pgfault", cowFault)
	m.trampolinePC = m.Text.Register("thread-trampoline", threadTrampoline)

	k.Events.RegisterChannel(waiter.EventEnvFreed, m.freed)

	return m
}

// Spawn creates a process running fn.
func (m *Machine) Spawn(name string, fn Func, priority int) (kernel.EnvID, error) {
	pc := m.Text.Register(name, fn)

	return m.K.CreateEnv(&loader.Program{Name: name, Entry: pc}, priority)
}

// Run schedules environments until the kernel halts or ctx is done. It
// returns nil when every environment ran to completion.
func (m *Machine) Run(ctx context.Context) error {
	m.ctx = ctx

	defer m.shutdown()

	if err := m.K.Yield(); err != nil {
		if errors.Cause(err) == kernel.ErrHalted {
			return m.result()
		}
		return err
	}

	m.handoff(m.K.Current())

	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return m.result()
}

func (m *Machine) result() error {
	m.mu.Lock()
	failure := m.failure
	m.mu.Unlock()

	if failure != nil {
		return failure
	}

	if live := m.K.Live(); live > 0 {
		return errors.Wrapf(ErrDeadlock, "%d environments left", live)
	}

	return nil
}

func (m *Machine) finish(err error) {
	m.finishOnce.Do(func() {
		m.mu.Lock()
		m.failure = err
		m.mu.Unlock()

		close(m.done)
	})
}

func (m *Machine) shutdown() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

func (m *Machine) stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// handoff gives the CPU to id, starting its goroutine on first dispatch.
func (m *Machine) handoff(id kernel.EnvID) {
	if id == 0 {
		m.L.Debug("kernel halted, stopping machine")
		m.finish(nil)
		return
	}

	m.mu.Lock()
	e, ok := m.envs[id]
	if !ok {
		e = newEnv(m, id)
		m.envs[id] = e
	}
	m.mu.Unlock()

	if !ok {
		go e.start()
		return
	}

	select {
	case e.resume <- struct{}{}:
	default:
	}
}

func (m *Machine) forget(e *Env) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.envs[e.ID] == e {
		delete(m.envs, e.ID)
	}
}

// reap ends the goroutines of environments freed since the last call.
func (m *Machine) reap(self *Env) {
	select {
	case <-m.freed:
	default:
		return
	}

	m.mu.Lock()
	var parked []*Env
	for _, e := range m.envs {
		if e != self {
			parked = append(parked, e)
		}
	}
	m.mu.Unlock()

	for _, e := range parked {
		if !e.alive() {
			m.L.Trace("reap-env", "id", e.ID)
			m.forget(e)
			e.killOnce.Do(func() { close(e.kill) })
		}
	}
}

// tick counts a syscall and delivers the timer interrupt when due.
func (m *Machine) tick() {
	if m.cfg.TimerInterval <= 0 {
		return
	}

	m.mu.Lock()
	m.calls++
	due := m.calls%m.cfg.TimerInterval == 0
	m.mu.Unlock()

	if due {
		m.K.Tick()
	}
}

func (m *Machine) syscall(num int, args ...uint32) int32 {
	var req syscalls.SyscallRequest

	regs := []*uint32{&req.R0, &req.R1, &req.R2, &req.R3, &req.R4, &req.R5}
	for i, a := range args {
		*regs[i] = a
	}

	return m.inv.InvokeSyscall(m.ctx, syscalls.SysArgs{Index: int32(num), Args: req})
}
