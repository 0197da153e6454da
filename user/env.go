package user

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/mosenv/kernel"
	"github.com/evanphx/mosenv/memory"
)

// Env is the user side of one environment: the goroutine executing its
// text and the library calls it makes.
type Env struct {
	ID kernel.EnvID
	L  hclog.Logger

	m *Machine

	// stack top, used for scratch space by the library
	sp uint32

	resume   chan struct{}
	kill     chan struct{}
	killOnce sync.Once

	exiting bool
}

func newEnv(m *Machine, id kernel.EnvID) *Env {
	return &Env{
		ID:     id,
		L:      m.L.With("env", id),
		m:      m,
		resume: make(chan struct{}, 1),
		kill:   make(chan struct{}),
	}
}

func (u *Env) Machine() *Machine {
	return u.m
}

func (u *Env) start() {
	defer u.m.forget(u)

	defer func() {
		if r := recover(); r != nil {
			u.L.Error("user program panicked", "panic", r)
			u.m.K.Abort(u.ID, fmt.Sprint(r))
			u.sync()
		}
	}()

	info, err := u.m.K.Snapshot(u.ID)
	if err != nil {
		u.sync()
		return
	}

	fn, name, ok := u.m.Text.Lookup(info.TF.PC)
	if !ok {
		u.Fatalf("no text at pc %08x", info.TF.PC)
	}

	u.sp = info.TF.Regs[kernel.RegSP]

	u.L.Trace("env-start", "text", name, "sp", hclog.Fmt("%08x", u.sp))

	ret := fn(u, info.TF.Regs[kernel.RegA0], info.TF.Regs[kernel.RegA1], info.TF.Regs[kernel.RegA2])

	u.Exit(ret)
}

// alive reports whether the kernel could still run this environment.
func (u *Env) alive() bool {
	info, err := u.m.K.Snapshot(u.ID)
	if err != nil {
		return false
	}

	return !(info.Super != 0 && info.Dead)
}

// sync returns once this environment is the one the kernel is running,
// handing the CPU to whoever it picked in the meantime. It never returns
// to an environment that was freed.
func (u *Env) sync() {
	for {
		if u.m.stopped() {
			runtime.Goexit()
		}

		u.m.reap(u)

		cur := u.m.K.Current()
		if cur == u.ID {
			u.checkEnded()
			return
		}

		u.m.handoff(cur)
		u.park()
	}
}

// checkEnded runs the exit path of a process one of its threads ended.
func (u *Env) checkEnded() {
	if u.exiting {
		return
	}

	if self := u.Self(); self.Super == 0 && self.Dead {
		u.L.Debug("process ended by thread", "retval", self.RetVal)
		u.Exit(self.RetVal)
	}
}

func (u *Env) park() {
	if !u.alive() {
		runtime.Goexit()
	}

	select {
	case <-u.resume:
	case <-u.kill:
		runtime.Goexit()
	case <-u.m.stop:
		runtime.Goexit()
	}
}

// Fatalf reports a fatal user error. The whole process goes away and the
// call never returns.
func (u *Env) Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	u.L.Error("user panic", "msg", msg)
	u.m.K.Abort(u.ID, msg)

	u.sync()
	runtime.Goexit()
}

func (u *Env) enter(fn func(t *kernel.Task) error) error {
	err := u.m.K.Enter(fn)
	u.sync()
	return err
}

// access runs a user load or store, taking page faults through the
// registered handler until it succeeds.
func (u *Env) access(va uint32, buf []byte, write bool) {
	for {
		var up *kernel.Upcall

		err := u.enter(func(t *kernel.Task) error {
			var err error
			if write {
				up, err = t.Store(va, buf)
			} else {
				up, err = t.Load(va, buf)
			}
			return err
		})

		if err != nil {
			u.Fatalf("memory access at %08x: %s", va, err)
		}

		if up == nil {
			return
		}

		fn, _, ok := u.m.Text.Lookup(up.Entry)
		if !ok {
			u.Fatalf("page fault handler %08x is not text", up.Entry)
		}

		fn(u, up.Va, up.SP, 0)
	}
}

func (u *Env) Load(va uint32, buf []byte) {
	u.access(va, buf, false)
}

func (u *Env) Store(va uint32, data []byte) {
	u.access(va, data, true)
}

func (u *Env) LoadWord(va uint32) uint32 {
	var b [4]byte
	u.Load(va, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (u *Env) StoreWord(va, w uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	u.Store(va, b[:])
}

func (u *Env) LoadString(va uint32, n int) string {
	buf := make([]byte, n)
	u.Load(va, buf)

	for i, c := range buf {
		if c == 0 {
			return string(buf[:i])
		}
	}

	return string(buf)
}

// Vpd reads the page directory entry for pdx through the UVPT window.
func (u *Env) Vpd(pdx uint32) memory.PTE {
	return memory.PTE(u.LoadWord(memory.UVPT + memory.PDX(memory.UVPT)<<memory.PGShift + pdx*4))
}

// Vpt reads the page table entry for virtual page vpn.
func (u *Env) Vpt(vpn uint32) memory.PTE {
	return memory.PTE(u.LoadWord(memory.UVPT + vpn*4))
}

// Mapped reports the entry for va if it is mapped.
func (u *Env) Mapped(va uint32) (memory.PTE, bool) {
	if !u.Vpd(memory.PDX(va)).Valid() {
		return 0, false
	}

	pte := u.Vpt(memory.VPN(va))
	return pte, pte.Valid()
}

// touch makes sure the word at va is privately writable, resolving a
// copy-on-write mapping first.
func (u *Env) touch(va uint32) {
	u.StoreWord(va, u.LoadWord(va))
}

func (u *Env) scratch() uint32 {
	return u.sp - 256
}

// Self returns the kernel's read-only view of this environment.
func (u *Env) Self() kernel.EnvInfo {
	info, err := u.m.K.Snapshot(u.ID)
	if err != nil {
		u.Fatalf("reading own environment: %s", err)
	}

	return info
}

func (u *Env) Printf(format string, args ...interface{}) {
	for _, c := range []byte(fmt.Sprintf(format, args...)) {
		u.Putchar(c)
	}
}

func errOf(ret int32) error {
	if ret >= 0 {
		return nil
	}

	return errors.WithStack(kernel.Errno(-ret).Err())
}
