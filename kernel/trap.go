package kernel

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/evanphx/mosenv/memory"
)

const (
	RegV0 = 2
	RegA0 = 4
	RegA1 = 5
	RegA2 = 6
	RegA3 = 7
	RegSP = 29
	RegRA = 31

	TrapFrameSize = 156
)

// ErrUserFault is returned to an environment that was destroyed by a fatal
// fault while accessing its own memory.
var ErrUserFault = errors.New("fatal user fault")

type TrapFrame struct {
	Regs     [32]uint32
	Status   uint32
	Hi       uint32
	Lo       uint32
	BadVAddr uint32
	Cause    uint32
	EPC      uint32
	PC       uint32
}

func (tf *TrapFrame) Encode() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, tf)
	return buf.Bytes()
}

func DecodeTrapFrame(b []byte) (TrapFrame, error) {
	var tf TrapFrame

	if len(b) < TrapFrameSize {
		return tf, errors.Wrapf(ErrInval, "trap frame of %d bytes", len(b))
	}

	err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &tf)
	return tf, err
}

// CPU is the single processor: the register file that doubles as the trap
// save area, and the installed page directory and address space id.
type CPU struct {
	TF    TrapFrame
	PgDir memory.PhysAddr
	ASID  uint32
}

// Upcall tells the user side to run the page fault handler at Entry for
// the faulting address Va before retrying the access.
type Upcall struct {
	Entry uint32
	SP    uint32
	Va    uint32
}

// access performs a user-mode load or store for e.
func (k *Kernel) access(e *Env, va uint32, buf []byte, write bool) (*Upcall, error) {
	for done := 0; done < len(buf); {
		cva := va + uint32(done)

		n := int(memory.PageSize - memory.PageOffset(cva))
		if n > len(buf)-done {
			n = len(buf) - done
		}

		pa, err := e.VM.Translate(cva, write)
		if err != nil {
			return k.fault(e, err.(*memory.Fault))
		}

		page := k.pool.Bytes(pa.Frame())[memory.PageOffset(cva):]

		if write {
			copy(page, buf[done:done+n])
		} else {
			copy(buf[done:done+n], page)
		}

		done += n
	}

	return nil, nil
}

// fault handles a failed user translation. Store faults on read-only pages
// go to the environment's page fault handler; everything else kills the
// process.
func (k *Kernel) fault(e *Env, f *memory.Fault) (*Upcall, error) {
	if f.Kind != memory.FaultMod {
		return nil, k.abort(e, f.Error())
	}

	if e.PgfaultHandler == 0 || e.XStackTop == 0 {
		return nil, k.abort(e, "no page fault handler for "+f.Error())
	}

	sp := e.XStackTop
	if cur := k.cpu.TF.Regs[RegSP]; cur < e.XStackTop && cur >= e.XStackTop-memory.PageSize {
		sp = cur
	}

	if sp < TrapFrameSize {
		return nil, k.abort(e, "exception stack overflow")
	}

	sp -= TrapFrameSize

	tf := k.cpu.TF
	tf.BadVAddr = f.Va
	tf.EPC = tf.PC

	if err := k.copyOut(e, sp, tf.Encode()); err != nil {
		return nil, k.abort(e, "unusable exception stack: "+err.Error())
	}

	k.L.Trace("pgfault-upcall", "id", e.ID, "va", f.Va, "handler", e.PgfaultHandler)

	return &Upcall{Entry: e.PgfaultHandler, SP: sp, Va: f.Va}, nil
}

// abort destroys the process e belongs to after a fatal user error.
func (k *Kernel) abort(e *Env, reason string) error {
	k.L.Error("user-abort", "id", e.ID, "reason", reason)

	p := e
	if e.IsThread() {
		if s, err := k.resolve(e.Super, false); err == nil {
			p = s
		} else {
			e.Super = 0
		}
	}

	if err := k.destroy(p); err != nil && errors.Cause(err) != ErrHalted {
		return err
	}

	return errors.Wrapf(ErrUserFault, "env %s: %s", e.ID, reason)
}

func checkUser(va uint32, sz int) error {
	end := uint64(va) + uint64(sz)
	if end > uint64(memory.UTOP) {
		return errors.Wrapf(ErrInval, "va=%08x len=%d above UTOP", va, sz)
	}

	return nil
}

// copyIn reads user memory of e with kernel privileges.
func (k *Kernel) copyIn(e *Env, va uint32, buf []byte) error {
	if err := checkUser(va, len(buf)); err != nil {
		return err
	}

	for done := 0; done < len(buf); {
		cva := va + uint32(done)

		n := int(memory.PageSize - memory.PageOffset(cva))
		if n > len(buf)-done {
			n = len(buf) - done
		}

		b, err := e.VM.Project(cva, uint32(n))
		if err != nil {
			return errors.Wrapf(ErrInval, "va=%08x not mapped", cva)
		}

		copy(buf[done:], b)
		done += n
	}

	return nil
}

// copyOut writes user memory of e. Read-only and copy-on-write pages are
// refused.
func (k *Kernel) copyOut(e *Env, va uint32, data []byte) error {
	if err := checkUser(va, len(data)); err != nil {
		return err
	}

	for done := 0; done < len(data); {
		cva := va + uint32(done)

		n := int(memory.PageSize - memory.PageOffset(cva))
		if n > len(data)-done {
			n = len(data) - done
		}

		pa, err := e.VM.Translate(cva, true)
		if err != nil {
			return errors.Wrapf(ErrInval, "va=%08x: %s", cva, err)
		}

		copy(k.pool.Bytes(pa.Frame())[memory.PageOffset(cva):], data[done:done+n])
		done += n
	}

	return nil
}
