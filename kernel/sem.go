package kernel

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/evanphx/mosenv/memory"
)

// SemSize is the size of a user sem_t: the mirrored count followed by the
// handle the kernel wrote at init.
const SemSize = 8

const (
	semSlotSize = 16

	semShared  uint32 = 0x80000000
	semMaxPriv uint32 = 0x7fffffff
)

// Semaphore is a kernel counting semaphore. Waiters holds the blocked
// environments in arrival order; its length is -Count when Count < 0.
type Semaphore struct {
	Count   int32
	Waiters []*Env

	handle uint32
	shared bool

	// slot backs a shared record; pa is the sem_t a private record
	// belongs to.
	slot memory.PhysAddr
	pa   memory.PhysAddr
}

// semTable holds the records by the handle stored in each sem_t. Shared
// slots come from a kernel region that only grows, so their handles stay
// valid in every copy of the page.
type semTable struct {
	pool *memory.Pool
	sems map[uint32]*Semaphore
	next uint32

	region []memory.PhysAddr
	slots  int
	used   int

	freed []*Semaphore
}

func (st *semTable) init(pool *memory.Pool, slots int) {
	st.pool = pool
	st.slots = slots
	st.sems = make(map[uint32]*Semaphore)
}

func (st *semTable) allocSlot() (*Semaphore, error) {
	if st.used >= st.slots {
		return nil, errors.Wrap(ErrNoMem, "shared semaphore region exhausted")
	}

	perPage := memory.PageSize / semSlotSize
	pg := st.used / perPage

	if pg == len(st.region) {
		pa, err := st.pool.Alloc()
		if err != nil {
			return nil, err
		}

		st.pool.IncRef(pa)
		st.region = append(st.region, pa)
	}

	s := &Semaphore{
		handle: semShared | uint32(st.used),
		shared: true,
		slot:   st.region[pg] + memory.PhysAddr((st.used%perPage)*semSlotSize),
	}

	st.used++
	st.sems[s.handle] = s

	return s, nil
}

func (st *semTable) allocPrivate(loc memory.PhysAddr, count int32) (*Semaphore, error) {
	if st.next >= semMaxPriv {
		return nil, errors.Wrap(ErrNoMem, "private semaphore handles exhausted")
	}

	st.next++

	s := &Semaphore{Count: count, handle: st.next, pa: loc}
	st.sems[s.handle] = s

	return s, nil
}

// frameFreed drops the private records whose sem_t lived in a frame that
// was just released. Their waiters are collected for the kernel to wake.
func (st *semTable) frameFreed(pa memory.PhysAddr) {
	for h, s := range st.sems {
		if !s.shared && s.pa.Frame() == pa {
			delete(st.sems, h)
			if len(s.Waiters) > 0 {
				st.freed = append(st.freed, s)
			}
		}
	}
}

func (st *semTable) putWord(at memory.PhysAddr, v uint32) {
	off := memory.PageOffset(uint32(at))
	binary.LittleEndian.PutUint32(st.pool.Bytes(at.Frame())[off:], v)
}

func (st *semTable) word(at memory.PhysAddr) uint32 {
	off := memory.PageOffset(uint32(at))
	return binary.LittleEndian.Uint32(st.pool.Bytes(at.Frame())[off:])
}

// sync mirrors the count into the record's backing memory.
func (st *semTable) sync(s *Semaphore) {
	if s.shared {
		st.putWord(s.slot, uint32(s.Count))
	} else {
		st.putWord(s.pa, uint32(s.Count))
	}
}

// dequeue takes e off the semaphore it is blocked on, giving back the
// count it took.
func (st *semTable) dequeue(e *Env) {
	s := e.blockedOn
	if s == nil {
		return
	}

	for i, w := range s.Waiters {
		if w == e {
			s.Waiters = append(s.Waiters[:i], s.Waiters[i+1:]...)
			s.Count++
			st.sync(s)
			break
		}
	}

	e.blockedOn = nil
}

// semLoc resolves the sem_t at va to the physical address of its count
// word. The kernel writes through it, so it must not be copy-on-write.
func (k *Kernel) semLoc(e *Env, va uint32) (memory.PhysAddr, error) {
	if va >= memory.UTOP || va&3 != 0 || memory.PageOffset(va)+SemSize > memory.PageSize {
		return 0, errors.Wrapf(ErrInval, "semaphore va=%08x", va)
	}

	pa, pte, ok := e.VM.Lookup(va)
	if !ok {
		return 0, errors.Wrapf(ErrInval, "semaphore va=%08x not mapped", va)
	}

	if pte.Has(memory.PteCOW) {
		return 0, errors.Wrapf(ErrInval, "semaphore va=%08x is copy-on-write", va)
	}

	return pa | memory.PhysAddr(memory.PageOffset(va)), nil
}

// semLookup follows the handle in the sem_t at va. A private handle whose
// record belongs to another copy of the page, or whose page is gone, is
// carried over to a new record seeded from the mirrored count.
func (k *Kernel) semLookup(e *Env, va uint32) (*Semaphore, memory.PhysAddr, error) {
	loc, err := k.semLoc(e, va)
	if err != nil {
		return nil, 0, err
	}

	h := k.sems.word(loc + 4)

	if h&semShared != 0 {
		s, ok := k.sems.sems[h]
		if !ok {
			return nil, 0, errors.Wrapf(ErrInval, "semaphore va=%08x names no shared slot", va)
		}

		return s, loc, nil
	}

	if h == 0 || h > k.sems.next {
		return nil, 0, errors.Wrapf(ErrInval, "semaphore va=%08x not initialized", va)
	}

	if s, ok := k.sems.sems[h]; ok && s.pa == loc {
		return s, loc, nil
	}

	count := int32(k.sems.word(loc))
	if count < 0 {
		count = 0
	}

	s, err := k.sems.allocPrivate(loc, count)
	if err != nil {
		return nil, 0, err
	}

	k.sems.putWord(loc+4, s.handle)
	k.sems.sync(s)

	k.L.Trace("sem-rehome", "id", e.ID, "va", va, "from", h, "to", s.handle, "count", count)

	return s, loc, nil
}

// mirror updates the count in the sem_t the caller used. A private
// record's own memory is already current.
func (k *Kernel) mirror(s *Semaphore, loc memory.PhysAddr) {
	k.sems.sync(s)

	if s.shared {
		k.sems.putWord(loc, uint32(s.Count))
	}
}

func (k *Kernel) semWakeAll(s *Semaphore) {
	for _, w := range s.Waiters {
		w.blockedOn = nil
		k.setStatus(w, Runnable)
	}

	s.Waiters = nil
}

// reapSems wakes the waiters of records whose backing frame went away.
func (k *Kernel) reapSems() {
	for _, s := range k.sems.freed {
		k.semWakeAll(s)
	}

	k.sems.freed = nil
}

// SemInit writes a fresh semaphore into the sem_t at va. Initializing over
// a live semaphore wakes its waiters first; a shared slot is reset in place
// so every holder of the handle sees the new count.
func (t *Task) SemInit(va uint32, value int32, shared bool) error {
	if value < 0 {
		return errors.Wrapf(ErrInval, "semaphore value %d", value)
	}

	loc, err := t.k.semLoc(t.Env, va)
	if err != nil {
		return err
	}

	var s *Semaphore

	if old, ok := t.k.sems.sems[t.k.sems.word(loc+4)]; ok && (old.shared || old.pa == loc) {
		t.k.semWakeAll(old)

		switch {
		case old.shared && shared:
			s = old
		case !old.shared:
			delete(t.k.sems.sems, old.handle)
		}
	}

	if s == nil {
		if shared {
			s, err = t.k.sems.allocSlot()
		} else {
			s, err = t.k.sems.allocPrivate(loc, value)
		}

		if err != nil {
			return err
		}
	}

	s.Count = value

	t.k.sems.putWord(loc+4, s.handle)
	t.k.mirror(s, loc)

	t.k.L.Trace("sem-init", "id", t.ID, "va", va, "value", value, "shared", shared, "handle", s.handle)

	return nil
}

// SemDestroy zeroes the count and wakes every waiter.
func (t *Task) SemDestroy(va uint32) error {
	s, loc, err := t.k.semLookup(t.Env, va)
	if err != nil {
		return err
	}

	s.Count = 0
	t.k.semWakeAll(s)
	t.k.mirror(s, loc)

	return nil
}

// SemWait takes the semaphore, reporting whether the caller blocked. A
// blocked caller must yield; it resumes once a post hands it the count.
func (t *Task) SemWait(va uint32) (bool, error) {
	s, loc, err := t.k.semLookup(t.Env, va)
	if err != nil {
		return false, err
	}

	old := s.Count
	s.Count--
	t.k.mirror(s, loc)

	if old > 0 {
		return false, nil
	}

	s.Waiters = append(s.Waiters, t.Env)
	t.Env.blockedOn = s
	t.k.setStatus(t.Env, NotRunnable)

	t.k.L.Trace("sem-block", "id", t.ID, "va", va, "count", s.Count)

	return true, nil
}

func (t *Task) SemTryWait(va uint32) (bool, error) {
	s, loc, err := t.k.semLookup(t.Env, va)
	if err != nil {
		return false, err
	}

	if s.Count <= 0 {
		return false, nil
	}

	s.Count--
	t.k.mirror(s, loc)

	return true, nil
}

func (t *Task) SemPost(va uint32) error {
	s, loc, err := t.k.semLookup(t.Env, va)
	if err != nil {
		return err
	}

	old := s.Count
	s.Count++
	t.k.mirror(s, loc)

	if old < 0 && len(s.Waiters) > 0 {
		w := s.Waiters[0]
		s.Waiters = s.Waiters[1:]
		w.blockedOn = nil
		t.k.setStatus(w, Runnable)

		t.k.L.Trace("sem-wake", "id", w.ID, "va", va)
	}

	return nil
}

func (t *Task) SemGetValue(va, svalva uint32) error {
	s, _, err := t.k.semLookup(t.Env, va)
	if err != nil {
		return err
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(s.Count))

	return t.CopyOut(svalva, buf[:])
}
