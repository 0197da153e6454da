package memory

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNoMem          = errors.New("out of physical memory")
	ErrBadPhysAddress = errors.New("physical address outside the pool")
)

type page struct {
	ref  int32
	data []byte
}

// Pool is the physical page allocator. Every frame carries a reference
// count that the mapping primitives keep equal to the number of mappings
// pointing at it. Callers serialize access (the kernel lock).
type Pool struct {
	pages []page
	free  []uint32

	onFree []func(PhysAddr)
}

// NewPool creates a pool of npages frames. Fresh frames are handed out
// lowest address first; freed frames are reused most recent first.
func NewPool(npages int) *Pool {
	p := &Pool{
		pages: make([]page, npages),
		free:  make([]uint32, 0, npages),
	}

	for i := npages - 1; i >= 0; i-- {
		p.free = append(p.free, uint32(i))
	}

	return p
}

// OnFree registers a hook invoked whenever a frame's count drops to zero.
func (p *Pool) OnFree(fn func(PhysAddr)) {
	p.onFree = append(p.onFree, fn)
}

func (p *Pool) Pages() int {
	return len(p.pages)
}

func (p *Pool) FreePages() int {
	return len(p.free)
}

// Alloc returns a zeroed frame. Its reference count is not incremented;
// that happens when the frame is mapped.
func (p *Pool) Alloc() (PhysAddr, error) {
	if len(p.free) == 0 {
		return 0, ErrNoMem
	}

	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	pg := &p.pages[idx]
	if pg.data == nil {
		pg.data = make([]byte, PageSize)
	} else {
		for i := range pg.data {
			pg.data[i] = 0
		}
	}

	return PhysAddr(idx) << PGShift, nil
}

func (p *Pool) page(pa PhysAddr) *page {
	idx := uint32(pa) >> PGShift
	if int(idx) >= len(p.pages) {
		panic(errors.Wrapf(ErrBadPhysAddress, "pa=%x", uint32(pa)))
	}

	return &p.pages[idx]
}

func (p *Pool) Ref(pa PhysAddr) int {
	return int(p.page(pa).ref)
}

func (p *Pool) IncRef(pa PhysAddr) {
	pg := p.page(pa)
	pg.ref++
	if pg.ref <= 0 {
		panic(fmt.Sprintf("page %x: reference count overflow", uint32(pa)))
	}
}

// DecRef drops one reference and frees the frame when none are left. It
// reports whether the frame was freed.
func (p *Pool) DecRef(pa PhysAddr) bool {
	pg := p.page(pa)
	pg.ref--
	if pg.ref < 0 {
		panic(fmt.Sprintf("page %x: negative reference count", uint32(pa)))
	}

	if pg.ref > 0 {
		return false
	}

	p.free = append(p.free, uint32(pa)>>PGShift)

	for _, fn := range p.onFree {
		fn(pa.Frame())
	}

	return true
}

// Bytes is the kernel's direct view of a frame.
func (p *Pool) Bytes(pa PhysAddr) []byte {
	pg := p.page(pa)
	if pg.data == nil {
		pg.data = make([]byte, PageSize)
	}
	return pg.data
}

func (p *Pool) entry(table PhysAddr, idx uint32) PTE {
	return PTE(binary.LittleEndian.Uint32(p.Bytes(table)[idx*4:]))
}

func (p *Pool) setEntry(table PhysAddr, idx uint32, e PTE) {
	binary.LittleEndian.PutUint32(p.Bytes(table)[idx*4:], uint32(e))
}

// Frame rounds a physical address down to its frame.
func (pa PhysAddr) Frame() PhysAddr {
	return pa &^ (PageSize - 1)
}

// Release returns a frame obtained from Alloc that was never referenced.
func (p *Pool) Release(pa PhysAddr) {
	if p.page(pa).ref != 0 {
		return
	}

	p.free = append(p.free, uint32(pa)>>PGShift)
}
