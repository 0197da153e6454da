package memory

import (
	"fmt"

	"github.com/pkg/errors"
)

var ErrInvalidMemoryAccess = errors.New("invalid memory access via projection")

type FaultKind int

const (
	// FaultMiss is an access to an address with no valid mapping.
	FaultMiss FaultKind = iota + 1
	// FaultMod is a store to a mapping without PteR.
	FaultMod
	// FaultKernel is a user access above ULIM.
	FaultKernel
)

func (k FaultKind) String() string {
	switch k {
	case FaultMiss:
		return "tlb-miss"
	case FaultMod:
		return "tlb-mod"
	case FaultKernel:
		return "kernel-address"
	default:
		return "unknown"
	}
}

// Fault describes a failed user-mode translation.
type Fault struct {
	Va   uint32
	Kind FaultKind
	PTE  PTE
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s fault at va=%08x (pte=%08x)", f.Kind, f.Va, uint32(f.PTE))
}

// VirtualMemory is one address space: a page directory frame and the page
// tables hanging off it.
type VirtualMemory struct {
	pool *Pool
	Root PhysAddr
}

// NewVirtualMemory allocates an empty page directory. The directory frame
// holds one reference owned by the address space.
func NewVirtualMemory(pool *Pool) (*VirtualMemory, error) {
	root, err := pool.Alloc()
	if err != nil {
		return nil, errors.Wrap(err, "allocating page directory")
	}

	pool.IncRef(root)

	return &VirtualMemory{pool: pool, Root: root}, nil
}

// NewBootVirtualMemory builds the boot page directory: the kernel-owned
// UENVS and UPAGES windows mapped read-only and global.
func NewBootVirtualMemory(pool *Pool) (*VirtualMemory, error) {
	vm, err := NewVirtualMemory(pool)
	if err != nil {
		return nil, err
	}

	for _, va := range []uint32{UENVS, UPAGES} {
		pa, err := pool.Alloc()
		if err != nil {
			return nil, errors.Wrap(err, "allocating boot window")
		}

		if err := vm.Insert(pa, va, PteV|PteG); err != nil {
			return nil, err
		}
	}

	return vm, nil
}

func (vm *VirtualMemory) Pool() *Pool {
	return vm.pool
}

func (vm *VirtualMemory) PDE(pdx uint32) PTE {
	return vm.pool.entry(vm.Root, pdx)
}

// CopyKernel copies every directory entry at or above UTOP from boot and
// installs the self mappings at VPT and UVPT. The user region stays empty.
func (vm *VirtualMemory) CopyKernel(boot *VirtualMemory) {
	for pdx := PDX(UTOP); pdx < entriesPerTable; pdx++ {
		vm.pool.setEntry(vm.Root, pdx, boot.PDE(pdx))
	}

	vm.pool.setEntry(vm.Root, PDX(VPT), MakePTE(vm.Root, 0))
	vm.pool.setEntry(vm.Root, PDX(UVPT), MakePTE(vm.Root, PteV))
}

// walk finds the page table slot for va, creating the page table when asked.
func (vm *VirtualMemory) walk(va uint32, create bool) (PhysAddr, uint32, bool, error) {
	pde := vm.PDE(PDX(va))
	if !pde.Valid() {
		if !create {
			return 0, 0, false, nil
		}

		pt, err := vm.pool.Alloc()
		if err != nil {
			return 0, 0, false, errors.Wrapf(err, "allocating page table for va=%x", va)
		}

		vm.pool.IncRef(pt)
		pde = MakePTE(pt, PteV|PteR)
		vm.pool.setEntry(vm.Root, PDX(va), pde)
	}

	return pde.Addr(), PTX(va), true, nil
}

// Lookup returns the frame and entry mapped at va.
func (vm *VirtualMemory) Lookup(va uint32) (PhysAddr, PTE, bool) {
	table, idx, ok, _ := vm.walk(va, false)
	if !ok {
		return 0, 0, false
	}

	pte := vm.pool.entry(table, idx)
	if !pte.Valid() {
		return 0, 0, false
	}

	return pte.Addr(), pte, true
}

// Insert maps frame pa at va. Remapping the same frame only rewrites the
// permissions; a different frame is unmapped first.
func (vm *VirtualMemory) Insert(pa PhysAddr, va uint32, perm PTE) error {
	va = RoundDown(va)
	perm |= PteV

	if cur, _, ok := vm.Lookup(va); ok {
		if cur == pa.Frame() {
			table, idx, _, _ := vm.walk(va, false)
			vm.pool.setEntry(table, idx, MakePTE(cur, perm))
			return nil
		}

		vm.Remove(va)
	}

	table, idx, _, err := vm.walk(va, true)
	if err != nil {
		return err
	}

	vm.pool.IncRef(pa.Frame())
	vm.pool.setEntry(table, idx, MakePTE(pa.Frame(), perm))

	return nil
}

// Remove unmaps va, dropping the frame's reference. Unmapped addresses are
// ignored.
func (vm *VirtualMemory) Remove(va uint32) {
	table, idx, ok, _ := vm.walk(va, false)
	if !ok {
		return
	}

	pte := vm.pool.entry(table, idx)
	if !pte.Valid() {
		return
	}

	vm.pool.setEntry(table, idx, 0)
	vm.pool.DecRef(pte.Addr())
}

// Range calls fn for every valid user mapping below UTOP in address order
// until fn returns false.
func (vm *VirtualMemory) Range(fn func(va uint32, pte PTE) bool) {
	for pdx := uint32(0); pdx < PDX(UTOP); pdx++ {
		pde := vm.PDE(pdx)
		if !pde.Valid() {
			continue
		}

		for ptx := uint32(0); ptx < entriesPerTable; ptx++ {
			pte := vm.pool.entry(pde.Addr(), ptx)
			if !pte.Valid() {
				continue
			}

			if !fn(pdx<<PDShift|ptx<<PGShift, pte) {
				return
			}
		}
	}
}

// Teardown releases every user mapping, the page tables and finally the
// page directory itself. The address space is unusable afterwards.
func (vm *VirtualMemory) Teardown() {
	for pdx := uint32(0); pdx < PDX(UTOP); pdx++ {
		pde := vm.PDE(pdx)
		if !pde.Valid() {
			continue
		}

		for ptx := uint32(0); ptx < entriesPerTable; ptx++ {
			if vm.pool.entry(pde.Addr(), ptx).Valid() {
				vm.Remove(pdx<<PDShift | ptx<<PGShift)
			}
		}

		vm.pool.setEntry(vm.Root, pdx, 0)
		vm.pool.DecRef(pde.Addr())
	}

	root := vm.Root
	vm.Root = 0
	vm.pool.DecRef(root)
}

// Translate performs a user-mode access check the way the TLB refill and
// TLB-mod exceptions would.
func (vm *VirtualMemory) Translate(va uint32, write bool) (PhysAddr, error) {
	if va >= ULIM {
		return 0, &Fault{Va: va, Kind: FaultKernel}
	}

	pde := vm.PDE(PDX(va))
	if !pde.Valid() {
		return 0, &Fault{Va: va, Kind: FaultMiss}
	}

	pte := vm.pool.entry(pde.Addr(), PTX(va))

	// The UVPT window maps the directory as a page table; it is read-only
	// to user code whatever the directory entries say.
	if PDX(va) == PDX(UVPT) {
		pte &^= PteR
	}

	if !pte.Valid() {
		return 0, &Fault{Va: va, Kind: FaultMiss, PTE: pte}
	}

	if write && pte&PteR == 0 {
		return 0, &Fault{Va: va, Kind: FaultMod, PTE: pte}
	}

	return pte.Addr() | PhysAddr(PageOffset(va)), nil
}

// Project returns the kernel view of sz bytes at va. The range must not
// cross a page boundary. No permission checks are made.
func (vm *VirtualMemory) Project(va, sz uint32) ([]byte, error) {
	if PageOffset(va)+sz > PageSize {
		return nil, errors.Wrapf(ErrInvalidMemoryAccess, "error projecting address=%x, size=%x", va, sz)
	}

	pa, _, ok := vm.Lookup(va)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidMemoryAccess, "error projecting address=%x, size=%x", va, sz)
	}

	off := PageOffset(va)
	return vm.pool.Bytes(pa)[off : off+sz], nil
}
