package memory

// PhysAddr is a physical address. Page frames are PageSize aligned.
type PhysAddr uint32

// PTE is a page table (or page directory) entry: frame address in the high
// bits, permission bits in the low 12.
type PTE uint32

const (
	PGShift  = 12
	PDShift  = 22
	PageSize = 1 << PGShift
	PDMap    = 1 << PDShift

	entriesPerTable = PageSize / 4
)

// Permission bits. PteR is the MIPS dirty bit: a mapping without it is
// read-only and a store raises a TLB-mod fault.
const (
	PteCOW     PTE = 0x0001
	PteD       PTE = 0x0002
	PteLibrary PTE = 0x0004
	PteG       PTE = 0x0100
	PteV       PTE = 0x0200
	PteR       PTE = 0x0400
	PteUC      PTE = 0x0800

	PermMask PTE = 0xfff
)

// Virtual memory layout.
const (
	ULIM       uint32 = 0x80000000
	VPT        uint32 = ULIM + PDMap
	UVPT       uint32 = ULIM - PDMap
	UPAGES     uint32 = UVPT - PDMap
	UENVS      uint32 = UPAGES - PDMap
	UTOP       uint32 = UENVS
	UXSTACKTOP uint32 = UTOP
	USTACKTOP  uint32 = UTOP - 2*PageSize
	UTEXT      uint32 = 0x00400000
)

func PDX(va uint32) uint32 {
	return (va >> PDShift) & 0x3ff
}

func PTX(va uint32) uint32 {
	return (va >> PGShift) & 0x3ff
}

func VPN(va uint32) uint32 {
	return va >> PGShift
}

func PageOffset(va uint32) uint32 {
	return va & (PageSize - 1)
}

func RoundDown(va uint32) uint32 {
	return va &^ (PageSize - 1)
}

func RoundUp(va uint32) uint32 {
	return RoundDown(va + PageSize - 1)
}

// Addr returns the frame address held in the entry.
func (p PTE) Addr() PhysAddr {
	return PhysAddr(uint32(p) &^ uint32(PermMask))
}

func (p PTE) Perm() PTE {
	return p & PermMask
}

func (p PTE) Has(bits PTE) bool {
	return p&bits == bits
}

func (p PTE) Valid() bool {
	return p&PteV != 0
}

func MakePTE(pa PhysAddr, perm PTE) PTE {
	return PTE(uint32(pa)) | perm.Perm()
}
