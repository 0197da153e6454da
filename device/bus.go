package device

import (
	"github.com/pkg/errors"
)

const (
	ConsoleBase = 0x10000000
	ConsoleSize = 0x20

	DiskBase = 0x13000000
	DiskSize = 0x4200

	RTCBase = 0x15000000
	RTCSize = 0x200
)

var ErrInvalidAccess = errors.New("access outside of any device window")

// Device is a memory-mapped register window. Offsets are relative to the
// window base and the bus guarantees off+len(p) <= Size().
type Device interface {
	Size() uint32
	ReadAt(p []byte, off uint32) error
	WriteAt(p []byte, off uint32) error
}

type window struct {
	name string
	base uint32
	dev  Device
}

// Bus routes physical device addresses to the three device windows.
type Bus struct {
	Console *Console
	Disk    *Disk
	RTC     *RTC

	windows []window
}

// NewBus builds a bus. A nil console discards output and a nil disk has no
// drives attached.
func NewBus(console *Console, disk *Disk) *Bus {
	if console == nil {
		console = NewConsole(nil)
	}

	if disk == nil {
		disk = NewDisk()
	}

	rtc := NewRTC(nil)

	return &Bus{
		Console: console,
		Disk:    disk,
		RTC:     rtc,
		windows: []window{
			{"console", ConsoleBase, console},
			{"disk", DiskBase, disk},
			{"rtc", RTCBase, rtc},
		},
	}
}

func (b *Bus) find(pa uint32, sz int) (window, error) {
	for _, w := range b.windows {
		if pa < w.base {
			continue
		}

		off := uint64(pa - w.base)
		if off+uint64(sz) <= uint64(w.dev.Size()) {
			return w, nil
		}
	}

	return window{}, errors.Wrapf(ErrInvalidAccess, "pa=%08x len=%d", pa, sz)
}

// Check reports whether [pa, pa+sz) lies inside a single window.
func (b *Bus) Check(pa uint32, sz int) error {
	_, err := b.find(pa, sz)
	return err
}

func (b *Bus) Read(pa uint32, p []byte) error {
	w, err := b.find(pa, len(p))
	if err != nil {
		return err
	}

	return errors.Wrapf(w.dev.ReadAt(p, pa-w.base), "reading %s", w.name)
}

func (b *Bus) Write(pa uint32, p []byte) error {
	w, err := b.find(pa, len(p))
	if err != nil {
		return err
	}

	return errors.Wrapf(w.dev.WriteAt(p, pa-w.base), "writing %s", w.name)
}

// readRegister copies the little-endian image of a 32-bit register into p,
// honoring a read that starts inside the register.
func readRegister(p []byte, rel uint32, val uint32) {
	var word [4]byte
	word[0] = byte(val)
	word[1] = byte(val >> 8)
	word[2] = byte(val >> 16)
	word[3] = byte(val >> 24)

	if rel < 4 {
		copy(p, word[rel:])
	}
}

func writeRegister(cur uint32, p []byte, rel uint32) uint32 {
	var word [4]byte
	word[0] = byte(cur)
	word[1] = byte(cur >> 8)
	word[2] = byte(cur >> 16)
	word[3] = byte(cur >> 24)

	if rel < 4 {
		copy(word[rel:], p)
	}

	return uint32(word[0]) | uint32(word[1])<<8 | uint32(word[2])<<16 | uint32(word[3])<<24
}
