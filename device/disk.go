package device

import (
	"io"
	"sync"

	"github.com/evanphx/mosenv/log"
)

const (
	SectorSize = 512

	diskOffset = 0x0000
	diskID     = 0x0010
	diskStart  = 0x0020
	diskStatus = 0x0030
	diskBuffer = 0x4000

	DiskOpRead  = 0
	DiskOpWrite = 1
)

// Backing is the storage behind one drive.
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

// Disk is the gxemul style IDE controller: program the byte offset and
// drive id, write the operation to the start register, then check status.
type Disk struct {
	mu     sync.Mutex
	drives []Backing

	offset uint32
	id     uint32
	status uint32
	buf    [SectorSize]byte
}

func NewDisk(drives ...Backing) *Disk {
	return &Disk{drives: drives}
}

func (d *Disk) Size() uint32 {
	return DiskSize
}

func (d *Disk) ReadAt(p []byte, off uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range p {
		p[i] = 0
	}

	switch {
	case off >= diskBuffer:
		copy(p, d.buf[off-diskBuffer:])
	case off >= diskStatus && off < diskStatus+4:
		readRegister(p, off-diskStatus, d.status)
	case off >= diskOffset && off < diskOffset+4:
		readRegister(p, off-diskOffset, d.offset)
	case off >= diskID && off < diskID+4:
		readRegister(p, off-diskID, d.id)
	}

	return nil
}

func (d *Disk) WriteAt(p []byte, off uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case off >= diskBuffer:
		copy(d.buf[off-diskBuffer:], p)
	case off >= diskOffset && off < diskOffset+4:
		d.offset = writeRegister(d.offset, p, off-diskOffset)
	case off >= diskID && off < diskID+4:
		d.id = writeRegister(d.id, p, off-diskID)
	case off == diskStart && len(p) > 0:
		d.start(p[0])
	}

	return nil
}

func (d *Disk) start(op byte) {
	d.status = 0

	if int(d.id) >= len(d.drives) || d.drives[d.id] == nil {
		log.L.Debug("disk-no-drive", "id", d.id)
		return
	}

	drive := d.drives[d.id]

	var err error

	switch op {
	case DiskOpRead:
		_, err = drive.ReadAt(d.buf[:], int64(d.offset))
		if err == io.EOF {
			err = nil
		}
	case DiskOpWrite:
		_, err = drive.WriteAt(d.buf[:], int64(d.offset))
	default:
		log.L.Debug("disk-bad-op", "op", op)
		return
	}

	if err != nil {
		log.L.Debug("disk-io-error", "id", d.id, "offset", d.offset, "error", err)
		return
	}

	d.status = 1
}
