package user

import (
	"github.com/pkg/errors"

	"github.com/evanphx/mosenv/device"
	"github.com/evanphx/mosenv/kernel"
)

const (
	ideOffset = device.DiskBase + 0x0000
	ideID     = device.DiskBase + 0x0010
	ideStart  = device.DiskBase + 0x0020
	ideStatus = device.DiskBase + 0x0030
	ideBuffer = device.DiskBase + 0x4000

	rtcTrigger = device.RTCBase + 0x0000
	rtcSec     = device.RTCBase + 0x0010
	rtcUsec    = device.RTCBase + 0x0020
)

// writeReg stores w to a device register through the scratch word.
func (u *Env) writeReg(dev, w uint32) error {
	va := u.scratch()
	u.StoreWord(va, w)
	return u.WriteDev(va, dev, 4)
}

func (u *Env) readReg(dev uint32) (uint32, error) {
	va := u.scratch()
	u.touch(va)

	if err := u.ReadDev(va, dev, 4); err != nil {
		return 0, err
	}

	return u.LoadWord(va), nil
}

func (u *Env) ideOp(diskno, secno uint32, op uint32) error {
	if err := u.writeReg(ideOffset, secno*device.SectorSize); err != nil {
		return err
	}

	if err := u.writeReg(ideID, diskno); err != nil {
		return err
	}

	if err := u.writeReg(ideStart, op); err != nil {
		return err
	}

	status, err := u.readReg(ideStatus)
	if err != nil {
		return err
	}

	if status == 0 {
		return errors.Wrapf(kernel.ErrUnspecified, "disk %d sector %d failed", diskno, secno)
	}

	return nil
}

// IdeRead reads nsecs sectors starting at secno into dst.
func (u *Env) IdeRead(diskno, secno, dst uint32, nsecs int) error {
	for i := 0; i < nsecs; i++ {
		if err := u.ideOp(diskno, secno+uint32(i), device.DiskOpRead); err != nil {
			return err
		}

		va := dst + uint32(i)*device.SectorSize
		u.touch(va &^ 3)
		u.touch((va + device.SectorSize - 1) &^ 3)

		if err := u.ReadDev(va, ideBuffer, device.SectorSize); err != nil {
			return err
		}
	}

	return nil
}

// IdeWrite writes nsecs sectors from src starting at secno.
func (u *Env) IdeWrite(diskno, secno, src uint32, nsecs int) error {
	for i := 0; i < nsecs; i++ {
		va := src + uint32(i)*device.SectorSize

		if err := u.WriteDev(va, ideBuffer, device.SectorSize); err != nil {
			return err
		}

		if err := u.ideOp(diskno, secno+uint32(i), device.DiskOpWrite); err != nil {
			return err
		}
	}

	return nil
}

// Time latches the real time clock and returns seconds and microseconds.
func (u *Env) Time() (uint32, uint32, error) {
	if err := u.writeReg(rtcTrigger, 0); err != nil {
		return 0, 0, err
	}

	sec, err := u.readReg(rtcSec)
	if err != nil {
		return 0, 0, err
	}

	usec, err := u.readReg(rtcUsec)
	if err != nil {
		return 0, 0, err
	}

	return sec, usec, nil
}
