package device

import (
	"sync"
	"time"
)

const (
	rtcTrigger = 0x0000
	rtcSec     = 0x0010
	rtcUsec    = 0x0020
)

// RTC latches the clock on any write to the trigger register.
type RTC struct {
	mu    sync.Mutex
	clock func() time.Time

	sec  uint32
	usec uint32
}

func NewRTC(clock func() time.Time) *RTC {
	if clock == nil {
		clock = time.Now
	}

	return &RTC{clock: clock}
}

func (r *RTC) Size() uint32 {
	return RTCSize
}

func (r *RTC) ReadAt(p []byte, off uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range p {
		p[i] = 0
	}

	switch {
	case off >= rtcSec && off < rtcSec+4:
		readRegister(p, off-rtcSec, r.sec)
	case off >= rtcUsec && off < rtcUsec+4:
		readRegister(p, off-rtcUsec, r.usec)
	}

	return nil
}

func (r *RTC) WriteAt(p []byte, off uint32) error {
	if off != rtcTrigger {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	r.sec = uint32(now.Unix())
	r.usec = uint32(now.Nanosecond() / 1000)

	return nil
}
