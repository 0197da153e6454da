package kernel

import (
	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/mosenv/device"
	"github.com/evanphx/mosenv/log"
)

const (
	LOG2NENV = 10
	NENV     = 1 << LOG2NENV

	// MaxThreads bounds the thread children of one process.
	MaxThreads = 8

	// ThreadIDStride separates the thread ids of different processes.
	ThreadIDStride = 16

	// InitialStatus is the CP0 status every new environment starts with.
	InitialStatus = 0x10001004
)

type Config struct {
	// Pages is the number of physical page frames.
	Pages int

	// SharedSemSlots is the capacity of the shared semaphore region.
	SharedSemSlots int

	// Priority is used by CreateEnv when no positive priority is given.
	Priority int

	// Bus holds the memory-mapped devices. A bus with a discarding console
	// is used when nil.
	Bus *device.Bus

	Logger hclog.Logger
}

func DefaultConfig() Config {
	return Config{
		Pages:          16384,
		SharedSemSlots: 1024,
		Priority:       1,
	}
}

func (c *Config) fill() {
	def := DefaultConfig()

	if c.Pages <= 0 {
		c.Pages = def.Pages
	}

	if c.SharedSemSlots <= 0 {
		c.SharedSemSlots = def.SharedSemSlots
	}

	if c.Priority <= 0 {
		c.Priority = def.Priority
	}

	if c.Bus == nil {
		c.Bus = device.NewBus(nil, nil)
	}

	if c.Logger == nil {
		c.Logger = log.L
	}
}
