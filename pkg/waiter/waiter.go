package waiter

import (
	"sync"

	"github.com/evanphx/mosenv/log"
)

type EventType uint64

const (
	// EventHalted fires once when the kernel has nothing left to run.
	EventHalted EventType = 1 << iota

	// EventEnvFreed fires every time an environment slot is released.
	EventEnvFreed
)

type Waiter struct {
	mu sync.RWMutex

	waiters []*Event
}

type Event struct {
	Mask     EventType
	Context  interface{}
	Callback func(e *Event)
}

func (w *Waiter) Register(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.waiters = append(w.waiters, e)
}

func triggerChan(e *Event) {
	c := e.Context.(chan struct{})

	select {
	case c <- struct{}{}:
	default:
	}
}

// RegisterChannel arranges for c to receive a token whenever an event in
// mask is notified. Tokens are dropped while c is full.
func (w *Waiter) RegisterChannel(mask EventType, c chan struct{}) *Event {
	e := &Event{
		Callback: triggerChan,
		Context:  c,
		Mask:     mask,
	}

	w.Register(e)

	return e
}

func (w *Waiter) Unregister(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i, x := range w.waiters {
		if x == e {
			w.waiters = append(w.waiters[:i], w.waiters[i+1:]...)
			return
		}
	}
}

func (w *Waiter) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return len(w.waiters)
}

func (w *Waiter) Notify(mask EventType) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	log.L.Trace("waiters-notify", "count", len(w.waiters), "mask", mask)

	for _, e := range w.waiters {
		if mask&e.Mask != 0 {
			e.Callback(e)
		}
	}
}
