package user

import (
	"sync"

	"github.com/evanphx/mosenv/memory"
)

// Func is a piece of user text. The arguments arrive in a0..a2 and the
// return value goes out in v0.
type Func func(u *Env, a0, a1, a2 uint32) uint32

const textStride = 0x10

// Text maps program counters in the user text region to the Go functions
// standing in for the instructions found there.
type Text struct {
	mu    sync.Mutex
	next  uint32
	funcs map[uint32]Func
	names map[uint32]string
}

func NewText() *Text {
	return &Text{
		next:  memory.UTEXT,
		funcs: make(map[uint32]Func),
		names: make(map[uint32]string),
	}
}

// Register places fn in the text region and returns its entry point.
func (tx *Text) Register(name string, fn Func) uint32 {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	pc := tx.next
	tx.next += textStride

	tx.funcs[pc] = fn
	tx.names[pc] = name

	return pc
}

func (tx *Text) Lookup(pc uint32) (Func, string, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	fn, ok := tx.funcs[pc]
	return fn, tx.names[pc], ok
}
