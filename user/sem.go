package user

import (
	"github.com/pkg/errors"

	"github.com/evanphx/mosenv/syscalls"
)

// ErrWouldBlock is returned by SemTryWait when the count is not positive.
var ErrWouldBlock = errors.New("semaphore would block")

// Semaphores live in user memory, kernel.SemSize bytes each. The wrappers
// touch the word first so a copy-on-write page is privatised before the
// kernel sees it.

func (u *Env) SemInit(va uint32, value int32, shared bool) error {
	u.touch(va)

	var sh uint32
	if shared {
		sh = 1
	}

	return errOf(u.syscall(syscalls.SysSemInit, va, uint32(value), sh))
}

func (u *Env) SemDestroy(va uint32) error {
	u.touch(va)
	return errOf(u.syscall(syscalls.SysSemDestroy, va))
}

// SemWait takes the semaphore, sleeping until a post when the count is
// exhausted.
func (u *Env) SemWait(va uint32) error {
	u.touch(va)

	ret := u.syscall(syscalls.SysSemWait, va)
	if err := errOf(ret); err != nil {
		return err
	}

	if ret == 1 {
		u.Yield()
	}

	return nil
}

func (u *Env) SemTryWait(va uint32) error {
	u.touch(va)

	ret := u.syscall(syscalls.SysSemTrywait, va)
	if err := errOf(ret); err != nil {
		return err
	}

	if ret == 1 {
		return ErrWouldBlock
	}

	return nil
}

func (u *Env) SemPost(va uint32) error {
	u.touch(va)
	return errOf(u.syscall(syscalls.SysSemPost, va))
}

func (u *Env) SemGetValue(va uint32) (int32, error) {
	u.touch(va)

	out := u.scratch()
	u.touch(out)

	if err := errOf(u.syscall(syscalls.SysSemGetvalue, va, out)); err != nil {
		return 0, err
	}

	return int32(u.LoadWord(out)), nil
}
