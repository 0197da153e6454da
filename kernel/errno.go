package kernel

import (
	"github.com/pkg/errors"

	"github.com/evanphx/mosenv/memory"
)

// Errno is the positive error number a syscall returns negated.
type Errno int32

const (
	EUNSPECIFIED Errno = 1
	EBADENV      Errno = 2
	EINVAL       Errno = 3
	ENOMEM       Errno = 4
	ENOFREEENV   Errno = 5
	EIPCNOTRECV  Errno = 6
	ENODISK      Errno = 7
	EMAXOPEN     Errno = 8
)

var (
	ErrUnspecified = errors.New("unspecified error")
	ErrBadEnv      = errors.New("bad environment")
	ErrInval       = errors.New("invalid parameter")
	ErrNoMem       = memory.ErrNoMem
	ErrNoFreeEnv   = errors.New("no free environment")
	ErrIpcNotRecv  = errors.New("target is not receiving")
	ErrNoDisk      = errors.New("no free space on disk")
	ErrMaxOpen     = errors.New("too many open files")

	// ErrHalted is returned by every entry point once the kernel stopped.
	ErrHalted = errors.New("kernel halted")
)

var errnos = map[error]Errno{
	ErrUnspecified: EUNSPECIFIED,
	ErrBadEnv:      EBADENV,
	ErrInval:       EINVAL,
	ErrNoMem:       ENOMEM,
	ErrNoFreeEnv:   ENOFREEENV,
	ErrIpcNotRecv:  EIPCNOTRECV,
	ErrNoDisk:      ENODISK,
	ErrMaxOpen:     EMAXOPEN,
}

// ErrnoOf maps an error returned by the kernel to its syscall error number.
// Errors outside the taxonomy map to EUNSPECIFIED.
func ErrnoOf(err error) Errno {
	if err == nil {
		return 0
	}

	if e, ok := errnos[errors.Cause(err)]; ok {
		return e
	}

	if en, ok := errors.Cause(err).(Errno); ok {
		return en
	}

	return EUNSPECIFIED
}

// Err converts an error number back into the sentinel error.
func (e Errno) Err() error {
	if e < 0 {
		e = -e
	}

	for err, en := range errnos {
		if en == e {
			return err
		}
	}

	return ErrUnspecified
}

func (e Errno) Error() string {
	return e.Err().Error()
}
