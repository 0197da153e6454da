package kernel

import (
	"github.com/pkg/errors"
)

func (t *Task) PutChar(c byte) error {
	return t.k.bus.Console.PutChar(c)
}

// GetChar returns the next console byte, 0 when none is pending.
func (t *Task) GetChar() byte {
	return t.k.bus.Console.GetChar()
}

// WriteDev copies n bytes from user memory at va to device address dev.
func (t *Task) WriteDev(va, dev uint32, n int) error {
	if err := t.k.bus.Check(dev, n); err != nil {
		return errors.Wrap(ErrInval, err.Error())
	}

	buf := make([]byte, n)
	if err := t.CopyIn(va, buf); err != nil {
		return err
	}

	return t.k.bus.Write(dev, buf)
}

func (t *Task) ReadDev(va, dev uint32, n int) error {
	if err := t.k.bus.Check(dev, n); err != nil {
		return errors.Wrap(ErrInval, err.Error())
	}

	if err := checkUser(va, n); err != nil {
		return err
	}

	buf := make([]byte, n)
	if err := t.k.bus.Read(dev, buf); err != nil {
		return err
	}

	return t.CopyOut(va, buf)
}
