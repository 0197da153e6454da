package device

import (
	"io"
	"io/ioutil"
	"sync"

	"golang.org/x/sys/unix"
)

// Console is the character device. A byte written at offset 0 is printed;
// reading offset 0 yields the next pending input byte or 0.
type Console struct {
	mu    sync.Mutex
	out   io.Writer
	input []byte
}

func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = ioutil.Discard
	}

	return &Console{out: out}
}

func (c *Console) Size() uint32 {
	return ConsoleSize
}

// Feed queues bytes for the reader side.
func (c *Console) Feed(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.input = append(c.input, b...)
}

func (c *Console) PutChar(b byte) error {
	_, err := c.out.Write([]byte{b})
	return err
}

func (c *Console) GetChar() byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.input) == 0 {
		return 0
	}

	b := c.input[0]
	c.input = c.input[1:]
	return b
}

func (c *Console) ReadAt(p []byte, off uint32) error {
	for i := range p {
		p[i] = 0
	}

	if off == 0 && len(p) > 0 {
		p[0] = c.GetChar()
	}

	return nil
}

func (c *Console) WriteAt(p []byte, off uint32) error {
	if off != 0 || len(p) == 0 {
		return nil
	}

	return c.PutChar(p[0])
}

// HostConsole writes console output straight to a host file descriptor.
type HostConsole struct {
	fd int
}

func NewHostConsole(fd int) *HostConsole {
	return &HostConsole{fd: fd}
}

func (h *HostConsole) Write(p []byte) (int, error) {
	total := 0

	for total < len(p) {
		n, err := unix.Write(h.fd, p[total:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return total, err
		}

		total += n
	}

	return total, nil
}
