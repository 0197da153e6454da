package loader

import "github.com/pkg/errors"

var ErrNoSegments = errors.New("program has no loadable segments")

// Segment is one piece of a program image: MemSize bytes at Va, the first
// len(Data) of them initialized from the image and the rest zero.
type Segment struct {
	Va      uint32
	MemSize uint32
	Data    []byte
}

// Program is a parsed image ready to be streamed into an address space.
type Program struct {
	Name     string
	Entry    uint32
	Segments []Segment
}

func (p *Program) Size() uint32 {
	var sz uint32
	for _, s := range p.Segments {
		sz += s.MemSize
	}
	return sz
}
