package loader

import (
	"archive/tar"
	"io"
	"io/ioutil"
	"path"

	"github.com/pkg/errors"
)

// LoadTar loads every regular member of a tar bundle as an ELF program,
// keyed by the member's base name.
func (l *Loader) LoadTar(r io.Reader) (map[string]*Program, error) {
	progs := make(map[string]*Program)

	tr := tar.NewReader(r)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, errors.Wrap(err, "reading tar bundle")
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		data, err := ioutil.ReadAll(tr)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", hdr.Name)
		}

		prog, err := l.LoadBytes(data)
		if err != nil {
			return nil, errors.Wrapf(err, "loading %s", hdr.Name)
		}

		name := path.Base(hdr.Name)

		// Cached programs are shared; hand out a renamed copy.
		named := *prog
		named.Name = name

		progs[name] = &named

		l.L.Debug("loaded program", "name", name, "segments", len(prog.Segments))
	}

	return progs, nil
}
