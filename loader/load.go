package loader

import (
	"bytes"
	"debug/elf"
	"encoding/base64"
	"io"
	"io/ioutil"
	"os"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/evanphx/mosenv/log"
)

type LoaderCache struct {
	mu sync.RWMutex

	cache *lru.ARCCache
}

func NewLoaderCache() *LoaderCache {
	cache, err := lru.NewARC(100)
	if err != nil {
		panic(err)
	}

	return &LoaderCache{cache: cache}
}

func (l *LoaderCache) Lookup(key string) (*Program, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	val, ok := l.cache.Get(key)
	if !ok {
		return nil, false
	}

	return val.(*Program), true
}

func (l *LoaderCache) Set(key string, p *Program) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache.Add(key, p)
}

func (l *LoaderCache) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.cache.Len()
}

func NewLoader(cache *LoaderCache) *Loader {
	return &Loader{
		L:     log.L.Named("loader"),
		cache: cache,
	}
}

// Loader turns ELF images into Programs. Programs handed out may be shared
// through the cache and must not be modified.
type Loader struct {
	L     hclog.Logger
	cache *LoaderCache
}

func (l *Loader) LoadFile(path string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	prog, err := l.Load(f)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}

	return prog, nil
}

func (l *Loader) Load(r io.Reader) (*Program, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}

	return l.LoadBytes(data)
}

func (l *Loader) LoadBytes(data []byte) (*Program, error) {
	var cacheKey string

	if l.cache != nil {
		sum := blake2b.Sum256(data)
		cacheKey = base64.URLEncoding.EncodeToString(sum[:])

		l.L.Trace("looking for cached program", "key", cacheKey)

		if prog, ok := l.cache.Lookup(cacheKey); ok {
			return prog, nil
		}
	}

	prog, err := parseELF(data)
	if err != nil {
		return nil, err
	}

	if l.cache != nil {
		l.L.Debug("cached program", "key", cacheKey, "entry", hclog.Fmt("%08x", prog.Entry))
		l.cache.Set(cacheKey, prog)
	}

	return prog, nil
}

func parseELF(data []byte) (*Program, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "parsing elf")
	}

	defer f.Close()

	prog := &Program{
		Entry: uint32(f.Entry),
	}

	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD || ph.Memsz == 0 {
			continue
		}

		if ph.Filesz > ph.Memsz {
			return nil, errors.Errorf("segment at %x: file size %d exceeds memory size %d", ph.Vaddr, ph.Filesz, ph.Memsz)
		}

		seg := Segment{
			Va:      uint32(ph.Vaddr),
			MemSize: uint32(ph.Memsz),
			Data:    make([]byte, ph.Filesz),
		}

		if _, err := io.ReadFull(ph.Open(), seg.Data); err != nil {
			return nil, errors.Wrapf(err, "reading segment at %x", ph.Vaddr)
		}

		prog.Segments = append(prog.Segments, seg)
	}

	if len(prog.Segments) == 0 {
		return nil, ErrNoSegments
	}

	return prog, nil
}
