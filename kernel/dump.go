package kernel

import (
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"

	"github.com/evanphx/mosenv/memory"
)

// Mapping is one user page of an address space.
type Mapping struct {
	Va   uint32
	PA   memory.PhysAddr
	Perm memory.PTE
	Ref  int
}

// Mappings lists the user pages of id in address order.
func (k *Kernel) Mappings(id EnvID) ([]Mapping, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, err := k.resolve(id, false)
	if err != nil {
		return nil, err
	}

	var out []Mapping

	e.VM.Range(func(va uint32, pte memory.PTE) bool {
		out = append(out, Mapping{
			Va:   va,
			PA:   pte.Addr(),
			Perm: pte.Perm(),
			Ref:  k.pool.Ref(pte.Addr()),
		})
		return true
	})

	return out, nil
}

// Dump writes every live environment and its mappings to w.
func (k *Kernel) Dump(w io.Writer) {
	k.mu.Lock()

	var live []*Env
	for i := range k.envs {
		if k.envs[i].Status != Free {
			live = append(live, &k.envs[i])
		}
	}

	infos := make([]EnvInfo, 0, len(live))
	for _, e := range live {
		infos = append(infos, e.info())
	}

	cur := EnvID(0)
	if k.cur != nil {
		cur = k.cur.ID
	}

	free := k.pool.FreePages()

	k.mu.Unlock()

	cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, SortKeys: true}

	fmt.Fprintf(w, "current=%s free-pages=%d\n", cur, free)

	for _, ei := range infos {
		cfg.Fdump(w, ei)

		maps, err := k.Mappings(ei.ID)
		if err != nil {
			continue
		}

		for _, m := range maps {
			fmt.Fprintf(w, "  %08x -> %08x perm=%03x ref=%d\n", m.Va, uint32(m.PA), uint32(m.Perm), m.Ref)
		}
	}
}
