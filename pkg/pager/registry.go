package pager

import (
	"sync"

	"github.com/google/btree"
)

// Registry holds every live file pager, ordered by pager ID.
type Registry struct {
	mu   sync.Mutex
	tree *btree.BTreeG[*Pager]
}

func newRegistry() *Registry {
	return &Registry{
		tree: btree.NewG(16, func(a, b *Pager) bool { return a.id < b.id }),
	}
}

func (r *Registry) insert(p *Pager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree.ReplaceOrInsert(p)
}

func (r *Registry) remove(p *Pager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree.Delete(p)
}

// Len returns the number of registered pagers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Len()
}

// snapshot returns the registered pagers, newest first, each holding a
// temporary reference on its memory object. Pagers whose objects are
// already terminating are skipped.
func (r *Registry) snapshot() []*Pager {
	r.mu.Lock()
	defer r.mu.Unlock()
	pagers := make([]*Pager, 0, r.tree.Len())
	r.tree.Descend(func(p *Pager) bool {
		if p.obj.Reference() {
			pagers = append(pagers, p)
		}
		return true
	})
	return pagers
}
