package local

import (
	"sync"
	"sync/atomic"

	"github.com/example/diskpager/pkg/fs"
)

// Node is the in-memory form of one file.
type Node struct {
	store *Store
	ino   uint64
	gen   uint32
	name  string

	allocLock sync.RWMutex
	lock      sync.Mutex

	// Guarded by allocLock.
	blocks    []uint64          // logical block -> filesystem block, 0 is a hole
	indirect  map[uint64]uint64 // indirect group -> filesystem block of pointers
	allocSize int64

	statBlocks atomic.Uint64
	size       atomic.Int64
	lightRefs  atomic.Int32

	// metaDirty is set when the node's row needs rewriting.
	metaDirty atomic.Bool

	dirtyMu       sync.Mutex
	dirtyIndirect []uint64
}

var _ fs.Node = (*Node)(nil)

// Ino implements fs.Node.Ino.
func (n *Node) Ino() uint64 { return n.ino }

// Generation returns the node's generation number.
func (n *Node) Generation() uint32 { return n.gen }

// Name returns the node's name in the flat namespace.
func (n *Node) Name() string { return n.name }

// AllocLock implements fs.Node.AllocLock.
func (n *Node) AllocLock() *sync.RWMutex { return &n.allocLock }

// AllocSize implements fs.Node.AllocSize.
func (n *Node) AllocSize() int64 { return n.allocSize }

// StatBlocks implements fs.Node.StatBlocks.
func (n *Node) StatBlocks() uint64 { return n.statBlocks.Load() }

// Size returns the logical file size, which never exceeds AllocSize.
func (n *Node) Size() int64 { return n.size.Load() }

// Lock implements fs.Node.Lock.
func (n *Node) Lock() { n.lock.Lock() }

// Unlock implements fs.Node.Unlock.
func (n *Node) Unlock() { n.lock.Unlock() }

// RefLight implements fs.Node.RefLight.
func (n *Node) RefLight() { n.lightRefs.Add(1) }

// UnrefLight implements fs.Node.UnrefLight.
func (n *Node) UnrefLight() {
	if n.lightRefs.Add(-1) < 0 {
		panic("local: light reference count underflow")
	}
}

// LightRefs returns the number of outstanding light references.
func (n *Node) LightRefs() int { return int(n.lightRefs.Load()) }

func (n *Node) markIndirectDirty(blk uint64) {
	n.dirtyMu.Lock()
	defer n.dirtyMu.Unlock()
	for _, b := range n.dirtyIndirect {
		if b == blk {
			return
		}
	}
	n.dirtyIndirect = append(n.dirtyIndirect, blk)
}

func (n *Node) takeDirtyIndirect() []uint64 {
	n.dirtyMu.Lock()
	defer n.dirtyMu.Unlock()
	d := n.dirtyIndirect
	n.dirtyIndirect = nil
	return d
}
