package local

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/example/diskpager/pkg/fs"
)

// pointerSize is the on-disk width of a block pointer in an indirect block.
const pointerSize = 4

func (n *Node) path() string {
	return fmt.Sprintf("ino %d", n.ino)
}

func (s *Store) node(op string, node fs.Node) (*Node, error) {
	n, ok := node.(*Node)
	if !ok || n.store != s {
		return nil, fs.NewError(op, fmt.Sprintf("ino %d", node.Ino()), fs.ErrForeignNode)
	}
	return n, nil
}

// checkBlock rejects block pointers that cannot name a data block.
func (s *Store) checkBlock(blk uint64) error {
	if blk < s.firstData || blk >= s.nblocks {
		return fmt.Errorf("block %d outside [%d, %d): %w", blk, s.firstData, s.nblocks, fs.ErrCorrupt)
	}
	return nil
}

// GetBlock implements fs.BlockAllocator.GetBlock.
func (s *Store) GetBlock(node fs.Node, index uint64, allocate bool) (uint64, error) {
	n, err := s.node("get_block", node)
	if err != nil {
		return 0, err
	}
	if index < uint64(len(n.blocks)) {
		if blk := n.blocks[index]; blk != 0 {
			if err := s.checkBlock(blk); err != nil {
				return 0, fs.NewError("get_block", n.path(), err)
			}
			return blk, nil
		}
	}
	if !allocate {
		return 0, fs.NewError("get_block", n.path(), fs.ErrNotAllocated)
	}
	blk, err := s.allocate(n, index)
	if err != nil {
		return 0, fs.NewError("alloc_block", n.path(), err)
	}
	return blk, nil
}

// allocate backs logical block index of n with a new zeroed block. The
// caller holds n's alloc lock for writing.
func (s *Store) allocate(n *Node, index uint64) (uint64, error) {
	blk, err := s.allocBlock(s.goal(n, index))
	if err != nil {
		return 0, err
	}
	if err := s.dev.WriteBlocks(s.devAddr(blk), make([]byte, s.geom.FSBlockSize)); err != nil {
		s.freeBlock(blk)
		return 0, err
	}

	if index >= uint64(len(n.blocks)) {
		grown := make([]uint64, index+1)
		copy(grown, n.blocks)
		n.blocks = grown
	}
	n.blocks[index] = blk
	n.statBlocks.Add(1 << s.geom.StatPerFSBlockShift())
	n.metaDirty.Store(true)

	if index >= uint64(s.cfg.DirectBlocks) {
		if err := s.writeIndirect(n, index); err != nil {
			n.blocks[index] = 0
			n.statBlocks.Add(^uint64(1<<s.geom.StatPerFSBlockShift() - 1))
			s.freeBlock(blk)
			return 0, err
		}
	}
	return blk, nil
}

// goal picks the block after the one backing the previous logical block,
// so sequential writes lay out contiguously.
func (s *Store) goal(n *Node, index uint64) uint64 {
	for i := min(index, uint64(len(n.blocks))); i > 0; i-- {
		if prev := n.blocks[i-1]; prev != 0 {
			return prev + 1
		}
	}
	return s.firstData
}

func (s *Store) pointersPerBlock() uint64 {
	return uint64(s.geom.FSBlockSize / pointerSize)
}

// writeIndirect rewrites the indirect block covering logical block index,
// allocating it first if needed, and queues it for the next file sync.
func (s *Store) writeIndirect(n *Node, index uint64) error {
	ppb := s.pointersPerBlock()
	group := (index - uint64(s.cfg.DirectBlocks)) / ppb
	ind, ok := n.indirect[group]
	if !ok {
		var err error
		if ind, err = s.allocBlock(s.goal(n, index)); err != nil {
			return err
		}
		n.indirect[group] = ind
		n.statBlocks.Add(1 << s.geom.StatPerFSBlockShift())
	}

	buf := make([]byte, s.geom.FSBlockSize)
	first := uint64(s.cfg.DirectBlocks) + group*ppb
	for i := uint64(0); i < ppb; i++ {
		if first+i >= uint64(len(n.blocks)) {
			break
		}
		binary.LittleEndian.PutUint32(buf[i*pointerSize:], uint32(n.blocks[first+i]))
	}
	if err := s.dev.WriteBlocks(s.devAddr(ind), buf); err != nil {
		return err
	}
	n.markIndirectDirty(ind)
	return nil
}

func (s *Store) devAddr(blk uint64) uint64 {
	return blk << s.geom.DevPerFSBlockShift()
}

// allocBlock takes the first free block at or after goal, wrapping around.
func (s *Store) allocBlock(goal uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if goal < s.firstData || goal >= s.nblocks {
		goal = s.firstData
	}
	blk, ok := s.findFree(goal, s.nblocks)
	if !ok {
		blk, ok = s.findFree(s.firstData, goal)
	}
	if !ok {
		return 0, fs.ErrNoSpace
	}
	s.bitmap[blk/64] |= 1 << (blk % 64)
	s.sb.FreeBlocks--
	s.sbDirty = true
	return blk, nil
}

func (s *Store) findFree(from, to uint64) (uint64, bool) {
	for blk := from; blk < to; {
		word := s.bitmap[blk/64] | (1<<(blk%64) - 1)
		if word != ^uint64(0) {
			free := blk - blk%64 + uint64(bits.TrailingZeros64(^word))
			if free < to {
				return free, true
			}
			return 0, false
		}
		blk += 64 - blk%64
	}
	return 0, false
}

func (s *Store) freeBlock(blk uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bitmap[blk/64]&(1<<(blk%64)) != 0 {
		s.bitmap[blk/64] &^= 1 << (blk % 64)
		s.sb.FreeBlocks++
		s.sbDirty = true
	}
}

// rebuildBitmap recomputes the free map from the node table. Pointers that
// fail checkBlock are left out; GetBlock reports them.
func (s *Store) rebuildBitmap() {
	s.bitmap = make([]uint64, (s.nblocks+63)/64)
	used := uint64(0)
	mark := func(blk uint64) {
		if s.checkBlock(blk) != nil || s.bitmap[blk/64]&(1<<(blk%64)) != 0 {
			return
		}
		s.bitmap[blk/64] |= 1 << (blk % 64)
		used++
	}
	for blk := uint64(0); blk < s.firstData && blk < s.nblocks; blk++ {
		s.bitmap[blk/64] |= 1 << (blk % 64)
	}
	for _, n := range s.nodes {
		for _, blk := range n.blocks {
			if blk != 0 {
				mark(blk)
			}
		}
		for _, blk := range n.indirect {
			mark(blk)
		}
	}
	s.sb.FreeBlocks = s.nblocks - s.firstData - used
}

// Grow backs the node with blocks up to size bytes and raises AllocSize.
// This is the explicit grow path: blocks are allocated under the alloc lock
// before the pager ever sees the new range.
func (s *Store) Grow(n *Node, size int64) error {
	n.allocLock.Lock()
	defer n.allocLock.Unlock()
	if size <= n.allocSize {
		return nil
	}
	bs := int64(s.geom.FSBlockSize)
	for i := n.allocSize / bs; i < (size+bs-1)/bs; i++ {
		if _, err := s.GetBlock(n, uint64(i), true); err != nil {
			return fs.NewError("grow", n.name, err)
		}
	}
	n.allocSize = roundUp(size, fs.SectorSize)
	n.metaDirty.Store(true)
	return nil
}

// GrowSparse raises AllocSize without allocating blocks. The new range
// reads as holes until the pager unlocks it.
func (s *Store) GrowSparse(n *Node, size int64) {
	n.allocLock.Lock()
	defer n.allocLock.Unlock()
	if size > n.allocSize {
		n.allocSize = roundUp(size, fs.SectorSize)
		n.metaDirty.Store(true)
	}
}

// SetSize sets the node's logical size, which may not exceed AllocSize.
func (s *Store) SetSize(n *Node, size int64) error {
	n.allocLock.RLock()
	defer n.allocLock.RUnlock()
	if size < 0 || size > n.allocSize {
		return fs.NewError("set_size", n.name, fmt.Errorf("size %d beyond allocation %d: %w", size, n.allocSize, fs.ErrInvalid))
	}
	if n.size.Swap(size) != size {
		n.metaDirty.Store(true)
	}
	return nil
}

// ExtendSize raises the node's logical size to size if it is smaller. It
// never lowers the size, so writers extending the file concurrently keep
// the largest end.
func (s *Store) ExtendSize(n *Node, size int64) error {
	n.allocLock.RLock()
	defer n.allocLock.RUnlock()
	if size > n.allocSize {
		return fs.NewError("extend_size", n.name, fmt.Errorf("size %d beyond allocation %d: %w", size, n.allocSize, fs.ErrInvalid))
	}
	for {
		cur := n.size.Load()
		if size <= cur {
			return nil
		}
		if n.size.CompareAndSwap(cur, size) {
			n.metaDirty.Store(true)
			return nil
		}
	}
}

func roundUp(v, unit int64) int64 {
	return (v + unit - 1) / unit * unit
}
