package pager

import (
	"errors"

	"github.com/example/diskpager/pkg/fs"
)

// guard holds a node's alloc lock in reader mode until released. Release
// is idempotent, so callers can defer it and still release early.
type guard struct {
	unlock func()
}

func (g *guard) release() {
	if g != nil && g.unlock != nil {
		g.unlock()
		g.unlock = nil
	}
}

// resolution is where a page lives on the device.
type resolution struct {
	// addr is the device block address; meaningless unless allocated.
	addr      uint64
	allocated bool

	// valid is the number of bytes of the page backed by the store. The
	// rest of the page reads as zeros.
	valid int

	guard *guard
}

func (r *resolution) release() {
	r.guard.release()
}

// resolve translates a page offset to a device address. For file pagers
// the returned resolution holds the node's alloc lock in reader mode, which
// the caller must release once the transfer is done. An unallocated block
// is not an error: the resolution comes back with allocated unset.
func (p *Pager) resolve(op string, offset int64) (resolution, error) {
	geom := p.m.geom
	pageSize := int64(geom.PageSize)

	if p.kind == KindDevice {
		size := p.m.dev.Size()
		if offset < 0 || offset >= size {
			return resolution{}, fs.NewError(op, p.String(), fs.ErrRange)
		}
		valid := pageSize
		if offset+valid > size {
			valid = size - offset
		}
		return resolution{
			addr:      uint64(offset / int64(geom.DevBlockSize)),
			allocated: true,
			valid:     int(valid),
		}, nil
	}

	lock := p.node.AllocLock()
	lock.RLock()
	g := &guard{unlock: lock.RUnlock}

	allocSize := p.node.AllocSize()
	if offset < 0 || offset >= allocSize {
		g.release()
		return resolution{}, fs.NewError(op, p.String(), fs.ErrRange)
	}
	valid := pageSize
	if offset+valid > allocSize {
		valid = allocSize - offset
	}

	blk, err := p.m.alloc.GetBlock(p.node, uint64(offset>>geom.FSBlockShift()), false)
	if errors.Is(err, fs.ErrNotAllocated) {
		return resolution{valid: int(valid), guard: g}, nil
	}
	if err != nil {
		g.release()
		return resolution{}, err
	}
	return resolution{
		addr:      p.m.devAddr(blk, offset),
		allocated: true,
		valid:     int(valid),
		guard:     g,
	}, nil
}

// devAddr converts a filesystem block plus the offset's position within
// that block to a device block address.
func (m *Manager) devAddr(blk uint64, offset int64) uint64 {
	within := offset & int64(m.geom.FSBlockSize-1)
	return blk<<m.geom.DevPerFSBlockShift() + uint64(within/int64(m.geom.DevBlockSize))
}
