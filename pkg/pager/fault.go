package pager

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/example/diskpager/pkg/fs"
)

// transferLen rounds valid up to whole device blocks.
func (p *Pager) transferLen(valid int) int {
	bs := p.m.geom.DevBlockSize
	return (valid + bs - 1) / bs * bs
}

// ReadPage implements vm.PageOps.ReadPage. Holes read as zero pages that
// must be unlocked before they are written.
func (p *Pager) ReadPage(offset int64) ([]byte, bool, error) {
	res, err := p.resolve("read_page", offset)
	if err != nil {
		return nil, false, err
	}
	defer res.release()

	buf := make([]byte, p.m.geom.PageSize)
	if !res.allocated {
		return buf, true, nil
	}
	if err := p.m.dev.ReadBlocks(res.addr, buf[:p.transferLen(res.valid)]); err != nil {
		return nil, false, err
	}
	clear(buf[res.valid:])
	return buf, false, nil
}

// WritePage implements vm.PageOps.WritePage. Only the valid part of the
// page is written.
func (p *Pager) WritePage(offset int64, buf []byte) error {
	res, err := p.resolve("write_page", offset)
	if err != nil {
		return err
	}
	defer res.release()

	if !res.allocated {
		p.m.inconsistency(logrus.Fields{"pager": p.String(), "offset": offset},
			"page-out to unallocated block")
		return nil
	}
	if len(buf) < res.valid {
		return fs.NewError("write_page", p.String(), fmt.Errorf("short page of %d bytes: %w", len(buf), fs.ErrInvalid))
	}
	return p.m.dev.WriteBlocks(res.addr, buf[:p.transferLen(res.valid)])
}

// UnlockPage implements vm.PageOps.UnlockPage. It allocates the block
// under a write-locked page so the page can be written back later. The
// block holding the end of the allocation is never unlocked here: extending
// it goes through the filesystem's grow path.
func (p *Pager) UnlockPage(offset int64) error {
	if p.kind == KindDevice {
		return nil
	}
	geom := p.m.geom
	lock := p.node.AllocLock()
	lock.Lock()
	defer lock.Unlock()

	allocSize := p.node.AllocSize()
	if offset < 0 || offset >= allocSize {
		return fs.NewError("unlock_page", p.String(), fs.ErrRange)
	}
	lastBlock := (allocSize - 1) >> geom.FSBlockShift() << geom.FSBlockShift()
	if offset+int64(geom.PageSize) > lastBlock {
		p.m.log.WithFields(logrus.Fields{
			"pager":      p.String(),
			"offset":     offset,
			"alloc_size": allocSize,
		}).Warn("refusing to unlock page in last allocated block")
		return fs.NewError("unlock_page", p.String(), fs.ErrLastBlock)
	}

	if _, err := p.allocate(uint64(offset >> geom.FSBlockShift())); err != nil {
		if errors.Is(err, fs.ErrCorrupt) {
			p.m.log.WithError(err).WithField("pager", p.String()).Error("block map corrupt during unlock")
		}
		return err
	}
	return nil
}

// allocate looks up or allocates a block, turning an allocator panic over a
// malformed block map into ErrCorrupt.
func (p *Pager) allocate(index uint64) (blk uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fs.NewError("unlock_page", p.String(), fmt.Errorf("allocator panic at block %d: %v: %w", index, r, fs.ErrCorrupt))
		}
	}()
	return p.m.alloc.GetBlock(p.node, index, true)
}

// ReportExtent implements vm.PageOps.ReportExtent.
func (p *Pager) ReportExtent() (int64, int64, error) {
	if p.kind == KindDevice {
		pageSize := int64(p.m.geom.PageSize)
		return 0, (p.m.dev.Size() + pageSize - 1) / pageSize * pageSize, nil
	}
	lock := p.node.AllocLock()
	lock.RLock()
	defer lock.RUnlock()
	return 0, p.node.AllocSize(), nil
}

// ClearUserData implements vm.PageOps.ClearUserData.
func (p *Pager) ClearUserData() {
	if p.kind == KindDevice {
		panic("pager: device pager memory object terminated")
	}
	p.m.teardown(p)
}
