package device

import (
	"fmt"
	"sync"

	"github.com/example/diskpager/pkg/fs"
)

// Mem is a device held in memory. It counts syncs so callers can observe
// flush traffic.
type Mem struct {
	mu        sync.RWMutex
	data      []byte
	blockSize int
	name      string
	syncs     int
}

var _ fs.Device = (*Mem)(nil)

// NewMem returns a zeroed in-memory device of size bytes.
func NewMem(size int64, blockSize int) *Mem {
	if blockSize == 0 {
		blockSize = fs.SectorSize
	}
	return &Mem{
		data:      make([]byte, size),
		blockSize: blockSize,
		name:      fmt.Sprintf("mem:%d", size),
	}
}

func (m *Mem) span(addr uint64, length int) (int64, error) {
	if length%m.blockSize != 0 {
		return 0, fmt.Errorf("length %d is not a multiple of %d: %w", length, m.blockSize, fs.ErrInvalid)
	}
	off := int64(addr) * int64(m.blockSize)
	if off < 0 || off+int64(length) > int64(len(m.data)) {
		return 0, fmt.Errorf("blocks [%d, +%d) beyond device end: %w", addr, length/m.blockSize, fs.ErrInvalid)
	}
	return off, nil
}

// ReadBlocks implements fs.Device.ReadBlocks.
func (m *Mem) ReadBlocks(addr uint64, p []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	off, err := m.span(addr, len(p))
	if err != nil {
		return fs.NewError("read", m.name, err)
	}
	copy(p, m.data[off:])
	return nil
}

// WriteBlocks implements fs.Device.WriteBlocks.
func (m *Mem) WriteBlocks(addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, err := m.span(addr, len(p))
	if err != nil {
		return fs.NewError("write", m.name, err)
	}
	copy(m.data[off:], p)
	return nil
}

// SyncRange implements fs.Device.SyncRange.
func (m *Mem) SyncRange(addr uint64, length int, wait bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.span(addr, length); err != nil {
		return fs.NewError("sync", m.name, err)
	}
	m.syncs++
	return nil
}

// Sync implements fs.Device.Sync.
func (m *Mem) Sync(wait bool) error {
	m.mu.Lock()
	m.syncs++
	m.mu.Unlock()
	return nil
}

// Syncs returns the number of Sync and SyncRange calls so far.
func (m *Mem) Syncs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.syncs
}

// Size implements fs.Device.Size.
func (m *Mem) Size() int64 { return int64(len(m.data)) }

// BlockSize implements fs.Device.BlockSize.
func (m *Mem) BlockSize() int { return m.blockSize }

// Name implements fs.Device.Name.
func (m *Mem) Name() string { return m.name }
