package fs

import (
	"sync"
)

// Node is the in-memory allocation state of one file, as seen by the pager
// and the extent reporter. The node is owned by the filesystem; pagers only
// hold light references on it.
type Node interface {
	// Ino returns the node's inode number.
	Ino() uint64

	// AllocLock guards the block map and AllocSize. Readers are block map
	// lookups, writers are block map mutations.
	AllocLock() *sync.RWMutex

	// AllocSize returns the number of bytes backed by allocated blocks.
	// It is always a multiple of SectorSize. The caller must hold AllocLock.
	AllocSize() int64

	// StatBlocks returns the number of SectorSize units charged to the node.
	StatBlocks() uint64

	// Lock and Unlock serialize walks over the node's metadata.
	Lock()
	Unlock()

	// RefLight and UnrefLight take and drop a light reference, which keeps
	// the node in memory without pinning its contents.
	RefLight()
	UnrefLight()
}

// BlockAllocator translates logical file blocks to physical filesystem blocks.
type BlockAllocator interface {
	// GetBlock returns the filesystem block backing logical block index of
	// node. If no block is allocated and allocate is false it returns
	// ErrNotAllocated. When allocate is true the caller must hold the
	// node's AllocLock for writing; otherwise for reading.
	GetBlock(node Node, index uint64, allocate bool) (uint64, error)
}

// Device is the raw block device backing the filesystem. Addresses are in
// units of BlockSize.
type Device interface {
	// ReadBlocks fills p from the device starting at addr.
	ReadBlocks(addr uint64, p []byte) error

	// WriteBlocks writes p to the device starting at addr.
	WriteBlocks(addr uint64, p []byte) error

	// SyncRange flushes length bytes starting at addr. If wait is false the
	// flush may still be in progress when SyncRange returns.
	SyncRange(addr uint64, length int, wait bool) error

	// Sync flushes the whole device image.
	Sync(wait bool) error

	// Size returns the device size in bytes.
	Size() int64

	// BlockSize returns the device block (sector) size in bytes.
	BlockSize() int

	// Name identifies the device in logs and storage descriptors.
	Name() string
}

// Metadata writes node and superblock metadata back to the device.
type Metadata interface {
	// FlushSuperblock copies the in-memory superblock to its disk form.
	FlushSuperblock() error

	// FlushAllNodes writes every in-memory node's metadata to disk.
	FlushAllNodes() error

	// TakeDirtyIndirect returns and clears the filesystem blocks holding
	// indirect block pointers modified since the last call.
	TakeDirtyIndirect(node Node) []uint64

	// UpdateNode writes one node's metadata, waiting for the write when
	// wait is set.
	UpdateNode(node Node, wait bool) error
}
