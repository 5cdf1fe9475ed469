package fs

import (
	"fmt"
	"math/bits"
)

// SectorSize is the unit of AllocSize and of stat block counts.
const SectorSize = 512

// Geometry describes the three block sizes the pager translates between.
type Geometry struct {
	// PageSize is the virtual-memory page size.
	PageSize int

	// FSBlockSize is the filesystem allocation unit.
	FSBlockSize int

	// DevBlockSize is the device sector size.
	DevBlockSize int
}

// DefaultGeometry returns 4 KiB pages and blocks over 512 byte sectors.
func DefaultGeometry() Geometry {
	return Geometry{
		PageSize:     4096,
		FSBlockSize:  4096,
		DevBlockSize: SectorSize,
	}
}

// Validate checks that all sizes are powers of two and that a page never
// straddles two filesystem blocks.
func (g Geometry) Validate() error {
	for _, v := range []int{g.PageSize, g.FSBlockSize, g.DevBlockSize} {
		if v <= 0 || v&(v-1) != 0 {
			return fmt.Errorf("geometry %+v: sizes must be powers of two: %w", g, ErrInvalid)
		}
	}
	if g.FSBlockSize < g.PageSize {
		return fmt.Errorf("geometry %+v: block smaller than page: %w", g, ErrInvalid)
	}
	if g.PageSize < g.DevBlockSize {
		return fmt.Errorf("geometry %+v: page smaller than device block: %w", g, ErrInvalid)
	}
	return nil
}

// FSBlockShift is log2(FSBlockSize).
func (g Geometry) FSBlockShift() uint {
	return uint(bits.TrailingZeros(uint(g.FSBlockSize)))
}

// DevPerFSBlockShift is log2 of the number of device blocks per filesystem block.
func (g Geometry) DevPerFSBlockShift() uint {
	return uint(bits.TrailingZeros(uint(g.FSBlockSize / g.DevBlockSize)))
}

// StatPerFSBlockShift is log2 of the number of stat sectors per filesystem block.
func (g Geometry) StatPerFSBlockShift() uint {
	return uint(bits.TrailingZeros(uint(g.FSBlockSize / SectorSize)))
}

// Credentials represents the authentication information for a user.
type Credentials struct {
	// UID is the user ID
	UID uint32

	// GID is the primary group ID
	GID uint32

	// Groups is the list of supplementary group IDs
	Groups []uint32
}

// IsRoot reports whether the credentials carry uid 0.
func (c Credentials) IsRoot() bool {
	return c.UID == 0
}

// OpenFlags records how the node was opened by the caller.
type OpenFlags struct {
	Read  bool
	Write bool
}
