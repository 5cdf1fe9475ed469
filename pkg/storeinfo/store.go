// Package storeinfo describes where a file's blocks live on the device, as
// a store descriptor a storage-aware client can use to reach the blocks
// directly.
package storeinfo

import (
	"fmt"

	"github.com/example/diskpager/pkg/fs"
)

// Class is the kind of backing a store descriptor refers to.
type Class int

const (
	ClassDevice Class = iota + 1
	ClassFile
	ClassMemory
)

func (c Class) String() string {
	switch c {
	case ClassDevice:
		return "device"
	case ClassFile:
		return "file"
	case ClassMemory:
		return "memory"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// ParseClass is the inverse of Class.String.
func ParseClass(s string) (Class, error) {
	for _, c := range []Class{ClassDevice, ClassFile, ClassMemory} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown store class %q: %w", s, fs.ErrInvalid)
}

// settable returns the flags SetFlags accepts for the class. A file store
// cannot be made inactive: its capability is the only way to reach it.
func (c Class) settable() Flags {
	switch c {
	case ClassDevice, ClassMemory:
		return FlagInactive | FlagReadonly
	default:
		return FlagReadonly
	}
}

// Flags qualify a store descriptor.
type Flags uint32

const (
	// FlagReadonly forbids writes through the store.
	FlagReadonly Flags = 1 << iota

	// FlagEnforced means the backing enforces the store's runs, so holding
	// the descriptor grants nothing beyond them.
	FlagEnforced

	// FlagInactive means the descriptor carries no usable capability; the
	// client must reopen the backing itself.
	FlagInactive
)

// Run is a range of device blocks. A Start of -1 is a hole.
type Run struct {
	Start  int64
	Length int64
}

// Hole is the Start of a run with no backing blocks.
const Hole = -1

// Store is a store descriptor.
type Store struct {
	Class     Class
	Flags     Flags
	BlockSize int
	Name      string

	// Port is the capability token for the backing; empty once inactive.
	Port string

	// Runs are in units of BlockSize.
	Runs []Run
}

// NewDeviceStore returns the canonical descriptor covering all of dev.
func NewDeviceStore(dev fs.Device, class Class) *Store {
	return &Store{
		Class:     class,
		BlockSize: dev.BlockSize(),
		Name:      dev.Name(),
		Port:      class.String() + ":" + dev.Name(),
		Runs:      []Run{{Start: 0, Length: dev.Size() / int64(dev.BlockSize())}},
	}
}

// Blocks returns the number of blocks the store covers, holes included.
func (s *Store) Blocks() int64 {
	var n int64
	for _, r := range s.Runs {
		n += r.Length
	}
	return n
}

// Size returns the store size in bytes.
func (s *Store) Size() int64 {
	return s.Blocks() * int64(s.BlockSize)
}

// Clone returns a deep copy of s.
func (s *Store) Clone() *Store {
	c := *s
	c.Runs = append([]Run(nil), s.Runs...)
	return &c
}

// Remap makes s cover runs, given as addresses within s. Holes stay
// holes; a run reaching past the end of s is an error.
func (s *Store) Remap(runs []Run) error {
	remapped := make([]Run, 0, len(runs))
	for _, r := range runs {
		if r.Start == Hole {
			remapped = append(remapped, r)
			continue
		}
		pieces, err := s.translate(r)
		if err != nil {
			return err
		}
		remapped = append(remapped, pieces...)
	}
	s.Runs = remapped
	return nil
}

// translate maps r through s's runs, splitting it where s is discontiguous.
func (s *Store) translate(r Run) ([]Run, error) {
	var pieces []Run
	start, left := r.Start, r.Length
	var base int64
	for _, br := range s.Runs {
		if left == 0 {
			break
		}
		if start >= base+br.Length {
			base += br.Length
			continue
		}
		within := start - base
		n := min(left, br.Length-within)
		piece := Run{Start: Hole, Length: n}
		if br.Start != Hole {
			piece.Start = br.Start + within
		}
		pieces = append(pieces, piece)
		start += n
		left -= n
		base += br.Length
	}
	if left > 0 {
		return nil, fs.NewError("remap", s.Name, fmt.Errorf("run %+v past end of store: %w", r, fs.ErrInvalid))
	}
	return pieces, nil
}

// SetFlags adds flags to s. It fails with ErrInvalid when the class cannot
// take one of them.
func (s *Store) SetFlags(flags Flags) error {
	if bad := flags &^ s.Class.settable(); bad != 0 {
		return fs.NewError("set_flags", s.Name, fmt.Errorf("%s store cannot take flags %#x: %w", s.Class, uint32(bad), fs.ErrInvalid))
	}
	s.Flags |= flags
	if flags&FlagInactive != 0 {
		s.Port = ""
	}
	return nil
}

// IsSecurelyReturnable reports whether s may be handed to a client that
// opened the file with open, without widening its access.
func (s *Store) IsSecurelyReturnable(open fs.OpenFlags) bool {
	switch {
	case s.Flags&FlagInactive != 0:
		return true
	case s.Flags&FlagEnforced != 0:
		return !open.Write || s.Flags&FlagReadonly == 0
	default:
		return false
	}
}
