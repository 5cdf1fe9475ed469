// pkg/fs/errors.go
package fs

import (
	"errors"
	"fmt"
)

// Common errors shared by the pager, the extent reporter and their collaborators.
var (
	ErrIO            = errors.New("input/output error")
	ErrInvalid       = errors.New("invalid argument")
	ErrPermission    = errors.New("permission denied")
	ErrNoMemory      = errors.New("out of memory")
	ErrNoSpace       = errors.New("no space left on device")
	ErrNotExist      = errors.New("node does not exist")
	ErrExist         = errors.New("node already exists")
	ErrInvalidHandle = errors.New("invalid node handle")
	ErrStale         = errors.New("stale node handle")
	ErrNotSupported  = errors.New("operation not supported")
	ErrShutdown      = errors.New("backing object is shut down")
	ErrCorrupt       = errors.New("block map is corrupt")

	// ErrNotAllocated is returned by a BlockAllocator lookup that was not
	// allowed to allocate and found no block.
	ErrNotAllocated = errors.New("block not allocated")

	// ErrForeignNode is returned for a node that belongs to another store.
	ErrForeignNode = errors.New("node belongs to another filesystem")

	// ErrRange and ErrLastBlock are both I/O failures as far as the
	// virtual-memory side is concerned.
	ErrRange     = fmt.Errorf("offset beyond allocated size: %w", ErrIO)
	ErrLastBlock = fmt.Errorf("unlock of last allocated block denied: %w", ErrIO)
)

// FSError represents a filesystem error with additional context.
type FSError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *FSError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *FSError) Unwrap() error {
	return e.Err
}

// NewError creates a new FSError.
func NewError(op, path string, err error) error {
	return &FSError{
		Op:   op,
		Path: path,
		Err:  err,
	}
}
