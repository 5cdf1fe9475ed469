// Package fuse exposes the filesystem's files through FUSE. File contents
// are read and written through the files' memory objects, so every access
// goes through the pager.
package fuse

import (
	"errors"
	"sync"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/sirupsen/logrus"

	pfs "github.com/example/diskpager/pkg/fs"
	"github.com/example/diskpager/pkg/fs/local"
	"github.com/example/diskpager/pkg/pager"
)

// rootInode is the inode number reported for the directory.
const rootInode = 1

// PagerFS implements the FUSE filesystem interface
type PagerFS struct {
	store   *local.Store
	manager *pager.Manager
	log     *logrus.Entry

	// files holds the one File per live node, so every handle on a node
	// shares its lock.
	filesMu sync.Mutex
	files   map[uint64]*File
}

// NewPagerFS creates a filesystem serving the files of store through manager
func NewPagerFS(store *local.Store, manager *pager.Manager, log *logrus.Entry) *PagerFS {
	if log == nil {
		log = logrus.WithField("component", "fuse")
	}
	return &PagerFS{store: store, manager: manager, log: log, files: make(map[uint64]*File)}
}

// file returns the File for node, creating it on first use.
func (pf *PagerFS) file(node *local.Node) *File {
	pf.filesMu.Lock()
	defer pf.filesMu.Unlock()
	if f, ok := pf.files[node.Ino()]; ok {
		return f
	}
	f := &File{fs: pf, node: node}
	pf.files[node.Ino()] = f
	return f
}

// forget drops f from the table unless it has already been replaced.
func (pf *PagerFS) forget(f *File) {
	pf.filesMu.Lock()
	defer pf.filesMu.Unlock()
	if pf.files[f.node.Ino()] == f {
		delete(pf.files, f.node.Ino())
	}
}

// Root returns the root directory of the filesystem
func (pf *PagerFS) Root() (fs.Node, error) {
	return &Dir{fs: pf}, nil
}

// toErrno maps an error to the errno FUSE returns to the kernel
func toErrno(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pfs.ErrNotExist):
		return fuse.ENOENT
	case errors.Is(err, pfs.ErrExist):
		return fuse.EEXIST
	case errors.Is(err, pfs.ErrPermission):
		return fuse.EPERM
	case errors.Is(err, pfs.ErrStale):
		return fuse.ESTALE
	case errors.Is(err, pfs.ErrNoSpace):
		return fuse.Errno(syscall.ENOSPC)
	case errors.Is(err, pfs.ErrNoMemory):
		return fuse.Errno(syscall.ENOMEM)
	case errors.Is(err, pfs.ErrInvalid), errors.Is(err, pfs.ErrForeignNode):
		return fuse.Errno(syscall.EINVAL)
	case errors.Is(err, pfs.ErrNotSupported):
		return fuse.ENOTSUP
	default:
		return fuse.EIO
	}
}
