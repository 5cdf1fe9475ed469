package fuse

import (
	"context"
	"sync"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/sirupsen/logrus"

	"github.com/example/diskpager/pkg/fs/local"
	"github.com/example/diskpager/pkg/vm"
)

// File represents a file in the filesystem
type File struct {
	fs   *PagerFS
	node *local.Node

	// mu serializes size changes.
	mu sync.Mutex
}

var (
	_ fs.NodeOpener    = (*File)(nil)
	_ fs.NodeFsyncer   = (*File)(nil)
	_ fs.NodeSetattrer = (*File)(nil)
	_ fs.NodeForgetter = (*File)(nil)
)

// Attr sets the attributes of the file
func (f *File) Attr(ctx context.Context, attr *fuse.Attr) error {
	attr.Inode = f.node.Ino()
	attr.Mode = 0644
	attr.Size = uint64(f.node.Size())
	attr.Blocks = f.node.StatBlocks()
	attr.BlockSize = uint32(f.fs.store.Geometry().FSBlockSize)
	return nil
}

// Open maps the file's memory object
func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	return f.open()
}

func (f *File) open() (*Handle, error) {
	right, err := f.fs.manager.GetFilemap(f.node)
	if err != nil {
		return nil, toErrno(err)
	}
	return &Handle{file: f, right: right}, nil
}

// Fsync writes the file's dirty pages and metadata to the device
func (f *File) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	return toErrno(f.fs.manager.FileUpdate(f.node, true))
}

// Forget is called once the kernel holds no more references to the file.
// The file's pager is torn down when its last send right goes.
func (f *File) Forget() {
	f.fs.forget(f)
	f.fs.manager.DropSoftRefs(f.node)
}

// Setattr supports growing the file. Shrinking is refused: blocks are
// never freed.
func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		f.mu.Lock()
		err := f.growTo(int64(req.Size))
		f.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return f.Attr(ctx, &resp.Attr)
}

// growTo backs the file up to size bytes and sets its size. f.mu must be held.
func (f *File) growTo(size int64) error {
	if size < f.node.Size() {
		return fuse.ENOTSUP
	}
	if err := f.fs.store.Grow(f.node, size); err != nil {
		return toErrno(err)
	}
	return toErrno(f.fs.store.SetSize(f.node, size))
}

// Handle is an open file. It holds a send right on the file's memory
// object until released.
type Handle struct {
	file  *File
	right *vm.SendRight
}

var (
	_ fs.HandleReader   = (*Handle)(nil)
	_ fs.HandleWriter   = (*Handle)(nil)
	_ fs.HandleReleaser = (*Handle)(nil)
)

// Read copies file contents out of the memory object
func (h *Handle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	size := h.file.node.Size()
	if req.Offset >= size {
		resp.Data = resp.Data[:0]
		return nil
	}
	n := min(int64(req.Size), size-req.Offset)
	buf := make([]byte, n)
	if _, err := h.right.Object().ReadAt(buf, req.Offset); err != nil {
		h.file.fs.log.WithFields(logrus.Fields{
			"ino":    h.file.node.Ino(),
			"offset": req.Offset,
		}).WithError(err).Warn("read failed")
		return toErrno(err)
	}
	resp.Data = buf
	return nil
}

// Write grows the file as needed, then copies data into the memory object
func (h *Handle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	f := h.file
	end := req.Offset + int64(len(req.Data))

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fs.store.Grow(f.node, end); err != nil {
		return toErrno(err)
	}
	n, err := h.right.Object().WriteAt(req.Data, req.Offset)
	resp.Size = n
	if err != nil {
		f.fs.log.WithFields(logrus.Fields{
			"ino":    f.node.Ino(),
			"offset": req.Offset,
		}).WithError(err).Warn("write failed")
		return toErrno(err)
	}
	return toErrno(f.fs.store.ExtendSize(f.node, end))
}

// Release drops the handle's send right
func (h *Handle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	h.right.Release()
	return nil
}
