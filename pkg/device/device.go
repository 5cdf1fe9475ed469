// Package device provides block devices backed by an image file or by memory.
package device

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/example/diskpager/pkg/fs"
)

// Options configures an image-backed device.
type Options struct {
	// BlockSize is the sector size in bytes.
	BlockSize int

	// ReadOnly opens the image without write access.
	ReadOnly bool

	Logger *logrus.Entry
}

// DefaultOptions returns 512 byte sectors, read-write.
func DefaultOptions() Options {
	return Options{BlockSize: fs.SectorSize}
}

// File is a block device stored in a regular file or a block special file.
type File struct {
	f         *os.File
	name      string
	size      int64
	blockSize int
	readOnly  bool
	log       *logrus.Entry

	// pending tracks background syncs started with wait=false.
	pending sync.WaitGroup
}

var _ fs.Device = (*File)(nil)

// Open opens an existing device image.
func Open(path string, opts Options) (*File, error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = fs.SectorSize
	}
	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fs.NewError("open", path, mapOSError(err))
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fs.NewError("open", path, mapOSError(err))
	}
	if fi.Size()%int64(opts.BlockSize) != 0 {
		f.Close()
		return nil, fs.NewError("open", path, fmt.Errorf("size %d is not a multiple of %d: %w", fi.Size(), opts.BlockSize, fs.ErrInvalid))
	}
	log := opts.Logger
	if log == nil {
		log = logrus.WithField("component", "device")
	}
	return &File{
		f:         f,
		name:      path,
		size:      fi.Size(),
		blockSize: opts.BlockSize,
		readOnly:  opts.ReadOnly,
		log:       log.WithField("device", path),
	}, nil
}

// Create makes a zero-filled image of size bytes and opens it.
func Create(path string, size int64, opts Options) (*File, error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = fs.SectorSize
	}
	if size <= 0 || size%int64(opts.BlockSize) != 0 {
		return nil, fs.NewError("create", path, fs.ErrInvalid)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fs.NewError("create", path, mapOSError(err))
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fs.NewError("create", path, mapOSError(err))
	}
	if err := f.Close(); err != nil {
		return nil, fs.NewError("create", path, mapOSError(err))
	}
	return Open(path, opts)
}

// ReadBlocks implements fs.Device.ReadBlocks. Bytes past the end of the
// image read as zero.
func (d *File) ReadBlocks(addr uint64, p []byte) error {
	off, err := d.offset(addr, len(p))
	if err != nil {
		return fs.NewError("read", d.name, err)
	}
	for done := 0; done < len(p); {
		n, err := unix.Pread(int(d.f.Fd()), p[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fs.NewError("read", d.name, mapOSError(err))
		}
		if n == 0 {
			clear(p[done:])
			break
		}
		done += n
	}
	return nil
}

// WriteBlocks implements fs.Device.WriteBlocks.
func (d *File) WriteBlocks(addr uint64, p []byte) error {
	if d.readOnly {
		return fs.NewError("write", d.name, fs.ErrPermission)
	}
	off, err := d.offset(addr, len(p))
	if err != nil {
		return fs.NewError("write", d.name, err)
	}
	if off+int64(len(p)) > d.size {
		return fs.NewError("write", d.name, fs.ErrNoSpace)
	}
	for done := 0; done < len(p); {
		n, err := unix.Pwrite(int(d.f.Fd()), p[done:], off+int64(done))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fs.NewError("write", d.name, mapOSError(err))
		}
		done += n
	}
	return nil
}

// SyncRange implements fs.Device.SyncRange.
func (d *File) SyncRange(addr uint64, length int, wait bool) error {
	off, err := d.offset(addr, length)
	if err != nil {
		return fs.NewError("sync", d.name, err)
	}
	flags := unix.SYNC_FILE_RANGE_WRITE
	if wait {
		flags |= unix.SYNC_FILE_RANGE_WAIT_BEFORE | unix.SYNC_FILE_RANGE_WAIT_AFTER
	}
	if err := unix.SyncFileRange(int(d.f.Fd()), off, int64(length), flags); err != nil {
		if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.ESPIPE) {
			return d.Sync(wait)
		}
		return fs.NewError("sync", d.name, mapOSError(err))
	}
	return nil
}

// Sync implements fs.Device.Sync. Without wait the flush runs in the
// background; Wait joins it.
func (d *File) Sync(wait bool) error {
	if d.readOnly {
		return nil
	}
	if wait {
		if err := unix.Fdatasync(int(d.f.Fd())); err != nil {
			return fs.NewError("sync", d.name, mapOSError(err))
		}
		return nil
	}
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		if err := unix.Fdatasync(int(d.f.Fd())); err != nil {
			d.log.WithError(err).Warn("background sync failed")
		}
	}()
	return nil
}

// Wait blocks until background syncs have finished.
func (d *File) Wait() {
	d.pending.Wait()
}

// Size implements fs.Device.Size.
func (d *File) Size() int64 { return d.size }

// BlockSize implements fs.Device.BlockSize.
func (d *File) BlockSize() int { return d.blockSize }

// Name implements fs.Device.Name.
func (d *File) Name() string { return d.name }

// Close waits for background syncs and closes the image.
func (d *File) Close() error {
	d.pending.Wait()
	return d.f.Close()
}

func (d *File) offset(addr uint64, length int) (int64, error) {
	if length%d.blockSize != 0 {
		return 0, fmt.Errorf("length %d is not a multiple of %d: %w", length, d.blockSize, fs.ErrInvalid)
	}
	off := int64(addr) * int64(d.blockSize)
	if off < 0 || off > d.size {
		return 0, fmt.Errorf("block %d beyond device end: %w", addr, fs.ErrInvalid)
	}
	return off, nil
}

// mapOSError maps os errors to fs errors
func mapOSError(err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fs.ErrNotExist
	case errors.Is(err, os.ErrPermission):
		return fs.ErrPermission
	case errors.Is(err, os.ErrExist):
		return fs.ErrExist
	case errors.Is(err, unix.ENOSPC):
		return fs.ErrNoSpace
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fs.ErrIO
	}
	return fmt.Errorf("%v: %w", err, fs.ErrIO)
}
