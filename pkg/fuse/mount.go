package fuse

import (
	"context"
	"fmt"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
)

// MountOptions contains options for mounting the filesystem
type MountOptions struct {
	MountPoint string
	ReadOnly   bool
	AllowOther bool
	Debug      bool
}

// Mount mounts pf at the mount point and serves it until the filesystem is
// unmounted or ctx is done, in which case it unmounts.
func Mount(ctx context.Context, options MountOptions, pf *PagerFS) error {
	mountOpts := []fuse.MountOption{
		fuse.FSName("diskpager"),
		fuse.Subtype("diskpager"),
	}
	if options.ReadOnly {
		mountOpts = append(mountOpts, fuse.ReadOnly())
	}
	if options.AllowOther {
		mountOpts = append(mountOpts, fuse.AllowOther())
	}
	if options.Debug {
		fuse.Debug = func(msg interface{}) {
			pf.log.Debugf("FUSE: %v", msg)
		}
	}

	pf.log.WithField("mountpoint", options.MountPoint).Info("mounting FUSE filesystem")
	c, err := fuse.Mount(options.MountPoint, mountOpts...)
	if err != nil {
		return fmt.Errorf("failed to mount: %w", err)
	}
	defer c.Close()

	served := make(chan error, 1)
	go func() {
		served <- fs.Serve(c, pf)
	}()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	pf.log.Info("unmounting filesystem")
	if err := Unmount(options.MountPoint); err != nil {
		pf.log.WithError(err).Warn("failed to unmount cleanly")
		return err
	}
	return <-served
}

// Unmount unmounts the filesystem
func Unmount(mountPoint string) error {
	return fuse.Unmount(mountPoint)
}
