package fuse

import (
	"context"
	"os"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
)

// Dir is the single flat directory holding every file
type Dir struct {
	fs *PagerFS
}

var (
	_ fs.NodeStringLookuper = (*Dir)(nil)
	_ fs.HandleReadDirAller = (*Dir)(nil)
	_ fs.NodeCreater        = (*Dir)(nil)
)

// Attr sets the attributes of the directory
func (d *Dir) Attr(ctx context.Context, attr *fuse.Attr) error {
	attr.Inode = rootInode
	attr.Mode = os.ModeDir | 0755
	return nil
}

// Lookup looks up a specific entry in the directory
func (d *Dir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	node, err := d.fs.store.Lookup(name)
	if err != nil {
		return nil, toErrno(err)
	}
	return d.fs.file(node), nil
}

// ReadDirAll returns all entries in the directory
func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	names := d.fs.store.Names()
	entries := make([]fuse.Dirent, 0, len(names))
	for _, name := range names {
		node, err := d.fs.store.Lookup(name)
		if err != nil {
			continue
		}
		entries = append(entries, fuse.Dirent{Inode: node.Ino(), Name: name, Type: fuse.DT_File})
	}
	return entries, nil
}

// Create makes an empty file and opens it
func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	node, err := d.fs.store.CreateNode(req.Name)
	if err != nil {
		return nil, nil, toErrno(err)
	}
	d.fs.log.WithField("name", req.Name).Debug("created file")

	f := d.fs.file(node)
	h, err := f.open()
	if err != nil {
		return nil, nil, err
	}
	return f, h, nil
}
