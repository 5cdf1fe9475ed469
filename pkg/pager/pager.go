// Package pager answers page faults for a block filesystem. It translates
// page offsets within a file or the raw device into device block addresses,
// moves the data, and keeps block allocation and page I/O from racing.
//
// There is one device pager per Manager, alive for the Manager's lifetime,
// and at most one file pager per node, created on the first GetFilemap and
// torn down when its memory object loses its last reference.
package pager

import (
	"fmt"

	"github.com/example/diskpager/pkg/fs"
	"github.com/example/diskpager/pkg/vm"
)

// Kind distinguishes the device pager from file pagers.
type Kind int

const (
	KindDevice Kind = iota
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Pager is the backing store for one memory object. It implements
// vm.PageOps.
type Pager struct {
	kind Kind
	id   uint64
	m    *Manager

	// node is nil for the device pager.
	node fs.Node

	obj *vm.Object
}

var _ vm.PageOps = (*Pager)(nil)

// Kind returns whether p backs the device or a file.
func (p *Pager) Kind() Kind { return p.kind }

// ID returns the pager's registry key.
func (p *Pager) ID() uint64 { return p.id }

// Node returns the file node, or nil for the device pager.
func (p *Pager) Node() fs.Node { return p.node }

// Object returns the memory object p backs.
func (p *Pager) Object() *vm.Object { return p.obj }

func (p *Pager) String() string {
	if p.kind == KindDevice {
		return "device"
	}
	return fmt.Sprintf("ino %d", p.node.Ino())
}
