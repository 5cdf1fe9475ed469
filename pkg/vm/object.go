// Package vm implements memory objects: page caches that fault pages in and
// out of a backing store through a set of pager callbacks.
//
// An Object stands in for the virtual-memory subsystem's view of one backing
// store. It keeps resident pages, tracks which of them are dirty or still
// write-locked, and counts references. When the last reference goes away and
// the object may not be cached, its dirty pages are written back and the
// pager is told through ClearUserData that the object is gone.
package vm

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/example/diskpager/pkg/fs"
)

// ErrTerminated is returned for operations on an object that has lost its
// last reference.
var ErrTerminated = errors.New("memory object terminated")

// PageOps are the callbacks an Object makes into its pager.
type PageOps interface {
	// ReadPage returns a page-sized buffer with the contents at off. If
	// writeLocked is set the page must be unlocked before it is modified.
	ReadPage(off int64) (buf []byte, writeLocked bool, err error)

	// WritePage writes a dirty page back. The pager owns buf once called.
	WritePage(off int64, buf []byte) error

	// UnlockPage asks that the page at off become writable.
	UnlockPage(off int64) error

	// ReportExtent returns the byte range the object covers.
	ReportExtent() (base, size int64, err error)

	// ClearUserData reports that the object is gone. The pager must not
	// use the object afterwards.
	ClearUserData()
}

// CopyStrategy selects how the virtual-memory side treats copies of the object.
type CopyStrategy int

const (
	// CopyNone never makes copies; used for the raw device.
	CopyNone CopyStrategy = iota

	// CopyDelay defers copies until a write; the usual strategy for files.
	CopyDelay

	// CopyCall asks the pager for every copy.
	CopyCall
)

func (c CopyStrategy) String() string {
	switch c {
	case CopyNone:
		return "none"
	case CopyDelay:
		return "delay"
	case CopyCall:
		return "call"
	default:
		return fmt.Sprintf("CopyStrategy(%d)", int(c))
	}
}

// ObjectConfig configures a new Object.
type ObjectConfig struct {
	PageSize int

	// MayCache keeps the object alive with no references (a soft reference).
	MayCache bool

	Copy CopyStrategy

	// Name labels the object in logs.
	Name string

	Logger *logrus.Entry
}

type objectState int

const (
	stateActive objectState = iota
	stateShutdown
	stateTerminating
	stateTerminated
)

type page struct {
	data        []byte
	writeLocked bool
	dirty       bool
}

// Object is a memory object backed by a pager.
type Object struct {
	ops      PageOps
	pageSize int64
	name     string
	log      *logrus.Entry

	// mu guards the fields below. It is never held across pager callbacks.
	mu       sync.Mutex
	refs     int
	mayCache bool
	copy     CopyStrategy
	state    objectState

	// io serializes page faults and write-back and guards pages.
	io    sync.Mutex
	pages map[int64]*page

	// pending tracks background syncs.
	pending sync.WaitGroup

	// done is closed once ClearUserData has returned.
	done chan struct{}
}

// NewObject creates an object with no references.
func NewObject(ops PageOps, cfg ObjectConfig) *Object {
	log := cfg.Logger
	if log == nil {
		log = logrus.WithField("component", "vm")
	}
	return &Object{
		ops:      ops,
		pageSize: int64(cfg.PageSize),
		name:     cfg.Name,
		log:      log.WithField("object", cfg.Name),
		mayCache: cfg.MayCache,
		copy:     cfg.Copy,
		pages:    make(map[int64]*page),
		done:     make(chan struct{}),
	}
}

// Name returns the label given at creation.
func (o *Object) Name() string { return o.name }

// PageSize returns the object's page size.
func (o *Object) PageSize() int { return int(o.pageSize) }

// Done is closed when the object has terminated and its pager has been told.
func (o *Object) Done() <-chan struct{} { return o.done }

// MakeSendRight mints a new send right, which holds one reference.
func (o *Object) MakeSendRight() (*SendRight, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case stateShutdown:
		return nil, fs.NewError("make_send_right", o.name, fs.ErrShutdown)
	case stateTerminating, stateTerminated:
		return nil, fs.NewError("make_send_right", o.name, ErrTerminated)
	}
	o.refs++
	return newSendRight(o), nil
}

// Reference takes a temporary reference. It fails once the object has
// started terminating.
func (o *Object) Reference() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == stateTerminating || o.state == stateTerminated {
		return false
	}
	o.refs++
	return true
}

// Unreference drops a reference. Dropping the last reference of an object
// that may not be cached terminates it.
func (o *Object) Unreference() {
	o.mu.Lock()
	o.refs--
	if o.refs < 0 {
		o.mu.Unlock()
		panic(fmt.Sprintf("vm: object %s: reference count underflow", o.name))
	}
	terminate := o.startTerminateLocked()
	o.mu.Unlock()
	if terminate {
		o.terminate()
	}
}

// ChangeAttributes updates the caching policy. Disallowing caching on an
// unreferenced object terminates it.
func (o *Object) ChangeAttributes(mayCache bool, copy CopyStrategy) {
	o.mu.Lock()
	o.mayCache = mayCache
	o.copy = copy
	terminate := o.startTerminateLocked()
	o.mu.Unlock()
	if terminate {
		o.terminate()
	}
}

// Attributes returns the current caching policy.
func (o *Object) Attributes() (mayCache bool, copy CopyStrategy) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mayCache, o.copy
}

// startTerminateLocked moves an unreferenced, uncached object to the
// terminating state. o.mu must be held.
func (o *Object) startTerminateLocked() bool {
	if o.refs != 0 || o.mayCache {
		return false
	}
	if o.state == stateTerminating || o.state == stateTerminated {
		return false
	}
	o.state = stateTerminating
	return true
}

func (o *Object) terminate() {
	o.pending.Wait()
	if err := o.flush(); err != nil {
		o.log.WithError(err).Warn("write-back during termination failed")
	}

	o.io.Lock()
	o.pages = nil
	o.io.Unlock()

	o.mu.Lock()
	o.state = stateTerminated
	o.mu.Unlock()

	o.log.Debug("memory object terminated")
	o.ops.ClearUserData()
	close(o.done)
}

func (o *Object) checkUsable(op string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case stateShutdown:
		return fs.NewError(op, o.name, fs.ErrShutdown)
	case stateTerminated:
		return fs.NewError(op, o.name, ErrTerminated)
	}
	return nil
}

// fault returns the resident page at index, paging it in if needed.
// o.io must be held.
func (o *Object) fault(index int64) (*page, error) {
	if o.pages == nil {
		return nil, fs.NewError("fault", o.name, ErrTerminated)
	}
	if pg, ok := o.pages[index]; ok {
		return pg, nil
	}
	data, writeLocked, err := o.ops.ReadPage(index * o.pageSize)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != o.pageSize {
		return nil, fs.NewError("fault", o.name, fmt.Errorf("pager returned %d bytes: %w", len(data), fs.ErrIO))
	}
	pg := &page{data: data, writeLocked: writeLocked}
	o.pages[index] = pg
	return pg, nil
}

// ReadAt copies len(p) bytes starting at off out of the object.
func (o *Object) ReadAt(p []byte, off int64) (int, error) {
	if err := o.checkUsable("read"); err != nil {
		return 0, err
	}
	o.io.Lock()
	defer o.io.Unlock()

	n := 0
	for n < len(p) {
		cur := off + int64(n)
		pg, err := o.fault(cur / o.pageSize)
		if err != nil {
			return n, err
		}
		n += copy(p[n:], pg.data[cur%o.pageSize:])
	}
	return n, nil
}

// WriteAt copies p into the object at off, unlocking write-locked pages
// first. The data reaches the pager on the next Sync.
func (o *Object) WriteAt(p []byte, off int64) (int, error) {
	if err := o.checkUsable("write"); err != nil {
		return 0, err
	}
	o.io.Lock()
	defer o.io.Unlock()

	n := 0
	for n < len(p) {
		cur := off + int64(n)
		index := cur / o.pageSize
		pg, err := o.fault(index)
		if err != nil {
			return n, err
		}
		if pg.writeLocked {
			if err := o.ops.UnlockPage(index * o.pageSize); err != nil {
				return n, err
			}
			pg.writeLocked = false
		}
		n += copy(pg.data[cur%o.pageSize:], p[n:])
		pg.dirty = true
	}
	return n, nil
}

// flush writes every dirty page back and returns the first failure.
func (o *Object) flush() error {
	o.io.Lock()
	defer o.io.Unlock()

	indexes := make([]int64, 0, len(o.pages))
	for index, pg := range o.pages {
		if pg.dirty {
			indexes = append(indexes, index)
		}
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	var first error
	for _, index := range indexes {
		pg := o.pages[index]
		if err := o.ops.WritePage(index*o.pageSize, pg.data); err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		pg.dirty = false
	}
	return first
}

// Sync writes dirty pages back. With wait unset the write-back runs in the
// background and Sync returns at once; Wait joins it.
func (o *Object) Sync(wait bool) error {
	if wait {
		return o.flush()
	}
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		if err := o.flush(); err != nil {
			o.log.WithError(err).Warn("background sync failed")
		}
	}()
	return nil
}

// Wait blocks until background syncs have finished.
func (o *Object) Wait() {
	o.pending.Wait()
}

// Shutdown writes dirty pages back and refuses any further faults or send
// rights. It cannot be undone.
func (o *Object) Shutdown() error {
	o.pending.Wait()
	err := o.flush()
	o.mu.Lock()
	if o.state == stateActive {
		o.state = stateShutdown
	}
	o.mu.Unlock()
	return err
}

// Extent returns the byte range covered by the object.
func (o *Object) Extent() (base, size int64, err error) {
	return o.ops.ReportExtent()
}

// Stats describes an object's page cache and references.
type Stats struct {
	Resident    int
	Dirty       int
	WriteLocked int
	Refs        int
	MayCache    bool
	Copy        CopyStrategy
	Terminated  bool
	Shutdown    bool
}

// Stats returns a snapshot of the object's state.
func (o *Object) Stats() Stats {
	o.mu.Lock()
	st := Stats{
		Refs:       o.refs,
		MayCache:   o.mayCache,
		Copy:       o.copy,
		Terminated: o.state == stateTerminated,
		Shutdown:   o.state == stateShutdown,
	}
	o.mu.Unlock()

	o.io.Lock()
	defer o.io.Unlock()
	for _, pg := range o.pages {
		st.Resident++
		if pg.dirty {
			st.Dirty++
		}
		if pg.writeLocked {
			st.WriteLocked++
		}
	}
	return st
}
