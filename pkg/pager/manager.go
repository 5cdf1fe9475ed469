package pager

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/example/diskpager/pkg/fs"
	"github.com/example/diskpager/pkg/vm"
)

// Config configures a Manager.
type Config struct {
	Geometry fs.Geometry

	// DisableCache stops memory objects from lingering without references.
	// Soft reference changes become no-ops.
	DisableCache bool

	// InconsistencyInterval is the minimum time between two reports of a
	// page-out to an unallocated block.
	InconsistencyInterval time.Duration

	Logger *logrus.Entry
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Geometry:              fs.DefaultGeometry(),
		InconsistencyInterval: time.Second,
	}
}

// Manager owns the device pager and every file pager.
type Manager struct {
	cfg   Config
	geom  fs.Geometry
	dev   fs.Device
	alloc fs.BlockAllocator
	meta  fs.Metadata
	log   *logrus.Entry

	limiter    *rate.Limiter
	suppressed atomic.Int64

	device      *Pager
	deviceRight *vm.SendRight

	nextID atomic.Uint64

	// tableMu guards table and is held across registry membership changes.
	// It is never held across I/O or a call that can terminate an object.
	tableMu sync.Mutex
	table   map[fs.Node]*Pager

	registry *Registry

	// pending tracks background device syncs.
	pending sync.WaitGroup
}

// NewManager validates the geometry against the device and creates the
// device pager.
func NewManager(cfg Config, dev fs.Device, alloc fs.BlockAllocator, meta fs.Metadata) (*Manager, error) {
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}
	if dev.BlockSize() != cfg.Geometry.DevBlockSize {
		return nil, fs.NewError("new_manager", dev.Name(), fmt.Errorf("device block size %d, geometry wants %d: %w",
			dev.BlockSize(), cfg.Geometry.DevBlockSize, fs.ErrInvalid))
	}
	if cfg.InconsistencyInterval == 0 {
		cfg.InconsistencyInterval = DefaultConfig().InconsistencyInterval
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.WithField("component", "pager")
	}

	m := &Manager{
		cfg:      cfg,
		geom:     cfg.Geometry,
		dev:      dev,
		alloc:    alloc,
		meta:     meta,
		log:      log,
		limiter:  rate.NewLimiter(rate.Every(cfg.InconsistencyInterval), 1),
		table:    make(map[fs.Node]*Pager),
		registry: newRegistry(),
	}
	if err := m.createDevicePager(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) createDevicePager() error {
	p := &Pager{kind: KindDevice, id: m.nextID.Add(1), m: m}
	p.obj = vm.NewObject(p, vm.ObjectConfig{
		PageSize: m.geom.PageSize,
		MayCache: !m.cfg.DisableCache,
		Copy:     vm.CopyNone,
		Name:     m.dev.Name(),
		Logger:   m.log,
	})
	right, err := p.obj.MakeSendRight()
	if err != nil {
		return err
	}
	m.device = p
	m.deviceRight = right
	return nil
}

// DeviceRight returns the send right for the whole device. It stays valid
// for the Manager's lifetime and must not be released.
func (m *Manager) DeviceRight() *vm.SendRight { return m.deviceRight }

// DevicePager returns the device pager.
func (m *Manager) DevicePager() *Pager { return m.device }

// Geometry returns the block geometry the Manager translates with.
func (m *Manager) Geometry() fs.Geometry { return m.geom }

// GetFilemap returns a send right for node's memory object, creating the
// file pager on first use. The caller must keep node alive for the call.
func (m *Manager) GetFilemap(node fs.Node) (*vm.SendRight, error) {
	for {
		m.tableMu.Lock()
		p, ok := m.table[node]
		if !ok {
			p = m.newFilePager(node)
			m.table[node] = p
			m.registry.insert(p)
		}
		right, err := p.obj.MakeSendRight()
		if errors.Is(err, vm.ErrTerminated) {
			// The old object is on its way out; its teardown clears the
			// table entry before Done is closed.
			done := p.obj.Done()
			m.tableMu.Unlock()
			<-done
			continue
		}
		m.tableMu.Unlock()
		return right, err
	}
}

// newFilePager builds a pager for node. m.tableMu must be held.
func (m *Manager) newFilePager(node fs.Node) *Pager {
	p := &Pager{kind: KindFile, id: m.nextID.Add(1), m: m, node: node}
	node.RefLight()
	p.obj = vm.NewObject(p, vm.ObjectConfig{
		PageSize: m.geom.PageSize,
		MayCache: !m.cfg.DisableCache,
		Copy:     vm.CopyDelay,
		Name:     p.String(),
		Logger:   m.log,
	})
	m.log.WithField("pager", p.String()).Debug("created file pager")
	return p
}

// teardown detaches a file pager whose memory object has terminated.
func (m *Manager) teardown(p *Pager) {
	m.tableMu.Lock()
	if m.table[p.node] == p {
		delete(m.table, p.node)
	}
	m.registry.remove(p)
	m.tableMu.Unlock()

	p.node.UnrefLight()
	m.log.WithField("pager", p.String()).Debug("destroyed file pager")
}

// referenced returns node's pager with a temporary reference on its memory
// object, or nil if there is no live pager.
func (m *Manager) referenced(node fs.Node) *Pager {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	p, ok := m.table[node]
	if !ok || !p.obj.Reference() {
		return nil
	}
	return p
}

// FilemapObject returns node's live memory object, or nil.
func (m *Manager) FilemapObject(node fs.Node) *vm.Object {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	if p, ok := m.table[node]; ok {
		return p.obj
	}
	return nil
}

// DropSoftRefs lets node's memory object be reclaimed as soon as it is
// unreferenced.
func (m *Manager) DropSoftRefs(node fs.Node) {
	m.setCaching(node, false)
}

// AllowSoftRefs lets node's memory object linger without references.
func (m *Manager) AllowSoftRefs(node fs.Node) {
	m.setCaching(node, true)
}

func (m *Manager) setCaching(node fs.Node, mayCache bool) {
	if m.cfg.DisableCache {
		return
	}
	p := m.referenced(node)
	if p == nil {
		return
	}
	p.obj.ChangeAttributes(mayCache, vm.CopyDelay)
	p.obj.Unreference()
}

// FileUpdate writes one file back: its dirty pages, the indirect blocks
// modified since the last update, then its metadata.
func (m *Manager) FileUpdate(node fs.Node, wait bool) error {
	var errs []error
	if p := m.referenced(node); p != nil {
		errs = append(errs, p.obj.Sync(wait))
		p.obj.Unreference()
	}
	for _, blk := range m.meta.TakeDirtyIndirect(node) {
		errs = append(errs, m.dev.SyncRange(blk<<m.geom.DevPerFSBlockShift(), m.geom.FSBlockSize, wait))
	}
	errs = append(errs, m.meta.UpdateNode(node, wait))
	return errors.Join(errs...)
}

// PagerStats returns the state of node's memory object, if it has one.
func (m *Manager) PagerStats(node fs.Node) (vm.Stats, bool) {
	p := m.referenced(node)
	if p == nil {
		return vm.Stats{}, false
	}
	defer p.obj.Unreference()
	st := p.obj.Stats()
	// Leave out our own temporary reference.
	st.Refs--
	return st, true
}

// FilePagers returns the number of live file pagers.
func (m *Manager) FilePagers() int {
	return m.registry.Len()
}

// inconsistency reports a caller bug that is otherwise ignored, at most
// once per InconsistencyInterval.
func (m *Manager) inconsistency(fields logrus.Fields, msg string) {
	if !m.limiter.Allow() {
		m.suppressed.Add(1)
		return
	}
	if n := m.suppressed.Swap(0); n > 0 {
		fields["suppressed"] = n
	}
	m.log.WithFields(fields).Error(msg)
}
