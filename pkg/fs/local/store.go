// Package local is the filesystem side of the pager: an in-memory node table
// and block allocator over a device image, with node and superblock
// metadata kept in an SQLite database next to the image.
package local

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/example/diskpager/pkg/fs"
)

// Config configures a Store.
type Config struct {
	Geometry fs.Geometry

	// MetadataPath is the SQLite database holding node metadata. ":memory:"
	// keeps it in memory.
	MetadataPath string

	// DirectBlocks is the number of block pointers held in the node itself.
	// Later pointers live in indirect blocks on the device.
	DirectBlocks int

	Logger *logrus.Entry
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Geometry:     fs.DefaultGeometry(),
		MetadataPath: ":memory:",
		DirectBlocks: 12,
	}
}

// Superblock is the filesystem-wide metadata.
type Superblock struct {
	BlockSize      int
	BlocksCount    uint64
	FreeBlocks     uint64
	FirstDataBlock uint64
	FileSystemID   uint32
	NextIno        uint64
}

// Store implements fs.BlockAllocator and fs.Metadata over a device.
type Store struct {
	cfg  Config
	geom fs.Geometry
	dev  fs.Device
	db   *sql.DB
	log  *logrus.Entry

	// Fixed once the superblock is loaded.
	fsid      uint32
	nblocks   uint64
	firstData uint64

	// mu guards the fields below. It nests inside a node's alloc lock.
	mu      sync.Mutex
	sb      Superblock
	sbDirty bool
	bitmap  []uint64
	nodes   map[uint64]*Node
	names   map[string]*Node
}

var (
	_ fs.BlockAllocator = (*Store)(nil)
	_ fs.Metadata       = (*Store)(nil)
)

func newStore(cfg Config, dev fs.Device) (*Store, error) {
	if cfg.DirectBlocks == 0 {
		cfg.DirectBlocks = DefaultConfig().DirectBlocks
	}
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}
	if dev.BlockSize() != cfg.Geometry.DevBlockSize {
		return nil, fs.NewError("open", dev.Name(), fmt.Errorf("device block size %d, geometry wants %d: %w",
			dev.BlockSize(), cfg.Geometry.DevBlockSize, fs.ErrInvalid))
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.WithField("component", "local")
	}
	db, err := openDB(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}
	return &Store{
		cfg:   cfg,
		geom:  cfg.Geometry,
		dev:   dev,
		db:    db,
		log:   log.WithField("device", dev.Name()),
		nodes: make(map[uint64]*Node),
		names: make(map[string]*Node),
	}, nil
}

// Format initializes an empty filesystem on dev and returns it opened.
func Format(cfg Config, dev fs.Device) (*Store, error) {
	s, err := newStore(cfg, dev)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadSuperblock(); err == nil {
		s.db.Close()
		return nil, fs.NewError("format", dev.Name(), fs.ErrExist)
	}

	count := uint64(dev.Size()) >> s.geom.FSBlockShift()
	if count > math.MaxUint32 {
		count = math.MaxUint32
	}
	if count < 2 {
		s.db.Close()
		return nil, fs.NewError("format", dev.Name(), fs.ErrNoSpace)
	}
	s.sb = Superblock{
		BlockSize:      s.geom.FSBlockSize,
		BlocksCount:    count,
		FirstDataBlock: 1,
		FileSystemID:   generateFsID(dev.Name()),
		NextIno:        2,
	}
	s.setFixed()
	s.rebuildBitmap()
	s.sbDirty = true
	if err := s.FlushSuperblock(); err != nil {
		s.db.Close()
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"blocks":     count,
		"block_size": s.geom.FSBlockSize,
	}).Info("formatted filesystem")
	return s, nil
}

// Open loads a filesystem previously created with Format.
func Open(cfg Config, dev fs.Device) (*Store, error) {
	s, err := newStore(cfg, dev)
	if err != nil {
		return nil, err
	}
	sb, err := s.loadSuperblock()
	if err != nil {
		s.db.Close()
		return nil, err
	}
	if sb.BlockSize != s.geom.FSBlockSize {
		s.db.Close()
		return nil, fs.NewError("open", dev.Name(), fmt.Errorf("filesystem block size %d, geometry wants %d: %w",
			sb.BlockSize, s.geom.FSBlockSize, fs.ErrInvalid))
	}
	s.sb = sb
	s.setFixed()
	if err := s.loadNodes(); err != nil {
		s.db.Close()
		return nil, err
	}
	s.rebuildBitmap()
	return s, nil
}

func (s *Store) setFixed() {
	s.fsid = s.sb.FileSystemID
	s.nblocks = s.sb.BlocksCount
	s.firstData = s.sb.FirstDataBlock
}

// generateFsID derives a filesystem ID from the device name.
func generateFsID(name string) uint32 {
	if abs, err := filepath.Abs(name); err == nil {
		name = abs
	}
	sum := blake3.Sum256([]byte(name))
	return binary.BigEndian.Uint32(sum[:4])
}

// Geometry returns the store's block geometry.
func (s *Store) Geometry() fs.Geometry { return s.geom }

// Device returns the underlying device.
func (s *Store) Device() fs.Device { return s.dev }

// Superblock returns a copy of the superblock.
func (s *Store) Superblock() Superblock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sb
}

// CreateNode makes an empty node called name.
func (s *Store) CreateNode(name string) (*Node, error) {
	if name == "" {
		return nil, fs.NewError("create", name, fs.ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[name]; ok {
		return nil, fs.NewError("create", name, fs.ErrExist)
	}
	n := &Node{
		store:    s,
		ino:      s.sb.NextIno,
		gen:      1,
		name:     name,
		indirect: make(map[uint64]uint64),
	}
	n.metaDirty.Store(true)
	s.sb.NextIno++
	s.sbDirty = true
	s.nodes[n.ino] = n
	s.names[name] = n
	return n, nil
}

// Lookup finds a node by name.
func (s *Store) Lookup(name string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.names[name]
	if !ok {
		return nil, fs.NewError("lookup", name, fs.ErrNotExist)
	}
	return n, nil
}

// Node finds a node by inode number.
func (s *Store) Node(ino uint64) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[ino]
	if !ok {
		return nil, fs.NewError("node", fmt.Sprintf("ino %d", ino), fs.ErrNotExist)
	}
	return n, nil
}

// Names returns every node name in sorted order.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.names))
	for name := range s.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle returns the handle naming n.
func (s *Store) Handle(n *Node) fs.NodeHandle {
	return fs.NodeHandle{
		FileSystemID: s.fsid,
		Inode:        n.ino,
		Generation:   n.gen,
	}
}

// NodeByHandle resolves a handle produced by Handle.
func (s *Store) NodeByHandle(h fs.NodeHandle) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.FileSystemID != s.fsid {
		return nil, fs.NewError("handle", h.String(), fs.ErrInvalidHandle)
	}
	n, ok := s.nodes[h.Inode]
	if !ok || n.gen != h.Generation {
		return nil, fs.NewError("handle", h.String(), fs.ErrStale)
	}
	return n, nil
}

// Close writes all metadata and closes the database. The device is left open.
func (s *Store) Close() error {
	err := errors.Join(s.FlushAllNodes(), s.FlushSuperblock())
	return errors.Join(err, s.db.Close())
}
