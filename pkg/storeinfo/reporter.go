package storeinfo

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/example/diskpager/pkg/fs"
)

// initialRuns is the starting capacity of the run list.
const initialRuns = 10

// Config configures a Reporter.
type Config struct {
	Geometry fs.Geometry

	// MaxRuns bounds the run list of one walk. Zero means no bound.
	MaxRuns int

	Logger *logrus.Entry
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Geometry: fs.DefaultGeometry(),
		MaxRuns:  1 << 20,
	}
}

// Reporter produces store descriptors for files.
type Reporter struct {
	cfg   Config
	store *Store
	alloc fs.BlockAllocator
	log   *logrus.Entry
}

// NewReporter returns a Reporter that remaps canonical, the descriptor of
// the whole device.
func NewReporter(cfg Config, canonical *Store, alloc fs.BlockAllocator) (*Reporter, error) {
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}
	if canonical.BlockSize != cfg.Geometry.DevBlockSize {
		return nil, fmt.Errorf("store block size %d, geometry wants %d: %w",
			canonical.BlockSize, cfg.Geometry.DevBlockSize, fs.ErrInvalid)
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.WithField("component", "storeinfo")
	}
	return &Reporter{cfg: cfg, store: canonical, alloc: alloc, log: log}, nil
}

// Runs walks node's block map and returns it as runs of device blocks.
// Consecutive blocks that are contiguous on the device, or consecutive
// holes, share a run.
func (r *Reporter) Runs(node fs.Node) ([]Run, error) {
	node.Lock()
	defer node.Unlock()
	lock := node.AllocLock()
	lock.RLock()
	defer lock.RUnlock()

	geom := r.cfg.Geometry
	devPerFS := int64(1) << geom.DevPerFSBlockShift()
	nblocks := node.StatBlocks() >> geom.StatPerFSBlockShift()

	capacity := initialRuns
	if r.cfg.MaxRuns > 0 {
		capacity = min(capacity, r.cfg.MaxRuns)
	}
	runs := make([]Run, 0, capacity)
	for index := uint64(0); index < nblocks; index++ {
		blk, err := r.alloc.GetBlock(node, index, false)
		if errors.Is(err, fs.ErrNotAllocated) || errors.Is(err, fs.ErrInvalid) {
			blk, err = 0, nil
		}
		if err != nil {
			return nil, err
		}

		start := int64(Hole)
		if blk != 0 {
			start = int64(blk << geom.DevPerFSBlockShift())
		}
		if n := len(runs); n == 0 || !continues(runs[n-1], start) {
			if n == cap(runs) {
				if runs, err = r.grow(runs); err != nil {
					return nil, fs.NewError("storage_info", fmt.Sprintf("ino %d", node.Ino()), err)
				}
			}
			runs = append(runs, Run{Start: start})
		}
		runs[len(runs)-1].Length += devPerFS
	}
	return runs, nil
}

// continues reports whether a block at start extends run.
func continues(run Run, start int64) bool {
	if (run.Start == Hole) != (start == Hole) {
		return false
	}
	return start == Hole || run.Start+run.Length == start
}

// grow doubles the capacity of runs, failing with ErrNoMemory past MaxRuns.
func (r *Reporter) grow(runs []Run) ([]Run, error) {
	newCap := 2 * cap(runs)
	if limit := r.cfg.MaxRuns; limit > 0 {
		if len(runs) >= limit {
			return nil, fmt.Errorf("more than %d runs: %w", limit, fs.ErrNoMemory)
		}
		newCap = min(newCap, limit)
	}
	grown := make([]Run, len(runs), newCap)
	copy(grown, runs)
	return grown, nil
}

// StorageInfo returns a descriptor for the blocks of node. Unless cred is
// privileged or the descriptor is safe for open, it is made inactive; a
// backing that cannot be made inactive yields ErrPermission.
func (r *Reporter) StorageInfo(node fs.Node, cred fs.Credentials, open fs.OpenFlags) (*Encoding, error) {
	path := fmt.Sprintf("ino %d", node.Ino())
	runs, err := r.Runs(node)
	if err != nil {
		return nil, err
	}

	s := r.store.Clone()
	if err := s.Remap(runs); err != nil {
		return nil, err
	}
	if !cred.IsRoot() && !s.IsSecurelyReturnable(open) {
		if err := s.SetFlags(FlagInactive); err != nil {
			if errors.Is(err, fs.ErrInvalid) {
				r.log.WithFields(logrus.Fields{
					"node": node.Ino(),
					"uid":  cred.UID,
				}).Debug("store cannot be returned to unprivileged caller")
				return nil, fs.NewError("storage_info", path, fs.ErrPermission)
			}
			return nil, err
		}
	}
	return s.Encode(), nil
}
